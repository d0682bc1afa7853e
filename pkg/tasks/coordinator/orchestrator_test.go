// Copyright © 2025 jackelyj <dreamerlyj@gmail.com>
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.
//

package coordinator

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/innovationmech/tasks/pkg/tasks"
	"github.com/innovationmech/tasks/pkg/tasks/retry"
	"github.com/innovationmech/tasks/pkg/tasks/storage"
)

// capturePublisher records published events for assertions.
type capturePublisher struct {
	mu     sync.Mutex
	events []*tasks.Event
}

func (p *capturePublisher) PublishEvent(ctx context.Context, event *tasks.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *capturePublisher) Close() error { return nil }

func (p *capturePublisher) types() []tasks.EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]tasks.EventType, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

func (p *capturePublisher) has(eventType tasks.EventType) bool {
	for _, t := range p.types() {
		if t == eventType {
			return true
		}
	}
	return false
}

type stepSpec struct {
	name         string
	operation    string
	compensation string
	maxRetries   int
}

func buildSaga(id string, specs ...stepSpec) *tasks.SagaWorkflow {
	now := time.Now()
	saga := &tasks.SagaWorkflow{
		SagaID:         id,
		TenantID:       "tenant-a",
		WorkflowType:   "order_fulfillment",
		Status:         tasks.StatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
		TimeoutSeconds: 3600,
	}
	for i, spec := range specs {
		saga.Steps = append(saga.Steps, &tasks.SagaStep{
			StepID:                spec.name + "-id",
			Name:                  spec.name,
			Operation:             spec.operation,
			CompensationOperation: spec.compensation,
			Params:                map[string]any{"index": i},
			Status:                tasks.StepPending,
			MaxRetries:            spec.maxRetries,
		})
	}
	return saga
}

type orchestratorFixture struct {
	store     *storage.MemoryStorage
	handlers  *Registry
	publisher *capturePublisher
	orch      *Orchestrator
}

func newFixture(t *testing.T) *orchestratorFixture {
	t.Helper()
	store := storage.NewMemoryStorage()
	t.Cleanup(func() { _ = store.Close() })

	handlers := NewRegistry()
	publisher := &capturePublisher{}

	// Zero-delay retries keep the attempt loop fast in tests.
	policy := retry.NewFixedInterval(&retry.Config{
		Attempts:     math.MaxInt32,
		InitialDelay: time.Millisecond,
		MaxDelay:     time.Millisecond,
	}, 0)

	orch, err := NewOrchestrator(&Config{
		Storage:     store,
		Handlers:    handlers,
		RetryPolicy: policy,
		Publisher:   publisher,
	})
	require.NoError(t, err)

	return &orchestratorFixture{store: store, handlers: handlers, publisher: publisher, orch: orch}
}

func TestNewOrchestrator_Validation(t *testing.T) {
	if _, err := NewOrchestrator(nil); err == nil {
		t.Error("NewOrchestrator(nil) expected error")
	}
	if _, err := NewOrchestrator(&Config{Handlers: NewRegistry()}); !errors.Is(err, ErrStorageNotConfigured) {
		t.Errorf("missing storage error = %v", err)
	}
	store := storage.NewMemoryStorage()
	defer store.Close()
	if _, err := NewOrchestrator(&Config{Storage: store}); !errors.Is(err, ErrHandlersNotConfigured) {
		t.Errorf("missing handlers error = %v", err)
	}
}

func TestOrchestrator_ExecuteSaga_Success(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	var order []string
	record := func(name string) tasks.HandlerFunc {
		return func(ctx context.Context, params map[string]any) (map[string]any, error) {
			order = append(order, name)
			return map[string]any{"done": name}, nil
		}
	}
	f.handlers.Register("reserve_inventory", record("reserve_inventory"))
	f.handlers.Register("charge_payment", record("charge_payment"))
	f.handlers.Register("ship_order", record("ship_order"))

	saga := buildSaga("saga-ok",
		stepSpec{name: "reserve", operation: "reserve_inventory", compensation: "release_inventory", maxRetries: 3},
		stepSpec{name: "charge", operation: "charge_payment", compensation: "refund_payment", maxRetries: 3},
		stepSpec{name: "ship", operation: "ship_order", maxRetries: 3},
	)
	require.NoError(t, f.store.PutSaga(ctx, saga))

	completed, err := f.orch.ExecuteSaga(ctx, "saga-ok")
	require.NoError(t, err)
	assert.True(t, completed)
	assert.Equal(t, []string{"reserve_inventory", "charge_payment", "ship_order"}, order)

	final, err := f.store.GetSaga(ctx, "saga-ok")
	require.NoError(t, err)
	assert.Equal(t, tasks.StatusCompleted, final.Status)
	assert.Equal(t, len(final.Steps), final.CurrentStep)
	assert.Nil(t, final.LeaseExpiresAt)
	for _, step := range final.Steps {
		assert.Equal(t, tasks.StepCompleted, step.Status)
		assert.NotNil(t, step.Result)
		assert.NotNil(t, step.CompletedAt)
	}

	history, err := f.store.GetSagaHistory(ctx, "saga-ok", 0)
	require.NoError(t, err)
	assert.Len(t, history, 6, "one executing and one completed entry per step")

	assert.True(t, f.publisher.has(tasks.EventSagaStarted))
	assert.True(t, f.publisher.has(tasks.EventSagaStepCompleted))
	assert.True(t, f.publisher.has(tasks.EventSagaCompleted))
	assert.False(t, f.publisher.has(tasks.EventCompensationStarted))
}

func TestOrchestrator_ExecuteSaga_RetryThenSuccess(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	calls := 0
	f.handlers.Register("flaky_op", func(ctx context.Context, params map[string]any) (map[string]any, error) {
		calls++
		if calls < 3 {
			return nil, errors.New("transient failure")
		}
		return map[string]any{"ok": true}, nil
	})

	saga := buildSaga("saga-flaky", stepSpec{name: "flaky", operation: "flaky_op", maxRetries: 3})
	require.NoError(t, f.store.PutSaga(ctx, saga))

	completed, err := f.orch.ExecuteSaga(ctx, "saga-flaky")
	require.NoError(t, err)
	assert.True(t, completed)
	assert.Equal(t, 3, calls)

	final, err := f.store.GetSaga(ctx, "saga-flaky")
	require.NoError(t, err)
	assert.Equal(t, tasks.StatusCompleted, final.Status)
	assert.Equal(t, 2, final.Steps[0].RetryCount)
	assert.True(t, f.publisher.has(tasks.EventSagaStepRetried))
}

func TestOrchestrator_ExecuteSaga_RetryBudgetExhausted(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	calls := 0
	f.handlers.Register("always_fails", func(ctx context.Context, params map[string]any) (map[string]any, error) {
		calls++
		return nil, errors.New("downstream unavailable")
	})

	saga := buildSaga("saga-exhaust", stepSpec{name: "doomed", operation: "always_fails", maxRetries: 2})
	require.NoError(t, f.store.PutSaga(ctx, saga))

	completed, err := f.orch.ExecuteSaga(ctx, "saga-exhaust")
	require.NoError(t, err)
	assert.False(t, completed)
	assert.Equal(t, 3, calls, "initial attempt plus MaxRetries retries")

	final, err := f.store.GetSaga(ctx, "saga-exhaust")
	require.NoError(t, err)
	assert.Equal(t, tasks.StatusCompensated, final.Status)
	assert.Equal(t, tasks.StepFailed, final.Steps[0].Status)
	assert.Contains(t, final.Error, "always_fails")
	assert.True(t, f.publisher.has(tasks.EventSagaStepFailed))
}

func TestOrchestrator_CompensationReverseOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	ok := func(ctx context.Context, params map[string]any) (map[string]any, error) {
		return map[string]any{"ok": true}, nil
	}
	f.handlers.Register("reserve_inventory", ok)
	f.handlers.Register("charge_payment", ok)
	f.handlers.Register("ship_order", func(ctx context.Context, params map[string]any) (map[string]any, error) {
		return nil, errors.New("no carrier available")
	})

	var undone []string
	undo := func(name string) tasks.CompensationFunc {
		return func(ctx context.Context, params map[string]any) error {
			undone = append(undone, name)
			return nil
		}
	}
	f.handlers.RegisterCompensation("release_inventory", undo("release_inventory"))
	f.handlers.RegisterCompensation("refund_payment", undo("refund_payment"))

	saga := buildSaga("saga-comp",
		stepSpec{name: "reserve", operation: "reserve_inventory", compensation: "release_inventory"},
		stepSpec{name: "charge", operation: "charge_payment", compensation: "refund_payment"},
		stepSpec{name: "ship", operation: "ship_order"},
	)
	require.NoError(t, f.store.PutSaga(ctx, saga))

	completed, err := f.orch.ExecuteSaga(ctx, "saga-comp")
	require.NoError(t, err)
	assert.False(t, completed)
	assert.Equal(t, []string{"refund_payment", "release_inventory"}, undone,
		"completed steps are undone in reverse order")

	final, err := f.store.GetSaga(ctx, "saga-comp")
	require.NoError(t, err)
	assert.Equal(t, tasks.StatusCompensated, final.Status)
	assert.Equal(t, tasks.StepCompensated, final.Steps[0].Status)
	assert.Equal(t, tasks.StepCompensated, final.Steps[1].Status)
	assert.Equal(t, tasks.StepFailed, final.Steps[2].Status)
	assert.True(t, f.publisher.has(tasks.EventCompensationStarted))
	assert.True(t, f.publisher.has(tasks.EventCompensationCompleted))
}

func TestOrchestrator_FailedStepNeverCompensated(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	released := 0
	refunded := 0
	shipped := 0
	f.handlers.Register("reserve_inventory", func(ctx context.Context, params map[string]any) (map[string]any, error) {
		return map[string]any{"reservation_id": "r-1"}, nil
	})
	f.handlers.Register("charge_payment", func(ctx context.Context, params map[string]any) (map[string]any, error) {
		return nil, errors.New("card declined")
	})
	f.handlers.Register("ship_order", func(ctx context.Context, params map[string]any) (map[string]any, error) {
		shipped++
		return nil, nil
	})
	f.handlers.RegisterCompensation("release_inventory", func(ctx context.Context, params map[string]any) error {
		released++
		return nil
	})
	f.handlers.RegisterCompensation("refund_payment", func(ctx context.Context, params map[string]any) error {
		refunded++
		return nil
	})

	saga := buildSaga("saga-declined",
		stepSpec{name: "reserve", operation: "reserve_inventory", compensation: "release_inventory"},
		stepSpec{name: "charge", operation: "charge_payment", compensation: "refund_payment"},
		stepSpec{name: "ship", operation: "ship_order"},
	)
	require.NoError(t, f.store.PutSaga(ctx, saga))

	completed, err := f.orch.ExecuteSaga(ctx, "saga-declined")
	require.NoError(t, err)
	assert.False(t, completed)

	final, err := f.store.GetSaga(ctx, "saga-declined")
	require.NoError(t, err)
	assert.Equal(t, tasks.StatusCompensated, final.Status)
	assert.Equal(t, 1, released, "the completed reservation is released once")
	assert.Equal(t, 0, refunded, "the failed charge has nothing to refund")
	assert.Equal(t, 0, shipped, "the step after the failure never starts")
}

func TestOrchestrator_CompensationSkippedWithoutOperation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	f.handlers.Register("log_audit", func(ctx context.Context, params map[string]any) (map[string]any, error) {
		return nil, nil
	})
	f.handlers.Register("charge_payment", func(ctx context.Context, params map[string]any) (map[string]any, error) {
		return nil, errors.New("card declined")
	})

	// The first step completes but registers no compensating operation.
	saga := buildSaga("saga-skip",
		stepSpec{name: "audit", operation: "log_audit"},
		stepSpec{name: "charge", operation: "charge_payment"},
	)
	require.NoError(t, f.store.PutSaga(ctx, saga))

	completed, err := f.orch.ExecuteSaga(ctx, "saga-skip")
	require.NoError(t, err)
	assert.False(t, completed)

	final, err := f.store.GetSaga(ctx, "saga-skip")
	require.NoError(t, err)
	assert.Equal(t, tasks.StatusCompensated, final.Status)
	assert.Equal(t, tasks.StepCompleted, final.Steps[0].Status, "uncompensatable step keeps its state")
	assert.True(t, f.publisher.has(tasks.EventCompensationSkipped))

	history, err := f.store.GetSagaHistory(ctx, "saga-skip", 0)
	require.NoError(t, err)
	found := false
	for _, entry := range history {
		if entry.StepID == "audit-id" && entry.Error != "" {
			found = true
		}
	}
	assert.True(t, found, "skip must be recorded in the audit trail")
}

func TestOrchestrator_CompensationFailureParksSaga(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	f.handlers.Register("reserve_inventory", func(ctx context.Context, params map[string]any) (map[string]any, error) {
		return map[string]any{"reserved": true}, nil
	})
	f.handlers.Register("charge_payment", func(ctx context.Context, params map[string]any) (map[string]any, error) {
		return nil, errors.New("card declined")
	})
	f.handlers.RegisterCompensation("release_inventory", func(ctx context.Context, params map[string]any) error {
		return errors.New("inventory service down")
	})

	saga := buildSaga("saga-park",
		stepSpec{name: "reserve", operation: "reserve_inventory", compensation: "release_inventory"},
		stepSpec{name: "charge", operation: "charge_payment"},
	)
	require.NoError(t, f.store.PutSaga(ctx, saga))

	completed, err := f.orch.ExecuteSaga(ctx, "saga-park")
	require.NoError(t, err)
	assert.False(t, completed)

	final, err := f.store.GetSaga(ctx, "saga-park")
	require.NoError(t, err)
	assert.Equal(t, tasks.StatusFailed, final.Status)
	assert.Contains(t, final.Error, "inventory service down")
	assert.Nil(t, final.LeaseExpiresAt, "a parked saga holds no lease")
	assert.True(t, f.publisher.has(tasks.EventCompensationFailed))
	assert.True(t, f.publisher.has(tasks.EventSagaFailed))
}

func TestOrchestrator_Cancellation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	invoked := false
	f.handlers.Register("reserve_inventory", func(ctx context.Context, params map[string]any) (map[string]any, error) {
		invoked = true
		return nil, nil
	})

	saga := buildSaga("saga-cancel", stepSpec{name: "reserve", operation: "reserve_inventory"})
	require.NoError(t, f.store.PutSaga(ctx, saga))

	require.NoError(t, f.orch.RequestCancellation(ctx, "saga-cancel", "user aborted checkout"))

	completed, err := f.orch.ExecuteSaga(ctx, "saga-cancel")
	require.NoError(t, err)
	assert.False(t, completed)
	assert.False(t, invoked, "cancellation before the first boundary skips the step")

	final, err := f.store.GetSaga(ctx, "saga-cancel")
	require.NoError(t, err)
	assert.Equal(t, tasks.StatusCompensated, final.Status)
	assert.Contains(t, final.Error, "user aborted checkout")
	assert.True(t, f.publisher.has(tasks.EventSagaCancelled))
}

func TestOrchestrator_RequestCancellation_ClosedSaga(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	saga := buildSaga("saga-done", stepSpec{name: "reserve", operation: "reserve_inventory"})
	saga.Status = tasks.StatusCompleted
	require.NoError(t, f.store.PutSaga(ctx, saga))

	err := f.orch.RequestCancellation(ctx, "saga-done", "too late")
	require.Error(t, err)
	var terr *tasks.TasksError
	require.True(t, errors.As(err, &terr))
	assert.Equal(t, tasks.ErrCodeInvalidState, terr.Code)
}

func TestOrchestrator_WorkflowTimeout(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	f.handlers.Register("reserve_inventory", func(ctx context.Context, params map[string]any) (map[string]any, error) {
		return nil, nil
	})

	saga := buildSaga("saga-late", stepSpec{name: "reserve", operation: "reserve_inventory"})
	saga.TimeoutSeconds = 60
	saga.CreatedAt = time.Now().Add(-2 * time.Hour)
	require.NoError(t, f.store.PutSaga(ctx, saga))

	completed, err := f.orch.ExecuteSaga(ctx, "saga-late")
	require.NoError(t, err)
	assert.False(t, completed)

	final, err := f.store.GetSaga(ctx, "saga-late")
	require.NoError(t, err)
	assert.Equal(t, tasks.StatusCompensated, final.Status)
	assert.True(t, f.publisher.has(tasks.EventSagaTimedOut))
}

func TestOrchestrator_ConcurrentExecutionRejected(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	saga := buildSaga("saga-held", stepSpec{name: "reserve", operation: "reserve_inventory"})
	require.NoError(t, f.store.PutSaga(ctx, saga))

	// Another coordinator holds a live lease.
	_, err := f.store.UpdateSaga(ctx, "saga-held", func(s *tasks.SagaWorkflow) error {
		s.Status = tasks.StatusInProgress
		exp := time.Now().Add(time.Minute)
		s.LeaseExpiresAt = &exp
		return nil
	})
	require.NoError(t, err)

	_, err = f.orch.ExecuteSaga(ctx, "saga-held")
	require.Error(t, err)
	assert.True(t, tasks.IsConcurrentExecution(err))
}

func TestOrchestrator_ExpiredLeaseIsClaimable(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	f.handlers.Register("reserve_inventory", func(ctx context.Context, params map[string]any) (map[string]any, error) {
		return map[string]any{"reserved": true}, nil
	})

	saga := buildSaga("saga-orphan", stepSpec{name: "reserve", operation: "reserve_inventory"})
	require.NoError(t, f.store.PutSaga(ctx, saga))

	// The previous coordinator crashed; its lease has lapsed.
	_, err := f.store.UpdateSaga(ctx, "saga-orphan", func(s *tasks.SagaWorkflow) error {
		s.Status = tasks.StatusInProgress
		exp := time.Now().Add(-time.Minute)
		s.LeaseExpiresAt = &exp
		return nil
	})
	require.NoError(t, err)

	completed, err := f.orch.ExecuteSaga(ctx, "saga-orphan")
	require.NoError(t, err)
	assert.True(t, completed)
}

func TestOrchestrator_TerminalSagaIsNoOp(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	invoked := false
	f.handlers.Register("reserve_inventory", func(ctx context.Context, params map[string]any) (map[string]any, error) {
		invoked = true
		return nil, nil
	})

	done := buildSaga("saga-closed", stepSpec{name: "reserve", operation: "reserve_inventory"})
	done.Status = tasks.StatusCompleted
	require.NoError(t, f.store.PutSaga(ctx, done))

	completed, err := f.orch.ExecuteSaga(ctx, "saga-closed")
	require.NoError(t, err)
	assert.True(t, completed)
	assert.False(t, invoked)

	rolled := buildSaga("saga-rolled", stepSpec{name: "reserve", operation: "reserve_inventory"})
	rolled.Status = tasks.StatusCompensated
	require.NoError(t, f.store.PutSaga(ctx, rolled))

	completed, err = f.orch.ExecuteSaga(ctx, "saga-rolled")
	require.NoError(t, err)
	assert.False(t, completed)
	assert.False(t, invoked)
}

func TestOrchestrator_CrashRecoveryResumesCompensation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	undone := 0
	f.handlers.RegisterCompensation("release_inventory", func(ctx context.Context, params map[string]any) error {
		undone++
		return nil
	})

	// Persisted state of a coordinator that died mid-compensation.
	saga := buildSaga("saga-resume",
		stepSpec{name: "reserve", operation: "reserve_inventory", compensation: "release_inventory"},
		stepSpec{name: "charge", operation: "charge_payment"},
	)
	saga.Status = tasks.StatusCompensating
	saga.Error = "handler execution failed for operation \"charge_payment\""
	saga.Steps[0].Status = tasks.StepCompensating
	saga.Steps[1].Status = tasks.StepFailed
	saga.CurrentStep = 1
	require.NoError(t, f.store.PutSaga(ctx, saga))

	completed, err := f.orch.ExecuteSaga(ctx, "saga-resume")
	require.NoError(t, err)
	assert.False(t, completed)
	assert.Equal(t, 1, undone, "the in-flight compensation is re-invoked")

	final, err := f.store.GetSaga(ctx, "saga-resume")
	require.NoError(t, err)
	assert.Equal(t, tasks.StatusCompensated, final.Status)
	assert.Equal(t, tasks.StepCompensated, final.Steps[0].Status)
}

func TestOrchestrator_LinkedKeySettled(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	f.handlers.Register("reserve_inventory", func(ctx context.Context, params map[string]any) (map[string]any, error) {
		return map[string]any{"reservation_id": "r-1"}, nil
	})

	now := time.Now()
	_, _, err := f.store.PutIdempotencyKeyIfAbsent(ctx, &tasks.IdempotencyKey{
		Key:           "idem-linked",
		TenantID:      "tenant-a",
		OperationType: "order_fulfillment",
		CreatedAt:     now,
		ExpiresAt:     now.Add(time.Hour),
		Status:        tasks.StatusPending,
	})
	require.NoError(t, err)

	saga := buildSaga("saga-linked", stepSpec{name: "reserve", operation: "reserve_inventory"})
	saga.IdempotencyKey = "idem-linked"
	require.NoError(t, f.store.PutSaga(ctx, saga))

	completed, err := f.orch.ExecuteSaga(ctx, "saga-linked")
	require.NoError(t, err)
	require.True(t, completed)

	key, err := f.store.GetIdempotencyKey(ctx, "idem-linked")
	require.NoError(t, err)
	assert.Equal(t, tasks.StatusCompleted, key.Status)
	assert.Contains(t, key.Result, "reserve", "results are keyed by step name")
}

func TestOrchestrator_MissingHandlerFailsStep(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	saga := buildSaga("saga-nohandler", stepSpec{name: "reserve", operation: "unregistered_op"})
	require.NoError(t, f.store.PutSaga(ctx, saga))

	completed, err := f.orch.ExecuteSaga(ctx, "saga-nohandler")
	require.NoError(t, err)
	assert.False(t, completed)

	final, err := f.store.GetSaga(ctx, "saga-nohandler")
	require.NoError(t, err)
	assert.Equal(t, tasks.StepFailed, final.Steps[0].Status)
	assert.Equal(t, tasks.StatusCompensated, final.Status)
	assert.Contains(t, final.Error, "unregistered_op")
}
