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

// Package coordinator provides the orchestrator that drives saga execution:
// it advances steps, invokes registered handlers, persists every state
// transition, retries failed steps up to their budget, and triggers
// reverse-order compensation on failure, timeout, or cancellation.
package coordinator

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/innovationmech/tasks/pkg/logger"
	"github.com/innovationmech/tasks/pkg/tasks"
	"github.com/innovationmech/tasks/pkg/tasks/retry"
)

var (
	// ErrStorageNotConfigured indicates Storage is not configured.
	ErrStorageNotConfigured = errors.New("storage not configured")

	// ErrHandlersNotConfigured indicates the handler registry is not configured.
	ErrHandlersNotConfigured = errors.New("handler registry not configured")

	// errSagaClosed aborts a claim on a permanently closed saga.
	errSagaClosed = errors.New("saga is closed")
)

// DefaultLeaseDuration is the execution lease a coordinator holds on a saga.
// The lease is refreshed on every persisted transition; a crashed
// coordinator's saga becomes claimable once the lease lapses.
const DefaultLeaseDuration = 2 * time.Minute

// MetricsCollector collects orchestrator runtime metrics. Implementations
// can ship metrics to Prometheus or any other monitoring system; a no-op
// collector is used when none is configured.
type MetricsCollector interface {
	// RecordSagaStarted increments the count of started sagas.
	RecordSagaStarted(workflowType string)

	// RecordSagaCompleted increments the count of completed sagas.
	RecordSagaCompleted(workflowType string, duration time.Duration)

	// RecordSagaFailed increments the count of failed sagas.
	RecordSagaFailed(workflowType string, duration time.Duration)

	// RecordSagaCompensated increments the count of compensated sagas.
	RecordSagaCompensated(workflowType string, duration time.Duration)

	// RecordStepExecuted increments the count of executed steps.
	RecordStepExecuted(workflowType, operation string, success bool, duration time.Duration)

	// RecordStepRetried increments the count of step retries.
	RecordStepRetried(workflowType, operation string, attempt int)

	// RecordCompensationExecuted increments the count of compensation runs.
	RecordCompensationExecuted(workflowType, operation string, success bool, duration time.Duration)
}

// NoopMetricsCollector discards all metrics.
type NoopMetricsCollector struct{}

func (NoopMetricsCollector) RecordSagaStarted(string)                                   {}
func (NoopMetricsCollector) RecordSagaCompleted(string, time.Duration)                  {}
func (NoopMetricsCollector) RecordSagaFailed(string, time.Duration)                     {}
func (NoopMetricsCollector) RecordSagaCompensated(string, time.Duration)                {}
func (NoopMetricsCollector) RecordStepExecuted(string, string, bool, time.Duration)     {}
func (NoopMetricsCollector) RecordStepRetried(string, string, int)                      {}
func (NoopMetricsCollector) RecordCompensationExecuted(string, string, bool, time.Duration) {
}

// Config contains the orchestrator's dependencies and tuning knobs.
type Config struct {
	// Storage is required for persisting saga state.
	Storage tasks.Storage

	// Handlers is required for resolving operation callbacks.
	Handlers tasks.HandlerRegistry

	// RetryPolicy controls delays between step retry attempts. Defaults to
	// exponential backoff with full jitter.
	RetryPolicy retry.Policy

	// Publisher receives saga lifecycle events. Defaults to a no-op.
	Publisher tasks.EventPublisher

	// Metrics collects runtime metrics. Defaults to a no-op.
	Metrics MetricsCollector

	// LeaseDuration is the execution lease on an in-progress saga.
	LeaseDuration time.Duration

	// Clock supplies the current time; overridable in tests.
	Clock func() time.Time
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Storage == nil {
		return ErrStorageNotConfigured
	}
	if c.Handlers == nil {
		return ErrHandlersNotConfigured
	}
	return nil
}

// Orchestrator drives saga execution against the storage backend. It holds
// no authoritative in-memory state across calls: every ExecuteSaga
// invocation reloads state from storage and is safely resumable after a
// coordinator crash.
type Orchestrator struct {
	storage  tasks.Storage
	handlers tasks.HandlerRegistry
	policy   retry.Policy
	events   tasks.EventPublisher
	metrics  MetricsCollector
	lease    time.Duration
	now      func() time.Time
}

// NewOrchestrator creates an orchestrator from the configuration, applying
// defaults for the optional components.
func NewOrchestrator(config *Config) (*Orchestrator, error) {
	if config == nil {
		return nil, errors.New("config cannot be nil")
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	policy := config.RetryPolicy
	if policy == nil {
		// The step's own MaxRetries bounds the attempt loop; the default
		// policy only supplies delays and error classification, so its
		// attempt cap is effectively unbounded.
		defaults := retry.DefaultConfig()
		defaults.Attempts = math.MaxInt32
		policy = retry.NewExponentialBackoff(defaults, 2.0)
	}
	events := config.Publisher
	if events == nil {
		events = tasks.NoopPublisher{}
	}
	metrics := config.Metrics
	if metrics == nil {
		metrics = NoopMetricsCollector{}
	}
	lease := config.LeaseDuration
	if lease <= 0 {
		lease = DefaultLeaseDuration
	}
	now := config.Clock
	if now == nil {
		now = time.Now
	}

	return &Orchestrator{
		storage:  config.Storage,
		handlers: config.Handlers,
		policy:   policy,
		events:   events,
		metrics:  metrics,
		lease:    lease,
		now:      now,
	}, nil
}

// ExecuteSaga drives the saga to a terminal state. The call is idempotent:
// on a permanently closed saga it is a no-op returning the cached outcome,
// and a second coordinator racing on an in-progress saga is rejected through
// the execution lease rather than double-executing a step.
//
// The boolean result reports whether the saga completed successfully.
// Handler failures do not surface as errors; they drive the retry and
// compensation state machine and are reflected in the persisted saga state
// reachable through status queries. Only infrastructure failures (storage,
// context) are returned as errors.
func (o *Orchestrator) ExecuteSaga(ctx context.Context, sagaID string) (bool, error) {
	saga, err := o.storage.GetSaga(ctx, sagaID)
	if err != nil {
		return false, err
	}
	if saga.IsClosed() || saga.Status == tasks.StatusFailed {
		return saga.Status == tasks.StatusCompleted, nil
	}

	saga, err = o.claim(ctx, sagaID)
	if err != nil {
		if errors.Is(err, errSagaClosed) {
			current, getErr := o.storage.GetSaga(ctx, sagaID)
			if getErr != nil {
				return false, getErr
			}
			return current.Status == tasks.StatusCompleted, nil
		}
		return false, err
	}

	o.metrics.RecordSagaStarted(saga.WorkflowType)
	o.publish(ctx, tasks.NewEvent(saga.SagaID, "", tasks.EventSagaStarted))

	exec := &sagaExecutor{orchestrator: o, saga: saga}
	if saga.Status == tasks.StatusCompensating {
		// Crash recovery: the previous coordinator died mid-compensation.
		return false, exec.compensate(ctx, errors.New(saga.Error))
	}
	return exec.run(ctx)
}

// RequestCancellation marks the saga for cancellation. The orchestrator
// observes the mark at the next step boundary, never mid-handler, and
// transitions into compensation instead of starting a new step.
func (o *Orchestrator) RequestCancellation(ctx context.Context, sagaID, reason string) error {
	_, err := o.storage.UpdateSaga(ctx, sagaID, func(s *tasks.SagaWorkflow) error {
		if s.IsClosed() {
			return tasks.NewInvalidStateError(s.Status, tasks.StatusCompensating)
		}
		s.CancelRequested = true
		s.CancelReason = reason
		return nil
	})
	return err
}

// claim takes the execution lease with a single conditional update. Sagas
// that are pending, failed-over (lease expired), or entering operator-driven
// compensation are claimable; a live lease held by another coordinator
// rejects the claim.
func (o *Orchestrator) claim(ctx context.Context, sagaID string) (*tasks.SagaWorkflow, error) {
	now := o.now()
	return o.storage.UpdateSaga(ctx, sagaID, func(s *tasks.SagaWorkflow) error {
		if s.IsClosed() || s.Status == tasks.StatusFailed {
			return errSagaClosed
		}
		if s.Status.IsActive() && s.LeaseExpiresAt != nil && now.Before(*s.LeaseExpiresAt) {
			return tasks.NewSagaConcurrentExecutionError(sagaID)
		}
		if s.Status == tasks.StatusPending {
			s.Status = tasks.StatusInProgress
		}
		exp := now.Add(o.lease)
		s.LeaseExpiresAt = &exp
		return nil
	})
}

// publish sends a lifecycle event; publishing failures are logged, never
// propagated.
func (o *Orchestrator) publish(ctx context.Context, event *tasks.Event) {
	if err := o.events.PublishEvent(ctx, event); err != nil {
		logger.GetSugaredLogger().Warnw("failed to publish saga event",
			"saga_id", event.SagaID, "type", string(event.Type), "error", err)
	}
}

// completeLinkedKey finalizes the idempotency key linked to the saga, if
// any, so a duplicate saga submission observes the saga's outcome.
func (o *Orchestrator) completeLinkedKey(ctx context.Context, saga *tasks.SagaWorkflow, result map[string]any, errMsg string) {
	if saga.IdempotencyKey == "" {
		return
	}
	_, err := o.storage.UpdateIdempotencyKey(ctx, saga.IdempotencyKey, func(rec *tasks.IdempotencyKey) error {
		if rec.Status.IsTerminal() {
			return nil
		}
		if errMsg != "" {
			rec.Status = tasks.StatusFailed
			rec.Error = errMsg
			return nil
		}
		rec.Status = tasks.StatusCompleted
		rec.Result = result
		return nil
	})
	if err != nil && !tasks.IsKeyNotFound(err) {
		logger.GetSugaredLogger().Warnw("failed to complete idempotency key linked to saga",
			"saga_id", saga.SagaID, "key", saga.IdempotencyKey, "error", err)
	}
}
