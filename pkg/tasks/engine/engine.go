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

// Package engine is the single entry point callers wire their application
// against. It composes the idempotency registry, the handler registry, and
// the saga orchestrator over one storage backend, and exposes the unified
// background-operation view used for status polling.
package engine

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/innovationmech/tasks/pkg/tasks"
	"github.com/innovationmech/tasks/pkg/tasks/coordinator"
	"github.com/innovationmech/tasks/pkg/tasks/idempotency"
	"github.com/innovationmech/tasks/pkg/tasks/retry"
)

// Config configures the engine. Storage is the only required field.
type Config struct {
	// Storage is the persistence backend shared by all components.
	Storage tasks.Storage

	// Handlers is the operation handler registry. Defaults to a fresh
	// in-process registry.
	Handlers tasks.HandlerRegistry

	// RetryPolicy controls step retry delays. Defaults to exponential
	// backoff with full jitter.
	RetryPolicy retry.Policy

	// Publisher receives saga lifecycle events. Defaults to a no-op.
	Publisher tasks.EventPublisher

	// Metrics collects orchestrator metrics. Defaults to a no-op.
	Metrics coordinator.MetricsCollector

	// KeyTTL is the retention period for idempotency key records. Defaults
	// to tasks.DefaultKeyTTL.
	KeyTTL time.Duration

	// LeaseDuration is the orchestrator's execution lease per saga.
	LeaseDuration time.Duration
}

// StepSpec declares one step at saga definition time.
type StepSpec struct {
	// Name is a human-readable label, also the key of the step's result in
	// the saga's aggregated outcome.
	Name string

	// Operation is the registered forward handler name.
	Operation string

	// Params are passed verbatim to the forward handler.
	Params map[string]any

	// CompensationOperation is the registered compensation handler name.
	// Empty means the step cannot be undone.
	CompensationOperation string

	// CompensationParams are passed to the compensation handler. Nil falls
	// back to Params.
	CompensationParams map[string]any

	// MaxRetries overrides the per-step retry budget. Nil applies
	// tasks.DefaultMaxRetries; an explicit zero disables retries.
	MaxRetries *int
}

// SagaSpec declares a workflow instance.
type SagaSpec struct {
	TenantID     string
	WorkflowType string
	Steps        []StepSpec

	// TimeoutSeconds is the workflow-level timeout. Zero applies
	// tasks.DefaultTimeoutSeconds.
	TimeoutSeconds int

	// IdempotencyKey links the saga to an idempotent-operation record.
	// Empty with Idempotent set derives the key from the spec fingerprint.
	IdempotencyKey string

	// Idempotent requests duplicate-submission protection even without an
	// explicit key.
	Idempotent bool
}

// Engine composes the engine's components behind one facade.
type Engine struct {
	storage      tasks.Storage
	registry     *idempotency.Registry
	handlers     tasks.HandlerRegistry
	orchestrator *coordinator.Orchestrator
	keyTTL       time.Duration
}

// New creates an engine from the configuration.
func New(config *Config) (*Engine, error) {
	if config == nil {
		return nil, errors.New("config cannot be nil")
	}
	if config.Storage == nil {
		return nil, coordinator.ErrStorageNotConfigured
	}

	handlers := config.Handlers
	if handlers == nil {
		handlers = coordinator.NewRegistry()
	}

	orch, err := coordinator.NewOrchestrator(&coordinator.Config{
		Storage:       config.Storage,
		Handlers:      handlers,
		RetryPolicy:   config.RetryPolicy,
		Publisher:     config.Publisher,
		Metrics:       config.Metrics,
		LeaseDuration: config.LeaseDuration,
	})
	if err != nil {
		return nil, err
	}

	keyTTL := config.KeyTTL
	if keyTTL <= 0 {
		keyTTL = tasks.DefaultKeyTTL
	}

	return &Engine{
		storage:      config.Storage,
		registry:     idempotency.NewRegistry(config.Storage),
		handlers:     handlers,
		orchestrator: orch,
		keyTTL:       keyTTL,
	}, nil
}

// Handlers exposes the handler registry for operation registration.
func (e *Engine) Handlers() tasks.HandlerRegistry {
	return e.handlers
}

// RegisterHandler registers a forward operation handler.
func (e *Engine) RegisterHandler(operation string, handler tasks.HandlerFunc) {
	e.handlers.Register(operation, handler)
}

// RegisterCompensation registers a compensating operation handler.
func (e *Engine) RegisterCompensation(operation string, handler tasks.CompensationFunc) {
	e.handlers.RegisterCompensation(operation, handler)
}

// CreateIdempotentOperation creates the idempotency record for a single
// operation attempt. A duplicate request observes the original record with
// created=false and must not re-execute side effects.
func (e *Engine) CreateIdempotentOperation(
	ctx context.Context,
	tenantID, userID, operationType, key string,
	params map[string]any,
) (*tasks.IdempotencyKey, bool, error) {
	return e.registry.CreateKey(ctx, tenantID, userID, operationType, key, e.keyTTL, params)
}

// ExecuteIdempotent runs handler at most once per logical operation. The
// caller that wins the execution claim invokes the handler; everyone else
// observes the persisted record.
func (e *Engine) ExecuteIdempotent(
	ctx context.Context,
	tenantID, userID, operationType string,
	params map[string]any,
	handler tasks.HandlerFunc,
) (*tasks.IdempotencyKey, error) {
	return e.registry.Execute(ctx, tenantID, userID, operationType, e.keyTTL, params, handler)
}

// CompleteOperation settles an externally driven idempotent operation. A
// non-empty errMsg marks it failed. Completing an already terminal record is
// a no-op returning false.
func (e *Engine) CompleteOperation(ctx context.Context, key string, result map[string]any, errMsg string) (bool, error) {
	return e.registry.CompleteOperation(ctx, key, result, errMsg)
}

// GetOperation retrieves an idempotency record. Expired records are
// reported as not found.
func (e *Engine) GetOperation(ctx context.Context, key string) (*tasks.IdempotencyKey, error) {
	return e.registry.GetKey(ctx, key)
}

// CreateSaga persists a new saga in pending status without executing it.
// With idempotency requested, a duplicate submission returns the original
// saga with created=false.
func (e *Engine) CreateSaga(ctx context.Context, spec *SagaSpec) (*tasks.SagaWorkflow, bool, error) {
	if err := validateSpec(spec); err != nil {
		return nil, false, err
	}

	idemKey := spec.IdempotencyKey
	if spec.Idempotent || idemKey != "" {
		rec, created, err := e.registry.CreateKey(ctx,
			spec.TenantID, "", spec.WorkflowType, idemKey, e.keyTTL, specFingerprint(spec))
		if err != nil {
			return nil, false, err
		}
		idemKey = rec.Key
		if !created {
			existing, err := e.findSagaByKey(ctx, spec.TenantID, idemKey)
			if err != nil {
				return nil, false, err
			}
			if existing != nil {
				return existing, false, nil
			}
			// The key exists but its saga was never persisted, likely a crash
			// between the two writes. Fall through and adopt the key.
		}
	}

	now := time.Now()
	saga := &tasks.SagaWorkflow{
		SagaID:         "saga-" + uuid.NewString(),
		TenantID:       spec.TenantID,
		WorkflowType:   spec.WorkflowType,
		Status:         tasks.StatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
		IdempotencyKey: idemKey,
		TimeoutSeconds: spec.TimeoutSeconds,
	}
	if saga.TimeoutSeconds <= 0 {
		saga.TimeoutSeconds = tasks.DefaultTimeoutSeconds
	}

	saga.Steps = make([]*tasks.SagaStep, len(spec.Steps))
	for i, s := range spec.Steps {
		maxRetries := tasks.DefaultMaxRetries
		if s.MaxRetries != nil {
			maxRetries = *s.MaxRetries
		}
		saga.Steps[i] = &tasks.SagaStep{
			StepID:                "step-" + uuid.NewString(),
			Name:                  s.Name,
			Operation:             s.Operation,
			Params:                s.Params,
			CompensationOperation: s.CompensationOperation,
			CompensationParams:    s.CompensationParams,
			Status:                tasks.StepPending,
			MaxRetries:            maxRetries,
		}
	}

	if err := e.storage.PutSaga(ctx, saga); err != nil {
		return nil, false, err
	}
	return saga, true, nil
}

// ExecuteSaga drives the saga to a terminal state and reports whether it
// completed successfully. Handler failures surface through the saga's
// persisted state, not through the error return.
func (e *Engine) ExecuteSaga(ctx context.Context, sagaID string) (bool, error) {
	return e.orchestrator.ExecuteSaga(ctx, sagaID)
}

// StartSaga is CreateSaga followed by ExecuteSaga for the common
// create-and-run case. Duplicate idempotent submissions return the original
// saga's last-persisted state without re-executing.
func (e *Engine) StartSaga(ctx context.Context, spec *SagaSpec) (*tasks.SagaWorkflow, error) {
	saga, created, err := e.CreateSaga(ctx, spec)
	if err != nil {
		return nil, err
	}
	if !created && saga.Status != tasks.StatusPending {
		return saga, nil
	}
	if _, err := e.orchestrator.ExecuteSaga(ctx, saga.SagaID); err != nil {
		return nil, err
	}
	return e.storage.GetSaga(ctx, saga.SagaID)
}

// CancelSaga requests cooperative cancellation. The orchestrator observes
// the request at the next step boundary and compensates completed steps.
func (e *Engine) CancelSaga(ctx context.Context, sagaID, reason string) error {
	return e.orchestrator.RequestCancellation(ctx, sagaID, reason)
}

// GetSagaStatus returns the saga's last-persisted status snapshot.
func (e *Engine) GetSagaStatus(ctx context.Context, sagaID string) (*tasks.SagaStatusSnapshot, error) {
	saga, err := e.storage.GetSaga(ctx, sagaID)
	if err != nil {
		return nil, err
	}
	return &tasks.SagaStatusSnapshot{
		SagaID:         saga.SagaID,
		TenantID:       saga.TenantID,
		WorkflowType:   saga.WorkflowType,
		Status:         saga.Status,
		CurrentStep:    saga.CurrentStep,
		TotalSteps:     len(saga.Steps),
		CompletedSteps: saga.CompletedSteps(),
		Error:          saga.Error,
		CreatedAt:      saga.CreatedAt,
		UpdatedAt:      saga.UpdatedAt,
	}, nil
}

// GetSagaHistory returns the saga's audit trail in append order.
func (e *Engine) GetSagaHistory(ctx context.Context, sagaID string, limit int) ([]*tasks.SagaHistoryEntry, error) {
	return e.storage.GetSagaHistory(ctx, sagaID, limit)
}

// GetBackgroundOperation resolves ref as a saga ID first, then as an
// idempotency key, and returns the unified status view.
func (e *Engine) GetBackgroundOperation(ctx context.Context, ref string) (*tasks.BackgroundOperation, error) {
	saga, err := e.storage.GetSaga(ctx, ref)
	if err == nil {
		return sagaView(saga), nil
	}
	if !tasks.IsSagaNotFound(err) {
		return nil, err
	}

	rec, err := e.registry.GetKey(ctx, ref)
	if err != nil {
		return nil, err
	}
	return keyView(rec), nil
}

// ListBackgroundOperations returns the tenant's operations and sagas as one
// list, newest first. limit bounds each underlying listing; zero or less
// means no bound.
func (e *Engine) ListBackgroundOperations(ctx context.Context, tenantID string, limit int) ([]*tasks.BackgroundOperation, error) {
	sagas, err := e.storage.ListSagasByTenant(ctx, tenantID, limit)
	if err != nil {
		return nil, err
	}
	keys, err := e.storage.ListKeysByTenant(ctx, tenantID, limit)
	if err != nil {
		return nil, err
	}

	ops := make([]*tasks.BackgroundOperation, 0, len(sagas)+len(keys))
	for _, s := range sagas {
		ops = append(ops, sagaView(s))
	}
	for _, k := range keys {
		if k.Key != "" && sagaLinked(sagas, k.Key) {
			// The saga view already covers the linked record.
			continue
		}
		ops = append(ops, keyView(k))
	}

	sortViews(ops)
	if limit > 0 && len(ops) > limit {
		ops = ops[:limit]
	}
	return ops, nil
}

// Close releases the storage backend.
func (e *Engine) Close() error {
	return e.storage.Close()
}

func validateSpec(spec *SagaSpec) error {
	if spec == nil {
		return tasks.NewValidationError("saga spec cannot be nil")
	}
	if spec.TenantID == "" {
		return tasks.NewValidationError("saga spec requires a tenant_id")
	}
	if spec.WorkflowType == "" {
		return tasks.NewValidationError("saga spec requires a workflow_type")
	}
	if len(spec.Steps) == 0 {
		return tasks.NewValidationError("saga spec requires at least one step")
	}
	for i, s := range spec.Steps {
		if s.Operation == "" {
			return tasks.NewValidationError("saga step requires an operation")
		}
		if s.Name == "" {
			spec.Steps[i].Name = s.Operation
		}
		if s.MaxRetries != nil && *s.MaxRetries < 0 {
			return tasks.NewValidationError("saga step max_retries cannot be negative")
		}
	}
	return nil
}

// specFingerprint flattens the spec into the parameter map hashed into the
// derived idempotency key. Two submissions with the same tenant, workflow
// type, and step payloads collapse to one saga.
func specFingerprint(spec *SagaSpec) map[string]any {
	steps := make([]any, len(spec.Steps))
	for i, s := range spec.Steps {
		steps[i] = map[string]any{
			"name":      s.Name,
			"operation": s.Operation,
			"params":    s.Params,
		}
	}
	return map[string]any{"steps": steps}
}

// findSagaByKey locates the saga linked to an idempotency key. The lookup
// scans the tenant's sagas; backends keep no reverse index.
func (e *Engine) findSagaByKey(ctx context.Context, tenantID, key string) (*tasks.SagaWorkflow, error) {
	sagas, err := e.storage.ListSagasByTenant(ctx, tenantID, 0)
	if err != nil {
		return nil, err
	}
	for _, s := range sagas {
		if s.IdempotencyKey == key {
			return s, nil
		}
	}
	return nil, nil
}

func sagaLinked(sagas []*tasks.SagaWorkflow, key string) bool {
	for _, s := range sagas {
		if s.IdempotencyKey == key {
			return true
		}
	}
	return false
}

func sagaView(s *tasks.SagaWorkflow) *tasks.BackgroundOperation {
	updated := s.UpdatedAt
	return &tasks.BackgroundOperation{
		Kind:           tasks.KindSaga,
		TenantID:       s.TenantID,
		SagaID:         s.SagaID,
		IdempotencyKey: s.IdempotencyKey,
		OperationType:  s.WorkflowType,
		Status:         s.Status,
		Error:          s.Error,
		CreatedAt:      s.CreatedAt,
		UpdatedAt:      &updated,
		CompletedSteps: s.CompletedSteps(),
		TotalSteps:     len(s.Steps),
	}
}

func keyView(k *tasks.IdempotencyKey) *tasks.BackgroundOperation {
	expires := k.ExpiresAt
	return &tasks.BackgroundOperation{
		Kind:           tasks.KindIdempotentOperation,
		TenantID:       k.TenantID,
		IdempotencyKey: k.Key,
		OperationType:  k.OperationType,
		Status:         k.Status,
		Result:         k.Result,
		Error:          k.Error,
		CreatedAt:      k.CreatedAt,
		ExpiresAt:      &expires,
	}
}

func sortViews(ops []*tasks.BackgroundOperation) {
	sort.SliceStable(ops, func(i, j int) bool {
		return ops[i].CreatedAt.After(ops[j].CreatedAt)
	})
}
