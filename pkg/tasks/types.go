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

// Package tasks provides idempotent operation tracking and Saga workflow
// coordination for multi-step distributed operations. An operation requested
// multiple times executes its side effects at most once; a multi-step
// workflow either completes fully or is rolled back through explicit
// compensating actions executed in reverse order.
package tasks

import (
	"encoding/json"
	"fmt"
	"time"
)

// Defaults applied when a caller does not specify them.
const (
	// DefaultMaxRetries is the per-step retry budget.
	DefaultMaxRetries = 3

	// DefaultTimeoutSeconds is the saga-level execution timeout.
	DefaultTimeoutSeconds = 7200

	// DefaultKeyTTL is the retention period for idempotency key records.
	DefaultKeyTTL = 24 * time.Hour
)

// OperationStatus represents the lifecycle state of an idempotent operation
// or a Saga workflow.
type OperationStatus int

const (
	// StatusPending indicates the operation is created but not yet started.
	StatusPending OperationStatus = iota

	// StatusInProgress indicates the operation is currently executing.
	StatusInProgress

	// StatusCompleted indicates the operation completed successfully.
	StatusCompleted

	// StatusFailed indicates the operation failed.
	StatusFailed

	// StatusCompensating indicates compensation is currently executing.
	StatusCompensating

	// StatusCompensated indicates all compensation operations completed.
	StatusCompensated
)

// String returns the lowercase wire form of the OperationStatus.
func (s OperationStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusInProgress:
		return "in_progress"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	case StatusCompensating:
		return "compensating"
	case StatusCompensated:
		return "compensated"
	default:
		return "unknown"
	}
}

// IsTerminal returns true if no further forward transitions are possible.
// A failed operation may still enter the operator-driven compensation path.
func (s OperationStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCompensated
}

// IsActive returns true if the operation is currently being driven.
func (s OperationStatus) IsActive() bool {
	return s == StatusInProgress || s == StatusCompensating
}

// ParseOperationStatus parses the lowercase wire form of an OperationStatus.
func ParseOperationStatus(v string) (OperationStatus, error) {
	switch v {
	case "pending":
		return StatusPending, nil
	case "in_progress":
		return StatusInProgress, nil
	case "completed":
		return StatusCompleted, nil
	case "failed":
		return StatusFailed, nil
	case "compensating":
		return StatusCompensating, nil
	case "compensated":
		return StatusCompensated, nil
	default:
		return StatusPending, fmt.Errorf("unknown operation status %q", v)
	}
}

// MarshalJSON serializes the status as its lowercase string value.
func (s OperationStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON parses the lowercase string value of the status.
func (s *OperationStatus) UnmarshalJSON(data []byte) error {
	var v string
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	parsed, err := ParseOperationStatus(v)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// StepStatus represents the execution state of an individual Saga step.
type StepStatus int

const (
	// StepPending indicates the step is waiting to be executed.
	StepPending StepStatus = iota

	// StepExecuting indicates the step handler is currently running.
	StepExecuting

	// StepCompleted indicates the step completed successfully.
	StepCompleted

	// StepFailed indicates the step failed with its retry budget exhausted.
	StepFailed

	// StepCompensating indicates the step's compensation is running.
	StepCompensating

	// StepCompensated indicates the step's compensation completed.
	StepCompensated

	// StepSkipped indicates the step was never reached.
	StepSkipped
)

// String returns the lowercase wire form of the StepStatus.
func (s StepStatus) String() string {
	switch s {
	case StepPending:
		return "pending"
	case StepExecuting:
		return "executing"
	case StepCompleted:
		return "completed"
	case StepFailed:
		return "failed"
	case StepCompensating:
		return "compensating"
	case StepCompensated:
		return "compensated"
	case StepSkipped:
		return "skipped"
	default:
		return "unknown"
	}
}

// IsTerminal returns true for states retained for audit with no further
// transitions.
func (s StepStatus) IsTerminal() bool {
	return s == StepCompleted || s == StepFailed || s == StepCompensated || s == StepSkipped
}

// ParseStepStatus parses the lowercase wire form of a StepStatus.
func ParseStepStatus(v string) (StepStatus, error) {
	switch v {
	case "pending":
		return StepPending, nil
	case "executing":
		return StepExecuting, nil
	case "completed":
		return StepCompleted, nil
	case "failed":
		return StepFailed, nil
	case "compensating":
		return StepCompensating, nil
	case "compensated":
		return StepCompensated, nil
	case "skipped":
		return StepSkipped, nil
	default:
		return StepPending, fmt.Errorf("unknown step status %q", v)
	}
}

// MarshalJSON serializes the status as its lowercase string value.
func (s StepStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON parses the lowercase string value of the status.
func (s *StepStatus) UnmarshalJSON(data []byte) error {
	var v string
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	parsed, err := ParseStepStatus(v)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// IdempotencyKey represents a single logical operation attempt. The record
// is created on the first request bearing a given fingerprint, updated once
// on completion or failure, and read-only afterwards until it expires.
type IdempotencyKey struct {
	Key           string    `json:"key"`
	TenantID      string    `json:"tenant_id"`
	UserID        string    `json:"user_id,omitempty"`
	OperationType string    `json:"operation_type"`
	ParamsHash    string    `json:"params_hash,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	ExpiresAt     time.Time `json:"expires_at"`

	Status OperationStatus `json:"status"`
	Result map[string]any  `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`

	// Version is the optimistic-concurrency stamp bumped by the storage
	// backend on every conditional update.
	Version int64 `json:"version"`
}

// IsExpired reports whether the record has passed its TTL. An expired key is
// treated exactly as "not found" by the registry.
func (k *IdempotencyKey) IsExpired(now time.Time) bool {
	return now.After(k.ExpiresAt)
}

// Clone returns a deep copy of the record.
func (k *IdempotencyKey) Clone() *IdempotencyKey {
	if k == nil {
		return nil
	}
	c := *k
	c.Result = cloneMap(k.Result)
	return &c
}

// SagaStep is one unit of work inside a workflow: a forward operation plus
// an optional compensating operation. Steps are created at definition time
// and mutated only by the orchestrator; terminal states are retained for
// audit history.
type SagaStep struct {
	StepID    string         `json:"step_id"`
	Name      string         `json:"name"`
	Operation string         `json:"operation"`
	Params    map[string]any `json:"parameters,omitempty"`

	CompensationOperation string         `json:"compensation_operation,omitempty"`
	CompensationParams    map[string]any `json:"compensation_parameters,omitempty"`

	Status      StepStatus     `json:"status"`
	Result      map[string]any `json:"result,omitempty"`
	Error       string         `json:"error,omitempty"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`

	RetryCount int `json:"retry_count"`
	MaxRetries int `json:"max_retries"`
}

// CanCompensate reports whether the step has anything to undo: it must carry
// a compensation operation and have actually completed. A step that never
// ran, or that failed, is never compensated.
func (s *SagaStep) CanCompensate() bool {
	return s.CompensationOperation != "" && s.Status == StepCompleted
}

// CanRetry reports whether the step still has retry budget left.
func (s *SagaStep) CanRetry() bool {
	return s.RetryCount < s.MaxRetries
}

// Clone returns a deep copy of the step.
func (s *SagaStep) Clone() *SagaStep {
	if s == nil {
		return nil
	}
	c := *s
	c.Params = cloneMap(s.Params)
	c.CompensationParams = cloneMap(s.CompensationParams)
	c.Result = cloneMap(s.Result)
	c.StartedAt = cloneTime(s.StartedAt)
	c.CompletedAt = cloneTime(s.CompletedAt)
	return &c
}

// SagaWorkflow is an ordered saga instance: a fixed sequence of steps with
// workflow-level state, a current-step cursor, and a timeout. The workflow is
// permanently closed once its status is completed or compensated.
type SagaWorkflow struct {
	SagaID       string      `json:"saga_id"`
	TenantID     string      `json:"tenant_id"`
	WorkflowType string      `json:"workflow_type"`
	Steps        []*SagaStep `json:"steps"`

	Status      OperationStatus `json:"status"`
	CurrentStep int             `json:"current_step"`
	Error       string          `json:"error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// IdempotencyKey links the saga to an idempotent-operation record so a
	// duplicate saga submission is itself idempotent.
	IdempotencyKey string `json:"idempotency_key,omitempty"`

	TimeoutSeconds int `json:"timeout_seconds"`

	// CancelRequested marks the saga for cancellation; the orchestrator
	// observes it at the next step boundary.
	CancelRequested bool   `json:"cancel_requested,omitempty"`
	CancelReason    string `json:"cancel_reason,omitempty"`

	// LeaseExpiresAt is the execution lease held by the driving coordinator.
	// A second coordinator may only claim the saga after the lease lapses.
	LeaseExpiresAt *time.Time `json:"lease_expires_at,omitempty"`

	// Version is the optimistic-concurrency stamp bumped by the storage
	// backend on every conditional update.
	Version int64 `json:"version"`
}

// IsTimedOut reports whether the saga exceeded its workflow-level timeout,
// independent of step-level timeouts.
func (w *SagaWorkflow) IsTimedOut(now time.Time) bool {
	return now.Sub(w.CreatedAt) > time.Duration(w.TimeoutSeconds)*time.Second
}

// IsClosed reports whether the workflow is permanently closed.
func (w *SagaWorkflow) IsClosed() bool {
	return w.Status == StatusCompleted || w.Status == StatusCompensated
}

// CompletedSteps returns the number of steps that reached completed or a
// later compensation state.
func (w *SagaWorkflow) CompletedSteps() int {
	n := 0
	for _, s := range w.Steps {
		switch s.Status {
		case StepCompleted, StepCompensating, StepCompensated:
			n++
		}
	}
	return n
}

// Clone returns a deep copy of the workflow.
func (w *SagaWorkflow) Clone() *SagaWorkflow {
	if w == nil {
		return nil
	}
	c := *w
	c.LeaseExpiresAt = cloneTime(w.LeaseExpiresAt)
	c.Steps = make([]*SagaStep, len(w.Steps))
	for i, s := range w.Steps {
		c.Steps[i] = s.Clone()
	}
	return &c
}

// SagaHistoryEntry is an append-only audit record. One entry is appended on
// every step-status transition; history is never mutated or deleted and is
// read back in append order.
type SagaHistoryEntry struct {
	Timestamp  time.Time  `json:"timestamp"`
	StepID     string     `json:"step_id"`
	StepName   string     `json:"step_name"`
	Status     StepStatus `json:"status"`
	Error      string     `json:"error,omitempty"`
	RetryCount int        `json:"retry_count"`
}

// BackgroundOperationKind discriminates the two sources of a
// BackgroundOperation view.
type BackgroundOperationKind string

const (
	// KindIdempotentOperation is a view over an idempotency key record.
	KindIdempotentOperation BackgroundOperationKind = "idempotent_operation"

	// KindSaga is a view over a saga workflow.
	KindSaga BackgroundOperationKind = "saga"
)

// BackgroundOperation is a denormalized read view joining either an
// idempotent operation or a saga for unified status polling. Exactly one of
// SagaID and IdempotencyKey is set. The view is derived, never authoritative.
type BackgroundOperation struct {
	Kind     BackgroundOperationKind `json:"kind"`
	TenantID string                  `json:"tenant_id"`

	IdempotencyKey string `json:"idempotency_key,omitempty"`
	SagaID         string `json:"saga_id,omitempty"`

	OperationType string          `json:"operation_type"`
	Status        OperationStatus `json:"status"`
	Result        map[string]any  `json:"result,omitempty"`
	Error         string          `json:"error,omitempty"`

	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt *time.Time `json:"updated_at,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`

	// Saga progress, zero for idempotent operations.
	CompletedSteps int `json:"completed_steps,omitempty"`
	TotalSteps     int `json:"total_steps,omitempty"`
}

// SagaStatusSnapshot is the status view returned by the engine for a single
// saga. It always reflects last-persisted state.
type SagaStatusSnapshot struct {
	SagaID         string          `json:"saga_id"`
	TenantID       string          `json:"tenant_id"`
	WorkflowType   string          `json:"workflow_type"`
	Status         OperationStatus `json:"status"`
	CurrentStep    int             `json:"current_step"`
	TotalSteps     int             `json:"total_steps"`
	CompletedSteps int             `json:"completed_steps"`
	Error          string          `json:"error,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	c := make(map[string]any, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
