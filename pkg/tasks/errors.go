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

package tasks

import (
	"errors"
	"fmt"
	"time"
)

// ErrorType represents the category of an error.
type ErrorType string

const (
	ErrorTypeValidation    ErrorType = "validation"
	ErrorTypeTimeout       ErrorType = "timeout"
	ErrorTypeData          ErrorType = "data"
	ErrorTypeSystem        ErrorType = "system"
	ErrorTypeConfiguration ErrorType = "configuration"
	ErrorTypeHandler       ErrorType = "handler"
	ErrorTypeCompensation  ErrorType = "compensation"
	ErrorTypeStorage       ErrorType = "storage"
)

// Predefined error codes.
const (
	ErrCodeKeyNotFound             = "KEY_NOT_FOUND"
	ErrCodeSagaNotFound            = "SAGA_NOT_FOUND"
	ErrCodeKeyAlreadyExists        = "KEY_ALREADY_EXISTS"
	ErrCodeNoHandlerRegistered     = "NO_HANDLER_REGISTERED"
	ErrCodeHandlerExecutionFailed  = "HANDLER_EXECUTION_FAILED"
	ErrCodeCompensationFailed      = "COMPENSATION_FAILED"
	ErrCodeStorageConnection       = "STORAGE_CONNECTION"
	ErrCodeStorageTimeout          = "STORAGE_TIMEOUT"
	ErrCodeInvalidState            = "INVALID_STATE"
	ErrCodeValidation              = "VALIDATION_ERROR"
	ErrCodeSagaTimeout             = "SAGA_TIMEOUT"
	ErrCodeSagaConcurrentExecution = "SAGA_CONCURRENT_EXECUTION"
	ErrCodeSagaCancelled           = "SAGA_CANCELLED"
)

// TasksError is the base error type for the engine. Every error surfaced by
// the registry, orchestrator, and storage backends is a *TasksError so
// callers can apply uniform handling upstream.
type TasksError struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Type      ErrorType      `json:"type"`
	Retryable bool           `json:"retryable"`
	Timestamp time.Time      `json:"timestamp"`
	Details   map[string]any `json:"details,omitempty"`
	Cause     error          `json:"-"`
}

// NewTasksError creates a new TasksError with the specified parameters.
func NewTasksError(code, message string, errorType ErrorType, retryable bool) *TasksError {
	return &TasksError{
		Code:      code,
		Message:   message,
		Type:      errorType,
		Retryable: retryable,
		Timestamp: time.Now(),
	}
}

// WrapError wraps an existing error into a TasksError, preserving it as the
// cause for errors.Is/As traversal.
func WrapError(err error, code, message string, errorType ErrorType, retryable bool) *TasksError {
	if err == nil {
		return nil
	}
	te := NewTasksError(code, message, errorType, retryable)
	te.Cause = err
	return te
}

// Error implements the error interface.
func (e *TasksError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %s)", e.Code, e.Message, e.Cause.Error())
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped cause, if any.
func (e *TasksError) Unwrap() error {
	return e.Cause
}

// WithDetail attaches a detail to the error and returns it for chaining.
func (e *TasksError) WithDetail(key string, value any) *TasksError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// IsRetryable reports whether the error or any of its causes is retryable.
func (e *TasksError) IsRetryable() bool {
	if e.Retryable {
		return true
	}
	var cause *TasksError
	if errors.As(e.Cause, &cause) {
		return cause.IsRetryable()
	}
	return false
}

// Common error constructors.

// NewKeyNotFoundError creates an error for an unknown or expired
// idempotency key.
func NewKeyNotFoundError(key string) *TasksError {
	return NewTasksError(ErrCodeKeyNotFound,
		fmt.Sprintf("idempotency key '%s' not found", key), ErrorTypeData, false).
		WithDetail("key", key)
}

// NewSagaNotFoundError creates an error for an unknown saga ID.
func NewSagaNotFoundError(sagaID string) *TasksError {
	return NewTasksError(ErrCodeSagaNotFound,
		fmt.Sprintf("saga '%s' not found", sagaID), ErrorTypeData, false).
		WithDetail("saga_id", sagaID)
}

// NewKeyAlreadyExistsError creates an error for a conflicting key create.
func NewKeyAlreadyExistsError(key string) *TasksError {
	return NewTasksError(ErrCodeKeyAlreadyExists,
		fmt.Sprintf("idempotency key '%s' already exists", key), ErrorTypeData, false).
		WithDetail("key", key)
}

// NewNoHandlerRegisteredError creates a configuration error for a step whose
// operation has no registered callback. Never retried.
func NewNoHandlerRegisteredError(operation string) *TasksError {
	return NewTasksError(ErrCodeNoHandlerRegistered,
		fmt.Sprintf("no handler registered for operation '%s'", operation),
		ErrorTypeConfiguration, false).
		WithDetail("operation", operation)
}

// NewHandlerExecutionError wraps an error raised by a forward operation.
// Retried up to the step's budget, then triggers compensation.
func NewHandlerExecutionError(operation string, err error) *TasksError {
	return WrapError(err, ErrCodeHandlerExecutionFailed,
		fmt.Sprintf("handler for operation '%s' failed", operation),
		ErrorTypeHandler, true).
		WithDetail("operation", operation)
}

// NewCompensationExecutionError wraps an error raised by a compensating
// operation. Never auto-retried; requires operator action.
func NewCompensationExecutionError(operation string, err error) *TasksError {
	return WrapError(err, ErrCodeCompensationFailed,
		fmt.Sprintf("compensation '%s' failed", operation),
		ErrorTypeCompensation, false).
		WithDetail("operation", operation)
}

// NewStorageConnectionError wraps a transient storage connectivity failure.
func NewStorageConnectionError(operation string, err error) *TasksError {
	return WrapError(err, ErrCodeStorageConnection,
		fmt.Sprintf("storage operation '%s' failed", operation),
		ErrorTypeStorage, true).
		WithDetail("operation", operation)
}

// NewStorageTimeoutError wraps a storage call that exceeded its deadline.
func NewStorageTimeoutError(operation string, err error) *TasksError {
	return WrapError(err, ErrCodeStorageTimeout,
		fmt.Sprintf("storage operation '%s' timed out", operation),
		ErrorTypeStorage, true).
		WithDetail("operation", operation)
}

// NewInvalidStateError creates an error for an invalid lifecycle transition.
func NewInvalidStateError(current, target OperationStatus) *TasksError {
	return NewTasksError(ErrCodeInvalidState,
		fmt.Sprintf("invalid transition from %s to %s", current, target),
		ErrorTypeValidation, false).
		WithDetail("current_status", current.String()).
		WithDetail("target_status", target.String())
}

// NewValidationError creates an error for a validation failure.
func NewValidationError(message string) *TasksError {
	return NewTasksError(ErrCodeValidation, message, ErrorTypeValidation, false)
}

// NewSagaTimeoutError creates an error for a saga that exceeded its
// workflow-level timeout.
func NewSagaTimeoutError(sagaID string, timeout time.Duration) *TasksError {
	return NewTasksError(ErrCodeSagaTimeout,
		fmt.Sprintf("saga '%s' timed out after %v", sagaID, timeout),
		ErrorTypeTimeout, false).
		WithDetail("saga_id", sagaID).
		WithDetail("timeout", timeout.String())
}

// NewSagaConcurrentExecutionError creates an error for a coordinator that
// lost the execution-lease race on an in-progress saga.
func NewSagaConcurrentExecutionError(sagaID string) *TasksError {
	return NewTasksError(ErrCodeSagaConcurrentExecution,
		fmt.Sprintf("saga '%s' is being executed by another coordinator", sagaID),
		ErrorTypeSystem, false).
		WithDetail("saga_id", sagaID)
}

// NewSagaCancelledError creates an error recording an external cancellation.
func NewSagaCancelledError(sagaID, reason string) *TasksError {
	return NewTasksError(ErrCodeSagaCancelled,
		fmt.Sprintf("saga '%s' cancelled: %s", sagaID, reason),
		ErrorTypeSystem, false).
		WithDetail("saga_id", sagaID).
		WithDetail("reason", reason)
}

// Predicates for uniform upstream handling.

func errorHasCode(err error, code string) bool {
	var te *TasksError
	if errors.As(err, &te) {
		return te.Code == code
	}
	return false
}

// IsKeyNotFound checks whether err is a KeyNotFoundError.
func IsKeyNotFound(err error) bool { return errorHasCode(err, ErrCodeKeyNotFound) }

// IsSagaNotFound checks whether err is a SagaNotFoundError.
func IsSagaNotFound(err error) bool { return errorHasCode(err, ErrCodeSagaNotFound) }

// IsNoHandlerRegistered checks whether err is a NoHandlerRegisteredError.
func IsNoHandlerRegistered(err error) bool { return errorHasCode(err, ErrCodeNoHandlerRegistered) }

// IsHandlerExecution checks whether err is a HandlerExecutionError.
func IsHandlerExecution(err error) bool { return errorHasCode(err, ErrCodeHandlerExecutionFailed) }

// IsCompensationFailed checks whether err is a CompensationExecutionError.
func IsCompensationFailed(err error) bool { return errorHasCode(err, ErrCodeCompensationFailed) }

// IsConcurrentExecution checks whether err marks a lost coordinator race.
func IsConcurrentExecution(err error) bool {
	return errorHasCode(err, ErrCodeSagaConcurrentExecution)
}

// IsStorageTransient checks whether err is a transient storage failure that
// should be retried at the storage-call level.
func IsStorageTransient(err error) bool {
	return errorHasCode(err, ErrCodeStorageConnection) || errorHasCode(err, ErrCodeStorageTimeout)
}
