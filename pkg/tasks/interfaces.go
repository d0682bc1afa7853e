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
	"context"
	"time"
)

// HandlerFunc is a caller-supplied forward operation. It receives the step's
// parameters and returns a structured result, or an error to signal failure.
// Handlers should be safe to re-invoke: a retry after a coordinator crash is
// indistinguishable from a retry after a handler error.
type HandlerFunc func(ctx context.Context, params map[string]any) (map[string]any, error)

// CompensationFunc is a caller-supplied compensating operation. It has the
// same shape as HandlerFunc but returns nothing meaningful.
type CompensationFunc func(ctx context.Context, params map[string]any) error

// HandlerRegistry maps operation names to caller-supplied callbacks. The
// engine invokes handlers by name and never embeds business logic.
// Registration is additive and last-registration-wins per operation.
type HandlerRegistry interface {
	// Register registers a forward operation handler.
	Register(operation string, handler HandlerFunc)

	// RegisterCompensation registers a compensating operation handler.
	RegisterCompensation(operation string, handler CompensationFunc)

	// Resolve returns the handler for the operation, or a
	// NoHandlerRegisteredError if none is registered.
	Resolve(operation string) (HandlerFunc, error)

	// ResolveCompensation returns the compensation handler for the
	// operation, or a NoHandlerRegisteredError if none is registered.
	ResolveCompensation(operation string) (CompensationFunc, error)
}

// Storage is the pluggable persistence contract for idempotency records,
// saga records, and saga history. Any backend must provide atomic
// conditional updates: the update mutators run against the current record
// under the backend's native concurrency primitive, and the record's Version
// is bumped on every successful update. A naive read-modify-write backend
// silently violates the engine's at-most-once guarantees.
type Storage interface {
	// GetIdempotencyKey retrieves a key record. Expired records are reported
	// as not found.
	GetIdempotencyKey(ctx context.Context, key string) (*IdempotencyKey, error)

	// PutIdempotencyKeyIfAbsent atomically creates the record if no live
	// record with the same key exists. It returns the stored record and
	// whether this call created it; when created is false the returned
	// record is the pre-existing one.
	PutIdempotencyKeyIfAbsent(ctx context.Context, record *IdempotencyKey) (*IdempotencyKey, bool, error)

	// UpdateIdempotencyKey applies mutate to the current record atomically.
	// If mutate returns an error the update is abandoned and the error is
	// returned unchanged.
	UpdateIdempotencyKey(ctx context.Context, key string, mutate func(*IdempotencyKey) error) (*IdempotencyKey, error)

	// GetSaga retrieves a saga record by ID.
	GetSaga(ctx context.Context, sagaID string) (*SagaWorkflow, error)

	// PutSaga persists a new saga record.
	PutSaga(ctx context.Context, saga *SagaWorkflow) error

	// UpdateSaga applies mutate to the current saga record atomically, with
	// the same contract as UpdateIdempotencyKey.
	UpdateSaga(ctx context.Context, sagaID string, mutate func(*SagaWorkflow) error) (*SagaWorkflow, error)

	// AppendSagaHistory appends one audit entry for the saga.
	AppendSagaHistory(ctx context.Context, sagaID string, entry *SagaHistoryEntry) error

	// GetSagaHistory returns the saga's history in append order. A limit of
	// zero or less returns all entries.
	GetSagaHistory(ctx context.Context, sagaID string, limit int) ([]*SagaHistoryEntry, error)

	// ListSagasByTenant returns sagas for a tenant, newest first.
	ListSagasByTenant(ctx context.Context, tenantID string, limit int) ([]*SagaWorkflow, error)

	// ListKeysByTenant returns live idempotency keys for a tenant, newest
	// first.
	ListKeysByTenant(ctx context.Context, tenantID string, limit int) ([]*IdempotencyKey, error)

	// CleanupExpired removes idempotency key records whose TTL passed before
	// now, returning the number removed. Saga records are never deleted.
	CleanupExpired(ctx context.Context, now time.Time) (int, error)

	// HealthCheck verifies the backend is reachable.
	HealthCheck(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}
