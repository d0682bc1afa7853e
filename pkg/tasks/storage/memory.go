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

// Package storage provides the concrete persistence backends for the tasks
// engine: an in-process map, Redis, and PostgreSQL. All backends satisfy the
// tasks.Storage contract, including its atomic conditional-update
// requirement; the engine is oblivious to which is used.
package storage

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/innovationmech/tasks/pkg/tasks"
)

// ErrStorageClosed is returned by any call made after Close.
var ErrStorageClosed = errors.New("storage is closed")

// MemoryStorage is an in-memory implementation of tasks.Storage backed by
// maps guarded by a read-write mutex. Suitable for development, testing, and
// workloads where durability across restarts is not required.
//
// Conditional updates run with the write lock held, so mutators observe and
// replace a consistent record; every successful update bumps the record's
// Version. Records are deep-copied at the boundary so callers can never
// mutate stored state directly.
type MemoryStorage struct {
	mu sync.RWMutex

	keys    map[string]*tasks.IdempotencyKey
	sagas   map[string]*tasks.SagaWorkflow
	history map[string][]*tasks.SagaHistoryEntry

	closed bool
}

// NewMemoryStorage creates an empty in-memory storage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		keys:    make(map[string]*tasks.IdempotencyKey),
		sagas:   make(map[string]*tasks.SagaWorkflow),
		history: make(map[string][]*tasks.SagaHistoryEntry),
	}
}

// GetIdempotencyKey retrieves a key record, treating expired records as not
// found.
func (m *MemoryStorage) GetIdempotencyKey(ctx context.Context, key string) (*tasks.IdempotencyKey, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStorageClosed
	}

	rec, ok := m.keys[key]
	if !ok || rec.IsExpired(time.Now()) {
		return nil, tasks.NewKeyNotFoundError(key)
	}
	return rec.Clone(), nil
}

// PutIdempotencyKeyIfAbsent atomically creates the record unless a live one
// already exists. An expired record is replaced as if absent.
func (m *MemoryStorage) PutIdempotencyKeyIfAbsent(ctx context.Context, record *tasks.IdempotencyKey) (*tasks.IdempotencyKey, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	if record == nil || record.Key == "" {
		return nil, false, tasks.NewValidationError("idempotency key record requires a key")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, false, ErrStorageClosed
	}

	if existing, ok := m.keys[record.Key]; ok && !existing.IsExpired(time.Now()) {
		return existing.Clone(), false, nil
	}

	stored := record.Clone()
	stored.Version = 1
	m.keys[record.Key] = stored
	return stored.Clone(), true, nil
}

// UpdateIdempotencyKey applies mutate to the record under the write lock.
func (m *MemoryStorage) UpdateIdempotencyKey(ctx context.Context, key string, mutate func(*tasks.IdempotencyKey) error) (*tasks.IdempotencyKey, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrStorageClosed
	}

	rec, ok := m.keys[key]
	if !ok || rec.IsExpired(time.Now()) {
		return nil, tasks.NewKeyNotFoundError(key)
	}

	next := rec.Clone()
	if err := mutate(next); err != nil {
		return nil, err
	}
	next.Version = rec.Version + 1
	m.keys[key] = next
	return next.Clone(), nil
}

// GetSaga retrieves a saga record by ID.
func (m *MemoryStorage) GetSaga(ctx context.Context, sagaID string) (*tasks.SagaWorkflow, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStorageClosed
	}

	saga, ok := m.sagas[sagaID]
	if !ok {
		return nil, tasks.NewSagaNotFoundError(sagaID)
	}
	return saga.Clone(), nil
}

// PutSaga persists a new saga record.
func (m *MemoryStorage) PutSaga(ctx context.Context, saga *tasks.SagaWorkflow) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if saga == nil || saga.SagaID == "" {
		return tasks.NewValidationError("saga record requires a saga_id")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStorageClosed
	}

	stored := saga.Clone()
	if stored.Version == 0 {
		stored.Version = 1
	}
	m.sagas[saga.SagaID] = stored
	return nil
}

// UpdateSaga applies mutate to the saga record under the write lock.
func (m *MemoryStorage) UpdateSaga(ctx context.Context, sagaID string, mutate func(*tasks.SagaWorkflow) error) (*tasks.SagaWorkflow, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrStorageClosed
	}

	saga, ok := m.sagas[sagaID]
	if !ok {
		return nil, tasks.NewSagaNotFoundError(sagaID)
	}

	next := saga.Clone()
	if err := mutate(next); err != nil {
		return nil, err
	}
	next.Version = saga.Version + 1
	next.UpdatedAt = time.Now()
	m.sagas[sagaID] = next
	return next.Clone(), nil
}

// AppendSagaHistory appends one audit entry for the saga.
func (m *MemoryStorage) AppendSagaHistory(ctx context.Context, sagaID string, entry *tasks.SagaHistoryEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if entry == nil {
		return tasks.NewValidationError("history entry must not be nil")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStorageClosed
	}

	if _, ok := m.sagas[sagaID]; !ok {
		return tasks.NewSagaNotFoundError(sagaID)
	}

	c := *entry
	m.history[sagaID] = append(m.history[sagaID], &c)
	return nil
}

// GetSagaHistory returns the saga's history in append order.
func (m *MemoryStorage) GetSagaHistory(ctx context.Context, sagaID string, limit int) ([]*tasks.SagaHistoryEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStorageClosed
	}

	if _, ok := m.sagas[sagaID]; !ok {
		return nil, tasks.NewSagaNotFoundError(sagaID)
	}

	entries := m.history[sagaID]
	if limit > 0 && limit < len(entries) {
		entries = entries[:limit]
	}

	out := make([]*tasks.SagaHistoryEntry, len(entries))
	for i, e := range entries {
		c := *e
		out[i] = &c
	}
	return out, nil
}

// ListSagasByTenant returns the tenant's sagas, newest first.
func (m *MemoryStorage) ListSagasByTenant(ctx context.Context, tenantID string, limit int) ([]*tasks.SagaWorkflow, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStorageClosed
	}

	var out []*tasks.SagaWorkflow
	for _, saga := range m.sagas {
		if saga.TenantID == tenantID {
			out = append(out, saga.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

// ListKeysByTenant returns the tenant's live idempotency keys, newest first.
func (m *MemoryStorage) ListKeysByTenant(ctx context.Context, tenantID string, limit int) ([]*tasks.IdempotencyKey, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStorageClosed
	}

	now := time.Now()
	var out []*tasks.IdempotencyKey
	for _, rec := range m.keys {
		if rec.TenantID == tenantID && !rec.IsExpired(now) {
			out = append(out, rec.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

// CleanupExpired removes idempotency key records whose TTL has passed.
func (m *MemoryStorage) CleanupExpired(ctx context.Context, now time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, ErrStorageClosed
	}

	removed := 0
	for key, rec := range m.keys {
		if rec.IsExpired(now) {
			delete(m.keys, key)
			removed++
		}
	}
	return removed, nil
}

// HealthCheck reports whether the storage is usable.
func (m *MemoryStorage) HealthCheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return ErrStorageClosed
	}
	return nil
}

// Close marks the storage as closed; subsequent calls fail.
func (m *MemoryStorage) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	return nil
}
