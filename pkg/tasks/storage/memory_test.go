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

package storage

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/innovationmech/tasks/pkg/tasks"
)

func newKeyRecord(key, tenant string, ttl time.Duration) *tasks.IdempotencyKey {
	now := time.Now()
	return &tasks.IdempotencyKey{
		Key:           key,
		TenantID:      tenant,
		OperationType: "send_email",
		CreatedAt:     now,
		ExpiresAt:     now.Add(ttl),
		Status:        tasks.StatusPending,
	}
}

func newSagaRecord(id, tenant string) *tasks.SagaWorkflow {
	now := time.Now()
	return &tasks.SagaWorkflow{
		SagaID:         id,
		TenantID:       tenant,
		WorkflowType:   "order_fulfillment",
		Status:         tasks.StatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
		TimeoutSeconds: 60,
		Steps: []*tasks.SagaStep{
			{StepID: "s1", Name: "reserve", Operation: "reserve_inventory", Status: tasks.StepPending, MaxRetries: 3},
		},
	}
}

func TestMemoryStorage_PutIdempotencyKeyIfAbsent(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStorage()
	defer store.Close()

	rec := newKeyRecord("idem-1", "tenant-a", time.Hour)
	stored, created, err := store.PutIdempotencyKeyIfAbsent(ctx, rec)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, int64(1), stored.Version)

	// The duplicate create returns the original, untouched.
	dup := newKeyRecord("idem-1", "tenant-a", time.Hour)
	dup.Status = tasks.StatusCompleted
	stored2, created2, err := store.PutIdempotencyKeyIfAbsent(ctx, dup)
	require.NoError(t, err)
	assert.False(t, created2)
	assert.Equal(t, tasks.StatusPending, stored2.Status)
}

func TestMemoryStorage_PutIdempotencyKeyIfAbsent_Race(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStorage()
	defer store.Close()

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, created, err := store.PutIdempotencyKeyIfAbsent(ctx, newKeyRecord("idem-race", "tenant-a", time.Hour))
			assert.NoError(t, err)
			if created {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load(), "exactly one creator must win")
}

func TestMemoryStorage_ExpiredKeyTreatedAsAbsent(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStorage()
	defer store.Close()

	expired := newKeyRecord("idem-exp", "tenant-a", -time.Minute)
	_, created, err := store.PutIdempotencyKeyIfAbsent(ctx, expired)
	require.NoError(t, err)
	require.True(t, created)

	_, err = store.GetIdempotencyKey(ctx, "idem-exp")
	assert.True(t, tasks.IsKeyNotFound(err))

	_, err = store.UpdateIdempotencyKey(ctx, "idem-exp", func(*tasks.IdempotencyKey) error { return nil })
	assert.True(t, tasks.IsKeyNotFound(err))

	// A fresh create replaces the expired record.
	_, created, err = store.PutIdempotencyKeyIfAbsent(ctx, newKeyRecord("idem-exp", "tenant-a", time.Hour))
	require.NoError(t, err)
	assert.True(t, created)
}

func TestMemoryStorage_UpdateIdempotencyKey(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStorage()
	defer store.Close()

	_, _, err := store.PutIdempotencyKeyIfAbsent(ctx, newKeyRecord("idem-1", "tenant-a", time.Hour))
	require.NoError(t, err)

	updated, err := store.UpdateIdempotencyKey(ctx, "idem-1", func(rec *tasks.IdempotencyKey) error {
		rec.Status = tasks.StatusCompleted
		rec.Result = map[string]any{"message_id": "m-1"}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, tasks.StatusCompleted, updated.Status)
	assert.Equal(t, int64(2), updated.Version)

	// A mutator error aborts the update without mutation.
	boom := errors.New("abort")
	_, err = store.UpdateIdempotencyKey(ctx, "idem-1", func(rec *tasks.IdempotencyKey) error {
		rec.Status = tasks.StatusFailed
		return boom
	})
	assert.ErrorIs(t, err, boom)

	current, err := store.GetIdempotencyKey(ctx, "idem-1")
	require.NoError(t, err)
	assert.Equal(t, tasks.StatusCompleted, current.Status)
	assert.Equal(t, int64(2), current.Version)
}

func TestMemoryStorage_UpdateSaga_VersionAndIsolation(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStorage()
	defer store.Close()

	require.NoError(t, store.PutSaga(ctx, newSagaRecord("saga-1", "tenant-a")))

	updated, err := store.UpdateSaga(ctx, "saga-1", func(s *tasks.SagaWorkflow) error {
		s.Status = tasks.StatusInProgress
		s.Steps[0].Status = tasks.StepExecuting
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), updated.Version)
	assert.Equal(t, tasks.StatusInProgress, updated.Status)

	// Mutating the returned copy must not leak into the store.
	updated.Steps[0].Status = tasks.StepFailed
	fresh, err := store.GetSaga(ctx, "saga-1")
	require.NoError(t, err)
	assert.Equal(t, tasks.StepExecuting, fresh.Steps[0].Status)
}

func TestMemoryStorage_UpdateSaga_ConcurrentIncrements(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStorage()
	defer store.Close()

	saga := newSagaRecord("saga-ctr", "tenant-a")
	require.NoError(t, store.PutSaga(ctx, saga))

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.UpdateSaga(ctx, "saga-ctr", func(s *tasks.SagaWorkflow) error {
				s.CurrentStep++
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	final, err := store.GetSaga(ctx, "saga-ctr")
	require.NoError(t, err)
	assert.Equal(t, n, final.CurrentStep, "updates must not be lost")
	assert.Equal(t, int64(n+1), final.Version)
}

func TestMemoryStorage_SagaHistoryAppendOrder(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStorage()
	defer store.Close()

	require.NoError(t, store.PutSaga(ctx, newSagaRecord("saga-h", "tenant-a")))

	statuses := []tasks.StepStatus{tasks.StepExecuting, tasks.StepCompleted, tasks.StepCompensating, tasks.StepCompensated}
	for _, st := range statuses {
		require.NoError(t, store.AppendSagaHistory(ctx, "saga-h", &tasks.SagaHistoryEntry{
			Timestamp: time.Now(),
			StepID:    "s1",
			Status:    st,
		}))
	}

	entries, err := store.GetSagaHistory(ctx, "saga-h", 0)
	require.NoError(t, err)
	require.Len(t, entries, len(statuses))
	for i, st := range statuses {
		assert.Equal(t, st, entries[i].Status)
	}

	limited, err := store.GetSagaHistory(ctx, "saga-h", 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	_, err = store.GetSagaHistory(ctx, "saga-missing", 0)
	assert.True(t, tasks.IsSagaNotFound(err))
}

func TestMemoryStorage_ListByTenant(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStorage()
	defer store.Close()

	older := newSagaRecord("saga-old", "tenant-a")
	older.CreatedAt = time.Now().Add(-time.Hour)
	newer := newSagaRecord("saga-new", "tenant-a")
	other := newSagaRecord("saga-other", "tenant-b")
	require.NoError(t, store.PutSaga(ctx, older))
	require.NoError(t, store.PutSaga(ctx, newer))
	require.NoError(t, store.PutSaga(ctx, other))

	sagas, err := store.ListSagasByTenant(ctx, "tenant-a", 0)
	require.NoError(t, err)
	require.Len(t, sagas, 2)
	assert.Equal(t, "saga-new", sagas[0].SagaID, "newest first")
	assert.Equal(t, "saga-old", sagas[1].SagaID)

	limited, err := store.ListSagasByTenant(ctx, "tenant-a", 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, "saga-new", limited[0].SagaID)
}

func TestMemoryStorage_CleanupExpired(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStorage()
	defer store.Close()

	_, _, err := store.PutIdempotencyKeyIfAbsent(ctx, newKeyRecord("live", "tenant-a", time.Hour))
	require.NoError(t, err)
	_, _, err = store.PutIdempotencyKeyIfAbsent(ctx, newKeyRecord("dead-1", "tenant-a", -time.Minute))
	require.NoError(t, err)
	_, _, err = store.PutIdempotencyKeyIfAbsent(ctx, newKeyRecord("dead-2", "tenant-a", -time.Minute))
	require.NoError(t, err)

	removed, err := store.CleanupExpired(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	_, err = store.GetIdempotencyKey(ctx, "live")
	assert.NoError(t, err)
}

func TestMemoryStorage_Closed(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStorage()
	require.NoError(t, store.Close())

	_, err := store.GetIdempotencyKey(ctx, "any")
	assert.ErrorIs(t, err, ErrStorageClosed)
	err = store.PutSaga(ctx, newSagaRecord("saga-x", "tenant-a"))
	assert.ErrorIs(t, err, ErrStorageClosed)
}
