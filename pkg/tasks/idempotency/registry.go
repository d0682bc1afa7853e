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

// Package idempotency computes and tracks idempotency keys so a logically
// identical request executes its side effects at most once.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/innovationmech/tasks/pkg/logger"
	"github.com/innovationmech/tasks/pkg/tasks"
)

// GenerateKey computes a deterministic key for the (tenant, user, operation
// type, parameters) tuple. Two logically identical requests compute the same
// key in any process without a storage round trip.
func GenerateKey(tenantID, userID, operationType string, params map[string]any) string {
	return "idem-" + fingerprint(tenantID, userID, operationType, params)
}

// fingerprint hashes the request tuple over a canonical encoding: parameters
// are serialized with sorted keys so map iteration order cannot change the
// result.
func fingerprint(tenantID, userID, operationType string, params map[string]any) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%s\x00", tenantID, userID, operationType)

	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v, err := json.Marshal(params[k])
		if err != nil {
			v = []byte(fmt.Sprintf("%v", params[k]))
		}
		fmt.Fprintf(h, "%s=%s\x00", k, v)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Registry is the sole writer of idempotency key state. It enforces
// at-most-once creation through the storage backend's atomic
// create-if-absent and single-flight execution through conditional status
// transitions.
type Registry struct {
	storage tasks.Storage
}

// NewRegistry creates a Registry over the given storage backend.
func NewRegistry(storage tasks.Storage) *Registry {
	return &Registry{storage: storage}
}

// CreateKey creates the key record in pending status if absent. If a live
// record with the same key already exists it is returned instead, with
// created=false; the creation race between concurrent duplicate requests is
// resolved by the storage backend, not by a read-then-write.
func (r *Registry) CreateKey(
	ctx context.Context,
	tenantID, userID, operationType, key string,
	ttl time.Duration,
	params map[string]any,
) (*tasks.IdempotencyKey, bool, error) {
	if key == "" {
		key = GenerateKey(tenantID, userID, operationType, params)
	}
	if ttl <= 0 {
		ttl = tasks.DefaultKeyTTL
	}

	now := time.Now()
	record := &tasks.IdempotencyKey{
		Key:           key,
		TenantID:      tenantID,
		UserID:        userID,
		OperationType: operationType,
		ParamsHash:    fingerprint(tenantID, userID, operationType, params),
		CreatedAt:     now,
		ExpiresAt:     now.Add(ttl),
		Status:        tasks.StatusPending,
	}

	stored, created, err := r.storage.PutIdempotencyKeyIfAbsent(ctx, record)
	if err != nil {
		return nil, false, err
	}

	if !created && stored.ParamsHash != record.ParamsHash {
		// Key reuse with a different payload. The original record wins; the
		// mismatch is surfaced to operators through the log.
		logger.GetSugaredLogger().Warnw("idempotency key reused with different parameters",
			"key", key, "tenant_id", tenantID, "operation_type", operationType)
	}

	return stored, created, nil
}

// GetKey retrieves a key record. Expired keys are reported as not found, so
// a fresh attempt is allowed.
func (r *Registry) GetKey(ctx context.Context, key string) (*tasks.IdempotencyKey, error) {
	return r.storage.GetIdempotencyKey(ctx, key)
}

// MarkInProgress claims the key for execution with a conditional
// pending -> in_progress transition. Exactly one of N racing callers
// observes claimed=true; the rest resolve to the winner's record.
func (r *Registry) MarkInProgress(ctx context.Context, key string) (bool, error) {
	claimed := false
	_, err := r.storage.UpdateIdempotencyKey(ctx, key, func(rec *tasks.IdempotencyKey) error {
		if rec.Status != tasks.StatusPending {
			return errSkipUpdate
		}
		rec.Status = tasks.StatusInProgress
		claimed = true
		return nil
	})
	if err != nil {
		if err == errSkipUpdate {
			return false, nil
		}
		return false, err
	}
	return claimed, nil
}

// CompleteOperation transitions pending/in_progress to completed, or to
// failed when errMsg is non-empty. It returns false and performs no mutation
// if the key is already terminal: completion is itself idempotent, and the
// first writer determines the canonical outcome.
func (r *Registry) CompleteOperation(ctx context.Context, key string, result map[string]any, errMsg string) (bool, error) {
	completed := false
	updated, err := r.storage.UpdateIdempotencyKey(ctx, key, func(rec *tasks.IdempotencyKey) error {
		if rec.Status.IsTerminal() {
			if rec.Status == tasks.StatusCompleted && !sameResult(rec.Result, result) {
				logger.GetSugaredLogger().Warnw("conflicting completion for idempotency key, original result wins",
					"key", key, "status", rec.Status.String())
			}
			return errSkipUpdate
		}
		switch {
		case errMsg != "":
			rec.Status = tasks.StatusFailed
			rec.Error = errMsg
		default:
			rec.Status = tasks.StatusCompleted
			rec.Result = result
		}
		completed = true
		return nil
	})
	if err != nil {
		if err == errSkipUpdate {
			return false, nil
		}
		return false, err
	}
	_ = updated
	return completed, nil
}

// Execute is the thin direct-call path for non-saga operations: it creates
// the key, claims it, invokes the handler, and persists the outcome. A
// duplicate caller short-circuits to the stored record without invoking the
// handler again.
func (r *Registry) Execute(
	ctx context.Context,
	tenantID, userID, operationType string,
	ttl time.Duration,
	params map[string]any,
	handler tasks.HandlerFunc,
) (*tasks.IdempotencyKey, error) {
	rec, _, err := r.CreateKey(ctx, tenantID, userID, operationType, "", ttl, params)
	if err != nil {
		return nil, err
	}
	if rec.Status.IsTerminal() {
		return rec, nil
	}

	claimed, err := r.MarkInProgress(ctx, rec.Key)
	if err != nil {
		return nil, err
	}
	if !claimed {
		// Another caller holds the execution; return last-persisted state.
		return r.GetKey(ctx, rec.Key)
	}

	result, handlerErr := handler(ctx, params)
	errMsg := ""
	if handlerErr != nil {
		errMsg = tasks.NewHandlerExecutionError(operationType, handlerErr).Error()
	}
	if _, err := r.CompleteOperation(ctx, rec.Key, result, errMsg); err != nil {
		return nil, err
	}
	return r.GetKey(ctx, rec.Key)
}

// errSkipUpdate aborts a conditional update without mutating the record.
var errSkipUpdate = fmt.Errorf("skip update")

func sameResult(a, b map[string]any) bool {
	ab, errA := json.Marshal(a)
	bb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return string(ab) == string(bb)
}
