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
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/innovationmech/tasks/pkg/tasks"
)

// Redis key naming conventions.
const (
	// idemKeyPattern is the pattern for idempotency records: {prefix}idem:{key}
	idemKeyPattern = "%sidem:%s"

	// sagaKeyPattern is the pattern for saga records: {prefix}saga:{sagaID}
	sagaKeyPattern = "%ssaga:%s"

	// historyKeyPattern is the pattern for saga history lists: {prefix}history:{sagaID}
	historyKeyPattern = "%shistory:%s"

	// tenantSagaIndexPattern indexes a tenant's sagas: {prefix}index:tenant:{tenant}:sagas
	tenantSagaIndexPattern = "%sindex:tenant:%s:sagas"

	// tenantKeyIndexPattern indexes a tenant's idempotency keys: {prefix}index:tenant:{tenant}:keys
	tenantKeyIndexPattern = "%sindex:tenant:%s:keys"

	// expiryIndexPattern is the sorted set of key expiry deadlines: {prefix}index:expiry
	expiryIndexPattern = "%sindex:expiry"

	// casMaxRetries bounds optimistic-lock retries under WATCH contention.
	casMaxRetries = 8

	// casRetryDelay is the pause between optimistic-lock retries.
	casRetryDelay = 5 * time.Millisecond
)

var (
	// ErrInvalidRedisConfig indicates the Redis configuration is invalid.
	ErrInvalidRedisConfig = errors.New("invalid redis configuration")

	// ErrCASExhausted indicates a conditional update kept losing the
	// optimistic lock and gave up.
	ErrCASExhausted = errors.New("conditional update retries exhausted")
)

// RedisConfig holds the Redis connection settings.
type RedisConfig struct {
	// Addr is the Redis server address in the format "host:port".
	Addr string `json:"addr" yaml:"addr"`

	// Password for Redis authentication. Empty means no authentication.
	Password string `json:"password" yaml:"password"`

	// DB is the Redis database number to use.
	DB int `json:"db" yaml:"db"`

	// PoolSize is the maximum number of socket connections.
	PoolSize int `json:"pool_size" yaml:"pool_size"`

	// KeyPrefix namespaces all keys, e.g. "tasks:".
	KeyPrefix string `json:"key_prefix" yaml:"key_prefix"`

	// DialTimeout bounds connection establishment.
	DialTimeout time.Duration `json:"dial_timeout" yaml:"dial_timeout"`
}

// DefaultRedisConfig returns a configuration suitable for a local Redis.
func DefaultRedisConfig() *RedisConfig {
	return &RedisConfig{
		Addr:        "localhost:6379",
		DB:          0,
		PoolSize:    10,
		KeyPrefix:   "tasks:",
		DialTimeout: 5 * time.Second,
	}
}

// Validate validates the configuration.
func (c *RedisConfig) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("%w: address cannot be empty", ErrInvalidRedisConfig)
	}
	if c.DB < 0 {
		return fmt.Errorf("%w: DB number must be >= 0", ErrInvalidRedisConfig)
	}
	if c.PoolSize < 0 {
		return fmt.Errorf("%w: pool size must be >= 0", ErrInvalidRedisConfig)
	}
	return nil
}

// RedisStorage is a Redis-backed implementation of tasks.Storage suitable
// for multi-process deployments. Conditional updates run under WATCH with
// optimistic-lock retries, so the mutator contract holds across processes.
//
// Key design:
//   - Idempotency records: {prefix}idem:{key}, with native TTL
//   - Saga records:        {prefix}saga:{sagaID}
//   - Saga history:        {prefix}history:{sagaID} (list, RPUSH append order)
//   - Tenant indexes:      {prefix}index:tenant:{tenant}:{sagas|keys}
//     (sorted sets scored by creation time)
//   - Expiry index:        {prefix}index:expiry (sorted set scored by deadline)
type RedisStorage struct {
	client *redis.Client
	prefix string
}

// NewRedisStorage connects to Redis and verifies connectivity.
func NewRedisStorage(config *RedisConfig) (*RedisStorage, error) {
	if config == nil {
		config = DefaultRedisConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	client := redis.NewClient(&redis.Options{
		Addr:        config.Addr,
		Password:    config.Password,
		DB:          config.DB,
		PoolSize:    config.PoolSize,
		DialTimeout: config.DialTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), config.DialTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, tasks.NewStorageConnectionError("ping", err)
	}

	return &RedisStorage{client: client, prefix: config.KeyPrefix}, nil
}

// NewRedisStorageFromClient wraps an existing client, mainly for tests.
func NewRedisStorageFromClient(client *redis.Client, prefix string) *RedisStorage {
	return &RedisStorage{client: client, prefix: prefix}
}

// GetIdempotencyKey implements tasks.Storage.
func (r *RedisStorage) GetIdempotencyKey(ctx context.Context, key string) (*tasks.IdempotencyKey, error) {
	data, err := r.client.Get(ctx, r.idemKey(key)).Bytes()
	if err == redis.Nil {
		return nil, tasks.NewKeyNotFoundError(key)
	}
	if err != nil {
		return nil, tasks.NewStorageConnectionError("get idempotency key", err)
	}

	rec, err := decodeKeyRecord(data)
	if err != nil {
		return nil, err
	}
	if rec.IsExpired(time.Now()) {
		return nil, tasks.NewKeyNotFoundError(key)
	}
	return rec, nil
}

// PutIdempotencyKeyIfAbsent implements tasks.Storage. Creation races are
// resolved by SET NX; the record's Redis TTL matches its logical TTL so
// expired records vanish without a janitor.
func (r *RedisStorage) PutIdempotencyKeyIfAbsent(ctx context.Context, record *tasks.IdempotencyKey) (*tasks.IdempotencyKey, bool, error) {
	if record == nil || record.Key == "" {
		return nil, false, tasks.NewValidationError("idempotency key record requires a key")
	}

	stored := record.Clone()
	if stored.Version == 0 {
		stored.Version = 1
	}
	data, err := json.Marshal(stored)
	if err != nil {
		return nil, false, tasks.NewValidationError("idempotency key record is not serializable")
	}

	ttl := time.Until(stored.ExpiresAt)
	if ttl <= 0 {
		return nil, false, tasks.NewValidationError("idempotency key record is already expired")
	}

	created, err := r.client.SetNX(ctx, r.idemKey(stored.Key), data, ttl).Result()
	if err != nil {
		return nil, false, tasks.NewStorageConnectionError("put idempotency key", err)
	}
	if !created {
		existing, err := r.GetIdempotencyKey(ctx, stored.Key)
		if err != nil {
			if tasks.IsKeyNotFound(err) {
				// The holder expired between SETNX and GET. Retry the create.
				return r.PutIdempotencyKeyIfAbsent(ctx, record)
			}
			return nil, false, err
		}
		return existing, false, nil
	}

	pipe := r.client.Pipeline()
	pipe.ZAdd(ctx, r.tenantKeyIndex(stored.TenantID), redis.Z{
		Score:  float64(stored.CreatedAt.UnixNano()),
		Member: stored.Key,
	})
	pipe.ZAdd(ctx, r.expiryIndex(), redis.Z{
		Score:  float64(stored.ExpiresAt.Unix()),
		Member: stored.Key,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, false, tasks.NewStorageConnectionError("index idempotency key", err)
	}
	return stored, true, nil
}

// UpdateIdempotencyKey implements tasks.Storage with a WATCH-based
// compare-and-swap. The mutator re-runs on every optimistic-lock retry and
// must stay side-effect free.
func (r *RedisStorage) UpdateIdempotencyKey(ctx context.Context, key string, mutate func(*tasks.IdempotencyKey) error) (*tasks.IdempotencyKey, error) {
	redisKey := r.idemKey(key)
	var updated *tasks.IdempotencyKey

	txn := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, redisKey).Bytes()
		if err == redis.Nil {
			return tasks.NewKeyNotFoundError(key)
		}
		if err != nil {
			return err
		}
		rec, err := decodeKeyRecord(data)
		if err != nil {
			return err
		}
		if rec.IsExpired(time.Now()) {
			return tasks.NewKeyNotFoundError(key)
		}

		if err := mutate(rec); err != nil {
			return err
		}
		rec.Version++

		encoded, err := json.Marshal(rec)
		if err != nil {
			return tasks.NewValidationError("idempotency key record is not serializable")
		}
		ttl := time.Until(rec.ExpiresAt)
		if ttl <= 0 {
			return tasks.NewKeyNotFoundError(key)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, redisKey, encoded, ttl)
			return nil
		})
		if err != nil {
			return err
		}
		updated = rec
		return nil
	}

	if err := r.withCAS(ctx, "update idempotency key", txn, redisKey); err != nil {
		return nil, err
	}
	return updated, nil
}

// GetSaga implements tasks.Storage.
func (r *RedisStorage) GetSaga(ctx context.Context, sagaID string) (*tasks.SagaWorkflow, error) {
	data, err := r.client.Get(ctx, r.sagaKey(sagaID)).Bytes()
	if err == redis.Nil {
		return nil, tasks.NewSagaNotFoundError(sagaID)
	}
	if err != nil {
		return nil, tasks.NewStorageConnectionError("get saga", err)
	}
	return decodeSagaRecord(data)
}

// PutSaga implements tasks.Storage. Saga records carry no TTL; they are
// retained for audit.
func (r *RedisStorage) PutSaga(ctx context.Context, saga *tasks.SagaWorkflow) error {
	if saga == nil || saga.SagaID == "" {
		return tasks.NewValidationError("saga record requires a saga_id")
	}

	stored := saga.Clone()
	if stored.Version == 0 {
		stored.Version = 1
	}
	data, err := json.Marshal(stored)
	if err != nil {
		return tasks.NewValidationError("saga record is not serializable")
	}

	pipe := r.client.Pipeline()
	pipe.Set(ctx, r.sagaKey(stored.SagaID), data, 0)
	pipe.ZAdd(ctx, r.tenantSagaIndex(stored.TenantID), redis.Z{
		Score:  float64(stored.CreatedAt.UnixNano()),
		Member: stored.SagaID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return tasks.NewStorageConnectionError("put saga", err)
	}
	return nil
}

// UpdateSaga implements tasks.Storage with the same WATCH-based CAS as
// UpdateIdempotencyKey.
func (r *RedisStorage) UpdateSaga(ctx context.Context, sagaID string, mutate func(*tasks.SagaWorkflow) error) (*tasks.SagaWorkflow, error) {
	redisKey := r.sagaKey(sagaID)
	var updated *tasks.SagaWorkflow

	txn := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, redisKey).Bytes()
		if err == redis.Nil {
			return tasks.NewSagaNotFoundError(sagaID)
		}
		if err != nil {
			return err
		}
		saga, err := decodeSagaRecord(data)
		if err != nil {
			return err
		}

		if err := mutate(saga); err != nil {
			return err
		}
		saga.Version++
		saga.UpdatedAt = time.Now()

		encoded, err := json.Marshal(saga)
		if err != nil {
			return tasks.NewValidationError("saga record is not serializable")
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, redisKey, encoded, 0)
			return nil
		})
		if err != nil {
			return err
		}
		updated = saga
		return nil
	}

	if err := r.withCAS(ctx, "update saga", txn, redisKey); err != nil {
		return nil, err
	}
	return updated, nil
}

// AppendSagaHistory implements tasks.Storage using RPUSH append order.
func (r *RedisStorage) AppendSagaHistory(ctx context.Context, sagaID string, entry *tasks.SagaHistoryEntry) error {
	if entry == nil {
		return tasks.NewValidationError("history entry cannot be nil")
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return tasks.NewValidationError("history entry is not serializable")
	}
	if err := r.client.RPush(ctx, r.historyKey(sagaID), data).Err(); err != nil {
		return tasks.NewStorageConnectionError("append saga history", err)
	}
	return nil
}

// GetSagaHistory implements tasks.Storage.
func (r *RedisStorage) GetSagaHistory(ctx context.Context, sagaID string, limit int) ([]*tasks.SagaHistoryEntry, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}
	raw, err := r.client.LRange(ctx, r.historyKey(sagaID), 0, stop).Result()
	if err != nil {
		return nil, tasks.NewStorageConnectionError("get saga history", err)
	}

	entries := make([]*tasks.SagaHistoryEntry, 0, len(raw))
	for _, item := range raw {
		var entry tasks.SagaHistoryEntry
		if err := json.Unmarshal([]byte(item), &entry); err != nil {
			return nil, tasks.NewValidationError("corrupt saga history entry")
		}
		entries = append(entries, &entry)
	}
	return entries, nil
}

// ListSagasByTenant implements tasks.Storage, newest first via the tenant
// index.
func (r *RedisStorage) ListSagasByTenant(ctx context.Context, tenantID string, limit int) ([]*tasks.SagaWorkflow, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}
	ids, err := r.client.ZRevRange(ctx, r.tenantSagaIndex(tenantID), 0, stop).Result()
	if err != nil {
		return nil, tasks.NewStorageConnectionError("list sagas by tenant", err)
	}

	sagas := make([]*tasks.SagaWorkflow, 0, len(ids))
	for _, id := range ids {
		saga, err := r.GetSaga(ctx, id)
		if err != nil {
			if tasks.IsSagaNotFound(err) {
				continue
			}
			return nil, err
		}
		sagas = append(sagas, saga)
	}
	return sagas, nil
}

// ListKeysByTenant implements tasks.Storage, newest first via the tenant
// index. Expired members are skipped and lazily pruned.
func (r *RedisStorage) ListKeysByTenant(ctx context.Context, tenantID string, limit int) ([]*tasks.IdempotencyKey, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}
	keys, err := r.client.ZRevRange(ctx, r.tenantKeyIndex(tenantID), 0, stop).Result()
	if err != nil {
		return nil, tasks.NewStorageConnectionError("list keys by tenant", err)
	}

	records := make([]*tasks.IdempotencyKey, 0, len(keys))
	for _, key := range keys {
		rec, err := r.GetIdempotencyKey(ctx, key)
		if err != nil {
			if tasks.IsKeyNotFound(err) {
				r.client.ZRem(ctx, r.tenantKeyIndex(tenantID), key)
				continue
			}
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

// CleanupExpired implements tasks.Storage. Redis already drops expired
// records through native TTLs; this prunes the expiry and tenant indexes.
func (r *RedisStorage) CleanupExpired(ctx context.Context, now time.Time) (int, error) {
	deadline := fmt.Sprintf("%d", now.Unix())
	expired, err := r.client.ZRangeByScore(ctx, r.expiryIndex(), &redis.ZRangeBy{
		Min: "-inf",
		Max: deadline,
	}).Result()
	if err != nil {
		return 0, tasks.NewStorageConnectionError("cleanup expired", err)
	}
	if len(expired) == 0 {
		return 0, nil
	}

	if err := r.client.ZRemRangeByScore(ctx, r.expiryIndex(), "-inf", deadline).Err(); err != nil {
		return 0, tasks.NewStorageConnectionError("cleanup expired", err)
	}
	return len(expired), nil
}

// HealthCheck implements tasks.Storage.
func (r *RedisStorage) HealthCheck(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return tasks.NewStorageConnectionError("ping", err)
	}
	return nil
}

// Close implements tasks.Storage.
func (r *RedisStorage) Close() error {
	return r.client.Close()
}

// withCAS runs txn under WATCH, retrying on optimistic-lock conflicts.
// Mutator and not-found errors pass through unchanged.
func (r *RedisStorage) withCAS(ctx context.Context, op string, txn func(*redis.Tx) error, keys ...string) error {
	var lastErr error
	for attempt := 0; attempt < casMaxRetries; attempt++ {
		err := r.client.Watch(ctx, txn, keys...)
		if err == nil {
			return nil
		}
		if err != redis.TxFailedErr {
			// Mutator errors pass through unchanged so sentinel comparisons
			// in callers keep working.
			return err
		}
		lastErr = err

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(casRetryDelay):
		}
	}
	return tasks.NewStorageTimeoutError(op, fmt.Errorf("%w: %v", ErrCASExhausted, lastErr))
}

func (r *RedisStorage) idemKey(key string) string {
	return fmt.Sprintf(idemKeyPattern, r.prefix, key)
}

func (r *RedisStorage) sagaKey(sagaID string) string {
	return fmt.Sprintf(sagaKeyPattern, r.prefix, sagaID)
}

func (r *RedisStorage) historyKey(sagaID string) string {
	return fmt.Sprintf(historyKeyPattern, r.prefix, sagaID)
}

func (r *RedisStorage) tenantSagaIndex(tenantID string) string {
	return fmt.Sprintf(tenantSagaIndexPattern, r.prefix, tenantID)
}

func (r *RedisStorage) tenantKeyIndex(tenantID string) string {
	return fmt.Sprintf(tenantKeyIndexPattern, r.prefix, tenantID)
}

func (r *RedisStorage) expiryIndex() string {
	return fmt.Sprintf(expiryIndexPattern, r.prefix)
}

func decodeKeyRecord(data []byte) (*tasks.IdempotencyKey, error) {
	var rec tasks.IdempotencyKey
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, tasks.NewValidationError("corrupt idempotency key record")
	}
	return &rec, nil
}

func decodeSagaRecord(data []byte) (*tasks.SagaWorkflow, error) {
	var saga tasks.SagaWorkflow
	if err := json.Unmarshal(data, &saga); err != nil {
		return nil, tasks.NewValidationError("corrupt saga record")
	}
	return &saga, nil
}
