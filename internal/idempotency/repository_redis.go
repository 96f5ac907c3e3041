package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "livestage:idempotency:"

// RedisRepository stores records with a TTL so every API replica replays the
// same response. Expiry is left to Redis.
type RedisRepository struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// NewRedisRepository creates a repository whose records live for ttl.
// A zero ttl uses DefaultExpiry.
func NewRedisRepository(client redis.UniversalClient, ttl time.Duration) *RedisRepository {
	if ttl <= 0 {
		ttl = DefaultExpiry
	}
	return &RedisRepository{client: client, ttl: ttl}
}

// Get retrieves a record by key.
func (r *RedisRepository) Get(ctx context.Context, key string) (*Record, error) {
	data, err := r.client.Get(ctx, redisKeyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read idempotency key: %w", err)
	}

	var record Record
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("failed to decode idempotency record: %w", err)
	}
	return &record, nil
}

// Store saves a new record with SET NX.
func (r *RedisRepository) Store(ctx context.Context, record *Record) error {
	if record.Key == "" {
		return ErrInvalidKey
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now()
	}
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to encode idempotency record: %w", err)
	}

	ok, err := r.client.SetNX(ctx, redisKeyPrefix+record.Key, data, r.ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to store idempotency key: %w", err)
	}
	if !ok {
		return ErrKeyExists
	}
	return nil
}

// DeleteOlderThan is a no-op; records expire through their TTL.
func (r *RedisRepository) DeleteOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	return 0, nil
}
