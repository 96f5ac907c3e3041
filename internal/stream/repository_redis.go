package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/onnwee/livestage/internal/tracing"
)

// DefaultEndedRetention is how long an ended session stays readable in Redis.
const DefaultEndedRetention = 24 * time.Hour

const redisKeyPrefix = "livestage:"

// sessionSpanTarget names the key family on store spans.
const sessionSpanTarget = redisKeyPrefix + "session"

func sessionKey(id string) string {
	return redisKeyPrefix + "session:" + id
}

func roomActiveKey(roomID string) string {
	return redisKeyPrefix + "room:" + roomID + ":active"
}

// RedisSessionStore implements SessionStore on Redis using WATCH/MULTI
// optimistic transactions. A concurrent write to the watched keys aborts the
// transaction, which surfaces as ErrConcurrentModification.
type RedisSessionStore struct {
	client         *redis.Client
	endedRetention time.Duration
	logger         *slog.Logger
}

// NewRedisSessionStore creates a new RedisSessionStore.
// A non-positive endedRetention uses DefaultEndedRetention.
func NewRedisSessionStore(client *redis.Client, endedRetention time.Duration, logger *slog.Logger) *RedisSessionStore {
	if endedRetention <= 0 {
		endedRetention = DefaultEndedRetention
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisSessionStore{
		client:         client,
		endedRetention: endedRetention,
		logger:         logger,
	}
}

type redisGetter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func readSession(ctx context.Context, c redisGetter, id string) (*Session, error) {
	data, err := c.Get(ctx, sessionKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrStreamNotFound
	}
	if err != nil {
		return nil, unavailable(err)
	}
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", id, err)
	}
	return &s, nil
}

// Create stores a new session and claims the room's active slot.
func (r *RedisSessionStore) Create(ctx context.Context, s *Session) (_ *Session, err error) {
	ctx, endSpan := tracing.StartStoreSpan(ctx, tracing.SystemRedis, sessionSpanTarget, tracing.DBOperationInsert)
	defer func() { endSpan(err) }()

	next, err := prepareCreate(s)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(next)
	if err != nil {
		return nil, fmt.Errorf("encode session: %w", err)
	}

	roomKey := roomActiveKey(next.RoomID)
	var failure error
	err = r.client.Watch(ctx, func(tx *redis.Tx) error {
		activeID, err := tx.Get(ctx, roomKey).Result()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			failure = unavailable(err)
			return failure
		default:
			existing, err := readSession(ctx, tx, activeID)
			if err != nil && !errors.Is(err, ErrStreamNotFound) {
				failure = err
				return failure
			}
			if existing != nil && !existing.IsEnded() {
				failure = ErrSessionAlreadyLive
				return failure
			}
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, sessionKey(next.ID), data, 0)
			pipe.Set(ctx, roomKey, next.ID, 0)
			return nil
		})
		return err
	}, roomKey)

	if err := r.txResult(failure, err, next.ID); err != nil {
		return nil, err
	}
	return next, nil
}

// Get retrieves a session by ID.
func (r *RedisSessionStore) Get(ctx context.Context, id string) (_ *Session, err error) {
	ctx, endSpan := tracing.StartStoreSpan(ctx, tracing.SystemRedis, sessionSpanTarget, tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	return readSession(ctx, r.client, id)
}

// GetActiveForRoom retrieves the non-ended session for a room.
func (r *RedisSessionStore) GetActiveForRoom(ctx context.Context, roomID string) (_ *Session, err error) {
	ctx, endSpan := tracing.StartStoreSpan(ctx, tracing.SystemRedis, sessionSpanTarget, tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	id, err := r.client.Get(ctx, roomActiveKey(roomID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrStreamNotFound
	}
	if err != nil {
		return nil, unavailable(err)
	}
	s, err := readSession(ctx, r.client, id)
	if err != nil {
		return nil, err
	}
	if s.IsEnded() {
		return nil, ErrStreamNotFound
	}
	return s, nil
}

// Update rewrites the record inside a watched transaction.
func (r *RedisSessionStore) Update(ctx context.Context, s *Session, baseVersion int64) (_ *Session, err error) {
	ctx, endSpan := tracing.StartStoreSpan(ctx, tracing.SystemRedis, sessionSpanTarget, tracing.DBOperationUpdate)
	defer func() { endSpan(err) }()

	key := sessionKey(s.ID)
	roomKey := roomActiveKey(s.RoomID)

	var next *Session
	var failure error
	err = r.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := readSession(ctx, tx, s.ID)
		if err != nil {
			failure = err
			return failure
		}
		next, err = prepareUpdate(current, s, baseVersion)
		if err != nil {
			failure = err
			return failure
		}
		data, err := json.Marshal(next)
		if err != nil {
			failure = fmt.Errorf("encode session: %w", err)
			return failure
		}
		activeID, err := tx.Get(ctx, roomKey).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			failure = unavailable(err)
			return failure
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if next.IsEnded() {
				pipe.Set(ctx, key, data, r.endedRetention)
				if activeID == next.ID {
					pipe.Del(ctx, roomKey)
				}
				return nil
			}
			pipe.Set(ctx, key, data, 0)
			return nil
		})
		return err
	}, key, roomKey)

	if err := r.txResult(failure, err, s.ID); err != nil {
		return nil, err
	}
	return next, nil
}

// txResult maps the outcome of a WATCH transaction onto store errors.
func (r *RedisSessionStore) txResult(failure, err error, id string) error {
	switch {
	case failure != nil:
		return failure
	case errors.Is(err, redis.TxFailedErr):
		return ErrConcurrentModification
	case err != nil:
		r.logger.Error("redis session transaction failed",
			slog.String("error", err.Error()),
			slog.String("stream_id", id))
		return unavailable(err)
	}
	return nil
}
