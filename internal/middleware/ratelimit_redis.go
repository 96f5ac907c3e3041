package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisRateLimitPrefix namespaces rate limit counters in Redis.
const redisRateLimitPrefix = "livestage:ratelimit:"

// fixedWindowScript increments the counter, anchors the window on the first
// hit and returns {count, pttl}.
var fixedWindowScript = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
if n == 1 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return {n, redis.call('PTTL', KEYS[1])}
`)

// RedisRateLimitStore implements RateLimitStore with a fixed window counter
// shared by every API replica. Redis errors fail open.
type RedisRateLimitStore struct {
	client  redis.UniversalClient
	metrics *Metrics
}

// NewRedisRateLimitStore creates a store backed by client.
func NewRedisRateLimitStore(client redis.UniversalClient) *RedisRateLimitStore {
	return &RedisRateLimitStore{client: client}
}

// WithMetrics counts fail-open events on m.
func (s *RedisRateLimitStore) WithMetrics(m *Metrics) *RedisRateLimitStore {
	s.metrics = m
	return s
}

// Allow implements RateLimitStore.
func (s *RedisRateLimitStore) Allow(ctx context.Context, key string, budget Budget) (bool, time.Duration) {
	res, err := fixedWindowScript.Run(ctx, s.client, []string{redisRateLimitPrefix + key}, budget.Window.Milliseconds()).Int64Slice()
	if err == nil && len(res) != 2 {
		err = redis.Nil
	}
	if err != nil {
		slog.WarnContext(ctx, "rate limit store unavailable, allowing request",
			"budget", budget.Name, "error", err)
		if s.metrics != nil {
			s.metrics.rateLimitStoreFailed()
		}
		return true, 0
	}
	if res[0] <= int64(budget.Limit) {
		return true, 0
	}
	// PTTL is -1 when the key lost its expiry; report a full window.
	if res[1] <= 0 {
		return false, budget.Window
	}
	return false, time.Duration(res[1]) * time.Millisecond
}
