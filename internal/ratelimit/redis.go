package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLimiter implements Limiter with a fixed window counter in Redis,
// for deployments running more than one instance. INCR plus a window-length
// EXPIRE set atomically on the first hit of each window.
type RedisLimiter struct {
	client *redis.Client
	limit  int64
	window time.Duration
	prefix string
}

var incrScript = redis.NewScript(`
local n = redis.call("INCR", KEYS[1])
if n == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return n
`)

// NewRedisLimiter creates a fixed-window limiter.
//   - limit: requests allowed per window per key
//   - window: window length
func NewRedisLimiter(client *redis.Client, limit int, window time.Duration) *RedisLimiter {
	return &RedisLimiter{
		client: client,
		limit:  int64(limit),
		window: window,
		prefix: "ratelimit:",
	}
}

// Allow increments the key's window counter and compares it to the limit.
func (r *RedisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	window := time.Now().UnixMilli() / r.window.Milliseconds()
	redisKey := fmt.Sprintf("%s%s:%d", r.prefix, key, window)

	n, err := incrScript.Run(ctx, r.client, []string{redisKey}, r.window.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("ratelimit: redis incr: %w", err)
	}
	return n <= r.limit, nil
}

// Close releases the Redis client.
func (r *RedisLimiter) Close() error {
	return r.client.Close()
}
