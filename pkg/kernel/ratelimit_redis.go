package kernel

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisFixedWindowScript increments a fixed-window counter atomically.
// KEYS[1] = window key, ARGV[1] = limit, ARGV[2] = window TTL seconds.
// Returns {allowed, remaining}.
var redisFixedWindowScript = redis.NewScript(`
local key = KEYS[1]
local limit = tonumber(ARGV[1])
local ttl = tonumber(ARGV[2])

local count = redis.call("INCR", key)
if count == 1 then
    redis.call("EXPIRE", key, ttl)
end

if count > limit then
    return {0, 0}
end
return {1, limit - count}
`)

// RedisRateLimiter is the distributed RateLimitAdapter for multi-process
// kernels. Counters self-expire with the window.
type RedisRateLimiter struct {
	client redis.UniversalClient
	window time.Duration
	now    func() time.Time
}

// NewRedisRateLimiter wraps an existing Redis client.
func NewRedisRateLimiter(client redis.UniversalClient) *RedisRateLimiter {
	return &RedisRateLimiter{client: client, window: time.Minute, now: time.Now}
}

// Check runs the window script for (api_key_id, action).
func (l *RedisRateLimiter) Check(ctx context.Context, apiKeyID, action string, limit int) (*RateLimitResult, error) {
	windowStart := l.now().Unix() / int64(l.window.Seconds())
	key := fmt.Sprintf("acp:rl:%s:%s:%d", apiKeyID, action, windowStart)

	res, err := redisFixedWindowScript.Run(ctx, l.client, []string{key},
		limit, int(l.window.Seconds())).Result()
	if err != nil {
		return nil, fmt.Errorf("redis limiter: %w", err)
	}

	results, ok := res.([]interface{})
	if !ok || len(results) != 2 {
		return nil, fmt.Errorf("redis limiter: unexpected script result %T", res)
	}

	allowed, _ := results[0].(int64)
	remaining, _ := results[1].(int64)
	return &RateLimitResult{
		Allowed:   allowed == 1,
		Limit:     limit,
		Remaining: int(remaining),
	}, nil
}
