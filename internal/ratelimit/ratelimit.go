// Package ratelimit throttles outbound sends per sender using Redis.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/raybit/mailmate/internal/pkg/logger"
)

// Lua script for an atomic check-and-increment on a fixed window counter.
// A plain GET then INCR would race under concurrent sends.
const windowLimitLuaScript = `
local key = KEYS[1]
local limit = tonumber(ARGV[1])
local ttl = tonumber(ARGV[2])

local current = tonumber(redis.call("GET", key) or "0")

if current + 1 > limit then
    return {0, current}
end

local newVal = redis.call("INCR", key)
if newVal == 1 then
    redis.call("EXPIRE", key, ttl)
end

return {1, newVal}
`

// SendLimiter caps how many messages a sender may dispatch per minute.
// A nil *SendLimiter allows everything, so callers need no config checks.
type SendLimiter struct {
	redis     *redis.Client
	perMinute int
	script    *redis.Script
}

// New creates a limiter backed by an existing Redis client. Returns nil when
// addr is empty or perMinute is zero, which disables limiting.
func New(ctx context.Context, addr string, perMinute int) (*SendLimiter, error) {
	if addr == "" || perMinute <= 0 {
		return nil, nil
	}

	client := redis.NewClient(&redis.Options{Addr: addr})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	logger.Info("ratelimit: connected to redis", "addr", addr, "sendPerMinute", perMinute)
	return NewWithClient(client, perMinute), nil
}

// NewWithClient wires a limiter onto a caller-owned client. Used by tests.
func NewWithClient(client *redis.Client, perMinute int) *SendLimiter {
	return &SendLimiter{
		redis:     client,
		perMinute: perMinute,
		script:    redis.NewScript(windowLimitLuaScript),
	}
}

// Allow consumes one send slot for the sender in the current minute window.
// Redis being down fails open: a throttle outage should not stop mail.
func (l *SendLimiter) Allow(ctx context.Context, sender string) (bool, error) {
	if l == nil {
		return true, nil
	}

	key := fmt.Sprintf("mailmate:send:%s:%s", sender, time.Now().UTC().Format("200601021504"))

	result, err := l.script.Run(ctx, l.redis, []string{key}, l.perMinute, 120).Slice()
	if err != nil {
		logger.Warn("ratelimit: redis check failed, allowing send", "error", err.Error())
		return true, nil
	}
	if len(result) < 1 {
		return true, nil
	}

	allowed, ok := result[0].(int64)
	if !ok {
		return true, nil
	}
	return allowed == 1, nil
}

// Close releases the underlying Redis connection.
func (l *SendLimiter) Close() error {
	if l == nil {
		return nil
	}
	return l.redis.Close()
}
