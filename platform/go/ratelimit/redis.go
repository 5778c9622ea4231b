package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

var cooldownScript = redis.NewScript(`
if redis.call("SET", KEYS[1], "1", "NX", "PX", ARGV[1]) then
  return {1, tonumber(ARGV[1])}
end
return {0, redis.call("PTTL", KEYS[1])}
`)

// RedisCooldown opens windows with SET NX PX so every replica sees the same window.
type RedisCooldown struct {
	Client   redis.Scripter
	Window   time.Duration
	Prefix   string
	Fallback *MemoryCooldown
}

func NewRedis(client redis.Scripter, window time.Duration) *RedisCooldown {
	if window <= 0 {
		window = 10 * time.Second
	}
	return &RedisCooldown{
		Client:   client,
		Window:   window,
		Prefix:   "cooldown:",
		Fallback: NewMemory(window),
	}
}

func (c *RedisCooldown) Acquire(ctx context.Context, key string) Decision {
	if c.Client == nil {
		return c.fallback(ctx, key)
	}

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	res, err := cooldownScript.Run(ctx, c.Client, []string{c.Prefix + key}, c.Window.Milliseconds()).Result()
	if err != nil {
		return c.fallback(ctx, key)
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) < 2 {
		return c.fallback(ctx, key)
	}

	opened, _ := vals[0].(int64)
	ttlMs, _ := vals[1].(int64)
	if opened == 1 {
		return Decision{Allowed: true}
	}
	if ttlMs <= 0 {
		ttlMs = c.Window.Milliseconds()
	}
	return Decision{Allowed: false, RetryAfter: time.Duration(ttlMs) * time.Millisecond}
}

func (c *RedisCooldown) fallback(ctx context.Context, key string) Decision {
	if c.Fallback != nil {
		return c.Fallback.Acquire(ctx, key)
	}
	return Decision{Allowed: true}
}
