package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func TestMemoryCooldownWindow(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	c := NewMemory(10 * time.Second)
	c.now = func() time.Time { return now }
	ctx := context.Background()

	require.True(t, c.Acquire(ctx, "org-1").Allowed)

	now = now.Add(3 * time.Second)
	d := c.Acquire(ctx, "org-1")
	require.False(t, d.Allowed)
	require.Equal(t, 7*time.Second, d.RetryAfter)

	require.True(t, c.Acquire(ctx, "org-2").Allowed, "windows are per key")

	now = now.Add(7 * time.Second)
	require.True(t, c.Acquire(ctx, "org-1").Allowed)
}

func TestMemoryCooldownDefaults(t *testing.T) {
	require.Equal(t, 10*time.Second, NewMemory(0).Window)
	lim := NewRedis(nil, 0)
	require.Equal(t, 10*time.Second, lim.Window)
	require.Equal(t, "cooldown:", lim.Prefix)
	require.NotNil(t, lim.Fallback)
}

func TestRedisCooldownWindow(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	c := NewRedis(client, 10*time.Second)
	ctx := context.Background()

	require.True(t, c.Acquire(ctx, "org-1").Allowed)
	require.True(t, mr.Exists("cooldown:org-1"))

	mr.FastForward(4 * time.Second)
	d := c.Acquire(ctx, "org-1")
	require.False(t, d.Allowed)
	require.Equal(t, 6*time.Second, d.RetryAfter)

	mr.FastForward(6 * time.Second)
	require.True(t, c.Acquire(ctx, "org-1").Allowed)
}

func TestRedisCooldownFallsBackWhenUnavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	mr.Close()

	c := NewRedis(client, time.Minute)
	ctx := context.Background()

	require.True(t, c.Acquire(ctx, "org-1").Allowed)
	d := c.Acquire(ctx, "org-1")
	require.False(t, d.Allowed, "in-memory fallback still enforces the window")
	require.Greater(t, d.RetryAfter, time.Duration(0))
}
