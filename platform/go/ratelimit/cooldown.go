// Package ratelimit holds per-key cooldown windows. The Redis implementation shares windows
// across API replicas and degrades to the in-memory one when Redis is unreachable.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Decision is the outcome of one Acquire call. RetryAfter is set when Allowed is false.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

// Cooldown opens a window per key; a second Acquire inside the window is denied.
type Cooldown interface {
	Acquire(ctx context.Context, key string) Decision
}

const pruneThreshold = 1024

// MemoryCooldown tracks windows in process.
type MemoryCooldown struct {
	Window time.Duration

	mu    sync.Mutex
	until map[string]time.Time
	now   func() time.Time
}

func NewMemory(window time.Duration) *MemoryCooldown {
	if window <= 0 {
		window = 10 * time.Second
	}
	return &MemoryCooldown{Window: window, until: map[string]time.Time{}, now: time.Now}
}

func (c *MemoryCooldown) Acquire(_ context.Context, key string) Decision {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if until, ok := c.until[key]; ok && until.After(now) {
		return Decision{Allowed: false, RetryAfter: until.Sub(now)}
	}

	if len(c.until) >= pruneThreshold {
		for k, until := range c.until {
			if !until.After(now) {
				delete(c.until, k)
			}
		}
	}
	c.until[key] = now.Add(c.Window)
	return Decision{Allowed: true}
}
