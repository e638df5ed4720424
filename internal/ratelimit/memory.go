package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/dkeye/WatchRoom/internal/core"
)

type bucket struct {
	tokens float64
	lastMs int64
	expire time.Time
}

// MemoryLimiter is a single-process limiter for development and tests.
type MemoryLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	now     func() time.Time
}

func NewMemoryLimiter(now func() time.Time) *MemoryLimiter {
	if now == nil {
		now = time.Now
	}
	return &MemoryLimiter{buckets: make(map[string]*bucket), now: now}
}

func (l *MemoryLimiter) TryConsume(_ context.Context, key string, capacity, refillPerSec float64) (core.Decision, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.buckets[key]
	if ok && now.After(b.expire) {
		ok = false
	}
	if !ok {
		b = &bucket{}
		l.buckets[key] = b
	}
	tokens, allowed, retry := step(b.tokens, b.lastMs, ok, now.UnixMilli(), capacity, refillPerSec)
	b.tokens = tokens
	b.lastMs = now.UnixMilli()
	b.expire = now.Add(bucketTTL(capacity, refillPerSec))
	return core.Decision{Allowed: allowed, RetryAfter: retry}, nil
}
