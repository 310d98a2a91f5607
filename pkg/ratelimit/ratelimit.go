// Package ratelimit implements an in-memory token bucket keyed by string.
package ratelimit

import (
	"sync"
	"time"
)

type bucket struct {
	tokens    float64
	lastCheck time.Time
}

// Limiter grants each key up to burst tokens, refilled continuously at
// burst per window. Idle keys are pruned lazily on access.
type Limiter struct {
	mu        sync.Mutex
	buckets   map[string]*bucket
	burst     int
	window    time.Duration
	now       func() time.Time
	lastPrune time.Time
}

func New(burst int, window time.Duration) *Limiter {
	if burst < 1 {
		burst = 1
	}
	return &Limiter{
		buckets: make(map[string]*bucket),
		burst:   burst,
		window:  window,
		now:     time.Now,
	}
}

// Allow consumes one token for key and reports whether one was available.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.prune(now)

	b, ok := l.buckets[key]
	if !ok {
		l.buckets[key] = &bucket{tokens: float64(l.burst - 1), lastCheck: now}
		return true
	}

	refill := float64(now.Sub(b.lastCheck)) * float64(l.burst) / float64(l.window)
	b.tokens = min(float64(l.burst), b.tokens+refill)
	b.lastCheck = now
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// RetryAfter reports how long until key regains a token.
func (l *Limiter) RetryAfter(key string) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[key]
	if !ok || b.tokens >= 1 {
		return 0
	}
	wait := time.Duration((1 - b.tokens) * float64(l.window) / float64(l.burst))
	return max(0, wait-l.now().Sub(b.lastCheck))
}

// prune drops buckets idle for two windows, at most once per window.
func (l *Limiter) prune(now time.Time) {
	if now.Sub(l.lastPrune) < l.window {
		return
	}
	l.lastPrune = now
	cutoff := now.Add(-2 * l.window)
	for key, b := range l.buckets {
		if b.lastCheck.Before(cutoff) {
			delete(l.buckets, key)
		}
	}
}
