package policy

import (
	"sync"
	"time"
)

// RateLimiter is a token bucket per key (a client address). A nil
// *RateLimiter allows everything.
type RateLimiter struct {
	perSecond float64
	burst     float64

	mu      sync.Mutex
	buckets map[string]*tokenBucket
}

type tokenBucket struct {
	tokens     float64
	lastRefill time.Time
}

// NewRateLimiter allows perSecond calls per key on average and up to burst
// at once. burst below 1 becomes 1.
func NewRateLimiter(perSecond float64, burst int) *RateLimiter {
	return &RateLimiter{
		perSecond: perSecond,
		burst:     float64(max(burst, 1)),
		buckets:   make(map[string]*tokenBucket),
	}
}

// refill tops up b for the time since its last refill; caller holds l.mu
func (l *RateLimiter) refill(b *tokenBucket, now time.Time) {
	if elapsed := now.Sub(b.lastRefill); elapsed > 0 {
		b.tokens = min(l.burst, b.tokens+elapsed.Seconds()*l.perSecond)
		b.lastRefill = now
	}
}

// Allow takes one token from key's bucket if one is available at now
func (l *RateLimiter) Allow(key string, now time.Time) bool {
	if l == nil {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok {
		b = &tokenBucket{tokens: l.burst, lastRefill: now}
		l.buckets[key] = b
	}
	l.refill(b, now)
	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

// Remaining returns the whole tokens left for key at now
func (l *RateLimiter) Remaining(key string, now time.Time) int {
	if l == nil {
		return -1
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok {
		return int(l.burst)
	}
	l.refill(b, now)
	return int(b.tokens)
}
