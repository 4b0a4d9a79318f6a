// Package ratelimit implements token-bucket rate limiting for write
// operations (bid placement, buy-now, biome trades, message sends). Each
// caller gets an independent bucket that refills continuously rather than
// in fixed windows, so bursty-but-honest clients are not punished for
// clustering their requests.
package ratelimit

import (
	"sync"
	"time"
)

// TokenBucket is a single caller's budget, refilled continuously.
type TokenBucket struct {
	mu       sync.Mutex
	tokens   float64
	capacity float64
	rate     float64 // tokens per second
	lastTime time.Time
}

// NewTokenBucket creates a bucket with the given burst capacity and refill
// rate.
func NewTokenBucket(capacity, ratePerSecond float64) *TokenBucket {
	return &TokenBucket{
		tokens:   capacity,
		capacity: capacity,
		rate:     ratePerSecond,
		lastTime: time.Now(),
	}
}

// Allow consumes one token if available, reporting false (without
// blocking) when the caller is over budget. RetryAfter is the wait a
// denied caller should be hinted with.
func (tb *TokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.refillLocked(time.Now())
	if tb.tokens >= 1 {
		tb.tokens--
		return true
	}
	return false
}

// RetryAfter estimates how long until the next token is available.
func (tb *TokenBucket) RetryAfter() time.Duration {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.refillLocked(time.Now())
	if tb.tokens >= 1 {
		return 0
	}
	return time.Duration((1 - tb.tokens) / tb.rate * float64(time.Second))
}

func (tb *TokenBucket) refillLocked(now time.Time) {
	elapsed := now.Sub(tb.lastTime).Seconds()
	tb.tokens += elapsed * tb.rate
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
	tb.lastTime = now
}

// PerCaller maintains one bucket per caller id, created lazily.
type PerCaller struct {
	capacity float64
	rate     float64

	mu      sync.Mutex
	buckets map[string]*TokenBucket
}

// NewPerCaller builds a keyed limiter where every caller gets a bucket of
// the given capacity and refill rate.
func NewPerCaller(capacity float64, ratePerSecond float64) *PerCaller {
	return &PerCaller{
		capacity: capacity,
		rate:     ratePerSecond,
		buckets:  make(map[string]*TokenBucket),
	}
}

// Allow consumes one token from callerID's bucket.
func (p *PerCaller) Allow(callerID string) bool {
	return p.bucket(callerID).Allow()
}

// RetryAfter reports the wait hint for a denied caller.
func (p *PerCaller) RetryAfter(callerID string) time.Duration {
	return p.bucket(callerID).RetryAfter()
}

func (p *PerCaller) bucket(callerID string) *TokenBucket {
	p.mu.Lock()
	defer p.mu.Unlock()
	b, ok := p.buckets[callerID]
	if !ok {
		b = NewTokenBucket(p.capacity, p.rate)
		p.buckets[callerID] = b
	}
	return b
}
