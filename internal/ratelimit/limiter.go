// Package ratelimit provides per-profile request throttling ahead of
// provider transport calls.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Bucket implements token bucket rate limiting.
type Bucket struct {
	mu         sync.Mutex
	tokens     float64
	maxTokens  float64
	refillRate float64 // tokens per second
	lastRefill time.Time
}

// NewBucket creates a bucket allowing rpm requests per minute. A burst of
// rpm/6 (at least 1) absorbs short spikes.
func NewBucket(rpm int) *Bucket {
	burst := rpm / 6
	if burst < 1 {
		burst = 1
	}
	return &Bucket{
		tokens:     float64(burst),
		maxTokens:  float64(burst),
		refillRate: float64(rpm) / 60.0,
		lastRefill: time.Now(),
	}
}

// Allow consumes a token if one is available.
func (b *Bucket) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill()
	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

// WaitTime returns how long until a request would be allowed.
func (b *Bucket) WaitTime() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill()
	if b.tokens >= 1 {
		return 0
	}
	seconds := (1 - b.tokens) / b.refillRate
	return time.Duration(seconds * float64(time.Second))
}

// refill adds tokens based on elapsed time. Caller holds the lock.
func (b *Bucket) refill() {
	now := time.Now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	b.lastRefill = now

	b.tokens += elapsed * b.refillRate
	if b.tokens > b.maxTokens {
		b.tokens = b.maxTokens
	}
}

// Limiter holds one bucket per model profile. Profiles without a configured
// rpm are unlimited.
type Limiter struct {
	mu      sync.RWMutex
	buckets map[string]*Bucket
}

// NewLimiter creates an empty limiter.
func NewLimiter() *Limiter {
	return &Limiter{buckets: make(map[string]*Bucket)}
}

// Register installs a bucket for profile. rpm <= 0 leaves it unlimited.
func (l *Limiter) Register(profile string, rpm int) {
	if rpm <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buckets[profile] = NewBucket(rpm)
}

// Allow reports whether a request for profile may proceed now.
func (l *Limiter) Allow(profile string) bool {
	l.mu.RLock()
	bucket, ok := l.buckets[profile]
	l.mu.RUnlock()

	if !ok {
		return true
	}
	return bucket.Allow()
}

// Wait blocks until a request for profile is allowed or ctx ends.
func (l *Limiter) Wait(ctx context.Context, profile string) error {
	l.mu.RLock()
	bucket, ok := l.buckets[profile]
	l.mu.RUnlock()

	if !ok {
		return nil
	}

	for {
		if bucket.Allow() {
			return nil
		}
		wait := bucket.WaitTime()
		if wait <= 0 {
			wait = 10 * time.Millisecond
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}
