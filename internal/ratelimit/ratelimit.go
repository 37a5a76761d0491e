// Package ratelimit implements a per-tenant token bucket rate limiter.
// Thread-safe. No background goroutines: tokens are refilled lazily on each
// Allow call and idle buckets are dropped by Cleanup.
package ratelimit

import (
	"fmt"
	"sync"
	"time"

	"github.com/jkaninda/toolexec/internal/execution"
)

// ErrRateLimited is returned when a tenant has exhausted its token bucket.
var ErrRateLimited = execution.ErrRateLimited

// Config configures the token bucket rate limiter.
type Config struct {
	RequestsPerMinute int `json:"requests_per_minute" yaml:"requests_per_minute" toml:"requests_per_minute"` // 0 = unlimited.
	BurstSize         int `json:"burst_size" yaml:"burst_size" toml:"burst_size"`                            // 0 = RequestsPerMinute.
	// Overrides sets RequestsPerMinute per tenant; the burst scales with it.
	Overrides map[string]int `json:"overrides,omitempty" yaml:"overrides,omitempty" toml:"overrides"`
}

// Limiter is a per-tenant token bucket rate limiter.
// Each tenant gets an independent bucket; one tenant cannot exhaust another's quota.
type Limiter struct {
	mu        sync.Mutex
	buckets   map[string]*bucket
	rate      float64 // tokens per second
	burst     float64 // max bucket capacity
	overrides map[string]int
	now       func() time.Time
}

type bucket struct {
	tokens   float64
	rate     float64
	burst    float64
	lastFill time.Time
}

// NewLimiter creates a rate limiter with the given configuration.
func NewLimiter(cfg Config) *Limiter {
	return &Limiter{
		buckets:   make(map[string]*bucket),
		rate:      float64(cfg.RequestsPerMinute) / 60.0,
		burst:     burstFor(cfg.RequestsPerMinute, cfg.BurstSize),
		overrides: cfg.Overrides,
		now:       time.Now,
	}
}

func burstFor(rpm, burst int) float64 {
	if burst <= 0 {
		burst = rpm
	}
	if burst <= 0 {
		burst = 1
	}
	return float64(burst)
}

// Allow consumes one token from key's bucket. It returns an error wrapping
// ErrRateLimited when the bucket is empty.
func (l *Limiter) Allow(key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.buckets[key]
	if !ok {
		b = l.newBucket(key, now)
		if b.rate <= 0 {
			return nil
		}
		l.buckets[key] = b
	}

	b.refill(now)
	if b.tokens < 1 {
		wait := time.Duration((1 - b.tokens) / b.rate * float64(time.Second))
		return fmt.Errorf("%w: retry in %s", ErrRateLimited, wait.Round(time.Millisecond))
	}
	b.tokens--
	return nil
}

// Cleanup drops buckets that have refilled completely, which is the state a
// new bucket starts in. It returns the number dropped.
func (l *Limiter) Cleanup() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	n := 0
	for key, b := range l.buckets {
		b.refill(now)
		if b.tokens >= b.burst {
			delete(l.buckets, key)
			n++
		}
	}
	return n
}

// Len returns the number of tracked buckets.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

func (l *Limiter) newBucket(key string, now time.Time) *bucket {
	b := &bucket{rate: l.rate, burst: l.burst, lastFill: now}
	if rpm, ok := l.overrides[key]; ok {
		b.rate = float64(rpm) / 60.0
		b.burst = burstFor(rpm, 0)
	}
	b.tokens = b.burst
	return b
}

func (b *bucket) refill(now time.Time) {
	elapsed := now.Sub(b.lastFill).Seconds()
	b.tokens += elapsed * b.rate
	if b.tokens > b.burst {
		b.tokens = b.burst
	}
	b.lastFill = now
}
