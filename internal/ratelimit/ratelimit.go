// Package ratelimit provides the counters behind per-tool rate-limit policy
// (fixed windows, in memory or in Redis) and the per-caller token bucket used
// by the HTTP gateway.
package ratelimit

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"
)

// ErrRateLimited is returned when a caller has exhausted their token bucket.
var ErrRateLimited = errors.New("rate limit exceeded")

// Decision is the outcome of one counted hit.
type Decision struct {
	Allowed   bool
	Count     int
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// Counter counts hits on a key inside a fixed window.
type Counter interface {
	Hit(ctx context.Context, key string, limit int, window time.Duration) Decision
}

func decide(count, limit int, resetAt time.Time) Decision {
	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   count <= limit,
		Count:     count,
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   resetAt,
	}
}

// --- Token bucket ---

// BucketConfig configures the token bucket rate limiter.
type BucketConfig struct {
	RequestsPerMinute int // Tokens added per minute. 0 = unlimited (Allow always succeeds).
	BurstSize         int // Maximum tokens in bucket. 0 = defaults to RequestsPerMinute.
}

// Bucket is a per-caller token bucket rate limiter. Each caller gets an
// independent bucket; tokens are refilled lazily on each Allow call.
type Bucket struct {
	mu      sync.Mutex
	callers map[string]*bucket
	rate    float64 // tokens per second
	burst   float64
	now     func() time.Time
}

type bucket struct {
	tokens   float64
	lastFill time.Time
}

// NewBucket creates a token bucket limiter.
func NewBucket(cfg BucketConfig) *Bucket {
	burst := cfg.BurstSize
	if burst <= 0 {
		burst = cfg.RequestsPerMinute
	}
	if burst <= 0 {
		burst = 1
	}
	return &Bucket{
		callers: make(map[string]*bucket),
		rate:    float64(cfg.RequestsPerMinute) / 60.0,
		burst:   float64(burst),
		now:     time.Now,
	}
}

// Allow consumes one token for caller. On exhaustion it returns
// ErrRateLimited and the wait until the next token.
func (l *Bucket) Allow(caller string) (time.Duration, error) {
	if l == nil || l.rate <= 0 {
		return 0, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.callers[caller]
	if !ok {
		b = &bucket{tokens: l.burst, lastFill: now}
		l.callers[caller] = b
	}

	b.tokens = math.Min(l.burst, b.tokens+now.Sub(b.lastFill).Seconds()*l.rate)
	b.lastFill = now

	if b.tokens < 1 {
		wait := time.Duration((1 - b.tokens) / l.rate * float64(time.Second))
		return wait, ErrRateLimited
	}
	b.tokens--
	return 0, nil
}

// Sweep drops buckets idle for longer than idle. Returns how many were removed.
func (l *Bucket) Sweep(idle time.Duration) int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := l.now().Add(-idle)
	removed := 0
	for k, b := range l.callers {
		if b.lastFill.Before(cutoff) {
			delete(l.callers, k)
			removed++
		}
	}
	return removed
}
