// Package cache memoizes model responses keyed by role and prompt.
package cache

import (
	"context"
	"encoding/json"
	"time"
)

// DefaultTTL is used when Set is called with a non-positive ttl.
const DefaultTTL = 24 * time.Hour

// Entry is one cached response.
type Entry struct {
	Key       string          `json:"key"`
	Role      string          `json:"role,omitempty"`
	Value     json.RawMessage `json:"value"`
	ExpiresAt time.Time       `json:"expiresAt"`
	HitCount  int64           `json:"hitCount"`
	CreatedAt time.Time       `json:"createdAt"`
}

// Expired reports whether e is past its expiry at now.
func (e *Entry) Expired(now time.Time) bool { return !now.Before(e.ExpiresAt) }

// Stats summarizes cache contents.
type Stats struct {
	TotalEntries   int64 `json:"totalEntries"`
	ExpiredEntries int64 `json:"expiredEntries"`
	TotalHits      int64 `json:"totalHits"`
}

// Store is a response cache backend. Writes are last-writer-wins.
type Store interface {
	// Get returns the entry for key and increments its hit count. Expired
	// entries are deleted and reported as a miss.
	Get(ctx context.Context, key string) (*Entry, bool, error)
	// Set upserts an entry and opportunistically removes expired ones.
	Set(ctx context.Context, key, role string, value json.RawMessage, ttl time.Duration) error
	// Invalidate removes entries whose key contains pattern.
	Invalidate(ctx context.Context, pattern string) (int64, error)
	// InvalidateByRole removes entries cached for role.
	InvalidateByRole(ctx context.Context, role string) (int64, error)
	Stats(ctx context.Context) (Stats, error)
	// Sweep removes expired entries.
	Sweep(ctx context.Context) (int64, error)
}
