package cache

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"
)

const (
	defaultMaxEntries = 10000
	sweepEvery        = 100
)

// Memory is an in-process Store bounded to a maximum number of entries.
// When full, the entry closest to expiry is evicted.
type Memory struct {
	mu         sync.Mutex
	entries    map[string]*Entry
	maxEntries int
	sets       int
	now        func() time.Time
}

// NewMemory creates a memory cache. maxEntries <= 0 uses 10000.
func NewMemory(maxEntries int) *Memory {
	if maxEntries <= 0 {
		maxEntries = defaultMaxEntries
	}
	return &Memory{
		entries:    make(map[string]*Entry),
		maxEntries: maxEntries,
		now:        time.Now,
	}
}

func (m *Memory) Get(_ context.Context, key string) (*Entry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		return nil, false, nil
	}
	if e.Expired(m.now()) {
		delete(m.entries, key)
		return nil, false, nil
	}
	e.HitCount++
	cp := *e
	return &cp, true, nil
}

func (m *Memory) Set(_ context.Context, key, role string, value json.RawMessage, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.sets++
	if m.sets%sweepEvery == 0 {
		m.sweepLocked(now)
	}

	if e, ok := m.entries[key]; ok {
		e.Role = role
		e.Value = value
		e.ExpiresAt = now.Add(ttl)
		return nil
	}
	if len(m.entries) >= m.maxEntries {
		if m.sweepLocked(now) == 0 {
			m.evictLocked()
		}
	}
	m.entries[key] = &Entry{
		Key:       key,
		Role:      role,
		Value:     value,
		ExpiresAt: now.Add(ttl),
		CreatedAt: now,
	}
	return nil
}

func (m *Memory) Invalidate(_ context.Context, pattern string) (int64, error) {
	return m.deleteWhere(func(e *Entry) bool { return strings.Contains(e.Key, pattern) }), nil
}

func (m *Memory) InvalidateByRole(_ context.Context, role string) (int64, error) {
	return m.deleteWhere(func(e *Entry) bool { return e.Role == role }), nil
}

func (m *Memory) Stats(_ context.Context) (Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	s := Stats{TotalEntries: int64(len(m.entries))}
	for _, e := range m.entries {
		if e.Expired(now) {
			s.ExpiredEntries++
		}
		s.TotalHits += e.HitCount
	}
	return s, nil
}

func (m *Memory) Sweep(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(m.sweepLocked(m.now())), nil
}

func (m *Memory) deleteWhere(match func(*Entry) bool) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for k, e := range m.entries {
		if match(e) {
			delete(m.entries, k)
			n++
		}
	}
	return n
}

func (m *Memory) sweepLocked(now time.Time) int {
	n := 0
	for k, e := range m.entries {
		if e.Expired(now) {
			delete(m.entries, k)
			n++
		}
	}
	return n
}

func (m *Memory) evictLocked() {
	var (
		victim  string
		soonest time.Time
	)
	for k, e := range m.entries {
		if victim == "" || e.ExpiresAt.Before(soonest) {
			victim, soonest = k, e.ExpiresAt
		}
	}
	delete(m.entries, victim)
}

var _ Store = (*Memory)(nil)
