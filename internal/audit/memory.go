package audit

import (
	"context"
	"sync"
)

// MemoryStore keeps entries in process memory. Used in tests and when
// audit.driver is "memory".
type MemoryStore struct {
	mu      sync.RWMutex
	entries []Entry
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Append(_ context.Context, e *Entry) error {
	Prepare(e)
	m.mu.Lock()
	m.entries = append(m.entries, *e)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) List(_ context.Context, f Filter) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var matched []Entry
	for i := len(m.entries) - 1; i >= 0; i-- {
		if f.Match(&m.entries[i]) {
			matched = append(matched, m.entries[i])
		}
	}
	return paginate(matched, f), nil
}

// Len returns the number of stored entries.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

var _ Store = (*MemoryStore)(nil)
