package costs

import (
	"context"
	"sync"
)

// MemoryStore keeps records in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	records []Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Append(_ context.Context, r *Record) error {
	m.mu.Lock()
	m.records = append(m.records, *r)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Query(_ context.Context, f Filter) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Record
	for i := range m.records {
		if f.Match(&m.records[i]) {
			out = append(out, m.records[i])
		}
	}
	return out, nil
}

var _ Store = (*MemoryStore)(nil)
