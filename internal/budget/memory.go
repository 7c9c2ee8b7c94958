package budget

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps budgets in process memory (resets on restart). Thread-safe.
type MemoryStore struct {
	mu   sync.Mutex
	rows map[Key]*Budget
	now  func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rows: make(map[Key]*Budget),
		now:  time.Now,
	}
}

func (s *MemoryStore) Reserve(_ context.Context, key Key, limit, tokens int) (Budget, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.getOrCreate(key, limit)
	if b.Remaining() < tokens {
		return *b, false, nil
	}
	b.Reserved += tokens
	b.UpdatedAt = s.now()
	return *b, true, nil
}

func (s *MemoryStore) Settle(_ context.Context, key Key, limit, released, consumed int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.getOrCreate(key, limit)
	b.Reserved = max(0, b.Reserved-released)
	b.Consumed += consumed
	b.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, key Key, limit int) (Budget, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.getOrCreate(key, limit), nil
}

func (s *MemoryStore) Prune(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for k := range s.rows {
		if !k.PeriodStart.IsZero() && k.PeriodStart.Before(before) {
			delete(s.rows, k)
			n++
		}
	}
	return n, nil
}

// Len returns the number of budget rows.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows)
}

func (s *MemoryStore) getOrCreate(key Key, limit int) *Budget {
	// Normalize so equal instants map to the same row.
	key.PeriodStart = key.PeriodStart.UTC()
	b, ok := s.rows[key]
	if !ok {
		b = &Budget{
			Scope:       key.Scope,
			Key:         key.ID,
			Limit:       limit,
			PeriodStart: key.PeriodStart,
			UpdatedAt:   s.now(),
		}
		s.rows[key] = b
	}
	return b
}

var _ Store = (*MemoryStore)(nil)
