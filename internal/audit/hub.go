package audit

import (
	"context"
	"sync"
)

// Hub fans appended entries out to live subscribers. Slow subscribers drop
// entries rather than block the invocation path.
type Hub struct {
	mu     sync.Mutex
	subs   map[int]chan Entry
	nextID int
}

// NewHub creates a hub with no subscribers.
func NewHub() *Hub {
	return &Hub{subs: make(map[int]chan Entry)}
}

// Subscribe registers a subscriber. The returned cancel func unregisters it
// and closes the channel.
func (h *Hub) Subscribe(buffer int) (<-chan Entry, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Entry, buffer)
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.subs[id] = ch
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(ch)
		})
	}
}

// Publish delivers e to every subscriber with room in its buffer.
func (h *Hub) Publish(e Entry) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Subscribers returns the number of active subscribers.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Publishing wraps a store so every successful append is also published.
func Publishing(s Store, h *Hub) Store {
	if h == nil {
		return s
	}
	return &publishingStore{Store: s, hub: h}
}

type publishingStore struct {
	Store
	hub *Hub
}

func (p *publishingStore) Append(ctx context.Context, e *Entry) error {
	if err := p.Store.Append(ctx, e); err != nil {
		return err
	}
	p.hub.Publish(*e)
	return nil
}
