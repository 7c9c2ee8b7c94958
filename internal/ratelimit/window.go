package ratelimit

import (
	"context"
	"sync"
	"time"
)

// sweepThreshold bounds how many keys accumulate before expired windows are
// dropped inline.
const sweepThreshold = 10000

// Window is an in-memory fixed-window counter. A key's window starts on its
// first hit and restarts once the previous one has expired.
type Window struct {
	mu    sync.Mutex
	items map[string]windowEntry
	now   func() time.Time
}

type windowEntry struct {
	count   int
	resetAt time.Time
}

// NewWindow creates an empty in-memory counter.
func NewWindow() *Window {
	return &Window{
		items: make(map[string]windowEntry),
		now:   time.Now,
	}
}

// Hit counts one call on key. The call is counted even when denied.
func (w *Window) Hit(_ context.Context, key string, limit int, window time.Duration) Decision {
	if window <= 0 {
		window = time.Minute
	}
	now := w.now()

	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.items) > sweepThreshold {
		w.sweepLocked(now)
	}
	curr, ok := w.items[key]
	if !ok || now.After(curr.resetAt) {
		curr = windowEntry{resetAt: now.Add(window)}
	}
	curr.count++
	w.items[key] = curr
	return decide(curr.count, limit, curr.resetAt)
}

// Sweep drops expired windows and returns how many were removed.
func (w *Window) Sweep() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.sweepLocked(w.now())
}

func (w *Window) sweepLocked(now time.Time) int {
	removed := 0
	for k, v := range w.items {
		if now.After(v.resetAt) {
			delete(w.items, k)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked keys.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.items)
}

var _ Counter = (*Window)(nil)
