package eventbus

import (
	"context"
	"sync"
)

// History keeps the most recent events of a bus in a ring.
type History struct {
	mu    sync.Mutex
	items []Event
	next  int
	full  bool
}

func NewHistory(size int) *History {
	if size <= 0 {
		size = 200
	}
	return &History{items: make([]Event, size)}
}

// Run records events from bus until ctx ends.
func (h *History) Run(ctx context.Context, bus Bus) error {
	ch, unsub := bus.Subscribe(256)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			h.Add(e)
		}
	}
}

func (h *History) Add(e Event) {
	h.mu.Lock()
	h.items[h.next] = e
	h.next = (h.next + 1) % len(h.items)
	if h.next == 0 {
		h.full = true
	}
	h.mu.Unlock()
}

// Items returns recorded events, newest first. A non-empty jobID filters.
func (h *History) Items(jobID string, limit int) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := h.next
	if h.full {
		n = len(h.items)
	}
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]Event, 0, limit)
	for i := 0; i < n && len(out) < limit; i++ {
		idx := (h.next - 1 - i + len(h.items)) % len(h.items)
		e := h.items[idx]
		if jobID != "" && e.JobID != jobID {
			continue
		}
		out = append(out, e)
	}
	return out
}
