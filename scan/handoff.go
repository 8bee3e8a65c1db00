package scan

import (
	"context"
	"sync"
	"sync/atomic"
)

// Handoff is the single-slot queue between the registry and the writer. It
// holds at most one ready scan; further completed scans wait in the registry
// and are moved into the slot, in completion order, each time the writer
// takes the current one. The writer sleeps on a signal instead of polling.
type Handoff struct {
	mu     sync.Mutex
	slot   *Scan
	refill func()

	signal   chan struct{}
	enqueued atomic.Uint64
	popped   atomic.Uint64
}

// NewHandoff returns an empty handoff.
func NewHandoff() *Handoff {
	return &Handoff{signal: make(chan struct{}, 1)}
}

// setRefill installs the callback run after the slot is emptied. It is called
// without the handoff lock held.
func (h *Handoff) setRefill(fn func()) {
	h.mu.Lock()
	h.refill = fn
	h.mu.Unlock()
}

// offer places s in the slot. It reports false, leaving the slot untouched,
// when a scan is already waiting for the writer.
func (h *Handoff) offer(s *Scan) bool {
	h.mu.Lock()
	if h.slot != nil {
		h.mu.Unlock()
		return false
	}
	h.slot = s
	h.mu.Unlock()
	h.enqueued.Add(1)
	select {
	case h.signal <- struct{}{}:
	default:
	}
	return true
}

// TryPop takes the ready scan without blocking.
func (h *Handoff) TryPop() (*Scan, bool) {
	h.mu.Lock()
	s := h.slot
	h.slot = nil
	refill := h.refill
	h.mu.Unlock()
	if s == nil {
		return nil, false
	}
	h.popped.Add(1)
	if refill != nil {
		refill()
	}
	return s, true
}

// Pop blocks until a scan is ready or ctx is done.
func (h *Handoff) Pop(ctx context.Context) (*Scan, error) {
	for {
		if s, ok := h.TryPop(); ok {
			return s, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-h.signal:
		}
	}
}

// Len returns 1 while a scan occupies the slot, otherwise 0.
func (h *Handoff) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.slot != nil {
		return 1
	}
	return 0
}

// Enqueued returns how many scans have ever been placed in the slot.
func (h *Handoff) Enqueued() uint64 {
	return h.enqueued.Load()
}

// Popped returns how many scans the writer has taken.
func (h *Handoff) Popped() uint64 {
	return h.popped.Load()
}
