package streaming

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// subscriberBuffer is the per-subscription channel capacity.
const subscriberBuffer = 64

type subscription struct {
	ch     chan StreamEvent
	filter EventFilter
}

// MemoryHub is the in-process EventHub. Delivery never blocks the
// publisher: an event for a subscriber whose buffer is full is dropped and
// counted. Subscription channels are never closed.
type MemoryHub struct {
	mu      sync.RWMutex
	subs    map[uint64]*subscription
	nextID  atomic.Uint64
	dropped atomic.Uint64
}

func NewMemoryHub() *MemoryHub {
	return &MemoryHub{subs: make(map[uint64]*subscription)}
}

// Publish delivers event to every matching subscription, stamping Time
// when unset.
func (h *MemoryHub) Publish(ctx context.Context, event StreamEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if event.Time.IsZero() {
		event.Time = time.Now().UTC()
	}

	h.mu.RLock()
	targets := make([]chan StreamEvent, 0, len(h.subs))
	for _, sub := range h.subs {
		if sub.filter.Match(event) {
			targets = append(targets, sub.ch)
		}
	}
	h.mu.RUnlock()

	for _, ch := range targets {
		select {
		case ch <- event:
		default:
			h.dropped.Add(1)
		}
	}
	return nil
}

// Subscribe registers filter. The subscription ends when cancel is called
// or ctx is done, whichever is first; cancel may be called repeatedly.
func (h *MemoryHub) Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	id := h.nextID.Add(1)
	ch := make(chan StreamEvent, subscriberBuffer)
	h.mu.Lock()
	h.subs[id] = &subscription{ch: ch, filter: filter}
	h.mu.Unlock()

	var once sync.Once
	remove := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
		})
	}
	stopAfter := context.AfterFunc(ctx, remove)
	cancel := func() {
		stopAfter()
		remove()
	}
	return ch, cancel, nil
}

// Subscribers returns the number of live subscriptions.
func (h *MemoryHub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Dropped returns how many deliveries were skipped on full buffers.
func (h *MemoryHub) Dropped() uint64 { return h.dropped.Load() }

// Match reports whether e passes the filter. Empty fields match anything.
func (f EventFilter) Match(e StreamEvent) bool {
	if f.ScriptID != "" && f.ScriptID != e.ScriptID {
		return false
	}
	if f.RunID != "" && f.RunID != e.RunID {
		return false
	}
	return len(f.EventTypes) == 0 || slices.Contains(f.EventTypes, e.EventType)
}

var _ EventHub = (*MemoryHub)(nil)
