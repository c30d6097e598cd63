package streaming

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/rendis/spiral/pkg/schema"
)

const defaultChannelBuffer = 64

type subscriber struct {
	ch     chan schema.RunEvent
	filter EventFilter
}

// MemoryHub is an in-process EventHub.
type MemoryHub struct {
	mu      sync.RWMutex
	subs    map[uint64]*subscriber
	seq     atomic.Uint64
	dropped atomic.Int64
	buffer  int
}

// NewMemoryHub creates a hub whose subscriber channels hold buffer events.
// A non-positive buffer uses the default of 64.
func NewMemoryHub(buffer int) *MemoryHub {
	if buffer <= 0 {
		buffer = defaultChannelBuffer
	}
	return &MemoryHub{
		subs:   make(map[uint64]*subscriber),
		buffer: buffer,
	}
}

// Publish sends an event to every matching subscriber.
// Non-blocking: a subscriber whose channel is full misses the event.
func (h *MemoryHub) Publish(ctx context.Context, event schema.RunEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subs {
		if !matchFilter(sub.filter, event) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			h.dropped.Add(1)
		}
	}
	return nil
}

// Observe publishes an engine event. It has the engine observer signature.
func (h *MemoryHub) Observe(event schema.RunEvent) {
	_ = h.Publish(context.Background(), event)
}

// Subscribe registers a filtered subscription. The returned cancel function
// removes it and closes the channel; it is safe to call more than once.
func (h *MemoryHub) Subscribe(ctx context.Context, filter EventFilter) (<-chan schema.RunEvent, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	id := h.seq.Add(1)
	ch := make(chan schema.RunEvent, h.buffer)

	h.mu.Lock()
	h.subs[id] = &subscriber{ch: ch, filter: filter}
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel, nil
}

// Subscribers returns the number of active subscriptions.
func (h *MemoryHub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Dropped returns how many events were not delivered to slow subscribers.
func (h *MemoryHub) Dropped() int64 { return h.dropped.Load() }

func matchFilter(f EventFilter, e schema.RunEvent) bool {
	if f.WorkflowID != "" && f.WorkflowID != e.WorkflowID {
		return false
	}
	if f.RunID != "" && f.RunID != e.RunID {
		return false
	}
	if len(f.EventTypes) > 0 && !slices.Contains(f.EventTypes, e.Type) {
		return false
	}
	return true
}

var _ EventHub = (*MemoryHub)(nil)
