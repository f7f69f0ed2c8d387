package streaming

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/rendis/flowcore/pkg/schema"
)

const defaultChannelBuffer = 64

type subscriber struct {
	ch     chan schema.ExecutionEvent
	filter EventFilter
}

// MemoryHub is an in-memory EventHub. It is also a Sink, so an Emitter can
// feed it directly.
type MemoryHub struct {
	mu   sync.RWMutex
	subs map[uint64]*subscriber
	seq  atomic.Uint64
}

func NewMemoryHub() *MemoryHub {
	return &MemoryHub{subs: make(map[uint64]*subscriber)}
}

// Publish sends an event to all matching subscribers. Non-blocking: a
// subscriber whose channel is full misses the event.
func (h *MemoryHub) Publish(ctx context.Context, event schema.ExecutionEvent) error {
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
		}
	}
	return nil
}

func (h *MemoryHub) Deliver(ctx context.Context, event schema.ExecutionEvent) error {
	return h.Publish(ctx, event)
}

// Subscribe registers a filtered subscription. The returned cancel function
// removes it and closes the channel.
func (h *MemoryHub) Subscribe(ctx context.Context, filter EventFilter) (<-chan schema.ExecutionEvent, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	id := h.seq.Add(1)
	ch := make(chan schema.ExecutionEvent, defaultChannelBuffer)

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

func matchFilter(f EventFilter, e schema.ExecutionEvent) bool {
	if f.ExecutionID != "" && f.ExecutionID != e.ExecutionID {
		return false
	}
	return len(f.Kinds) == 0 || slices.Contains(f.Kinds, e.Kind)
}

var (
	_ EventHub = (*MemoryHub)(nil)
	_ Sink     = (*MemoryHub)(nil)
)
