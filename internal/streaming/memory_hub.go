package streaming

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rendis/deriva/pkg/schema"
)

const defaultChannelBuffer = 256

// subscriber holds a channel and compiled filter for a single subscriber.
type subscriber struct {
	ch     chan schema.StateChange
	ids    map[string]struct{}
	prefix string
	once   sync.Once
}

func (s *subscriber) matches(id string) bool {
	if len(s.ids) == 0 && s.prefix == "" {
		return true
	}
	if _, ok := s.ids[id]; ok {
		return true
	}
	return s.prefix != "" && strings.HasPrefix(id, s.prefix)
}

// MemoryHub is an in-memory Hub implementation using channels.
type MemoryHub struct {
	mu      sync.RWMutex
	subs    map[uint64]*subscriber
	seq     atomic.Uint64
	dropped atomic.Uint64
}

// NewMemoryHub creates a new MemoryHub.
func NewMemoryHub() *MemoryHub {
	return &MemoryHub{
		subs: make(map[uint64]*subscriber),
	}
}

// Publish sends a change to all matching subscribers.
// Non-blocking: if a subscriber's channel is full the change is dropped.
func (h *MemoryHub) Publish(ctx context.Context, change schema.StateChange) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subs {
		if !sub.matches(change.ID) {
			continue
		}
		select {
		case sub.ch <- change:
		default:
			// backpressure: drop change for slow subscriber
			h.dropped.Add(1)
		}
	}
	return nil
}

// Subscribe creates a new subscription. The channel is closed by the returned
// cancel function, which is safe to call more than once.
func (h *MemoryHub) Subscribe(ctx context.Context, filter ChangeFilter) (<-chan schema.StateChange, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	sub := &subscriber{
		ch:     make(chan schema.StateChange, defaultChannelBuffer),
		prefix: filter.Prefix,
	}
	if len(filter.IDs) > 0 {
		sub.ids = make(map[string]struct{}, len(filter.IDs))
		for _, id := range filter.IDs {
			sub.ids[id] = struct{}{}
		}
	}

	id := h.seq.Add(1)
	h.mu.Lock()
	h.subs[id] = sub
	h.mu.Unlock()

	cancel := func() {
		sub.once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(sub.ch)
		})
	}

	return sub.ch, cancel, nil
}

// Subscribers returns the number of active subscriptions.
func (h *MemoryHub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Dropped returns how many changes were dropped for slow subscribers.
func (h *MemoryHub) Dropped() uint64 {
	return h.dropped.Load()
}

var _ Hub = (*MemoryHub)(nil)
