package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// Hub fans published events out to subscribers. Slow subscribers lose events
// rather than blocking the publisher.
type Hub struct {
	mu      sync.RWMutex
	nextID  uint64
	subs    map[uint64]chan Record
	nowFn   func() time.Time
	dropped atomic.Uint64
}

// NewHub constructs an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[uint64]chan Record), nowFn: time.Now}
}

// Emit publishes evt to every subscriber.
func (h *Hub) Emit(evt Event) {
	if h == nil || evt == nil {
		return
	}
	rec := ToRecord(evt, h.nowFn())
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.subs {
		select {
		case ch <- rec:
		default:
			h.dropped.Add(1)
		}
	}
}

// Subscribe registers a subscriber with the given channel capacity. The
// returned cancel function must be called to release it.
func (h *Hub) Subscribe(capacity int) (<-chan Record, func()) {
	if capacity <= 0 {
		capacity = 64
	}
	ch := make(chan Record, capacity)
	h.mu.Lock()
	h.nextID++
	id := h.nextID
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

// Dropped returns how many deliveries were skipped because a subscriber was full.
func (h *Hub) Dropped() uint64 { return h.dropped.Load() }

// Subscribers returns the number of active subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Fanout emits every event to each of the wrapped emitters.
type Fanout []Emitter

// Emit implements Emitter.
func (f Fanout) Emit(evt Event) {
	for _, e := range f {
		if e != nil {
			e.Emit(evt)
		}
	}
}
