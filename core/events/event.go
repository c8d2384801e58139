package events

import (
	"sync"
	"time"
)

// Event represents a structured state change emitted by the escrow engine.
type Event interface {
	EventType() string
}

// Attributed is implemented by events that expose flat string attributes.
type Attributed interface {
	Event
	Attributes() map[string]string
}

// Emitter broadcasts events to downstream subscribers (e.g. websocket clients, journals).
type Emitter interface {
	Emit(Event)
}

// NoopEmitter is a helper that satisfies the Emitter interface while discarding
// all events. It is useful when a component wants to optionally expose events.
type NoopEmitter struct{}

// Emit implements the Emitter interface.
func (NoopEmitter) Emit(Event) {}

// Buffer holds events until the surrounding operation decides to publish or
// drop them.
type Buffer struct {
	mu     sync.Mutex
	events []Event
}

// Emit appends evt to the buffer.
func (b *Buffer) Emit(evt Event) {
	if evt == nil {
		return
	}
	b.mu.Lock()
	b.events = append(b.events, evt)
	b.mu.Unlock()
}

// Drain returns the buffered events and empties the buffer.
func (b *Buffer) Drain() []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.events
	b.events = nil
	return out
}

// Record is the serialisable form of an attributed event.
type Record struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
	EmittedAt  time.Time         `json:"emittedAt"`
}

// ToRecord converts evt into a Record stamped with at.
func ToRecord(evt Event, at time.Time) Record {
	rec := Record{Type: evt.EventType(), EmittedAt: at.UTC()}
	if attributed, ok := evt.(Attributed); ok {
		attrs := attributed.Attributes()
		rec.Attributes = make(map[string]string, len(attrs))
		for k, v := range attrs {
			rec.Attributes[k] = v
		}
	}
	return rec
}
