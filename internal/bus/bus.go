// Package bus fans broadcast events out to observers: the status gateway,
// the timeline, and external sinks.
package bus

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType names a broadcast event.
type EventType string

const (
	EventReasoningChunk   EventType = "reasoning_chunk"
	EventActionStart      EventType = "action_start"
	EventActionExecuted   EventType = "action_executed"
	EventMarkersUpdate    EventType = "markers_update"
	EventMemoryUpdate     EventType = "memory_update"
	EventObjectivesUpdate EventType = "objectives_update"
	EventSummaryStart     EventType = "summary_start"
	EventSummaryChunk     EventType = "summary_chunk"
	EventSummaryEnd       EventType = "summary_end"
	EventCriticismStart   EventType = "criticism_start"
	EventCriticismChunk   EventType = "criticism_chunk"
	EventCriticismEnd     EventType = "criticism_end"
	EventTokenUsage       EventType = "token_usage"
	EventErrorMessage     EventType = "error_message"
)

// Event is one broadcast state transition.
type Event struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload,omitempty"`
}

// Publisher accepts broadcast events. Publish never blocks the caller.
type Publisher interface {
	Publish(typ EventType, payload any)
}

// Broadcaster decouples the agent loop from its observers.
type Broadcaster struct {
	events  chan Event
	subs    map[string]func(Event)
	dropped int
	mu      sync.RWMutex
}

// NewBroadcaster creates a broadcaster with the given queue size.
func NewBroadcaster(buffer int) *Broadcaster {
	if buffer <= 0 {
		buffer = 256
	}
	return &Broadcaster{
		events: make(chan Event, buffer),
		subs:   make(map[string]func(Event)),
	}
}

// Publish queues an event. When the queue is full the event is dropped.
func (b *Broadcaster) Publish(typ EventType, payload any) {
	ev := Event{ID: uuid.NewString(), Type: typ, Timestamp: time.Now(), Payload: payload}
	select {
	case b.events <- ev:
	default:
		b.mu.Lock()
		b.dropped++
		b.mu.Unlock()
		slog.Warn("Broadcast queue full, dropping event", "type", typ)
	}
}

// Subscribe registers a named callback, replacing one with the same name.
// The returned function removes it.
func (b *Broadcaster) Subscribe(name string, callback func(Event)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[name] = callback
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs, name)
	}
}

// Dispatch delivers queued events to subscribers in name order until ctx is
// cancelled. It should be run as a goroutine.
func (b *Broadcaster) Dispatch(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-b.events:
			b.deliver(ev)
		}
	}
}

func (b *Broadcaster) deliver(ev Event) {
	b.mu.RLock()
	names := make([]string, 0, len(b.subs))
	for name := range b.subs {
		names = append(names, name)
	}
	sort.Strings(names)
	callbacks := make([]func(Event), 0, len(names))
	for _, name := range names {
		callbacks = append(callbacks, b.subs[name])
	}
	b.mu.RUnlock()

	for _, cb := range callbacks {
		cb(ev)
	}
}

// Pending returns the number of queued events.
func (b *Broadcaster) Pending() int {
	return len(b.events)
}

// Dropped returns how many events were dropped on a full queue.
func (b *Broadcaster) Dropped() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.dropped
}

// Recorder is a synchronous Publisher that keeps every event, for tests and
// offline commands.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Publish implements Publisher.
func (r *Recorder) Publish(typ EventType, payload any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, Event{ID: uuid.NewString(), Type: typ, Timestamp: time.Now(), Payload: payload})
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Types returns the recorded event types in order.
func (r *Recorder) Types() []EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventType, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type
	}
	return out
}

// Discard is a Publisher that drops everything.
type Discard struct{}

// Publish implements Publisher.
func (Discard) Publish(EventType, any) {}
