package bridge

import (
	"sync"
	"time"
)

// EventType classifies a bridge event for stream consumers.
type EventType string

const (
	EventMessage        EventType = "message"
	EventNodeUpdate     EventType = "node_update"
	EventPositionUpdate EventType = "position_update"
	EventTelemetry      EventType = "telemetry"
	EventSendResult     EventType = "send_result"
	EventStatus         EventType = "status"
)

// Event is the JSON-serialisable envelope broadcast to WebSocket clients.
type Event struct {
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// subscriber holds a buffered channel for one consumer.
type subscriber struct {
	ch chan Event
}

// EventBus fans bridge events out to all registered consumers. The
// WebSocket handler subscribes once per client; channel-based
// subscribers keep the bus transport-agnostic and testable without a
// real connection.
type EventBus struct {
	mu   sync.RWMutex
	subs map[*subscriber]struct{}
}

// NewEventBus constructs a ready EventBus.
func NewEventBus() *EventBus {
	return &EventBus{subs: make(map[*subscriber]struct{})}
}

// Subscribe registers a new consumer.
// Returns a receive channel and an unsubscribe function that must be
// called when the consumer goes away (it closes the channel).
func (b *EventBus) Subscribe() (<-chan Event, func()) {
	s := &subscriber{ch: make(chan Event, 64)}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	unsub := func() {
		b.mu.Lock()
		delete(b.subs, s)
		b.mu.Unlock()
		close(s.ch)
	}
	return s.ch, unsub
}

// Publish sends an Event to all current subscribers.
// Slow consumers are skipped (their buffer is full) to avoid stalling
// the ingest loop. They can catch up via the REST history endpoints.
func (b *EventBus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		select {
		case s.ch <- e:
		default:
			// Slow consumer, drop.
		}
	}
}

// PublishMessage is a convenience wrapper for EventMessage events.
func (b *EventBus) PublishMessage(data interface{}) {
	b.Publish(Event{Type: EventMessage, Data: data})
}

// PublishNodeUpdate is a convenience wrapper for EventNodeUpdate events.
func (b *EventBus) PublishNodeUpdate(data interface{}) {
	b.Publish(Event{Type: EventNodeUpdate, Data: data})
}

// PublishPosition is a convenience wrapper for EventPositionUpdate events.
func (b *EventBus) PublishPosition(data interface{}) {
	b.Publish(Event{Type: EventPositionUpdate, Data: data})
}

// PublishTelemetry is a convenience wrapper for EventTelemetry events.
func (b *EventBus) PublishTelemetry(data interface{}) {
	b.Publish(Event{Type: EventTelemetry, Data: data})
}

// PublishSendResult is a convenience wrapper for EventSendResult events.
func (b *EventBus) PublishSendResult(data interface{}) {
	b.Publish(Event{Type: EventSendResult, Data: data})
}

// Len returns the current subscriber count (useful for status/tests).
func (b *EventBus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
