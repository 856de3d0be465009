// Package events provides a non-blocking pub/sub bus for generation progress
// events and an append-only audit log subscriber.
package events

import (
	"sync"
	"time"
)

// EventType represents the type of event being published.
type EventType string

const (
	// EventSessionStarted is published when the orchestrator picks up a session.
	EventSessionStarted EventType = "session_started"
	// EventSectionStarted is published when a section attempt begins.
	EventSectionStarted EventType = "section_started"
	// EventSectionCompleted is published when a section's answers are recorded.
	EventSectionCompleted EventType = "section_completed"
	// EventSectionFailed is published when a section exhausts its retries.
	EventSectionFailed EventType = "section_failed"
	// EventSessionTerminal is published once, when a session reaches a terminal status.
	EventSessionTerminal EventType = "session_terminal"
)

// Event represents one generation progress event.
type Event struct {
	Type      EventType
	SessionID string
	Timestamp time.Time
	Data      map[string]any
}

// Subscriber is a function that receives events.
type Subscriber func(Event)

// Bus is a non-blocking event bus. Events are delivered asynchronously via
// buffered channels; if a subscriber's channel is full, the event is dropped
// silently so a slow audit sink can never stall a generation run.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]chan Event
	bufferSize  int
}

// NewBus creates a new event bus with the specified buffer size per subscriber.
func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &Bus{
		subscribers: make(map[EventType][]chan Event),
		bufferSize:  bufferSize,
	}
}

// Subscribe registers a subscriber for a specific event type. The subscriber
// runs on its own goroutine. Returns an unsubscribe function.
func (b *Bus) Subscribe(eventType EventType, fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.bufferSize)
	b.subscribers[eventType] = append(b.subscribers[eventType], ch)

	go func() {
		for event := range ch {
			func() {
				defer func() {
					_ = recover() // a panicking subscriber must not take the bus down
				}()
				fn(event)
			}()
		}
	}()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		subs := b.subscribers[eventType]
		for i, subCh := range subs {
			if subCh == ch {
				b.subscribers[eventType] = append(subs[:i], subs[i+1:]...)
				close(ch)
				break
			}
		}
	}
}

// SubscribeAll registers a subscriber for every generation event type.
// Returns an unsubscribe function covering all of them.
func (b *Bus) SubscribeAll(fn Subscriber) func() {
	types := []EventType{
		EventSessionStarted, EventSectionStarted, EventSectionCompleted,
		EventSectionFailed, EventSessionTerminal,
	}
	unsubs := make([]func(), 0, len(types))
	for _, t := range types {
		unsubs = append(unsubs, b.Subscribe(t, fn))
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

// Publish delivers an event to all subscribers of its type without blocking.
func (b *Bus) Publish(eventType EventType, sessionID string, data map[string]any) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	event := Event{
		Type:      eventType,
		SessionID: sessionID,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
	for _, ch := range b.subscribers[eventType] {
		select {
		case ch <- event:
		default:
			// Subscriber buffer full; drop.
		}
	}
}
