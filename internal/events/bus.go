// Package events is the in-process fan-out between the execution core and
// the client channel.
package events

import (
	"sync"
	"time"
)

// EventType represents the events the engine publishes
type EventType string

const (
	EventOrderFilled      EventType = "ORDER_FILLED"
	EventOrderRejected    EventType = "ORDER_REJECTED"
	EventOrderAccepted    EventType = "ORDER_ACCEPTED"
	EventOrderCancelled   EventType = "ORDER_CANCELLED"
	EventOrderExpired     EventType = "ORDER_EXPIRED"
	EventPositionOpened   EventType = "POSITION_OPENED"
	EventPositionClosed   EventType = "POSITION_CLOSED"
	EventPositionPartial  EventType = "POSITION_PARTIALLY_CLOSED"
	EventPositionUpdated  EventType = "POSITION_UPDATED"
	EventAccountUpdated   EventType = "ACCOUNT_UPDATED"
	EventAccountBreached  EventType = "ACCOUNT_BREACHED"
	EventEvaluationPassed EventType = "EVALUATION_PASSED"
	EventLiquidationWarn  EventType = "LIQUIDATION_WARNING"
)

// Event carries one engine occurrence. AccountID routes the event to the
// account's sessions; empty broadcasts to all.
type Event struct {
	Type      EventType      `json:"type"`
	AccountID string         `json:"accountId,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// Subscriber is a function that handles events. It must not block: the
// publisher runs on execution hot paths.
type Subscriber func(Event)

// Bus manages event publishing and subscriptions
type Bus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]Subscriber
	allSubs     []Subscriber
}

// NewBus creates a new event bus
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[EventType][]Subscriber),
	}
}

// Subscribe registers a subscriber for a specific event type
func (b *Bus) Subscribe(eventType EventType, sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[eventType] = append(b.subscribers[eventType], sub)
}

// SubscribeAll registers a subscriber for all events
func (b *Bus) SubscribeAll(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.allSubs = append(b.allSubs, sub)
}

// Publish delivers an event to its subscribers synchronously.
func (b *Bus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	subs := b.subscribers[event.Type]
	all := b.allSubs
	b.mu.RUnlock()

	for _, sub := range subs {
		sub(event)
	}
	for _, sub := range all {
		sub(event)
	}
}
