// Package events provides the in-process publish/subscribe bus that couples
// the allocation pipeline loosely: deposit intake, trigger firing, and order
// emission publish here, and interested components subscribe without cyclic
// imports.
package events

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// EventType identifies a category of event
type EventType string

const (
	DepositReceived EventType = "DepositReceived"
	TriggerFired    EventType = "TriggerFired"
	WeightsChanged  EventType = "WeightsChanged"
	IntentEmitted   EventType = "IntentEmitted"
	OrderFilled     EventType = "OrderFilled"
	PricesUpdated   EventType = "PricesUpdated"
	ErrorOccurred   EventType = "ErrorOccurred"
)

// Event is a published occurrence with optional typed payload
type Event struct {
	Type      EventType `json:"type"`
	Data      EventData `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Handler receives published events. Handlers run on the publisher's
// goroutine; long work belongs in the handler's own goroutine.
type Handler func(e *Event)

// Bus is a synchronous in-process event bus
type Bus struct {
	mu       sync.RWMutex
	handlers map[EventType][]Handler
	log      zerolog.Logger
}

// NewBus creates a new event bus
func NewBus(log zerolog.Logger) *Bus {
	return &Bus{
		handlers: make(map[EventType][]Handler),
		log:      log.With().Str("component", "event_bus").Logger(),
	}
}

// Subscribe registers a handler for an event type
func (b *Bus) Subscribe(t EventType, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[t] = append(b.handlers[t], h)
}

// Publish delivers an event to every subscriber of its type. A panic in
// one handler is contained so the rest still run.
func (b *Bus) Publish(t EventType, data EventData) {
	e := &Event{Type: t, Data: data, Timestamp: time.Now().UTC()}

	b.mu.RLock()
	handlers := make([]Handler, len(b.handlers[t]))
	copy(handlers, b.handlers[t])
	b.mu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					b.log.Error().Interface("panic", r).Str("event", string(t)).Msg("Event handler panicked")
				}
			}()
			h(e)
		}()
	}
}
