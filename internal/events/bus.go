// Package events provides the in-process event bus that decouples store
// commits from realtime fan-out. Emitters publish after their transaction
// commits; a failed subscriber never affects the commit.
package events

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// EventType represents different event types
type EventType string

const (
	MarketDataUpdated EventType = "MARKET_DATA_UPDATED"
	OrderExecuted     EventType = "ORDER_EXECUTED"
	PortfolioChanged  EventType = "PORTFOLIO_CHANGED"
	SignalGenerated   EventType = "SIGNAL_GENERATED"
	StrategyChanged   EventType = "STRATEGY_CHANGED"
	JobCompleted      EventType = "JOB_COMPLETED"
	ErrorOccurred     EventType = "ERROR_OCCURRED"
)

// Event represents a system event
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Module    string                 `json:"module"`
	UserID    string                 `json:"user_id,omitempty"`
	Data      map[string]interface{} `json:"data"`
}

// Handler is a subscriber callback. Handlers run synchronously on the
// emitting goroutine and must not block.
type Handler func(event *Event)

// Bus is a mutex-guarded publish/subscribe fan-out for in-process events.
type Bus struct {
	handlers map[EventType][]Handler
	mu       sync.RWMutex
	log      zerolog.Logger
}

// NewBus creates a new event bus
func NewBus(log zerolog.Logger) *Bus {
	return &Bus{
		handlers: make(map[EventType][]Handler),
		log:      log.With().Str("component", "event_bus").Logger(),
	}
}

// Subscribe registers a handler for an event type.
func (b *Bus) Subscribe(eventType EventType, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], handler)
}

// Emit publishes an event to every subscriber of its type.
// A panicking subscriber is logged and skipped; emission continues.
func (b *Bus) Emit(event *Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	handlers := make([]Handler, len(b.handlers[event.Type]))
	copy(handlers, b.handlers[event.Type])
	b.mu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if p := recover(); p != nil {
					b.log.Error().
						Interface("panic", p).
						Str("event_type", string(event.Type)).
						Msg("Event handler panicked")
				}
			}()
			h(event)
		}()
	}
}

// EmitData is a convenience wrapper building the Event envelope.
func (b *Bus) EmitData(eventType EventType, module, userID string, data map[string]interface{}) {
	b.Emit(&Event{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Module:    module,
		UserID:    userID,
		Data:      data,
	})
}
