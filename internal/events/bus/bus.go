// Package bus carries broker events between the dispatcher, the background
// loops and the websocket stream. Subjects follow NATS conventions
// ("task.created", "task.status.changed") so the same wiring works against
// a real NATS server or the in-process bus.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event is one message on the bus.
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Source    string                 `json:"source"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// NewEvent builds an event with a fresh id and the current UTC time.
func NewEvent(eventType, source string, data map[string]interface{}) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// EventHandler consumes one event. A returned error is logged by the bus
// and never stops delivery to other subscribers.
type EventHandler func(ctx context.Context, event *Event) error

// Subscription is a live handler registration.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// EventBus is the publish side the broker components depend on. Patterns
// may use the NATS wildcards * (one token) and > (rest of the subject).
type EventBus interface {
	Publish(ctx context.Context, subject string, event *Event) error
	Subscribe(subject string, handler EventHandler) (Subscription, error)
	Close()
	IsConnected() bool
}
