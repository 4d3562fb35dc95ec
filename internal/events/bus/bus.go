// Package bus provides the event bus abstraction and its NATS implementation.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event is the envelope for every record published on the bus.
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Source    string                 `json:"source"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// NewEvent creates a new event envelope with a fresh ID and timestamp.
func NewEvent(eventType, source string, data map[string]interface{}) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// EventBus publishes and subscribes to state-change records.
type EventBus interface {
	Publish(ctx context.Context, subject string, event *Event) error
	Subscribe(subject string, handler func(event *Event)) (Subscription, error)
	Close() error
}

// Subscription is a handle to an active subscription.
type Subscription interface {
	Unsubscribe() error
}
