// Package bus provides the in-process pub/sub backbone that decouples the
// ingestion worker, scrapers, and schedulers from the push fan-out.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Subjects used by the supervisor core. Wildcards follow messaging
// conventions: * matches one token, > matches the rest.
const (
	SubjectPushPrefix = "push."
	SubjectPushAll    = "push.>"
)

// Event is a message on the bus.
type Event struct {
	ID        string      `json:"id"`
	Type      string      `json:"type"`
	Source    string      `json:"source"` // component that produced the event
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// NewEvent creates a new event with a UUID and current timestamp.
func NewEvent(eventType, source string, data interface{}) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// EventHandler is a function that handles an event.
type EventHandler func(ctx context.Context, event *Event) error

// Subscription represents an active subscription.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// EventBus is the pub/sub contract the supervisor components share.
type EventBus interface {
	// Publish sends an event to a subject.
	Publish(ctx context.Context, subject string, event *Event) error

	// Subscribe creates a subscription to a subject pattern.
	Subscribe(subject string, handler EventHandler) (Subscription, error)

	// Close closes the bus; further publishes fail.
	Close()
}
