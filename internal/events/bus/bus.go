// Package bus provides the event bus carrying job state and progress events.
package bus

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrBusClosed is returned by operations on a closed bus.
var ErrBusClosed = errors.New("event bus is closed")

// Event is one job notification. Data is the publisher's payload in process
// and decoded JSON after crossing NATS.
type Event struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Source    string    `json:"source"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// NewEvent stamps a payload with a fresh id and the current UTC time.
func NewEvent(eventType, source string, data any) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// EventHandler consumes one event. Returned errors are logged, not retried.
type EventHandler func(ctx context.Context, event *Event) error

// Subscription is a live registration; Unsubscribe is idempotent.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// EventBus publishes events to subjects and fans them out to subscribers.
// Subjects are dot-separated; subscriptions accept NATS-style wildcards
// (* for one token, > for the remainder). Each subscription receives events
// in the order they were published.
type EventBus interface {
	Publish(ctx context.Context, subject string, event *Event) error
	Subscribe(subject string, handler EventHandler) (Subscription, error)
	Close()
	IsConnected() bool
}
