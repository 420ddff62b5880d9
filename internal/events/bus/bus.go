// Package bus provides the fire-and-forget event contract between the
// terminal registry and its observers (the session handler, ops tooling).
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Subjects published by the terminal registry.
const (
	SubjectTerminalCreated     = "terminal.created"
	SubjectTerminalExit        = "terminal.exit"
	SubjectTerminalIdleWarning = "terminal.idle.warning"
	SubjectTerminalListUpdated = "terminal.list.updated"
)

// Event represents a message on the event bus.
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Source    string         `json:"source"` // component that produced the event
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// NewEvent creates a new event with a UUID and current timestamp.
func NewEvent(eventType, source string, data map[string]any) *Event {
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

// EventBus is the publish/subscribe contract. Publish must never block on
// slow subscribers; delivery is best-effort.
type EventBus interface {
	Publish(ctx context.Context, subject string, event *Event) error
	Subscribe(subject string, handler EventHandler) (Subscription, error)
	Close()
	IsConnected() bool
}
