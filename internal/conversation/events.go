package conversation

import (
	"context"
	"time"

	"dev.sprung.conductor/internal/models"
)

// EventType names a transcript lifecycle event.
type EventType string

const (
	EventCreated EventType = "conversation.created"
	EventMessage EventType = "conversation.message"
	EventClosed  EventType = "conversation.closed"
	EventDeleted EventType = "conversation.deleted"
)

// Event is one transcript change, published after the store write
// succeeds. Message is set for EventMessage only.
type Event struct {
	ID             string          `json:"id"`
	Type           EventType       `json:"type"`
	ConversationID string          `json:"conversation_id"`
	Message        *models.Message `json:"message,omitempty"`
	State          State           `json:"state,omitempty"`
	OccurredAt     time.Time       `json:"occurred_at"`
}

// Publisher delivers transcript events to downstream consumers.
// Publishing is best effort: the Manager logs failures and never rolls
// back the store write.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// NopPublisher discards all events.
type NopPublisher struct{}

func (NopPublisher) Publish(ctx context.Context, event Event) error { return nil }
func (NopPublisher) Close() error                                   { return nil }
