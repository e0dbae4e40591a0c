// Package bus provides event bus implementations for prediction and
// evaluation lifecycle events.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Handler is a function that handles events.
type Handler func(ctx context.Context, event Event) error

// Bus defines the interface for event bus implementations.
type Bus interface {
	// Publish publishes an event to a topic.
	Publish(ctx context.Context, topic string, event Event) error

	// Subscribe subscribes to events on a topic.
	Subscribe(ctx context.Context, topic string, handler Handler) error

	// Close closes the bus and releases resources.
	Close() error
}

// Event represents a bus event.
type Event struct {
	// ID is the unique event identifier.
	ID string `json:"id"`

	// Type is the event type (e.g., "prediction.started").
	Type string `json:"type"`

	// Source is the service that generated the event.
	Source string `json:"source"`

	// Timestamp is when the event was created (unix millis).
	Timestamp int64 `json:"timestamp"`

	// CorrelationID links related events, e.g. every event of one job.
	CorrelationID string `json:"correlation_id,omitempty"`

	// Payload contains the event data.
	Payload any `json:"payload"`
}

// NewEvent builds an event with a fresh ID and the current timestamp.
func NewEvent(eventType, source, correlationID string, payload any) Event {
	return Event{
		ID:            uuid.NewString(),
		Type:          eventType,
		Source:        source,
		Timestamp:     time.Now().UnixMilli(),
		CorrelationID: correlationID,
		Payload:       payload,
	}
}

// Topics for different event types.
const (
	// Prediction topics.
	TopicPredictionStarted   = "prediction.started"
	TopicPredictionCompleted = "prediction.completed"
	TopicPredictionFailed    = "prediction.failed"

	// Evaluation topics.
	TopicEvaluationCompleted = "evaluation.completed"
)
