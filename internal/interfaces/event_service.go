package interfaces

import (
	"context"

	"github.com/ternarybob/taskforge/internal/models"
)

// EventHandler is a function that handles events
type EventHandler func(ctx context.Context, event models.Event) error

// EventService manages the in-process pub/sub bus
type EventService interface {
	// Subscribe to an event type
	Subscribe(eventType models.EventType, handler EventHandler) error

	// Publish an event to all subscribers and transports without waiting
	Publish(ctx context.Context, event models.Event) error

	// PublishSync publishes event and waits for all handlers to complete
	PublishSync(ctx context.Context, event models.Event) error

	// Close shuts down the event service
	Close() error
}

// EventTransport forwards serialized events outside the process. Delivery is best-effort.
type EventTransport interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Name() string
	Close() error
}
