package events

import (
	"context"
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/taskforge/internal/interfaces"
	"github.com/ternarybob/taskforge/internal/models"
)

// NewLoggerSubscriber creates an event handler that logs all events
func NewLoggerSubscriber(logger arbor.ILogger) interfaces.EventHandler {
	return func(ctx context.Context, event models.Event) error {
		logEvent := logger.Debug().
			Str("event_type", string(event.Type))

		if jobID := event.JobID(); jobID != "" {
			logEvent = logEvent.Str("job_id", jobID)
		}
		if progress, ok := payloadInt(event.Payload, "progress"); ok {
			logEvent = logEvent.Int("progress", progress)
		}
		if status, ok := event.Payload["status"].(string); ok {
			logEvent = logEvent.Str("status", status)
		}
		if errMsg, ok := event.Payload["error"].(string); ok {
			logEvent = logEvent.Str("error", errMsg)
		}

		logEvent.Msg("Event published")

		return nil
	}
}

// SubscribeLoggerToAllEvents subscribes the logger to all known event types
func SubscribeLoggerToAllEvents(eventService interfaces.EventService, logger arbor.ILogger) error {
	subscriber := NewLoggerSubscriber(logger)

	eventTypes := models.AllEventTypes()
	for _, eventType := range eventTypes {
		if err := eventService.Subscribe(eventType, subscriber); err != nil {
			return fmt.Errorf("failed to subscribe logger to event type %s: %w", eventType, err)
		}
	}

	logger.Info().
		Int("event_type_count", len(eventTypes)).
		Msg("Logger subscribed to all event types")

	return nil
}
