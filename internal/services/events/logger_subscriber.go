package events

import (
	"context"
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/curo/internal/interfaces"
	"github.com/ternarybob/curo/internal/models"
)

// NewLoggerSubscriber creates an event handler that logs all events
func NewLoggerSubscriber(logger arbor.ILogger) interfaces.EventHandler {
	return func(ctx context.Context, event interfaces.Event) error {
		// Extract common fields from known payload shapes
		var jobID, jobType, status string
		switch payload := event.Payload.(type) {
		case *models.Job:
			if payload != nil {
				jobID = payload.ID
				jobType = payload.Type
				status = string(payload.Status)
			}
		case models.Transition:
			jobID = payload.JobID
			jobType = payload.JobType
			status = string(payload.Status)
		case map[string]interface{}:
			if id, ok := payload["job_id"].(string); ok {
				jobID = id
			}
			if jt, ok := payload["job_type"].(string); ok {
				jobType = jt
			}
			if s, ok := payload["status"].(string); ok {
				status = s
			}
		}

		// Log event with structured fields
		logEvent := logger.Debug().
			Str("event_type", string(event.Type))

		if jobID != "" {
			logEvent = logEvent.Str("job_id", jobID)
		}
		if jobType != "" {
			logEvent = logEvent.Str("job_type", jobType)
		}
		if status != "" {
			logEvent = logEvent.Str("status", status)
		}

		logEvent.Msg("Event published")

		return nil
	}
}

// SubscribeLoggerToAllEvents subscribes the logger to all known event types.
// EventLogEntry is deliberately excluded: logging a log event would echo
// every line straight back into the log.
func SubscribeLoggerToAllEvents(eventService interfaces.EventService, logger arbor.ILogger) error {
	subscriber := NewLoggerSubscriber(logger)

	eventTypes := []interfaces.EventType{
		interfaces.EventJobUpdated,
		interfaces.EventJobTransition,
		interfaces.EventPipelineStatus,
		interfaces.EventStreamStatus,
	}

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
