package interfaces

import "context"

// EventType names a class of in-process event.
type EventType string

const (
	// EventJobUpdated fires on every accepted observation of a job
	// (created, progress, reconcile upsert).
	EventJobUpdated EventType = "job_updated"

	// EventJobTransition fires exactly once per job reaching a terminal
	// state. Payload carries job_id, job_type, status and the assumed flag.
	EventJobTransition EventType = "job_transition"

	// EventPipelineStatus fires on every pipeline run state change.
	EventPipelineStatus EventType = "pipeline_status"

	// EventStreamStatus fires when the live update channel connects or drops.
	EventStreamStatus EventType = "stream_status"

	// EventLogEntry carries log lines destined for dashboard clients.
	EventLogEntry EventType = "log_entry"
)

// Event is what the bus carries: a type tag and an arbitrary payload.
// Subscribers type-assert the payload for the event types they handle.
type Event struct {
	Type    EventType
	Payload interface{}
}

// EventHandler receives published events. Returning an error marks the
// delivery as failed; it does not stop delivery to other subscribers.
type EventHandler func(ctx context.Context, event Event) error

// EventService is the in-process pub/sub bus between the registry, the
// pipeline orchestrator and the dashboard handlers.
type EventService interface {
	// Subscribe registers a handler for an event type.
	Subscribe(eventType EventType, handler EventHandler) error

	// Unsubscribe removes a handler registered with Subscribe. The same
	// func value must be passed.
	Unsubscribe(eventType EventType, handler EventHandler) error

	// Publish delivers the event asynchronously and returns immediately.
	Publish(ctx context.Context, event Event) error

	// PublishSync delivers the event and waits for every handler to finish.
	PublishSync(ctx context.Context, event Event) error

	// Close drops all subscriptions.
	Close() error
}
