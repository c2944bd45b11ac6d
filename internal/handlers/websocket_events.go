package handlers

import (
	"context"
	"time"

	"github.com/ternarybob/arbor"
	"golang.org/x/time/rate"

	"github.com/ternarybob/curo/internal/common"
	"github.com/ternarybob/curo/internal/interfaces"
	"github.com/ternarybob/curo/internal/models"
)

// EventSubscriber bridges the event bus to the WebSocket hub. Internal
// event types are renamed to their wire form here: job_updated becomes
// job_update and log_entry becomes log; the rest keep their names.
type EventSubscriber struct {
	handler       *WebSocketHandler
	eventService  interfaces.EventService
	logger        arbor.ILogger
	allowedEvents map[string]bool          // Whitelist of events to broadcast (empty = allow all)
	throttlers    map[string]*rate.Limiter // Rate limiters for high-frequency events
	config        *common.WebSocketConfig
}

// NewEventSubscriber creates and initializes an event subscriber
// Automatically subscribes to all dashboard events with config-driven filtering and throttling
func NewEventSubscriber(handler *WebSocketHandler, eventService interfaces.EventService, logger arbor.ILogger, config *common.WebSocketConfig) *EventSubscriber {
	s := &EventSubscriber{
		handler:      handler,
		eventService: eventService,
		logger:       logger,
		config:       config,
	}

	// Initialize allowedEvents map (whitelist pattern)
	// Empty list means allow all events
	s.allowedEvents = make(map[string]bool)
	if config != nil && len(config.AllowedEvents) > 0 {
		for _, eventType := range config.AllowedEvents {
			s.allowedEvents[eventType] = true
		}
	}

	// Initialize throttlers for high-frequency events
	s.throttlers = make(map[string]*rate.Limiter)
	if config != nil && len(config.ThrottleIntervals) > 0 {
		for eventType, intervalStr := range config.ThrottleIntervals {
			if duration, err := time.ParseDuration(intervalStr); err == nil {
				// Create rate limiter: 1 event per interval (burst=1)
				limiter := rate.NewLimiter(rate.Every(duration), 1)
				s.throttlers[eventType] = limiter
				logger.Debug().
					Str("event_type", eventType).
					Str("interval", intervalStr).
					Msg("Throttler initialized for event type")
			} else {
				logger.Warn().
					Err(err).
					Str("event_type", eventType).
					Str("interval", intervalStr).
					Msg("Failed to parse throttle interval - skipping throttler")
			}
		}
	}

	// Check for nil eventService
	if eventService == nil {
		logger.Warn().Msg("EventSubscriber created with nil eventService - subscriptions will be skipped")
		return s
	}

	s.SubscribeAll()

	return s
}

// SubscribeAll registers subscriptions for all dashboard-facing events
func (s *EventSubscriber) SubscribeAll() {
	if s.eventService == nil {
		s.logger.Warn().Msg("Cannot subscribe to events - eventService is nil")
		return
	}

	s.eventService.Subscribe(interfaces.EventJobUpdated, s.handleJobUpdated)
	s.eventService.Subscribe(interfaces.EventJobTransition, s.handleJobTransition)
	s.eventService.Subscribe(interfaces.EventPipelineStatus, s.handlePipelineStatus)
	s.eventService.Subscribe(interfaces.EventStreamStatus, s.handleStreamStatus)
	s.eventService.Subscribe(interfaces.EventLogEntry, s.handleLogEntry)

	s.logger.Info().Msg("EventSubscriber registered for dashboard events (job_updated, job_transition, pipeline_status, stream_status, log_entry)")
}

// handleJobUpdated bridges accepted job observations to the job_update broadcast
func (s *EventSubscriber) handleJobUpdated(ctx context.Context, event interfaces.Event) error {
	if !s.shouldBroadcastEvent(string(interfaces.EventJobUpdated)) {
		return nil
	}

	job, ok := event.Payload.(*models.Job)
	if !ok || job == nil {
		s.logger.Warn().Msg("Invalid job update event payload type")
		return nil
	}

	s.handler.Broadcast(WSMessage{Type: "job_update", Payload: job})
	return nil
}

// handleJobTransition bridges terminal transitions to the job_transition broadcast
func (s *EventSubscriber) handleJobTransition(ctx context.Context, event interfaces.Event) error {
	if !s.shouldBroadcastEvent(string(interfaces.EventJobTransition)) {
		return nil
	}

	transition, ok := event.Payload.(models.Transition)
	if !ok {
		s.logger.Warn().Msg("Invalid job transition event payload type")
		return nil
	}

	s.handler.Broadcast(WSMessage{Type: "job_transition", Payload: transition})
	return nil
}

// handlePipelineStatus bridges pipeline run snapshots to the pipeline_status broadcast.
// The payload is broadcast as-is; the orchestrator already shapes it for the wire.
func (s *EventSubscriber) handlePipelineStatus(ctx context.Context, event interfaces.Event) error {
	if !s.shouldBroadcastEvent(string(interfaces.EventPipelineStatus)) {
		return nil
	}

	s.handler.Broadcast(WSMessage{Type: "pipeline_status", Payload: event.Payload})
	return nil
}

// handleStreamStatus bridges live-channel connect/drop notices to the stream_status broadcast
func (s *EventSubscriber) handleStreamStatus(ctx context.Context, event interfaces.Event) error {
	if !s.shouldBroadcastEvent(string(interfaces.EventStreamStatus)) {
		return nil
	}

	s.handler.Broadcast(WSMessage{Type: "stream_status", Payload: event.Payload})
	return nil
}

// handleLogEntry bridges bus-published log lines to the dashboard log pane.
// The arbor writer is the primary producer of log broadcasts and goes to the
// hub directly; this path exists for components that publish lines on the bus.
func (s *EventSubscriber) handleLogEntry(ctx context.Context, event interfaces.Event) error {
	if !s.shouldBroadcastEvent(string(interfaces.EventLogEntry)) {
		return nil
	}

	payload, ok := event.Payload.(map[string]interface{})
	if !ok {
		s.logger.Warn().Msg("Invalid log entry event payload type")
		return nil
	}

	level := getString(payload, "level")
	if level == "" {
		level = "info"
	}

	s.handler.BroadcastLog(LogEntry{
		Timestamp: getTimestamp(payload).Format("15:04:05"),
		Level:     level,
		Message:   getString(payload, "message"),
	})
	return nil
}

// shouldBroadcastEvent checks if an event should be broadcast based on whitelist and throttling
func (s *EventSubscriber) shouldBroadcastEvent(eventType string) bool {
	// Check whitelist (empty allowedEvents = allow all)
	if len(s.allowedEvents) > 0 && !s.allowedEvents[eventType] {
		return false
	}

	// Check throttling
	if limiter, ok := s.throttlers[eventType]; ok {
		if !limiter.Allow() {
			s.logger.Debug().
				Str("event_type", eventType).
				Msg("Event throttled - rate limit exceeded")
			return false
		}
	}

	return true
}

// getString extracts a string field from a map payload
func getString(payload map[string]interface{}, key string) string {
	if val, ok := payload[key].(string); ok {
		return val
	}
	return ""
}

// getTimestamp attempts to parse a timestamp from the payload, falls back to time.Now()
func getTimestamp(payload map[string]interface{}) time.Time {
	if tsStr := getString(payload, "timestamp"); tsStr != "" {
		if ts, err := time.Parse(time.RFC3339, tsStr); err == nil {
			return ts
		}
	}
	return time.Now()
}
