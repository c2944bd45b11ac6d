package handlers

import (
	"net/http"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/curo/internal/common"
	"github.com/ternarybob/curo/internal/pipeline"
	"github.com/ternarybob/curo/internal/registry"
	"github.com/ternarybob/curo/internal/stream"
)

// StatusHandler aggregates runtime state for the dashboard header: stream
// connectivity, snapshot poller health, registry counts and pipeline state.
type StatusHandler struct {
	registry     *registry.Registry
	poller       *registry.Poller
	consumer     *stream.Consumer
	orchestrator *pipeline.Orchestrator
	startTime    time.Time
	logger       arbor.ILogger
}

// NewStatusHandler creates a new StatusHandler. The consumer may be nil when
// the live update channel is disabled.
func NewStatusHandler(reg *registry.Registry, poller *registry.Poller, consumer *stream.Consumer, orchestrator *pipeline.Orchestrator, logger arbor.ILogger) *StatusHandler {
	return &StatusHandler{
		registry:     reg,
		poller:       poller,
		consumer:     consumer,
		orchestrator: orchestrator,
		startTime:    time.Now(),
		logger:       logger,
	}
}

// GetStatusHandler handles GET /api/status
func (h *StatusHandler) GetStatusHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	streamStatus := map[string]interface{}{
		"enabled":   h.consumer != nil,
		"connected": false,
	}
	if h.consumer != nil {
		streamStatus["connected"] = h.consumer.Connected()
		streamStatus["url"] = h.consumer.URL()
	}

	pollerStatus := map[string]interface{}{
		"last_attempt": formatPollTime(h.poller.LastAttempt()),
		"last_success": formatPollTime(h.poller.LastSuccess()),
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"version":    common.GetVersion(),
		"build":      common.GetBuild(),
		"uptime":     time.Since(h.startTime).Round(time.Second).String(),
		"goroutines": common.GetGoroutineCount(),
		"log_file":   common.GetLogFilePath(h.logger),
		"stream":     streamStatus,
		"poller":     pollerStatus,
		"jobs":       h.registry.Stats(),
		"pipeline":   h.orchestrator.Status(),
		"timestamp":  time.Now(),
	})
}

// formatPollTime renders a poll timestamp, nil when the poller has not run yet
func formatPollTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}
