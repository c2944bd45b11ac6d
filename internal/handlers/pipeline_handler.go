// -----------------------------------------------------------------------
// Pipeline Handler - Batch curation runs and the queue-all escape hatch
// -----------------------------------------------------------------------

package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/curo/internal/pipeline"
)

// PipelineHandler exposes the batch pipeline orchestrator. Start endpoints
// answer 202 with the run snapshot; the run itself executes in the
// background and is followed via /api/pipeline/status or the WebSocket.
type PipelineHandler struct {
	orchestrator *pipeline.Orchestrator
	logger       arbor.ILogger
}

// NewPipelineHandler creates a new pipeline handler.
func NewPipelineHandler(orchestrator *pipeline.Orchestrator, logger arbor.ILogger) *PipelineHandler {
	return &PipelineHandler{
		orchestrator: orchestrator,
		logger:       logger,
	}
}

type runRequest struct {
	Limit      int  `json:"limit"`
	AutoReject bool `json:"auto_reject"`
	Confirm    bool `json:"confirm"`
}

// RunHandler starts a full curation run
// POST /api/pipeline/run
func (h *PipelineHandler) RunHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "POST") {
		return
	}

	var req runRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Limit < 1 {
		WriteError(w, http.StatusBadRequest, "limit must be at least 1")
		return
	}

	err := h.orchestrator.Run(r.Context(), pipeline.RunOptions{
		Limit:      req.Limit,
		AutoReject: req.AutoReject,
		Confirm:    req.Confirm,
	})
	if err != nil {
		h.writeStartError(w, err)
		return
	}
	WriteJSON(w, http.StatusAccepted, h.orchestrator.Status())
}

// ApproveHandler starts a standalone approval pass
// POST /api/pipeline/approve
func (h *PipelineHandler) ApproveHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "POST") {
		return
	}

	var req runRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Limit < 1 {
		WriteError(w, http.StatusBadRequest, "limit must be at least 1")
		return
	}

	if err := h.orchestrator.AutoApprove(r.Context(), req.Limit, req.Confirm); err != nil {
		h.writeStartError(w, err)
		return
	}
	WriteJSON(w, http.StatusAccepted, h.orchestrator.Status())
}

// RejectHandler rejects everything triage marked not relevant
// POST /api/pipeline/reject
func (h *PipelineHandler) RejectHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "POST") {
		return
	}

	var req runRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
		WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if err := h.orchestrator.RejectNotRelevant(r.Context(), req.Confirm); err != nil {
		h.writeStartError(w, err)
		return
	}
	WriteJSON(w, http.StatusAccepted, h.orchestrator.Status())
}

// UpgradeHandler re-extracts incidents stored under an older schema
// POST /api/pipeline/upgrade
func (h *PipelineHandler) UpgradeHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "POST") {
		return
	}

	var req runRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Limit < 1 {
		WriteError(w, http.StatusBadRequest, "limit must be at least 1")
		return
	}

	if err := h.orchestrator.SchemaUpgrade(r.Context(), req.Limit, req.Confirm); err != nil {
		h.writeStartError(w, err)
		return
	}
	WriteJSON(w, http.StatusAccepted, h.orchestrator.Status())
}

// QueueAllHandler enqueues the queue-all-unreviewed job
// POST /api/pipeline/queue-all
func (h *PipelineHandler) QueueAllHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "POST") {
		return
	}

	var req runRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
		WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if err := h.orchestrator.QueueAll(r.Context(), req.Confirm); err != nil {
		h.writeStartError(w, err)
		return
	}
	WriteJSON(w, http.StatusAccepted, h.orchestrator.Status())
}

// StatusHandler reports the current or most recent run
// GET /api/pipeline/status
func (h *PipelineHandler) StatusHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}
	WriteJSON(w, http.StatusOK, h.orchestrator.Status())
}

// writeStartError maps operation-start failures: a held slot and a missing
// confirmation are both conflicts, but the confirmation payload tells the
// dashboard to re-prompt rather than report.
func (h *PipelineHandler) writeStartError(w http.ResponseWriter, err error) {
	var confirmErr *pipeline.ConfirmationError
	if errors.As(err, &confirmErr) {
		WriteJSON(w, http.StatusConflict, map[string]interface{}{
			"status":                "error",
			"error":                 confirmErr.Error(),
			"requires_confirmation": true,
			"op":                    confirmErr.Op,
			"limit":                 confirmErr.Limit,
			"threshold":             confirmErr.Threshold,
		})
		return
	}
	if errors.Is(err, pipeline.ErrRunInProgress) {
		WriteError(w, http.StatusConflict, err.Error())
		return
	}

	h.logger.Error().Err(err).Msg("Failed to start pipeline operation")
	WriteError(w, http.StatusInternalServerError, err.Error())
}
