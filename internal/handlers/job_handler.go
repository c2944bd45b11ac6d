// -----------------------------------------------------------------------
// Job Handler - Dashboard job views and per-job control actions
// -----------------------------------------------------------------------

package handlers

import (
	"errors"
	"net/http"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/curo/internal/control"
	"github.com/ternarybob/curo/internal/interfaces"
	"github.com/ternarybob/curo/internal/models"
	"github.com/ternarybob/curo/internal/registry"
	"github.com/ternarybob/curo/internal/stages"
	"github.com/ternarybob/curo/internal/store"
)

const defaultCompletedLimit = 50

// JobHandler serves the dashboard's job views out of the registry and
// forwards control actions to the control service.
type JobHandler struct {
	registry *registry.Registry
	store    interfaces.JobStore
	control  *control.Service
	stages   *stages.Deriver
	logger   arbor.ILogger
}

// NewJobHandler creates a new job handler.
func NewJobHandler(reg *registry.Registry, jobStore interfaces.JobStore, ctl *control.Service, deriver *stages.Deriver, logger arbor.ILogger) *JobHandler {
	return &JobHandler{
		registry: reg,
		store:    jobStore,
		control:  ctl,
		stages:   deriver,
		logger:   logger,
	}
}

// jobView is a Job enriched with derived stage progress where the job type
// has stage definitions.
type jobView struct {
	*models.Job
	Stages []stages.StageProgress `json:"stages,omitempty"`
}

func (h *JobHandler) view(job *models.Job) jobView {
	return jobView{Job: job, Stages: h.stages.Derive(job)}
}

// ListJobsHandler returns the registry's view of the world
// GET /api/jobs?limit=50
func (h *JobHandler) ListJobsHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	limit := GetLimitParam(r, defaultCompletedLimit)

	active := h.registry.ActiveJobs()
	completed := h.registry.CompletedJobs(limit)

	activeViews := make([]jobView, 0, len(active))
	for _, job := range active {
		activeViews = append(activeViews, h.view(job))
	}
	completedViews := make([]jobView, 0, len(completed))
	for _, job := range completed {
		completedViews = append(completedViews, h.view(job))
	}

	stats := h.registry.Stats()
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"active":    activeViews,
		"completed": completedViews,
		"counts":    stats,
	})
}

// JobStatsHandler returns status bucket counts
// GET /api/jobs/stats
func (h *JobHandler) JobStatsHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}
	WriteJSON(w, http.StatusOK, h.registry.Stats())
}

// lookupJob resolves a job from the registry, falling back to the store
// for ids outside the retained window.
func (h *JobHandler) lookupJob(r *http.Request, id string) (*models.Job, int) {
	if job, ok := h.registry.Job(id); ok {
		return job, http.StatusOK
	}

	job, err := h.store.GetJob(r.Context(), id)
	if err != nil {
		return nil, storeErrorStatus(err)
	}
	return job, http.StatusOK
}

// GetJobHandler returns a single job by ID
// GET /api/jobs/{id}
func (h *JobHandler) GetJobHandler(w http.ResponseWriter, r *http.Request) {
	id := JobIDFromPath(r.URL.Path)
	if id == "" {
		WriteError(w, http.StatusBadRequest, "Job ID is required")
		return
	}

	job, status := h.lookupJob(r, id)
	if job == nil {
		WriteError(w, status, "Job not found")
		return
	}
	WriteJSON(w, http.StatusOK, h.view(job))
}

// StagesHandler returns the derived stage progress for a job
// GET /api/jobs/{id}/stages
func (h *JobHandler) StagesHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	id := JobIDFromPath(r.URL.Path)
	if id == "" {
		WriteError(w, http.StatusBadRequest, "Job ID is required")
		return
	}

	job, status := h.lookupJob(r, id)
	if job == nil {
		WriteError(w, status, "Job not found")
		return
	}

	progress := h.stages.Derive(job)
	if progress == nil {
		WriteError(w, http.StatusNotFound, "No stages defined for job type "+job.Type)
		return
	}
	WriteJSON(w, http.StatusOK, progress)
}

// CancelJobHandler requests cancellation of a job
// POST /api/jobs/{id}/cancel
func (h *JobHandler) CancelJobHandler(w http.ResponseWriter, r *http.Request) {
	id := JobIDFromPath(r.URL.Path)
	if id == "" {
		WriteError(w, http.StatusBadRequest, "Job ID is required")
		return
	}

	if err := h.control.Cancel(r.Context(), id); err != nil {
		WriteError(w, controlErrorStatus(err), err.Error())
		return
	}
	WriteSuccess(w, "cancellation requested")
}

// RetryJobHandler requeues a failed job under a new id
// POST /api/jobs/{id}/retry
func (h *JobHandler) RetryJobHandler(w http.ResponseWriter, r *http.Request) {
	id := JobIDFromPath(r.URL.Path)
	if id == "" {
		WriteError(w, http.StatusBadRequest, "Job ID is required")
		return
	}

	newID, err := h.control.Retry(r.Context(), id)
	if err != nil {
		WriteError(w, controlErrorStatus(err), err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{
		"status":     "success",
		"new_job_id": newID,
	})
}

// UnstickJobHandler asks the store to recover a stuck job
// POST /api/jobs/{id}/unstick
func (h *JobHandler) UnstickJobHandler(w http.ResponseWriter, r *http.Request) {
	id := JobIDFromPath(r.URL.Path)
	if id == "" {
		WriteError(w, http.StatusBadRequest, "Job ID is required")
		return
	}

	if err := h.control.Unstick(r.Context(), id); err != nil {
		WriteError(w, controlErrorStatus(err), err.Error())
		return
	}
	WriteSuccess(w, "unstick requested")
}

// DeleteJobHandler permanently removes a terminal job
// DELETE /api/jobs/{id}
func (h *JobHandler) DeleteJobHandler(w http.ResponseWriter, r *http.Request) {
	id := JobIDFromPath(r.URL.Path)
	if id == "" {
		WriteError(w, http.StatusBadRequest, "Job ID is required")
		return
	}

	if err := h.control.Delete(r.Context(), id); err != nil {
		WriteError(w, controlErrorStatus(err), err.Error())
		return
	}
	WriteSuccess(w, "job deleted")
}

// controlErrorStatus maps control service errors to HTTP status codes.
// Precondition failures are conflicts; unknown ids are not found; anything
// else came back from the store.
func controlErrorStatus(err error) int {
	switch {
	case errors.Is(err, control.ErrUnknownJob):
		return http.StatusNotFound
	case errors.Is(err, control.ErrNotCancellable),
		errors.Is(err, control.ErrNotRetryable),
		errors.Is(err, control.ErrNotDeletable),
		errors.Is(err, control.ErrNotStale):
		return http.StatusConflict
	default:
		return storeErrorStatus(err)
	}
}

// storeErrorStatus maps store client errors: a 404 from the store stays a
// 404, everything else surfaces as a bad gateway.
func storeErrorStatus(err error) int {
	var apiErr *store.APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
		return http.StatusNotFound
	}
	return http.StatusBadGateway
}
