package server

import (
	"net/http"
	"strings"

	"github.com/ternarybob/curo/internal/telemetry"
)

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	// WebSocket route (live dashboard feed)
	mux.HandleFunc("/ws", s.app.WSHandler.HandleWebSocket)

	// API routes - Jobs (registry views and per-job control)
	mux.HandleFunc("/api/jobs/stats", s.app.JobHandler.JobStatsHandler)
	mux.HandleFunc("/api/jobs", s.app.JobHandler.ListJobsHandler)
	mux.HandleFunc("/api/jobs/", s.handleJobRoutes) // Handles /api/jobs/{id} and subpaths

	// API routes - Pipeline (batch curation runs)
	mux.HandleFunc("/api/pipeline/run", s.app.PipelineHandler.RunHandler)
	mux.HandleFunc("/api/pipeline/approve", s.app.PipelineHandler.ApproveHandler)
	mux.HandleFunc("/api/pipeline/reject", s.app.PipelineHandler.RejectHandler)
	mux.HandleFunc("/api/pipeline/upgrade", s.app.PipelineHandler.UpgradeHandler)
	mux.HandleFunc("/api/pipeline/queue-all", s.app.PipelineHandler.QueueAllHandler)
	mux.HandleFunc("/api/pipeline/status", s.app.PipelineHandler.StatusHandler)

	// API routes - System
	mux.HandleFunc("/api/status", s.app.StatusHandler.GetStatusHandler)
	mux.HandleFunc("/api/version", s.app.APIHandler.VersionHandler)
	mux.HandleFunc("/api/health", s.app.APIHandler.HealthHandler)

	// Prometheus metrics
	mux.Handle("/metrics", telemetry.Handler())

	// 404 handler for unmatched API routes
	mux.HandleFunc("/api/", s.app.APIHandler.NotFoundHandler)

	return mux
}

// handleJobRoutes routes job-related requests to the appropriate handler
func (s *Server) handleJobRoutes(w http.ResponseWriter, r *http.Request) {
	// POST /api/jobs/{id}/cancel|retry|unstick
	if r.Method == "POST" {
		matched := RouteByPathSuffix(w, r, "/api/jobs/", []PathSuffixRouter{
			{Suffix: "/cancel", Handler: s.app.JobHandler.CancelJobHandler},
			{Suffix: "/retry", Handler: s.app.JobHandler.RetryJobHandler},
			{Suffix: "/unstick", Handler: s.app.JobHandler.UnstickJobHandler},
		})
		if !matched {
			http.Error(w, "Not found", http.StatusNotFound)
		}
		return
	}

	// GET /api/jobs/{id}/stages
	if r.Method == "GET" && strings.HasSuffix(r.URL.Path, "/stages") {
		s.app.JobHandler.StagesHandler(w, r)
		return
	}

	// GET /api/jobs/{id}, DELETE /api/jobs/{id}
	RouteByMethod(w, r, MethodRouter{
		"GET":    s.app.JobHandler.GetJobHandler,
		"DELETE": s.app.JobHandler.DeleteJobHandler,
	})
}
