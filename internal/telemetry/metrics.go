package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	StreamEvents     = prometheus.NewCounter(prometheus.CounterOpts{Name: "curo_stream_events_total", Help: "Job events decoded from the live update stream"})
	StreamMalformed  = prometheus.NewCounter(prometheus.CounterOpts{Name: "curo_stream_malformed_total", Help: "Stream payloads dropped as malformed"})
	StreamReconnects = prometheus.NewCounter(prometheus.CounterOpts{Name: "curo_stream_reconnects_total", Help: "Live update stream reconnect attempts"})
	Transitions      = prometheus.NewCounter(prometheus.CounterOpts{Name: "curo_transitions_total", Help: "Active-to-completed transitions recorded"})
	Synthesized      = prometheus.NewCounter(prometheus.CounterOpts{Name: "curo_transitions_synthesized_total", Help: "Transitions assumed by snapshot reconcile for vanished jobs"})
	PollFailures     = prometheus.NewCounter(prometheus.CounterOpts{Name: "curo_poll_failures_total", Help: "Snapshot polls that failed and were skipped"})
	PipelineRuns     = prometheus.NewCounter(prometheus.CounterOpts{Name: "curo_pipeline_runs_total", Help: "Batch pipeline operations started"})
	PipelineErrors   = prometheus.NewCounter(prometheus.CounterOpts{Name: "curo_pipeline_errors_total", Help: "Batch pipeline operations that ended in error"})
	ActiveJobsGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "curo_active_jobs", Help: "Jobs currently tracked as active"})
	CompletedGauge   = prometheus.NewGauge(prometheus.GaugeOpts{Name: "curo_completed_ring_size", Help: "Completed jobs retained in the history ring"})
	WSClientsGauge   = prometheus.NewGauge(prometheus.GaugeOpts{Name: "curo_websocket_clients", Help: "Connected dashboard WebSocket clients"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			StreamEvents,
			StreamMalformed,
			StreamReconnects,
			Transitions,
			Synthesized,
			PollFailures,
			PipelineRuns,
			PipelineErrors,
			ActiveJobsGauge,
			CompletedGauge,
			WSClientsGauge,
		)
	})
	return promhttp.Handler()
}
