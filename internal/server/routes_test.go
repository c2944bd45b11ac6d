package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/curo/internal/app"
	"github.com/ternarybob/curo/internal/common"
	"github.com/ternarybob/curo/internal/models"
	"github.com/ternarybob/curo/internal/pipeline"
	"github.com/ternarybob/curo/internal/registry"
)

// mockStore imitates the job store REST API. Snapshot polls are served from
// a fixed job list, batch endpoints reply with canned counters, and every
// request is recorded so tests can assert exactly which store endpoints a
// dashboard call reached.
type mockStore struct {
	server *httptest.Server

	mu       sync.Mutex
	jobs     []*models.Job
	requests []string
}

func newMockStore(t *testing.T, jobs ...*models.Job) *mockStore {
	t.Helper()

	ms := &mockStore{jobs: jobs}
	mux := http.NewServeMux()
	mux.HandleFunc("/jobs", ms.handleList)
	mux.HandleFunc("/jobs/", ms.handleJob)
	mux.HandleFunc("/batch/triage", ms.handleBatch(map[string]int{"triaged": 3, "extract_recommended": 2}))
	mux.HandleFunc("/batch/extract", ms.handleBatch(map[string]int{"extracted": 2}))
	mux.HandleFunc("/batch/approve", ms.handleBatch(map[string]int{"approved": 2}))
	ms.server = httptest.NewServer(mux)
	t.Cleanup(ms.server.Close)
	return ms
}

func (ms *mockStore) record(line string) {
	ms.mu.Lock()
	ms.requests = append(ms.requests, line)
	ms.mu.Unlock()
}

func (ms *mockStore) sawRequest(line string) bool {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	for _, r := range ms.requests {
		if r == line {
			return true
		}
	}
	return false
}

func (ms *mockStore) handleList(w http.ResponseWriter, r *http.Request) {
	ms.record(r.Method + " " + r.URL.Path)

	ms.mu.Lock()
	jobs := make([]*models.Job, len(ms.jobs))
	copy(jobs, ms.jobs)
	ms.mu.Unlock()

	writeMockJSON(w, http.StatusOK, map[string]interface{}{"jobs": jobs})
}

func (ms *mockStore) handleJob(w http.ResponseWriter, r *http.Request) {
	ms.record(r.Method + " " + r.URL.Path)

	switch {
	case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/retry"):
		writeMockJSON(w, http.StatusOK, map[string]string{"new_job_id": "job-901"})
	case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/unstick"):
		w.WriteHeader(http.StatusAccepted)
	case r.Method == http.MethodDelete:
		w.WriteHeader(http.StatusAccepted)
	case r.Method == http.MethodGet:
		id := strings.TrimPrefix(r.URL.Path, "/jobs/")
		ms.mu.Lock()
		defer ms.mu.Unlock()
		for _, job := range ms.jobs {
			if job.ID == id {
				writeMockJSON(w, http.StatusOK, job)
				return
			}
		}
		writeMockJSON(w, http.StatusNotFound, map[string]string{"error": "job not found"})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// handleBatch records the requested limit alongside the path so tests can
// verify which limit each pipeline step sent.
func (ms *mockStore) handleBatch(counters map[string]int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Limit int `json:"limit"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		ms.record(fmt.Sprintf("%s %s limit=%d", r.Method, r.URL.Path, req.Limit))

		writeMockJSON(w, http.StatusOK, &models.BatchResult{Success: true, Counters: counters})
	}
}

func writeMockJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// newDashboardServer boots the full application against the mock store and
// serves the real route table over httptest.
func newDashboardServer(t *testing.T, store *mockStore) string {
	t.Helper()

	cfg := common.NewDefaultConfig()
	cfg.Store.BaseURL = store.server.URL
	cfg.Stream.Enabled = false
	cfg.Stages.File = ""

	application, err := app.New(cfg, arbor.NewLogger())
	require.NoError(t, err, "Failed to build application")
	t.Cleanup(func() { _ = application.Close() })

	srv := New(application)
	ts := httptest.NewServer(srv.server.Handler)
	t.Cleanup(ts.Close)
	return ts.URL
}

func storeJob(id, jobType string, status models.JobStatus) *models.Job {
	return &models.Job{ID: id, Type: jobType, Status: status}
}

type jobsResponse struct {
	Active    []*models.Job  `json:"active"`
	Completed []*models.Job  `json:"completed"`
	Counts    registry.Stats `json:"counts"`
}

func getJSON(t *testing.T, url string, out interface{}) int {
	t.Helper()

	resp, err := http.Get(url)
	require.NoError(t, err, "GET %s failed", url)
	defer resp.Body.Close()

	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out), "Failed to decode response from %s", url)
	}
	return resp.StatusCode
}

func postJSON(t *testing.T, url string, body, out interface{}) int {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body), "Failed to encode request body")
	}
	resp, err := http.Post(url, "application/json", &buf)
	require.NoError(t, err, "POST %s failed", url)
	defer resp.Body.Close()

	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out), "Failed to decode response from %s", url)
	}
	return resp.StatusCode
}

// waitForActiveJobs polls the jobs endpoint until the registry has absorbed
// the store snapshot.
func waitForActiveJobs(t *testing.T, baseURL string, want int) jobsResponse {
	t.Helper()

	deadline := time.Now().Add(3 * time.Second)
	for {
		var view jobsResponse
		getJSON(t, baseURL+"/api/jobs", &view)
		if len(view.Active) == want {
			return view
		}
		if time.Now().After(deadline) {
			t.Fatalf("Registry never reached %d active jobs (have %d)", want, len(view.Active))
		}
		time.Sleep(25 * time.Millisecond)
	}
}

// waitForPipelineDone polls the pipeline status endpoint until the current
// run settles.
func waitForPipelineDone(t *testing.T, baseURL string) pipeline.RunStatus {
	t.Helper()

	deadline := time.Now().Add(3 * time.Second)
	for {
		var status pipeline.RunStatus
		getJSON(t, baseURL+"/api/pipeline/status", &status)
		if status.State == pipeline.StateDone || status.State == pipeline.StateError {
			return status
		}
		if time.Now().After(deadline) {
			t.Fatalf("Pipeline never finished (state %s)", status.State)
		}
		time.Sleep(25 * time.Millisecond)
	}
}

// TestJobRoutesServeRegistryView verifies that the poller's store snapshot
// flows through the registry and out the jobs endpoints: active and
// completed lists, per-job lookup with store fallback, and bucket counts.
func TestJobRoutesServeRegistryView(t *testing.T) {
	store := newMockStore(t,
		storeJob("job-1", "triage", models.JobStatusPending),
		storeJob("job-2", "extract", models.JobStatusRunning),
		storeJob("job-3", "approve", models.JobStatusCompleted),
	)
	baseURL := newDashboardServer(t, store)

	view := waitForActiveJobs(t, baseURL, 2)
	assert.Len(t, view.Completed, 1, "Terminal snapshot job should land in the completed ring")
	assert.Equal(t, 2, view.Counts.Active, "Counts should match the active set")
	assert.Equal(t, 1, view.Counts.Completed, "Counts should include the completed job")

	t.Run("GetJob", func(t *testing.T) {
		var job models.Job
		status := getJSON(t, baseURL+"/api/jobs/job-2", &job)
		require.Equal(t, http.StatusOK, status)
		assert.Equal(t, "extract", job.Type)
		assert.Equal(t, models.JobStatusRunning, job.Status)
	})

	t.Run("GetUnknownJob", func(t *testing.T) {
		status := getJSON(t, baseURL+"/api/jobs/job-999", nil)
		assert.Equal(t, http.StatusNotFound, status, "Store 404 should surface as 404")
	})

	t.Run("Stats", func(t *testing.T) {
		var stats registry.Stats
		status := getJSON(t, baseURL+"/api/jobs/stats", &stats)
		require.Equal(t, http.StatusOK, status)
		assert.Equal(t, 1, stats.Pending)
		assert.Equal(t, 1, stats.Running)
		assert.Equal(t, 1, stats.Retained)
	})
}

// TestJobControlRoutesReachStore verifies the per-job control routes:
// cancel and retry are forwarded to the store, while deleting a job the
// registry still tracks as active is refused before any store contact.
func TestJobControlRoutesReachStore(t *testing.T) {
	store := newMockStore(t,
		storeJob("job-1", "triage", models.JobStatusRunning),
		storeJob("job-2", "extract", models.JobStatusFailed),
	)
	baseURL := newDashboardServer(t, store)
	waitForActiveJobs(t, baseURL, 1)

	t.Run("CancelRunning", func(t *testing.T) {
		status := postJSON(t, baseURL+"/api/jobs/job-1/cancel", nil, nil)
		assert.Equal(t, http.StatusOK, status)
		assert.True(t, store.sawRequest("DELETE /jobs/job-1"), "Cancel should reach the store")
	})

	t.Run("RetryFailed", func(t *testing.T) {
		var resp map[string]string
		status := postJSON(t, baseURL+"/api/jobs/job-2/retry", nil, &resp)
		require.Equal(t, http.StatusOK, status)
		assert.Equal(t, "job-901", resp["new_job_id"], "Retry should surface the store's new job id")
	})

	t.Run("DeleteActiveRefusedLocally", func(t *testing.T) {
		req, err := http.NewRequest(http.MethodDelete, baseURL+"/api/jobs/job-1", nil)
		require.NoError(t, err)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()

		assert.Equal(t, http.StatusConflict, resp.StatusCode, "Deleting an active job should be refused")
		assert.False(t, store.sawRequest("DELETE /jobs/job-1/delete"), "Refused delete must not reach the store")
	})
}

// TestPipelineRunRouteDrivesCuration runs a full curation pipeline over the
// API and verifies the step chain against the store: triage uses the
// requested limit, extract is capped to the triage recommendation, and
// approve returns to the requested limit.
func TestPipelineRunRouteDrivesCuration(t *testing.T) {
	store := newMockStore(t)
	baseURL := newDashboardServer(t, store)

	var started pipeline.RunStatus
	status := postJSON(t, baseURL+"/api/pipeline/run", map[string]interface{}{"limit": 5}, &started)
	require.Equal(t, http.StatusAccepted, status)
	assert.Equal(t, pipeline.OpCurationRun, started.Op)

	final := waitForPipelineDone(t, baseURL)
	require.Equal(t, pipeline.StateDone, final.State, "Run should finish cleanly: %s", final.Error)
	require.Len(t, final.Steps, 3, "Run should execute triage, extract and approve")
	assert.NotEmpty(t, final.Summary)

	assert.True(t, store.sawRequest("POST /batch/triage limit=5"), "Triage should use the requested limit")
	assert.True(t, store.sawRequest("POST /batch/extract limit=2"), "Extract should use the triage recommendation, not the requested limit")
	assert.True(t, store.sawRequest("POST /batch/approve limit=5"), "Approve should use the requested limit")
}

// TestPipelineRunConfirmationGate verifies that a run over the configured
// triage threshold is rejected with a confirmation payload and never
// reaches the store, and that the same request with confirm set proceeds.
func TestPipelineRunConfirmationGate(t *testing.T) {
	store := newMockStore(t)
	baseURL := newDashboardServer(t, store)

	var gated struct {
		RequiresConfirmation bool `json:"requires_confirmation"`
		Threshold            int  `json:"threshold"`
	}
	status := postJSON(t, baseURL+"/api/pipeline/run", map[string]interface{}{"limit": 500}, &gated)
	require.Equal(t, http.StatusConflict, status)
	assert.True(t, gated.RequiresConfirmation, "Oversized run should ask for confirmation")
	assert.Equal(t, 100, gated.Threshold)
	assert.False(t, store.sawRequest("POST /batch/triage limit=500"), "Gated run must not reach the store")

	status = postJSON(t, baseURL+"/api/pipeline/run", map[string]interface{}{"limit": 500, "confirm": true}, nil)
	require.Equal(t, http.StatusAccepted, status, "Confirmed run should start")

	final := waitForPipelineDone(t, baseURL)
	assert.Equal(t, pipeline.StateDone, final.State)
	assert.True(t, store.sawRequest("POST /batch/triage limit=500"), "Confirmed run should reach the store")
}

// TestServiceRoutes covers the version, health, metrics and catch-all
// routes.
func TestServiceRoutes(t *testing.T) {
	store := newMockStore(t)
	baseURL := newDashboardServer(t, store)

	t.Run("Version", func(t *testing.T) {
		var info map[string]string
		status := getJSON(t, baseURL+"/api/version", &info)
		require.Equal(t, http.StatusOK, status)
		assert.NotEmpty(t, info["version"])
	})

	t.Run("Health", func(t *testing.T) {
		var health map[string]string
		status := getJSON(t, baseURL+"/api/health", &health)
		require.Equal(t, http.StatusOK, status)
		assert.Equal(t, "ok", health["status"])
	})

	t.Run("Metrics", func(t *testing.T) {
		resp, err := http.Get(baseURL + "/metrics")
		require.NoError(t, err, "GET /metrics failed")
		defer resp.Body.Close()

		require.Equal(t, http.StatusOK, resp.StatusCode)
		var body bytes.Buffer
		_, err = body.ReadFrom(resp.Body)
		require.NoError(t, err)
		assert.Contains(t, body.String(), "curo_active_jobs", "Metrics endpoint should export registry gauges")
	})

	t.Run("UnknownAPIRoute", func(t *testing.T) {
		status := getJSON(t, baseURL+"/api/definitely-not-a-route", nil)
		assert.Equal(t, http.StatusNotFound, status)
	})

	t.Run("MethodNotAllowed", func(t *testing.T) {
		status := postJSON(t, baseURL+"/api/jobs/stats", nil, nil)
		assert.Equal(t, http.StatusMethodNotAllowed, status)
	})
}
