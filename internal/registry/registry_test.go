package registry

import (
	"fmt"
	"testing"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/curo/internal/models"
)

func testJob(id string, status models.JobStatus) *models.Job {
	return &models.Job{ID: id, Type: "incident_extract", Status: status}
}

func evt(eventType models.StreamEventType, job *models.Job) *models.JobEvent {
	return &models.JobEvent{Type: eventType, Job: job}
}

// transitionRecorder collects transitions fired by the registry. Handlers
// run on the observing goroutine, so tests need no locking.
type transitionRecorder struct {
	transitions []models.Transition
}

func (tr *transitionRecorder) record(t models.Transition) {
	tr.transitions = append(tr.transitions, t)
}

func (tr *transitionRecorder) countFor(id string) int {
	n := 0
	for _, t := range tr.transitions {
		if t.JobID == id {
			n++
		}
	}
	return n
}

func newTestRegistry(historySize int) (*Registry, *transitionRecorder) {
	r := New(historySize, arbor.NewLogger())
	rec := &transitionRecorder{}
	r.Subscribe(rec.record)
	return r, rec
}

func TestObserve_InsertActive(t *testing.T) {
	r, rec := newTestRegistry(10)

	r.Observe(evt(models.StreamEventCreated, testJob("job-1", models.JobStatusPending)))

	active := r.ActiveJobs()
	if len(active) != 1 || active[0].ID != "job-1" {
		t.Fatalf("expected job-1 active, got %v", active)
	}
	if len(rec.transitions) != 0 {
		t.Errorf("non-terminal insert must not emit transitions, got %d", len(rec.transitions))
	}
}

func TestObserve_TerminalEmitsExactlyOnce(t *testing.T) {
	r, rec := newTestRegistry(10)

	r.Observe(evt(models.StreamEventCreated, testJob("job-1", models.JobStatusRunning)))
	r.Observe(evt(models.StreamEventCompleted, testJob("job-1", models.JobStatusCompleted)))

	// Duplicate terminal events must be suppressed
	r.Observe(evt(models.StreamEventCompleted, testJob("job-1", models.JobStatusCompleted)))
	r.Observe(evt(models.StreamEventCompleted, testJob("job-1", models.JobStatusCompleted)))

	if got := rec.countFor("job-1"); got != 1 {
		t.Errorf("transitions for job-1 = %d, want exactly 1", got)
	}
	if len(r.ActiveJobs()) != 0 {
		t.Error("terminal job must leave the active set")
	}
	completed := r.CompletedJobs(0)
	if len(completed) != 1 || completed[0].ID != "job-1" {
		t.Fatalf("expected job-1 in completed ring, got %v", completed)
	}

	tr := rec.transitions[0]
	if tr.JobType != "incident_extract" || tr.Status != models.JobStatusCompleted || tr.Assumed {
		t.Errorf("unexpected transition payload: %+v", tr)
	}
}

func TestObserve_UnknownTerminalInsertsCompleted(t *testing.T) {
	r, rec := newTestRegistry(10)

	// Reconnect gap: the first we hear of this job is its failure
	failed := testJob("job-gap", models.JobStatusFailed)
	failed.Error = "extraction crashed"
	r.Observe(evt(models.StreamEventFailed, failed))

	if len(r.ActiveJobs()) != 0 {
		t.Error("terminal first-sighting must not become active")
	}
	completed := r.CompletedJobs(0)
	if len(completed) != 1 || completed[0].Status != models.JobStatusFailed {
		t.Fatalf("expected failed job in ring, got %v", completed)
	}
	if completed[0].CompletedAt == nil {
		t.Error("terminal job must carry CompletedAt")
	}
	if got := rec.countFor("job-gap"); got != 1 {
		t.Errorf("transitions = %d, want 1", got)
	}
}

func TestObserve_LatestObservedWins(t *testing.T) {
	r, _ := newTestRegistry(10)

	started := time.Date(2025, 6, 10, 9, 0, 0, 0, time.UTC)
	total := 50
	first := testJob("job-1", models.JobStatusRunning)
	first.Progress = 10
	first.Total = &total
	first.StartedAt = &started
	first.Queue = "extract"
	r.Observe(evt(models.StreamEventProgress, first))

	// Later observation omits Total/StartedAt/Queue and moves progress
	update := testJob("job-1", models.JobStatusRunning)
	update.Progress = 30
	update.Message = "step 2: enriching"
	r.Observe(evt(models.StreamEventProgress, update))

	job, ok := r.ActiveJob("job-1")
	if !ok {
		t.Fatal("job-1 should be active")
	}
	if job.Progress != 30 || job.Message != "step 2: enriching" {
		t.Errorf("latest observation should win: %+v", job)
	}
	if job.Total == nil || *job.Total != 50 {
		t.Error("omitted Total must keep the known value")
	}
	if job.StartedAt == nil || !job.StartedAt.Equal(started) {
		t.Error("omitted StartedAt must keep the known value")
	}
	if job.Queue != "extract" {
		t.Error("omitted Queue must keep the known value")
	}

	// An out-of-order regression (progress going backwards) is still taken
	stale := testJob("job-1", models.JobStatusRunning)
	stale.Progress = 20
	r.Observe(evt(models.StreamEventProgress, stale))
	job, _ = r.ActiveJob("job-1")
	if job.Progress != 20 {
		t.Errorf("ordering violations are not rejected; progress = %d, want 20", job.Progress)
	}
}

func TestObserve_MalformedDropped(t *testing.T) {
	r, rec := newTestRegistry(10)

	cases := []*models.JobEvent{
		nil,
		{Type: models.StreamEventProgress, Job: nil},
		{Type: models.StreamEventProgress, Job: &models.Job{ID: "", Status: models.JobStatusRunning}},
		{Type: models.StreamEventProgress, Job: &models.Job{ID: "job-x", Status: "exploded"}},
		{Type: "mystery", Job: testJob("job-y", models.JobStatusRunning)},
	}
	for _, c := range cases {
		r.Observe(c)
	}

	if len(r.ActiveJobs()) != 0 {
		t.Errorf("malformed events must not be tracked, active = %v", r.ActiveJobs())
	}
	if len(r.CompletedJobs(0)) != 0 {
		t.Error("malformed events must not reach the completed ring")
	}
	if len(rec.transitions) != 0 {
		t.Error("malformed events must not emit transitions")
	}
}

func TestReconcile_SynthesizesAssumedCompletion(t *testing.T) {
	r, rec := newTestRegistry(10)

	r.Observe(evt(models.StreamEventCreated, testJob("job-1", models.JobStatusRunning)))
	r.Observe(evt(models.StreamEventCreated, testJob("job-2", models.JobStatusRunning)))

	// Snapshot still knows job-2 but job-1 has vanished
	r.Reconcile([]*models.Job{testJob("job-2", models.JobStatusRunning)})

	if _, ok := r.ActiveJob("job-1"); ok {
		t.Error("vanished job must leave the active set")
	}
	if _, ok := r.ActiveJob("job-2"); !ok {
		t.Error("job still in snapshot must stay active")
	}

	if got := rec.countFor("job-1"); got != 1 {
		t.Fatalf("synthesized transitions for job-1 = %d, want 1", got)
	}
	tr := rec.transitions[0]
	if !tr.Assumed || tr.Status != models.JobStatusCompleted {
		t.Errorf("synthesized transition should be assumed-completed: %+v", tr)
	}

	job, ok := r.Job("job-1")
	if !ok {
		t.Fatal("synthesized job should be in the completed ring")
	}
	if job.Message != assumedCompleteMessage {
		t.Errorf("message = %q, want %q", job.Message, assumedCompleteMessage)
	}
	if job.CompletedAt == nil {
		t.Error("synthesized completion must stamp CompletedAt")
	}

	// Repeated snapshots without the job must not re-emit
	r.Reconcile([]*models.Job{testJob("job-2", models.JobStatusRunning)})
	if got := rec.countFor("job-1"); got != 1 {
		t.Errorf("repeat reconcile re-emitted: %d transitions", got)
	}
}

func TestReconcile_InterleavedWithTerminalEvent(t *testing.T) {
	r, rec := newTestRegistry(10)

	r.Observe(evt(models.StreamEventCreated, testJob("job-1", models.JobStatusRunning)))

	// Terminal event wins the race...
	r.Observe(evt(models.StreamEventCompleted, testJob("job-1", models.JobStatusCompleted)))
	// ...then a snapshot without the job arrives. Must not re-emit.
	r.Reconcile([]*models.Job{})

	if got := rec.countFor("job-1"); got != 1 {
		t.Errorf("transitions = %d, want exactly 1 despite reconcile interleaving", got)
	}

	// Opposite order: reconcile synthesizes first, the late terminal event
	// from the old connection must then be suppressed.
	r.Observe(evt(models.StreamEventCreated, testJob("job-2", models.JobStatusRunning)))
	r.Reconcile([]*models.Job{})
	r.Observe(evt(models.StreamEventCompleted, testJob("job-2", models.JobStatusCompleted)))

	if got := rec.countFor("job-2"); got != 1 {
		t.Errorf("transitions for job-2 = %d, want exactly 1", got)
	}
}

func TestReconcile_UpsertsSnapshotJobs(t *testing.T) {
	r, rec := newTestRegistry(10)

	// Snapshot introduces an unknown active job and an unknown terminal job
	finished := testJob("job-done", models.JobStatusCompleted)
	r.Reconcile([]*models.Job{
		testJob("job-new", models.JobStatusPending),
		finished,
	})

	if _, ok := r.ActiveJob("job-new"); !ok {
		t.Error("snapshot-discovered active job should be tracked")
	}
	if got := rec.countFor("job-done"); got != 1 {
		t.Errorf("snapshot-discovered terminal job transitions = %d, want 1", got)
	}
	if tr := rec.transitions[0]; tr.Assumed {
		t.Error("directly reported terminal is not assumed")
	}

	// Malformed snapshot rows are skipped without poisoning the rest
	r.Reconcile([]*models.Job{
		nil,
		{ID: "", Status: models.JobStatusRunning},
		testJob("job-new", models.JobStatusRunning),
	})
	job, _ := r.ActiveJob("job-new")
	if job.Status != models.JobStatusRunning {
		t.Errorf("valid snapshot row should still apply, status = %s", job.Status)
	}
}

func TestCompletedJobs_FIFOBound(t *testing.T) {
	r, rec := newTestRegistry(3)

	for i := 1; i <= 5; i++ {
		id := fmt.Sprintf("job-%d", i)
		r.Observe(evt(models.StreamEventCompleted, testJob(id, models.JobStatusCompleted)))
	}

	completed := r.CompletedJobs(0)
	if len(completed) != 3 {
		t.Fatalf("ring size = %d, want 3", len(completed))
	}
	// Newest first: job-5, job-4, job-3; job-1 and job-2 evicted
	want := []string{"job-5", "job-4", "job-3"}
	for i, job := range completed {
		if job.ID != want[i] {
			t.Errorf("completed[%d] = %s, want %s", i, job.ID, want[i])
		}
	}
	if _, ok := r.Job("job-1"); ok {
		t.Error("evicted job must be forgotten")
	}

	// Limit trims from the newest end
	limited := r.CompletedJobs(2)
	if len(limited) != 2 || limited[0].ID != "job-5" || limited[1].ID != "job-4" {
		t.Errorf("CompletedJobs(2) = %v", limited)
	}

	if len(rec.transitions) != 5 {
		t.Errorf("each distinct job transitions once: got %d, want 5", len(rec.transitions))
	}
}

func TestCompletedRing_EvictionForgetsDedup(t *testing.T) {
	r, rec := newTestRegistry(2)

	r.Observe(evt(models.StreamEventCompleted, testJob("job-1", models.JobStatusCompleted)))
	r.Observe(evt(models.StreamEventCompleted, testJob("job-2", models.JobStatusCompleted)))
	r.Observe(evt(models.StreamEventCompleted, testJob("job-3", models.JobStatusCompleted)))

	// job-1 has been evicted; a duplicate now looks like a reconnect-gap
	// terminal. The exactly-once guarantee spans the retention window only.
	r.Observe(evt(models.StreamEventCompleted, testJob("job-1", models.JobStatusCompleted)))

	if got := rec.countFor("job-1"); got != 2 {
		t.Errorf("post-eviction duplicate re-emits: got %d transitions, want 2", got)
	}
}

func TestObserve_CompletedAtStampedOnce(t *testing.T) {
	r, _ := newTestRegistry(10)

	reported := time.Date(2025, 6, 10, 10, 30, 0, 0, time.UTC)
	job := testJob("job-1", models.JobStatusCompleted)
	job.CompletedAt = &reported
	r.Observe(evt(models.StreamEventCompleted, job))

	got, _ := r.Job("job-1")
	if got.CompletedAt == nil || !got.CompletedAt.Equal(reported) {
		t.Errorf("store-reported CompletedAt must be kept, got %v", got.CompletedAt)
	}
}

func TestActiveJobs_StableOrder(t *testing.T) {
	r, _ := newTestRegistry(10)

	early := time.Date(2025, 6, 10, 8, 0, 0, 0, time.UTC)
	late := time.Date(2025, 6, 10, 9, 0, 0, 0, time.UTC)

	a := testJob("job-c", models.JobStatusRunning)
	a.StartedAt = &late
	b := testJob("job-a", models.JobStatusRunning)
	b.StartedAt = &early
	c := testJob("job-b", models.JobStatusPending) // never started

	r.Observe(evt(models.StreamEventCreated, a))
	r.Observe(evt(models.StreamEventCreated, b))
	r.Observe(evt(models.StreamEventCreated, c))

	jobs := r.ActiveJobs()
	want := []string{"job-a", "job-c", "job-b"}
	for i, job := range jobs {
		if job.ID != want[i] {
			t.Errorf("ActiveJobs()[%d] = %s, want %s", i, job.ID, want[i])
		}
	}
}

func TestSubscribeUpdates_FiresOnAcceptedObservations(t *testing.T) {
	r, _ := newTestRegistry(10)

	var updates []string
	r.SubscribeUpdates(func(job *models.Job) {
		updates = append(updates, job.ID)
	})

	r.Observe(evt(models.StreamEventCreated, testJob("job-1", models.JobStatusPending)))
	r.Observe(evt(models.StreamEventProgress, testJob("job-1", models.JobStatusRunning)))
	// Terminal observation fires a transition, not an update
	r.Observe(evt(models.StreamEventCompleted, testJob("job-1", models.JobStatusCompleted)))
	// Suppressed duplicate fires nothing
	r.Observe(evt(models.StreamEventCompleted, testJob("job-1", models.JobStatusCompleted)))

	if len(updates) != 2 {
		t.Errorf("update notifications = %d, want 2", len(updates))
	}
}

func TestStats_CountsBuckets(t *testing.T) {
	r, _ := newTestRegistry(10)

	r.Observe(evt(models.StreamEventCreated, testJob("p1", models.JobStatusPending)))
	r.Observe(evt(models.StreamEventCreated, testJob("r1", models.JobStatusRunning)))
	r.Observe(evt(models.StreamEventCreated, testJob("r2", models.JobStatusRunning)))
	r.Observe(evt(models.StreamEventCompleted, testJob("c1", models.JobStatusCompleted)))
	r.Observe(evt(models.StreamEventFailed, testJob("f1", models.JobStatusFailed)))
	r.Observe(evt(models.StreamEventCancelled, testJob("x1", models.JobStatusCancelled)))

	stats := r.Stats()
	if stats.Active != 3 || stats.Pending != 1 || stats.Running != 2 {
		t.Errorf("active buckets wrong: %+v", stats)
	}
	if stats.Completed != 1 || stats.Failed != 1 || stats.Cancelled != 1 || stats.Retained != 3 {
		t.Errorf("terminal buckets wrong: %+v", stats)
	}
}

func TestJob_LooksUpActiveThenRing(t *testing.T) {
	r, _ := newTestRegistry(10)

	r.Observe(evt(models.StreamEventCreated, testJob("active-1", models.JobStatusRunning)))
	r.Observe(evt(models.StreamEventCompleted, testJob("done-1", models.JobStatusCompleted)))

	if job, ok := r.Job("active-1"); !ok || job.Status != models.JobStatusRunning {
		t.Error("active job lookup failed")
	}
	if job, ok := r.Job("done-1"); !ok || job.Status != models.JobStatusCompleted {
		t.Error("completed ring lookup failed")
	}
	if _, ok := r.Job("ghost"); ok {
		t.Error("unknown id should not resolve")
	}
}

func TestLastObserved_TracksActiveOnly(t *testing.T) {
	r, _ := newTestRegistry(10)

	before := time.Now()
	r.Observe(evt(models.StreamEventCreated, testJob("job-1", models.JobStatusRunning)))

	observed, ok := r.LastObserved("job-1")
	if !ok {
		t.Fatal("active job should report LastObserved")
	}
	if observed.Before(before) || observed.After(time.Now()) {
		t.Errorf("LastObserved out of range: %v", observed)
	}

	r.Observe(evt(models.StreamEventCompleted, testJob("job-1", models.JobStatusCompleted)))
	if _, ok := r.LastObserved("job-1"); ok {
		t.Error("completed job should not report LastObserved")
	}
}

func TestClonesAreIsolated(t *testing.T) {
	r, _ := newTestRegistry(10)

	total := 10
	job := testJob("job-1", models.JobStatusRunning)
	job.Total = &total
	r.Observe(evt(models.StreamEventCreated, job))

	clone, _ := r.ActiveJob("job-1")
	clone.Status = models.JobStatusFailed
	*clone.Total = 99
	clone.Message = "mutated"

	fresh, _ := r.ActiveJob("job-1")
	if fresh.Status != models.JobStatusRunning || *fresh.Total != 10 || fresh.Message != "" {
		t.Errorf("registry state leaked through a clone: %+v", fresh)
	}
}
