// -----------------------------------------------------------------------
// Job Registry - Authoritative in-memory view of store-owned jobs
// -----------------------------------------------------------------------

package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/curo/internal/models"
	"github.com/ternarybob/curo/internal/telemetry"
)

// DefaultHistorySize bounds the completed-job ring when no size is configured.
const DefaultHistorySize = 200

// assumedCompleteMessage replaces the job message when reconcile decides a
// vanished job finished while we were not looking.
const assumedCompleteMessage = "assumed complete: no longer reported by job store"

// TransitionHandler receives the exactly-once notification for a job
// reaching a terminal state. Handlers run after the registry lock is
// released, in observation order, on the observing goroutine.
type TransitionHandler func(models.Transition)

// UpdateHandler receives a clone of a job after every accepted non-terminal
// observation (insert, progress merge, reconcile upsert).
type UpdateHandler func(*models.Job)

// trackedJob pairs an active job with the time it was last mentioned by the
// stream or a snapshot. The timestamp drives the unstick staleness check.
type trackedJob struct {
	job        *models.Job
	observedAt time.Time
}

// Registry is the engine's single source of truth for job state. One
// consumer goroutine and one poller goroutine feed it; everything it hands
// out is a clone, so callers never see concurrent mutation.
//
// The central correctness property is transition-exactly-once: however many
// duplicate terminal events, reconnect replays, and snapshot reconciles
// mention a finished job, its TransitionHandlers fire exactly once. The
// completed ring's membership set backs that guarantee; once a job is
// evicted from the ring its history is forgotten, so the guarantee spans
// the configured retention window.
type Registry struct {
	mu          sync.Mutex
	active      map[string]*trackedJob
	completed   []*models.Job // FIFO ring, newest last
	completedID map[string]struct{}
	historySize int

	handlers       []TransitionHandler
	updateHandlers []UpdateHandler

	logger arbor.ILogger
}

// New creates a registry retaining up to historySize completed jobs.
func New(historySize int, logger arbor.ILogger) *Registry {
	if historySize <= 0 {
		historySize = DefaultHistorySize
	}
	return &Registry{
		active:      make(map[string]*trackedJob),
		completed:   make([]*models.Job, 0, historySize),
		completedID: make(map[string]struct{}),
		historySize: historySize,
		logger:      logger,
	}
}

// Subscribe registers a handler for terminal transitions. Not safe to call
// concurrently with Observe/Reconcile traffic; wire subscriptions during
// startup.
func (r *Registry) Subscribe(handler TransitionHandler) {
	if handler == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers = append(r.handlers, handler)
}

// SubscribeUpdates registers a handler for accepted non-terminal observations.
func (r *Registry) SubscribeUpdates(handler UpdateHandler) {
	if handler == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updateHandlers = append(r.updateHandlers, handler)
}

// Observe applies one live-stream event to the registry. Malformed events
// are dropped and logged; everything else merges under latest-observed-wins
// rules. Terminal observations move the job to the completed ring and fire
// the exactly-once transition.
func (r *Registry) Observe(evt *models.JobEvent) {
	if evt == nil || !evt.Type.Valid() {
		telemetry.StreamMalformed.Inc()
		r.logger.Warn().Msg("Dropping malformed job event: missing or unknown event type")
		return
	}
	if reason := validateJob(evt.Job); reason != "" {
		telemetry.StreamMalformed.Inc()
		r.logger.Warn().
			Str("event_type", string(evt.Type)).
			Msg("Dropping malformed job event: " + reason)
		return
	}

	now := time.Now()

	r.mu.Lock()
	update, transition := r.upsertLocked(evt.Job, now)
	r.updateGaugesLocked()
	r.mu.Unlock()

	r.fire(update, transition)
}

// Reconcile folds a full store snapshot into the registry. Snapshot entries
// upsert with Observe semantics; active jobs the snapshot no longer mentions
// are optimistically completed with Assumed=true on their transition. The
// poller never calls this on a failed poll, so a broken store keeps the
// previous view intact.
func (r *Registry) Reconcile(snapshot []*models.Job) {
	now := time.Now()

	var updates []*models.Job
	var transitions []models.Transition
	seen := make(map[string]struct{}, len(snapshot))

	r.mu.Lock()
	for _, job := range snapshot {
		if reason := validateJob(job); reason != "" {
			telemetry.StreamMalformed.Inc()
			r.logger.Warn().Msg("Skipping malformed snapshot job: " + reason)
			continue
		}
		seen[job.ID] = struct{}{}
		update, transition := r.upsertLocked(job, now)
		if update != nil {
			updates = append(updates, update)
		}
		if transition != nil {
			transitions = append(transitions, *transition)
		}
	}

	// Active jobs absent from the snapshot finished while we were not
	// looking (terminal event lost to an at-most-once stream). Assume
	// completion rather than showing them active forever.
	for id, tracked := range r.active {
		if _, ok := seen[id]; ok {
			continue
		}
		job := tracked.job
		job.Status = models.JobStatusCompleted
		job.Message = assumedCompleteMessage
		if job.CompletedAt == nil {
			completed := now
			job.CompletedAt = &completed
		}
		delete(r.active, id)
		r.pushCompletedLocked(job)
		transitions = append(transitions, models.Transition{
			JobID:      job.ID,
			JobType:    job.Type,
			Status:     models.JobStatusCompleted,
			Assumed:    true,
			ObservedAt: now,
		})
	}
	r.updateGaugesLocked()
	r.mu.Unlock()

	for _, update := range updates {
		r.fireUpdate(update)
	}
	for _, transition := range transitions {
		r.fireTransition(transition)
	}
}

// upsertLocked merges one observed job. Returns a job clone when the
// observation was an accepted non-terminal update, or a transition when the
// job reached a terminal state. Exactly one of the results is non-nil for
// accepted observations; both are nil for suppressed duplicates.
func (r *Registry) upsertLocked(job *models.Job, now time.Time) (*models.Job, *models.Transition) {
	if _, done := r.completedID[job.ID]; done {
		// Already terminal in the ring: duplicate terminal events and stale
		// snapshot rows for finished jobs are suppressed here.
		return nil, nil
	}

	tracked, known := r.active[job.ID]
	if !known {
		if job.Status.IsTerminal() {
			// First sighting is already terminal: the stream missed the
			// job's lifetime (reconnect gap). Record it directly completed.
			merged := job.Clone()
			if merged.CompletedAt == nil {
				completed := now
				merged.CompletedAt = &completed
			}
			r.pushCompletedLocked(merged)
			return nil, &models.Transition{
				JobID:      merged.ID,
				JobType:    merged.Type,
				Status:     merged.Status,
				ObservedAt: now,
			}
		}
		r.active[job.ID] = &trackedJob{job: job.Clone(), observedAt: now}
		return job.Clone(), nil
	}

	merged := mergeJob(tracked.job, job)
	if job.Status.IsTerminal() {
		if merged.CompletedAt == nil {
			completed := now
			merged.CompletedAt = &completed
		}
		delete(r.active, job.ID)
		r.pushCompletedLocked(merged)
		return nil, &models.Transition{
			JobID:      merged.ID,
			JobType:    merged.Type,
			Status:     merged.Status,
			ObservedAt: now,
		}
	}

	tracked.job = merged
	tracked.observedAt = now
	return merged.Clone(), nil
}

// mergeJob applies an update to a previously known job. Latest observed
// wins: whatever the update carries replaces the old view, except fields
// the update omits (Total, StartedAt, Queue, Type) keep their known values.
// Ordering violations are never rejected; the stream is unordered across
// reconnects and the snapshot poller repairs real divergence.
func mergeJob(prev, update *models.Job) *models.Job {
	merged := update.Clone()
	if merged.Total == nil && prev.Total != nil {
		total := *prev.Total
		merged.Total = &total
	}
	if merged.StartedAt == nil && prev.StartedAt != nil {
		started := *prev.StartedAt
		merged.StartedAt = &started
	}
	if merged.Queue == "" {
		merged.Queue = prev.Queue
	}
	if merged.Type == "" {
		merged.Type = prev.Type
	}
	return merged
}

// pushCompletedLocked appends to the FIFO ring, evicting the oldest entry
// once the ring is full. Eviction also forgets the duplicate-suppression
// record for the evicted id.
func (r *Registry) pushCompletedLocked(job *models.Job) {
	if len(r.completed) == r.historySize {
		evicted := r.completed[0]
		delete(r.completedID, evicted.ID)
		copy(r.completed, r.completed[1:])
		r.completed[len(r.completed)-1] = job
	} else {
		r.completed = append(r.completed, job)
	}
	r.completedID[job.ID] = struct{}{}
}

func (r *Registry) updateGaugesLocked() {
	telemetry.ActiveJobsGauge.Set(float64(len(r.active)))
	telemetry.CompletedGauge.Set(float64(len(r.completed)))
}

func (r *Registry) fire(update *models.Job, transition *models.Transition) {
	if update != nil {
		r.fireUpdate(update)
	}
	if transition != nil {
		r.fireTransition(*transition)
	}
}

func (r *Registry) fireUpdate(job *models.Job) {
	r.mu.Lock()
	handlers := make([]UpdateHandler, len(r.updateHandlers))
	copy(handlers, r.updateHandlers)
	r.mu.Unlock()

	for _, handler := range handlers {
		handler(job)
	}
}

func (r *Registry) fireTransition(transition models.Transition) {
	telemetry.Transitions.Inc()
	if transition.Assumed {
		telemetry.Synthesized.Inc()
	}

	r.logger.Info().
		Str("job_id", transition.JobID).
		Str("job_type", transition.JobType).
		Str("status", string(transition.Status)).
		Bool("assumed", transition.Assumed).
		Msg("Job reached terminal state")

	r.mu.Lock()
	handlers := make([]TransitionHandler, len(r.handlers))
	copy(handlers, r.handlers)
	r.mu.Unlock()

	for _, handler := range handlers {
		handler(transition)
	}
}

// validateJob returns a reason string when the job cannot be tracked.
func validateJob(job *models.Job) string {
	switch {
	case job == nil:
		return "nil job payload"
	case job.ID == "":
		return "empty job id"
	case !job.Status.Valid():
		return "unknown status '" + string(job.Status) + "'"
	}
	return ""
}

// ActiveJobs returns clones of every active job in stable order: started
// jobs first by start time, then unstarted jobs, ties broken by id.
func (r *Registry) ActiveJobs() []*models.Job {
	r.mu.Lock()
	jobs := make([]*models.Job, 0, len(r.active))
	for _, tracked := range r.active {
		jobs = append(jobs, tracked.job.Clone())
	}
	r.mu.Unlock()

	sort.Slice(jobs, func(i, j int) bool {
		a, b := jobs[i], jobs[j]
		switch {
		case a.StartedAt == nil && b.StartedAt == nil:
			return a.ID < b.ID
		case a.StartedAt == nil:
			return false
		case b.StartedAt == nil:
			return true
		case a.StartedAt.Equal(*b.StartedAt):
			return a.ID < b.ID
		default:
			return a.StartedAt.Before(*b.StartedAt)
		}
	})
	return jobs
}

// CompletedJobs returns clones of retained completed jobs, newest first.
// limit <= 0 returns everything still in the ring.
func (r *Registry) CompletedJobs(limit int) []*models.Job {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(r.completed)
	if limit <= 0 || limit > n {
		limit = n
	}
	jobs := make([]*models.Job, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		jobs = append(jobs, r.completed[i].Clone())
	}
	return jobs
}

// Job looks up a job anywhere the registry still knows it: active first,
// then the completed ring.
func (r *Registry) Job(id string) (*models.Job, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if tracked, ok := r.active[id]; ok {
		return tracked.job.Clone(), true
	}
	for i := len(r.completed) - 1; i >= 0; i-- {
		if r.completed[i].ID == id {
			return r.completed[i].Clone(), true
		}
	}
	return nil, false
}

// ActiveJob looks up an active (pending or running) job only.
func (r *Registry) ActiveJob(id string) (*models.Job, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	tracked, ok := r.active[id]
	if !ok {
		return nil, false
	}
	return tracked.job.Clone(), true
}

// LastObserved reports when an active job was last mentioned by the stream
// or a snapshot.
func (r *Registry) LastObserved(id string) (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	tracked, ok := r.active[id]
	if !ok {
		return time.Time{}, false
	}
	return tracked.observedAt, true
}

// Stats summarizes the registry's view for the dashboard.
type Stats struct {
	Active    int `json:"active"`
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
	Retained  int `json:"retained"` // completed-ring occupancy
}

// Stats counts jobs per status bucket. Terminal counts cover the retained
// ring only; the store owns full history.
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	stats := Stats{Retained: len(r.completed)}
	for _, tracked := range r.active {
		stats.Active++
		switch tracked.job.Status {
		case models.JobStatusPending:
			stats.Pending++
		case models.JobStatusRunning:
			stats.Running++
		}
	}
	for _, job := range r.completed {
		switch job.Status {
		case models.JobStatusCompleted:
			stats.Completed++
		case models.JobStatusFailed:
			stats.Failed++
		case models.JobStatusCancelled:
			stats.Cancelled++
		}
	}
	return stats
}
