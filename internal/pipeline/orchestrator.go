// -----------------------------------------------------------------------
// Pipeline Orchestrator - Multi-step curation runs against the batch API
// -----------------------------------------------------------------------

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/curo/internal/common"
	"github.com/ternarybob/curo/internal/interfaces"
	"github.com/ternarybob/curo/internal/models"
	"github.com/ternarybob/curo/internal/telemetry"
)

// RunState is the lifecycle state of a pipeline run.
type RunState string

const (
	StateIdle       RunState = "idle"
	StateTriaging   RunState = "triaging"
	StateExtracting RunState = "extracting"
	StateApproving  RunState = "approving"
	StateRejecting  RunState = "rejecting"
	StateUpgrading  RunState = "upgrading"
	StateQueueing   RunState = "queueing"
	StateDone       RunState = "done"
	StateError      RunState = "error"
)

// Operation names as reported in RunStatus.Op.
const (
	OpCurationRun       = "curation_run"
	OpAutoApprove       = "auto_approve"
	OpRejectNotRelevant = "reject_not_relevant"
	OpSchemaUpgrade     = "schema_upgrade"
	OpQueueAll          = "queue_all"
)

// QueueAllJobType is the job type the queue-all escape hatch enqueues.
const QueueAllJobType = "queue_all_unreviewed"

// ErrRunInProgress is returned synchronously when an operation is requested
// while another still holds the run slot.
var ErrRunInProgress = errors.New("a pipeline operation is already in progress")

// ConfirmationError rejects an operation that needs explicit confirmation:
// its limit exceeds the configured threshold, or its kind always requires
// one. The caller re-submits with Confirm set after the operator agrees.
type ConfirmationError struct {
	Op        string
	Limit     int
	Threshold int
}

func (e *ConfirmationError) Error() string {
	if e.Threshold > 0 {
		return fmt.Sprintf("%s over %d items exceeds the confirmation threshold (%d); confirmation required", e.Op, e.Limit, e.Threshold)
	}
	return fmt.Sprintf("%s requires confirmation", e.Op)
}

// StepResult records one batch call made during a run.
type StepResult struct {
	Name   string              `json:"name"`
	Result *models.BatchResult `json:"result"`
}

// RunStatus is a snapshot of the current or most recent run.
type RunStatus struct {
	RunID      string       `json:"run_id"`
	Op         string       `json:"op"`
	State      RunState     `json:"state"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt *time.Time   `json:"finished_at,omitempty"`
	Steps      []StepResult `json:"steps,omitempty"`
	Summary    string       `json:"summary,omitempty"`
	Error      string       `json:"error,omitempty"`
}

// RunOptions controls a full curation run.
type RunOptions struct {
	Limit      int
	AutoReject bool
	Confirm    bool
}

// Orchestrator drives batch curation against the store. At most one
// operation runs at a time: gating and slot acquisition happen on the
// caller's goroutine, the run body executes in the background detached
// from the caller's context.
type Orchestrator struct {
	store  interfaces.StoreClient
	events interfaces.EventService
	cfg    *common.PipelineConfig
	logger arbor.ILogger

	mu      sync.Mutex
	running bool
	status  RunStatus
	baseCtx context.Context
	cron    *cron.Cron
}

// NewOrchestrator creates a pipeline orchestrator.
func NewOrchestrator(store interfaces.StoreClient, events interfaces.EventService, cfg *common.PipelineConfig, logger arbor.ILogger) *Orchestrator {
	return &Orchestrator{
		store:   store,
		events:  events,
		cfg:     cfg,
		logger:  logger,
		status:  RunStatus{State: StateIdle},
		baseCtx: context.Background(),
	}
}

// Start wires the base context for background runs and, when a schedule is
// configured, begins unattended runs on it.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	o.baseCtx = ctx
	o.mu.Unlock()

	if o.cfg.Schedule == "" {
		return nil
	}

	o.cron = cron.New()
	_, err := o.cron.AddFunc(o.cfg.Schedule, o.scheduledRun)
	if err != nil {
		return fmt.Errorf("failed to schedule pipeline runs: %w", err)
	}
	o.cron.Start()

	o.logger.Info().
		Str("schedule", o.cfg.Schedule).
		Int("limit", o.cfg.ScheduleLimit).
		Bool("auto_reject", o.cfg.ScheduleAutoReject).
		Msg("Scheduled pipeline runs enabled")
	return nil
}

// Stop halts scheduled runs. An in-flight run finishes on its own.
func (o *Orchestrator) Stop() {
	if o.cron != nil {
		o.cron.Stop()
	}
}

func (o *Orchestrator) scheduledRun() {
	o.mu.Lock()
	ctx := o.baseCtx
	o.mu.Unlock()

	opts := RunOptions{
		Limit:      o.cfg.ScheduleLimit,
		AutoReject: o.cfg.ScheduleAutoReject,
		Confirm:    true, // the schedule itself is the operator's consent
	}
	if err := o.Run(ctx, opts); err != nil {
		if errors.Is(err, ErrRunInProgress) {
			o.logger.Warn().Msg("Skipping scheduled run: pipeline busy")
			return
		}
		o.logger.Error().Err(err).Msg("Scheduled run could not start")
	}
}

// Run starts a full curation run: triage, then extraction over whatever
// triage recommended, then approval over the original request limit.
func (o *Orchestrator) Run(ctx context.Context, opts RunOptions) error {
	if opts.Limit > o.cfg.ConfirmOverTriage && !opts.Confirm {
		return &ConfirmationError{Op: OpCurationRun, Limit: opts.Limit, Threshold: o.cfg.ConfirmOverTriage}
	}
	if err := o.acquire(OpCurationRun, StateTriaging); err != nil {
		return err
	}

	common.SafeGo(o.logger, "pipeline-run", func() {
		o.runBody(opts)
	})
	return nil
}

func (o *Orchestrator) runBody(opts RunOptions) {
	ctx := o.background()

	o.logger.Info().
		Int("limit", opts.Limit).
		Bool("auto_reject", opts.AutoReject).
		Msg("Curation run started")

	triage, err := o.store.Triage(ctx, opts.Limit, opts.AutoReject)
	if !o.recordStep("triage", triage, err) {
		return
	}

	recommended := triage.Counter("extract_recommended")
	if recommended == 0 {
		o.finish()
		return
	}

	// Extraction is sized by what triage recommended, not the request limit
	o.setState(StateExtracting)
	extract, err := o.store.BatchExtract(ctx, recommended)
	if !o.recordStep("extract", extract, err) {
		return
	}

	if extract.Counter("extracted") == 0 {
		o.finish()
		return
	}

	o.setState(StateApproving)
	approve, err := o.store.AutoApprove(ctx, opts.Limit)
	if !o.recordStep("approve", approve, err) {
		return
	}

	o.finish()
}

// AutoApprove runs the approval step alone.
func (o *Orchestrator) AutoApprove(ctx context.Context, limit int, confirm bool) error {
	if limit > o.cfg.ConfirmOverApprove && !confirm {
		return &ConfirmationError{Op: OpAutoApprove, Limit: limit, Threshold: o.cfg.ConfirmOverApprove}
	}
	return o.singleStep(OpAutoApprove, StateApproving, "approve", func(ctx context.Context) (*models.BatchResult, error) {
		return o.store.AutoApprove(ctx, limit)
	})
}

// RejectNotRelevant rejects everything triage has marked not relevant.
func (o *Orchestrator) RejectNotRelevant(ctx context.Context, confirm bool) error {
	if o.cfg.RejectRequiresConfirm && !confirm {
		return &ConfirmationError{Op: OpRejectNotRelevant}
	}
	return o.singleStep(OpRejectNotRelevant, StateRejecting, "reject_not_relevant", func(ctx context.Context) (*models.BatchResult, error) {
		return o.store.RejectNotRelevant(ctx)
	})
}

// SchemaUpgrade re-extracts approved incidents stored under an older schema.
func (o *Orchestrator) SchemaUpgrade(ctx context.Context, limit int, confirm bool) error {
	if limit > o.cfg.ConfirmOverUpgrade && !confirm {
		return &ConfirmationError{Op: OpSchemaUpgrade, Limit: limit, Threshold: o.cfg.ConfirmOverUpgrade}
	}
	return o.singleStep(OpSchemaUpgrade, StateUpgrading, "schema_upgrade", func(ctx context.Context) (*models.BatchResult, error) {
		return o.store.SchemaUpgrade(ctx, limit)
	})
}

func (o *Orchestrator) singleStep(op string, state RunState, stepName string, call func(context.Context) (*models.BatchResult, error)) error {
	if err := o.acquire(op, state); err != nil {
		return err
	}

	common.SafeGo(o.logger, "pipeline-"+op, func() {
		o.logger.Info().Str("op", op).Msg("Pipeline operation started")
		result, err := call(o.background())
		if !o.recordStep(stepName, result, err) {
			return
		}
		o.finish()
	})
	return nil
}

// QueueAll enqueues one fire-and-forget job that queues every unreviewed
// incident for extraction. The job is tracked through the registry like any
// other; the run slot is released as soon as the enqueue returns.
func (o *Orchestrator) QueueAll(ctx context.Context, confirm bool) error {
	if o.cfg.QueueAllRequiresConfirm && !confirm {
		return &ConfirmationError{Op: OpQueueAll}
	}
	if err := o.acquire(OpQueueAll, StateQueueing); err != nil {
		return err
	}

	common.SafeGo(o.logger, "pipeline-queue-all", func() {
		jobID, err := o.store.EnqueueJob(o.background(), QueueAllJobType, nil)
		if err != nil {
			o.fail(err.Error())
			return
		}

		o.logger.Info().Str("job_id", jobID).Msg("Queue-all job enqueued")
		o.mu.Lock()
		o.status.Summary = fmt.Sprintf("queued %s job %s", QueueAllJobType, jobID)
		o.mu.Unlock()
		o.finish()
	})
	return nil
}

// Status returns a snapshot of the current or most recent run.
func (o *Orchestrator) Status() RunStatus {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.snapshotLocked()
}

// acquire claims the single run slot and resets the status for a new run.
func (o *Orchestrator) acquire(op string, initial RunState) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.running {
		return ErrRunInProgress
	}
	o.running = true
	o.status = RunStatus{
		RunID:     common.NewRunID(),
		Op:        op,
		State:     initial,
		StartedAt: time.Now(),
	}
	telemetry.PipelineRuns.Inc()
	o.publishLocked()
	return nil
}

// recordStep stores a step outcome. Returns false when the step failed, in
// which case the run has already been moved to the error state with the
// upstream message carried verbatim.
func (o *Orchestrator) recordStep(name string, result *models.BatchResult, err error) bool {
	if err != nil {
		o.fail(err.Error())
		return false
	}

	o.mu.Lock()
	o.status.Steps = append(o.status.Steps, StepResult{Name: name, Result: result})
	o.publishLocked()
	o.mu.Unlock()

	if !result.Success {
		o.fail(result.Error)
		return false
	}
	return true
}

func (o *Orchestrator) setState(state RunState) {
	o.mu.Lock()
	o.status.State = state
	o.publishLocked()
	o.mu.Unlock()
}

func (o *Orchestrator) finish() {
	now := time.Now()
	o.mu.Lock()
	o.status.State = StateDone
	o.status.FinishedAt = &now
	if o.status.Summary == "" {
		o.status.Summary = summarize(o.status.Steps)
	}
	summary := o.status.Summary
	op := o.status.Op
	o.publishLocked()
	o.running = false
	o.mu.Unlock()

	o.logger.Info().Str("op", op).Str("summary", summary).Msg("Pipeline operation finished")
}

func (o *Orchestrator) fail(message string) {
	now := time.Now()
	o.mu.Lock()
	o.status.State = StateError
	o.status.Error = message
	o.status.FinishedAt = &now
	op := o.status.Op
	o.publishLocked()
	o.running = false
	o.mu.Unlock()

	telemetry.PipelineErrors.Inc()
	o.logger.Error().Str("op", op).Str("error", message).Msg("Pipeline operation failed")
}

// summarize flattens the non-zero counters of the steps that ran into one
// operator-readable line. A run that touched nothing reports neutrally.
func summarize(steps []StepResult) string {
	var parts []string
	for _, step := range steps {
		names := make([]string, 0, len(step.Result.Counters))
		for name, value := range step.Result.Counters {
			if value != 0 {
				names = append(names, name)
			}
		}
		if len(names) == 0 {
			continue
		}
		sort.Strings(names)

		counters := make([]string, 0, len(names))
		for _, name := range names {
			counters = append(counters, fmt.Sprintf("%s=%d", name, step.Result.Counters[name]))
		}
		parts = append(parts, fmt.Sprintf("%s: %s", step.Name, strings.Join(counters, " ")))
	}

	if len(parts) == 0 {
		return "pipeline complete"
	}
	return strings.Join(parts, "; ")
}

func (o *Orchestrator) background() context.Context {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.baseCtx
}

func (o *Orchestrator) snapshotLocked() RunStatus {
	snap := o.status
	snap.Steps = make([]StepResult, len(o.status.Steps))
	copy(snap.Steps, o.status.Steps)
	if o.status.FinishedAt != nil {
		finished := *o.status.FinishedAt
		snap.FinishedAt = &finished
	}
	return snap
}

// publishLocked pushes the current status to dashboard subscribers. Caller
// holds the mutex.
func (o *Orchestrator) publishLocked() {
	if o.events == nil {
		return
	}
	snap := o.snapshotLocked()
	err := o.events.Publish(o.baseCtx, interfaces.Event{
		Type:    interfaces.EventPipelineStatus,
		Payload: snap,
	})
	if err != nil {
		o.logger.Warn().Err(err).Msg("Failed to publish pipeline status")
	}
}
