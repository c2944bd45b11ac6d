package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/curo/internal/common"
	"github.com/ternarybob/curo/internal/models"
)

// mockStore scripts batch results and records calls in order.
type mockStore struct {
	mu    sync.Mutex
	calls []string

	triageResult  *models.BatchResult
	triageErr     error
	triageBlock   chan struct{} // when set, Triage blocks until closed
	extractResult *models.BatchResult
	extractErr    error
	approveResult *models.BatchResult
	rejectResult  *models.BatchResult
	upgradeResult *models.BatchResult
	enqueueErr    error
}

func br(success bool, errMsg string, counters map[string]int) *models.BatchResult {
	return &models.BatchResult{Success: success, Error: errMsg, Counters: counters}
}

func (m *mockStore) record(call string) {
	m.mu.Lock()
	m.calls = append(m.calls, call)
	m.mu.Unlock()
}

func (m *mockStore) recorded() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.calls))
	copy(out, m.calls)
	return out
}

func (m *mockStore) Triage(ctx context.Context, limit int, autoReject bool) (*models.BatchResult, error) {
	m.record(fmt.Sprintf("triage(%d,%t)", limit, autoReject))
	if m.triageBlock != nil {
		<-m.triageBlock
	}
	if m.triageErr != nil {
		return nil, m.triageErr
	}
	return m.triageResult, nil
}

func (m *mockStore) BatchExtract(ctx context.Context, limit int) (*models.BatchResult, error) {
	m.record(fmt.Sprintf("extract(%d)", limit))
	if m.extractErr != nil {
		return nil, m.extractErr
	}
	return m.extractResult, nil
}

func (m *mockStore) AutoApprove(ctx context.Context, limit int) (*models.BatchResult, error) {
	m.record(fmt.Sprintf("approve(%d)", limit))
	return m.approveResult, nil
}

func (m *mockStore) RejectNotRelevant(ctx context.Context) (*models.BatchResult, error) {
	m.record("reject_not_relevant()")
	return m.rejectResult, nil
}

func (m *mockStore) SchemaUpgrade(ctx context.Context, limit int) (*models.BatchResult, error) {
	m.record(fmt.Sprintf("schema_upgrade(%d)", limit))
	return m.upgradeResult, nil
}

func (m *mockStore) EnqueueJob(ctx context.Context, jobType string, params map[string]interface{}) (string, error) {
	m.record(fmt.Sprintf("enqueue(%s)", jobType))
	if m.enqueueErr != nil {
		return "", m.enqueueErr
	}
	return "job-queued-1", nil
}

func (m *mockStore) GetJob(ctx context.Context, id string) (*models.Job, error) { return nil, nil }
func (m *mockStore) ListJobs(ctx context.Context, status string, limit int) ([]*models.Job, error) {
	return nil, nil
}
func (m *mockStore) CancelJob(ctx context.Context, id string) error          { return nil }
func (m *mockStore) DeleteJob(ctx context.Context, id string) error          { return nil }
func (m *mockStore) RetryJob(ctx context.Context, id string) (string, error) { return "", nil }
func (m *mockStore) UnstickJob(ctx context.Context, id string) error         { return nil }

func testPipelineConfig() *common.PipelineConfig {
	return &common.PipelineConfig{
		ConfirmOverTriage:       100,
		ConfirmOverApprove:      50,
		ConfirmOverUpgrade:      100,
		QueueAllRequiresConfirm: true,
		RejectRequiresConfirm:   true,
		ScheduleLimit:           25,
	}
}

func newTestOrchestrator(store *mockStore) *Orchestrator {
	return NewOrchestrator(store, nil, testPipelineConfig(), arbor.NewLogger())
}

func waitForFinished(t *testing.T, o *Orchestrator) RunStatus {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		status := o.Status()
		if status.State == StateDone || status.State == StateError {
			return status
		}
		select {
		case <-deadline:
			t.Fatalf("run never finished, state %s", status.State)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestRun_ExtractSizedByRecommendation(t *testing.T) {
	store := &mockStore{
		triageResult:  br(true, "", map[string]int{"triaged": 10, "extract_recommended": 4}),
		extractResult: br(true, "", map[string]int{"extracted": 3}),
		approveResult: br(true, "", map[string]int{"approved": 3}),
	}
	o := newTestOrchestrator(store)

	if err := o.Run(context.Background(), RunOptions{Limit: 10, AutoReject: true}); err != nil {
		t.Fatalf("Run failed to start: %v", err)
	}
	status := waitForFinished(t, o)

	if status.State != StateDone {
		t.Fatalf("state = %s, error = %q", status.State, status.Error)
	}

	// Extraction takes triage's recommendation; approval takes the
	// original request limit.
	want := []string{"triage(10,true)", "extract(4)", "approve(10)"}
	got := store.recorded()
	if len(got) != len(want) {
		t.Fatalf("calls = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("calls[%d] = %s, want %s", i, got[i], want[i])
		}
	}

	if len(status.Steps) != 3 {
		t.Errorf("steps = %d, want 3", len(status.Steps))
	}
	for _, part := range []string{"triaged=10", "extract_recommended=4", "extracted=3", "approved=3"} {
		if !strings.Contains(status.Summary, part) {
			t.Errorf("summary %q missing %s", status.Summary, part)
		}
	}
}

func TestRun_TriageFailureHaltsVerbatim(t *testing.T) {
	store := &mockStore{
		triageResult: br(false, "db timeout", nil),
	}
	o := newTestOrchestrator(store)

	if err := o.Run(context.Background(), RunOptions{Limit: 10}); err != nil {
		t.Fatalf("Run failed to start: %v", err)
	}
	status := waitForFinished(t, o)

	if status.State != StateError {
		t.Fatalf("state = %s, want error", status.State)
	}
	if status.Error != "db timeout" {
		t.Errorf("error = %q, want the store's message verbatim", status.Error)
	}
	if calls := store.recorded(); len(calls) != 1 {
		t.Errorf("no step may run after a failed triage: %v", calls)
	}
}

func TestRun_TransportErrorHalts(t *testing.T) {
	store := &mockStore{
		triageResult:  br(true, "", map[string]int{"extract_recommended": 2}),
		extractErr:    errors.New("connection refused"),
		approveResult: br(true, "", nil),
	}
	o := newTestOrchestrator(store)

	if err := o.Run(context.Background(), RunOptions{Limit: 5}); err != nil {
		t.Fatalf("Run failed to start: %v", err)
	}
	status := waitForFinished(t, o)

	if status.State != StateError || !strings.Contains(status.Error, "connection refused") {
		t.Errorf("state = %s, error = %q", status.State, status.Error)
	}
	for _, call := range store.recorded() {
		if strings.HasPrefix(call, "approve") {
			t.Error("approve must not run after a failed extract")
		}
	}
}

func TestRun_NothingRecommendedSkipsToDone(t *testing.T) {
	store := &mockStore{
		triageResult: br(true, "", map[string]int{"triaged": 5, "extract_recommended": 0}),
	}
	o := newTestOrchestrator(store)

	if err := o.Run(context.Background(), RunOptions{Limit: 10}); err != nil {
		t.Fatalf("Run failed to start: %v", err)
	}
	status := waitForFinished(t, o)

	if status.State != StateDone {
		t.Fatalf("state = %s", status.State)
	}
	if calls := store.recorded(); len(calls) != 1 {
		t.Errorf("extract must not run with nothing recommended: %v", calls)
	}
	if !strings.Contains(status.Summary, "triaged=5") {
		t.Errorf("summary = %q", status.Summary)
	}
	if strings.Contains(status.Summary, "extract_recommended") {
		t.Errorf("zero counters must not appear in summary: %q", status.Summary)
	}
}

func TestRun_NothingExtractedSkipsApprove(t *testing.T) {
	store := &mockStore{
		triageResult:  br(true, "", map[string]int{"extract_recommended": 4}),
		extractResult: br(true, "", map[string]int{"extracted": 0}),
	}
	o := newTestOrchestrator(store)

	if err := o.Run(context.Background(), RunOptions{Limit: 10}); err != nil {
		t.Fatalf("Run failed to start: %v", err)
	}
	status := waitForFinished(t, o)

	if status.State != StateDone {
		t.Fatalf("state = %s", status.State)
	}
	for _, call := range store.recorded() {
		if strings.HasPrefix(call, "approve") {
			t.Error("approve must not run with nothing extracted")
		}
	}
}

func TestRun_AllZeroCountersNeutralSummary(t *testing.T) {
	store := &mockStore{
		triageResult: br(true, "", map[string]int{"triaged": 0, "extract_recommended": 0}),
	}
	o := newTestOrchestrator(store)

	if err := o.Run(context.Background(), RunOptions{Limit: 10}); err != nil {
		t.Fatalf("Run failed to start: %v", err)
	}
	status := waitForFinished(t, o)

	if status.Summary != "pipeline complete" {
		t.Errorf("summary = %q, want the neutral wording", status.Summary)
	}
}

func TestRun_SecondOperationRejectedSynchronously(t *testing.T) {
	block := make(chan struct{})
	store := &mockStore{
		triageBlock:   block,
		triageResult:  br(true, "", nil),
		approveResult: br(true, "", nil),
	}
	o := newTestOrchestrator(store)

	if err := o.Run(context.Background(), RunOptions{Limit: 10}); err != nil {
		t.Fatalf("first run failed to start: %v", err)
	}

	// Every operation kind must bounce while the slot is held
	if err := o.Run(context.Background(), RunOptions{Limit: 10}); !errors.Is(err, ErrRunInProgress) {
		t.Errorf("second Run error = %v, want ErrRunInProgress", err)
	}
	if err := o.AutoApprove(context.Background(), 10, false); !errors.Is(err, ErrRunInProgress) {
		t.Errorf("AutoApprove error = %v, want ErrRunInProgress", err)
	}
	if err := o.RejectNotRelevant(context.Background(), true); !errors.Is(err, ErrRunInProgress) {
		t.Errorf("RejectNotRelevant error = %v, want ErrRunInProgress", err)
	}
	if err := o.QueueAll(context.Background(), true); !errors.Is(err, ErrRunInProgress) {
		t.Errorf("QueueAll error = %v, want ErrRunInProgress", err)
	}

	close(block)
	waitForFinished(t, o)

	// Slot is free again
	if err := o.AutoApprove(context.Background(), 10, false); err != nil {
		t.Errorf("operation after release failed: %v", err)
	}
	waitForFinished(t, o)
}

func TestRun_ConfirmationGate(t *testing.T) {
	store := &mockStore{
		triageResult: br(true, "", nil),
	}
	o := newTestOrchestrator(store)

	err := o.Run(context.Background(), RunOptions{Limit: 150})
	var confirmErr *ConfirmationError
	if !errors.As(err, &confirmErr) {
		t.Fatalf("error = %v, want *ConfirmationError", err)
	}
	if confirmErr.Op != OpCurationRun || confirmErr.Limit != 150 || confirmErr.Threshold != 100 {
		t.Errorf("unexpected gate payload: %+v", confirmErr)
	}
	if len(store.recorded()) != 0 {
		t.Error("a gated operation must not reach the store")
	}

	// Same request with confirmation proceeds
	if err := o.Run(context.Background(), RunOptions{Limit: 150, Confirm: true}); err != nil {
		t.Fatalf("confirmed run failed to start: %v", err)
	}
	waitForFinished(t, o)
}

func TestAutoApprove_SingleStep(t *testing.T) {
	store := &mockStore{
		approveResult: br(true, "", map[string]int{"approved": 7}),
	}
	o := newTestOrchestrator(store)

	if err := o.AutoApprove(context.Background(), 20, false); err != nil {
		t.Fatalf("AutoApprove failed to start: %v", err)
	}
	status := waitForFinished(t, o)

	if status.Op != OpAutoApprove || status.State != StateDone {
		t.Errorf("status = %+v", status)
	}
	if calls := store.recorded(); len(calls) != 1 || calls[0] != "approve(20)" {
		t.Errorf("calls = %v", calls)
	}
	if !strings.Contains(status.Summary, "approved=7") {
		t.Errorf("summary = %q", status.Summary)
	}
}

func TestRejectNotRelevant_RequiresConfirm(t *testing.T) {
	store := &mockStore{
		rejectResult: br(true, "", map[string]int{"rejected": 12}),
	}
	o := newTestOrchestrator(store)

	err := o.RejectNotRelevant(context.Background(), false)
	var confirmErr *ConfirmationError
	if !errors.As(err, &confirmErr) {
		t.Fatalf("error = %v, want *ConfirmationError", err)
	}

	if err := o.RejectNotRelevant(context.Background(), true); err != nil {
		t.Fatalf("confirmed reject failed to start: %v", err)
	}
	status := waitForFinished(t, o)
	if status.State != StateDone || !strings.Contains(status.Summary, "rejected=12") {
		t.Errorf("status = %+v", status)
	}
}

func TestSchemaUpgrade_GateAndRun(t *testing.T) {
	store := &mockStore{
		upgradeResult: br(true, "", map[string]int{"upgraded": 3}),
	}
	o := newTestOrchestrator(store)

	if err := o.SchemaUpgrade(context.Background(), 500, false); err == nil {
		t.Fatal("upgrade over threshold without confirm must be rejected")
	}

	if err := o.SchemaUpgrade(context.Background(), 50, false); err != nil {
		t.Fatalf("upgrade under threshold failed to start: %v", err)
	}
	status := waitForFinished(t, o)
	if calls := store.recorded(); len(calls) != 1 || calls[0] != "schema_upgrade(50)" {
		t.Errorf("calls = %v", calls)
	}
	if status.Op != OpSchemaUpgrade {
		t.Errorf("op = %s", status.Op)
	}
}

func TestQueueAll_EnqueuesExactlyOneJob(t *testing.T) {
	store := &mockStore{}
	o := newTestOrchestrator(store)

	if err := o.QueueAll(context.Background(), false); err == nil {
		t.Fatal("queue-all without confirm must be rejected")
	}

	if err := o.QueueAll(context.Background(), true); err != nil {
		t.Fatalf("QueueAll failed to start: %v", err)
	}
	status := waitForFinished(t, o)

	if status.State != StateDone {
		t.Fatalf("state = %s, error = %q", status.State, status.Error)
	}
	calls := store.recorded()
	if len(calls) != 1 || calls[0] != "enqueue(queue_all_unreviewed)" {
		t.Errorf("calls = %v, want exactly one enqueue", calls)
	}
	if !strings.Contains(status.Summary, "job-queued-1") {
		t.Errorf("summary = %q should name the queued job", status.Summary)
	}
}

func TestQueueAll_EnqueueFailure(t *testing.T) {
	store := &mockStore{enqueueErr: errors.New("store down")}
	o := newTestOrchestrator(store)

	if err := o.QueueAll(context.Background(), true); err != nil {
		t.Fatalf("QueueAll failed to start: %v", err)
	}
	status := waitForFinished(t, o)

	if status.State != StateError || !strings.Contains(status.Error, "store down") {
		t.Errorf("status = %+v", status)
	}

	// A failed queue-all releases the slot
	if err := o.QueueAll(context.Background(), true); err != nil {
		t.Errorf("slot not released after failure: %v", err)
	}
	waitForFinished(t, o)
}

func TestStatus_IdleBeforeFirstRun(t *testing.T) {
	o := newTestOrchestrator(&mockStore{})
	status := o.Status()
	if status.State != StateIdle || status.RunID != "" {
		t.Errorf("initial status = %+v", status)
	}
}
