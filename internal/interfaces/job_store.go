package interfaces

import (
	"context"

	"github.com/ternarybob/curo/internal/models"
)

// JobStore is the engine's contract with the external job store's REST API.
// The store owns all durable job state; the engine never persists anything.
// Every method maps to one HTTP call and returns the store's answer as-is,
// with no implicit retries. Callers decide what a failure means.
type JobStore interface {
	// EnqueueJob submits a new job and returns the store-assigned job ID.
	EnqueueJob(ctx context.Context, jobType string, params map[string]interface{}) (string, error)

	// GetJob fetches a single job by ID.
	GetJob(ctx context.Context, jobID string) (*models.Job, error)

	// ListJobs fetches jobs, optionally filtered by status. An empty status
	// means all statuses. limit <= 0 lets the store pick its default.
	ListJobs(ctx context.Context, status string, limit int) ([]*models.Job, error)

	// CancelJob requests cooperative cancellation of a pending or running job.
	CancelJob(ctx context.Context, jobID string) error

	// DeleteJob permanently removes a terminal job from the store.
	DeleteJob(ctx context.Context, jobID string) error

	// RetryJob clones a failed job into a fresh one and returns the new ID.
	// The original job is left untouched.
	RetryJob(ctx context.Context, jobID string) (string, error)

	// UnstickJob resets a wedged running job back to pending. Destructive to
	// the job's progress; the store acks without waiting for the reset.
	UnstickJob(ctx context.Context, jobID string) error
}

// BatchAPI is the engine's contract with the store's synchronous batch
// curation endpoints. Calls block until the batch finishes server-side and
// reply with a BatchResult; success=false with a populated Error is a
// step-level failure, not a transport error.
type BatchAPI interface {
	// Triage classifies up to limit unreviewed incidents. With autoReject the
	// store also discards items below its relevance floor.
	Triage(ctx context.Context, limit int, autoReject bool) (*models.BatchResult, error)

	// BatchExtract runs extraction over up to limit triage-recommended incidents.
	BatchExtract(ctx context.Context, limit int) (*models.BatchResult, error)

	// AutoApprove approves up to limit extracted incidents that pass the
	// store's confidence bar.
	AutoApprove(ctx context.Context, limit int) (*models.BatchResult, error)

	// RejectNotRelevant discards every incident the store has marked not relevant.
	RejectNotRelevant(ctx context.Context) (*models.BatchResult, error)

	// SchemaUpgrade re-extracts up to limit incidents stored under an older
	// extraction schema.
	SchemaUpgrade(ctx context.Context, limit int) (*models.BatchResult, error)
}

// StoreClient is the full client surface against the job store.
type StoreClient interface {
	JobStore
	BatchAPI
}
