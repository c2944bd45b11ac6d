// Package control implements the per-job operator actions: cancel, retry,
// delete and unstick. Pre-checks run against the registry's view of the
// world before the store is contacted; nothing here retries on failure.
package control

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/curo/internal/common"
	"github.com/ternarybob/curo/internal/interfaces"
	"github.com/ternarybob/curo/internal/models"
	"github.com/ternarybob/curo/internal/registry"
)

var (
	// ErrUnknownJob rejects an action on an id the registry has never seen.
	ErrUnknownJob = errors.New("job is not tracked")

	// ErrNotCancellable rejects cancelling a job that is not pending or running.
	ErrNotCancellable = errors.New("job is not in a cancellable state")

	// ErrNotRetryable rejects retrying a job that has not failed.
	ErrNotRetryable = errors.New("only failed jobs can be retried")

	// ErrNotDeletable rejects deleting a job that is still active.
	ErrNotDeletable = errors.New("active jobs cannot be deleted")

	// ErrNotStale rejects unsticking a job that is not actually stuck.
	ErrNotStale = errors.New("job is not stuck")
)

// Service performs job control actions against the store.
type Service struct {
	store     interfaces.JobStore
	registry  *registry.Registry
	staleness time.Duration
	logger    arbor.ILogger
}

// NewService creates a job control service. staleness is the observation
// window after which a running job counts as stuck.
func NewService(store interfaces.JobStore, reg *registry.Registry, staleness time.Duration, logger arbor.ILogger) *Service {
	return &Service{
		store:     store,
		registry:  reg,
		staleness: staleness,
		logger:    logger,
	}
}

// Cancel requests cancellation of a pending or running job. Cancellation is
// cooperative: the store acks the request and the cancelled terminal shows
// up later through the stream or a snapshot.
func (s *Service) Cancel(ctx context.Context, id string) error {
	job, ok := s.registry.Job(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, id)
	}
	if job.Status != models.JobStatusPending && job.Status != models.JobStatusRunning {
		return fmt.Errorf("%w: job %s is %s", ErrNotCancellable, id, job.Status)
	}

	if err := s.store.CancelJob(ctx, id); err != nil {
		return err
	}

	s.logger.Info().Str("job_id", id).Str("status", string(job.Status)).Msg("Cancellation requested")
	return nil
}

// Retry requeues a failed job. The store runs the work under a new id,
// which is returned; the new job then arrives through the stream like any
// other.
func (s *Service) Retry(ctx context.Context, id string) (string, error) {
	job, ok := s.registry.Job(id)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownJob, id)
	}
	if job.Status != models.JobStatusFailed {
		return "", fmt.Errorf("%w: job %s is %s", ErrNotRetryable, id, job.Status)
	}

	newID, err := s.store.RetryJob(ctx, id)
	if err != nil {
		return "", err
	}

	s.logger.Info().
		Str("job_id", id).
		Str("new_job_id", newID).
		Msg("Failed job requeued")
	return newID, nil
}

// Delete permanently removes a terminal job's record. A job the registry
// still tracks as active is rejected without contacting the store. Ids the
// registry does not know (for example evicted from the completed history)
// fall through to the store for a status check first.
func (s *Service) Delete(ctx context.Context, id string) error {
	if job, ok := s.registry.ActiveJob(id); ok {
		return fmt.Errorf("%w: job %s is %s", ErrNotDeletable, id, job.Status)
	}

	if _, ok := s.registry.Job(id); !ok {
		job, err := s.store.GetJob(ctx, id)
		if err != nil {
			return err
		}
		if !job.Status.IsTerminal() {
			return fmt.Errorf("%w: job %s is %s", ErrNotDeletable, id, job.Status)
		}
	}

	if err := s.store.DeleteJob(ctx, id); err != nil {
		return err
	}

	s.logger.Info().Str("job_id", id).Msg("Job record deleted")
	return nil
}

// Unstick asks the store to recover a wedged job: running, with no
// observation inside the staleness window. Destructive to the job's
// progress, so rejected whenever the job still shows signs of life.
func (s *Service) Unstick(ctx context.Context, id string) error {
	job, ok := s.registry.ActiveJob(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, id)
	}
	if job.Status != models.JobStatusRunning {
		return fmt.Errorf("%w: job %s is %s, not running", ErrNotStale, id, job.Status)
	}

	lastObserved, _ := s.registry.LastObserved(id)
	check := common.CheckJobStaleness(lastObserved, time.Now(), s.staleness)
	if !check.IsStale {
		return fmt.Errorf("%w: still making progress (%s)", ErrNotStale, check.Reason)
	}

	if err := s.store.UnstickJob(ctx, id); err != nil {
		return err
	}

	s.logger.Warn().
		Str("job_id", id).
		Str("idle", check.Idle.String()).
		Msg("Unstick requested: job progress will be reset")
	return nil
}
