// -----------------------------------------------------------------------
// Curation Job - Engine-side view of a job owned by the external job store
// -----------------------------------------------------------------------

package models

import (
	"time"
)

// JobStatus represents the lifecycle state of a curation job.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// IsTerminal returns true for states a job never leaves.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// Valid returns true if the status is one of the known lifecycle states.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusPending, JobStatusRunning, JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// Job is the engine's view of a job owned by the external job store.
// The store is authoritative; this struct carries whatever the store last
// reported. Total is nil until the store knows the size of the work.
// Message is free text and the only channel the store uses to describe
// sub-stage activity, so the stage deriver reads it but nothing parses it
// beyond that.
type Job struct {
	ID          string     `json:"id"`
	Type        string     `json:"job_type"`
	Status      JobStatus  `json:"status"`
	Progress    int        `json:"progress"`
	Total       *int       `json:"total,omitempty"`
	Message     string     `json:"message,omitempty"`
	Queue       string     `json:"queue,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	RetryCount  int        `json:"retry_count"`
	MaxRetries  int        `json:"max_retries"`
	Error       string     `json:"error,omitempty"`
}

// IsTerminal returns true if the job is in a terminal state.
func (j *Job) IsTerminal() bool {
	return j.Status.IsTerminal()
}

// IsActive returns true while the job can still change state.
func (j *Job) IsActive() bool {
	return j.Status == JobStatusPending || j.Status == JobStatusRunning
}

// Clone returns a copy of the job safe to hand outside the registry lock.
func (j *Job) Clone() *Job {
	clone := *j
	if j.Total != nil {
		total := *j.Total
		clone.Total = &total
	}
	if j.StartedAt != nil {
		started := *j.StartedAt
		clone.StartedAt = &started
	}
	if j.CompletedAt != nil {
		completed := *j.CompletedAt
		clone.CompletedAt = &completed
	}
	return &clone
}

// StreamEventType classifies messages on the store's live update channel.
type StreamEventType string

const (
	StreamEventCreated   StreamEventType = "created"
	StreamEventProgress  StreamEventType = "progress"
	StreamEventCompleted StreamEventType = "completed"
	StreamEventFailed    StreamEventType = "failed"
	StreamEventCancelled StreamEventType = "cancelled"
)

// Valid returns true if the event type is one the store emits.
func (t StreamEventType) Valid() bool {
	switch t {
	case StreamEventCreated, StreamEventProgress, StreamEventCompleted, StreamEventFailed, StreamEventCancelled:
		return true
	}
	return false
}

// JobEvent is a single message from the live update channel. Delivery is
// at-most-once and ordering only holds within one connection, so consumers
// treat the embedded job as the latest observation rather than a strict
// state machine input.
type JobEvent struct {
	Type StreamEventType `json:"event_type"`
	Job  *Job            `json:"job"`
}

// Transition is the exactly-once notification the registry emits when a job
// reaches a terminal state. Assumed is true when the registry synthesized
// the completion itself because the job vanished from a store snapshot
// before a terminal event arrived.
type Transition struct {
	JobID      string    `json:"job_id"`
	JobType    string    `json:"job_type"`
	Status     JobStatus `json:"status"`
	Assumed    bool      `json:"assumed,omitempty"`
	ObservedAt time.Time `json:"observed_at"`
}
