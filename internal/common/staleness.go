// Package common provides shared utilities across the application.
package common

import (
	"fmt"
	"time"
)

// StalenessResult contains the result of a job staleness check.
type StalenessResult struct {
	// IsStale indicates whether the job has gone quiet for longer than the window.
	IsStale bool
	// Idle is how long the job has gone without an observed update.
	Idle time.Duration
	// NextCheckTime is when the job would become stale if nothing else is observed.
	// Zero when the job is already stale.
	NextCheckTime time.Time
	// Reason provides a human-readable explanation for the staleness decision.
	Reason string
}

// CheckJobStaleness determines whether a running job has stopped reporting.
// A job is stale when no event or snapshot has mentioned it for longer than
// the configured window. Stale running jobs are the only candidates for the
// destructive unstick operation.
//
// Parameters:
//   - lastObserved: when the job was last seen in an event or snapshot
//   - now: current time (passed in for testability)
//   - window: the configured staleness window
func CheckJobStaleness(lastObserved time.Time, now time.Time, window time.Duration) StalenessResult {
	// A zero observation time means the job has never been seen on the
	// stream or in a snapshot; treat that as stale so operators can act.
	if lastObserved.IsZero() {
		return StalenessResult{
			IsStale: true,
			Reason:  "job has never been observed, assuming stuck",
		}
	}

	idle := now.Sub(lastObserved)

	if idle >= window {
		return StalenessResult{
			IsStale: true,
			Idle:    idle,
			Reason: fmt.Sprintf(
				"no updates for %s (window %s), job appears stuck",
				idle.Round(time.Second), window,
			),
		}
	}

	return StalenessResult{
		IsStale:       false,
		Idle:          idle,
		NextCheckTime: lastObserved.Add(window),
		Reason: fmt.Sprintf(
			"last update %s ago (window %s), job is still making progress",
			idle.Round(time.Second), window,
		),
	}
}
