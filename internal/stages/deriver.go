package stages

import (
	"strings"

	"github.com/ternarybob/curo/internal/models"
)

// StageState is the display state of a single stage.
type StageState string

const (
	StagePending   StageState = "pending"
	StageRunning   StageState = "running"
	StageCompleted StageState = "completed"
	StageFailed    StageState = "failed"
)

// StageProgress is one stage of a job's display pipeline.
type StageProgress struct {
	Name  string     `json:"name"`
	Label string     `json:"label"`
	State StageState `json:"state"`
}

// Deriver maps a job's status and message onto per-type stage progress.
// Derivation is pure: it holds no per-job state and the same job yields
// the same progress every time.
type Deriver struct {
	defs map[string][]compiledStage
}

type compiledStage struct {
	def          StageDef
	alternatives []string // lowercased, trimmed match alternatives
}

// NewDeriver compiles stage definitions for matching.
func NewDeriver(defs map[string][]StageDef) *Deriver {
	compiled := make(map[string][]compiledStage, len(defs))
	for jobType, stages := range defs {
		cs := make([]compiledStage, 0, len(stages))
		for _, stage := range stages {
			var alternatives []string
			for _, alt := range strings.Split(stage.Match, "|") {
				alt = strings.ToLower(strings.TrimSpace(alt))
				if alt != "" {
					alternatives = append(alternatives, alt)
				}
			}
			cs = append(cs, compiledStage{def: stage, alternatives: alternatives})
		}
		compiled[jobType] = cs
	}
	return &Deriver{defs: compiled}
}

// HasStages reports whether stage definitions exist for a job type.
func (d *Deriver) HasStages(jobType string) bool {
	_, ok := d.defs[jobType]
	return ok
}

// JobTypes returns the job types with stage definitions.
func (d *Deriver) JobTypes() []string {
	types := make([]string, 0, len(d.defs))
	for jobType := range d.defs {
		types = append(types, jobType)
	}
	return types
}

// Derive returns the stage progress for a job, or nil when its type has no
// stage definitions.
//
// The job's message is scanned against the stage patterns last-to-first; the
// highest matching stage is the active one. Stages before it are completed,
// stages after it pending. The active stage itself takes its state from the
// job status: running/pending show it running, failed shows it failed, and
// cancelled leaves it pending because progress simply stopped there.
// Completed jobs show every stage completed regardless of the last message.
func (d *Deriver) Derive(job *models.Job) []StageProgress {
	if job == nil {
		return nil
	}
	stages, ok := d.defs[job.Type]
	if !ok {
		return nil
	}

	progress := make([]StageProgress, len(stages))
	for i, stage := range stages {
		progress[i] = StageProgress{
			Name:  stage.def.Name,
			Label: stage.def.Label,
			State: StagePending,
		}
	}

	if job.Status == models.JobStatusCompleted {
		for i := range progress {
			progress[i].State = StageCompleted
		}
		return progress
	}

	active := activeIndex(stages, job.Message)
	if active < 0 {
		// Nothing matched: the job has not reached a recognizable stage yet
		return progress
	}

	for i := 0; i < active; i++ {
		progress[i].State = StageCompleted
	}
	switch job.Status {
	case models.JobStatusFailed:
		progress[active].State = StageFailed
	case models.JobStatusCancelled:
		// Progress stopped at the active stage; nothing failed
	default:
		progress[active].State = StageRunning
	}
	return progress
}

// activeIndex scans last-to-first so the furthest stage mentioned in the
// message wins when patterns overlap.
func activeIndex(stages []compiledStage, message string) int {
	msg := strings.ToLower(message)
	for i := len(stages) - 1; i >= 0; i-- {
		for _, alt := range stages[i].alternatives {
			if strings.Contains(msg, alt) {
				return i
			}
		}
	}
	return -1
}
