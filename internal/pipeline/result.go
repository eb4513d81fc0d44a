package pipeline

import "time"

// Failure reasons recorded on a failed step.
const (
	ReasonExit    = "exit"    // Command exited non-zero
	ReasonTimeout = "timeout" // Command exceeded its timeout
	ReasonSpawn   = "spawn"   // Command could not be started
	ReasonSkipped = "skipped" // A dependency failed first
)

// StepResult is the outcome of one target's command.
type StepResult struct {
	Target    string
	Command   string
	Dir       string
	Status    Status
	ExitCode  int
	Reason    string
	Output    string // Captured stdout+stderr, truncated
	StartedAt time.Time
	Duration  time.Duration
}

// Result is the outcome of one pipeline run.
type Result struct {
	ID        string
	Trigger   string // cli, watch
	StartedAt time.Time
	Duration  time.Duration
	Steps     []StepResult
}

// Status reduces the step statuses to a run status: failed if any step
// failed, passed only when every step passed.
func (r *Result) Status() Status {
	passed := true
	for _, s := range r.Steps {
		switch s.Status {
		case StatusFailed:
			return StatusFailed
		case StatusPassed:
		default:
			passed = false
		}
	}
	if passed && len(r.Steps) > 0 {
		return StatusPassed
	}
	return StatusSkipped
}

// Failed returns the failed steps.
func (r *Result) Failed() []StepResult {
	var out []StepResult
	for _, s := range r.Steps {
		if s.Status == StatusFailed {
			out = append(out, s)
		}
	}
	return out
}
