// Package runner executes a pipeline's targets as child processes.
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"runtime"
	"sync"
	"time"

	"monoforge/internal/buildenv"
	"monoforge/internal/config"
	"monoforge/internal/logging"
	"monoforge/internal/pipeline"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// execCommandContext is swapped out by tests.
var execCommandContext = exec.CommandContext

// Events receives progress callbacks during a run. Nil funcs are skipped.
type Events struct {
	StepStarted  func(t pipeline.Target)
	StepFinished func(s pipeline.StepResult)
}

// Runner executes pipelines. The zero value is not usable; use New.
type Runner struct {
	cfg *config.Config

	// Parallelism caps concurrent targets within a stage. 1 means the
	// whole run is strictly sequential.
	Parallelism int

	// KeepGoing continues independent targets after a failure.
	KeepGoing bool

	Events Events
}

// New creates a Runner configured from the execution config.
func New(cfg *config.Config) *Runner {
	r := &Runner{
		cfg:         cfg,
		Parallelism: cfg.Execution.Parallelism,
		KeepGoing:   cfg.Execution.KeepGoing,
	}
	if r.Parallelism < 1 {
		r.Parallelism = 1
	}
	return r
}

// Run executes the pipeline stage by stage and returns the aggregate
// result. Step failures are recorded in the result, not returned as an
// error; the error return covers infrastructure problems only.
func (r *Runner) Run(ctx context.Context, p *pipeline.Pipeline, trigger string) (*pipeline.Result, error) {
	stages, err := p.Stages()
	if err != nil {
		return nil, err
	}

	result := &pipeline.Result{
		ID:        uuid.NewString(),
		Trigger:   trigger,
		StartedAt: time.Now(),
	}
	logging.Pipeline("run %s started: %d targets, parallelism=%d", result.ID, len(p.Targets), r.Parallelism)

	// Names of targets that failed or were skipped; their dependents skip.
	dead := make(map[string]bool)
	stopped := false

	for _, stage := range stages {
		var runnable []pipeline.Target
		for _, t := range stage {
			if stopped || r.blockedBy(t, dead) {
				dead[t.Name] = true
				result.Steps = append(result.Steps, skippedStep(t))
				continue
			}
			runnable = append(runnable, t)
		}

		var stageResults []pipeline.StepResult
		if r.Parallelism > 1 && len(runnable) > 1 {
			stageResults = r.runStageParallel(ctx, runnable)
		} else {
			stageResults = r.runStageSequential(ctx, runnable)
		}

		for _, s := range stageResults {
			if s.Status != pipeline.StatusPassed {
				dead[s.Target] = true
				if !r.KeepGoing {
					stopped = true
				}
			}
			result.Steps = append(result.Steps, s)
		}
	}

	result.Duration = time.Since(result.StartedAt)
	logging.Pipeline("run %s finished: %s in %v", result.ID, result.Status(), result.Duration)
	return result, nil
}

// runStageSequential runs targets one at a time in declaration order.
// Without keep_going, a failure skips the rest of the stage.
func (r *Runner) runStageSequential(ctx context.Context, targets []pipeline.Target) []pipeline.StepResult {
	var results []pipeline.StepResult
	failed := false
	for _, t := range targets {
		if failed && !r.KeepGoing {
			results = append(results, skippedStep(t))
			continue
		}
		s := r.runStep(ctx, t)
		if s.Status != pipeline.StatusPassed {
			failed = true
		}
		results = append(results, s)
	}
	return results
}

// runStageParallel runs independent targets of one stage concurrently,
// bounded by Parallelism. Siblings are not cancelled when one fails; the
// stage reports complete results either way.
func (r *Runner) runStageParallel(ctx context.Context, targets []pipeline.Target) []pipeline.StepResult {
	results := make([]pipeline.StepResult, len(targets))

	var g errgroup.Group
	g.SetLimit(r.Parallelism)
	var mu sync.Mutex // Guards Events callbacks, which callers may not synchronize

	for i, t := range targets {
		i, t := i, t
		g.Go(func() error {
			s := r.runStepWithLockedEvents(ctx, t, &mu)
			results[i] = s
			return nil
		})
	}
	_ = g.Wait() // Step failures are data, goroutines never error

	return results
}

func (r *Runner) runStepWithLockedEvents(ctx context.Context, t pipeline.Target, mu *sync.Mutex) pipeline.StepResult {
	if r.Events.StepStarted != nil {
		mu.Lock()
		r.Events.StepStarted(t)
		mu.Unlock()
	}
	s := r.execute(ctx, t)
	if r.Events.StepFinished != nil {
		mu.Lock()
		r.Events.StepFinished(s)
		mu.Unlock()
	}
	return s
}

// runStep executes a single target with events.
func (r *Runner) runStep(ctx context.Context, t pipeline.Target) pipeline.StepResult {
	if r.Events.StepStarted != nil {
		r.Events.StepStarted(t)
	}
	s := r.execute(ctx, t)
	if r.Events.StepFinished != nil {
		r.Events.StepFinished(s)
	}
	return s
}

// execute runs the target's command through the shell with a timeout and
// captured output.
func (r *Runner) execute(ctx context.Context, t pipeline.Target) pipeline.StepResult {
	s := pipeline.StepResult{
		Target:    t.Name,
		Command:   t.Command,
		Dir:       t.Dir,
		StartedAt: time.Now(),
	}

	execCtx, cancel := context.WithTimeout(ctx, t.Timeout)
	defer cancel()

	logging.ExecDebug("run_step: target=%s cmd=%s dir=%s timeout=%v", t.Name, t.Command, t.Dir, t.Timeout)

	var cmd *exec.Cmd
	if runtime.GOOS == "windows" {
		cmd = execCommandContext(execCtx, "cmd", "/C", t.Command)
	} else {
		cmd = execCommandContext(execCtx, "sh", "-c", t.Command)
	}
	cmd.Dir = t.Dir
	cmd.Env = buildenv.ForTarget(r.cfg, t.Name, t.Env)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	s.Duration = time.Since(s.StartedAt)

	output := stdout.String()
	if stderr.Len() > 0 {
		if output != "" {
			output += "\n--- stderr ---\n"
		}
		output += stderr.String()
	}
	s.Output = r.truncate(output)

	if err == nil {
		s.Status = pipeline.StatusPassed
		logging.Exec("step %s passed in %v (%d bytes output)", t.Name, s.Duration, len(output))
		return s
	}

	s.Status = pipeline.StatusFailed

	if execCtx.Err() == context.DeadlineExceeded {
		s.Reason = pipeline.ReasonTimeout
		s.ExitCode = -1
		logging.ExecError("step %s timed out after %v", t.Name, t.Timeout)
		return s
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		s.Reason = pipeline.ReasonExit
		s.ExitCode = exitErr.ExitCode()
		logging.ExecError("step %s failed: exit %d", t.Name, s.ExitCode)
		return s
	}

	// Command never started (shell missing, bad dir, ...)
	s.Reason = pipeline.ReasonSpawn
	s.ExitCode = -1
	s.Output = r.truncate(fmt.Sprintf("%s\n%v", output, err))
	logging.ExecError("step %s spawn failed: %v", t.Name, err)
	return s
}

func (r *Runner) truncate(output string) string {
	limit := r.cfg.Execution.OutputLimit
	if limit <= 0 {
		limit = 50000
	}
	if len(output) > limit {
		return output[:limit] + "\n...[truncated]"
	}
	return output
}

// blockedBy reports whether any dependency of t already failed or was
// skipped.
func (r *Runner) blockedBy(t pipeline.Target, dead map[string]bool) bool {
	for _, need := range t.Needs {
		if dead[need] {
			return true
		}
	}
	return false
}

func skippedStep(t pipeline.Target) pipeline.StepResult {
	return pipeline.StepResult{
		Target:    t.Name,
		Command:   t.Command,
		Dir:       t.Dir,
		Status:    pipeline.StatusSkipped,
		Reason:    pipeline.ReasonSkipped,
		StartedAt: time.Now(),
	}
}
