// Package pipeline defines the build pipeline model: targets, ordering, and
// run results.
package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"monoforge/internal/config"
	"monoforge/internal/detect"
	"monoforge/internal/logging"
)

// Status is the lifecycle state of a step or run.
type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusPassed  Status = "passed"
	StatusFailed  Status = "failed"
	StatusSkipped Status = "skipped"
)

// Target is one resolved build step.
type Target struct {
	Name     string
	Dir      string // Absolute
	Command  string
	Kind     string
	Timeout  time.Duration
	Env      map[string]string
	Needs    []string
	Detected bool // Command came from detection, not config
}

// Pipeline is an ordered set of targets rooted at a workspace.
type Pipeline struct {
	Workspace string
	Targets   []Target
}

// FromConfig resolves config targets into a Pipeline. Target dirs are
// resolved against the workspace and empty commands are filled by detection.
func FromConfig(cfg *config.Config, workspace string) (*Pipeline, error) {
	abs, err := filepath.Abs(workspace)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve workspace: %w", err)
	}

	defaultTimeout := cfg.GetDefaultTimeout()

	p := &Pipeline{Workspace: abs}
	for _, tc := range cfg.Targets {
		dir := tc.Dir
		if !filepath.IsAbs(dir) {
			dir = filepath.Join(abs, dir)
		}

		t := Target{
			Name:    tc.Name,
			Dir:     dir,
			Command: tc.Command,
			Kind:    tc.Kind,
			Timeout: tc.GetTimeout(defaultTimeout),
			Env:     tc.Env,
			Needs:   tc.Needs,
		}

		if t.Command == "" {
			t.Command = detect.CommandFor(detect.Kind(tc.Kind), dir)
			t.Detected = t.Command != ""
			logging.PipelineDebug("detected command for %s: %q", t.Name, t.Command)
		}

		p.Targets = append(p.Targets, t)
	}

	return p, nil
}

// Validate checks the pipeline is runnable: named targets with commands,
// existing directories, known dependencies, and no dependency cycles.
func (p *Pipeline) Validate() error {
	if len(p.Targets) == 0 {
		return fmt.Errorf("pipeline has no targets")
	}

	byName := make(map[string]bool, len(p.Targets))
	for _, t := range p.Targets {
		if t.Name == "" {
			return fmt.Errorf("target with dir %q has no name", t.Dir)
		}
		if byName[t.Name] {
			return fmt.Errorf("duplicate target name %q", t.Name)
		}
		byName[t.Name] = true
	}

	for _, t := range p.Targets {
		if t.Command == "" {
			return fmt.Errorf("target %q: could not detect a command, please specify one", t.Name)
		}
		if info, err := os.Stat(t.Dir); err != nil || !info.IsDir() {
			return fmt.Errorf("target %q: directory %s does not exist", t.Name, t.Dir)
		}
		for _, need := range t.Needs {
			if !byName[need] {
				return fmt.Errorf("target %q needs unknown target %q", t.Name, need)
			}
			if need == t.Name {
				return fmt.Errorf("target %q needs itself", t.Name)
			}
		}
	}

	if _, err := p.Stages(); err != nil {
		return err
	}

	return nil
}

// Stages layers targets so that every target appears after all of its
// dependencies. Targets within a stage are independent of each other and
// keep their declaration order; the sequential runner walks a stage in that
// order, so without `needs` and without parallelism the run is strict
// declaration order.
func (p *Pipeline) Stages() ([][]Target, error) {
	if p.hasNeeds() {
		return p.layerByNeeds()
	}

	// No ordering constraints: one stage, declaration order
	stage := make([]Target, len(p.Targets))
	copy(stage, p.Targets)
	return [][]Target{stage}, nil
}

func (p *Pipeline) hasNeeds() bool {
	for _, t := range p.Targets {
		if len(t.Needs) > 0 {
			return true
		}
	}
	return false
}

// layerByNeeds performs Kahn layering over the dependency graph.
func (p *Pipeline) layerByNeeds() ([][]Target, error) {
	byName := make(map[string]Target, len(p.Targets))
	for _, t := range p.Targets {
		byName[t.Name] = t
	}

	// Needs pointing outside the pipeline (filtered views) impose no order
	indegree := make(map[string]int, len(p.Targets))
	for _, t := range p.Targets {
		for _, need := range t.Needs {
			if _, ok := byName[need]; ok {
				indegree[t.Name]++
			}
		}
	}

	var stages [][]Target
	placed := make(map[string]bool, len(p.Targets))

	for len(placed) < len(p.Targets) {
		var stage []Target
		for _, t := range p.Targets { // Declaration order within the stage
			if placed[t.Name] || indegree[t.Name] != 0 {
				continue
			}
			stage = append(stage, t)
		}
		if len(stage) == 0 {
			return nil, fmt.Errorf("dependency cycle among targets: %v", p.unplaced(placed))
		}
		for _, t := range stage {
			placed[t.Name] = true
		}
		for _, t := range p.Targets {
			if placed[t.Name] {
				continue
			}
			for _, need := range t.Needs {
				if isIn(stage, need) {
					indegree[t.Name]--
				}
			}
		}
		stages = append(stages, stage)
	}

	return stages, nil
}

func (p *Pipeline) unplaced(placed map[string]bool) []string {
	var names []string
	for _, t := range p.Targets {
		if !placed[t.Name] {
			names = append(names, t.Name)
		}
	}
	return names
}

func isIn(stage []Target, name string) bool {
	for _, t := range stage {
		if t.Name == name {
			return true
		}
	}
	return false
}

// Filter returns a pipeline restricted to the named targets plus their
// transitive dependencies.
func (p *Pipeline) Filter(names []string) (*Pipeline, error) {
	byName := make(map[string]Target, len(p.Targets))
	for _, t := range p.Targets {
		byName[t.Name] = t
	}

	keep := make(map[string]bool)
	var visit func(name string) error
	visit = func(name string) error {
		if keep[name] {
			return nil
		}
		t, ok := byName[name]
		if !ok {
			return fmt.Errorf("unknown target %q", name)
		}
		keep[name] = true
		for _, need := range t.Needs {
			if err := visit(need); err != nil {
				return err
			}
		}
		return nil
	}

	for _, name := range names {
		if err := visit(name); err != nil {
			return nil, err
		}
	}

	out := &Pipeline{Workspace: p.Workspace}
	for _, t := range p.Targets {
		if keep[t.Name] {
			out.Targets = append(out.Targets, t)
		}
	}
	return out, nil
}

// Affected returns a pipeline of the named targets plus every target that
// transitively depends on them. Needs referencing excluded targets are kept;
// staging ignores them.
func (p *Pipeline) Affected(names []string) *Pipeline {
	keep := make(map[string]bool, len(names))
	for _, n := range names {
		keep[n] = true
	}

	// Dependents close over declaration order, so one forward pass per
	// target suffices only if dependencies precede dependents; iterate to
	// a fixed point instead.
	for changed := true; changed; {
		changed = false
		for _, t := range p.Targets {
			if keep[t.Name] {
				continue
			}
			for _, need := range t.Needs {
				if keep[need] {
					keep[t.Name] = true
					changed = true
					break
				}
			}
		}
	}

	out := &Pipeline{Workspace: p.Workspace}
	for _, t := range p.Targets {
		if keep[t.Name] {
			out.Targets = append(out.Targets, t)
		}
	}
	return out
}

// FilterKind returns a pipeline restricted to targets of the given kind.
// Dependencies are not pulled in: kind filtering is for running one class
// of checks (e.g. all typechecks) in isolation.
func (p *Pipeline) FilterKind(kind string) *Pipeline {
	out := &Pipeline{Workspace: p.Workspace}
	for _, t := range p.Targets {
		if t.Kind == kind {
			t.Needs = nil
			out.Targets = append(out.Targets, t)
		}
	}
	return out
}
