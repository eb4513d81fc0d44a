package runner

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"testing"
	"time"

	"monoforge/internal/config"
	"monoforge/internal/pipeline"
)

// =============================================================================
// MOCK HELPER
// =============================================================================

// TestHelperProcess isn't a real test. It's used as a helper process
// for mocking exec.Command. The runner rebuilds cmd.Env from the
// whitelist plus the target's env map, so the mock controls travel as
// target env vars, not process env vars.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}

	if ms := os.Getenv("MOCK_SLEEP_MS"); ms != "" {
		n, _ := strconv.Atoi(ms)
		time.Sleep(time.Duration(n) * time.Millisecond)
	}

	if val := os.Getenv("MOCK_OUTPUT"); val != "" {
		fmt.Fprint(os.Stdout, val)
	} else {
		// Default behavior: print args
		// Args will be [binary, -test.run=TestHelperProcess, --, command...]
		args := os.Args
		for i, arg := range args {
			if arg == "--" {
				fmt.Fprint(os.Stdout, strings.Join(args[i+1:], " "))
				break
			}
		}
	}
	if val := os.Getenv("MOCK_STDERR"); val != "" {
		fmt.Fprint(os.Stderr, val)
	}

	code := 0
	if val := os.Getenv("MOCK_EXIT_CODE"); val != "" {
		code, _ = strconv.Atoi(val)
	}
	os.Exit(code)
}

func fakeExecCommandContext(ctx context.Context, command string, args ...string) *exec.Cmd {
	cs := []string{"-test.run=TestHelperProcess", "--", command}
	cs = append(cs, args...)
	return exec.CommandContext(ctx, os.Args[0], cs...)
}

func withFakeExec(t *testing.T) {
	t.Helper()
	old := execCommandContext
	execCommandContext = fakeExecCommandContext
	t.Cleanup(func() { execCommandContext = old })
}

// mockTarget builds a target whose env activates the helper process.
func mockTarget(t *testing.T, name string, env map[string]string) pipeline.Target {
	t.Helper()
	merged := map[string]string{"GO_WANT_HELPER_PROCESS": "1"}
	for k, v := range env {
		merged[k] = v
	}
	return pipeline.Target{
		Name:    name,
		Dir:     t.TempDir(),
		Command: "echo " + name,
		Timeout: 10 * time.Second,
		Env:     merged,
	}
}

func testRunner() *Runner {
	return New(config.DefaultConfig())
}

// =============================================================================
// EXECUTE TESTS
// =============================================================================

func TestExecute_Success(t *testing.T) {
	withFakeExec(t)

	target := mockTarget(t, "backend", map[string]string{"MOCK_OUTPUT": "build done"})
	s := testRunner().execute(context.Background(), target)

	if s.Status != pipeline.StatusPassed {
		t.Fatalf("expected passed, got %s (reason=%s)", s.Status, s.Reason)
	}
	if s.Output != "build done" {
		t.Errorf("expected 'build done', got: %q", s.Output)
	}
	if s.ExitCode != 0 {
		t.Errorf("expected exit 0, got %d", s.ExitCode)
	}
}

func TestExecute_NonZeroExit(t *testing.T) {
	withFakeExec(t)

	target := mockTarget(t, "backend", map[string]string{
		"MOCK_OUTPUT":    "compiling...",
		"MOCK_EXIT_CODE": "2",
	})
	s := testRunner().execute(context.Background(), target)

	if s.Status != pipeline.StatusFailed {
		t.Fatalf("expected failed, got %s", s.Status)
	}
	if s.Reason != pipeline.ReasonExit {
		t.Errorf("expected reason exit, got %s", s.Reason)
	}
	if s.ExitCode != 2 {
		t.Errorf("expected exit 2, got %d", s.ExitCode)
	}
	if !strings.Contains(s.Output, "compiling...") {
		t.Errorf("output should be captured on failure, got: %q", s.Output)
	}
}

func TestExecute_StderrSeparator(t *testing.T) {
	withFakeExec(t)

	target := mockTarget(t, "backend", map[string]string{
		"MOCK_OUTPUT": "out",
		"MOCK_STDERR": "warning: something",
	})
	s := testRunner().execute(context.Background(), target)

	if !strings.Contains(s.Output, "--- stderr ---") {
		t.Errorf("expected stderr separator, got: %q", s.Output)
	}
	if !strings.Contains(s.Output, "warning: something") {
		t.Errorf("expected stderr content, got: %q", s.Output)
	}
}

func TestExecute_Timeout(t *testing.T) {
	withFakeExec(t)

	target := mockTarget(t, "slow", map[string]string{"MOCK_SLEEP_MS": "2000"})
	target.Timeout = 100 * time.Millisecond

	s := testRunner().execute(context.Background(), target)

	if s.Status != pipeline.StatusFailed {
		t.Fatalf("expected failed, got %s", s.Status)
	}
	if s.Reason != pipeline.ReasonTimeout {
		t.Errorf("expected reason timeout, got %s", s.Reason)
	}
}

func TestExecute_TruncatesOutput(t *testing.T) {
	withFakeExec(t)

	cfg := config.DefaultConfig()
	cfg.Execution.OutputLimit = 16
	r := New(cfg)

	target := mockTarget(t, "noisy", map[string]string{
		"MOCK_OUTPUT": strings.Repeat("x", 100),
	})
	s := r.execute(context.Background(), target)

	if !strings.HasSuffix(s.Output, "...[truncated]") {
		t.Errorf("expected truncation marker, got: %q", s.Output)
	}
	if len(s.Output) > 16+len("\n...[truncated]") {
		t.Errorf("output too long: %d bytes", len(s.Output))
	}
}

// =============================================================================
// RUN TESTS
// =============================================================================

func pipelineOf(targets ...pipeline.Target) *pipeline.Pipeline {
	return &pipeline.Pipeline{Workspace: "/tmp", Targets: targets}
}

func stepStatuses(result *pipeline.Result) map[string]pipeline.Status {
	out := make(map[string]pipeline.Status)
	for _, s := range result.Steps {
		out[s.Target] = s.Status
	}
	return out
}

func TestRun_AllPass(t *testing.T) {
	withFakeExec(t)

	p := pipelineOf(
		mockTarget(t, "backend", map[string]string{"MOCK_OUTPUT": "ok"}),
		mockTarget(t, "frontend", map[string]string{"MOCK_OUTPUT": "ok"}),
	)

	result, err := testRunner().Run(context.Background(), p, "cli")
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}

	if result.Status() != pipeline.StatusPassed {
		t.Errorf("expected passed run, got %s", result.Status())
	}
	if len(result.Steps) != 2 {
		t.Fatalf("expected 2 steps, got %d", len(result.Steps))
	}
	if result.ID == "" {
		t.Error("run should get an ID")
	}
	if result.Trigger != "cli" {
		t.Errorf("expected trigger cli, got %s", result.Trigger)
	}
}

func TestRun_SequentialOrderAndFailFast(t *testing.T) {
	withFakeExec(t)

	p := pipelineOf(
		mockTarget(t, "first", map[string]string{"MOCK_EXIT_CODE": "1"}),
		mockTarget(t, "second", nil),
		mockTarget(t, "third", nil),
	)

	result, err := testRunner().Run(context.Background(), p, "cli")
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}

	statuses := stepStatuses(result)
	if statuses["first"] != pipeline.StatusFailed {
		t.Errorf("first should fail, got %s", statuses["first"])
	}
	if statuses["second"] != pipeline.StatusSkipped {
		t.Errorf("second should be skipped after failure, got %s", statuses["second"])
	}
	if statuses["third"] != pipeline.StatusSkipped {
		t.Errorf("third should be skipped after failure, got %s", statuses["third"])
	}
	if result.Status() != pipeline.StatusFailed {
		t.Errorf("expected failed run, got %s", result.Status())
	}

	// Declaration order must survive into the results
	var order []string
	for _, s := range result.Steps {
		order = append(order, s.Target)
	}
	want := []string{"first", "second", "third"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("step order %v, want %v", order, want)
		}
	}
}

func TestRunStageSequential_SkipsRestAfterFailure(t *testing.T) {
	withFakeExec(t)

	targets := []pipeline.Target{
		mockTarget(t, "first", map[string]string{"MOCK_EXIT_CODE": "1"}),
		mockTarget(t, "second", nil),
	}

	results := testRunner().runStageSequential(context.Background(), targets)
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].Status != pipeline.StatusFailed {
		t.Errorf("first should fail, got %s", results[0].Status)
	}
	if results[1].Status != pipeline.StatusSkipped {
		t.Errorf("second should be skipped, got %s", results[1].Status)
	}
}

func TestRun_KeepGoing(t *testing.T) {
	withFakeExec(t)

	r := testRunner()
	r.KeepGoing = true

	p := pipelineOf(
		mockTarget(t, "first", map[string]string{"MOCK_EXIT_CODE": "1"}),
		mockTarget(t, "second", nil),
	)

	result, err := r.Run(context.Background(), p, "cli")
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}

	statuses := stepStatuses(result)
	if statuses["first"] != pipeline.StatusFailed {
		t.Errorf("first should fail, got %s", statuses["first"])
	}
	if statuses["second"] != pipeline.StatusPassed {
		t.Errorf("second should still run with keep-going, got %s", statuses["second"])
	}
}

func TestRun_SkipsDependentsOfFailures(t *testing.T) {
	withFakeExec(t)

	shared := mockTarget(t, "shared", map[string]string{"MOCK_EXIT_CODE": "1"})
	backend := mockTarget(t, "backend", nil)
	backend.Needs = []string{"shared"}
	frontend := mockTarget(t, "frontend", nil)

	r := testRunner()
	r.KeepGoing = true

	result, err := r.Run(context.Background(), pipelineOf(shared, backend, frontend), "cli")
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}

	statuses := stepStatuses(result)
	if statuses["shared"] != pipeline.StatusFailed {
		t.Errorf("shared should fail, got %s", statuses["shared"])
	}
	if statuses["backend"] != pipeline.StatusSkipped {
		t.Errorf("backend depends on shared and should skip, got %s", statuses["backend"])
	}
	if statuses["frontend"] != pipeline.StatusPassed {
		t.Errorf("frontend is independent and should pass, got %s", statuses["frontend"])
	}

	for _, s := range result.Steps {
		if s.Target == "backend" && s.Reason != pipeline.ReasonSkipped {
			t.Errorf("skipped step should carry reason skipped, got %s", s.Reason)
		}
	}
}

func TestRun_ParallelStage(t *testing.T) {
	withFakeExec(t)

	r := testRunner()
	r.Parallelism = 4

	p := pipelineOf(
		mockTarget(t, "a", map[string]string{"MOCK_OUTPUT": "ok"}),
		mockTarget(t, "b", map[string]string{"MOCK_OUTPUT": "ok"}),
		mockTarget(t, "c", map[string]string{"MOCK_EXIT_CODE": "3"}),
	)

	result, err := r.Run(context.Background(), p, "cli")
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}

	if len(result.Steps) != 3 {
		t.Fatalf("expected 3 steps, got %d", len(result.Steps))
	}
	statuses := stepStatuses(result)
	if statuses["a"] != pipeline.StatusPassed || statuses["b"] != pipeline.StatusPassed {
		t.Errorf("siblings should complete despite a failure: %v", statuses)
	}
	if statuses["c"] != pipeline.StatusFailed {
		t.Errorf("c should fail, got %s", statuses["c"])
	}
}

func TestRun_Events(t *testing.T) {
	withFakeExec(t)

	var started, finished []string
	r := testRunner()
	r.Events = Events{
		StepStarted:  func(t pipeline.Target) { started = append(started, t.Name) },
		StepFinished: func(s pipeline.StepResult) { finished = append(finished, s.Target) },
	}

	p := pipelineOf(
		mockTarget(t, "backend", nil),
		mockTarget(t, "frontend", nil),
	)

	if _, err := r.Run(context.Background(), p, "cli"); err != nil {
		t.Fatalf("Run error: %v", err)
	}

	if len(started) != 2 || started[0] != "backend" || started[1] != "frontend" {
		t.Errorf("unexpected start events: %v", started)
	}
	if len(finished) != 2 {
		t.Errorf("expected 2 finish events, got %v", finished)
	}
}

func TestNew_ClampsParallelism(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Execution.Parallelism = 0

	if r := New(cfg); r.Parallelism != 1 {
		t.Errorf("parallelism should clamp to 1, got %d", r.Parallelism)
	}
}
