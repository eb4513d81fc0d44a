package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"monoforge/cmd/forge/ui"
	"monoforge/internal/config"
	"monoforge/internal/history"
	"monoforge/internal/pipeline"
	"monoforge/internal/runner"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	runParallel  int
	runKeepGoing bool
	runOnly      []string
	runKind      string
	runNoHistory bool
)

// runCmd executes the configured pipeline once
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the pipeline once",
	Long: `Runs every configured target and reports the results.

Exit status is 0 when all targets pass and 1 when any target fails,
so forge run can gate CI jobs and git hooks directly.

Examples:
  forge run
  forge run --only backend
  forge run --kind typecheck
  forge run --parallel 4 --keep-going`,
	RunE: runPipeline,
}

func init() {
	runCmd.Flags().IntVarP(&runParallel, "parallel", "p", 0, "Max concurrent targets per stage (0 = config value)")
	runCmd.Flags().BoolVarP(&runKeepGoing, "keep-going", "k", false, "Continue independent targets after a failure")
	runCmd.Flags().StringSliceVar(&runOnly, "only", nil, "Run only these targets (plus their dependencies)")
	runCmd.Flags().StringVar(&runKind, "kind", "", "Run only targets of this kind (build, typecheck, test)")
	runCmd.Flags().BoolVar(&runNoHistory, "no-history", false, "Do not record this run in history")
}

func runPipeline(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	// Handle graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case <-sigCh:
			logger.Info("Received shutdown signal")
			cancel()
		case <-ctx.Done():
		}
	}()

	ws, cfg, err := loadSetup()
	if err != nil {
		return err
	}

	p, err := buildPipeline(cfg, ws)
	if err != nil {
		return err
	}

	r := runner.New(cfg)
	if runParallel > 0 {
		r.Parallelism = runParallel
	}
	if runKeepGoing {
		r.KeepGoing = true
	}

	styles := ui.NewStyles()
	r.Events = progressEvents(styles)

	logger.Info("Starting pipeline run",
		zap.Int("targets", len(p.Targets)),
		zap.Int("parallelism", r.Parallelism))

	result, err := r.Run(ctx, p, "cli")
	if err != nil {
		return err
	}

	fmt.Println()
	fmt.Print(summaryTable(result, styles))

	if !runNoHistory && cfg.History.Enabled {
		recordHistory(cfg, ws, result)
	}

	if result.Status() == pipeline.StatusFailed {
		failed := result.Failed()
		names := make([]string, 0, len(failed))
		for _, s := range failed {
			names = append(names, s.Target)
		}
		return fmt.Errorf("build failed: %s", strings.Join(names, ", "))
	}

	fmt.Println(styles.Success.Render(fmt.Sprintf("All %d targets passed in %s", len(result.Steps), result.Duration.Round(10*time.Millisecond))))
	return nil
}

// buildPipeline assembles and validates the pipeline with run filters
// applied.
func buildPipeline(cfg *config.Config, ws string) (*pipeline.Pipeline, error) {
	p, err := pipeline.FromConfig(cfg, ws)
	if err != nil {
		return nil, err
	}

	if runKind != "" {
		p = p.FilterKind(runKind)
	}
	if len(runOnly) > 0 {
		p, err = p.Filter(runOnly)
		if err != nil {
			return nil, err
		}
	}

	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// progressEvents prints a line when a step starts and when it finishes.
// Failed steps dump their captured output; passed steps do so only with
// --verbose.
func progressEvents(styles ui.Styles) runner.Events {
	return runner.Events{
		StepStarted: func(t pipeline.Target) {
			fmt.Printf("%s %s %s\n",
				styles.Muted.Render("▶"),
				styles.Bold.Render(t.Name),
				styles.Muted.Render("("+t.Command+")"))
		},
		StepFinished: func(s pipeline.StepResult) {
			switch s.Status {
			case pipeline.StatusPassed:
				fmt.Printf("%s %s %s\n",
					styles.Success.Render("✓"),
					s.Target,
					styles.Muted.Render(s.Duration.Round(10*time.Millisecond).String()))
				if verbose && s.Output != "" {
					fmt.Println(indent(s.Output))
				}
			case pipeline.StatusFailed:
				fmt.Printf("%s %s %s\n",
					styles.Error.Render("✗"),
					s.Target,
					styles.Error.Render(failureLabel(s)))
				if s.Output != "" {
					fmt.Println(indent(s.Output))
				}
			case pipeline.StatusSkipped:
				fmt.Printf("%s %s %s\n",
					styles.Warning.Render("-"),
					s.Target,
					styles.Muted.Render("skipped"))
			}
		},
	}
}

func failureLabel(s pipeline.StepResult) string {
	switch s.Reason {
	case pipeline.ReasonTimeout:
		return "timed out"
	case pipeline.ReasonSpawn:
		return "could not start"
	default:
		return fmt.Sprintf("exit %d", s.ExitCode)
	}
}

func indent(text string) string {
	lines := strings.Split(strings.TrimRight(text, "\n"), "\n")
	for i, l := range lines {
		lines[i] = "  " + l
	}
	return strings.Join(lines, "\n")
}

// summaryTable renders the per-target result table.
func summaryTable(result *pipeline.Result, styles ui.Styles) string {
	table := ui.NewSimpleTable("Run summary", []string{"TARGET", "STATUS", "DURATION", "DETAIL"})
	for _, s := range result.Steps {
		detail := ""
		if s.Status == pipeline.StatusFailed {
			detail = failureLabel(s)
		}
		table.AddRow(
			s.Target,
			styles.StatusStyle(string(s.Status)).Render(string(s.Status)),
			s.Duration.Round(10*time.Millisecond).String(),
			detail,
		)
	}
	return table.View(styles)
}

// recordHistory persists the run, logging instead of failing the command:
// a broken history database must not turn a green build red.
func recordHistory(cfg *config.Config, ws string, result *pipeline.Result) {
	store, err := history.NewStore(cfg.HistoryPath(ws))
	if err != nil {
		logger.Warn("history unavailable", zap.Error(err))
		return
	}
	defer store.Close()

	if err := store.RecordRun(result); err != nil {
		logger.Warn("failed to record run", zap.Error(err))
		return
	}
	if cfg.History.Keep > 0 {
		if _, err := store.Prune(cfg.History.Keep); err != nil {
			logger.Warn("failed to prune history", zap.Error(err))
		}
	}
}
