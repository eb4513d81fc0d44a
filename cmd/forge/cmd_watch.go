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
	"monoforge/internal/history"
	"monoforge/internal/pipeline"
	"monoforge/internal/runner"
	"monoforge/internal/watch"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var watchInitialRun bool

// watchCmd re-runs affected targets on file changes
var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Watch target directories and re-run affected targets on change",
	Long: `Watches every target directory and, when files settle after a
change, re-runs the targets containing those files plus everything that
depends on them. Runs until interrupted.`,
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().BoolVar(&watchInitialRun, "initial-run", true, "Run the full pipeline once before watching")
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	ws, cfg, err := loadSetup()
	if err != nil {
		return err
	}

	p, err := pipeline.FromConfig(cfg, ws)
	if err != nil {
		return err
	}
	if err := p.Validate(); err != nil {
		return err
	}

	styles := ui.NewStyles()
	r := runner.New(cfg)
	r.Events = progressEvents(styles)

	var store *history.Store
	if cfg.History.Enabled {
		store, err = history.NewStore(cfg.HistoryPath(ws))
		if err != nil {
			logger.Warn("history unavailable", zap.Error(err))
		} else {
			defer store.Close()
		}
	}

	runAndReport := func(sub *pipeline.Pipeline) {
		result, err := r.Run(ctx, sub, "watch")
		if err != nil {
			logger.Error("run failed", zap.Error(err))
			return
		}
		fmt.Println()
		fmt.Print(summaryTable(result, styles))
		if store != nil {
			if err := store.RecordRun(result); err != nil {
				logger.Warn("failed to record run", zap.Error(err))
			}
		}
		fmt.Println(styles.Muted.Render("Watching for changes... (ctrl-c to stop)"))
	}

	if watchInitialRun {
		runAndReport(p)
	} else {
		fmt.Println(styles.Muted.Render("Watching for changes... (ctrl-c to stop)"))
	}

	w, err := watch.NewWatcher(p, cfg.Watch.Ignore, cfg.GetDebounce())
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	w.OnChange = func(paths []string) {
		names := w.TargetsFor(paths)
		if len(names) == 0 {
			return
		}
		fmt.Printf("\n%s %s\n",
			styles.Title.Render("Changed:"),
			strings.Join(names, ", "))
		runAndReport(p.Affected(names))
	}

	if err := w.Start(ctx); err != nil {
		return fmt.Errorf("failed to start watcher: %w", err)
	}

	logger.Info("Watching", zap.Int("dirs", len(w.GetWatchedDirs())))

	<-sigCh
	fmt.Println()
	logger.Info("Shutting down watcher")
	cancel()

	// Give the run loop a moment, then join the watcher
	time.Sleep(50 * time.Millisecond)
	w.Stop()

	return nil
}
