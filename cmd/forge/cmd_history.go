package main

import (
	"fmt"
	"time"

	"monoforge/cmd/forge/ui"
	"monoforge/internal/history"

	"github.com/spf13/cobra"
)

var (
	historyLimit int
	pruneKeep    int
)

// historyCmd shows past runs
var historyCmd = &cobra.Command{
	Use:   "history [run-id]",
	Short: "Show past runs",
	Long: `Without arguments, lists recent runs. With a run id (or unique
prefix), shows that run's per-target results.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runHistory,
}

// historyPruneCmd deletes old runs
var historyPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete all but the newest runs",
	RunE:  runHistoryPrune,
}

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "Number of runs to list")
	historyPruneCmd.Flags().IntVar(&pruneKeep, "keep", 50, "Runs to retain")
	historyCmd.AddCommand(historyPruneCmd)
}

func openHistory() (*history.Store, error) {
	ws, cfg, err := loadSetup()
	if err != nil {
		return nil, err
	}
	if !cfg.History.Enabled {
		return nil, fmt.Errorf("history is disabled in forge.yaml")
	}
	return history.NewStore(cfg.HistoryPath(ws))
}

func runHistory(cmd *cobra.Command, args []string) error {
	store, err := openHistory()
	if err != nil {
		return err
	}
	defer store.Close()

	styles := ui.NewStyles()

	if len(args) == 1 {
		return showRunDetail(store, args[0], styles)
	}

	runs, err := store.RecentRuns(historyLimit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Println("No runs recorded yet.")
		return nil
	}

	stats, err := store.GetStats()
	if err != nil {
		return err
	}

	table := ui.NewSimpleTable(
		fmt.Sprintf("Runs (%d total, %d passed, %d failed)", stats.TotalRuns, stats.Passed, stats.Failed),
		[]string{"ID", "WHEN", "TRIGGER", "STATUS", "TARGETS", "DURATION"})
	for _, r := range runs {
		table.AddRow(
			r.ID[:8],
			r.StartedAt.Local().Format("2006-01-02 15:04:05"),
			r.Trigger,
			styles.StatusStyle(r.Status).Render(r.Status),
			fmt.Sprintf("%d", r.Targets),
			r.Duration.Round(10*time.Millisecond).String(),
		)
	}
	fmt.Print(table.View(styles))

	return nil
}

func showRunDetail(store *history.Store, id string, styles ui.Styles) error {
	run, steps, err := store.RunDetail(id)
	if err != nil {
		return err
	}

	fmt.Printf("%s %s\n", styles.Title.Render("Run"), run.ID)
	fmt.Printf("Started:  %s\n", run.StartedAt.Local().Format(time.RFC1123))
	fmt.Printf("Trigger:  %s\n", run.Trigger)
	fmt.Printf("Status:   %s\n", styles.StatusStyle(run.Status).Render(run.Status))
	fmt.Printf("Duration: %s\n\n", run.Duration.Round(10*time.Millisecond))

	table := ui.NewSimpleTable("Steps", []string{"TARGET", "STATUS", "EXIT", "DURATION", "COMMAND"})
	for _, s := range steps {
		table.AddRow(
			s.Target,
			styles.StatusStyle(s.Status).Render(s.Status),
			fmt.Sprintf("%d", s.ExitCode),
			s.Duration.Round(10*time.Millisecond).String(),
			s.Command,
		)
	}
	fmt.Print(table.View(styles))

	for _, s := range steps {
		if s.Status == "failed" && s.Output != "" {
			fmt.Printf("\n%s\n%s\n", styles.Error.Render("--- "+s.Target+" output ---"), indent(s.Output))
		}
	}

	return nil
}

func runHistoryPrune(cmd *cobra.Command, args []string) error {
	store, err := openHistory()
	if err != nil {
		return err
	}
	defer store.Close()

	deleted, err := store.Prune(pruneKeep)
	if err != nil {
		return err
	}
	fmt.Printf("Pruned %d runs (kept newest %d)\n", deleted, pruneKeep)
	return nil
}
