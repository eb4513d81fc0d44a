package main

import (
	"fmt"
	"strings"

	"monoforge/cmd/forge/ui"
	"monoforge/internal/pipeline"

	"github.com/spf13/cobra"
)

// checkCmd validates the configuration without running anything
var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate the configuration and print the execution plan",
	Long: `Loads forge.yaml, resolves and validates the pipeline, and prints
the stages that a run would execute. Exits 1 on invalid configuration.`,
	RunE: runCheck,
}

func runCheck(cmd *cobra.Command, args []string) error {
	ws, cfg, err := loadSetup()
	if err != nil {
		return err
	}

	p, err := pipeline.FromConfig(cfg, ws)
	if err != nil {
		return err
	}

	if err := p.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	stages, err := p.Stages()
	if err != nil {
		return err
	}

	styles := ui.NewStyles()
	fmt.Println(styles.Success.Render("Configuration valid"))
	fmt.Printf("Workspace: %s\n", ws)
	fmt.Printf("Targets:   %d\n\n", len(p.Targets))

	fmt.Println(styles.Title.Render("Execution plan"))
	for i, stage := range stages {
		names := make([]string, 0, len(stage))
		for _, t := range stage {
			names = append(names, t.Name)
		}
		fmt.Printf("  stage %d: %s\n", i+1, strings.Join(names, ", "))
	}

	return nil
}
