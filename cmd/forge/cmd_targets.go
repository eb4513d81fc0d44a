package main

import (
	"fmt"
	"path/filepath"
	"strings"

	"monoforge/cmd/forge/ui"
	"monoforge/internal/pipeline"

	"github.com/spf13/cobra"
)

// targetsCmd lists the resolved targets
var targetsCmd = &cobra.Command{
	Use:   "targets",
	Short: "List resolved targets and their commands",
	RunE:  runTargets,
}

func runTargets(cmd *cobra.Command, args []string) error {
	ws, cfg, err := loadSetup()
	if err != nil {
		return err
	}

	p, err := pipeline.FromConfig(cfg, ws)
	if err != nil {
		return err
	}

	styles := ui.NewStyles()
	table := ui.NewSimpleTable("Targets", []string{"NAME", "KIND", "DIR", "COMMAND", "NEEDS"})
	for _, t := range p.Targets {
		dir, err := filepath.Rel(ws, t.Dir)
		if err != nil {
			dir = t.Dir
		}
		command := t.Command
		if t.Detected {
			command += " (detected)"
		} else if command == "" {
			command = styles.Error.Render("(none)")
		}
		table.AddRow(t.Name, t.Kind, dir, command, strings.Join(t.Needs, ","))
	}
	fmt.Print(table.View(styles))

	return nil
}
