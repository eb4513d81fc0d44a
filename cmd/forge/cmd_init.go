package main

import (
	"fmt"
	"os"
	"path/filepath"

	"monoforge/internal/config"
	"monoforge/internal/detect"

	"github.com/spf13/cobra"
)

var initForce bool

// initCmd writes a starter forge.yaml
var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a starter forge.yaml for this workspace",
	Long: `Creates forge.yaml in the workspace root and the .forge/ state
directory. Existing backend/ and frontend/ directories get their commands
auto-detected; otherwise the defaults are written for editing.`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVarP(&initForce, "force", "f", false, "Overwrite an existing forge.yaml")
}

func runInit(cmd *cobra.Command, args []string) error {
	ws, err := resolveWorkspace()
	if err != nil {
		return err
	}

	path := filepath.Join(ws, config.DefaultFileName)
	if _, err := os.Stat(path); err == nil && !initForce {
		return fmt.Errorf("%s already exists (use --force to overwrite)", config.DefaultFileName)
	}

	cfg := config.DefaultConfig()

	// Fill commands from what is actually on disk
	for i, t := range cfg.Targets {
		dir := filepath.Join(ws, t.Dir)
		if _, err := os.Stat(dir); err != nil {
			continue
		}
		if detected := detect.CommandFor(detect.Kind(t.Kind), dir); detected != "" {
			cfg.Targets[i].Command = detected
		}
	}

	if err := cfg.Save(path); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Join(ws, ".forge"), 0755); err != nil {
		return fmt.Errorf("failed to create .forge directory: %w", err)
	}

	fmt.Printf("Wrote %s\n", path)
	fmt.Println("Edit the targets to match your workspace, then run: forge run")
	return nil
}
