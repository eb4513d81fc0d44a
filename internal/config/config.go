// Package config loads and persists the forge.yaml pipeline configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultFileName is the config file looked up in the workspace root.
const DefaultFileName = "forge.yaml"

// Config holds all forge configuration.
type Config struct {
	// Core settings
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// Pipeline targets, executed in declaration order unless `needs`
	// introduces an ordering of its own.
	Targets []TargetConfig `yaml:"targets"`

	// Execution settings
	Execution ExecutionConfig `yaml:"execution"`

	// Watch mode settings
	Watch WatchConfig `yaml:"watch"`

	// Run history settings
	History HistoryConfig `yaml:"history"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// TargetConfig describes one build step of the pipeline.
type TargetConfig struct {
	Name    string            `yaml:"name"`
	Dir     string            `yaml:"dir"`
	Command string            `yaml:"command"` // Auto-detected from Kind when empty
	Kind    string            `yaml:"kind"`    // build, typecheck, test
	Timeout string            `yaml:"timeout"` // Falls back to execution.default_timeout
	Env     map[string]string `yaml:"env"`
	Needs   []string          `yaml:"needs"`
}

// ExecutionConfig configures how child processes run.
type ExecutionConfig struct {
	// Default timeout for target commands
	DefaultTimeout string `yaml:"default_timeout"`

	// Environment variables passed through to child processes
	AllowedEnvVars []string `yaml:"allowed_env_vars"`

	// Maximum concurrent targets per stage (1 = sequential)
	Parallelism int `yaml:"parallelism"`

	// Continue running remaining independent targets after a failure
	KeepGoing bool `yaml:"keep_going"`

	// Captured output retained per step, in bytes
	OutputLimit int `yaml:"output_limit"`
}

// WatchConfig configures watch mode.
type WatchConfig struct {
	Debounce string   `yaml:"debounce"`
	Ignore   []string `yaml:"ignore"`
}

// HistoryConfig configures the run history store.
type HistoryConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"` // Relative to workspace unless absolute
	Keep    int    `yaml:"keep"` // Runs retained by prune
}

// LoggingConfig configures debug logging.
type LoggingConfig struct {
	Level      string          `yaml:"level"` // debug, info, warn, error
	DebugMode  bool            `yaml:"debug_mode"`
	Categories map[string]bool `yaml:"categories"`
}

// DefaultConfig returns the default configuration: a backend build followed
// by a frontend typecheck, run sequentially.
func DefaultConfig() *Config {
	return &Config{
		Name:    "forge",
		Version: "1.0.0",

		Targets: []TargetConfig{
			{
				Name:    "backend",
				Dir:     "backend",
				Command: "npm run build",
				Kind:    "build",
			},
			{
				Name:    "frontend",
				Dir:     "frontend",
				Command: "npm run typecheck",
				Kind:    "typecheck",
			},
		},

		Execution: ExecutionConfig{
			DefaultTimeout: "10m",
			AllowedEnvVars: []string{
				"PATH", "HOME", "NODE_ENV", "NPM_CONFIG_CACHE", "NVM_DIR",
				"GOPATH", "GOROOT", "GOCACHE", "CI",
			},
			Parallelism: 1,
			KeepGoing:   false,
			OutputLimit: 50000,
		},

		Watch: WatchConfig{
			Debounce: "500ms",
			Ignore: []string{
				".git", "node_modules", ".forge", "dist", "build", "lib",
				"coverage", ".expo",
			},
		},

		History: HistoryConfig{
			Enabled: true,
			Path:    filepath.Join(".forge", "history.db"),
			Keep:    200,
		},

		Logging: LoggingConfig{
			Level:     "info",
			DebugMode: false,
		},
	}
}

// Load loads configuration from a YAML file. A missing file yields defaults.
// A .env file next to the config is loaded first so env overrides see it.
func Load(path string) (*Config, error) {
	// Missing .env is fine
	_ = godotenv.Load(filepath.Join(filepath.Dir(path), ".env"))

	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()

	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies FORGE_* environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("FORGE_DEFAULT_TIMEOUT"); v != "" {
		c.Execution.DefaultTimeout = v
	}
	if v := os.Getenv("FORGE_PARALLELISM"); v != "" {
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil && n > 0 {
			c.Execution.Parallelism = n
		}
	}
	if v := os.Getenv("FORGE_HISTORY_DB"); v != "" {
		c.History.Path = v
	}
	if v := os.Getenv("FORGE_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("FORGE_DEBUG"); v == "1" || v == "true" {
		c.Logging.DebugMode = true
	}
}

// GetDefaultTimeout returns the default execution timeout as a duration.
func (c *Config) GetDefaultTimeout() time.Duration {
	d, err := time.ParseDuration(c.Execution.DefaultTimeout)
	if err != nil {
		return 10 * time.Minute
	}
	return d
}

// GetDebounce returns the watch debounce window as a duration.
func (c *Config) GetDebounce() time.Duration {
	d, err := time.ParseDuration(c.Watch.Debounce)
	if err != nil {
		return 500 * time.Millisecond
	}
	return d
}

// GetTimeout returns the target timeout, falling back to the given default.
func (t *TargetConfig) GetTimeout(fallback time.Duration) time.Duration {
	if t.Timeout == "" {
		return fallback
	}
	d, err := time.ParseDuration(t.Timeout)
	if err != nil {
		return fallback
	}
	return d
}

// HistoryPath resolves the history database path against the workspace.
func (c *Config) HistoryPath(workspace string) string {
	if filepath.IsAbs(c.History.Path) {
		return c.History.Path
	}
	return filepath.Join(workspace, c.History.Path)
}
