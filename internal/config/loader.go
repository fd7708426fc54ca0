package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Load reads and merges configuration from global and project paths.
// Order of precedence (highest to lowest): project config, global config, defaults.
// Missing files are not errors; malformed JSON or invalid values return an error.
func Load(globalPath, projectPath string) (*SchedulerConfig, error) {
	cfg := DefaultConfig()

	if globalPath != "" {
		if err := mergeConfigFile(cfg, globalPath); err != nil {
			return nil, fmt.Errorf("loading global config: %w", err)
		}
	}

	if projectPath != "" {
		if err := mergeConfigFile(cfg, projectPath); err != nil {
			return nil, fmt.Errorf("loading project config: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DefaultPaths returns the conventional config locations.
// Global: ~/.appstartup/config.json
// Project: .appstartup/config.json (relative to cwd)
func DefaultPaths() (globalPath, projectPath string, err error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", "", fmt.Errorf("getting home directory: %w", err)
	}
	return filepath.Join(homeDir, ".appstartup", "config.json"), filepath.Join(".appstartup", "config.json"), nil
}

// LoadDefault loads configuration from DefaultPaths.
func LoadDefault() (*SchedulerConfig, error) {
	globalPath, projectPath, err := DefaultPaths()
	if err != nil {
		return nil, err
	}
	return Load(globalPath, projectPath)
}

// Validate rejects settings the scheduler cannot run with.
func (c *SchedulerConfig) Validate() error {
	if c.DefaultTaskTimeout <= 0 {
		return fmt.Errorf("default_task_timeout must be positive, got %s", c.DefaultTaskTimeout)
	}
	if c.RunTimeout < 0 {
		return fmt.Errorf("run_timeout must not be negative, got %s", c.RunTimeout)
	}
	if c.Concurrency < 1 {
		return fmt.Errorf("concurrency must be at least 1, got %d", c.Concurrency)
	}
	return nil
}

// mergeConfigFile decodes a JSON config file over base. Keys absent from the
// file keep their current value. Missing files are silently skipped.
func mergeConfigFile(base *SchedulerConfig, path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}

	history, manifest := base.HistoryPath, base.ManifestPath
	if err := json.Unmarshal(data, base); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}

	// Relative paths are resolved against the file that declared them
	dir := filepath.Dir(path)
	if base.HistoryPath != history {
		base.HistoryPath = resolve(dir, base.HistoryPath)
	}
	if base.ManifestPath != manifest {
		base.ManifestPath = resolve(dir, base.ManifestPath)
	}
	return nil
}

func resolve(dir, p string) string {
	if p == "" || filepath.IsAbs(p) || p == ":memory:" || p == "off" {
		return p
	}
	return filepath.Join(dir, p)
}
