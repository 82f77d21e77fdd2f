// Package config loads engine configuration from jsonc files and
// environment variables.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/tidwall/jsonc"

	"github.com/threadcore-ai/threadcore/pkg/types"
)

// Duration is a time.Duration that unmarshals from strings like "30m".
type Duration time.Duration

// UnmarshalJSON accepts either a duration string or nanoseconds.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var n int64
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("invalid duration: %s", data)
	}
	*d = Duration(n)
	return nil
}

// MarshalJSON renders the duration as a string.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// Std returns the standard-library duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the engine configuration.
type Config struct {
	// DataDir holds trajectories, checkpoints and config files.
	DataDir string `json:"data_dir"`
	// Workspace is the project directory checkpoints snapshot.
	Workspace string `json:"workspace"`

	Port       int  `json:"port"`
	EnableCORS bool `json:"enable_cors"`

	IdleTimeout     Duration `json:"idle_timeout"`
	CleanupInterval Duration `json:"cleanup_interval"`
	SaveDebounce    Duration `json:"save_debounce"`

	// RulesPath points at the YAML tool-confirmation ruleset.
	RulesPath string `json:"rules_path"`

	LogLevel string `json:"log_level"`

	// DefaultThread seeds the thread parameters of new sessions.
	DefaultThread types.Thread `json:"default_thread"`
}

// Default returns the built-in defaults.
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		DataDir:         filepath.Join(home, ".threadcore"),
		Workspace:       ".",
		Port:            8420,
		EnableCORS:      true,
		IdleTimeout:     Duration(30 * time.Minute),
		CleanupInterval: Duration(5 * time.Minute),
		SaveDebounce:    Duration(2 * time.Second),
		LogLevel:        "INFO",
		DefaultThread: types.Thread{
			Model:              "claude-sonnet-4",
			Mode:               "agent",
			ToolUse:            "auto",
			ContextTokensCap:   200000,
			CheckpointsEnabled: false,
			IncludeProjectInfo: true,
		},
	}
}

// Load builds the configuration: defaults, then config files found in
// the workspace and data dir (first match wins per file), then
// THREADCORE_* environment overrides.
func Load(workspace string) (*Config, error) {
	cfg := Default()
	if workspace != "" {
		cfg.Workspace = workspace
	}

	candidates := []string{
		filepath.Join(cfg.Workspace, "threadcore.jsonc"),
		filepath.Join(cfg.Workspace, "threadcore.json"),
		filepath.Join(cfg.DataDir, "threadcore.jsonc"),
		filepath.Join(cfg.DataDir, "threadcore.json"),
	}
	if explicit := os.Getenv("THREADCORE_CONFIG"); explicit != "" {
		candidates = append([]string{explicit}, candidates...)
	}

	for _, path := range candidates {
		if err := loadFile(path, cfg); err == nil {
			break
		}
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(jsonc.ToJSON(data), cfg); err != nil {
		return fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("THREADCORE_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("THREADCORE_WORKSPACE"); v != "" {
		cfg.Workspace = v
	}
	if v := os.Getenv("THREADCORE_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Port = port
		}
	}
	if v := os.Getenv("THREADCORE_IDLE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.IdleTimeout = Duration(d)
		}
	}
	if v := os.Getenv("THREADCORE_RULES"); v != "" {
		cfg.RulesPath = v
	}
	if v := os.Getenv("THREADCORE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
}
