// Package config loads the recorder configuration from a YAML file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

var (
	// ErrInvalidConfig is returned when configuration validation fails.
	ErrInvalidConfig = errors.New("config: invalid configuration")
)

// Config is the full recorder configuration.
type Config struct {
	// TargetCommand is the command name of the tracked server. Default: postgres
	TargetCommand string `yaml:"target_command"`

	// ReaperPID is the pid that orphaned processes are reparented to. The
	// master is the target process whose parent is this pid. Default: 1
	ReaperPID int `yaml:"reaper_pid"`

	// TickInterval is the reconciliation period. Default: 10ms
	TickInterval time.Duration `yaml:"tick_interval"`

	// TickScale is the duration of one CPU tick. Default: 10ms
	TickScale time.Duration `yaml:"tick_scale"`

	// ProcMount is the procfs mount point. Default: /proc
	ProcMount string `yaml:"proc_mount"`

	// StrictTitle requires the first token of a backend title to be
	// "<target_command>:".
	StrictTitle bool `yaml:"strict_title"`

	// Output is the record file. "-" is stdout. Default: -
	Output string `yaml:"output"`

	// Database is an optional sqlite file receiving a copy of every record.
	Database string `yaml:"database,omitempty"`

	// RulesDir is an optional directory of sigma rules evaluated against
	// every record.
	RulesDir string `yaml:"rules_dir,omitempty"`

	// MetricsAddr enables the HTTP metrics server, e.g. ":9187".
	MetricsAddr string `yaml:"metrics_addr,omitempty"`

	// DropPrivileges switches to SUDO_USER after subscribing.
	DropPrivileges bool `yaml:"drop_privileges"`

	Log LogConfig `yaml:"log"`
}

// LogConfig configures diagnostic logging.
type LogConfig struct {
	// Level is one of trace, debug, info, warn, error. Default: warn
	Level string `yaml:"level"`

	// Format is json or text. Default: text
	Format string `yaml:"format"`
}

// Default returns a configuration with defaults for every field.
func Default() *Config {
	return &Config{
		TargetCommand: "postgres",
		ReaperPID:     1,
		TickInterval:  10 * time.Millisecond,
		TickScale:     10 * time.Millisecond,
		ProcMount:     "/proc",
		Output:        "-",
		Log: LogConfig{
			Level:  "warn",
			Format: "text",
		},
	}
}

// Load reads configuration from a YAML file on top of the defaults and
// applies environment overrides. An empty path uses defaults only.
func Load(configPath string) (*Config, error) {
	cfg := Default()

	if configPath != "" {
		if err := cfg.loadFromFile(configPath); err != nil {
			return nil, fmt.Errorf("failed to load config from %s: %w", configPath, err)
		}
	}

	cfg.applyDefaults()
	cfg.loadFromEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFromFile(path string) error {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(home, path[2:])
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}
	return nil
}

// applyDefaults fills fields a file explicitly emptied.
func (c *Config) applyDefaults() {
	defaults := Default()

	if c.TargetCommand == "" {
		c.TargetCommand = defaults.TargetCommand
	}
	if c.ProcMount == "" {
		c.ProcMount = defaults.ProcMount
	}
	if c.Output == "" {
		c.Output = defaults.Output
	}
	if c.Log.Level == "" {
		c.Log.Level = defaults.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = defaults.Log.Format
	}
}

func (c *Config) loadFromEnv() {
	if val := os.Getenv("PGCPU_TARGET_COMMAND"); val != "" {
		c.TargetCommand = val
	}
	if val := os.Getenv("PGCPU_DATABASE"); val != "" {
		c.Database = val
	}
	if val := os.Getenv("PGCPU_METRICS_ADDR"); val != "" {
		c.MetricsAddr = val
	}
	if val := os.Getenv("PGCPU_LOG_LEVEL"); val != "" {
		c.Log.Level = strings.ToLower(val)
	}
	if val := os.Getenv("LOG_FORMAT"); val != "" {
		c.Log.Format = strings.ToLower(val)
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	var errs []string

	if c.TargetCommand == "" || strings.ContainsAny(c.TargetCommand, " \t/") {
		errs = append(errs, fmt.Sprintf("target_command must be a bare command name, got %q", c.TargetCommand))
	}
	if c.ReaperPID < 1 {
		errs = append(errs, fmt.Sprintf("reaper_pid must be positive, got %d", c.ReaperPID))
	}
	if c.TickInterval <= 0 {
		errs = append(errs, fmt.Sprintf("tick_interval must be positive, got %v", c.TickInterval))
	}
	if c.TickScale < time.Millisecond {
		errs = append(errs, fmt.Sprintf("tick_scale must be at least 1ms, got %v", c.TickScale))
	}

	validLevels := map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "warning": true, "error": true}
	if !validLevels[c.Log.Level] {
		errs = append(errs, fmt.Sprintf("log.level must be one of [trace, debug, info, warn, error], got %q", c.Log.Level))
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Log.Format] {
		errs = append(errs, fmt.Sprintf("log.format must be one of [json, text], got %q", c.Log.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w:\n  - %s", ErrInvalidConfig, strings.Join(errs, "\n  - "))
	}
	return nil
}
