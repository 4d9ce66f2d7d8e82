// Package config handles capagent configuration loading and validation.
package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// Config is the root configuration structure for capagent.
type Config struct {
	// Global settings
	Global GlobalConfig `yaml:"global" mapstructure:"global"`

	// Capture settings
	Capture CaptureConfig `yaml:"capture" mapstructure:"capture"`

	// Runtime state settings
	Runtime RuntimeConfig `yaml:"runtime" mapstructure:"runtime"`

	// Database settings
	Database DatabaseConfig `yaml:"database" mapstructure:"database"`

	// Logging settings
	Logging LoggingConfig `yaml:"logging" mapstructure:"logging"`
}

// GlobalConfig contains global capagent settings.
type GlobalConfig struct {
	// DataDir is where capagent stores its data (default: ~/.local/share/capagent).
	DataDir string `yaml:"data_dir" mapstructure:"data_dir"`
}

// CaptureConfig contains capture execution settings.
type CaptureConfig struct {
	// CaptureDir is where capture files and the metadata journal land.
	CaptureDir string `yaml:"capture_dir" mapstructure:"capture_dir"`

	// TcpdumpBin is the capture binary to invoke.
	TcpdumpBin string `yaml:"tcpdump_bin" mapstructure:"tcpdump_bin"`
}

// RuntimeConfig contains durable runtime state settings.
type RuntimeConfig struct {
	// RuntimeDir is where the tab state file lives.
	RuntimeDir string `yaml:"runtime_dir" mapstructure:"runtime_dir"`

	// MaxLogEntries caps the per-tab log buffer.
	MaxLogEntries int `yaml:"max_log_entries" mapstructure:"max_log_entries"`

	// EventQueueSize bounds each event subscriber queue.
	EventQueueSize int `yaml:"event_queue_size" mapstructure:"event_queue_size"`
}

// DatabaseConfig contains event history database settings.
type DatabaseConfig struct {
	// Path is the SQLite database file path. Empty disables event history.
	Path string `yaml:"path" mapstructure:"path"`

	// Enabled toggles event history persistence.
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	// Level is the minimum log level (debug, info, warn, error).
	Level string `yaml:"level" mapstructure:"level"`

	// Format is the output format (json, console).
	Format string `yaml:"format" mapstructure:"format"`

	// File is an optional log file path.
	File string `yaml:"file" mapstructure:"file"`

	// EnableCaller adds caller information to logs.
	EnableCaller bool `yaml:"enable_caller" mapstructure:"enable_caller"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()
	dataDir := filepath.Join(homeDir, ".local", "share", "capagent")

	return &Config{
		Global: GlobalConfig{
			DataDir: dataDir,
		},
		Capture: CaptureConfig{
			CaptureDir: "", // Will be set to DataDir/captures
			TcpdumpBin: "tcpdump",
		},
		Runtime: RuntimeConfig{
			RuntimeDir:     "", // Will be set to DataDir/runtime
			MaxLogEntries:  500,
			EventQueueSize: 1000,
		},
		Database: DatabaseConfig{
			Path:    "", // Will be set to DataDir/capagent.db
			Enabled: true,
		},
		Logging: LoggingConfig{
			Level:        "info",
			Format:       "console",
			EnableCaller: false,
		},
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Global.DataDir == "" {
		return fmt.Errorf("global.data_dir is required")
	}

	if c.Capture.TcpdumpBin == "" {
		return fmt.Errorf("capture.tcpdump_bin is required")
	}

	if c.Runtime.MaxLogEntries < 1 {
		return fmt.Errorf("runtime.max_log_entries must be at least 1")
	}

	if c.Runtime.EventQueueSize < 1 {
		return fmt.Errorf("runtime.event_queue_size must be at least 1")
	}

	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error")
	}

	return nil
}

// EnsureDirectories creates required directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.Global.DataDir,
		c.CaptureDir(),
		c.RuntimeDir(),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}

// CaptureDir returns the effective capture directory.
func (c *Config) CaptureDir() string {
	if c.Capture.CaptureDir != "" {
		return c.Capture.CaptureDir
	}
	return filepath.Join(c.Global.DataDir, "captures")
}

// RuntimeDir returns the effective runtime state directory.
func (c *Config) RuntimeDir() string {
	if c.Runtime.RuntimeDir != "" {
		return c.Runtime.RuntimeDir
	}
	return filepath.Join(c.Global.DataDir, "runtime")
}

// DatabasePath returns the full event history database path.
func (c *Config) DatabasePath() string {
	if c.Database.Path != "" {
		return c.Database.Path
	}
	return filepath.Join(c.Global.DataDir, "capagent.db")
}
