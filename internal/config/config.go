// Package config loads and validates the bridge configuration.
//
// Configuration lives in .lspbridge/config.yaml under the project root, with
// LSPBRIDGE_* environment variables taking precedence. Missing files fall
// back to defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config represents the complete bridge configuration
type Config struct {
	Version int `json:"version" yaml:"version" mapstructure:"version"`

	Server      ServerConfig      `json:"server" yaml:"server" mapstructure:"server"`
	Timeouts    TimeoutsConfig    `json:"timeouts" yaml:"timeouts" mapstructure:"timeouts"`
	Restart     RestartConfig     `json:"restart" yaml:"restart" mapstructure:"restart"`
	Diagnostics DiagnosticsConfig `json:"diagnostics" yaml:"diagnostics" mapstructure:"diagnostics"`
	Logging     LoggingConfig     `json:"logging" yaml:"logging" mapstructure:"logging"`
}

// ServerConfig describes the child analysis process
type ServerConfig struct {
	// Command is the analysis server executable. Resolved through PATH when
	// not absolute.
	Command string `json:"command" yaml:"command" mapstructure:"command"`
	// Args are passed to the executable verbatim.
	Args []string `json:"args" yaml:"args" mapstructure:"args"`
	// LanguageID is sent with didOpen notifications (e.g. "python").
	LanguageID string `json:"languageId" yaml:"languageId" mapstructure:"languageId"`
}

// TimeoutsConfig holds per-phase deadlines in milliseconds
type TimeoutsConfig struct {
	RequestMs    int `json:"requestMs" yaml:"requestMs" mapstructure:"requestMs"`
	InitializeMs int `json:"initializeMs" yaml:"initializeMs" mapstructure:"initializeMs"`
	// ShutdownGraceMs bounds the wait between closing the child's stdin and
	// force-killing it.
	ShutdownGraceMs int `json:"shutdownGraceMs" yaml:"shutdownGraceMs" mapstructure:"shutdownGraceMs"`
}

// RestartConfig holds the restart backoff policy for dead child processes
type RestartConfig struct {
	InitialBackoffMs int `json:"initialBackoffMs" yaml:"initialBackoffMs" mapstructure:"initialBackoffMs"`
	MaxBackoffMs     int `json:"maxBackoffMs" yaml:"maxBackoffMs" mapstructure:"maxBackoffMs"`
}

// DiagnosticsConfig controls the push-diagnostics snapshot cache
type DiagnosticsConfig struct {
	// FirstSnapshotWaitMs bounds how long a diagnostics call blocks for the
	// first analysis pass before returning not_found.
	FirstSnapshotWaitMs int `json:"firstSnapshotWaitMs" yaml:"firstSnapshotWaitMs" mapstructure:"firstSnapshotWaitMs"`
}

// LoggingConfig controls bridge logging
type LoggingConfig struct {
	Level string `json:"level" yaml:"level" mapstructure:"level"`
	// File is the log destination relative to the project root. Stdout is
	// never used: it carries protocol frames.
	File string `json:"file" yaml:"file" mapstructure:"file"`
}

// ConfigDirName is the directory under the project root holding bridge state.
const ConfigDirName = ".lspbridge"

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Version: 1,
		Server: ServerConfig{
			Command:    "ty",
			Args:       []string{"server"},
			LanguageID: "python",
		},
		Timeouts: TimeoutsConfig{
			RequestMs:       30000,
			InitializeMs:    60000,
			ShutdownGraceMs: 5000,
		},
		Restart: RestartConfig{
			InitialBackoffMs: 1000,
			MaxBackoffMs:     30000,
		},
		Diagnostics: DiagnosticsConfig{
			FirstSnapshotWaitMs: 2000,
		},
		Logging: LoggingConfig{
			Level: "info",
			File:  filepath.Join(ConfigDirName, "logs", "bridge.log"),
		},
	}
}

// Load reads the configuration for a project root. A missing config file is
// not an error; defaults apply. Environment variables with the LSPBRIDGE_
// prefix override file values (e.g. LSPBRIDGE_SERVER_COMMAND).
func Load(root string) (*Config, error) {
	v := viper.New()

	defaults := DefaultConfig()
	v.SetDefault("version", defaults.Version)
	v.SetDefault("server.command", defaults.Server.Command)
	v.SetDefault("server.args", defaults.Server.Args)
	v.SetDefault("server.languageId", defaults.Server.LanguageID)
	v.SetDefault("timeouts.requestMs", defaults.Timeouts.RequestMs)
	v.SetDefault("timeouts.initializeMs", defaults.Timeouts.InitializeMs)
	v.SetDefault("timeouts.shutdownGraceMs", defaults.Timeouts.ShutdownGraceMs)
	v.SetDefault("restart.initialBackoffMs", defaults.Restart.InitialBackoffMs)
	v.SetDefault("restart.maxBackoffMs", defaults.Restart.MaxBackoffMs)
	v.SetDefault("diagnostics.firstSnapshotWaitMs", defaults.Diagnostics.FirstSnapshotWaitMs)
	v.SetDefault("logging.level", defaults.Logging.Level)
	v.SetDefault("logging.file", defaults.Logging.File)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(filepath.Join(root, ConfigDirName))
	v.SetEnvPrefix("LSPBRIDGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Save writes the configuration as YAML to .lspbridge/config.yaml.
func (c *Config) Save(root string) error {
	dir := filepath.Join(root, ConfigDirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}

	return os.WriteFile(filepath.Join(dir, "config.yaml"), data, 0o644)
}

// Validate checks invariants that would otherwise surface as confusing
// runtime failures.
func (c *Config) Validate() error {
	if c.Server.Command == "" {
		return fmt.Errorf("server.command must not be empty")
	}
	if c.Timeouts.RequestMs <= 0 {
		return fmt.Errorf("timeouts.requestMs must be positive, got %d", c.Timeouts.RequestMs)
	}
	if c.Timeouts.ShutdownGraceMs < 0 {
		return fmt.Errorf("timeouts.shutdownGraceMs must not be negative, got %d", c.Timeouts.ShutdownGraceMs)
	}
	if c.Diagnostics.FirstSnapshotWaitMs < 0 {
		return fmt.Errorf("diagnostics.firstSnapshotWaitMs must not be negative, got %d", c.Diagnostics.FirstSnapshotWaitMs)
	}
	return nil
}
