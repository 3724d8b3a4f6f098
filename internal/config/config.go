// Package config handles loading and validating the triage.toml configuration file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

// DefaultPath is the config file read when none is given.
const DefaultPath = "triage.toml"

// Config is the top-level configuration.
type Config struct {
	Rules  RulesConfig  `toml:"rules"`
	Output OutputConfig `toml:"output"`
	Store  StoreConfig  `toml:"store"`
	Log    LogConfig    `toml:"log"`
}

// RulesConfig locates the rule corpus.
type RulesConfig struct {
	// Dir is the corpus root. Each subdirectory is one signature source.
	Dir string `toml:"dir"`
}

// OutputConfig configures output behavior.
type OutputConfig struct {
	Dir        string `toml:"dir"`
	DumpEvents bool   `toml:"dump_events"` // attach the decoded-event dump to each report
	Package    bool   `toml:"package"`     // zip the output directory after the run
}

// StoreConfig configures the signature store used by rule import.
type StoreConfig struct {
	Path           string `toml:"path"`
	BatchSize      int    `toml:"batch_size"`
	Classification string `toml:"classification"`
}

// LogConfig configures diagnostic logging. File enables a rotated log file
// in addition to stderr.
type LogConfig struct {
	Level      string `toml:"level"` // debug | info | warn | error
	File       string `toml:"file"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
	Compress   bool   `toml:"compress"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Rules: RulesConfig{Dir: "rules"},
		Output: OutputConfig{
			Dir:        "output",
			DumpEvents: true,
		},
		Store: StoreConfig{
			Path:           "signatures.db",
			BatchSize:      1000,
			Classification: "TLP:CLEAR",
		},
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
			Compress:   true,
		},
	}
}

// Load reads a config file and returns a validated Config.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return finish(cfg)
}

// LoadOrDefault is Load, except that a missing file yields the defaults.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return finish(Default())
	}
	return Load(path)
}

func finish(cfg *Config) (*Config, error) {
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv applies environment overrides.
func (c *Config) applyEnv() error {
	if dir := os.Getenv("TRIAGE_RULES_DIR"); dir != "" {
		c.Rules.Dir = dir
	}
	if v := os.Getenv("SIG_BATCH_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("SIG_BATCH_SIZE: %w", err)
		}
		c.Store.BatchSize = n
	}
	return nil
}

func (c *Config) validate() error {
	if c.Rules.Dir == "" {
		return fmt.Errorf("rules.dir is required")
	}
	if c.Output.Dir == "" {
		c.Output.Dir = "output"
	}
	if c.Store.BatchSize <= 0 {
		return fmt.Errorf("store.batch_size must be positive, got %d", c.Store.BatchSize)
	}
	if c.Store.Path == "" {
		c.Store.Path = "signatures.db"
	}

	c.Log.Level = strings.ToLower(c.Log.Level)
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
		// valid
	case "warning":
		c.Log.Level = "warn"
	case "":
		c.Log.Level = "info"
	default:
		return fmt.Errorf("unsupported log.level: %q", c.Log.Level)
	}
	return nil
}
