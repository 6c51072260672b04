package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/o-peregudov/mqmx/internal/db"
	"github.com/o-peregudov/mqmx/internal/stats"
	"github.com/o-peregudov/mqmx/lib/pool"
	"github.com/o-peregudov/mqmx/lib/workqueue"
)

// Config represents the application configuration
type Config struct {
	Pool      pool.Config      `toml:"pool"`
	WorkQueue workqueue.Config `toml:"workqueue"`
	Stats     stats.Config     `toml:"stats"`
	Database  db.Config        `toml:"database"`
	Logging   LoggingConfig    `toml:"logging"`
	Demo      DemoConfig       `toml:"demo"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// DemoConfig controls the tick producers started by the daemon
type DemoConfig struct {
	Producers int           `toml:"producers"`
	Interval  time.Duration `toml:"interval"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Pool:      pool.DefaultConfig(),
		WorkQueue: workqueue.DefaultConfig(),
		Stats:     stats.DefaultConfig(),
		Database:  db.DefaultConfig(),
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Demo: DemoConfig{
			Producers: 4,
			Interval:  time.Second,
		},
	}
}

// LoadFromFile loads configuration from a TOML file on top of the defaults
func LoadFromFile(path string) (*Config, error) {
	config := DefaultConfig()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file does not exist: %s", path)
	}

	md, err := toml.DecodeFile(path, config)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("unknown config keys in %s: %v", path, undecoded)
	}

	return config, nil
}

// LoadConfig loads configuration with the following precedence:
// 1. Default values
// 2. Config file (if specified)
// 3. Command-line flags (handled by caller)
func LoadConfig(configPath string) (*Config, error) {
	if configPath == "" {
		return DefaultConfig(), nil
	}

	return LoadFromFile(configPath)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if err := c.Pool.Validate(); err != nil {
		return fmt.Errorf("pool: %w", err)
	}
	if err := c.WorkQueue.Validate(); err != nil {
		return fmt.Errorf("workqueue: %w", err)
	}
	if err := c.Stats.Validate(); err != nil {
		return fmt.Errorf("stats: %w", err)
	}

	// Database validation
	if c.Database.Driver == "" {
		return fmt.Errorf("database driver must be specified")
	}
	if c.Database.Driver != "sqlite3" {
		return fmt.Errorf("unsupported database driver: %s (must be sqlite3)", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database DSN must be specified")
	}

	// Logging validation
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}
	if c.Logging.Format != "text" && c.Logging.Format != "json" {
		return fmt.Errorf("invalid log format: %s (must be text or json)", c.Logging.Format)
	}

	// Demo validation
	if c.Demo.Producers < 0 {
		return fmt.Errorf("demo producers must not be negative, got %d", c.Demo.Producers)
	}
	if c.Demo.Producers > 0 && c.Demo.Interval <= 0 {
		return fmt.Errorf("demo interval must be positive, got %v", c.Demo.Interval)
	}

	return nil
}
