package workqueue

import (
	"fmt"
	"time"
)

// Config defines configuration for a WorkQueue
type Config struct {
	// Name used in log records and metric attributes
	Name string `toml:"name"`

	// Work starting later than this past its deadline is logged as a warning.
	// Zero disables the check.
	LateThreshold time.Duration `toml:"late_threshold"`
}

// DefaultConfig returns work queue configuration defaults
func DefaultConfig() Config {
	return Config{
		Name:          "workqueue",
		LateThreshold: 100 * time.Millisecond,
	}
}

// Validate checks the configuration and returns an error if invalid
func (c Config) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("Name must not be empty")
	}

	if c.LateThreshold < 0 {
		return fmt.Errorf("LateThreshold must not be negative, got %v", c.LateThreshold)
	}

	return nil
}
