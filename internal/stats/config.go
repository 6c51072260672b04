package stats

import (
	"fmt"
	"time"
)

// Config defines configuration for the stats collector
type Config struct {
	// FlushInterval is the period of the journal flush work item
	FlushInterval time.Duration `toml:"flush_interval"`

	// FlushThreshold triggers an early flush once this many samples are pending
	FlushThreshold int `toml:"flush_threshold"`

	// SampleInterval is the period of the work item polling watched components
	SampleInterval time.Duration `toml:"sample_interval"`
}

// DefaultConfig returns default stats collector configuration
func DefaultConfig() Config {
	return Config{
		FlushInterval:  30 * time.Second,
		FlushThreshold: 100,
		SampleInterval: 5 * time.Second,
	}
}

// Validate checks the collector configuration
func (c Config) Validate() error {
	if c.FlushInterval <= 0 {
		return fmt.Errorf("flush_interval must be positive, got %v", c.FlushInterval)
	}
	if c.FlushThreshold <= 0 {
		return fmt.Errorf("flush_threshold must be positive, got %d", c.FlushThreshold)
	}
	if c.SampleInterval <= 0 {
		return fmt.Errorf("sample_interval must be positive, got %v", c.SampleInterval)
	}
	return nil
}
