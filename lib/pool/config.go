package pool

import "fmt"

// Config defines configuration for a Pool
type Config struct {
	// Name used in log records and metric attributes
	Name string `toml:"name"`

	// Expected number of queues; pre-sizes the handler table
	Capacity int `toml:"capacity"`
}

// DefaultConfig returns pool configuration defaults
func DefaultConfig() Config {
	return Config{
		Name:     "pool",
		Capacity: 16,
	}
}

// Validate checks the configuration and returns an error if invalid
func (c Config) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("Name must not be empty")
	}

	if c.Capacity <= 0 {
		return fmt.Errorf("Capacity must be positive, got %d", c.Capacity)
	}

	return nil
}
