package redis

import (
	"strings"

	"github.com/rs/zerolog"
)

// Config holds configuration for the Redis engine.
type Config struct {
	// Namespace prefixes every Redis key written by the engine.
	// Default: "strata"
	Namespace string

	// MaxRetries bounds how often Apply and Increment retry after a watched
	// key changed under them.
	// Default: 10
	MaxRetries int

	// ScanCount is the COUNT hint passed to SCAN.
	// Default: 100
	ScanCount int64

	// Logger receives debug output.
	// Default: zerolog.Nop()
	Logger zerolog.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Namespace:  "strata",
		MaxRetries: 10,
		ScanCount:  100,
		Logger:     zerolog.Nop(),
	}
}

// validate ensures config values are within acceptable bounds.
func (c *Config) validate() {
	c.Namespace = strings.TrimSuffix(c.Namespace, ":")
	if c.Namespace == "" {
		c.Namespace = "strata"
	}
	if c.MaxRetries < 1 {
		c.MaxRetries = 10
	}
	if c.ScanCount < 1 {
		c.ScanCount = 100
	}
}
