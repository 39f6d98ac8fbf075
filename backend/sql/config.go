package sqlbackend

import "github.com/rs/zerolog"

// Config holds configuration for the PostgreSQL Backend.
type Config struct {
	// MaxBulkRows caps the rows of one multi-row INSERT; larger bulk
	// inserts are split into several statements in one transaction.
	// Default: 500
	MaxBulkRows int

	// Logger receives every statement at debug level. Parameters are never
	// logged.
	// Default: zerolog.Nop()
	Logger zerolog.Logger
}

// DefaultConfig returns the defaults.
func DefaultConfig() Config {
	return Config{
		MaxBulkRows: 500,
		Logger:      zerolog.Nop(),
	}
}

func (c *Config) validate() {
	if c.MaxBulkRows <= 0 {
		c.MaxBulkRows = 500
	}
}
