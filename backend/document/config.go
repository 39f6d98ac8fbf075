package document

import "github.com/rs/zerolog"

// Config holds configuration for the document Backend.
type Config struct {
	// Table is the SQLite table holding every document.
	// Default: "strata_documents"
	Table string

	// Logger receives debug output for every operation.
	// Default: zerolog.Nop()
	Logger zerolog.Logger
}

// DefaultConfig returns the defaults.
func DefaultConfig() Config {
	return Config{
		Table:  "strata_documents",
		Logger: zerolog.Nop(),
	}
}

func (c *Config) validate() {
	if c.Table == "" {
		c.Table = "strata_documents"
	}
}
