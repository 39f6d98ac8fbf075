package kv

import (
	"strings"

	"github.com/rs/zerolog"
)

// Config holds configuration for the key-value Backend.
type Config struct {
	// Prefix is prepended to every partition so several applications can
	// share one engine. It must not contain "#".
	// Default: "" (no prefix)
	Prefix string

	// SequencePartition names the partition holding integer key counters.
	// Default: "__sequence"
	SequencePartition string

	// SchemaPartition names the partition holding table markers written by
	// the schema editor.
	// Default: "__schema"
	SchemaPartition string

	// Logger receives debug output for every operation.
	// Default: zerolog.Nop()
	Logger zerolog.Logger
}

// DefaultConfig returns the defaults: no prefix and a silent logger.
func DefaultConfig() Config {
	return Config{
		SequencePartition: "__sequence",
		SchemaPartition:   "__schema",
		Logger:            zerolog.Nop(),
	}
}

// validate fills unset values and strips separators from the prefix.
func (c *Config) validate() {
	c.Prefix = strings.ReplaceAll(c.Prefix, "#", "")
	if c.SequencePartition == "" {
		c.SequencePartition = "__sequence"
	}
	if c.SchemaPartition == "" {
		c.SchemaPartition = "__schema"
	}
}
