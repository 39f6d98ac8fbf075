package dynamo

import (
	"github.com/rs/zerolog"

	"github.com/jacentio/strata/internal/shard"
)

// Config holds configuration for the DynamoDB engine.
type Config struct {
	// Table is the name of the single table holding every item. It needs a
	// string partition key "pk" and a string sort key "sk".
	// Default: "strata"
	Table string

	// NumShards is the number of physical partitions per logical partition.
	// Higher values increase write throughput on large tables and indexes but
	// make every List a parallel query across all shards.
	// Default: 1 (no sharding, single query)
	// Max: 256
	NumShards int

	// MaxTransactItems is the number of mutations sent per TransactWriteItems
	// call. Apply calls with more mutations are split and lose atomicity
	// across chunks.
	// Default: 100 (the DynamoDB limit)
	MaxTransactItems int

	// Logger receives debug output.
	// Default: zerolog.Nop()
	Logger zerolog.Logger
}

// DefaultConfig returns sensible defaults for small datasets.
func DefaultConfig() Config {
	return Config{
		Table:            "strata",
		NumShards:        1,
		MaxTransactItems: 100,
		Logger:           zerolog.Nop(),
	}
}

// validate ensures config values are within acceptable bounds.
func (c *Config) validate() {
	if c.Table == "" {
		c.Table = "strata"
	}
	if c.NumShards < 1 {
		c.NumShards = 1
	}
	if c.NumShards > shard.MaxShards {
		c.NumShards = shard.MaxShards
	}
	if c.MaxTransactItems < 1 || c.MaxTransactItems > 100 {
		c.MaxTransactItems = 100
	}
}
