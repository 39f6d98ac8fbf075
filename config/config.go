// Package config reads the connection configuration of an application
// using strata from YAML or TOML files.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// ErrInvalid is wrapped by every validation error.
var ErrInvalid = errors.New("config: invalid configuration")

// Connection types.
const (
	TypePostgres = "postgres"
	TypeKV       = "kv"
	TypeDocument = "document"
)

// Key-value engines.
const (
	EngineMemory   = "memory"
	EngineDynamoDB = "dynamodb"
	EngineRedis    = "redis"
)

// Format selects the file syntax.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
)

// FormatOf returns the format implied by a file extension.
func FormatOf(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".toml":
		return FormatTOML, nil
	}
	return "", fmt.Errorf("%w: unknown config format %q", ErrInvalid, filepath.Ext(path))
}

// Config is the root of a configuration file.
type Config struct {
	// LogLevel is a zerolog level name.
	// Default: "info"
	LogLevel string `yaml:"log_level" toml:"log_level"`

	// Metrics wraps every backend with Prometheus instrumentation.
	Metrics bool `yaml:"metrics" toml:"metrics"`

	Connections map[string]Connection `yaml:"connections" toml:"connections"`
}

// Connection configures one backend. This uses a tagged union pattern: Type
// determines which other fields are relevant.
type Connection struct {
	Type string `yaml:"type" toml:"type"` // "postgres", "kv" or "document"

	// DSN is the PostgreSQL connection string (type=postgres) or the SQLite
	// data source (type=document).
	DSN string `yaml:"dsn,omitempty" toml:"dsn,omitempty"`

	// MaxBulkRows caps the rows of one INSERT statement (type=postgres).
	MaxBulkRows int `yaml:"max_bulk_rows,omitempty" toml:"max_bulk_rows,omitempty"`

	// Collection is the SQLite table holding documents (type=document).
	Collection string `yaml:"collection,omitempty" toml:"collection,omitempty"`

	// Engine selects the key-value store (type=kv): "memory", "dynamodb" or
	// "redis".
	Engine string `yaml:"engine,omitempty" toml:"engine,omitempty"`
	Prefix string `yaml:"prefix,omitempty" toml:"prefix,omitempty"`

	// DynamoDB-specific fields (only used when Engine == "dynamodb")
	Table     string `yaml:"table,omitempty" toml:"table,omitempty"`
	Region    string `yaml:"region,omitempty" toml:"region,omitempty"`
	Endpoint  string `yaml:"endpoint,omitempty" toml:"endpoint,omitempty"`
	NumShards int    `yaml:"num_shards,omitempty" toml:"num_shards,omitempty"`

	// Redis-specific fields (only used when Engine == "redis")
	URL       string `yaml:"url,omitempty" toml:"url,omitempty"`
	Namespace string `yaml:"namespace,omitempty" toml:"namespace,omitempty"`
}

// Aliases returns the connection aliases, sorted.
func (c *Config) Aliases() []string {
	out := make([]string, 0, len(c.Connections))
	for alias := range c.Connections {
		out = append(out, alias)
	}
	sort.Strings(out)
	return out
}

// Validate checks every connection and fills defaults.
func (c *Config) Validate() error {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if len(c.Connections) == 0 {
		return fmt.Errorf("%w: no connections", ErrInvalid)
	}
	for _, alias := range c.Aliases() {
		conn := c.Connections[alias]
		if err := conn.validate(); err != nil {
			return fmt.Errorf("connection %q: %w", alias, err)
		}
		c.Connections[alias] = conn
	}
	return nil
}

func (c *Connection) validate() error {
	switch c.Type {
	case TypePostgres, TypeDocument:
		if c.DSN == "" {
			return fmt.Errorf("%w: %s connection needs a dsn", ErrInvalid, c.Type)
		}
	case TypeKV:
		if c.Engine == "" {
			c.Engine = EngineMemory
		}
		switch c.Engine {
		case EngineMemory, EngineDynamoDB:
		case EngineRedis:
			if c.URL == "" {
				return fmt.Errorf("%w: redis engine needs a url", ErrInvalid)
			}
		default:
			return fmt.Errorf("%w: unknown kv engine %q", ErrInvalid, c.Engine)
		}
	case "":
		return fmt.Errorf("%w: missing type", ErrInvalid)
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalid, c.Type)
	}
	return nil
}

// Read decodes and validates a Config.
func Read(r io.Reader, format Format) (*Config, error) {
	var cfg Config
	switch format {
	case FormatYAML:
		dec := yaml.NewDecoder(r)
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("failed to decode config: %w", err)
		}
	case FormatTOML:
		md, err := toml.NewDecoder(r).Decode(&cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to decode config: %w", err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("%w: unknown key %s", ErrInvalid, undecoded[0])
		}
	default:
		return nil, fmt.Errorf("%w: unknown config format %q", ErrInvalid, format)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Write encodes cfg in the given format.
func Write(w io.Writer, cfg *Config, format Format) error {
	switch format {
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(cfg); err != nil {
			return fmt.Errorf("failed to encode config: %w", err)
		}
		return enc.Close()
	case FormatTOML:
		if err := toml.NewEncoder(w).Encode(cfg); err != nil {
			return fmt.Errorf("failed to encode config: %w", err)
		}
		return nil
	}
	return fmt.Errorf("%w: unknown config format %q", ErrInvalid, format)
}

// ReadFromFile reads a Config from path, choosing the format by extension.
func ReadFromFile(path string) (*Config, error) {
	format, err := FormatOf(path)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	cfg, err := Read(f, format)
	if err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	return cfg, nil
}
