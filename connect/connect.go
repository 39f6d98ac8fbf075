// Package connect builds and connects the backends named by a config.Config.
package connect

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/jacentio/strata/backend/document"
	"github.com/jacentio/strata/backend/kv"
	"github.com/jacentio/strata/backend/kv/dynamo"
	"github.com/jacentio/strata/backend/kv/redis"
	sqlbackend "github.com/jacentio/strata/backend/sql"
	"github.com/jacentio/strata/config"
	"github.com/jacentio/strata/instrument"
	"github.com/jacentio/strata/orm"
)

// Option customizes Open.
type Option func(*options)

type options struct {
	logger     zerolog.Logger
	registerer prometheus.Registerer
	dynamo     func(ctx context.Context, c config.Connection) (dynamo.Client, error)
}

// WithLogger sets the logger handed to every backend.
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithRegisterer sets where backend metrics are registered when the config
// enables them.
// Default: prometheus.DefaultRegisterer
func WithRegisterer(r prometheus.Registerer) Option {
	return func(o *options) { o.registerer = r }
}

// WithDynamoClient overrides how DynamoDB clients are created.
func WithDynamoClient(fn func(ctx context.Context, c config.Connection) (dynamo.Client, error)) Option {
	return func(o *options) { o.dynamo = fn }
}

// Open builds every configured backend, connects it and registers it under
// its alias. Backends opened before a failure are disconnected again.
func Open(ctx context.Context, cfg *config.Config, opts ...Option) (*orm.Connections, error) {
	o := options{
		logger:     zerolog.Nop(),
		registerer: prometheus.DefaultRegisterer,
		dynamo:     dynamoClient,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var metrics *instrument.Metrics
	if cfg.Metrics {
		m, err := instrument.NewMetrics(o.registerer)
		if err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
		metrics = m
	}

	conns := orm.NewConnections()
	for _, alias := range cfg.Aliases() {
		log := o.logger.With().Str("connection", alias).Logger()
		b, err := build(ctx, cfg.Connections[alias], log, &o)
		if err == nil {
			if metrics != nil {
				b = instrument.WrapWith(b, metrics)
			}
			err = b.Connect(ctx)
		}
		if err != nil {
			_ = conns.CloseAll(ctx)
			return nil, fmt.Errorf("connection %q: %w", alias, err)
		}
		conns.Register(alias, b)
		log.Info().Str("backend", b.Name()).Msg("connected")
	}
	return conns, nil
}

func build(ctx context.Context, c config.Connection, log zerolog.Logger, o *options) (orm.Backend, error) {
	switch c.Type {
	case config.TypePostgres:
		sc := sqlbackend.DefaultConfig()
		sc.Logger = log
		if c.MaxBulkRows > 0 {
			sc.MaxBulkRows = c.MaxBulkRows
		}
		return sqlbackend.Open(ctx, c.DSN, sc)

	case config.TypeDocument:
		dc := document.DefaultConfig()
		dc.Logger = log
		if c.Collection != "" {
			dc.Table = c.Collection
		}
		return document.Open(c.DSN, dc)

	case config.TypeKV:
		engine, err := buildEngine(ctx, c, log, o)
		if err != nil {
			return nil, err
		}
		kc := kv.DefaultConfig()
		kc.Prefix = c.Prefix
		kc.Logger = log
		return kv.New(engine, kc), nil
	}
	return nil, fmt.Errorf("%w: unknown type %q", config.ErrInvalid, c.Type)
}

func buildEngine(ctx context.Context, c config.Connection, log zerolog.Logger, o *options) (kv.Engine, error) {
	switch c.Engine {
	case config.EngineMemory:
		return kv.NewMemoryEngine(), nil

	case config.EngineDynamoDB:
		client, err := o.dynamo(ctx, c)
		if err != nil {
			return nil, err
		}
		dc := dynamo.DefaultConfig()
		dc.Logger = log
		if c.Table != "" {
			dc.Table = c.Table
		}
		if c.NumShards > 0 {
			dc.NumShards = c.NumShards
		}
		return dynamo.New(client, dc), nil

	case config.EngineRedis:
		rc := redis.DefaultConfig()
		rc.Logger = log
		if c.Namespace != "" {
			rc.Namespace = c.Namespace
		}
		return redis.Open(ctx, c.URL, rc)
	}
	return nil, fmt.Errorf("%w: unknown kv engine %q", config.ErrInvalid, c.Engine)
}

// dynamoClient loads the default AWS configuration, overriding the region
// and endpoint when the connection names them.
func dynamoClient(ctx context.Context, c config.Connection) (dynamo.Client, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if c.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(c.Region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return dynamodb.NewFromConfig(cfg, func(o *dynamodb.Options) {
		if c.Endpoint != "" {
			o.BaseEndpoint = aws.String(c.Endpoint)
		}
	}), nil
}
