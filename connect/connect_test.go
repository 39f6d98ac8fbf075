package connect_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/jacentio/strata/backend/kv/dynamo"
	"github.com/jacentio/strata/config"
	"github.com/jacentio/strata/connect"
	"github.com/jacentio/strata/instrument"
	"github.com/jacentio/strata/internal/testutil"
)

func TestOpenRegistersEveryConnection(t *testing.T) {
	ctx := context.Background()
	fake := testutil.NewFakeDynamo()
	cfg := &config.Config{Connections: map[string]config.Connection{
		"default": {Type: config.TypeKV},
		"docs":    {Type: config.TypeDocument, DSN: "file:" + filepath.Join(t.TempDir(), "docs.db")},
		"ddb":     {Type: config.TypeKV, Engine: config.EngineDynamoDB, Table: "app"},
	}}

	var gotTable string
	conns, err := connect.Open(ctx, cfg, connect.WithDynamoClient(func(ctx context.Context, c config.Connection) (dynamo.Client, error) {
		gotTable = c.Table
		return fake, nil
	}))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer conns.CloseAll(ctx)

	want := map[string]string{"default": "kv", "docs": "document", "ddb": "kv"}
	for alias, name := range want {
		b, err := conns.Get(alias)
		if err != nil {
			t.Fatalf("get %s: %v", alias, err)
		}
		if b.Name() != name || !b.Connected() {
			t.Errorf("expected connected %s backend for %s, got %s (connected=%v)", name, alias, b.Name(), b.Connected())
		}
	}
	if gotTable != "app" {
		t.Errorf("expected the dynamodb connection config, got table %q", gotTable)
	}

	lib := testutil.NewLibrary()
	ddb, _ := conns.Get("ddb")
	if _, err := lib.Tag.Objects(ddb).Create(ctx, map[string]any{"label": "go"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if fake.Len() == 0 {
		t.Error("expected items written to the dynamodb client")
	}
}

func TestOpenWrapsBackendsWithMetrics(t *testing.T) {
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	cfg := &config.Config{Metrics: true, Connections: map[string]config.Connection{
		"default": {Type: config.TypeKV},
	}}

	conns, err := connect.Open(ctx, cfg, connect.WithRegisterer(reg))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer conns.CloseAll(ctx)

	b, _ := conns.Default()
	if _, ok := b.(*instrument.Backend); !ok {
		t.Fatalf("expected an instrumented backend, got %T", b)
	}
	m, err := instrument.NewMetrics(reg)
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	if got := promtest.ToFloat64(m.Operations.WithLabelValues("kv", "connect", instrument.OutcomeOK)); got != 1 {
		t.Errorf("expected one connect, got %v", got)
	}
}

func TestOpenClosesBackendsOnFailure(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("no credentials")
	cfg := &config.Config{Connections: map[string]config.Connection{
		"a": {Type: config.TypeKV},
		"b": {Type: config.TypeKV, Engine: config.EngineDynamoDB},
	}}

	_, err := connect.Open(ctx, cfg, connect.WithDynamoClient(func(context.Context, config.Connection) (dynamo.Client, error) {
		return nil, boom
	}))
	if !errors.Is(err, boom) {
		t.Errorf("expected the client error, got %v", err)
	}
}

func TestOpenValidates(t *testing.T) {
	cfg := &config.Config{Connections: map[string]config.Connection{"default": {Type: config.TypePostgres}}}
	if _, err := connect.Open(context.Background(), cfg); !errors.Is(err, config.ErrInvalid) {
		t.Errorf("expected ErrInvalid, got %v", err)
	}
}
