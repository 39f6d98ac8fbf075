package instrument_test

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/jacentio/strata/backend/kv"
	"github.com/jacentio/strata/instrument"
	stratatest "github.com/jacentio/strata/internal/testutil"
	"github.com/jacentio/strata/orm"
)

func newBackend(t *testing.T, reg *prometheus.Registry) *instrument.Backend {
	t.Helper()
	b, err := instrument.Wrap(kv.New(kv.NewMemoryEngine(), kv.DefaultConfig()), reg)
	if err != nil {
		t.Fatalf("wrap: %v", err)
	}
	if err := b.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	return b
}

func TestOperationsAreCounted(t *testing.T) {
	reg := prometheus.NewRegistry()
	b := newBackend(t, reg)
	lib := stratatest.NewLibrary()
	ctx := context.Background()
	tags := lib.Tag.Objects(b)

	if _, err := tags.Create(ctx, map[string]any{"label": "go"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := tags.Create(ctx, map[string]any{"label": "go"}); !errors.Is(err, orm.ErrConstraintViolation) {
		t.Fatalf("expected constraint violation, got %v", err)
	}
	if _, err := b.GetByKey(ctx, lib.Tag, int64(99)); !errors.Is(err, orm.ErrDoesNotExist) {
		t.Fatalf("expected ErrDoesNotExist, got %v", err)
	}
	if n, err := tags.All().Count(ctx); err != nil || n != 1 {
		t.Fatalf("expected one tag, got %d (%v)", n, err)
	}

	m, err := instrument.NewMetrics(reg)
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	tests := []struct {
		op, outcome string
		want        float64
	}{
		{"connect", instrument.OutcomeOK, 1},
		{"insert", instrument.OutcomeOK, 1},
		{"insert", instrument.OutcomeConstraint, 1},
		{"get_by_key", instrument.OutcomeNotFound, 1},
		{"count", instrument.OutcomeOK, 1},
		{"delete", instrument.OutcomeOK, 0},
	}
	for _, tt := range tests {
		if got := testutil.ToFloat64(m.Operations.WithLabelValues("kv", tt.op, tt.outcome)); got != tt.want {
			t.Errorf("expected %v %s/%s operations, got %v", tt.want, tt.op, tt.outcome, got)
		}
	}
	if got := testutil.ToFloat64(m.InFlight.WithLabelValues("kv")); got != 0 {
		t.Errorf("expected no operations in flight, got %v", got)
	}
	if got := testutil.CollectAndCount(m.Duration); got == 0 {
		t.Error("expected duration observations")
	}
}

func TestWrapReusesCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	first := newBackend(t, reg)
	second := newBackend(t, reg)
	ctx := context.Background()
	lib := stratatest.NewLibrary()

	for _, b := range []*instrument.Backend{first, second} {
		if _, err := lib.Tag.Objects(b).Create(ctx, map[string]any{"label": "x"}); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	m, _ := instrument.NewMetrics(reg)
	if got := testutil.ToFloat64(m.Operations.WithLabelValues("kv", "insert", instrument.OutcomeOK)); got != 2 {
		t.Errorf("expected both backends counted together, got %v", got)
	}
}

func TestTransactionsAreInstrumented(t *testing.T) {
	reg := prometheus.NewRegistry()
	b := newBackend(t, reg)
	ctx := context.Background()
	lib := stratatest.NewLibrary()

	boom := errors.New("boom")
	err := orm.Atomic(ctx, b, func(tx orm.Transaction) error {
		if _, err := lib.Tag.Objects(tx).Create(ctx, map[string]any{"label": "x"}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if err := orm.Atomic(ctx, b, func(tx orm.Transaction) error {
		_, err := lib.Tag.Objects(tx).Create(ctx, map[string]any{"label": "y"})
		return err
	}); err != nil {
		t.Fatalf("atomic: %v", err)
	}

	m, _ := instrument.NewMetrics(reg)
	for _, op := range []string{"begin", "rollback", "commit"} {
		want := 1.0
		if op == "begin" {
			want = 2
		}
		if got := testutil.ToFloat64(m.Operations.WithLabelValues("kv", op, instrument.OutcomeOK)); got != want {
			t.Errorf("expected %v %s, got %v", want, op, got)
		}
	}
	if n, _ := lib.Tag.Objects(b).All().Count(ctx); n != 1 {
		t.Errorf("expected only the committed tag, got %d", n)
	}
}

func TestSchemaEditorIsInstrumented(t *testing.T) {
	reg := prometheus.NewRegistry()
	b := newBackend(t, reg)
	lib := stratatest.NewLibrary()

	if err := b.SchemaEditor().CreateTable(context.Background(), lib.Tag); err != nil {
		t.Fatalf("create table: %v", err)
	}
	m, _ := instrument.NewMetrics(reg)
	if got := testutil.ToFloat64(m.Operations.WithLabelValues("kv", "create_table", instrument.OutcomeOK)); got != 1 {
		t.Errorf("expected one create_table, got %v", got)
	}
	if instrument.WrapWith(stratatest.NewMemoryBackend(lib.Registry), m).SchemaEditor() != nil {
		t.Error("expected nil editor for a backend without one")
	}
}

func TestOutcome(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, instrument.OutcomeOK},
		{orm.ErrDoesNotExist, instrument.OutcomeNotFound},
		{&orm.ConstraintViolationError{Table: "tag", Field: "label"}, instrument.OutcomeConstraint},
		{errors.New("io"), instrument.OutcomeError},
	}
	for _, tt := range tests {
		if got := instrument.Outcome(tt.err); got != tt.want {
			t.Errorf("expected %s for %v, got %s", tt.want, tt.err, got)
		}
	}
}
