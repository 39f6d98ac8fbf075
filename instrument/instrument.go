// Package instrument records Prometheus metrics for every operation of an
// orm.Backend.
package instrument

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/jacentio/strata/orm"
)

// Outcome label values.
const (
	OutcomeOK         = "ok"
	OutcomeError      = "error"
	OutcomeNotFound   = "not_found"
	OutcomeConstraint = "constraint_violation"
)

// Metrics holds the collectors shared by every wrapped backend.
type Metrics struct {
	Operations *prometheus.CounterVec
	Duration   *prometheus.HistogramVec
	InFlight   *prometheus.GaugeVec
}

// NewMetrics registers the backend collectors with reg. Collectors already
// registered by an earlier call are reused.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	ops := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "strata",
			Subsystem: "backend",
			Name:      "operations_total",
			Help:      "Total number of backend operations",
		},
		[]string{"backend", "operation", "outcome"},
	)
	duration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "strata",
			Subsystem: "backend",
			Name:      "operation_duration_seconds",
			Help:      "Backend operation duration in seconds",
			Buckets:   []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
		[]string{"backend", "operation"},
	)
	inFlight := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "strata",
			Subsystem: "backend",
			Name:      "operations_in_flight",
			Help:      "Number of backend operations currently running",
		},
		[]string{"backend"},
	)

	m := &Metrics{}
	var err error
	if m.Operations, err = register(reg, ops); err != nil {
		return nil, err
	}
	if m.Duration, err = register(reg, duration); err != nil {
		return nil, err
	}
	if m.InFlight, err = register(reg, inFlight); err != nil {
		return nil, err
	}
	return m, nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		var zero C
		return zero, err
	}
	return c, nil
}

// Outcome classifies an operation error.
func Outcome(err error) string {
	switch {
	case err == nil:
		return OutcomeOK
	case errors.Is(err, orm.ErrDoesNotExist):
		return OutcomeNotFound
	case errors.Is(err, orm.ErrConstraintViolation):
		return OutcomeConstraint
	}
	return OutcomeError
}

func (m *Metrics) observe(backend, op string) func(error) {
	start := time.Now()
	gauge := m.InFlight.WithLabelValues(backend)
	gauge.Inc()
	return func(err error) {
		gauge.Dec()
		m.Duration.WithLabelValues(backend, op).Observe(time.Since(start).Seconds())
		m.Operations.WithLabelValues(backend, op, Outcome(err)).Inc()
	}
}

// Wrap returns next instrumented with collectors registered on reg.
func Wrap(next orm.Backend, reg prometheus.Registerer) (*Backend, error) {
	m, err := NewMetrics(reg)
	if err != nil {
		return nil, err
	}
	return WrapWith(next, m), nil
}

// WrapWith returns next instrumented with m.
func WrapWith(next orm.Backend, m *Metrics) *Backend {
	return &Backend{next: next, metrics: m}
}

// Backend is an orm.Backend recording metrics around another backend. It
// reports the wrapped backend's Name.
type Backend struct {
	next    orm.Backend
	metrics *Metrics
}

// Unwrap returns the instrumented backend.
func (b *Backend) Unwrap() orm.Backend { return b.next }

func (b *Backend) track(op string) func(error) { return b.metrics.observe(b.next.Name(), op) }

func (b *Backend) Name() string    { return b.next.Name() }
func (b *Backend) Connected() bool { return b.next.Connected() }

func (b *Backend) Connect(ctx context.Context) (err error) {
	done := b.track("connect")
	defer func() { done(err) }()
	return b.next.Connect(ctx)
}

func (b *Backend) Disconnect(ctx context.Context) (err error) {
	done := b.track("disconnect")
	defer func() { done(err) }()
	return b.next.Disconnect(ctx)
}

func (b *Backend) Execute(ctx context.Context, s *orm.QueryState) (rows []orm.Row, err error) {
	done := b.track("execute")
	defer func() { done(err) }()
	return b.next.Execute(ctx, s)
}

func (b *Backend) Insert(ctx context.Context, inst *orm.Instance) (err error) {
	done := b.track("insert")
	defer func() { done(err) }()
	return b.next.Insert(ctx, inst)
}

func (b *Backend) Update(ctx context.Context, inst *orm.Instance) (err error) {
	done := b.track("update")
	defer func() { done(err) }()
	return b.next.Update(ctx, inst)
}

func (b *Backend) Delete(ctx context.Context, inst *orm.Instance) (err error) {
	done := b.track("delete")
	defer func() { done(err) }()
	return b.next.Delete(ctx, inst)
}

func (b *Backend) BulkInsert(ctx context.Context, insts []*orm.Instance) (err error) {
	done := b.track("bulk_insert")
	defer func() { done(err) }()
	return b.next.BulkInsert(ctx, insts)
}

func (b *Backend) BulkUpdate(ctx context.Context, insts []*orm.Instance, fields []string) (err error) {
	done := b.track("bulk_update")
	defer func() { done(err) }()
	return b.next.BulkUpdate(ctx, insts, fields)
}

func (b *Backend) UpdateMany(ctx context.Context, s *orm.QueryState, values map[string]any) (n int64, err error) {
	done := b.track("update_many")
	defer func() { done(err) }()
	return b.next.UpdateMany(ctx, s, values)
}

func (b *Backend) DeleteMany(ctx context.Context, s *orm.QueryState) (n int64, err error) {
	done := b.track("delete_many")
	defer func() { done(err) }()
	return b.next.DeleteMany(ctx, s)
}

func (b *Backend) Count(ctx context.Context, s *orm.QueryState) (n int64, err error) {
	done := b.track("count")
	defer func() { done(err) }()
	return b.next.Count(ctx, s)
}

func (b *Backend) Aggregate(ctx context.Context, s *orm.QueryState, aggs []orm.Aggregation) (out map[string]any, err error) {
	done := b.track("aggregate")
	defer func() { done(err) }()
	return b.next.Aggregate(ctx, s, aggs)
}

func (b *Backend) Exists(ctx context.Context, e *orm.Entity, pk any) (ok bool, err error) {
	done := b.track("exists")
	defer func() { done(err) }()
	return b.next.Exists(ctx, e, pk)
}

func (b *Backend) GetByKey(ctx context.Context, e *orm.Entity, pk any) (row orm.Row, err error) {
	done := b.track("get_by_key")
	defer func() { done(err) }()
	return b.next.GetByKey(ctx, e, pk)
}

// BeginTransaction returns an instrumented transaction.
func (b *Backend) BeginTransaction(ctx context.Context) (orm.Transaction, error) {
	done := b.track("begin")
	tx, err := b.next.BeginTransaction(ctx)
	done(err)
	if err != nil {
		return nil, err
	}
	return &Tx{Backend: WrapWith(tx, b.metrics), tx: tx}, nil
}

// SchemaEditor returns an instrumented editor, or nil when the wrapped
// backend has none.
func (b *Backend) SchemaEditor() orm.SchemaEditor {
	ed := b.next.SchemaEditor()
	if ed == nil {
		return nil
	}
	return &schemaEditor{next: ed, b: b}
}

// Tx is an instrumented transaction.
type Tx struct {
	*Backend
	tx orm.Transaction
}

func (t *Tx) Commit(ctx context.Context) (err error) {
	done := t.track("commit")
	defer func() { done(err) }()
	return t.tx.Commit(ctx)
}

func (t *Tx) Rollback(ctx context.Context) (err error) {
	done := t.track("rollback")
	defer func() { done(err) }()
	return t.tx.Rollback(ctx)
}

type schemaEditor struct {
	next orm.SchemaEditor
	b    *Backend
}

func (s *schemaEditor) run(op string, fn func() error) error {
	done := s.b.track(op)
	err := fn()
	done(err)
	return err
}

func (s *schemaEditor) CreateTable(ctx context.Context, e *orm.Entity) error {
	return s.run("create_table", func() error { return s.next.CreateTable(ctx, e) })
}

func (s *schemaEditor) DropTable(ctx context.Context, e *orm.Entity) error {
	return s.run("drop_table", func() error { return s.next.DropTable(ctx, e) })
}

func (s *schemaEditor) AddField(ctx context.Context, e *orm.Entity, f *orm.Field) error {
	return s.run("add_field", func() error { return s.next.AddField(ctx, e, f) })
}

func (s *schemaEditor) RemoveField(ctx context.Context, e *orm.Entity, f *orm.Field) error {
	return s.run("remove_field", func() error { return s.next.RemoveField(ctx, e, f) })
}

func (s *schemaEditor) AddIndex(ctx context.Context, e *orm.Entity, idx orm.Index) error {
	return s.run("add_index", func() error { return s.next.AddIndex(ctx, e, idx) })
}

func (s *schemaEditor) RemoveIndex(ctx context.Context, e *orm.Entity, idx orm.Index) error {
	return s.run("remove_index", func() error { return s.next.RemoveIndex(ctx, e, idx) })
}
