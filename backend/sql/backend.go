package sqlbackend

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/jacentio/strata/orm"
)

// Conn is the subset of pgx used by the backend. *pgxpool.Pool, pgx.Tx and
// pgxmock pools satisfy it.
type Conn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Pool is a Conn with a lifecycle.
type Pool interface {
	Conn
	Ping(ctx context.Context) error
	Close()
}

// Backend executes compiled statements against PostgreSQL.
type Backend struct {
	pool     Pool
	conn     Conn
	config   Config
	log      zerolog.Logger
	compiler Compiler

	mu        sync.RWMutex
	connected bool
}

var _ orm.Backend = (*Backend)(nil)

// New creates a Backend over pool. Call Connect before use.
func New(pool Pool, config Config) *Backend {
	config.validate()
	return &Backend{
		pool:   pool,
		conn:   pool,
		config: config,
		log:    config.Logger.With().Str("backend", "postgres").Logger(),
	}
}

// Open creates a pool for dsn. Sessions use UTC so date part lookups
// extract the same values as in-memory evaluation.
func Open(ctx context.Context, dsn string, config Config) (*Backend, error) {
	pc, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pc.ConnConfig.RuntimeParams["timezone"] = "UTC"
	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}
	return New(pool, config), nil
}

// Compiler returns the statement compiler.
func (b *Backend) Compiler() Compiler { return b.compiler }

func (b *Backend) Name() string { return "postgres" }

// Connect verifies the pool can reach the server.
func (b *Backend) Connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.connected {
		return nil
	}
	if err := b.pool.Ping(ctx); err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	b.connected = true
	b.log.Debug().Msg("connected")
	return nil
}

// Disconnect closes the pool. A closed pool cannot be reconnected.
func (b *Backend) Disconnect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected {
		return nil
	}
	b.connected = false
	b.pool.Close()
	b.log.Debug().Msg("disconnected")
	return nil
}

func (b *Backend) Connected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.connected
}

func (b *Backend) setConnected(v bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connected = v
}

func (b *Backend) check() error {
	if !b.Connected() {
		return orm.NotConnected(b.Name())
	}
	return nil
}

func (b *Backend) exec(ctx context.Context, e *orm.Entity, op string, st Statement) (int64, error) {
	b.log.Debug().Str("op", op).Str("sql", st.SQL).Msg("exec")
	tag, err := b.conn.Exec(ctx, st.SQL, st.Args...)
	if err != nil {
		return 0, mapError(e, err)
	}
	return tag.RowsAffected(), nil
}

// query runs q and returns its rows keyed by q.Columns.
func (b *Backend) query(ctx context.Context, e *orm.Entity, op string, q Query) ([]orm.Row, error) {
	b.log.Debug().Str("op", op).Str("sql", q.SQL).Msg("query")
	rows, err := b.conn.Query(ctx, q.SQL, q.Args...)
	if err != nil {
		return nil, mapError(e, err)
	}
	defer rows.Close()

	var out []orm.Row
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, err
		}
		row := make(orm.Row, len(q.Columns))
		for i, col := range q.Columns {
			if i < len(values) {
				row[col] = fromPG(values[i])
			}
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(e, err)
	}
	return out, nil
}

// constraintCodes are the SQLSTATE codes of integrity violations.
var constraintCodes = map[string]bool{
	"23502": true, // not_null_violation
	"23503": true, // foreign_key_violation
	"23505": true, // unique_violation
	"23514": true, // check_violation
}

// mapError turns integrity violations into ConstraintViolationError,
// keeping the *pgconn.PgError in the chain.
func mapError(e *orm.Entity, err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || !constraintCodes[pgErr.Code] {
		return err
	}
	cv := &orm.ConstraintViolationError{Err: err}
	if e == nil {
		return cv
	}
	cv.Table = e.Table()
	cv.Field = constraintField(e, pgErr)
	return cv
}

// constraintField recovers the field from the column name or from the
// default constraint names "<table>_<column>_key" and "<table>_<column>_fkey".
func constraintField(e *orm.Entity, pgErr *pgconn.PgError) string {
	if pgErr.ColumnName != "" {
		if f, ok := e.FieldByColumn(pgErr.ColumnName); ok {
			return f.Name
		}
	}
	name := pgErr.ConstraintName
	if name == e.Table()+"_pkey" {
		return e.PK().Name
	}
	for _, suffix := range []string{"_key", "_fkey"} {
		col := strings.TrimSuffix(strings.TrimPrefix(name, e.Table()+"_"), suffix)
		if col == name {
			continue
		}
		if f, ok := e.FieldByColumn(col); ok {
			return f.Name
		}
	}
	return ""
}

func (b *Backend) Execute(ctx context.Context, s *orm.QueryState) ([]orm.Row, error) {
	if err := b.check(); err != nil {
		return nil, err
	}
	q, err := b.compiler.Select(s)
	if err != nil {
		return nil, err
	}
	return b.query(ctx, s.Entity, "select", q)
}

func (b *Backend) Count(ctx context.Context, s *orm.QueryState) (int64, error) {
	if err := b.check(); err != nil {
		return 0, err
	}
	st, err := b.compiler.Count(s)
	if err != nil {
		return 0, err
	}
	b.log.Debug().Str("op", "count").Str("sql", st.SQL).Msg("query")
	var n int64
	if err := b.conn.QueryRow(ctx, st.SQL, st.Args...).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func (b *Backend) Aggregate(ctx context.Context, s *orm.QueryState, aggs []orm.Aggregation) (map[string]any, error) {
	if err := b.check(); err != nil {
		return nil, err
	}
	q, err := b.compiler.Aggregate(s, aggs)
	if err != nil {
		return nil, err
	}
	rows, err := b.query(ctx, s.Entity, "aggregate", q)
	if err != nil {
		return nil, err
	}
	out := make(map[string]any, len(aggs))
	for _, a := range aggs {
		out[a.Name()] = nil
		if len(rows) > 0 {
			out[a.Name()] = rows[0][a.Name()]
		}
	}
	return out, nil
}

func (b *Backend) Exists(ctx context.Context, e *orm.Entity, pk any) (bool, error) {
	if err := b.check(); err != nil {
		return false, err
	}
	key, err := e.PK().ToStorage(pk)
	if err != nil {
		return false, err
	}
	st := b.compiler.Exists(e, key)
	b.log.Debug().Str("op", "exists").Str("sql", st.SQL).Msg("query")
	var ok bool
	if err := b.conn.QueryRow(ctx, st.SQL, st.Args...).Scan(&ok); err != nil {
		return false, err
	}
	return ok, nil
}

func (b *Backend) GetByKey(ctx context.Context, e *orm.Entity, pk any) (orm.Row, error) {
	if err := b.check(); err != nil {
		return nil, err
	}
	key, err := e.PK().ToStorage(pk)
	if err != nil {
		return nil, err
	}
	rows, err := b.query(ctx, e, "get", b.compiler.GetByKey(e, key))
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: %s %v", orm.ErrDoesNotExist, e.Name(), pk)
	}
	return rows[0], nil
}

// prepareInsert generates string and uuid keys client-side; integer keys
// are left to the BIGSERIAL default.
func prepareInsert(inst *orm.Instance) (orm.Row, error) {
	e := inst.Entity()
	if inst.PK() == nil {
		switch e.PK().Type {
		case orm.TypeString, orm.TypeText, orm.TypeUUID:
			if err := inst.SetPK(uuid.NewString()); err != nil {
				return nil, err
			}
		}
	}
	return inst.ToStorage(true)
}

// insert runs an INSERT ... RETURNING and assigns the returned keys to insts
// in order.
func (b *Backend) insert(ctx context.Context, insts []*orm.Instance, op string) error {
	e := insts[0].Entity()
	rows := make([]orm.Row, len(insts))
	for i, inst := range insts {
		row, err := prepareInsert(inst)
		if err != nil {
			return err
		}
		rows[i] = row
	}
	st := b.compiler.BulkInsert(e, rows)
	keys, err := b.query(ctx, e, op, Query{Statement: st, Columns: []string{"pk"}})
	if err != nil {
		return err
	}
	if len(keys) != len(insts) {
		return fmt.Errorf("sql: insert returned %d keys for %d rows", len(keys), len(insts))
	}
	for i, inst := range insts {
		pk, err := e.PK().FromStorage(keys[i]["pk"])
		if err != nil {
			return err
		}
		if err := inst.SetPK(pk); err != nil {
			return err
		}
	}
	return nil
}

func (b *Backend) Insert(ctx context.Context, inst *orm.Instance) error {
	if err := b.check(); err != nil {
		return err
	}
	return b.insert(ctx, []*orm.Instance{inst}, "insert")
}

// updateRow returns the storage values of the named fields, or of every
// field when none are named.
func updateRow(inst *orm.Instance, fields []string) (orm.Row, error) {
	row, err := inst.ToStorage(false)
	if err != nil || len(fields) == 0 {
		return row, err
	}
	e := inst.Entity()
	out := make(orm.Row, len(fields))
	for _, name := range fields {
		f, ok := e.Field(name)
		if !ok {
			return nil, fmt.Errorf("%w: %s.%s", orm.ErrUnknownField, e.Name(), name)
		}
		out[f.ColumnName()] = row[f.ColumnName()]
	}
	for _, f := range e.Fields() {
		if f.AutoNow {
			out[f.ColumnName()] = row[f.ColumnName()]
		}
	}
	return out, nil
}

func (b *Backend) update(ctx context.Context, inst *orm.Instance, fields []string, op string) error {
	e := inst.Entity()
	key, err := orm.InstanceKey(inst)
	if err != nil {
		return err
	}
	row, err := updateRow(inst, fields)
	if err != nil {
		return err
	}
	st, ok := b.compiler.Update(e, key, row)
	if !ok {
		return nil
	}
	n, err := b.exec(ctx, e, op, st)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s %v", orm.ErrDoesNotExist, e.Name(), inst.PK())
	}
	return nil
}

func (b *Backend) Update(ctx context.Context, inst *orm.Instance) error {
	if err := b.check(); err != nil {
		return err
	}
	return b.update(ctx, inst, nil, "update")
}

// Delete removes the record. Deleting a missing record is not an error.
func (b *Backend) Delete(ctx context.Context, inst *orm.Instance) error {
	if err := b.check(); err != nil {
		return err
	}
	e := inst.Entity()
	key, err := orm.InstanceKey(inst)
	if err != nil {
		return err
	}
	_, err = b.exec(ctx, e, "delete", b.compiler.Delete(e, key))
	return err
}

// atomic runs fn on this backend's transaction, or on a new one when the
// backend is not transactional yet.
func (b *Backend) atomic(ctx context.Context, fn func(b *Backend) error) error {
	if b.pool == nil {
		return fn(b)
	}
	return orm.Atomic(ctx, b, func(t orm.Transaction) error {
		return fn(t.(*Tx).Backend)
	})
}

// BulkInsert writes instances with multi-row INSERTs of at most
// Config.MaxBulkRows rows, all in one transaction.
func (b *Backend) BulkInsert(ctx context.Context, insts []*orm.Instance) error {
	if err := b.check(); err != nil {
		return err
	}
	if len(insts) == 0 {
		return nil
	}
	if len(insts) <= b.config.MaxBulkRows {
		return b.insert(ctx, insts, "bulk_insert")
	}
	return b.atomic(ctx, func(tx *Backend) error {
		for start := 0; start < len(insts); start += b.config.MaxBulkRows {
			end := min(start+b.config.MaxBulkRows, len(insts))
			if err := tx.insert(ctx, insts[start:end], "bulk_insert"); err != nil {
				return err
			}
		}
		return nil
	})
}

// BulkUpdate updates the named fields of every instance in one transaction.
func (b *Backend) BulkUpdate(ctx context.Context, insts []*orm.Instance, fields []string) error {
	if err := b.check(); err != nil {
		return err
	}
	if len(insts) == 0 {
		return nil
	}
	return b.atomic(ctx, func(tx *Backend) error {
		for _, inst := range insts {
			if err := tx.update(ctx, inst, fields, "bulk_update"); err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *Backend) UpdateMany(ctx context.Context, s *orm.QueryState, values map[string]any) (int64, error) {
	if err := b.check(); err != nil {
		return 0, err
	}
	e := s.Entity
	row := make(orm.Row, len(values))
	for name, v := range values {
		f, ok := e.Field(name)
		if !ok {
			return 0, fmt.Errorf("%w: %s.%s", orm.ErrUnknownField, e.Name(), name)
		}
		stored, err := f.ToStorage(v)
		if err != nil {
			return 0, err
		}
		row[f.ColumnName()] = stored
	}
	st, ok, err := b.compiler.UpdateMany(s, row)
	if err != nil || !ok {
		return 0, err
	}
	return b.exec(ctx, e, "update_many", st)
}

func (b *Backend) DeleteMany(ctx context.Context, s *orm.QueryState) (int64, error) {
	if err := b.check(); err != nil {
		return 0, err
	}
	st, err := b.compiler.DeleteMany(s)
	if err != nil {
		return 0, err
	}
	return b.exec(ctx, s.Entity, "delete_many", st)
}
