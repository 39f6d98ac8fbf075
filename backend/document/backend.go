// Package document implements an embedded document store on SQLite.
//
// Every record is one JSON document in a single table:
//
//	strata_documents(collection, pk, body)   PRIMARY KEY (collection, pk)
//
// Queries load the documents of a collection and evaluate the query state
// in memory, so every lookup, relation traversal and annotation is served.
// Unique fields are enforced with json_extract probes inside the write
// transaction.
package document

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/jacentio/strata/orm"
)

// ErrDuplicateValue is wrapped by the ConstraintViolationError returned when
// a write would give a unique field a value another document already holds.
var ErrDuplicateValue = errors.New("document: duplicate value for unique field")

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Backend is an orm.Backend over a SQLite database.
type Backend struct {
	db     *sql.DB
	tx     *sql.Tx
	conn   querier
	config Config
	log    zerolog.Logger

	mu        sync.RWMutex
	connected bool
}

var _ orm.Backend = (*Backend)(nil)

// New creates a Backend over db. Call Connect before use.
func New(db *sql.DB, config Config) *Backend {
	config.validate()
	return &Backend{
		db:     db,
		conn:   db,
		config: config,
		log:    config.Logger.With().Str("backend", "document").Logger(),
	}
}

// Open opens the SQLite database at dsn, such as "file:app.db?_busy_timeout=5000".
func Open(dsn string, config Config) (*Backend, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	return New(db, config), nil
}

func (b *Backend) Name() string { return "document" }

// Connect creates the document table when missing.
func (b *Backend) Connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.connected {
		return nil
	}
	if err := b.db.PingContext(ctx); err != nil {
		return fmt.Errorf("connect sqlite: %w", err)
	}
	_, err := b.db.ExecContext(ctx, fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %s (collection TEXT NOT NULL, pk TEXT NOT NULL, body TEXT NOT NULL, PRIMARY KEY (collection, pk))`,
		quote(b.config.Table)))
	if err != nil {
		return fmt.Errorf("create document table: %w", err)
	}
	b.connected = true
	b.log.Debug().Str("table", b.config.Table).Msg("connected")
	return nil
}

// Disconnect closes the database.
func (b *Backend) Disconnect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected {
		return nil
	}
	b.connected = false
	b.log.Debug().Msg("disconnected")
	return b.db.Close()
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

func (b *Backend) table() string { return quote(b.config.Table) }

func collection(e *orm.Entity) string { return e.Namespace() + "." + e.Table() }

// mapError turns SQLite constraint failures into ConstraintViolationError.
func mapError(e *orm.Entity, err error) error {
	var sqlErr sqlite3.Error
	if !errors.As(err, &sqlErr) || sqlErr.Code != sqlite3.ErrConstraint {
		return err
	}
	cv := &orm.ConstraintViolationError{Err: err}
	if e != nil {
		cv.Table = e.Table()
		if sqlErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey {
			cv.Field = e.PK().Name
		}
	}
	return cv
}

func (b *Backend) load(ctx context.Context, e *orm.Entity, key string) (orm.Row, bool, error) {
	var body string
	err := b.conn.QueryRowContext(ctx,
		"SELECT body FROM "+b.table()+" WHERE collection = ? AND pk = ?",
		collection(e), key).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	row, err := decodeBody(e, body)
	return row, err == nil, err
}

// all loads every document of e's collection, integer keys in numeric order.
func (b *Backend) all(ctx context.Context, e *orm.Entity) ([]orm.Row, error) {
	b.log.Debug().Str("collection", collection(e)).Msg("scan")
	rows, err := b.conn.QueryContext(ctx,
		"SELECT body FROM "+b.table()+" WHERE collection = ? ORDER BY CAST(pk AS INTEGER), pk",
		collection(e))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []orm.Row
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		row, err := decodeBody(e, body)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// resolver loads related documents for relation traversal in filters and
// ordering.
func (b *Backend) resolver(ctx context.Context) orm.Resolver {
	return func(target *orm.Entity, pk any) (orm.Row, bool, error) {
		key, err := keyString(target.PK(), pk)
		if err != nil {
			return nil, false, err
		}
		return b.load(ctx, target, key)
	}
}

// matching returns every full row matched by the where clause of s.
func (b *Backend) matching(ctx context.Context, s *orm.QueryState) ([]orm.Row, error) {
	full := s.Clone()
	full.Only, full.Defer, full.Annotations = nil, nil, nil
	rows, err := b.all(ctx, s.Entity)
	if err != nil {
		return nil, err
	}
	return orm.ApplyState(full, rows, b.resolver(ctx))
}

func (b *Backend) Execute(ctx context.Context, s *orm.QueryState) ([]orm.Row, error) {
	if err := b.check(); err != nil {
		return nil, err
	}
	rows, err := b.all(ctx, s.Entity)
	if err != nil {
		return nil, err
	}
	rows, err = orm.ApplyState(s, rows, b.resolver(ctx))
	if err != nil {
		return nil, err
	}
	return orm.AnnotateRows(s.Entity, rows, s.Annotations, func(rel orm.Relation, pk any) ([]orm.Row, error) {
		sub := orm.NewQueryState(rel.Source)
		sub.Where = []orm.Node{orm.Condition{Path: []string{rel.Field.Name}, Lookup: "exact", Value: pk}}
		return b.matching(ctx, sub)
	})
}

func (b *Backend) Count(ctx context.Context, s *orm.QueryState) (int64, error) {
	if err := b.check(); err != nil {
		return 0, err
	}
	rows, err := b.matching(ctx, s)
	return int64(len(rows)), err
}

func (b *Backend) Aggregate(ctx context.Context, s *orm.QueryState, aggs []orm.Aggregation) (map[string]any, error) {
	if err := b.check(); err != nil {
		return nil, err
	}
	rows, err := b.matching(ctx, s)
	if err != nil {
		return nil, err
	}
	return orm.AggregateRows(s.Entity, rows, aggs, b.resolver(ctx))
}

func (b *Backend) Exists(ctx context.Context, e *orm.Entity, pk any) (bool, error) {
	if err := b.check(); err != nil {
		return false, err
	}
	key, err := keyString(e.PK(), pk)
	if err != nil {
		return false, err
	}
	var n int
	err = b.conn.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM "+b.table()+" WHERE collection = ? AND pk = ?",
		collection(e), key).Scan(&n)
	return n > 0, err
}

func (b *Backend) GetByKey(ctx context.Context, e *orm.Entity, pk any) (orm.Row, error) {
	if err := b.check(); err != nil {
		return nil, err
	}
	key, err := keyString(e.PK(), pk)
	if err != nil {
		return nil, err
	}
	row, found, err := b.load(ctx, e, key)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: %s %v", orm.ErrDoesNotExist, e.Name(), pk)
	}
	return row, nil
}
