package kv

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/jacentio/strata/orm"
)

// ErrDuplicateValue is wrapped by the ConstraintViolationError returned when
// a write would give a unique field a value another record already holds.
var ErrDuplicateValue = errors.New("kv: duplicate value for unique field")

// ErrCompositeIndex is returned by the schema editor for multi-field indexes.
var ErrCompositeIndex = errors.New("kv: composite indexes are not supported")

// Backend stores entities as records in an Engine and maintains secondary
// index entries for indexed fields itself.
//
// Record:       (table) / pk                 -> JSON row
// Index entry:  (table__field, value) / pk   -> pk
// Unique guard: (table__unique__field) / value -> pk
// Sequence:     (__sequence) / table         -> counter
type Backend struct {
	engine Engine
	config Config
	log    zerolog.Logger

	mu        sync.RWMutex
	connected bool
}

// New creates a Backend over engine. Call Connect before use.
func New(engine Engine, config Config) *Backend {
	config.validate()
	return &Backend{
		engine: engine,
		config: config,
		log:    config.Logger.With().Str("backend", "kv").Logger(),
	}
}

// Engine returns the underlying engine.
func (b *Backend) Engine() Engine { return b.engine }

func (b *Backend) Name() string { return "kv" }

func (b *Backend) Connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connected = true
	b.log.Debug().Msg("connected")
	return nil
}

// Disconnect closes the engine. The backend cannot be reconnected afterwards
// unless the engine supports reuse after Close.
func (b *Backend) Disconnect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected {
		return nil
	}
	b.connected = false
	b.log.Debug().Msg("disconnected")
	return b.engine.Close()
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

func (b *Backend) table(e *orm.Entity) string { return b.config.Prefix + e.Table() }

func (b *Backend) recordKey(e *orm.Entity, pk string) Key {
	return Key{Partition: []string{b.table(e)}, Item: pk}
}

func (b *Backend) indexPartition(e *orm.Entity, field string) []string {
	return []string{b.table(e) + orm.LookupSeparator + field}
}

func (b *Backend) indexKey(e *orm.Entity, field, value, pk string) Key {
	return Key{Partition: append(b.indexPartition(e, field), value), Item: pk}
}

func (b *Backend) uniquePartition(e *orm.Entity, field string) []string {
	return []string{b.table(e) + "__unique__" + field}
}

func (b *Backend) uniqueKey(e *orm.Entity, field, value string) Key {
	return Key{Partition: b.uniquePartition(e, field), Item: value}
}

func (b *Backend) sequenceKey(e *orm.Entity) Key {
	return Key{Partition: []string{b.config.Prefix + b.config.SequencePartition}, Item: e.Table()}
}

func (b *Backend) schemaKey(e *orm.Entity) Key {
	return Key{Partition: []string{b.config.Prefix + b.config.SchemaPartition}, Item: e.Table()}
}

// GetByKey returns the record stored under pk.
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

func (b *Backend) Exists(ctx context.Context, e *orm.Entity, pk any) (bool, error) {
	if err := b.check(); err != nil {
		return false, err
	}
	key, err := keyString(e.PK(), pk)
	if err != nil {
		return false, err
	}
	_, found, err := b.engine.Get(ctx, b.recordKey(e, key))
	return found, err
}

func (b *Backend) load(ctx context.Context, e *orm.Entity, key string) (orm.Row, bool, error) {
	data, found, err := b.engine.Get(ctx, b.recordKey(e, key))
	if err != nil || !found {
		return nil, false, err
	}
	row, err := decodeRow(e, data)
	return row, err == nil, err
}

// candidates loads the rows the plan for s can reach. They still have to be
// filtered by the full where clause.
func (b *Backend) candidates(ctx context.Context, s *orm.QueryState) ([]orm.Row, error) {
	p, err := b.plan(s)
	if err != nil {
		return nil, err
	}
	e := s.Entity
	log := b.log.Debug().Str("table", e.Table())

	switch {
	case p.keys != nil:
		log.Int("keys", len(p.keys)).Msg("get by key")
		rows := make([]orm.Row, 0, len(p.keys))
		for _, key := range p.keys {
			row, found, err := b.load(ctx, e, key)
			if err != nil {
				return nil, err
			}
			if found {
				rows = append(rows, row)
			}
		}
		return rows, nil

	case p.index != nil:
		log.Str("index", p.index.field).Msg("index lookup")
		entries, err := b.engine.List(ctx, append(b.indexPartition(e, p.index.field), p.index.value))
		if err != nil {
			return nil, err
		}
		rows := make([]orm.Row, 0, len(entries))
		for _, entry := range entries {
			row, found, err := b.load(ctx, e, entry.Key.Item)
			if err != nil {
				return nil, err
			}
			// Entries can outlive their record until the stream
			// reconciler removes them.
			if found {
				rows = append(rows, row)
			}
		}
		return rows, nil
	}

	log.Msg("table scan")
	entries, err := b.engine.List(ctx, []string{b.table(e)})
	if err != nil {
		return nil, err
	}
	rows := make([]orm.Row, 0, len(entries))
	for _, entry := range entries {
		row, err := decodeRow(e, entry.Value)
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// matching returns every full row matched by the where clause of s, ignoring
// projection and annotations.
func (b *Backend) matching(ctx context.Context, s *orm.QueryState) ([]orm.Row, error) {
	full := s.Clone()
	full.Only, full.Defer, full.Annotations = nil, nil, nil
	rows, err := b.candidates(ctx, full)
	if err != nil {
		return nil, err
	}
	return orm.ApplyState(full, rows, nil)
}

func (b *Backend) Execute(ctx context.Context, s *orm.QueryState) ([]orm.Row, error) {
	if err := b.check(); err != nil {
		return nil, err
	}
	rows, err := b.candidates(ctx, s)
	if err != nil {
		return nil, err
	}
	rows, err = orm.ApplyState(s, rows, nil)
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
	return orm.AggregateRows(s.Entity, rows, aggs, nil)
}

func (b *Backend) SchemaEditor() orm.SchemaEditor { return &schemaEditor{b: b} }
