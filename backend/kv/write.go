package kv

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/jacentio/strata/orm"
)

// guard describes what a failed mutation condition means.
type guard struct {
	// field is the unique field whose guard item was taken, or the primary
	// key for a record insert.
	field string

	// missing is set for record updates: the record was deleted meanwhile.
	missing bool
}

// batch collects the mutations of one operation so they are applied in a
// single atomic Apply.
type batch struct {
	entity *orm.Entity
	muts   []Mutation
	guards []*guard
}

func (w *batch) add(m Mutation, g *guard) {
	w.muts = append(w.muts, m)
	w.guards = append(w.guards, g)
}

// indexedField is a field that carries index entries.
type indexedField struct {
	field  *orm.Field
	unique bool
}

func indexSpec(e *orm.Entity) []indexedField {
	unique := make(map[string]bool)
	for _, idx := range e.Indexes() {
		if idx.Unique && len(idx.Fields) == 1 {
			unique[idx.Fields[0]] = true
		}
	}
	var out []indexedField
	for _, name := range e.IndexedFields() {
		f, _ := e.Field(name)
		out = append(out, indexedField{field: f, unique: f.Unique || unique[name]})
	}
	return out
}

// putEntries adds the index entries and unique guards of a row.
func (b *Backend) putEntries(w *batch, spec []indexedField, key string, row orm.Row) {
	for _, ix := range spec {
		stored := row[ix.field.ColumnName()]
		value := encodeIndexValue(stored)
		w.add(Put(b.indexKey(w.entity, ix.field.Name, value, key), []byte(key)), nil)
		if ix.unique && stored != nil {
			m := Put(b.uniqueKey(w.entity, ix.field.Name, value), []byte(key))
			m.Condition = MustNotExist
			w.add(m, &guard{field: ix.field.Name})
		}
	}
}

// deleteEntries removes the index entries and unique guards of a row.
func (b *Backend) deleteEntries(w *batch, spec []indexedField, key string, row orm.Row) {
	for _, ix := range spec {
		stored := row[ix.field.ColumnName()]
		value := encodeIndexValue(stored)
		w.add(Del(b.indexKey(w.entity, ix.field.Name, value, key)), nil)
		if ix.unique && stored != nil {
			w.add(Del(b.uniqueKey(w.entity, ix.field.Name, value)), nil)
		}
	}
}

func (b *Backend) create(ctx context.Context, w *batch, inst *orm.Instance) error {
	e := inst.Entity()
	if inst.PK() == nil {
		pk, err := b.nextKey(ctx, e)
		if err != nil {
			return err
		}
		if err := inst.SetPK(pk); err != nil {
			return err
		}
	}
	row, err := inst.ToStorage(true)
	if err != nil {
		return err
	}
	key, err := keyString(e.PK(), inst.PK())
	if err != nil {
		return err
	}
	data, err := encodeRow(row)
	if err != nil {
		return err
	}
	m := Put(b.recordKey(e, key), data)
	m.Condition = MustNotExist
	w.add(m, &guard{field: e.PK().Name})
	b.putEntries(w, indexSpec(e), key, row)
	return nil
}

// nextKey generates a primary key: a uuid for string keys and the next
// value of the table sequence for integer keys.
func (b *Backend) nextKey(ctx context.Context, e *orm.Entity) (any, error) {
	switch e.PK().Type {
	case orm.TypeString, orm.TypeText, orm.TypeUUID:
		return uuid.NewString(), nil
	case orm.TypeInt:
		return b.engine.Increment(ctx, b.sequenceKey(e), 1)
	}
	return nil, fmt.Errorf("%w: %s keys of type %s are not generated", orm.ErrMissingPrimaryKey, e.Name(), e.PK().Type)
}

// rewrite replaces the stored row old with row and moves the index entries
// of changed values.
func (b *Backend) rewrite(w *batch, key string, old, row orm.Row) error {
	data, err := encodeRow(row)
	if err != nil {
		return err
	}
	m := Put(b.recordKey(w.entity, key), data)
	m.Condition = MustExist
	w.add(m, &guard{missing: true})

	for _, ix := range indexSpec(w.entity) {
		col := ix.field.ColumnName()
		before, after := encodeIndexValue(old[col]), encodeIndexValue(row[col])
		if before == after {
			continue
		}
		one := []indexedField{ix}
		b.deleteEntries(w, one, key, old)
		b.putEntries(w, one, key, row)
	}
	return nil
}

func (b *Backend) change(ctx context.Context, w *batch, inst *orm.Instance, fields []string) error {
	e := inst.Entity()
	key, err := keyString(e.PK(), inst.PK())
	if err != nil {
		return err
	}
	row, err := inst.ToStorage(false)
	if err != nil {
		return err
	}
	old, found, err := b.load(ctx, e, key)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%w: %s %v", orm.ErrDoesNotExist, e.Name(), inst.PK())
	}

	only := make(map[string]bool, len(fields))
	for _, name := range fields {
		if f, ok := e.Field(name); ok {
			only[f.ColumnName()] = true
		}
	}
	for _, f := range e.Fields() {
		if f.AutoNow {
			only[f.ColumnName()] = true
		}
	}

	merged := make(orm.Row, len(old)+len(row))
	for col, v := range old {
		merged[col] = v
	}
	for col, v := range row {
		if len(fields) == 0 || only[col] {
			merged[col] = v
		}
	}
	return b.rewrite(w, key, old, merged)
}

func (b *Backend) remove(ctx context.Context, w *batch, e *orm.Entity, key string) error {
	old, found, err := b.load(ctx, e, key)
	if err != nil || !found {
		return err
	}
	w.add(Del(b.recordKey(e, key)), nil)
	b.deleteEntries(w, indexSpec(e), key, old)
	return nil
}

// apply writes the batch and maps failed conditions to ORM errors.
func (b *Backend) apply(ctx context.Context, w *batch, op string) error {
	if len(w.muts) == 0 {
		return nil
	}
	b.log.Debug().Str("op", op).Str("table", w.entity.Table()).Int("mutations", len(w.muts)).Msg("apply")
	err := b.engine.Apply(ctx, w.muts)
	if err == nil {
		return nil
	}
	return b.mapWriteError(err, w)
}

// mapWriteError inspects a ConditionError to report which constraint failed.
func (b *Backend) mapWriteError(err error, w *batch) error {
	var condErr *ConditionError
	if !errors.As(err, &condErr) || condErr.Index < 0 || condErr.Index >= len(w.guards) {
		return err
	}
	g := w.guards[condErr.Index]
	switch {
	case g == nil:
		return err
	case g.missing:
		return fmt.Errorf("%w: %s %s", orm.ErrDoesNotExist, w.entity.Name(), condErr.Key.Item)
	case g.field == w.entity.PK().Name:
		return &orm.ConstraintViolationError{Table: w.entity.Table(), Field: g.field, Err: err}
	}
	return &orm.ConstraintViolationError{Table: w.entity.Table(), Field: g.field, Err: fmt.Errorf("%w: %w", ErrDuplicateValue, err)}
}

func (b *Backend) Insert(ctx context.Context, inst *orm.Instance) error {
	if err := b.check(); err != nil {
		return err
	}
	w := &batch{entity: inst.Entity()}
	if err := b.create(ctx, w, inst); err != nil {
		return err
	}
	return b.apply(ctx, w, "insert")
}

func (b *Backend) Update(ctx context.Context, inst *orm.Instance) error {
	if err := b.check(); err != nil {
		return err
	}
	w := &batch{entity: inst.Entity()}
	if err := b.change(ctx, w, inst, nil); err != nil {
		return err
	}
	return b.apply(ctx, w, "update")
}

// Delete removes the record and its index entries. Deleting a missing
// record is not an error.
func (b *Backend) Delete(ctx context.Context, inst *orm.Instance) error {
	if err := b.check(); err != nil {
		return err
	}
	e := inst.Entity()
	key, err := keyString(e.PK(), inst.PK())
	if err != nil {
		return err
	}
	w := &batch{entity: e}
	if err := b.remove(ctx, w, e, key); err != nil {
		return err
	}
	return b.apply(ctx, w, "delete")
}

// BulkInsert writes every instance in one Apply. Instances must share an entity.
func (b *Backend) BulkInsert(ctx context.Context, insts []*orm.Instance) error {
	if err := b.check(); err != nil {
		return err
	}
	if len(insts) == 0 {
		return nil
	}
	w := &batch{entity: insts[0].Entity()}
	for _, inst := range insts {
		if err := b.create(ctx, w, inst); err != nil {
			return err
		}
	}
	return b.apply(ctx, w, "bulk_insert")
}

// BulkUpdate writes the named fields of every instance in one Apply; no
// fields means every field.
func (b *Backend) BulkUpdate(ctx context.Context, insts []*orm.Instance, fields []string) error {
	if err := b.check(); err != nil {
		return err
	}
	if len(insts) == 0 {
		return nil
	}
	w := &batch{entity: insts[0].Entity()}
	for _, inst := range insts {
		if err := b.change(ctx, w, inst, fields); err != nil {
			return err
		}
	}
	return b.apply(ctx, w, "bulk_update")
}

func (b *Backend) UpdateMany(ctx context.Context, s *orm.QueryState, values map[string]any) (int64, error) {
	if err := b.check(); err != nil {
		return 0, err
	}
	e := s.Entity
	set := make(orm.Row, len(values))
	for name, v := range values {
		f, ok := e.Field(name)
		if !ok {
			return 0, fmt.Errorf("%w: %s.%s", orm.ErrUnknownField, e.Name(), name)
		}
		stored, err := f.ToStorage(v)
		if err != nil {
			return 0, err
		}
		set[f.ColumnName()] = stored
	}

	rows, err := b.matching(ctx, s)
	if err != nil {
		return 0, err
	}
	w := &batch{entity: e}
	for _, old := range rows {
		key, err := keyString(e.PK(), old[e.PK().ColumnName()])
		if err != nil {
			return 0, err
		}
		row := make(orm.Row, len(old)+len(set))
		for col, v := range old {
			row[col] = v
		}
		for col, v := range set {
			row[col] = v
		}
		if err := b.rewrite(w, key, old, row); err != nil {
			return 0, err
		}
	}
	if err := b.apply(ctx, w, "update_many"); err != nil {
		return 0, err
	}
	return int64(len(rows)), nil
}

func (b *Backend) DeleteMany(ctx context.Context, s *orm.QueryState) (int64, error) {
	if err := b.check(); err != nil {
		return 0, err
	}
	e := s.Entity
	rows, err := b.matching(ctx, s)
	if err != nil {
		return 0, err
	}
	w := &batch{entity: e}
	spec := indexSpec(e)
	for _, old := range rows {
		key, err := keyString(e.PK(), old[e.PK().ColumnName()])
		if err != nil {
			return 0, err
		}
		w.add(Del(b.recordKey(e, key)), nil)
		b.deleteEntries(w, spec, key, old)
	}
	if err := b.apply(ctx, w, "delete_many"); err != nil {
		return 0, err
	}
	return int64(len(rows)), nil
}
