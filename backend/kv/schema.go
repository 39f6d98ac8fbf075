package kv

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"

	"github.com/jacentio/strata/orm"
)

// schemaEditor maintains table markers and backfills or drops index entries.
// Records need no schema, so table and column changes only touch existing data.
type schemaEditor struct {
	b *Backend
}

type tableMarker struct {
	Entity  string   `json:"entity"`
	Columns []string `json:"columns"`
	Indexes []string `json:"indexes"`
}

func (s *schemaEditor) marker(e *orm.Entity) ([]byte, error) {
	m := tableMarker{Entity: e.FullName(), Indexes: e.IndexedFields()}
	for _, f := range e.Fields() {
		m.Columns = append(m.Columns, f.ColumnName())
	}
	return json.Marshal(m)
}

// records returns every stored row of e keyed by item name.
func (s *schemaEditor) records(ctx context.Context, e *orm.Entity) ([]string, []orm.Row, error) {
	entries, err := s.b.engine.List(ctx, []string{s.b.table(e)})
	if err != nil {
		return nil, nil, err
	}
	keys := make([]string, 0, len(entries))
	rows := make([]orm.Row, 0, len(entries))
	for _, entry := range entries {
		row, err := decodeRow(e, entry.Value)
		if err != nil {
			return nil, nil, err
		}
		keys = append(keys, entry.Key.Item)
		rows = append(rows, row)
	}
	return keys, rows, nil
}

// CreateTable records a marker for the table. Creating an existing table
// refreshes the marker.
func (s *schemaEditor) CreateTable(ctx context.Context, e *orm.Entity) error {
	if err := s.b.check(); err != nil {
		return err
	}
	data, err := s.marker(e)
	if err != nil {
		return fmt.Errorf("kv: encode table marker: %w", err)
	}
	w := &batch{entity: e}
	w.add(Put(s.b.schemaKey(e), data), nil)
	return s.b.apply(ctx, w, "create_table")
}

// DropTable removes every record, index entry, unique guard, the sequence
// and the marker of the table.
func (s *schemaEditor) DropTable(ctx context.Context, e *orm.Entity) error {
	if err := s.b.check(); err != nil {
		return err
	}
	w := &batch{entity: e}
	keys, _, err := s.records(ctx, e)
	if err != nil {
		return err
	}
	for _, key := range keys {
		w.add(Del(s.b.recordKey(e, key)), nil)
	}
	for _, f := range e.Fields() {
		if err := s.dropEntries(ctx, w, e, f.Name); err != nil {
			return err
		}
	}
	w.add(Del(s.b.sequenceKey(e)), nil)
	w.add(Del(s.b.schemaKey(e)), nil)
	return s.b.apply(ctx, w, "drop_table")
}

// dropEntries deletes every index entry and unique guard of a field.
func (s *schemaEditor) dropEntries(ctx context.Context, w *batch, e *orm.Entity, field string) error {
	entries, err := s.b.engine.Scan(ctx, s.b.indexPartition(e, field))
	if err != nil {
		return err
	}
	guards, err := s.b.engine.List(ctx, s.b.uniquePartition(e, field))
	if err != nil {
		return err
	}
	for _, entry := range append(entries, guards...) {
		w.add(Del(entry.Key), nil)
	}
	return nil
}

// AddField writes the field default into every record that lacks the column
// and creates index entries when the field is indexed.
func (s *schemaEditor) AddField(ctx context.Context, e *orm.Entity, f *orm.Field) error {
	if err := s.b.check(); err != nil {
		return err
	}
	var stored any
	if v, ok := f.DefaultValue(); ok {
		var err error
		if stored, err = f.ToStorage(v); err != nil {
			return err
		}
	}
	keys, rows, err := s.records(ctx, e)
	if err != nil {
		return err
	}
	w := &batch{entity: e}
	spec := []indexedField{{field: f, unique: f.Unique}}
	for i, row := range rows {
		if _, ok := row[f.ColumnName()]; ok {
			continue
		}
		updated := copyRow(row)
		updated[f.ColumnName()] = stored
		data, err := encodeRow(updated)
		if err != nil {
			return err
		}
		w.add(Put(s.b.recordKey(e, keys[i]), data), nil)
		if f.Indexed || f.Unique {
			s.b.putEntries(w, spec, keys[i], updated)
		}
	}
	return s.b.apply(ctx, w, "add_field")
}

// RemoveField drops the column from every record along with its index entries.
func (s *schemaEditor) RemoveField(ctx context.Context, e *orm.Entity, f *orm.Field) error {
	if err := s.b.check(); err != nil {
		return err
	}
	keys, rows, err := s.records(ctx, e)
	if err != nil {
		return err
	}
	w := &batch{entity: e}
	for i, row := range rows {
		if _, ok := row[f.ColumnName()]; !ok {
			continue
		}
		updated := copyRow(row)
		delete(updated, f.ColumnName())
		data, err := encodeRow(updated)
		if err != nil {
			return err
		}
		w.add(Put(s.b.recordKey(e, keys[i]), data), nil)
	}
	if err := s.dropEntries(ctx, w, e, f.Name); err != nil {
		return err
	}
	return s.b.apply(ctx, w, "remove_field")
}

// AddIndex backfills index entries for a single-field index. A unique index
// fails with a ConstraintViolationError when two records share a value.
func (s *schemaEditor) AddIndex(ctx context.Context, e *orm.Entity, idx orm.Index) error {
	if err := s.b.check(); err != nil {
		return err
	}
	f, err := s.indexField(e, idx)
	if err != nil {
		return err
	}
	keys, rows, err := s.records(ctx, e)
	if err != nil {
		return err
	}
	held := make(map[string]string)
	if idx.Unique {
		guards, err := s.b.engine.List(ctx, s.b.uniquePartition(e, f.Name))
		if err != nil {
			return err
		}
		for _, g := range guards {
			held[g.Key.Item] = string(g.Value)
		}
	}

	w := &batch{entity: e}
	for i, row := range rows {
		stored := row[f.ColumnName()]
		value := encodeIndexValue(stored)
		w.add(Put(s.b.indexKey(e, f.Name, value, keys[i]), []byte(keys[i])), nil)
		if !idx.Unique || stored == nil || held[value] == keys[i] {
			continue
		}
		m := Put(s.b.uniqueKey(e, f.Name, value), []byte(keys[i]))
		m.Condition = MustNotExist
		w.add(m, &guard{field: f.Name})
	}
	return s.b.apply(ctx, w, "add_index")
}

// RemoveIndex deletes the entries of a single-field index unless the field
// itself stays indexed.
func (s *schemaEditor) RemoveIndex(ctx context.Context, e *orm.Entity, idx orm.Index) error {
	if err := s.b.check(); err != nil {
		return err
	}
	f, err := s.indexField(e, idx)
	if err != nil {
		return err
	}
	if f.Indexed || f.Unique {
		return nil
	}
	w := &batch{entity: e}
	if err := s.dropEntries(ctx, w, e, f.Name); err != nil {
		return err
	}
	return s.b.apply(ctx, w, "remove_index")
}

func (s *schemaEditor) indexField(e *orm.Entity, idx orm.Index) (*orm.Field, error) {
	if len(idx.Fields) != 1 {
		return nil, fmt.Errorf("%w: %s %v", ErrCompositeIndex, idx.Name, idx.Fields)
	}
	f, ok := e.Field(idx.Fields[0])
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s", orm.ErrUnknownField, e.Name(), idx.Fields[0])
	}
	return f, nil
}

func copyRow(row orm.Row) orm.Row {
	out := make(orm.Row, len(row)+1)
	for k, v := range row {
		out[k] = v
	}
	return out
}
