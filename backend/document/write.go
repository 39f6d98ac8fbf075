package document

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/jacentio/strata/orm"
)

// atomic runs fn on this backend's transaction, or on a new one.
func (b *Backend) atomic(ctx context.Context, fn func(b *Backend) error) error {
	if b.tx != nil {
		return fn(b)
	}
	return orm.Atomic(ctx, b, func(t orm.Transaction) error {
		return fn(t.(*Tx).Backend)
	})
}

// nextKey generates a primary key: a uuid for string keys and one past the
// largest integer key of the collection for integer keys.
func (b *Backend) nextKey(ctx context.Context, e *orm.Entity) (any, error) {
	switch e.PK().Type {
	case orm.TypeString, orm.TypeText, orm.TypeUUID:
		return uuid.NewString(), nil
	case orm.TypeInt:
		var next int64
		err := b.conn.QueryRowContext(ctx,
			"SELECT COALESCE(MAX(CAST(pk AS INTEGER)), 0) + 1 FROM "+b.table()+" WHERE collection = ?",
			collection(e)).Scan(&next)
		return next, err
	}
	return nil, fmt.Errorf("%w: %s keys of type %s are not generated", orm.ErrMissingPrimaryKey, e.Name(), e.PK().Type)
}

// uniqueGroups returns the column groups that must be unique: each unique
// field on its own and every unique-together group.
func uniqueGroups(e *orm.Entity) [][]*orm.Field {
	var groups [][]*orm.Field
	for _, f := range e.Fields() {
		if f.Unique && !f.PrimaryKey {
			groups = append(groups, []*orm.Field{f})
		}
	}
	for _, names := range e.UniqueTogether() {
		var group []*orm.Field
		for _, name := range names {
			if f, ok := e.Field(name); ok {
				group = append(group, f)
			}
		}
		if len(group) == len(names) {
			groups = append(groups, group)
		}
	}
	return groups
}

// checkUnique fails when another document of the collection holds the
// values row has for a unique group. Groups with a NULL member are skipped.
func (b *Backend) checkUnique(ctx context.Context, e *orm.Entity, key string, row orm.Row) error {
	for _, group := range uniqueGroups(e) {
		conds := []string{"collection = ?", "pk <> ?"}
		args := []any{collection(e), key}
		names := make([]string, len(group))
		skip := false
		for i, f := range group {
			v := row[f.ColumnName()]
			if v == nil {
				skip = true
				break
			}
			conds = append(conds, "json_extract(body, ?) = ?")
			args = append(args, jsonPath(f.ColumnName()), v)
			names[i] = f.Name
		}
		if skip {
			continue
		}
		var other string
		err := b.conn.QueryRowContext(ctx,
			"SELECT pk FROM "+b.table()+" WHERE "+strings.Join(conds, " AND ")+" LIMIT 1",
			args...).Scan(&other)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return err
		}
		return &orm.ConstraintViolationError{
			Table: e.Table(),
			Field: strings.Join(names, ","),
			Err:   fmt.Errorf("%w: held by %s", ErrDuplicateValue, other),
		}
	}
	return nil
}

func (b *Backend) create(ctx context.Context, inst *orm.Instance) error {
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
	if err := b.checkUnique(ctx, e, key, row); err != nil {
		return err
	}
	body, err := encodeBody(row)
	if err != nil {
		return err
	}
	_, err = b.conn.ExecContext(ctx,
		"INSERT INTO "+b.table()+" (collection, pk, body) VALUES (?, ?, ?)",
		collection(e), key, body)
	return mapError(e, err)
}

// write stores row over the document key after checking uniqueness.
func (b *Backend) write(ctx context.Context, e *orm.Entity, key string, row orm.Row) error {
	if err := b.checkUnique(ctx, e, key, row); err != nil {
		return err
	}
	body, err := encodeBody(row)
	if err != nil {
		return err
	}
	res, err := b.conn.ExecContext(ctx,
		"UPDATE "+b.table()+" SET body = ? WHERE collection = ? AND pk = ?",
		body, collection(e), key)
	if err != nil {
		return mapError(e, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s %s", orm.ErrDoesNotExist, e.Name(), key)
	}
	return nil
}

// change overlays the named fields of inst, or all of them, on the stored
// document. Columns the instance did not load are kept.
func (b *Backend) change(ctx context.Context, inst *orm.Instance, fields []string) error {
	e := inst.Entity()
	key, err := keyString(e.PK(), inst.PK())
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
	stored, err := inst.ToStorage(false)
	if err != nil {
		return err
	}
	cols := make(map[string]bool, len(fields))
	for _, name := range fields {
		f, ok := e.Field(name)
		if !ok {
			return fmt.Errorf("%w: %s.%s", orm.ErrUnknownField, e.Name(), name)
		}
		cols[f.ColumnName()] = true
	}
	for _, f := range e.Fields() {
		if f.AutoNow {
			cols[f.ColumnName()] = true
		}
	}
	for col, v := range stored {
		if len(fields) == 0 || cols[col] {
			old[col] = v
		}
	}
	return b.write(ctx, e, key, old)
}

func (b *Backend) remove(ctx context.Context, e *orm.Entity, key string) error {
	_, err := b.conn.ExecContext(ctx,
		"DELETE FROM "+b.table()+" WHERE collection = ? AND pk = ?",
		collection(e), key)
	return err
}

func (b *Backend) Insert(ctx context.Context, inst *orm.Instance) error {
	if err := b.check(); err != nil {
		return err
	}
	return b.atomic(ctx, func(tx *Backend) error { return tx.create(ctx, inst) })
}

func (b *Backend) Update(ctx context.Context, inst *orm.Instance) error {
	if err := b.check(); err != nil {
		return err
	}
	return b.atomic(ctx, func(tx *Backend) error { return tx.change(ctx, inst, nil) })
}

// Delete removes the document. Deleting a missing document is not an error.
func (b *Backend) Delete(ctx context.Context, inst *orm.Instance) error {
	if err := b.check(); err != nil {
		return err
	}
	e := inst.Entity()
	key, err := keyString(e.PK(), inst.PK())
	if err != nil {
		return err
	}
	return b.remove(ctx, e, key)
}

// BulkInsert writes every instance in one transaction.
func (b *Backend) BulkInsert(ctx context.Context, insts []*orm.Instance) error {
	if err := b.check(); err != nil {
		return err
	}
	return b.atomic(ctx, func(tx *Backend) error {
		for _, inst := range insts {
			if err := tx.create(ctx, inst); err != nil {
				return err
			}
		}
		return nil
	})
}

// BulkUpdate writes the named fields of every instance in one transaction;
// no fields means every field.
func (b *Backend) BulkUpdate(ctx context.Context, insts []*orm.Instance, fields []string) error {
	if err := b.check(); err != nil {
		return err
	}
	return b.atomic(ctx, func(tx *Backend) error {
		for _, inst := range insts {
			if err := tx.change(ctx, inst, fields); err != nil {
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

	var n int64
	err := b.atomic(ctx, func(tx *Backend) error {
		rows, err := tx.matching(ctx, s)
		if err != nil {
			return err
		}
		for _, row := range rows {
			key, err := keyString(e.PK(), row[e.PK().ColumnName()])
			if err != nil {
				return err
			}
			for col, v := range set {
				row[col] = v
			}
			if err := tx.write(ctx, e, key, row); err != nil {
				return err
			}
		}
		n = int64(len(rows))
		return nil
	})
	return n, err
}

func (b *Backend) DeleteMany(ctx context.Context, s *orm.QueryState) (int64, error) {
	if err := b.check(); err != nil {
		return 0, err
	}
	e := s.Entity
	var n int64
	err := b.atomic(ctx, func(tx *Backend) error {
		rows, err := tx.matching(ctx, s)
		if err != nil {
			return err
		}
		for _, row := range rows {
			key, err := keyString(e.PK(), row[e.PK().ColumnName()])
			if err != nil {
				return err
			}
			if err := tx.remove(ctx, e, key); err != nil {
				return err
			}
		}
		n = int64(len(rows))
		return nil
	})
	return n, err
}
