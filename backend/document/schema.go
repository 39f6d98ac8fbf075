package document

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/goccy/go-json"

	"github.com/jacentio/strata/orm"
)

// schemaEditor rewrites stored documents. Collections need no DDL of their
// own, so only data changes.
type schemaEditor struct {
	b *Backend
}

func (b *Backend) SchemaEditor() orm.SchemaEditor { return &schemaEditor{b: b} }

func (s *schemaEditor) exec(ctx context.Context, e *orm.Entity, op, query string, args ...any) error {
	if err := s.b.check(); err != nil {
		return err
	}
	s.b.log.Debug().Str("op", op).Str("collection", collection(e)).Msg("schema")
	return s.b.atomic(ctx, func(b *Backend) error {
		_, err := b.conn.ExecContext(ctx, query, args...)
		return mapError(e, err)
	})
}

// CreateTable is satisfied by the shared document table.
func (s *schemaEditor) CreateTable(ctx context.Context, e *orm.Entity) error {
	return s.b.check()
}

// DropTable deletes every document of the collection.
func (s *schemaEditor) DropTable(ctx context.Context, e *orm.Entity) error {
	return s.exec(ctx, e, "drop_table",
		"DELETE FROM "+s.b.table()+" WHERE collection = ?", collection(e))
}

// AddField writes the field default into every document lacking the column.
func (s *schemaEditor) AddField(ctx context.Context, e *orm.Entity, f *orm.Field) error {
	var stored any
	if v, ok := f.DefaultValue(); ok {
		var err error
		if stored, err = f.ToStorage(v); err != nil {
			return err
		}
	}
	value, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("document: encode default of %s: %w", f.Name, err)
	}
	path := jsonPath(f.ColumnName())
	return s.exec(ctx, e, "add_field",
		"UPDATE "+s.b.table()+" SET body = json_set(body, ?, json(?)) WHERE collection = ? AND json_type(body, ?) IS NULL",
		path, string(value), collection(e), path)
}

// RemoveField drops the column from every document.
func (s *schemaEditor) RemoveField(ctx context.Context, e *orm.Entity, f *orm.Field) error {
	return s.exec(ctx, e, "remove_field",
		"UPDATE "+s.b.table()+" SET body = json_remove(body, ?) WHERE collection = ?",
		jsonPath(f.ColumnName()), collection(e))
}

// AddIndex checks that stored documents satisfy a unique index. Later writes
// are checked through the entity declaration, so nothing is stored.
func (s *schemaEditor) AddIndex(ctx context.Context, e *orm.Entity, idx orm.Index) error {
	if err := s.b.check(); err != nil {
		return err
	}
	if !idx.Unique {
		return nil
	}
	exprs := make([]string, len(idx.Fields))
	conds := []string{"collection = ?"}
	var args []any
	for i, name := range idx.Fields {
		f, ok := e.Field(name)
		if !ok {
			return fmt.Errorf("%w: %s.%s", orm.ErrUnknownField, e.Name(), name)
		}
		path := jsonPath(f.ColumnName())
		exprs[i] = fmt.Sprintf("json_extract(body, '%s')", strings.ReplaceAll(path, "'", "''"))
		conds = append(conds, exprs[i]+" IS NOT NULL")
	}
	args = append(args, collection(e))
	group := strings.Join(exprs, ", ")
	var n int
	err := s.b.conn.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM "+s.b.table()+" WHERE "+strings.Join(conds, " AND ")+
			" GROUP BY "+group+" HAVING COUNT(*) > 1 LIMIT 1", args...).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return err
	}
	return &orm.ConstraintViolationError{
		Table: e.Table(),
		Field: strings.Join(idx.Fields, ","),
		Err:   ErrDuplicateValue,
	}
}

// RemoveIndex has nothing to remove.
func (s *schemaEditor) RemoveIndex(ctx context.Context, e *orm.Entity, idx orm.Index) error {
	return s.b.check()
}
