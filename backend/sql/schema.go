package sqlbackend

import (
	"context"

	"github.com/jacentio/strata/orm"
)

type schemaEditor struct {
	b *Backend
}

func (b *Backend) SchemaEditor() orm.SchemaEditor { return &schemaEditor{b: b} }

// run executes DDL statements in order, inside one transaction when the
// backend is not already transactional.
func (s *schemaEditor) run(ctx context.Context, e *orm.Entity, op string, stmts ...string) error {
	if err := s.b.check(); err != nil {
		return err
	}
	return s.b.atomic(ctx, func(b *Backend) error {
		for _, sql := range stmts {
			if _, err := b.exec(ctx, e, op, Statement{SQL: sql}); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *schemaEditor) CreateTable(ctx context.Context, e *orm.Entity) error {
	stmts, err := s.b.compiler.CreateTable(e)
	if err != nil {
		return err
	}
	return s.run(ctx, e, "create_table", stmts...)
}

func (s *schemaEditor) DropTable(ctx context.Context, e *orm.Entity) error {
	return s.run(ctx, e, "drop_table", s.b.compiler.DropTable(e))
}

func (s *schemaEditor) AddField(ctx context.Context, e *orm.Entity, f *orm.Field) error {
	sql, err := s.b.compiler.AddColumn(e, f)
	if err != nil {
		return err
	}
	return s.run(ctx, e, "add_field", sql)
}

func (s *schemaEditor) RemoveField(ctx context.Context, e *orm.Entity, f *orm.Field) error {
	return s.run(ctx, e, "remove_field", s.b.compiler.DropColumn(e, f))
}

func (s *schemaEditor) AddIndex(ctx context.Context, e *orm.Entity, idx orm.Index) error {
	sql, err := s.b.compiler.CreateIndex(e, idx)
	if err != nil {
		return err
	}
	return s.run(ctx, e, "add_index", sql)
}

func (s *schemaEditor) RemoveIndex(ctx context.Context, e *orm.Entity, idx orm.Index) error {
	return s.run(ctx, e, "remove_index", s.b.compiler.DropIndex(e, idx))
}
