package sqlbackend

import (
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/jacentio/strata/orm"
)

// columnType returns the Postgres type of f. Integer primary keys are
// BIGSERIAL so inserts without a key take the next sequence value.
func columnType(f *orm.Field) (string, error) {
	switch f.Type {
	case orm.TypeString:
		if f.MaxLength > 0 {
			return fmt.Sprintf("VARCHAR(%d)", f.MaxLength), nil
		}
		return "TEXT", nil
	case orm.TypeText:
		return "TEXT", nil
	case orm.TypeInt:
		if f.PrimaryKey {
			return "BIGSERIAL", nil
		}
		return "BIGINT", nil
	case orm.TypeFloat:
		return "DOUBLE PRECISION", nil
	case orm.TypeBool:
		return "BOOLEAN", nil
	case orm.TypeDate:
		return "DATE", nil
	case orm.TypeDateTime:
		return "TIMESTAMPTZ", nil
	case orm.TypeJSON, orm.TypeManyToMany:
		return "JSONB", nil
	case orm.TypeUUID:
		return "UUID", nil
	case orm.TypeForeignKey:
		target, _, err := f.Entity().Related(f.Name)
		if err != nil {
			return "", err
		}
		pk := target.PK()
		if pk.Type == orm.TypeInt {
			return "BIGINT", nil
		}
		return columnType(pk)
	}
	return "", fmt.Errorf("sql: no column type for %s field %q", f.Type, f.Name)
}

// literal renders a constant default. Callable defaults are evaluated per
// instance and have no column default.
func literal(f *orm.Field) (string, bool, error) {
	if _, dynamic := f.Default.(func() any); dynamic {
		return "", false, nil
	}
	v, ok := f.DefaultValue()
	if !ok || v == nil {
		return "", false, nil
	}
	stored, err := f.ToStorage(v)
	if err != nil {
		return "", false, err
	}
	switch x := stored.(type) {
	case bool:
		if x {
			return "TRUE", true, nil
		}
		return "FALSE", true, nil
	case int64, float64:
		return fmt.Sprint(x), true, nil
	}
	return pq.QuoteLiteral(fmt.Sprint(stored)), true, nil
}

// columnDef renders a column definition for CREATE TABLE and ADD COLUMN.
func columnDef(f *orm.Field) (string, error) {
	typ, err := columnType(f)
	if err != nil {
		return "", err
	}
	parts := []string{pq.QuoteIdentifier(f.ColumnName()), typ}
	switch {
	case f.PrimaryKey:
		parts = append(parts, "PRIMARY KEY")
	case !f.Nullable:
		parts = append(parts, "NOT NULL")
	}
	if f.Unique && !f.PrimaryKey {
		parts = append(parts, "UNIQUE")
	}
	def, ok, err := literal(f)
	if err != nil {
		return "", err
	}
	if ok {
		parts = append(parts, "DEFAULT "+def)
	}
	if f.Type == orm.TypeForeignKey {
		target, _, err := f.Entity().Related(f.Name)
		if err != nil {
			return "", err
		}
		parts = append(parts, fmt.Sprintf("REFERENCES %s (%s)", tableRef(target), pq.QuoteIdentifier(target.PK().ColumnName())))
	}
	return strings.Join(parts, " "), nil
}

// CreateTable compiles the CREATE TABLE statement of e followed by its
// indexes.
func (c Compiler) CreateTable(e *orm.Entity) ([]string, error) {
	var defs []string
	for _, f := range e.Fields() {
		def, err := columnDef(f)
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	for _, group := range e.UniqueTogether() {
		cols, err := columns(e, group)
		if err != nil {
			return nil, err
		}
		defs = append(defs, "UNIQUE ("+strings.Join(cols, ", ")+")")
	}
	stmts := []string{fmt.Sprintf("CREATE TABLE %s (%s)", tableRef(e), strings.Join(defs, ", "))}

	for _, f := range e.Fields() {
		if f.Indexed && !f.Unique && !f.PrimaryKey {
			stmt, err := c.CreateIndex(e, orm.Index{Fields: []string{f.Name}})
			if err != nil {
				return nil, err
			}
			stmts = append(stmts, stmt)
		}
	}
	for _, idx := range e.Indexes() {
		stmt, err := c.CreateIndex(e, idx)
		if err != nil {
			return nil, err
		}
		stmts = append(stmts, stmt)
	}
	return stmts, nil
}

// DropTable compiles DROP TABLE.
func (Compiler) DropTable(e *orm.Entity) string {
	return "DROP TABLE " + tableRef(e)
}

// AddColumn compiles ALTER TABLE ADD COLUMN.
func (Compiler) AddColumn(e *orm.Entity, f *orm.Field) (string, error) {
	def, err := columnDef(f)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s", tableRef(e), def), nil
}

// DropColumn compiles ALTER TABLE DROP COLUMN.
func (Compiler) DropColumn(e *orm.Entity, f *orm.Field) string {
	return fmt.Sprintf("ALTER TABLE %s DROP COLUMN %s", tableRef(e), pq.QuoteIdentifier(f.ColumnName()))
}

// IndexName returns idx.Name or "<table>_<columns>_idx".
func IndexName(e *orm.Entity, idx orm.Index) string {
	if idx.Name != "" {
		return idx.Name
	}
	parts := []string{e.Table()}
	for _, name := range idx.Fields {
		if f, ok := e.Field(name); ok {
			parts = append(parts, f.ColumnName())
		} else {
			parts = append(parts, name)
		}
	}
	return strings.Join(append(parts, "idx"), "_")
}

// CreateIndex compiles CREATE [UNIQUE] INDEX.
func (Compiler) CreateIndex(e *orm.Entity, idx orm.Index) (string, error) {
	cols, err := columns(e, idx.Fields)
	if err != nil {
		return "", err
	}
	unique := ""
	if idx.Unique {
		unique = "UNIQUE "
	}
	return fmt.Sprintf("CREATE %sINDEX %s ON %s (%s)", unique, pq.QuoteIdentifier(IndexName(e, idx)), tableRef(e), strings.Join(cols, ", ")), nil
}

// DropIndex compiles DROP INDEX in the entity's schema.
func (Compiler) DropIndex(e *orm.Entity, idx orm.Index) string {
	return "DROP INDEX " + qualify(e.Schema(), IndexName(e, idx))
}

func columns(e *orm.Entity, fields []string) ([]string, error) {
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: index on %s has no fields", orm.ErrUnknownField, e.Name())
	}
	out := make([]string, len(fields))
	for i, name := range fields {
		f, ok := e.Field(name)
		if !ok {
			return nil, fmt.Errorf("%w: %s.%s", orm.ErrUnknownField, e.Name(), name)
		}
		out[i] = pq.QuoteIdentifier(f.ColumnName())
	}
	return out, nil
}
