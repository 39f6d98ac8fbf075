package orm

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// DefaultNamespace is used for entities declared without InNamespace.
const DefaultNamespace = "app"

// DefaultSchema is the storage schema used for entities declared without WithSchema.
const DefaultSchema = "public"

// Index describes a secondary index over one or more fields.
type Index struct {
	Name   string
	Fields []string
	Unique bool
}

// Entity describes the shape of one kind of record.
//
// Fields are declared through a function evaluated on first access, so a
// declaration may refer to the entity itself (for example a self-referencing
// foreign key) and declaration order is preserved regardless of when the
// Entity value was constructed.
type Entity struct {
	name           string
	namespace      string
	table          string
	schema         string
	indexes        []Index
	uniqueTogether [][]string
	ordering       []string

	declare func(*Entity) []*Field
	once    sync.Once
	fields  []*Field
	byName  map[string]*Field
	byCol   map[string]*Field
	pk      *Field

	mu       sync.Mutex
	registry *Registry
}

// EntityOption configures an Entity.
type EntityOption func(*Entity)

func InNamespace(ns string) EntityOption { return func(e *Entity) { e.namespace = ns } }
func WithTable(t string) EntityOption    { return func(e *Entity) { e.table = t } }
func WithSchema(s string) EntityOption   { return func(e *Entity) { e.schema = s } }
func WithIndex(idx Index) EntityOption   { return func(e *Entity) { e.indexes = append(e.indexes, idx) } }

// WithUniqueTogether declares a group of fields whose combined values must be unique.
func WithUniqueTogether(fields ...string) EntityOption {
	return func(e *Entity) { e.uniqueTogether = append(e.uniqueTogether, fields) }
}

// WithOrdering sets the default ordering, e.g. "-created_at".
func WithOrdering(fields ...string) EntityOption {
	return func(e *Entity) { e.ordering = fields }
}

// Define declares an entity. declare is called once, on first field access.
func Define(name string, declare func(e *Entity) []*Field, opts ...EntityOption) *Entity {
	e := &Entity{
		name:      name,
		namespace: DefaultNamespace,
		schema:    DefaultSchema,
		declare:   declare,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.table == "" {
		e.table = toSnake(name)
	}
	return e
}

func (e *Entity) Name() string              { return e.name }
func (e *Entity) Namespace() string         { return e.namespace }
func (e *Entity) Table() string             { return e.table }
func (e *Entity) Schema() string            { return e.schema }
func (e *Entity) Indexes() []Index          { return append([]Index(nil), e.indexes...) }
func (e *Entity) DefaultOrdering() []string { return append([]string(nil), e.ordering...) }

// FullName returns the namespace-qualified entity name.
func (e *Entity) FullName() string { return e.namespace + "." + e.name }

// UniqueTogether returns the declared uniqueness groups.
func (e *Entity) UniqueTogether() [][]string {
	out := make([][]string, len(e.uniqueTogether))
	for i, g := range e.uniqueTogether {
		out[i] = append([]string(nil), g...)
	}
	return out
}

func (e *Entity) init() {
	e.once.Do(func() {
		var declared []*Field
		if e.declare != nil {
			declared = e.declare(e)
		}

		pks := 0
		for _, f := range declared {
			if f.PrimaryKey {
				pks++
			}
		}
		switch {
		case pks == 0:
			declared = append([]*Field{Int("id", PrimaryKey())}, declared...)
		case pks > 1:
			panic(fmt.Sprintf("orm: entity %q declares %d primary keys", e.name, pks))
		}

		e.byName = make(map[string]*Field, len(declared))
		e.byCol = make(map[string]*Field, len(declared))
		for _, f := range declared {
			if _, dup := e.byName[f.Name]; dup {
				panic(fmt.Sprintf("orm: entity %q declares field %q twice", e.name, f.Name))
			}
			f.bind(e)
			if f.Type == TypeForeignKey && f.RelatedName == "" {
				f.RelatedName = toSnake(e.name) + "_set"
			}
			e.byName[f.Name] = f
			e.byCol[f.ColumnName()] = f
			if f.PrimaryKey {
				e.pk = f
			}
		}
		e.mu.Lock()
		e.fields = declared
		r := e.registry
		e.mu.Unlock()

		if r != nil {
			r.addRelations(e)
		}
	})
}

func (e *Entity) initialized() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.fields != nil
}

// Fields returns the bound fields in declaration order.
func (e *Entity) Fields() []*Field {
	e.init()
	return append([]*Field(nil), e.fields...)
}

// Field returns the field with the given name. "pk" resolves to the primary key.
func (e *Entity) Field(name string) (*Field, bool) {
	e.init()
	if name == "pk" {
		return e.pk, true
	}
	f, ok := e.byName[name]
	return f, ok
}

// FieldByColumn returns the field stored in the given column.
func (e *Entity) FieldByColumn(column string) (*Field, bool) {
	e.init()
	f, ok := e.byCol[column]
	return f, ok
}

// PK returns the primary key field.
func (e *Entity) PK() *Field {
	e.init()
	return e.pk
}

// Registry returns the registry the entity belongs to, or nil.
func (e *Entity) Registry() *Registry {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.registry
}

func (e *Entity) setRegistry(r *Registry) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.registry = r
}

func (e *Entity) now() time.Time {
	if r := e.Registry(); r != nil {
		return r.now()
	}
	return time.Now().UTC()
}

// Related returns the entity referenced by a foreign key or many-to-many field.
func (e *Entity) Related(fieldName string) (*Entity, *Field, error) {
	f, ok := e.Field(fieldName)
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s.%s", ErrUnknownField, e.name, fieldName)
	}
	if !f.IsRelation() {
		return nil, nil, fmt.Errorf("%w: %s.%s is not a relation", ErrUnknownField, e.name, fieldName)
	}
	r := e.Registry()
	if r == nil {
		return nil, nil, fmt.Errorf("%w: %s (entity %s is not registered)", ErrUnknownEntity, f.To, e.name)
	}
	target, ok := r.Lookup(f.To)
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownEntity, f.To)
	}
	return target, f, nil
}

// PathStep is one resolved segment of a field path.
type PathStep struct {
	Entity *Entity
	Field  *Field
}

// ResolvePath walks a field path through foreign keys. Every segment but the
// last must be a foreign key; the last may be any field.
func (e *Entity) ResolvePath(path []string) ([]PathStep, error) {
	if len(path) == 0 {
		return nil, fmt.Errorf("%w: empty path on %s", ErrUnknownField, e.name)
	}
	steps := make([]PathStep, 0, len(path))
	cur := e
	for i, name := range path {
		f, ok := cur.Field(name)
		if !ok {
			return nil, fmt.Errorf("%w: %s.%s", ErrUnknownField, cur.name, name)
		}
		steps = append(steps, PathStep{Entity: cur, Field: f})
		if i == len(path)-1 {
			break
		}
		if f.Type != TypeForeignKey {
			return nil, fmt.Errorf("%w: %s.%s is not a foreign key", ErrUnknownField, cur.name, name)
		}
		next, _, err := cur.Related(name)
		if err != nil {
			return nil, err
		}
		cur = next
	}
	return steps, nil
}

// IndexedFields returns the names of fields that carry a secondary index:
// fields marked Indexed or Unique and single-field declared indexes, sorted.
func (e *Entity) IndexedFields() []string {
	seen := make(map[string]bool)
	for _, f := range e.Fields() {
		if !f.PrimaryKey && (f.Indexed || f.Unique) {
			seen[f.Name] = true
		}
	}
	for _, idx := range e.indexes {
		if len(idx.Fields) == 1 && idx.Fields[0] != e.PK().Name {
			seen[idx.Fields[0]] = true
		}
	}
	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// New creates an unsaved instance, applying defaults for missing fields.
func (e *Entity) New(values map[string]any) (*Instance, error) {
	inst := newInstance(e)
	for _, f := range e.Fields() {
		if _, ok := values[f.Name]; ok {
			continue
		}
		if v, ok := f.DefaultValue(); ok {
			if err := inst.Set(f.Name, v); err != nil {
				return nil, err
			}
		}
	}
	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := inst.Set(name, values[name]); err != nil {
			return nil, err
		}
	}
	return inst, nil
}

// Hydrate builds a persisted instance from a storage row keyed by column.
// Columns that do not belong to a field are kept as annotations.
func (e *Entity) Hydrate(row Row, backend Backend) (*Instance, error) {
	inst := newInstance(e)
	inst.backend = backend
	inst.persisted = true
	for col, raw := range row {
		f, ok := e.FieldByColumn(col)
		if !ok {
			inst.annotations[col] = raw
			continue
		}
		v, err := f.FromStorage(raw)
		if err != nil {
			return nil, err
		}
		inst.values[f.Name] = v
	}
	return inst, nil
}
