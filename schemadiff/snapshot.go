// Package schemadiff compares two snapshots of registered entity shapes and
// reports the structural changes between them, detecting renamed entities
// and fields by similarity.
//
// Snapshots are plain data. Take one from a registry with FromRegistry, keep
// it as YAML with Write and Load, and compare two of them with Diff. Applying
// the changes is left to whoever consumes the Change list.
package schemadiff

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/jacentio/strata/orm"
)

// ErrMigrationState is returned when a snapshot is inconsistent or partial.
var ErrMigrationState = errors.New("schemadiff: inconsistent snapshot")

// StateError names the entity that makes a snapshot unusable.
type StateError struct {
	Entity string
	Reason string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("schemadiff: entity %s: %s", e.Entity, e.Reason)
}

func (e *StateError) Is(target error) bool { return target == ErrMigrationState }

// Snapshot holds every entity shape keyed by full name (namespace.Name).
type Snapshot struct {
	Entities map[string]EntityShape `yaml:"entities" json:"entities"`
}

// EntityShape is the static description of one entity.
type EntityShape struct {
	Name           string       `yaml:"name" json:"name"`
	Namespace      string       `yaml:"namespace" json:"namespace"`
	Table          string       `yaml:"table" json:"table"`
	Fields         []FieldShape `yaml:"fields" json:"fields"`
	Indexes        []IndexShape `yaml:"indexes,omitempty" json:"indexes,omitempty"`
	UniqueTogether [][]string   `yaml:"unique_together,omitempty" json:"unique_together,omitempty"`
}

// FullName returns the key of the shape in a Snapshot.
func (s EntityShape) FullName() string { return s.Namespace + "." + s.Name }

// Field returns the named field shape.
func (s EntityShape) Field(name string) (FieldShape, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return FieldShape{}, false
}

// FieldShape is the static description of one field. Default holds the
// textual form of a static default and "func" for a computed one.
type FieldShape struct {
	Name        string   `yaml:"name" json:"name"`
	Type        string   `yaml:"type" json:"type"`
	Column      string   `yaml:"column" json:"column"`
	PrimaryKey  bool     `yaml:"primary_key,omitempty" json:"primary_key,omitempty"`
	Nullable    bool     `yaml:"nullable,omitempty" json:"nullable,omitempty"`
	Unique      bool     `yaml:"unique,omitempty" json:"unique,omitempty"`
	Indexed     bool     `yaml:"indexed,omitempty" json:"indexed,omitempty"`
	MaxLength   int      `yaml:"max_length,omitempty" json:"max_length,omitempty"`
	Default     string   `yaml:"default,omitempty" json:"default,omitempty"`
	Choices     []string `yaml:"choices,omitempty" json:"choices,omitempty"`
	AutoNow     bool     `yaml:"auto_now,omitempty" json:"auto_now,omitempty"`
	AutoNowAdd  bool     `yaml:"auto_now_add,omitempty" json:"auto_now_add,omitempty"`
	To          string   `yaml:"to,omitempty" json:"to,omitempty"`
	RelatedName string   `yaml:"related_name,omitempty" json:"related_name,omitempty"`
}

// IndexShape is a declared secondary index.
type IndexShape struct {
	Name   string   `yaml:"name,omitempty" json:"name,omitempty"`
	Fields []string `yaml:"fields" json:"fields"`
	Unique bool     `yaml:"unique,omitempty" json:"unique,omitempty"`
}

// FromRegistry takes a snapshot of every entity registered in r.
func FromRegistry(r *orm.Registry) Snapshot {
	s := Snapshot{Entities: make(map[string]EntityShape)}
	for _, e := range r.Entities() {
		s.Entities[e.FullName()] = FromEntity(e)
	}
	return s
}

// FromEntity describes one entity.
func FromEntity(e *orm.Entity) EntityShape {
	shape := EntityShape{
		Name:           e.Name(),
		Namespace:      e.Namespace(),
		Table:          e.Table(),
		UniqueTogether: e.UniqueTogether(),
	}
	for _, f := range e.Fields() {
		shape.Fields = append(shape.Fields, fromField(f))
	}
	for _, idx := range e.Indexes() {
		shape.Indexes = append(shape.Indexes, IndexShape{
			Name:   idx.Name,
			Fields: append([]string(nil), idx.Fields...),
			Unique: idx.Unique,
		})
	}
	return shape
}

func fromField(f *orm.Field) FieldShape {
	shape := FieldShape{
		Name:        f.Name,
		Type:        string(f.Type),
		Column:      f.ColumnName(),
		PrimaryKey:  f.PrimaryKey,
		Nullable:    f.Nullable,
		Unique:      f.Unique,
		Indexed:     f.Indexed,
		MaxLength:   f.MaxLength,
		AutoNow:     f.AutoNow,
		AutoNowAdd:  f.AutoNowAdd,
		To:          f.To,
		RelatedName: f.RelatedName,
	}
	switch d := f.Default.(type) {
	case nil:
	case func() any:
		shape.Default = "func"
	default:
		shape.Default = fmt.Sprint(d)
	}
	for _, c := range f.Choices {
		shape.Choices = append(shape.Choices, fmt.Sprint(c))
	}
	return shape
}

// Validate checks that every entity is keyed by its full name, declares
// exactly one primary key, has unique field names and columns, and refers
// only to fields and entities present in the snapshot.
func (s Snapshot) Validate() error {
	for _, key := range s.names() {
		if err := s.validateEntity(key, s.Entities[key]); err != nil {
			return err
		}
	}
	return nil
}

func (s Snapshot) validateEntity(key string, e EntityShape) error {
	fail := func(format string, args ...any) error {
		return &StateError{Entity: key, Reason: fmt.Sprintf(format, args...)}
	}
	if e.Name == "" {
		return fail("missing name")
	}
	if key != e.FullName() {
		return fail("keyed as %q but named %q", key, e.FullName())
	}
	names := make(map[string]bool, len(e.Fields))
	columns := make(map[string]bool, len(e.Fields))
	pks := 0
	for _, f := range e.Fields {
		if f.Name == "" {
			return fail("field without name")
		}
		if names[f.Name] {
			return fail("field %q declared twice", f.Name)
		}
		names[f.Name] = true
		if f.Column != "" {
			if columns[f.Column] {
				return fail("column %q used twice", f.Column)
			}
			columns[f.Column] = true
		}
		if f.PrimaryKey {
			pks++
		}
		if f.Type == string(orm.TypeForeignKey) || f.Type == string(orm.TypeManyToMany) {
			if f.To == "" {
				return fail("relation %q has no target", f.Name)
			}
			if _, ok := s.resolve(e.Namespace, f.To); !ok {
				return fail("relation %q targets %q, which is not in the snapshot", f.Name, f.To)
			}
		}
	}
	if pks != 1 {
		return fail("expected one primary key, got %d", pks)
	}
	for _, idx := range e.Indexes {
		if len(idx.Fields) == 0 {
			return fail("index %q has no fields", idx.Name)
		}
		for _, name := range idx.Fields {
			if !names[name] {
				return fail("index %q refers to unknown field %q", idx.Name, name)
			}
		}
	}
	for _, group := range e.UniqueTogether {
		for _, name := range group {
			if !names[name] {
				return fail("unique group refers to unknown field %q", name)
			}
		}
	}
	return nil
}

// resolve finds a relation target by full name or by name, preferring the
// referring entity's namespace.
func (s Snapshot) resolve(namespace, to string) (EntityShape, bool) {
	if e, ok := s.Entities[to]; ok {
		return e, true
	}
	if e, ok := s.Entities[namespace+"."+to]; ok {
		return e, true
	}
	for _, key := range s.names() {
		if s.Entities[key].Name == to {
			return s.Entities[key], true
		}
	}
	return EntityShape{}, false
}

// names returns the entity keys in sorted order.
func (s Snapshot) names() []string {
	out := make([]string, 0, len(s.Entities))
	for k := range s.Entities {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Load reads a YAML snapshot and validates it.
func Load(r io.Reader) (Snapshot, error) {
	var s Snapshot
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil && !errors.Is(err, io.EOF) {
		return Snapshot{}, fmt.Errorf("schemadiff: decode snapshot: %w", err)
	}
	if s.Entities == nil {
		s.Entities = make(map[string]EntityShape)
	}
	return s, s.Validate()
}

// LoadFile reads the YAML snapshot at path.
func LoadFile(path string) (Snapshot, error) {
	f, err := os.Open(path)
	if err != nil {
		return Snapshot{}, err
	}
	defer f.Close()
	s, err := Load(f)
	if err != nil {
		return Snapshot{}, fmt.Errorf("%s: %w", path, err)
	}
	return s, nil
}

// Write encodes s as YAML. Entities come out sorted by key.
func Write(w io.Writer, s Snapshot) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(s); err != nil {
		return fmt.Errorf("schemadiff: encode snapshot: %w", err)
	}
	return enc.Close()
}

func groupKey(fields []string) string {
	sorted := append([]string(nil), fields...)
	sort.Strings(sorted)
	return strings.Join(sorted, ",")
}
