package orm

import (
	"bytes"
	"fmt"
	"math"
	"reflect"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// FieldType is the abstract storage type of a field.
type FieldType string

const (
	TypeString     FieldType = "string"
	TypeText       FieldType = "text"
	TypeInt        FieldType = "int"
	TypeFloat      FieldType = "float"
	TypeBool       FieldType = "bool"
	TypeDate       FieldType = "date"
	TypeDateTime   FieldType = "datetime"
	TypeJSON       FieldType = "json"
	TypeUUID       FieldType = "uuid"
	TypeForeignKey FieldType = "foreign_key"
	TypeManyToMany FieldType = "many_to_many"
)

const (
	dateLayout     = "2006-01-02"
	dateTimeLayout = time.RFC3339Nano
)

// Field describes one attribute of an entity.
// A Field is bound to exactly one entity on first access of the entity's
// fields; after binding it must be treated as read-only.
type Field struct {
	Name       string
	Type       FieldType
	Column     string
	PrimaryKey bool
	Nullable   bool
	Unique     bool
	Indexed    bool

	// Default is either a value or a func() any evaluated per instance.
	Default any

	MaxLength  int
	Choices    []any
	AutoNow    bool
	AutoNowAdd bool

	// To names the target entity of a foreign key or many-to-many field.
	To string

	// RelatedName is the reverse accessor registered on the target entity.
	RelatedName string

	entity *Entity
}

// FieldOption configures a Field at declaration time.
type FieldOption func(*Field)

func newField(name string, typ FieldType, opts []FieldOption) *Field {
	f := &Field{Name: name, Type: typ}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func String(name string, opts ...FieldOption) *Field   { return newField(name, TypeString, opts) }
func Text(name string, opts ...FieldOption) *Field     { return newField(name, TypeText, opts) }
func Int(name string, opts ...FieldOption) *Field      { return newField(name, TypeInt, opts) }
func Float(name string, opts ...FieldOption) *Field    { return newField(name, TypeFloat, opts) }
func Bool(name string, opts ...FieldOption) *Field     { return newField(name, TypeBool, opts) }
func Date(name string, opts ...FieldOption) *Field     { return newField(name, TypeDate, opts) }
func DateTime(name string, opts ...FieldOption) *Field { return newField(name, TypeDateTime, opts) }
func JSON(name string, opts ...FieldOption) *Field     { return newField(name, TypeJSON, opts) }
func UUID(name string, opts ...FieldOption) *Field     { return newField(name, TypeUUID, opts) }

// ForeignKey declares a reference to the primary key of entity to.
func ForeignKey(name, to string, opts ...FieldOption) *Field {
	f := newField(name, TypeForeignKey, opts)
	f.To = to
	return f
}

// ManyToMany declares a list of references to entity to, stored with the record.
func ManyToMany(name, to string, opts ...FieldOption) *Field {
	f := newField(name, TypeManyToMany, opts)
	f.To = to
	return f
}

func PrimaryKey() FieldOption          { return func(f *Field) { f.PrimaryKey = true } }
func Nullable() FieldOption            { return func(f *Field) { f.Nullable = true } }
func Unique() FieldOption              { return func(f *Field) { f.Unique = true } }
func Indexed() FieldOption             { return func(f *Field) { f.Indexed = true } }
func Default(v any) FieldOption        { return func(f *Field) { f.Default = v } }
func MaxLength(n int) FieldOption      { return func(f *Field) { f.MaxLength = n } }
func Choices(vs ...any) FieldOption    { return func(f *Field) { f.Choices = vs } }
func Column(c string) FieldOption      { return func(f *Field) { f.Column = c } }
func AutoNow() FieldOption             { return func(f *Field) { f.AutoNow = true } }
func AutoNowAdd() FieldOption          { return func(f *Field) { f.AutoNowAdd = true } }
func RelatedName(n string) FieldOption { return func(f *Field) { f.RelatedName = n } }

// Entity returns the entity the field is bound to, or nil before binding.
func (f *Field) Entity() *Entity { return f.entity }

// ColumnName returns the storage column of the field.
func (f *Field) ColumnName() string {
	if f.Column != "" {
		return f.Column
	}
	if f.Type == TypeForeignKey {
		return f.Name + "_id"
	}
	return f.Name
}

// IsRelation reports whether the field references another entity.
func (f *Field) IsRelation() bool {
	return f.Type == TypeForeignKey || f.Type == TypeManyToMany
}

// DefaultValue returns the declared default, evaluating function defaults.
func (f *Field) DefaultValue() (any, bool) {
	if f.Default == nil {
		return nil, false
	}
	if fn, ok := f.Default.(func() any); ok {
		return fn(), true
	}
	return f.Default, true
}

func (f *Field) bind(e *Entity) {
	if f.entity != nil && f.entity != e {
		panic(fmt.Sprintf("orm: field %q already bound to entity %q", f.Name, f.entity.Name()))
	}
	f.entity = e
}

func (f *Field) invalid(format string, args ...any) *ValidationError {
	err := &ValidationError{Field: f.Name, Reason: fmt.Sprintf(format, args...)}
	if f.entity != nil {
		err.Entity = f.entity.Name()
	}
	return err
}

// Clean converts v to the canonical Go representation of the field type:
// string, int64, float64, bool, time.Time (UTC), decoded JSON or []any of keys.
func (f *Field) Clean(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	if rv := reflect.ValueOf(v); rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return nil, nil
		}
		if _, ok := v.(*Instance); !ok {
			return f.Clean(rv.Elem().Interface())
		}
	}

	switch f.Type {
	case TypeString, TypeText:
		switch s := v.(type) {
		case string:
			return s, nil
		case []byte:
			return string(s), nil
		}
	case TypeUUID:
		switch s := v.(type) {
		case uuid.UUID:
			return s.String(), nil
		case [16]byte:
			return uuid.UUID(s).String(), nil
		case string:
			id, err := uuid.Parse(s)
			if err != nil {
				return nil, f.invalid("invalid uuid %q", s)
			}
			return id.String(), nil
		}
	case TypeInt:
		if n, ok := toInt64(v); ok {
			return n, nil
		}
	case TypeFloat:
		if n, ok := toFloat64(v); ok {
			return n, nil
		}
	case TypeBool:
		if b, ok := v.(bool); ok {
			return b, nil
		}
	case TypeDate:
		t, err := f.parseTime(v, dateLayout)
		if err != nil {
			return nil, err
		}
		y, m, d := t.Date()
		return time.Date(y, m, d, 0, 0, 0, 0, time.UTC), nil
	case TypeDateTime:
		t, err := f.parseTime(v, dateTimeLayout)
		if err != nil {
			return nil, err
		}
		return t.UTC(), nil
	case TypeJSON:
		return normalizeJSON(f, v)
	case TypeForeignKey:
		return cleanKey(f, v)
	case TypeManyToMany:
		rv := reflect.ValueOf(v)
		if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
			break
		}
		keys := make([]any, 0, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			k, err := cleanKey(f, rv.Index(i).Interface())
			if err != nil {
				return nil, err
			}
			keys = append(keys, k)
		}
		return keys, nil
	default:
		return nil, f.invalid("unknown field type %q", f.Type)
	}
	return nil, f.invalid("expected %s, got %T", f.Type, v)
}

// Validate checks a value against the field constraints.
func (f *Field) Validate(v any) error {
	cleaned, err := f.Clean(v)
	if err != nil {
		return err
	}
	if cleaned == nil {
		if !f.Nullable && !f.PrimaryKey && !f.AutoNow && !f.AutoNowAdd {
			return f.invalid("null value not allowed")
		}
		return nil
	}
	if s, ok := cleaned.(string); ok && f.MaxLength > 0 && len([]rune(s)) > f.MaxLength {
		return f.invalid("length %d exceeds max length %d", len([]rune(s)), f.MaxLength)
	}
	if len(f.Choices) > 0 {
		for _, c := range f.Choices {
			cc, err := f.Clean(c)
			if err == nil && valuesEqual(cc, cleaned) {
				return nil
			}
		}
		return f.invalid("value %v is not a valid choice", cleaned)
	}
	return nil
}

// ToStorage converts a value to its storage representation.
func (f *Field) ToStorage(v any) (any, error) {
	cleaned, err := f.Clean(v)
	if err != nil || cleaned == nil {
		return nil, err
	}
	switch f.Type {
	case TypeDate:
		return cleaned.(time.Time).Format(dateLayout), nil
	case TypeDateTime:
		return cleaned.(time.Time).Format(dateTimeLayout), nil
	case TypeJSON, TypeManyToMany:
		b, err := json.Marshal(cleaned)
		if err != nil {
			return nil, f.invalid("encode: %v", err)
		}
		return string(b), nil
	}
	return cleaned, nil
}

// FromStorage converts a storage representation back to a value.
func (f *Field) FromStorage(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch f.Type {
	case TypeJSON, TypeManyToMany:
		var raw []byte
		switch s := v.(type) {
		case string:
			raw = []byte(s)
		case []byte:
			raw = s
		default:
			return f.Clean(v)
		}
		var decoded any
		if err := json.Unmarshal(raw, &decoded); err != nil {
			return nil, f.invalid("decode: %v", err)
		}
		return f.Clean(decoded)
	case TypeBool:
		if n, ok := toInt64(v); ok {
			return n != 0, nil
		}
	}
	return f.Clean(v)
}

func (f *Field) parseTime(v any, layout string) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t, nil
	case []byte:
		return f.parseTime(string(t), layout)
	case string:
		for _, l := range []string{layout, time.RFC3339Nano, dateLayout, "2006-01-02 15:04:05.999999999-07:00", "2006-01-02 15:04:05"} {
			if parsed, err := time.Parse(l, t); err == nil {
				return parsed, nil
			}
		}
		return time.Time{}, f.invalid("cannot parse %q as %s", t, f.Type)
	}
	return time.Time{}, f.invalid("expected %s, got %T", f.Type, v)
}

func cleanKey(f *Field, v any) (any, error) {
	switch k := v.(type) {
	case *Instance:
		if k == nil || k.PK() == nil {
			return nil, f.invalid("related instance has no primary key")
		}
		return k.PK(), nil
	case string:
		return k, nil
	case uuid.UUID:
		return k.String(), nil
	}
	if n, ok := toInt64(v); ok {
		return n, nil
	}
	return nil, f.invalid("expected key value, got %T", v)
}

func normalizeJSON(f *Field, v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, f.invalid("encode: %v", err)
	}
	var out any
	dec := json.NewDecoder(bytes.NewReader(b))
	if err := dec.Decode(&out); err != nil {
		return nil, f.invalid("decode: %v", err)
	}
	return out, nil
}

type numberLike interface {
	Int64() (int64, error)
	Float64() (float64, error)
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint:
		return int64(n), uint64(n) <= math.MaxInt64
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint64:
		return int64(n), n <= math.MaxInt64
	case float32:
		return int64(n), float32(int64(n)) == n
	case float64:
		return int64(n), float64(int64(n)) == n
	case numberLike:
		i, err := n.Int64()
		return i, err == nil
	}
	return 0, false
}

func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case numberLike:
		f, err := n.Float64()
		return f, err == nil
	}
	if i, ok := toInt64(v); ok {
		return float64(i), true
	}
	return 0, false
}

func toSnake(name string) string {
	var b strings.Builder
	for i, r := range name {
		if r >= 'A' && r <= 'Z' {
			if i > 0 {
				b.WriteByte('_')
			}
			b.WriteRune(r + ('a' - 'A'))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
