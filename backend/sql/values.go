package sqlbackend

import (
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/jacentio/strata/orm"
)

// operand converts a lookup operand to the value bound for a column of f.
// String columns compare against the operand's text form.
func operand(f *orm.Field, v any) (any, error) {
	switch f.Type {
	case orm.TypeString, orm.TypeText:
		return stringify(v), nil
	}
	return f.Clean(v)
}

func stringify(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case time.Time:
		return s.Format(time.RFC3339Nano)
	}
	return fmt.Sprint(v)
}

func invalid(f *orm.Field, reason string) error {
	err := &orm.ValidationError{Field: f.Name, Reason: reason}
	if e := f.Entity(); e != nil {
		err.Entity = e.Name()
	}
	return err
}

func isTemporal(f *orm.Field) bool {
	return f.Type == orm.TypeDate || f.Type == orm.TypeDateTime
}

// textColumn renders a column as text for pattern operators, in the same
// form orm.TextValue gives the value in memory.
func textColumn(col string, f *orm.Field) string {
	switch f.Type {
	case orm.TypeString, orm.TypeText:
		return col
	case orm.TypeDate:
		return "to_char(" + col + ", 'YYYY-MM-DD')"
	case orm.TypeDateTime:
		return `(regexp_replace(to_char(` + col + ` AT TIME ZONE 'UTC', 'YYYY-MM-DD"T"HH24:MI:SS.US'), '\.?0+$', '') || 'Z')`
	}
	return "CAST(" + col + " AS TEXT)"
}

// textOperand converts an iexact operand to the text form of a column of f.
func textOperand(f *orm.Field, v any) (string, error) {
	if f.Type == orm.TypeString || f.Type == orm.TypeText {
		return stringify(v), nil
	}
	cleaned, err := f.Clean(v)
	if err != nil {
		return "", err
	}
	return orm.TextValue(f, cleaned), nil
}

func intOperand(v any) (int64, bool) {
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
		return int64(n), true
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint64:
		if n > math.MaxInt64 {
			return 0, false
		}
		return int64(n), true
	case float64:
		if n == math.Trunc(n) {
			return int64(n), true
		}
	case float32:
		if float64(n) == math.Trunc(float64(n)) {
			return int64(n), true
		}
	}
	return 0, false
}

// valueType is the storage type of a column: the target key type for
// foreign keys.
func valueType(f *orm.Field) orm.FieldType {
	if f.Type != orm.TypeForeignKey || f.Entity() == nil {
		return f.Type
	}
	target, _, err := f.Entity().Related(f.Name)
	if err != nil {
		return orm.TypeString
	}
	return target.PK().Type
}

// typedSlice builds the array parameter of an in lookup so Postgres can
// infer the element type.
func typedSlice(f *orm.Field, items []any) any {
	switch valueType(f) {
	case orm.TypeInt:
		out := make([]int64, 0, len(items))
		for _, v := range items {
			if n, ok := intOperand(v); ok {
				out = append(out, n)
			}
		}
		return out
	case orm.TypeFloat:
		out := make([]float64, 0, len(items))
		for _, v := range items {
			switch n := v.(type) {
			case float64:
				out = append(out, n)
			case int64:
				out = append(out, float64(n))
			}
		}
		return out
	case orm.TypeBool:
		out := make([]bool, 0, len(items))
		for _, v := range items {
			if b, ok := v.(bool); ok {
				out = append(out, b)
			}
		}
		return out
	case orm.TypeDate, orm.TypeDateTime:
		out := make([]time.Time, 0, len(items))
		for _, v := range items {
			if t, ok := v.(time.Time); ok {
				out = append(out, t)
			}
		}
		return out
	}
	out := make([]string, len(items))
	for i, v := range items {
		out[i] = stringify(v)
	}
	return out
}

// pgValue converts a storage value of column col to the value bound for
// Postgres. Dates travel as time.Time; everything else is bound as stored.
func pgValue(e *orm.Entity, col string, v any) any {
	if v == nil {
		return nil
	}
	f, ok := e.FieldByColumn(col)
	if !ok || !isTemporal(f) {
		return v
	}
	if t, err := f.FromStorage(v); err == nil {
		return t
	}
	return v
}

// fromPG normalizes a value scanned by pgx to a storage value.
func fromPG(v any) any {
	switch x := v.(type) {
	case [16]byte:
		return uuid.UUID(x).String()
	case int32:
		return int64(x)
	case int16:
		return int64(x)
	case float32:
		return float64(x)
	case time.Time:
		return x.UTC()
	}
	return v
}
