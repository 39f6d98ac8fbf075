package kv

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/jacentio/strata/orm"
)

// nullValue is the index value of NULL. It starts with a NUL byte, and
// stored strings starting with one are escaped with another, so no value
// shares the NULL partition.
const nullValue = "\x00null"

// encodeRow serializes a storage row.
func encodeRow(row orm.Row) ([]byte, error) {
	data, err := json.Marshal(row)
	if err != nil {
		return nil, fmt.Errorf("kv: encode row: %w", err)
	}
	return data, nil
}

// decodeRow parses a stored record and normalizes the columns of known
// fields to their canonical storage values.
func decodeRow(e *orm.Entity, data []byte) (orm.Row, error) {
	var raw map[string]any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("kv: decode %s record: %w", e.Name(), err)
	}
	row := make(orm.Row, len(raw))
	for col, v := range raw {
		f, ok := e.FieldByColumn(col)
		if !ok {
			row[col] = v
			continue
		}
		stored, err := canonical(f, v)
		if err != nil {
			return nil, err
		}
		row[col] = stored
	}
	return row, nil
}

// canonical maps a storage value to the form ToStorage produces for it.
func canonical(f *orm.Field, stored any) (any, error) {
	v, err := f.FromStorage(stored)
	if err != nil {
		return nil, err
	}
	return f.ToStorage(v)
}

// keyString formats a primary key value as an item name.
func keyString(f *orm.Field, v any) (string, error) {
	stored, err := f.ToStorage(v)
	if err != nil {
		return "", err
	}
	if stored == nil {
		return "", fmt.Errorf("%w: %s", orm.ErrMissingPrimaryKey, f.Entity().Name())
	}
	return formatStored(stored), nil
}

// encodeIndexValue formats a canonical storage value as an index partition
// component: the value itself as text. NULL has its own partition so
// exact=None lookups can be served.
func encodeIndexValue(stored any) string {
	switch v := stored.(type) {
	case nil:
		return nullValue
	case string:
		if strings.HasPrefix(v, "\x00") {
			return "\x00" + v
		}
		return v
	}
	return formatStored(stored)
}

func formatStored(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case int64:
		return strconv.FormatInt(s, 10)
	case float64:
		return strconv.FormatFloat(s, 'g', -1, 64)
	case bool:
		return strconv.FormatBool(s)
	case time.Time:
		return s.UTC().Format(time.RFC3339Nano)
	}
	return fmt.Sprint(v)
}
