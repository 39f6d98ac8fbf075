package document

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/jacentio/strata/orm"
)

func encodeBody(row orm.Row) (string, error) {
	data, err := json.Marshal(row)
	if err != nil {
		return "", fmt.Errorf("document: encode row: %w", err)
	}
	return string(data), nil
}

// decodeBody parses a document and brings the columns of known fields back
// to the values ToStorage produces.
func decodeBody(e *orm.Entity, body string) (orm.Row, error) {
	var raw map[string]any
	dec := json.NewDecoder(bytes.NewReader([]byte(body)))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("document: decode %s: %w", e.Name(), err)
	}
	row := make(orm.Row, len(raw))
	for col, v := range raw {
		f, ok := e.FieldByColumn(col)
		if !ok {
			row[col] = v
			continue
		}
		cleaned, err := f.FromStorage(v)
		if err != nil {
			return nil, err
		}
		stored, err := f.ToStorage(cleaned)
		if err != nil {
			return nil, err
		}
		row[col] = stored
	}
	return row, nil
}

// keyString formats a primary key as the text stored in the pk column.
func keyString(f *orm.Field, v any) (string, error) {
	stored, err := f.ToStorage(v)
	if err != nil {
		return "", err
	}
	switch s := stored.(type) {
	case nil:
		return "", fmt.Errorf("%w: %s", orm.ErrMissingPrimaryKey, f.Entity().Name())
	case string:
		return s, nil
	case int64:
		return strconv.FormatInt(s, 10), nil
	case time.Time:
		return s.UTC().Format(time.RFC3339Nano), nil
	}
	return fmt.Sprint(stored), nil
}

// jsonPath addresses a top-level column of a document for json_extract.
func jsonPath(col string) string {
	return `$."` + strings.ReplaceAll(col, `"`, `\"`) + `"`
}

func quote(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}
