package kv

import (
	"strings"

	"github.com/jacentio/strata/orm"
)

// plan is the access path chosen for a query: keys to fetch, one index
// partition to list, or a table scan when both are empty.
type plan struct {
	keys  []string
	index *indexProbe
}

type indexProbe struct {
	field string
	value string
}

// plan checks that every condition of s can be served and picks the access
// path. Conditions on the primary key accept any lookup; any other field
// needs a non-negated exact lookup on an indexed field.
func (b *Backend) plan(s *orm.QueryState) (plan, error) {
	e := s.Entity
	conds, err := flatten(e, s.Where)
	if err != nil {
		return plan{}, err
	}

	indexed := make(map[string]bool)
	for _, name := range e.IndexedFields() {
		indexed[name] = true
	}

	var p plan
	for _, c := range conds {
		field := strings.Join(c.Path, orm.LookupSeparator)
		if len(c.Path) > 1 {
			return plan{}, unsupported(e, field, c.Lookup, "relation traversal is not supported")
		}
		f, ok := e.Field(c.Path[0])
		if !ok {
			return plan{}, unsupported(e, field, c.Lookup, "unknown field")
		}

		if f.PrimaryKey {
			if p.keys != nil || c.Negated {
				continue
			}
			keys, ok, err := primaryKeys(f, c)
			if err != nil {
				return plan{}, err
			}
			if ok {
				p.keys = keys
			}
			continue
		}

		switch {
		case c.Negated:
			return plan{}, unsupported(e, f.Name, c.Lookup, "negated conditions are only supported on the primary key")
		case c.Lookup != "exact":
			return plan{}, unsupported(e, f.Name, c.Lookup, "only exact lookups are supported on non-key fields")
		case !indexed[f.Name]:
			return plan{}, unsupported(e, f.Name, c.Lookup, "field is not indexed")
		}
		if p.index == nil {
			stored, err := f.ToStorage(c.Value)
			if err != nil {
				return plan{}, err
			}
			p.index = &indexProbe{field: f.Name, value: encodeIndexValue(stored)}
		}
	}
	if p.keys != nil {
		p.index = nil
	}
	return p, nil
}

// flatten returns the conditions of an implicit AND tree. OR groups and
// negated groups cannot be served from indexes.
func flatten(e *orm.Entity, nodes []orm.Node) ([]orm.Condition, error) {
	var out []orm.Condition
	for _, n := range nodes {
		switch v := n.(type) {
		case orm.Condition:
			out = append(out, v)
		case *orm.Group:
			if v.Connector == orm.OR || v.Negated {
				field, lookup := "", ""
				orm.Walk(v, func(c orm.Condition) {
					if field == "" {
						field, lookup = strings.Join(c.Path, orm.LookupSeparator), c.Lookup
					}
				})
				return nil, unsupported(e, field, lookup, "OR and negated groups are not supported")
			}
			children, err := flatten(e, v.Children)
			if err != nil {
				return nil, err
			}
			out = append(out, children...)
		}
	}
	return out, nil
}

// primaryKeys returns the item names for exact and in lookups on the
// primary key. ok is false for lookups that need a scan.
func primaryKeys(f *orm.Field, c orm.Condition) (keys []string, ok bool, err error) {
	switch c.Lookup {
	case "exact":
		if c.Value == nil {
			return []string{}, true, nil
		}
		key, err := keyString(f, c.Value)
		if err != nil {
			return nil, false, err
		}
		return []string{key}, true, nil
	case "in":
		values, isSlice := orm.Operands(c.Value)
		if !isSlice {
			return nil, false, nil
		}
		seen := make(map[string]bool, len(values))
		keys = make([]string, 0, len(values))
		for _, v := range values {
			if v == nil {
				continue
			}
			key, err := keyString(f, v)
			if err != nil {
				return nil, false, err
			}
			if !seen[key] {
				seen[key] = true
				keys = append(keys, key)
			}
		}
		return keys, true, nil
	}
	return nil, false, nil
}

func unsupported(e *orm.Entity, field, lookup, reason string) error {
	return &orm.UnsupportedLookupError{Table: e.Table(), Field: field, Lookup: lookup, Reason: reason}
}
