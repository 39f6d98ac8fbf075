package orm

import (
	"sort"
	"strings"
)

// LookupSeparator splits relation traversal and lookup operators in filter keys.
const LookupSeparator = "__"

// LookupKind groups lookups that share one evaluation strategy.
type LookupKind int

const (
	KindEqual LookupKind = iota
	KindPattern
	KindIn
	KindCompare
	KindRange
	KindIsNull
	KindRegex
	KindDatePart
	KindDate
)

// Anchor says where a pattern lookup places its wildcards.
type Anchor int

const (
	AnchorNone  Anchor = iota // %value%
	AnchorStart               // value%
	AnchorEnd                 // %value
)

// LookupDef classifies one lookup operator. The SQL compiler and the
// in-memory evaluator both interpret these definitions, so a lookup behaves
// the same whether a backend or a materialized QuerySet evaluates it.
type LookupDef struct {
	Name            string
	Kind            LookupKind
	CaseInsensitive bool

	// Operator is the comparison operator for KindCompare and for the
	// comparison applied to an extracted date part ("=").
	Operator string

	Anchor Anchor

	// DatePart names the extracted part for KindDatePart: year, month, day, week or weekday.
	DatePart string
}

var lookupTable = map[string]LookupDef{
	"exact":       {Name: "exact", Kind: KindEqual},
	"iexact":      {Name: "iexact", Kind: KindEqual, CaseInsensitive: true},
	"contains":    {Name: "contains", Kind: KindPattern, Anchor: AnchorNone},
	"icontains":   {Name: "icontains", Kind: KindPattern, Anchor: AnchorNone, CaseInsensitive: true},
	"startswith":  {Name: "startswith", Kind: KindPattern, Anchor: AnchorStart},
	"istartswith": {Name: "istartswith", Kind: KindPattern, Anchor: AnchorStart, CaseInsensitive: true},
	"endswith":    {Name: "endswith", Kind: KindPattern, Anchor: AnchorEnd},
	"iendswith":   {Name: "iendswith", Kind: KindPattern, Anchor: AnchorEnd, CaseInsensitive: true},
	"in":          {Name: "in", Kind: KindIn},
	"gt":          {Name: "gt", Kind: KindCompare, Operator: ">"},
	"gte":         {Name: "gte", Kind: KindCompare, Operator: ">="},
	"lt":          {Name: "lt", Kind: KindCompare, Operator: "<"},
	"lte":         {Name: "lte", Kind: KindCompare, Operator: "<="},
	"range":       {Name: "range", Kind: KindRange},
	"isnull":      {Name: "isnull", Kind: KindIsNull},
	"regex":       {Name: "regex", Kind: KindRegex},
	"iregex":      {Name: "iregex", Kind: KindRegex, CaseInsensitive: true},
	"date":        {Name: "date", Kind: KindDate, Operator: "="},
	"year":        {Name: "year", Kind: KindDatePart, Operator: "=", DatePart: "year"},
	"month":       {Name: "month", Kind: KindDatePart, Operator: "=", DatePart: "month"},
	"day":         {Name: "day", Kind: KindDatePart, Operator: "=", DatePart: "day"},
	"week":        {Name: "week", Kind: KindDatePart, Operator: "=", DatePart: "week"},
	"weekday":     {Name: "weekday", Kind: KindDatePart, Operator: "=", DatePart: "weekday"},
}

// Lookup returns the definition of a lookup operator.
func Lookup(name string) (LookupDef, bool) {
	def, ok := lookupTable[name]
	return def, ok
}

// LookupNames returns the lookup vocabulary, sorted.
func LookupNames() []string {
	out := make([]string, 0, len(lookupTable))
	for name := range lookupTable {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// ParseLookup splits a filter key into a field path and a lookup operator.
// When the last segment is a known operator it is the lookup; otherwise the
// whole key is the path and the lookup is exact.
func ParseLookup(key string) (path []string, lookup string) {
	parts := strings.Split(key, LookupSeparator)
	if len(parts) > 1 {
		if _, ok := lookupTable[parts[len(parts)-1]]; ok {
			return parts[:len(parts)-1], parts[len(parts)-1]
		}
	}
	return parts, "exact"
}

// Lookups maps filter keys ("author__name__icontains") to values.
type Lookups map[string]any

// Conditions parses the lookups into conditions, in sorted key order.
func (l Lookups) Conditions() []Condition {
	keys := make([]string, 0, len(l))
	for k := range l {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]Condition, 0, len(keys))
	for _, k := range keys {
		path, lookup := ParseLookup(k)
		out = append(out, Condition{Path: path, Lookup: lookup, Value: l[k]})
	}
	return out
}

// LikePattern renders a pattern lookup value as a LIKE pattern, escaping
// backslash, percent and underscore with a backslash.
func LikePattern(def LookupDef, value string) string {
	escaped := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(value)
	switch def.Anchor {
	case AnchorStart:
		return escaped + "%"
	case AnchorEnd:
		return "%" + escaped
	}
	return "%" + escaped + "%"
}
