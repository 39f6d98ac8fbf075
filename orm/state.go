package orm

import (
	"fmt"
	"strings"
)

// Ordering is one ORDER BY term.
type Ordering struct {
	Path []string
	Desc bool
}

// ParseOrdering parses "field", "-field" or "author__name".
func ParseOrdering(s string) Ordering {
	desc := strings.HasPrefix(s, "-")
	return Ordering{Path: strings.Split(strings.TrimPrefix(s, "-"), LookupSeparator), Desc: desc}
}

func (o Ordering) String() string {
	s := strings.Join(o.Path, LookupSeparator)
	if o.Desc {
		return "-" + s
	}
	return s
}

// AggFunc is an aggregate function.
type AggFunc string

const (
	AggCount AggFunc = "count"
	AggSum   AggFunc = "sum"
	AggAvg   AggFunc = "avg"
	AggMin   AggFunc = "min"
	AggMax   AggFunc = "max"
)

// Aggregation computes one aggregate over a field path. A path that ends in
// a reverse relation name (annotation only) aggregates the related records.
type Aggregation struct {
	Func  AggFunc
	Path  []string
	Alias string
}

func newAgg(fn AggFunc, field string) Aggregation {
	return Aggregation{Func: fn, Path: strings.Split(field, LookupSeparator)}
}

func Count(field string) Aggregation { return newAgg(AggCount, field) }
func Sum(field string) Aggregation   { return newAgg(AggSum, field) }
func Avg(field string) Aggregation   { return newAgg(AggAvg, field) }
func Min(field string) Aggregation   { return newAgg(AggMin, field) }
func Max(field string) Aggregation   { return newAgg(AggMax, field) }

// As sets the result alias.
func (a Aggregation) As(alias string) Aggregation {
	a.Alias = alias
	return a
}

// Name returns the alias, defaulting to "<path>__<func>".
func (a Aggregation) Name() string {
	if a.Alias != "" {
		return a.Alias
	}
	return strings.Join(a.Path, LookupSeparator) + LookupSeparator + string(a.Func)
}

// QueryState is an immutable description of a query. QuerySet methods
// derive new states with Clone; a state is never modified once shared.
type QueryState struct {
	Entity *Entity

	// Where is an implicit AND of nodes.
	Where    []Node
	Ordering []Ordering

	// Limit is -1 when unset.
	Limit  int
	Offset int

	Only            []string
	Defer           []string
	SelectRelated   []string
	PrefetchRelated []string
	Annotations     []Aggregation
	Distinct        bool
	DistinctFields  []string
	Reversed        bool
}

// NewQueryState returns the state of an unfiltered query over e.
func NewQueryState(e *Entity) *QueryState {
	return &QueryState{Entity: e, Limit: -1}
}

// Clone returns a deep copy of the state.
func (s *QueryState) Clone() *QueryState {
	out := *s
	out.Where = make([]Node, len(s.Where))
	for i, n := range s.Where {
		out.Where[i] = n.clone()
	}
	out.Ordering = make([]Ordering, len(s.Ordering))
	for i, o := range s.Ordering {
		out.Ordering[i] = Ordering{Path: append([]string(nil), o.Path...), Desc: o.Desc}
	}
	out.Only = append([]string(nil), s.Only...)
	out.Defer = append([]string(nil), s.Defer...)
	out.SelectRelated = append([]string(nil), s.SelectRelated...)
	out.PrefetchRelated = append([]string(nil), s.PrefetchRelated...)
	out.DistinctFields = append([]string(nil), s.DistinctFields...)
	out.Annotations = make([]Aggregation, len(s.Annotations))
	for i, a := range s.Annotations {
		a.Path = append([]string(nil), a.Path...)
		out.Annotations[i] = a
	}
	return &out
}

// EffectiveOrdering returns the ordering a backend must apply: the explicit
// ordering or the entity default, with every direction flipped when the
// state is reversed. A reversed state with no ordering sorts by primary key
// descending.
func (s *QueryState) EffectiveOrdering() []Ordering {
	ordering := s.Ordering
	if len(ordering) == 0 {
		for _, o := range s.Entity.DefaultOrdering() {
			ordering = append(ordering, ParseOrdering(o))
		}
	}
	if !s.Reversed {
		return ordering
	}
	if len(ordering) == 0 {
		return []Ordering{{Path: []string{s.Entity.PK().Name}, Desc: true}}
	}
	out := make([]Ordering, len(ordering))
	for i, o := range ordering {
		out[i] = Ordering{Path: o.Path, Desc: !o.Desc}
	}
	return out
}

// Conditions returns every condition in the where tree.
func (s *QueryState) Conditions() []Condition {
	var out []Condition
	for _, n := range s.Where {
		Walk(n, func(c Condition) { out = append(out, c) })
	}
	return out
}

// Validate checks that every path in the state resolves against the entity.
func (s *QueryState) Validate() error {
	for _, c := range s.Conditions() {
		if _, ok := Lookup(c.Lookup); !ok {
			return &UnsupportedLookupError{Table: s.Entity.Table(), Field: strings.Join(c.Path, LookupSeparator), Lookup: c.Lookup, Reason: "unknown lookup"}
		}
		if _, err := s.Entity.ResolvePath(c.Path); err != nil {
			return err
		}
	}
	for _, o := range s.Ordering {
		if _, err := s.Entity.ResolvePath(o.Path); err != nil {
			return err
		}
	}
	for _, name := range s.SelectRelated {
		if _, err := s.Entity.ResolvePath(strings.Split(name, LookupSeparator)); err != nil {
			return err
		}
	}
	return nil
}

func (s *QueryState) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s where=%v order=%v limit=%d offset=%d", s.Entity.Name(), s.Where, s.Ordering, s.Limit, s.Offset)
	if s.Reversed {
		b.WriteString(" reversed")
	}
	return b.String()
}
