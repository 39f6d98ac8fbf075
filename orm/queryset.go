package orm

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// QuerySet is a lazy, chainable query over one entity. Builder methods
// return a new QuerySet and leave the receiver untouched. Fetch
// materializes the receiver: it caches the results, and later Filter,
// Exclude and Where calls evaluate against the cache in memory.
//
// A materialized QuerySet is owned by the caller that fetched it and is not
// safe for concurrent use.
type QuerySet struct {
	state        *QueryState
	backend      Backend
	materialized bool
	empty        bool
	cache        []*Instance

	// err is set by a builder call that could not be applied and is
	// returned by the next terminal operation.
	err error
}

// NewQuerySet returns an unfiltered QuerySet over e evaluated on b.
func NewQuerySet(e *Entity, b Backend) *QuerySet {
	return &QuerySet{state: NewQueryState(e), backend: b}
}

// derive copies the QuerySet for a builder call. The cache is kept only
// when keepCache is set; an empty QuerySet stays empty and materialized.
func (qs *QuerySet) derive(keepCache bool) *QuerySet {
	out := &QuerySet{state: qs.state.Clone(), backend: qs.backend, empty: qs.empty, err: qs.err}
	if qs.empty {
		out.materialized = true
		return out
	}
	if keepCache && qs.materialized {
		out.materialized = true
		out.cache = append([]*Instance(nil), qs.cache...)
	}
	return out
}

// Entity returns the queried entity.
func (qs *QuerySet) Entity() *Entity { return qs.state.Entity }

// Backend returns the backend the QuerySet evaluates on.
func (qs *QuerySet) Backend() Backend { return qs.backend }

// State returns a copy of the query state.
func (qs *QuerySet) State() *QueryState { return qs.state.Clone() }

// Materialized reports whether the QuerySet holds a result cache.
func (qs *QuerySet) Materialized() bool { return qs.materialized }

// IsEmpty reports whether the QuerySet was derived from None.
func (qs *QuerySet) IsEmpty() bool { return qs.empty }

// Err returns the deferred builder error, if any.
func (qs *QuerySet) Err() error { return qs.err }

// All returns a copy of the QuerySet.
func (qs *QuerySet) All() *QuerySet { return qs.derive(true) }

// None returns a QuerySet that matches nothing and never contacts a backend.
func (qs *QuerySet) None() *QuerySet {
	out := qs.derive(false)
	out.empty = true
	out.materialized = true
	out.cache = nil
	return out
}

// Filter narrows the QuerySet with lookups, ANDed with existing filters.
func (qs *QuerySet) Filter(l Lookups) *QuerySet {
	nodes := make([]Node, 0, len(l))
	for _, c := range l.Conditions() {
		nodes = append(nodes, c)
	}
	return qs.Where(nodes...)
}

// Exclude is Filter with every resulting condition negated.
func (qs *QuerySet) Exclude(l Lookups) *QuerySet {
	nodes := make([]Node, 0, len(l))
	for _, c := range l.Conditions() {
		nodes = append(nodes, c.negate())
	}
	return qs.Where(nodes...)
}

// Where narrows the QuerySet with arbitrary nodes built with Q, And, Or and Not.
func (qs *QuerySet) Where(nodes ...Node) *QuerySet {
	out := qs.derive(true)
	for _, n := range nodes {
		out.state.Where = append(out.state.Where, n.clone())
	}
	if !out.materialized || out.empty {
		return out
	}
	if out.state.missesLoaded(nodes) {
		// The cache lacks a field the predicate reads; evaluate on the backend.
		out.materialized = false
		out.cache = nil
		return out
	}
	kept := out.cache[:0:0]
	for _, inst := range out.cache {
		ok, err := matchInstance(inst, nodes)
		if err != nil {
			out.err = err
			return out
		}
		if ok {
			kept = append(kept, inst)
		}
	}
	out.cache = kept
	return out
}

// missesLoaded reports whether any condition in nodes reads a field that
// Only or Defer kept out of the fetched instances.
func (s *QueryState) missesLoaded(nodes []Node) bool {
	if len(s.Only) == 0 && len(s.Defer) == 0 {
		return false
	}
	loaded := make(map[string]bool)
	for _, c := range ProjectedColumns(s.Entity, s.Only, s.Defer) {
		loaded[c] = true
	}
	missing := false
	for _, n := range nodes {
		Walk(n, func(c Condition) {
			if len(c.Path) == 0 {
				return
			}
			if f, ok := s.Entity.Field(c.Path[0]); ok && !loaded[f.ColumnName()] {
				missing = true
			}
		})
	}
	return missing
}

// OrderBy replaces the ordering. A leading "-" sorts descending.
func (qs *QuerySet) OrderBy(fields ...string) *QuerySet {
	out := qs.derive(false)
	out.state.Ordering = out.state.Ordering[:0]
	for _, f := range fields {
		out.state.Ordering = append(out.state.Ordering, ParseOrdering(f))
	}
	return out
}

// Reverse flips the direction of every ordering term.
func (qs *QuerySet) Reverse() *QuerySet {
	out := qs.derive(false)
	out.state.Reversed = !out.state.Reversed
	return out
}

// Limit caps the number of results. A negative n removes the cap.
func (qs *QuerySet) Limit(n int) *QuerySet {
	out := qs.derive(false)
	if n < 0 {
		n = -1
	}
	out.state.Limit = n
	return out
}

// Offset skips the first n results.
func (qs *QuerySet) Offset(n int) *QuerySet {
	out := qs.derive(false)
	if n < 0 {
		n = 0
	}
	out.state.Offset = n
	return out
}

// Only loads just the named fields (and the primary key).
func (qs *QuerySet) Only(fields ...string) *QuerySet {
	out := qs.derive(false)
	out.state.Only = append(out.state.Only, fields...)
	return out
}

// Defer skips loading the named fields.
func (qs *QuerySet) Defer(fields ...string) *QuerySet {
	out := qs.derive(false)
	out.state.Defer = append(out.state.Defer, fields...)
	return out
}

// SelectRelated loads foreign keys along the given paths ("author",
// "author__publisher") with the results.
func (qs *QuerySet) SelectRelated(paths ...string) *QuerySet {
	out := qs.derive(false)
	out.state.SelectRelated = append(out.state.SelectRelated, paths...)
	return out
}

// PrefetchRelated loads many-to-many fields and reverse relations with the results.
func (qs *QuerySet) PrefetchRelated(names ...string) *QuerySet {
	out := qs.derive(false)
	out.state.PrefetchRelated = append(out.state.PrefetchRelated, names...)
	return out
}

// Annotate adds a computed value per result, read with Instance.Annotation.
func (qs *QuerySet) Annotate(aggs ...Aggregation) *QuerySet {
	out := qs.derive(false)
	out.state.Annotations = append(out.state.Annotations, aggs...)
	return out
}

// Distinct removes duplicate results, or keeps the first result per
// combination of the named fields.
func (qs *QuerySet) Distinct(fields ...string) *QuerySet {
	out := qs.derive(false)
	out.state.Distinct = true
	out.state.DistinctFields = append(out.state.DistinctFields, fields...)
	return out
}

// Using evaluates the QuerySet on another backend.
func (qs *QuerySet) Using(b Backend) *QuerySet {
	out := qs.derive(false)
	out.backend = b
	return out
}

func (qs *QuerySet) ready() error {
	if qs.err != nil {
		return qs.err
	}
	if qs.backend == nil {
		return fmt.Errorf("%w: no backend for %s", ErrNotConnected, qs.state.Entity.Name())
	}
	return nil
}

// Fetch evaluates the QuerySet and caches the results. A materialized
// QuerySet returns its cache without contacting the backend.
func (qs *QuerySet) Fetch(ctx context.Context) ([]*Instance, error) {
	if qs.err != nil {
		return nil, qs.err
	}
	if qs.materialized {
		return append([]*Instance(nil), qs.cache...), nil
	}
	if err := qs.ready(); err != nil {
		return nil, err
	}
	rows, err := qs.backend.Execute(ctx, qs.state)
	if err != nil {
		return nil, err
	}
	insts, err := HydrateAll(qs.state.Entity, rows, qs.backend)
	if err != nil {
		return nil, err
	}
	for _, path := range qs.state.SelectRelated {
		if err := selectRelated(ctx, qs.backend, insts, strings.Split(path, LookupSeparator)); err != nil {
			return nil, err
		}
	}
	for _, name := range qs.state.PrefetchRelated {
		if err := prefetchRelated(ctx, qs.backend, qs.state.Entity, insts, name); err != nil {
			return nil, err
		}
	}
	qs.cache = insts
	qs.materialized = true
	return append([]*Instance(nil), insts...), nil
}

func keyOf(v any) string { return fmt.Sprintf("%v", v) }

// selectRelated loads the foreign key path[0] of every instance with one
// pk__in query and recurses into the rest of the path.
func selectRelated(ctx context.Context, b Backend, insts []*Instance, path []string) error {
	if len(insts) == 0 || len(path) == 0 {
		return nil
	}
	e := insts[0].entity
	target, f, err := e.Related(path[0])
	if err != nil {
		return err
	}
	if f.Type != TypeForeignKey {
		return fmt.Errorf("%w: %s.%s is not a foreign key", ErrUnknownField, e.Name(), path[0])
	}
	var keys []any
	seen := make(map[string]bool)
	for _, inst := range insts {
		if k := inst.values[f.Name]; k != nil && !seen[keyOf(k)] {
			seen[keyOf(k)] = true
			keys = append(keys, k)
		}
	}
	byKey := make(map[string]*Instance, len(keys))
	if len(keys) > 0 {
		related, err := NewQuerySet(target, b).Filter(Lookups{"pk__in": keys}).Fetch(ctx)
		if err != nil {
			return err
		}
		if err := selectRelated(ctx, b, related, path[1:]); err != nil {
			return err
		}
		for _, r := range related {
			byKey[keyOf(r.PK())] = r
		}
	}
	for _, inst := range insts {
		if k := inst.values[f.Name]; k != nil {
			inst.setCached(f.Name, byKey[keyOf(k)])
		} else {
			inst.setCached(f.Name, (*Instance)(nil))
		}
	}
	return nil
}

// prefetchRelated loads a many-to-many field, a reverse relation or a
// foreign key for every instance in batched queries.
func prefetchRelated(ctx context.Context, b Backend, e *Entity, insts []*Instance, name string) error {
	if len(insts) == 0 {
		return nil
	}
	if f, ok := e.Field(name); ok {
		switch f.Type {
		case TypeForeignKey:
			return selectRelated(ctx, b, insts, []string{name})
		case TypeManyToMany:
			return prefetchManyToMany(ctx, b, e, insts, f)
		}
		return fmt.Errorf("%w: %s.%s is not a relation", ErrUnknownField, e.Name(), name)
	}
	r := e.Registry()
	if r == nil {
		return fmt.Errorf("%w: %s.%s", ErrUnknownField, e.Name(), name)
	}
	rel, ok := r.ReverseRelation(e, name)
	if !ok {
		return fmt.Errorf("%w: %s.%s", ErrUnknownField, e.Name(), name)
	}

	pks := make([]any, 0, len(insts))
	for _, inst := range insts {
		if pk := inst.PK(); pk != nil {
			pks = append(pks, pk)
		}
	}
	related, err := NewQuerySet(rel.Source, b).Filter(Lookups{rel.Field.Name + "__in": pks}).Fetch(ctx)
	if errors.Is(err, ErrUnsupportedLookup) {
		related, err = fetchEach(ctx, b, rel, pks)
	}
	if err != nil {
		return err
	}
	grouped := make(map[string][]*Instance)
	for _, r := range related {
		k := keyOf(r.values[rel.Field.Name])
		grouped[k] = append(grouped[k], r)
	}
	for _, inst := range insts {
		inst.setCached(name, grouped[keyOf(inst.PK())])
	}
	return nil
}

// fetchEach loads a reverse relation with one exact query per key, for
// backends that only support exact lookups on indexed fields.
func fetchEach(ctx context.Context, b Backend, rel Relation, pks []any) ([]*Instance, error) {
	var out []*Instance
	for _, pk := range pks {
		insts, err := NewQuerySet(rel.Source, b).Filter(Lookups{rel.Field.Name: pk}).Fetch(ctx)
		if err != nil {
			return nil, err
		}
		out = append(out, insts...)
	}
	return out, nil
}

func prefetchManyToMany(ctx context.Context, b Backend, e *Entity, insts []*Instance, f *Field) error {
	target, _, err := e.Related(f.Name)
	if err != nil {
		return err
	}
	var keys []any
	seen := make(map[string]bool)
	for _, inst := range insts {
		ids, _ := inst.values[f.Name].([]any)
		for _, k := range ids {
			if !seen[keyOf(k)] {
				seen[keyOf(k)] = true
				keys = append(keys, k)
			}
		}
	}
	byKey := make(map[string]*Instance, len(keys))
	if len(keys) > 0 {
		related, err := NewQuerySet(target, b).Filter(Lookups{"pk__in": keys}).Fetch(ctx)
		if err != nil {
			return err
		}
		for _, r := range related {
			byKey[keyOf(r.PK())] = r
		}
	}
	for _, inst := range insts {
		ids, _ := inst.values[f.Name].([]any)
		var set []*Instance
		for _, k := range ids {
			if r, ok := byKey[keyOf(k)]; ok {
				set = append(set, r)
			}
		}
		inst.setCached(f.Name, set)
	}
	return nil
}

// Len returns the number of cached results, or 0 before Fetch.
func (qs *QuerySet) Len() int { return len(qs.cache) }

// Values returns the cached results as field maps.
func (qs *QuerySet) Values() []map[string]any {
	out := make([]map[string]any, len(qs.cache))
	for i, inst := range qs.cache {
		out[i] = inst.Values()
	}
	return out
}

// Get returns the single instance matching the QuerySet and optional lookups.
// A limit below two set by the caller is kept, so Limit(1).Get returns the
// first match of the window instead of ErrMultipleObjectsReturned.
func (qs *QuerySet) Get(ctx context.Context, lookups ...Lookups) (*Instance, error) {
	q := qs
	for _, l := range lookups {
		q = q.Filter(l)
	}
	if !q.materialized && (q.state.Limit < 0 || q.state.Limit > 2) {
		q = q.Limit(2)
	}
	insts, err := q.Fetch(ctx)
	if err != nil {
		return nil, err
	}
	switch len(insts) {
	case 0:
		return nil, fmt.Errorf("%w: %s matching %v", ErrDoesNotExist, qs.state.Entity.Name(), q.state.Where)
	case 1:
		return insts[0], nil
	}
	return nil, fmt.Errorf("%w: %s matching %v", ErrMultipleObjectsReturned, qs.state.Entity.Name(), q.state.Where)
}

// First returns the first result, ordered by primary key when no ordering
// is set, or nil when there are none.
func (qs *QuerySet) First(ctx context.Context) (*Instance, error) {
	if qs.materialized {
		if qs.err != nil || len(qs.cache) == 0 {
			return nil, qs.err
		}
		return qs.cache[0], nil
	}
	q := qs
	if len(qs.state.EffectiveOrdering()) == 0 {
		q = q.OrderBy(qs.state.Entity.PK().Name)
	}
	insts, err := q.Limit(1).Fetch(ctx)
	if err != nil || len(insts) == 0 {
		return nil, err
	}
	return insts[0], nil
}

// Last returns the last result, or nil when there are none.
func (qs *QuerySet) Last(ctx context.Context) (*Instance, error) {
	if qs.materialized {
		if qs.err != nil || len(qs.cache) == 0 {
			return nil, qs.err
		}
		return qs.cache[len(qs.cache)-1], nil
	}
	insts, err := qs.Reverse().Limit(1).Fetch(ctx)
	if err != nil || len(insts) == 0 {
		return nil, err
	}
	return insts[0], nil
}

// Count returns the number of matching records.
func (qs *QuerySet) Count(ctx context.Context) (int64, error) {
	if qs.materialized {
		return int64(len(qs.cache)), qs.err
	}
	if err := qs.ready(); err != nil {
		return 0, err
	}
	return qs.backend.Count(ctx, qs.state)
}

// Exists reports whether any record matches.
func (qs *QuerySet) Exists(ctx context.Context) (bool, error) {
	if qs.materialized {
		return len(qs.cache) > 0, qs.err
	}
	n, err := qs.Limit(1).Count(ctx)
	return n > 0, err
}

// Aggregate computes aggregations over the matching records.
func (qs *QuerySet) Aggregate(ctx context.Context, aggs ...Aggregation) (map[string]any, error) {
	if qs.empty {
		return AggregateRows(qs.state.Entity, nil, aggs, nil)
	}
	if err := qs.ready(); err != nil {
		return nil, err
	}
	return qs.backend.Aggregate(ctx, qs.state, aggs)
}

func (qs *QuerySet) cleanValues(values map[string]any) (map[string]any, error) {
	e := qs.state.Entity
	out := make(map[string]any, len(values))
	for name, v := range values {
		f, ok := e.Field(name)
		if !ok {
			return nil, fmt.Errorf("%w: %s.%s", ErrUnknownField, e.Name(), name)
		}
		if err := f.Validate(v); err != nil {
			return nil, err
		}
		cleaned, _ := f.Clean(v)
		out[f.Name] = cleaned
	}
	return out, nil
}

// Update sets values on every matching record and returns the number of
// records changed. The cache of a materialized QuerySet is discarded.
func (qs *QuerySet) Update(ctx context.Context, values map[string]any) (int64, error) {
	if qs.empty {
		return 0, qs.err
	}
	if err := qs.ready(); err != nil {
		return 0, err
	}
	cleaned, err := qs.cleanValues(values)
	if err != nil {
		return 0, err
	}
	n, err := qs.backend.UpdateMany(ctx, qs.state, cleaned)
	qs.cache, qs.materialized = nil, false
	return n, err
}

// Delete removes every matching record and returns the number removed.
func (qs *QuerySet) Delete(ctx context.Context) (int64, error) {
	if qs.empty {
		return 0, qs.err
	}
	if err := qs.ready(); err != nil {
		return 0, err
	}
	n, err := qs.backend.DeleteMany(ctx, qs.state)
	qs.cache, qs.materialized = nil, false
	return n, err
}

// ItemError is the failure of one instance in a bulk save.
type ItemError struct {
	Index int
	PK    any
	Err   error
}

func (e ItemError) Error() string { return fmt.Sprintf("item %d (pk %v): %v", e.Index, e.PK, e.Err) }

// SaveResult reports the outcome of a bulk save.
type SaveResult struct {
	Inserted int
	Updated  int
	Failed   int
	Errors   []ItemError
}

// Err joins the per-item errors, or returns nil when every item was saved.
func (r SaveResult) Err() error {
	errs := make([]error, len(r.Errors))
	for i, e := range r.Errors {
		errs[i] = e
	}
	return errors.Join(errs...)
}

// Save writes every cached instance to the QuerySet backend, fetching first
// when the QuerySet is not materialized. An instance with a primary key is
// updated when the key exists in the backend and inserted with that key
// otherwise; an instance without a key is inserted. Item failures are
// collected in the result and do not stop the batch.
func (qs *QuerySet) Save(ctx context.Context) (SaveResult, error) {
	var res SaveResult
	if qs.empty {
		return res, qs.err
	}
	insts, err := qs.Fetch(ctx)
	if err != nil {
		return res, err
	}
	if err := qs.ready(); err != nil {
		return res, err
	}
	for i, inst := range insts {
		pk := inst.PK()
		fail := func(err error) {
			res.Failed++
			res.Errors = append(res.Errors, ItemError{Index: i, PK: pk, Err: err})
		}
		if err := inst.Validate(); err != nil {
			fail(err)
			continue
		}
		exists := false
		if pk != nil {
			if exists, err = qs.backend.Exists(ctx, inst.entity, pk); err != nil {
				fail(err)
				continue
			}
		}
		inst.backend = qs.backend
		if exists {
			err = qs.backend.Update(ctx, inst)
		} else {
			err = qs.backend.Insert(ctx, inst)
		}
		if err != nil {
			fail(err)
			continue
		}
		inst.markSaved()
		if exists {
			res.Updated++
		} else {
			res.Inserted++
		}
	}
	return res, nil
}

// Instances returns the cached results without fetching.
func (qs *QuerySet) Instances() []*Instance { return append([]*Instance(nil), qs.cache...) }

// WithInstances returns a materialized QuerySet holding insts, for bulk
// saving instances that did not come from a fetch.
func (qs *QuerySet) WithInstances(insts ...*Instance) *QuerySet {
	out := qs.derive(false)
	out.empty = false
	out.materialized = true
	out.cache = append([]*Instance(nil), insts...)
	return out
}
