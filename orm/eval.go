package orm

import (
	"fmt"
	"reflect"
	"regexp"
	"sort"
	"strings"
	"time"
)

// tribool is a SQL truth value: predicates over NULL are unknown, and only
// true rows survive a filter.
type tribool int8

const (
	unknown tribool = iota
	isFalse
	isTrue
)

func truth(b bool) tribool {
	if b {
		return isTrue
	}
	return isFalse
}

func (t tribool) not() tribool {
	switch t {
	case isTrue:
		return isFalse
	case isFalse:
		return isTrue
	}
	return unknown
}

// Resolver loads the storage row of a related record during in-memory
// evaluation of a path that traverses a foreign key. found is false when the
// referenced record does not exist.
type Resolver func(target *Entity, pk any) (row Row, found bool, err error)

type valueSource interface {
	value(steps []PathStep) (any, error)
}

type rowSource struct {
	row     Row
	resolve Resolver
}

func (s rowSource) value(steps []PathStep) (any, error) {
	cur := s.row
	for i, st := range steps {
		v, err := st.Field.FromStorage(cur[st.Field.ColumnName()])
		if err != nil {
			return nil, err
		}
		if i == len(steps)-1 || v == nil {
			return v, nil
		}
		if s.resolve == nil {
			return nil, &UnsupportedLookupError{Table: st.Entity.Table(), Field: st.Field.Name, Reason: "relation traversal is not supported"}
		}
		next, found, err := s.resolve(steps[i+1].Entity, v)
		if err != nil {
			return nil, err
		}
		if !found {
			return nil, nil
		}
		cur = next
	}
	return nil, nil
}

type instanceSource struct {
	inst *Instance
}

func (s instanceSource) value(steps []PathStep) (any, error) {
	cur := s.inst
	for i, st := range steps {
		v := cur.values[st.Field.Name]
		if i == len(steps)-1 || v == nil {
			return v, nil
		}
		cached, ok := cur.related[st.Field.Name]
		if !ok {
			return nil, &UnsupportedLookupError{Table: st.Entity.Table(), Field: st.Field.Name, Reason: "relation is not loaded; use SelectRelated before filtering a fetched QuerySet across it"}
		}
		next, _ := cached.(*Instance)
		if next == nil {
			return nil, nil
		}
		cur = next
	}
	return nil, nil
}

func evalNodes(e *Entity, src valueSource, nodes []Node) (tribool, error) {
	result := isTrue
	for _, n := range nodes {
		t, err := evalNode(e, src, n)
		if err != nil {
			return unknown, err
		}
		result = and3(result, t)
		if result == isFalse {
			return isFalse, nil
		}
	}
	return result, nil
}

func and3(a, b tribool) tribool {
	if a == isFalse || b == isFalse {
		return isFalse
	}
	if a == unknown || b == unknown {
		return unknown
	}
	return isTrue
}

func or3(a, b tribool) tribool {
	if a == isTrue || b == isTrue {
		return isTrue
	}
	if a == unknown || b == unknown {
		return unknown
	}
	return isFalse
}

func evalNode(e *Entity, src valueSource, n Node) (tribool, error) {
	switch v := n.(type) {
	case Condition:
		t, err := evalCondition(e, src, v)
		if err != nil {
			return unknown, err
		}
		if v.Negated {
			return t.not(), nil
		}
		return t, nil
	case *Group:
		var result tribool
		if v.Connector == OR {
			result = isFalse
			if len(v.Children) == 0 {
				result = isTrue
			}
		} else {
			result = isTrue
		}
		for _, ch := range v.Children {
			t, err := evalNode(e, src, ch)
			if err != nil {
				return unknown, err
			}
			if v.Connector == OR {
				result = or3(result, t)
			} else {
				result = and3(result, t)
			}
		}
		if v.Negated {
			return result.not(), nil
		}
		return result, nil
	}
	return unknown, fmt.Errorf("orm: unknown node %T", n)
}

func evalCondition(e *Entity, src valueSource, c Condition) (tribool, error) {
	def, ok := Lookup(c.Lookup)
	if !ok {
		return unknown, &UnsupportedLookupError{Table: e.Table(), Field: strings.Join(c.Path, LookupSeparator), Lookup: c.Lookup, Reason: "unknown lookup"}
	}
	steps, err := e.ResolvePath(c.Path)
	if err != nil {
		return unknown, err
	}
	f := steps[len(steps)-1].Field
	v, err := src.value(steps)
	if err != nil {
		return unknown, err
	}
	return evalLookup(f, def, v, c.Value)
}

// evalLookup applies one lookup to a field value v (canonical form) and the
// condition operand.
func evalLookup(f *Field, def LookupDef, v, operand any) (tribool, error) {
	switch def.Kind {
	case KindIsNull:
		want, _ := operand.(bool)
		return truth((v == nil) == want), nil
	case KindEqual:
		if operand == nil {
			return truth(v == nil), nil
		}
		if v == nil {
			return unknown, nil
		}
		want, err := cleanOperand(f, operand)
		if err != nil {
			return unknown, err
		}
		if def.CaseInsensitive {
			return truth(strings.ToUpper(TextValue(f, v)) == strings.ToUpper(TextValue(f, want))), nil
		}
		return truth(valuesEqual(v, want)), nil
	case KindIn:
		items, ok := Operands(operand)
		if !ok {
			return unknown, f.invalid("in lookup expects a slice, got %T", operand)
		}
		if len(items) == 0 {
			return isFalse, nil
		}
		if v == nil {
			return unknown, nil
		}
		result := isFalse
		for _, item := range items {
			if item == nil {
				result = unknown
				continue
			}
			want, err := cleanOperand(f, item)
			if err != nil {
				return unknown, err
			}
			if valuesEqual(v, want) {
				return isTrue, nil
			}
		}
		return result, nil
	}

	if v == nil || operand == nil {
		return unknown, nil
	}

	switch def.Kind {
	case KindPattern:
		s, p := TextValue(f, v), stringify(operand)
		if def.CaseInsensitive {
			s, p = strings.ToLower(s), strings.ToLower(p)
		}
		switch def.Anchor {
		case AnchorStart:
			return truth(strings.HasPrefix(s, p)), nil
		case AnchorEnd:
			return truth(strings.HasSuffix(s, p)), nil
		}
		return truth(strings.Contains(s, p)), nil
	case KindCompare:
		want, err := cleanOperand(f, operand)
		if err != nil {
			return unknown, err
		}
		return compareWith(def.Operator, v, want), nil
	case KindRange:
		bounds, ok := Operands(operand)
		if !ok || len(bounds) != 2 {
			return unknown, f.invalid("range lookup expects two bounds")
		}
		lo, err := cleanOperand(f, bounds[0])
		if err != nil {
			return unknown, err
		}
		hi, err := cleanOperand(f, bounds[1])
		if err != nil {
			return unknown, err
		}
		return and3(compareWith(">=", v, lo), compareWith("<=", v, hi)), nil
	case KindRegex:
		pattern := stringify(operand)
		if def.CaseInsensitive {
			pattern = "(?i)" + pattern
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return unknown, f.invalid("invalid regex: %v", err)
		}
		return truth(re.MatchString(TextValue(f, v))), nil
	case KindDatePart:
		t, ok := v.(time.Time)
		if !ok {
			return unknown, f.invalid("%s lookup requires a date or datetime field", def.Name)
		}
		want, ok := toInt64(operand)
		if !ok {
			return unknown, f.invalid("%s lookup expects an integer, got %T", def.Name, operand)
		}
		return compareWith(def.Operator, DatePart(t, def.DatePart), want), nil
	case KindDate:
		t, ok := v.(time.Time)
		if !ok {
			return unknown, f.invalid("date lookup requires a date or datetime field")
		}
		want, err := (&Field{Name: f.Name, Type: TypeDate}).Clean(operand)
		if err != nil {
			return unknown, err
		}
		y, m, d := t.Date()
		return compareWith(def.Operator, time.Date(y, m, d, 0, 0, 0, 0, time.UTC), want), nil
	}
	return unknown, f.invalid("unsupported lookup %s", def.Name)
}

// DatePart extracts year, month, day, ISO week or weekday (0 = Sunday) from t.
func DatePart(t time.Time, part string) int64 {
	switch part {
	case "year":
		return int64(t.Year())
	case "month":
		return int64(t.Month())
	case "day":
		return int64(t.Day())
	case "week":
		_, w := t.ISOWeek()
		return int64(w)
	case "weekday":
		return int64(t.Weekday())
	}
	return 0
}

func cleanOperand(f *Field, v any) (any, error) {
	switch f.Type {
	case TypeManyToMany:
		return cleanKey(f, v)
	case TypeString, TypeText:
		if s, ok := v.(string); ok {
			return s, nil
		}
		return stringify(v), nil
	}
	return f.Clean(v)
}

func compareWith(op string, a, b any) tribool {
	c, ok := compareValues(a, b)
	if !ok {
		return isFalse
	}
	switch op {
	case "=":
		return truth(c == 0)
	case ">":
		return truth(c > 0)
	case ">=":
		return truth(c >= 0)
	case "<":
		return truth(c < 0)
	case "<=":
		return truth(c <= 0)
	}
	return isFalse
}

// compareValues orders two non-nil canonical values. ok is false when the
// values are not comparable.
func compareValues(a, b any) (int, bool) {
	if fa, ok := toFloat64(a); ok {
		if fb, ok := toFloat64(b); ok {
			if ia, ok := toInt64(a); ok {
				if ib, ok := toInt64(b); ok {
					return cmp3(ia < ib, ia > ib), true
				}
			}
			return cmp3(fa < fb, fa > fb), true
		}
		return 0, false
	}
	switch x := a.(type) {
	case string:
		y, ok := b.(string)
		if !ok {
			return 0, false
		}
		return strings.Compare(x, y), true
	case time.Time:
		y, ok := b.(time.Time)
		if !ok {
			return 0, false
		}
		return x.Compare(y), true
	case bool:
		y, ok := b.(bool)
		if !ok {
			return 0, false
		}
		return cmp3(!x && y, x && !y), true
	}
	return 0, false
}

func cmp3(less, greater bool) int {
	switch {
	case less:
		return -1
	case greater:
		return 1
	}
	return 0
}

func valuesEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if c, ok := compareValues(a, b); ok {
		return c == 0
	}
	return reflect.DeepEqual(a, b)
}

// TextValue renders a canonical field value as text for iexact, pattern
// and regex lookups. Dates use YYYY-MM-DD and datetimes RFC 3339 in UTC
// with trailing fractional zeros dropped.
func TextValue(f *Field, v any) string {
	if t, ok := v.(time.Time); ok {
		switch f.Type {
		case TypeDate:
			return t.Format(dateLayout)
		case TypeDateTime:
			return t.UTC().Format(dateTimeLayout)
		}
	}
	return stringify(v)
}

func stringify(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case time.Time:
		return s.Format(dateTimeLayout)
	}
	return fmt.Sprint(v)
}

// Operands returns the elements of a slice or array operand, as used by the
// in and range lookups.
func Operands(v any) ([]any, bool) {
	if items, ok := v.([]any); ok {
		return items, true
	}
	rv := reflect.ValueOf(v)
	if !rv.IsValid() || (rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array) {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}

// Match reports whether a storage row satisfies every node.
func Match(e *Entity, row Row, where []Node, resolve Resolver) (bool, error) {
	t, err := evalNodes(e, rowSource{row: row, resolve: resolve}, where)
	return t == isTrue, err
}

func matchInstance(inst *Instance, where []Node) (bool, error) {
	t, err := evalNodes(inst.entity, instanceSource{inst: inst}, where)
	return t == isTrue, err
}

// ApplyState evaluates a query state over storage rows: filter, ordering,
// distinct, offset, limit and column projection. Backends without a query
// language use it after loading candidate rows.
func ApplyState(s *QueryState, rows []Row, resolve Resolver) ([]Row, error) {
	e := s.Entity
	out := make([]Row, 0, len(rows))
	for _, row := range rows {
		ok, err := Match(e, row, s.Where, resolve)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, row)
		}
	}

	if err := SortRows(e, out, s.EffectiveOrdering(), resolve); err != nil {
		return nil, err
	}

	if s.Distinct {
		var err error
		if out, err = distinctRows(e, out, s.DistinctFields); err != nil {
			return nil, err
		}
	}

	if s.Offset > 0 {
		if s.Offset >= len(out) {
			out = out[:0]
		} else {
			out = out[s.Offset:]
		}
	}
	if s.Limit >= 0 && s.Limit < len(out) {
		out = out[:s.Limit]
	}
	return ProjectRows(e, out, s.Only, s.Defer), nil
}

// SortRows sorts rows in place. NULL sorts after every value ascending and
// before every value descending.
func SortRows(e *Entity, rows []Row, ordering []Ordering, resolve Resolver) error {
	if len(ordering) == 0 || len(rows) < 2 {
		return nil
	}
	steps := make([][]PathStep, len(ordering))
	for i, o := range ordering {
		st, err := e.ResolvePath(o.Path)
		if err != nil {
			return err
		}
		steps[i] = st
	}
	keys := make([][]any, len(rows))
	for i, row := range rows {
		src := rowSource{row: row, resolve: resolve}
		keys[i] = make([]any, len(ordering))
		for j := range ordering {
			v, err := src.value(steps[j])
			if err != nil {
				return err
			}
			keys[i][j] = v
		}
	}
	idx := make([]int, len(rows))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		for j, o := range ordering {
			c := compareNullsLast(keys[idx[a]][j], keys[idx[b]][j])
			if c == 0 {
				continue
			}
			if o.Desc {
				return c > 0
			}
			return c < 0
		}
		return false
	})
	sorted := make([]Row, len(rows))
	for i, k := range idx {
		sorted[i] = rows[k]
	}
	copy(rows, sorted)
	return nil
}

func compareNullsLast(a, b any) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return 1
	case b == nil:
		return -1
	}
	c, _ := compareValues(a, b)
	return c
}

func distinctRows(e *Entity, rows []Row, fields []string) ([]Row, error) {
	columns := make([]string, 0, len(fields))
	for _, name := range fields {
		f, ok := e.Field(name)
		if !ok {
			return nil, fmt.Errorf("%w: %s.%s", ErrUnknownField, e.Name(), name)
		}
		columns = append(columns, f.ColumnName())
	}
	seen := make(map[string]bool, len(rows))
	out := rows[:0:0]
	for _, row := range rows {
		cols := columns
		if len(cols) == 0 {
			cols = make([]string, 0, len(row))
			for c := range row {
				cols = append(cols, c)
			}
			sort.Strings(cols)
		}
		var key strings.Builder
		for _, c := range cols {
			fmt.Fprintf(&key, "%s=%#v;", c, row[c])
		}
		if seen[key.String()] {
			continue
		}
		seen[key.String()] = true
		out = append(out, row)
	}
	return out, nil
}

// ProjectRows restricts rows to the Only columns (plus the primary key) or
// drops the Defer columns. Rows are copied when projected.
func ProjectRows(e *Entity, rows []Row, only, deferred []string) []Row {
	if len(only) == 0 && len(deferred) == 0 {
		return rows
	}
	keep := ProjectedColumns(e, only, deferred)
	out := make([]Row, len(rows))
	for i, row := range rows {
		projected := make(Row, len(keep))
		for _, c := range keep {
			if v, ok := row[c]; ok {
				projected[c] = v
			}
		}
		out[i] = projected
	}
	return out
}

// ProjectedColumns returns the columns selected by only/defer in field order.
func ProjectedColumns(e *Entity, only, deferred []string) []string {
	onlySet := make(map[string]bool, len(only))
	for _, n := range only {
		onlySet[n] = true
	}
	deferSet := make(map[string]bool, len(deferred))
	for _, n := range deferred {
		deferSet[n] = true
	}
	var cols []string
	for _, f := range e.Fields() {
		if f.PrimaryKey {
			cols = append(cols, f.ColumnName())
			continue
		}
		if len(only) > 0 && !onlySet[f.Name] {
			continue
		}
		if deferSet[f.Name] {
			continue
		}
		cols = append(cols, f.ColumnName())
	}
	return cols
}

// RelatedLoader returns the storage rows whose foreign key rel.Field points at pk.
type RelatedLoader func(rel Relation, pk any) ([]Row, error)

// AggregateRows computes aggregations over storage rows. Every aggregation
// path is a field path from e.
func AggregateRows(e *Entity, rows []Row, aggs []Aggregation, resolve Resolver) (map[string]any, error) {
	out := make(map[string]any, len(aggs))
	for _, a := range aggs {
		if len(a.Path) == 1 && a.Path[0] == "*" {
			if a.Func != AggCount {
				return nil, fmt.Errorf("%w: %s(*)", ErrUnknownField, a.Func)
			}
			out[a.Name()] = int64(len(rows))
			continue
		}
		steps, err := e.ResolvePath(a.Path)
		if err != nil {
			return nil, err
		}
		values := make([]any, 0, len(rows))
		for _, row := range rows {
			v, err := rowSource{row: row, resolve: resolve}.value(steps)
			if err != nil {
				return nil, err
			}
			values = append(values, v)
		}
		out[a.Name()] = aggregate(a.Func, values)
	}
	return out, nil
}

// AnnotateRows adds one column per aggregation to each row. An aggregation
// path starting with a reverse relation name aggregates the related rows
// loaded through load; other paths are evaluated on the row itself.
func AnnotateRows(e *Entity, rows []Row, aggs []Aggregation, load RelatedLoader) ([]Row, error) {
	if len(aggs) == 0 {
		return rows, nil
	}
	r := e.Registry()
	out := make([]Row, len(rows))
	for i, row := range rows {
		annotated := make(Row, len(row)+len(aggs))
		for k, v := range row {
			annotated[k] = v
		}
		pk := row[e.PK().ColumnName()]
		for _, a := range aggs {
			var rel Relation
			var ok bool
			if r != nil {
				rel, ok = r.ReverseRelation(e, a.Path[0])
			}
			if !ok {
				res, err := AggregateRows(e, []Row{row}, []Aggregation{a.As("v")}, nil)
				if err != nil {
					return nil, err
				}
				annotated[a.Name()] = res["v"]
				continue
			}
			if load == nil {
				return nil, &UnsupportedLookupError{Table: e.Table(), Field: a.Path[0], Reason: "reverse relation annotations are not supported"}
			}
			related, err := load(rel, pk)
			if err != nil {
				return nil, err
			}
			sub := Aggregation{Func: a.Func, Path: a.Path[1:], Alias: "v"}
			if len(sub.Path) == 0 {
				sub.Path = []string{rel.Source.PK().Name}
			}
			res, err := AggregateRows(rel.Source, related, []Aggregation{sub}, nil)
			if err != nil {
				return nil, err
			}
			annotated[a.Name()] = res["v"]
		}
		out[i] = annotated
	}
	return out, nil
}

// aggregate follows SQL: NULLs are ignored, Count counts non-null values,
// Sum/Avg/Min/Max of no values are nil, Sum and Avg are float64.
func aggregate(fn AggFunc, values []any) any {
	var n int64
	var sum float64
	var best any
	for _, v := range values {
		if v == nil {
			continue
		}
		n++
		switch fn {
		case AggSum, AggAvg:
			f, _ := toFloat64(v)
			sum += f
		case AggMin:
			if best == nil || compareNullsLast(v, best) < 0 {
				best = v
			}
		case AggMax:
			if best == nil || compareNullsLast(v, best) > 0 {
				best = v
			}
		}
	}
	switch fn {
	case AggCount:
		return n
	case AggSum:
		if n == 0 {
			return nil
		}
		return sum
	case AggAvg:
		if n == 0 {
			return nil
		}
		return sum / float64(n)
	}
	return best
}
