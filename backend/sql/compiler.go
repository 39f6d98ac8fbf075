// Package sqlbackend compiles query states to PostgreSQL and executes them
// through pgx.
//
// Every identifier is schema-qualified and quoted, and every value travels
// as a positional parameter:
//
//	SELECT "public"."books"."id", "public"."books"."title" FROM "public"."books"
//	WHERE "public"."books"."title" ILIKE $1
package sqlbackend

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/lib/pq"

	"github.com/jacentio/strata/orm"
)

// Statement is a SQL text and its positional parameters.
type Statement struct {
	SQL  string
	Args []any
}

// Query is a SELECT statement and the row key of each selected column.
type Query struct {
	Statement
	Columns []string
}

// Compiler turns query states and instances into statements. The zero
// value is ready to use.
type Compiler struct{}

// qualify quotes and joins identifier parts.
func qualify(parts ...string) string {
	quoted := make([]string, len(parts))
	for i, p := range parts {
		quoted[i] = pq.QuoteIdentifier(p)
	}
	return strings.Join(quoted, ".")
}

func tableRef(e *orm.Entity) string { return qualify(e.Schema(), e.Table()) }

// builder accumulates the parameters and joins of one statement.
type builder struct {
	root  *orm.Entity
	args  *[]any
	joins []string
	alias map[string]string
	next  *int
}

func newBuilder(e *orm.Entity) *builder {
	return &builder{root: e, args: new([]any), alias: make(map[string]string), next: new(int)}
}

// sub returns a builder for a nested query that shares parameter numbering
// and join alias numbering with b.
func (b *builder) sub() *builder {
	return &builder{root: b.root, args: b.args, alias: make(map[string]string), next: b.next}
}

func (b *builder) param(v any) string {
	*b.args = append(*b.args, v)
	return "$" + strconv.Itoa(len(*b.args))
}

func (b *builder) newAlias() string {
	*b.next++
	return "T" + strconv.Itoa(*b.next)
}

func (b *builder) from() string {
	if len(b.joins) == 0 {
		return tableRef(b.root)
	}
	return tableRef(b.root) + " " + strings.Join(b.joins, " ")
}

func (b *builder) rootColumn(f *orm.Field) string {
	return tableRef(b.root) + "." + pq.QuoteIdentifier(f.ColumnName())
}

// column resolves a field path to a column reference, joining every foreign
// key it traverses.
func (b *builder) column(path []string) (string, *orm.Field, error) {
	steps, err := b.root.ResolvePath(path)
	if err != nil {
		return "", nil, err
	}
	ref := tableRef(b.root)
	for i := 0; i < len(steps)-1; i++ {
		ref, err = b.join(steps[:i+1], ref)
		if err != nil {
			return "", nil, err
		}
	}
	f := steps[len(steps)-1].Field
	return ref + "." + pq.QuoteIdentifier(f.ColumnName()), f, nil
}

// join adds a LEFT JOIN for the foreign key ending steps, once per path.
func (b *builder) join(steps []orm.PathStep, from string) (string, error) {
	names := make([]string, len(steps))
	for i, st := range steps {
		names[i] = st.Field.Name
	}
	key := strings.Join(names, orm.LookupSeparator)
	if alias, ok := b.alias[key]; ok {
		return qualify(alias), nil
	}
	last := steps[len(steps)-1]
	target, fk, err := last.Entity.Related(last.Field.Name)
	if err != nil {
		return "", err
	}
	alias := b.newAlias()
	b.alias[key] = alias
	b.joins = append(b.joins, fmt.Sprintf("LEFT JOIN %s AS %s ON %s.%s = %s.%s",
		tableRef(target), qualify(alias),
		from, pq.QuoteIdentifier(fk.ColumnName()),
		qualify(alias), pq.QuoteIdentifier(target.PK().ColumnName())))
	return qualify(alias), nil
}

// reverseJoin joins the records of a reverse relation to the root.
func (b *builder) reverseJoin(rel orm.Relation) string {
	key := "<" + rel.Name
	if alias, ok := b.alias[key]; ok {
		return qualify(alias)
	}
	alias := b.newAlias()
	b.alias[key] = alias
	b.joins = append(b.joins, fmt.Sprintf("LEFT JOIN %s AS %s ON %s.%s = %s",
		tableRef(rel.Source), qualify(alias),
		qualify(alias), pq.QuoteIdentifier(rel.Field.ColumnName()),
		b.rootColumn(b.root.PK())))
	return qualify(alias)
}

// where renders nodes joined with AND; empty when there are none.
func (b *builder) where(nodes []orm.Node) (string, error) {
	parts := make([]string, 0, len(nodes))
	for _, n := range nodes {
		sql, err := b.node(n)
		if err != nil {
			return "", err
		}
		parts = append(parts, sql)
	}
	return strings.Join(parts, " AND "), nil
}

func (b *builder) node(n orm.Node) (string, error) {
	switch v := n.(type) {
	case orm.Condition:
		sql, err := b.condition(v)
		if err != nil {
			return "", err
		}
		if v.Negated {
			return "NOT (" + sql + ")", nil
		}
		return sql, nil
	case *orm.Group:
		if len(v.Children) == 0 {
			if v.Negated {
				return "FALSE", nil
			}
			return "TRUE", nil
		}
		parts := make([]string, 0, len(v.Children))
		for _, ch := range v.Children {
			sql, err := b.node(ch)
			if err != nil {
				return "", err
			}
			parts = append(parts, sql)
		}
		sql := strings.Join(parts, " "+string(v.Connector)+" ")
		if len(parts) > 1 {
			sql = "(" + sql + ")"
		}
		if v.Negated {
			return "NOT (" + sql + ")", nil
		}
		return sql, nil
	}
	return "", fmt.Errorf("sql: unknown node %T", n)
}

var dateParts = map[string]string{
	"year":    "YEAR",
	"month":   "MONTH",
	"day":     "DAY",
	"week":    "WEEK",
	"weekday": "DOW",
}

func (b *builder) condition(c orm.Condition) (string, error) {
	name := strings.Join(c.Path, orm.LookupSeparator)
	def, ok := orm.Lookup(c.Lookup)
	if !ok {
		return "", &orm.UnsupportedLookupError{Table: b.root.Table(), Field: name, Lookup: c.Lookup, Reason: "unknown lookup"}
	}
	col, f, err := b.column(c.Path)
	if err != nil {
		return "", err
	}
	if f.Type == orm.TypeManyToMany && def.Kind != orm.KindIsNull {
		return "", &orm.UnsupportedLookupError{Table: b.root.Table(), Field: name, Lookup: c.Lookup, Reason: "many-to-many fields only support isnull; filter the related entity by pk__in"}
	}

	switch def.Kind {
	case orm.KindIsNull:
		if want, _ := c.Value.(bool); want {
			return col + " IS NULL", nil
		}
		return col + " IS NOT NULL", nil
	case orm.KindEqual:
		if c.Value == nil {
			return col + " IS NULL", nil
		}
		if def.CaseInsensitive {
			text, err := textOperand(f, c.Value)
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("UPPER(%s) = UPPER(%s)", textColumn(col, f), b.param(text)), nil
		}
		v, err := operand(f, c.Value)
		if err != nil {
			return "", err
		}
		return col + " = " + b.param(v), nil
	case orm.KindIn:
		return b.in(col, f, c.Value)
	}

	if c.Value == nil {
		return "NULL", nil
	}

	switch def.Kind {
	case orm.KindPattern:
		op := "LIKE"
		if def.CaseInsensitive {
			op = "ILIKE"
		}
		return fmt.Sprintf("%s %s %s", textColumn(col, f), op, b.param(orm.LikePattern(def, stringify(c.Value)))), nil
	case orm.KindCompare:
		v, err := operand(f, c.Value)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%s %s %s", col, def.Operator, b.param(v)), nil
	case orm.KindRange:
		bounds, ok := orm.Operands(c.Value)
		if !ok || len(bounds) != 2 {
			return "", invalid(f, "range lookup expects two bounds")
		}
		lo, err := operand(f, bounds[0])
		if err != nil {
			return "", err
		}
		hi, err := operand(f, bounds[1])
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%s BETWEEN %s AND %s", col, b.param(lo), b.param(hi)), nil
	case orm.KindRegex:
		op := "~"
		if def.CaseInsensitive {
			op = "~*"
		}
		return fmt.Sprintf("%s %s %s", textColumn(col, f), op, b.param(stringify(c.Value))), nil
	case orm.KindDatePart:
		if !isTemporal(f) {
			return "", invalid(f, def.Name+" lookup requires a date or datetime field")
		}
		n, ok := intOperand(c.Value)
		if !ok {
			return "", invalid(f, fmt.Sprintf("%s lookup expects an integer, got %T", def.Name, c.Value))
		}
		return fmt.Sprintf("EXTRACT(%s FROM %s) %s %s", dateParts[def.DatePart], col, def.Operator, b.param(n)), nil
	case orm.KindDate:
		if !isTemporal(f) {
			return "", invalid(f, "date lookup requires a date or datetime field")
		}
		v, err := (&orm.Field{Name: f.Name, Type: orm.TypeDate}).Clean(c.Value)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("CAST(%s AS DATE) %s %s", col, def.Operator, b.param(v)), nil
	}
	return "", &orm.UnsupportedLookupError{Table: b.root.Table(), Field: name, Lookup: c.Lookup}
}

// in renders "= ANY($n)". An empty list is FALSE; NULL items make a
// non-matching row unknown rather than false.
func (b *builder) in(col string, f *orm.Field, value any) (string, error) {
	items, ok := orm.Operands(value)
	if !ok {
		return "", invalid(f, fmt.Sprintf("in lookup expects a slice, got %T", value))
	}
	if len(items) == 0 {
		return "FALSE", nil
	}
	stored := make([]any, 0, len(items))
	hasNull := false
	for _, item := range items {
		if item == nil {
			hasNull = true
			continue
		}
		v, err := operand(f, item)
		if err != nil {
			return "", err
		}
		stored = append(stored, v)
	}
	if len(stored) == 0 {
		return "NULL", nil
	}
	sql := fmt.Sprintf("%s = ANY(%s)", col, b.param(typedSlice(f, stored)))
	if hasNull {
		sql = "(" + sql + " OR NULL)"
	}
	return sql, nil
}

// distinctOrdering moves the DISTINCT ON fields to the front of ordering,
// as Postgres requires. A field keeps the direction it was ordered by.
func distinctOrdering(fields []string, ordering []orm.Ordering) []orm.Ordering {
	out := make([]orm.Ordering, 0, len(fields)+len(ordering))
	lead := make(map[string]bool, len(fields))
	for _, name := range fields {
		o := orm.ParseOrdering(name)
		for _, existing := range ordering {
			if strings.Join(existing.Path, orm.LookupSeparator) == name {
				o = existing
				break
			}
		}
		lead[name] = true
		out = append(out, o)
	}
	for _, o := range ordering {
		if !lead[strings.Join(o.Path, orm.LookupSeparator)] {
			out = append(out, o)
		}
	}
	return out
}

// orderBy renders the effective ordering. Postgres sorts NULL last
// ascending and first descending, which is the ordering of SortRows.
func (b *builder) orderBy(s *orm.QueryState) (string, error) {
	ordering := s.EffectiveOrdering()
	if len(s.DistinctFields) > 0 {
		ordering = distinctOrdering(s.DistinctFields, ordering)
	}
	if len(ordering) == 0 {
		return "", nil
	}
	annotations := make(map[string]bool, len(s.Annotations))
	for _, a := range s.Annotations {
		annotations[a.Name()] = true
	}
	terms := make([]string, 0, len(ordering))
	for _, o := range ordering {
		var ref string
		if name := strings.Join(o.Path, orm.LookupSeparator); annotations[name] {
			ref = pq.QuoteIdentifier(name)
		} else {
			col, _, err := b.column(o.Path)
			if err != nil {
				return "", err
			}
			ref = col
		}
		if o.Desc {
			terms = append(terms, ref+" DESC")
		} else {
			terms = append(terms, ref+" ASC")
		}
	}
	return strings.Join(terms, ", "), nil
}

var aggFuncs = map[orm.AggFunc]string{
	orm.AggCount: "COUNT(%s)",
	orm.AggSum:   "CAST(SUM(%s) AS DOUBLE PRECISION)",
	orm.AggAvg:   "CAST(AVG(%s) AS DOUBLE PRECISION)",
	orm.AggMin:   "MIN(%s)",
	orm.AggMax:   "MAX(%s)",
}

func aggExpr(fn orm.AggFunc, arg string) (string, error) {
	format, ok := aggFuncs[fn]
	if !ok {
		return "", fmt.Errorf("sql: unknown aggregate %q", fn)
	}
	return fmt.Sprintf(format, arg), nil
}

// aggregation renders a whole-query aggregate over a forward path.
func (b *builder) aggregation(a orm.Aggregation) (string, error) {
	if len(a.Path) == 1 && a.Path[0] == "*" {
		if a.Func != orm.AggCount {
			return "", fmt.Errorf("%w: %s(*)", orm.ErrUnknownField, a.Func)
		}
		return "COUNT(*)", nil
	}
	col, _, err := b.column(a.Path)
	if err != nil {
		return "", err
	}
	return aggExpr(a.Func, col)
}

// annotation renders a per-row aggregate. A path starting with a reverse
// relation aggregates the related records through a join.
func (b *builder) annotation(a orm.Aggregation) (string, error) {
	reg := b.root.Registry()
	if reg == nil {
		return b.aggregation(a)
	}
	rel, ok := reg.ReverseRelation(b.root, a.Path[0])
	if !ok {
		return b.aggregation(a)
	}
	rest := a.Path[1:]
	if len(rest) == 0 {
		rest = []string{rel.Source.PK().Name}
	}
	if len(rest) > 1 {
		return "", &orm.UnsupportedLookupError{Table: b.root.Table(), Field: strings.Join(a.Path, orm.LookupSeparator), Reason: "annotations traverse at most one reverse relation and one field"}
	}
	f, ok := rel.Source.Field(rest[0])
	if !ok {
		return "", fmt.Errorf("%w: %s.%s", orm.ErrUnknownField, rel.Source.Name(), rest[0])
	}
	alias := b.reverseJoin(rel)
	return aggExpr(a.Func, alias+"."+pq.QuoteIdentifier(f.ColumnName()))
}

// selectList renders the selected columns and returns their row keys.
func (b *builder) selectList(s *orm.QueryState) ([]string, []string, error) {
	e := s.Entity
	cols := orm.ProjectedColumns(e, s.Only, s.Defer)
	exprs := make([]string, 0, len(cols)+len(s.Annotations))
	keys := make([]string, 0, len(cols)+len(s.Annotations))
	for _, c := range cols {
		exprs = append(exprs, tableRef(e)+"."+pq.QuoteIdentifier(c))
		keys = append(keys, c)
	}
	for _, a := range s.Annotations {
		expr, err := b.annotation(a)
		if err != nil {
			return nil, nil, err
		}
		exprs = append(exprs, expr+" AS "+pq.QuoteIdentifier(a.Name()))
		keys = append(keys, a.Name())
	}
	return exprs, keys, nil
}

// selectHead renders SELECT with its DISTINCT clause.
func (b *builder) selectHead(s *orm.QueryState) (string, error) {
	if len(s.DistinctFields) > 0 {
		cols := make([]string, len(s.DistinctFields))
		for i, name := range s.DistinctFields {
			col, _, err := b.column(strings.Split(name, orm.LookupSeparator))
			if err != nil {
				return "", err
			}
			cols[i] = col
		}
		return "SELECT DISTINCT ON (" + strings.Join(cols, ", ") + ") ", nil
	}
	if s.Distinct {
		return "SELECT DISTINCT ", nil
	}
	return "SELECT ", nil
}

// selectState compiles the full SELECT of a state.
func (b *builder) selectState(s *orm.QueryState) (string, []string, error) {
	head, err := b.selectHead(s)
	if err != nil {
		return "", nil, err
	}
	exprs, keys, err := b.selectList(s)
	if err != nil {
		return "", nil, err
	}
	tail, err := b.tail(s, len(s.Annotations) > 0)
	if err != nil {
		return "", nil, err
	}
	return head + strings.Join(exprs, ", ") + " FROM " + b.from() + tail, keys, nil
}

// tail renders WHERE, GROUP BY, ORDER BY, LIMIT and OFFSET. It must run
// after every other part so that all joins are known to from().
func (b *builder) tail(s *orm.QueryState, grouped bool) (string, error) {
	var out strings.Builder
	where, err := b.where(s.Where)
	if err != nil {
		return "", err
	}
	if where != "" {
		out.WriteString(" WHERE " + where)
	}
	if grouped {
		out.WriteString(" GROUP BY " + b.rootColumn(s.Entity.PK()))
	}
	order, err := b.orderBy(s)
	if err != nil {
		return "", err
	}
	if order != "" {
		out.WriteString(" ORDER BY " + order)
	}
	if s.Limit >= 0 {
		out.WriteString(" LIMIT " + b.param(int64(s.Limit)))
	}
	if s.Offset > 0 {
		out.WriteString(" OFFSET " + b.param(int64(s.Offset)))
	}
	return out.String(), nil
}

// windowed reports whether a state selects a slice or distinct rows, which
// write and aggregate statements express through a key subquery.
func windowed(s *orm.QueryState) bool {
	return s.Limit >= 0 || s.Offset > 0 || s.Distinct || len(s.DistinctFields) > 0
}

// keyFilter renders a predicate restricting the root table to the rows a
// state selects: the state's own WHERE when it needs no joins or window,
// otherwise "pk IN (subquery)".
func (b *builder) keyFilter(s *orm.QueryState) (string, error) {
	if !windowed(s) {
		probe := newBuilder(s.Entity)
		if _, err := probe.where(s.Where); err != nil {
			return "", err
		}
		if len(probe.joins) == 0 {
			return b.where(s.Where)
		}
	}
	inner := b.sub()
	state := s.Clone()
	state.Annotations = nil
	head := "SELECT "
	if len(state.DistinctFields) > 0 {
		var err error
		if head, err = inner.selectHead(state); err != nil {
			return "", err
		}
	}
	pk := inner.rootColumn(s.Entity.PK())
	tail, err := inner.tail(state, false)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s IN (%s%s FROM %s%s)", b.rootColumn(s.Entity.PK()), head, pk, inner.from(), tail), nil
}

// Select compiles the rows of a state.
func (Compiler) Select(s *orm.QueryState) (Query, error) {
	b := newBuilder(s.Entity)
	sql, keys, err := b.selectState(s)
	if err != nil {
		return Query{}, err
	}
	return Query{Statement: Statement{SQL: sql, Args: *b.args}, Columns: keys}, nil
}

// Count compiles the number of rows a state selects. Windowed states are
// counted through a subquery.
func (Compiler) Count(s *orm.QueryState) (Statement, error) {
	b := newBuilder(s.Entity)
	if windowed(s) {
		state := s.Clone()
		state.Annotations = nil
		inner, _, err := b.selectState(state)
		if err != nil {
			return Statement{}, err
		}
		return Statement{SQL: "SELECT COUNT(*) FROM (" + inner + ") AS " + qualify("subquery"), Args: *b.args}, nil
	}
	where, err := b.where(s.Where)
	if err != nil {
		return Statement{}, err
	}
	sql := "SELECT COUNT(*) FROM " + b.from()
	if where != "" {
		sql += " WHERE " + where
	}
	return Statement{SQL: sql, Args: *b.args}, nil
}

// Aggregate compiles aggregations over the rows a state selects. The
// result columns are keyed by aggregation name.
func (Compiler) Aggregate(s *orm.QueryState, aggs []orm.Aggregation) (Query, error) {
	b := newBuilder(s.Entity)
	exprs := make([]string, len(aggs))
	keys := make([]string, len(aggs))
	for i, a := range aggs {
		expr, err := b.aggregation(a)
		if err != nil {
			return Query{}, err
		}
		exprs[i] = expr + " AS " + pq.QuoteIdentifier(a.Name())
		keys[i] = a.Name()
	}
	var where string
	var err error
	if windowed(s) {
		where, err = b.keyFilter(s)
	} else {
		where, err = b.where(s.Where)
	}
	if err != nil {
		return Query{}, err
	}
	sql := "SELECT " + strings.Join(exprs, ", ") + " FROM " + b.from()
	if where != "" {
		sql += " WHERE " + where
	}
	return Query{Statement: Statement{SQL: sql, Args: *b.args}, Columns: keys}, nil
}

// Exists compiles a key lookup returning one boolean.
func (Compiler) Exists(e *orm.Entity, pk any) Statement {
	b := newBuilder(e)
	return Statement{
		SQL:  fmt.Sprintf("SELECT EXISTS (SELECT 1 FROM %s WHERE %s = %s)", tableRef(e), b.rootColumn(e.PK()), b.param(pk)),
		Args: *b.args,
	}
}

// GetByKey compiles the selection of one record by primary key.
func (Compiler) GetByKey(e *orm.Entity, pk any) Query {
	b := newBuilder(e)
	cols := orm.ProjectedColumns(e, nil, nil)
	exprs := make([]string, len(cols))
	for i, c := range cols {
		exprs[i] = tableRef(e) + "." + pq.QuoteIdentifier(c)
	}
	sql := fmt.Sprintf("SELECT %s FROM %s WHERE %s = %s", strings.Join(exprs, ", "), tableRef(e), b.rootColumn(e.PK()), b.param(pk))
	return Query{Statement: Statement{SQL: sql, Args: *b.args}, Columns: cols}
}

// rowColumns returns the columns of row in field order.
func rowColumns(e *orm.Entity, row orm.Row) []string {
	var cols []string
	for _, f := range e.Fields() {
		if _, ok := row[f.ColumnName()]; ok {
			cols = append(cols, f.ColumnName())
		}
	}
	return cols
}

// Insert compiles a single-row INSERT returning the primary key. A nil
// primary key is left to the column default.
func (c Compiler) Insert(e *orm.Entity, row orm.Row) Statement {
	return c.BulkInsert(e, []orm.Row{row})
}

// BulkInsert compiles a multi-row INSERT returning the primary keys in row
// order. Columns missing from a row take their DEFAULT.
func (Compiler) BulkInsert(e *orm.Entity, rows []orm.Row) Statement {
	b := newBuilder(e)
	pkCol := e.PK().ColumnName()
	present := make(map[string]bool)
	for _, row := range rows {
		for col, v := range row {
			if col == pkCol && v == nil {
				continue
			}
			present[col] = true
		}
	}
	var cols []string
	for _, f := range e.Fields() {
		if present[f.ColumnName()] {
			cols = append(cols, f.ColumnName())
		}
	}
	returning := " RETURNING " + qualify(pkCol)
	if len(cols) == 0 && len(rows) == 1 {
		return Statement{SQL: "INSERT INTO " + tableRef(e) + " DEFAULT VALUES" + returning}
	}

	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = pq.QuoteIdentifier(c)
	}
	tuples := make([]string, len(rows))
	for i, row := range rows {
		values := make([]string, len(cols))
		for j, c := range cols {
			v, ok := row[c]
			if !ok || (c == pkCol && v == nil) {
				values[j] = "DEFAULT"
				continue
			}
			values[j] = b.param(pgValue(e, c, v))
		}
		tuples[i] = "(" + strings.Join(values, ", ") + ")"
	}
	sql := fmt.Sprintf("INSERT INTO %s (%s) VALUES %s%s", tableRef(e), strings.Join(quoted, ", "), strings.Join(tuples, ", "), returning)
	return Statement{SQL: sql, Args: *b.args}
}

func (b *builder) assignments(e *orm.Entity, row orm.Row) []string {
	var sets []string
	for _, col := range rowColumns(e, row) {
		if col == e.PK().ColumnName() {
			continue
		}
		sets = append(sets, pq.QuoteIdentifier(col)+" = "+b.param(pgValue(e, col, row[col])))
	}
	return sets
}

// Update compiles a single-row UPDATE by primary key. ok is false when row
// has nothing to set.
func (Compiler) Update(e *orm.Entity, pk any, row orm.Row) (Statement, bool) {
	b := newBuilder(e)
	sets := b.assignments(e, row)
	if len(sets) == 0 {
		return Statement{}, false
	}
	sql := fmt.Sprintf("UPDATE %s SET %s WHERE %s = %s", tableRef(e), strings.Join(sets, ", "), b.rootColumn(e.PK()), b.param(pk))
	return Statement{SQL: sql, Args: *b.args}, true
}

// Delete compiles a single-row DELETE by primary key.
func (Compiler) Delete(e *orm.Entity, pk any) Statement {
	b := newBuilder(e)
	return Statement{
		SQL:  fmt.Sprintf("DELETE FROM %s WHERE %s = %s", tableRef(e), b.rootColumn(e.PK()), b.param(pk)),
		Args: *b.args,
	}
}

// UpdateMany compiles an UPDATE of every row a state selects. row holds
// storage values keyed by column; ok is false when it has nothing to set.
func (Compiler) UpdateMany(s *orm.QueryState, row orm.Row) (stmt Statement, ok bool, err error) {
	b := newBuilder(s.Entity)
	sets := b.assignments(s.Entity, row)
	if len(sets) == 0 {
		return Statement{}, false, nil
	}
	where, err := b.keyFilter(s)
	if err != nil {
		return Statement{}, false, err
	}
	sql := fmt.Sprintf("UPDATE %s SET %s", tableRef(s.Entity), strings.Join(sets, ", "))
	if where != "" {
		sql += " WHERE " + where
	}
	return Statement{SQL: sql, Args: *b.args}, true, nil
}

// DeleteMany compiles a DELETE of every row a state selects.
func (Compiler) DeleteMany(s *orm.QueryState) (Statement, error) {
	b := newBuilder(s.Entity)
	where, err := b.keyFilter(s)
	if err != nil {
		return Statement{}, err
	}
	sql := "DELETE FROM " + tableRef(s.Entity)
	if where != "" {
		sql += " WHERE " + where
	}
	return Statement{SQL: sql, Args: *b.args}, nil
}
