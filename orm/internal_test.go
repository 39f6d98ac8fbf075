package orm

import (
	"testing"
	"time"
)

func TestKleeneLogic(t *testing.T) {
	tests := []struct {
		a, b    tribool
		and, or tribool
		notOfA  tribool
	}{
		{isTrue, isTrue, isTrue, isTrue, isFalse},
		{isTrue, unknown, unknown, isTrue, isFalse},
		{isFalse, unknown, isFalse, unknown, isTrue},
		{unknown, unknown, unknown, unknown, unknown},
		{isFalse, isFalse, isFalse, isFalse, isTrue},
	}

	for _, tt := range tests {
		if got := and3(tt.a, tt.b); got != tt.and {
			t.Errorf("and(%d, %d): expected %d, got %d", tt.a, tt.b, tt.and, got)
		}
		if got := or3(tt.a, tt.b); got != tt.or {
			t.Errorf("or(%d, %d): expected %d, got %d", tt.a, tt.b, tt.or, got)
		}
		if got := tt.a.not(); got != tt.notOfA {
			t.Errorf("not(%d): expected %d, got %d", tt.a, tt.notOfA, got)
		}
	}
}

func TestEvalLookupNulls(t *testing.T) {
	f := Int("n", Nullable())
	tests := []struct {
		lookup   string
		value    any
		operand  any
		expected tribool
	}{
		{"exact", nil, nil, isTrue},
		{"exact", int64(1), nil, isFalse},
		{"exact", nil, 1, unknown},
		{"gt", nil, 1, unknown},
		{"isnull", nil, true, isTrue},
		{"isnull", nil, false, isFalse},
		{"in", nil, []int{}, isFalse},
		{"in", nil, []int{1}, unknown},
		{"in", int64(2), []any{1, nil}, unknown},
		{"in", int64(1), []any{1, nil}, isTrue},
		{"range", int64(5), []int{1, 5}, isTrue},
	}

	for _, tt := range tests {
		def, _ := Lookup(tt.lookup)
		got, err := evalLookup(f, def, tt.value, tt.operand)
		if err != nil {
			t.Errorf("%s(%v, %v): unexpected error %v", tt.lookup, tt.value, tt.operand, err)
			continue
		}
		if got != tt.expected {
			t.Errorf("%s(%v, %v): expected %d, got %d", tt.lookup, tt.value, tt.operand, tt.expected, got)
		}
	}
}

func TestCompareValues(t *testing.T) {
	early := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		a, b     any
		expected int
		ok       bool
	}{
		{int64(1), 2.5, -1, true},
		{3.0, int64(3), 0, true},
		{int64(1) << 62, int64(1)<<62 + 1, -1, true},
		{"b", "a", 1, true},
		{early, early.Add(time.Second), -1, true},
		{false, true, -1, true},
		{"1", int64(1), 0, false},
	}

	for _, tt := range tests {
		got, ok := compareValues(tt.a, tt.b)
		if ok != tt.ok || (ok && got != tt.expected) {
			t.Errorf("compare(%v, %v): expected %d/%v, got %d/%v", tt.a, tt.b, tt.expected, tt.ok, got, ok)
		}
	}
}

func TestDatePart(t *testing.T) {
	d := time.Date(2024, 12, 30, 0, 0, 0, 0, time.UTC)
	tests := map[string]int64{"year": 2024, "month": 12, "day": 30, "week": 1, "weekday": 1}
	for part, expected := range tests {
		if got := DatePart(d, part); got != expected {
			t.Errorf("%s: expected %d, got %d", part, expected, got)
		}
	}
}

func TestEffectiveOrdering(t *testing.T) {
	e := Define("Event", func(*Entity) []*Field { return []*Field{DateTime("at")} }, WithOrdering("-at"))
	s := NewQueryState(e)
	if got := s.EffectiveOrdering(); len(got) != 1 || got[0].String() != "-at" {
		t.Errorf("expected default ordering -at, got %v", got)
	}
	s.Reversed = true
	if got := s.EffectiveOrdering(); got[0].String() != "at" {
		t.Errorf("expected reversed default ordering at, got %v", got)
	}

	plain := NewQueryState(Define("Plain", nil))
	plain.Reversed = true
	if got := plain.EffectiveOrdering(); len(got) != 1 || got[0].String() != "-id" {
		t.Errorf("expected primary key descending, got %v", got)
	}
}

func TestAggregateSkipsNulls(t *testing.T) {
	values := []any{int64(2), nil, int64(4)}
	if got := aggregate(AggCount, values); got != int64(2) {
		t.Errorf("count: expected 2, got %v", got)
	}
	if got := aggregate(AggAvg, values); got != 3.0 {
		t.Errorf("avg: expected 3, got %v", got)
	}
	if got := aggregate(AggMax, values); got != int64(4) {
		t.Errorf("max: expected 4, got %v", got)
	}
	if got := aggregate(AggSum, []any{nil}); got != nil {
		t.Errorf("sum of nulls: expected nil, got %v", got)
	}
}
