package orm_test

import (
	"reflect"
	"testing"

	"github.com/jacentio/strata/orm"
)

func TestParseLookup(t *testing.T) {
	tests := []struct {
		key        string
		wantPath   []string
		wantLookup string
	}{
		{"title", []string{"title"}, "exact"},
		{"title__icontains", []string{"title"}, "icontains"},
		{"author__name", []string{"author", "name"}, "exact"},
		{"author__name__startswith", []string{"author", "name"}, "startswith"},
		{"published_at__year", []string{"published_at"}, "year"},
		{"pk__in", []string{"pk"}, "in"},
		{"author__publisher__name__iexact", []string{"author", "publisher", "name"}, "iexact"},
		{"isnull", []string{"isnull"}, "exact"},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			path, lookup := orm.ParseLookup(tt.key)
			if !reflect.DeepEqual(path, tt.wantPath) {
				t.Errorf("expected path %v, got %v", tt.wantPath, path)
			}
			if lookup != tt.wantLookup {
				t.Errorf("expected lookup %q, got %q", tt.wantLookup, lookup)
			}
		})
	}
}

func TestLookupsConditionsSorted(t *testing.T) {
	conds := orm.Lookups{"b__gt": 1, "a": 2, "c__in": []int{1}}.Conditions()
	var keys []string
	for _, c := range conds {
		keys = append(keys, c.Key())
	}
	expected := []string{"a__exact", "b__gt", "c__in"}
	if !reflect.DeepEqual(keys, expected) {
		t.Errorf("expected %v, got %v", expected, keys)
	}
}

func TestLookupVocabulary(t *testing.T) {
	expected := []string{
		"contains", "date", "day", "endswith", "exact", "gt", "gte", "icontains", "iendswith", "iexact",
		"in", "iregex", "isnull", "istartswith", "lt", "lte", "month", "range", "regex", "startswith",
		"week", "weekday", "year",
	}
	if got := orm.LookupNames(); !reflect.DeepEqual(got, expected) {
		t.Errorf("expected %v, got %v", expected, got)
	}
}

func TestLikePattern(t *testing.T) {
	tests := []struct {
		lookup   string
		value    string
		expected string
	}{
		{"contains", "hello", "%hello%"},
		{"icontains", "50%_off", `%50\%\_off%`},
		{"startswith", `a\b`, `a\\b%`},
		{"iendswith", "end", "%end"},
	}

	for _, tt := range tests {
		def, _ := orm.Lookup(tt.lookup)
		if got := orm.LikePattern(def, tt.value); got != tt.expected {
			t.Errorf("%s(%q): expected %q, got %q", tt.lookup, tt.value, tt.expected, got)
		}
	}
}

func TestExcludeNegatesEveryCondition(t *testing.T) {
	lib := newLibrary(t)
	qs := orm.NewQuerySet(lib.Book, nil).Exclude(orm.Lookups{"title": "x", "pages__gt": 3})
	conds := qs.State().Conditions()
	if len(conds) != 2 {
		t.Fatalf("expected 2 conditions, got %d", len(conds))
	}
	for _, c := range conds {
		if !c.Negated {
			t.Errorf("expected %s to be negated", c.Key())
		}
	}
}
