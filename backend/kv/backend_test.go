package kv_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jacentio/strata/backend/kv"
	"github.com/jacentio/strata/backend/kv/kvtest"
	"github.com/jacentio/strata/internal/testutil"
	"github.com/jacentio/strata/orm"
)

var epoch = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func TestMemoryEngine(t *testing.T) {
	kvtest.Run(t, func(t *testing.T) kv.Engine { return kv.NewMemoryEngine() })
}

type fixture struct {
	*testutil.Library
	engine *kv.MemoryEngine
	db     *kv.Backend
	ctx    context.Context
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	engine := kv.NewMemoryEngine()
	db := kv.New(engine, kv.DefaultConfig())
	ctx := context.Background()
	if err := db.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	return &fixture{
		Library: testutil.NewLibrary(orm.WithClock(testutil.FixedClock(epoch))),
		engine:  engine,
		db:      db,
		ctx:     ctx,
	}
}

func (f *fixture) create(t *testing.T, e *orm.Entity, values map[string]any) *orm.Instance {
	t.Helper()
	inst, err := e.Objects(f.db).Create(f.ctx, values)
	if err != nil {
		t.Fatalf("create %s %v: %v", e.Name(), values, err)
	}
	return inst
}

func (f *fixture) partition(t *testing.T, parts ...string) []kv.Entry {
	t.Helper()
	entries, err := f.engine.List(f.ctx, parts)
	if err != nil {
		t.Fatalf("list %v: %v", parts, err)
	}
	return entries
}

func TestIndexValuesAreStoredAsPlainText(t *testing.T) {
	f := newFixture(t)
	ursula := f.create(t, f.Author, map[string]any{"name": "Ursula"})
	f.create(t, f.Book, map[string]any{"title": "Dune", "author": ursula})
	f.create(t, f.Tag, map[string]any{"label": ""})
	f.create(t, f.Author, map[string]any{"name": "\x00null"})

	tests := []struct {
		name  string
		parts []string
		item  string
	}{
		{"string", []string{"author__name", "Ursula"}, "1"},
		{"foreign key", []string{"book__author", "1"}, "1"},
		{"empty unique value", []string{"tag__unique__label"}, ""},
		{"value shaped like null", []string{"author__name", "\x00\x00null"}, "2"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := f.partition(t, tt.parts...)
			if len(got) != 1 || got[0].Key.Item != tt.item {
				t.Errorf("expected one entry %q, got %v", tt.item, got)
			}
		})
	}

	if _, err := f.Tag.Objects(f.db).Create(f.ctx, map[string]any{"label": ""}); !errors.Is(err, orm.ErrConstraintViolation) {
		t.Errorf("expected the empty label taken, got %v", err)
	}
	n, err := f.Author.Objects(f.db).Filter(orm.Lookups{"name": "\x00null"}).Count(f.ctx)
	if err != nil || n != 1 {
		t.Errorf("expected one author named like the null value, got %d (%v)", n, err)
	}
}

func TestSequenceKeys(t *testing.T) {
	f := newFixture(t)
	for want := int64(1); want <= 3; want++ {
		tag := f.create(t, f.Tag, map[string]any{"label": string(rune('a' + want))})
		if tag.PK() != want {
			t.Errorf("expected pk %d, got %v", want, tag.PK())
		}
	}
}

func TestIndexEntriesFollowWrites(t *testing.T) {
	f := newFixture(t)
	author := f.create(t, f.Author, map[string]any{"name": "Ursula"})

	if got := f.partition(t, "author__name", "Ursula"); len(got) != 1 || got[0].Key.Item != "1" {
		t.Fatalf("expected index entry for Ursula -> 1, got %v", got)
	}

	author.Set("name", "Ursula K.")
	if err := author.Save(f.ctx); err != nil {
		t.Fatalf("save: %v", err)
	}
	if got := f.partition(t, "author__name", "Ursula"); len(got) != 0 {
		t.Errorf("expected old index entry removed, got %v", got)
	}
	if got := f.partition(t, "author__name", "Ursula K."); len(got) != 1 {
		t.Errorf("expected new index entry, got %v", got)
	}

	if err := author.Delete(f.ctx); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if got := f.partition(t, "author__name", "Ursula K."); len(got) != 0 {
		t.Errorf("expected index entry removed with the record, got %v", got)
	}
	if got := f.partition(t, "author"); len(got) != 0 {
		t.Errorf("expected no records, got %v", got)
	}
}

func TestFilterUsesIndex(t *testing.T) {
	f := newFixture(t)
	ursula := f.create(t, f.Author, map[string]any{"name": "Ursula"})
	iain := f.create(t, f.Author, map[string]any{"name": "Iain"})
	for _, b := range []struct {
		title  string
		author *orm.Instance
	}{{"Left Hand", ursula}, {"Wizard", ursula}, {"Consider Phlebas", iain}} {
		f.create(t, f.Book, map[string]any{"title": b.title, "author": b.author})
	}

	tests := []struct {
		name     string
		lookups  orm.Lookups
		expected []string
	}{
		{"indexed string", orm.Lookups{"title": "Wizard"}, []string{"Wizard"}},
		{"indexed foreign key", orm.Lookups{"author": ursula.PK()}, []string{"Left Hand", "Wizard"}},
		{"foreign key by instance", orm.Lookups{"author__exact": iain}, []string{"Consider Phlebas"}},
		{"index and key", orm.Lookups{"author": ursula.PK(), "pk__gt": 1}, []string{"Wizard"}},
		{"primary key in", orm.Lookups{"pk__in": []int{3, 1, 9}}, []string{"Left Hand", "Consider Phlebas"}},
		{"primary key range", orm.Lookups{"pk__gte": 2}, []string{"Wizard", "Consider Phlebas"}},
		{"no match", orm.Lookups{"title": "Nope"}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			books, err := f.Book.Objects(f.db).Filter(tt.lookups).OrderBy("pk").Fetch(f.ctx)
			if err != nil {
				t.Fatalf("fetch: %v", err)
			}
			var got []string
			for _, b := range books {
				got = append(got, b.Get("title").(string))
			}
			if len(got) != len(tt.expected) {
				t.Fatalf("expected %v, got %v", tt.expected, got)
			}
			for i := range got {
				if got[i] != tt.expected[i] {
					t.Errorf("expected %v, got %v", tt.expected, got)
					break
				}
			}
		})
	}
}

func TestUnsupportedLookupNamesField(t *testing.T) {
	f := newFixture(t)
	f.create(t, f.Author, map[string]any{"name": "Ursula"})
	objects := f.Book.Objects(f.db)

	tests := []struct {
		name  string
		qs    *orm.QuerySet
		field string
	}{
		{"unindexed field", objects.Filter(orm.Lookups{"pages": 10}), "pages"},
		{"non-exact lookup", objects.Filter(orm.Lookups{"title__icontains": "a"}), "title"},
		{"negated indexed field", objects.Exclude(orm.Lookups{"title": "a"}), "title"},
		{"relation traversal", objects.Filter(orm.Lookups{"author__name": "Ursula"}), "author__name"},
		{"or group", objects.Where(orm.Or(orm.Q(orm.Lookups{"title": "a"}), orm.Q(orm.Lookups{"title": "b"}))), "title"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.qs.Fetch(f.ctx)
			if !errors.Is(err, orm.ErrUnsupportedLookup) {
				t.Fatalf("expected ErrUnsupportedLookup, got %v", err)
			}
			var lookupErr *orm.UnsupportedLookupError
			if !errors.As(err, &lookupErr) {
				t.Fatalf("expected *UnsupportedLookupError, got %T", err)
			}
			if lookupErr.Field != tt.field {
				t.Errorf("expected field %q, got %q", tt.field, lookupErr.Field)
			}
		})
	}
}

func TestExcludeOnPrimaryKey(t *testing.T) {
	f := newFixture(t)
	for _, label := range []string{"a", "b", "c"} {
		f.create(t, f.Tag, map[string]any{"label": label})
	}
	n, err := f.Tag.Objects(f.db).Exclude(orm.Lookups{"pk": 2}).Count(f.ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2, got %d", n)
	}
}

func TestUniqueConstraint(t *testing.T) {
	f := newFixture(t)
	objects := f.Publisher.Objects(f.db)
	tor := f.create(t, f.Publisher, map[string]any{"name": "Tor"})

	_, err := objects.Create(f.ctx, map[string]any{"name": "Tor"})
	if !errors.Is(err, orm.ErrConstraintViolation) {
		t.Fatalf("expected ErrConstraintViolation, got %v", err)
	}
	if !errors.Is(err, kv.ErrDuplicateValue) {
		t.Errorf("expected ErrDuplicateValue in chain, got %v", err)
	}
	var cv *orm.ConstraintViolationError
	if errors.As(err, &cv) && cv.Field != "name" {
		t.Errorf("expected field name, got %q", cv.Field)
	}
	if got := f.partition(t, "publisher"); len(got) != 1 {
		t.Errorf("expected the failed insert to write nothing, got %d records", len(got))
	}

	tor.Set("name", "Tor Books")
	if err := tor.Save(f.ctx); err != nil {
		t.Fatalf("rename: %v", err)
	}
	if _, err := objects.Create(f.ctx, map[string]any{"name": "Tor"}); err != nil {
		t.Errorf("expected released value to be reusable, got %v", err)
	}
}

func TestUniqueAllowsManyNulls(t *testing.T) {
	f := newFixture(t)
	f.create(t, f.Author, map[string]any{"name": "A"})
	f.create(t, f.Author, map[string]any{"name": "B"})
	_, err := f.Author.Objects(f.db).Create(f.ctx, map[string]any{"name": "C", "email": "c@example.com"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	_, err = f.Author.Objects(f.db).Create(f.ctx, map[string]any{"name": "D", "email": "c@example.com"})
	if !errors.Is(err, orm.ErrConstraintViolation) {
		t.Errorf("expected duplicate email rejected, got %v", err)
	}
}

func TestBulkCreateIsAtomic(t *testing.T) {
	f := newFixture(t)
	_, err := f.Tag.Objects(f.db).BulkCreate(f.ctx, []map[string]any{
		{"label": "x"}, {"label": "y"}, {"label": "x"},
	})
	if !errors.Is(err, orm.ErrConstraintViolation) {
		t.Fatalf("expected ErrConstraintViolation, got %v", err)
	}
	if got := f.partition(t, "tag"); len(got) != 0 {
		t.Errorf("expected no records written, got %d", len(got))
	}
}

func TestUpdateAndDeleteMany(t *testing.T) {
	f := newFixture(t)
	author := f.create(t, f.Author, map[string]any{"name": "Ursula"})
	for _, title := range []string{"A", "B", "C"} {
		f.create(t, f.Book, map[string]any{"title": title, "author": author, "pages": 100})
	}
	books := f.Book.Objects(f.db)

	n, err := books.Filter(orm.Lookups{"pk__in": []int{1, 2}}).Update(f.ctx, map[string]any{"title": "Z", "pages": 5})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 updated, got %d", n)
	}
	if got := f.partition(t, "book__title", "Z"); len(got) != 2 {
		t.Errorf("expected 2 entries under the new title, got %d", len(got))
	}
	if got := f.partition(t, "book__title", "A"); len(got) != 0 {
		t.Errorf("expected old title entry moved, got %v", got)
	}

	agg, err := books.All().Aggregate(f.ctx, orm.Sum("pages"), orm.Count("*").As("n"))
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	if agg["pages__sum"] != 110.0 || agg["n"] != int64(3) {
		t.Errorf("expected sum 110 over 3 books, got %v", agg)
	}

	deleted, err := books.Filter(orm.Lookups{"title": "Z"}).Delete(f.ctx)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if deleted != 2 {
		t.Errorf("expected 2 deleted, got %d", deleted)
	}
	if got := f.partition(t, "book__author", "1"); len(got) != 1 {
		t.Errorf("expected 1 author entry left, got %d", len(got))
	}
}

func TestAnnotateReverseRelation(t *testing.T) {
	f := newFixture(t)
	ursula := f.create(t, f.Author, map[string]any{"name": "Ursula"})
	f.create(t, f.Author, map[string]any{"name": "Iain"})
	f.create(t, f.Book, map[string]any{"title": "A", "author": ursula})
	f.create(t, f.Book, map[string]any{"title": "B", "author": ursula})

	authors, err := f.Author.Objects(f.db).All().Annotate(orm.Count("books")).OrderBy("pk").Fetch(f.ctx)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	want := []int64{2, 0}
	for i, a := range authors {
		if got, _ := a.Annotation("books__count"); got != want[i] {
			t.Errorf("%s: expected %d books, got %v", a.Get("name"), want[i], got)
		}
	}
}

func TestOrderingLimitOffset(t *testing.T) {
	f := newFixture(t)
	for _, label := range []string{"c", "a", "d", "b"} {
		f.create(t, f.Tag, map[string]any{"label": label})
	}
	tags, err := f.Tag.Objects(f.db).OrderBy("-label").Offset(1).Limit(2).Fetch(f.ctx)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(tags) != 2 || tags[0].Get("label") != "c" || tags[1].Get("label") != "b" {
		t.Errorf("expected [c b], got %v", tags)
	}
	last, err := f.Tag.Objects(f.db).All().Last(f.ctx)
	if err != nil {
		t.Fatalf("last: %v", err)
	}
	if last.Get("label") != "b" {
		t.Errorf("expected last by pk to be b, got %v", last.Get("label"))
	}
}

func TestValuesRoundTripThroughEngine(t *testing.T) {
	f := newFixture(t)
	author := f.create(t, f.Author, map[string]any{"name": "Ursula", "born": "1929-10-21"})
	f.create(t, f.Book, map[string]any{
		"title":        "Left Hand",
		"author":       author,
		"rating":       4.5,
		"meta":         map[string]any{"awards": []any{"Hugo", "Nebula"}},
		"published_at": "1969-03-01T00:00:00Z",
	})

	book, err := f.Book.Objects(f.db).Get(f.ctx, orm.Lookups{"pk": 1})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if book.Get("rating") != 4.5 || book.Get("in_print") != true || book.Get("author") != int64(1) {
		t.Errorf("unexpected values %v", book.Values())
	}
	if got := book.Get("published_at"); got != time.Date(1969, 3, 1, 0, 0, 0, 0, time.UTC) {
		t.Errorf("expected published_at 1969-03-01, got %v", got)
	}
	meta, _ := book.Get("meta").(map[string]any)
	if awards, _ := meta["awards"].([]any); len(awards) != 2 {
		t.Errorf("expected two awards, got %v", meta)
	}
	if book.Get("created_at") != epoch {
		t.Errorf("expected created_at %v, got %v", epoch, book.Get("created_at"))
	}
}

func TestNotConnected(t *testing.T) {
	lib := testutil.NewLibrary()
	db := kv.New(kv.NewMemoryEngine(), kv.DefaultConfig())
	_, err := lib.Tag.Objects(db).All().Fetch(context.Background())
	if !errors.Is(err, orm.ErrNotConnected) {
		t.Errorf("expected ErrNotConnected before Connect, got %v", err)
	}
	if err := db.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := db.Disconnect(context.Background()); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if _, err := db.Count(context.Background(), orm.NewQueryState(lib.Tag)); !errors.Is(err, orm.ErrNotConnected) {
		t.Errorf("expected ErrNotConnected after Disconnect, got %v", err)
	}
}

func TestPrefixIsolatesApplications(t *testing.T) {
	engine := kv.NewMemoryEngine()
	ctx := context.Background()
	lib := testutil.NewLibrary()

	cfg := kv.DefaultConfig()
	cfg.Prefix = "app1#"
	one := kv.New(engine, cfg)
	two := kv.New(engine, kv.DefaultConfig())
	one.Connect(ctx)
	two.Connect(ctx)

	if _, err := lib.Tag.Objects(one).Create(ctx, map[string]any{"label": "x"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if n, _ := lib.Tag.Objects(two).All().Count(ctx); n != 0 {
		t.Errorf("expected unprefixed backend to see nothing, got %d", n)
	}
	if entries, _ := engine.List(ctx, []string{"app1tag"}); len(entries) != 1 {
		t.Errorf("expected record under prefixed partition, got %v", entries)
	}
}
