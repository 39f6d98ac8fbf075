package document_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/jacentio/strata/backend/document"
	"github.com/jacentio/strata/internal/testutil"
	"github.com/jacentio/strata/orm"
)

var epoch = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	*testutil.Library
	db  *document.Backend
	ctx context.Context
}

func open(t *testing.T) *document.Backend {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "docs.db") + "?_busy_timeout=5000&_txlock=immediate"
	db, err := document.Open(dsn, document.DefaultConfig())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	return db
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := open(t)
	ctx := context.Background()
	if err := db.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { db.Disconnect(ctx) })
	return &fixture{
		Library: testutil.NewLibrary(orm.WithClock(testutil.FixedClock(epoch))),
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

func (f *fixture) count(t *testing.T, e *orm.Entity) int64 {
	t.Helper()
	n, err := e.Objects(f.db).All().Count(f.ctx)
	if err != nil {
		t.Fatalf("count %s: %v", e.Name(), err)
	}
	return n
}

func titles(books []*orm.Instance) []string {
	var out []string
	for _, b := range books {
		out = append(out, b.Get("title").(string))
	}
	return out
}

func TestIntegerKeys(t *testing.T) {
	f := newFixture(t)
	for want := int64(1); want <= 3; want++ {
		tag := f.create(t, f.Tag, map[string]any{"label": string(rune('a' + want))})
		if tag.PK() != want {
			t.Errorf("expected pk %d, got %v", want, tag.PK())
		}
	}
	tag, err := f.Tag.Objects(f.db).Get(f.ctx, orm.Lookups{"pk": 2})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if tag.Get("label") != "c" {
		t.Errorf("expected label c, got %v", tag.Get("label"))
	}
	if err := tag.Delete(f.ctx); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if next := f.create(t, f.Tag, map[string]any{"label": "z"}); next.PK() != int64(4) {
		t.Errorf("expected pk 4 after deleting a middle key, got %v", next.PK())
	}
}

func TestFilterAndOrder(t *testing.T) {
	f := newFixture(t)
	tor := f.create(t, f.Publisher, map[string]any{"name": "Tor"})
	ursula := f.create(t, f.Author, map[string]any{"name": "Ursula", "publisher": tor})
	iain := f.create(t, f.Author, map[string]any{"name": "Iain"})
	for _, b := range []struct {
		title  string
		pages  any
		author *orm.Instance
	}{
		{"The Left Hand of Darkness", 304, ursula},
		{"A Wizard of Earthsea", 183, ursula},
		{"Consider Phlebas", 471, iain},
		{"Excession", nil, iain},
	} {
		f.create(t, f.Book, map[string]any{"title": b.title, "pages": b.pages, "author": b.author})
	}

	tests := []struct {
		name     string
		qs       *orm.QuerySet
		expected []string
	}{
		{"icontains", f.Book.Objects(f.db).Filter(orm.Lookups{"title__icontains": "of"}).OrderBy("title"),
			[]string{"A Wizard of Earthsea", "The Left Hand of Darkness"}},
		{"relation traversal", f.Book.Objects(f.db).Filter(orm.Lookups{"author__publisher__name": "Tor"}).OrderBy("-pages"),
			[]string{"The Left Hand of Darkness", "A Wizard of Earthsea"}},
		{"isnull", f.Book.Objects(f.db).Filter(orm.Lookups{"pages__isnull": true}), []string{"Excession"}},
		{"exclude skips nulls", f.Book.Objects(f.db).Exclude(orm.Lookups{"pages__gt": 300}).OrderBy("pk"),
			[]string{"A Wizard of Earthsea"}},
		{"or group", f.Book.Objects(f.db).Where(orm.Or(
			orm.Q(orm.Lookups{"title__startswith": "Con"}),
			orm.Q(orm.Lookups{"pages__lt": 200}),
		)).OrderBy("pk"), []string{"A Wizard of Earthsea", "Consider Phlebas"}},
		{"order by relation", f.Book.Objects(f.db).All().OrderBy("author__name", "title"),
			[]string{"Consider Phlebas", "Excession", "A Wizard of Earthsea", "The Left Hand of Darkness"}},
		{"window", f.Book.Objects(f.db).All().OrderBy("pk").Offset(1).Limit(2),
			[]string{"A Wizard of Earthsea", "Consider Phlebas"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			books, err := tt.qs.Fetch(f.ctx)
			if err != nil {
				t.Fatalf("fetch: %v", err)
			}
			got := titles(books)
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

func TestUniqueConstraint(t *testing.T) {
	f := newFixture(t)
	objects := f.Publisher.Objects(f.db)
	tor := f.create(t, f.Publisher, map[string]any{"name": "Tor"})

	_, err := objects.Create(f.ctx, map[string]any{"name": "Tor"})
	if !errors.Is(err, orm.ErrConstraintViolation) {
		t.Fatalf("expected ErrConstraintViolation, got %v", err)
	}
	if !errors.Is(err, document.ErrDuplicateValue) {
		t.Errorf("expected ErrDuplicateValue in chain, got %v", err)
	}
	var cv *orm.ConstraintViolationError
	if errors.As(err, &cv) && cv.Field != "name" {
		t.Errorf("expected field name, got %q", cv.Field)
	}
	if n := f.count(t, f.Publisher); n != 1 {
		t.Errorf("expected the failed insert to write nothing, got %d documents", n)
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
	f.create(t, f.Author, map[string]any{"name": "C", "email": "c@example.com"})
	_, err := f.Author.Objects(f.db).Create(f.ctx, map[string]any{"name": "D", "email": "c@example.com"})
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
	if n := f.count(t, f.Tag); n != 0 {
		t.Errorf("expected no documents written, got %d", n)
	}

	tags, err := f.Tag.Objects(f.db).BulkCreate(f.ctx, []map[string]any{{"label": "x"}, {"label": "y"}})
	if err != nil {
		t.Fatalf("bulk create: %v", err)
	}
	if tags[0].PK() != int64(1) || tags[1].PK() != int64(2) {
		t.Errorf("expected keys 1 and 2, got %v and %v", tags[0].PK(), tags[1].PK())
	}
}

func TestBulkUpdateNamedFields(t *testing.T) {
	f := newFixture(t)
	author := f.create(t, f.Author, map[string]any{"name": "Ursula"})
	book := f.create(t, f.Book, map[string]any{"title": "Wizard", "pages": 183, "author": author})

	book.Set("title", "A Wizard of Earthsea")
	book.Set("pages", 1)
	if err := f.db.BulkUpdate(f.ctx, []*orm.Instance{book}, []string{"title"}); err != nil {
		t.Fatalf("bulk update: %v", err)
	}

	stored, err := f.Book.Objects(f.db).Get(f.ctx, orm.Lookups{"pk": book.PK()})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Get("title") != "A Wizard of Earthsea" || stored.Get("pages") != int64(183) {
		t.Errorf("expected only the title written, got %v", stored.Values())
	}
}

func TestUpdateMissingDocument(t *testing.T) {
	f := newFixture(t)
	tag := f.create(t, f.Tag, map[string]any{"label": "x"})
	if _, err := f.Tag.Objects(f.db).Filter(orm.Lookups{"pk": tag.PK()}).Delete(f.ctx); err != nil {
		t.Fatalf("delete: %v", err)
	}
	err := f.db.Update(f.ctx, tag)
	if !errors.Is(err, orm.ErrDoesNotExist) {
		t.Errorf("expected ErrDoesNotExist, got %v", err)
	}
}

func TestUpdateAndDeleteMany(t *testing.T) {
	f := newFixture(t)
	author := f.create(t, f.Author, map[string]any{"name": "Ursula"})
	for _, title := range []string{"A", "B", "C"} {
		f.create(t, f.Book, map[string]any{"title": title, "author": author, "pages": 100})
	}
	books := f.Book.Objects(f.db)

	n, err := books.Filter(orm.Lookups{"title__in": []string{"A", "B"}}).Update(f.ctx, map[string]any{"title": "Z", "pages": 5})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 updated, got %d", n)
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
	if n := f.count(t, f.Book); n != 1 {
		t.Errorf("expected 1 book left, got %d", n)
	}
}

func TestAnnotateReverseRelation(t *testing.T) {
	f := newFixture(t)
	ursula := f.create(t, f.Author, map[string]any{"name": "Ursula"})
	f.create(t, f.Author, map[string]any{"name": "Iain"})
	f.create(t, f.Book, map[string]any{"title": "A", "author": ursula, "pages": 100})
	f.create(t, f.Book, map[string]any{"title": "B", "author": ursula, "pages": 50})

	authors, err := f.Author.Objects(f.db).All().
		Annotate(orm.Count("books"), orm.Sum("books__pages")).
		OrderBy("pk").Fetch(f.ctx)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(authors) != 2 {
		t.Fatalf("expected 2 authors, got %d", len(authors))
	}
	if got, _ := authors[0].Annotation("books__count"); got != int64(2) {
		t.Errorf("expected 2 books, got %v", got)
	}
	if got, _ := authors[0].Annotation("books__pages__sum"); got != 150.0 {
		t.Errorf("expected 150 pages, got %v", got)
	}
	if got, _ := authors[1].Annotation("books__count"); got != int64(0) {
		t.Errorf("expected 0 books, got %v", got)
	}
}

func TestValuesRoundTrip(t *testing.T) {
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
	born, err := f.Author.Objects(f.db).Filter(orm.Lookups{"born__year": 1929}).Count(f.ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if born != 1 {
		t.Errorf("expected 1 author born in 1929, got %d", born)
	}
}

func TestTransactions(t *testing.T) {
	f := newFixture(t)
	boom := errors.New("boom")

	err := orm.Atomic(f.ctx, f.db, func(tx orm.Transaction) error {
		if _, err := f.Tag.Objects(tx).Create(f.ctx, map[string]any{"label": "x"}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if n := f.count(t, f.Tag); n != 0 {
		t.Errorf("expected rollback to discard the write, got %d tags", n)
	}

	tx, err := f.db.BeginTransaction(f.ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if _, err := f.Tag.Objects(tx).Create(f.ctx, map[string]any{"label": "kept"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	inner, err := tx.BeginTransaction(f.ctx)
	if err != nil {
		t.Fatalf("begin savepoint: %v", err)
	}
	if _, err := f.Tag.Objects(inner).Create(f.ctx, map[string]any{"label": "dropped"}); err != nil {
		t.Fatalf("create in savepoint: %v", err)
	}
	if err := inner.Rollback(f.ctx); err != nil {
		t.Fatalf("rollback savepoint: %v", err)
	}
	if err := tx.Commit(f.ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := tx.Commit(f.ctx); !errors.Is(err, orm.ErrTransactionDone) {
		t.Errorf("expected ErrTransactionDone on second commit, got %v", err)
	}

	tags, err := f.Tag.Objects(f.db).All().Fetch(f.ctx)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(tags) != 1 || tags[0].Get("label") != "kept" {
		t.Errorf("expected only the outer write, got %v", tags)
	}
}

func TestSchemaEditor(t *testing.T) {
	f := newFixture(t)
	editor := f.db.SchemaEditor()
	author := f.create(t, f.Author, map[string]any{"name": "Ursula"})
	f.create(t, f.Book, map[string]any{"title": "A", "author": author, "in_print": false})
	f.create(t, f.Book, map[string]any{"title": "A", "author": author})

	inPrint, _ := f.Book.Field("in_print")
	if err := editor.RemoveField(f.ctx, f.Book, inPrint); err != nil {
		t.Fatalf("remove field: %v", err)
	}
	if err := editor.AddField(f.ctx, f.Book, inPrint); err != nil {
		t.Fatalf("add field: %v", err)
	}
	n, err := f.Book.Objects(f.db).Filter(orm.Lookups{"in_print": true}).Count(f.ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 2 {
		t.Errorf("expected the default written to both books, got %d", n)
	}

	err = editor.AddIndex(f.ctx, f.Book, orm.Index{Name: "book_title_uniq", Fields: []string{"title"}, Unique: true})
	if !errors.Is(err, orm.ErrConstraintViolation) {
		t.Errorf("expected duplicate titles to reject a unique index, got %v", err)
	}
	if err := editor.AddIndex(f.ctx, f.Author, orm.Index{Name: "author_name_uniq", Fields: []string{"name"}, Unique: true}); err != nil {
		t.Errorf("expected unique author names to accept the index, got %v", err)
	}

	if err := editor.DropTable(f.ctx, f.Book); err != nil {
		t.Fatalf("drop table: %v", err)
	}
	if n := f.count(t, f.Book); n != 0 {
		t.Errorf("expected no books after drop, got %d", n)
	}
	if n := f.count(t, f.Author); n != 1 {
		t.Errorf("expected authors untouched, got %d", n)
	}
}

func TestNotConnected(t *testing.T) {
	lib := testutil.NewLibrary()
	db := open(t)
	ctx := context.Background()
	if _, err := lib.Tag.Objects(db).All().Fetch(ctx); !errors.Is(err, orm.ErrNotConnected) {
		t.Errorf("expected ErrNotConnected before Connect, got %v", err)
	}
	if err := db.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := db.Disconnect(ctx); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if _, err := db.Count(ctx, orm.NewQueryState(lib.Tag)); !errors.Is(err, orm.ErrNotConnected) {
		t.Errorf("expected ErrNotConnected after Disconnect, got %v", err)
	}
}

func TestSeparateTables(t *testing.T) {
	dsn := "file:" + filepath.Join(t.TempDir(), "docs.db") + "?_busy_timeout=5000"
	ctx := context.Background()
	lib := testutil.NewLibrary()

	cfg := document.DefaultConfig()
	cfg.Table = "other_documents"
	one, err := document.Open(dsn, cfg)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	two, err := document.Open(dsn, document.DefaultConfig())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	for _, db := range []*document.Backend{one, two} {
		if err := db.Connect(ctx); err != nil {
			t.Fatalf("connect: %v", err)
		}
		t.Cleanup(func() { db.Disconnect(ctx) })
	}

	if _, err := lib.Tag.Objects(one).Create(ctx, map[string]any{"label": "x"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if n, _ := lib.Tag.Objects(two).All().Count(ctx); n != 0 {
		t.Errorf("expected the default table to hold nothing, got %d", n)
	}
}
