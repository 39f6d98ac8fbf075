package orm_test

import (
	"context"
	"testing"
	"time"

	"github.com/jacentio/strata/internal/testutil"
	"github.com/jacentio/strata/orm"
)

var epoch = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func newLibrary(t *testing.T) *testutil.Library {
	t.Helper()
	return testutil.NewLibrary(orm.WithClock(testutil.FixedClock(epoch)))
}

// seeded is a library with a spied memory backend holding:
//
//	publishers: Tor (US), Gollancz (country unset)
//	authors:    Ursula (Tor, born 1929-10-21), Iain (Gollancz), Anon (no publisher)
//	books:      see seedBooks
type seeded struct {
	*testutil.Library
	db   *testutil.MemoryBackend
	spy  *testutil.SpyBackend
	ctx  context.Context
	pubs map[string]*orm.Instance
	auth map[string]*orm.Instance
	tags map[string]*orm.Instance
}

func seed(t *testing.T) *seeded {
	t.Helper()
	lib := newLibrary(t)
	db := testutil.NewMemoryBackend(lib.Registry)
	s := &seeded{
		Library: lib,
		db:      db,
		spy:     testutil.NewSpy(db),
		ctx:     context.Background(),
		pubs:    map[string]*orm.Instance{},
		auth:    map[string]*orm.Instance{},
		tags:    map[string]*orm.Instance{},
	}

	create := func(e *orm.Entity, values map[string]any) *orm.Instance {
		t.Helper()
		inst, err := e.Objects(db).Create(s.ctx, values)
		if err != nil {
			t.Fatalf("create %s %v: %v", e.Name(), values, err)
		}
		return inst
	}

	s.pubs["Tor"] = create(lib.Publisher, map[string]any{"name": "Tor", "country": "US"})
	s.pubs["Gollancz"] = create(lib.Publisher, map[string]any{"name": "Gollancz"})

	s.auth["Ursula"] = create(lib.Author, map[string]any{
		"name": "Ursula", "email": "ursula@example.com", "born": "1929-10-21", "publisher": s.pubs["Tor"],
	})
	s.auth["Iain"] = create(lib.Author, map[string]any{
		"name": "Iain", "publisher": s.pubs["Gollancz"], "mentor": s.auth["Ursula"],
	})
	s.auth["Anon"] = create(lib.Author, map[string]any{"name": "Anon"})

	s.tags["scifi"] = create(lib.Tag, map[string]any{"label": "scifi"})
	s.tags["fantasy"] = create(lib.Tag, map[string]any{"label": "fantasy"})

	for _, b := range seedBooks(s) {
		create(lib.Book, b)
	}
	s.spy.Reset()
	return s
}

func seedBooks(s *seeded) []map[string]any {
	return []map[string]any{
		{
			"title": "The Left Hand of Darkness", "pages": 304, "rating": 4.5,
			"published_at": time.Date(1969, 3, 1, 9, 0, 0, 0, time.UTC),
			"author":       s.auth["Ursula"], "tags": []any{s.tags["scifi"]},
			"meta": map[string]any{"award": "Hugo"},
		},
		{
			"title": "A Wizard of Earthsea", "pages": 183, "rating": 4.2,
			"published_at": time.Date(1968, 11, 15, 9, 0, 0, 0, time.UTC),
			"author":       s.auth["Ursula"], "tags": []any{s.tags["fantasy"]},
		},
		{
			"title": "The Dispossessed", "pages": 387,
			"published_at": time.Date(1974, 5, 1, 9, 0, 0, 0, time.UTC),
			"author":       s.auth["Ursula"], "tags": []any{s.tags["scifi"], s.tags["fantasy"]},
			"in_print": false,
		},
		{
			"title": "Consider Phlebas", "pages": 471, "rating": 4.0,
			"published_at": time.Date(1987, 4, 23, 9, 0, 0, 0, time.UTC),
			"author":       s.auth["Iain"],
		},
		{
			"title": "100% Unknown_Title", "author": s.auth["Anon"],
		},
	}
}

func titles(t *testing.T, insts []*orm.Instance) []string {
	t.Helper()
	out := make([]string, len(insts))
	for i, inst := range insts {
		out[i], _ = inst.Get("title").(string)
	}
	return out
}
