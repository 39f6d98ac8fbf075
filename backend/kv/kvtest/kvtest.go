// Package kvtest checks that a kv.Engine implementation honors the engine
// contract. Engine packages call Run from their tests.
package kvtest

import (
	"context"
	"errors"
	"testing"

	"github.com/jacentio/strata/backend/kv"
)

// Run exercises an engine. newEngine must return an empty engine.
func Run(t *testing.T, newEngine func(t *testing.T) kv.Engine) {
	t.Run("GetMissing", func(t *testing.T) { testGetMissing(t, newEngine(t)) })
	t.Run("ApplyAndList", func(t *testing.T) { testApplyAndList(t, newEngine(t)) })
	t.Run("Conditions", func(t *testing.T) { testConditions(t, newEngine(t)) })
	t.Run("SequentialConditions", func(t *testing.T) { testSequentialConditions(t, newEngine(t)) })
	t.Run("Scan", func(t *testing.T) { testScan(t, newEngine(t)) })
	t.Run("Increment", func(t *testing.T) { testIncrement(t, newEngine(t)) })
}

func key(partition []string, item string) kv.Key { return kv.Key{Partition: partition, Item: item} }

func testGetMissing(t *testing.T, e kv.Engine) {
	_, found, err := e.Get(context.Background(), key([]string{"t"}, "x"))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if found {
		t.Error("expected missing item")
	}
}

func testApplyAndList(t *testing.T, e kv.Engine) {
	ctx := context.Background()
	p := []string{"books"}
	err := e.Apply(ctx, []kv.Mutation{
		kv.Put(key(p, "2"), []byte("two")),
		kv.Put(key(p, "1"), []byte("one")),
		kv.Put(key([]string{"authors"}, "1"), []byte("a")),
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}

	v, found, err := e.Get(ctx, key(p, "1"))
	if err != nil || !found || string(v) != "one" {
		t.Errorf("expected one, got %q (found=%v, err=%v)", v, found, err)
	}

	entries, err := e.List(ctx, p)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Key.Item != "1" || entries[1].Key.Item != "2" {
		t.Errorf("expected items sorted [1 2], got [%s %s]", entries[0].Key.Item, entries[1].Key.Item)
	}

	if err := e.Apply(ctx, []kv.Mutation{kv.Del(key(p, "1")), kv.Del(key(p, "missing"))}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	entries, _ = e.List(ctx, p)
	if len(entries) != 1 || entries[0].Key.Item != "2" {
		t.Errorf("expected only item 2 left, got %v", entries)
	}
}

func testConditions(t *testing.T, e kv.Engine) {
	ctx := context.Background()
	p := []string{"guards"}
	create := kv.Put(key(p, "a"), []byte("1"))
	create.Condition = kv.MustNotExist
	if err := e.Apply(ctx, []kv.Mutation{create}); err != nil {
		t.Fatalf("first create: %v", err)
	}

	other := kv.Put(key(p, "b"), []byte("2"))
	err := e.Apply(ctx, []kv.Mutation{other, create})
	if !errors.Is(err, kv.ErrConditionFailed) {
		t.Fatalf("expected ErrConditionFailed, got %v", err)
	}
	var condErr *kv.ConditionError
	if !errors.As(err, &condErr) || condErr.Index != 1 {
		t.Errorf("expected condition error at index 1, got %v", err)
	}
	if _, found, _ := e.Get(ctx, key(p, "b")); found {
		t.Error("expected no writes from a failed apply")
	}

	update := kv.Put(key(p, "missing"), []byte("x"))
	update.Condition = kv.MustExist
	if err := e.Apply(ctx, []kv.Mutation{update}); !errors.Is(err, kv.ErrConditionFailed) {
		t.Errorf("expected ErrConditionFailed for missing item, got %v", err)
	}
}

func testSequentialConditions(t *testing.T, e kv.Engine) {
	ctx := context.Background()
	p := []string{"seq"}
	first := kv.Put(key(p, "a"), []byte("1"))
	first.Condition = kv.MustNotExist
	second := kv.Put(key(p, "a"), []byte("2"))
	second.Condition = kv.MustNotExist

	err := e.Apply(ctx, []kv.Mutation{first, second})
	var condErr *kv.ConditionError
	if !errors.As(err, &condErr) {
		t.Fatalf("expected the second create of one key in a call to fail, got %v", err)
	}
	if condErr.Index != 1 {
		t.Errorf("expected failure at index 1, got %d", condErr.Index)
	}
}

func testScan(t *testing.T, e kv.Engine) {
	ctx := context.Background()
	err := e.Apply(ctx, []kv.Mutation{
		kv.Put(key([]string{"book__title", "A"}, "1"), []byte("1")),
		kv.Put(key([]string{"book__title", "B"}, "2"), []byte("2")),
		kv.Put(key([]string{"book__titles", "C"}, "3"), []byte("3")),
		kv.Put(key([]string{"book"}, "1"), []byte("{}")),
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	entries, err := e.Scan(ctx, []string{"book__title"})
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries under book__title, got %d", len(entries))
	}
	for _, entry := range entries {
		if entry.Key.Partition[0] != "book__title" || len(entry.Key.Partition) != 2 {
			t.Errorf("expected partition (book__title, value), got %v", entry.Key.Partition)
		}
	}
}

func testIncrement(t *testing.T, e kv.Engine) {
	ctx := context.Background()
	k := key([]string{"__sequence"}, "book")
	for want := int64(1); want <= 3; want++ {
		got, err := e.Increment(ctx, k, 1)
		if err != nil {
			t.Fatalf("increment: %v", err)
		}
		if got != want {
			t.Errorf("expected %d, got %d", want, got)
		}
	}
}
