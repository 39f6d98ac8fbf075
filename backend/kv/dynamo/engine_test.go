package dynamo_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/jacentio/strata/backend/kv"
	"github.com/jacentio/strata/backend/kv/dynamo"
	"github.com/jacentio/strata/backend/kv/kvtest"
	"github.com/jacentio/strata/internal/testutil"
	"github.com/jacentio/strata/orm"
)

func TestDefaultConfig(t *testing.T) {
	cfg := dynamo.DefaultConfig()

	if cfg.Table != "strata" {
		t.Errorf("expected Table 'strata', got %q", cfg.Table)
	}
	if cfg.NumShards != 1 {
		t.Errorf("expected NumShards 1, got %d", cfg.NumShards)
	}
	if cfg.MaxTransactItems != 100 {
		t.Errorf("expected MaxTransactItems 100, got %d", cfg.MaxTransactItems)
	}
}

func TestConfigClamped(t *testing.T) {
	tests := []struct {
		name     string
		in       dynamo.Config
		shards   int
		transact int
	}{
		{"zero values", dynamo.Config{}, 1, 100},
		{"too many shards", dynamo.Config{NumShards: 1000}, 256, 100},
		{"transaction limit", dynamo.Config{MaxTransactItems: 500}, 1, 100},
		{"small chunks", dynamo.Config{NumShards: 8, MaxTransactItems: 3}, 8, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := dynamo.New(testutil.NewFakeDynamo(), tt.in).Config()
			if cfg.NumShards != tt.shards {
				t.Errorf("expected %d shards, got %d", tt.shards, cfg.NumShards)
			}
			if cfg.MaxTransactItems != tt.transact {
				t.Errorf("expected %d transact items, got %d", tt.transact, cfg.MaxTransactItems)
			}
			if cfg.Table != "strata" {
				t.Errorf("expected default table, got %q", cfg.Table)
			}
		})
	}
}

func TestEngine(t *testing.T) {
	configs := map[string]dynamo.Config{
		"single shard": dynamo.DefaultConfig(),
		"sharded":      {NumShards: 4},
	}
	for name, cfg := range configs {
		t.Run(name, func(t *testing.T) {
			kvtest.Run(t, func(t *testing.T) kv.Engine {
				return dynamo.New(testutil.NewFakeDynamo(), cfg)
			})
		})
	}
}

func TestListFollowsPages(t *testing.T) {
	ctx := context.Background()
	client := testutil.NewFakeDynamo()
	client.PageSize = 2
	engine := dynamo.New(client, dynamo.DefaultConfig())

	var muts []kv.Mutation
	for i := 0; i < 5; i++ {
		muts = append(muts, kv.Put(kv.Key{Partition: []string{"book"}, Item: fmt.Sprint(i)}, []byte("{}")))
	}
	if err := engine.Apply(ctx, muts); err != nil {
		t.Fatalf("apply: %v", err)
	}

	entries, err := engine.List(ctx, []string{"book"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 5 {
		t.Errorf("expected 5 entries, got %d", len(entries))
	}
	if client.Calls("Query") != 3 {
		t.Errorf("expected 3 query pages, got %d", client.Calls("Query"))
	}
}

func TestShardedListFansOut(t *testing.T) {
	ctx := context.Background()
	client := testutil.NewFakeDynamo()
	engine := dynamo.New(client, dynamo.Config{NumShards: 8})

	if _, err := engine.List(ctx, []string{"book"}); err != nil {
		t.Fatalf("list: %v", err)
	}
	if client.Calls("Query") != 8 {
		t.Errorf("expected one query per shard, got %d", client.Calls("Query"))
	}
}

func TestApplySplitsTransactions(t *testing.T) {
	ctx := context.Background()
	client := testutil.NewFakeDynamo()
	engine := dynamo.New(client, dynamo.Config{MaxTransactItems: 2})

	var muts []kv.Mutation
	for i := 0; i < 5; i++ {
		muts = append(muts, kv.Put(kv.Key{Partition: []string{"tag"}, Item: fmt.Sprint(i)}, []byte("{}")))
	}
	if err := engine.Apply(ctx, muts); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if got := client.Calls("TransactWriteItems"); got != 3 {
		t.Errorf("expected 3 transactions, got %d", got)
	}
	if client.Len() != 5 {
		t.Errorf("expected 5 items, got %d", client.Len())
	}
}

func TestApplyCollapsesRepeatedKeys(t *testing.T) {
	ctx := context.Background()
	client := testutil.NewFakeDynamo()
	engine := dynamo.New(client, dynamo.DefaultConfig())
	k := kv.Key{Partition: []string{"book"}, Item: "1"}

	create := kv.Put(k, []byte("a"))
	create.Condition = kv.MustNotExist
	update := kv.Put(k, []byte("b"))
	update.Condition = kv.MustExist
	if err := engine.Apply(ctx, []kv.Mutation{create, update}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	v, _, _ := engine.Get(ctx, k)
	if string(v) != "b" {
		t.Errorf("expected last value b, got %q", v)
	}
	if client.Calls("TransactWriteItems") != 1 {
		t.Errorf("expected one transaction, got %d", client.Calls("TransactWriteItems"))
	}
}

func TestConditionErrorKeepsNativeError(t *testing.T) {
	ctx := context.Background()
	engine := dynamo.New(testutil.NewFakeDynamo(), dynamo.DefaultConfig())
	k := kv.Key{Partition: []string{"tag__unique__label"}, Item: "go"}
	guard := kv.Put(k, []byte("1"))
	guard.Condition = kv.MustNotExist
	if err := engine.Apply(ctx, []kv.Mutation{guard}); err != nil {
		t.Fatalf("apply: %v", err)
	}

	err := engine.Apply(ctx, []kv.Mutation{kv.Put(kv.Key{Partition: []string{"tag"}, Item: "2"}, nil), guard})
	var condErr *kv.ConditionError
	if !errors.As(err, &condErr) || condErr.Index != 1 {
		t.Fatalf("expected condition error at index 1, got %v", err)
	}
	var txErr *types.TransactionCanceledException
	if !errors.As(err, &txErr) {
		t.Errorf("expected TransactionCanceledException in chain, got %v", err)
	}
}

func TestEmptyItemNamesGetASortKey(t *testing.T) {
	ctx := context.Background()
	client := testutil.NewFakeDynamo()
	engine := dynamo.New(client, dynamo.DefaultConfig())

	partition := []string{"tag__unique__label"}
	names := []string{"", "\x00", "a"}
	for i, name := range names {
		k := kv.Key{Partition: partition, Item: name}
		if err := engine.Apply(ctx, []kv.Mutation{kv.Put(k, []byte{byte('1' + i)})}); err != nil {
			t.Fatalf("apply %q: %v", name, err)
		}
	}
	for _, item := range client.Items() {
		if sk := item["sk"].(*types.AttributeValueMemberS).Value; sk == "" {
			t.Errorf("expected a non-empty sort key, got item %v", item)
		}
	}
	for i, name := range names {
		v, ok, err := engine.Get(ctx, kv.Key{Partition: partition, Item: name})
		if err != nil || !ok || string(v) != string(rune('1'+i)) {
			t.Errorf("get %q: expected %q, got %q (found=%v, err=%v)", name, string(rune('1'+i)), v, ok, err)
		}
	}
	entries, err := engine.List(ctx, partition)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != len(names) {
		t.Errorf("expected %d entries, got %d", len(names), len(entries))
	}
}

func TestLongKeysAreHashed(t *testing.T) {
	ctx := context.Background()
	client := testutil.NewFakeDynamo()
	engine := dynamo.New(client, dynamo.DefaultConfig())

	long := make([]byte, 2000)
	for i := range long {
		long[i] = 'x'
	}
	k := kv.Key{Partition: []string{"book__title", string(long)}, Item: "1"}
	if err := engine.Apply(ctx, []kv.Mutation{kv.Put(k, []byte("1"))}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	for _, item := range client.Items() {
		pk := item["pk"].(*types.AttributeValueMemberS).Value
		if len(pk) > 1024 {
			t.Errorf("expected compact pk, got %d bytes", len(pk))
		}
	}
	entries, err := engine.List(ctx, k.Partition)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 1 || entries[0].Key.Item != "1" {
		t.Errorf("expected entry under long partition, got %v", entries)
	}
}

func TestDecode(t *testing.T) {
	tests := []struct {
		name  string
		item  map[string]types.AttributeValue
		ok    bool
		value string
	}{
		{
			name: "record",
			item: map[string]types.AttributeValue{
				"pk": &types.AttributeValueMemberS{Value: "book#00"},
				"sk": &types.AttributeValueMemberS{Value: "1"},
				"p":  &types.AttributeValueMemberS{Value: "book"},
				"i":  &types.AttributeValueMemberS{Value: "1"},
				"v":  &types.AttributeValueMemberB{Value: []byte(`{"id":1}`)},
			},
			ok:    true,
			value: `{"id":1}`,
		},
		{
			name: "counter",
			item: map[string]types.AttributeValue{
				"p": &types.AttributeValueMemberS{Value: "__sequence"},
				"i": &types.AttributeValueMemberS{Value: "book"},
				"n": &types.AttributeValueMemberN{Value: "12"},
			},
			ok:    true,
			value: "12",
		},
		{
			name: "foreign item",
			item: map[string]types.AttributeValue{
				"id": &types.AttributeValueMemberS{Value: "x"},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entry, ok := dynamo.Decode(tt.item)
			if ok != tt.ok {
				t.Fatalf("expected ok=%v, got %v", tt.ok, ok)
			}
			if ok && string(entry.Value) != tt.value {
				t.Errorf("expected value %q, got %q", tt.value, entry.Value)
			}
		})
	}
}

func TestBackendOverDynamo(t *testing.T) {
	ctx := context.Background()
	lib := testutil.NewLibrary()
	db := kv.New(dynamo.New(testutil.NewFakeDynamo(), dynamo.Config{NumShards: 4}), kv.DefaultConfig())
	if err := db.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}

	for _, label := range []string{"go", "sql", "kv"} {
		if _, err := lib.Tag.Objects(db).Create(ctx, map[string]any{"label": label}); err != nil {
			t.Fatalf("create %s: %v", label, err)
		}
	}
	_, err := lib.Tag.Objects(db).Create(ctx, map[string]any{"label": "go"})
	if !errors.Is(err, orm.ErrConstraintViolation) {
		t.Errorf("expected constraint violation for duplicate label, got %v", err)
	}

	tag, err := lib.Tag.Objects(db).Get(ctx, orm.Lookups{"label": "sql"})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if tag.PK() != int64(2) {
		t.Errorf("expected pk 2, got %v", tag.PK())
	}
	n, err := lib.Tag.Objects(db).All().Count(ctx)
	if err != nil || n != 3 {
		t.Errorf("expected 3 tags, got %d (err=%v)", n, err)
	}
}
