package shard

import (
	"strings"
	"testing"
)

func TestPartitionKey_SingleShard(t *testing.T) {
	// With numShards=1, all items should go to shard "00"
	tests := []struct {
		partition string
		item      string
		expected  string
	}{
		{"book", "1", "book#00"},
		{"book", "2", "book#00"},
		{"book__title#s:Dune", "7", "book__title#s:Dune#00"},
	}

	for _, tt := range tests {
		result := PartitionKey(tt.partition, tt.item, 1)
		if result != tt.expected {
			t.Errorf("PartitionKey(%q, %q, 1): expected %q, got %q", tt.partition, tt.item, tt.expected, result)
		}
	}
}

func TestPartitionKey_ZeroShards(t *testing.T) {
	// Zero or negative shards should be treated as 1
	if result := PartitionKey("book", "1", 0); result != "book#00" {
		t.Errorf("expected 'book#00', got %q", result)
	}
	if result := PartitionKey("book", "1", -1); result != "book#00" {
		t.Errorf("expected 'book#00', got %q", result)
	}
}

func TestPartitionKey_MultipleShards(t *testing.T) {
	numShards := 256
	shardCounts := make(map[string]int)
	for i := 0; i < 1000; i++ {
		item := string(rune('a'+i%26)) + string(rune('0'+i%10))
		pk := PartitionKey("book", item, numShards)
		if !strings.HasPrefix(pk, "book#") {
			t.Errorf("expected prefix book#, got %q", pk)
		}
		shardCounts[pk[len("book#"):]]++
	}

	// Should have distribution across multiple shards (not all in one)
	if len(shardCounts) < 10 {
		t.Errorf("expected distribution across multiple shards, got only %d unique shards", len(shardCounts))
	}
}

func TestPartitionKey_Deterministic(t *testing.T) {
	first := PartitionKey("book", "42", 16)
	for i := 0; i < 100; i++ {
		if result := PartitionKey("book", "42", 16); result != first {
			t.Errorf("expected deterministic result %q, got %q on iteration %d", first, result, i)
		}
	}
}

func TestAllCoversEveryShard(t *testing.T) {
	keys := All("book", 16)
	if len(keys) != 16 {
		t.Fatalf("expected 16 keys, got %d", len(keys))
	}
	set := make(map[string]bool, len(keys))
	for _, k := range keys {
		set[k] = true
	}
	for i := 0; i < 200; i++ {
		item := strings.Repeat("x", i)
		if pk := PartitionKey("book", item, 16); !set[pk] {
			t.Errorf("expected %q among the fan-out keys", pk)
		}
	}
	if got := All("book", 0); len(got) != 1 || got[0] != "book#00" {
		t.Errorf("expected single shard for zero, got %v", got)
	}
}

func TestHash(t *testing.T) {
	tests := []struct {
		a, b []string
	}{
		{[]string{"ab", "c"}, []string{"a", "bc"}},
		{[]string{"book", "title"}, []string{"book", "titles"}},
	}

	for _, tt := range tests {
		ha, hb := Hash(tt.a...), Hash(tt.b...)
		if len(ha) != 32 {
			t.Errorf("expected 32 hex characters, got %d", len(ha))
		}
		if ha == hb {
			t.Errorf("expected %v and %v to hash differently", tt.a, tt.b)
		}
		if Hash(tt.a...) != ha {
			t.Errorf("expected deterministic hash for %v", tt.a)
		}
	}
}

func TestCompact(t *testing.T) {
	short := "book__title#s:Dune"
	if got := Compact(short, 64); got != short {
		t.Errorf("expected short key unchanged, got %q", got)
	}
	long := strings.Repeat("x", 100)
	got := Compact(long, 64)
	if !strings.HasPrefix(got, "h:") || len(got) != 34 {
		t.Errorf("expected hashed key, got %q", got)
	}
}

func BenchmarkPartitionKey_SingleShard(b *testing.B) {
	for i := 0; i < b.N; i++ {
		PartitionKey("book", "6ba7b810-9dad-11d1-80b4-00c04fd430c8", 1)
	}
}

func BenchmarkPartitionKey_256Shards(b *testing.B) {
	for i := 0; i < b.N; i++ {
		PartitionKey("book", "6ba7b810-9dad-11d1-80b4-00c04fd430c8", 256)
	}
}
