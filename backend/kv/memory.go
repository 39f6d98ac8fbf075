package kv

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// MemoryEngine is an in-process Engine.
type MemoryEngine struct {
	mu         sync.RWMutex
	partitions map[string]map[string][]byte
	keys       map[string][]string
}

// NewMemoryEngine returns an empty MemoryEngine.
func NewMemoryEngine() *MemoryEngine {
	return &MemoryEngine{
		partitions: make(map[string]map[string][]byte),
		keys:       make(map[string][]string),
	}
}

func (m *MemoryEngine) Get(ctx context.Context, k Key) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.partitions[PartitionKey(k.Partition)][k.Item]
	return append([]byte(nil), v...), ok, nil
}

func (m *MemoryEngine) List(ctx context.Context, partition []string) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.list(PartitionKey(partition)), nil
}

func (m *MemoryEngine) list(pk string) []Entry {
	items := m.partitions[pk]
	names := make([]string, 0, len(items))
	for name := range items {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]Entry, 0, len(names))
	for _, name := range names {
		out = append(out, Entry{
			Key:   Key{Partition: m.keys[pk], Item: name},
			Value: append([]byte(nil), items[name]...),
		})
	}
	return out
}

func (m *MemoryEngine) Scan(ctx context.Context, prefix []string) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p := PartitionKey(prefix)
	var pks []string
	for pk := range m.partitions {
		if pk == p || strings.HasPrefix(pk, p+"#") {
			pks = append(pks, pk)
		}
	}
	sort.Strings(pks)
	var out []Entry
	for _, pk := range pks {
		out = append(out, m.list(pk)...)
	}
	return out, nil
}

func (m *MemoryEngine) Apply(ctx context.Context, muts []Mutation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	pending := make(map[string]bool)
	for i, mut := range muts {
		id := mut.Key.String()
		exists, seen := pending[id]
		if !seen {
			_, exists = m.partitions[PartitionKey(mut.Key.Partition)][mut.Key.Item]
		}
		if (mut.Condition == MustNotExist && exists) || (mut.Condition == MustExist && !exists) {
			return &ConditionError{Index: i, Key: mut.Key}
		}
		pending[id] = !mut.Delete
	}
	for _, mut := range muts {
		pk := PartitionKey(mut.Key.Partition)
		if mut.Delete {
			delete(m.partitions[pk], mut.Key.Item)
			if len(m.partitions[pk]) == 0 {
				delete(m.partitions, pk)
				delete(m.keys, pk)
			}
			continue
		}
		if m.partitions[pk] == nil {
			m.partitions[pk] = make(map[string][]byte)
			m.keys[pk] = append([]string(nil), mut.Key.Partition...)
		}
		m.partitions[pk][mut.Key.Item] = append([]byte(nil), mut.Value...)
	}
	return nil
}

func (m *MemoryEngine) Increment(ctx context.Context, k Key, delta int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pk := PartitionKey(k.Partition)
	var n int64
	if raw, ok := m.partitions[pk][k.Item]; ok {
		n, _ = strconv.ParseInt(string(raw), 10, 64)
	}
	n += delta
	if m.partitions[pk] == nil {
		m.partitions[pk] = make(map[string][]byte)
		m.keys[pk] = append([]string(nil), k.Partition...)
	}
	m.partitions[pk][k.Item] = []byte(strconv.FormatInt(n, 10))
	return n, nil
}

func (m *MemoryEngine) Close() error { return nil }

// Len returns the number of stored items.
func (m *MemoryEngine) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, items := range m.partitions {
		n += len(items)
	}
	return n
}
