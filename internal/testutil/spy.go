package testutil

import (
	"context"
	"sync"

	"github.com/jacentio/strata/orm"
)

// SpyBackend wraps a backend and counts calls per method.
type SpyBackend struct {
	orm.Backend

	mu    sync.Mutex
	calls map[string]int
}

// NewSpy wraps b.
func NewSpy(b orm.Backend) *SpyBackend {
	return &SpyBackend{Backend: b, calls: make(map[string]int)}
}

func (s *SpyBackend) record(method string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[method]++
}

// Calls returns the number of calls to method.
func (s *SpyBackend) Calls(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[method]
}

// Total returns the number of calls to every method.
func (s *SpyBackend) Total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		n += c
	}
	return n
}

// Reset clears the counters.
func (s *SpyBackend) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = make(map[string]int)
}

func (s *SpyBackend) Execute(ctx context.Context, st *orm.QueryState) ([]orm.Row, error) {
	s.record("Execute")
	return s.Backend.Execute(ctx, st)
}

func (s *SpyBackend) Insert(ctx context.Context, inst *orm.Instance) error {
	s.record("Insert")
	return s.Backend.Insert(ctx, inst)
}

func (s *SpyBackend) Update(ctx context.Context, inst *orm.Instance) error {
	s.record("Update")
	return s.Backend.Update(ctx, inst)
}

func (s *SpyBackend) Delete(ctx context.Context, inst *orm.Instance) error {
	s.record("Delete")
	return s.Backend.Delete(ctx, inst)
}

func (s *SpyBackend) BulkInsert(ctx context.Context, insts []*orm.Instance) error {
	s.record("BulkInsert")
	return s.Backend.BulkInsert(ctx, insts)
}

func (s *SpyBackend) UpdateMany(ctx context.Context, st *orm.QueryState, values map[string]any) (int64, error) {
	s.record("UpdateMany")
	return s.Backend.UpdateMany(ctx, st, values)
}

func (s *SpyBackend) DeleteMany(ctx context.Context, st *orm.QueryState) (int64, error) {
	s.record("DeleteMany")
	return s.Backend.DeleteMany(ctx, st)
}

func (s *SpyBackend) Count(ctx context.Context, st *orm.QueryState) (int64, error) {
	s.record("Count")
	return s.Backend.Count(ctx, st)
}

func (s *SpyBackend) Aggregate(ctx context.Context, st *orm.QueryState, aggs []orm.Aggregation) (map[string]any, error) {
	s.record("Aggregate")
	return s.Backend.Aggregate(ctx, st, aggs)
}

func (s *SpyBackend) Exists(ctx context.Context, e *orm.Entity, pk any) (bool, error) {
	s.record("Exists")
	return s.Backend.Exists(ctx, e, pk)
}

func (s *SpyBackend) GetByKey(ctx context.Context, e *orm.Entity, pk any) (orm.Row, error) {
	s.record("GetByKey")
	return s.Backend.GetByKey(ctx, e, pk)
}
