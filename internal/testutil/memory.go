// Package testutil provides backends and fixtures for tests.
package testutil

import (
	"context"
	"fmt"
	"sync"

	"github.com/jacentio/strata/orm"
)

// MemoryBackend is an orm.Backend over in-process maps that supports every
// lookup through orm.ApplyState. Integer primary keys are assigned from a
// per-table counter.
type MemoryBackend struct {
	mu        sync.Mutex
	connected bool
	tables    map[string][]orm.Row
	seq       map[string]int64
	registry  *orm.Registry
}

// NewMemoryBackend returns a connected MemoryBackend. The registry resolves
// relation traversal in filters.
func NewMemoryBackend(reg *orm.Registry) *MemoryBackend {
	return &MemoryBackend{
		connected: true,
		tables:    make(map[string][]orm.Row),
		seq:       make(map[string]int64),
		registry:  reg,
	}
}

func (m *MemoryBackend) Name() string { return "memory" }

func (m *MemoryBackend) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = true
	return nil
}

func (m *MemoryBackend) Disconnect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
	return nil
}

func (m *MemoryBackend) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *MemoryBackend) check() error {
	if !m.connected {
		return orm.NotConnected(m.Name())
	}
	return nil
}

func (m *MemoryBackend) find(table string, pk any) int {
	for i, row := range m.tables[table] {
		if fmt.Sprint(row["__pk"]) == fmt.Sprint(pk) {
			return i
		}
	}
	return -1
}

func (m *MemoryBackend) resolver() orm.Resolver {
	return func(target *orm.Entity, pk any) (orm.Row, bool, error) {
		key, err := target.PK().ToStorage(pk)
		if err != nil {
			return nil, false, err
		}
		i := m.find(target.Table(), key)
		if i < 0 {
			return nil, false, nil
		}
		return m.tables[target.Table()][i], true, nil
	}
}

func (m *MemoryBackend) rows(e *orm.Entity) []orm.Row {
	out := make([]orm.Row, len(m.tables[e.Table()]))
	for i, row := range m.tables[e.Table()] {
		out[i] = copyRow(row)
	}
	return out
}

func copyRow(row orm.Row) orm.Row {
	out := make(orm.Row, len(row))
	for k, v := range row {
		if k != "__pk" {
			out[k] = v
		}
	}
	return out
}

func (m *MemoryBackend) Execute(ctx context.Context, s *orm.QueryState) ([]orm.Row, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return nil, err
	}
	rows, err := orm.ApplyState(s, m.rows(s.Entity), m.resolver())
	if err != nil {
		return nil, err
	}
	return orm.AnnotateRows(s.Entity, rows, s.Annotations, func(rel orm.Relation, pk any) ([]orm.Row, error) {
		st := orm.NewQueryState(rel.Source)
		st.Where = []orm.Node{orm.Condition{Path: []string{rel.Field.Name}, Lookup: "exact", Value: pk}}
		return orm.ApplyState(st, m.rows(rel.Source), m.resolver())
	})
}

func (m *MemoryBackend) Insert(ctx context.Context, inst *orm.Instance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	return m.insert(inst)
}

func (m *MemoryBackend) insert(inst *orm.Instance) error {
	e := inst.Entity()
	if inst.PK() == nil {
		m.seq[e.Table()]++
		if err := inst.SetPK(m.seq[e.Table()]); err != nil {
			return err
		}
	}
	row, err := inst.ToStorage(true)
	if err != nil {
		return err
	}
	key := row[e.PK().ColumnName()]
	if m.find(e.Table(), key) >= 0 {
		return &orm.ConstraintViolationError{Table: e.Table(), Field: e.PK().Name, Err: fmt.Errorf("duplicate key %v", key)}
	}
	if n, ok := key.(int64); ok && n > m.seq[e.Table()] {
		m.seq[e.Table()] = n
	}
	row["__pk"] = key
	m.tables[e.Table()] = append(m.tables[e.Table()], row)
	return nil
}

func (m *MemoryBackend) Update(ctx context.Context, inst *orm.Instance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	return m.update(inst)
}

func (m *MemoryBackend) update(inst *orm.Instance) error {
	e := inst.Entity()
	row, err := inst.ToStorage(false)
	if err != nil {
		return err
	}
	key := row[e.PK().ColumnName()]
	i := m.find(e.Table(), key)
	if i < 0 {
		return fmt.Errorf("%w: %s %v", orm.ErrDoesNotExist, e.Name(), key)
	}
	row["__pk"] = key
	m.tables[e.Table()][i] = row
	return nil
}

func (m *MemoryBackend) Delete(ctx context.Context, inst *orm.Instance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	key, err := orm.InstanceKey(inst)
	if err != nil {
		return err
	}
	table := inst.Entity().Table()
	if i := m.find(table, key); i >= 0 {
		m.tables[table] = append(m.tables[table][:i], m.tables[table][i+1:]...)
	}
	return nil
}

func (m *MemoryBackend) BulkInsert(ctx context.Context, insts []*orm.Instance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	for _, inst := range insts {
		if err := m.insert(inst); err != nil {
			return err
		}
	}
	return nil
}

func (m *MemoryBackend) BulkUpdate(ctx context.Context, insts []*orm.Instance, fields []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	for _, inst := range insts {
		if err := m.update(inst); err != nil {
			return err
		}
	}
	return nil
}

func (m *MemoryBackend) matching(s *orm.QueryState) ([]orm.Row, error) {
	return orm.ApplyState(s, m.rows(s.Entity), m.resolver())
}

func (m *MemoryBackend) UpdateMany(ctx context.Context, s *orm.QueryState, values map[string]any) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return 0, err
	}
	rows, err := m.matching(s)
	if err != nil {
		return 0, err
	}
	e := s.Entity
	for _, row := range rows {
		i := m.find(e.Table(), row[e.PK().ColumnName()])
		for name, v := range values {
			f, _ := e.Field(name)
			stored, err := f.ToStorage(v)
			if err != nil {
				return 0, err
			}
			m.tables[e.Table()][i][f.ColumnName()] = stored
		}
	}
	return int64(len(rows)), nil
}

func (m *MemoryBackend) DeleteMany(ctx context.Context, s *orm.QueryState) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return 0, err
	}
	rows, err := m.matching(s)
	if err != nil {
		return 0, err
	}
	e := s.Entity
	for _, row := range rows {
		if i := m.find(e.Table(), row[e.PK().ColumnName()]); i >= 0 {
			m.tables[e.Table()] = append(m.tables[e.Table()][:i], m.tables[e.Table()][i+1:]...)
		}
	}
	return int64(len(rows)), nil
}

func (m *MemoryBackend) Count(ctx context.Context, s *orm.QueryState) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return 0, err
	}
	rows, err := m.matching(s)
	return int64(len(rows)), err
}

func (m *MemoryBackend) Aggregate(ctx context.Context, s *orm.QueryState, aggs []orm.Aggregation) (map[string]any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return nil, err
	}
	rows, err := m.matching(s)
	if err != nil {
		return nil, err
	}
	return orm.AggregateRows(s.Entity, rows, aggs, m.resolver())
}

func (m *MemoryBackend) Exists(ctx context.Context, e *orm.Entity, pk any) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return false, err
	}
	key, err := e.PK().ToStorage(pk)
	if err != nil {
		return false, err
	}
	return m.find(e.Table(), key) >= 0, nil
}

func (m *MemoryBackend) GetByKey(ctx context.Context, e *orm.Entity, pk any) (orm.Row, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return nil, err
	}
	key, err := e.PK().ToStorage(pk)
	if err != nil {
		return nil, err
	}
	i := m.find(e.Table(), key)
	if i < 0 {
		return nil, fmt.Errorf("%w: %s %v", orm.ErrDoesNotExist, e.Name(), pk)
	}
	return copyRow(m.tables[e.Table()][i]), nil
}

// BeginTransaction is not supported by MemoryBackend.
func (m *MemoryBackend) BeginTransaction(ctx context.Context) (orm.Transaction, error) {
	return nil, fmt.Errorf("testutil: memory backend has no transactions")
}

// SchemaEditor returns nil; MemoryBackend tables need no schema.
func (m *MemoryBackend) SchemaEditor() orm.SchemaEditor { return nil }

// Rows returns a copy of the stored rows of e.
func (m *MemoryBackend) Rows(e *orm.Entity) []orm.Row {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rows(e)
}
