package orm

import (
	"context"
	"errors"
)

// Manager is the entry point for queries and writes on one entity.
type Manager struct {
	entity  *Entity
	backend Backend
}

// NewManager binds an entity to a backend.
func NewManager(e *Entity, b Backend) *Manager {
	return &Manager{entity: e, backend: b}
}

// Objects is shorthand for NewManager.
func (e *Entity) Objects(b Backend) *Manager { return NewManager(e, b) }

func (m *Manager) Entity() *Entity  { return m.entity }
func (m *Manager) Backend() Backend { return m.backend }

// Using returns a manager bound to another backend.
func (m *Manager) Using(b Backend) *Manager { return &Manager{entity: m.entity, backend: b} }

func (m *Manager) All() *QuerySet                     { return NewQuerySet(m.entity, m.backend) }
func (m *Manager) Filter(l Lookups) *QuerySet         { return m.All().Filter(l) }
func (m *Manager) Exclude(l Lookups) *QuerySet        { return m.All().Exclude(l) }
func (m *Manager) Where(nodes ...Node) *QuerySet      { return m.All().Where(nodes...) }
func (m *Manager) OrderBy(fields ...string) *QuerySet { return m.All().OrderBy(fields...) }
func (m *Manager) None() *QuerySet                    { return m.All().None() }

// Get returns the single instance matching lookups.
func (m *Manager) Get(ctx context.Context, lookups ...Lookups) (*Instance, error) {
	return m.All().Get(ctx, lookups...)
}

// First returns the first instance in default order, or nil when there are none.
func (m *Manager) First(ctx context.Context) (*Instance, error) { return m.All().First(ctx) }

// Last returns the last instance in default order, or nil when there are none.
func (m *Manager) Last(ctx context.Context) (*Instance, error) { return m.All().Last(ctx) }

// Count returns the number of stored instances.
func (m *Manager) Count(ctx context.Context) (int64, error) { return m.All().Count(ctx) }

// New builds an unsaved instance bound to the manager's backend.
func (m *Manager) New(values map[string]any) (*Instance, error) {
	inst, err := m.entity.New(values)
	if err != nil {
		return nil, err
	}
	return inst.Bind(m.backend), nil
}

// Create builds and saves an instance.
func (m *Manager) Create(ctx context.Context, values map[string]any) (*Instance, error) {
	inst, err := m.New(values)
	if err != nil {
		return nil, err
	}
	if err := inst.Save(ctx); err != nil {
		return nil, err
	}
	return inst, nil
}

// BulkCreate validates every instance and inserts them in one backend call.
// Nothing is written when any instance fails validation.
func (m *Manager) BulkCreate(ctx context.Context, values []map[string]any) ([]*Instance, error) {
	insts := make([]*Instance, 0, len(values))
	for _, v := range values {
		inst, err := m.New(v)
		if err != nil {
			return nil, err
		}
		if err := inst.Validate(); err != nil {
			return nil, err
		}
		insts = append(insts, inst)
	}
	if m.backend == nil {
		return nil, NotConnected(m.entity.Name())
	}
	if err := m.backend.BulkInsert(ctx, insts); err != nil {
		return nil, err
	}
	for _, inst := range insts {
		inst.markSaved()
	}
	return insts, nil
}

// GetOrCreate returns the instance matching lookups, creating it from the
// exact lookups and defaults when none exists. created reports which happened.
func (m *Manager) GetOrCreate(ctx context.Context, lookups Lookups, defaults map[string]any) (inst *Instance, created bool, err error) {
	inst, err = m.Get(ctx, lookups)
	if err == nil || !errors.Is(err, ErrDoesNotExist) {
		return inst, false, err
	}
	values := make(map[string]any, len(lookups)+len(defaults))
	for _, c := range lookups.Conditions() {
		if c.Lookup == "exact" && len(c.Path) == 1 {
			values[c.Path[0]] = c.Value
		}
	}
	for k, v := range defaults {
		values[k] = v
	}
	inst, err = m.Create(ctx, values)
	if err != nil {
		return nil, false, err
	}
	return inst, true, nil
}
