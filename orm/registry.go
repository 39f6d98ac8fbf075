package orm

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Relation is a reverse relation: Source declares Field, a foreign key to Target.
type Relation struct {
	// Name is the accessor on the target entity (Field.RelatedName).
	Name string

	// Source is the entity declaring the foreign key.
	Source *Entity

	// Field is the foreign key field on Source.
	Field *Field

	// Target is the referenced entity name as declared by Field.To.
	Target string
}

// Registry holds the registered entities and the reverse relations between them.
// It replaces process-wide model state: construct one and hand it to the
// components that need entity lookups.
type Registry struct {
	mu       sync.RWMutex
	entities map[string]*Entity
	order    []*Entity
	reverse  map[string]map[string]Relation
	clock    func() time.Time
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithClock sets the time source used for auto timestamps.
func WithClock(now func() time.Time) RegistryOption {
	return func(r *Registry) { r.clock = now }
}

// NewRegistry creates a new empty Registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		entities: make(map[string]*Entity),
		reverse:  make(map[string]map[string]Relation),
		clock:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds entities to the registry. Registering the same entity again
// is a no-op; registering a different entity under a taken name is an error.
func (r *Registry) Register(entities ...*Entity) error {
	for _, e := range entities {
		if owner := e.Registry(); owner != nil && owner != r {
			return fmt.Errorf("orm: entity %q belongs to another registry", e.name)
		}
		r.mu.Lock()
		existing, taken := r.entities[e.name]
		if taken && existing != e {
			r.mu.Unlock()
			return fmt.Errorf("orm: entity name %q already registered", e.name)
		}
		if !taken {
			r.entities[e.name] = e
			r.entities[e.FullName()] = e
			r.order = append(r.order, e)
		}
		r.mu.Unlock()

		e.setRegistry(r)
		if e.initialized() {
			r.addRelations(e)
		}
	}
	return nil
}

// MustRegister is Register that panics on error, for package-level setup.
func (r *Registry) MustRegister(entities ...*Entity) *Registry {
	if err := r.Register(entities...); err != nil {
		panic(err)
	}
	return r
}

// Lookup returns an entity by name or namespace-qualified name.
func (r *Registry) Lookup(name string) (*Entity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entities[name]
	return e, ok
}

// ByTable returns the entity stored in the given table.
func (r *Registry) ByTable(table string) (*Entity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.order {
		if e.table == table {
			return e, true
		}
	}
	return nil, false
}

// Entities returns every registered entity sorted by full name.
func (r *Registry) Entities() []*Entity {
	r.mu.RLock()
	out := append([]*Entity(nil), r.order...)
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].FullName() < out[j].FullName() })
	return out
}

// ReverseRelation resolves the accessor name on entity target. Every
// registered entity is initialized first, so the answer does not depend on
// which entity happened to be loaded earlier. ok is false while no registered
// entity declares the relation.
func (r *Registry) ReverseRelation(target *Entity, name string) (Relation, bool) {
	for _, e := range r.Entities() {
		e.init()
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, key := range []string{target.name, target.FullName()} {
		if rel, ok := r.reverse[key][name]; ok {
			return rel, true
		}
	}
	return Relation{}, false
}

// ReverseRelations returns every reverse relation pointing at target, sorted by name.
func (r *Registry) ReverseRelations(target *Entity) []Relation {
	for _, e := range r.Entities() {
		e.init()
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Relation
	for _, key := range []string{target.name, target.FullName()} {
		for _, rel := range r.reverse[key] {
			out = append(out, rel)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (r *Registry) addRelations(e *Entity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, f := range e.fields {
		if f.Type != TypeForeignKey {
			continue
		}
		byName := r.reverse[f.To]
		if byName == nil {
			byName = make(map[string]Relation)
			r.reverse[f.To] = byName
		}
		byName[f.RelatedName] = Relation{Name: f.RelatedName, Source: e, Field: f, Target: f.To}
	}
}

func (r *Registry) now() time.Time {
	return r.clock().UTC()
}
