package orm

import (
	"context"
	"fmt"
	"sort"
)

// Instance is one record of an entity.
// An Instance is not safe for concurrent mutation.
type Instance struct {
	entity      *Entity
	values      map[string]any
	dirty       map[string]struct{}
	persisted   bool
	backend     Backend
	related     map[string]any
	annotations map[string]any
}

func newInstance(e *Entity) *Instance {
	return &Instance{
		entity:      e,
		values:      make(map[string]any),
		dirty:       make(map[string]struct{}),
		related:     make(map[string]any),
		annotations: make(map[string]any),
	}
}

// Entity returns the entity the instance belongs to.
func (i *Instance) Entity() *Entity { return i.entity }

// Backend returns the backend the instance was loaded from or bound to.
func (i *Instance) Backend() Backend { return i.backend }

// Bind attaches the instance to a backend for Save, Delete and Refresh.
func (i *Instance) Bind(b Backend) *Instance {
	i.backend = b
	return i
}

// Persisted reports whether the instance was loaded from or written to a backend.
func (i *Instance) Persisted() bool { return i.persisted }

// Get returns the value of a field, or nil when unset.
func (i *Instance) Get(name string) any {
	if f, ok := i.entity.Field(name); ok {
		return i.values[f.Name]
	}
	return nil
}

// Set cleans and assigns a field value and marks the field dirty.
func (i *Instance) Set(name string, v any) error {
	f, ok := i.entity.Field(name)
	if !ok {
		return fmt.Errorf("%w: %s.%s", ErrUnknownField, i.entity.name, name)
	}
	cleaned, err := f.Clean(v)
	if err != nil {
		return err
	}
	i.values[f.Name] = cleaned
	i.dirty[f.Name] = struct{}{}
	if f.IsRelation() {
		delete(i.related, f.Name)
	}
	return nil
}

// PK returns the primary key value, or nil when unset.
func (i *Instance) PK() any { return i.values[i.entity.PK().Name] }

// SetPK assigns the primary key without marking it dirty. Backends call it
// after generating a key.
func (i *Instance) SetPK(v any) error {
	pk := i.entity.PK()
	cleaned, err := pk.Clean(v)
	if err != nil {
		return err
	}
	i.values[pk.Name] = cleaned
	return nil
}

// IsDirty reports whether a field was assigned since the last save or load.
func (i *Instance) IsDirty(name string) bool {
	_, ok := i.dirty[name]
	return ok
}

// DirtyFields returns the dirty field names in declaration order.
func (i *Instance) DirtyFields() []string {
	var out []string
	for _, f := range i.entity.Fields() {
		if _, ok := i.dirty[f.Name]; ok {
			out = append(out, f.Name)
		}
	}
	return out
}

// Values returns a copy of the field values keyed by field name.
func (i *Instance) Values() map[string]any {
	out := make(map[string]any, len(i.values))
	for k, v := range i.values {
		out[k] = v
	}
	return out
}

// Annotation returns a value computed by the backend for an annotation alias.
func (i *Instance) Annotation(alias string) (any, bool) {
	v, ok := i.annotations[alias]
	return v, ok
}

// Cached returns a related object loaded through select/prefetch related:
// *Instance for foreign keys, []*Instance for reverse and many-to-many relations.
func (i *Instance) Cached(name string) (any, bool) {
	v, ok := i.related[name]
	return v, ok
}

func (i *Instance) setCached(name string, v any) { i.related[name] = v }

// Validate checks every field value against its constraints.
func (i *Instance) Validate() error {
	for _, f := range i.entity.Fields() {
		v := i.values[f.Name]
		if v == nil && f.PrimaryKey {
			continue
		}
		if err := f.Validate(v); err != nil {
			return err
		}
	}
	return nil
}

// ToStorage applies auto timestamps and returns the storage row keyed by
// column. AutoNowAdd fields are set when creating and still empty; AutoNow
// fields are set on every call.
func (i *Instance) ToStorage(creating bool) (Row, error) {
	now := i.entity.now()
	for _, f := range i.entity.Fields() {
		if f.Type != TypeDate && f.Type != TypeDateTime {
			continue
		}
		if f.AutoNow || (f.AutoNowAdd && creating && i.values[f.Name] == nil) {
			if err := i.Set(f.Name, now); err != nil {
				return nil, err
			}
		}
	}

	row := make(Row, len(i.values))
	for _, f := range i.entity.Fields() {
		v, ok := i.values[f.Name]
		if !ok {
			continue
		}
		stored, err := f.ToStorage(v)
		if err != nil {
			return nil, err
		}
		row[f.ColumnName()] = stored
	}
	return row, nil
}

func (i *Instance) markSaved() {
	i.persisted = true
	i.dirty = make(map[string]struct{})
}

// Save inserts the instance when it has no primary key, updates it when it
// was loaded or saved before, and otherwise checks the backend by key.
func (i *Instance) Save(ctx context.Context) error {
	if i.backend == nil {
		return fmt.Errorf("%w: %s instance has no backend", ErrNotConnected, i.entity.name)
	}
	if err := i.Validate(); err != nil {
		return err
	}

	pk := i.PK()
	update := i.persisted && pk != nil
	if pk != nil && !i.persisted {
		exists, err := i.backend.Exists(ctx, i.entity, pk)
		if err != nil {
			return err
		}
		update = exists
	}

	var err error
	if update {
		err = i.backend.Update(ctx, i)
	} else {
		err = i.backend.Insert(ctx, i)
	}
	if err != nil {
		return err
	}
	i.markSaved()
	return nil
}

// Delete removes the record from its backend.
func (i *Instance) Delete(ctx context.Context) error {
	if i.PK() == nil {
		return fmt.Errorf("%w: cannot delete %s", ErrMissingPrimaryKey, i.entity.name)
	}
	if i.backend == nil {
		return fmt.Errorf("%w: %s instance has no backend", ErrNotConnected, i.entity.name)
	}
	if err := i.backend.Delete(ctx, i); err != nil {
		return err
	}
	i.persisted = false
	return nil
}

// Refresh reloads every field from the backend and clears the dirty set.
func (i *Instance) Refresh(ctx context.Context) error {
	if i.PK() == nil {
		return fmt.Errorf("%w: cannot refresh %s", ErrMissingPrimaryKey, i.entity.name)
	}
	if i.backend == nil {
		return fmt.Errorf("%w: %s instance has no backend", ErrNotConnected, i.entity.name)
	}
	row, err := i.backend.GetByKey(ctx, i.entity, i.PK())
	if err != nil {
		return err
	}
	fresh, err := i.entity.Hydrate(row, i.backend)
	if err != nil {
		return err
	}
	i.values = fresh.values
	i.annotations = fresh.annotations
	i.related = make(map[string]any)
	i.markSaved()
	return nil
}

// Related follows a foreign key and returns the referenced instance, or nil
// when the key is null.
func (i *Instance) Related(ctx context.Context, name string) (*Instance, error) {
	if v, ok := i.related[name]; ok {
		inst, _ := v.(*Instance)
		return inst, nil
	}
	target, f, err := i.entity.Related(name)
	if err != nil {
		return nil, err
	}
	if f.Type != TypeForeignKey {
		return nil, fmt.Errorf("%w: %s.%s is not a foreign key", ErrUnknownField, i.entity.name, name)
	}
	key := i.values[f.Name]
	if key == nil {
		return nil, nil
	}
	if i.backend == nil {
		return nil, fmt.Errorf("%w: %s instance has no backend", ErrNotConnected, i.entity.name)
	}
	row, err := i.backend.GetByKey(ctx, target, key)
	if err != nil {
		return nil, err
	}
	inst, err := target.Hydrate(row, i.backend)
	if err != nil {
		return nil, err
	}
	i.related[name] = inst
	return inst, nil
}

// RelatedSet returns a QuerySet over the instances referenced by a many-to-many field.
func (i *Instance) RelatedSet(name string) (*QuerySet, error) {
	target, f, err := i.entity.Related(name)
	if err != nil {
		return nil, err
	}
	if f.Type != TypeManyToMany {
		return nil, fmt.Errorf("%w: %s.%s is not a many-to-many field", ErrUnknownField, i.entity.name, name)
	}
	keys, _ := i.values[f.Name].([]any)
	if len(keys) == 0 {
		return NewQuerySet(target, i.backend).None(), nil
	}
	return NewQuerySet(target, i.backend).Filter(Lookups{"pk__in": keys}), nil
}

// RelatedManager returns a QuerySet over the records whose foreign key points
// at this instance. ok is false while the relation is not available, which
// happens when no registered entity declares it yet.
func (i *Instance) RelatedManager(name string) (qs *QuerySet, ok bool) {
	r := i.entity.Registry()
	if r == nil {
		return nil, false
	}
	rel, ok := r.ReverseRelation(i.entity, name)
	if !ok {
		return nil, false
	}
	return NewQuerySet(rel.Source, i.backend).Filter(Lookups{rel.Field.Name: i.PK()}), true
}

// String renders the instance for logs and test failures.
func (i *Instance) String() string {
	names := make([]string, 0, len(i.values))
	for k := range i.values {
		names = append(names, k)
	}
	sort.Strings(names)
	s := i.entity.name + "{"
	for n, k := range names {
		if n > 0 {
			s += " "
		}
		s += fmt.Sprintf("%s=%v", k, i.values[k])
	}
	return s + "}"
}
