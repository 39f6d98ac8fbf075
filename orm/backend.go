package orm

import (
	"context"
	"fmt"
)

// Row is a storage record keyed by column name.
type Row map[string]any

// Backend is a connected storage engine. Every operation except Connect
// fails with ErrNotConnected while the backend is disconnected.
type Backend interface {
	// Name identifies the backend kind, e.g. "postgres" or "kv".
	Name() string

	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	Connected() bool

	// Execute returns the rows selected by the state, keyed by column.
	// Annotation values are keyed by their alias.
	Execute(ctx context.Context, s *QueryState) ([]Row, error)

	// Insert writes a new record and sets the instance primary key when the
	// backend generated it.
	Insert(ctx context.Context, inst *Instance) error
	Update(ctx context.Context, inst *Instance) error
	Delete(ctx context.Context, inst *Instance) error

	BulkInsert(ctx context.Context, insts []*Instance) error
	BulkUpdate(ctx context.Context, insts []*Instance, fields []string) error

	// UpdateMany sets values (keyed by field name) on every record matched by
	// the state and returns the number of records changed.
	UpdateMany(ctx context.Context, s *QueryState, values map[string]any) (int64, error)
	DeleteMany(ctx context.Context, s *QueryState) (int64, error)

	Count(ctx context.Context, s *QueryState) (int64, error)
	Aggregate(ctx context.Context, s *QueryState, aggs []Aggregation) (map[string]any, error)

	Exists(ctx context.Context, e *Entity, pk any) (bool, error)

	// GetByKey returns the row stored under pk or ErrDoesNotExist.
	GetByKey(ctx context.Context, e *Entity, pk any) (Row, error)

	BeginTransaction(ctx context.Context) (Transaction, error)
	SchemaEditor() SchemaEditor
}

// Transaction is a Backend whose writes become visible on Commit. Commit and
// Rollback may be called once between them; later calls return
// ErrTransactionDone. Rollback after a failed Commit releases the
// transaction's resources.
type Transaction interface {
	Backend
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// SchemaEditor creates and alters the storage structures of entities.
type SchemaEditor interface {
	CreateTable(ctx context.Context, e *Entity) error
	DropTable(ctx context.Context, e *Entity) error
	AddField(ctx context.Context, e *Entity, f *Field) error
	RemoveField(ctx context.Context, e *Entity, f *Field) error
	AddIndex(ctx context.Context, e *Entity, idx Index) error
	RemoveIndex(ctx context.Context, e *Entity, idx Index) error
}

// Atomic runs fn inside a transaction on b. The transaction is rolled back
// when fn returns an error or panics and committed otherwise.
func Atomic(ctx context.Context, b Backend, fn func(tx Transaction) error) (err error) {
	tx, err := b.BeginTransaction(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(ctx)
			panic(p)
		}
	}()
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			return fmt.Errorf("%w (rollback: %v)", err, rbErr)
		}
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return nil
}

// NotConnected returns the error backends report when used before Connect.
func NotConnected(backend string) error {
	return fmt.Errorf("%w: %s", ErrNotConnected, backend)
}

// InstanceKey returns the storage form of the instance primary key.
func InstanceKey(inst *Instance) (any, error) {
	pk := inst.PK()
	if pk == nil {
		return nil, fmt.Errorf("%w: %s", ErrMissingPrimaryKey, inst.entity.name)
	}
	return inst.entity.PK().ToStorage(pk)
}

// HydrateAll turns rows into persisted instances bound to b.
func HydrateAll(e *Entity, rows []Row, b Backend) ([]*Instance, error) {
	out := make([]*Instance, 0, len(rows))
	for _, row := range rows {
		inst, err := e.Hydrate(row, b)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, nil
}

// MarkSaved flags an instance as persisted with no dirty fields. Bulk
// operations call it for every written instance.
func MarkSaved(inst *Instance) { inst.markSaved() }
