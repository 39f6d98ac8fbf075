package kv

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Key addresses one item: a partition, (table) or (table__field, value),
// and an item name within it. A partition has one or two elements and only
// the second may contain "#".
type Key struct {
	Partition []string
	Item      string
}

// PartitionKey joins the partition tuple with "#".
func PartitionKey(partition []string) string { return strings.Join(partition, "#") }

// SplitPartition reverses PartitionKey.
func SplitPartition(s string) []string { return strings.SplitN(s, "#", 2) }

func (k Key) String() string { return PartitionKey(k.Partition) + "/" + k.Item }

// Entry is a stored item.
type Entry struct {
	Key   Key
	Value []byte
}

// Condition guards a mutation.
type Condition int

const (
	Always Condition = iota
	MustNotExist
	MustExist
)

// Mutation is a put, or a delete when Delete is set.
type Mutation struct {
	Key       Key
	Value     []byte
	Delete    bool
	Condition Condition
}

// Put returns a put mutation.
func Put(k Key, v []byte) Mutation { return Mutation{Key: k, Value: v} }

// Del returns a delete mutation.
func Del(k Key) Mutation { return Mutation{Key: k, Delete: true} }

// ErrConditionFailed is returned by Apply when a mutation condition does not hold.
var ErrConditionFailed = errors.New("kv: condition failed")

// ConditionError reports which mutation of an Apply call failed its condition.
// Err is the native engine error, if any.
type ConditionError struct {
	Index int
	Key   Key
	Err   error
}

func (e *ConditionError) Error() string {
	return fmt.Sprintf("kv: condition failed for mutation %d (%s)", e.Index, e.Key)
}

func (e *ConditionError) Is(target error) bool { return target == ErrConditionFailed }

func (e *ConditionError) Unwrap() error { return e.Err }

// Engine is the storage primitive under the key-value backend.
// Implementations must be safe for concurrent use.
type Engine interface {
	// Get returns the value at k. found is false when k is absent.
	Get(ctx context.Context, k Key) (value []byte, found bool, err error)

	// List returns every item in exactly the given partition.
	List(ctx context.Context, partition []string) ([]Entry, error)

	// Scan returns every item in partitions that equal or extend prefix.
	Scan(ctx context.Context, prefix []string) ([]Entry, error)

	// Apply writes all mutations atomically. Each condition is checked
	// against the state left by the earlier mutations of the same call. When
	// a condition fails nothing is written and the error is a *ConditionError.
	Apply(ctx context.Context, muts []Mutation) error

	// Increment atomically adds delta to the counter at k and returns the new value.
	Increment(ctx context.Context, k Key, delta int64) (int64, error)

	Close() error
}
