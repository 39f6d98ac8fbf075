package kv

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/jacentio/strata/orm"
)

// bufferedEngine overlays uncommitted mutations on a base engine. Reads see
// the overlay; Increment goes straight to the base so sequences behave like
// SQL sequences and are not rolled back.
type bufferedEngine struct {
	base Engine

	mu      sync.Mutex
	order   []string
	pending map[string]*pendingWrite
}

type pendingWrite struct {
	key Key

	// first is the condition of the first write to the key in this
	// transaction; it is checked against the base state at commit.
	first Condition

	value  []byte
	delete bool
}

func newBufferedEngine(base Engine) *bufferedEngine {
	return &bufferedEngine{base: base, pending: make(map[string]*pendingWrite)}
}

func (t *bufferedEngine) Get(ctx context.Context, k Key) ([]byte, bool, error) {
	t.mu.Lock()
	w, ok := t.pending[k.String()]
	t.mu.Unlock()
	if ok {
		if w.delete {
			return nil, false, nil
		}
		return append([]byte(nil), w.value...), true, nil
	}
	return t.base.Get(ctx, k)
}

func (t *bufferedEngine) List(ctx context.Context, partition []string) ([]Entry, error) {
	entries, err := t.base.List(ctx, partition)
	if err != nil {
		return nil, err
	}
	pk := PartitionKey(partition)
	return t.overlay(entries, func(k Key) bool { return PartitionKey(k.Partition) == pk }), nil
}

func (t *bufferedEngine) Scan(ctx context.Context, prefix []string) ([]Entry, error) {
	entries, err := t.base.Scan(ctx, prefix)
	if err != nil {
		return nil, err
	}
	p := PartitionKey(prefix)
	return t.overlay(entries, func(k Key) bool {
		pk := PartitionKey(k.Partition)
		return pk == p || strings.HasPrefix(pk, p+"#")
	}), nil
}

func (t *bufferedEngine) overlay(entries []Entry, match func(Key) bool) []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if _, ok := t.pending[e.Key.String()]; !ok {
			out = append(out, e)
		}
	}
	for _, id := range t.order {
		w := t.pending[id]
		if !w.delete && match(w.key) {
			out = append(out, Entry{Key: w.key, Value: append([]byte(nil), w.value...)})
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		pi, pj := PartitionKey(out[i].Key.Partition), PartitionKey(out[j].Key.Partition)
		if pi != pj {
			return pi < pj
		}
		return out[i].Key.Item < out[j].Key.Item
	})
	return out
}

func (t *bufferedEngine) Apply(ctx context.Context, muts []Mutation) error {
	// Conditions are checked against the transaction view first, so a
	// failure surfaces at the write that caused it rather than at commit.
	state := make(map[string]bool)
	for i, m := range muts {
		id := m.Key.String()
		exists, seen := state[id]
		if !seen {
			_, found, err := t.Get(ctx, m.Key)
			if err != nil {
				return err
			}
			exists = found
		}
		if (m.Condition == MustNotExist && exists) || (m.Condition == MustExist && !exists) {
			return &ConditionError{Index: i, Key: m.Key}
		}
		state[id] = !m.Delete
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for _, m := range muts {
		id := m.Key.String()
		w, ok := t.pending[id]
		if !ok {
			w = &pendingWrite{key: m.Key, first: m.Condition}
			t.pending[id] = w
			t.order = append(t.order, id)
		}
		w.value = append([]byte(nil), m.Value...)
		w.delete = m.Delete
	}
	return nil
}

func (t *bufferedEngine) Increment(ctx context.Context, k Key, delta int64) (int64, error) {
	return t.base.Increment(ctx, k, delta)
}

func (t *bufferedEngine) Close() error { return nil }

// mutations collapses the buffer to one mutation per key in first-write order.
func (t *bufferedEngine) mutations() []Mutation {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Mutation, 0, len(t.order))
	for _, id := range t.order {
		w := t.pending[id]
		out = append(out, Mutation{Key: w.key, Value: w.value, Delete: w.delete, Condition: w.first})
	}
	return out
}

type txState int

const (
	txActive txState = iota
	txFailed
	txDone
)

// Tx is a key-value transaction. Writes are buffered and applied to the
// engine in one Apply on Commit.
type Tx struct {
	*Backend
	buf *bufferedEngine

	mu    sync.Mutex
	state txState
}

// BeginTransaction starts a transaction reading through to the backend's engine.
func (b *Backend) BeginTransaction(ctx context.Context) (orm.Transaction, error) {
	if err := b.check(); err != nil {
		return nil, err
	}
	buf := newBufferedEngine(b.engine)
	inner := &Backend{
		engine:    buf,
		config:    b.config,
		log:       b.log.With().Bool("tx", true).Logger(),
		connected: true,
	}
	return &Tx{Backend: inner, buf: buf}, nil
}

func (t *Tx) Commit(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != txActive {
		return orm.ErrTransactionDone
	}
	muts := t.buf.mutations()
	if len(muts) > 0 {
		if err := t.buf.base.Apply(ctx, muts); err != nil {
			t.state = txFailed
			var condErr *ConditionError
			if errors.As(err, &condErr) {
				return &orm.ConstraintViolationError{Err: err}
			}
			return err
		}
	}
	t.state = txDone
	t.setConnected(false)
	t.log.Debug().Int("mutations", len(muts)).Msg("commit")
	return nil
}

// Rollback discards the buffered writes. It is allowed once after a failed Commit.
func (t *Tx) Rollback(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == txDone {
		return orm.ErrTransactionDone
	}
	t.state = txDone
	t.setConnected(false)
	t.buf = newBufferedEngine(t.buf.base)
	t.log.Debug().Msg("rollback")
	return nil
}

// Disconnect rolls back an active transaction without closing the base engine.
func (t *Tx) Disconnect(ctx context.Context) error {
	if err := t.Rollback(ctx); err != nil && !errors.Is(err, orm.ErrTransactionDone) {
		return err
	}
	return nil
}
