package sqlbackend

import (
	"context"
	"errors"
	"sync"

	"github.com/jackc/pgx/v5"

	"github.com/jacentio/strata/orm"
)

type txState int

const (
	txActive txState = iota
	txFailed
	txDone
)

// Tx is a database transaction. A transaction begun from a Tx is a
// savepoint of it.
type Tx struct {
	*Backend
	tx pgx.Tx

	mu    sync.Mutex
	state txState
}

// BeginTransaction starts a transaction on a pooled connection.
func (b *Backend) BeginTransaction(ctx context.Context) (orm.Transaction, error) {
	if err := b.check(); err != nil {
		return nil, err
	}
	tx, err := b.conn.Begin(ctx)
	if err != nil {
		return nil, err
	}
	b.log.Debug().Msg("begin")
	inner := &Backend{
		conn:      tx,
		config:    b.config,
		log:       b.log.With().Bool("tx", true).Logger(),
		connected: true,
	}
	return &Tx{Backend: inner, tx: tx}, nil
}

// Connect is a no-op on an active transaction.
func (t *Tx) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != txActive {
		return orm.ErrTransactionDone
	}
	return nil
}

func (t *Tx) Commit(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != txActive {
		return orm.ErrTransactionDone
	}
	if err := t.tx.Commit(ctx); err != nil {
		t.state = txFailed
		return mapError(nil, err)
	}
	t.state = txDone
	t.setConnected(false)
	t.log.Debug().Msg("commit")
	return nil
}

// Rollback aborts the transaction. It is allowed once after a failed Commit.
func (t *Tx) Rollback(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == txDone {
		return orm.ErrTransactionDone
	}
	t.state = txDone
	t.setConnected(false)
	t.log.Debug().Msg("rollback")
	if err := t.tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return err
	}
	return nil
}

// Disconnect rolls back an active transaction and leaves the pool open.
func (t *Tx) Disconnect(ctx context.Context) error {
	if err := t.Rollback(ctx); err != nil && !errors.Is(err, orm.ErrTransactionDone) {
		return err
	}
	return nil
}
