package document

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/jacentio/strata/orm"
)

type txState int

const (
	txActive txState = iota
	txFailed
	txDone
)

var savepoints atomic.Int64

// Tx is a SQLite transaction. A transaction begun from a Tx is a savepoint
// of it.
type Tx struct {
	*Backend
	savepoint string

	mu    sync.Mutex
	state txState
}

// BeginTransaction starts a transaction, or a savepoint inside one.
func (b *Backend) BeginTransaction(ctx context.Context) (orm.Transaction, error) {
	if err := b.check(); err != nil {
		return nil, err
	}
	inner := &Backend{
		db:        b.db,
		config:    b.config,
		log:       b.log.With().Bool("tx", true).Logger(),
		connected: true,
	}
	if b.tx != nil {
		name := fmt.Sprintf("sp%d", savepoints.Add(1))
		if _, err := b.tx.ExecContext(ctx, "SAVEPOINT "+name); err != nil {
			return nil, err
		}
		inner.tx, inner.conn = b.tx, b.tx
		b.log.Debug().Str("savepoint", name).Msg("begin")
		return &Tx{Backend: inner, savepoint: name}, nil
	}
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	inner.tx, inner.conn = tx, tx
	b.log.Debug().Msg("begin")
	return &Tx{Backend: inner}, nil
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
	var err error
	if t.savepoint != "" {
		_, err = t.tx.ExecContext(ctx, "RELEASE SAVEPOINT "+t.savepoint)
	} else {
		err = t.tx.Commit()
	}
	if err != nil {
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
	if t.savepoint != "" {
		_, err := t.tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+t.savepoint)
		if err == nil {
			_, err = t.tx.ExecContext(ctx, "RELEASE SAVEPOINT "+t.savepoint)
		}
		if err != nil && !errors.Is(err, sql.ErrTxDone) {
			return err
		}
		return nil
	}
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return err
	}
	return nil
}

// Disconnect rolls back an active transaction and leaves the database open.
func (t *Tx) Disconnect(ctx context.Context) error {
	if err := t.Rollback(ctx); err != nil && !errors.Is(err, orm.ErrTransactionDone) {
		return err
	}
	return nil
}
