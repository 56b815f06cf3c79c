// Package txn provides context-scoped units of work with commit and rollback
// callbacks. Nested scopes join the outermost one: callbacks registered inside
// a nested scope run only when the outermost scope commits.
package txn

import (
	"cmp"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	errspkg "github.com/drblury/eventflow/internal/runtime/errors"
)

// Callbacks are attached to the innermost open scope.
type Callbacks struct {
	// OnCommit runs at most once, after the outermost scope committed.
	OnCommit func(ctx context.Context) error
	// OnRollback runs when the scope holding the callback is rolled back.
	OnRollback func(ctx context.Context)
}

// Manager opens scopes. A Manager without a database tracks scopes in memory
// only; NewSQLManager backs them with database/sql transactions and savepoints.
type Manager struct {
	db  *sql.DB
	seq atomic.Uint64
	sp  atomic.Uint64
}

// NewManager returns an in-memory manager.
func NewManager() *Manager {
	return &Manager{}
}

// NewSQLManager returns a manager whose outermost scopes are database
// transactions. Nested scopes use SAVEPOINT.
func NewSQLManager(db *sql.DB) *Manager {
	return &Manager{db: db}
}

type ctxKey struct{ m *Manager }

type pendingCallback struct {
	seq uint64
	cb  Callbacks
}

// Tx is one open scope.
type Tx struct {
	parent    *Tx
	depth     int
	sqlTx     *sql.Tx
	savepoint string

	mu        sync.Mutex
	done      bool
	callbacks []pendingCallback
}

// Begin opens a scope. When ctx already carries an open scope of this manager
// the new scope is nested inside it.
func (m *Manager) Begin(ctx context.Context) (context.Context, *Tx, error) {
	parent := m.activeTx(ctx)
	tx := &Tx{parent: parent}

	switch {
	case parent != nil:
		tx.depth = parent.depth + 1
		tx.sqlTx = parent.sqlTx
		if tx.sqlTx != nil {
			tx.savepoint = fmt.Sprintf("eventflow_sp_%d", m.sp.Add(1))
			if _, err := tx.sqlTx.ExecContext(ctx, "SAVEPOINT "+tx.savepoint); err != nil {
				return ctx, nil, fmt.Errorf("create savepoint: %w", err)
			}
		}
	case m.db != nil:
		sqlTx, err := m.db.BeginTx(ctx, nil)
		if err != nil {
			return ctx, nil, fmt.Errorf("begin transaction: %w", err)
		}
		tx.sqlTx = sqlTx
	}

	return context.WithValue(ctx, ctxKey{m}, tx), tx, nil
}

// IsTransactionOpen reports whether ctx carries an open scope of this manager.
func (m *Manager) IsTransactionOpen(ctx context.Context) bool {
	return m.activeTx(ctx) != nil
}

// RegisterCallbacks attaches cb to the innermost open scope carried by ctx.
func (m *Manager) RegisterCallbacks(ctx context.Context, cb Callbacks) error {
	tx := m.activeTx(ctx)
	if tx == nil {
		return errspkg.ErrNoTransaction
	}
	return tx.register(pendingCallback{seq: m.seq.Add(1), cb: cb})
}

// Current returns the innermost open scope carried by ctx.
func (m *Manager) Current(ctx context.Context) (*Tx, bool) {
	tx := m.activeTx(ctx)
	return tx, tx != nil
}

// activeTx walks up from the scope stored in ctx to the nearest one that is
// still open.
func (m *Manager) activeTx(ctx context.Context) *Tx {
	if ctx == nil {
		return nil
	}
	tx, _ := ctx.Value(ctxKey{m}).(*Tx)
	for tx != nil && tx.finished() {
		tx = tx.parent
	}
	return tx
}

func (tx *Tx) finished() bool {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.done
}

func (tx *Tx) register(p pendingCallback) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.done {
		return errspkg.ErrTransactionFinished
	}
	tx.callbacks = append(tx.callbacks, p)
	return nil
}

// finish marks the scope done and hands back its callbacks.
func (tx *Tx) finish() ([]pendingCallback, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.done {
		return nil, errspkg.ErrTransactionFinished
	}
	tx.done = true
	cbs := tx.callbacks
	tx.callbacks = nil
	return cbs, nil
}

// Depth is 0 for an outermost scope and grows by one per nesting level.
func (tx *Tx) Depth() int { return tx.depth }

// SQL returns the database transaction backing the scope, or nil for an
// in-memory manager.
func (tx *Tx) SQL() *sql.Tx { return tx.sqlTx }

// Commit closes the scope. A nested commit releases its savepoint and hands
// its callbacks to the parent scope. The outermost commit commits the
// database transaction and then runs every OnCommit callback in registration
// order, joining their errors.
func (tx *Tx) Commit(ctx context.Context) error {
	cbs, err := tx.finish()
	if err != nil {
		return err
	}

	if tx.parent != nil {
		if tx.savepoint != "" {
			if _, err := tx.sqlTx.ExecContext(ctx, "RELEASE SAVEPOINT "+tx.savepoint); err != nil {
				fireRollbacks(ctx, cbs)
				return fmt.Errorf("release savepoint: %w", err)
			}
		}
		for _, p := range cbs {
			if err := tx.parent.register(p); err != nil {
				return err
			}
		}
		return nil
	}

	if tx.sqlTx != nil {
		if err := tx.sqlTx.Commit(); err != nil {
			fireRollbacks(ctx, cbs)
			return fmt.Errorf("commit transaction: %w", err)
		}
	}

	slices.SortStableFunc(cbs, func(a, b pendingCallback) int {
		return cmp.Compare(a.seq, b.seq)
	})

	var errs []error
	for _, p := range cbs {
		if p.cb.OnCommit == nil {
			continue
		}
		if err := p.cb.OnCommit(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Rollback discards the scope and runs the OnRollback callbacks registered in
// it. Rolling back a finished scope returns ErrTransactionFinished.
func (tx *Tx) Rollback(ctx context.Context) error {
	cbs, err := tx.finish()
	if err != nil {
		return err
	}

	var dbErr error
	switch {
	case tx.savepoint != "":
		if _, err := tx.sqlTx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+tx.savepoint); err != nil {
			dbErr = fmt.Errorf("rollback savepoint: %w", err)
		}
	case tx.parent == nil && tx.sqlTx != nil:
		if err := tx.sqlTx.Rollback(); err != nil {
			dbErr = fmt.Errorf("rollback transaction: %w", err)
		}
	}

	fireRollbacks(ctx, cbs)
	return dbErr
}

func fireRollbacks(ctx context.Context, cbs []pendingCallback) {
	for _, p := range cbs {
		if p.cb.OnRollback != nil {
			p.cb.OnRollback(ctx)
		}
	}
}

// Run executes fn inside a scope, committing when fn returns nil and rolling
// back on error or panic.
func Run(ctx context.Context, m *Manager, fn func(ctx context.Context) error) error {
	txCtx, tx, err := m.Begin(ctx)
	if err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			_ = tx.Rollback(txCtx)
			panic(r)
		}
	}()

	if err := fn(txCtx); err != nil {
		if rbErr := tx.Rollback(txCtx); rbErr != nil {
			return errors.Join(err, rbErr)
		}
		return err
	}
	return tx.Commit(txCtx)
}
