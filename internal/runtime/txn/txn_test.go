package txn

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	errspkg "github.com/drblury/eventflow/internal/runtime/errors"
)

type recorder struct {
	commits   []string
	rollbacks []string
}

func (r *recorder) callbacks(name string) Callbacks {
	return Callbacks{
		OnCommit: func(context.Context) error {
			r.commits = append(r.commits, name)
			return nil
		},
		OnRollback: func(context.Context) {
			r.rollbacks = append(r.rollbacks, name)
		},
	}
}

func TestInMemoryCommitRunsCallbacksInOrder(t *testing.T) {
	m := NewManager()
	rec := &recorder{}
	ctx := context.Background()

	assert.False(t, m.IsTransactionOpen(ctx))

	txCtx, tx, err := m.Begin(ctx)
	require.NoError(t, err)
	assert.True(t, m.IsTransactionOpen(txCtx))
	assert.Nil(t, tx.SQL())

	require.NoError(t, m.RegisterCallbacks(txCtx, rec.callbacks("first")))
	require.NoError(t, m.RegisterCallbacks(txCtx, rec.callbacks("second")))
	assert.Empty(t, rec.commits)

	require.NoError(t, tx.Commit(txCtx))
	assert.Equal(t, []string{"first", "second"}, rec.commits)
	assert.Empty(t, rec.rollbacks)
	assert.False(t, m.IsTransactionOpen(txCtx))
}

func TestInMemoryRollbackDiscardsCommitCallbacks(t *testing.T) {
	m := NewManager()
	rec := &recorder{}

	txCtx, tx, err := m.Begin(context.Background())
	require.NoError(t, err)
	require.NoError(t, m.RegisterCallbacks(txCtx, rec.callbacks("only")))

	require.NoError(t, tx.Rollback(txCtx))
	assert.Empty(t, rec.commits)
	assert.Equal(t, []string{"only"}, rec.rollbacks)

	assert.ErrorIs(t, tx.Commit(txCtx), errspkg.ErrTransactionFinished)
	assert.ErrorIs(t, tx.Rollback(txCtx), errspkg.ErrTransactionFinished)
}

func TestRegisterCallbacksWithoutTransaction(t *testing.T) {
	m := NewManager()
	err := m.RegisterCallbacks(context.Background(), Callbacks{})
	assert.ErrorIs(t, err, errspkg.ErrNoTransaction)
}

func TestManagersDoNotSeeEachOthersScopes(t *testing.T) {
	a, b := NewManager(), NewManager()
	txCtx, _, err := a.Begin(context.Background())
	require.NoError(t, err)

	assert.True(t, a.IsTransactionOpen(txCtx))
	assert.False(t, b.IsTransactionOpen(txCtx))
}

func TestNestedCommitDefersToOutermost(t *testing.T) {
	m := NewManager()
	rec := &recorder{}

	outerCtx, outer, err := m.Begin(context.Background())
	require.NoError(t, err)
	innerCtx, inner, err := m.Begin(outerCtx)
	require.NoError(t, err)
	assert.Equal(t, 0, outer.Depth())
	assert.Equal(t, 1, inner.Depth())

	require.NoError(t, m.RegisterCallbacks(innerCtx, rec.callbacks("inner")))
	require.NoError(t, inner.Commit(innerCtx))
	assert.Empty(t, rec.commits, "inner commit must not fire callbacks")
	assert.True(t, m.IsTransactionOpen(innerCtx), "outer scope is still open")

	require.NoError(t, m.RegisterCallbacks(outerCtx, rec.callbacks("outer")))
	require.NoError(t, outer.Commit(outerCtx))
	assert.Equal(t, []string{"inner", "outer"}, rec.commits)
}

func TestNestedRollbackOnlyDiscardsInnerCallbacks(t *testing.T) {
	m := NewManager()
	rec := &recorder{}

	outerCtx, outer, err := m.Begin(context.Background())
	require.NoError(t, err)
	require.NoError(t, m.RegisterCallbacks(outerCtx, rec.callbacks("outer")))

	innerCtx, inner, err := m.Begin(outerCtx)
	require.NoError(t, err)
	require.NoError(t, m.RegisterCallbacks(innerCtx, rec.callbacks("inner")))
	require.NoError(t, inner.Rollback(innerCtx))
	assert.Equal(t, []string{"inner"}, rec.rollbacks)

	require.NoError(t, outer.Commit(outerCtx))
	assert.Equal(t, []string{"outer"}, rec.commits)
}

func TestOuterRollbackDiscardsCommittedInnerCallbacks(t *testing.T) {
	m := NewManager()
	rec := &recorder{}

	outerCtx, outer, err := m.Begin(context.Background())
	require.NoError(t, err)
	innerCtx, inner, err := m.Begin(outerCtx)
	require.NoError(t, err)
	require.NoError(t, m.RegisterCallbacks(innerCtx, rec.callbacks("inner")))
	require.NoError(t, inner.Commit(innerCtx))

	require.NoError(t, outer.Rollback(outerCtx))
	assert.Empty(t, rec.commits)
	assert.Equal(t, []string{"inner"}, rec.rollbacks)
}

func TestCommitJoinsCallbackErrors(t *testing.T) {
	m := NewManager()
	errA, errB := errors.New("a"), errors.New("b")
	var ran int

	txCtx, tx, err := m.Begin(context.Background())
	require.NoError(t, err)
	for _, e := range []error{errA, errB} {
		require.NoError(t, m.RegisterCallbacks(txCtx, Callbacks{OnCommit: func(context.Context) error {
			ran++
			return e
		}}))
	}

	err = tx.Commit(txCtx)
	assert.ErrorIs(t, err, errA)
	assert.ErrorIs(t, err, errB)
	assert.Equal(t, 2, ran)
}

func TestRun(t *testing.T) {
	m := NewManager()

	t.Run("commits on success", func(t *testing.T) {
		rec := &recorder{}
		err := Run(context.Background(), m, func(ctx context.Context) error {
			return m.RegisterCallbacks(ctx, rec.callbacks("ok"))
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"ok"}, rec.commits)
	})

	t.Run("rolls back on error", func(t *testing.T) {
		rec := &recorder{}
		boom := errors.New("boom")
		err := Run(context.Background(), m, func(ctx context.Context) error {
			require.NoError(t, m.RegisterCallbacks(ctx, rec.callbacks("failed")))
			return boom
		})
		assert.ErrorIs(t, err, boom)
		assert.Empty(t, rec.commits)
		assert.Equal(t, []string{"failed"}, rec.rollbacks)
	})

	t.Run("rolls back and re-panics", func(t *testing.T) {
		rec := &recorder{}
		assert.PanicsWithValue(t, "kaboom", func() {
			_ = Run(context.Background(), m, func(ctx context.Context) error {
				require.NoError(t, m.RegisterCallbacks(ctx, rec.callbacks("panicked")))
				panic("kaboom")
			})
		})
		assert.Equal(t, []string{"panicked"}, rec.rollbacks)
	})
}

type sqlManagerSuite struct {
	suite.Suite
	db *sql.DB
	m  *Manager
}

func TestSQLManagerSuite(t *testing.T) {
	suite.Run(t, new(sqlManagerSuite))
}

func (s *sqlManagerSuite) SetupTest() {
	db, err := sql.Open("sqlite3", filepath.Join(s.T().TempDir(), "txn.db"))
	s.Require().NoError(err)
	db.SetMaxOpenConns(1)
	_, err = db.Exec(`CREATE TABLE orders (id TEXT PRIMARY KEY)`)
	s.Require().NoError(err)
	s.db = db
	s.m = NewSQLManager(db)
}

func (s *sqlManagerSuite) TearDownTest() {
	s.Require().NoError(s.db.Close())
}

func (s *sqlManagerSuite) count() int {
	var n int
	s.Require().NoError(s.db.QueryRow(`SELECT COUNT(*) FROM orders`).Scan(&n))
	return n
}

func (s *sqlManagerSuite) insert(ctx context.Context, tx *Tx, id string) {
	_, err := tx.SQL().ExecContext(ctx, `INSERT INTO orders (id) VALUES (?)`, id)
	s.Require().NoError(err)
}

func (s *sqlManagerSuite) TestCommitPersistsAndFiresCallbacks() {
	rec := &recorder{}
	ctx, tx, err := s.m.Begin(context.Background())
	s.Require().NoError(err)
	s.Require().NotNil(tx.SQL())

	s.insert(ctx, tx, "o-1")
	s.Require().NoError(s.m.RegisterCallbacks(ctx, rec.callbacks("placed")))
	s.Require().NoError(tx.Commit(ctx))

	s.Equal(1, s.count())
	s.Equal([]string{"placed"}, rec.commits)
}

func (s *sqlManagerSuite) TestRollbackDiscardsRowsAndCallbacks() {
	rec := &recorder{}
	ctx, tx, err := s.m.Begin(context.Background())
	s.Require().NoError(err)

	s.insert(ctx, tx, "o-1")
	s.Require().NoError(s.m.RegisterCallbacks(ctx, rec.callbacks("placed")))
	s.Require().NoError(tx.Rollback(ctx))

	s.Equal(0, s.count())
	s.Empty(rec.commits)
	s.Equal([]string{"placed"}, rec.rollbacks)
}

func (s *sqlManagerSuite) TestNestedScopesUseSavepoints() {
	rec := &recorder{}
	outerCtx, outer, err := s.m.Begin(context.Background())
	s.Require().NoError(err)
	s.insert(outerCtx, outer, "kept")

	innerCtx, inner, err := s.m.Begin(outerCtx)
	s.Require().NoError(err)
	s.Same(outer.SQL(), inner.SQL())
	s.insert(innerCtx, inner, "discarded")
	s.Require().NoError(s.m.RegisterCallbacks(innerCtx, rec.callbacks("inner")))
	s.Require().NoError(inner.Rollback(innerCtx))

	committedCtx, committed, err := s.m.Begin(outerCtx)
	s.Require().NoError(err)
	s.insert(committedCtx, committed, "released")
	s.Require().NoError(s.m.RegisterCallbacks(committedCtx, rec.callbacks("released")))
	s.Require().NoError(committed.Commit(committedCtx))
	s.Empty(rec.commits)

	s.Require().NoError(outer.Commit(outerCtx))
	s.Equal(2, s.count())
	s.Equal([]string{"released"}, rec.commits)
	s.Equal([]string{"inner"}, rec.rollbacks)
}
