package account

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/entity_engine/internal/engine/container"
	"github.com/R3E-Network/entity_engine/internal/engine/deploy"
	"github.com/R3E-Network/entity_engine/internal/engine/failure"
	"github.com/R3E-Network/entity_engine/internal/engine/timer"
	"github.com/R3E-Network/entity_engine/internal/engine/tx"
	"github.com/R3E-Network/entity_engine/pkg/logger"
)

var columns = []string{"id", "owner", "balance", "created_at", "updated_at"}

type fixture struct {
	c       *container.Container
	mock    sqlmock.Sqlmock
	store   *Store
	manager *tx.LocalManager
}

func newFixture(t *testing.T, opts ...deploy.Option) *fixture {
	t.Helper()
	raw, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { raw.Close() })

	f := &fixture{
		mock:    mock,
		store:   NewStore(sqlx.NewDb(raw, "sqlmock")),
		manager: tx.NewLocalManager(logger.NewNop()),
	}
	d, err := NewDeployment(f.store, opts...)
	require.NoError(t, err)
	f.c = container.New(container.DefaultConfig(), f.manager, container.WithLogger(logger.NewNop()))
	t.Cleanup(f.c.Close)
	require.NoError(t, f.c.Deploy(d))
	return f
}

func (f *fixture) invoke(method string, pk any, args ...any) (any, error) {
	return f.c.Invoke(context.Background(), DeploymentID, method, args, pk, "")
}

func (f *fixture) expectRow(id, owner string, balance int64) {
	now := time.Now()
	f.mock.ExpectQuery("FROM accounts WHERE id").
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows(columns).AddRow(id, owner, balance, now, now))
}

func (f *fixture) done(t *testing.T) {
	t.Helper()
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestCreate_InsertsInContainerTransaction(t *testing.T) {
	f := newFixture(t)
	f.mock.ExpectBegin()
	f.mock.ExpectExec("INSERT INTO accounts").
		WithArgs("a1", "alice", int64(100)).
		WillReturnResult(sqlmock.NewResult(1, 1))
	f.mock.ExpectCommit()

	got, err := f.invoke("create", nil, "a1", "alice", int64(100))
	require.NoError(t, err)
	assert.Equal(t, container.ProxyInfo{DeploymentID: DeploymentID, PrimaryKey: "a1", Interface: "Account"}, got)
	f.done(t)
}

func TestCreate_InsertFailureRollsBack(t *testing.T) {
	f := newFixture(t)
	f.mock.ExpectBegin()
	f.mock.ExpectExec("INSERT INTO accounts").WillReturnError(errors.New("duplicate key"))
	f.mock.ExpectRollback()

	_, err := f.invoke("create", nil, "a1", "alice", int64(100))
	require.Error(t, err)
	assert.True(t, failure.IsSystem(err))
	assert.EqualValues(t, 1, f.manager.Stats().RolledBack)
	f.done(t)
}

func TestDeposit_WithoutTransactionLoadsAndStores(t *testing.T) {
	f := newFixture(t, deploy.WithMethodTransaction("deposit", deploy.Supports))
	f.expectRow("a1", "alice", 100)
	f.mock.ExpectExec("UPDATE accounts SET").
		WithArgs("alice", int64(150), "a1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	got, err := f.invoke("deposit", "a1", int64(50))
	require.NoError(t, err)
	assert.Equal(t, int64(150), got)
	f.done(t)
}

func TestWithdraw_InTransactionWritesThrough(t *testing.T) {
	f := newFixture(t)
	f.mock.ExpectBegin()
	f.expectRow("a1", "alice", 100)
	f.mock.ExpectExec("UPDATE accounts SET").
		WithArgs("alice", int64(40), "a1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectCommit()

	got, err := f.invoke("withdraw", "a1", 60)
	require.NoError(t, err)
	assert.Equal(t, int64(40), got)
	f.done(t)
}

func TestWithdraw_InsufficientFundsIsApplicationError(t *testing.T) {
	f := newFixture(t)
	f.mock.ExpectBegin()
	f.expectRow("a1", "alice", 10)
	f.mock.ExpectCommit()

	_, err := f.invoke("withdraw", "a1", int64(60))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInsufficientFunds)
	assert.Equal(t, failure.ClassApplication, failure.ClassOf(err))
	assert.EqualValues(t, 1, f.manager.Stats().Committed)
	f.done(t)
}

func TestWithdraw_StoreFailureRollsBack(t *testing.T) {
	f := newFixture(t)
	f.mock.ExpectBegin()
	f.expectRow("a1", "alice", 100)
	f.mock.ExpectExec("UPDATE accounts SET").WillReturnError(errors.New("connection reset"))
	f.mock.ExpectRollback()

	_, err := f.invoke("withdraw", "a1", int64(60))
	require.Error(t, err)
	assert.True(t, failure.IsSystem(err))
	f.done(t)
}

func TestBalance_MissingAccount(t *testing.T) {
	f := newFixture(t, deploy.WithMethodTransaction("balance", deploy.Supports))
	f.mock.ExpectQuery("FROM accounts WHERE id").
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows(columns))

	_, err := f.invoke("balance", "ghost")
	require.Error(t, err)
	assert.ErrorIs(t, err, failure.ErrNoSuchObject)
	assert.Equal(t, failure.ClassApplication, failure.ClassOf(err))
	f.done(t)
}

func TestInvalidAmount(t *testing.T) {
	f := newFixture(t)
	f.mock.ExpectBegin()
	f.expectRow("a1", "alice", 100)
	f.mock.ExpectCommit()

	_, err := f.invoke("deposit", "a1", int64(-5))
	assert.ErrorIs(t, err, ErrInvalidAmount)
	assert.Equal(t, failure.ClassApplication, failure.ClassOf(err))
	f.done(t)
}

func TestFinders(t *testing.T) {
	t.Run("by owner", func(t *testing.T) {
		f := newFixture(t)
		f.mock.ExpectBegin()
		f.mock.ExpectQuery("SELECT id FROM accounts WHERE owner").
			WithArgs("alice").
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("a1").AddRow("a2"))
		f.mock.ExpectCommit()

		got, err := f.invoke("findByOwner", nil, "alice")
		require.NoError(t, err)
		infos, ok := got.([]container.ProxyInfo)
		require.True(t, ok, "got %T", got)
		require.Len(t, infos, 2)
		assert.Equal(t, "a2", infos[1].PrimaryKey)
		f.done(t)
	})

	t.Run("by primary key", func(t *testing.T) {
		f := newFixture(t)
		f.mock.ExpectBegin()
		f.mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM accounts WHERE id")).
			WithArgs("a1").
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
		f.mock.ExpectCommit()

		got, err := f.invoke("findByPrimaryKey", nil, "a1")
		require.NoError(t, err)
		assert.Equal(t, "a1", got.(container.ProxyInfo).PrimaryKey)
		f.done(t)
	})

	t.Run("missing primary key", func(t *testing.T) {
		f := newFixture(t)
		f.mock.ExpectBegin()
		f.mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM accounts WHERE id")).
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
		f.mock.ExpectCommit()

		_, err := f.invoke("findByPrimaryKey", nil, "ghost")
		assert.ErrorIs(t, err, failure.ErrNoSuchObject)
		f.done(t)
	})

	t.Run("all", func(t *testing.T) {
		f := newFixture(t)
		f.mock.ExpectBegin()
		f.mock.ExpectQuery("SELECT id FROM accounts ORDER BY id").
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("a1").AddRow("a2").AddRow("a3"))
		f.mock.ExpectCommit()

		got, err := f.invoke("findAll", nil)
		require.NoError(t, err)
		enum, ok := got.(*deploy.Enumeration)
		require.True(t, ok, "got %T", got)
		assert.Equal(t, 3, enum.Len())
		f.done(t)
	})
}

func TestTotalBalance(t *testing.T) {
	f := newFixture(t)
	f.mock.ExpectBegin()
	f.mock.ExpectQuery(regexp.QuoteMeta("SELECT COALESCE(SUM(balance), 0) FROM accounts")).
		WillReturnRows(sqlmock.NewRows([]string{"total"}).AddRow(int64(250)))
	f.mock.ExpectCommit()

	got, err := f.invoke("totalBalance", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(250), got)
	f.done(t)
}

func TestRemove(t *testing.T) {
	f := newFixture(t)
	f.mock.ExpectBegin()
	f.expectRow("a1", "alice", 100)
	f.mock.ExpectExec("DELETE FROM accounts").
		WithArgs("a1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectCommit()

	_, err := f.invoke("remove", "a1")
	require.NoError(t, err)
	f.done(t)
}

func TestRemove_MissingRow(t *testing.T) {
	f := newFixture(t)
	f.mock.ExpectBegin()
	f.mock.ExpectQuery("FROM accounts WHERE id").
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows(columns))
	f.mock.ExpectCommit()

	_, err := f.invoke("remove", "ghost")
	require.Error(t, err)
	assert.ErrorIs(t, err, failure.ErrNoSuchObject)
	assert.Equal(t, failure.ClassApplication, failure.ClassOf(err))
	f.done(t)
}

func TestRemove_RowDeletedConcurrently(t *testing.T) {
	f := newFixture(t)
	f.mock.ExpectBegin()
	f.expectRow("a1", "alice", 100)
	f.mock.ExpectExec("DELETE FROM accounts").WillReturnResult(sqlmock.NewResult(0, 0))
	f.mock.ExpectRollback()

	_, err := f.invoke("remove", "a1")
	require.Error(t, err)
	assert.ErrorIs(t, err, failure.ErrNoSuchEntity)
	assert.True(t, failure.IsSystem(err))
	f.done(t)
}

func TestDeposit_TwiceInOneTransaction(t *testing.T) {
	f := newFixture(t, deploy.WithMethodTransaction("deposit", deploy.Supports))
	f.mock.ExpectBegin()
	f.expectRow("a1", "alice", 100)
	f.mock.ExpectExec("UPDATE accounts SET").
		WithArgs("alice", int64(110), "a1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectExec("UPDATE accounts SET").
		WithArgs("alice", int64(130), "a1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectCommit()

	ambient, err := f.manager.Begin(context.Background())
	require.NoError(t, err)
	ctx := tx.WithTransaction(context.Background(), ambient)
	for _, amount := range []int64{10, 20} {
		_, err := f.c.Invoke(ctx, DeploymentID, "deposit", []any{amount}, "a1", "")
		require.NoError(t, err)
	}
	require.NoError(t, f.manager.Commit(ctx, ambient))
	f.done(t)
}

func TestAccrue_FromTimer(t *testing.T) {
	f := newFixture(t)
	timers := timer.New(f.c, timer.WithLogger(logger.NewNop()))
	id, err := timers.Schedule(DeploymentID, "a1", "accrue", "@monthly", 50)
	require.NoError(t, err)

	f.mock.ExpectBegin()
	f.expectRow("a1", "alice", 1000)
	f.mock.ExpectExec("UPDATE accounts SET").
		WithArgs("alice", int64(1005), "a1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectCommit()

	require.NoError(t, timers.Fire(context.Background(), id))
	f.done(t)
}

func TestMigrate(t *testing.T) {
	raw, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer raw.Close()
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS accounts").WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, NewStore(sqlx.NewDb(raw, "sqlmock")).Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}
