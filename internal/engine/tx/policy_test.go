package tx

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/entity_engine/internal/engine/callctx"
	"github.com/R3E-Network/entity_engine/internal/engine/deploy"
	"github.com/R3E-Network/entity_engine/internal/engine/failure"
	"github.com/R3E-Network/entity_engine/pkg/logger"
)

type nopBean struct{}

func (nopBean) Load(context.Context) error   { return nil }
func (nopBean) Store(context.Context) error  { return nil }
func (nopBean) Remove(context.Context) error { return nil }

func threadContext(t *testing.T) *callctx.ThreadContext {
	t.Helper()
	d, err := deploy.New("account", func() (deploy.EntityBean, error) { return nopBean{}, nil })
	require.NoError(t, err)
	return callctx.New(d, "k1", "alice")
}

func policyFor(t *testing.T, m Manager, attr deploy.TxAttribute) Policy {
	t.Helper()
	p, err := NewPolicies(m, logger.NewNop()).For(attr)
	require.NoError(t, err)
	require.Equal(t, attr, p.Attribute())
	return p
}

func TestPolicies_WithoutAmbient(t *testing.T) {
	tests := []struct {
		attr    deploy.TxAttribute
		wantTx  bool
		wantErr error
	}{
		{deploy.Required, true, nil},
		{deploy.RequiresNew, true, nil},
		{deploy.Supports, false, nil},
		{deploy.NotSupported, false, nil},
		{deploy.Mandatory, false, failure.ErrTransactionRequired},
		{deploy.Never, false, nil},
	}
	for _, tt := range tests {
		t.Run(string(tt.attr), func(t *testing.T) {
			m := newManager()
			p := policyFor(t, m, tt.attr)
			tc := threadContext(t)

			tcx, err := p.BeforeInvoke(context.Background(), tc)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				assert.True(t, failure.IsSystem(err))
				assert.Nil(t, tcx)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantTx, tcx.IsTransactionActive())
			assert.Equal(t, tt.wantTx, tcx.Began)
			assert.Equal(t, tt.wantTx, tc.TransactionActive())
			if tt.wantTx {
				assert.Same(t, tcx.Tx, FromContext(tcx.Context()))
			}

			require.NoError(t, p.AfterInvoke(tcx))
			if tt.wantTx {
				assert.Equal(t, StatusCommitted, tcx.Tx.Status())
				assert.Equal(t, int64(1), m.Stats().Committed)
			}
		})
	}
}

func TestPolicies_WithAmbient(t *testing.T) {
	tests := []struct {
		attr     deploy.TxAttribute
		joins    bool
		begins   bool
		suspends bool
		wantErr  error
	}{
		{deploy.Required, true, false, false, nil},
		{deploy.RequiresNew, false, true, true, nil},
		{deploy.Supports, true, false, false, nil},
		{deploy.NotSupported, false, false, true, nil},
		{deploy.Mandatory, true, false, false, nil},
		{deploy.Never, false, false, false, failure.ErrTransactionNotAllowed},
	}
	for _, tt := range tests {
		t.Run(string(tt.attr), func(t *testing.T) {
			m := newManager()
			p := policyFor(t, m, tt.attr)
			ambient, _ := m.Begin(context.Background())
			ctx := WithTransaction(context.Background(), ambient)

			tcx, err := p.BeforeInvoke(ctx, threadContext(t))
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Same(t, ambient, tcx.Ambient)
			assert.Equal(t, tt.begins, tcx.Began)
			assert.Equal(t, tt.suspends, tcx.Suspended)
			if tt.joins {
				assert.Same(t, ambient, tcx.Tx)
				assert.Same(t, ambient, FromContext(tcx.Context()))
			} else if !tt.begins {
				assert.Nil(t, tcx.Tx)
				assert.Nil(t, FromContext(tcx.Context()))
			} else {
				assert.NotSame(t, ambient, tcx.Tx)
			}

			require.NoError(t, p.AfterInvoke(tcx))
			assert.Equal(t, StatusActive, ambient.Status(), "the caller's transaction is never completed")
			assert.Same(t, ambient, FromContext(ctx), "the caller's transaction is resumed")
		})
	}
}

func TestAfterInvoke_RunsOnce(t *testing.T) {
	m := newManager()
	p := policyFor(t, m, deploy.Required)
	tcx, err := p.BeforeInvoke(context.Background(), threadContext(t))
	require.NoError(t, err)

	require.NoError(t, p.AfterInvoke(tcx))
	require.NoError(t, p.AfterInvoke(tcx))
	assert.True(t, tcx.Completed())
	assert.Equal(t, int64(1), m.Stats().Committed)
	assert.NoError(t, p.AfterInvoke(nil))
}

func TestAfterInvoke_RollbackOnlyRollsBack(t *testing.T) {
	m := newManager()
	p := policyFor(t, m, deploy.Required)
	tcx, _ := p.BeforeInvoke(context.Background(), threadContext(t))
	require.NoError(t, tcx.Tx.SetRollbackOnly())

	require.NoError(t, p.AfterInvoke(tcx))
	assert.Equal(t, StatusRolledBack, tcx.Tx.Status())
}

func TestHandleSystemException_OwnTransaction(t *testing.T) {
	m := newManager()
	p := policyFor(t, m, deploy.Required)
	tcx, _ := p.BeforeInvoke(context.Background(), threadContext(t))
	boom := errors.New("boom")

	err := p.HandleSystemException(tcx, boom)
	var sys *failure.SystemError
	require.ErrorAs(t, err, &sys)
	assert.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, failure.ErrTransactionRolledBack)
	assert.Equal(t, StatusRolledBack, tcx.Tx.Status(), "rolled back immediately")

	require.NoError(t, p.AfterInvoke(tcx))
	assert.Zero(t, m.Stats().Committed)
}

func TestHandleSystemException_JoinedTransaction(t *testing.T) {
	m := newManager()
	p := policyFor(t, m, deploy.Required)
	ambient, _ := m.Begin(context.Background())
	tcx, _ := p.BeforeInvoke(WithTransaction(context.Background(), ambient), threadContext(t))
	boom := errors.New("boom")

	err := p.HandleSystemException(tcx, boom)
	assert.True(t, failure.IsSystem(err))
	assert.ErrorIs(t, err, failure.ErrTransactionRolledBack)
	assert.ErrorIs(t, err, boom)
	assert.True(t, ambient.RollbackOnly(), "joined transaction is marked, not completed")
}

func TestHandleSystemException_NoTransaction(t *testing.T) {
	p := policyFor(t, newManager(), deploy.Supports)
	tcx, _ := p.BeforeInvoke(context.Background(), threadContext(t))
	err := p.HandleSystemException(tcx, errors.New("boom"))
	assert.True(t, failure.IsSystem(err))
	assert.NotErrorIs(t, err, failure.ErrTransactionRolledBack)
}

func TestHandleApplicationException(t *testing.T) {
	m := newManager()
	p := policyFor(t, m, deploy.Required)
	ambient, _ := m.Begin(context.Background())
	ctx := WithTransaction(context.Background(), ambient)

	tcx, _ := p.BeforeInvoke(ctx, threadContext(t))
	appErr := failure.Application(errors.New("insufficient funds"))
	got := p.HandleApplicationException(tcx, appErr)
	assert.Same(t, appErr, got)
	assert.False(t, ambient.RollbackOnly())

	tcx, _ = p.BeforeInvoke(ctx, threadContext(t))
	rbErr := failure.ApplicationRollback(errors.New("constraint"))
	got = p.HandleApplicationException(tcx, rbErr)
	assert.Same(t, rbErr, got)
	assert.True(t, ambient.RollbackOnly())
}
