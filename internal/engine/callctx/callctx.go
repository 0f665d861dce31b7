// Package callctx carries the per-invocation ThreadContext through a
// context.Context.
//
// A ThreadContext is created for every container invocation, bound with Enter
// and released with Exit on every exit path. Nested invocations keep a pointer
// to the enclosing context so the container can see which identities are
// already on the call chain.
package callctx

import (
	"context"
	"sync/atomic"

	"github.com/R3E-Network/entity_engine/internal/engine/deploy"
	"github.com/R3E-Network/entity_engine/internal/engine/state"
)

// TransactionScope is the view of a transaction context the call context needs.
type TransactionScope interface {
	IsTransactionActive() bool
}

// ThreadContext is the state of one invocation.
type ThreadContext struct {
	deployment *deploy.Deployment
	primaryKey any
	identity   string
	operation  atomic.Int32
	scope      TransactionScope
	parent     *ThreadContext
	entered    atomic.Bool
	exited     atomic.Bool
}

// New creates a ThreadContext for an invocation on d.
func New(d *deploy.Deployment, primaryKey any, identity string) *ThreadContext {
	return &ThreadContext{
		deployment: d,
		primaryKey: primaryKey,
		identity:   identity,
	}
}

// Deployment returns the deployment being invoked.
func (tc *ThreadContext) Deployment() *deploy.Deployment { return tc.deployment }

// PrimaryKey returns the identity the invocation runs against, or nil.
func (tc *ThreadContext) PrimaryKey() any { return tc.primaryKey }

// SetPrimaryKey records the identity. Create sets it once the bean returns its key.
func (tc *ThreadContext) SetPrimaryKey(pk any) { tc.primaryKey = pk }

// Identity returns the caller's security identity.
func (tc *ThreadContext) Identity() string { return tc.identity }

// Operation returns the last phase set.
func (tc *ThreadContext) Operation() state.Operation {
	return state.Operation(tc.operation.Load())
}

// SetOperation records the current phase. It always succeeds.
func (tc *ThreadContext) SetOperation(op state.Operation) {
	tc.operation.Store(int32(op))
}

// WithOperation runs fn under op and restores the previous phase afterwards,
// whether fn succeeds, fails or panics.
func (tc *ThreadContext) WithOperation(op state.Operation, fn func() error) error {
	prev := tc.Operation()
	tc.SetOperation(op)
	defer tc.SetOperation(prev)
	return fn()
}

// SetTransactionScope attaches the transaction context of the invocation.
func (tc *ThreadContext) SetTransactionScope(scope TransactionScope) {
	tc.scope = scope
}

// TransactionScope returns the attached transaction context, or nil.
func (tc *ThreadContext) TransactionScope() TransactionScope { return tc.scope }

// TransactionActive reports whether the invocation runs inside an active transaction.
func (tc *ThreadContext) TransactionActive() bool {
	return tc.scope != nil && tc.scope.IsTransactionActive()
}

// Parent returns the enclosing invocation's context, or nil.
func (tc *ThreadContext) Parent() *ThreadContext { return tc.parent }

// Active reports whether the context is bound and not yet exited.
func (tc *ThreadContext) Active() bool {
	return tc.entered.Load() && !tc.exited.Load()
}

// Exit releases the context. It is idempotent and reports whether this call
// did the release.
func (tc *ThreadContext) Exit() bool {
	if tc == nil || !tc.entered.Load() {
		return false
	}
	if !tc.exited.CompareAndSwap(false, true) {
		return false
	}
	tc.SetOperation(state.OperationNone)
	return true
}

// OnCallChain reports whether an active invocation of deploymentID against pk
// encloses tc. tc itself is not considered.
func (tc *ThreadContext) OnCallChain(deploymentID string, pk any) bool {
	if pk == nil {
		return false
	}
	for p := tc.parent; p != nil; p = p.parent {
		if !p.Active() || p.deployment == nil || p.primaryKey == nil {
			continue
		}
		if p.deployment.ID() == deploymentID && sameKey(p.primaryKey, pk) {
			return true
		}
	}
	return false
}

func sameKey(a, b any) (eq bool) {
	defer func() {
		if recover() != nil {
			eq = false
		}
	}()
	return a == b
}

type ctxKey struct{}

// Enter binds tc to ctx. The context active in ctx, if any, becomes tc's parent.
func Enter(ctx context.Context, tc *ThreadContext) context.Context {
	tc.parent = From(ctx)
	tc.entered.Store(true)
	return context.WithValue(ctx, ctxKey{}, tc)
}

// From returns the active ThreadContext bound to ctx. Exited contexts are not
// returned; the nearest active ancestor is returned instead.
func From(ctx context.Context) *ThreadContext {
	if ctx == nil {
		return nil
	}
	tc, _ := ctx.Value(ctxKey{}).(*ThreadContext)
	for tc != nil && !tc.Active() {
		tc = tc.parent
	}
	return tc
}
