package tx

import (
	"context"
	"fmt"

	"github.com/R3E-Network/entity_engine/internal/engine/callctx"
	"github.com/R3E-Network/entity_engine/internal/engine/deploy"
	"github.com/R3E-Network/entity_engine/internal/engine/failure"
	"github.com/R3E-Network/entity_engine/pkg/logger"
)

// Context is the transaction state of one invocation, created by
// Policy.BeforeInvoke and consumed by Policy.AfterInvoke.
type Context struct {
	// Caller is the context the invocation arrived with.
	Caller context.Context

	// Ambient is the caller's transaction, if any.
	Ambient *Transaction

	// Tx is the transaction the method body runs in, if any.
	Tx *Transaction

	// Began reports whether the policy began Tx and therefore completes it.
	Began bool

	// Suspended reports whether the ambient transaction was suspended.
	Suspended bool

	// Thread is the invocation's call context.
	Thread *callctx.ThreadContext

	ctx       context.Context
	attribute deploy.TxAttribute
	completed bool
}

// Context returns the context the method body runs with. Its ambient
// transaction is Tx.
func (c *Context) Context() context.Context { return c.ctx }

// Attribute returns the attribute of the policy that created c.
func (c *Context) Attribute() deploy.TxAttribute { return c.attribute }

// IsTransactionActive reports whether the body runs in an active transaction.
func (c *Context) IsTransactionActive() bool {
	return c != nil && c.Tx.IsActive()
}

// SetRollbackOnly marks the running transaction rollback-only.
func (c *Context) SetRollbackOnly() error {
	if !c.IsTransactionActive() {
		return failure.ErrTransactionInactive
	}
	return c.Tx.SetRollbackOnly()
}

// Completed reports whether AfterInvoke already ran.
func (c *Context) Completed() bool { return c.completed }

// Policy applies one transaction attribute around an invocation.
type Policy interface {
	Attribute() deploy.TxAttribute

	// BeforeInvoke establishes the transaction context. On error no context
	// exists and AfterInvoke must not be called.
	BeforeInvoke(ctx context.Context, tc *callctx.ThreadContext) (*Context, error)

	// AfterInvoke completes a transaction the policy began. It never completes
	// a joined transaction and does nothing when called a second time.
	AfterInvoke(tcx *Context) error

	// HandleSystemException marks the running transaction rollback-only and
	// returns the system error to raise.
	HandleSystemException(tcx *Context, err error) error

	// HandleApplicationException returns err unchanged, marking the
	// transaction rollback-only only when err asks for it.
	HandleApplicationException(tcx *Context, err error) error
}

// NewPolicy returns the policy for attr.
func NewPolicy(attr deploy.TxAttribute, m Manager, log *logger.Logger) (Policy, error) {
	if log == nil {
		log = logger.NewDefault("tx")
	}
	b := base{attr: attr, manager: m, log: log}
	switch attr {
	case deploy.Required:
		return required{b}, nil
	case deploy.RequiresNew:
		return requiresNew{b}, nil
	case deploy.Supports:
		return supports{b}, nil
	case deploy.NotSupported:
		return notSupported{b}, nil
	case deploy.Mandatory:
		return mandatory{b}, nil
	case deploy.Never:
		return never{b}, nil
	}
	return nil, fmt.Errorf("%w: %q", deploy.ErrUnknownAttribute, attr)
}

// Policies holds one shared policy per attribute.
type Policies map[deploy.TxAttribute]Policy

// NewPolicies builds the policy of every attribute.
func NewPolicies(m Manager, log *logger.Logger) Policies {
	out := make(Policies, 6)
	for _, attr := range []deploy.TxAttribute{
		deploy.Required, deploy.RequiresNew, deploy.Supports,
		deploy.NotSupported, deploy.Mandatory, deploy.Never,
	} {
		p, _ := NewPolicy(attr, m, log)
		out[attr] = p
	}
	return out
}

// For returns the policy of attr.
func (p Policies) For(attr deploy.TxAttribute) (Policy, error) {
	policy, ok := p[attr]
	if !ok {
		return nil, fmt.Errorf("%w: %q", deploy.ErrUnknownAttribute, attr)
	}
	return policy, nil
}

type base struct {
	attr    deploy.TxAttribute
	manager Manager
	log     *logger.Logger
}

func (b base) Attribute() deploy.TxAttribute { return b.attr }

func (b base) newContext(ctx context.Context, tc *callctx.ThreadContext, ambient *Transaction) *Context {
	tcx := &Context{
		Caller:    ctx,
		Ambient:   ambient,
		Thread:    tc,
		ctx:       ctx,
		attribute: b.attr,
	}
	if tc != nil {
		tc.SetTransactionScope(tcx)
	}
	return tcx
}

func (b base) join(ctx context.Context, tc *callctx.ThreadContext, ambient *Transaction) *Context {
	tcx := b.newContext(ctx, tc, ambient)
	tcx.Tx = ambient
	return tcx
}

func (b base) begin(ctx context.Context, tc *callctx.ThreadContext, ambient *Transaction) (*Context, error) {
	t, err := b.manager.Begin(ctx)
	if err != nil {
		return nil, failure.System("begin transaction", err)
	}
	tcx := b.newContext(ctx, tc, ambient)
	tcx.Tx = t
	tcx.Began = true
	tcx.Suspended = ambient != nil
	tcx.ctx = WithTransaction(ctx, t)
	return tcx, nil
}

func (b base) without(ctx context.Context, tc *callctx.ThreadContext, ambient *Transaction) *Context {
	tcx := b.newContext(ctx, tc, ambient)
	if ambient != nil {
		tcx.Suspended = true
		tcx.ctx = Suspend(ctx)
	}
	return tcx
}

func (b base) AfterInvoke(tcx *Context) error {
	if tcx == nil || tcx.completed {
		return nil
	}
	tcx.completed = true
	if !tcx.Began || !tcx.Tx.IsActive() {
		return nil
	}
	ctx := context.WithoutCancel(tcx.Caller)
	if tcx.Tx.RollbackOnly() {
		if err := b.manager.Rollback(ctx, tcx.Tx); err != nil {
			return failure.System("rollback", err)
		}
		return nil
	}
	if err := b.manager.Commit(ctx, tcx.Tx); err != nil {
		return failure.System("commit", err)
	}
	return nil
}

func (b base) HandleSystemException(tcx *Context, err error) error {
	if tcx == nil || !tcx.Tx.IsActive() {
		return failure.System("invoke", err)
	}
	t := tcx.Tx
	if setErr := t.SetRollbackOnly(); setErr != nil {
		b.log.WithError(setErr).WithField("tx", t.ID()).Warn("could not mark transaction rollback-only")
	}
	if tcx.Began {
		if rbErr := b.manager.Rollback(context.WithoutCancel(tcx.Caller), t); rbErr != nil {
			b.log.WithError(rbErr).WithField("tx", t.ID()).Error("rollback after system failure")
		}
		return failure.System("invoke", err)
	}
	// The caller's transaction can no longer commit.
	return &failure.SystemError{
		Op:    "invoke",
		Cause: fmt.Errorf("%w: %w", failure.ErrTransactionRolledBack, err),
	}
}

func (b base) HandleApplicationException(tcx *Context, err error) error {
	if failure.RequiresRollback(err) && tcx != nil && tcx.Tx.IsActive() {
		if setErr := tcx.Tx.SetRollbackOnly(); setErr != nil {
			b.log.WithError(setErr).WithField("tx", tcx.Tx.ID()).Warn("could not mark transaction rollback-only")
		}
	}
	return err
}

type required struct{ base }

func (p required) BeforeInvoke(ctx context.Context, tc *callctx.ThreadContext) (*Context, error) {
	if ambient := FromContext(ctx); ambient != nil {
		return p.join(ctx, tc, ambient), nil
	}
	return p.begin(ctx, tc, nil)
}

type requiresNew struct{ base }

func (p requiresNew) BeforeInvoke(ctx context.Context, tc *callctx.ThreadContext) (*Context, error) {
	return p.begin(ctx, tc, FromContext(ctx))
}

type supports struct{ base }

func (p supports) BeforeInvoke(ctx context.Context, tc *callctx.ThreadContext) (*Context, error) {
	return p.join(ctx, tc, FromContext(ctx)), nil
}

type notSupported struct{ base }

func (p notSupported) BeforeInvoke(ctx context.Context, tc *callctx.ThreadContext) (*Context, error) {
	return p.without(ctx, tc, FromContext(ctx)), nil
}

type mandatory struct{ base }

func (p mandatory) BeforeInvoke(ctx context.Context, tc *callctx.ThreadContext) (*Context, error) {
	ambient := FromContext(ctx)
	if ambient == nil {
		return nil, failure.System("before invoke", failure.ErrTransactionRequired)
	}
	return p.join(ctx, tc, ambient), nil
}

type never struct{ base }

func (p never) BeforeInvoke(ctx context.Context, tc *callctx.ThreadContext) (*Context, error) {
	ambient := FromContext(ctx)
	if ambient != nil {
		return nil, failure.System("before invoke", fmt.Errorf("%w: %s", failure.ErrTransactionNotAllowed, ambient.ID()))
	}
	return p.join(ctx, tc, nil), nil
}
