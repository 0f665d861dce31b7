package container

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/R3E-Network/entity_engine/internal/engine/callctx"
	"github.com/R3E-Network/entity_engine/internal/engine/deploy"
	"github.com/R3E-Network/entity_engine/internal/engine/events"
	"github.com/R3E-Network/entity_engine/internal/engine/failure"
	enginemetrics "github.com/R3E-Network/entity_engine/internal/engine/metrics"
	"github.com/R3E-Network/entity_engine/internal/engine/pool"
	"github.com/R3E-Network/entity_engine/internal/engine/security"
	"github.com/R3E-Network/entity_engine/internal/engine/state"
	"github.com/R3E-Network/entity_engine/internal/engine/tx"
)

// Invoke runs method of deployment deploymentID against primaryKey on behalf
// of identity. primaryKey is nil for home methods.
//
// Create returns a ProxyInfo. Find returns a ProxyInfo, a []ProxyInfo or a
// *deploy.Enumeration of ProxyInfo, matching the shape the finder returned.
// Remove returns nil. Other methods return the binding's result.
//
// Every error is either a *failure.ApplicationError or a system failure; see
// failure.ClassOf.
func (c *Container) Invoke(ctx context.Context, deploymentID, method string, args []any, primaryKey any, identity string) (result any, err error) {
	d, ok := c.registry.Get(deploymentID)
	if !ok {
		return nil, failure.System("invoke", fmt.Errorf("%w: %s", failure.ErrUnknownDeployment, deploymentID))
	}
	m, ok := d.Method(method)
	if !ok {
		return nil, failure.System("invoke", fmt.Errorf("%w: %s.%s", failure.ErrUnknownMethod, deploymentID, method))
	}

	tc := callctx.New(d, primaryKey, identity)
	ctx = callctx.Enter(ctx, tc)
	defer tc.Exit()

	start := time.Now()
	defer func() {
		c.metrics.RecordInvocation(d.ID(), m.Kind.String(), resultLabel(err), time.Since(start))
		c.recordPool(d.ID())
	}()

	if m.Kind != deploy.KindTimeout && !c.authorizer.IsCallerAuthorized(identity, d.RolesFor(m)) {
		c.reject(ctx, tc, m, events.EventUnauthorized, "unauthorized")
		if identity == "" {
			identity = security.Anonymous
		}
		return nil, failure.Application(fmt.Errorf("%w: %s may not call %s.%s",
			failure.ErrUnauthorized, identity, deploymentID, method))
	}
	if lim := c.limiter(d.ID()); lim != nil && !lim.Allow() {
		c.reject(ctx, tc, m, events.EventRateLimited, "rate_limited")
		return nil, failure.System("admit", failure.ErrRateLimited)
	}

	switch m.Kind {
	case deploy.KindCreate:
		return c.create(ctx, tc, m, args)
	case deploy.KindFind:
		tc.SetOperation(state.OperationFind)
		found, err := c.invoke(ctx, tc, m, args)
		if err != nil {
			return nil, err
		}
		return wrapKeys(d, m, found)
	case deploy.KindHome:
		tc.SetOperation(state.OperationHome)
		return c.invoke(ctx, tc, m, args)
	case deploy.KindRemove:
		tc.SetOperation(state.OperationRemove)
		return nil, c.remove(ctx, tc, m)
	case deploy.KindTimeout:
		tc.SetOperation(state.OperationTimeout)
		return c.invoke(ctx, tc, m, args)
	default:
		tc.SetOperation(state.OperationBusiness)
		return c.invoke(ctx, tc, m, args)
	}
}

// invocation is the per-call state shared by the dispatch paths.
type invocation struct {
	c      *Container
	tc     *callctx.ThreadContext
	method *deploy.Method
	policy tx.Policy
	tcx    *tx.Context
	ctx    context.Context
	inst   *pool.Instance

	// ready is set while inst is the instance enlisted in the transaction
	// for the invocation's identity.
	ready    *readyEntry
	readySet *readySet
}

// begin runs the method's policy. On success the caller must defer complete.
func (c *Container) begin(ctx context.Context, tc *callctx.ThreadContext, m *deploy.Method) (*invocation, error) {
	d := tc.Deployment()
	if !d.Reentrant() && tc.OnCallChain(d.ID(), tc.PrimaryKey()) {
		c.reject(ctx, tc, m, events.EventReentrancyRejected, "reentrant")
		return nil, failure.Application(fmt.Errorf("%w: %s %v", failure.ErrReentrantCall, d.ID(), tc.PrimaryKey()))
	}
	policy, err := c.policies.For(d.AttributeFor(m))
	if err != nil {
		return nil, failure.System("invoke", err)
	}
	tcx, err := policy.BeforeInvoke(ctx, tc)
	if err != nil {
		c.failed(ctx, tc, m, failure.ClassSystem, err)
		return nil, err
	}
	return &invocation{
		c:      c,
		tc:     tc,
		method: m,
		policy: policy,
		tcx:    tcx,
		ctx:    tcx.Context(),
	}, nil
}

// complete runs AfterInvoke. A completion failure replaces *errp.
func (iv *invocation) complete(errp *error) {
	if iv.inst != nil {
		// A path returned without settling its instance.
		iv.discard()
	}
	afterErr := iv.policy.AfterInvoke(iv.tcx)
	if iv.tcx.Began {
		iv.c.metrics.RecordTransaction(string(iv.tcx.Attribute()), iv.tcx.Tx.Status().String())
	}
	if afterErr == nil {
		return
	}
	if *errp != nil {
		iv.c.log.WithError(*errp).WithField("deployment", iv.tc.Deployment().ID()).
			Warn("invocation failure superseded by transaction completion failure")
	}
	iv.c.failed(iv.ctx, iv.tc, iv.method, failure.ClassSystem, afterErr)
	*errp = afterErr
}

// enlists reports whether the invocation is served by the instance enlisted
// in its transaction for its identity.
func (iv *invocation) enlists() bool {
	return iv.tc.PrimaryKey() != nil && iv.tc.Operation().BindsIdentity() && iv.tcx.IsTransactionActive()
}

func (iv *invocation) obtain() error {
	if iv.enlists() {
		return iv.obtainReady()
	}
	inst, err := iv.c.pools.Obtain(iv.ctx, iv.tc)
	if err != nil {
		return err
	}
	iv.inst = inst
	return nil
}

// obtainReady reuses the instance the transaction already enlisted for the
// identity. On first use it obtains one, loads it and enlists it.
func (iv *invocation) obtainReady() error {
	set, err := iv.c.readySetFor(iv.tcx.Tx)
	if err != nil {
		return err
	}
	e, err := set.claim(iv.tc.Deployment().ID(), iv.tc.PrimaryKey())
	if err != nil {
		return err
	}
	if e == nil {
		inst, err := iv.c.pools.Obtain(iv.ctx, iv.tc)
		if err != nil {
			return err
		}
		iv.inst = inst
		if err := iv.load(); err != nil {
			return err
		}
		var fresh bool
		if e, fresh = set.enlist(iv.tc, inst); !fresh {
			if err := iv.putBack(iv.tc.PrimaryKey()); err != nil {
				iv.c.log.WithError(err).WithField("deployment", iv.tc.Deployment().ID()).
					Warn("could not pool instance enlisted concurrently")
			}
		}
	}
	iv.inst = e.inst
	iv.ready = e
	iv.readySet = set
	return nil
}

// pool returns the instance to circulation. An enlisted instance stays with
// its transaction unless the identity was removed. When pooling fails the
// instance is discarded; either way the invocation no longer holds it.
func (iv *invocation) pool(pk any) error {
	if e := iv.ready; e != nil {
		set := iv.readySet
		iv.ready, iv.readySet = nil, nil
		iv.inst = set.release(e)
	}
	return iv.putBack(pk)
}

func (iv *invocation) putBack(pk any) error {
	inst := iv.inst
	iv.inst = nil
	if inst == nil {
		return nil
	}
	if err := iv.c.pools.Pool(iv.ctx, iv.tc, inst, pk); err != nil {
		if inst.Status() != state.InstanceDiscarded {
			iv.c.pools.Discard(iv.ctx, iv.tc, inst)
		}
		iv.c.discarded(iv.ctx, iv.tc, inst, err)
		return err
	}
	return nil
}

func (iv *invocation) discard() {
	if e := iv.ready; e != nil {
		iv.readySet.drop(e)
		iv.ready, iv.readySet = nil, nil
	}
	inst := iv.inst
	iv.inst = nil
	if inst == nil {
		return
	}
	iv.c.pools.Discard(iv.ctx, iv.tc, inst)
	iv.c.discarded(iv.ctx, iv.tc, inst, nil)
}

// fail routes err by its class. An application failure returns the instance
// to the pool before the policy sees it; a system failure discards the
// instance first.
func (iv *invocation) fail(err error) error {
	class := iv.classify(&err)
	iv.c.failed(iv.ctx, iv.tc, iv.method, class, err)
	if class == failure.ClassApplication {
		if perr := iv.pool(iv.tc.PrimaryKey()); perr != nil {
			iv.c.log.WithError(perr).WithField("deployment", iv.tc.Deployment().ID()).
				Warn("could not pool instance after application failure")
		}
		return iv.policy.HandleApplicationException(iv.tcx, err)
	}
	iv.discard()
	return iv.policy.HandleSystemException(iv.tcx, err)
}

// classify decides the class of *errp, declaring it as an application error
// when it matches one of the deployment's application errors.
func (iv *invocation) classify(errp *error) failure.Class {
	err := *errp
	switch failure.ClassOf(err) {
	case failure.ClassApplication:
		return failure.ClassApplication
	case failure.ClassSystem:
		return failure.ClassSystem
	}
	if declared, rollback := iv.tc.Deployment().ApplicationError(err); declared {
		*errp = &failure.ApplicationError{Cause: err, Rollback: rollback}
		return failure.ClassApplication
	}
	return failure.ClassSystem
}

// call runs a binding, turning a panic into a system failure.
func (iv *invocation) call(ctx context.Context, fn deploy.Func, args []any) (result any, err error) {
	if fn == nil {
		return nil, failure.System("invoke", fmt.Errorf("%w: %s", failure.ErrUnknownMethod, iv.method.Name))
	}
	err = safeCall(func() error {
		var callErr error
		result, callErr = fn(ctx, iv.inst.Bean(), args)
		return callErr
	})
	return result, err
}

// loadIfNoTransaction refreshes the instance from its store when the
// invocation targets an identity and no transaction guarantees freshness.
func (iv *invocation) loadIfNoTransaction() error {
	op := iv.tc.Operation()
	if op != state.OperationBusiness && op != state.OperationRemove {
		return nil
	}
	if iv.tcx.IsTransactionActive() {
		return nil
	}
	return iv.load()
}

// load runs the bean's Load under LOAD. On failure the instance is discarded.
func (iv *invocation) load() error {
	bean := iv.inst.Bean()
	err := iv.tc.WithOperation(state.OperationLoad, func() error {
		return safeCall(func() error { return bean.Load(iv.ctx) })
	})
	if err == nil {
		return nil
	}
	iv.discard()
	if errors.Is(err, failure.ErrNoSuchEntity) {
		return failure.Application(fmt.Errorf("%w: entity not found: %v", failure.ErrNoSuchObject, iv.tc.PrimaryKey()))
	}
	return failure.System("load", err)
}

// storeIfNoTransaction writes the instance back after a business method that
// ran outside a transaction.
func (iv *invocation) storeIfNoTransaction() error {
	if iv.tc.Operation() != state.OperationBusiness || iv.tcx.IsTransactionActive() {
		return nil
	}
	bean := iv.inst.Bean()
	err := iv.tc.WithOperation(state.OperationStore, func() error {
		return safeCall(func() error { return bean.Store(iv.ctx) })
	})
	if err == nil {
		return nil
	}
	iv.discard()
	return failure.System("store", err)
}

// invoke is the business, find, home and timeout path.
func (c *Container) invoke(ctx context.Context, tc *callctx.ThreadContext, m *deploy.Method, args []any) (result any, err error) {
	iv, err := c.begin(ctx, tc, m)
	if err != nil {
		return nil, err
	}
	defer iv.complete(&err)

	if err := iv.obtain(); err != nil {
		return nil, iv.fail(err)
	}
	if err := iv.loadIfNoTransaction(); err != nil {
		return nil, iv.fail(err)
	}
	result, err = iv.call(iv.ctx, m.Invoke, args)
	if err != nil {
		return nil, iv.fail(err)
	}
	if err := iv.storeIfNoTransaction(); err != nil {
		return nil, iv.fail(err)
	}
	if err := iv.pool(tc.PrimaryKey()); err != nil {
		return nil, iv.fail(err)
	}
	return result, nil
}

// create runs the create binding and its post-create companion inside one
// transaction context and returns the new identity.
func (c *Container) create(ctx context.Context, tc *callctx.ThreadContext, m *deploy.Method, args []any) (info any, err error) {
	tc.SetOperation(state.OperationCreate)
	iv, err := c.begin(ctx, tc, m)
	if err != nil {
		return nil, err
	}
	defer iv.complete(&err)

	if err := iv.obtain(); err != nil {
		return nil, iv.fail(err)
	}
	pk, err := iv.call(iv.ctx, m.Invoke, args)
	if err != nil {
		return nil, iv.fail(err)
	}
	if pk == nil {
		return nil, iv.fail(failure.System("create", fmt.Errorf("%s returned no primary key", m.Name)))
	}
	tc.SetPrimaryKey(pk)

	if c.hooks.OnCreate != nil {
		bean := iv.inst.Bean()
		if err := safeCall(func() error { return c.hooks.OnCreate(iv.ctx, tc, bean) }); err != nil {
			return nil, iv.fail(err)
		}
	}

	if m.PostCreate != nil {
		tc.SetOperation(state.OperationPostCreate)
		if _, err := iv.call(iv.ctx, m.PostCreate, args); err != nil {
			return nil, iv.fail(err)
		}
	}

	pk = tc.PrimaryKey()
	tc.SetPrimaryKey(nil)
	if err := iv.adopt(pk); err != nil {
		return nil, iv.fail(err)
	}

	events.NewEvent(events.EventEntityCreated).
		Deployment(tc.Deployment().ID()).
		Method(m.Name).
		PrimaryKey(pk).
		Tx(txID(iv.tcx)).
		LogToWithContext(ctx, c.events)
	return ProxyInfo{
		DeploymentID: tc.Deployment().ID(),
		PrimaryKey:   pk,
		Interface:    tc.Deployment().InterfaceOf(m),
	}, nil
}

// adopt settles the instance a create bound to pk. Inside a transaction it
// stays enlisted for the identity until the transaction completes.
func (iv *invocation) adopt(pk any) error {
	if iv.inst == nil || !iv.tcx.IsTransactionActive() {
		return iv.putBack(pk)
	}
	set, err := iv.c.readySetFor(iv.tcx.Tx)
	if err != nil {
		return err
	}
	if !set.adopt(iv.tc, iv.inst, pk) {
		return iv.putBack(pk)
	}
	iv.inst = nil
	return nil
}

// remove deletes the identity the invocation targets. Handles, timers and the
// removed event follow once the removal is final.
func (c *Container) remove(ctx context.Context, tc *callctx.ThreadContext, m *deploy.Method) error {
	d, pk := tc.Deployment(), tc.PrimaryKey()
	pending, err := c.removeEntity(ctx, tc, m)
	if err != nil {
		return err
	}
	if !pending {
		c.removed(ctx, d, pk, m.Name, "")
	}
	return nil
}

// removeEntity runs the remove in its transaction context. pending reports
// that the removal waits for a transaction to commit.
func (c *Container) removeEntity(ctx context.Context, tc *callctx.ThreadContext, m *deploy.Method) (pending bool, err error) {
	iv, err := c.begin(ctx, tc, m)
	if err != nil {
		return false, err
	}
	defer iv.complete(&err)

	if err := iv.obtain(); err != nil {
		return false, iv.fail(err)
	}
	if err := iv.loadIfNoTransaction(); err != nil {
		return false, iv.fail(err)
	}
	bean := iv.inst.Bean()
	if err := safeCall(func() error { return bean.Remove(iv.ctx) }); err != nil {
		return false, iv.fail(err)
	}

	if iv.tcx.IsTransactionActive() {
		d, pk, id := tc.Deployment(), tc.PrimaryKey(), iv.tcx.Tx.ID()
		e, set := iv.ready, iv.readySet
		err := iv.tcx.Tx.OnCommit(func(ctx context.Context) {
			if e != nil && !set.isRemoved(e) {
				// created again later in the transaction
				return
			}
			c.removed(ctx, d, pk, m.Name, id)
		})
		if err != nil {
			return false, iv.fail(failure.System("remove", err))
		}
		pending = true
	}
	if iv.ready != nil {
		iv.readySet.markRemoved(iv.ready)
	}
	if err := iv.pool(tc.PrimaryKey()); err != nil {
		return false, iv.fail(err)
	}
	return pending, nil
}

// removed runs once the removal of pk is final: the OnRemove hook, handle
// invalidation and the removed event.
func (c *Container) removed(ctx context.Context, d *deploy.Deployment, pk any, method, txID string) {
	if c.hooks.OnRemove != nil {
		if err := safeCall(func() error { return c.hooks.OnRemove(ctx, d.ID(), pk) }); err != nil {
			c.log.WithError(err).WithField("deployment", d.ID()).Warn("remove hook failed")
		}
	}
	if c.invalidator != nil {
		if n := c.invalidator.InvalidateEntity(d.ID(), pk); n > 0 {
			c.metrics.RecordHandlesInvalidated(d.ID(), n)
		}
	}
	events.NewEvent(events.EventEntityRemoved).
		Deployment(d.ID()).
		Method(method).
		PrimaryKey(pk).
		Tx(txID).
		LogToWithContext(ctx, c.events)
}

func (c *Container) reject(ctx context.Context, tc *callctx.ThreadContext, m *deploy.Method, typ events.EventType, reason string) {
	c.metrics.RecordRejection(tc.Deployment().ID(), reason)
	events.NewEvent(typ).
		Deployment(tc.Deployment().ID()).
		Method(m.Name).
		PrimaryKey(tc.PrimaryKey()).
		Severity(events.SeverityWarning).
		Metadata("identity", tc.Identity()).
		LogToWithContext(ctx, c.events)
}

func (c *Container) failed(ctx context.Context, tc *callctx.ThreadContext, m *deploy.Method, class failure.Class, err error) {
	typ := events.EventSystemFailure
	entry := c.log.WithError(err).WithField("deployment", tc.Deployment().ID()).WithField("method", m.Name)
	if class == failure.ClassApplication {
		typ = events.EventApplicationFailure
		entry.Debug("application failure")
	} else {
		entry.Error("system failure")
	}
	events.NewEvent(typ).
		Deployment(tc.Deployment().ID()).
		Method(m.Name).
		Operation(tc.Operation()).
		PrimaryKey(tc.PrimaryKey()).
		Metadata("code", string(failure.CodeOf(err))).
		ErrorFrom(err).
		LogToWithContext(ctx, c.events)
}

func (c *Container) discarded(ctx context.Context, tc *callctx.ThreadContext, inst *pool.Instance, cause error) {
	events.NewEvent(events.EventInstanceDiscarded).
		Deployment(inst.DeploymentID()).
		Instance(inst.ID()).
		Operation(tc.Operation()).
		PrimaryKey(tc.PrimaryKey()).
		ErrorFrom(cause).
		LogToWithContext(ctx, c.events)
}

func txID(tcx *tx.Context) string {
	if tcx == nil || tcx.Tx == nil {
		return ""
	}
	return tcx.Tx.ID()
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return enginemetrics.ResultSuccess
	case failure.ClassOf(err) == failure.ClassApplication:
		return enginemetrics.ResultApplication
	default:
		return enginemetrics.ResultSystem
	}
}

func safeCall(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &failure.PanicError{Value: r}
		}
	}()
	return fn()
}
