package container

import (
	"context"
	"fmt"
	"sync"

	"github.com/R3E-Network/entity_engine/internal/engine/callctx"
	"github.com/R3E-Network/entity_engine/internal/engine/deploy"
	"github.com/R3E-Network/entity_engine/internal/engine/events"
	"github.com/R3E-Network/entity_engine/internal/engine/failure"
	"github.com/R3E-Network/entity_engine/internal/engine/pool"
	"github.com/R3E-Network/entity_engine/internal/engine/state"
	"github.com/R3E-Network/entity_engine/internal/engine/tx"
)

// readyEntry is the instance serving one identity for the rest of a
// transaction.
type readyEntry struct {
	deployment *deploy.Deployment
	primaryKey any
	identity   string
	inst       *pool.Instance

	// busy counts the invocations running on inst.
	busy int
	// removed is set once the identity was removed in the transaction.
	removed bool
	// failed is set when the store at commit failed.
	failed bool
	// orphaned is set when the transaction completed while inst was busy.
	orphaned bool
}

// readySet holds the instances enlisted in one transaction. It is registered
// with the transaction: before completion it stores every enlisted instance,
// after completion it returns them to their pools.
type readySet struct {
	c *Container
	t *tx.Transaction

	mu      sync.Mutex
	entries []*readyEntry
}

// readySetFor returns the ready set of t, registering a new one on first use.
func (c *Container) readySetFor(t *tx.Transaction) (*readySet, error) {
	c.readyMu.Lock()
	defer c.readyMu.Unlock()
	if s, ok := c.ready[t.ID()]; ok {
		return s, nil
	}
	s := &readySet{c: c, t: t}
	if err := t.RegisterSynchronization(s); err != nil {
		return nil, failure.System("enlist", err)
	}
	c.ready[t.ID()] = s
	return s, nil
}

func (c *Container) forgetReadySet(id string) {
	c.readyMu.Lock()
	delete(c.ready, id)
	c.readyMu.Unlock()
}

func (s *readySet) lookup(deploymentID string, pk any) *readyEntry {
	for _, e := range s.entries {
		if e.deployment.ID() == deploymentID && sameKey(e.primaryKey, pk) {
			return e
		}
	}
	return nil
}

// claim returns the entry serving pk and marks it busy. It returns nil when
// the identity is not enlisted yet, and ErrNoSuchObject when it was removed
// earlier in the transaction.
func (s *readySet) claim(deploymentID string, pk any) (*readyEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.lookup(deploymentID, pk)
	if e == nil {
		return nil, nil
	}
	if e.removed {
		return nil, failure.Application(fmt.Errorf("%w: %s %v was removed in transaction %s",
			failure.ErrNoSuchObject, deploymentID, pk, s.t.ID()))
	}
	e.busy++
	return e, nil
}

// enlist adds a freshly loaded instance. When another invocation enlisted the
// identity first, its entry is claimed instead and fresh reports false.
func (s *readySet) enlist(tc *callctx.ThreadContext, inst *pool.Instance) (e *readyEntry, fresh bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := tc.Deployment()
	if e := s.lookup(d.ID(), tc.PrimaryKey()); e != nil && !e.removed {
		e.busy++
		return e, false
	}
	e = &readyEntry{
		deployment: d,
		primaryKey: tc.PrimaryKey(),
		identity:   tc.Identity(),
		inst:       inst,
		busy:       1,
	}
	s.entries = append(s.entries, e)
	return e, true
}

// adopt enlists the instance a create bound to pk. It reports false when pk
// is already served in the transaction.
func (s *readySet) adopt(tc *callctx.ThreadContext, inst *pool.Instance, pk any) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := tc.Deployment()
	if e := s.lookup(d.ID(), pk); e != nil {
		if !e.removed || e.inst != nil {
			return false
		}
		// Created again after a remove in the same transaction.
		e.inst = inst
		e.removed = false
		e.identity = tc.Identity()
		return true
	}
	s.entries = append(s.entries, &readyEntry{
		deployment: d,
		primaryKey: pk,
		identity:   tc.Identity(),
		inst:       inst,
	})
	return true
}

// release ends one invocation on e. It returns the instance when it leaves
// the transaction: after a remove, or when the transaction already completed.
func (s *readySet) release(e *readyEntry) *pool.Instance {
	s.mu.Lock()
	defer s.mu.Unlock()
	e.busy--
	if e.busy > 0 || (!e.removed && !e.orphaned) {
		return nil
	}
	inst := e.inst
	e.inst = nil
	return inst
}

func (s *readySet) markRemoved(e *readyEntry) {
	s.mu.Lock()
	e.removed = true
	s.mu.Unlock()
}

func (s *readySet) isRemoved(e *readyEntry) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return e.removed
}

// drop forgets e after its instance was discarded, so a later call in the
// transaction loads a fresh one.
func (s *readySet) drop(e *readyEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e.inst = nil
	for i, other := range s.entries {
		if other == e {
			s.entries = append(s.entries[:i], s.entries[i+1:]...)
			return
		}
	}
}

// BeforeCompletion implements tx.Synchronization. A store failure turns the
// commit into a rollback.
func (s *readySet) BeforeCompletion(ctx context.Context) error {
	s.mu.Lock()
	pending := make([]*readyEntry, 0, len(s.entries))
	for _, e := range s.entries {
		if e.inst != nil && !e.removed {
			pending = append(pending, e)
		}
	}
	s.mu.Unlock()

	ctx = tx.WithTransaction(ctx, s.t)
	for _, e := range pending {
		if err := s.store(ctx, e); err != nil {
			return err
		}
	}
	return nil
}

func (s *readySet) store(ctx context.Context, e *readyEntry) error {
	s.mu.Lock()
	inst := e.inst
	s.mu.Unlock()
	if inst == nil {
		return nil
	}

	tc := callctx.New(e.deployment, e.primaryKey, e.identity)
	tc.SetOperation(state.OperationStore)
	ctx = callctx.Enter(ctx, tc)
	defer tc.Exit()

	bean := inst.Bean()
	err := safeCall(func() error { return bean.Store(ctx) })
	if err == nil {
		return nil
	}
	s.mu.Lock()
	e.failed = true
	s.mu.Unlock()

	s.c.log.WithError(err).WithField("deployment", e.deployment.ID()).
		WithField("tx", s.t.ID()).Error("store before commit failed")
	events.NewEvent(events.EventSystemFailure).
		Deployment(e.deployment.ID()).
		Operation(state.OperationStore).
		PrimaryKey(e.primaryKey).
		Tx(s.t.ID()).
		Metadata("code", string(failure.CodeSystem)).
		ErrorFrom(err).
		LogToWithContext(ctx, s.c.events)
	return failure.System("store", err)
}

// AfterCompletion implements tx.Synchronization. Enlisted instances go back
// to their pools whatever the outcome; every call after the transaction
// loads again. An instance whose store failed is discarded.
func (s *readySet) AfterCompletion(ctx context.Context, _ tx.Status) {
	s.c.forgetReadySet(s.t.ID())

	s.mu.Lock()
	var done []*readyEntry
	for _, e := range s.entries {
		if e.inst == nil {
			continue
		}
		if e.busy > 0 {
			e.orphaned = true
			continue
		}
		done = append(done, e)
	}
	s.entries = nil
	s.mu.Unlock()

	for _, e := range done {
		s.putBack(ctx, e)
	}
}

func (s *readySet) putBack(ctx context.Context, e *readyEntry) {
	tc := callctx.New(e.deployment, e.primaryKey, e.identity)
	ctx = callctx.Enter(ctx, tc)
	defer tc.Exit()

	inst := e.inst
	e.inst = nil
	if e.failed {
		s.c.pools.Discard(ctx, tc, inst)
		s.c.discarded(ctx, tc, inst, nil)
	} else if err := s.c.pools.Pool(ctx, tc, inst, e.primaryKey); err != nil {
		if inst.Status() != state.InstanceDiscarded {
			s.c.pools.Discard(ctx, tc, inst)
		}
		s.c.discarded(ctx, tc, inst, err)
	}
	s.c.recordPool(e.deployment.ID())
}

func sameKey(a, b any) (eq bool) {
	defer func() {
		if recover() != nil {
			eq = false
		}
	}()
	return a == b
}
