// Package tx provides the transaction manager, the ambient transaction carried
// in a context.Context, and the transaction policies applied around every
// container invocation.
package tx

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/R3E-Network/entity_engine/internal/engine/failure"
)

// Status is the lifecycle status of a transaction.
type Status int32

const (
	StatusActive Status = iota
	StatusMarkedRollback
	StatusCommitting
	StatusCommitted
	StatusRolledBack
)

// String returns the string representation of the status.
func (s Status) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusMarkedRollback:
		return "marked-rollback"
	case StatusCommitting:
		return "committing"
	case StatusCommitted:
		return "committed"
	case StatusRolledBack:
		return "rolled-back"
	default:
		return fmt.Sprintf("status(%d)", s)
	}
}

// MarshalJSON implements json.Marshaler.
func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// IsTerminal returns true once the transaction has completed.
func (s Status) IsTerminal() bool {
	return s == StatusCommitted || s == StatusRolledBack
}

// Resource is a participant enlisted in a transaction, such as a database
// transaction. Resources complete in enlistment order.
type Resource interface {
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Synchronization is notified around transaction completion.
type Synchronization interface {
	// BeforeCompletion runs before commit. An error turns the commit into a rollback.
	BeforeCompletion(ctx context.Context) error

	// AfterCompletion runs once the outcome is known.
	AfterCompletion(ctx context.Context, status Status)
}

type enlisted struct {
	key string
	res Resource
}

// Transaction is a unit of work begun by a Manager.
type Transaction struct {
	id        string
	startedAt time.Time

	mu        sync.Mutex
	status    Status
	resources []enlisted
	syncs     []Synchronization
}

func newTransaction(id string) *Transaction {
	return &Transaction{id: id, startedAt: time.Now(), status: StatusActive}
}

// ID returns the transaction id.
func (t *Transaction) ID() string { return t.id }

// StartedAt returns when the transaction began.
func (t *Transaction) StartedAt() time.Time { return t.startedAt }

// Status returns the current status.
func (t *Transaction) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// IsActive reports whether work may still run in the transaction. A
// transaction marked rollback-only is still active until it completes.
func (t *Transaction) IsActive() bool {
	if t == nil {
		return false
	}
	s := t.Status()
	return s == StatusActive || s == StatusMarkedRollback
}

// SetRollbackOnly marks the transaction so its only possible outcome is rollback.
func (t *Transaction) SetRollbackOnly() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch t.status {
	case StatusActive, StatusMarkedRollback:
		t.status = StatusMarkedRollback
		return nil
	default:
		return fmt.Errorf("%w: %s is %s", failure.ErrTransactionInactive, t.id, t.status)
	}
}

// RollbackOnly reports whether the transaction is marked rollback-only.
func (t *Transaction) RollbackOnly() bool {
	return t.Status() == StatusMarkedRollback
}

// Enlist adds a resource under key. Enlisting the same key twice is a no-op.
func (t *Transaction) Enlist(key string, r Resource) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status != StatusActive && t.status != StatusMarkedRollback {
		return fmt.Errorf("%w: cannot enlist in %s", failure.ErrTransactionInactive, t.status)
	}
	for _, e := range t.resources {
		if e.key == key {
			return nil
		}
	}
	t.resources = append(t.resources, enlisted{key: key, res: r})
	return nil
}

// Resource returns the resource enlisted under key.
func (t *Transaction) Resource(key string) (Resource, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, e := range t.resources {
		if e.key == key {
			return e.res, true
		}
	}
	return nil, false
}

// RegisterSynchronization adds a completion callback.
func (t *Transaction) RegisterSynchronization(s Synchronization) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status != StatusActive && t.status != StatusMarkedRollback {
		return fmt.Errorf("%w: cannot register synchronization in %s", failure.ErrTransactionInactive, t.status)
	}
	t.syncs = append(t.syncs, s)
	return nil
}

// OnCommit registers fn to run once t has committed. fn does not run when t
// rolls back.
func (t *Transaction) OnCommit(fn func(ctx context.Context)) error {
	return t.RegisterSynchronization(commitHook(fn))
}

type commitHook func(ctx context.Context)

func (commitHook) BeforeCompletion(context.Context) error { return nil }

func (f commitHook) AfterCompletion(ctx context.Context, status Status) {
	if status == StatusCommitted {
		f(ctx)
	}
}

func (t *Transaction) snapshot() ([]enlisted, []Synchronization) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]enlisted(nil), t.resources...), append([]Synchronization(nil), t.syncs...)
}

// beginCompletion moves the transaction out of the active states. It fails
// if the transaction already completed.
func (t *Transaction) beginCompletion(to Status) (prev Status, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	prev = t.status
	if prev != StatusActive && prev != StatusMarkedRollback {
		return prev, fmt.Errorf("%w: %s is %s", failure.ErrTransactionInactive, t.id, prev)
	}
	t.status = to
	return prev, nil
}

func (t *Transaction) finish(s Status) {
	t.mu.Lock()
	t.status = s
	t.mu.Unlock()
}

type txKey struct{}

type binding struct {
	tx *Transaction
}

// WithTransaction returns a context whose ambient transaction is t.
func WithTransaction(ctx context.Context, t *Transaction) context.Context {
	return context.WithValue(ctx, txKey{}, binding{tx: t})
}

// Suspend returns a context with no ambient transaction. The caller's context
// keeps its transaction, so resuming is returning to it.
func Suspend(ctx context.Context) context.Context {
	return context.WithValue(ctx, txKey{}, binding{})
}

// FromContext returns the ambient transaction of ctx if it is still active.
func FromContext(ctx context.Context) *Transaction {
	if ctx == nil {
		return nil
	}
	b, _ := ctx.Value(txKey{}).(binding)
	if !b.tx.IsActive() {
		return nil
	}
	return b.tx
}
