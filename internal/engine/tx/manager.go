package tx

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/R3E-Network/entity_engine/internal/engine/failure"
	"github.com/R3E-Network/entity_engine/pkg/logger"
)

// Manager begins and completes transactions.
type Manager interface {
	Begin(ctx context.Context) (*Transaction, error)
	Commit(ctx context.Context, t *Transaction) error
	Rollback(ctx context.Context, t *Transaction) error
}

// ManagerStats holds transaction counters.
type ManagerStats struct {
	Begun      int64 `json:"begun"`
	Committed  int64 `json:"committed"`
	RolledBack int64 `json:"rolled_back"`
	Active     int64 `json:"active"`
}

// LocalManager is an in-process transaction manager. Resources enlisted in a
// transaction complete one after another; there is no two-phase protocol.
type LocalManager struct {
	log *logger.Logger

	begun      atomic.Int64
	committed  atomic.Int64
	rolledBack atomic.Int64
}

// NewLocalManager creates a LocalManager.
func NewLocalManager(log *logger.Logger) *LocalManager {
	if log == nil {
		log = logger.NewDefault("tx")
	}
	return &LocalManager{log: log}
}

// Begin starts a new transaction.
func (m *LocalManager) Begin(ctx context.Context) (*Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	t := newTransaction(uuid.NewString())
	m.begun.Add(1)
	m.log.WithField("tx", t.id).Debug("transaction begun")
	return t, nil
}

// Commit completes t. A transaction marked rollback-only, or one whose
// synchronizations or resources fail, is rolled back and the returned error
// wraps failure.ErrTransactionRolledBack.
func (m *LocalManager) Commit(ctx context.Context, t *Transaction) error {
	if t == nil {
		return fmt.Errorf("commit: %w", failure.ErrTransactionInactive)
	}
	if t.RollbackOnly() {
		if err := m.Rollback(ctx, t); err != nil {
			return err
		}
		return fmt.Errorf("commit %s: %w", t.id, failure.ErrTransactionRolledBack)
	}

	// Synchronizations may still enlist resources, so resources are taken
	// once they have run.
	_, syncs := t.snapshot()
	for _, s := range syncs {
		if err := s.BeforeCompletion(ctx); err != nil {
			_ = t.SetRollbackOnly()
			if rbErr := m.Rollback(ctx, t); rbErr != nil {
				m.log.WithError(rbErr).WithField("tx", t.id).Warn("rollback after failed synchronization")
			}
			return fmt.Errorf("commit %s: %w: %w", t.id, failure.ErrTransactionRolledBack, err)
		}
	}

	if _, err := t.beginCompletion(StatusCommitting); err != nil {
		return err
	}
	resources, syncs := t.snapshot()

	for i, e := range resources {
		if err := e.res.Commit(ctx); err != nil {
			m.log.WithError(err).WithFields(map[string]interface{}{
				"tx":       t.id,
				"resource": e.key,
			}).Error("resource commit failed, rolling back the rest")
			var errs []error
			for _, rest := range resources[i+1:] {
				if rbErr := rest.res.Rollback(ctx); rbErr != nil {
					errs = append(errs, rbErr)
				}
			}
			t.finish(StatusRolledBack)
			m.rolledBack.Add(1)
			afterCompletion(ctx, syncs, StatusRolledBack)
			return fmt.Errorf("commit %s: resource %s: %w: %w", t.id, e.key, failure.ErrTransactionRolledBack, errors.Join(append([]error{err}, errs...)...))
		}
	}

	t.finish(StatusCommitted)
	m.committed.Add(1)
	afterCompletion(ctx, syncs, StatusCommitted)
	m.log.WithField("tx", t.id).Debug("transaction committed")
	return nil
}

// Rollback rolls t back. Rolling back a completed transaction is an error.
func (m *LocalManager) Rollback(ctx context.Context, t *Transaction) error {
	if t == nil {
		return fmt.Errorf("rollback: %w", failure.ErrTransactionInactive)
	}
	if _, err := t.beginCompletion(StatusRolledBack); err != nil {
		return err
	}
	resources, syncs := t.snapshot()
	var errs []error
	for i := len(resources) - 1; i >= 0; i-- {
		if err := resources[i].res.Rollback(ctx); err != nil {
			errs = append(errs, fmt.Errorf("resource %s: %w", resources[i].key, err))
		}
	}
	m.rolledBack.Add(1)
	afterCompletion(ctx, syncs, StatusRolledBack)
	m.log.WithField("tx", t.id).Debug("transaction rolled back")
	if len(errs) > 0 {
		return fmt.Errorf("rollback %s: %w", t.id, errors.Join(errs...))
	}
	return nil
}

// Stats returns transaction counters.
func (m *LocalManager) Stats() ManagerStats {
	begun := m.begun.Load()
	committed := m.committed.Load()
	rolledBack := m.rolledBack.Load()
	return ManagerStats{
		Begun:      begun,
		Committed:  committed,
		RolledBack: rolledBack,
		Active:     begun - committed - rolledBack,
	}
}

func afterCompletion(ctx context.Context, syncs []Synchronization, status Status) {
	for _, s := range syncs {
		s.AfterCompletion(ctx, status)
	}
}
