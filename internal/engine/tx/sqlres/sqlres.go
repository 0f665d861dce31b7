// Package sqlres enlists database transactions in the ambient entity
// transaction so a bean's SQL work commits or rolls back with it.
package sqlres

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/R3E-Network/entity_engine/internal/engine/tx"
)

// Resource adapts a *sqlx.Tx to tx.Resource.
type Resource struct {
	Tx *sqlx.Tx
}

// Commit commits the database transaction.
func (r *Resource) Commit(context.Context) error { return r.Tx.Commit() }

// Rollback rolls the database transaction back.
func (r *Resource) Rollback(context.Context) error { return r.Tx.Rollback() }

// Querier is the subset of sqlx shared by *sqlx.DB and *sqlx.Tx.
type Querier interface {
	sqlx.ExtContext
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
}

// Binder hands out the handle a bean should use for one database.
type Binder struct {
	db  *sqlx.DB
	key string
}

// NewBinder creates a Binder for db. name distinguishes databases enlisted in
// the same transaction.
func NewBinder(db *sqlx.DB, name string) *Binder {
	return &Binder{db: db, key: "sql:" + name}
}

// DB returns the underlying database.
func (b *Binder) DB() *sqlx.DB { return b.db }

// Querier returns the database transaction enlisted in ctx's ambient
// transaction, beginning and enlisting it on first use. Without an ambient
// transaction it returns the database itself, so each statement autocommits.
func (b *Binder) Querier(ctx context.Context) (Querier, error) {
	t := tx.FromContext(ctx)
	if t == nil {
		return b.db, nil
	}
	if res, ok := t.Resource(b.key); ok {
		if r, ok := res.(*Resource); ok {
			return r.Tx, nil
		}
		return nil, fmt.Errorf("resource %s in transaction %s is %T", b.key, t.ID(), res)
	}
	sqlTx, err := b.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin database transaction: %w", err)
	}
	if err := t.Enlist(b.key, &Resource{Tx: sqlTx}); err != nil {
		_ = sqlTx.Rollback()
		return nil, fmt.Errorf("enlist database transaction: %w", err)
	}
	return sqlTx, nil
}
