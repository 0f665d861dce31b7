// Package account is a bean-managed-persistence entity: a bank account whose
// state lives in one SQL table and whose SQL work is enlisted in the entity
// transaction.
package account

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/R3E-Network/entity_engine/internal/engine/failure"
	"github.com/R3E-Network/entity_engine/internal/engine/tx/sqlres"
)

// Schema creates the accounts table.
const Schema = `CREATE TABLE IF NOT EXISTS accounts (
	id         TEXT PRIMARY KEY,
	owner      TEXT NOT NULL,
	balance    BIGINT NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// Record is one row of the accounts table.
type Record struct {
	ID        string    `db:"id" json:"id"`
	Owner     string    `db:"owner" json:"owner"`
	Balance   int64     `db:"balance" json:"balance"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// Store runs the account SQL against the database transaction enlisted in the
// caller's entity transaction, or directly against the database outside one.
type Store struct {
	binder *sqlres.Binder
}

// NewStore creates a store on db.
func NewStore(db *sqlx.DB) *Store {
	return &Store{binder: sqlres.NewBinder(db, "accounts")}
}

// Migrate creates the accounts table if needed.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.binder.DB().ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("migrate accounts: %w", err)
	}
	return nil
}

// Insert adds a new account.
func (s *Store) Insert(ctx context.Context, r Record) error {
	q, err := s.binder.Querier(ctx)
	if err != nil {
		return err
	}
	_, err = sqlx.NamedExecContext(ctx, q,
		`INSERT INTO accounts (id, owner, balance) VALUES (:id, :owner, :balance)`, r)
	if err != nil {
		return fmt.Errorf("insert account %s: %w", r.ID, err)
	}
	return nil
}

// Get returns the account id. A missing row is failure.ErrNoSuchEntity.
func (s *Store) Get(ctx context.Context, id string) (Record, error) {
	q, err := s.binder.Querier(ctx)
	if err != nil {
		return Record{}, err
	}
	var r Record
	err = q.GetContext(ctx, &r, q.Rebind(
		`SELECT id, owner, balance, created_at, updated_at FROM accounts WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, fmt.Errorf("%w: account %s", failure.ErrNoSuchEntity, id)
	}
	if err != nil {
		return Record{}, fmt.Errorf("get account %s: %w", id, err)
	}
	return r, nil
}

// Update writes owner and balance back.
func (s *Store) Update(ctx context.Context, r Record) error {
	q, err := s.binder.Querier(ctx)
	if err != nil {
		return err
	}
	res, err := sqlx.NamedExecContext(ctx, q,
		`UPDATE accounts SET owner = :owner, balance = :balance, updated_at = now() WHERE id = :id`, r)
	if err != nil {
		return fmt.Errorf("update account %s: %w", r.ID, err)
	}
	return expectRow(res, r.ID)
}

// Delete removes the account id.
func (s *Store) Delete(ctx context.Context, id string) error {
	q, err := s.binder.Querier(ctx)
	if err != nil {
		return err
	}
	res, err := q.ExecContext(ctx, q.Rebind(`DELETE FROM accounts WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("delete account %s: %w", id, err)
	}
	return expectRow(res, id)
}

// Exists reports whether the account id exists.
func (s *Store) Exists(ctx context.Context, id string) (bool, error) {
	q, err := s.binder.Querier(ctx)
	if err != nil {
		return false, err
	}
	var n int
	if err := q.GetContext(ctx, &n, q.Rebind(`SELECT COUNT(*) FROM accounts WHERE id = ?`), id); err != nil {
		return false, fmt.Errorf("find account %s: %w", id, err)
	}
	return n > 0, nil
}

// IDsByOwner returns the ids of owner's accounts.
func (s *Store) IDsByOwner(ctx context.Context, owner string) ([]string, error) {
	q, err := s.binder.Querier(ctx)
	if err != nil {
		return nil, err
	}
	var ids []string
	if err := q.SelectContext(ctx, &ids, q.Rebind(`SELECT id FROM accounts WHERE owner = ? ORDER BY id`), owner); err != nil {
		return nil, fmt.Errorf("find accounts of %s: %w", owner, err)
	}
	return ids, nil
}

// IDs returns every account id.
func (s *Store) IDs(ctx context.Context) ([]string, error) {
	q, err := s.binder.Querier(ctx)
	if err != nil {
		return nil, err
	}
	var ids []string
	if err := q.SelectContext(ctx, &ids, `SELECT id FROM accounts ORDER BY id`); err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	return ids, nil
}

// Total returns the sum of all balances.
func (s *Store) Total(ctx context.Context) (int64, error) {
	q, err := s.binder.Querier(ctx)
	if err != nil {
		return 0, err
	}
	var total int64
	if err := q.GetContext(ctx, &total, `SELECT COALESCE(SUM(balance), 0) FROM accounts`); err != nil {
		return 0, fmt.Errorf("total balance: %w", err)
	}
	return total, nil
}

func expectRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: account %s", failure.ErrNoSuchEntity, id)
	}
	return nil
}
