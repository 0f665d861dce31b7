package account

import (
	"context"
	"errors"
	"fmt"

	"github.com/R3E-Network/entity_engine/internal/engine/deploy"
	"github.com/R3E-Network/entity_engine/internal/engine/timer"
	"github.com/R3E-Network/entity_engine/internal/engine/tx"
)

// DeploymentID is the id the account bean is deployed under.
const DeploymentID = "account"

// Application errors
var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrInvalidAmount     = errors.New("amount must be positive")
)

// Bean is one pooled account instance.
type Bean struct {
	store *Store
	ec    deploy.EntityContext

	rec    Record
	loaded bool
	dirty  bool

	// scope is the id of the transaction rec was read in, empty outside one.
	scope string
}

// SetEntityContext implements deploy.ContextAware.
func (b *Bean) SetEntityContext(ec deploy.EntityContext) error {
	b.ec = ec
	return nil
}

// UnsetEntityContext implements deploy.ContextReleaser.
func (b *Bean) UnsetEntityContext() error {
	b.ec = nil
	b.reset()
	return nil
}

// Activate implements deploy.Activator.
func (b *Bean) Activate(context.Context) error {
	b.reset()
	return nil
}

// Passivate implements deploy.Passivator.
func (b *Bean) Passivate(context.Context) error {
	b.reset()
	return nil
}

// Load reads the row of the identity being served.
func (b *Bean) Load(ctx context.Context) error {
	id, err := b.key(ctx)
	if err != nil {
		return err
	}
	rec, err := b.store.Get(ctx, id)
	if err != nil {
		return err
	}
	b.rec = rec
	b.loaded = true
	b.dirty = false
	b.scope = scopeOf(ctx)
	return nil
}

// Store writes pending changes.
func (b *Bean) Store(ctx context.Context) error {
	if !b.dirty {
		return nil
	}
	if err := b.store.Update(ctx, b.rec); err != nil {
		return err
	}
	b.dirty = false
	return nil
}

// Remove deletes the row of the identity being served.
func (b *Bean) Remove(ctx context.Context) error {
	id, err := b.key(ctx)
	if err != nil {
		return err
	}
	if err := b.store.Delete(ctx, id); err != nil {
		return err
	}
	b.reset()
	return nil
}

// Create inserts a new account and returns its id.
func (b *Bean) Create(ctx context.Context, id, owner string, opening int64) (string, error) {
	if id == "" || owner == "" {
		return "", fmt.Errorf("%w: id and owner are required", deploy.ErrIllegalArgument)
	}
	if opening < 0 {
		return "", ErrInvalidAmount
	}
	if err := b.store.Insert(ctx, Record{ID: id, Owner: owner, Balance: opening}); err != nil {
		return "", err
	}
	return id, nil
}

// PostCreate binds the instance to the row Create inserted.
func (b *Bean) PostCreate(ctx context.Context, id, owner string, opening int64) error {
	b.rec = Record{ID: id, Owner: owner, Balance: opening}
	b.loaded = true
	b.dirty = false
	b.scope = scopeOf(ctx)
	return nil
}

// FindByPrimaryKey returns id if the account exists.
func (b *Bean) FindByPrimaryKey(ctx context.Context, id string) (any, error) {
	ok, err := b.store.Exists(ctx, id)
	if err != nil || !ok {
		return nil, err
	}
	return id, nil
}

// FindByOwner returns the ids of owner's accounts.
func (b *Bean) FindByOwner(ctx context.Context, owner string) ([]string, error) {
	return b.store.IDsByOwner(ctx, owner)
}

// FindAll enumerates every account id.
func (b *Bean) FindAll(ctx context.Context) (*deploy.Enumeration, error) {
	ids, err := b.store.IDs(ctx)
	if err != nil {
		return nil, err
	}
	items := make([]any, len(ids))
	for i, id := range ids {
		items[i] = id
	}
	return deploy.NewEnumeration(items...), nil
}

// TotalBalance sums every balance.
func (b *Bean) TotalBalance(ctx context.Context) (int64, error) {
	return b.store.Total(ctx)
}

// Balance returns the balance.
func (b *Bean) Balance(ctx context.Context) (int64, error) {
	if err := b.ensureLoaded(ctx); err != nil {
		return 0, err
	}
	return b.rec.Balance, nil
}

// Owner returns the owner.
func (b *Bean) Owner(ctx context.Context) (string, error) {
	if err := b.ensureLoaded(ctx); err != nil {
		return "", err
	}
	return b.rec.Owner, nil
}

// Deposit adds amount and returns the new balance.
func (b *Bean) Deposit(ctx context.Context, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}
	return b.mutate(ctx, func(r *Record) error {
		r.Balance += amount
		return nil
	})
}

// Withdraw takes amount and returns the new balance.
func (b *Bean) Withdraw(ctx context.Context, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}
	return b.mutate(ctx, func(r *Record) error {
		if r.Balance < amount {
			return ErrInsufficientFunds
		}
		r.Balance -= amount
		return nil
	})
}

// Accrue is the timer callback: it credits interest in basis points taken
// from the timer payload.
func (b *Bean) Accrue(ctx context.Context, info timer.Info) (int64, error) {
	bps, err := basisPoints(info.Payload)
	if err != nil {
		return 0, err
	}
	return b.mutate(ctx, func(r *Record) error {
		r.Balance += r.Balance * bps / 10000
		return nil
	})
}

// ensureLoaded loads the row unless the instance already holds it. Timer
// callbacks are not loaded by the container.
func (b *Bean) ensureLoaded(ctx context.Context) error {
	id, err := b.key(ctx)
	if err != nil {
		return err
	}
	if b.loaded && b.rec.ID == id && b.scope == scopeOf(ctx) {
		return nil
	}
	return b.Load(ctx)
}

// mutate applies fn to the loaded row. Inside a transaction the change is
// written at once so later statements of the transaction see it; outside one
// the container's Store call writes it.
func (b *Bean) mutate(ctx context.Context, fn func(*Record) error) (int64, error) {
	if err := b.ensureLoaded(ctx); err != nil {
		return 0, err
	}
	next := b.rec
	if err := fn(&next); err != nil {
		return 0, err
	}
	b.rec = next
	b.dirty = true
	if tx.FromContext(ctx) != nil {
		if err := b.Store(ctx); err != nil {
			return 0, err
		}
	}
	return b.rec.Balance, nil
}

func (b *Bean) key(ctx context.Context) (string, error) {
	if b.ec == nil {
		return "", errors.New("account bean has no entity context")
	}
	id, ok := b.ec.PrimaryKey(ctx).(string)
	if !ok || id == "" {
		return "", fmt.Errorf("%w: account key %v", deploy.ErrIllegalArgument, b.ec.PrimaryKey(ctx))
	}
	return id, nil
}

func (b *Bean) reset() {
	b.rec = Record{}
	b.loaded = false
	b.dirty = false
	b.scope = ""
}

func scopeOf(ctx context.Context) string {
	if t := tx.FromContext(ctx); t != nil {
		return t.ID()
	}
	return ""
}

func basisPoints(payload any) (int64, error) {
	switch v := payload.(type) {
	case nil:
		return 0, nil
	case int:
		return int64(v), nil
	case int64:
		return v, nil
	case float64:
		return int64(v), nil
	}
	return 0, fmt.Errorf("%w: interest payload %T", deploy.ErrIllegalArgument, payload)
}

// NewDeployment builds the account deployment on store. opts are applied
// after the built-in ones, so a descriptor from configuration overrides them.
func NewDeployment(store *Store, opts ...deploy.Option) (*deploy.Deployment, error) {
	proto := &Bean{}
	bind := func(name string) deploy.Func { return deploy.MustReflect(proto, name) }

	all := append([]deploy.Option{
		deploy.WithInterface("Account"),
		deploy.WithMethods(
			deploy.Create("create", bind("Create"), bind("PostCreate")),
			deploy.Finder("findByPrimaryKey", bind("FindByPrimaryKey")),
			deploy.Finder("findByOwner", bind("FindByOwner")),
			deploy.Finder("findAll", bind("FindAll")),
			deploy.Home("totalBalance", bind("TotalBalance")),
			deploy.Business("balance", bind("Balance")),
			deploy.Business("owner", bind("Owner")),
			deploy.Business("deposit", bind("Deposit")),
			deploy.Business("withdraw", bind("Withdraw")),
			deploy.Timeout("accrue", bind("Accrue")),
			deploy.Remove("remove"),
		),
		deploy.WithApplicationErrors(ErrInsufficientFunds, ErrInvalidAmount),
	}, opts...)

	return deploy.New(DeploymentID, func() (deploy.EntityBean, error) {
		return &Bean{store: store}, nil
	}, all...)
}
