package deploy

import (
	"context"
)

// EntityBean is the lifecycle contract every hosted entity implements.
type EntityBean interface {
	// Load refreshes the instance state from its persistent store.
	Load(ctx context.Context) error

	// Store writes the instance state to its persistent store.
	Store(ctx context.Context) error

	// Remove deletes the entity identity the instance is bound to.
	Remove(ctx context.Context) error
}

// Activator is implemented by beans that need notice when bound to an identity.
type Activator interface {
	Activate(ctx context.Context) error
}

// Passivator is implemented by beans that need notice when returned to the pool.
type Passivator interface {
	Passivate(ctx context.Context) error
}

// ContextAware is implemented by beans that want the container's entity context.
type ContextAware interface {
	SetEntityContext(ec EntityContext) error
}

// ContextReleaser is implemented by beans that release resources on discard.
type ContextReleaser interface {
	UnsetEntityContext() error
}

// EntityContext gives a bean access to its invocation from inside a callback.
type EntityContext interface {
	// PrimaryKey returns the primary key of the identity being served.
	PrimaryKey(ctx context.Context) any

	// CallerIdentity returns the security identity of the caller.
	CallerIdentity(ctx context.Context) string

	// SetRollbackOnly marks the running transaction for rollback.
	SetRollbackOnly(ctx context.Context) error

	// RollbackOnly reports whether the running transaction is marked for rollback.
	RollbackOnly(ctx context.Context) bool
}

// Factory constructs a fresh bean instance.
type Factory func() (EntityBean, error)
