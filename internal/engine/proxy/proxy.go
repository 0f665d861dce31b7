// Package proxy turns the identities the container returns into client
// handles and invalidates every handle of an identity once it is removed.
package proxy

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/R3E-Network/entity_engine/internal/engine/container"
	"github.com/R3E-Network/entity_engine/internal/engine/deploy"
	"github.com/R3E-Network/entity_engine/internal/engine/failure"
	"github.com/R3E-Network/entity_engine/internal/engine/tx"
)

// DefaultRemoveMethod is the remove method name homes use unless told otherwise.
const DefaultRemoveMethod = "remove"

// Invoker dispatches invocations. *container.Container implements it.
type Invoker interface {
	Invoke(ctx context.Context, deploymentID, method string, args []any, primaryKey any, identity string) (any, error)
}

type registryKey struct {
	deploymentID string
	primaryKey   any
}

func keyOf(deploymentID string, pk any) registryKey {
	if pk != nil && !reflect.TypeOf(pk).Comparable() {
		pk = fmt.Sprintf("%T:%#v", pk, pk)
	}
	return registryKey{deploymentID: deploymentID, primaryKey: pk}
}

// LiveRegistry tracks the live handles of every identity.
type LiveRegistry struct {
	mu       sync.Mutex
	handlers map[registryKey]map[string]*Handler
}

// NewLiveRegistry creates an empty registry.
func NewLiveRegistry() *LiveRegistry {
	return &LiveRegistry{handlers: make(map[registryKey]map[string]*Handler)}
}

func (r *LiveRegistry) add(h *Handler) {
	k := keyOf(h.deploymentID, h.primaryKey)
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.handlers[k]
	if !ok {
		set = make(map[string]*Handler)
		r.handlers[k] = set
	}
	set[h.id] = h
}

func (r *LiveRegistry) remove(h *Handler) {
	k := keyOf(h.deploymentID, h.primaryKey)
	r.mu.Lock()
	defer r.mu.Unlock()
	if set, ok := r.handlers[k]; ok {
		delete(set, h.id)
		if len(set) == 0 {
			delete(r.handlers, k)
		}
	}
}

// InvalidateEntity invalidates every live handle of (deploymentID, pk) and
// returns how many there were.
func (r *LiveRegistry) InvalidateEntity(deploymentID string, pk any) int {
	k := keyOf(deploymentID, pk)
	r.mu.Lock()
	set := r.handlers[k]
	delete(r.handlers, k)
	r.mu.Unlock()
	for _, h := range set {
		h.invalid.Store(true)
	}
	return len(set)
}

// InvalidateDeployment invalidates every live handle of deploymentID.
func (r *LiveRegistry) InvalidateDeployment(deploymentID string) int {
	var victims []*Handler
	r.mu.Lock()
	for k, set := range r.handlers {
		if k.deploymentID != deploymentID {
			continue
		}
		for _, h := range set {
			victims = append(victims, h)
		}
		delete(r.handlers, k)
	}
	r.mu.Unlock()
	for _, h := range victims {
		h.invalid.Store(true)
	}
	return len(victims)
}

// Live returns the number of live handles of (deploymentID, pk).
func (r *LiveRegistry) Live(deploymentID string, pk any) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handlers[keyOf(deploymentID, pk)])
}

// Len returns the number of live handles.
func (r *LiveRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, set := range r.handlers {
		n += len(set)
	}
	return n
}

var _ container.Invalidator = (*LiveRegistry)(nil)

// Handler is a client handle on one entity identity.
type Handler struct {
	id           string
	deploymentID string
	primaryKey   any
	iface        string
	home         *Home
	invalid      atomic.Bool
}

// ID returns the handle id.
func (h *Handler) ID() string { return h.id }

// DeploymentID returns the deployment the identity belongs to.
func (h *Handler) DeploymentID() string { return h.deploymentID }

// PrimaryKey returns the identity's primary key.
func (h *Handler) PrimaryKey() any { return h.primaryKey }

// Interface returns the business interface the handle was created for.
func (h *Handler) Interface() string { return h.iface }

// Valid reports whether the handle has not been invalidated.
func (h *Handler) Valid() bool { return !h.invalid.Load() }

// Info returns the identity the handle stands for.
func (h *Handler) Info() container.ProxyInfo {
	return container.ProxyInfo{DeploymentID: h.deploymentID, PrimaryKey: h.primaryKey, Interface: h.iface}
}

func (h *Handler) check() error {
	if h.invalid.Load() {
		return failure.Application(fmt.Errorf("%w: %s[%v]", failure.ErrNoSuchObject, h.deploymentID, h.primaryKey))
	}
	return nil
}

// Invoke calls a business method on the identity.
func (h *Handler) Invoke(ctx context.Context, method string, args ...any) (any, error) {
	if err := h.check(); err != nil {
		return nil, err
	}
	return h.home.invoker.Invoke(ctx, h.deploymentID, method, args, h.primaryKey, h.home.identity)
}

// Remove removes the identity and invalidates all of its handles.
func (h *Handler) Remove(ctx context.Context) error {
	if err := h.check(); err != nil {
		return err
	}
	return h.home.RemoveByPrimaryKey(ctx, h.home.removeMethod, h.primaryKey)
}

// Release drops the handle from the live registry. The handle stays usable
// but is no longer invalidated by a remove.
func (h *Handler) Release() {
	h.home.registry.remove(h)
}

// HomeOption configures a Home.
type HomeOption func(*Home)

// WithIdentity sets the security identity the home calls with.
func WithIdentity(identity string) HomeOption {
	return func(h *Home) {
		h.identity = identity
	}
}

// WithRemoveMethod sets the name of the deployment's remove method.
func WithRemoveMethod(method string) HomeOption {
	return func(h *Home) {
		h.removeMethod = method
	}
}

// Home is the client view of one deployment.
type Home struct {
	deploymentID string
	invoker      Invoker
	registry     *LiveRegistry
	identity     string
	removeMethod string
}

// NewHome creates the home of deploymentID.
func NewHome(inv Invoker, reg *LiveRegistry, deploymentID string, opts ...HomeOption) *Home {
	if reg == nil {
		reg = NewLiveRegistry()
	}
	h := &Home{
		deploymentID: deploymentID,
		invoker:      inv,
		registry:     reg,
		removeMethod: DefaultRemoveMethod,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// As returns a home calling with identity.
func (h *Home) As(identity string) *Home {
	cp := *h
	cp.identity = identity
	return &cp
}

// DeploymentID returns the deployment id.
func (h *Home) DeploymentID() string { return h.deploymentID }

// CreateProxy wraps info in a handle registered in the live registry.
func (h *Home) CreateProxy(info container.ProxyInfo) *Handler {
	handler := &Handler{
		id:           uuid.NewString(),
		deploymentID: info.DeploymentID,
		primaryKey:   info.PrimaryKey,
		iface:        info.Interface,
		home:         h,
	}
	h.registry.add(handler)
	return handler
}

// Create runs a create method and returns a handle on the new identity.
func (h *Home) Create(ctx context.Context, method string, args ...any) (*Handler, error) {
	res, err := h.invoker.Invoke(ctx, h.deploymentID, method, args, nil, h.identity)
	if err != nil {
		return nil, err
	}
	info, ok := res.(container.ProxyInfo)
	if !ok {
		return nil, failure.System("create", fmt.Errorf("%s returned %T, not an identity", method, res))
	}
	return h.CreateProxy(info), nil
}

// Find runs a finder. It returns a *Handler, a []*Handler or a
// *deploy.Enumeration of *Handler, matching the shape of the finder's result.
func (h *Home) Find(ctx context.Context, method string, args ...any) (any, error) {
	res, err := h.invoker.Invoke(ctx, h.deploymentID, method, args, nil, h.identity)
	if err != nil {
		return nil, err
	}
	switch found := res.(type) {
	case container.ProxyInfo:
		return h.CreateProxy(found), nil
	case []container.ProxyInfo:
		out := make([]*Handler, len(found))
		for i, info := range found {
			out[i] = h.CreateProxy(info)
		}
		return out, nil
	case *deploy.Enumeration:
		items := make([]any, 0, found.Len())
		for found.HasMore() {
			info, ok := found.Next().(container.ProxyInfo)
			if !ok {
				return nil, failure.System("find", fmt.Errorf("%s enumerated a non-identity", method))
			}
			items = append(items, h.CreateProxy(info))
		}
		return deploy.NewEnumeration(items...), nil
	}
	return nil, failure.System("find", fmt.Errorf("%s returned %T, not identities", method, res))
}

// FindOne runs a single-entity finder.
func (h *Home) FindOne(ctx context.Context, method string, args ...any) (*Handler, error) {
	res, err := h.Find(ctx, method, args...)
	if err != nil {
		return nil, err
	}
	handler, ok := res.(*Handler)
	if !ok {
		return nil, failure.System("find", fmt.Errorf("%s is not a single-entity finder", method))
	}
	return handler, nil
}

// Invoke runs a home method and returns its raw result.
func (h *Home) Invoke(ctx context.Context, method string, args ...any) (any, error) {
	return h.invoker.Invoke(ctx, h.deploymentID, method, args, nil, h.identity)
}

// RemoveByPrimaryKey removes the identity pk through method and invalidates
// every live handle bound to it. Inside a caller transaction the handles are
// invalidated once it commits.
func (h *Home) RemoveByPrimaryKey(ctx context.Context, method string, pk any) error {
	if _, err := h.invoker.Invoke(ctx, h.deploymentID, method, nil, pk, h.identity); err != nil {
		return err
	}
	invalidate := func(context.Context) { h.registry.InvalidateEntity(h.deploymentID, pk) }
	if t := tx.FromContext(ctx); t != nil && t.OnCommit(invalidate) == nil {
		return nil
	}
	invalidate(ctx)
	return nil
}
