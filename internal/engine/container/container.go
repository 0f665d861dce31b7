// Package container implements the entity container: the dispatcher that
// takes a client invocation, classifies it as create, find, home, remove,
// business or timeout, and drives transaction demarcation, instance pooling,
// the conditional load/store callbacks and failure classification around the
// bean binding.
package container

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/time/rate"

	"github.com/R3E-Network/entity_engine/internal/engine/callctx"
	"github.com/R3E-Network/entity_engine/internal/engine/deploy"
	"github.com/R3E-Network/entity_engine/internal/engine/events"
	enginemetrics "github.com/R3E-Network/entity_engine/internal/engine/metrics"
	"github.com/R3E-Network/entity_engine/internal/engine/pool"
	"github.com/R3E-Network/entity_engine/internal/engine/security"
	"github.com/R3E-Network/entity_engine/internal/engine/tx"
	"github.com/R3E-Network/entity_engine/pkg/logger"
)

// Common errors
var (
	ErrClosed = errors.New("container closed")
)

// Hooks are called at fixed points of the create and remove paths.
type Hooks struct {
	// OnCreate runs after the create binding returned the primary key and
	// before the post-create binding. Its error is classified like a binding
	// error.
	OnCreate func(ctx context.Context, tc *callctx.ThreadContext, bean deploy.EntityBean) error

	// OnRemove runs once a removal is final: when the remove returns outside
	// a transaction, otherwise after the transaction commits. Its error is
	// logged.
	OnRemove func(ctx context.Context, deploymentID string, primaryKey any) error
}

// TimerCanceller cancels entity timers. The timer service implements it.
type TimerCanceller interface {
	CancelEntity(deploymentID string, primaryKey any) int
	CancelDeployment(deploymentID string) int
}

// Invalidator is told when identities stop existing so it can invalidate the
// client handles bound to them. The proxy registry implements it.
type Invalidator interface {
	InvalidateEntity(deploymentID string, primaryKey any) int
	InvalidateDeployment(deploymentID string) int
}

// Config holds container configuration.
type Config struct {
	// Pool is the default bound of every deployment's instance pool.
	Pool pool.Config

	// RateLimit is the admitted invocations per second per deployment. 0 disables admission control.
	RateLimit float64

	// RateBurst is the admission burst. Defaults to 1 when RateLimit is set.
	RateBurst int
}

// DefaultConfig returns the default container configuration.
func DefaultConfig() Config {
	return Config{Pool: pool.DefaultConfig()}
}

// Option configures a Container.
type Option func(*Container)

// WithAuthorizer sets the security collaborator. Defaults to security.AllowAll.
func WithAuthorizer(a security.Authorizer) Option {
	return func(c *Container) {
		c.authorizer = a
	}
}

// WithHooks sets the create and remove hooks.
func WithHooks(h Hooks) Option {
	return func(c *Container) {
		c.hooks = h
	}
}

// WithTimers sets the timer service. Without an OnRemove hook, a removed
// identity has its timers cancelled.
func WithTimers(t TimerCanceller) Option {
	return func(c *Container) {
		c.timers = t
	}
}

// WithInvalidator sets the handle invalidator.
func WithInvalidator(inv Invalidator) Option {
	return func(c *Container) {
		c.invalidator = inv
	}
}

// WithPolicies replaces the transaction policies built from the manager.
func WithPolicies(p tx.Policies) Option {
	return func(c *Container) {
		c.policies = p
	}
}

// WithEventLogger sets the event logger.
func WithEventLogger(el events.EventLogger) Option {
	return func(c *Container) {
		c.events = el
	}
}

// WithMetricsCollector sets the metrics collector.
func WithMetricsCollector(mc enginemetrics.MetricsCollector) Option {
	return func(c *Container) {
		c.metrics = mc
	}
}

// WithLogger sets the logger.
func WithLogger(log *logger.Logger) Option {
	return func(c *Container) {
		c.log = log
	}
}

// WithRegistry shares a deployment registry.
func WithRegistry(r *deploy.Registry) Option {
	return func(c *Container) {
		c.registry = r
	}
}

// Container hosts entity deployments.
type Container struct {
	cfg         Config
	registry    *deploy.Registry
	pools       *pool.Manager
	manager     tx.Manager
	policies    tx.Policies
	authorizer  security.Authorizer
	hooks       Hooks
	timers      TimerCanceller
	invalidator Invalidator
	events      events.EventLogger
	metrics     enginemetrics.MetricsCollector
	log         *logger.Logger

	mu       sync.RWMutex
	limiters map[string]*rate.Limiter
	closed   bool

	// ready holds the ready set of every transaction with enlisted
	// instances, by transaction id.
	readyMu sync.Mutex
	ready   map[string]*readySet
}

// New creates a container that demarcates transactions with m.
func New(cfg Config, m tx.Manager, opts ...Option) *Container {
	c := &Container{
		cfg:        cfg,
		manager:    m,
		authorizer: security.AllowAll{},
		events:     events.NoOpLogger{},
		metrics:    enginemetrics.NewNoOpCollector(),
		limiters:   make(map[string]*rate.Limiter),
		ready:      make(map[string]*readySet),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.log == nil {
		c.log = logger.NewDefault("container")
	}
	if c.registry == nil {
		c.registry = deploy.NewRegistry()
	}
	if c.policies == nil {
		c.policies = tx.NewPolicies(m, c.log.Named("tx"))
	}
	if c.hooks.OnRemove == nil && c.timers != nil {
		c.hooks.OnRemove = c.cancelTimers
	}
	c.pools = pool.NewManager(cfg.Pool, EntityContext{}, c.log.Named("pool"))
	c.pools.SetObserver(c.metrics)
	return c
}

// SetTimers sets the timer service after construction, for services that
// need the container to exist first. Call it before the first invocation.
func (c *Container) SetTimers(t TimerCanceller) {
	c.timers = t
	if c.hooks.OnRemove == nil {
		c.hooks.OnRemove = c.cancelTimers
	}
}

// Deploy registers d with the default pool bounds.
func (c *Container) Deploy(d *deploy.Deployment) error {
	return c.DeployWithPool(d, c.cfg.Pool)
}

// DeployWithPool registers d with its own pool bounds.
func (c *Container) DeployWithPool(d *deploy.Deployment, cfg pool.Config) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if err := c.registry.Deploy(d); err != nil {
		return err
	}
	if err := c.pools.RegisterWithConfig(d, cfg); err != nil {
		c.registry.Undeploy(d.ID())
		return err
	}
	if c.cfg.RateLimit > 0 {
		burst := c.cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		c.mu.Lock()
		c.limiters[d.ID()] = rate.NewLimiter(rate.Limit(c.cfg.RateLimit), burst)
		c.mu.Unlock()
	}

	c.metrics.RecordDeployments(c.registry.Len())
	events.NewEvent(events.EventDeployed).
		Deployment(d.ID()).
		Metadata("interface", d.Interface()).
		Metadata("methods", fmt.Sprint(len(d.Methods()))).
		LogTo(c.events)
	c.log.WithField("deployment", d.ID()).Info("deployed")
	return nil
}

// Undeploy removes the deployment id: its pool is dropped, its timers are
// cancelled and every client handle bound to it is invalidated. Invocations
// already running finish against the old metadata, and their instances are
// freed when they come back.
func (c *Container) Undeploy(id string) bool {
	if _, ok := c.registry.Undeploy(id); !ok {
		return false
	}
	c.pools.Drop(id)
	c.mu.Lock()
	delete(c.limiters, id)
	c.mu.Unlock()

	if c.timers != nil {
		c.timers.CancelDeployment(id)
	}
	if c.invalidator != nil {
		if n := c.invalidator.InvalidateDeployment(id); n > 0 {
			c.metrics.RecordHandlesInvalidated(id, n)
		}
	}

	c.metrics.ForgetDeployment(id)
	c.metrics.RecordDeployments(c.registry.Len())
	events.NewEvent(events.EventUndeployed).Deployment(id).LogTo(c.events)
	c.log.WithField("deployment", id).Info("undeployed")
	return true
}

// Deployment returns the deployment registered under id.
func (c *Container) Deployment(id string) (*deploy.Deployment, bool) {
	return c.registry.Get(id)
}

// Deployments returns every deployment sorted by id.
func (c *Container) Deployments() []*deploy.Deployment {
	all := c.registry.All()
	sort.Slice(all, func(i, j int) bool { return all[i].ID() < all[j].ID() })
	return all
}

// PoolStats returns the pool counters of one deployment.
func (c *Container) PoolStats(id string) (pool.Stats, bool) {
	return c.pools.Stats(id)
}

// Events returns the event logger.
func (c *Container) Events() events.EventLogger { return c.events }

// Close undeploys everything and refuses further deployments.
func (c *Container) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()
	for _, d := range c.registry.All() {
		c.Undeploy(d.ID())
	}
	c.pools.Close()
}

func (c *Container) limiter(id string) *rate.Limiter {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.limiters[id]
}

func (c *Container) recordPool(id string) {
	if s, ok := c.pools.Stats(id); ok {
		c.metrics.RecordPool(id, s.Idle, s.Active)
	}
}

func (c *Container) cancelTimers(_ context.Context, deploymentID string, pk any) error {
	if pk == nil {
		return nil
	}
	c.timers.CancelEntity(deploymentID, pk)
	return nil
}
