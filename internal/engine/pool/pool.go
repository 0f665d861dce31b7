// Package pool keeps the per-deployment stacks of idle bean instances and
// bounds how many instances a deployment may have checked out at once.
package pool

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/R3E-Network/entity_engine/internal/engine/callctx"
	"github.com/R3E-Network/entity_engine/internal/engine/deploy"
	"github.com/R3E-Network/entity_engine/internal/engine/failure"
	"github.com/R3E-Network/entity_engine/internal/engine/state"
	"github.com/R3E-Network/entity_engine/pkg/logger"
)

// ExhaustionPolicy decides what Obtain does when every permit is taken.
type ExhaustionPolicy string

const (
	// PolicyBlock waits up to AcquireTimeout for a permit.
	PolicyBlock ExhaustionPolicy = "block"
	// PolicyReject fails immediately with failure.ErrPoolExhausted.
	PolicyReject ExhaustionPolicy = "reject"
)

// ParseExhaustionPolicy parses "block" or "reject".
func ParseExhaustionPolicy(s string) (ExhaustionPolicy, error) {
	switch ExhaustionPolicy(strings.ToLower(strings.TrimSpace(s))) {
	case PolicyBlock, "":
		return PolicyBlock, nil
	case PolicyReject:
		return PolicyReject, nil
	}
	return "", fmt.Errorf("unknown exhaustion policy %q", s)
}

// Config bounds one deployment's pool.
type Config struct {
	// MaxInstances is the maximum number of checked-out instances. 0 means unbounded.
	MaxInstances int `yaml:"max_instances" json:"max_instances"`

	// MaxIdle is the maximum number of idle instances kept. Extra returned
	// instances are freed. 0 means unbounded.
	MaxIdle int `yaml:"max_idle" json:"max_idle"`

	// AcquireTimeout bounds the wait for a permit under PolicyBlock.
	AcquireTimeout time.Duration `yaml:"acquire_timeout" json:"acquire_timeout"`

	Policy ExhaustionPolicy `yaml:"policy" json:"policy"`
}

// DefaultConfig returns the default pool bounds.
func DefaultConfig() Config {
	return Config{
		MaxInstances:   100,
		MaxIdle:        20,
		AcquireTimeout: 5 * time.Second,
		Policy:         PolicyBlock,
	}
}

// Instance is a bean instance with its lifecycle status.
type Instance struct {
	id           string
	deploymentID string
	bean         deploy.EntityBean
	createdAt    time.Time

	// pool is the pool the instance was built for. It outlives a Drop so
	// instances checked out at the time still come home.
	pool *deploymentPool

	status     atomic.Int32
	primaryKey any
	permit     bool
}

// ID returns the instance id.
func (i *Instance) ID() string { return i.id }

// DeploymentID returns the deployment the instance belongs to.
func (i *Instance) DeploymentID() string { return i.deploymentID }

// Bean returns the bean value.
func (i *Instance) Bean() deploy.EntityBean { return i.bean }

// Status returns the lifecycle status.
func (i *Instance) Status() state.InstanceStatus {
	return state.InstanceStatus(i.status.Load())
}

// PrimaryKey returns the identity the instance is activated against while checked out.
func (i *Instance) PrimaryKey() any { return i.primaryKey }

func (i *Instance) transition(to state.InstanceStatus) error {
	for {
		from := i.Status()
		if !state.CanTransition(from, to) {
			return state.NewTransitionError(from, to)
		}
		if i.status.CompareAndSwap(int32(from), int32(to)) {
			return nil
		}
	}
}

// Stats holds a deployment's pool counters.
type Stats struct {
	DeploymentID string       `json:"deployment_id"`
	Idle         int          `json:"idle"`
	Active       int          `json:"active"`
	Created      int64        `json:"created"`
	Returned     int64        `json:"returned"`
	Discarded    int64        `json:"discarded"`
	Freed        int64        `json:"freed"`
	Permits      LimiterStats `json:"permits"`
}

type deploymentPool struct {
	deployment *deploy.Deployment
	config     Config
	limiter    *Limiter

	mu     sync.Mutex
	idle   []*Instance
	closed bool

	created   atomic.Int64
	returned  atomic.Int64
	discarded atomic.Int64
	freed     atomic.Int64
}

func (p *deploymentPool) pop() *Instance {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.idle)
	if n == 0 {
		return nil
	}
	inst := p.idle[n-1]
	p.idle[n-1] = nil
	p.idle = p.idle[:n-1]
	return inst
}

// push returns false when the pool is closed or its idle stack is full.
func (p *deploymentPool) push(inst *Instance) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || (p.config.MaxIdle > 0 && len(p.idle) >= p.config.MaxIdle) {
		return false
	}
	p.idle = append(p.idle, inst)
	return true
}

// Observer is told about instance churn. metrics.MetricsCollector satisfies it.
type Observer interface {
	RecordInstanceCreated(deploymentID string)
	RecordInstanceDiscarded(deploymentID string)
}

// Manager owns the pools of every deployment.
type Manager struct {
	defaults Config
	ec       deploy.EntityContext
	log      *logger.Logger
	observer Observer

	mu    sync.RWMutex
	pools map[string]*deploymentPool
}

// NewManager creates a pool manager. ec is handed to beans implementing
// deploy.ContextAware when they are constructed.
func NewManager(defaults Config, ec deploy.EntityContext, log *logger.Logger) *Manager {
	if log == nil {
		log = logger.NewDefault("pool")
	}
	if defaults.Policy == "" {
		defaults.Policy = PolicyBlock
	}
	return &Manager{
		defaults: defaults,
		ec:       ec,
		log:      log,
		pools:    make(map[string]*deploymentPool),
	}
}

// SetObserver installs o. Call it before the first Obtain.
func (m *Manager) SetObserver(o Observer) {
	m.observer = o
}

// Register creates the pool of d with the default bounds.
func (m *Manager) Register(d *deploy.Deployment) error {
	return m.RegisterWithConfig(d, m.defaults)
}

// RegisterWithConfig creates the pool of d with cfg.
func (m *Manager) RegisterWithConfig(d *deploy.Deployment, cfg Config) error {
	if cfg.Policy == "" {
		cfg.Policy = PolicyBlock
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.pools[d.ID()]; exists {
		return fmt.Errorf("%w: pool for %s", deploy.ErrAlreadyDeployed, d.ID())
	}
	m.pools[d.ID()] = &deploymentPool{
		deployment: d,
		config:     cfg,
		limiter: NewLimiter(LimiterConfig{
			MaxConcurrent:  cfg.MaxInstances,
			AcquireTimeout: cfg.AcquireTimeout,
		}),
	}
	return nil
}

func (m *Manager) pool(id string) (*deploymentPool, error) {
	m.mu.RLock()
	p, ok := m.pools[id]
	m.mu.RUnlock()
	if !ok {
		return nil, failure.System("pool", fmt.Errorf("%w: %s has no pool", failure.ErrUnknownDeployment, id))
	}
	return p, nil
}

// Obtain checks out an instance for the invocation tc describes: an idle one
// when available, otherwise a new one from the deployment factory. Instances
// obtained for a business method or remove are activated against tc's
// primary key.
func (m *Manager) Obtain(ctx context.Context, tc *callctx.ThreadContext) (*Instance, error) {
	d := tc.Deployment()
	p, err := m.pool(d.ID())
	if err != nil {
		return nil, err
	}

	if err := m.acquire(ctx, p); err != nil {
		return nil, &failure.InstanceAcquisitionError{DeploymentID: d.ID(), Cause: err}
	}

	inst := p.pop()
	if inst == nil {
		inst, err = m.construct(p, tc)
		if err != nil {
			p.limiter.Release()
			return nil, err
		}
	}
	inst.permit = true
	if err := inst.transition(state.InstanceCheckedOut); err != nil {
		inst.permit = false
		p.limiter.Release()
		return nil, failure.System("obtain", err)
	}
	inst.primaryKey = tc.PrimaryKey()

	if tc.Operation().BindsIdentity() {
		if activator, ok := inst.bean.(deploy.Activator); ok {
			err := tc.WithOperation(state.OperationActivate, func() error {
				return safeCall(func() error { return activator.Activate(ctx) })
			})
			if err != nil {
				m.log.WithError(err).WithField("deployment", d.ID()).Error("activate failed")
				m.Discard(ctx, tc, inst)
				return nil, callbackFailure(tc, "activate", err)
			}
		}
	}
	return inst, nil
}

func (m *Manager) acquire(ctx context.Context, p *deploymentPool) error {
	if p.config.Policy == PolicyReject {
		if !p.limiter.TryAcquire() {
			return failure.ErrPoolExhausted
		}
		return nil
	}
	if err := p.limiter.Acquire(ctx); err != nil {
		switch {
		case errors.Is(err, ErrLimiterClosed):
			return failure.ErrPoolClosed
		case errors.Is(err, ErrAcquireTimeout), errors.Is(err, ErrNoPermit):
			return fmt.Errorf("%w: %w", failure.ErrPoolExhausted, err)
		default:
			return err
		}
	}
	return nil
}

func (m *Manager) construct(p *deploymentPool, tc *callctx.ThreadContext) (*Instance, error) {
	d := p.deployment
	var bean deploy.EntityBean
	err := safeCall(func() error {
		var err error
		bean, err = d.NewInstance()
		return err
	})
	if err == nil && bean == nil {
		err = deploy.ErrNilInstance
	}
	if err != nil {
		m.log.WithError(err).WithField("deployment", d.ID()).Error("bean instantiation failed")
		return nil, &failure.InstanceAcquisitionError{DeploymentID: d.ID(), Cause: err}
	}

	if aware, ok := bean.(deploy.ContextAware); ok {
		err := tc.WithOperation(state.OperationSetContext, func() error {
			return safeCall(func() error { return aware.SetEntityContext(m.ec) })
		})
		if err != nil {
			m.log.WithError(err).WithField("deployment", d.ID()).Error("set entity context failed")
			return nil, failure.Application(fmt.Errorf("set entity context: %w", err))
		}
	}

	p.created.Add(1)
	if m.observer != nil {
		m.observer.RecordInstanceCreated(d.ID())
	}
	return &Instance{
		id:           uuid.NewString(),
		deploymentID: d.ID(),
		bean:         bean,
		createdAt:    time.Now(),
		pool:         p,
	}, nil
}

// Pool returns a checked-out instance to the idle stack. An instance bound to
// pk is passivated first unless the invocation was a remove or still runs in
// a transaction. Pooling a discarded instance is an error.
func (m *Manager) Pool(ctx context.Context, tc *callctx.ThreadContext, inst *Instance, pk any) error {
	if inst == nil {
		return nil
	}
	p := inst.pool
	if inst.Status() == state.InstanceDiscarded {
		return failure.System("pool", fmt.Errorf("%w: %w", failure.ErrInstanceDiscarded,
			state.NewTransitionError(state.InstanceDiscarded, state.InstancePooled)))
	}

	if pk != nil && tc.Operation() != state.OperationRemove && !tc.TransactionActive() {
		if passivator, ok := inst.bean.(deploy.Passivator); ok {
			err := tc.WithOperation(state.OperationPassivate, func() error {
				return safeCall(func() error { return passivator.Passivate(ctx) })
			})
			if err != nil {
				m.log.WithError(err).WithField("deployment", inst.deploymentID).Error("passivate failed")
				m.Discard(ctx, tc, inst)
				return callbackFailure(tc, "passivate", err)
			}
		}
	}

	if err := inst.transition(state.InstancePooled); err != nil {
		return failure.System("pool", err)
	}
	inst.primaryKey = nil
	m.releasePermit(p, inst)
	p.returned.Add(1)

	if !p.push(inst) {
		// Idle stack full or pool dropped: free the instance.
		_ = inst.transition(state.InstanceDiscarded)
		p.freed.Add(1)
		m.unsetContext(tc, inst)
	}
	return nil
}

// Discard removes inst from circulation for good. Callback failures are
// logged and swallowed.
func (m *Manager) Discard(ctx context.Context, tc *callctx.ThreadContext, inst *Instance) {
	if inst == nil {
		return
	}
	if err := inst.transition(state.InstanceDiscarded); err != nil {
		return
	}
	if p := inst.pool; p != nil {
		m.releasePermit(p, inst)
		p.discarded.Add(1)
	}
	if m.observer != nil {
		m.observer.RecordInstanceDiscarded(inst.deploymentID)
	}
	m.unsetContext(tc, inst)
}

func (m *Manager) releasePermit(p *deploymentPool, inst *Instance) {
	if inst.permit {
		inst.permit = false
		p.limiter.Release()
	}
}

func (m *Manager) unsetContext(tc *callctx.ThreadContext, inst *Instance) {
	releaser, ok := inst.bean.(deploy.ContextReleaser)
	if !ok {
		return
	}
	fn := func() error { return safeCall(releaser.UnsetEntityContext) }
	var err error
	if tc != nil {
		err = tc.WithOperation(state.OperationUnsetContext, fn)
	} else {
		err = fn()
	}
	if err != nil {
		m.log.WithError(err).WithField("deployment", inst.deploymentID).Info("ignoring unset entity context failure")
	}
}

// Drop removes the pool of id, freeing its idle instances and waking any
// waiter. Instances still checked out finish their invocation and are freed
// when they come back; their permits return to the dropped pool's limiter.
func (m *Manager) Drop(id string) bool {
	m.mu.Lock()
	p, ok := m.pools[id]
	delete(m.pools, id)
	m.mu.Unlock()
	if !ok {
		return false
	}

	p.mu.Lock()
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()
	p.limiter.Close()

	for _, inst := range idle {
		if inst.transition(state.InstanceDiscarded) == nil {
			p.freed.Add(1)
			m.unsetContext(nil, inst)
		}
	}
	return true
}

// Close drops every pool.
func (m *Manager) Close() {
	m.mu.RLock()
	ids := make([]string, 0, len(m.pools))
	for id := range m.pools {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	for _, id := range ids {
		m.Drop(id)
	}
}

// Stats returns the counters of one deployment's pool.
func (m *Manager) Stats(deploymentID string) (Stats, bool) {
	m.mu.RLock()
	p, ok := m.pools[deploymentID]
	m.mu.RUnlock()
	if !ok {
		return Stats{}, false
	}
	p.mu.Lock()
	idle := len(p.idle)
	p.mu.Unlock()
	permits := p.limiter.Stats()
	return Stats{
		DeploymentID: deploymentID,
		Idle:         idle,
		Active:       permits.Active,
		Created:      p.created.Load(),
		Returned:     p.returned.Load(),
		Discarded:    p.discarded.Load(),
		Freed:        p.freed.Load(),
		Permits:      permits,
	}, true
}

// callbackFailure classifies an activate or passivate failure. It is an
// application failure; with a transaction running, the transaction is marked
// rollback-only and the failure says so.
func callbackFailure(tc *callctx.ThreadContext, op string, err error) error {
	if scope, ok := tc.TransactionScope().(interface{ SetRollbackOnly() error }); ok && tc.TransactionActive() {
		_ = scope.SetRollbackOnly()
		return failure.Application(fmt.Errorf("%s: %w: %w", op, failure.ErrTransactionRolledBack, err))
	}
	return failure.Application(fmt.Errorf("%s: %w", op, err))
}

func safeCall(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &failure.PanicError{Value: r}
		}
	}()
	return fn()
}
