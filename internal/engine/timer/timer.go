// Package timer schedules entity timers and fires them as timeout
// invocations through the container.
package timer

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/R3E-Network/entity_engine/internal/engine/events"
	"github.com/R3E-Network/entity_engine/internal/engine/failure"
	enginemetrics "github.com/R3E-Network/entity_engine/internal/engine/metrics"
	"github.com/R3E-Network/entity_engine/pkg/logger"
)

// Common errors
var (
	ErrUnknownTimer = errors.New("unknown timer")
	ErrInvalidSpec  = errors.New("invalid timer schedule")
)

// Invoker dispatches the timeout invocation. *container.Container implements it.
type Invoker interface {
	Invoke(ctx context.Context, deploymentID, method string, args []any, primaryKey any, identity string) (any, error)
}

// Info describes a scheduled timer. The timeout method receives it as its
// only argument.
type Info struct {
	ID           string    `json:"id"`
	DeploymentID string    `json:"deployment_id"`
	PrimaryKey   any       `json:"primary_key"`
	Method       string    `json:"method"`
	Schedule     string    `json:"schedule"`
	Single       bool      `json:"single"`
	Next         time.Time `json:"next,omitempty"`
	Payload      any       `json:"payload,omitempty"`
}

type entityKey struct {
	deploymentID string
	primaryKey   any
}

func keyOf(deploymentID string, pk any) entityKey {
	if pk != nil && !reflect.TypeOf(pk).Comparable() {
		pk = fmt.Sprintf("%T:%#v", pk, pk)
	}
	return entityKey{deploymentID: deploymentID, primaryKey: pk}
}

type entry struct {
	info  Info
	sched cron.Schedule
	cron  cron.EntryID
}

// once fires a single time at a fixed instant.
type once struct {
	at time.Time
}

func (o once) Next(t time.Time) time.Time {
	if t.Before(o.at) {
		return o.at
	}
	return time.Time{}
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(log *logger.Logger) Option {
	return func(s *Service) {
		s.log = log
	}
}

// WithEventLogger sets the event logger.
func WithEventLogger(el events.EventLogger) Option {
	return func(s *Service) {
		s.events = el
	}
}

// WithMetricsCollector sets the metrics collector.
func WithMetricsCollector(mc enginemetrics.MetricsCollector) Option {
	return func(s *Service) {
		s.metrics = mc
	}
}

// WithLocation sets the time zone cron schedules are evaluated in. Defaults to UTC.
func WithLocation(loc *time.Location) Option {
	return func(s *Service) {
		s.location = loc
	}
}

// Service owns every entity timer of a container.
type Service struct {
	inv      Invoker
	log      *logger.Logger
	events   events.EventLogger
	metrics  enginemetrics.MetricsCollector
	location *time.Location
	parser   cron.Parser
	cron     *cron.Cron

	mu       sync.Mutex
	timers   map[string]*entry
	byEntity map[entityKey]map[string]struct{}
	ctx      context.Context
	running  bool
}

// New creates a stopped timer service dispatching through inv.
func New(inv Invoker, opts ...Option) *Service {
	s := &Service{
		inv:      inv,
		events:   events.NoOpLogger{},
		metrics:  enginemetrics.NewNoOpCollector(),
		location: time.UTC,
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour |
			cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		timers:   make(map[string]*entry),
		byEntity: make(map[entityKey]map[string]struct{}),
		ctx:      context.Background(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = logger.NewDefault("timer")
	}
	cl := cronLogger{log: s.log}
	s.cron = cron.New(
		cron.WithLocation(s.location),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl)),
	)
	return s
}

// Start runs the scheduler. Timeout invocations use ctx.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.ctx = ctx
	s.running = true
	s.cron.Start()
	s.log.WithField("timers", len(s.timers)).Info("timer service started")
}

// Stop halts the scheduler and waits for running timeouts until ctx is done.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	select {
	case <-s.cron.Stop().Done():
		s.log.Info("timer service stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Schedule adds a recurring timer on (deploymentID, pk) firing method on
// every tick of spec. spec is a cron expression with optional seconds or a
// descriptor such as "@hourly" or "@every 5m".
func (s *Service) Schedule(deploymentID string, pk any, method, spec string, payload any) (string, error) {
	sched, err := s.parser.Parse(spec)
	if err != nil {
		return "", fmt.Errorf("%w %q: %v", ErrInvalidSpec, spec, err)
	}
	return s.add(Info{
		DeploymentID: deploymentID,
		PrimaryKey:   pk,
		Method:       method,
		Schedule:     spec,
		Payload:      payload,
	}, sched)
}

// After adds a single-action timer firing method once after d.
func (s *Service) After(deploymentID string, pk any, method string, d time.Duration, payload any) (string, error) {
	if d < 0 {
		return "", fmt.Errorf("%w: negative delay %s", ErrInvalidSpec, d)
	}
	return s.add(Info{
		DeploymentID: deploymentID,
		PrimaryKey:   pk,
		Method:       method,
		Schedule:     "after " + d.String(),
		Single:       true,
		Payload:      payload,
	}, once{at: time.Now().Add(d)})
}

func (s *Service) add(info Info, sched cron.Schedule) (string, error) {
	if info.DeploymentID == "" || info.Method == "" {
		return "", fmt.Errorf("%w: deployment and method are required", ErrInvalidSpec)
	}
	info.ID = uuid.NewString()
	id := info.ID

	s.mu.Lock()
	e := &entry{info: info, sched: sched}
	e.cron = s.cron.Schedule(sched, cron.FuncJob(func() { s.fire(id) }))
	s.timers[id] = e
	k := keyOf(info.DeploymentID, info.PrimaryKey)
	set, ok := s.byEntity[k]
	if !ok {
		set = make(map[string]struct{})
		s.byEntity[k] = set
	}
	set[id] = struct{}{}
	n := s.countLocked(info.DeploymentID)
	s.mu.Unlock()

	s.metrics.RecordTimers(info.DeploymentID, n)
	events.NewEvent(events.EventTimerScheduled).
		Deployment(info.DeploymentID).
		PrimaryKey(info.PrimaryKey).
		Method(info.Method).
		Metadata("timer", id).
		Metadata("schedule", info.Schedule).
		LogTo(s.events)
	return id, nil
}

// Cancel removes one timer.
func (s *Service) Cancel(id string) bool {
	s.mu.Lock()
	e, ok := s.timers[id]
	if !ok {
		s.mu.Unlock()
		return false
	}
	s.removeLocked(e)
	n := s.countLocked(e.info.DeploymentID)
	s.mu.Unlock()

	s.cancelled(e.info, n)
	return true
}

// CancelEntity removes every timer of (deploymentID, pk) and returns how many
// there were.
func (s *Service) CancelEntity(deploymentID string, pk any) int {
	s.mu.Lock()
	var victims []*entry
	for id := range s.byEntity[keyOf(deploymentID, pk)] {
		victims = append(victims, s.timers[id])
	}
	for _, e := range victims {
		s.removeLocked(e)
	}
	n := s.countLocked(deploymentID)
	s.mu.Unlock()

	for _, e := range victims {
		s.cancelled(e.info, n)
	}
	return len(victims)
}

// CancelDeployment removes every timer of deploymentID.
func (s *Service) CancelDeployment(deploymentID string) int {
	s.mu.Lock()
	var victims []*entry
	for _, e := range s.timers {
		if e.info.DeploymentID == deploymentID {
			victims = append(victims, e)
		}
	}
	for _, e := range victims {
		s.removeLocked(e)
	}
	s.mu.Unlock()

	for _, e := range victims {
		s.cancelled(e.info, 0)
	}
	return len(victims)
}

// Get returns the timer id.
func (s *Service) Get(id string) (Info, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.timers[id]
	if !ok {
		return Info{}, false
	}
	return s.infoLocked(e), true
}

// Timers returns the timers of deploymentID, or of every deployment when it
// is empty, ordered by next fire time.
func (s *Service) Timers(deploymentID string) []Info {
	s.mu.Lock()
	out := make([]Info, 0, len(s.timers))
	for _, e := range s.timers {
		if deploymentID == "" || e.info.DeploymentID == deploymentID {
			out = append(out, s.infoLocked(e))
		}
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Next.Equal(out[j].Next) {
			return out[i].ID < out[j].ID
		}
		return out[i].Next.Before(out[j].Next)
	})
	return out
}

// Fire runs timer id now, outside its schedule.
func (s *Service) Fire(ctx context.Context, id string) error {
	s.mu.Lock()
	e, ok := s.timers[id]
	var info Info
	if ok {
		info = s.infoLocked(e)
	}
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTimer, id)
	}

	_, err := s.inv.Invoke(ctx, info.DeploymentID, info.Method, []any{info}, info.PrimaryKey, "")
	if info.Single || gone(err) {
		s.Cancel(id)
	}
	if err != nil {
		events.NewEvent(events.EventTimerFailed).
			Deployment(info.DeploymentID).
			PrimaryKey(info.PrimaryKey).
			Method(info.Method).
			Metadata("timer", id).
			ErrorFrom(err).
			LogTo(s.events)
		s.log.WithFields(logrus.Fields{
			"timer":      id,
			"deployment": info.DeploymentID,
			"method":     info.Method,
		}).WithError(err).Warn("timeout failed")
	}
	return err
}

func (s *Service) fire(id string) {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	_ = s.Fire(ctx, id)
}

func (s *Service) removeLocked(e *entry) {
	s.cron.Remove(e.cron)
	delete(s.timers, e.info.ID)
	k := keyOf(e.info.DeploymentID, e.info.PrimaryKey)
	if set, ok := s.byEntity[k]; ok {
		delete(set, e.info.ID)
		if len(set) == 0 {
			delete(s.byEntity, k)
		}
	}
}

func (s *Service) countLocked(deploymentID string) int {
	n := 0
	for _, e := range s.timers {
		if e.info.DeploymentID == deploymentID {
			n++
		}
	}
	return n
}

func (s *Service) infoLocked(e *entry) Info {
	info := e.info
	info.Next = s.cron.Entry(e.cron).Next
	if info.Next.IsZero() {
		info.Next = e.sched.Next(time.Now().In(s.location))
	}
	return info
}

func (s *Service) cancelled(info Info, remaining int) {
	s.metrics.RecordTimers(info.DeploymentID, remaining)
	events.NewEvent(events.EventTimerCancelled).
		Deployment(info.DeploymentID).
		PrimaryKey(info.PrimaryKey).
		Method(info.Method).
		Metadata("timer", info.ID).
		LogTo(s.events)
}

// gone reports whether err means the timer's target no longer exists.
func gone(err error) bool {
	return errors.Is(err, failure.ErrNoSuchObject) ||
		errors.Is(err, failure.ErrUnknownDeployment) ||
		errors.Is(err, failure.ErrUnknownMethod)
}

// cronLogger adapts the engine logger to cron.Logger.
type cronLogger struct {
	log *logger.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.WithFields(fields(keysAndValues)).Debug(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.WithFields(fields(keysAndValues)).WithError(err).Error(msg)
}

func fields(kv []interface{}) logrus.Fields {
	out := make(logrus.Fields, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out[fmt.Sprint(kv[i])] = kv[i+1]
	}
	return out
}
