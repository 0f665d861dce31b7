// Package metrics exposes Prometheus telemetry for the entity container:
// invocations by kind and outcome, failure classes, pool occupancy, instance
// churn, transactions completed by policies, handle invalidations and timers.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Invocation outcomes.
const (
	ResultSuccess     = "success"
	ResultApplication = "application_error"
	ResultSystem      = "system_error"
)

// Collector provides container metrics collection.
type Collector struct {
	registry *prometheus.Registry

	// Invocation metrics
	invocations       *prometheus.CounterVec
	invocationLatency *prometheus.HistogramVec
	rejections        *prometheus.CounterVec

	// Pool metrics
	poolIdle           *prometheus.GaugeVec
	poolActive         *prometheus.GaugeVec
	instancesCreated   *prometheus.CounterVec
	instancesDiscarded *prometheus.CounterVec

	// Transaction metrics
	transactions *prometheus.CounterVec

	// Identity metrics
	handlesInvalidated *prometheus.CounterVec
	timersScheduled    *prometheus.GaugeVec

	deployments prometheus.Gauge
	uptime      prometheus.Gauge

	mu        sync.RWMutex
	startTime time.Time
}

// NewCollector creates a collector registered on its own registry.
func NewCollector(namespace string) *Collector {
	if namespace == "" {
		namespace = "entity"
	}

	c := &Collector{
		registry:  prometheus.NewRegistry(),
		startTime: time.Now(),
	}

	c.invocations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "container",
			Name:      "invocations_total",
			Help:      "Total container invocations by method kind and outcome",
		},
		[]string{"deployment", "kind", "result"},
	)

	c.invocationLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "container",
			Name:      "invocation_duration_seconds",
			Help:      "Time spent in the container per invocation, including transaction completion",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14), // 0.5ms to ~4s
		},
		[]string{"deployment", "kind"},
	)

	c.rejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "container",
			Name:      "rejections_total",
			Help:      "Invocations rejected before reaching the bean",
		},
		[]string{"deployment", "reason"},
	)

	c.poolIdle = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "idle_instances",
			Help:      "Idle bean instances per deployment",
		},
		[]string{"deployment"},
	)

	c.poolActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "active_instances",
			Help:      "Checked-out bean instances per deployment",
		},
		[]string{"deployment"},
	)

	c.instancesCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "instances_created_total",
			Help:      "Bean instances constructed",
		},
		[]string{"deployment"},
	)

	c.instancesDiscarded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "instances_discarded_total",
			Help:      "Bean instances discarded after a system failure",
		},
		[]string{"deployment"},
	)

	c.transactions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tx",
			Name:      "completed_total",
			Help:      "Transactions completed by container policies",
		},
		[]string{"attribute", "outcome"},
	)

	c.handlesInvalidated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "proxy",
			Name:      "handles_invalidated_total",
			Help:      "Client handles invalidated after remove or undeploy",
		},
		[]string{"deployment"},
	)

	c.timersScheduled = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "timer",
			Name:      "scheduled",
			Help:      "Entity timers currently scheduled",
		},
		[]string{"deployment"},
	)

	c.deployments = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "container",
			Name:      "deployments",
			Help:      "Deployments currently registered",
		},
	)

	c.uptime = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "container",
			Name:      "uptime_seconds",
			Help:      "Container uptime in seconds",
		},
	)

	c.registry.MustRegister(
		c.invocations,
		c.invocationLatency,
		c.rejections,
		c.poolIdle,
		c.poolActive,
		c.instancesCreated,
		c.instancesDiscarded,
		c.transactions,
		c.handlesInvalidated,
		c.timersScheduled,
		c.deployments,
		c.uptime,
	)

	return c
}

// Registry returns the Prometheus registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// RecordInvocation records one invocation. result is one of the Result constants.
func (c *Collector) RecordInvocation(deployment, kind, result string, duration time.Duration) {
	c.invocations.WithLabelValues(deployment, kind, result).Inc()
	c.invocationLatency.WithLabelValues(deployment, kind).Observe(duration.Seconds())
}

// RecordRejection records an invocation turned away before the bean ran.
func (c *Collector) RecordRejection(deployment, reason string) {
	c.rejections.WithLabelValues(deployment, reason).Inc()
}

// RecordPool records pool occupancy.
func (c *Collector) RecordPool(deployment string, idle, active int) {
	c.poolIdle.WithLabelValues(deployment).Set(float64(idle))
	c.poolActive.WithLabelValues(deployment).Set(float64(active))
}

// RecordInstanceCreated counts a constructed instance.
func (c *Collector) RecordInstanceCreated(deployment string) {
	c.instancesCreated.WithLabelValues(deployment).Inc()
}

// RecordInstanceDiscarded counts a discarded instance.
func (c *Collector) RecordInstanceDiscarded(deployment string) {
	c.instancesDiscarded.WithLabelValues(deployment).Inc()
}

// RecordTransaction records a transaction completed by a policy.
func (c *Collector) RecordTransaction(attribute, outcome string) {
	c.transactions.WithLabelValues(attribute, outcome).Inc()
}

// RecordHandlesInvalidated counts invalidated handles.
func (c *Collector) RecordHandlesInvalidated(deployment string, n int) {
	c.handlesInvalidated.WithLabelValues(deployment).Add(float64(n))
}

// RecordTimers records the number of scheduled timers.
func (c *Collector) RecordTimers(deployment string, n int) {
	c.timersScheduled.WithLabelValues(deployment).Set(float64(n))
}

// RecordDeployments records the number of deployments.
func (c *Collector) RecordDeployments(n int) {
	c.deployments.Set(float64(n))
}

// ForgetDeployment drops the per-deployment gauges of an undeployed bean.
func (c *Collector) ForgetDeployment(deployment string) {
	c.poolIdle.DeleteLabelValues(deployment)
	c.poolActive.DeleteLabelValues(deployment)
	c.timersScheduled.DeleteLabelValues(deployment)
}

// UpdateUptime updates the uptime metric.
func (c *Collector) UpdateUptime() {
	c.mu.RLock()
	start := c.startTime
	c.mu.RUnlock()
	c.uptime.Set(time.Since(start).Seconds())
}

// Reset resets the gauges.
func (c *Collector) Reset() {
	c.poolIdle.Reset()
	c.poolActive.Reset()
	c.timersScheduled.Reset()
	c.mu.Lock()
	c.startTime = time.Now()
	c.mu.Unlock()
}

// NoOpCollector is a collector that does nothing.
type NoOpCollector struct{}

// NewNoOpCollector creates a new no-op collector.
func NewNoOpCollector() *NoOpCollector {
	return &NoOpCollector{}
}

func (*NoOpCollector) RecordInvocation(deployment, kind, result string, d time.Duration) {}
func (*NoOpCollector) RecordRejection(deployment, reason string)                       {}
func (*NoOpCollector) RecordPool(deployment string, idle, active int)                  {}
func (*NoOpCollector) RecordInstanceCreated(deployment string)                         {}
func (*NoOpCollector) RecordInstanceDiscarded(deployment string)                       {}
func (*NoOpCollector) RecordTransaction(attribute, outcome string)                     {}
func (*NoOpCollector) RecordHandlesInvalidated(deployment string, n int)               {}
func (*NoOpCollector) RecordTimers(deployment string, n int)                           {}
func (*NoOpCollector) RecordDeployments(n int)                                         {}
func (*NoOpCollector) ForgetDeployment(deployment string)                              {}
func (*NoOpCollector) UpdateUptime()                                                   {}
func (*NoOpCollector) Reset()                                                          {}

// MetricsCollector is the interface for metrics collection.
type MetricsCollector interface {
	RecordInvocation(deployment, kind, result string, duration time.Duration)
	RecordRejection(deployment, reason string)
	RecordPool(deployment string, idle, active int)
	RecordInstanceCreated(deployment string)
	RecordInstanceDiscarded(deployment string)
	RecordTransaction(attribute, outcome string)
	RecordHandlesInvalidated(deployment string, n int)
	RecordTimers(deployment string, n int)
	RecordDeployments(n int)
	ForgetDeployment(deployment string)
	UpdateUptime()
	Reset()
}

// Verify interface compliance
var (
	_ MetricsCollector = (*Collector)(nil)
	_ MetricsCollector = (*NoOpCollector)(nil)
)
