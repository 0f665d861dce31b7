// Package admin exposes the read-only operational HTTP surface of the entity
// container: health, deployments, pool counters, timers, recent events and
// prometheus metrics.
package admin

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/R3E-Network/entity_engine/internal/engine/deploy"
	"github.com/R3E-Network/entity_engine/internal/engine/events"
	"github.com/R3E-Network/entity_engine/internal/engine/pool"
	"github.com/R3E-Network/entity_engine/internal/engine/timer"
	"github.com/R3E-Network/entity_engine/pkg/logger"
)

const defaultEventLimit = 100

// Container is the part of the container the admin surface reads.
type Container interface {
	Deployments() []*deploy.Deployment
	Deployment(id string) (*deploy.Deployment, bool)
	PoolStats(id string) (pool.Stats, bool)
}

// Timers lists scheduled timers.
type Timers interface {
	Timers(deploymentID string) []timer.Info
}

// Option configures the handler.
type Option func(*handler)

// WithEvents sets the event source of GET /events.
func WithEvents(el events.EventLogger) Option {
	return func(h *handler) {
		h.events = el
	}
}

// WithTimers sets the timer source of GET /deployments/:id/timers.
func WithTimers(t Timers) Option {
	return func(h *handler) {
		h.timers = t
	}
}

// WithGatherer sets the registry served on GET /metrics.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(h *handler) {
		h.gatherer = g
	}
}

// WithLogger sets the request logger.
func WithLogger(log *logger.Logger) Option {
	return func(h *handler) {
		h.log = log
	}
}

// WithRateLimit limits each client to rps requests per second.
func WithRateLimit(rps float64, burst int) Option {
	return func(h *handler) {
		h.rps = rps
		h.burst = burst
	}
}

// handler bundles the admin endpoints.
type handler struct {
	container Container
	events    events.EventLogger
	timers    Timers
	gatherer  prometheus.Gatherer
	log       *logger.Logger
	rps       float64
	burst     int
}

type methodView struct {
	Name        string   `json:"name"`
	Kind        string   `json:"kind"`
	Interface   string   `json:"interface"`
	Transaction string   `json:"transaction"`
	Roles       []string `json:"roles,omitempty"`
}

type deploymentView struct {
	ID        string       `json:"id"`
	Interface string       `json:"interface"`
	Reentrant bool         `json:"reentrant"`
	Methods   []methodView `json:"methods"`
	Pool      *pool.Stats  `json:"pool,omitempty"`
}

// NewHandler returns a gin engine exposing the admin API.
func NewHandler(c Container, opts ...Option) http.Handler {
	h := &handler{
		container: c,
		events:    events.NoOpLogger{},
		gatherer:  prometheus.DefaultGatherer,
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.log == nil {
		h.log = logger.NewDefault("admin")
	}

	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(h.log))
	if h.rps > 0 {
		r.Use(newRateLimiter(h.rps, h.burst, h.log).handler())
	}

	r.GET("/healthz", h.health)
	r.GET("/deployments", h.listDeployments)
	r.GET("/deployments/:id", h.getDeployment)
	r.GET("/deployments/:id/pool", h.getPool)
	r.GET("/deployments/:id/timers", h.listTimers)
	r.GET("/events", h.listEvents)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{})))
	return r
}

func (h *handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"deployments": len(h.container.Deployments()),
	})
}

func (h *handler) listDeployments(c *gin.Context) {
	all := h.container.Deployments()
	out := make([]deploymentView, 0, len(all))
	for _, d := range all {
		out = append(out, h.view(d, false))
	}
	c.JSON(http.StatusOK, out)
}

func (h *handler) getDeployment(c *gin.Context) {
	d, ok := h.container.Deployment(c.Param("id"))
	if !ok {
		notFound(c, "deployment", c.Param("id"))
		return
	}
	c.JSON(http.StatusOK, h.view(d, true))
}

func (h *handler) getPool(c *gin.Context) {
	s, ok := h.container.PoolStats(c.Param("id"))
	if !ok {
		notFound(c, "deployment", c.Param("id"))
		return
	}
	c.JSON(http.StatusOK, s)
}

func (h *handler) listTimers(c *gin.Context) {
	id := c.Param("id")
	if _, ok := h.container.Deployment(id); !ok {
		notFound(c, "deployment", id)
		return
	}
	if h.timers == nil {
		c.JSON(http.StatusOK, []timer.Info{})
		return
	}
	c.JSON(http.StatusOK, h.timers.Timers(id))
}

func (h *handler) listEvents(c *gin.Context) {
	limit := defaultEventLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}

	var list []events.Event
	switch {
	case c.Query("type") != "":
		list = h.events.RecentByType(events.EventType(c.Query("type")), limit)
	case c.Query("deployment") != "":
		list = h.events.RecentByDeployment(c.Query("deployment"), limit)
	default:
		list = h.events.Recent(limit)
	}
	if list == nil {
		list = []events.Event{}
	}
	c.JSON(http.StatusOK, list)
}

func (h *handler) view(d *deploy.Deployment, withPool bool) deploymentView {
	v := deploymentView{
		ID:        d.ID(),
		Interface: d.Interface(),
		Reentrant: d.Reentrant(),
	}
	for _, m := range d.Methods() {
		v.Methods = append(v.Methods, methodView{
			Name:        m.Name,
			Kind:        m.Kind.String(),
			Interface:   d.InterfaceOf(m),
			Transaction: string(d.AttributeFor(m)),
			Roles:       d.RolesFor(m),
		})
	}
	if withPool {
		if s, ok := h.container.PoolStats(d.ID()); ok {
			v.Pool = &s
		}
	}
	return v
}

func notFound(c *gin.Context, what, id string) {
	c.JSON(http.StatusNotFound, gin.H{"error": what + " " + id + " not found"})
}
