package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"

	"github.com/R3E-Network/entity_engine/internal/api/admin"
	"github.com/R3E-Network/entity_engine/internal/beans/account"
	"github.com/R3E-Network/entity_engine/internal/config"
	"github.com/R3E-Network/entity_engine/internal/engine/container"
	"github.com/R3E-Network/entity_engine/internal/engine/deploy"
	"github.com/R3E-Network/entity_engine/internal/engine/events"
	enginemetrics "github.com/R3E-Network/entity_engine/internal/engine/metrics"
	"github.com/R3E-Network/entity_engine/internal/engine/proxy"
	"github.com/R3E-Network/entity_engine/internal/engine/security"
	"github.com/R3E-Network/entity_engine/internal/engine/timer"
	"github.com/R3E-Network/entity_engine/internal/engine/tx"
	"github.com/R3E-Network/entity_engine/pkg/logger"
)

// daemon owns every long-lived component of the process.
type daemon struct {
	cfg *config.Config
	log *logger.Logger
	db  *sqlx.DB

	metrics   *enginemetrics.Collector
	events    *events.RingBuffer
	handles   *proxy.LiveRegistry
	container *container.Container
	timers    *timer.Service
	admin     *admin.Server
}

// openDatabase connects to the configured database. It returns nil when none
// is configured.
func openDatabase(ctx context.Context, cfg config.DatabaseConfig) (*sqlx.DB, error) {
	if !cfg.Enabled() {
		return nil, nil
	}
	db, err := sqlx.ConnectContext(ctx, cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", cfg.Driver, err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	return db, nil
}

// newDaemon wires the container and its collaborators. db may be nil, in
// which case the bundled beans are not deployed.
func newDaemon(ctx context.Context, cfg *config.Config, log *logger.Logger, db *sqlx.DB) (*daemon, error) {
	d := &daemon{
		cfg:     cfg,
		log:     log,
		db:      db,
		metrics: enginemetrics.NewCollector(cfg.Metrics.Namespace),
		events:  events.NewRingBuffer(cfg.Admin.EventBuffer),
		handles: proxy.NewLiveRegistry(),
	}

	d.container = container.New(cfg.ContainerConfig(), tx.NewLocalManager(log.Named("tx")),
		container.WithLogger(log.Named("container")),
		container.WithAuthorizer(security.NewStaticRoles(cfg.Security.Roles)),
		container.WithEventLogger(d.events),
		container.WithMetricsCollector(d.metrics),
		container.WithInvalidator(d.handles),
	)
	d.timers = timer.New(d.container,
		timer.WithLogger(log.Named("timer")),
		timer.WithEventLogger(d.events),
		timer.WithMetricsCollector(d.metrics),
		timer.WithLocation(cfg.TimerLocation()),
	)
	d.container.SetTimers(d.timers)

	if err := d.deploy(ctx); err != nil {
		d.container.Close()
		return nil, err
	}
	if err := d.scheduleTimers(); err != nil {
		d.container.Close()
		return nil, err
	}

	if cfg.Admin.Enabled {
		if cfg.Admin.Mode != "" {
			gin.SetMode(cfg.Admin.Mode)
		}
		handler := admin.NewHandler(d.container,
			admin.WithEvents(d.events),
			admin.WithTimers(d.timers),
			admin.WithGatherer(d.metrics.Registry()),
			admin.WithLogger(log.Named("admin")),
		)
		d.admin = admin.NewServer(cfg.Admin.Addr, handler, log.Named("admin"))
	}
	return d, nil
}

// deploy installs the bundled beans whose backing store is available.
func (d *daemon) deploy(ctx context.Context) error {
	descriptors := d.cfg.Deployments
	if len(descriptors) == 0 {
		descriptors = config.LoadDeploymentsOrDefault()
	}

	if d.db == nil {
		d.log.Warn("no database configured, bundled beans are not deployed")
		return nil
	}

	store := account.NewStore(d.db)
	if d.cfg.Database.Migrate {
		if err := store.Migrate(ctx); err != nil {
			return err
		}
	}

	var opts []deploy.Option
	if dc, ok := descriptors[account.DeploymentID]; ok {
		opts = append(opts, deploy.WithDescriptor(dc.Descriptor))
	}
	dep, err := account.NewDeployment(store, opts...)
	if err != nil {
		return fmt.Errorf("build %s deployment: %w", account.DeploymentID, err)
	}
	if err := d.container.DeployWithPool(dep, d.cfg.PoolConfigFor(account.DeploymentID)); err != nil {
		return err
	}

	for id := range descriptors {
		if _, ok := d.container.Deployment(id); !ok {
			d.log.WithField("deployment", id).Warn("descriptor has no bean implementation")
		}
	}
	return nil
}

func (d *daemon) scheduleTimers() error {
	for _, ts := range d.cfg.Timers.Schedules {
		if _, ok := d.container.Deployment(ts.Deployment); !ok {
			return fmt.Errorf("timer %s.%s: deployment %s is not deployed", ts.Deployment, ts.Method, ts.Deployment)
		}
		id, err := d.timers.Schedule(ts.Deployment, ts.PrimaryKey, ts.Method, ts.Schedule, ts.Payload)
		if err != nil {
			return fmt.Errorf("timer %s.%s: %w", ts.Deployment, ts.Method, err)
		}
		d.log.WithField("timer", id).WithField("deployment", ts.Deployment).
			WithField("schedule", ts.Schedule).Info("timer scheduled")
	}
	return nil
}

// start runs the timer service and the admin server.
func (d *daemon) start(ctx context.Context) error {
	d.timers.Start(ctx)
	if d.admin != nil {
		if err := d.admin.Start(); err != nil {
			return fmt.Errorf("start admin server: %w", err)
		}
	}
	d.metrics.UpdateUptime()
	return nil
}

// stop shuts every component down in reverse order of start.
func (d *daemon) stop(ctx context.Context) error {
	var errs []error
	if d.admin != nil {
		if err := d.admin.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("admin server: %w", err))
		}
	}
	if err := d.timers.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("timers: %w", err))
	}
	d.container.Close()
	if d.db != nil {
		if err := d.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("database: %w", err))
		}
	}
	return errors.Join(errs...)
}
