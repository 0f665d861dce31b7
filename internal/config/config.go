// Package config loads the entity daemon configuration: a YAML file layered
// over defaults, an optional .env file, and ENTITY_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/R3E-Network/entity_engine/internal/engine/container"
	"github.com/R3E-Network/entity_engine/internal/engine/deploy"
	"github.com/R3E-Network/entity_engine/internal/engine/pool"
	"github.com/R3E-Network/entity_engine/pkg/logger"
)

// Config is the daemon configuration.
type Config struct {
	Container ContainerConfig      `yaml:"container"`
	Logging   logger.LoggingConfig `yaml:"logging"`
	Database  DatabaseConfig       `yaml:"database"`
	Admin     AdminConfig          `yaml:"admin"`
	Metrics   MetricsConfig        `yaml:"metrics"`
	Timers    TimerConfig          `yaml:"timers"`
	Security  SecurityConfig       `yaml:"security"`

	// DeploymentsFile names a YAML file of further deployments, merged into
	// Deployments. Entries in this file win.
	DeploymentsFile string `yaml:"deployments_file" env:"ENTITY_DEPLOYMENTS_FILE"`

	Deployments map[string]DeploymentConfig `yaml:"deployments"`
}

// ContainerConfig bounds instance pools and admission.
type ContainerConfig struct {
	MaxInstances   int           `yaml:"max_instances" env:"ENTITY_POOL_MAX_INSTANCES"`
	MaxIdle        int           `yaml:"max_idle" env:"ENTITY_POOL_MAX_IDLE"`
	AcquireTimeout time.Duration `yaml:"acquire_timeout" env:"ENTITY_POOL_ACQUIRE_TIMEOUT"`
	Exhaustion     string        `yaml:"exhaustion" env:"ENTITY_POOL_EXHAUSTION"`

	// RateLimit is invocations per second per deployment. 0 disables it.
	RateLimit float64 `yaml:"rate_limit" env:"ENTITY_RATE_LIMIT"`
	RateBurst int     `yaml:"rate_burst" env:"ENTITY_RATE_BURST"`
}

// DatabaseConfig configures the SQL store of the bundled beans.
type DatabaseConfig struct {
	Driver          string        `yaml:"driver" env:"ENTITY_DATABASE_DRIVER"`
	DSN             string        `yaml:"dsn" env:"ENTITY_DATABASE_DSN"`
	MaxOpenConns    int           `yaml:"max_open_conns" env:"ENTITY_DATABASE_MAX_OPEN_CONNS"`
	MaxIdleConns    int           `yaml:"max_idle_conns" env:"ENTITY_DATABASE_MAX_IDLE_CONNS"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"ENTITY_DATABASE_CONN_MAX_LIFETIME"`
	Migrate         bool          `yaml:"migrate" env:"ENTITY_DATABASE_MIGRATE"`
}

// Enabled reports whether a database is configured.
func (d DatabaseConfig) Enabled() bool {
	return strings.TrimSpace(d.DSN) != ""
}

// AdminConfig configures the admin HTTP surface.
type AdminConfig struct {
	Enabled bool   `yaml:"enabled" env:"ENTITY_ADMIN_ENABLED"`
	Addr    string `yaml:"addr" env:"ENTITY_ADMIN_ADDR"`

	// Mode is the gin mode: debug, release or test.
	Mode            string        `yaml:"mode" env:"ENTITY_ADMIN_MODE"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"ENTITY_ADMIN_SHUTDOWN_TIMEOUT"`
	EventBuffer     int           `yaml:"event_buffer" env:"ENTITY_ADMIN_EVENT_BUFFER"`
}

// MetricsConfig configures the prometheus collector.
type MetricsConfig struct {
	Namespace string `yaml:"namespace" env:"ENTITY_METRICS_NAMESPACE"`
}

// TimerConfig configures the timer service and the timers created at startup.
type TimerConfig struct {
	Location  string      `yaml:"location" env:"ENTITY_TIMER_LOCATION"`
	Schedules []TimerSpec `yaml:"schedules"`
}

// TimerSpec is one timer created at startup.
type TimerSpec struct {
	Deployment string `yaml:"deployment"`
	PrimaryKey string `yaml:"primary_key"`
	Method     string `yaml:"method"`
	Schedule   string `yaml:"schedule"`
	Payload    any    `yaml:"payload"`
}

// SecurityConfig maps identities to roles.
type SecurityConfig struct {
	Roles map[string][]string `yaml:"roles"`
}

// DeploymentConfig is the declarative metadata of one deployment plus an
// optional pool override.
type DeploymentConfig struct {
	deploy.Descriptor `yaml:",inline"`

	Pool *PoolOverride `yaml:"pool"`
}

// PoolOverride replaces the container pool bounds for one deployment. Zero
// fields keep the container value.
type PoolOverride struct {
	MaxInstances   int           `yaml:"max_instances"`
	MaxIdle        int           `yaml:"max_idle"`
	AcquireTimeout time.Duration `yaml:"acquire_timeout"`
	Exhaustion     string        `yaml:"exhaustion"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	p := pool.DefaultConfig()
	return &Config{
		Container: ContainerConfig{
			MaxInstances:   p.MaxInstances,
			MaxIdle:        p.MaxIdle,
			AcquireTimeout: p.AcquireTimeout,
			Exhaustion:     string(p.Policy),
		},
		Logging: logger.LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
		Database: DatabaseConfig{
			Driver:          "postgres",
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
		},
		Admin: AdminConfig{
			Enabled:         true,
			Addr:            ":8090",
			Mode:            "release",
			ShutdownTimeout: 10 * time.Second,
			EventBuffer:     1000,
		},
		Metrics: MetricsConfig{Namespace: "entity"},
		Timers:  TimerConfig{Location: "UTC"},
	}
}

// Load builds the configuration from path (optional), the given .env files
// (missing files are skipped) and the environment.
func Load(path string, envFiles ...string) (*Config, error) {
	if err := LoadEnvFiles(envFiles...); err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if err := envdecode.Decode(cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("failed to decode environment: %w", err)
	}

	if cfg.DeploymentsFile != "" {
		extra, err := LoadDeploymentsFromPath(cfg.DeploymentsFile)
		if err != nil {
			return nil, err
		}
		if cfg.Deployments == nil {
			cfg.Deployments = make(map[string]DeploymentConfig, len(extra))
		}
		for id, dc := range extra {
			cfg.Deployments[id] = dc
		}
	}

	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadEnvFiles loads .env files into the process environment without
// overriding variables that are already set.
func LoadEnvFiles(files ...string) error {
	for _, f := range files {
		if f == "" {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("failed to load %s: %w", f, err)
		}
	}
	return nil
}

func (c *Config) normalize() {
	for id, dc := range c.Deployments {
		if dc.ID == "" {
			dc.ID = id
			c.Deployments[id] = dc
		}
	}
	c.Admin.Mode = strings.ToLower(strings.TrimSpace(c.Admin.Mode))
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Container.MaxInstances < 0 {
		return fmt.Errorf("container.max_instances must not be negative")
	}
	if c.Container.MaxIdle < 0 {
		return fmt.Errorf("container.max_idle must not be negative")
	}
	if c.Container.AcquireTimeout < 0 {
		return fmt.Errorf("container.acquire_timeout must not be negative")
	}
	if _, err := pool.ParseExhaustionPolicy(c.Container.Exhaustion); err != nil {
		return fmt.Errorf("container.exhaustion: %w", err)
	}
	if c.Container.RateLimit < 0 {
		return fmt.Errorf("container.rate_limit must not be negative")
	}
	if c.Container.RateBurst < 0 {
		return fmt.Errorf("container.rate_burst must not be negative")
	}

	if c.Database.Enabled() && c.Database.Driver == "" {
		return fmt.Errorf("database.driver is required when a dsn is set")
	}

	if c.Admin.Enabled && c.Admin.Addr == "" {
		return fmt.Errorf("admin.addr is required when admin is enabled")
	}
	switch c.Admin.Mode {
	case "", "debug", "release", "test":
	default:
		return fmt.Errorf("admin.mode %q is not one of debug, release, test", c.Admin.Mode)
	}

	if c.Timers.Location != "" {
		if _, err := time.LoadLocation(c.Timers.Location); err != nil {
			return fmt.Errorf("timers.location: %w", err)
		}
	}
	for i, ts := range c.Timers.Schedules {
		if ts.Deployment == "" || ts.Method == "" || ts.Schedule == "" {
			return fmt.Errorf("timers.schedules[%d]: deployment, method and schedule are required", i)
		}
	}

	for id, dc := range c.Deployments {
		if dc.ID != id {
			return fmt.Errorf("deployment %s: id %q does not match its key", id, dc.ID)
		}
		if dc.Transaction != "" {
			if _, err := deploy.ParseTxAttribute(dc.Transaction); err != nil {
				return fmt.Errorf("deployment %s: %w", id, err)
			}
		}
		for name, md := range dc.Methods {
			if md.Transaction == "" {
				continue
			}
			if _, err := deploy.ParseTxAttribute(md.Transaction); err != nil {
				return fmt.Errorf("deployment %s method %s: %w", id, name, err)
			}
		}
		if dc.Pool != nil {
			if _, err := pool.ParseExhaustionPolicy(dc.Pool.Exhaustion); err != nil {
				return fmt.Errorf("deployment %s pool: %w", id, err)
			}
		}
	}
	return nil
}

// PoolConfig returns the container-wide pool bounds.
func (c *Config) PoolConfig() pool.Config {
	policy, _ := pool.ParseExhaustionPolicy(c.Container.Exhaustion)
	return pool.Config{
		MaxInstances:   c.Container.MaxInstances,
		MaxIdle:        c.Container.MaxIdle,
		AcquireTimeout: c.Container.AcquireTimeout,
		Policy:         policy,
	}
}

// PoolConfigFor returns the pool bounds of deployment id.
func (c *Config) PoolConfigFor(id string) pool.Config {
	pc := c.PoolConfig()
	dc, ok := c.Deployments[id]
	if !ok || dc.Pool == nil {
		return pc
	}
	if dc.Pool.MaxInstances > 0 {
		pc.MaxInstances = dc.Pool.MaxInstances
	}
	if dc.Pool.MaxIdle > 0 {
		pc.MaxIdle = dc.Pool.MaxIdle
	}
	if dc.Pool.AcquireTimeout > 0 {
		pc.AcquireTimeout = dc.Pool.AcquireTimeout
	}
	if dc.Pool.Exhaustion != "" {
		pc.Policy, _ = pool.ParseExhaustionPolicy(dc.Pool.Exhaustion)
	}
	return pc
}

// ContainerConfig returns the container configuration.
func (c *Config) ContainerConfig() container.Config {
	return container.Config{
		Pool:      c.PoolConfig(),
		RateLimit: c.Container.RateLimit,
		RateBurst: c.Container.RateBurst,
	}
}

// Descriptor returns the declarative metadata of deployment id.
func (c *Config) Descriptor(id string) (deploy.Descriptor, bool) {
	dc, ok := c.Deployments[id]
	return dc.Descriptor, ok
}

// TimerLocation returns the time zone timers are evaluated in.
func (c *Config) TimerLocation() *time.Location {
	if c.Timers.Location == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(c.Timers.Location)
	if err != nil {
		return time.UTC
	}
	return loc
}
