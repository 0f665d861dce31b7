package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/entity_engine/internal/engine/deploy"
	"github.com/R3E-Network/entity_engine/internal/engine/pool"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefaultConfig_Valid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, pool.DefaultConfig(), cfg.PoolConfig())
	assert.False(t, cfg.Database.Enabled())
	assert.Equal(t, time.UTC, cfg.TimerLocation())
}

func TestLoad_NoFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Container, cfg.Container)
}

func TestLoad_YAMLOverDefaults(t *testing.T) {
	path := writeFile(t, "entity.yaml", `
container:
  max_instances: 8
  exhaustion: reject
  rate_limit: 50
logging:
  level: debug
database:
  dsn: postgres://localhost/entity?sslmode=disable
deployments:
  account:
    interface: Account
    transaction: Required
    reentrant: true
    methods:
      balance:
        transaction: Supports
      withdraw:
        roles: [teller]
    pool:
      max_instances: 2
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.Container.MaxInstances)
	assert.Equal(t, pool.DefaultConfig().MaxIdle, cfg.Container.MaxIdle, "unset keys keep defaults")
	assert.Equal(t, pool.PolicyReject, cfg.PoolConfig().Policy)
	assert.Equal(t, 50.0, cfg.ContainerConfig().RateLimit)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.True(t, cfg.Database.Enabled())
	assert.Equal(t, "postgres", cfg.Database.Driver)

	desc, ok := cfg.Descriptor("account")
	require.True(t, ok)
	assert.Equal(t, "account", desc.ID)
	assert.Equal(t, "Account", desc.Interface)
	assert.True(t, desc.Reentrant)
	assert.Equal(t, "Supports", desc.Methods["balance"].Transaction)
	assert.Equal(t, []string{"teller"}, desc.Methods["withdraw"].Roles)

	pc := cfg.PoolConfigFor("account")
	assert.Equal(t, 2, pc.MaxInstances)
	assert.Equal(t, pool.PolicyReject, pc.Policy)
	assert.Equal(t, 8, cfg.PoolConfigFor("ledger").MaxInstances)
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := writeFile(t, "entity.yaml", "container:\n  max_instances: 8\n")
	t.Setenv("ENTITY_POOL_MAX_INSTANCES", "16")
	t.Setenv("ENTITY_POOL_ACQUIRE_TIMEOUT", "250ms")
	t.Setenv("ENTITY_ADMIN_ADDR", ":9999")
	t.Setenv("ENTITY_LOG_FORMAT", "json")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 16, cfg.Container.MaxInstances)
	assert.Equal(t, 250*time.Millisecond, cfg.Container.AcquireTimeout)
	assert.Equal(t, ":9999", cfg.Admin.Addr)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestLoad_EnvFile(t *testing.T) {
	env := writeFile(t, ".env", "ENTITY_DATABASE_DSN=postgres://envfile/entity\n")
	t.Setenv("ENTITY_DATABASE_DSN", "")
	require.NoError(t, os.Unsetenv("ENTITY_DATABASE_DSN"))

	cfg, err := Load("", env, filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)
	assert.Equal(t, "postgres://envfile/entity", cfg.Database.DSN)
}

func TestLoad_DeploymentsFile(t *testing.T) {
	extra := writeFile(t, "deployments.yaml", `
deployments:
  ledger:
    transaction: RequiresNew
`)
	path := writeFile(t, "entity.yaml", "deployments_file: "+extra+"\n")

	cfg, err := Load(path)
	require.NoError(t, err)
	desc, ok := cfg.Descriptor("ledger")
	require.True(t, ok)
	assert.Equal(t, "ledger", desc.ID)
	assert.Equal(t, "RequiresNew", desc.Transaction)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = Load(writeFile(t, "bad.yaml", "container: [1, 2"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"negative pool", func(c *Config) { c.Container.MaxInstances = -1 }},
		{"bad exhaustion", func(c *Config) { c.Container.Exhaustion = "drop" }},
		{"negative rate", func(c *Config) { c.Container.RateLimit = -1 }},
		{"admin without addr", func(c *Config) { c.Admin.Addr = "" }},
		{"bad gin mode", func(c *Config) { c.Admin.Mode = "verbose" }},
		{"bad location", func(c *Config) { c.Timers.Location = "Mars/Olympus" }},
		{"incomplete timer", func(c *Config) { c.Timers.Schedules = []TimerSpec{{Deployment: "account"}} }},
		{"dsn without driver", func(c *Config) {
			c.Database.DSN = "postgres://x"
			c.Database.Driver = ""
		}},
		{"bad attribute", func(c *Config) {
			c.Deployments = map[string]DeploymentConfig{
				"account": {Descriptor: deploy.Descriptor{ID: "account", Transaction: "Sometimes"}},
			}
		}},
		{"bad method attribute", func(c *Config) {
			c.Deployments = map[string]DeploymentConfig{
				"account": {Descriptor: deploy.Descriptor{ID: "account", Methods: map[string]deploy.MethodDescriptor{
					"deposit": {Transaction: "Always"},
				}}},
			}
		}},
		{"mismatched id", func(c *Config) {
			c.Deployments = map[string]DeploymentConfig{
				"account": {Descriptor: deploy.Descriptor{ID: "ledger"}},
			}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestDefaultDeployments(t *testing.T) {
	d := DefaultDeployments()
	account, ok := d["account"]
	require.True(t, ok)
	assert.Equal(t, "account", account.ID)
	assert.Equal(t, []string{"teller"}, account.Methods["withdraw"].Roles)

	cfg := DefaultConfig()
	cfg.Deployments = d
	assert.NoError(t, cfg.Validate())
}

func TestLoadDeploymentsFromPath_IDMismatch(t *testing.T) {
	path := writeFile(t, "deployments.yaml", "deployments:\n  account:\n    id: ledger\n")
	_, err := LoadDeploymentsFromPath(path)
	assert.Error(t, err)
}
