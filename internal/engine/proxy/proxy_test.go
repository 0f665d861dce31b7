package proxy

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/entity_engine/internal/engine/container"
	"github.com/R3E-Network/entity_engine/internal/engine/deploy"
	"github.com/R3E-Network/entity_engine/internal/engine/failure"
	"github.com/R3E-Network/entity_engine/internal/engine/tx"
	"github.com/R3E-Network/entity_engine/pkg/logger"
)

type counter struct{}

func (c *counter) Load(context.Context) error   { return nil }
func (c *counter) Store(context.Context) error  { return nil }
func (c *counter) Remove(context.Context) error { return nil }

func newHome(t *testing.T) (*Home, *LiveRegistry, *container.Container) {
	t.Helper()
	reg := NewLiveRegistry()
	c := container.New(container.DefaultConfig(), tx.NewLocalManager(logger.NewNop()),
		container.WithInvalidator(reg),
		container.WithLogger(logger.NewNop()))
	t.Cleanup(c.Close)

	d, err := deploy.New("counter", func() (deploy.EntityBean, error) { return &counter{}, nil },
		deploy.WithInterface("Counter"),
		deploy.WithMethods(
			deploy.Create("create", func(_ context.Context, _ deploy.EntityBean, args []any) (any, error) {
				return args[0], nil
			}, nil),
			deploy.Finder("findByKey", func(_ context.Context, _ deploy.EntityBean, args []any) (any, error) {
				return args[0], nil
			}),
			deploy.Finder("findAll", func(context.Context, deploy.EntityBean, []any) (any, error) {
				return []string{"a", "b", "c"}, nil
			}),
			deploy.Finder("findLive", func(context.Context, deploy.EntityBean, []any) (any, error) {
				return deploy.NewEnumeration("a", "b"), nil
			}),
			deploy.Home("total", func(context.Context, deploy.EntityBean, []any) (any, error) {
				return 42, nil
			}),
			deploy.Business("key", func(ctx context.Context, _ deploy.EntityBean, _ []any) (any, error) {
				return container.EntityContext{}.PrimaryKey(ctx), nil
			}),
			deploy.Business("caller", func(ctx context.Context, _ deploy.EntityBean, _ []any) (any, error) {
				return container.EntityContext{}.CallerIdentity(ctx), nil
			}),
			deploy.Remove("remove"),
		))
	require.NoError(t, err)
	require.NoError(t, c.Deploy(d))
	return NewHome(c, reg, "counter", WithIdentity("alice")), reg, c
}

func TestHome_CreateReturnsBoundHandle(t *testing.T) {
	home, reg, _ := newHome(t)
	ctx := context.Background()

	h, err := home.Create(ctx, "create", "k1")
	require.NoError(t, err)
	assert.NotEmpty(t, h.ID())
	assert.Equal(t, "counter", h.DeploymentID())
	assert.Equal(t, "k1", h.PrimaryKey())
	assert.Equal(t, "Counter", h.Interface())
	assert.True(t, h.Valid())
	assert.Equal(t, 1, reg.Live("counter", "k1"))

	got, err := h.Invoke(ctx, "key")
	require.NoError(t, err)
	assert.Equal(t, "k1", got)

	caller, err := h.Invoke(ctx, "caller")
	require.NoError(t, err)
	assert.Equal(t, "alice", caller)
}

func TestHome_FindKeepsShape(t *testing.T) {
	home, reg, _ := newHome(t)
	ctx := context.Background()

	one, err := home.FindOne(ctx, "findByKey", "k7")
	require.NoError(t, err)
	assert.Equal(t, "k7", one.PrimaryKey())

	all, err := home.Find(ctx, "findAll")
	require.NoError(t, err)
	handlers, ok := all.([]*Handler)
	require.True(t, ok, "got %T", all)
	require.Len(t, handlers, 3)
	for i, want := range []string{"a", "b", "c"} {
		assert.Equal(t, want, handlers[i].PrimaryKey())
		assert.Equal(t, "counter", handlers[i].DeploymentID())
	}

	live, err := home.Find(ctx, "findLive")
	require.NoError(t, err)
	enum, ok := live.(*deploy.Enumeration)
	require.True(t, ok, "got %T", live)
	var keys []any
	for enum.HasMore() {
		keys = append(keys, enum.Next().(*Handler).PrimaryKey())
	}
	assert.Equal(t, []any{"a", "b"}, keys)
	assert.Equal(t, 2, reg.Live("counter", "a"), "one handle from findAll, one from findLive")

	_, err = home.FindOne(ctx, "findAll")
	assert.Error(t, err)
}

func TestHome_FindNothing(t *testing.T) {
	home, _, _ := newHome(t)

	_, err := home.Find(context.Background(), "findByKey", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, failure.ErrNoSuchObject)
	assert.Equal(t, failure.ClassApplication, failure.ClassOf(err))
}

func TestHome_InvokeHomeMethod(t *testing.T) {
	home, _, _ := newHome(t)

	got, err := home.Invoke(context.Background(), "total")
	require.NoError(t, err)
	assert.Equal(t, 42, got)
}

func TestHandler_RemoveInvalidatesEveryHandle(t *testing.T) {
	home, reg, _ := newHome(t)
	ctx := context.Background()

	h1, err := home.Create(ctx, "create", "k1")
	require.NoError(t, err)
	h2, err := home.FindOne(ctx, "findByKey", "k1")
	require.NoError(t, err)
	other, err := home.FindOne(ctx, "findByKey", "k2")
	require.NoError(t, err)
	require.Equal(t, 2, reg.Live("counter", "k1"))

	require.NoError(t, h1.Remove(ctx))

	for _, h := range []*Handler{h1, h2} {
		assert.False(t, h.Valid())
		_, err := h.Invoke(ctx, "key")
		assert.ErrorIs(t, err, failure.ErrNoSuchObject)
	}
	assert.ErrorIs(t, h2.Remove(ctx), failure.ErrNoSuchObject)
	assert.Zero(t, reg.Live("counter", "k1"))

	assert.True(t, other.Valid())
	_, err = other.Invoke(ctx, "key")
	assert.NoError(t, err)

	fresh, err := home.Create(ctx, "create", "k1")
	require.NoError(t, err)
	assert.True(t, fresh.Valid())
	assert.False(t, h1.Valid())
}

func TestHome_RemoveByPrimaryKey(t *testing.T) {
	home, reg, _ := newHome(t)
	ctx := context.Background()

	h, err := home.Create(ctx, "create", "k3")
	require.NoError(t, err)
	require.NoError(t, home.RemoveByPrimaryKey(ctx, "remove", "k3"))
	assert.False(t, h.Valid())
	assert.Zero(t, reg.Len())
}

func TestHome_RemoveInCallerTransaction(t *testing.T) {
	for _, commit := range []bool{true, false} {
		name := "rolled back"
		if commit {
			name = "committed"
		}
		t.Run(name, func(t *testing.T) {
			home, reg, _ := newHome(t)
			ctx := context.Background()
			h, err := home.Create(ctx, "create", "k4")
			require.NoError(t, err)

			m := tx.NewLocalManager(logger.NewNop())
			caller, err := m.Begin(ctx)
			require.NoError(t, err)
			txCtx := tx.WithTransaction(ctx, caller)

			require.NoError(t, home.RemoveByPrimaryKey(txCtx, "remove", "k4"))
			assert.True(t, h.Valid(), "handles live until the caller commits")

			if commit {
				require.NoError(t, m.Commit(ctx, caller))
				assert.False(t, h.Valid())
				assert.Zero(t, reg.Live("counter", "k4"))
				return
			}
			require.NoError(t, m.Rollback(ctx, caller))
			assert.True(t, h.Valid())
			got, err := h.Invoke(ctx, "key")
			require.NoError(t, err)
			assert.Equal(t, "k4", got)
		})
	}
}

func TestHome_RemoveFailureKeepsHandles(t *testing.T) {
	reg := NewLiveRegistry()
	inv := invokerFunc(func(context.Context, string, string, []any, any, string) (any, error) {
		return nil, failure.System("remove", errors.New("disk full"))
	})
	home := NewHome(inv, reg, "counter")
	h := home.CreateProxy(container.ProxyInfo{DeploymentID: "counter", PrimaryKey: "k1"})

	require.Error(t, h.Remove(context.Background()))
	assert.True(t, h.Valid())
	assert.Equal(t, 1, reg.Live("counter", "k1"))
}

func TestUndeployInvalidatesDeployment(t *testing.T) {
	home, reg, c := newHome(t)
	ctx := context.Background()

	a, err := home.Create(ctx, "create", "a")
	require.NoError(t, err)
	b, err := home.Create(ctx, "create", "b")
	require.NoError(t, err)

	require.True(t, c.Undeploy("counter"))
	assert.False(t, a.Valid())
	assert.False(t, b.Valid())
	assert.Zero(t, reg.Len())
}

func TestLiveRegistry_UncomparableKeys(t *testing.T) {
	reg := NewLiveRegistry()
	home := NewHome(nil, reg, "d")
	h := home.CreateProxy(container.ProxyInfo{DeploymentID: "d", PrimaryKey: []int{1, 2}})

	assert.Equal(t, 1, reg.Live("d", []int{1, 2}))
	assert.Equal(t, 1, reg.InvalidateEntity("d", []int{1, 2}))
	assert.False(t, h.Valid())
}

func TestHandler_Release(t *testing.T) {
	reg := NewLiveRegistry()
	home := NewHome(nil, reg, "d")
	h := home.CreateProxy(container.ProxyInfo{DeploymentID: "d", PrimaryKey: 1})

	h.Release()
	assert.Zero(t, reg.InvalidateEntity("d", 1))
	assert.True(t, h.Valid())
}

func TestHome_As(t *testing.T) {
	home, _, _ := newHome(t)
	bob := home.As("bob")

	h, err := bob.Create(context.Background(), "create", "k1")
	require.NoError(t, err)
	got, err := h.Invoke(context.Background(), "caller")
	require.NoError(t, err)
	assert.Equal(t, "bob", got)
}

type invokerFunc func(ctx context.Context, deploymentID, method string, args []any, pk any, identity string) (any, error)

func (f invokerFunc) Invoke(ctx context.Context, deploymentID, method string, args []any, pk any, identity string) (any, error) {
	return f(ctx, deploymentID, method, args, pk, identity)
}
