package deploy

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type counterBean struct {
	nopBean
	value int64
}

var errNegative = errors.New("negative amount")

func (b *counterBean) Add(ctx context.Context, n int64) (int64, error) {
	if n < 0 {
		return 0, errNegative
	}
	b.value += n
	return b.value, nil
}

func (b *counterBean) Reset() { b.value = 0 }

func (b *counterBean) Label(prefix string, tags []string) string {
	return prefix + ":" + string(rune('0'+len(tags)))
}

func (b *counterBean) Sum(xs ...int) int { return 0 }

func (b *counterBean) Pair() (int, int) { return 1, 2 }

func TestReflect_CallsWithContextAndConvertsArgs(t *testing.T) {
	add, err := Reflect(&counterBean{}, "Add")
	require.NoError(t, err)

	bean := &counterBean{}
	got, err := add(context.Background(), bean, []any{5})
	require.NoError(t, err)
	assert.Equal(t, int64(5), got)

	_, err = add(context.Background(), bean, []any{int64(-1)})
	assert.ErrorIs(t, err, errNegative)
}

func TestReflect_NoResults(t *testing.T) {
	reset := MustReflect(&counterBean{}, "Reset")
	bean := &counterBean{value: 9}
	got, err := reset(context.Background(), bean, nil)
	assert.NoError(t, err)
	assert.Nil(t, got)
	assert.Zero(t, bean.value)
}

func TestReflect_NilSliceArgument(t *testing.T) {
	label := MustReflect(&counterBean{}, "Label")
	got, err := label(context.Background(), &counterBean{}, []any{"x", nil})
	require.NoError(t, err)
	assert.Equal(t, "x:0", got)
}

func TestReflect_IllegalArguments(t *testing.T) {
	add := MustReflect(&counterBean{}, "Add")

	_, err := add(context.Background(), &counterBean{}, nil)
	assert.ErrorIs(t, err, ErrIllegalArgument, "arity")

	_, err = add(context.Background(), &counterBean{}, []any{"five"})
	assert.ErrorIs(t, err, ErrIllegalArgument, "type")

	_, err = add(context.Background(), &counterBean{}, []any{nil})
	assert.ErrorIs(t, err, ErrIllegalArgument, "nil scalar")

	_, err = add(context.Background(), nopBean{}, []any{1})
	assert.ErrorIs(t, err, ErrIllegalArgument, "instance type")

	var nilBean *counterBean
	_, err = add(context.Background(), nilBean, []any{1})
	assert.ErrorIs(t, err, ErrNilInstance)
}

func TestReflect_NotBindable(t *testing.T) {
	_, err := Reflect(&counterBean{}, "Missing")
	assert.ErrorIs(t, err, ErrNotBindable)

	_, err = Reflect(&counterBean{}, "Sum")
	assert.ErrorIs(t, err, ErrNotBindable, "variadic")

	_, err = Reflect(&counterBean{}, "Pair")
	assert.ErrorIs(t, err, ErrNotBindable, "two results")

	_, err = Reflect(nil, "Add")
	assert.ErrorIs(t, err, ErrNotBindable)

	assert.Panics(t, func() { MustReflect(&counterBean{}, "Missing") })
}
