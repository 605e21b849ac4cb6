package microvm

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPool(t *testing.T, size int) *Pool {
	t.Helper()
	g := testGuest()
	guest := &Guest{name: "test", image: g.Image()}
	p, err := NewPool(context.Background(), guest, testConfig(), size, withFakeGuest(g), WithHostFunctions(testRegistry()))
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, p.Close()) })
	return p
}

func TestPoolReusesWarmSandboxes(t *testing.T) {
	p := newTestPool(t, 2)
	assert.Equal(t, 2, p.Size())
	ctx := context.Background()

	for range 4 {
		sb, err := p.Get(ctx)
		require.NoError(t, err)
		v, err := CallTyped[uint64](ctx, sb, "incr")
		require.NoError(t, err)
		assert.Equal(t, uint64(1), v, "sandbox was not reset")
		p.Put(sb)
	}
}

func TestPoolReplacesPoisoned(t *testing.T) {
	p := newTestPool(t, 1)
	ctx := context.Background()

	sb, err := p.Get(ctx)
	require.NoError(t, err)
	_, err = sb.Call(ctx, "guard", TagVoid)
	require.Error(t, err)
	require.True(t, sb.Poisoned())
	p.Put(sb)

	fresh, err := p.Get(ctx)
	require.NoError(t, err)
	assert.NotSame(t, sb, fresh)
	assert.False(t, fresh.Poisoned())
	sum, err := CallTyped[int32](ctx, fresh, "add", int32(2), int32(3))
	require.NoError(t, err)
	assert.Equal(t, int32(5), sum)
	p.Put(fresh)
	assert.Equal(t, 1, p.Size())
}

func TestPoolGetWaits(t *testing.T) {
	p := newTestPool(t, 1)
	sb, err := p.Get(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = p.Get(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	p.Put(sb)
}

func TestPoolClose(t *testing.T) {
	g := testGuest()
	p, err := NewPool(context.Background(), &Guest{name: "test", image: g.Image()}, testConfig(), 2, withFakeGuest(g))
	require.NoError(t, err)

	out, err := p.Get(context.Background())
	require.NoError(t, err)
	require.NoError(t, p.Close())
	require.NoError(t, p.Close())

	_, err = p.Get(context.Background())
	assert.ErrorIs(t, err, ErrPoolClosed)

	// Checked-out sandboxes are closed on return.
	p.Put(out)
	_, err = out.Call(context.Background(), "echo", TagString, "x")
	assert.ErrorIs(t, err, ErrSandboxClosed)
}

func TestNewPoolRejectsSize(t *testing.T) {
	_, err := NewPool(context.Background(), &Guest{name: "test", image: testGuest().Image()}, testConfig(), 0)
	assert.Equal(t, KindSetup, KindOf(err))
}

func TestNewPoolFailure(t *testing.T) {
	g := testGuest()
	cfg := testConfig()
	cfg.HeapSize = 3
	_, err := NewPool(context.Background(), &Guest{name: "test", image: g.Image()}, cfg, 3, withFakeGuest(g))
	assert.Equal(t, KindSetup, KindOf(err))
}
