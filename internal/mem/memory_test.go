package mem_test

import (
	"bytes"
	"testing"

	"github.com/blacktop/go-microvm/internal/mem"
	"github.com/blacktop/go-microvm/internal/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMemory(t *testing.T) *mem.GuestMemory {
	t.Helper()
	l, err := mem.NewLayout(mem.LayoutConfig{}, 0x100)
	require.NoError(t, err)
	m, err := mem.Allocate(l)
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, m.Close()) })
	return m
}

func TestAllocateZeroed(t *testing.T) {
	m := newMemory(t)
	assert.Equal(t, m.Layout().Size, m.Size())
	assert.Equal(t, make([]byte, m.Size()), m.Bytes())
}

func TestGuestMemoryBounds(t *testing.T) {
	m := newMemory(t)
	size := m.Size()

	tests := []struct {
		name string
		addr uint64
		n    uint64
		ok   bool
	}{
		{name: "start", addr: 0, n: 8, ok: true},
		{name: "last byte", addr: size - 1, n: 1, ok: true},
		{name: "past end", addr: size, n: 1},
		{name: "straddles end", addr: size - 4, n: 8},
		{name: "wraps", addr: ^uint64(0) - 2, n: 8},
		{name: "too large", addr: 0, n: size + 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.Slice(tt.addr, tt.n)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, mem.ErrOutOfBounds)
			}
		})
	}

	_, err := m.ReadAt(make([]byte, 4), -1)
	assert.ErrorIs(t, err, mem.ErrOutOfBounds)
	_, err = m.WriteAt(make([]byte, 16), int64(size-8))
	assert.ErrorIs(t, err, mem.ErrOutOfBounds)
	assert.ErrorIs(t, m.PutUint64At(size-4, 1), mem.ErrOutOfBounds)
}

func TestGuestMemoryReadWrite(t *testing.T) {
	m := newMemory(t)
	heap := m.Layout().Heap.Offset

	n, err := m.WriteAt([]byte("guest"), int64(heap))
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	buf := make([]byte, 5)
	_, err = m.ReadAt(buf, int64(heap))
	require.NoError(t, err)
	assert.Equal(t, "guest", string(buf))

	require.NoError(t, m.PutUint64At(heap+16, 0xdeadbeef))
	v, err := m.Uint64At(heap + 16)
	require.NoError(t, err)
	assert.Equal(t, uint64(0xdeadbeef), v)
}

func TestGuestMemoryClose(t *testing.T) {
	l, err := mem.NewLayout(mem.LayoutConfig{}, 1)
	require.NoError(t, err)
	m, err := mem.Allocate(l)
	require.NoError(t, err)

	require.NoError(t, m.Close())
	require.NoError(t, m.Close())
	_, err = m.Uint64At(0)
	assert.ErrorIs(t, err, mem.ErrClosed)
	_, err = m.Snapshot()
	assert.ErrorIs(t, err, mem.ErrClosed)
}

func TestResetRegions(t *testing.T) {
	m := newMemory(t)
	l := m.Layout()

	in, err := m.InputStack()
	require.NoError(t, err)
	in.Init()
	require.NoError(t, in.Push([]byte("pending")))
	_, err = m.WriteAt(bytes.Repeat([]byte{0xcc}, 64), int64(l.Heap.Offset))
	require.NoError(t, err)
	_, err = m.WriteAt(bytes.Repeat([]byte{0xdd}, 64), int64(l.StackTop()-64))
	require.NoError(t, err)

	require.NoError(t, m.ResetRegions())

	heap, err := m.RegionBytes(l.Heap)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, len(heap)), heap)
	stack, err := m.RegionBytes(l.Stack)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, len(stack)), stack)

	in, err = m.InputStack()
	require.NoError(t, err)
	assert.True(t, in.Empty())
	out, err := m.OutputStack()
	require.NoError(t, err)
	assert.True(t, out.Empty())
}

func TestSnapshotRestore(t *testing.T) {
	m := newMemory(t)
	l := m.Layout()

	require.NoError(t, m.ResetRegions())
	snap, err := m.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, m.ID(), snap.MemoryID())
	assert.Equal(t, int(m.Size()), snap.Size())
	pristine := bytes.Clone(m.Bytes())

	out, err := m.OutputStack()
	require.NoError(t, err)
	require.NoError(t, out.PushResult(wire.FunctionCallResult{Value: wire.MustValue(int32(1))}))
	require.NoError(t, m.PutUint64At(l.Heap.Offset, 42))

	require.NoError(t, m.Restore(snap))
	assert.Equal(t, pristine, m.Bytes())

	other := newMemory(t)
	assert.ErrorIs(t, other.Restore(snap), mem.ErrSnapshotMismatch)
	assert.ErrorIs(t, m.Restore(nil), mem.ErrSnapshotMismatch)
}
