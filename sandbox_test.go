package microvm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"net"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"golang.org/x/sync/errgroup"

	"github.com/blacktop/go-microvm/internal/debug"
	"github.com/blacktop/go-microvm/internal/diag"
	"github.com/blacktop/go-microvm/internal/hv"
	"github.com/blacktop/go-microvm/internal/hv/hvtest"
	"github.com/blacktop/go-microvm/internal/mem"
	"github.com/blacktop/go-microvm/internal/wire"
)

func TestNewRunsGuestInit(t *testing.T) {
	sb := newTestSandbox(t, testConfig())
	fn, err := sb.mem.DispatchFunction()
	require.NoError(t, err)
	assert.Equal(t, uint64(mem.CodeBase+hvtest.DispatchOffset), fn)
	assert.False(t, sb.Poisoned())
	assert.Equal(t, "kvm", sb.Backend())
	assert.NotEmpty(t, sb.ID())
}

func TestNewFailsWhenInitAborts(t *testing.T) {
	g := testGuest()
	g.OnInit = func(c *hvtest.Context) {
		c.Abort(wire.MallocFailed, "no heap")
	}
	_, err := New(&Guest{name: "bad", image: g.Image()}, testConfig(), withFakeGuest(g))
	require.Error(t, err)
	assert.Equal(t, KindGuest, KindOf(err))
	code, ok := GuestErrorCode(err)
	assert.True(t, ok)
	assert.Equal(t, wire.MallocFailed, code)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.HeapSize = 0x1234
	_, err := New(&Guest{name: "x", image: testGuest().Image()}, cfg)
	require.Error(t, err)
	assert.Equal(t, KindSetup, KindOf(err))
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "heap_size", verr.Field)
}

func TestNewNilGuest(t *testing.T) {
	_, err := New(nil, testConfig())
	assert.ErrorIs(t, err, mem.ErrInvalidImage)
}

func TestCallEcho(t *testing.T) {
	sb := newTestSandbox(t, testConfig())
	v, err := sb.Call(context.Background(), "echo", TagString, "hello")
	require.NoError(t, err)
	assert.Equal(t, "hello", v)

	s, err := CallTyped[string](context.Background(), sb, "echo", "again")
	require.NoError(t, err)
	assert.Equal(t, "again", s)
}

func TestHostCallback(t *testing.T) {
	sb := newTestSandbox(t, testConfig())
	sum, err := CallTyped[int32](context.Background(), sb, "add", int32(2), int32(3))
	require.NoError(t, err)
	assert.Equal(t, int32(5), sum)
}

func TestHostCallbackDefaultRegistry(t *testing.T) {
	require.NoError(t, RegisterHostFunction("HostAdd", func(ctx context.Context, a, b int32) (int32, error) {
		return a * b, nil
	}))
	t.Cleanup(func() { DefaultRegistry.Unregister("HostAdd") })

	sb := newTestSandbox(t, testConfig(), WithHostFunctions(NewHostRegistry()))
	v, err := CallTyped[int32](context.Background(), sb, "add", int32(4), int32(5))
	require.NoError(t, err)
	assert.Equal(t, int32(20), v)
}

func TestHostFunctionNotFound(t *testing.T) {
	sb := newTestSandbox(t, testConfig(), WithHostFunctions(NewHostRegistry()))
	_, err := sb.Call(context.Background(), "add", TagI32, int32(1), int32(2))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrHostFunctionNotFound)
	assert.Equal(t, KindGuest, KindOf(err))
	assert.False(t, sb.Poisoned())

	v, err := sb.Call(context.Background(), "echo", TagString, "still alive")
	require.NoError(t, err)
	assert.Equal(t, "still alive", v)
}

func TestHostFunctionError(t *testing.T) {
	reg := NewHostRegistry()
	reg.MustRegister("HostAdd", func(a, b int32) (int32, error) {
		return 0, errors.New("overflow")
	})
	sb := newTestSandbox(t, testConfig(), WithHostFunctions(reg))

	_, err := sb.Call(context.Background(), "add", TagI32, int32(1), int32(2))
	require.Error(t, err)
	code, ok := GuestErrorCode(err)
	require.True(t, ok)
	assert.Equal(t, wire.HostFunctionError, code)
	assert.Contains(t, err.Error(), "overflow")
}

func TestHostFunctionReturnTypeMismatch(t *testing.T) {
	reg := NewHostRegistry()
	reg.MustRegister("HostAdd", func(a, b int32) string { return "nope" })
	sb := newTestSandbox(t, testConfig(), WithHostFunctions(reg))

	_, err := sb.Call(context.Background(), "add", TagI32, int32(1), int32(2))
	code, ok := GuestErrorCode(err)
	require.True(t, ok, "%v", err)
	assert.Equal(t, wire.HostFunctionError, code)
}

func TestGuestErrors(t *testing.T) {
	tests := []struct {
		name string
		fn   string
		ret  Tag
		args []any
		code wire.ErrorCode
	}{
		{"function error", "fail", TagVoid, nil, wire.GuestErrorCode},
		{"abort", "abort", TagVoid, nil, wire.StackOverflow},
		{"unknown function", "missing", TagVoid, nil, wire.GuestFunctionNotFound},
		{"parameter count", "echo", TagString, nil, wire.GuestFunctionIncorrectNoOfParameters},
		{"parameter type", "echo", TagString, []any{int32(1)}, wire.GuestFunctionParameterTypeMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sb := newTestSandbox(t, testConfig())
			_, err := sb.Call(context.Background(), tt.fn, tt.ret, tt.args...)
			require.Error(t, err)
			assert.Equal(t, KindGuest, KindOf(err))
			code, ok := GuestErrorCode(err)
			require.True(t, ok)
			assert.Equal(t, tt.code, code)
			assert.True(t, IsRetryable(err))
			assert.False(t, sb.Poisoned())
		})
	}
}

func TestProtocolErrors(t *testing.T) {
	sb := newTestSandbox(t, testConfig())
	ctx := context.Background()

	_, err := sb.Call(ctx, "size", TagI64, make([]byte, mem.DefaultInputSize))
	assert.ErrorIs(t, err, ErrBufferTooSmall)
	assert.Equal(t, KindProtocol, KindOf(err))

	_, err = sb.Call(ctx, "echo", TagI32, "x")
	assert.ErrorIs(t, err, ErrProtocol)

	_, err = sb.Call(ctx, "echo", TagString, struct{}{})
	assert.ErrorIs(t, err, ErrProtocol)

	_, err = sb.Call(ctx, "echo", Tag(42), "x")
	assert.ErrorIs(t, err, ErrProtocol)

	in := sb.Layout().Input
	before, err := sb.ReadMemory(in.Offset, in.Size)
	require.NoError(t, err)
	_, err = sb.Call(ctx, "echo", TagString, "bad\xff")
	assert.ErrorIs(t, err, ErrProtocol)
	assert.Equal(t, KindProtocol, KindOf(err))
	after, err := sb.ReadMemory(in.Offset, in.Size)
	require.NoError(t, err)
	assert.Equal(t, before, after, "rejected call must not touch the input region")

	n, err := CallTyped[int64](ctx, sb, "size", make([]byte, 100))
	require.NoError(t, err)
	assert.Equal(t, int64(100), n)
}

func TestFaultPoisonsAndDumps(t *testing.T) {
	cfg := testConfig()
	cfg.CrashDumpDir = t.TempDir()
	cfg.UnwindStacks = true
	sb := newTestSandbox(t, cfg)

	_, err := sb.Call(context.Background(), "guard", TagVoid)
	require.Error(t, err)
	assert.Equal(t, KindFault, KindOf(err))
	assert.True(t, errors.Is(err, &Error{Kind: KindFault}))
	assert.False(t, IsRetryable(err))
	assert.True(t, sb.Poisoned())

	var e *Error
	require.ErrorAs(t, err, &e)
	require.NotEmpty(t, e.DumpPath)
	_, statErr := os.Stat(e.DumpPath)
	require.NoError(t, statErr)

	rec, err := diag.ReadDump(e.DumpPath)
	require.NoError(t, err)
	assert.Equal(t, diag.OutcomeFaulted, rec.Outcome)
	assert.Equal(t, sb.ID(), rec.SandboxID)
	assert.Equal(t, "guard", rec.Function)
	assert.Equal(t, "shutdown", rec.ExitReason)

	_, err = sb.Call(context.Background(), "echo", TagString, "x")
	assert.ErrorIs(t, err, ErrSandboxPoisoned)
	assert.ErrorIs(t, sb.Reset(), ErrSandboxPoisoned)
}

func TestExceptionFaults(t *testing.T) {
	sb := newTestSandbox(t, testConfig())
	_, err := sb.Call(context.Background(), "pagefault", TagVoid)
	require.Error(t, err)
	assert.Equal(t, KindFault, KindOf(err))
	assert.Contains(t, err.Error(), hv.ExceptionName(14))

	var e *Error
	require.ErrorAs(t, err, &e)
	assert.Empty(t, e.DumpPath)
	require.NotNil(t, e.Outcome)
	assert.Equal(t, hv.ExceptionName(14), e.Outcome.Exception)
	assert.True(t, sb.Poisoned())
}

func TestResetEquivalence(t *testing.T) {
	sb := newTestSandbox(t, testConfig())
	ctx := context.Background()

	fresh, err := CallTyped[uint64](ctx, sb, "incr")
	require.NoError(t, err)
	require.Equal(t, uint64(1), fresh)

	_, err = sb.Call(ctx, "incr", TagU64)
	require.NoError(t, err)
	_, err = sb.Call(ctx, "fail", TagVoid)
	require.Error(t, err)

	require.NoError(t, sb.Reset())
	v, err := CallTyped[uint64](ctx, sb, "incr")
	require.NoError(t, err)
	assert.Equal(t, fresh, v)
}

func TestSnapshotRestore(t *testing.T) {
	sb := newTestSandbox(t, testConfig())
	other := newTestSandbox(t, testConfig())
	ctx := context.Background()

	_, err := sb.Call(ctx, "incr", TagU64)
	require.NoError(t, err)
	snap, err := sb.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, int(sb.Layout().Size), snap.Size())

	_, err = sb.Call(ctx, "incr", TagU64)
	require.NoError(t, err)
	require.NoError(t, sb.Restore(snap))
	v, err := CallTyped[uint64](ctx, sb, "incr")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), v)

	assert.ErrorIs(t, other.Restore(snap), ErrSnapshotMismatch)
	assert.ErrorIs(t, sb.Restore(nil), ErrSnapshotMismatch)
}

func TestGuestLogForwarding(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	cfg := testConfig()
	cfg.GuestLogLevel = "info"
	sb := newTestSandbox(t, cfg, WithLogger(zap.New(core)))

	_, err := sb.Call(context.Background(), "log", TagVoid, "hello from guest")
	require.NoError(t, err)

	entries := logs.FilterMessage("hello from guest").All()
	require.Len(t, entries, 1)
	assert.Equal(t, zapcore.WarnLevel, entries[0].Level)
	assert.Equal(t, "warn", entries[0].ContextMap()["guest_level"])
	assert.Zero(t, logs.FilterMessage("hidden").Len())
}

func TestDebugPrint(t *testing.T) {
	var buf bytes.Buffer
	sb := newTestSandbox(t, testConfig(), WithDebugOutput(&buf))
	_, err := sb.Call(context.Background(), "print", TagVoid, "hi there")
	require.NoError(t, err)
	assert.Equal(t, "hi there", buf.String())
}

func TestAllocationTrace(t *testing.T) {
	sb := newTestSandbox(t, testConfig())
	_, err := sb.Call(context.Background(), "alloc", TagVoid)
	require.NoError(t, err)
	assert.Equal(t, diag.AllocStats{
		Allocs:         2,
		Frees:          1,
		BytesAllocated: 96,
		LiveBytes:      32,
		LiveObjects:    1,
	}, sb.AllocStats())

	require.NoError(t, sb.Reset())
	assert.Equal(t, diag.AllocStats{}, sb.AllocStats())
}

func TestReadMemory(t *testing.T) {
	sb := newTestSandbox(t, testConfig())
	b, err := sb.ReadMemory(mem.PEBBase, 8)
	require.NoError(t, err)
	assert.Equal(t, mem.PEBMagic, binary.LittleEndian.Uint64(b))

	_, err = sb.ReadMemory(sb.Layout().Size, 8)
	assert.ErrorIs(t, err, mem.ErrOutOfBounds)
}

func TestReadMemoryDuringClose(t *testing.T) {
	g := testGuest()
	sb, err := New(&Guest{name: "test", image: g.Image()}, testConfig(), withFakeGuest(g))
	require.NoError(t, err)

	var eg errgroup.Group
	for range 4 {
		eg.Go(func() error {
			for {
				_, err := sb.ReadMemory(mem.PEBBase, mem.PageSize)
				if err == nil {
					continue
				}
				if !errors.Is(err, ErrSandboxClosed) {
					return err
				}
				return nil
			}
		})
	}
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, sb.Close())
	require.NoError(t, eg.Wait())
}

func TestClose(t *testing.T) {
	g := testGuest()
	sb, err := New(&Guest{name: "test", image: g.Image()}, testConfig(), withFakeGuest(g))
	require.NoError(t, err)
	require.NoError(t, sb.Close())
	require.NoError(t, sb.Close())

	_, err = sb.Call(context.Background(), "echo", TagString, "x")
	assert.ErrorIs(t, err, ErrSandboxClosed)
	_, err = sb.Registers()
	assert.ErrorIs(t, err, ErrSandboxClosed)
}

type debugClient struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
	seq  int
}

func (c *debugClient) send(command string, args any) {
	c.t.Helper()
	c.seq++
	req := map[string]any{"seq": c.seq, "type": "request", "command": command}
	if args != nil {
		req["arguments"] = args
	}
	require.NoError(c.t, debug.WriteMessage(c.conn, req))
}

func (c *debugClient) recv() map[string]any {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	msg, err := debug.ReadMessage(c.r)
	require.NoError(c.t, err)
	var m map[string]any
	require.NoError(c.t, json.Unmarshal(msg, &m))
	return m
}

func TestDebugBreakpoint(t *testing.T) {
	cfg := testConfig()
	cfg.DebugListenAddr = "127.0.0.1:0"
	sb := newTestSandbox(t, cfg)
	require.NotEmpty(t, sb.DebugAddr())

	conn, err := net.Dial("tcp", sb.DebugAddr())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	<-sb.dbg.Attached()
	c := &debugClient{t: t, conn: conn, r: bufio.NewReader(conn)}

	c.send("initialize", nil)
	require.Equal(t, true, c.recv()["success"])
	require.Equal(t, "initialized", c.recv()["event"])

	type callResult struct {
		v   int32
		err error
	}
	done := make(chan callResult, 1)
	go func() {
		v, err := CallTyped[int32](context.Background(), sb, "break")
		done <- callResult{v, err}
	}()

	ev := c.recv()
	require.Equal(t, "stopped", ev["event"])

	c.send("registers", nil)
	resp := c.recv()
	require.Equal(t, true, resp["success"], resp["message"])
	assert.Equal(t, float64(mem.CodeBase+hvtest.DispatchOffset), resp["body"].(map[string]any)["rip"])

	c.send("readMemory", debug.ReadMemoryArguments{Address: mem.PEBBase, Count: 8})
	resp = c.recv()
	require.Equal(t, true, resp["success"], resp["message"])
	magic := binary.LittleEndian.AppendUint64(nil, mem.PEBMagic)
	assert.Equal(t, base64.StdEncoding.EncodeToString(magic), resp["body"].(map[string]any)["data"])

	c.send("continue", nil)
	assert.Equal(t, true, c.recv()["success"])

	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, int32(7), res.v)

	c.send("disconnect", nil)
	assert.Equal(t, true, c.recv()["success"])
}
