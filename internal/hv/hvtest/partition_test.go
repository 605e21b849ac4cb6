package hvtest_test

import (
	"testing"
	"time"

	"github.com/blacktop/go-microvm/internal/hv"
	"github.com/blacktop/go-microvm/internal/hv/hvtest"
	"github.com/blacktop/go-microvm/internal/mem"
	"github.com/blacktop/go-microvm/internal/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// boot maps fresh guest memory with page tables into a new partition.
func boot(t *testing.T) (*hvtest.Partition, *mem.GuestMemory) {
	t.Helper()
	l, err := mem.NewLayout(mem.LayoutConfig{}, 0x100)
	require.NoError(t, err)
	m, err := mem.Allocate(l)
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, m.Close()) })
	cr3, err := mem.BuildPageTables(m)
	require.NoError(t, err)
	require.NoError(t, mem.WritePEB(m, mem.PEBParams{}))

	p := hvtest.New()
	t.Cleanup(func() { assert.NoError(t, p.Close()) })
	require.NoError(t, p.MapMemory(0, 0, m.Bytes(), hv.MemRead|hv.MemWrite|hv.MemExec))
	require.NoError(t, p.SetSpecialRegisters(hv.LongModeSpecialRegs(hv.SpecialRegs{}, cr3)))
	return p, m
}

func TestOutbResume(t *testing.T) {
	p, _ := boot(t)
	var resumed bool
	p.Handle(mem.CodeBase, func(vm *hvtest.VM) {
		vm.Outb(hvtest.PortDebugPrint, 7)
		resumed = true
	})
	require.NoError(t, p.SetRegisters(hv.Regs{RIP: mem.CodeBase}))

	exit, err := p.Run()
	require.NoError(t, err)
	assert.Equal(t, hv.Exit{Reason: hv.ExitIO, Port: hvtest.PortDebugPrint, Value: 7, Write: true}, exit)

	exit, err = p.Run()
	require.NoError(t, err)
	assert.Equal(t, hv.ExitHalt, exit.Reason)
	assert.True(t, resumed)
	assert.Equal(t, 2, p.Entries())
}

func TestUnboundAddressShutsDown(t *testing.T) {
	p, _ := boot(t)
	require.NoError(t, p.SetRegisters(hv.Regs{RIP: 0xdead000}))
	exit, err := p.Run()
	require.NoError(t, err)
	assert.Equal(t, hv.ExitShutdown, exit.Reason)
}

func TestPageFaults(t *testing.T) {
	tests := []struct {
		name  string
		addr  func(l mem.Layout) uint64
		write bool
		fault bool
	}{
		{"null page read", func(mem.Layout) uint64 { return 0 }, false, true},
		{"guard page write", func(l mem.Layout) uint64 { return l.Guard.Offset + 8 }, true, true},
		{"page table write", func(l mem.Layout) uint64 { return l.PageTables.Offset }, true, true},
		{"page table read", func(l mem.Layout) uint64 { return l.PageTables.Offset }, false, false},
		{"heap write", func(l mem.Layout) uint64 { return l.Heap.Offset }, true, false},
		{"beyond memory", func(l mem.Layout) uint64 { return l.Size + mem.PageSize }, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, m := boot(t)
			addr := tt.addr(m.Layout())
			p.Handle(mem.CodeBase, func(vm *hvtest.VM) {
				if tt.write {
					vm.PutUint64(addr, 1)
				} else {
					vm.Uint64(addr)
				}
			})
			require.NoError(t, p.SetRegisters(hv.Regs{RIP: mem.CodeBase}))
			exit, err := p.Run()
			require.NoError(t, err)
			if tt.fault {
				assert.Equal(t, hv.ExitShutdown, exit.Reason)
			} else {
				assert.Equal(t, hv.ExitHalt, exit.Reason)
			}
		})
	}
}

func TestInterruptSpin(t *testing.T) {
	p, _ := boot(t)
	p.Handle(mem.CodeBase, func(vm *hvtest.VM) {
		vm.Spin(0)
	})
	require.NoError(t, p.SetRegisters(hv.Regs{RIP: mem.CodeBase}))

	time.AfterFunc(20*time.Millisecond, func() { _ = p.Interrupt() })
	exit, err := p.Run()
	require.NoError(t, err)
	assert.Equal(t, hv.ExitCancelled, exit.Reason)

	// Sticky until cleared.
	exit, err = p.Run()
	require.NoError(t, err)
	assert.Equal(t, hv.ExitCancelled, exit.Reason)

	p.ClearInterrupt()
	p.Handle(mem.CodeBase, func(vm *hvtest.VM) {})
	require.NoError(t, p.SetRegisters(hv.Regs{RIP: mem.CodeBase}))
	exit, err = p.Run()
	require.NoError(t, err)
	assert.Equal(t, hv.ExitHalt, exit.Reason)
}

func TestInterruptWhileSuspended(t *testing.T) {
	p, _ := boot(t)
	p.Handle(mem.CodeBase, func(vm *hvtest.VM) {
		vm.Outb(hvtest.PortCallFunction, 0)
		vm.Outb(hvtest.PortCallFunction, 0)
	})
	require.NoError(t, p.SetRegisters(hv.Regs{RIP: mem.CodeBase}))

	exit, err := p.Run()
	require.NoError(t, err)
	require.Equal(t, hv.ExitIO, exit.Reason)

	require.NoError(t, p.Interrupt())
	exit, err = p.Run()
	require.NoError(t, err)
	assert.Equal(t, hv.ExitCancelled, exit.Reason)
	// Close reaps the suspended program; goleak checks it.
}

func TestClosed(t *testing.T) {
	p := hvtest.New()
	require.NoError(t, p.Close())
	require.NoError(t, p.Close())
	_, err := p.Run()
	assert.ErrorIs(t, err, hv.ErrPartitionClosed)
	assert.ErrorIs(t, p.Interrupt(), hv.ErrPartitionClosed)
	assert.ErrorIs(t, p.MapMemory(0, 0, make([]byte, mem.PageSize), hv.MemRead), hv.ErrPartitionClosed)
}

func TestGuestDispatch(t *testing.T) {
	p, m := boot(t)
	g := hvtest.NewGuest()
	g.Register("echo", []wire.Tag{wire.TagString}, func(c *hvtest.Context, args []wire.Value) (wire.Value, error) {
		return args[0], nil
	})
	g.Install(p)
	require.NoError(t, m.Load(g.Image()))
	require.NoError(t, m.ResetRegions())

	require.NoError(t, p.SetRegisters(hv.Regs{RIP: mem.CodeBase + hvtest.EntryOffset}))
	exit, err := p.Run()
	require.NoError(t, err)
	require.Equal(t, hv.ExitHalt, exit.Reason)
	fn, err := m.DispatchFunction()
	require.NoError(t, err)
	assert.Equal(t, uint64(mem.CodeBase+hvtest.DispatchOffset), fn)

	in, err := m.InputStack()
	require.NoError(t, err)
	require.NoError(t, in.PushFunctionCall(wire.FunctionCall{
		Name:       "echo",
		Params:     []wire.Value{wire.MustValue("hi")},
		ReturnType: wire.TagString,
	}))
	require.NoError(t, p.SetRegisters(hv.Regs{RIP: fn}))
	exit, err = p.Run()
	require.NoError(t, err)
	require.Equal(t, hv.ExitHalt, exit.Reason)

	out, err := m.OutputStack()
	require.NoError(t, err)
	res, err := out.PopResult()
	require.NoError(t, err)
	require.True(t, res.OK(), "%v", res.Err)
	assert.Equal(t, "hi", res.Value.Data)
}

func TestGuestDispatchErrors(t *testing.T) {
	tests := []struct {
		name string
		call wire.FunctionCall
		code wire.ErrorCode
	}{
		{
			name: "not found",
			call: wire.FunctionCall{Name: "missing", ReturnType: wire.TagVoid},
			code: wire.GuestFunctionNotFound,
		},
		{
			name: "parameter count",
			call: wire.FunctionCall{Name: "inc", ReturnType: wire.TagI32},
			code: wire.GuestFunctionIncorrectNoOfParameters,
		},
		{
			name: "parameter type",
			call: wire.FunctionCall{Name: "inc", Params: []wire.Value{wire.MustValue("x")}, ReturnType: wire.TagI32},
			code: wire.GuestFunctionParameterTypeMismatch,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, m := boot(t)
			g := hvtest.NewGuest()
			g.Register("inc", []wire.Tag{wire.TagI32}, func(c *hvtest.Context, args []wire.Value) (wire.Value, error) {
				return wire.MustValue(args[0].Data.(int32) + 1), nil
			})
			g.Install(p)
			require.NoError(t, m.ResetRegions())
			require.NoError(t, m.PutUint64At(mem.PEBBase+mem.PEBDispatchOff, mem.CodeBase+hvtest.DispatchOffset))

			in, err := m.InputStack()
			require.NoError(t, err)
			require.NoError(t, in.PushFunctionCall(tt.call))
			require.NoError(t, p.SetRegisters(hv.Regs{RIP: mem.CodeBase + hvtest.DispatchOffset}))
			exit, err := p.Run()
			require.NoError(t, err)
			require.Equal(t, hv.ExitHalt, exit.Reason)

			out, err := m.OutputStack()
			require.NoError(t, err)
			res, err := out.PopResult()
			require.NoError(t, err)
			require.NotNil(t, res.Err)
			assert.Equal(t, tt.code, res.Err.Code)
		})
	}
}
