package hvtest

import (
	"errors"
	"fmt"

	"github.com/blacktop/go-microvm/internal/mem"
	"github.com/blacktop/go-microvm/internal/wire"
)

// Guest I/O ports.
const (
	PortLog          = 99
	PortCallFunction = 101
	PortAbort        = 102
	PortDebugPrint   = 103
	PortTraceAlloc   = 105
	PortTraceFree    = 106
	PortDebugBreak   = 107
)

// NoException is the abort vector meaning no CPU exception was raised.
const NoException = 0xff

// Code layout of the image returned by Guest.Image.
const (
	EntryOffset    = 0x00
	DispatchOffset = 0x10
	imageSize      = 0x100
)

// Function is a guest function. Returning a *wire.GuestError reports its
// code; any other error is reported as GuestErrorCode.
type Function func(c *Context, args []wire.Value) (wire.Value, error)

type function struct {
	params []wire.Tag
	fn     Function
}

// Guest is a guest runtime written in Go that speaks the native guest ABI:
// it registers its dispatch function in the PEB during init, takes calls
// from the input stack, answers on the output stack and makes host calls
// through port 101.
type Guest struct {
	functions map[string]function
	// OnInit runs during guest initialization, after the dispatch function
	// has been registered.
	OnInit func(c *Context)
}

// NewGuest returns a guest with no functions.
func NewGuest() *Guest {
	return &Guest{functions: make(map[string]function)}
}

// Register adds a guest function taking params.
func (g *Guest) Register(name string, params []wire.Tag, fn Function) {
	g.functions[name] = function{params: params, fn: fn}
}

// Image returns a flat image whose entry and dispatch addresses are the
// ones Install binds programs to. The bytes are hlt instructions.
func (g *Guest) Image() *mem.Image {
	code := make([]byte, imageSize)
	for i := range code {
		code[i] = 0xf4
	}
	img, err := mem.FlatImage(code, EntryOffset)
	if err != nil {
		panic(err)
	}
	return img
}

// Install binds the guest's init and dispatch programs to p.
func (g *Guest) Install(p *Partition) {
	p.Handle(mem.CodeBase+EntryOffset, g.init)
	p.Handle(mem.CodeBase+DispatchOffset, g.dispatch)
}

func (g *Guest) init(vm *VM) {
	c := newContext(vm)
	if vm.Uint64(mem.PEBBase+mem.PEBMagicOff) != mem.PEBMagic {
		c.Abort(wire.DispatchFunctionPointerNotSet, "PEB not initialized")
	}
	vm.PutUint64(mem.PEBBase+mem.PEBDispatchOff, mem.CodeBase+DispatchOffset)
	if g.OnInit != nil {
		g.OnInit(c)
	}
	vm.Halt()
}

func (g *Guest) dispatch(vm *VM) {
	c := newContext(vm)
	in := c.stack(mem.PEBInputAddrOff, mem.PEBInputSizeOff)
	out := c.stack(mem.PEBOutputAddrOff, mem.PEBOutputSizeOff)

	fail := func(code wire.ErrorCode, msg string) {
		if err := out.PushResult(wire.FunctionCallResult{Err: &wire.GuestError{Code: code, Message: msg}}); err != nil {
			c.Abort(wire.OutbError, err.Error())
		}
		vm.Halt()
	}

	fc, err := in.PopFunctionCall()
	if err != nil {
		fail(wire.UnknownError, err.Error())
	}
	if fc.Name == "" {
		fail(wire.GuestFunctionNameNotProvided, "function name not provided")
	}
	f, ok := g.functions[fc.Name]
	if !ok {
		fail(wire.GuestFunctionNotFound, fmt.Sprintf("function %q not found", fc.Name))
	}
	if len(fc.Params) != len(f.params) {
		fail(wire.GuestFunctionIncorrectNoOfParameters,
			fmt.Sprintf("%s takes %d parameters, got %d", fc.Name, len(f.params), len(fc.Params)))
	}
	for i, p := range fc.Params {
		if p.Tag != f.params[i] {
			fail(wire.GuestFunctionParameterTypeMismatch,
				fmt.Sprintf("%s parameter %d is %s, got %s", fc.Name, i, f.params[i], p.Tag))
		}
	}

	v, err := f.fn(c, fc.Params)
	if err != nil {
		var ge *wire.GuestError
		if errors.As(err, &ge) {
			fail(ge.Code, ge.Message)
		}
		fail(wire.GuestErrorCode, err.Error())
	}
	if err := out.PushResult(wire.FunctionCallResult{Value: v}); err != nil {
		c.Abort(wire.OutbError, err.Error())
	}
	vm.Halt()
}

// Context is what a guest function sees of its runtime.
type Context struct {
	VM   *VM
	heap uint64
}

func newContext(vm *VM) *Context {
	return &Context{VM: vm, heap: vm.Uint64(mem.PEBBase + mem.PEBHeapAddrOff)}
}

func (c *Context) stack(addrOff, sizeOff uint64) *wire.Stack {
	addr := c.VM.Uint64(mem.PEBBase + addrOff)
	size := c.VM.Uint64(mem.PEBBase + sizeOff)
	s, err := wire.NewStack(c.VM.Bytes(addr, size, true))
	if err != nil {
		c.Abort(wire.OutbError, err.Error())
	}
	return s
}

func (c *Context) output() *wire.Stack {
	return c.stack(mem.PEBOutputAddrOff, mem.PEBOutputSizeOff)
}

// CallHost calls a host function and waits for its result.
func (c *Context) CallHost(name string, ret wire.Tag, args ...wire.Value) (wire.Value, error) {
	call := wire.FunctionCall{Name: name, Params: args, ReturnType: ret, Kind: wire.HostCall}
	if err := c.output().PushFunctionCall(call); err != nil {
		return wire.Value{}, err
	}
	c.VM.PutUint64(mem.PEBBase+mem.PEBHostCallPendingOff, 1)
	c.VM.Outb(PortCallFunction, 0)

	res, err := c.stack(mem.PEBInputAddrOff, mem.PEBInputSizeOff).PopResult()
	if err != nil {
		return wire.Value{}, err
	}
	if res.Err != nil {
		return wire.Value{}, res.Err
	}
	return res.Value, nil
}

// Log emits a guest log record when level passes the host's filter.
func (c *Context) Log(level wire.LogLevel, msg string) {
	if uint64(level) < c.VM.Uint64(mem.PEBBase+mem.PEBMaxLogLevelOff) {
		return
	}
	rec := wire.GuestLogData{Level: level, Message: msg, Source: "hvtest", Caller: "guest", File: "guest.go", Line: 1}
	if err := c.output().PushLog(rec); err != nil {
		c.Abort(wire.OutbError, err.Error())
	}
	c.VM.Outb(PortLog, 0)
}

// Print writes to the host debug console.
func (c *Context) Print(msg string) {
	if err := c.output().PushText(msg); err != nil {
		c.Abort(wire.OutbError, err.Error())
	}
	c.VM.Outb(PortDebugPrint, 0)
}

// Abort stops the guest with code. The program ends.
func (c *Context) Abort(code wire.ErrorCode, msg string) {
	_ = c.output().PushResult(wire.FunctionCallResult{Err: &wire.GuestError{Code: code, Message: msg}})
	c.VM.Outb(PortAbort, uint64(code)<<8|NoException)
	c.VM.Halt()
}

// Exception reports a CPU exception the way the guest's handlers do. The
// program ends.
func (c *Context) Exception(vector uint8) {
	c.VM.Outb(PortAbort, uint64(wire.NoError)<<8|uint64(vector))
	c.VM.Halt()
}

// Alloc bump-allocates n bytes from the heap and traces the allocation.
func (c *Context) Alloc(n uint64) uint64 {
	ptr := c.heap
	c.heap += (n + 15) &^ 15
	r := c.VM.Regs()
	r.RAX, r.RCX = n, ptr
	c.VM.SetRegs(r)
	c.VM.Outb(PortTraceAlloc, 0)
	return ptr
}

// Free traces the release of ptr.
func (c *Context) Free(ptr uint64) {
	r := c.VM.Regs()
	r.RCX = ptr
	c.VM.SetRegs(r)
	c.VM.Outb(PortTraceFree, 0)
}

// Breakpoint stops in the host debugger, if one is attached.
func (c *Context) Breakpoint() {
	c.VM.Outb(PortDebugBreak, 0)
}
