// Package microvm runs untrusted guest code inside hardware-virtualized
// micro-VMs, one guest per sandbox, with a function-call interface between
// host and guest.
//
// A sandbox is a single-vCPU partition backed by KVM (or, where detected,
// MSHV or the Windows Hypervisor Platform) plus a block of guest memory
// laid out with identity-mapped page tables, a process environment block,
// the guest code, input and output data regions, a heap and a stack
// separated from it by an unmapped guard page.
//
// # Requirements
//
//   - Linux x86-64 with read/write access to /dev/kvm
//   - A guest built for the sandbox ABI: it registers a dispatch function
//     in the PEB during init and exchanges calls through the data regions
//
// # Basic Usage
//
// Check if a hypervisor is available:
//
//	supported, err := microvm.Supported()
//	if err != nil || !supported {
//		log.Fatal("no usable hypervisor: ", err)
//	}
//
// Load a guest and create a sandbox:
//
//	guest, err := microvm.GuestFromFile("guest.elf")
//	if err != nil {
//		log.Fatal(err)
//	}
//	sb, err := microvm.New(guest, microvm.DefaultConfig())
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer sb.Close()
//
// Call a guest function:
//
//	sum, err := microvm.CallTyped[int32](ctx, sb, "Add", int32(2), int32(3))
//
// # Host Functions
//
// Guests call back into Go through registered host functions. Parameters
// and results use the wire types; a leading context.Context and a trailing
// error are optional:
//
//	reg := microvm.NewHostRegistry()
//	reg.MustRegister("HostAdd", func(a, b int32) int32 { return a + b })
//	sb, err := microvm.New(guest, cfg, microvm.WithHostFunctions(reg))
//
// Functions in DefaultRegistry are visible to every sandbox.
//
// # Cancellation
//
// Every call is bounded by its context and Config.MaxExecutionTime, and can
// be stopped from another goroutine with InterruptHandle().Kill(). A
// cancelled sandbox is restored to the state it had right after guest init
// and stays usable.
//
// # Error Handling
//
// Errors are *Error values classified by Kind. Guest errors carry the
// guest's error code and leave the sandbox usable; faults (exceptions,
// access to unmapped memory, triple faults) poison it, and when
// Config.CrashDumpDir is set a JSON crash dump is written and its path
// returned in Error.DumpPath:
//
//	_, err := sb.Call(ctx, "Run", microvm.TagVoid)
//	switch microvm.KindOf(err) {
//	case microvm.KindFault:
//		sb.Close()
//	case microvm.KindCancelled, microvm.KindGuest:
//		sb.Reset()
//	}
//
// # Resource Management
//
// Sandboxes must be closed with Close. A finalizer releases leaked
// sandboxes as a safety net. A Pool keeps warm sandboxes ready for reuse.
package microvm
