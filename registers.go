package microvm

import (
	"github.com/blacktop/go-microvm/internal/hv"
	"github.com/blacktop/go-microvm/internal/mem"
)

// Regs are the vCPU general purpose registers.
type Regs = hv.Regs

// SpecialRegs are the vCPU segment, control and descriptor table registers.
type SpecialRegs = hv.SpecialRegs

// initVCPU puts the vCPU in 64-bit long mode at the guest entry point.
//
// The entry routine receives the PEB address in rdi, the seed in rsi, the
// page size in rdx and the max log level in rcx.
func (s *Sandbox) initVCPU(cr3, seed uint64) error {
	sregs, err := s.part.SpecialRegisters()
	if err != nil {
		return err
	}
	if err := s.part.SetSpecialRegisters(hv.LongModeSpecialRegs(sregs, cr3)); err != nil {
		return err
	}
	return s.part.SetRegisters(hv.Regs{
		RIP:    s.guest.image.EntryAddr(),
		RSP:    s.stackPointer(),
		RFLAGS: hv.RFLAGSReserved,
		RDI:    mem.PEBBase,
		RSI:    seed,
		RDX:    mem.PageSize,
		RCX:    uint64(s.cfg.logLevel()),
	})
}

// stackPointer is the rsp a guest function is entered with: as if a call
// had just pushed a return address onto a 16-byte aligned stack.
func (s *Sandbox) stackPointer() uint64 {
	return s.mem.Layout().StackTop() - 8
}

// dispatchRegisters enters the guest dispatch function at fn.
func (s *Sandbox) dispatchRegisters(fn uint64) hv.Regs {
	return hv.Regs{
		RIP:    fn,
		RSP:    s.stackPointer(),
		RFLAGS: hv.RFLAGSReserved,
	}
}

// Registers returns the vCPU registers. While a call runs it blocks until
// the vCPU next exits.
func (s *Sandbox) Registers() (Regs, error) {
	if s.closed.Load() {
		return Regs{}, newError(KindSetup, "registers", ErrSandboxClosed, "")
	}
	return s.part.Registers()
}

// SpecialRegisters returns the vCPU special registers.
func (s *Sandbox) SpecialRegisters() (SpecialRegs, error) {
	if s.closed.Load() {
		return SpecialRegs{}, newError(KindSetup, "registers", ErrSandboxClosed, "")
	}
	return s.part.SpecialRegisters()
}
