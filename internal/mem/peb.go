package mem

import (
	"fmt"
)

// PEBMagic marks an initialized process environment block.
const PEBMagic uint64 = 0x0001_4245_5056_4d4d

// ABIVersion is the guest ABI revision written into the PEB.
const ABIVersion uint64 = 1

// PEB field offsets. Every field is a little-endian u64.
const (
	PEBMagicOff           = 0x00
	PEBVersionOff         = 0x08
	PEBDispatchOff        = 0x10 // written by the guest during init
	PEBInputAddrOff       = 0x18
	PEBInputSizeOff       = 0x20
	PEBOutputAddrOff      = 0x28
	PEBOutputSizeOff      = 0x30
	PEBHeapAddrOff        = 0x38
	PEBHeapSizeOff        = 0x40
	PEBStackTopOff        = 0x48
	PEBGuardAddrOff       = 0x50
	PEBCodeAddrOff        = 0x58
	PEBCodeSizeOff        = 0x60
	PEBMaxLogLevelOff     = 0x68
	PEBSeedOff            = 0x70
	PEBHostCallPendingOff = 0x78 // set by the guest before a host call, cleared by the host
	pebSize               = 0x80
)

// PEBParams are the per-sandbox values the host publishes to the guest.
type PEBParams struct {
	MaxLogLevel uint64
	Seed        uint64
}

// WritePEB initializes the process environment block from the layout.
func WritePEB(m *GuestMemory, p PEBParams) error {
	l := m.layout
	fields := []struct {
		off uint64
		val uint64
	}{
		{PEBMagicOff, PEBMagic},
		{PEBVersionOff, ABIVersion},
		{PEBDispatchOff, 0},
		{PEBInputAddrOff, l.Input.Offset},
		{PEBInputSizeOff, l.Input.Size},
		{PEBOutputAddrOff, l.Output.Offset},
		{PEBOutputSizeOff, l.Output.Size},
		{PEBHeapAddrOff, l.Heap.Offset},
		{PEBHeapSizeOff, l.Heap.Size},
		{PEBStackTopOff, l.StackTop()},
		{PEBGuardAddrOff, l.Guard.Offset},
		{PEBCodeAddrOff, l.Code.Offset},
		{PEBCodeSizeOff, l.Code.Size},
		{PEBMaxLogLevelOff, p.MaxLogLevel},
		{PEBSeedOff, p.Seed},
		{PEBHostCallPendingOff, 0},
	}
	for _, f := range fields {
		if err := m.PutUint64At(l.PEB.Offset+f.off, f.val); err != nil {
			return fmt.Errorf("mem: write PEB field 0x%x: %w", f.off, err)
		}
	}
	return nil
}

// PEBField reads one PEB field.
func (m *GuestMemory) PEBField(off uint64) (uint64, error) {
	if off+8 > pebSize {
		return 0, fmt.Errorf("%w: PEB offset 0x%x", ErrOutOfBounds, off)
	}
	return m.Uint64At(m.layout.PEB.Offset + off)
}

// SetPEBField writes one PEB field.
func (m *GuestMemory) SetPEBField(off, v uint64) error {
	if off+8 > pebSize {
		return fmt.Errorf("%w: PEB offset 0x%x", ErrOutOfBounds, off)
	}
	return m.PutUint64At(m.layout.PEB.Offset+off, v)
}

// DispatchFunction returns the guest dispatch entry registered during init.
// It must point into the code region.
func (m *GuestMemory) DispatchFunction() (uint64, error) {
	magic, err := m.PEBField(PEBMagicOff)
	if err != nil {
		return 0, err
	}
	if magic != PEBMagic {
		return 0, fmt.Errorf("mem: PEB magic 0x%x corrupted", magic)
	}
	fn, err := m.PEBField(PEBDispatchOff)
	if err != nil {
		return 0, err
	}
	if fn == 0 {
		return 0, fmt.Errorf("mem: guest did not register a dispatch function")
	}
	if !m.layout.Code.Contains(fn, 1) {
		return 0, fmt.Errorf("%w: dispatch function 0x%x outside code region", ErrOutOfBounds, fn)
	}
	return fn, nil
}
