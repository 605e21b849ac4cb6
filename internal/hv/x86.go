package hv

// Control register and EFER bits used to enter 64-bit long mode.
const (
	CR0PE = 1 << 0
	CR0MP = 1 << 1
	CR0ET = 1 << 4
	CR0NE = 1 << 5
	CR0WP = 1 << 16
	CR0AM = 1 << 18
	CR0PG = 1 << 31

	CR4PAE        = 1 << 5
	CR4OSFXSR     = 1 << 9
	CR4OSXMMEXCPT = 1 << 10

	EFERSCE = 1 << 0
	EFERLME = 1 << 8
	EFERLMA = 1 << 10
	EFERNXE = 1 << 11

	// RFLAGSReserved is bit 1, which must always be set.
	RFLAGSReserved = 1 << 1
)

// Segment selectors of the flat 64-bit segments.
const (
	SelectorCode = 0x08
	SelectorData = 0x10
)

// LongModeSpecialRegs returns special registers for flat 64-bit long mode
// with paging rooted at cr3. base carries the fields the caller does not
// own, typically the backend's current state.
func LongModeSpecialRegs(base SpecialRegs, cr3 uint64) SpecialRegs {
	s := base
	s.CR3 = cr3
	s.CR4 = CR4PAE | CR4OSFXSR | CR4OSXMMEXCPT
	s.CR0 = CR0PE | CR0MP | CR0ET | CR0NE | CR0WP | CR0AM | CR0PG
	s.EFER = EFERLME | EFERLMA | EFERSCE | EFERNXE

	s.CS = Segment{
		Limit:    0xffffffff,
		Selector: SelectorCode,
		Type:     11, // execute/read, accessed
		Present:  1,
		S:        1,
		L:        1,
		G:        1,
	}
	data := Segment{
		Limit:    0xffffffff,
		Selector: SelectorData,
		Type:     3, // read/write, accessed
		Present:  1,
		S:        1,
		DB:       1,
		G:        1,
	}
	s.DS, s.ES, s.FS, s.GS, s.SS = data, data, data, data, data
	return s
}

// ExceptionName returns the mnemonic of an x86 exception vector.
func ExceptionName(vector uint8) string {
	switch vector {
	case 0:
		return "DivideByZero"
	case 1:
		return "Debug"
	case 2:
		return "NonMaskableInterrupt"
	case 3:
		return "Breakpoint"
	case 4:
		return "Overflow"
	case 5:
		return "BoundRangeExceeded"
	case 6:
		return "InvalidOpcode"
	case 7:
		return "DeviceNotAvailable"
	case 8:
		return "DoubleFault"
	case 9:
		return "CoprocessorSegmentOverrun"
	case 10:
		return "InvalidTSS"
	case 11:
		return "SegmentNotPresent"
	case 12:
		return "StackSegmentFault"
	case 13:
		return "GeneralProtectionFault"
	case 14:
		return "PageFault"
	case 16:
		return "X87FloatingPoint"
	case 17:
		return "AlignmentCheck"
	case 18:
		return "MachineCheck"
	case 19:
		return "SIMDFloatingPoint"
	case 20:
		return "Virtualization"
	case 30:
		return "SecurityException"
	case 0xff:
		return "NoException"
	default:
		return "Reserved"
	}
}
