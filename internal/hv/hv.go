// Package hv is a small capability layer over the hypervisors a sandbox can
// run on. A Partition is one VM with a single vCPU.
//
// The set of backends is closed: KVM, MSHV (v2 and v3) and Hyper-V. The
// backend is picked at creation time by probing the host.
package hv

import (
	"fmt"

	"go.uber.org/zap"
)

// MemPerm represents guest memory permissions.
type MemPerm uint

const (
	MemRead  MemPerm = 1 << 0
	MemWrite MemPerm = 1 << 1
	MemExec  MemPerm = 1 << 2
)

// Kind identifies a hypervisor backend.
type Kind int

const (
	KindNone Kind = iota
	KVM
	MSHVv2
	MSHVv3
	HyperV
)

func (k Kind) String() string {
	switch k {
	case KVM:
		return "kvm"
	case MSHVv2:
		return "mshv2"
	case MSHVv3:
		return "mshv3"
	case HyperV:
		return "hyperv"
	case KindNone:
		return "none"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ParseKind maps a backend name onto a Kind. The empty string and "auto"
// return KindNone, meaning probe.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "", "auto":
		return KindNone, nil
	case "kvm":
		return KVM, nil
	case "mshv2":
		return MSHVv2, nil
	case "mshv3", "mshv":
		return MSHVv3, nil
	case "hyperv", "whp":
		return HyperV, nil
	default:
		return KindNone, fmt.Errorf("hv: unknown backend %q", s)
	}
}

// Regs holds the general purpose registers. The field order matches
// struct kvm_regs.
type Regs struct {
	RAX    uint64 `json:"rax"`
	RBX    uint64 `json:"rbx"`
	RCX    uint64 `json:"rcx"`
	RDX    uint64 `json:"rdx"`
	RSI    uint64 `json:"rsi"`
	RDI    uint64 `json:"rdi"`
	RSP    uint64 `json:"rsp"`
	RBP    uint64 `json:"rbp"`
	R8     uint64 `json:"r8"`
	R9     uint64 `json:"r9"`
	R10    uint64 `json:"r10"`
	R11    uint64 `json:"r11"`
	R12    uint64 `json:"r12"`
	R13    uint64 `json:"r13"`
	R14    uint64 `json:"r14"`
	R15    uint64 `json:"r15"`
	RIP    uint64 `json:"rip"`
	RFLAGS uint64 `json:"rflags"`
}

// Segment matches struct kvm_segment.
type Segment struct {
	Base     uint64 `json:"base"`
	Limit    uint32 `json:"limit"`
	Selector uint16 `json:"selector"`
	Type     uint8  `json:"type"`
	Present  uint8  `json:"present"`
	DPL      uint8  `json:"dpl"`
	DB       uint8  `json:"db"`
	S        uint8  `json:"s"`
	L        uint8  `json:"l"`
	G        uint8  `json:"g"`
	AVL      uint8  `json:"avl"`
	Unusable uint8  `json:"unusable"`
	_        uint8
}

// DTable matches struct kvm_dtable.
type DTable struct {
	Base  uint64    `json:"base"`
	Limit uint16    `json:"limit"`
	_     [3]uint16 // padding
}

// SpecialRegs matches struct kvm_sregs.
type SpecialRegs struct {
	CS              Segment   `json:"cs"`
	DS              Segment   `json:"ds"`
	ES              Segment   `json:"es"`
	FS              Segment   `json:"fs"`
	GS              Segment   `json:"gs"`
	SS              Segment   `json:"ss"`
	TR              Segment   `json:"tr"`
	LDT             Segment   `json:"ldt"`
	GDT             DTable    `json:"gdt"`
	IDT             DTable    `json:"idt"`
	CR0             uint64    `json:"cr0"`
	CR2             uint64    `json:"cr2"`
	CR3             uint64    `json:"cr3"`
	CR4             uint64    `json:"cr4"`
	CR8             uint64    `json:"cr8"`
	EFER            uint64    `json:"efer"`
	APICBase        uint64    `json:"apic_base"`
	InterruptBitmap [4]uint64 `json:"interrupt_bitmap"`
}

// ExitReason is why Run returned.
type ExitReason int

const (
	ExitUnknown ExitReason = iota
	// ExitIO is a port write by the guest; Port and Value are set.
	ExitIO
	// ExitHalt is a hlt instruction.
	ExitHalt
	// ExitMMIO is an access to a guest physical address with no memory
	// behind it; GPA is set.
	ExitMMIO
	// ExitShutdown is a triple fault.
	ExitShutdown
	// ExitFailEntry means the CPU refused to enter the guest.
	ExitFailEntry
	// ExitInternal is a hypervisor internal error.
	ExitInternal
	// ExitCancelled means Interrupt forced the vCPU out.
	ExitCancelled
)

func (r ExitReason) String() string {
	switch r {
	case ExitIO:
		return "io"
	case ExitHalt:
		return "halt"
	case ExitMMIO:
		return "mmio"
	case ExitShutdown:
		return "shutdown"
	case ExitFailEntry:
		return "fail_entry"
	case ExitInternal:
		return "internal_error"
	case ExitCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Exit captures information about a vCPU exit.
type Exit struct {
	Reason ExitReason `json:"reason"`
	Port   uint16     `json:"port,omitempty"`
	Value  uint64     `json:"value,omitempty"`
	GPA    uint64     `json:"gpa,omitempty"`
	Write  bool       `json:"write,omitempty"`
	Code   uint64     `json:"code,omitempty"` // backend specific reason code
}

func (e Exit) String() string {
	switch e.Reason {
	case ExitIO:
		return fmt.Sprintf("io port=%d value=0x%x", e.Port, e.Value)
	case ExitMMIO:
		return fmt.Sprintf("mmio gpa=0x%x write=%v", e.GPA, e.Write)
	case ExitFailEntry, ExitInternal, ExitUnknown:
		return fmt.Sprintf("%s code=0x%x", e.Reason, e.Code)
	default:
		return e.Reason.String()
	}
}

// Partition is one VM with one vCPU.
//
// Run blocks the calling OS thread until the guest exits. Interrupt may be
// called from any goroutine; it is sticky until ClearInterrupt, so an
// interrupt that races with entry still forces the next Run out with
// ExitCancelled.
type Partition interface {
	MapMemory(slot uint32, guestPhys uint64, host []byte, perms MemPerm) error
	UnmapMemory(slot uint32) error
	Registers() (Regs, error)
	SetRegisters(Regs) error
	SpecialRegisters() (SpecialRegs, error)
	SetSpecialRegisters(SpecialRegs) error
	Run() (Exit, error)
	Interrupt() error
	ClearInterrupt()
	Kind() Kind
	Close() error
}

// Options configure partition creation.
type Options struct {
	// InterruptSignalOffset is added to SIGRTMIN to pick the signal used to
	// kick a vCPU thread out of the kernel.
	InterruptSignalOffset int
	Logger                *zap.Logger
}

func (o Options) logger() *zap.Logger {
	if o.Logger == nil {
		return zap.NewNop()
	}
	return o.Logger
}
