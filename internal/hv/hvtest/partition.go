// Package hvtest provides an in-process hv.Partition for tests.
//
// Guest code is written in Go. A Program is bound to a guest address and
// starts when Run is entered with RIP at that address; it runs on its own
// goroutine and reaches the host only through VM, whose port writes, halts
// and faults become exits exactly like a hardware vCPU would report them.
// Memory accesses walk the guest page tables, so not-present and read-only
// pages fault the same way they would under KVM.
package hvtest

import (
	"encoding/binary"
	"errors"
	"runtime"
	"sync"
	"time"

	"github.com/blacktop/go-microvm/internal/hv"
	"github.com/blacktop/go-microvm/internal/mem"
)

// Program is guest code for the fake vCPU.
type Program func(vm *VM)

type slot struct {
	gpa   uint64
	host  []byte
	perms hv.MemPerm
}

type step struct {
	exit  hv.Exit
	final bool
}

// thread is one running Program. It is suspended while the host handles a
// non-final exit.
type thread struct {
	exits  chan step
	resume chan struct{}
	kill   chan struct{}
	done   chan struct{}
}

func (t *thread) stop() {
	close(t.kill)
	<-t.done
}

// Partition is a scripted hv.Partition.
type Partition struct {
	mu          sync.Mutex
	programs    map[uint64]Program
	slots       map[uint32]slot
	regs        hv.Regs
	sregs       hv.SpecialRegs
	cur         *thread
	intr        chan struct{}
	interrupted bool
	closed      bool

	// entries counts vCPU entries, resumes included.
	entries int
}

var _ hv.Partition = (*Partition)(nil)

// New returns an empty partition.
func New() *Partition {
	hv.RecordCreate(0)
	return &Partition{
		programs: make(map[uint64]Program),
		slots:    make(map[uint32]slot),
		intr:     make(chan struct{}),
	}
}

// Handle binds prog to the guest address rip.
func (p *Partition) Handle(rip uint64, prog Program) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.programs[rip] = prog
}

// Entries returns how many times the vCPU was entered.
func (p *Partition) Entries() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.entries
}

func (p *Partition) Kind() hv.Kind { return hv.KVM }

func (p *Partition) MapMemory(id uint32, guestPhys uint64, host []byte, perms hv.MemPerm) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return hv.ErrPartitionClosed
	}
	if len(host) == 0 || perms == 0 {
		return errors.New("hvtest: invalid mapping")
	}
	if guestPhys%mem.PageSize != 0 || len(host)%mem.PageSize != 0 {
		return hv.ErrInvalidAlignment
	}
	if _, ok := p.slots[id]; ok {
		return hv.ErrSlotInUse
	}
	p.slots[id] = slot{gpa: guestPhys, host: host, perms: perms}
	return nil
}

func (p *Partition) UnmapMemory(id uint32) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return hv.ErrPartitionClosed
	}
	if _, ok := p.slots[id]; !ok {
		return hv.ErrSlotNotMapped
	}
	delete(p.slots, id)
	return nil
}

func (p *Partition) Registers() (hv.Regs, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return hv.Regs{}, hv.ErrPartitionClosed
	}
	return p.regs, nil
}

// SetRegisters re-points the vCPU. A program suspended at an exit is
// abandoned, as the host has taken over control flow.
func (p *Partition) SetRegisters(regs hv.Regs) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return hv.ErrPartitionClosed
	}
	t := p.cur
	p.cur = nil
	p.regs = regs
	p.mu.Unlock()

	if t != nil {
		t.stop()
	}
	return nil
}

func (p *Partition) SpecialRegisters() (hv.SpecialRegs, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return hv.SpecialRegs{}, hv.ErrPartitionClosed
	}
	return p.sregs, nil
}

func (p *Partition) SetSpecialRegisters(sregs hv.SpecialRegs) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return hv.ErrPartitionClosed
	}
	p.sregs = sregs
	return nil
}

// Run starts the program bound to RIP, or resumes the suspended one.
func (p *Partition) Run() (hv.Exit, error) {
	start := time.Now()
	defer func() { hv.RecordRun(time.Since(start)) }()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return hv.Exit{}, hv.ErrPartitionClosed
	}
	if p.interrupted {
		p.mu.Unlock()
		return hv.Exit{Reason: hv.ExitCancelled}, nil
	}
	p.entries++
	t := p.cur
	resume := t != nil
	if t == nil {
		prog, ok := p.programs[p.regs.RIP]
		if !ok {
			p.mu.Unlock()
			// Executing garbage ends in a triple fault.
			return hv.Exit{Reason: hv.ExitShutdown}, nil
		}
		t = p.spawn(prog)
		p.cur = t
	}
	p.mu.Unlock()

	if resume {
		select {
		case t.resume <- struct{}{}:
		case <-t.done:
			return hv.Exit{}, hv.ErrPartitionClosed
		}
	}

	select {
	case s := <-t.exits:
		if s.final {
			<-t.done
			p.mu.Lock()
			if p.cur == t {
				p.cur = nil
			}
			p.mu.Unlock()
		}
		return s.exit, nil
	case <-t.done:
		return hv.Exit{}, hv.ErrPartitionClosed
	}
}

// spawn starts prog on a new goroutine. Callers hold p.mu.
func (p *Partition) spawn(prog Program) *thread {
	t := &thread{
		exits:  make(chan step),
		resume: make(chan struct{}),
		kill:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	vm := &VM{p: p, t: t}
	go func() {
		defer close(t.done)
		prog(vm)
		vm.exit(hv.Exit{Reason: hv.ExitHalt}, true)
	}()
	return t
}

// Interrupt is sticky until ClearInterrupt.
func (p *Partition) Interrupt() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return hv.ErrPartitionClosed
	}
	if !p.interrupted {
		p.interrupted = true
		close(p.intr)
	}
	return nil
}

func (p *Partition) ClearInterrupt() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.interrupted {
		p.interrupted = false
		p.intr = make(chan struct{})
	}
}

func (p *Partition) interruptCh() (<-chan struct{}, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.intr, p.interrupted
}

// Close stops any suspended program. Idempotent.
func (p *Partition) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	t := p.cur
	p.cur = nil
	p.slots = nil
	p.mu.Unlock()

	if t != nil {
		t.stop()
	}
	hv.RecordDestroy()
	return nil
}

// host returns the host bytes backing [gpa, gpa+n). Callers hold p.mu.
func (p *Partition) host(gpa, n uint64) ([]byte, bool) {
	for _, s := range p.slots {
		size := uint64(len(s.host))
		if gpa >= s.gpa && n <= size && gpa-s.gpa <= size-n {
			off := gpa - s.gpa
			return s.host[off : off+n : off+n], true
		}
	}
	return nil, false
}

// translate walks the guest page tables. Callers hold p.mu.
func (p *Partition) translate(gva uint64, write bool) (uint64, bool) {
	if p.sregs.CR0&hv.CR0PG == 0 {
		return gva, true
	}
	const addrMask = 0x000f_ffff_ffff_f000
	table := p.sregs.CR3 & addrMask
	for level := 3; level >= 0; level-- {
		idx := (gva >> (12 + 9*uint(level))) & 0x1ff
		b, ok := p.host(table+idx*8, 8)
		if !ok {
			return 0, false
		}
		e := binary.LittleEndian.Uint64(b)
		if e&mem.PTEPresent == 0 || (write && e&mem.PTEWritable == 0) {
			return 0, false
		}
		table = e & addrMask
	}
	return table | gva&(mem.PageSize-1), true
}

// access resolves a guest virtual range, page by page.
func (p *Partition) access(gva, n uint64, write bool) ([]byte, uint64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n == 0 {
		n = 1
	}
	phys, ok := p.translate(gva, write)
	if !ok {
		return nil, gva, false
	}
	for page := (gva &^ (mem.PageSize - 1)) + mem.PageSize; page < gva+n; page += mem.PageSize {
		pp, ok := p.translate(page, write)
		if !ok {
			return nil, page, false
		}
		if pp != phys+(page-gva) {
			return nil, page, false
		}
	}
	b, ok := p.host(phys, n)
	if !ok {
		return nil, phys, false
	}
	if write {
		for _, s := range p.slots {
			if phys >= s.gpa && phys-s.gpa < uint64(len(s.host)) && s.perms&hv.MemWrite == 0 {
				return nil, phys, false
			}
		}
	}
	return b, 0, true
}

// VM is the guest side of a running Program.
type VM struct {
	p *Partition
	t *thread
}

// exit reports an exit to the host and, unless final, waits to be resumed.
// A pending interrupt turns any exit into a cancellation.
func (vm *VM) exit(e hv.Exit, final bool) {
	if _, interrupted := vm.p.interruptCh(); interrupted {
		e, final = hv.Exit{Reason: hv.ExitCancelled}, true
	}
	select {
	case vm.t.exits <- step{exit: e, final: final}:
	case <-vm.t.kill:
		runtime.Goexit()
	}
	if final {
		runtime.Goexit()
	}
	select {
	case <-vm.t.resume:
	case <-vm.t.kill:
		runtime.Goexit()
	}
}

// Outb writes value to an I/O port.
func (vm *VM) Outb(port uint16, value uint64) {
	vm.exit(hv.Exit{Reason: hv.ExitIO, Port: port, Value: value, Write: true}, false)
}

// Halt executes hlt. The program ends.
func (vm *VM) Halt() {
	vm.exit(hv.Exit{Reason: hv.ExitHalt}, true)
}

// Fault triple-faults the vCPU. The program ends.
func (vm *VM) Fault() {
	vm.exit(hv.Exit{Reason: hv.ExitShutdown}, true)
}

// Spin busy-loops for d, or until interrupted when d is zero.
func (vm *VM) Spin(d time.Duration) {
	intr, _ := vm.p.interruptCh()
	var timeout <-chan time.Time
	if d > 0 {
		timer := time.NewTimer(d)
		defer timer.Stop()
		timeout = timer.C
	}
	select {
	case <-timeout:
	case <-intr:
		vm.exit(hv.Exit{Reason: hv.ExitCancelled}, true)
	case <-vm.t.kill:
		runtime.Goexit()
	}
}

// Regs returns the vCPU registers.
func (vm *VM) Regs() hv.Regs {
	vm.p.mu.Lock()
	defer vm.p.mu.Unlock()
	return vm.p.regs
}

// SetRegs sets the vCPU registers from inside the guest.
func (vm *VM) SetRegs(r hv.Regs) {
	vm.p.mu.Lock()
	defer vm.p.mu.Unlock()
	vm.p.regs = r
}

// Bytes returns n bytes of guest memory at gva. A page fault ends the
// program with a triple fault.
func (vm *VM) Bytes(gva, n uint64, write bool) []byte {
	b, _, ok := vm.p.access(gva, n, write)
	if !ok {
		vm.Fault()
	}
	return b
}

// Uint64 reads a little-endian u64.
func (vm *VM) Uint64(gva uint64) uint64 {
	return binary.LittleEndian.Uint64(vm.Bytes(gva, 8, false))
}

// PutUint64 writes a little-endian u64.
func (vm *VM) PutUint64(gva, v uint64) {
	binary.LittleEndian.PutUint64(vm.Bytes(gva, 8, true), v)
}

// Write copies b into guest memory.
func (vm *VM) Write(gva uint64, b []byte) {
	copy(vm.Bytes(gva, uint64(len(b)), true), b)
}
