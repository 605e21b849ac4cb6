//go:build linux && amd64

package hv

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

const kvmDevice = "/dev/kvm"

// KVM ioctl request numbers, built the way <linux/ioctl.h> does.
const (
	kvmio = 0xAE

	iocNone  = 0
	iocWrite = 1
	iocRead  = 2

	kvmAPIVersion = 12
)

func ioc(dir, nr, size uintptr) uintptr {
	return dir<<30 | size<<16 | kvmio<<8 | nr
}

var (
	kvmGetAPIVersion       = ioc(iocNone, 0x00, 0)
	kvmCreateVM            = ioc(iocNone, 0x01, 0)
	kvmGetVCPUMmapSize     = ioc(iocNone, 0x04, 0)
	kvmGetSupportedCPUID   = ioc(iocRead|iocWrite, 0x05, 8)
	kvmCreateVCPU          = ioc(iocNone, 0x41, 0)
	kvmSetUserMemoryRegion = ioc(iocWrite, 0x46, unsafe.Sizeof(kvmUserspaceMemoryRegion{}))
	kvmRun                 = ioc(iocNone, 0x80, 0)
	kvmGetRegs             = ioc(iocRead, 0x81, unsafe.Sizeof(Regs{}))
	kvmSetRegs             = ioc(iocWrite, 0x82, unsafe.Sizeof(Regs{}))
	kvmGetSregs            = ioc(iocRead, 0x83, unsafe.Sizeof(SpecialRegs{}))
	kvmSetSregs            = ioc(iocWrite, 0x84, unsafe.Sizeof(SpecialRegs{}))
	kvmSetCPUID2           = ioc(iocWrite, 0x90, 8)
)

// Regs and SpecialRegs are handed to the kernel as-is.
var (
	_ = [1]struct{}{}[unsafe.Sizeof(Regs{})-144]
	_ = [1]struct{}{}[unsafe.Sizeof(SpecialRegs{})-312]
)

// KVM exit reasons from <linux/kvm.h>.
const (
	kvmExitUnknown       = 0
	kvmExitIO            = 2
	kvmExitHLT           = 5
	kvmExitMMIO          = 6
	kvmExitShutdown      = 8
	kvmExitFailEntry     = 9
	kvmExitIntr          = 10
	kvmExitInternalError = 17

	kvmExitIODirOut = 1

	kvmMemReadonly = 1 << 1
)

// Offsets into struct kvm_run.
const (
	runImmediateExit = 1
	runExitReason    = 8
	runUnion         = 32

	runIODirection  = runUnion + 0
	runIOSize       = runUnion + 1
	runIOPort       = runUnion + 2
	runIOCount      = runUnion + 4
	runIODataOffset = runUnion + 8

	runMMIOPhysAddr = runUnion + 0
	runMMIOLen      = runUnion + 16
	runMMIOIsWrite  = runUnion + 20
)

// sigRTMin is the first real-time signal available to applications; the C
// library reserves 32 and 33.
const sigRTMin = 34

type kvmUserspaceMemoryRegion struct {
	Slot          uint32
	Flags         uint32
	GuestPhysAddr uint64
	MemorySize    uint64
	UserspaceAddr uint64
}

type kvmCPUIDEntry2 struct {
	Function uint32
	Index    uint32
	Flags    uint32
	EAX      uint32
	EBX      uint32
	ECX      uint32
	EDX      uint32
	_        [3]uint32
}

const kvmMaxCPUIDEntries = 256

type kvmCPUID2 struct {
	Nent    uint32
	_       uint32
	Entries [kvmMaxCPUIDEntries]kvmCPUIDEntry2
}

func init() {
	register(KVM, backend{probe: probeKVM, open: openKVM})
}

func ioctl(fd int, req, arg uintptr) (uintptr, error) {
	r, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, arg)
	if errno != 0 {
		return r, errno
	}
	return r, nil
}

func ioctlPtr(fd int, req uintptr, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}

func openKVMDevice() (int, error) {
	fd, err := unix.Open(kvmDevice, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return -1, errnoErr("open "+kvmDevice, err)
	}
	v, err := ioctl(fd, kvmGetAPIVersion, 0)
	if err != nil {
		unix.Close(fd)
		return -1, errnoErr("KVM_GET_API_VERSION", err)
	}
	if v != kvmAPIVersion {
		unix.Close(fd)
		return -1, fmt.Errorf("%w: KVM API version %d, want %d", ErrHypervisorUnavailable, v, kvmAPIVersion)
	}
	return fd, nil
}

func probeKVM() error {
	fd, err := openKVMDevice()
	if err != nil {
		return err
	}
	return unix.Close(fd)
}

type kvmPartition struct {
	kvmFd  int
	vmFd   int
	vcpuFd int
	run    []byte
	pid    int
	sig    unix.Signal
	log    *zap.Logger

	tid         atomic.Int32 // vCPU thread while inside Run
	interrupted atomic.Bool

	slotsMu sync.Mutex
	slots   map[uint32]kvmUserspaceMemoryRegion

	// closeMu is held for the whole of Run and every ioctl; runMu only
	// guards the kvm_run mapping against Interrupt racing with Close.
	closeMu sync.Mutex
	runMu   sync.RWMutex
	closed  atomic.Bool
}

func openKVM(opts Options) (_ Partition, err error) {
	p := &kvmPartition{
		kvmFd:  -1,
		vmFd:   -1,
		vcpuFd: -1,
		pid:    unix.Getpid(),
		sig:    unix.Signal(sigRTMin + opts.InterruptSignalOffset),
		log:    opts.logger(),
		slots:  make(map[uint32]kvmUserspaceMemoryRegion),
	}
	defer func() {
		if err != nil {
			p.release()
		}
	}()

	if p.kvmFd, err = openKVMDevice(); err != nil {
		return nil, err
	}

	for {
		var fd uintptr
		fd, err = ioctl(p.kvmFd, kvmCreateVM, 0)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return nil, errnoErr("KVM_CREATE_VM", err)
		}
		p.vmFd = int(fd)
		break
	}

	size, err := ioctl(p.kvmFd, kvmGetVCPUMmapSize, 0)
	if err != nil {
		return nil, errnoErr("KVM_GET_VCPU_MMAP_SIZE", err)
	}

	fd, err := ioctl(p.vmFd, kvmCreateVCPU, 0)
	if err != nil {
		return nil, errnoErr("KVM_CREATE_VCPU", err)
	}
	p.vcpuFd = int(fd)

	if p.run, err = unix.Mmap(p.vcpuFd, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED); err != nil {
		return nil, errnoErr("mmap kvm_run", err)
	}

	if err = p.setupCPUID(); err != nil {
		return nil, err
	}

	runtime.SetFinalizer(p, (*kvmPartition).finalize)
	p.log.Debug("kvm partition created", zap.Int("vm_fd", p.vmFd), zap.Int("vcpu_fd", p.vcpuFd), zap.Stringer("signal", p.sig))
	return p, nil
}

// setupCPUID exposes the host's supported CPUID leaves to the guest.
func (p *kvmPartition) setupCPUID() error {
	cpuid := &kvmCPUID2{Nent: kvmMaxCPUIDEntries}
	if err := ioctlPtr(p.kvmFd, kvmGetSupportedCPUID, unsafe.Pointer(cpuid)); err != nil {
		return errnoErr("KVM_GET_SUPPORTED_CPUID", err)
	}
	if err := ioctlPtr(p.vcpuFd, kvmSetCPUID2, unsafe.Pointer(cpuid)); err != nil {
		return errnoErr("KVM_SET_CPUID2", err)
	}
	return nil
}

func (p *kvmPartition) Kind() Kind { return KVM }

// MapMemory maps a host memory slice into the guest physical address space.
// The host slice base address, length, and guestPhys must be page-aligned.
func (p *kvmPartition) MapMemory(slot uint32, guestPhys uint64, host []byte, perms MemPerm) error {
	p.closeMu.Lock()
	defer p.closeMu.Unlock()
	if p.closed.Load() {
		return ErrPartitionClosed
	}

	if err := validateMapping(guestPhys, host, perms); err != nil {
		return err
	}

	p.slotsMu.Lock()
	defer p.slotsMu.Unlock()
	if _, ok := p.slots[slot]; ok {
		return ErrSlotInUse
	}

	region := kvmUserspaceMemoryRegion{
		Slot:          slot,
		GuestPhysAddr: guestPhys,
		MemorySize:    uint64(len(host)),
		UserspaceAddr: uint64(uintptr(unsafe.Pointer(&host[0]))),
	}
	if perms&MemWrite == 0 {
		region.Flags |= kvmMemReadonly
	}
	if err := ioctlPtr(p.vmFd, kvmSetUserMemoryRegion, unsafe.Pointer(&region)); err != nil {
		err = errnoErr("KVM_SET_USER_MEMORY_REGION", err)
		recordError(err)
		return err
	}
	// The mapping outlives this call; the caller owns host until Unmap.
	runtime.KeepAlive(host)

	p.slots[slot] = region
	recordMap()
	return nil
}

func (p *kvmPartition) UnmapMemory(slot uint32) error {
	p.closeMu.Lock()
	defer p.closeMu.Unlock()
	if p.closed.Load() {
		return ErrPartitionClosed
	}

	p.slotsMu.Lock()
	defer p.slotsMu.Unlock()
	region, ok := p.slots[slot]
	if !ok {
		return ErrSlotNotMapped
	}
	region.MemorySize = 0
	if err := ioctlPtr(p.vmFd, kvmSetUserMemoryRegion, unsafe.Pointer(&region)); err != nil {
		err = errnoErr("KVM_SET_USER_MEMORY_REGION", err)
		recordError(err)
		return err
	}
	delete(p.slots, slot)
	recordUnmap()
	return nil
}

func (p *kvmPartition) Registers() (Regs, error) {
	var regs Regs
	err := p.vcpuIoctl("KVM_GET_REGS", kvmGetRegs, unsafe.Pointer(&regs))
	return regs, err
}

func (p *kvmPartition) SetRegisters(regs Regs) error {
	return p.vcpuIoctl("KVM_SET_REGS", kvmSetRegs, unsafe.Pointer(&regs))
}

func (p *kvmPartition) SpecialRegisters() (SpecialRegs, error) {
	var sregs SpecialRegs
	err := p.vcpuIoctl("KVM_GET_SREGS", kvmGetSregs, unsafe.Pointer(&sregs))
	return sregs, err
}

func (p *kvmPartition) SetSpecialRegisters(sregs SpecialRegs) error {
	return p.vcpuIoctl("KVM_SET_SREGS", kvmSetSregs, unsafe.Pointer(&sregs))
}

func (p *kvmPartition) vcpuIoctl(op string, req uintptr, arg unsafe.Pointer) error {
	p.closeMu.Lock()
	defer p.closeMu.Unlock()
	if p.closed.Load() {
		return ErrPartitionClosed
	}
	if err := ioctlPtr(p.vcpuFd, req, arg); err != nil {
		err = errnoErr(op, err)
		recordError(err)
		return err
	}
	recordRegisterOp()
	return nil
}

// Run enters the guest until it exits. Signals that arrive for other reasons,
// such as goroutine preemption, re-enter the guest transparently.
func (p *kvmPartition) Run() (Exit, error) {
	start := time.Now()
	defer func() {
		RecordRun(time.Since(start))
	}()

	p.closeMu.Lock()
	defer p.closeMu.Unlock()
	if p.closed.Load() {
		return Exit{}, ErrPartitionClosed
	}

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	p.tid.Store(int32(unix.Gettid()))
	defer p.tid.Store(0)

	for {
		if p.interrupted.Load() {
			return Exit{Reason: ExitCancelled}, nil
		}
		_, err := ioctl(p.vcpuFd, kvmRun, 0)
		if errors.Is(err, unix.EINTR) || errors.Is(err, unix.EAGAIN) {
			continue
		}
		if err != nil {
			err = errnoErr("KVM_RUN", err)
			recordError(err)
			return Exit{}, err
		}
		exit, retry := p.decodeExit()
		if retry {
			continue
		}
		return exit, nil
	}
}

func (p *kvmPartition) decodeExit() (Exit, bool) {
	le := binary.LittleEndian
	reason := le.Uint32(p.run[runExitReason:])
	switch reason {
	case kvmExitIO:
		size := uint64(p.run[runIOSize])
		off := le.Uint64(p.run[runIODataOffset:])
		exit := Exit{
			Reason: ExitIO,
			Port:   le.Uint16(p.run[runIOPort:]),
			Write:  p.run[runIODirection] == kvmExitIODirOut,
		}
		if size > 0 && size <= 8 && off+size <= uint64(len(p.run)) {
			var buf [8]byte
			copy(buf[:], p.run[off:off+size])
			exit.Value = le.Uint64(buf[:])
		}
		return exit, false
	case kvmExitHLT:
		return Exit{Reason: ExitHalt}, false
	case kvmExitMMIO:
		return Exit{
			Reason: ExitMMIO,
			GPA:    le.Uint64(p.run[runMMIOPhysAddr:]),
			Write:  p.run[runMMIOIsWrite] != 0,
			Code:   uint64(le.Uint32(p.run[runMMIOLen:])),
		}, false
	case kvmExitShutdown:
		return Exit{Reason: ExitShutdown}, false
	case kvmExitFailEntry:
		return Exit{Reason: ExitFailEntry, Code: le.Uint64(p.run[runUnion:])}, false
	case kvmExitInternalError:
		return Exit{Reason: ExitInternal, Code: uint64(le.Uint32(p.run[runUnion:]))}, false
	case kvmExitIntr:
		return Exit{Reason: ExitCancelled}, !p.interrupted.Load()
	default:
		return Exit{Reason: ExitUnknown, Code: uint64(reason)}, false
	}
}

// Interrupt forces the vCPU out of the guest. immediate_exit covers the
// window before KVM_RUN is entered; the signal covers a vCPU already inside.
func (p *kvmPartition) Interrupt() error {
	p.runMu.RLock()
	defer p.runMu.RUnlock()
	if p.closed.Load() {
		return ErrPartitionClosed
	}

	p.interrupted.Store(true)
	p.run[runImmediateExit] = 1
	recordInterrupt()

	if tid := p.tid.Load(); tid != 0 {
		if err := unix.Tgkill(p.pid, int(tid), p.sig); err != nil && !errors.Is(err, unix.ESRCH) {
			return errnoErr("tgkill", err)
		}
	}
	return nil
}

func (p *kvmPartition) ClearInterrupt() {
	p.runMu.RLock()
	defer p.runMu.RUnlock()
	if p.closed.Load() {
		return
	}
	p.interrupted.Store(false)
	p.run[runImmediateExit] = 0
}

// Close destroys the partition. Idempotent.
func (p *kvmPartition) Close() error {
	if p == nil {
		return nil
	}

	// Security: Lock instance first to prevent finalizer race
	p.closeMu.Lock()
	defer p.closeMu.Unlock()

	if p.closed.Load() {
		return nil
	}
	err := p.release()
	runtime.SetFinalizer(p, nil)
	RecordDestroy()
	p.log.Debug("kvm partition closed")
	return err
}

// release drops every kernel resource. Callers hold closeMu or own p
// exclusively.
func (p *kvmPartition) release() error {
	p.runMu.Lock()
	p.closed.Store(true)
	var errs []error
	if p.run != nil {
		if err := unix.Munmap(p.run); err != nil {
			errs = append(errs, errnoErr("munmap kvm_run", err))
		}
		p.run = nil
	}
	p.runMu.Unlock()

	for _, fd := range []*int{&p.vcpuFd, &p.vmFd, &p.kvmFd} {
		if *fd >= 0 {
			if err := unix.Close(*fd); err != nil {
				errs = append(errs, errnoErr("close", err))
			}
			*fd = -1
		}
	}
	return errors.Join(errs...)
}

// finalize is called by the garbage collector as a safety net
func (p *kvmPartition) finalize() {
	// Security: Use non-blocking lock to prevent deadlock in finalizers
	if p.closeMu.TryLock() {
		defer p.closeMu.Unlock()
		if !p.closed.Load() {
			p.release()
		}
	}
}

func validateMapping(guestPhys uint64, host []byte, perms MemPerm) error {
	if len(host) == 0 {
		return fmt.Errorf("hv: map requires non-empty host buffer")
	}
	if guestPhys > math.MaxUint64-uint64(len(host)) {
		return fmt.Errorf("hv: guest address range would overflow")
	}
	if perms == 0 {
		return fmt.Errorf("hv: map requires at least one permission (read, write, or exec)")
	}
	validPerms := MemRead | MemWrite | MemExec
	if perms&^validPerms != 0 {
		return fmt.Errorf("hv: invalid permission bits 0x%x (valid: 0x%x)", perms, validPerms)
	}
	if !isPageAligned(guestPhys) || !isPageAligned(uint64(len(host))) || !isPageAligned(uint64(uintptr(unsafe.Pointer(&host[0])))) {
		return fmt.Errorf("%w: guestPhys=0x%x len=0x%x (page size: %d)", ErrInvalidAlignment, guestPhys, len(host), pageSize())
	}
	return nil
}

var (
	cachedPageSize int
	cachedPageMask uint64 // For fast alignment checks: addr & mask == 0
	pageSizeOnce   sync.Once
)

// pageSize returns the host page size, cached for performance
func pageSize() int {
	pageSizeOnce.Do(func() {
		cachedPageSize = unix.Getpagesize()
		cachedPageMask = uint64(cachedPageSize - 1)
	})
	return cachedPageSize
}

// isPageAligned returns true if addr is page-aligned (fast path)
func isPageAligned(addr uint64) bool {
	pageSize()
	return addr&cachedPageMask == 0
}
