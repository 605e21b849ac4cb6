package microvm

import (
	"time"

	"go.uber.org/zap"

	"github.com/blacktop/go-microvm/internal/hv"
	"github.com/blacktop/go-microvm/internal/mem"
)

// Snapshot is the full state of a sandbox: guest memory and vCPU
// registers. It can only be restored into the sandbox it was taken from.
type Snapshot struct {
	sandbox string
	mem     *mem.Snapshot
	regs    hv.Regs
	sregs   hv.SpecialRegs
}

// Taken returns when the snapshot was created.
func (s *Snapshot) Taken() time.Time { return s.mem.Taken() }

// Size returns the size of the captured memory in bytes.
func (s *Snapshot) Size() int { return s.mem.Size() }

func (s *Sandbox) snapshot() (*Snapshot, error) {
	m, err := s.mem.Snapshot()
	if err != nil {
		return nil, err
	}
	regs, err := s.part.Registers()
	if err != nil {
		return nil, err
	}
	sregs, err := s.part.SpecialRegisters()
	if err != nil {
		return nil, err
	}
	return &Snapshot{sandbox: s.id, mem: m, regs: regs, sregs: sregs}, nil
}

func (s *Sandbox) restore(snap *Snapshot) error {
	if snap.sandbox != s.id || snap.mem.MemoryID() != s.mem.ID() {
		return ErrSnapshotMismatch
	}
	if err := s.mem.Restore(snap.mem); err != nil {
		return err
	}
	if err := s.part.SetSpecialRegisters(snap.sregs); err != nil {
		return err
	}
	if err := s.part.SetRegisters(snap.regs); err != nil {
		return err
	}
	s.allocs.Reset()
	return nil
}

// Snapshot captures the current sandbox state.
func (s *Sandbox) Snapshot() (*Snapshot, error) {
	if !s.callMu.TryLock() {
		return nil, newError(KindSetup, "snapshot", ErrSandboxBusy, "")
	}
	defer s.callMu.Unlock()
	if err := s.checkUsable("snapshot"); err != nil {
		return nil, err
	}
	snap, err := s.snapshot()
	if err != nil {
		return nil, newError(KindSetup, "snapshot", err, "")
	}
	return snap, nil
}

// Restore puts the sandbox back into the state captured by snap.
func (s *Sandbox) Restore(snap *Snapshot) error {
	if snap == nil {
		return newError(KindSetup, "restore", ErrSnapshotMismatch, "nil snapshot")
	}
	if !s.callMu.TryLock() {
		return newError(KindSetup, "restore", ErrSandboxBusy, "")
	}
	defer s.callMu.Unlock()
	if err := s.checkUsable("restore"); err != nil {
		return err
	}
	if err := s.restore(snap); err != nil {
		return newError(KindSetup, "restore", err, "")
	}
	return nil
}

// Reset returns the sandbox to the state right after guest init. A poisoned
// sandbox cannot be reset.
func (s *Sandbox) Reset() error {
	if !s.callMu.TryLock() {
		return newError(KindSetup, "reset", ErrSandboxBusy, "")
	}
	defer s.callMu.Unlock()
	if err := s.checkUsable("reset"); err != nil {
		return err
	}
	if err := s.restore(s.warm); err != nil {
		s.poison("reset failed", err)
		return newError(KindSetup, "reset", err, "")
	}
	return nil
}

// ReadMemory copies n bytes of guest memory at addr. It is safe to call
// concurrently with Close.
func (s *Sandbox) ReadMemory(addr, n uint64) ([]byte, error) {
	b, err := s.readMemory(addr, n)
	if err != nil {
		return nil, newError(KindSetup, "read memory", err, "0x%x+0x%x", addr, n)
	}
	return b, nil
}

// readMemory copies guest memory while holding closeMu so release cannot
// unmap it mid-copy.
func (s *Sandbox) readMemory(addr, n uint64) ([]byte, error) {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	if s.closed.Load() {
		return nil, ErrSandboxClosed
	}
	b, err := s.mem.Slice(addr, n)
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), b...), nil
}

func (s *Sandbox) poison(reason string, err error) {
	if s.poisoned.CompareAndSwap(false, true) {
		s.log.Error("sandbox poisoned", zap.String("reason", reason), zap.Error(err))
	}
}
