package microvm

import (
	"context"
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/blacktop/go-microvm/internal/debug"
	"github.com/blacktop/go-microvm/internal/diag"
	"github.com/blacktop/go-microvm/internal/hv"
	"github.com/blacktop/go-microvm/internal/mem"
)

// partitionOpener creates the partition backing a sandbox.
type partitionOpener func(hv.Kind, hv.Options) (hv.Partition, error)

type options struct {
	logger   *zap.Logger
	hosts    *HostRegistry
	debugOut io.Writer
	id       string
	open     partitionOpener
}

// Option customizes a Sandbox.
type Option func(*options)

// WithLogger sets the sandbox logger instead of the package logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithHostFunctions gives the sandbox its own registry, consulted before
// DefaultRegistry.
func WithHostFunctions(r *HostRegistry) Option {
	return func(o *options) { o.hosts = r }
}

// WithDebugOutput receives the guest's debug prints.
func WithDebugOutput(w io.Writer) Option {
	return func(o *options) { o.debugOut = w }
}

// WithID names the sandbox in logs, outcome records and dump files.
func WithID(id string) Option {
	return func(o *options) { o.id = id }
}

var sandboxIDs atomic.Uint64

func nextID() string {
	return fmt.Sprintf("%d-%d", os.Getpid(), sandboxIDs.Add(1))
}

// Sandbox is one micro-VM: a guest memory and a single-vCPU partition that
// together run one guest. Calls are serialized; a second concurrent call
// fails with ErrSandboxBusy.
type Sandbox struct {
	id    string
	cfg   Config
	guest *Guest
	log   *zap.Logger
	opts  options

	mem    *mem.GuestMemory
	part   hv.Partition
	allocs *diag.AllocTracker
	dbg    *debug.Server

	// warm is the state right after guest init.
	warm *Snapshot

	callMu   sync.Mutex
	state    atomic.Int32
	cancelMu sync.Mutex
	cause    error

	poisoned atomic.Bool
	closed   atomic.Bool
	closeMu  sync.Mutex
}

// New creates a sandbox for guest and runs the guest's init routine. The
// returned sandbox is warm: ready for Call.
func New(guest *Guest, cfg Config, opts ...Option) (_ *Sandbox, err error) {
	if guest == nil || guest.image == nil {
		return nil, newError(KindSetup, "new", mem.ErrInvalidImage, "nil guest")
	}
	o := options{open: hv.Open}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = Logger()
	}
	if o.id == "" {
		o.id = nextID()
	}

	cfg = cfg.withEnv()
	if err := cfg.Validate(); err != nil {
		return nil, newError(KindSetup, "new", err, "invalid config")
	}

	start := time.Now()
	s := &Sandbox{
		id:     o.id,
		cfg:    cfg,
		guest:  guest,
		opts:   o,
		log:    o.logger.With(zap.String("sandbox", o.id)),
		allocs: diag.NewAllocTracker(),
	}
	defer func() {
		if err != nil {
			s.release()
		}
	}()

	layout, err := mem.NewLayout(cfg.layoutConfig(), uint64(len(guest.image.Code)))
	if err != nil {
		return nil, newError(KindSetup, "new", err, "layout")
	}
	if s.mem, err = mem.Allocate(layout); err != nil {
		return nil, newError(KindSetup, "new", err, "allocate 0x%x bytes", layout.Size)
	}
	if err := s.mem.Load(guest.image); err != nil {
		return nil, newError(KindSetup, "new", err, "load %s", guest.name)
	}
	cr3, err := mem.BuildPageTables(s.mem)
	if err != nil {
		return nil, newError(KindSetup, "new", err, "page tables")
	}
	seed := rand.Uint64()
	if err := mem.WritePEB(s.mem, mem.PEBParams{MaxLogLevel: uint64(cfg.logLevel()), Seed: seed}); err != nil {
		return nil, newError(KindSetup, "new", err, "PEB")
	}
	if err := s.mem.ResetRegions(); err != nil {
		return nil, newError(KindSetup, "new", err, "regions")
	}

	s.part, err = o.open(cfg.backend(), hv.Options{
		InterruptSignalOffset: cfg.InterruptSignalOffset,
		Logger:                s.log,
	})
	if err != nil {
		return nil, newError(KindSetup, "new", err, "create partition")
	}
	if err := s.part.MapMemory(0, 0, s.mem.Bytes(), hv.MemRead|hv.MemWrite|hv.MemExec); err != nil {
		return nil, newError(KindSetup, "new", err, "map guest memory")
	}
	if err := s.initVCPU(cr3, seed); err != nil {
		return nil, newError(KindSetup, "new", err, "vcpu")
	}

	if _, err := s.execute(context.Background(), run{name: "init", init: true}); err != nil {
		return nil, err
	}
	if _, err := s.mem.DispatchFunction(); err != nil {
		return nil, newError(KindSetup, "new", err, "guest init")
	}
	if s.warm, err = s.snapshot(); err != nil {
		return nil, newError(KindSetup, "new", err, "warm snapshot")
	}

	if cfg.DebugListenAddr != "" {
		if s.dbg, err = debug.Listen(cfg.DebugListenAddr, debugTarget{s}, s.log); err != nil {
			return nil, newError(KindSetup, "new", err, "debug listener")
		}
		s.log.Info("debug listener started", zap.Stringer("addr", s.dbg.Addr()))
	}

	runtime.SetFinalizer(s, (*Sandbox).finalize)
	s.log.Debug("sandbox ready",
		zap.Stringer("backend", s.part.Kind()),
		zap.String("guest", guest.name),
		zap.Uint64("memory", layout.Size),
		zap.Duration("duration", time.Since(start)),
	)
	return s, nil
}

// ID returns the sandbox identifier.
func (s *Sandbox) ID() string { return s.id }

// Backend returns the hypervisor backend running the sandbox.
func (s *Sandbox) Backend() string { return s.part.Kind().String() }

// Layout returns the guest memory layout.
func (s *Sandbox) Layout() mem.Layout { return s.mem.Layout() }

// Poisoned reports whether a fault made the sandbox unusable.
func (s *Sandbox) Poisoned() bool { return s.poisoned.Load() }

// DebugAddr returns the debug listener address, or "" without one.
func (s *Sandbox) DebugAddr() string {
	if s.dbg == nil {
		return ""
	}
	return s.dbg.Addr().String()
}

// AllocStats returns the guest allocation counters traced since the last
// reset.
func (s *Sandbox) AllocStats() diag.AllocStats { return s.allocs.Stats() }

// Close interrupts a running call, then releases the partition and guest
// memory. It is safe to call more than once.
func (s *Sandbox) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.cancel(ErrSandboxClosed)
	if s.dbg != nil {
		// Releases a call parked at a breakpoint.
		_ = s.dbg.Close()
	}
	s.callMu.Lock()
	defer s.callMu.Unlock()
	runtime.SetFinalizer(s, nil)
	return s.release()
}

// release frees everything New acquired, in reverse order. Guest memory is
// unmapped under closeMu so readers never see it disappear mid-copy.
func (s *Sandbox) release() error {
	var firstErr error
	if s.dbg != nil {
		if err := s.dbg.Close(); err != nil {
			firstErr = err
		}
		s.dbg = nil
	}
	if s.part != nil {
		if err := s.part.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	if s.mem != nil {
		if err := s.mem.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// finalize releases a sandbox that was never closed.
func (s *Sandbox) finalize() {
	if s.closed.CompareAndSwap(false, true) {
		s.log.Warn("sandbox garbage collected without Close")
		_ = s.release()
	}
}

func (s *Sandbox) checkUsable(op string) error {
	if s.closed.Load() {
		return newError(KindSetup, op, ErrSandboxClosed, "")
	}
	if s.poisoned.Load() {
		return newError(KindSetup, op, ErrSandboxPoisoned, "")
	}
	return nil
}

// debugTarget exposes the stopped vCPU and guest memory to the debugger.
type debugTarget struct{ s *Sandbox }

func (t debugTarget) Registers() (hv.Regs, error) {
	return t.s.part.Registers()
}

func (t debugTarget) ReadMemory(addr, n uint64) ([]byte, error) {
	return t.s.readMemory(addr, n)
}
