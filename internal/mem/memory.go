package mem

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/blacktop/go-microvm/internal/wire"
)

var (
	// ErrOutOfMemory is returned when the host cannot back the guest memory.
	ErrOutOfMemory = errors.New("mem: out of memory")

	// ErrOutOfBounds is returned for accesses outside the guest memory or
	// outside the region they target.
	ErrOutOfBounds = errors.New("mem: access out of bounds")

	// ErrClosed is returned by accessors after Close.
	ErrClosed = errors.New("mem: guest memory is closed")
)

var memoryIDs atomic.Uint64

// GuestMemory is the host mapping backing one guest address space.
type GuestMemory struct {
	id     uint64
	layout Layout
	buf    []byte

	closeMu sync.Mutex
	closed  bool
}

// Allocate reserves and zeroes memory for layout.
func Allocate(layout Layout) (*GuestMemory, error) {
	if err := layout.Validate(); err != nil {
		return nil, err
	}
	buf, err := mapAnonymous(int(layout.Size))
	if err != nil {
		return nil, fmt.Errorf("%w: 0x%x bytes: %v", ErrOutOfMemory, layout.Size, err)
	}
	return &GuestMemory{
		id:     memoryIDs.Add(1),
		layout: layout,
		buf:    buf,
	}, nil
}

// ID identifies this mapping. Snapshots only restore into the mapping they
// were taken from.
func (m *GuestMemory) ID() uint64 { return m.id }

// Layout returns the layout the memory was allocated for.
func (m *GuestMemory) Layout() Layout { return m.layout }

// Size returns the committed size in bytes.
func (m *GuestMemory) Size() uint64 { return uint64(len(m.buf)) }

// Bytes exposes the whole mapping for registration with a hypervisor.
func (m *GuestMemory) Bytes() []byte { return m.buf }

// Close unmaps the memory. Idempotent.
func (m *GuestMemory) Close() error {
	if m == nil {
		return nil
	}
	m.closeMu.Lock()
	defer m.closeMu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	buf := m.buf
	m.buf = nil
	return unmapAnonymous(buf)
}

func (m *GuestMemory) check(addr, n uint64) error {
	if m.buf == nil {
		return ErrClosed
	}
	size := uint64(len(m.buf))
	if n > size || addr > size-n {
		return fmt.Errorf("%w: [0x%x, +0x%x) outside 0x%x bytes", ErrOutOfBounds, addr, n, size)
	}
	return nil
}

// Slice returns the live bytes at [addr, addr+n).
func (m *GuestMemory) Slice(addr, n uint64) ([]byte, error) {
	if err := m.check(addr, n); err != nil {
		return nil, err
	}
	return m.buf[addr : addr+n : addr+n], nil
}

// RegionBytes returns the live bytes of r.
func (m *GuestMemory) RegionBytes(r Region) ([]byte, error) {
	return m.Slice(r.Offset, r.Size)
}

// ReadAt implements io.ReaderAt over guest addresses.
func (m *GuestMemory) ReadAt(p []byte, addr int64) (int, error) {
	if addr < 0 {
		return 0, fmt.Errorf("%w: negative address", ErrOutOfBounds)
	}
	if err := m.check(uint64(addr), uint64(len(p))); err != nil {
		return 0, err
	}
	return copy(p, m.buf[addr:]), nil
}

// WriteAt implements io.WriterAt over guest addresses.
func (m *GuestMemory) WriteAt(p []byte, addr int64) (int, error) {
	if addr < 0 {
		return 0, fmt.Errorf("%w: negative address", ErrOutOfBounds)
	}
	if err := m.check(uint64(addr), uint64(len(p))); err != nil {
		return 0, err
	}
	return copy(m.buf[addr:], p), nil
}

// Uint64At reads a little-endian u64.
func (m *GuestMemory) Uint64At(addr uint64) (uint64, error) {
	if err := m.check(addr, 8); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(m.buf[addr:]), nil
}

// PutUint64At writes a little-endian u64.
func (m *GuestMemory) PutUint64At(addr, v uint64) error {
	if err := m.check(addr, 8); err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(m.buf[addr:], v)
	return nil
}

// InputStack returns the stack living in the input region.
func (m *GuestMemory) InputStack() (*wire.Stack, error) {
	return m.stack(m.layout.Input)
}

// OutputStack returns the stack living in the output region.
func (m *GuestMemory) OutputStack() (*wire.Stack, error) {
	return m.stack(m.layout.Output)
}

func (m *GuestMemory) stack(r Region) (*wire.Stack, error) {
	b, err := m.RegionBytes(r)
	if err != nil {
		return nil, err
	}
	return wire.NewStack(b)
}

// ResetRegions zeroes the heap and stack and reinitializes both data
// stacks.
func (m *GuestMemory) ResetRegions() error {
	for _, r := range []Region{m.layout.Heap, m.layout.Stack} {
		b, err := m.RegionBytes(r)
		if err != nil {
			return err
		}
		clear(b)
	}
	for _, get := range []func() (*wire.Stack, error){m.InputStack, m.OutputStack} {
		s, err := get()
		if err != nil {
			return err
		}
		s.Init()
	}
	return nil
}
