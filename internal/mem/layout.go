// Package mem manages guest memory: the address space layout, the host
// mapping backing it, the identity-mapped page tables, the PEB, guest image
// loading and snapshots.
//
// Guest physical addresses, guest virtual addresses and offsets into the
// host mapping are all the same number.
package mem

import (
	"errors"
	"fmt"
	"sort"
)

// PageSize is the guest page size.
const PageSize = 0x1000

// CodeBase is the guest address the guest image is loaded at. Non-PIE guests
// must be linked at this address.
const CodeBase = 0x2000

// PEBBase is the guest address of the process environment block.
const PEBBase = 0x1000

// Default region sizes.
const (
	DefaultInputSize  = 0x4000
	DefaultOutputSize = 0x4000
	DefaultHeapSize   = 0x20000
	DefaultStackSize  = 0x10000
)

var (
	// ErrInvalidLayout is returned when regions overlap, are misaligned or
	// do not fit into the committed size.
	ErrInvalidLayout = errors.New("mem: invalid layout")
)

// Access describes how the guest may touch a region. Zero means the region
// is mapped not-present.
type Access uint8

const (
	AccessRead Access = 1 << iota
	AccessWrite
	AccessExec
)

func (a Access) String() string {
	if a == 0 {
		return "---"
	}
	b := []byte("---")
	if a&AccessRead != 0 {
		b[0] = 'r'
	}
	if a&AccessWrite != 0 {
		b[1] = 'w'
	}
	if a&AccessExec != 0 {
		b[2] = 'x'
	}
	return string(b)
}

// Region is a page aligned range of guest memory.
type Region struct {
	Name   string `json:"name"`
	Offset uint64 `json:"offset"`
	Size   uint64 `json:"size"`
	Access Access `json:"access"`
}

// End returns the first address past the region.
func (r Region) End() uint64 { return r.Offset + r.Size }

// Contains reports whether [addr, addr+n) lies inside the region.
func (r Region) Contains(addr, n uint64) bool {
	return addr >= r.Offset && n <= r.Size && addr-r.Offset <= r.Size-n
}

// LayoutConfig sizes the regions of a guest address space. Zero values pick
// the defaults.
type LayoutConfig struct {
	// MemorySize is the committed size. Zero derives it from the regions.
	MemorySize uint64
	InputSize  uint64
	OutputSize uint64
	HeapSize   uint64
	StackSize  uint64
}

// Layout describes where every region lives in the guest address space.
//
//	0x0000  null guard (not present)
//	0x1000  PEB
//	0x2000  code
//	        input data
//	        output data
//	        heap (grows up)
//	        guard page (not present)
//	        stack (grows down)
//	        page tables
type Layout struct {
	Null       Region `json:"null"`
	PEB        Region `json:"peb"`
	Code       Region `json:"code"`
	Input      Region `json:"input"`
	Output     Region `json:"output"`
	Heap       Region `json:"heap"`
	Guard      Region `json:"guard"`
	Stack      Region `json:"stack"`
	PageTables Region `json:"page_tables"`
	Size       uint64 `json:"size"`
}

func alignUp(v uint64) uint64 {
	return (v + PageSize - 1) &^ (PageSize - 1)
}

func orDefault(v, def uint64) uint64 {
	if v == 0 {
		return def
	}
	return v
}

// NewLayout computes the layout for a guest image of codeSize bytes.
func NewLayout(cfg LayoutConfig, codeSize uint64) (Layout, error) {
	if codeSize == 0 {
		return Layout{}, fmt.Errorf("%w: empty guest image", ErrInvalidLayout)
	}

	var l Layout
	off := uint64(0)
	next := func(name string, size uint64, access Access) Region {
		r := Region{Name: name, Offset: off, Size: alignUp(size), Access: access}
		off += r.Size
		return r
	}

	l.Null = next("null", PageSize, 0)
	l.PEB = next("peb", PageSize, AccessRead|AccessWrite)
	l.Code = next("code", codeSize, AccessRead|AccessWrite|AccessExec)
	l.Input = next("input", orDefault(cfg.InputSize, DefaultInputSize), AccessRead|AccessWrite)
	l.Output = next("output", orDefault(cfg.OutputSize, DefaultOutputSize), AccessRead|AccessWrite)
	l.Heap = next("heap", orDefault(cfg.HeapSize, DefaultHeapSize), AccessRead|AccessWrite)
	l.Guard = next("guard", PageSize, 0)
	l.Stack = next("stack", orDefault(cfg.StackSize, DefaultStackSize), AccessRead|AccessWrite)

	// The tables must also map themselves, so iterate until the size settles.
	ptSize := uint64(0)
	for {
		need := pageTableBytes(alignUp(max(cfg.MemorySize, off+ptSize)))
		if need == ptSize {
			break
		}
		ptSize = need
	}
	l.PageTables = next("page_tables", ptSize, AccessRead)

	l.Size = off
	if cfg.MemorySize != 0 {
		if cfg.MemorySize < off {
			return Layout{}, fmt.Errorf("%w: regions need 0x%x bytes, only 0x%x committed", ErrInvalidLayout, off, cfg.MemorySize)
		}
		l.Size = alignUp(cfg.MemorySize)
	}

	if err := l.Validate(); err != nil {
		return Layout{}, err
	}
	return l, nil
}

// Regions returns every region ordered by offset.
func (l Layout) Regions() []Region {
	rs := []Region{l.Null, l.PEB, l.Code, l.Input, l.Output, l.Heap, l.Guard, l.Stack, l.PageTables}
	sort.Slice(rs, func(i, j int) bool { return rs[i].Offset < rs[j].Offset })
	return rs
}

// StackTop returns the initial stack pointer.
func (l Layout) StackTop() uint64 {
	return l.Stack.End()
}

// Find returns the region containing addr.
func (l Layout) Find(addr uint64) (Region, bool) {
	for _, r := range l.Regions() {
		if r.Contains(addr, 1) {
			return r, true
		}
	}
	return Region{}, false
}

// Validate checks alignment, ordering and the committed size.
func (l Layout) Validate() error {
	rs := l.Regions()
	var prev Region
	for i, r := range rs {
		if r.Offset%PageSize != 0 || r.Size%PageSize != 0 {
			return fmt.Errorf("%w: region %s [0x%x, +0x%x) not page aligned", ErrInvalidLayout, r.Name, r.Offset, r.Size)
		}
		if r.Size == 0 {
			return fmt.Errorf("%w: region %s is empty", ErrInvalidLayout, r.Name)
		}
		if r.End() < r.Offset {
			return fmt.Errorf("%w: region %s overflows", ErrInvalidLayout, r.Name)
		}
		if i > 0 && r.Offset < prev.End() {
			return fmt.Errorf("%w: region %s overlaps %s", ErrInvalidLayout, r.Name, prev.Name)
		}
		prev = r
	}
	if prev.End() > l.Size {
		return fmt.Errorf("%w: regions end at 0x%x beyond committed size 0x%x", ErrInvalidLayout, prev.End(), l.Size)
	}
	if l.Heap.End() != l.Guard.Offset || l.Guard.End() != l.Stack.Offset {
		return fmt.Errorf("%w: heap and stack must be separated by exactly the guard page", ErrInvalidLayout)
	}
	if l.Guard.Access != 0 || l.Null.Access != 0 {
		return fmt.Errorf("%w: guard pages must not be accessible", ErrInvalidLayout)
	}
	return nil
}

// pageTableBytes returns the bytes needed to identity map size bytes with
// 4-level 4 KiB paging.
func pageTableBytes(size uint64) uint64 {
	pages := (size + PageSize - 1) / PageSize
	pt := (pages + 511) / 512
	pd := (pt + 511) / 512
	pdpt := (pd + 511) / 512
	return (1 + pdpt + pd + pt) * PageSize
}
