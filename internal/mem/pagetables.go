package mem

import (
	"encoding/binary"
	"fmt"
)

// x86-64 page table entry bits.
const (
	PTEPresent  uint64 = 1 << 0
	PTEWritable uint64 = 1 << 1
	PTEUser     uint64 = 1 << 2
	PTEAccessed uint64 = 1 << 5
	PTEDirty    uint64 = 1 << 6
	PTENoExec   uint64 = 1 << 63

	pteAddrMask uint64 = 0x000f_ffff_ffff_f000
)

// BuildPageTables writes 4-level identity page tables covering the whole
// committed size into the page table region and returns the value for CR3.
//
// Leaf permissions follow the region access: not-present pages for the null
// and guard pages, read-only for the tables themselves, no-execute for
// everything but code.
func BuildPageTables(m *GuestMemory) (uint64, error) {
	l := m.layout
	pages := l.Size / PageSize
	npt := (pages + 511) / 512
	npd := (npt + 511) / 512
	npdpt := (npd + 511) / 512
	if npdpt > 512 {
		return 0, fmt.Errorf("%w: 0x%x bytes exceed a single PML4", ErrInvalidLayout, l.Size)
	}
	need := (1 + npdpt + npd + npt) * PageSize
	if need > l.PageTables.Size {
		return 0, fmt.Errorf("%w: page tables need 0x%x bytes, region has 0x%x", ErrInvalidLayout, need, l.PageTables.Size)
	}

	tables, err := m.RegionBytes(l.PageTables)
	if err != nil {
		return 0, err
	}
	clear(tables)

	base := l.PageTables.Offset
	pml4 := base
	pdptAt := func(i uint64) uint64 { return base + (1+i)*PageSize }
	pdAt := func(i uint64) uint64 { return base + (1+npdpt+i)*PageSize }
	ptAt := func(i uint64) uint64 { return base + (1+npdpt+npd+i)*PageSize }

	put := func(table, index, entry uint64) {
		off := table - base + index*8
		binary.LittleEndian.PutUint64(tables[off:], entry)
	}

	const dirFlags = PTEPresent | PTEWritable
	for i := uint64(0); i < npdpt; i++ {
		put(pml4, i, pdptAt(i)&pteAddrMask|dirFlags)
	}
	for i := uint64(0); i < npd; i++ {
		put(pdptAt(i/512), i%512, pdAt(i)&pteAddrMask|dirFlags)
	}
	for i := uint64(0); i < npt; i++ {
		put(pdAt(i/512), i%512, ptAt(i)&pteAddrMask|dirFlags)
	}

	regions := l.Regions()
	ri := 0
	for p := uint64(0); p < pages; p++ {
		addr := p * PageSize
		for ri < len(regions) && regions[ri].End() <= addr {
			ri++
		}
		var access Access
		if ri < len(regions) && regions[ri].Contains(addr, PageSize) {
			access = regions[ri].Access
		}
		put(ptAt(p/512), p%512, leafEntry(addr, access))
	}

	return pml4, nil
}

func leafEntry(addr uint64, access Access) uint64 {
	if access == 0 {
		return 0
	}
	e := addr&pteAddrMask | PTEPresent | PTEAccessed
	if access&AccessWrite != 0 {
		e |= PTEWritable | PTEDirty
	}
	if access&AccessExec == 0 {
		e |= PTENoExec
	}
	return e
}

// Translate walks the page tables for a guest virtual address and returns
// the physical address and the leaf entry.
func Translate(m *GuestMemory, cr3, vaddr uint64) (uint64, uint64, error) {
	table := cr3 & pteAddrMask
	shifts := []uint{39, 30, 21, 12}
	var entry uint64
	for _, shift := range shifts {
		idx := (vaddr >> shift) & 511
		e, err := m.Uint64At(table + idx*8)
		if err != nil {
			return 0, 0, err
		}
		if e&PTEPresent == 0 {
			return 0, e, fmt.Errorf("%w: 0x%x not mapped at level %d", ErrOutOfBounds, vaddr, shift)
		}
		entry = e
		table = e & pteAddrMask
	}
	return table | vaddr&(PageSize-1), entry, nil
}
