package mem

import (
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
)

// ErrInvalidImage is returned for guest binaries that cannot be loaded.
var ErrInvalidImage = errors.New("mem: invalid guest image")

// Symbol is a function symbol of the guest image, relative to CodeBase.
type Symbol struct {
	Name string `json:"name"`
	Addr uint64 `json:"addr"`
	Size uint64 `json:"size"`
}

// Image is a guest binary flattened into the bytes of the code region.
type Image struct {
	// Code is copied verbatim to CodeBase.
	Code []byte
	// Entry is the offset of the init entry point within Code.
	Entry uint64
	// Symbols are sorted by address.
	Symbols []Symbol
}

// EntryAddr returns the guest address of the entry point.
func (img *Image) EntryAddr() uint64 {
	return CodeBase + img.Entry
}

// Lookup symbolizes a guest address.
func (img *Image) Lookup(addr uint64) (string, uint64, bool) {
	if img == nil || addr < CodeBase {
		return "", 0, false
	}
	rel := addr - CodeBase
	i := sort.Search(len(img.Symbols), func(i int) bool { return img.Symbols[i].Addr > rel }) - 1
	if i < 0 {
		return "", 0, false
	}
	s := img.Symbols[i]
	if s.Size != 0 && rel >= s.Addr+s.Size {
		return "", 0, false
	}
	return s.Name, rel - s.Addr, true
}

// FlatImage wraps raw machine code whose entry point is at entry.
func FlatImage(code []byte, entry uint64) (*Image, error) {
	if len(code) == 0 {
		return nil, fmt.Errorf("%w: empty code", ErrInvalidImage)
	}
	if entry >= uint64(len(code)) {
		return nil, fmt.Errorf("%w: entry 0x%x beyond code size 0x%x", ErrInvalidImage, entry, len(code))
	}
	return &Image{Code: append([]byte(nil), code...), Entry: entry}, nil
}

// LoadELFFile opens and loads an ELF guest.
func LoadELFFile(path string) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return LoadELF(f)
}

const rX86_64Relative = 8

// LoadELF loads an x86-64 ELF64 guest. ET_EXEC images must be linked at
// CodeBase; ET_DYN images are relocated there, supporting only
// R_X86_64_RELATIVE relocations.
func LoadELF(r io.ReaderAt) (*Image, error) {
	f, err := elf.NewFile(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}
	defer f.Close()

	if f.Class != elf.ELFCLASS64 || f.Machine != elf.EM_X86_64 {
		return nil, fmt.Errorf("%w: need ELF64 x86-64, got %v %v", ErrInvalidImage, f.Class, f.Machine)
	}
	if f.Type != elf.ET_EXEC && f.Type != elf.ET_DYN {
		return nil, fmt.Errorf("%w: unsupported ELF type %v", ErrInvalidImage, f.Type)
	}

	lo, hi := ^uint64(0), uint64(0)
	for _, p := range f.Progs {
		if p.Type != elf.PT_LOAD || p.Memsz == 0 {
			continue
		}
		lo = min(lo, p.Vaddr)
		hi = max(hi, p.Vaddr+p.Memsz)
	}
	if hi == 0 {
		return nil, fmt.Errorf("%w: no loadable segments", ErrInvalidImage)
	}
	lo &^= PageSize - 1

	// Where the lowest segment ends up in the guest.
	loadAddr := lo
	if f.Type == elf.ET_DYN {
		loadAddr = CodeBase
	} else if lo != CodeBase {
		return nil, fmt.Errorf("%w: executable linked at 0x%x, must be linked at 0x%x", ErrInvalidImage, lo, CodeBase)
	}

	code := make([]byte, hi-lo)
	for _, p := range f.Progs {
		if p.Type != elf.PT_LOAD || p.Filesz == 0 {
			continue
		}
		if p.Filesz > p.Memsz {
			return nil, fmt.Errorf("%w: segment filesz 0x%x exceeds memsz 0x%x", ErrInvalidImage, p.Filesz, p.Memsz)
		}
		if _, err := p.ReadAt(code[p.Vaddr-lo:p.Vaddr-lo+p.Filesz], 0); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: read segment at 0x%x: %v", ErrInvalidImage, p.Vaddr, err)
		}
	}

	if f.Type == elf.ET_DYN {
		if err := relocate(f, code, lo, loadAddr); err != nil {
			return nil, err
		}
	}

	if f.Entry < lo || f.Entry >= hi {
		return nil, fmt.Errorf("%w: entry 0x%x outside loaded segments", ErrInvalidImage, f.Entry)
	}

	return &Image{
		Code:    code,
		Entry:   f.Entry - lo,
		Symbols: symbols(f, lo),
	}, nil
}

func relocate(f *elf.File, code []byte, lo, loadAddr uint64) error {
	for _, s := range f.Sections {
		if s.Type != elf.SHT_RELA {
			continue
		}
		data, err := s.Data()
		if err != nil {
			return fmt.Errorf("%w: read %s: %v", ErrInvalidImage, s.Name, err)
		}
		for off := 0; off+24 <= len(data); off += 24 {
			rOff := binary.LittleEndian.Uint64(data[off:])
			info := binary.LittleEndian.Uint64(data[off+8:])
			addend := int64(binary.LittleEndian.Uint64(data[off+16:]))
			typ := uint32(info)
			if typ == 0 {
				continue
			}
			if typ != rX86_64Relative {
				return fmt.Errorf("%w: unsupported relocation %v in %s", ErrInvalidImage, elf.R_X86_64(typ), s.Name)
			}
			if rOff < lo || rOff-lo+8 > uint64(len(code)) {
				return fmt.Errorf("%w: relocation at 0x%x outside image", ErrInvalidImage, rOff)
			}
			binary.LittleEndian.PutUint64(code[rOff-lo:], uint64(int64(loadAddr)+addend-int64(lo)))
		}
	}
	return nil
}

func symbols(f *elf.File, lo uint64) []Symbol {
	syms, err := f.Symbols()
	if err != nil {
		return nil
	}
	var out []Symbol
	for _, s := range syms {
		if elf.ST_TYPE(s.Info) != elf.STT_FUNC || s.Value < lo || s.Name == "" {
			continue
		}
		out = append(out, Symbol{Name: s.Name, Addr: s.Value - lo, Size: s.Size})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Addr < out[j].Addr })
	return out
}

// Load copies the image into the code region.
func (m *GuestMemory) Load(img *Image) error {
	if uint64(len(img.Code)) > m.layout.Code.Size {
		return fmt.Errorf("%w: image of 0x%x bytes exceeds code region 0x%x", ErrInvalidLayout, len(img.Code), m.layout.Code.Size)
	}
	dst, err := m.RegionBytes(m.layout.Code)
	if err != nil {
		return err
	}
	clear(dst)
	copy(dst, img.Code)
	return nil
}
