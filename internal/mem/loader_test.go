package mem_test

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"testing"

	"github.com/blacktop/go-microvm/internal/mem"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildELF assembles a minimal ELF64 image with one PT_LOAD segment and no
// section headers.
func buildELF(t *testing.T, typ elf.Type, vaddr, entry uint64, code []byte, memsz uint64) []byte {
	t.Helper()
	const ehsize, phsize = 64, 56
	var b bytes.Buffer
	le := binary.LittleEndian

	hdr := elf.Header64{
		Type:      uint16(typ),
		Machine:   uint16(elf.EM_X86_64),
		Version:   uint32(elf.EV_CURRENT),
		Entry:     entry,
		Phoff:     ehsize,
		Ehsize:    ehsize,
		Phentsize: phsize,
		Phnum:     1,
	}
	copy(hdr.Ident[:], elf.ELFMAG)
	hdr.Ident[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	hdr.Ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	hdr.Ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)
	require.NoError(t, binary.Write(&b, le, hdr))

	prog := elf.Prog64{
		Type:   uint32(elf.PT_LOAD),
		Flags:  uint32(elf.PF_R | elf.PF_X),
		Off:    ehsize + phsize,
		Vaddr:  vaddr,
		Paddr:  vaddr,
		Filesz: uint64(len(code)),
		Memsz:  memsz,
		Align:  mem.PageSize,
	}
	require.NoError(t, binary.Write(&b, le, prog))
	b.Write(code)
	return b.Bytes()
}

func TestLoadELFExecutable(t *testing.T) {
	code := []byte{0x90, 0x90, 0xf4} // nop; nop; hlt
	raw := buildELF(t, elf.ET_EXEC, mem.CodeBase, mem.CodeBase+1, code, 0x20)

	img, err := mem.LoadELF(bytes.NewReader(raw))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), img.Entry)
	assert.Equal(t, uint64(mem.CodeBase+1), img.EntryAddr())
	require.Len(t, img.Code, 0x20)
	assert.Equal(t, code, img.Code[:3])
	assert.Equal(t, make([]byte, 0x20-3), img.Code[3:], "bss is zeroed")
}

func TestLoadELFRejects(t *testing.T) {
	code := []byte{0xf4}
	tests := []struct {
		name string
		raw  []byte
	}{
		{name: "garbage", raw: []byte("not an elf")},
		{name: "wrong link address", raw: buildELF(t, elf.ET_EXEC, 0x400000, 0x400000, code, 1)},
		{name: "entry outside", raw: buildELF(t, elf.ET_EXEC, mem.CodeBase, mem.CodeBase+0x100, code, 1)},
		{name: "relocatable object", raw: buildELF(t, elf.ET_REL, mem.CodeBase, mem.CodeBase, code, 1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := mem.LoadELF(bytes.NewReader(tt.raw))
			assert.ErrorIs(t, err, mem.ErrInvalidImage)
		})
	}
}

func TestLoadELFPositionIndependent(t *testing.T) {
	raw := buildELF(t, elf.ET_DYN, 0, 0x10, make([]byte, 0x20), 0x20)
	img, err := mem.LoadELF(bytes.NewReader(raw))
	require.NoError(t, err)
	assert.Equal(t, uint64(0x10), img.Entry)
	assert.Equal(t, uint64(mem.CodeBase+0x10), img.EntryAddr())
}

func TestFlatImage(t *testing.T) {
	_, err := mem.FlatImage(nil, 0)
	assert.ErrorIs(t, err, mem.ErrInvalidImage)
	_, err = mem.FlatImage([]byte{0xf4}, 1)
	assert.ErrorIs(t, err, mem.ErrInvalidImage)

	src := []byte{0xf4}
	img, err := mem.FlatImage(src, 0)
	require.NoError(t, err)
	src[0] = 0
	assert.Equal(t, byte(0xf4), img.Code[0], "image owns its bytes")
}

func TestImageLookup(t *testing.T) {
	img := &mem.Image{
		Code: make([]byte, 0x100),
		Symbols: []mem.Symbol{
			{Name: "entry", Addr: 0x0, Size: 0x10},
			{Name: "dispatch", Addr: 0x40, Size: 0x40},
		},
	}

	name, off, ok := img.Lookup(mem.CodeBase + 0x48)
	require.True(t, ok)
	assert.Equal(t, "dispatch", name)
	assert.Equal(t, uint64(8), off)

	_, _, ok = img.Lookup(mem.CodeBase + 0x20)
	assert.False(t, ok, "gap between symbols")
	_, _, ok = img.Lookup(0x10)
	assert.False(t, ok)
}

func TestGuestMemoryLoad(t *testing.T) {
	m := newMemory(t)
	img, err := mem.FlatImage([]byte{0x90, 0xf4}, 1)
	require.NoError(t, err)
	require.NoError(t, m.Load(img))

	got := make([]byte, 2)
	_, err = m.ReadAt(got, mem.CodeBase)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x90, 0xf4}, got)

	big := &mem.Image{Code: make([]byte, m.Layout().Code.Size+1)}
	assert.ErrorIs(t, m.Load(big), mem.ErrInvalidLayout)
}

func TestWritePEB(t *testing.T) {
	m := newMemory(t)
	l := m.Layout()
	require.NoError(t, mem.WritePEB(m, mem.PEBParams{MaxLogLevel: 2, Seed: 99}))

	for off, want := range map[uint64]uint64{
		mem.PEBMagicOff:       mem.PEBMagic,
		mem.PEBVersionOff:     mem.ABIVersion,
		mem.PEBInputAddrOff:   l.Input.Offset,
		mem.PEBOutputSizeOff:  l.Output.Size,
		mem.PEBStackTopOff:    l.StackTop(),
		mem.PEBGuardAddrOff:   l.Guard.Offset,
		mem.PEBMaxLogLevelOff: 2,
		mem.PEBSeedOff:        99,
	} {
		got, err := m.PEBField(off)
		require.NoError(t, err)
		assert.Equal(t, want, got, "field 0x%x", off)
	}

	_, err := m.DispatchFunction()
	assert.Error(t, err, "dispatch not registered yet")

	require.NoError(t, m.SetPEBField(mem.PEBDispatchOff, l.Heap.Offset))
	_, err = m.DispatchFunction()
	assert.ErrorIs(t, err, mem.ErrOutOfBounds)

	require.NoError(t, m.SetPEBField(mem.PEBDispatchOff, mem.CodeBase+0x40))
	fn, err := m.DispatchFunction()
	require.NoError(t, err)
	assert.Equal(t, uint64(mem.CodeBase+0x40), fn)

	_, err = m.PEBField(0x80)
	assert.ErrorIs(t, err, mem.ErrOutOfBounds)
}
