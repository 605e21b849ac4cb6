package microvm

import (
	"io"
	"path/filepath"

	"github.com/blacktop/go-microvm/internal/mem"
)

// Guest is a loaded guest binary. It is immutable and may back any number
// of sandboxes.
type Guest struct {
	name  string
	image *mem.Image
}

// GuestFromFile loads an ELF64 x86-64 guest from path.
func GuestFromFile(path string) (*Guest, error) {
	img, err := mem.LoadELFFile(path)
	if err != nil {
		return nil, newError(KindSetup, "load guest", err, "%s", path)
	}
	return &Guest{name: filepath.Base(path), image: img}, nil
}

// GuestFromELF loads an ELF64 x86-64 guest from r.
func GuestFromELF(name string, r io.ReaderAt) (*Guest, error) {
	img, err := mem.LoadELF(r)
	if err != nil {
		return nil, newError(KindSetup, "load guest", err, "%s", name)
	}
	return &Guest{name: name, image: img}, nil
}

// GuestFromFlat wraps raw machine code loaded at the code base, entered at
// offset entry.
func GuestFromFlat(name string, code []byte, entry uint64) (*Guest, error) {
	img, err := mem.FlatImage(code, entry)
	if err != nil {
		return nil, newError(KindSetup, "load guest", err, "%s", name)
	}
	return &Guest{name: name, image: img}, nil
}

// Name returns the guest's name.
func (g *Guest) Name() string { return g.name }

// CodeSize returns the size of the loaded code in bytes.
func (g *Guest) CodeSize() int { return len(g.image.Code) }

// Symbols returns the guest's function symbols.
func (g *Guest) Symbols() []mem.Symbol { return g.image.Symbols }
