package diag

import (
	"errors"
	"fmt"

	"github.com/blacktop/go-microvm/internal/mem"
)

// DefaultMaxFrames bounds an unwind.
const DefaultMaxFrames = 64

var errFrameChain = errors.New("diag: broken frame chain")

// MemoryReader reads guest memory with bounds checks.
type MemoryReader interface {
	Uint64At(addr uint64) (uint64, error)
}

// Symbolizer resolves a guest address to a symbol.
type Symbolizer interface {
	Lookup(addr uint64) (name string, offset uint64, ok bool)
}

// Frame is one entry of an unwound guest stack. Frame 0 is the faulting
// instruction, the others are return addresses.
type Frame struct {
	Addr   uint64 `json:"addr"`
	Symbol string `json:"symbol,omitempty"`
	Offset uint64 `json:"offset,omitempty"`
}

func (f Frame) String() string {
	if f.Symbol == "" {
		return fmt.Sprintf("0x%x", f.Addr)
	}
	return fmt.Sprintf("0x%x %s+0x%x", f.Addr, f.Symbol, f.Offset)
}

// Unwind follows the rbp chain inside stack. Each frame stores the caller's
// rbp at [rbp] and the return address at [rbp+8]; the chain must move
// strictly towards the stack top. The frames collected before a broken link
// are returned together with the error.
func Unwind(m MemoryReader, stack mem.Region, rip, rbp uint64, maxFrames int) ([]Frame, error) {
	if maxFrames <= 0 {
		maxFrames = DefaultMaxFrames
	}
	frames := []Frame{{Addr: rip}}
	for len(frames) < maxFrames {
		if rbp == 0 {
			return frames, nil
		}
		if !stack.Contains(rbp, 16) {
			return frames, fmt.Errorf("%w: rbp 0x%x outside stack", errFrameChain, rbp)
		}
		ret, err := m.Uint64At(rbp + 8)
		if err != nil {
			return frames, err
		}
		next, err := m.Uint64At(rbp)
		if err != nil {
			return frames, err
		}
		if ret == 0 {
			return frames, nil
		}
		frames = append(frames, Frame{Addr: ret})
		if next != 0 && next <= rbp {
			return frames, fmt.Errorf("%w: rbp 0x%x does not move up from 0x%x", errFrameChain, next, rbp)
		}
		rbp = next
	}
	return frames, nil
}

// Symbolize fills in symbol names in place.
func Symbolize(frames []Frame, s Symbolizer) {
	for i := range frames {
		addr := frames[i].Addr
		// Return addresses point past the call.
		if i > 0 && addr > 0 {
			addr--
		}
		if name, off, ok := s.Lookup(addr); ok {
			frames[i].Symbol = name
			frames[i].Offset = off
			if i > 0 {
				frames[i].Offset++
			}
		}
	}
}
