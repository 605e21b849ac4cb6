package wire

import (
	"encoding/binary"
	"fmt"
)

// StackHeaderSize is the size of the stack pointer stored at the start of a
// region.
const StackHeaderSize = 8

// Stack is a LIFO of records laid out inside a shared memory region.
//
// Bytes [0:8) hold the offset of the next free byte. Every record is followed
// by an 8-byte back pointer holding the offset at which the record starts.
// Exactly one side owns the region at any time; Stack does no locking.
type Stack struct {
	buf []byte
}

// NewStack wraps region. The region must be at least StackHeaderSize bytes.
func NewStack(region []byte) (*Stack, error) {
	if len(region) < StackHeaderSize {
		return nil, fmt.Errorf("%w: region of %d bytes cannot hold a stack", ErrBufferTooSmall, len(region))
	}
	return &Stack{buf: region}, nil
}

// Init clears the region and resets the stack pointer.
func (s *Stack) Init() {
	clear(s.buf)
	binary.LittleEndian.PutUint64(s.buf[0:8], StackHeaderSize)
}

// Capacity returns the size of the region.
func (s *Stack) Capacity() int {
	return len(s.buf)
}

func (s *Stack) pointer() (uint64, error) {
	sp := binary.LittleEndian.Uint64(s.buf[0:8])
	if sp < StackHeaderSize || sp > uint64(len(s.buf)) {
		return 0, fmt.Errorf("%w: stack pointer 0x%x outside region of %d bytes", ErrProtocol, sp, len(s.buf))
	}
	return sp, nil
}

// Len returns the number of bytes in use, including the header.
func (s *Stack) Len() (int, error) {
	sp, err := s.pointer()
	return int(sp), err
}

// Empty reports whether no records are on the stack.
func (s *Stack) Empty() bool {
	sp, err := s.pointer()
	return err == nil && sp == StackHeaderSize
}

// Push appends record. When the record and its back pointer do not fit in the
// remaining space Push returns ErrBufferTooSmall and the region is untouched.
func (s *Stack) Push(record []byte) error {
	sp, err := s.pointer()
	if err != nil {
		return err
	}
	need := uint64(len(record)) + 8
	if need > uint64(len(s.buf))-sp {
		return fmt.Errorf("%w: record of %d bytes, %d of %d bytes free", ErrBufferTooSmall, len(record), uint64(len(s.buf))-sp, len(s.buf))
	}
	copy(s.buf[sp:], record)
	binary.LittleEndian.PutUint64(s.buf[sp+uint64(len(record)):], sp)
	binary.LittleEndian.PutUint64(s.buf[0:8], sp+need)
	return nil
}

// Peek returns a copy of the top record without removing it.
func (s *Stack) Peek() ([]byte, error) {
	start, end, err := s.top()
	if err != nil {
		return nil, err
	}
	out := make([]byte, end-start)
	copy(out, s.buf[start:end])
	return out, nil
}

// Pop removes the top record and returns a copy of it. The popped bytes are
// zeroed.
func (s *Stack) Pop() ([]byte, error) {
	start, end, err := s.top()
	if err != nil {
		return nil, err
	}
	out := make([]byte, end-start)
	copy(out, s.buf[start:end])
	clear(s.buf[start : end+8])
	binary.LittleEndian.PutUint64(s.buf[0:8], start)
	return out, nil
}

func (s *Stack) top() (start, end uint64, err error) {
	sp, err := s.pointer()
	if err != nil {
		return 0, 0, err
	}
	if sp < StackHeaderSize+8 {
		return 0, 0, fmt.Errorf("%w: stack is empty", ErrProtocol)
	}
	end = sp - 8
	start = binary.LittleEndian.Uint64(s.buf[end:sp])
	if start < StackHeaderSize || start > end {
		return 0, 0, fmt.Errorf("%w: back pointer 0x%x outside [0x%x, 0x%x]", ErrProtocol, start, StackHeaderSize, end)
	}
	return start, end, nil
}

// PushFunctionCall encodes fc and pushes it.
func (s *Stack) PushFunctionCall(fc FunctionCall) error {
	rec, err := MarshalFunctionCall(fc)
	if err != nil {
		return err
	}
	return s.Push(rec)
}

// PopFunctionCall pops and decodes a function call.
func (s *Stack) PopFunctionCall() (FunctionCall, error) {
	rec, err := s.Pop()
	if err != nil {
		return FunctionCall{}, err
	}
	return UnmarshalFunctionCall(rec)
}

// PushResult encodes r and pushes it.
func (s *Stack) PushResult(r FunctionCallResult) error {
	rec, err := MarshalFunctionCallResult(r)
	if err != nil {
		return err
	}
	return s.Push(rec)
}

// PopResult pops and decodes a function call result.
func (s *Stack) PopResult() (FunctionCallResult, error) {
	rec, err := s.Pop()
	if err != nil {
		return FunctionCallResult{}, err
	}
	return UnmarshalFunctionCallResult(rec)
}

// PushLog encodes l and pushes it.
func (s *Stack) PushLog(l GuestLogData) error {
	rec, err := MarshalGuestLogData(l)
	if err != nil {
		return err
	}
	return s.Push(rec)
}

// PopLog pops and decodes a guest log record.
func (s *Stack) PopLog() (GuestLogData, error) {
	rec, err := s.Pop()
	if err != nil {
		return GuestLogData{}, err
	}
	return UnmarshalGuestLogData(rec)
}

// PushText encodes str and pushes it.
func (s *Stack) PushText(str string) error {
	rec, err := MarshalText(str)
	if err != nil {
		return err
	}
	return s.Push(rec)
}

// PopText pops and decodes a text record.
func (s *Stack) PopText() (string, error) {
	rec, err := s.Pop()
	if err != nil {
		return "", err
	}
	return UnmarshalText(rec)
}
