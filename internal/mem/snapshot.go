package mem

import (
	"errors"
	"fmt"
	"time"
)

// ErrSnapshotMismatch is returned when restoring a snapshot into memory it
// was not taken from.
var ErrSnapshotMismatch = errors.New("mem: snapshot does not belong to this memory")

// Snapshot is a full copy of guest memory.
type Snapshot struct {
	memoryID uint64
	layout   Layout
	data     []byte
	taken    time.Time
}

// MemoryID returns the ID of the memory the snapshot was taken from.
func (s *Snapshot) MemoryID() uint64 { return s.memoryID }

// Taken returns when the snapshot was created.
func (s *Snapshot) Taken() time.Time { return s.taken }

// Size returns the snapshot size in bytes.
func (s *Snapshot) Size() int { return len(s.data) }

// Snapshot copies the whole guest memory.
func (m *GuestMemory) Snapshot() (*Snapshot, error) {
	if m.buf == nil {
		return nil, ErrClosed
	}
	data := make([]byte, len(m.buf))
	copy(data, m.buf)
	return &Snapshot{
		memoryID: m.id,
		layout:   m.layout,
		data:     data,
		taken:    time.Now(),
	}, nil
}

// Restore re-images guest memory from s.
func (m *GuestMemory) Restore(s *Snapshot) error {
	if m.buf == nil {
		return ErrClosed
	}
	if s == nil {
		return fmt.Errorf("%w: nil snapshot", ErrSnapshotMismatch)
	}
	if s.memoryID != m.id || len(s.data) != len(m.buf) || s.layout != m.layout {
		return fmt.Errorf("%w: snapshot of memory %d, this is memory %d", ErrSnapshotMismatch, s.memoryID, m.id)
	}
	copy(m.buf, s.data)
	return nil
}
