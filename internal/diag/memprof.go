package diag

import (
	"sync"
)

// AllocStats summarizes the guest allocations traced since the last reset.
type AllocStats struct {
	Allocs         uint64 `json:"allocs"`
	Frees          uint64 `json:"frees"`
	BytesAllocated uint64 `json:"bytes_allocated"`
	LiveBytes      uint64 `json:"live_bytes"`
	LiveObjects    int    `json:"live_objects"`
	UnknownFrees   uint64 `json:"unknown_frees,omitempty"`
}

// AllocTracker counts the allocations a guest reports through its trace
// ports.
type AllocTracker struct {
	mu    sync.Mutex
	stats AllocStats
	live  map[uint64]uint64
}

// NewAllocTracker returns an empty tracker.
func NewAllocTracker() *AllocTracker {
	return &AllocTracker{live: make(map[uint64]uint64)}
}

// Alloc records size bytes allocated at ptr.
func (t *AllocTracker) Alloc(ptr, size uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stats.Allocs++
	t.stats.BytesAllocated += size
	if old, ok := t.live[ptr]; ok {
		t.stats.LiveBytes -= old
	}
	t.live[ptr] = size
	t.stats.LiveBytes += size
}

// Free records the release of ptr.
func (t *AllocTracker) Free(ptr uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stats.Frees++
	size, ok := t.live[ptr]
	if !ok {
		t.stats.UnknownFrees++
		return
	}
	delete(t.live, ptr)
	t.stats.LiveBytes -= size
}

// Stats returns a copy of the counters.
func (t *AllocTracker) Stats() AllocStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.stats
	s.LiveObjects = len(t.live)
	return s
}

// Reset forgets everything, as after the guest memory was restored.
func (t *AllocTracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stats = AllocStats{}
	clear(t.live)
}
