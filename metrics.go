package microvm

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/blacktop/go-microvm/internal/hv"
)

// Metric names emitted through the Recorder.
const (
	MetricGuestErrors       = "guest_errors_total"
	MetricGuestCancellations = "guest_cancellations_total"
	MetricGuestFaults       = "guest_faults_total"
	MetricGuestCallDuration = "guest_call_duration_seconds"
	MetricHostCallDuration  = "host_call_duration_seconds"
)

// Recorder receives sandbox metrics. Implementations must be safe for
// concurrent use; adapters to a metrics system live with the application.
type Recorder interface {
	IncCounter(name string)
	ObserveDuration(name string, d time.Duration)
}

// DurationSummary aggregates the observations of one histogram.
type DurationSummary struct {
	Count uint64        `json:"count"`
	Total time.Duration `json:"total"`
	Max   time.Duration `json:"max"`
}

// RecorderSnapshot is a point-in-time copy of an AtomicRecorder.
type RecorderSnapshot struct {
	Counters  map[string]uint64          `json:"counters"`
	Durations map[string]DurationSummary `json:"durations"`
}

// AtomicRecorder is the default in-process Recorder.
type AtomicRecorder struct {
	mu        sync.RWMutex
	counters  map[string]*atomic.Uint64
	durations map[string]*DurationSummary
}

// NewAtomicRecorder returns an empty recorder.
func NewAtomicRecorder() *AtomicRecorder {
	return &AtomicRecorder{
		counters:  make(map[string]*atomic.Uint64),
		durations: make(map[string]*DurationSummary),
	}
}

func (r *AtomicRecorder) IncCounter(name string) {
	r.mu.RLock()
	c, ok := r.counters[name]
	r.mu.RUnlock()
	if !ok {
		r.mu.Lock()
		if c, ok = r.counters[name]; !ok {
			c = new(atomic.Uint64)
			r.counters[name] = c
		}
		r.mu.Unlock()
	}
	c.Add(1)
}

func (r *AtomicRecorder) ObserveDuration(name string, d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.durations[name]
	if !ok {
		s = &DurationSummary{}
		r.durations[name] = s
	}
	s.Count++
	s.Total += d
	if d > s.Max {
		s.Max = d
	}
}

// Counter returns the current value of a counter.
func (r *AtomicRecorder) Counter(name string) uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if c, ok := r.counters[name]; ok {
		return c.Load()
	}
	return 0
}

// Snapshot copies every counter and histogram.
func (r *AtomicRecorder) Snapshot() RecorderSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s := RecorderSnapshot{
		Counters:  make(map[string]uint64, len(r.counters)),
		Durations: make(map[string]DurationSummary, len(r.durations)),
	}
	for name, c := range r.counters {
		s.Counters[name] = c.Load()
	}
	for name, d := range r.durations {
		s.Durations[name] = *d
	}
	return s
}

// Names returns the names of every metric seen so far.
func (s RecorderSnapshot) Names() []string {
	var names []string
	for n := range s.Counters {
		names = append(names, n)
	}
	for n := range s.Durations {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

var (
	recorder   Recorder = NewAtomicRecorder()
	recorderMu sync.RWMutex
)

// SetRecorder replaces the process-wide recorder.
func SetRecorder(r Recorder) {
	if r == nil {
		r = NewAtomicRecorder()
	}
	recorderMu.Lock()
	recorder = r
	recorderMu.Unlock()
}

// DefaultRecorder returns the process-wide recorder.
func DefaultRecorder() Recorder {
	recorderMu.RLock()
	defer recorderMu.RUnlock()
	return recorder
}

// Metrics are the hypervisor operation counters: partitions created and
// destroyed, memory maps, register operations, runs and errors.
type Metrics = hv.Metrics

// GetMetrics returns current hypervisor metrics
func GetMetrics() Metrics {
	return hv.GetMetrics()
}

// ResetMetrics clears all hypervisor metrics
func ResetMetrics() {
	hv.ResetMetrics()
}
