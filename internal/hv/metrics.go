package hv

import (
	"sync/atomic"
	"time"
)

// Operation metrics for monitoring hypervisor backends
var (
	// Operation counters
	partitionCreateCount  uint64
	partitionDestroyCount uint64
	mapOperations         uint64
	unmapOperations       uint64
	registerOps           uint64
	runOperations         uint64
	interruptCount        uint64

	// Timing metrics (nanoseconds)
	totalCreateTime uint64
	totalRunTime    uint64

	// Error counters
	permissionErrors uint64
	resourceErrors   uint64
)

// Metrics is a point-in-time copy of the backend counters.
type Metrics struct {
	PartitionsCreated   uint64 `json:"partitions_created"`
	PartitionsDestroyed uint64 `json:"partitions_destroyed"`
	MapOperations       uint64 `json:"map_operations"`
	UnmapOperations     uint64 `json:"unmap_operations"`
	RegisterOps         uint64 `json:"register_operations"`
	RunOperations       uint64 `json:"run_operations"`
	Interrupts          uint64 `json:"interrupts"`
	AvgCreateTimeNs     uint64 `json:"avg_create_time_ns"`
	AvgRunTimeNs        uint64 `json:"avg_run_time_ns"`
	PermissionErrors    uint64 `json:"permission_errors"`
	ResourceErrors      uint64 `json:"resource_errors"`
}

// GetMetrics returns current backend metrics
func GetMetrics() Metrics {
	created := atomic.LoadUint64(&partitionCreateCount)
	runs := atomic.LoadUint64(&runOperations)

	var avgCreate, avgRun uint64
	if created > 0 {
		avgCreate = atomic.LoadUint64(&totalCreateTime) / created
	}
	if runs > 0 {
		avgRun = atomic.LoadUint64(&totalRunTime) / runs
	}

	return Metrics{
		PartitionsCreated:   created,
		PartitionsDestroyed: atomic.LoadUint64(&partitionDestroyCount),
		MapOperations:       atomic.LoadUint64(&mapOperations),
		UnmapOperations:     atomic.LoadUint64(&unmapOperations),
		RegisterOps:         atomic.LoadUint64(&registerOps),
		RunOperations:       runs,
		Interrupts:          atomic.LoadUint64(&interruptCount),
		AvgCreateTimeNs:     avgCreate,
		AvgRunTimeNs:        avgRun,
		PermissionErrors:    atomic.LoadUint64(&permissionErrors),
		ResourceErrors:      atomic.LoadUint64(&resourceErrors),
	}
}

// ResetMetrics clears all backend metrics
func ResetMetrics() {
	for _, p := range []*uint64{
		&partitionCreateCount, &partitionDestroyCount,
		&mapOperations, &unmapOperations, &registerOps,
		&runOperations, &interruptCount,
		&totalCreateTime, &totalRunTime,
		&permissionErrors, &resourceErrors,
	} {
		atomic.StoreUint64(p, 0)
	}
}

// RecordCreate is exported for backends living outside this package, such
// as test doubles, so their activity shows up in the same counters.
func RecordCreate(d time.Duration) {
	atomic.AddUint64(&partitionCreateCount, 1)
	atomic.AddUint64(&totalCreateTime, uint64(d.Nanoseconds()))
}

// RecordDestroy counts a closed partition.
func RecordDestroy() {
	atomic.AddUint64(&partitionDestroyCount, 1)
}

// RecordRun counts one vCPU run.
func RecordRun(d time.Duration) {
	atomic.AddUint64(&runOperations, 1)
	atomic.AddUint64(&totalRunTime, uint64(d.Nanoseconds()))
}

func recordMap() {
	atomic.AddUint64(&mapOperations, 1)
}

func recordUnmap() {
	atomic.AddUint64(&unmapOperations, 1)
}

func recordRegisterOp() {
	atomic.AddUint64(&registerOps, 1)
}

func recordInterrupt() {
	atomic.AddUint64(&interruptCount, 1)
}

// recordError classifies a failed operation.
func recordError(err error) {
	if err == nil {
		return
	}
	if he, ok := err.(*HVError); ok && he.Is(ErrPermissionDenied) {
		atomic.AddUint64(&permissionErrors, 1)
		return
	}
	atomic.AddUint64(&resourceErrors, 1)
}
