package microvm

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAtomicRecorder(t *testing.T) {
	r := NewAtomicRecorder()
	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.IncCounter("calls")
			r.ObserveDuration("latency", time.Millisecond)
		}()
	}
	wg.Wait()
	r.ObserveDuration("latency", 5*time.Millisecond)

	snap := r.Snapshot()
	assert.Equal(t, uint64(10), snap.Counters["calls"])
	assert.Equal(t, uint64(10), r.Counter("calls"))
	assert.Equal(t, DurationSummary{Count: 11, Total: 15 * time.Millisecond, Max: 5 * time.Millisecond}, snap.Durations["latency"])
	assert.Equal(t, []string{"calls", "latency"}, snap.Names())
	assert.Zero(t, r.Counter("missing"))
}

func TestSandboxMetrics(t *testing.T) {
	rec := NewAtomicRecorder()
	SetRecorder(rec)
	t.Cleanup(func() { SetRecorder(nil) })

	cfg := testConfig()
	cfg.MaxExecutionTime = 50 * time.Millisecond
	sb := newTestSandbox(t, cfg)
	ctx := context.Background()

	_, err := sb.Call(ctx, "add", TagI32, int32(1), int32(2))
	require.NoError(t, err)
	_, err = sb.Call(ctx, "fail", TagVoid)
	require.Error(t, err)
	_, err = sb.Call(ctx, "spin", TagVoid, int64(0))
	require.Error(t, err)
	_, err = sb.Call(ctx, "guard", TagVoid)
	require.Error(t, err)

	snap := rec.Snapshot()
	assert.Equal(t, uint64(1), snap.Counters[MetricGuestErrors])
	assert.Equal(t, uint64(1), snap.Counters[MetricGuestCancellations])
	assert.Equal(t, uint64(1), snap.Counters[MetricGuestFaults])
	assert.Equal(t, uint64(4), snap.Durations[MetricGuestCallDuration].Count)
	assert.Equal(t, uint64(1), snap.Durations[MetricHostCallDuration].Count)
}

func TestHypervisorMetrics(t *testing.T) {
	ResetMetrics()
	sb := newTestSandbox(t, testConfig())
	_, err := sb.Call(context.Background(), "echo", TagString, "x")
	require.NoError(t, err)

	m := GetMetrics()
	assert.Equal(t, uint64(1), m.PartitionsCreated)
	assert.NotZero(t, m.RunOperations)
}
