package stats

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"syncstress/internal/consistency"
	"syncstress/internal/transport"
)

func op(kind transport.OpKind, success bool, errKind transport.ErrorKind, latency time.Duration) Operation {
	start := time.Now()
	return Operation{
		Kind:    kind,
		Key:     "k",
		Start:   start,
		End:     start.Add(latency),
		Success: success,
		ErrKind: errKind,
	}
}

type countingObserver struct {
	mu    sync.Mutex
	ops   int
	reads map[consistency.Verdict]int
}

func (o *countingObserver) Observe(op Operation, v consistency.Verdict) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.ops++
	if op.Kind == transport.OpRead {
		o.reads[v]++
	}
}

func TestAggregator_CountsPerKindAndVerdict(t *testing.T) {
	obs := &countingObserver{reads: map[consistency.Verdict]int{}}
	a := NewAggregator(obs)

	a.Record(op(transport.OpWrite, true, "", 2*time.Millisecond), consistency.Unknown)
	a.Record(op(transport.OpWrite, false, transport.ErrTransportTimeout, time.Second), consistency.Unknown)
	a.Record(op(transport.OpRead, true, "", time.Millisecond), consistency.Fresh)
	a.Record(op(transport.OpRead, true, "", time.Millisecond), consistency.StaleButTolerated)
	a.Record(op(transport.OpRead, true, "", time.Millisecond), consistency.Violated)
	a.Record(op(transport.OpRead, false, transport.ErrTransportConnection, time.Millisecond), consistency.Unknown)

	r := a.Snapshot(time.Now())
	assert.Equal(t, StatusRunning, r.Status)
	assert.Equal(t, uint64(2), r.Writes.Count)
	assert.Equal(t, uint64(1), r.Writes.Success)
	assert.Equal(t, uint64(1), r.Writes.Failure)
	assert.Equal(t, uint64(1), r.Writes.Errors["TransportTimeout"])
	assert.Equal(t, uint64(4), r.Reads.Count)
	assert.Equal(t, uint64(1), r.Reads.Errors["TransportConnectionError"])
	assert.Equal(t, VerdictCounts{Fresh: 1, StaleButTolerated: 1, Violated: 1, Unknown: 1}, r.Verdicts)

	assert.Equal(t, uint64(6), r.TotalOps)
	assert.InDelta(t, 2.0/6.0, r.ErrorRate, 1e-9)
	assert.InDelta(t, 1.0/3.0, r.ViolationRate, 1e-9)

	assert.Equal(t, 6, obs.ops)
	assert.Equal(t, 1, obs.reads[consistency.Violated])
}

func TestAggregator_Latency(t *testing.T) {
	a := NewAggregator(nil)
	for i := 1; i <= 100; i++ {
		a.Record(op(transport.OpRead, true, "", time.Duration(i)*time.Millisecond), consistency.Fresh)
	}

	l := a.Snapshot(time.Now()).Reads.Latency
	assert.Equal(t, int64(100), l.Count)
	assert.InDelta(t, 50, l.P50Ms, 1)
	assert.InDelta(t, 99, l.P99Ms, 1)
	assert.InDelta(t, 100, l.MaxMs, 1)
	assert.True(t, l.P50Ms <= l.P90Ms && l.P90Ms <= l.P99Ms && l.P99Ms <= l.MaxMs)
}

func TestAggregator_NoJudgedReadsMeansZeroViolationRate(t *testing.T) {
	a := NewAggregator(nil)
	a.Record(op(transport.OpRead, false, transport.ErrTransportTimeout, time.Millisecond), consistency.Unknown)

	r := a.Snapshot(time.Now())
	assert.Zero(t, r.ViolationRate)
	assert.Equal(t, 1.0, r.ErrorRate)
}

func TestAggregator_ConcurrentRecord(t *testing.T) {
	a := NewAggregator(nil)
	const workers, perWorker = 32, 500

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				a.Record(op(transport.OpWrite, true, "", time.Microsecond), consistency.Unknown)
				a.Record(op(transport.OpRead, true, "", time.Microsecond), consistency.Fresh)
			}
		}()
	}
	wg.Wait()

	r := a.Snapshot(time.Now())
	assert.Equal(t, uint64(workers*perWorker), r.Writes.Count)
	assert.Equal(t, uint64(workers*perWorker), r.Reads.Count)
	assert.Equal(t, uint64(workers*perWorker), r.Verdicts.Fresh)
	assert.Equal(t, int64(workers*perWorker), r.Reads.Latency.Count)
}

func TestAggregator_SteadyWindowOnlyCountsSteadyOps(t *testing.T) {
	a := NewAggregator(nil)
	start := time.Now()

	a.MarkPhase(PhaseRampUp, start)
	a.Record(op(transport.OpWrite, true, "", time.Millisecond), consistency.Unknown)

	a.MarkPhase(PhaseSteady, start.Add(time.Second))
	for i := 0; i < 10; i++ {
		a.Record(op(transport.OpRead, true, "", time.Millisecond), consistency.Fresh)
	}
	a.MarkPhase(PhaseRampDown, start.Add(3*time.Second))
	a.Record(op(transport.OpWrite, true, "", time.Millisecond), consistency.Unknown)

	r := a.Snapshot(start.Add(10 * time.Second))
	assert.Equal(t, uint64(10), r.Steady.Ops)
	assert.InDelta(t, 2.0, r.Steady.Seconds, 1e-9)
	assert.InDelta(t, 5.0, r.Steady.Throughput, 1e-9)
	assert.InDelta(t, 5.0, r.Steady.ReadThroughput, 1e-9)
	assert.Zero(t, r.Steady.WriteThroughput)
	assert.Equal(t, uint64(12), r.TotalOps)
}

func TestAggregator_FinalizeFreezes(t *testing.T) {
	a := NewAggregator(nil)
	started := time.Now()
	a.Record(op(transport.OpWrite, true, "", time.Millisecond), consistency.Unknown)

	meta := RunReport{RunID: "r1", Status: StatusCompleted, StartedAt: started}
	final := a.Finalize(meta, started.Add(2*time.Second))
	require.NotNil(t, final)
	assert.Equal(t, "r1", final.RunID)
	assert.True(t, final.Completed())
	assert.InDelta(t, 2.0, final.Elapsed, 1e-9)
	assert.Equal(t, uint64(1), final.TotalOps)

	a.Record(op(transport.OpWrite, true, "", time.Millisecond), consistency.Unknown)
	again := a.Finalize(RunReport{RunID: "other"}, time.Now())
	assert.Same(t, final, again)
	assert.Equal(t, uint64(1), a.Snapshot(time.Now()).TotalOps)
	assert.Equal(t, "r1", a.Snapshot(time.Now()).RunID)
}

func TestRunReport_WithinThresholds(t *testing.T) {
	r := RunReport{ViolationRate: 0.02, ErrorRate: 0.1}

	assert.True(t, r.WithinThresholds(0.05, 0.2))
	assert.False(t, r.WithinThresholds(0.01, 0.2))
	assert.False(t, r.WithinThresholds(0.05, 0.05))
	assert.True(t, r.WithinThresholds(-1, -1))
}
