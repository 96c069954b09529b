package stats

import (
	"sync"
	"sync/atomic"
	"time"

	"syncstress/internal/consistency"
	"syncstress/internal/transport"
)

// Phase is the load phase a run is in.
type Phase int32

const (
	PhaseIdle Phase = iota
	PhaseRampUp
	PhaseSteady
	PhaseRampDown
	PhaseDone
)

func (p Phase) String() string {
	switch p {
	case PhaseRampUp:
		return "Ramp Up"
	case PhaseSteady:
		return "Steady State"
	case PhaseRampDown:
		return "Ramp Down"
	case PhaseDone:
		return "Done"
	default:
		return "Idle"
	}
}

// Operation is one completed syncstore call as seen by the aggregator.
type Operation struct {
	Kind    transport.OpKind
	Key     string
	UserID  int
	Start   time.Time
	End     time.Time
	Success bool
	ErrKind transport.ErrorKind
	// Reads only.
	Found bool
	// Assigned version for writes, inferred version for reads.
	Version uint64
}

func (o Operation) Latency() time.Duration {
	return o.End.Sub(o.Start)
}

// Observer is notified of every recorded operation.
type Observer interface {
	Observe(op Operation, verdict consistency.Verdict)
}

// kindStats are the counters of one operation kind. Every field is independent;
// no lock spans more than one of them.
type kindStats struct {
	count    atomic.Uint64
	success  atomic.Uint64
	failures [3]atomic.Uint64 // indexed like transport.ErrorKinds
	steady   atomic.Uint64
	latency  *SafeHistogram
}

func newKindStats() *kindStats {
	return &kindStats{latency: NewSafeHistogram()}
}

func (k *kindStats) snapshot() OpStats {
	s := OpStats{
		Count:       k.count.Load(),
		Success:     k.success.Load(),
		Errors:      make(map[string]uint64),
		SteadyCount: k.steady.Load(),
		Latency:     k.latency.Summary(),
	}
	for i, kind := range transport.ErrorKinds {
		if n := k.failures[i].Load(); n > 0 {
			s.Errors[string(kind)] = n
			s.Failure += n
		}
	}
	return s
}

func errIndex(kind transport.ErrorKind) int {
	for i, k := range transport.ErrorKinds {
		if k == kind {
			return i
		}
	}
	// Unclassified failures are treated as malformed responses.
	return len(transport.ErrorKinds) - 1
}

// Aggregator collects operation outcomes from all virtual users. Record is safe
// for concurrent use; counters only grow until Finalize freezes them.
type Aggregator struct {
	writes   *kindStats
	reads    *kindStats
	verdicts [4]atomic.Uint64 // indexed by consistency.Verdict

	phase       atomic.Int32
	steadyStart atomic.Int64 // unix nanos, 0 until set
	steadyEnd   atomic.Int64

	observer Observer

	frozen    atomic.Bool
	finalOnce sync.Once
	final     atomic.Pointer[RunReport]
}

func NewAggregator(observer Observer) *Aggregator {
	return &Aggregator{
		writes:   newKindStats(),
		reads:    newKindStats(),
		observer: observer,
	}
}

func (a *Aggregator) kind(k transport.OpKind) *kindStats {
	if k == transport.OpWrite {
		return a.writes
	}
	return a.reads
}

// Record adds one operation. The verdict is ignored for writes.
func (a *Aggregator) Record(op Operation, verdict consistency.Verdict) {
	if a.frozen.Load() {
		return
	}

	k := a.kind(op.Kind)
	k.count.Add(1)
	if op.Success {
		k.success.Add(1)
	} else {
		k.failures[errIndex(op.ErrKind)].Add(1)
	}
	k.latency.Record(op.Latency())

	if op.Kind == transport.OpRead {
		a.verdicts[verdict].Add(1)
	}
	if Phase(a.phase.Load()) == PhaseSteady {
		k.steady.Add(1)
	}

	if a.observer != nil {
		a.observer.Observe(op, verdict)
	}
}

// MarkPhase moves the aggregator into phase p. Entering steady state opens the
// throughput window; leaving it closes the window.
func (a *Aggregator) MarkPhase(p Phase, at time.Time) {
	prev := Phase(a.phase.Swap(int32(p)))
	if p == PhaseSteady && prev != PhaseSteady {
		a.steadyStart.CompareAndSwap(0, at.UnixNano())
	}
	if prev == PhaseSteady && p != PhaseSteady {
		a.steadyEnd.CompareAndSwap(0, at.UnixNano())
	}
}

func (a *Aggregator) Phase() Phase {
	return Phase(a.phase.Load())
}

// VerdictCounts returns the per-verdict read counts.
func (a *Aggregator) VerdictCounts() VerdictCounts {
	return VerdictCounts{
		Fresh:             a.verdicts[consistency.Fresh].Load(),
		StaleButTolerated: a.verdicts[consistency.StaleButTolerated].Load(),
		Violated:          a.verdicts[consistency.Violated].Load(),
		Unknown:           a.verdicts[consistency.Unknown].Load(),
	}
}

// Snapshot builds a report from the current counters. It can be called at any
// time; after Finalize it returns a copy of the frozen report.
func (a *Aggregator) Snapshot(now time.Time) RunReport {
	if f := a.final.Load(); f != nil {
		return *f
	}
	r := RunReport{Status: StatusRunning}
	a.fill(&r, now)
	return r
}

// Finalize freezes the counters and builds the final report exactly once.
// Later calls return the same report; later Records are dropped.
func (a *Aggregator) Finalize(meta RunReport, finishedAt time.Time) *RunReport {
	a.finalOnce.Do(func() {
		a.frozen.Store(true)
		r := meta
		r.FinishedAt = finishedAt
		if !r.StartedAt.IsZero() {
			r.Elapsed = finishedAt.Sub(r.StartedAt).Seconds()
		}
		a.fill(&r, finishedAt)
		a.final.Store(&r)
	})
	return a.final.Load()
}

func (a *Aggregator) fill(r *RunReport, now time.Time) {
	r.Writes = a.writes.snapshot()
	r.Reads = a.reads.snapshot()
	r.Verdicts = a.VerdictCounts()

	r.TotalOps = r.Writes.Count + r.Reads.Count
	if r.TotalOps > 0 {
		r.ErrorRate = float64(r.Writes.Failure+r.Reads.Failure) / float64(r.TotalOps)
	}
	if judged := r.Verdicts.Judged(); judged > 0 {
		r.ViolationRate = float64(r.Verdicts.Violated) / float64(judged)
	}

	r.Steady = a.steadyState(now, r.Writes.SteadyCount, r.Reads.SteadyCount)
}

func (a *Aggregator) steadyState(now time.Time, writes, reads uint64) SteadyState {
	s := SteadyState{Ops: writes + reads}

	start := a.steadyStart.Load()
	if start == 0 {
		return s
	}
	end := a.steadyEnd.Load()
	if end == 0 {
		end = now.UnixNano()
	}
	s.Seconds = time.Duration(end - start).Seconds()
	if s.Seconds > 0 {
		s.Throughput = float64(s.Ops) / s.Seconds
		s.WriteThroughput = float64(writes) / s.Seconds
		s.ReadThroughput = float64(reads) / s.Seconds
	}
	return s
}
