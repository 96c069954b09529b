package stats

import (
	"sync"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
)

// maxTrackableUs is the largest latency the histograms can hold.
const maxTrackableUs = int64(10 * time.Minute / time.Microsecond)

// SafeHistogram is a thread-safe wrapper around hdrhistogram. Each histogram has
// its own lock, so recording a read never contends with recording a write.
type SafeHistogram struct {
	hist *hdrhistogram.Histogram
	mu   sync.Mutex
}

func NewSafeHistogram() *SafeHistogram {
	// 1us to 10min, 3 significant figures
	h := hdrhistogram.New(1, maxTrackableUs, 3)
	return &SafeHistogram{hist: h}
}

// Record records a latency, clamped to the trackable range.
func (h *SafeHistogram) Record(d time.Duration) {
	us := d.Microseconds()
	if us < 0 {
		us = 0
	}
	if us > maxTrackableUs {
		us = maxTrackableUs
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.hist.RecordValue(us)
}

// Summary reads every statistic under a single lock so they agree with each other.
func (h *SafeHistogram) Summary() LatencySummary {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.hist.TotalCount() == 0 {
		return LatencySummary{}
	}
	return LatencySummary{
		Count:  h.hist.TotalCount(),
		MeanMs: h.hist.Mean() / 1000.0,
		P50Ms:  usToMs(h.hist.ValueAtQuantile(50)),
		P90Ms:  usToMs(h.hist.ValueAtQuantile(90)),
		P95Ms:  usToMs(h.hist.ValueAtQuantile(95)),
		P99Ms:  usToMs(h.hist.ValueAtQuantile(99)),
		MaxMs:  usToMs(h.hist.Max()),
	}
}

func usToMs(us int64) float64 {
	return float64(us) / 1000.0
}
