package stats

import (
	"time"
)

// Run status values.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusAborted   = "aborted"
)

// Settings is the run configuration as recorded in a report.
type Settings struct {
	Scenario      string `json:"scenario" yaml:"scenario"`
	Endpoint      string `json:"endpoint" yaml:"endpoint"`
	TargetUsers   int    `json:"target_users" yaml:"target_users"`
	RampUp        string `json:"ramp_up" yaml:"ramp_up"`
	Steady        string `json:"steady" yaml:"steady"`
	RampDown      string `json:"ramp_down" yaml:"ramp_down"`
	Timeout       string `json:"timeout" yaml:"timeout"`
	Staleness     string `json:"staleness_tolerance" yaml:"staleness_tolerance"`
	ReadRepeat    int    `json:"read_repeat" yaml:"read_repeat"`
	ThinkTime     string `json:"think_time" yaml:"think_time"`
	MaxFailStreak int    `json:"max_consecutive_failures" yaml:"max_consecutive_failures"`
	RespawnDelay  string `json:"respawn_delay,omitempty" yaml:"respawn_delay,omitempty"`
}

// LatencySummary holds latency statistics in milliseconds.
type LatencySummary struct {
	Count  int64   `json:"count" yaml:"count"`
	MeanMs float64 `json:"mean_ms" yaml:"mean_ms"`
	P50Ms  float64 `json:"p50_ms" yaml:"p50_ms"`
	P90Ms  float64 `json:"p90_ms" yaml:"p90_ms"`
	P95Ms  float64 `json:"p95_ms" yaml:"p95_ms"`
	P99Ms  float64 `json:"p99_ms" yaml:"p99_ms"`
	MaxMs  float64 `json:"max_ms" yaml:"max_ms"`
}

// OpStats aggregates one operation kind.
type OpStats struct {
	Count       uint64            `json:"count" yaml:"count"`
	Success     uint64            `json:"success" yaml:"success"`
	Failure     uint64            `json:"failure" yaml:"failure"`
	Errors      map[string]uint64 `json:"errors" yaml:"errors"`
	SteadyCount uint64            `json:"steady_count" yaml:"steady_count"`
	Latency     LatencySummary    `json:"latency" yaml:"latency"`
}

// VerdictCounts counts reads per consistency verdict.
type VerdictCounts struct {
	Fresh             uint64 `json:"fresh" yaml:"fresh"`
	StaleButTolerated uint64 `json:"stale_but_tolerated" yaml:"stale_but_tolerated"`
	Violated          uint64 `json:"violated" yaml:"violated"`
	Unknown           uint64 `json:"unknown" yaml:"unknown"`
}

// Judged is the number of reads that could be classified.
func (v VerdictCounts) Judged() uint64 {
	return v.Fresh + v.StaleButTolerated + v.Violated
}

// SteadyState covers the steady-state window only; ramps are excluded.
type SteadyState struct {
	Seconds         float64 `json:"seconds" yaml:"seconds"`
	Ops             uint64  `json:"ops" yaml:"ops"`
	Throughput      float64 `json:"throughput_ops_per_sec" yaml:"throughput_ops_per_sec"`
	WriteThroughput float64 `json:"write_ops_per_sec" yaml:"write_ops_per_sec"`
	ReadThroughput  float64 `json:"read_ops_per_sec" yaml:"read_ops_per_sec"`
}

// UserSummary is the per-virtual-user operation count.
type UserSummary struct {
	ID     int    `json:"id" yaml:"id"`
	Writes uint64 `json:"writes" yaml:"writes"`
	Reads  uint64 `json:"reads" yaml:"reads"`
	Failed bool   `json:"failed" yaml:"failed"`
}

// Users summarises the virtual-user population.
type Users struct {
	Target  int           `json:"target" yaml:"target"`
	Started int           `json:"started" yaml:"started"`
	Failed  int           `json:"failed" yaml:"failed"`
	Peak    int           `json:"peak_active" yaml:"peak_active"`
	PerUser []UserSummary `json:"per_user,omitempty" yaml:"per_user,omitempty"`
}

// RunReport is the aggregated result of a run. The final report is produced once,
// when the aggregator is frozen, and never changes afterwards.
type RunReport struct {
	RunID       string    `json:"run_id" yaml:"run_id"`
	Status      string    `json:"status" yaml:"status"`
	AbortReason string    `json:"abort_reason,omitempty" yaml:"abort_reason,omitempty"`
	StartedAt   time.Time `json:"started_at" yaml:"started_at"`
	FinishedAt  time.Time `json:"finished_at" yaml:"finished_at"`
	Elapsed     float64   `json:"elapsed_seconds" yaml:"elapsed_seconds"`
	Settings    Settings  `json:"settings" yaml:"settings"`

	Writes   OpStats       `json:"writes" yaml:"writes"`
	Reads    OpStats       `json:"reads" yaml:"reads"`
	Verdicts VerdictCounts `json:"verdicts" yaml:"verdicts"`

	TotalOps      uint64  `json:"total_ops" yaml:"total_ops"`
	ErrorRate     float64 `json:"error_rate" yaml:"error_rate"`
	ViolationRate float64 `json:"violation_rate" yaml:"violation_rate"`

	Steady SteadyState `json:"steady_state" yaml:"steady_state"`
	Users  Users       `json:"users" yaml:"users"`
}

// Completed reports whether the run finished as configured.
func (r *RunReport) Completed() bool {
	return r.Status == StatusCompleted
}

// WithinThresholds reports whether violation and error rates are acceptable.
// A negative threshold disables that check.
func (r *RunReport) WithinThresholds(maxViolationRate, maxErrorRate float64) bool {
	if maxViolationRate >= 0 && r.ViolationRate > maxViolationRate {
		return false
	}
	if maxErrorRate >= 0 && r.ErrorRate > maxErrorRate {
		return false
	}
	return true
}
