// Package consistency classifies reads against the writes that preceded them.
//
// A read is judged only against the history of its own key, which belongs to a
// single virtual user, so the checker needs no shared state and no locking.
package consistency

import (
	"bytes"
	"time"
)

// Verdict is the consistency classification of a single read.
type Verdict int

const (
	Unknown Verdict = iota
	Fresh
	StaleButTolerated
	Violated
)

// Verdicts lists every verdict in report order.
var Verdicts = []Verdict{Fresh, StaleButTolerated, Violated, Unknown}

func (v Verdict) String() string {
	switch v {
	case Fresh:
		return "Fresh"
	case StaleButTolerated:
		return "StaleButTolerated"
	case Violated:
		return "Violated"
	default:
		return "Unknown"
	}
}

// Judged reports whether the verdict counts toward the violation rate.
func (v Verdict) Judged() bool {
	return v == Fresh || v == StaleButTolerated || v == Violated
}

// Observation is what a read saw.
type Observation struct {
	IssuedAt time.Time
	Success  bool
	Found    bool
	Payload  []byte
}

// Result is a verdict plus what it was based on.
type Result struct {
	Verdict Verdict
	// Version is the inferred version of the observed payload, 0 if none matched.
	Version uint64
	// Age is how long the matched version had been visible when the read was issued.
	Age    time.Duration
	Reason string
}

const (
	ReasonReadFailed     = "read failed"
	ReasonLatest         = "latest version"
	ReasonNoWrites       = "no committed write"
	ReasonWithinWindow   = "stale within tolerance"
	ReasonBeyondWindow   = "stale beyond tolerance"
	ReasonNotFound       = "not found after write"
	ReasonUnknownPayload = "payload matches no known version"
)

// Check classifies a read of h.Key. It is a pure function of its inputs.
//
// The staleness window is inclusive: a stale read whose age equals tolerance is
// StaleButTolerated. When several retained versions carry the same payload the
// most recent one decides. A payload of a write already pruned from h is still
// attributed to its version while h remembers the write's fingerprint.
func Check(h *KeyHistory, obs Observation, tolerance time.Duration) Result {
	if !obs.Success {
		return Result{Verdict: Unknown, Reason: ReasonReadFailed}
	}

	// Only writes issued before the read count as prior writes.
	writes := h.Writes()
	n := len(writes)
	for n > 0 && writes[n-1].IssuedAt.After(obs.IssuedAt) {
		n--
	}
	writes = writes[:n]

	latest := -1
	for i := len(writes) - 1; i >= 0; i-- {
		if writes[i].Acked {
			latest = i
			break
		}
	}

	if !obs.Found {
		if latest < 0 {
			return Result{Verdict: Fresh, Reason: ReasonNoWrites}
		}
		return Result{Verdict: Violated, Reason: ReasonNotFound}
	}

	match := -1
	for i := len(writes) - 1; i >= 0; i-- {
		if bytes.Equal(writes[i].Payload, obs.Payload) {
			match = i
			break
		}
	}
	if match < 0 {
		// Pruned writes are all superseded, so seeing one is at best stale.
		if p, ok := h.prunedMatch(obs.Payload); ok {
			return stale(p.Version, obs.IssuedAt.Sub(p.Visible), tolerance)
		}
		return Result{Verdict: Violated, Reason: ReasonUnknownPayload}
	}

	w := writes[match]
	age := obs.IssuedAt.Sub(w.VisibleSince())
	if age < 0 {
		age = 0
	}
	res := Result{Version: w.Version, Age: age}

	// An unacknowledged write newer than the latest ack may have landed; seeing it is fresh.
	if match >= latest {
		res.Verdict = Fresh
		res.Reason = ReasonLatest
		return res
	}

	return stale(w.Version, age, tolerance)
}

func stale(version uint64, age, tolerance time.Duration) Result {
	if age < 0 {
		age = 0
	}
	res := Result{Version: version, Age: age}
	if age <= tolerance {
		res.Verdict = StaleButTolerated
		res.Reason = ReasonWithinWindow
		return res
	}
	res.Verdict = Violated
	res.Reason = ReasonBeyondWindow
	return res
}
