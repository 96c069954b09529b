package consistency

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

func acked(version uint64, payload string, committed time.Time) VersionedValue {
	return VersionedValue{
		Version:     version,
		Payload:     []byte(payload),
		IssuedAt:    committed.Add(-time.Millisecond),
		CommittedAt: committed,
		Acked:       true,
	}
}

func history(t *testing.T, writes ...VersionedValue) *KeyHistory {
	t.Helper()
	h := NewKeyHistory("k1")
	for _, w := range writes {
		require.NoError(t, h.Append(w))
	}
	return h
}

func read(at time.Time, payload string) Observation {
	return Observation{IssuedAt: at, Success: true, Found: true, Payload: []byte(payload)}
}

func TestCheck_FreshRead(t *testing.T) {
	h := history(t, acked(1, "v1", t0))

	res := Check(h, read(t0.Add(time.Millisecond), "v1"), time.Second)
	assert.Equal(t, Fresh, res.Verdict)
	assert.Equal(t, uint64(1), res.Version)
}

func TestCheck_StaleWithinTolerance(t *testing.T) {
	h := history(t,
		acked(1, "v0", t0),
		acked(2, "v1", t0.Add(100*time.Millisecond)),
	)

	res := Check(h, read(t0.Add(500*time.Millisecond), "v0"), time.Second)
	assert.Equal(t, StaleButTolerated, res.Verdict)
	assert.Equal(t, uint64(1), res.Version)
	assert.Equal(t, 500*time.Millisecond, res.Age)
}

func TestCheck_ToleranceBoundaryIsInclusive(t *testing.T) {
	h := history(t,
		acked(1, "v0", t0),
		acked(2, "v1", t0.Add(10*time.Millisecond)),
	)

	atEdge := Check(h, read(t0.Add(time.Second), "v0"), time.Second)
	assert.Equal(t, StaleButTolerated, atEdge.Verdict)

	pastEdge := Check(h, read(t0.Add(time.Second+time.Nanosecond), "v0"), time.Second)
	assert.Equal(t, Violated, pastEdge.Verdict)
	assert.Equal(t, ReasonBeyondWindow, pastEdge.Reason)
}

func TestCheck_UnknownPayloadIsViolated(t *testing.T) {
	h := history(t, acked(1, "v0", t0), acked(2, "v1", t0.Add(time.Millisecond)))

	res := Check(h, read(t0.Add(2*time.Millisecond), "garbage"), time.Hour)
	assert.Equal(t, Violated, res.Verdict)
	assert.Equal(t, ReasonUnknownPayload, res.Reason)
	assert.Zero(t, res.Version)
}

func TestCheck_NotFoundAfterWriteIsViolated(t *testing.T) {
	h := history(t, acked(1, "v1", t0))

	res := Check(h, Observation{IssuedAt: t0.Add(time.Millisecond), Success: true}, time.Hour)
	assert.Equal(t, Violated, res.Verdict)
	assert.Equal(t, ReasonNotFound, res.Reason)
}

func TestCheck_NotFoundWithoutCommittedWrite(t *testing.T) {
	h := history(t, VersionedValue{Version: 1, Payload: []byte("v1"), IssuedAt: t0})

	res := Check(h, Observation{IssuedAt: t0.Add(time.Millisecond), Success: true}, 0)
	assert.Equal(t, Fresh, res.Verdict)
	assert.Equal(t, ReasonNoWrites, res.Reason)
}

func TestCheck_FailedReadIsUnknown(t *testing.T) {
	h := history(t, acked(1, "v1", t0))

	res := Check(h, Observation{IssuedAt: t0.Add(time.Millisecond)}, time.Hour)
	assert.Equal(t, Unknown, res.Verdict)
	assert.False(t, res.Verdict.Judged())
}

func TestCheck_DuplicatePayloadPrefersMostRecent(t *testing.T) {
	h := history(t,
		acked(1, "same", t0),
		acked(2, "other", t0.Add(time.Second)),
		acked(3, "same", t0.Add(2*time.Second)),
	)

	res := Check(h, read(t0.Add(10*time.Second), "same"), 0)
	assert.Equal(t, Fresh, res.Verdict)
	assert.Equal(t, uint64(3), res.Version)
}

func TestCheck_UnackedNewerWriteIsFresh(t *testing.T) {
	h := history(t,
		acked(1, "v1", t0),
		VersionedValue{Version: 2, Payload: []byte("v2"), IssuedAt: t0.Add(time.Second)},
	)

	assert.Equal(t, Fresh, Check(h, read(t0.Add(2*time.Second), "v2"), 0).Verdict)
	assert.Equal(t, Fresh, Check(h, read(t0.Add(2*time.Second), "v1"), 0).Verdict)
}

func TestCheck_IgnoresWritesIssuedAfterRead(t *testing.T) {
	h := history(t,
		acked(1, "v1", t0),
		acked(2, "v2", t0.Add(time.Second)),
	)

	res := Check(h, read(t0.Add(500*time.Millisecond), "v1"), 0)
	assert.Equal(t, Fresh, res.Verdict)
}

func TestCheck_EmptyHistory(t *testing.T) {
	assert.Equal(t, Fresh, Check(nil, Observation{IssuedAt: t0, Success: true}, 0).Verdict)
	assert.Equal(t, Violated, Check(nil, read(t0, "x"), 0).Verdict)
}

func TestCheck_FreshOrStaleNeverHasNewerUnseenVersion(t *testing.T) {
	h := history(t,
		acked(1, "a", t0),
		acked(2, "b", t0.Add(100*time.Millisecond)),
		acked(3, "c", t0.Add(200*time.Millisecond)),
	)
	readAt := t0.Add(300 * time.Millisecond)

	for _, p := range []string{"a", "b", "c"} {
		res := Check(h, read(readAt, p), time.Second)
		require.True(t, res.Verdict == Fresh || res.Verdict == StaleButTolerated, p)

		var prior bool
		for _, w := range h.Writes() {
			if w.Version <= res.Version {
				prior = true
			}
		}
		assert.True(t, prior, "no prior write for %s", p)
		if res.Verdict == Fresh {
			latest, _ := h.Latest()
			assert.Equal(t, latest.Version, res.Version)
		}
	}
}

func TestKeyHistory_AppendRejectsNonIncreasingVersion(t *testing.T) {
	h := NewKeyHistory("k")
	require.NoError(t, h.Append(acked(2, "x", t0)))
	assert.Error(t, h.Append(acked(2, "y", t0)))
	assert.Error(t, h.Append(acked(1, "z", t0)))
	assert.Equal(t, 1, h.Len())
}

func TestKeyHistory_Prune(t *testing.T) {
	h := history(t,
		acked(1, "a", t0),
		acked(2, "b", t0.Add(time.Second)),
		acked(3, "c", t0.Add(2*time.Second)),
		VersionedValue{Version: 4, Payload: []byte("d"), IssuedAt: t0.Add(3 * time.Second)},
	)

	dropped := h.Prune(t0.Add(5 * time.Second))
	assert.Equal(t, 2, dropped)
	require.Equal(t, 2, h.Len())
	assert.Equal(t, uint64(3), h.Writes()[0].Version)
	assert.Equal(t, uint64(4), h.Writes()[1].Version)

	latest, ok := h.Latest()
	require.True(t, ok)
	assert.Equal(t, uint64(3), latest.Version)
}

func TestVerdict_String(t *testing.T) {
	assert.Equal(t, "Fresh", Fresh.String())
	assert.Equal(t, "StaleButTolerated", StaleButTolerated.String())
	assert.Equal(t, "Violated", Violated.String())
	assert.Equal(t, "Unknown", Unknown.String())
}

func TestCheck_PrunedVersionIsStillNamed(t *testing.T) {
	h := history(t,
		acked(1, "a", t0),
		acked(2, "b", t0.Add(time.Second)),
	)
	require.Equal(t, 1, h.Prune(t0.Add(1500*time.Millisecond)))

	res := Check(h, read(t0.Add(3*time.Second), "a"), time.Second)
	assert.Equal(t, Violated, res.Verdict)
	assert.Equal(t, ReasonBeyondWindow, res.Reason)
	assert.Equal(t, uint64(1), res.Version)
	assert.Equal(t, 3*time.Second, res.Age)

	// A payload that was never written stays unknown.
	res = Check(h, read(t0.Add(3*time.Second), "zz"), time.Second)
	assert.Equal(t, ReasonUnknownPayload, res.Reason)
	assert.Zero(t, res.Version)
}

func TestKeyHistory_PrunedFingerprintsAreBounded(t *testing.T) {
	h := NewKeyHistory("k")
	total := maxPruned + 50
	for i := 1; i <= total; i++ {
		require.NoError(t, h.Append(acked(uint64(i), fmt.Sprintf("v%d", i), t0.Add(time.Duration(i)*time.Millisecond))))
	}
	assert.Equal(t, total-1, h.Prune(t0.Add(time.Hour)))
	assert.Len(t, h.pruned, maxPruned)

	// The oldest fingerprints were forgotten, the newest are kept.
	at := t0.Add(2 * time.Hour)
	assert.Equal(t, ReasonUnknownPayload, Check(h, read(at, "v1"), 0).Reason)
	res := Check(h, read(at, fmt.Sprintf("v%d", total-1)), 0)
	assert.Equal(t, ReasonBeyondWindow, res.Reason)
	assert.Equal(t, uint64(total-1), res.Version)
}
