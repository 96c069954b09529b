package consistency

import (
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"
)

// maxPruned bounds how many pruned writes a history still recognises.
const maxPruned = 256

// prunedWrite is the fingerprint left behind by a pruned write, enough to name
// the version a late read observed without keeping its payload.
type prunedWrite struct {
	Version uint64
	Sum     uint64
	Visible time.Time
}

// VersionedValue is one write as the harness issued it. Versions are assigned
// by the harness, never by the store.
type VersionedValue struct {
	Version     uint64
	Payload     []byte
	IssuedAt    time.Time
	CommittedAt time.Time
	// Acked is false when the write failed or timed out; the store may still
	// have applied it, so the value stays a legitimate thing to observe.
	Acked bool
}

// VisibleSince is when the value could first have been served.
func (v VersionedValue) VisibleSince() time.Time {
	if v.Acked {
		return v.CommittedAt
	}
	return v.IssuedAt
}

// KeyHistory is the write history of a single key, owned by a single virtual
// user. It is not safe for concurrent use.
type KeyHistory struct {
	Key    string
	writes []VersionedValue
	pruned []prunedWrite // oldest first, at most maxPruned
}

func NewKeyHistory(key string) *KeyHistory {
	return &KeyHistory{Key: key}
}

// Append adds a write. Versions must be strictly increasing.
func (h *KeyHistory) Append(v VersionedValue) error {
	if n := len(h.writes); n > 0 && v.Version <= h.writes[n-1].Version {
		return fmt.Errorf("key %s: version %d not above %d", h.Key, v.Version, h.writes[n-1].Version)
	}
	h.writes = append(h.writes, v)
	return nil
}

func (h *KeyHistory) Len() int {
	if h == nil {
		return 0
	}
	return len(h.writes)
}

// Writes returns the retained writes, oldest first.
func (h *KeyHistory) Writes() []VersionedValue {
	if h == nil {
		return nil
	}
	return h.writes
}

// Latest returns the most recent acknowledged write.
func (h *KeyHistory) Latest() (VersionedValue, bool) {
	if i := h.latestAcked(); i >= 0 {
		return h.writes[i], true
	}
	return VersionedValue{}, false
}

func (h *KeyHistory) latestAcked() int {
	if h == nil {
		return -1
	}
	for i := len(h.writes) - 1; i >= 0; i-- {
		if h.writes[i].Acked {
			return i
		}
	}
	return -1
}

// Prune drops superseded writes that became visible before cutoff. A read issued
// after cutoff that observes one of them is a violation whether or not the write
// is still retained. The latest acknowledged write and anything after it are kept.
// The most recent maxPruned dropped writes stay recognisable by fingerprint.
func (h *KeyHistory) Prune(cutoff time.Time) int {
	last := h.latestAcked()
	if last <= 0 {
		return 0
	}
	kept := h.writes[:0]
	dropped := 0
	for i, w := range h.writes {
		if i < last && w.VisibleSince().Before(cutoff) {
			h.pruned = append(h.pruned, prunedWrite{
				Version: w.Version,
				Sum:     xxhash.Sum64(w.Payload),
				Visible: w.VisibleSince(),
			})
			dropped++
			continue
		}
		kept = append(kept, w)
	}
	// Clear the tail so dropped payloads can be collected.
	for i := len(kept); i < len(h.writes); i++ {
		h.writes[i] = VersionedValue{}
	}
	h.writes = kept
	if n := len(h.pruned); n > maxPruned {
		h.pruned = append(h.pruned[:0], h.pruned[n-maxPruned:]...)
	}
	return dropped
}

// prunedMatch finds the newest pruned write whose payload fingerprint matches.
func (h *KeyHistory) prunedMatch(payload []byte) (prunedWrite, bool) {
	if h == nil || len(h.pruned) == 0 {
		return prunedWrite{}, false
	}
	sum := xxhash.Sum64(payload)
	for i := len(h.pruned) - 1; i >= 0; i-- {
		if h.pruned[i].Sum == sum {
			return h.pruned[i], true
		}
	}
	return prunedWrite{}, false
}
