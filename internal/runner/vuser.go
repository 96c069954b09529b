package runner

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"syncstress/internal/consistency"
	"syncstress/internal/stats"
	"syncstress/internal/transport"
)

// KeySource returns the key written in a given cycle.
type KeySource func(cycle uint64) string

// ValueSource renders the payload for a write.
type ValueSource func(key string, version uint64) ([]byte, error)

// Recorder receives every finished operation. *stats.Aggregator implements it.
type Recorder interface {
	Record(op stats.Operation, verdict consistency.Verdict)
}

// UserState is where a virtual user is in its cycle.
type UserState int32

const (
	UserIdle UserState = iota
	UserWriting
	UserAwaitVisibility
	UserReading
	UserFailed
	UserDone
)

func (s UserState) String() string {
	switch s {
	case UserWriting:
		return "writing"
	case UserAwaitVisibility:
		return "awaiting visibility"
	case UserReading:
		return "reading"
	case UserFailed:
		return "failed"
	case UserDone:
		return "done"
	default:
		return "idle"
	}
}

// VirtualUser runs write-then-read cycles one at a time. Its key histories are
// private, so the checker never needs a lock.
type VirtualUser struct {
	ID int

	cfg    Config
	tr     transport.Transport
	keys   KeySource
	values ValueSource
	rec    Recorder
	log    *zap.Logger
	// forget drops a key's history once its cycle is over.
	forget bool

	histories map[string]*consistency.KeyHistory
	version   uint64
	cycles    uint64
	streak    int

	state  atomic.Int32
	writes atomic.Uint64
	reads  atomic.Uint64
}

func NewVirtualUser(id int, cfg Config, tr transport.Transport, keys KeySource, values ValueSource, rec Recorder, log *zap.Logger) *VirtualUser {
	if log == nil {
		log = zap.NewNop()
	}
	return &VirtualUser{
		ID:        id,
		cfg:       cfg,
		tr:        tr,
		keys:      keys,
		values:    values,
		rec:       rec,
		log:       log.With(zap.Int("user", id)),
		histories: make(map[string]*consistency.KeyHistory),
	}
}

func (u *VirtualUser) State() UserState {
	return UserState(u.state.Load())
}

// Summary reports how much work the user did.
func (u *VirtualUser) Summary() stats.UserSummary {
	return stats.UserSummary{
		ID:     u.ID,
		Writes: u.writes.Load(),
		Reads:  u.reads.Load(),
		Failed: u.State() == UserFailed,
	}
}

// Run loops over cycles until drain is closed or ctx is cancelled. A closed
// drain lets the current cycle finish; a cancelled ctx stops before the next
// operation. An in-flight operation always completes. Run returns an error
// wrapping ErrUserFailed after too many consecutive failures.
func (u *VirtualUser) Run(ctx context.Context, drain <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			u.state.Store(int32(UserDone))
			return nil
		case <-drain:
			u.state.Store(int32(UserDone))
			return nil
		default:
		}

		if err := u.runCycle(ctx); err != nil {
			u.state.Store(int32(UserFailed))
			u.log.Warn("virtual user failed", zap.Error(err))
			return err
		}

		u.state.Store(int32(UserIdle))
		if !pause(ctx, drain, u.cfg.ThinkTime) {
			u.state.Store(int32(UserDone))
			return nil
		}
	}
}

func (u *VirtualUser) runCycle(ctx context.Context) error {
	key := u.keys(u.cycles)
	u.cycles++
	u.version++
	version := u.version

	value, err := u.values(key, version)
	if err != nil {
		return fmt.Errorf("%w: render value for %s: %v", ErrUserFailed, key, err)
	}

	h, ok := u.histories[key]
	if !ok {
		h = consistency.NewKeyHistory(key)
		u.histories[key] = h
	}
	defer u.endCycle(key, h)

	u.state.Store(int32(UserWriting))
	res := u.tr.Write(ctx, key, value, u.cfg.Timeout)
	u.writes.Add(1)

	if err := h.Append(consistency.VersionedValue{
		Version:     version,
		Payload:     value,
		IssuedAt:    res.Start,
		CommittedAt: res.End,
		Acked:       res.Success,
	}); err != nil {
		return fmt.Errorf("%w: %v", ErrUserFailed, err)
	}
	u.rec.Record(u.operation(transport.OpWrite, key, version, res), consistency.Unknown)

	if err := u.track(res); err != nil {
		return err
	}
	if !res.Success {
		u.log.Debug("write failed", zap.String("key", key), zap.String("kind", string(res.ErrKind)), zap.Error(res.Err))
		return nil
	}

	u.state.Store(int32(UserAwaitVisibility))
	if !sleep(ctx, u.cfg.ReadDelay) {
		return nil
	}

	for i := 0; i < u.cfg.ReadRepeat; i++ {
		if i > 0 && !sleep(ctx, u.cfg.ReadInterval) {
			return nil
		}
		if ctx.Err() != nil {
			return nil
		}

		u.state.Store(int32(UserReading))
		res := u.tr.Read(ctx, key, u.cfg.Timeout)
		u.reads.Add(1)

		verdict := consistency.Check(h, consistency.Observation{
			IssuedAt: res.Start,
			Success:  res.Success,
			Found:    res.Found,
			Payload:  res.Payload,
		}, u.cfg.Staleness)
		op := u.operation(transport.OpRead, key, verdict.Version, res)
		op.Found = res.Found
		u.rec.Record(op, verdict.Verdict)

		if verdict.Verdict == consistency.Violated {
			u.log.Warn("consistency violation",
				zap.String("key", key),
				zap.Uint64("written", version),
				zap.Uint64("observed", verdict.Version),
				zap.Duration("age", verdict.Age),
				zap.String("reason", verdict.Reason))
		}
		if err := u.track(res); err != nil {
			return err
		}
	}
	return nil
}

// track updates the consecutive failure streak.
func (u *VirtualUser) track(res transport.Result) error {
	if res.Success {
		u.streak = 0
		return nil
	}
	u.streak++
	if u.streak >= u.cfg.MaxConsecutiveFailures {
		return fmt.Errorf("%w: %d consecutive failures, last %s", ErrUserFailed, u.streak, res.ErrKind)
	}
	return nil
}

func (u *VirtualUser) endCycle(key string, h *consistency.KeyHistory) {
	if u.forget {
		delete(u.histories, key)
		return
	}
	h.Prune(time.Now().Add(-u.cfg.Staleness))
}

func (u *VirtualUser) operation(kind transport.OpKind, key string, version uint64, res transport.Result) stats.Operation {
	return stats.Operation{
		Kind:    kind,
		Key:     key,
		UserID:  u.ID,
		Start:   res.Start,
		End:     res.End,
		Success: res.Success,
		ErrKind: res.ErrKind,
		Version: version,
	}
}

// sleep waits for d unless ctx is cancelled first.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// pause is sleep that also wakes when drain closes.
func pause(ctx context.Context, drain <-chan struct{}, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-drain:
		return false
	case <-t.C:
		return true
	}
}
