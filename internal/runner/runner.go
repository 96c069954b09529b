package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"syncstress/internal/stats"
	"syncstress/internal/transport"
)

// UserGauge is told the number of active virtual users whenever it changes.
// An observer passed with WithObserver that also implements it is updated too.
type UserGauge interface {
	SetActiveUsers(n int)
}

type Option func(*Runner)

func WithLogger(l *zap.Logger) Option {
	return func(r *Runner) { r.log = l }
}

// WithUpdates sets the channel progress snapshots are pushed to.
func WithUpdates(ch ProgressChan) Option {
	return func(r *Runner) { r.Updates = ch }
}

func WithObserver(o stats.Observer) Option {
	return func(r *Runner) { r.observer = o }
}

// Runner schedules virtual users through ramp-up, steady state and ramp-down,
// and owns the aggregator they report to.
type Runner struct {
	Cfg   Config
	Stats *stats.Aggregator

	// Event Channel
	Updates ProgressChan

	tr       transport.Transport
	log      *zap.Logger
	observer stats.Observer
	gauge    UserGauge

	runID   atomic.Value // string
	started atomic.Int64 // unix nanos
	active  atomic.Int32

	mu    sync.Mutex
	users []*VirtualUser
}

// NewRunner builds a runner. A nil transport means HTTP against cfg.Endpoint.
func NewRunner(cfg Config, tr transport.Transport, opts ...Option) *Runner {
	r := &Runner{Cfg: cfg, tr: tr}
	for _, opt := range opts {
		opt(r)
	}

	if r.log == nil {
		r.log = zap.NewNop()
	}
	if r.Updates == nil {
		// Avoid nil panics if not provided
		r.Updates = make(ProgressChan, 10)
	}
	if r.Cfg.UpdateInterval <= 0 {
		r.Cfg.UpdateInterval = 200 * time.Millisecond
	}
	if r.tr == nil {
		r.tr = transport.NewHTTPTransport(transport.HTTPConfig{
			Endpoint: cfg.Endpoint,
			KeyPath:  cfg.KeyPath,
			Headers:  cfg.Headers,
			MaxConns: cfg.Users * 2,
		})
	}
	if g, ok := r.observer.(UserGauge); ok {
		r.gauge = g
	}

	r.Stats = stats.NewAggregator(r.observer)
	r.runID.Store(cfg.RunID)
	return r
}

// RunID is the id of the current or last run.
func (r *Runner) RunID() string {
	id, _ := r.runID.Load().(string)
	return id
}

func (r *Runner) ActiveUsers() int {
	return int(r.active.Load())
}

// StartTickLoop pushes a progress snapshot every interval until ctx is done.
func (r *Runner) StartTickLoop(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.sendUpdate()
		}
	}
}

// Progress builds a live view of the run.
func (r *Runner) Progress() Progress {
	now := time.Now()
	snap := r.Stats.Snapshot(now)

	p := Progress{
		RunID:       r.RunID(),
		Phase:       r.Stats.Phase(),
		Total:       r.Cfg.TotalDuration(),
		ActiveUsers: r.ActiveUsers(),
		TargetUsers: r.Cfg.Users,
		Ops:         snap.TotalOps,
		Failures:    snap.Writes.Failure + snap.Reads.Failure,
		Violations:  snap.Verdicts.Violated,
		Verdicts:    snap.Verdicts,
		WriteP50Ms:  snap.Writes.Latency.P50Ms,
		WriteP99Ms:  snap.Writes.Latency.P99Ms,
		ReadP50Ms:   snap.Reads.Latency.P50Ms,
		ReadP99Ms:   snap.Reads.Latency.P99Ms,
	}
	if s := r.started.Load(); s != 0 {
		p.Elapsed = now.Sub(time.Unix(0, s))
	}
	return p
}

func (r *Runner) sendUpdate() {
	p := r.Progress()

	// Non-blocking send
	select {
	case r.Updates <- p:
	default:
		// Drop update if channel full, UI acts as backpressure
	}
}

// Run executes the configured load and returns the final report. An invalid
// configuration fails before any operation is issued. Cancelling ctx aborts the
// run: in-flight operations finish, the partial report is returned and the
// error wraps ErrSchedulerAborted.
func (r *Runner) Run(ctx context.Context) (*stats.RunReport, error) {
	if err := r.Cfg.Validate(); err != nil {
		return nil, err
	}
	engine := NewTemplateEngine()
	tmpl, err := engine.Parse("value", r.Cfg.ValueTemplate)
	if err != nil {
		return nil, fmt.Errorf("%w: value template: %v", ErrInvalidConfig, err)
	}
	scenario, _ := LookupScenario(r.Cfg.Scenario)

	runID := r.Cfg.RunID
	if runID == "" {
		runID = uuid.New().String()[:8]
	}
	r.runID.Store(runID)

	start := time.Now()
	r.started.Store(start.UnixNano())
	log := r.log.With(zap.String("run", runID))
	log.Info("run starting",
		zap.String("endpoint", r.Cfg.Endpoint),
		zap.String("scenario", scenario.Name),
		zap.Int("users", r.Cfg.Users),
		zap.Duration("ramp_up", r.Cfg.RampUp),
		zap.Duration("steady", r.Cfg.Steady),
		zap.Duration("ramp_down", r.Cfg.RampDown))

	newUser := func(id int) *VirtualUser {
		u := NewVirtualUser(id, r.Cfg, r.tr,
			scenario.KeySource(runID, id, r.Cfg.KeysPerUser),
			engine.ValueSource(tmpl, runID, id),
			r.Stats, log)
		u.forget = scenario.Keys == KeyFresh
		return u
	}

	tickCtx, stopTick := context.WithCancel(context.Background())
	var g errgroup.Group
	g.Go(func() error {
		return r.StartTickLoop(tickCtx, r.Cfg.UpdateInterval)
	})

	var users stats.Users
	g.Go(func() error {
		defer stopTick()
		users = r.supervise(ctx, start, newUser, log)
		return nil
	})
	_ = g.Wait()

	meta := stats.RunReport{
		RunID:     runID,
		Status:    stats.StatusCompleted,
		StartedAt: start,
		Settings:  r.Cfg.Settings(),
		Users:     users,
	}
	var runErr error
	if ctx.Err() != nil {
		runErr = fmt.Errorf("%w: %v", ErrSchedulerAborted, context.Cause(ctx))
		meta.Status = stats.StatusAborted
		meta.AbortReason = runErr.Error()
	}

	report := r.Stats.Finalize(meta, time.Now())
	r.sendUpdate()

	log.Info("run finished",
		zap.String("status", report.Status),
		zap.Uint64("ops", report.TotalOps),
		zap.Uint64("violations", report.Verdicts.Violated),
		zap.Float64("error_rate", report.ErrorRate))
	return report, runErr
}

type slot struct {
	user  *VirtualUser
	drain chan struct{}
}

type userExit struct {
	id  int
	err error
}

// supervise is the scheduler event loop. It owns every scheduling decision:
// admissions are paced by a limiter during ramp-up, failed users are replaced
// until ramp-down, and ramp-down drains users one by one at an even pace.
func (r *Runner) supervise(ctx context.Context, start time.Time, newUser func(id int) *VirtualUser, log *zap.Logger) stats.Users {
	cfg := r.Cfg
	target := cfg.Users

	every := rate.Inf
	if cfg.RampUp > 0 {
		every = rate.Every(cfg.RampUp / time.Duration(target))
	}
	limiter := rate.NewLimiter(every, 1)

	exits := make(chan userExit, target)
	respawn := make(chan struct{}, target)
	done := make(chan struct{})
	defer close(done)

	var (
		live     = make(map[int]*slot)
		order    []int // live ids in spawn order
		nextID   int
		admitted int
		summary  = stats.Users{Target: target}
		phase    = stats.PhaseRampUp
		aborted  bool
	)

	setActive := func() {
		n := len(live)
		r.active.Store(int32(n))
		if n > summary.Peak {
			summary.Peak = n
		}
		if r.gauge != nil {
			r.gauge.SetActiveUsers(n)
		}
	}

	spawn := func() {
		if len(live) >= target {
			return
		}
		u := newUser(nextID)
		nextID++
		s := &slot{user: u, drain: make(chan struct{})}
		live[u.ID] = s
		order = append(order, u.ID)
		summary.Started++

		r.mu.Lock()
		r.users = append(r.users, u)
		r.mu.Unlock()

		go func() {
			exits <- userExit{id: u.ID, err: u.Run(ctx, s.drain)}
		}()
		setActive()
	}

	r.mu.Lock()
	r.users = nil
	r.mu.Unlock()
	r.Stats.MarkPhase(stats.PhaseRampUp, start)

	admitT := time.NewTimer(limiter.Reserve().Delay())
	defer admitT.Stop()
	phaseT := time.NewTimer(cfg.RampUp)
	defer phaseT.Stop()
	drainT := time.NewTimer(time.Hour)
	drainT.Stop()
	defer drainT.Stop()

	var (
		drainOrder []int
		drained    int
		drainStart time.Time
	)
	drainNext := func() {
		for drained < len(drainOrder) {
			due := drainStart.Add(time.Duration(drained+1) * cfg.RampDown / time.Duration(len(drainOrder)))
			if wait := time.Until(due); wait > 0 {
				drainT.Reset(wait)
				return
			}
			if s, ok := live[drainOrder[drained]]; ok {
				close(s.drain)
			}
			drained++
		}
	}

	finished := func() bool {
		if aborted {
			return len(live) == 0
		}
		return phase == stats.PhaseDone && len(live) == 0
	}

	ctxDone := ctx.Done()
	for !finished() {
		select {
		case <-ctxDone:
			ctxDone = nil
			aborted = true
			log.Warn("run aborted, waiting for in-flight operations", zap.Int("active", len(live)))

		case <-admitT.C:
			if aborted || phase != stats.PhaseRampUp && phase != stats.PhaseSteady {
				continue
			}
			spawn()
			admitted++
			if admitted < target {
				admitT.Reset(limiter.Reserve().Delay())
			}

		case <-respawn:
			if aborted || phase != stats.PhaseRampUp && phase != stats.PhaseSteady {
				continue
			}
			log.Debug("replacing failed virtual user", zap.Int("active", len(live)))
			spawn()

		case <-phaseT.C:
			if aborted {
				continue
			}
			now := time.Now()
			switch phase {
			case stats.PhaseRampUp:
				// Admissions the limiter has not reached yet join now, so
				// steady state starts at target.
				for ; admitted < target; admitted++ {
					spawn()
				}
				admitT.Stop()
				phase = stats.PhaseSteady
				r.Stats.MarkPhase(phase, now)
				phaseT.Reset(cfg.Steady)
				log.Info("steady state", zap.Int("active", len(live)))
			case stats.PhaseSteady:
				phase = stats.PhaseRampDown
				r.Stats.MarkPhase(phase, now)
				phaseT.Reset(cfg.RampDown)
				log.Info("ramping down", zap.Int("active", len(live)))

				drainStart = now
				drainOrder = append([]int(nil), order...)
				drainNext()
			case stats.PhaseRampDown:
				phase = stats.PhaseDone
				// Anything the drain schedule has not reached yet goes now.
				for _, s := range live {
					select {
					case <-s.drain:
					default:
						close(s.drain)
					}
				}
				drained = len(drainOrder)
			}

		case <-drainT.C:
			if !aborted {
				drainNext()
			}

		case e := <-exits:
			delete(live, e.id)
			order = removeID(order, e.id)

			if errors.Is(e.err, ErrUserFailed) {
				summary.Failed++
			}
			replace := e.err != nil && !aborted &&
				(phase == stats.PhaseRampUp || phase == stats.PhaseSteady)
			if replace && cfg.RespawnDelay == 0 {
				// The replacement takes the slot before the count is
				// published, so active users never dip below target.
				log.Debug("replacing failed virtual user", zap.Int("user", e.id))
				spawn()
				continue
			}
			setActive()
			if !replace {
				continue
			}
			time.AfterFunc(cfg.RespawnDelay, func() {
				select {
				case respawn <- struct{}{}:
				case <-done:
				}
			})
		}
	}

	r.Stats.MarkPhase(stats.PhaseDone, time.Now())
	r.active.Store(0)
	if r.gauge != nil {
		r.gauge.SetActiveUsers(0)
	}

	r.mu.Lock()
	for _, u := range r.users {
		summary.PerUser = append(summary.PerUser, u.Summary())
	}
	r.mu.Unlock()
	return summary
}

func removeID(ids []int, id int) []int {
	for i, v := range ids {
		if v == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}
