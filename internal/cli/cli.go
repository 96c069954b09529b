package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"syncstress/internal/metrics"
	"syncstress/internal/report"
	"syncstress/internal/runner"
	"syncstress/internal/stats"
	"syncstress/internal/storage"
)

// Exit codes.
const (
	ExitOK = 0
	// ExitIncomplete: the run could not start or was aborted.
	ExitIncomplete = 1
	// ExitThresholds: the run completed but the store under test misbehaved.
	ExitThresholds = 2
)

type Options struct {
	Format report.Format
	// OutPrefix, if set, exports {prefix}.json, .yaml and .csv as well.
	OutPrefix   string
	MetricsAddr string
	History     *storage.Store
	Logger      *zap.Logger

	// Out receives the report, Progress the live status line. Both default to stdout.
	Out      io.Writer
	Progress io.Writer
	Quiet    bool
}

func (o *Options) defaults() {
	if o.Out == nil {
		o.Out = os.Stdout
	}
	if o.Progress == nil {
		o.Progress = os.Stdout
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Format == "" {
		o.Format = report.FormatText
	}
}

// Start runs one load test headless and returns the process exit code.
func Start(ctx context.Context, cfg runner.Config, opts Options) int {
	opts.defaults()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(opts.Progress, "❌ %v\n", err)
		return ExitIncomplete
	}
	if !opts.Quiet {
		printHeader(opts.Progress, cfg)
	}

	updates := make(runner.ProgressChan, 100)
	ropts := []runner.Option{runner.WithLogger(opts.Logger), runner.WithUpdates(updates)}

	var exporter *metrics.Exporter
	if opts.MetricsAddr != "" {
		exporter = metrics.NewExporter()
		ropts = append(ropts, runner.WithObserver(exporter))
	}
	r := runner.NewRunner(cfg, nil, ropts...)

	rep, runErr := run(ctx, r, exporter, opts, updates)
	return Finish(cfg, rep, runErr, opts)
}

// Finish emits, exports and stores a finished run and returns the exit code.
func Finish(cfg runner.Config, rep *stats.RunReport, runErr error, opts Options) int {
	opts.defaults()
	if rep == nil {
		fmt.Fprintf(opts.Progress, "\n❌ %v\n", runErr)
		return ExitIncomplete
	}

	if err := report.NewEmitter(opts.Format).Emit(opts.Out, rep); err != nil {
		opts.Logger.Error("emit report", zap.Error(err))
	}
	handleAutoReport(opts, rep)
	saveHistory(opts, rep)

	code := ExitCode(rep, runErr, cfg.MaxViolationRate, cfg.MaxErrorRate)
	if code == ExitThresholds && !opts.Quiet {
		fmt.Fprintf(opts.Progress, "⚠️  thresholds exceeded: violation rate %.4f (max %.4f), error rate %.4f (max %.4f)\n",
			rep.ViolationRate, cfg.MaxViolationRate, rep.ErrorRate, cfg.MaxErrorRate)
	}
	return code
}

// run drives the runner, the optional metrics server and the status line together.
func run(ctx context.Context, r *runner.Runner, exporter *metrics.Exporter, opts Options, updates runner.ProgressChan) (*stats.RunReport, error) {
	g, gctx := errgroup.WithContext(ctx)
	metricsCtx, stopMetrics := context.WithCancel(gctx)
	defer stopMetrics()

	if exporter != nil {
		g.Go(func() error {
			return metrics.Serve(metricsCtx, opts.MetricsAddr, exporter, opts.Logger)
		})
	}

	var (
		rep    *stats.RunReport
		runErr error
	)
	done := make(chan struct{})
	g.Go(func() error {
		defer close(done)
		defer stopMetrics()
		rep, runErr = r.Run(gctx)
		return nil
	})

	monitor(opts, updates, done)

	// A failing metrics server cancels gctx, which aborts the run.
	if err := g.Wait(); err != nil {
		opts.Logger.Error("metrics server failed", zap.Error(err))
	}
	return rep, runErr
}

// monitor redraws the status line until the run is done.
func monitor(opts Options, updates runner.ProgressChan, done <-chan struct{}) {
	var last runner.Progress
	for {
		select {
		case p := <-updates:
			last = p
			if !opts.Quiet {
				fmt.Fprint(opts.Progress, statusLine(p))
			}
		case <-done:
			// Pick up the final snapshot if it is already queued.
			for len(updates) > 0 {
				last = <-updates
			}
			if !opts.Quiet {
				fmt.Fprint(opts.Progress, statusLine(last))
				fmt.Fprintln(opts.Progress)
			}
			return
		}
	}
}

func statusLine(p runner.Progress) string {
	pct := 0.0
	if p.Total > 0 {
		pct = p.Elapsed.Seconds() / p.Total.Seconds()
	}
	if pct > 1.0 || p.Phase == stats.PhaseDone {
		pct = 1.0
	}
	return fmt.Sprintf("\r%s %3.0f%% | %s/%s | %-12s | Users: %d/%d | Ops: %d | Err: %d | Viol: %d   ",
		progressBar(pct, 20), pct*100,
		p.Elapsed.Round(time.Second), p.Total,
		p.Phase,
		p.ActiveUsers, p.TargetUsers,
		p.Ops, p.Failures, p.Violations,
	)
}

// ExitCode maps a run outcome to the process exit status.
func ExitCode(r *stats.RunReport, err error, maxViolationRate, maxErrorRate float64) int {
	if err != nil || r == nil || !r.Completed() {
		return ExitIncomplete
	}
	if !r.WithinThresholds(maxViolationRate, maxErrorRate) {
		return ExitThresholds
	}
	return ExitOK
}

func printHeader(w io.Writer, cfg runner.Config) {
	fmt.Fprintf(w, "\n🚀 STARTING SYNCSTRESS RUN\n")
	fmt.Fprintf(w, "======================================================================\n")
	fmt.Fprintf(w, "Endpoint   : %s%s\n", cfg.Endpoint, cfg.KeyPath)
	fmt.Fprintf(w, "Scenario   : %s\n", cfg.Scenario)
	fmt.Fprintf(w, "Users      : %d\n", cfg.Users)
	fmt.Fprintf(w, "Duration   : %s (Steady) + %s (RampUp) + %s (RampDown)\n", cfg.Steady, cfg.RampUp, cfg.RampDown)
	fmt.Fprintf(w, "Timeout    : %s\n", cfg.Timeout)
	fmt.Fprintf(w, "Staleness  : %s, %d reads per write\n", cfg.Staleness, cfg.ReadRepeat)
	fmt.Fprintf(w, "======================================================================\n\n")
}

func progressBar(pct float64, width int) string {
	filled := int(pct * float64(width))
	if filled > width {
		filled = width
	}
	if filled < 0 {
		filled = 0
	}
	return "[" + strings.Repeat("█", filled) + strings.Repeat("-", width-filled) + "]"
}

func handleAutoReport(opts Options, rep *stats.RunReport) {
	if opts.OutPrefix == "" {
		return
	}

	paths, err := report.Export(opts.OutPrefix, rep, report.FormatJSON, report.FormatYAML, report.FormatCSV)
	if err != nil {
		opts.Logger.Error("export report", zap.Error(err))
		return
	}
	if !opts.Quiet {
		fmt.Fprintf(opts.Progress, "💾 Reports saved to %s\n", strings.Join(paths, ", "))
	}
}

func saveHistory(opts Options, rep *stats.RunReport) {
	if opts.History == nil {
		return
	}
	if err := opts.History.Save(rep); err != nil {
		opts.Logger.Error("save run history", zap.Error(err))
		return
	}
	opts.Logger.Debug("run saved", zap.String("run", rep.RunID), zap.String("path", opts.History.Path()))
}
