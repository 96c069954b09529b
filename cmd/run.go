package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"syncstress/internal/cli"
	"syncstress/internal/metrics"
	"syncstress/internal/report"
	"syncstress/internal/runner"
	"syncstress/internal/storage"
	"syncstress/internal/tui"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a load and consistency test against a store",
	Example: `  syncstress run --endpoint http://localhost:8080 --users 50 --duration 1m
  syncstress run --scenario hot-key --staleness 500ms --format json --out results/run1
  syncstress run --tui --metrics-addr :9090`,
	RunE: runLoad,
}

func init() {
	d := runner.DefaultConfig()
	f := runCmd.Flags()

	f.String("endpoint", d.Endpoint, "Base URL of the store under test")
	f.String("key-path", d.KeyPath, "Path prefix keys are appended to")
	f.StringSliceP("header", "H", nil, "HTTP header sent with every request (e.g. \"Key: Value\")")
	f.String("scenario", d.Scenario, "Workload: "+strings.Join(runner.ScenarioNames(), ", "))

	f.IntP("users", "U", d.Users, "Target number of concurrent virtual users")
	f.Duration("ramp-up", d.RampUp, "Time to reach the target number of users")
	f.DurationP("duration", "d", d.Steady, "Steady-state duration")
	f.Duration("ramp-down", d.RampDown, "Time to drain all users")

	f.Duration("timeout", d.Timeout, "Per-operation timeout")
	f.Duration("staleness", d.Staleness, "How long a superseded value may still be read")
	f.Int("read-repeat", d.ReadRepeat, "Reads issued after every write")
	f.Duration("read-delay", d.ReadDelay, "Wait between a write and its first read")
	f.Duration("read-interval", d.ReadInterval, "Wait between consecutive reads")
	f.Duration("think-time", d.ThinkTime, "Pause between cycles")

	f.Int("max-failures", d.MaxConsecutiveFailures, "Consecutive failed operations before a user gives up")
	f.Duration("respawn-delay", d.RespawnDelay, "Delay before a failed user is replaced (0 keeps steady state at target)")
	f.Int("keys-per-user", d.KeysPerUser, "Keys each user rotates through")
	f.String("value-template", d.ValueTemplate, "Template for written values")

	f.Float64("max-violation-rate", d.MaxViolationRate, "Highest tolerated violation rate (negative disables)")
	f.Float64("max-error-rate", d.MaxErrorRate, "Highest tolerated error rate (negative disables)")
	f.String("run-id", "", "Run identifier (generated when empty)")

	f.StringP("format", "f", string(report.FormatText), "Report format: text, json, yaml or csv")
	f.StringP("out", "o", "", "Output filename prefix for json, yaml and csv reports")
	f.Bool("tui", false, "Show the live dashboard")
	f.String("metrics-addr", "", "Serve Prometheus metrics on this address during the run")
	f.String("history", "", "Run history database (default ~/.syncstress/history.db)")
	f.Bool("no-history", false, "Do not store the run")
	f.BoolP("quiet", "q", false, "Only print the report")

	for key, name := range map[string]string{
		"endpoint":           "endpoint",
		"key_path":           "key-path",
		"scenario":           "scenario",
		"users":              "users",
		"ramp_up":            "ramp-up",
		"duration":           "duration",
		"ramp_down":          "ramp-down",
		"timeout":            "timeout",
		"staleness":          "staleness",
		"read_repeat":        "read-repeat",
		"read_delay":         "read-delay",
		"read_interval":      "read-interval",
		"think_time":         "think-time",
		"max_failures":       "max-failures",
		"respawn_delay":      "respawn-delay",
		"keys_per_user":      "keys-per-user",
		"value_template":     "value-template",
		"max_violation_rate": "max-violation-rate",
		"max_error_rate":     "max-error-rate",
		"run_id":             "run-id",
		"format":             "format",
		"out":                "out",
		"tui":                "tui",
		"metrics_addr":       "metrics-addr",
		"history_path":       "history",
		"no_history":         "no-history",
		"quiet":              "quiet",
	} {
		bindFlag(key, f, name)
	}
}

func runLoad(cmd *cobra.Command, _ []string) error {
	cfg, err := loadRunConfig(cmd)
	if err != nil {
		return err
	}
	format, err := report.ParseFormat(viper.GetString("format"))
	if err != nil {
		return err
	}
	useTUI := viper.GetBool("tui")

	log, err := newLogger()
	if err != nil {
		return err
	}
	// The dashboard owns the terminal; only file logging survives it.
	if useTUI && viper.GetString("log.file") == "" {
		log = zap.NewNop()
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := cli.Options{
		Format:      format,
		OutPrefix:   viper.GetString("out"),
		MetricsAddr: viper.GetString("metrics_addr"),
		Logger:      log,
		Quiet:       viper.GetBool("quiet"),
	}
	// Keep stdout clean for machine-readable reports.
	if format != report.FormatText {
		opts.Progress = os.Stderr
	}

	if !viper.GetBool("no_history") {
		store, err := openHistory(viper.GetString("history_path"))
		if err != nil {
			log.Warn("run history disabled", zap.Error(err))
		} else {
			defer store.Close()
			opts.History = store
		}
	}

	if useTUI {
		exitCode = runDashboard(ctx, cfg, opts)
	} else {
		exitCode = cli.Start(ctx, cfg, opts)
	}
	return nil
}

// loadRunConfig merges defaults, the config file, SYNCSTRESS_* env vars and
// flags, in rising priority.
func loadRunConfig(cmd *cobra.Command) (runner.Config, error) {
	cfg := runner.DefaultConfig()
	if err := viper.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("read configuration: %w", err)
	}

	headers, err := cmd.Flags().GetStringSlice("header")
	if err != nil {
		return cfg, err
	}
	if len(headers) > 0 && cfg.Headers == nil {
		cfg.Headers = make(map[string]string)
	}
	for _, h := range headers {
		parts := strings.SplitN(h, ":", 2)
		if len(parts) != 2 {
			return cfg, fmt.Errorf("malformed header %q, want \"Key: Value\"", h)
		}
		cfg.Headers[strings.TrimSpace(parts[0])] = strings.TrimSpace(parts[1])
	}
	return cfg, nil
}

func openHistory(path string) (*storage.Store, error) {
	if path == "" {
		p, err := storage.DefaultPath()
		if err != nil {
			return nil, err
		}
		path = p
	}
	return storage.Open(path)
}

func runDashboard(ctx context.Context, cfg runner.Config, opts cli.Options) int {
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "❌ %v\n", err)
		return cli.ExitIncomplete
	}

	ropts := []runner.Option{runner.WithLogger(opts.Logger)}
	if opts.MetricsAddr != "" {
		exporter := metrics.NewExporter()
		ropts = append(ropts, runner.WithObserver(exporter))

		mctx, cancel := context.WithCancel(ctx)
		defer cancel()
		go func() {
			if err := metrics.Serve(mctx, opts.MetricsAddr, exporter, opts.Logger); err != nil {
				opts.Logger.Error("metrics server failed", zap.Error(err))
			}
		}()
	}

	r := runner.NewRunner(cfg, nil, ropts...)
	rep, err := tui.Run(ctx, r)
	return cli.Finish(cfg, rep, err, opts)
}
