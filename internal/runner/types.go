package runner

import (
	"errors"
	"fmt"
	"time"

	"syncstress/internal/stats"
)

var (
	// ErrInvalidConfig is returned before any operation is attempted.
	ErrInvalidConfig = errors.New("invalid run configuration")
	// ErrSchedulerAborted is returned when the run is stopped from outside.
	ErrSchedulerAborted = errors.New("SchedulerAborted")
	// ErrUserFailed ends a virtual user after too many consecutive failures.
	ErrUserFailed = errors.New("virtual user failed")
)

// Config is the immutable configuration of one run.
type Config struct {
	Endpoint string            `mapstructure:"endpoint"`
	KeyPath  string            `mapstructure:"key_path"`
	Headers  map[string]string `mapstructure:"headers"`
	Scenario string            `mapstructure:"scenario"`

	// Closed-loop population and its three phases.
	Users    int           `mapstructure:"users"`
	RampUp   time.Duration `mapstructure:"ramp_up"`
	Steady   time.Duration `mapstructure:"duration"`
	RampDown time.Duration `mapstructure:"ramp_down"`

	Timeout      time.Duration `mapstructure:"timeout"`
	Staleness    time.Duration `mapstructure:"staleness"`
	ReadRepeat   int           `mapstructure:"read_repeat"`
	ReadDelay    time.Duration `mapstructure:"read_delay"`
	ReadInterval time.Duration `mapstructure:"read_interval"`
	ThinkTime    time.Duration `mapstructure:"think_time"`

	MaxConsecutiveFailures int           `mapstructure:"max_failures"`
	// RespawnDelay postpones the replacement of a failed user. Zero replaces
	// it at once; any delay leaves steady state below target meanwhile.
	RespawnDelay           time.Duration `mapstructure:"respawn_delay"`
	KeysPerUser            int           `mapstructure:"keys_per_user"`
	ValueTemplate          string        `mapstructure:"value_template"`

	// A negative threshold disables the check.
	MaxViolationRate float64 `mapstructure:"max_violation_rate"`
	MaxErrorRate     float64 `mapstructure:"max_error_rate"`

	UpdateInterval time.Duration `mapstructure:"update_interval"`
	RunID          string        `mapstructure:"run_id"`
}

// DefaultConfig returns the defaults used when a setting is not given.
func DefaultConfig() Config {
	return Config{
		Endpoint:               "http://localhost:8080",
		KeyPath:                "/kv/",
		Scenario:               ScenarioReadWrite,
		Users:                  10,
		RampUp:                 5 * time.Second,
		Steady:                 30 * time.Second,
		RampDown:               5 * time.Second,
		Timeout:                5 * time.Second,
		Staleness:              2 * time.Second,
		ReadRepeat:             3,
		ReadInterval:           100 * time.Millisecond,
		MaxConsecutiveFailures: 5,
		KeysPerUser:            4,
		ValueTemplate:          DefaultValueTemplate,
		MaxViolationRate:       0,
		MaxErrorRate:           -1,
		UpdateInterval:         200 * time.Millisecond,
	}
}

// Validate rejects configurations that cannot produce a meaningful run.
func (c Config) Validate() error {
	fail := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
	}

	switch {
	case c.Endpoint == "":
		return fail("endpoint is required")
	case c.Users < 1:
		return fail("target concurrency must be at least 1, got %d", c.Users)
	case c.RampUp < 0 || c.RampDown < 0:
		return fail("ramp durations must not be negative")
	case c.Steady <= 0:
		return fail("steady-state duration must be positive, got %s", c.Steady)
	case c.Timeout <= 0:
		return fail("operation timeout must be positive, got %s", c.Timeout)
	case c.Staleness < 0:
		return fail("staleness tolerance must not be negative")
	case c.ReadRepeat < 1:
		return fail("read repeat must be at least 1, got %d", c.ReadRepeat)
	case c.ReadDelay < 0 || c.ReadInterval < 0 || c.ThinkTime < 0 || c.RespawnDelay < 0:
		return fail("delays must not be negative")
	case c.MaxConsecutiveFailures < 1:
		return fail("max consecutive failures must be at least 1, got %d", c.MaxConsecutiveFailures)
	}
	if _, ok := LookupScenario(c.Scenario); !ok {
		return fail("unknown scenario %q (known: %v)", c.Scenario, ScenarioNames())
	}
	return nil
}

// TotalDuration is ramp-up + steady + ramp-down.
func (c Config) TotalDuration() time.Duration {
	return c.RampUp + c.Steady + c.RampDown
}

// Settings is the report form of the configuration.
func (c Config) Settings() stats.Settings {
	s := stats.Settings{
		Scenario:      c.Scenario,
		Endpoint:      c.Endpoint,
		TargetUsers:   c.Users,
		RampUp:        c.RampUp.String(),
		Steady:        c.Steady.String(),
		RampDown:      c.RampDown.String(),
		Timeout:       c.Timeout.String(),
		Staleness:     c.Staleness.String(),
		ReadRepeat:    c.ReadRepeat,
		ThinkTime:     c.ThinkTime.String(),
		MaxFailStreak: c.MaxConsecutiveFailures,
	}
	if c.RespawnDelay > 0 {
		s.RespawnDelay = c.RespawnDelay.String()
	}
	return s
}

// Progress is a live view of a run, pushed on the updates channel.
type Progress struct {
	RunID       string
	Phase       stats.Phase
	Elapsed     time.Duration
	Total       time.Duration
	ActiveUsers int
	TargetUsers int

	Ops        uint64
	Failures   uint64
	Violations uint64
	Verdicts   stats.VerdictCounts

	WriteP50Ms float64
	WriteP99Ms float64
	ReadP50Ms  float64
	ReadP99Ms  float64
}

// ProgressChan is the channel type
type ProgressChan chan Progress
