package simstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"syncstress/internal/runner"
	"syncstress/internal/stats"
)

func runAgainst(t *testing.T, cfg ServerConfig, mutate func(*runner.Config)) *stats.RunReport {
	t.Helper()
	cfg.Addr = "127.0.0.1:0"
	s := New(cfg, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, s.Start(ctx))

	rc := runner.DefaultConfig()
	rc.Endpoint = "http://" + s.Addr()
	rc.Users = 2
	rc.RampUp = 0
	rc.Steady = time.Second
	rc.RampDown = 0
	rc.ReadInterval = 10 * time.Millisecond
	rc.Timeout = time.Second
	mutate(&rc)

	report, err := runner.NewRunner(rc, nil).Run(context.Background())
	require.NoError(t, err)
	require.True(t, report.Completed())
	return report
}

func TestEndToEnd_InvalidatingCacheIsConsistent(t *testing.T) {
	report := runAgainst(t, ServerConfig{CacheTTL: 300 * time.Millisecond, Invalidate: true}, func(c *runner.Config) {
		c.Scenario = runner.ScenarioHotKey
	})

	assert.Positive(t, report.Reads.Count)
	assert.Zero(t, report.Verdicts.Violated)
	assert.Equal(t, report.Reads.Count, report.Verdicts.Fresh)
	assert.True(t, report.WithinThresholds(0, 0))
}

func TestEndToEnd_StaleCacheIsCaught(t *testing.T) {
	report := runAgainst(t, ServerConfig{CacheTTL: 300 * time.Millisecond}, func(c *runner.Config) {
		c.Scenario = runner.ScenarioHotKey
		c.Staleness = 50 * time.Millisecond
	})

	assert.Positive(t, report.Verdicts.Violated)
	assert.Positive(t, report.ViolationRate)
	assert.False(t, report.WithinThresholds(0, -1))
}

func TestEndToEnd_InjectedErrorsAreCounted(t *testing.T) {
	report := runAgainst(t, ServerConfig{ErrorRate: 0.3}, func(c *runner.Config) {
		c.MaxConsecutiveFailures = 1000
	})

	assert.Positive(t, report.Writes.Errors["ProtocolError"]+report.Reads.Errors["ProtocolError"])
	assert.Positive(t, report.ErrorRate)
	assert.Zero(t, report.Verdicts.Violated)
}
