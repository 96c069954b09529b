// Package report renders a finished run for people and for machines.
package report

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"gopkg.in/yaml.v3"

	"syncstress/internal/stats"
	"syncstress/internal/tui/styles"
)

type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
	FormatCSV  Format = "csv"
)

// Formats lists every supported format.
var Formats = []Format{FormatText, FormatJSON, FormatYAML, FormatCSV}

func ParseFormat(s string) (Format, error) {
	f := Format(strings.ToLower(strings.TrimSpace(s)))
	switch f {
	case FormatText, FormatJSON, FormatYAML, FormatCSV:
		return f, nil
	case "yml":
		return FormatYAML, nil
	case "":
		return FormatText, nil
	}
	return "", fmt.Errorf("unknown report format %q", s)
}

// Ext is the file extension used when exporting.
func (f Format) Ext() string {
	if f == FormatText {
		return "txt"
	}
	return string(f)
}

// Emitter writes a RunReport in one format. Emitting the same report twice
// yields identical bytes.
type Emitter struct {
	Format Format
}

func NewEmitter(f Format) *Emitter {
	return &Emitter{Format: f}
}

func (e *Emitter) Emit(w io.Writer, r *stats.RunReport) error {
	if r == nil {
		return fmt.Errorf("no report to emit")
	}
	switch e.Format {
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(r); err != nil {
			return err
		}
		return enc.Close()
	case FormatCSV:
		return writeCSV(w, r)
	case FormatText, "":
		return writeText(w, r)
	}
	return fmt.Errorf("unknown report format %q", e.Format)
}

// Export writes the report to {prefix}.{ext} for each format and returns the
// paths written.
func Export(prefix string, r *stats.RunReport, formats ...Format) ([]string, error) {
	var paths []string
	for _, f := range formats {
		path := prefix + "." + f.Ext()
		if err := exportOne(path, f, r); err != nil {
			return paths, fmt.Errorf("export %s: %w", path, err)
		}
		paths = append(paths, path)
	}
	return paths, nil
}

func exportOne(path string, f Format, r *stats.RunReport) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	if err := NewEmitter(f).Emit(file, r); err != nil {
		return err
	}
	return file.Sync()
}

// --- CSV ---

func writeCSV(w io.Writer, r *stats.RunReport) error {
	cw := csv.NewWriter(w)
	rows := [][]string{{"metric", "value"}}
	add := func(name string, v any) {
		rows = append(rows, []string{name, formatValue(v)})
	}

	add("run_id", r.RunID)
	add("status", r.Status)
	add("abort_reason", r.AbortReason)
	add("scenario", r.Settings.Scenario)
	add("endpoint", r.Settings.Endpoint)
	add("target_users", r.Settings.TargetUsers)
	add("respawn_delay", r.Settings.RespawnDelay)
	add("staleness_tolerance", r.Settings.Staleness)
	add("elapsed_seconds", r.Elapsed)
	add("total_ops", r.TotalOps)
	add("error_rate", r.ErrorRate)
	add("violation_rate", r.ViolationRate)

	for _, k := range []struct {
		name string
		ops  stats.OpStats
	}{{"writes", r.Writes}, {"reads", r.Reads}} {
		add(k.name+".count", k.ops.Count)
		add(k.name+".success", k.ops.Success)
		add(k.name+".failure", k.ops.Failure)
		for _, kind := range sortedKeys(k.ops.Errors) {
			add(k.name+".errors."+kind, k.ops.Errors[kind])
		}
		add(k.name+".latency.p50_ms", k.ops.Latency.P50Ms)
		add(k.name+".latency.p90_ms", k.ops.Latency.P90Ms)
		add(k.name+".latency.p95_ms", k.ops.Latency.P95Ms)
		add(k.name+".latency.p99_ms", k.ops.Latency.P99Ms)
		add(k.name+".latency.max_ms", k.ops.Latency.MaxMs)
	}

	add("verdicts.fresh", r.Verdicts.Fresh)
	add("verdicts.stale_but_tolerated", r.Verdicts.StaleButTolerated)
	add("verdicts.violated", r.Verdicts.Violated)
	add("verdicts.unknown", r.Verdicts.Unknown)

	add("steady.seconds", r.Steady.Seconds)
	add("steady.ops", r.Steady.Ops)
	add("steady.throughput_ops_per_sec", r.Steady.Throughput)

	add("users.started", r.Users.Started)
	add("users.failed", r.Users.Failed)
	add("users.peak_active", r.Users.Peak)

	if err := cw.WriteAll(rows); err != nil {
		return err
	}
	return cw.Error()
}

func formatValue(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case int:
		return strconv.Itoa(x)
	case uint64:
		return strconv.FormatUint(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	default:
		return fmt.Sprint(x)
	}
}

func sortedKeys(m map[string]uint64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// --- Text ---

const rule = "======================================================================"

func writeText(w io.Writer, r *stats.RunReport) error {
	re := lipgloss.NewRenderer(w)
	header := re.NewStyle().Foreground(styles.ColorPrimary).Bold(true)
	good := re.NewStyle().Foreground(styles.ColorSecondary).Bold(true)
	bad := re.NewStyle().Foreground(styles.ColorError).Bold(true)
	warn := re.NewStyle().Foreground(styles.ColorWarning)

	var b strings.Builder
	line := func(format string, args ...any) {
		fmt.Fprintf(&b, format+"\n", args...)
	}
	rate := func(v float64) string {
		s := fmt.Sprintf("%.4f%%", v*100)
		if v > 0 {
			return bad.Render(s)
		}
		return good.Render(s)
	}

	status := good.Render(r.Status)
	if !r.Completed() {
		status = bad.Render(r.Status)
	}

	line("")
	line("%s", header.Render("📊 SYNCSTRESS RESULTS"))
	line(rule)
	line("Run ID         : %s", r.RunID)
	line("Status         : %s", status)
	if r.AbortReason != "" {
		line("Abort Reason   : %s", warn.Render(r.AbortReason))
	}
	line("Scenario       : %s", r.Settings.Scenario)
	line("Endpoint       : %s", r.Settings.Endpoint)
	line("Phases         : %s (RampUp) + %s (Steady) + %s (RampDown)", r.Settings.RampUp, r.Settings.Steady, r.Settings.RampDown)
	if r.Settings.RespawnDelay != "" {
		line("Respawn Delay  : %s", warn.Render(r.Settings.RespawnDelay+" (steady state dips below target while failed users wait)"))
	}
	line("Elapsed        : %.1fs", r.Elapsed)
	line("Operations     : %d", r.TotalOps)
	line("  Writes       : %d (ok %d, failed %d)", r.Writes.Count, r.Writes.Success, r.Writes.Failure)
	line("  Reads        : %d (ok %d, failed %d)", r.Reads.Count, r.Reads.Success, r.Reads.Failure)
	line("Throughput     : %.2f ops/s over %.1fs steady (write %.2f, read %.2f)",
		r.Steady.Throughput, r.Steady.Seconds, r.Steady.WriteThroughput, r.Steady.ReadThroughput)
	line("Error Rate     : %s", rate(r.ErrorRate))
	line("Violation Rate : %s", rate(r.ViolationRate))

	line("")
	line("%s", header.Render("🔎 CONSISTENCY (tolerance "+r.Settings.Staleness+")"))
	line("   Fresh             : %d", r.Verdicts.Fresh)
	line("   StaleButTolerated : %d", r.Verdicts.StaleButTolerated)
	if r.Verdicts.Violated > 0 {
		line("   Violated          : %s", bad.Render(strconv.FormatUint(r.Verdicts.Violated, 10)))
	} else {
		line("   Violated          : %d", r.Verdicts.Violated)
	}
	line("   Unknown           : %d", r.Verdicts.Unknown)

	line("")
	line("%s", header.Render("⏱️  LATENCY (ms)"))
	line("   %-6s %10s %10s", "", "write", "read")
	lat := []struct {
		name        string
		write, read float64
	}{
		{"Mean", r.Writes.Latency.MeanMs, r.Reads.Latency.MeanMs},
		{"P50", r.Writes.Latency.P50Ms, r.Reads.Latency.P50Ms},
		{"P90", r.Writes.Latency.P90Ms, r.Reads.Latency.P90Ms},
		{"P95", r.Writes.Latency.P95Ms, r.Reads.Latency.P95Ms},
		{"P99", r.Writes.Latency.P99Ms, r.Reads.Latency.P99Ms},
		{"Max", r.Writes.Latency.MaxMs, r.Reads.Latency.MaxMs},
	}
	for _, l := range lat {
		line("   %-6s %10.2f %10.2f", l.name, l.write, l.read)
	}

	if r.Writes.Failure+r.Reads.Failure > 0 {
		line("")
		line("%s", bad.Render("❌ FAILURE SUMMARY"))
		for _, kind := range sortedKeys(r.Writes.Errors) {
			line("   %d x write %s", r.Writes.Errors[kind], kind)
		}
		for _, kind := range sortedKeys(r.Reads.Errors) {
			line("   %d x read %s", r.Reads.Errors[kind], kind)
		}
	}

	line("")
	line("%s", header.Render("👥 VIRTUAL USERS"))
	line("   Target %d | Started %d | Failed %d | Peak %d",
		r.Users.Target, r.Users.Started, r.Users.Failed, r.Users.Peak)
	line(rule)

	_, err := io.WriteString(w, b.String())
	return err
}
