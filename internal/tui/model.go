package tui

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"syncstress/internal/consistency"
	"syncstress/internal/report"
	"syncstress/internal/runner"
	"syncstress/internal/stats"
	"syncstress/internal/tui/components"
	"syncstress/internal/tui/styles"
)

const sparkWidth = 40

type progressMsg runner.Progress

type doneMsg struct {
	report *stats.RunReport
	err    error
}

// Model is the live dashboard of one run. It starts the run itself and quits
// once the user dismisses the final report.
type Model struct {
	Runner  *runner.Runner
	Updates runner.ProgressChan

	ctx    context.Context
	cancel context.CancelFunc
	// finished closes when the run returns, releasing any pending progress wait.
	finished chan struct{}

	Stats    runner.Progress
	Progress progress.Model
	Spinner  spinner.Model

	OpsLine  components.Sparkline
	ViolLine components.Sparkline
	LatLine  components.Sparkline

	LastUpdate time.Time
	LastOps    uint64
	LastViol   uint64

	Report   *stats.RunReport
	Err      error
	Stopping bool
	Width    int
	Height   int
}

func NewModel(ctx context.Context, r *runner.Runner) Model {
	ctx, cancel := context.WithCancel(ctx)
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = styles.Active

	return Model{
		Runner:     r,
		Updates:    r.Updates,
		ctx:        ctx,
		cancel:     cancel,
		finished:   make(chan struct{}),
		Progress:   progress.New(progress.WithDefaultGradient()),
		Spinner:    sp,
		OpsLine:    components.NewSparkline(sparkWidth, "Throughput", "ops/s", styles.Active),
		ViolLine:   components.NewSparkline(sparkWidth, "Violations", "/s", styles.Error),
		LatLine:    components.NewSparkline(sparkWidth, "Read P99", "ms", styles.Warn),
		LastUpdate: time.Now(),
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(m.startRun(), waitForProgress(m.Updates, m.finished), m.Spinner.Tick)
}

func (m Model) startRun() tea.Cmd {
	return func() tea.Msg {
		rep, err := m.Runner.Run(m.ctx)
		close(m.finished)
		return doneMsg{report: rep, err: err}
	}
}

// waitForProgress delivers the next snapshot, or nothing once the run is over.
func waitForProgress(ch runner.ProgressChan, finished <-chan struct{}) tea.Cmd {
	return func() tea.Msg {
		select {
		case p := <-ch:
			return progressMsg(p)
		case <-finished:
			return nil
		}
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.Width = msg.Width
		m.Height = msg.Height
		m.Progress.Width = msg.Width - 8
		if m.Progress.Width > 80 {
			m.Progress.Width = 80
		}
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q", "esc":
			if m.Report != nil || m.Err != nil {
				m.cancel()
				return m, tea.Quit
			}
			// Abort the run; the final report arrives as doneMsg.
			m.Stopping = true
			m.cancel()
		}
		return m, nil

	case progressMsg:
		m.observe(runner.Progress(msg))
		cmd := m.Progress.SetPercent(fraction(m.Stats))
		if m.Report != nil {
			return m, cmd
		}
		return m, tea.Batch(cmd, waitForProgress(m.Updates, m.finished))

	case doneMsg:
		m.Report = msg.report
		m.Err = msg.err
		return m, m.Progress.SetPercent(1)

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.Spinner, cmd = m.Spinner.Update(msg)
		return m, cmd

	case progress.FrameMsg:
		progressModel, cmd := m.Progress.Update(msg)
		m.Progress = progressModel.(progress.Model)
		return m, cmd
	}

	return m, nil
}

// observe folds a snapshot into the sparklines as per-second rates.
func (m *Model) observe(p runner.Progress) {
	now := time.Now()
	dt := now.Sub(m.LastUpdate).Seconds()
	if dt < 0.01 {
		dt = 0.01
	}

	if p.Ops >= m.LastOps {
		m.OpsLine.Add(float64(p.Ops-m.LastOps) / dt)
	}
	if p.Violations >= m.LastViol {
		m.ViolLine.Add(float64(p.Violations-m.LastViol) / dt)
	}
	m.LatLine.Add(p.ReadP99Ms)

	m.Stats = p
	m.LastOps = p.Ops
	m.LastViol = p.Violations
	m.LastUpdate = now
}

func fraction(p runner.Progress) float64 {
	if p.Phase == stats.PhaseDone {
		return 1
	}
	if p.Total <= 0 {
		return 0
	}
	f := p.Elapsed.Seconds() / p.Total.Seconds()
	if f > 1 {
		f = 1
	}
	return f
}

func (m Model) View() string {
	if m.Report != nil {
		return m.resultView(m.Err)
	}
	if m.Err != nil {
		return styles.Error.Render(fmt.Sprintf("Run failed: %v", m.Err)) + "\n\n" + styles.RenderKey("q", "quit") + "\n"
	}

	s := strings.Builder{}
	cfg := m.Runner.Cfg
	p := m.Stats

	s.WriteString(styles.Title.Render("🚀 syncstress " + p.RunID))
	s.WriteString("\n")
	s.WriteString(fmt.Sprintf("Endpoint: %s  Scenario: %s\n", cfg.Endpoint, cfg.Scenario))
	s.WriteString(styles.Subtle.Render(fmt.Sprintf("%s %s  Elapsed %s / %s",
		m.Spinner.View(), p.Phase, p.Elapsed.Round(time.Second), p.Total)))
	s.WriteString("\n\n")

	leftCol := fmt.Sprintf(
		"Users:      %s\nOps:        %d\nFailures:   %s\n\n%s\n%s\n%s\n%s",
		styles.Value.Render(fmt.Sprintf("%d/%d", p.ActiveUsers, p.TargetUsers)),
		p.Ops,
		failures(p.Failures),
		verdictLine(consistency.Fresh, p.Verdicts.Fresh),
		verdictLine(consistency.StaleButTolerated, p.Verdicts.StaleButTolerated),
		verdictLine(consistency.Violated, p.Verdicts.Violated),
		verdictLine(consistency.Unknown, p.Verdicts.Unknown),
	)
	rightCol := fmt.Sprintf(
		"Latency (ms)   write    read\n  P50      %8.2f %7.2f\n  P99      %8.2f %7.2f",
		p.WriteP50Ms, p.ReadP50Ms, p.WriteP99Ms, p.ReadP99Ms,
	)

	s.WriteString(lipgloss.JoinHorizontal(lipgloss.Top,
		styles.Panel.Width(36).Render(leftCol),
		styles.Panel.Width(36).Render(rightCol),
	))
	s.WriteString("\n\n")

	s.WriteString(m.OpsLine.View() + "\n")
	s.WriteString(m.ViolLine.View() + "\n")
	s.WriteString(m.LatLine.View() + "\n\n")

	s.WriteString(m.Progress.View())
	s.WriteString("\n")
	if m.Stopping {
		s.WriteString(styles.Warn.Render("Stopping: waiting for in-flight operations..."))
	} else {
		s.WriteString(styles.RenderKey("q", "abort run"))
	}
	return s.String()
}

func (m Model) resultView(runErr error) string {
	var buf bytes.Buffer
	if runErr != nil {
		buf.WriteString(styles.Warn.Render(runErr.Error()) + "\n")
	}
	if err := report.NewEmitter(report.FormatText).Emit(&buf, m.Report); err != nil {
		return styles.Error.Render(err.Error())
	}
	return buf.String() + "\n" + styles.RenderKey("q", "quit") + "\n"
}

func failures(n uint64) string {
	if n == 0 {
		return styles.Value.Render("0")
	}
	return styles.Error.Render(fmt.Sprintf("%d", n))
}

func verdictLine(v consistency.Verdict, n uint64) string {
	return styles.Verdict(v).Render(fmt.Sprintf("%-18s %d", v.String(), n))
}

// Run shows the dashboard until the run ends and the user quits, then returns
// the run's report.
func Run(ctx context.Context, r *runner.Runner) (*stats.RunReport, error) {
	m := NewModel(ctx, r)
	final, err := tea.NewProgram(m, tea.WithAltScreen()).Run()
	if fm, ok := final.(Model); ok && (fm.Report != nil || fm.Err != nil) {
		return fm.Report, fm.Err
	}
	if err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("dashboard closed before the run finished")
}
