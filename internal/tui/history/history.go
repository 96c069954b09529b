// Package history is the interactive browser over stored runs.
package history

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"syncstress/internal/report"
	"syncstress/internal/stats"
	"syncstress/internal/tui/styles"
)

// Source is the part of the run store the browser needs.
type Source interface {
	List(limit int) ([]stats.RunReport, error)
	Delete(id string) error
}

type Model struct {
	Store Source
	Table table.Model

	runs     []stats.RunReport
	Selected *stats.RunReport
	Err      error

	Width  int
	Height int
}

func NewModel(store Source) Model {
	columns := []table.Column{
		{Title: "Run", Width: 10},
		{Title: "Started", Width: 20},
		{Title: "Status", Width: 10},
		{Title: "Scenario", Width: 12},
		{Title: "Users", Width: 6},
		{Title: "Ops", Width: 10},
		{Title: "Viol %", Width: 9},
		{Title: "Err %", Width: 9},
	}

	t := table.New(
		table.WithColumns(columns),
		table.WithFocused(true),
		table.WithHeight(10),
	)

	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(styles.ColorBorder).
		BorderBottom(true).
		Bold(true).
		Foreground(styles.ColorPrimary)
	s.Selected = s.Selected.
		Foreground(styles.ColorText).
		Background(styles.ColorPrimary).
		Bold(true)
	t.SetStyles(s)

	m := Model{Store: store, Table: t}
	m.Refresh()
	return m
}

// Refresh reloads the runs, newest first.
func (m *Model) Refresh() {
	runs, err := m.Store.List(0)
	if err != nil {
		m.Err = err
		return
	}
	m.runs = runs

	rows := make([]table.Row, len(runs))
	for i, r := range runs {
		rows[i] = table.Row{
			r.RunID,
			r.StartedAt.Local().Format("2006-01-02 15:04:05"),
			r.Status,
			r.Settings.Scenario,
			fmt.Sprintf("%d", r.Settings.TargetUsers),
			fmt.Sprintf("%d", r.TotalOps),
			fmt.Sprintf("%.3f", r.ViolationRate*100),
			fmt.Sprintf("%.3f", r.ErrorRate*100),
		}
	}
	m.Table.SetRows(rows)
}

func (m Model) current() *stats.RunReport {
	idx := m.Table.Cursor()
	if idx < 0 || idx >= len(m.runs) {
		return nil
	}
	return &m.runs[idx]
}

func (m Model) Init() tea.Cmd {
	return nil
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.Width = msg.Width
		m.Height = msg.Height
		m.Table.SetWidth(msg.Width - 4)
		if msg.Height > 8 {
			m.Table.SetHeight(msg.Height - 8)
		}

	case tea.KeyMsg:
		if m.Selected != nil {
			switch msg.String() {
			case "esc", "backspace":
				m.Selected = nil
			case "q", "ctrl+c":
				return m, tea.Quit
			}
			return m, nil
		}

		switch msg.String() {
		case "q", "esc", "ctrl+c":
			return m, tea.Quit
		case "enter":
			m.Selected = m.current()
			return m, nil
		case "d":
			if r := m.current(); r != nil {
				if err := m.Store.Delete(r.RunID); err != nil {
					m.Err = err
				}
				m.Refresh()
			}
			return m, nil
		}
	}

	m.Table, cmd = m.Table.Update(msg)
	return m, cmd
}

func (m Model) View() string {
	s := strings.Builder{}
	if m.Selected != nil {
		var buf bytes.Buffer
		if err := report.NewEmitter(report.FormatText).Emit(&buf, m.Selected); err != nil {
			s.WriteString(styles.Error.Render(err.Error()))
		} else {
			s.WriteString(buf.String())
		}
		s.WriteString("\n" + styles.RenderKey("esc", "back") + "  " + styles.RenderKey("q", "quit") + "\n")
		return s.String()
	}

	s.WriteString(styles.Title.Render("📜 Past Runs"))
	s.WriteString("\n\n")
	if m.Err != nil {
		s.WriteString(styles.Error.Render(m.Err.Error()) + "\n\n")
	}
	if len(m.runs) == 0 {
		s.WriteString(styles.Subtle.Render("No history found.\nRun a test to generate data."))
	} else {
		s.WriteString(styles.Panel.Render(m.Table.View()))
	}
	s.WriteString("\n\n")
	s.WriteString(styles.RenderKey("enter", "show report") + "  " +
		styles.RenderKey("d", "delete") + "  " +
		styles.RenderKey("q", "quit"))
	return s.String()
}

// Run opens the browser until the user quits.
func Run(store Source) error {
	_, err := tea.NewProgram(NewModel(store), tea.WithAltScreen()).Run()
	return err
}
