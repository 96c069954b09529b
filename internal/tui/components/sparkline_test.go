package components

import (
	"strings"
	"testing"

	"github.com/charmbracelet/lipgloss"
	"github.com/stretchr/testify/assert"
)

func TestSparkline_Window(t *testing.T) {
	s := NewSparkline(3, "ops", "/s", lipgloss.NewStyle())
	for _, v := range []float64{1, 2, 3, 4, -1} {
		s.Add(v)
	}
	assert.Equal(t, []float64{3, 4, 0}, s.Data)
	assert.Equal(t, 4.0, s.Max())
	assert.Equal(t, 0.0, s.Last())
}

func TestSparkline_View(t *testing.T) {
	s := NewSparkline(4, "ops", "/s", lipgloss.NewStyle())
	s.Add(0)
	s.Add(8)

	lines := strings.Split(s.View(), "\n")
	assert.Len(t, lines, 2)
	assert.Contains(t, lines[0], "ops  8.0 /s")
	assert.Contains(t, lines[1], "█")
}
