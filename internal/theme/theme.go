package theme

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Adaptive color pairs (dark terminal value, light terminal value).
var (
	ColorBlue   = lipgloss.AdaptiveColor{Dark: "#5B9BD5", Light: "#2B6CB0"}
	ColorGreen  = lipgloss.AdaptiveColor{Dark: "#6BCB77", Light: "#2F855A"}
	ColorYellow = lipgloss.AdaptiveColor{Dark: "#FFD93D", Light: "#B7791F"}
	ColorRed    = lipgloss.AdaptiveColor{Dark: "#FF6B6B", Light: "#C53030"}
	ColorGray   = lipgloss.AdaptiveColor{Dark: "#868E96", Light: "#718096"}
	ColorWhite  = lipgloss.AdaptiveColor{Dark: "#F8F9FA", Light: "#1A202C"}
	ColorBorder = lipgloss.AdaptiveColor{Dark: "#495057", Light: "#E2E8F0"}
)

// HeaderStyle is used for the job title line.
var HeaderStyle = lipgloss.NewStyle().
	Bold(true).
	Foreground(ColorWhite).
	Background(ColorBlue).
	Padding(0, 1)

// PanelStyle wraps a rendered summary.
var PanelStyle = lipgloss.NewStyle().
	Padding(0, 1).
	Border(lipgloss.RoundedBorder()).
	BorderForeground(ColorBorder)

// LabelStyle is used for field names.
var LabelStyle = lipgloss.NewStyle().
	Foreground(ColorGray)

// ValueStyle is used for field values.
var ValueStyle = lipgloss.NewStyle().
	Bold(true)

// HelpStyle is used for hints printed after a command.
var HelpStyle = lipgloss.NewStyle().
	Foreground(ColorGray).
	Italic(true)

// StatusStyle returns a color-coded style for a job or sync status.
func StatusStyle(status string) lipgloss.Style {
	base := lipgloss.NewStyle().Bold(true).Padding(0, 1)

	switch status {
	case "ok", "idle", "categorized", "sent":
		return base.Foreground(ColorGreen)
	case "skipped", "connecting", "mailbox_open", "fetching", "persisting":
		return base.Foreground(ColorYellow)
	case "failed":
		return base.Foreground(ColorRed)
	default:
		return base.Foreground(ColorGray)
	}
}

// Field is one labelled line of a summary.
type Field struct {
	Label string
	Value any
}

// Summary renders a job result as a bordered panel with aligned fields.
func Summary(title, status string, fields []Field) string {
	width := 0
	for _, f := range fields {
		width = max(width, lipgloss.Width(f.Label))
	}

	var b strings.Builder
	b.WriteString(HeaderStyle.Render(title))
	b.WriteString(" ")
	b.WriteString(StatusStyle(status).Render(status))
	for _, f := range fields {
		b.WriteString("\n")
		b.WriteString(LabelStyle.Width(width).Render(f.Label))
		b.WriteString("  ")
		b.WriteString(ValueStyle.Render(fmt.Sprint(f.Value)))
	}
	return PanelStyle.Render(b.String())
}
