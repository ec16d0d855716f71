package tui

import "github.com/charmbracelet/lipgloss"

// Palette (ANSI 256).
const (
	colorAccent  = lipgloss.Color("62")
	colorMuted   = lipgloss.Color("240")
	colorHelp    = lipgloss.Color("241")
	colorOK      = lipgloss.Color("42")
	colorRunning = lipgloss.Color("214")
	colorFailed  = lipgloss.Color("196")
	colorSkipped = lipgloss.Color("67")
)

func paneStyle(border lipgloss.Color) lipgloss.Style {
	return lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(border)
}

func statusStyle(c lipgloss.Color) lipgloss.Style {
	return lipgloss.NewStyle().Foreground(c).Bold(true)
}

var (
	StyleFocusedBorder   = paneStyle(colorAccent)
	StyleUnfocusedBorder = paneStyle(colorMuted)

	StyleStatusRunning   = statusStyle(colorRunning)
	StyleStatusSucceeded = statusStyle(colorOK)
	StyleStatusFailed    = statusStyle(colorFailed)
	StyleStatusSkipped   = lipgloss.NewStyle().Foreground(colorSkipped)
	StyleStatusPending   = lipgloss.NewStyle().Foreground(colorMuted)

	StyleTitle    = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	StyleHelp     = lipgloss.NewStyle().Foreground(colorHelp)
	StyleSelected = lipgloss.NewStyle().Background(colorAccent).Foreground(lipgloss.Color("0"))
)

// statusGlyphs maps a job state to its icon and style.
var statusGlyphs = map[string]struct {
	icon  string
	style lipgloss.Style
}{
	StateRunning:   {"●", StyleStatusRunning},
	StateSucceeded: {"✓", StyleStatusSucceeded},
	StateFailed:    {"✗", StyleStatusFailed},
	StateSkipped:   {"↷", StyleStatusSkipped},
}

// StatusIcon returns a styled status indicator.
func StatusIcon(state string) string {
	g, ok := statusGlyphs[state]
	if !ok {
		return StyleStatusPending.Render("○")
	}
	return g.style.Render(g.icon)
}
