// Package watch implements the tether watch TUI: a live terminal view of
// discovered plugins, their sessions, and execution traffic, fed by the
// control API's event stream.
package watch

import "github.com/charmbracelet/lipgloss"

// Theme centralizes all styling for the watch TUI.
type Theme struct {
	// Session phase colors
	PhaseReady    lipgloss.Style
	PhaseBusy     lipgloss.Style
	PhaseStarting lipgloss.Style
	PhaseDead     lipgloss.Style

	// Outcome colors
	StatusOK     lipgloss.Style
	StatusFailed lipgloss.Style

	// UI elements
	Border    lipgloss.Style
	Title     lipgloss.Style
	Header    lipgloss.Style
	Dim       lipgloss.Style
	Highlight lipgloss.Style

	// Indicators
	MeterOn  lipgloss.Style
	MeterOff lipgloss.Style
}

func NewDefaultTheme() Theme {
	teal := lipgloss.Color("#2AA198")

	return Theme{
		PhaseReady:    lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF87")),
		PhaseBusy:     lipgloss.NewStyle().Foreground(lipgloss.Color("#FFD75F")),
		PhaseStarting: lipgloss.NewStyle().Foreground(lipgloss.Color("#5FAFFF")),
		PhaseDead:     lipgloss.NewStyle().Foreground(lipgloss.Color("#626262")),

		StatusOK:     lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF87")),
		StatusFailed: lipgloss.NewStyle().Foreground(lipgloss.Color("#FF5F5F")),

		Border: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(teal),
		Title: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#EEEEEE")).
			Padding(0, 1),
		Header: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#5FAFFF")),
		Dim:       lipgloss.NewStyle().Foreground(lipgloss.Color("#808080")),
		Highlight: lipgloss.NewStyle().Foreground(lipgloss.Color("#D7AF5F")),

		MeterOn:  lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF87")),
		MeterOff: lipgloss.NewStyle().Foreground(lipgloss.Color("#3A3A3A")),
	}
}

// phaseStyle maps a session phase name to its display style.
func phaseStyle(phase string, theme Theme) lipgloss.Style {
	switch phase {
	case "ready":
		return theme.PhaseReady
	case "executing", "passthrough_waiting":
		return theme.PhaseBusy
	case "spawning", "initializing":
		return theme.PhaseStarting
	default:
		return theme.PhaseDead
	}
}
