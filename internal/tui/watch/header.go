package watch

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
)

// HealthState is the engine snapshot assembled from /healthz polling.
type HealthState struct {
	Status        string
	Version       string
	UptimeSeconds int64
	PluginsLoaded int
	SessionsLive  int
	Passthrough   string
	Connected     bool
	LastCheck     time.Time
}

// statusBadge picks the health glyph and label for the stats row.
func statusBadge(health HealthState, theme Theme) string {
	switch {
	case !health.Connected:
		return theme.StatusFailed.Render("◌ connecting")
	case health.Status != "ok" && health.Status != "":
		return theme.StatusFailed.Render("● degraded")
	default:
		return theme.StatusOK.Render("● healthy")
	}
}

func renderHeader(health HealthState, pulse rotor, activity meter, theme Theme, width int) string {
	innerWidth := width - 4

	title := " TETHER WATCH " + theme.Highlight.Render(pulse.frame())
	if health.Version != "" {
		title += " " + theme.Dim.Render("v"+health.Version)
	}
	clock := theme.Dim.Render(time.Now().Format("15:04:05")) + " "
	titleRow := title + lipgloss.PlaceHorizontal(
		innerWidth-lipgloss.Width(title), lipgloss.Right, clock)

	passthrough := "-"
	if health.Passthrough != "" {
		passthrough = theme.PhaseBusy.Render(health.Passthrough + " ⇄")
	}
	sep := theme.Dim.Render(" │ ")
	statsRow := " " + strings.Join([]string{
		statusBadge(health, theme),
		"up " + humanUptime(time.Duration(health.UptimeSeconds) * time.Second),
		fmt.Sprintf("plugins %d", health.PluginsLoaded),
		fmt.Sprintf("sessions %d", health.SessionsLive),
		"passthrough " + passthrough,
	}, sep)

	lastEvent := "never"
	if !activity.lastEvent().IsZero() {
		lastEvent = time.Since(activity.lastEvent()).Round(time.Second).String() + " ago"
	}
	activityRow := fmt.Sprintf(" last event %s %s", lastEvent, activity.render(theme))

	return theme.Border.Width(innerWidth).Render(
		lipgloss.JoinVertical(lipgloss.Left, titleRow, statsRow, activityRow),
	)
}

// humanUptime renders an uptime compactly, dropping the units that are zero.
func humanUptime(d time.Duration) string {
	d = d.Round(time.Second)
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	switch {
	case h > 0:
		return fmt.Sprintf("%dh%02dm", h, m)
	case m > 0:
		return fmt.Sprintf("%dm%02ds", m, s)
	default:
		return fmt.Sprintf("%ds", s)
	}
}
