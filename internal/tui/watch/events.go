package watch

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/tether/internal/events"
)

func renderEventStream(feed []events.Event, theme Theme, width int) string {
	innerWidth := width - 4

	if len(feed) == 0 {
		content := lipgloss.JoinVertical(lipgloss.Left,
			theme.Title.Render("EVENT STREAM"),
			theme.Dim.Render("  Waiting for events..."),
		)
		return theme.Border.Width(innerWidth).Render(content)
	}

	var lines []string
	for i, e := range feed {
		if i >= 10 {
			break
		}
		lines = append(lines, formatEvent(e, theme))
	}

	eventsText := lipgloss.NewStyle().Padding(0, 1).Render(strings.Join(lines, "\n"))
	content := lipgloss.JoinVertical(lipgloss.Left,
		theme.Title.Render("EVENT STREAM"),
		eventsText,
	)

	return theme.Border.Width(innerWidth).Render(content)
}

func formatEvent(e events.Event, theme Theme) string {
	ts := theme.Dim.Render(e.Time.Local().Format("15:04:05"))

	var typeStyle lipgloss.Style
	switch e.Type {
	case events.TypeExecuteFinished:
		typeStyle = theme.StatusOK
	case events.TypeWatchdogMissed, events.TypeWatchdogKilled:
		typeStyle = theme.StatusFailed
	case events.TypeExecuteStarted, events.TypeExecuteStream:
		typeStyle = theme.PhaseBusy
	case events.TypeSessionState:
		typeStyle = theme.Highlight
	default:
		typeStyle = theme.Dim
	}

	typeName := typeStyle.Render(fmt.Sprintf("%-18s", e.Type))
	plugin := fmt.Sprintf("%-12s", e.Plugin)

	return fmt.Sprintf("%s %s %s %s", ts, typeName, plugin, theme.Dim.Render(eventDesc(e)))
}

// eventDesc pulls the interesting fields out of an event payload for the
// one-line stream view.
func eventDesc(e events.Event) string {
	data := make(map[string]any)
	_ = json.Unmarshal(e.Data, &data)

	var parts []string

	if id, ok := data["execution_id"].(string); ok {
		if len(id) > 8 {
			id = id[:8]
		}
		parts = append(parts, "["+id+"]")
	}
	if fn, ok := data["function"].(string); ok && fn != "" {
		parts = append(parts, fn)
	}
	if phase, ok := data["phase"].(string); ok {
		parts = append(parts, phase)
	}
	if status, ok := data["status"].(string); ok {
		parts = append(parts, status)
	}
	if reason, ok := data["reason"].(string); ok && reason != "" {
		parts = append(parts, "reason="+reason)
	}
	if misses, ok := data["misses"].(float64); ok {
		parts = append(parts, fmt.Sprintf("misses=%d", int(misses)))
	}
	if chunk, ok := data["data"].(string); ok {
		chunk = strings.ReplaceAll(chunk, "\n", " ")
		if len(chunk) > 32 {
			chunk = chunk[:32] + "..."
		}
		parts = append(parts, fmt.Sprintf("%q", chunk))
	}
	if msg, ok := data["error"].(string); ok {
		if len(msg) > 48 {
			msg = msg[:48] + "..."
		}
		parts = append(parts, msg)
	}

	if len(parts) == 0 {
		raw := string(e.Data)
		if raw == "{}" || raw == "null" {
			return ""
		}
		if len(raw) > 60 {
			raw = raw[:60] + "..."
		}
		return raw
	}

	return strings.Join(parts, " ")
}
