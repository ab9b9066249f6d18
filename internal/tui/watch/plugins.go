package watch

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/tether/internal/events"
)

// PluginState is one plugin row: the latest poll snapshot overlaid with
// whatever the event stream has reported since.
type PluginState struct {
	Row      pluginRow
	LastSeen time.Time
}

// applyPluginsPoll replaces poll-derived fields while keeping rows for
// plugins the poll no longer returns out of the map.
func applyPluginsPoll(plugins map[string]*PluginState, rows []pluginRow) {
	seen := make(map[string]bool, len(rows))
	for _, row := range rows {
		seen[row.Name] = true
		p, ok := plugins[row.Name]
		if !ok {
			p = &PluginState{}
			plugins[row.Name] = p
		}
		p.Row = row
		p.LastSeen = time.Now()
	}
	for name := range plugins {
		if !seen[name] {
			delete(plugins, name)
		}
	}
}

// updatePluginState overlays event-stream observations on the poll snapshot
// so phase changes show up without waiting for the next poll.
func updatePluginState(plugins map[string]*PluginState, e events.Event) {
	if e.Plugin == "" {
		return
	}

	switch e.Type {
	case events.TypePluginRemoved:
		delete(plugins, e.Plugin)
		return
	case events.TypePluginDiscovered, events.TypePluginUpdated:
		p, ok := plugins[e.Plugin]
		if !ok {
			p = &PluginState{Row: pluginRow{Name: e.Plugin, Enabled: true, Status: "discovered"}}
			plugins[e.Plugin] = p
		}
		p.LastSeen = time.Now()
		return
	}

	p, ok := plugins[e.Plugin]
	if !ok {
		return
	}

	data := make(map[string]any)
	_ = json.Unmarshal(e.Data, &data)

	switch e.Type {
	case events.TypeSessionState:
		phase, _ := data["phase"].(string)
		if phase == "terminated" {
			p.Row.Session = nil
			return
		}
		if p.Row.Session == nil {
			p.Row.Session = &sessionRow{StartedAt: time.Now()}
		}
		if id, ok := data["session_id"].(string); ok {
			p.Row.Session.ID = id
		}
		p.Row.Session.Phase = phase

	case events.TypeWatchdogMissed:
		if p.Row.Session == nil {
			return
		}
		if misses, ok := data["misses"].(float64); ok {
			p.Row.Session.MissedPings = int(misses)
		}

	case events.TypeWatchdogKilled:
		p.Row.Session = nil

	case events.TypeExecuteFinished:
		if p.Row.Session != nil {
			keep, _ := data["keep_session"].(bool)
			p.Row.Session.PassthroughActive = keep
		}
	}
}

// sortedPluginNames returns plugin names in stable sorted order.
func sortedPluginNames(plugins map[string]*PluginState) []string {
	names := make([]string, 0, len(plugins))
	for name := range plugins {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func renderPlugins(plugins map[string]*PluginState, turns map[string]*TurnState, selected int, theme Theme, width int) string {
	innerWidth := width - 4

	if len(plugins) == 0 {
		content := lipgloss.JoinVertical(lipgloss.Left,
			theme.Title.Render("PLUGINS"),
			theme.Dim.Render("  No plugins discovered yet..."),
		)
		return theme.Border.Width(innerWidth).Render(content)
	}

	names := sortedPluginNames(plugins)

	var lines []string
	for i, name := range names {
		lines = append(lines, renderPluginRow(i+1, plugins[name], turns, i == selected, theme))
	}

	content := lipgloss.JoinVertical(lipgloss.Left,
		append([]string{theme.Title.Render("PLUGINS")}, lines...)...,
	)

	return theme.Border.Width(innerWidth).Render(content)
}

func renderPluginRow(num int, p *PluginState, turns map[string]*TurnState, isSelected bool, theme Theme) string {
	row := p.Row

	nameStyle := lipgloss.NewStyle()
	if isSelected {
		nameStyle = nameStyle.Bold(true).
			Foreground(lipgloss.Color("230")).
			Background(lipgloss.Color("24"))
	}

	var line strings.Builder
	line.WriteString(fmt.Sprintf(" %d. %s  %s  %s",
		num,
		nameStyle.Render(fmt.Sprintf("%-18s", row.Name)),
		renderSessionBadge(row, theme),
		theme.Dim.Render(strings.Join(row.Functions, " ")),
	))

	if row.LastError != nil && *row.LastError != "" {
		line.WriteString("\n    " + theme.StatusFailed.Render("✗ "+*row.LastError))
	}

	// Active turns run underneath their plugin row.
	for _, turn := range activeTurnsFor(turns, row.Name) {
		line.WriteString("\n" + renderActiveTurn(turn, theme))
	}

	return line.String()
}

func renderSessionBadge(row pluginRow, theme Theme) string {
	if !row.Enabled {
		return theme.PhaseDead.Render("[disabled]")
	}
	s := row.Session
	if s == nil {
		return theme.Dim.Render("[idle]")
	}

	badge := "[" + s.Phase
	if s.PassthroughActive {
		badge += " ⇄"
	}
	if s.MissedPings > 0 {
		badge += fmt.Sprintf(" miss:%d", s.MissedPings)
	}
	badge += "]"
	return phaseStyle(s.Phase, theme).Render(badge)
}

func activeTurnsFor(turns map[string]*TurnState, plugin string) []*TurnState {
	var out []*TurnState
	for _, t := range turns {
		if t.Plugin == plugin && t.Status == "running" {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

func renderActiveTurn(t *TurnState, theme Theme) string {
	id := t.ID
	if len(id) > 8 {
		id = id[:8]
	}
	return fmt.Sprintf("    └─ %s %s %s %s",
		theme.Highlight.Render(id),
		t.Function,
		theme.Dim.Render(time.Since(t.StartedAt).Round(time.Millisecond).String()),
		theme.Dim.Render(fmt.Sprintf("%d chunk(s)", t.Chunks)),
	)
}
