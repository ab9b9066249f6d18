package watch

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/tether/internal/events"
)

// TurnState tracks one execute turn observed on the event stream.
type TurnState struct {
	ID         string
	Plugin     string
	Function   string
	Status     string // running, ok, error, timeout
	Error      string
	Chunks     int
	StartedAt  time.Time
	FinishedAt time.Time
}

// maxTurns bounds the turn map; the oldest finished turns are evicted first.
const maxTurns = 64

// updateTurnState folds an execute.* event into the turn map.
func updateTurnState(turns map[string]*TurnState, e events.Event) {
	data := make(map[string]any)
	_ = json.Unmarshal(e.Data, &data)

	execID, _ := data["execution_id"].(string)
	if execID == "" {
		return
	}

	switch e.Type {
	case events.TypeExecuteStarted:
		function, _ := data["function"].(string)
		turns[execID] = &TurnState{
			ID:        execID,
			Plugin:    e.Plugin,
			Function:  function,
			Status:    "running",
			StartedAt: time.Now(),
		}
		evictOldTurns(turns)

	case events.TypeExecuteStream:
		if t, ok := turns[execID]; ok {
			t.Chunks++
		}

	case events.TypeExecuteFinished:
		t, ok := turns[execID]
		if !ok {
			t = &TurnState{ID: execID, Plugin: e.Plugin, StartedAt: time.Now()}
			turns[execID] = t
		}
		if status, ok := data["status"].(string); ok {
			t.Status = status
		}
		if msg, ok := data["error"].(string); ok {
			t.Error = msg
		}
		t.FinishedAt = time.Now()
	}
}

func evictOldTurns(turns map[string]*TurnState) {
	if len(turns) <= maxTurns {
		return
	}
	finished := make([]*TurnState, 0, len(turns))
	for _, t := range turns {
		if t.Status != "running" {
			finished = append(finished, t)
		}
	}
	sort.Slice(finished, func(i, j int) bool { return finished[i].FinishedAt.Before(finished[j].FinishedAt) })
	for _, t := range finished {
		if len(turns) <= maxTurns {
			break
		}
		delete(turns, t.ID)
	}
}

// sortedTurns returns turns newest first: running turns ahead of finished.
func sortedTurns(turns map[string]*TurnState) []*TurnState {
	out := make([]*TurnState, 0, len(turns))
	for _, t := range turns {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		ri, rj := out[i].Status == "running", out[j].Status == "running"
		if ri != rj {
			return ri
		}
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	return out
}

func renderExecutions(turns map[string]*TurnState, theme Theme, width int) string {
	innerWidth := width - 4

	if len(turns) == 0 {
		content := lipgloss.JoinVertical(lipgloss.Left,
			theme.Title.Render("EXECUTIONS"),
			theme.Dim.Render("  No executions observed yet..."),
		)
		return theme.Border.Width(innerWidth).Render(content)
	}

	var lines []string
	for i, t := range sortedTurns(turns) {
		if i >= 8 {
			break
		}
		lines = append(lines, renderTurnRow(t, theme))
	}

	content := lipgloss.JoinVertical(lipgloss.Left,
		append([]string{theme.Title.Render("EXECUTIONS")}, lines...)...,
	)
	return theme.Border.Width(innerWidth).Render(content)
}

func renderTurnRow(t *TurnState, theme Theme) string {
	id := t.ID
	if len(id) > 8 {
		id = id[:8]
	}

	var style lipgloss.Style
	var duration time.Duration
	switch t.Status {
	case "running":
		style = theme.PhaseBusy
		duration = time.Since(t.StartedAt)
	case "ok":
		style = theme.StatusOK
		duration = t.FinishedAt.Sub(t.StartedAt)
	default:
		style = theme.StatusFailed
		duration = t.FinishedAt.Sub(t.StartedAt)
	}
	// Pad before styling so ANSI codes do not skew the column width.
	status := style.Render(fmt.Sprintf("%-9s", "["+t.Status+"]"))

	name := t.Plugin
	if t.Function != "" {
		name += "/" + t.Function
	}

	tail := theme.Dim.Render(fmt.Sprintf("%s, %d chunk(s)", duration.Round(time.Millisecond), t.Chunks))
	if t.Error != "" {
		msg := t.Error
		if len(msg) > 40 {
			msg = msg[:40] + "..."
		}
		tail += " " + theme.StatusFailed.Render(msg)
	}

	return fmt.Sprintf(" %s %-26s %s %s", theme.Highlight.Render(id), name, status, tail)
}
