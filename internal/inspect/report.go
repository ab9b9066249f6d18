// Package inspect renders journaled executions for terminal and JSON output.
package inspect

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mattjoyce/tether/internal/history"
)

// BuildReport renders a terminal-friendly report for one execution: the
// journaled outcome followed by the ordered notification trail.
func BuildReport(ctx context.Context, store *history.Store, executionID string) (string, error) {
	rec, err := gather(ctx, store, executionID)
	if err != nil {
		return "", err
	}
	ex := rec.Execution

	var out strings.Builder
	fmt.Fprintf(&out, "Execution Report\n")
	fmt.Fprintf(&out, "ID        : %s\n", ex.ID)
	fmt.Fprintf(&out, "Plugin    : %s\n", ex.Plugin)
	fmt.Fprintf(&out, "Function  : %s\n", ex.Function)
	fmt.Fprintf(&out, "Status    : %s\n", ex.Status)
	fmt.Fprintf(&out, "Started   : %s\n", ex.StartedAt.Format(time.RFC3339))
	fmt.Fprintf(&out, "Duration  : %s\n", renderDuration(ex))
	fmt.Fprintf(&out, "Session   : %s\n", renderSession(ex.KeepSession))

	if len(ex.Arguments) > 0 && string(ex.Arguments) != "null" {
		fmt.Fprintf(&out, "\nArguments:\n")
		for _, line := range strings.Split(strings.TrimSpace(prettyJSON(ex.Arguments)), "\n") {
			fmt.Fprintf(&out, "  %s\n", line)
		}
	}

	fmt.Fprintf(&out, "\nEvents:\n")
	if len(rec.Events) == 0 {
		fmt.Fprintf(&out, "  <none>\n")
	}
	for _, ev := range rec.Events {
		offset := ev.At.Sub(ex.StartedAt).Round(time.Millisecond)
		if offset < 0 {
			offset = 0
		}
		fmt.Fprintf(&out, "  [%d] +%-9s %-8s %s\n", ev.Seq, offset, ev.Kind, renderPayload(ev.Payload))
	}

	switch {
	case ex.Error != nil:
		fmt.Fprintf(&out, "\nError:\n  %s\n", *ex.Error)
	case ex.Response != nil:
		fmt.Fprintf(&out, "\nResponse:\n")
		for _, line := range strings.Split(*ex.Response, "\n") {
			fmt.Fprintf(&out, "  %s\n", line)
		}
	}

	return strings.TrimRight(out.String(), "\n") + "\n", nil
}

// BuildJSONReport returns the machine-readable JSON form of the record.
func BuildJSONReport(ctx context.Context, store *history.Store, executionID string) (string, error) {
	rec, err := gather(ctx, store, executionID)
	if err != nil {
		return "", err
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal json report: %w", err)
	}
	return string(data), nil
}

func gather(ctx context.Context, store *history.Store, executionID string) (*history.Record, error) {
	if strings.TrimSpace(executionID) == "" {
		return nil, fmt.Errorf("execution id is required")
	}
	return store.Get(ctx, executionID)
}

func renderDuration(ex history.Execution) string {
	if ex.DurationMS == nil {
		return "<running>"
	}
	return (time.Duration(*ex.DurationMS) * time.Millisecond).String()
}

func renderSession(keep bool) string {
	if keep {
		return "held open"
	}
	return "released"
}

// renderPayload keeps the event trail one line per event.
func renderPayload(payload string) string {
	if payload == "" {
		return "<empty>"
	}
	return strings.ReplaceAll(payload, "\n", `\n`)
}

func prettyJSON(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "{}"
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return string(raw)
	}
	return string(out)
}
