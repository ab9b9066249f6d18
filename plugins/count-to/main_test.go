package main

import (
	"reflect"
	"testing"
	"time"

	"github.com/mattjoyce/tether/sdk/plugin"
)

func TestCountToStreamsEveryNumber(t *testing.T) {
	var chunks []string
	call := plugin.NewTestCall("count_to", map[string]any{
		"number":   float64(4),
		"delay_ms": float64(0),
	}, func(chunk string) { chunks = append(chunks, chunk) })

	data, err := countTo(call)
	if err != nil {
		t.Fatalf("countTo: %v", err)
	}
	if data != "done" {
		t.Errorf("data = %q, want %q", data, "done")
	}
	if want := []string{"1", "2", "3", "4"}; !reflect.DeepEqual(chunks, want) {
		t.Errorf("chunks = %v, want %v", chunks, want)
	}
	if call.KeepSession() {
		t.Error("count_to must not hold the session")
	}
}

func TestParseCountArgs(t *testing.T) {
	tests := []struct {
		name      string
		args      map[string]any
		wantN     int
		wantDelay time.Duration
		wantErr   bool
	}{
		{"defaults", map[string]any{}, defaultCount, defaultDelay, false},
		{"explicit", map[string]any{"number": float64(9), "delay_ms": float64(5)}, 9, 5 * time.Millisecond, false},
		{"zero delay", map[string]any{"delay_ms": float64(0)}, defaultCount, 0, false},
		{"number too small", map[string]any{"number": float64(0)}, 0, 0, true},
		{"number too large", map[string]any{"number": float64(maxCount + 1)}, 0, 0, true},
		{"number wrong type", map[string]any{"number": "three"}, 0, 0, true},
		{"negative delay", map[string]any{"delay_ms": float64(-1)}, 0, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, delay, err := parseCountArgs(tt.args)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected an error")
				}
				return
			}
			if err != nil {
				t.Fatalf("parseCountArgs: %v", err)
			}
			if n != tt.wantN || delay != tt.wantDelay {
				t.Errorf("got (%d, %s), want (%d, %s)", n, delay, tt.wantN, tt.wantDelay)
			}
		})
	}
}
