package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mattjoyce/tether/internal/events"
)

func TestHandleEventsReplaysBufferedEvents(t *testing.T) {
	hub := events.NewHub(16)
	hub.Publish(events.TypeExecuteStarted, "counter", map[string]string{"execution_id": "e1"})
	hub.Publish(events.TypeExecuteFinished, "counter", map[string]string{"execution_id": "e1"})

	srv := newTestServer(&fakeEngine{}, &fakeJournal{}, "")
	srv.hub = hub

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/v1/events", nil).WithContext(ctx)
	rr := httptest.NewRecorder()

	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	srv.routes().ServeHTTP(rr, req)

	if ct := rr.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content-type = %q, want text/event-stream", ct)
	}
	body := rr.Body.String()
	if !strings.Contains(body, "id: 1\n") || !strings.Contains(body, "id: 2\n") {
		t.Errorf("buffered events not replayed:\n%s", body)
	}
	if !strings.Contains(body, "event: "+events.TypeExecuteStarted) {
		t.Errorf("event type line missing:\n%s", body)
	}
	if !strings.Contains(body, `"plugin":"counter"`) {
		t.Errorf("event payload missing plugin:\n%s", body)
	}
}

func TestHandleEventsHonorsLastEventID(t *testing.T) {
	hub := events.NewHub(16)
	hub.Publish(events.TypeSessionState, "chat", map[string]string{"phase": "ready"})
	hub.Publish(events.TypeSessionState, "chat", map[string]string{"phase": "executing"})

	srv := newTestServer(&fakeEngine{}, &fakeJournal{}, "")
	srv.hub = hub

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/v1/events", nil).WithContext(ctx)
	req.Header.Set("Last-Event-ID", "1")
	rr := httptest.NewRecorder()

	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	srv.routes().ServeHTTP(rr, req)

	body := rr.Body.String()
	if strings.Contains(body, "id: 1\n") {
		t.Errorf("event 1 replayed despite Last-Event-ID:\n%s", body)
	}
	if !strings.Contains(body, "id: 2\n") {
		t.Errorf("event 2 missing:\n%s", body)
	}
}

func TestParseLastEventID(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want int64
	}{
		{"", 0},
		{"7", 7},
		{"-3", 0},
		{"junk", 0},
	}
	for _, tc := range cases {
		if got := parseLastEventID(tc.in); got != tc.want {
			t.Errorf("parseLastEventID(%q) = %d, want %d", tc.in, got, tc.want)
		}
	}
}
