package e2e

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mattjoyce/tether/internal/config"
	"github.com/mattjoyce/tether/internal/events"
	"github.com/mattjoyce/tether/internal/history"
	"github.com/mattjoyce/tether/internal/log"
	"github.com/mattjoyce/tether/internal/manager"
	"github.com/mattjoyce/tether/internal/plugin"
	"github.com/mattjoyce/tether/internal/protocol"
	"github.com/mattjoyce/tether/internal/session"
	"github.com/mattjoyce/tether/internal/state"
	"github.com/mattjoyce/tether/internal/storage"
)

// harness wires a full engine over a temp directory: real SQLite journal,
// real plugin subprocesses.
type harness struct {
	cfg  *config.Config
	mgr  *manager.Manager
	hist *history.Store
	hub  *events.Hub
}

func newHarness(t *testing.T, personalities ...string) *harness {
	t.Helper()
	log.Setup("error")

	root := t.TempDir()
	pluginsDir := filepath.Join(root, "plugins")
	for _, name := range personalities {
		installPlugin(t, pluginsDir, name)
	}

	cfg := config.Defaults()
	cfg.Service.LogLevel = "error"
	cfg.Service.PidFile = filepath.Join(root, "tether.pid")
	cfg.State.Path = filepath.Join(root, "tether.db")
	cfg.PluginsDir = pluginsDir

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	reg, err := plugin.Discover(pluginsDir, nil)
	if err != nil {
		t.Fatalf("discover plugins: %v", err)
	}
	for _, f := range reg.Failures() {
		t.Fatalf("plugin failed discovery: %s: %s", f.Path, f.Error)
	}

	hist := history.New(db)
	hub := events.NewHub(64)
	mgr := manager.New(cfg, reg, hist, state.NewStore(db), hub, "e2e")
	t.Cleanup(func() {
		sctx, scancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer scancel()
		mgr.Shutdown(sctx)
	})
	return &harness{cfg: cfg, mgr: mgr, hist: hist, hub: hub}
}

// installPlugin copies the test binary into a plugin directory named after
// the personality it should assume and writes a matching manifest.
func installPlugin(t *testing.T, pluginsDir, name string) {
	t.Helper()
	self, err := os.Executable()
	if err != nil {
		t.Fatalf("locate test binary: %v", err)
	}
	data, err := os.ReadFile(self)
	if err != nil {
		t.Fatalf("read test binary: %v", err)
	}
	dir := filepath.Join(pluginsDir, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("create plugin dir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, name), data, 0o755); err != nil {
		t.Fatalf("install plugin binary: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "manifest.yaml"), []byte(manifestFor(t, name)), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
}

func manifestFor(t *testing.T, name string) string {
	t.Helper()
	switch name {
	case "count-to":
		return `name: count-to
version: 1.0.0
description: Streams a count for engine tests.
protocol: "2.0"
executable: ./count-to
functions:
  - count_to
`
	case "echo-chat":
		return `name: echo-chat
version: 1.0.0
description: Echoes passthrough input for engine tests.
protocol: "2.0"
executable: ./echo-chat
passthrough: true
functions:
  - echo_chat
`
	default:
		t.Fatalf("no manifest for personality %q", name)
		return ""
	}
}

// chunkLog collects stream chunks across goroutines. OnStream callbacks run
// on the session's read loop, not the test goroutine.
type chunkLog struct {
	mu     sync.Mutex
	chunks []string
}

func (c *chunkLog) add(data string) {
	c.mu.Lock()
	c.chunks = append(c.chunks, data)
	c.mu.Unlock()
}

func (c *chunkLog) all() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.chunks...)
}

func TestExecuteStreamsAndJournals(t *testing.T) {
	h := newHarness(t, "count-to")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	evCh, unsub := h.hub.Subscribe()

	chunks := &chunkLog{}
	resp, err := h.mgr.Execute(ctx, manager.ExecuteRequest{
		Function:  "count_to",
		Arguments: map[string]any{"number": 3, "delay_ms": 1},
		OnStream:  chunks.add,
	})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if resp.Plugin != "count-to" || resp.Function != "count_to" {
		t.Fatalf("routed to plugin=%q function=%q", resp.Plugin, resp.Function)
	}
	res := resp.Result
	if !res.Success {
		t.Fatalf("turn did not succeed: %+v", res)
	}
	if res.Data != "done" {
		t.Errorf("Data = %q, want %q", res.Data, "done")
	}
	if res.KeepSession {
		t.Error("KeepSession = true, want false")
	}
	if res.Accumulated != "123done" {
		t.Errorf("Accumulated = %q, want %q", res.Accumulated, "123done")
	}

	got := chunks.all()
	want := []string{"1", "2", "3"}
	if len(got) != len(want) {
		t.Fatalf("stream chunks = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("chunk[%d] = %q, want %q", i, got[i], want[i])
		}
	}

	rec, err := h.hist.Get(ctx, resp.ExecutionID)
	if err != nil {
		t.Fatalf("journal lookup: %v", err)
	}
	if rec.Execution.Status != history.StatusOK {
		t.Errorf("journal status = %q, want %q", rec.Execution.Status, history.StatusOK)
	}
	if rec.Execution.Response == nil || *rec.Execution.Response != "123done" {
		t.Errorf("journal response = %v, want 123done", rec.Execution.Response)
	}
	var streams, completes int
	for _, ev := range rec.Events {
		switch ev.Kind {
		case history.EventStream:
			streams++
		case history.EventComplete:
			completes++
		}
	}
	if streams != 3 || completes != 1 {
		t.Errorf("journal events: %d stream, %d complete; want 3 and 1", streams, completes)
	}

	// Session stays warm for the next turn.
	if live := h.mgr.LiveSessions(); len(live) != 1 {
		t.Errorf("live sessions after turn = %d, want 1", len(live))
	}

	// The hub saw the turn begin, stream, and finish.
	unsub()
	seen := map[string]int{}
	for ev := range evCh {
		if ev.Plugin == "count-to" {
			seen[ev.Type]++
		}
	}
	if seen[events.TypeExecuteStarted] != 1 {
		t.Errorf("%s events = %d, want 1", events.TypeExecuteStarted, seen[events.TypeExecuteStarted])
	}
	if seen[events.TypeExecuteStream] != 3 {
		t.Errorf("%s events = %d, want 3", events.TypeExecuteStream, seen[events.TypeExecuteStream])
	}
	if seen[events.TypeExecuteFinished] != 1 {
		t.Errorf("%s events = %d, want 1", events.TypeExecuteFinished, seen[events.TypeExecuteFinished])
	}
}

func TestPassthroughConversation(t *testing.T) {
	h := newHarness(t, "echo-chat")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	opening := &chunkLog{}
	resp, err := h.mgr.Execute(ctx, manager.ExecuteRequest{
		Function:  "echo_chat",
		Arguments: map[string]any{"greeting": "hi there"},
		OnStream:  opening.add,
	})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if !resp.Result.KeepSession {
		t.Fatal("opening turn should hold the session")
	}
	if got := opening.all(); len(got) != 1 || got[0] != "hi there" {
		t.Fatalf("greeting chunks = %v, want [hi there]", got)
	}
	if owner := h.mgr.Passthrough(); owner != "echo-chat" {
		t.Fatalf("passthrough owner = %q, want echo-chat", owner)
	}

	turn := &chunkLog{}
	in, err := h.mgr.SendInput(ctx, "hello", turn.add)
	if err != nil {
		t.Fatalf("SendInput failed: %v", err)
	}
	if in.Function != "input" {
		t.Errorf("input journaled as function %q, want input", in.Function)
	}
	if !in.Result.KeepSession {
		t.Error("echo turn should keep the session")
	}
	if got := turn.all(); len(got) != 1 || got[0] != "echo: hello" {
		t.Errorf("echo chunks = %v, want [echo: hello]", got)
	}

	last, err := h.mgr.SendInput(ctx, "exit", nil)
	if err != nil {
		t.Fatalf("exit turn failed: %v", err)
	}
	if last.Result.KeepSession {
		t.Error("exit should release the session")
	}
	if last.Result.Data != "goodbye" {
		t.Errorf("exit Data = %q, want goodbye", last.Result.Data)
	}
	if owner := h.mgr.Passthrough(); owner != "" {
		t.Errorf("passthrough after exit = %q, want released", owner)
	}

	if _, err := h.mgr.SendInput(ctx, "anyone there?", nil); !errors.Is(err, manager.ErrNoPassthrough) {
		t.Errorf("input after release: err = %v, want ErrNoPassthrough", err)
	}

	// All three turns were journaled: echo_chat plus two input turns.
	rows, err := h.hist.List(ctx, history.Filter{Plugin: "echo-chat"})
	if err != nil {
		t.Fatalf("journal list: %v", err)
	}
	funcs := map[string]int{}
	for _, row := range rows {
		funcs[row.Function]++
		if row.Status != history.StatusOK {
			t.Errorf("execution %s status = %q, want ok", row.ID, row.Status)
		}
	}
	if funcs["echo_chat"] != 1 || funcs["input"] != 2 {
		t.Errorf("journaled functions = %v, want 1 echo_chat and 2 input", funcs)
	}
}

func TestPluginErrorFailsTurnNotSession(t *testing.T) {
	h := newHarness(t, "count-to")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	_, err := h.mgr.Execute(ctx, manager.ExecuteRequest{
		Function:  "count_to",
		Arguments: map[string]any{"number": 0},
	})
	if err == nil {
		t.Fatal("expected an error for number=0")
	}
	var rpcErr *protocol.RPCError
	if !errors.As(err, &rpcErr) {
		t.Fatalf("err = %T (%v), want *protocol.RPCError", err, err)
	}
	if rpcErr.Code != protocol.CodePluginError {
		t.Errorf("code = %d, want %d", rpcErr.Code, protocol.CodePluginError)
	}
	if !strings.Contains(rpcErr.Message, "number must be between") {
		t.Errorf("message = %q, want the handler's validation error", rpcErr.Message)
	}

	// A handler error fails the turn, not the session.
	if live := h.mgr.LiveSessions(); len(live) != 1 {
		t.Errorf("live sessions = %d, want 1", len(live))
	}

	rows, err := h.hist.List(ctx, history.Filter{Plugin: "count-to", Status: history.StatusError})
	if err != nil {
		t.Fatalf("journal list: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("error journal rows = %d, want 1", len(rows))
	}
	if rows[0].Error == nil || !strings.Contains(*rows[0].Error, "number must be between") {
		t.Errorf("journal error = %v, want the handler's validation error", rows[0].Error)
	}

	// The same session serves the next turn.
	resp, err := h.mgr.Execute(ctx, manager.ExecuteRequest{
		Function:  "count_to",
		Arguments: map[string]any{"number": 1},
	})
	if err != nil {
		t.Fatalf("follow-up execute failed: %v", err)
	}
	if resp.Result.Data != "done" {
		t.Errorf("follow-up Data = %q, want done", resp.Result.Data)
	}
}

func TestWatchdogSeesLivenessDuringSlowTurn(t *testing.T) {
	h := newHarness(t, "count-to")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	wd := session.NewWatchdog(h.mgr, 50*time.Millisecond)
	var misses atomic.Int32
	wd.OnMiss = func(plugin, sessionID string, n int) {
		misses.Add(1)
	}
	wctx, wcancel := context.WithCancel(ctx)
	defer wcancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = wd.Start(wctx)
	}()

	// Roughly 300ms of handler work. The dispatcher answers pings on its
	// read loop, so a busy handler must not register as a missed ping.
	resp, err := h.mgr.Execute(ctx, manager.ExecuteRequest{
		Function:  "count_to",
		Arguments: map[string]any{"number": 5, "delay_ms": 75},
	})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if !resp.Result.Success {
		t.Fatalf("slow turn did not complete: %+v", resp.Result)
	}

	wcancel()
	<-done
	if n := misses.Load(); n != 0 {
		t.Errorf("watchdog recorded %d missed pings during a busy turn, want 0", n)
	}
}

func TestShutdownTerminatesAllSessions(t *testing.T) {
	h := newHarness(t, "count-to", "echo-chat")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if _, err := h.mgr.Execute(ctx, manager.ExecuteRequest{
		Function:  "count_to",
		Arguments: map[string]any{"number": 1},
	}); err != nil {
		t.Fatalf("count_to execute failed: %v", err)
	}
	if _, err := h.mgr.Execute(ctx, manager.ExecuteRequest{Function: "echo_chat"}); err != nil {
		t.Fatalf("echo_chat execute failed: %v", err)
	}
	if live := h.mgr.LiveSessions(); len(live) != 2 {
		t.Fatalf("live sessions = %d, want 2", len(live))
	}

	sctx, scancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer scancel()
	h.mgr.Shutdown(sctx)

	if live := h.mgr.LiveSessions(); len(live) != 0 {
		t.Errorf("live sessions after shutdown = %d, want 0", len(live))
	}
	if owner := h.mgr.Passthrough(); owner != "" {
		t.Errorf("passthrough after shutdown = %q, want released", owner)
	}
	if _, err := h.mgr.Execute(ctx, manager.ExecuteRequest{Function: "count_to"}); !errors.Is(err, manager.ErrShuttingDown) {
		t.Errorf("execute after shutdown: err = %v, want ErrShuttingDown", err)
	}
}
