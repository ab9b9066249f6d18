package session

import (
	"context"
	"errors"
	"reflect"
	"strconv"
	"testing"
	"time"

	"github.com/mattjoyce/tether/internal/protocol"
)

// waitForPhase polls until the session reaches the wanted phase.
func waitForPhase(t *testing.T, s *Session, want Phase) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		if got := s.Phase(); got == want {
			return
		} else if time.Now().After(deadline) {
			t.Fatalf("session stuck in phase %s, want %s", got, want)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// countToHandler streams the numbers 1..n for a count_to execute and finishes
// with a complete carrying "done".
func countToHandler(fp *fakePlugin) func(msg *protocol.Message) {
	return func(msg *protocol.Message) {
		if msg.Method != protocol.MethodExecute {
			return
		}
		var ep protocol.ExecuteParams
		if err := protocol.UnmarshalParams(msg.Params, &ep); err != nil {
			fp.t.Errorf("decode execute params: %v", err)
			return
		}
		if ep.Function != "count_to" {
			fp.respondErr(*msg.ID, protocol.CodeMethodNotFound, "unknown function: "+ep.Function)
			return
		}
		n := 3
		if v, ok := ep.Arguments["number"].(float64); ok {
			n = int(v)
		}
		for i := 1; i <= n; i++ {
			fp.stream(*msg.ID, strconv.Itoa(i))
		}
		fp.complete(*msg.ID, true, "done", false)
	}
}

func TestExecuteStreamsAndCompletes(t *testing.T) {
	s, fp := newTestSession(t, testProtoCfg())
	fp.serveWellBehaved(countToHandler(fp))
	if _, err := s.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	var chunks []string
	res, err := s.Execute(context.Background(), protocol.ExecuteParams{
		Function:  "count_to",
		Arguments: map[string]any{"number": 3},
	}, func(data string) { chunks = append(chunks, data) })
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !res.Success {
		t.Error("result not marked successful")
	}
	if res.Data != "done" {
		t.Errorf("terminal data = %q, want %q", res.Data, "done")
	}
	if res.Accumulated != "123done" {
		t.Errorf("accumulated = %q, want %q", res.Accumulated, "123done")
	}
	if res.KeepSession {
		t.Error("count_to must not hold the session")
	}
	if res.Elapsed <= 0 {
		t.Errorf("elapsed = %s", res.Elapsed)
	}
	if want := []string{"1", "2", "3"}; !reflect.DeepEqual(chunks, want) {
		t.Errorf("stream chunks = %v, want %v", chunks, want)
	}
	if got := s.Phase(); got != PhaseReady {
		t.Errorf("phase after execute = %s, want %s", got, PhaseReady)
	}
}

func TestExecuteErrorNotificationFailsTurnOnly(t *testing.T) {
	s, fp := newTestSession(t, testProtoCfg())
	fp.serveWellBehaved(func(msg *protocol.Message) {
		if msg.Method == protocol.MethodExecute {
			fp.stream(*msg.ID, "partial")
			fp.fail(*msg.ID, protocol.CodePluginError, "handler exploded")
		}
	})
	if _, err := s.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	_, err := s.Execute(context.Background(), protocol.ExecuteParams{Function: "boom"}, nil)
	var rpcErr *protocol.RPCError
	if !errors.As(err, &rpcErr) {
		t.Fatalf("execute err = %v, want rpc error", err)
	}
	if rpcErr.Code != protocol.CodePluginError {
		t.Errorf("code = %d, want %d", rpcErr.Code, protocol.CodePluginError)
	}
	// A failed execution is not fatal: the session returns to ready.
	if got := s.Phase(); got != PhaseReady {
		t.Errorf("phase = %s, want %s", got, PhaseReady)
	}
	select {
	case <-s.Done():
		t.Error("session terminated after a handler error")
	default:
	}
}

func TestExecuteUnknownFunctionResolvesViaErrorResponse(t *testing.T) {
	s, fp := newTestSession(t, testProtoCfg())
	fp.serveWellBehaved(countToHandler(fp))
	if _, err := s.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	_, err := s.Execute(context.Background(), protocol.ExecuteParams{Function: "no_such"}, nil)
	var rpcErr *protocol.RPCError
	if !errors.As(err, &rpcErr) || rpcErr.Code != protocol.CodeMethodNotFound {
		t.Fatalf("execute err = %v, want rpc error %d", err, protocol.CodeMethodNotFound)
	}
	if got := s.Phase(); got != PhaseReady {
		t.Errorf("phase = %s, want %s", got, PhaseReady)
	}
}

func TestExecuteDeadlineTerminatesSession(t *testing.T) {
	cfg := testProtoCfg()
	cfg.ExecuteDeadline = 100 * time.Millisecond
	s, fp := newTestSession(t, cfg)
	// Accepts the execute and never finishes it.
	fp.serveWellBehaved(func(msg *protocol.Message) {})
	if _, err := s.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	_, err := s.Execute(context.Background(), protocol.ExecuteParams{Function: "stall"}, nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("execute err = %v, want deadline exceeded", err)
	}
	waitDone(t, s)
	if got := s.TerminateReason(); got != ReasonDeadline {
		t.Errorf("terminate reason = %q, want %q", got, ReasonDeadline)
	}
}

func TestExecuteRejectedBeforeInitialize(t *testing.T) {
	s, fp := newTestSession(t, testProtoCfg())
	fp.serveWellBehaved(nil)

	_, err := s.Execute(context.Background(), protocol.ExecuteParams{Function: "count_to"}, nil)
	if !errors.Is(err, ErrNotReady) {
		t.Fatalf("execute err = %v, want %v", err, ErrNotReady)
	}
}

func TestExecuteRejectedWhileExecuting(t *testing.T) {
	s, fp := newTestSession(t, testProtoCfg())
	release := make(chan struct{})
	fp.serveWellBehaved(func(msg *protocol.Message) {
		if msg.Method == protocol.MethodExecute {
			id := *msg.ID
			go func() {
				<-release
				fp.complete(id, true, "late", false)
			}()
		}
	})
	if _, err := s.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	resCh := make(chan error, 1)
	go func() {
		_, err := s.Execute(context.Background(), protocol.ExecuteParams{Function: "slow"}, nil)
		resCh <- err
	}()
	waitForPhase(t, s, PhaseExecuting)

	if _, err := s.Execute(context.Background(), protocol.ExecuteParams{Function: "second"}, nil); !errors.Is(err, ErrNotReady) {
		t.Errorf("concurrent execute err = %v, want %v", err, ErrNotReady)
	}

	close(release)
	if err := <-resCh; err != nil {
		t.Fatalf("first execute: %v", err)
	}
	if got := s.Phase(); got != PhaseReady {
		t.Errorf("phase = %s, want %s", got, PhaseReady)
	}
}

func TestPassthroughTurns(t *testing.T) {
	s, fp := newTestSession(t, testProtoCfg())
	turns := 0
	fp.serveWellBehaved(func(msg *protocol.Message) {
		switch msg.Method {
		case protocol.MethodExecute:
			fp.stream(*msg.ID, "hello, ask me things")
			fp.complete(*msg.ID, true, "", true)
		case protocol.MethodInput:
			var ip protocol.InputParams
			if err := protocol.UnmarshalParams(msg.Params, &ip); err != nil {
				fp.t.Errorf("decode input params: %v", err)
				return
			}
			fp.respond(*msg.ID, protocol.AckResult{Acknowledged: true})
			fp.stream(*msg.ID, "echo: "+ip.Content)
			turns++
			// First turn keeps the conversation open, second ends it.
			fp.complete(*msg.ID, true, "", turns < 2)
		}
	})
	if _, err := s.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	res, err := s.Execute(context.Background(), protocol.ExecuteParams{Function: "chat"}, nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !res.KeepSession {
		t.Fatal("chat did not request passthrough")
	}
	if got := s.Phase(); got != PhasePassthroughWaiting {
		t.Fatalf("phase = %s, want %s", got, PhasePassthroughWaiting)
	}
	if !s.PassthroughActive() {
		t.Fatal("passthrough flag not raised")
	}

	res, err = s.SendInput(context.Background(), "first", nil)
	if err != nil {
		t.Fatalf("first input: %v", err)
	}
	if res.Accumulated != "echo: first" {
		t.Errorf("accumulated = %q, want %q", res.Accumulated, "echo: first")
	}
	if !res.KeepSession {
		t.Error("first turn should keep the session")
	}
	if got := s.Phase(); got != PhasePassthroughWaiting {
		t.Errorf("phase = %s, want %s", got, PhasePassthroughWaiting)
	}

	res, err = s.SendInput(context.Background(), "second", nil)
	if err != nil {
		t.Fatalf("second input: %v", err)
	}
	if res.KeepSession {
		t.Error("second turn should end the session")
	}
	if got := s.Phase(); got != PhaseReady {
		t.Errorf("phase = %s, want %s", got, PhaseReady)
	}
	if s.PassthroughActive() {
		t.Error("passthrough flag still raised")
	}
}

func TestSendInputRequiresPassthrough(t *testing.T) {
	s, fp := newTestSession(t, testProtoCfg())
	fp.serveWellBehaved(nil)
	if _, err := s.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	_, err := s.SendInput(context.Background(), "hello?", nil)
	if !errors.Is(err, ErrNotReady) {
		t.Fatalf("input err = %v, want %v", err, ErrNotReady)
	}
}

func TestSendInputAckTimeoutTerminatesSession(t *testing.T) {
	cfg := testProtoCfg()
	cfg.InputAckDeadline = 80 * time.Millisecond
	s, fp := newTestSession(t, cfg)
	fp.serveWellBehaved(func(msg *protocol.Message) {
		switch msg.Method {
		case protocol.MethodExecute:
			fp.complete(*msg.ID, true, "", true)
		case protocol.MethodInput:
			// Swallows the input without acknowledging.
		}
	})
	if _, err := s.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if _, err := s.Execute(context.Background(), protocol.ExecuteParams{Function: "chat"}, nil); err != nil {
		t.Fatalf("execute: %v", err)
	}

	_, err := s.SendInput(context.Background(), "anyone there?", nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("input err = %v, want deadline exceeded", err)
	}
	waitDone(t, s)
	if got := s.TerminateReason(); got != ReasonDeadline {
		t.Errorf("terminate reason = %q, want %q", got, ReasonDeadline)
	}
}

func TestStreamOrderPreservedAndDuplicateTerminalDropped(t *testing.T) {
	const chunkCount = 40
	s, fp := newTestSession(t, testProtoCfg())
	fp.serveWellBehaved(func(msg *protocol.Message) {
		if msg.Method != protocol.MethodExecute {
			return
		}
		for i := 0; i < chunkCount; i++ {
			fp.stream(*msg.ID, strconv.Itoa(i)+";")
		}
		fp.complete(*msg.ID, true, "end", false)
		// A second terminal for the same request must be discarded.
		fp.complete(*msg.ID, false, "again", true)
	})
	if _, err := s.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	var chunks []string
	res, err := s.Execute(context.Background(), protocol.ExecuteParams{Function: "flood"}, func(data string) {
		chunks = append(chunks, data)
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if len(chunks) != chunkCount {
		t.Fatalf("received %d chunks, want %d", len(chunks), chunkCount)
	}
	for i, c := range chunks {
		if want := strconv.Itoa(i) + ";"; c != want {
			t.Fatalf("chunk %d = %q, want %q", i, c, want)
		}
	}
	if res.Data != "end" || !res.Success || res.KeepSession {
		t.Errorf("first terminal did not win: %+v", res)
	}

	// The duplicate must not disturb the session.
	if _, err := s.Ping(context.Background()); err != nil {
		t.Errorf("ping after duplicate terminal: %v", err)
	}
	if got := s.Phase(); got != PhaseReady {
		t.Errorf("phase = %s, want %s", got, PhaseReady)
	}
}

func TestRequestIDsMonotonicallyIncrease(t *testing.T) {
	s, fp := newTestSession(t, testProtoCfg())
	fp.serveWellBehaved(countToHandler(fp))
	if _, err := s.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if _, err := s.Ping(context.Background()); err != nil {
		t.Fatalf("ping: %v", err)
	}
	if _, err := s.Execute(context.Background(), protocol.ExecuteParams{Function: "count_to"}, nil); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if _, err := s.Ping(context.Background()); err != nil {
		t.Fatalf("second ping: %v", err)
	}

	ids := fp.requestIDs()
	if want := []uint64{1, 2, 3, 4}; !reflect.DeepEqual(ids, want) {
		t.Errorf("request ids = %v, want %v", ids, want)
	}
}

func TestPingRecordsPong(t *testing.T) {
	s, fp := newTestSession(t, testProtoCfg())
	fp.serveWellBehaved(nil)
	if _, err := s.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	rtt, err := s.Ping(context.Background())
	if err != nil {
		t.Fatalf("ping: %v", err)
	}
	if rtt <= 0 {
		t.Errorf("rtt = %s", rtt)
	}
	if s.LastPongAt().IsZero() {
		t.Error("pong not recorded")
	}
	if got := s.MissedPings(); got != 0 {
		t.Errorf("missed pings = %d, want 0", got)
	}
}

func TestPingDuringSlowExecute(t *testing.T) {
	s, fp := newTestSession(t, testProtoCfg())
	fp.serveWellBehaved(func(msg *protocol.Message) {
		if msg.Method == protocol.MethodExecute {
			id := *msg.ID
			go func() {
				time.Sleep(150 * time.Millisecond)
				fp.complete(id, true, "slow", false)
			}()
		}
	})
	if _, err := s.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	type execOut struct {
		res *ExecuteResult
		err error
	}
	resCh := make(chan execOut, 1)
	go func() {
		res, err := s.Execute(context.Background(), protocol.ExecuteParams{Function: "slow"}, nil)
		resCh <- execOut{res, err}
	}()
	waitForPhase(t, s, PhaseExecuting)

	// Liveness probes must flow while a handler is busy.
	for i := 0; i < 3; i++ {
		if _, err := s.Ping(context.Background()); err != nil {
			t.Fatalf("ping %d during execute: %v", i, err)
		}
		time.Sleep(20 * time.Millisecond)
	}

	out := <-resCh
	if out.err != nil {
		t.Fatalf("execute: %v", out.err)
	}
	if out.res.Data != "slow" {
		t.Errorf("terminal data = %q, want %q", out.res.Data, "slow")
	}
	if got := s.Phase(); got != PhaseReady {
		t.Errorf("phase = %s, want %s", got, PhaseReady)
	}
}

func TestExecuteCanceledByCaller(t *testing.T) {
	s, fp := newTestSession(t, testProtoCfg())
	fp.serveWellBehaved(func(msg *protocol.Message) {})
	if _, err := s.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() {
		_, err := s.Execute(ctx, protocol.ExecuteParams{Function: "stall"}, nil)
		errCh <- err
	}()
	waitForPhase(t, s, PhaseExecuting)
	cancel()
	if err := <-errCh; !errors.Is(err, context.Canceled) {
		t.Fatalf("execute err = %v, want canceled", err)
	}
	// Caller cancellation abandons the turn without killing the plugin.
	if got := s.Phase(); got != PhaseReady {
		t.Errorf("phase = %s, want %s", got, PhaseReady)
	}
	select {
	case <-s.Done():
		t.Error("session terminated on caller cancellation")
	default:
	}
}
