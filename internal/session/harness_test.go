package session

import (
	"io"
	"sync"
	"testing"
	"time"

	"github.com/mattjoyce/tether/internal/config"
	"github.com/mattjoyce/tether/internal/protocol"
)

// testProtoCfg returns protocol limits scaled down so liveness and deadline
// behavior is observable without wall-clock waits.
func testProtoCfg() config.ProtocolConfig {
	return config.ProtocolConfig{
		MaxMessageSize:     1 << 20,
		PingDeadline:       120 * time.Millisecond,
		InputAckDeadline:   200 * time.Millisecond,
		ExecuteDeadline:    600 * time.Millisecond,
		InitializeDeadline: 600 * time.Millisecond,
		ShutdownGrace:      150 * time.Millisecond,
	}
}

// fakeProc satisfies processHandle for sessions running over in-memory
// pipes. Kill closes the plugin side of both pipes and reports the exit, the
// same observable effects a real process death has.
type fakeProc struct {
	once   sync.Once
	exited chan struct{}
	killFn func()
}

func (p *fakeProc) Kill() error {
	p.once.Do(func() {
		if p.killFn != nil {
			p.killFn()
		}
		close(p.exited)
	})
	return nil
}

func (p *fakeProc) Exited() <-chan struct{} { return p.exited }
func (p *fakeProc) ExitErr() error          { return nil }
func (p *fakeProc) Stderr() string          { return "" }

// fakePlugin is the plugin side of a piped session: it decodes the engine's
// frames, records every message for assertions, and replies through the
// helpers below.
type fakePlugin struct {
	t    *testing.T
	fr   *protocol.FrameReader
	out  *io.PipeWriter
	max  uint32
	proc *fakeProc

	wmu sync.Mutex

	mu       sync.Mutex
	messages []*protocol.Message
}

// newTestSession wires a session to a fake plugin over in-memory pipes. The
// returned plugin is not serving yet; start a handler with serveWellBehaved
// or go fp.serve(...) before issuing calls, since pipe writes block until
// the other side reads.
func newTestSession(t *testing.T, cfg config.ProtocolConfig) (*Session, *fakePlugin) {
	t.Helper()

	hostIn, pluginOut := io.Pipe()
	pluginIn, hostOut := io.Pipe()

	proc := &fakeProc{exited: make(chan struct{})}
	proc.killFn = func() {
		_ = pluginIn.Close()
		_ = pluginOut.Close()
	}

	fp := &fakePlugin{
		t:    t,
		fr:   protocol.NewFrameReader(pluginIn, cfg.MaxMessageSize),
		out:  pluginOut,
		max:  cfg.MaxMessageSize,
		proc: proc,
	}

	s := newSession(Params{
		Plugin:        "demo",
		EngineVersion: "0.0.0-test",
		Protocol:      cfg,
	}, proc, hostOut, hostIn)

	t.Cleanup(func() {
		_ = proc.Kill()
		select {
		case <-s.Done():
		case <-time.After(2 * time.Second):
			t.Errorf("session did not terminate during cleanup (phase %s)", s.Phase())
		}
	})
	return s, fp
}

// serve reads engine messages until the pipe closes, recording each one and
// passing it to handler.
func (fp *fakePlugin) serve(handler func(msg *protocol.Message)) {
	for {
		payload, err := fp.fr.Next()
		if err != nil {
			return
		}
		msg, err := protocol.DecodeMessage(payload)
		if err != nil {
			continue
		}
		fp.mu.Lock()
		fp.messages = append(fp.messages, msg)
		fp.mu.Unlock()
		if handler != nil {
			handler(msg)
		}
	}
}

// serveWellBehaved starts a handler goroutine that answers initialize and
// ping like a conforming plugin and exits on shutdown; everything else is
// delegated to fn.
func (fp *fakePlugin) serveWellBehaved(fn func(msg *protocol.Message)) {
	go fp.serve(func(msg *protocol.Message) {
		switch msg.Method {
		case protocol.MethodInitialize:
			fp.respond(*msg.ID, fp.initResult())
		case protocol.MethodPing:
			fp.pong(msg)
		case protocol.MethodShutdown:
			fp.exit()
		default:
			if fn != nil {
				fn(msg)
			}
		}
	})
}

func (fp *fakePlugin) write(msg *protocol.Message) {
	frame, err := protocol.EncodeMessage(msg, fp.max)
	if err != nil {
		fp.t.Errorf("fake plugin encode: %v", err)
		return
	}
	fp.wmu.Lock()
	defer fp.wmu.Unlock()
	// The pipe may already be closed during teardown; that is fine.
	_, _ = fp.out.Write(frame)
}

// writeRaw pushes arbitrary bytes onto the session's read stream, for
// framing-violation tests.
func (fp *fakePlugin) writeRaw(b []byte) {
	fp.wmu.Lock()
	defer fp.wmu.Unlock()
	_, _ = fp.out.Write(b)
}

func (fp *fakePlugin) respond(id uint64, result any) {
	msg, err := protocol.NewResponse(id, result)
	if err != nil {
		fp.t.Errorf("fake plugin response: %v", err)
		return
	}
	fp.write(msg)
}

func (fp *fakePlugin) respondErr(id uint64, code int, message string) {
	fp.write(protocol.NewErrorResponse(id, code, message))
}

func (fp *fakePlugin) notify(method string, params any) {
	msg, err := protocol.NewNotification(method, params)
	if err != nil {
		fp.t.Errorf("fake plugin notification: %v", err)
		return
	}
	fp.write(msg)
}

func (fp *fakePlugin) stream(rid uint64, data string) {
	fp.notify(protocol.NotifyStream, protocol.StreamParams{RequestID: rid, Data: data})
}

func (fp *fakePlugin) complete(rid uint64, success bool, data string, keep bool) {
	fp.notify(protocol.NotifyComplete, protocol.CompleteParams{
		RequestID: rid, Success: success, Data: data, KeepSession: keep,
	})
}

func (fp *fakePlugin) fail(rid uint64, code int, message string) {
	fp.notify(protocol.NotifyError, protocol.ErrorParams{RequestID: rid, Code: code, Message: message})
}

func (fp *fakePlugin) pong(msg *protocol.Message) {
	var pp protocol.PingParams
	_ = protocol.UnmarshalParams(msg.Params, &pp)
	fp.respond(*msg.ID, protocol.PongResult{Timestamp: pp.Timestamp})
}

func (fp *fakePlugin) initResult() protocol.InitializeResult {
	return protocol.InitializeResult{
		Name:            "demo",
		Version:         "1.0.0",
		ProtocolVersion: protocol.ProtocolVersion,
		Commands: []protocol.CommandInfo{
			{Name: "count_to", Description: "counts upward"},
			{Name: "chat", Description: "keeps the session"},
		},
	}
}

// exit simulates the plugin process dying: both pipes close and the process
// handle reports the exit.
func (fp *fakePlugin) exit() { _ = fp.proc.Kill() }

// received counts engine messages seen so far for a method.
func (fp *fakePlugin) received(method string) int {
	fp.mu.Lock()
	defer fp.mu.Unlock()
	n := 0
	for _, m := range fp.messages {
		if m.Method == method {
			n++
		}
	}
	return n
}

// requestIDs returns the ids of every request received, in wire order.
func (fp *fakePlugin) requestIDs() []uint64 {
	fp.mu.Lock()
	defer fp.mu.Unlock()
	ids := make([]uint64, 0, len(fp.messages))
	for _, m := range fp.messages {
		if m.ID != nil {
			ids = append(ids, *m.ID)
		}
	}
	return ids
}

// waitDone fails the test if the session does not terminate promptly.
func waitDone(t *testing.T, s *Session) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("session never terminated (phase %s)", s.Phase())
	}
}
