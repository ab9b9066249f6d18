package session

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/tether/internal/config"
	"github.com/mattjoyce/tether/internal/log"
	"github.com/mattjoyce/tether/internal/metrics"
	"github.com/mattjoyce/tether/internal/protocol"
)

// maxStderrBytes caps the amount of stderr captured from a plugin process.
const maxStderrBytes = 64 * 1024

// processHandle is the supervisor's hold on the child process. Session logic
// runs against this interface so it can be exercised over in-memory pipes.
type processHandle interface {
	// Kill force-terminates the process. Idempotent; killing an already
	// exited process is not an error.
	Kill() error
	// Exited is closed once the process has exited for any reason.
	Exited() <-chan struct{}
	// ExitErr reports the process's exit error. Valid once Exited is closed.
	ExitErr() error
	// Stderr returns the captured head of the process's stderr.
	Stderr() string
}

// Params describes the plugin process a session should run.
type Params struct {
	// Plugin is the plugin name, used for logging and metrics labels.
	Plugin string
	// Command is the argv to spawn: entrypoint followed by arguments.
	Command []string
	// Dir is the process working directory, usually the plugin directory.
	Dir string
	// EngineVersion is announced to the plugin in initialize.
	EngineVersion string
	// Protocol carries frame and deadline limits, normally from config.Load.
	Protocol config.ProtocolConfig
	// OnLog, when set, observes log notifications from the plugin in
	// addition to the session logger. Called from the reader goroutine.
	OnLog func(level, message string)
}

// Spawn starts the plugin process and returns its session in PhaseSpawning.
// The caller is expected to Initialize the session next; the watchdog ignores
// it until then.
func Spawn(params Params) (*Session, error) {
	proc, stdin, stdout, err := startProcess(params.Command, params.Dir)
	if err != nil {
		return nil, fmt.Errorf("spawn plugin %q: %w", params.Plugin, err)
	}
	s := newSession(params, proc, stdin, stdout)
	s.logger.Info("plugin process started", "entrypoint", params.Command[0])
	return s, nil
}

// newSession wires a session around an already-running process handle and its
// two byte streams, and starts the reader and exit-watcher goroutines.
func newSession(params Params, proc processHandle, stdin io.Writer, stdout io.Reader) *Session {
	s := &Session{
		id:            uuid.NewString(),
		plugin:        params.Plugin,
		engineVersion: params.EngineVersion,
		proc:          proc,
		stdin:         stdin,
		cfg:           params.Protocol,
		onLog:         params.OnLog,
		phase:         PhaseSpawning,
		pending:       make(map[uint64]*pendingRequest),
		startedAt:     time.Now(),
		done:          make(chan struct{}),
	}
	s.logger = log.WithSession(s.id, s.plugin)
	metrics.SessionStarted(s.plugin)
	go s.readLoop(stdout)
	go s.watchExit()
	return s
}

// startProcess spawns the plugin executable with piped stdin/stdout and a
// capped stderr capture, and begins waiting for it in the background.
func startProcess(command []string, dir string) (*execProcess, io.Writer, io.Reader, error) {
	if len(command) == 0 {
		return nil, nil, nil, errors.New("empty plugin command")
	}

	cmd := exec.Command(command[0], command[1:]...)
	cmd.Dir = dir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("create stdout pipe: %w", err)
	}

	p := &execProcess{
		cmd:    cmd,
		stderr: &cappedBuffer{limit: maxStderrBytes},
		exited: make(chan struct{}),
	}
	cmd.Stderr = p.stderr

	if err := cmd.Start(); err != nil {
		return nil, nil, nil, fmt.Errorf("start process: %w", err)
	}

	go func() {
		p.exitErr = cmd.Wait()
		close(p.exited)
	}()

	return p, stdin, stdout, nil
}

// execProcess adapts exec.Cmd to processHandle.
type execProcess struct {
	cmd    *exec.Cmd
	stderr *cappedBuffer
	// exitErr is written before exited closes and read only after, so the
	// channel close orders the access.
	exitErr error
	exited  chan struct{}
}

func (p *execProcess) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}

func (p *execProcess) Exited() <-chan struct{} { return p.exited }

func (p *execProcess) ExitErr() error {
	select {
	case <-p.exited:
		return p.exitErr
	default:
		return nil
	}
}

func (p *execProcess) Stderr() string { return p.stderr.String() }

// cappedBuffer keeps the first limit bytes written and silently drops the
// rest, so a chatty plugin cannot grow the engine's memory over a long
// session.
type cappedBuffer struct {
	mu    sync.Mutex
	buf   []byte
	limit int
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if room := b.limit - len(b.buf); room > 0 {
		if len(p) > room {
			p = p[:room]
		}
		b.buf = append(b.buf, p...)
	}
	return len(p), nil
}

func (b *cappedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}

// send encodes msg into a frame and writes it to the process's stdin. The
// write lock guarantees two frames never interleave even when the watchdog
// and an execute fire at the same moment.
func (s *Session) send(msg *protocol.Message) error {
	frame, err := protocol.EncodeMessage(msg, s.cfg.MaxMessageSize)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.stdin.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	metrics.FrameWritten(s.plugin)
	return nil
}

// readLoop is the session's single reader goroutine. It decodes frames off
// the process's stdout until the stream ends, dispatching each message to the
// pending-request table or the in-flight execution it references.
func (s *Session) readLoop(stdout io.Reader) {
	fr := protocol.NewFrameReader(stdout, s.cfg.MaxMessageSize)
	for {
		payload, err := fr.Next()
		if err != nil {
			s.handleStreamEnd(err)
			return
		}
		metrics.FrameRead(s.plugin)

		msg, err := protocol.DecodeMessage(payload)
		if err != nil {
			// A frame that parses as garbage is logged and skipped; the
			// stream itself is still framed correctly.
			s.logger.Warn("dropping undecodable frame", "error", err)
			continue
		}
		s.dispatch(msg)
	}
}

// handleStreamEnd classifies why the read loop stopped. Framing violations
// kill the session on the spot; a plain close is left to watchExit, which
// owns exit-driven termination. A closed stream under a still-live process
// is caught by the watchdog once pongs stop arriving.
func (s *Session) handleStreamEnd(err error) {
	var fe *protocol.FramingError
	switch {
	case errors.As(err, &fe):
		s.logger.Error("framing violation on plugin stream", "error", err)
		s.terminate(ReasonProtocol)
	case errors.Is(err, io.EOF), errors.Is(err, fs.ErrClosed), errors.Is(err, io.ErrClosedPipe):
		s.logger.Debug("plugin output stream closed")
	default:
		s.logger.Error("plugin stream read failed", "error", err)
	}
}

// watchExit waits for the process to exit and records the terminal state.
// Exit detection is independent of protocol traffic: a process that dies
// without a goodbye still terminates its session here.
func (s *Session) watchExit() {
	<-s.proc.Exited()
	exitErr := s.proc.ExitErr()

	s.mu.Lock()
	phase := s.phase
	s.mu.Unlock()

	switch phase {
	case PhaseTerminated:
		// Kill-driven exit; the reason is already recorded.
	case PhaseShuttingDown:
		s.logger.Debug("plugin exited after shutdown", "error", exitErr)
		s.terminate(ReasonShutdown)
	default:
		s.logger.Warn("plugin process exited unexpectedly", "error", exitErr)
		if stderr := s.proc.Stderr(); stderr != "" {
			s.logger.Warn("plugin stderr", "stderr", stderr)
		}
		s.terminate(ReasonProcessExit)
	}
}

// dispatch routes one inbound message. Plugins only ever send responses and
// notifications; a request from a plugin has no meaning to the engine.
func (s *Session) dispatch(msg *protocol.Message) {
	switch msg.Kind() {
	case protocol.KindResponse:
		s.dispatchResponse(msg)
	case protocol.KindNotification:
		s.dispatchNotification(msg)
	default:
		s.logger.Warn("ignoring unexpected request from plugin", "method", msg.Method)
	}
}

// dispatchResponse resolves a response against the pending-request table.
func (s *Session) dispatchResponse(msg *protocol.Message) {
	id := *msg.ID

	s.mu.Lock()
	p := s.pending[id]
	s.mu.Unlock()

	if p == nil {
		s.logger.Warn("response for unknown request id", "id", id)
		return
	}
	select {
	case p.resp <- msg:
	case <-p.done:
	default:
		s.logger.Warn("duplicate response for request id", "id", id)
	}
}

// dispatchNotification routes unsolicited notifications. stream, complete and
// error reference an in-flight execution via the request_id they carry; log
// lines go straight to the session logger.
func (s *Session) dispatchNotification(msg *protocol.Message) {
	switch msg.Method {
	case protocol.NotifyStream:
		var sp protocol.StreamParams
		if err := protocol.UnmarshalParams(msg.Params, &sp); err != nil {
			s.logger.Warn("malformed stream notification", "error", err)
			return
		}
		s.deliverExecEvent(sp.RequestID, execEvent{data: sp.Data})
	case protocol.NotifyComplete:
		var cp protocol.CompleteParams
		if err := protocol.UnmarshalParams(msg.Params, &cp); err != nil {
			s.logger.Warn("malformed complete notification", "error", err)
			return
		}
		s.deliverExecEvent(cp.RequestID, execEvent{terminal: true, complete: &cp})
	case protocol.NotifyError:
		var ep protocol.ErrorParams
		if err := protocol.UnmarshalParams(msg.Params, &ep); err != nil {
			s.logger.Warn("malformed error notification", "error", err)
			return
		}
		s.deliverExecEvent(ep.RequestID, execEvent{terminal: true, fail: &ep})
	case protocol.NotifyLog:
		var lp protocol.LogParams
		if err := protocol.UnmarshalParams(msg.Params, &lp); err != nil {
			s.logger.Warn("malformed log notification", "error", err)
			return
		}
		s.logger.Info("plugin log", "level", lp.Level, "message", lp.Message)
		if s.onLog != nil {
			s.onLog(lp.Level, lp.Message)
		}
	default:
		s.logger.Debug("unknown notification from plugin", "method", msg.Method)
	}
}

// deliverExecEvent hands a stream chunk or terminal event to the execution
// waiting on rid. Events for finished or unknown executions are dropped with
// a log line; at most one terminal event is ever delivered per request id.
func (s *Session) deliverExecEvent(rid uint64, ev execEvent) {
	s.mu.Lock()
	p := s.pending[rid]
	var stale, dup bool
	if p != nil {
		stale = p.terminalSeen
		if ev.terminal && !p.terminalSeen {
			p.terminalSeen = true
		}
		dup = ev.terminal && stale
	}
	s.mu.Unlock()

	if p == nil || p.events == nil {
		s.logger.Warn("notification for no in-flight execution", "request_id", rid)
		return
	}
	if dup {
		s.logger.Warn("duplicate terminal notification dropped", "request_id", rid)
		return
	}
	if stale {
		s.logger.Warn("notification after terminal dropped", "request_id", rid)
		return
	}
	select {
	case p.events <- ev:
	case <-p.done:
		// The caller stopped waiting; late events have nowhere to go.
	}
}
