package session

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mattjoyce/tether/internal/metrics"
	"github.com/mattjoyce/tether/internal/protocol"
)

// execEventBuffer bounds how far a plugin's stream output may run ahead of
// the caller consuming it before the reader applies backpressure.
const execEventBuffer = 64

// pendingRequest is the engine's bookkeeping for one outstanding call. It is
// created before the request frame is written and destroyed when a matching
// response arrives, the deadline elapses, or the session terminates.
type pendingRequest struct {
	id       uint64
	method   string
	issuedAt time.Time
	deadline time.Time

	// resp receives the response envelope carrying this id.
	resp chan *protocol.Message
	// events receives stream chunks and the single terminal event for
	// executions; nil for calls resolved by a response alone.
	events chan execEvent
	// terminalSeen is owned by the session lock; it enforces at most one
	// terminal delivery per request id.
	terminalSeen bool
	// done is closed by the caller when it stops waiting, so the reader
	// never blocks on an abandoned call.
	done chan struct{}
}

// execEvent is one entry in an execution's ordered event stream: either a
// data chunk or the terminal complete/error.
type execEvent struct {
	data     string
	terminal bool
	complete *protocol.CompleteParams
	fail     *protocol.ErrorParams
}

// ExecuteResult is the outcome of an execute or passthrough input turn.
type ExecuteResult struct {
	// Success mirrors the complete notification's success flag.
	Success bool
	// Data is the terminal payload from the complete notification.
	Data string
	// Accumulated is every stream chunk plus the terminal data, in arrival
	// order.
	Accumulated string
	// KeepSession reports that the plugin holds the session for passthrough:
	// the next user utterance belongs to it.
	KeepSession bool
	// Elapsed is the wall-clock time from dispatch to terminal.
	Elapsed time.Duration
}

// register allocates the next request id and enters a pendingRequest into
// the session table. Ids are monotonic per session and never reused.
func (s *Session) register(method string, withEvents bool, deadline time.Duration) (*pendingRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase == PhaseTerminated {
		return nil, s.terminatedErrLocked()
	}
	return s.registerLocked(method, withEvents, deadline), nil
}

func (s *Session) registerLocked(method string, withEvents bool, deadline time.Duration) *pendingRequest {
	s.nextID++
	p := &pendingRequest{
		id:       s.nextID,
		method:   method,
		issuedAt: time.Now(),
		deadline: time.Now().Add(deadline),
		resp:     make(chan *protocol.Message, 1),
		done:     make(chan struct{}),
	}
	if withEvents {
		p.events = make(chan execEvent, execEventBuffer)
	}
	s.pending[p.id] = p
	return p
}

// release removes a pending request and tells the reader to stop delivering
// to it. Always called by the goroutine that registered it.
func (s *Session) release(p *pendingRequest) {
	s.mu.Lock()
	delete(s.pending, p.id)
	s.mu.Unlock()
	close(p.done)
}

// call sends a request and waits for its response envelope. Used for the
// methods that resolve via a plain response: initialize and ping. The
// deadline is the method's protocol deadline; enforcement policy (terminate
// now, or count a strike) stays with the caller.
func (s *Session) call(ctx context.Context, method string, params any, deadline time.Duration) (*protocol.Message, error) {
	p, err := s.register(method, false, deadline)
	if err != nil {
		return nil, err
	}
	defer s.release(p)

	req, err := protocol.NewRequest(p.id, method, params)
	if err != nil {
		return nil, err
	}
	if err := s.send(req); err != nil {
		return nil, fmt.Errorf("send %s: %w", method, err)
	}

	timer := time.NewTimer(deadline)
	defer timer.Stop()
	select {
	case resp := <-p.resp:
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp, nil
	case <-timer.C:
		return nil, fmt.Errorf("%s: no reply within %s: %w", method, deadline, context.DeadlineExceeded)
	case <-s.done:
		return nil, s.terminatedErr()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// notify sends a one-way message carrying no id; nothing is registered and
// no reply is expected.
func (s *Session) notify(method string, params any) error {
	msg, err := protocol.NewNotification(method, params)
	if err != nil {
		return err
	}
	return s.send(msg)
}

// Initialize performs the initialize handshake and moves the session to
// Ready. Any failure, including a missed deadline or a protocol version
// mismatch, terminates the session with reason InitFailed.
func (s *Session) Initialize(ctx context.Context) (*protocol.InitializeResult, error) {
	s.mu.Lock()
	if s.phase != PhaseSpawning {
		phase := s.phase
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: initialize in phase %s", ErrNotReady, phase)
	}
	s.phase = PhaseInitializing
	s.mu.Unlock()

	params := protocol.InitializeParams{
		ProtocolVersion: protocol.ProtocolVersion,
		EngineVersion:   s.engineVersion,
	}
	resp, err := s.call(ctx, protocol.MethodInitialize, params, s.cfg.InitializeDeadline)
	if err != nil {
		s.terminate(ReasonInitFailed)
		return nil, fmt.Errorf("initialize plugin %q: %w", s.plugin, err)
	}

	var info protocol.InitializeResult
	if err := protocol.UnmarshalResult(resp.Result, &info); err != nil {
		s.terminate(ReasonInitFailed)
		return nil, fmt.Errorf("initialize plugin %q: %w", s.plugin, err)
	}
	if info.ProtocolVersion != "" && info.ProtocolVersion != protocol.ProtocolVersion {
		s.terminate(ReasonInitFailed)
		return nil, fmt.Errorf("initialize plugin %q: plugin speaks protocol %q, engine requires %q",
			s.plugin, info.ProtocolVersion, protocol.ProtocolVersion)
	}

	s.mu.Lock()
	s.info = &info
	if s.phase == PhaseInitializing {
		s.phase = PhaseReady
	}
	s.mu.Unlock()

	s.logger.Info("plugin initialized",
		"name", info.Name, "version", info.Version, "commands", len(info.Commands))
	return &info, nil
}

// Ping probes liveness and returns the round-trip time. A successful pong
// resets the missed-ping count; an unanswered ping is not fatal here, since
// the watchdog owns the consecutive-miss policy.
func (s *Session) Ping(ctx context.Context) (time.Duration, error) {
	sent := time.Now()
	resp, err := s.call(ctx, protocol.MethodPing, protocol.PingParams{Timestamp: protocol.NowMillis()}, s.cfg.PingDeadline)
	if err != nil {
		return 0, err
	}
	if !protocol.IsPong(resp.Result) {
		return 0, fmt.Errorf("ping reply carries no timestamp echo")
	}
	s.recordPong(time.Now())
	return time.Since(sent), nil
}

// Execute dispatches a command to the plugin and waits for its terminal
// complete or error notification, invoking onStream for each chunk in
// arrival order. Exceeding the execute deadline terminates the session.
func (s *Session) Execute(ctx context.Context, params protocol.ExecuteParams, onStream func(data string)) (*ExecuteResult, error) {
	p, err := s.beginExecution(protocol.MethodExecute, s.cfg.ExecuteDeadline)
	if err != nil {
		return nil, err
	}
	defer s.release(p)

	req, err := protocol.NewRequest(p.id, protocol.MethodExecute, params)
	if err != nil {
		s.finishExecution(false)
		return nil, err
	}
	s.logger.Debug("execute dispatched", "request_id", p.id, "function", params.Function)
	if err := s.send(req); err != nil {
		s.finishExecution(false)
		return nil, fmt.Errorf("send execute: %w", err)
	}

	return s.awaitTerminal(ctx, p, params.Function, onStream)
}

// SendInput forwards a user utterance to the plugin holding this session in
// passthrough. The plugin must acknowledge within the input deadline; the
// turn then proceeds exactly like an execute, ending in a terminal
// notification for the input's request id.
func (s *Session) SendInput(ctx context.Context, content string, onStream func(data string)) (*ExecuteResult, error) {
	p, err := s.beginInput(s.cfg.ExecuteDeadline)
	if err != nil {
		return nil, err
	}
	defer s.release(p)

	params := protocol.InputParams{Content: content, Timestamp: protocol.NowMillis()}
	req, err := protocol.NewRequest(p.id, protocol.MethodInput, params)
	if err != nil {
		s.finishExecution(false)
		return nil, err
	}
	s.logger.Debug("input dispatched", "request_id", p.id)
	if err := s.send(req); err != nil {
		s.finishExecution(false)
		return nil, fmt.Errorf("send input: %w", err)
	}

	ack := time.NewTimer(s.cfg.InputAckDeadline)
	defer ack.Stop()
	select {
	case resp := <-p.resp:
		if resp.Error != nil {
			s.finishExecution(false)
			return nil, resp.Error
		}
		var a protocol.AckResult
		if err := protocol.UnmarshalResult(resp.Result, &a); err != nil || !a.Acknowledged {
			// The reply arrived in time, which is what the deadline is
			// about; an odd shape is logged and the turn continues.
			s.logger.Warn("input reply is not an acknowledgement", "request_id", p.id)
		}
	case <-ack.C:
		s.logger.Error("input not acknowledged within deadline, terminating session",
			"request_id", p.id, "deadline", s.cfg.InputAckDeadline)
		s.terminate(ReasonDeadline)
		return nil, fmt.Errorf("input: no acknowledgement within %s: %w", s.cfg.InputAckDeadline, context.DeadlineExceeded)
	case <-s.done:
		return nil, s.terminatedErr()
	case <-ctx.Done():
		s.finishExecution(false)
		return nil, ctx.Err()
	}

	return s.awaitTerminal(ctx, p, "input", onStream)
}

// beginExecution atomically checks the lifecycle phase, moves to Executing,
// and registers the pending request, so two callers can never hold the same
// session's execution slot.
func (s *Session) beginExecution(method string, deadline time.Duration) (*pendingRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.phase {
	case PhaseReady, PhasePassthroughWaiting:
	case PhaseTerminated:
		return nil, s.terminatedErrLocked()
	default:
		return nil, fmt.Errorf("%w: execute in phase %s", ErrNotReady, s.phase)
	}
	s.phase = PhaseExecuting
	s.passthroughActive = false
	return s.registerLocked(method, true, deadline), nil
}

// beginInput is beginExecution for passthrough turns; it additionally
// requires that a passthrough is actually active.
func (s *Session) beginInput(deadline time.Duration) (*pendingRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.phase {
	case PhasePassthroughWaiting:
	case PhaseTerminated:
		return nil, s.terminatedErrLocked()
	default:
		return nil, fmt.Errorf("%w: no passthrough active in phase %s", ErrNotReady, s.phase)
	}
	s.phase = PhaseExecuting
	s.passthroughActive = false
	return s.registerLocked(protocol.MethodInput, true, deadline), nil
}

// finishExecution leaves Executing according to the terminal's keep_session
// flag: back to Ready, or to PassthroughWaiting with the passthrough flag
// raised. No-op if the session terminated meanwhile.
func (s *Session) finishExecution(keepSession bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase != PhaseExecuting {
		return
	}
	if keepSession {
		s.phase = PhasePassthroughWaiting
		s.passthroughActive = true
	} else {
		s.phase = PhaseReady
		s.passthroughActive = false
	}
}

// awaitTerminal consumes the execution's ordered event stream until its
// single terminal event. Stream chunks are appended to the accumulated
// output and forwarded to onStream in arrival order. Label names the turn in
// errors ("count_to", "input").
func (s *Session) awaitTerminal(ctx context.Context, p *pendingRequest, label string, onStream func(data string)) (*ExecuteResult, error) {
	var acc strings.Builder
	timer := time.NewTimer(time.Until(p.deadline))
	defer timer.Stop()

	observe := func(success bool) {
		if p.method == protocol.MethodExecute {
			metrics.ExecuteObserved(s.plugin, time.Since(p.issuedAt), success)
		}
	}

	for {
		select {
		case ev := <-p.events:
			switch {
			case !ev.terminal:
				acc.WriteString(ev.data)
				if onStream != nil {
					onStream(ev.data)
				}
			case ev.fail != nil:
				s.finishExecution(false)
				observe(false)
				return nil, &protocol.RPCError{Code: ev.fail.Code, Message: ev.fail.Message}
			default:
				c := ev.complete
				acc.WriteString(c.Data)
				s.finishExecution(c.KeepSession)
				observe(c.Success)
				return &ExecuteResult{
					Success:     c.Success,
					Data:        c.Data,
					Accumulated: acc.String(),
					KeepSession: c.KeepSession,
					Elapsed:     time.Since(p.issuedAt),
				}, nil
			}
		case resp := <-p.resp:
			// Executions finish via notifications; the one sanctioned
			// response here is an error envelope, e.g. unknown function.
			if resp.Error != nil {
				s.finishExecution(false)
				observe(false)
				return nil, resp.Error
			}
			s.logger.Warn("unexpected response envelope for execution", "request_id", p.id)
		case <-timer.C:
			observe(false)
			s.logger.Error("no terminal notification within deadline, terminating session",
				"request_id", p.id, "deadline", p.deadline.Sub(p.issuedAt))
			s.terminate(ReasonDeadline)
			return nil, fmt.Errorf("%s: no terminal notification within %s: %w",
				label, p.deadline.Sub(p.issuedAt), context.DeadlineExceeded)
		case <-s.done:
			observe(false)
			return nil, s.terminatedErr()
		case <-ctx.Done():
			s.finishExecution(false)
			observe(false)
			return nil, ctx.Err()
		}
	}
}
