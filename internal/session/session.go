// Package session implements the engine side of the plugin protocol: process
// supervision, request correlation, liveness probing, and the per-plugin
// lifecycle state machine.
//
// A Session owns exactly one plugin process from spawn to termination. The
// reader goroutine, the shared watchdog, and callers issuing requests all
// touch the same session concurrently; every mutable field is guarded by the
// session's single lock, and outbound frames are serialized on a separate
// write lock so two messages can never interleave on the process's stdin.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/mattjoyce/tether/internal/config"
	"github.com/mattjoyce/tether/internal/metrics"
	"github.com/mattjoyce/tether/internal/protocol"
)

// Phase is the authoritative lifecycle state of a session.
type Phase int

const (
	PhaseSpawning Phase = iota
	PhaseInitializing
	PhaseReady
	PhaseExecuting
	PhasePassthroughWaiting
	PhaseShuttingDown
	PhaseTerminated
)

func (p Phase) String() string {
	switch p {
	case PhaseSpawning:
		return "spawning"
	case PhaseInitializing:
		return "initializing"
	case PhaseReady:
		return "ready"
	case PhaseExecuting:
		return "executing"
	case PhasePassthroughWaiting:
		return "passthrough_waiting"
	case PhaseShuttingDown:
		return "shutting_down"
	case PhaseTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// Live reports whether the session is far enough along to answer protocol
// traffic and not yet on its way out. The watchdog only probes live sessions.
func (p Phase) Live() bool {
	switch p {
	case PhaseInitializing, PhaseReady, PhaseExecuting, PhasePassthroughWaiting:
		return true
	default:
		return false
	}
}

// TerminateReason records why a session reached PhaseTerminated.
type TerminateReason string

const (
	ReasonNone         TerminateReason = ""
	ReasonShutdown     TerminateReason = "shutdown"
	ReasonProcessExit  TerminateReason = "process_exit"
	ReasonUnresponsive TerminateReason = "unresponsive"
	ReasonInitFailed   TerminateReason = "init_failed"
	ReasonDeadline     TerminateReason = "deadline"
	ReasonProtocol     TerminateReason = "protocol"
)

var (
	// ErrSessionTerminated is returned by any operation on a session whose
	// process is gone. Terminated is absorbing; a session is never reused.
	ErrSessionTerminated = errors.New("session terminated")

	// ErrNotReady is returned when an operation is issued in a lifecycle
	// phase that cannot accept it, e.g. execute before initialize finished
	// or input without an active passthrough.
	ErrNotReady = errors.New("session not ready")
)

// Session is the engine's handle on one plugin process. Create with Spawn.
type Session struct {
	id            string
	plugin        string
	engineVersion string
	proc          processHandle
	stdin         io.Writer
	cfg           config.ProtocolConfig
	logger        *slog.Logger
	onLog         func(level, message string)

	// writeMu serializes whole frames onto the process's stdin.
	writeMu sync.Mutex

	mu                sync.Mutex
	phase             Phase
	reason            TerminateReason
	nextID            uint64
	pending           map[uint64]*pendingRequest
	lastPongAt        time.Time
	missedPingCount   int
	passthroughActive bool
	info              *protocol.InitializeResult
	startedAt         time.Time

	// done is closed exactly once, when the session reaches PhaseTerminated.
	done chan struct{}
}

// ID returns the session's unique identifier.
func (s *Session) ID() string { return s.id }

// Plugin returns the plugin name this session runs.
func (s *Session) Plugin() string { return s.plugin }

// Phase returns the current lifecycle phase.
func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// Info returns the plugin's initialize response, or nil before Ready.
func (s *Session) Info() *protocol.InitializeResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info
}

// PassthroughActive reports whether the next user utterance belongs to this
// session rather than to command matching.
func (s *Session) PassthroughActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.passthroughActive
}

// LastPongAt returns the time of the most recent liveness reply.
func (s *Session) LastPongAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastPongAt
}

// MissedPings returns the current consecutive missed-ping count.
func (s *Session) MissedPings() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.missedPingCount
}

// TerminateReason returns why the session terminated, or ReasonNone while it
// is still running.
func (s *Session) TerminateReason() TerminateReason {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// Done is closed once the session reaches PhaseTerminated.
func (s *Session) Done() <-chan struct{} { return s.done }

// Stderr returns the captured head of the process's stderr stream.
func (s *Session) Stderr() string { return s.proc.Stderr() }

// Snapshot is a point-in-time view of a session for status surfaces.
type Snapshot struct {
	ID                string    `json:"id"`
	Plugin            string    `json:"plugin"`
	Phase             string    `json:"phase"`
	StartedAt         time.Time `json:"started_at"`
	LastPongAt        time.Time `json:"last_pong_at"`
	MissedPings       int       `json:"missed_pings"`
	PassthroughActive bool      `json:"passthrough_active"`
	PendingRequests   int       `json:"pending_requests"`
	TerminateReason   string    `json:"terminate_reason,omitempty"`
}

// Snapshot captures the session's observable state under its lock.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		ID:                s.id,
		Plugin:            s.plugin,
		Phase:             s.phase.String(),
		StartedAt:         s.startedAt,
		LastPongAt:        s.lastPongAt,
		MissedPings:       s.missedPingCount,
		PassthroughActive: s.passthroughActive,
		PendingRequests:   len(s.pending),
		TerminateReason:   string(s.reason),
	}
}

// recordPong resets the liveness counters after a successful ping.
func (s *Session) recordPong(at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastPongAt = at
	s.missedPingCount = 0
}

// recordMiss counts one unanswered ping and returns the consecutive total.
func (s *Session) recordMiss() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.missedPingCount++
	return s.missedPingCount
}

// Kill force-terminates the session's process immediately. The watchdog uses
// it after consecutive missed pings; callers may use it to drop a session
// without the shutdown grace period.
func (s *Session) Kill(reason TerminateReason) {
	s.terminate(reason)
}

// terminate moves the session to PhaseTerminated, wakes every pending call,
// and kills the process. The first caller's reason sticks; later calls are
// no-ops, which is what makes Terminated absorbing.
func (s *Session) terminate(reason TerminateReason) {
	s.mu.Lock()
	if s.phase == PhaseTerminated {
		s.mu.Unlock()
		return
	}
	s.phase = PhaseTerminated
	s.reason = reason
	s.passthroughActive = false
	s.mu.Unlock()

	// Pending calls select on done and unregister themselves on the way out.
	close(s.done)
	_ = s.proc.Kill()
	metrics.SessionEnded(s.plugin)
	s.logger.Info("session terminated", "reason", string(reason))
}

// Shutdown asks the plugin to exit via a shutdown notification, waits the
// configured grace period for the process to leave on its own, and kills it
// if it does not. Safe to call on an already-terminated session.
func (s *Session) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	switch s.phase {
	case PhaseTerminated:
		s.mu.Unlock()
		return nil
	case PhaseShuttingDown:
		// Another caller is already driving the shutdown; wait it out.
		s.mu.Unlock()
		select {
		case <-s.done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.phase = PhaseShuttingDown
	s.passthroughActive = false
	s.mu.Unlock()

	s.logger.Info("shutting down session", "grace", s.cfg.ShutdownGrace)

	note, err := protocol.NewNotification(protocol.MethodShutdown, nil)
	if err == nil {
		err = s.send(note)
	}
	if err != nil {
		s.logger.Warn("shutdown notify failed", "error", err)
	}

	grace := time.NewTimer(s.cfg.ShutdownGrace)
	defer grace.Stop()
	select {
	case <-s.proc.Exited():
	case <-grace.C:
		s.logger.Warn("plugin did not exit within grace period, killing", "grace", s.cfg.ShutdownGrace)
		_ = s.proc.Kill()
	case <-ctx.Done():
		_ = s.proc.Kill()
		return ctx.Err()
	}

	// watchExit records the terminal state; return once it has.
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) terminatedErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminatedErrLocked()
}

func (s *Session) terminatedErrLocked() error {
	if s.reason != ReasonNone {
		return fmt.Errorf("%w (%s)", ErrSessionTerminated, s.reason)
	}
	return ErrSessionTerminated
}
