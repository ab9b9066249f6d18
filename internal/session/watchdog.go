package session

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/mattjoyce/tether/internal/log"
	"github.com/mattjoyce/tether/internal/metrics"
)

// missedPingLimit is the number of consecutive unanswered pings that marks a
// plugin unresponsive. Fixed by the protocol; only the probe interval is
// configurable.
const missedPingLimit = 2

// Lister enumerates the sessions the watchdog probes each cycle.
type Lister interface {
	LiveSessions() []*Session
}

// Watchdog detects unresponsive plugins without any cooperation from their
// command handlers. It runs on its own schedule, one ping per live session
// per interval, independent of whatever executions are in flight: a plugin
// busy with a slow command must still answer liveness probes.
type Watchdog struct {
	sessions Lister
	interval time.Duration
	logger   *slog.Logger

	// OnMiss and OnKill, when set before Start, observe unanswered pings and
	// unresponsive kills. Called from probe goroutines.
	OnMiss func(plugin, sessionID string, misses int)
	OnKill func(plugin, sessionID string)
}

// NewWatchdog creates a watchdog probing the given sessions every interval.
func NewWatchdog(sessions Lister, interval time.Duration) *Watchdog {
	return &Watchdog{
		sessions: sessions,
		interval: interval,
		logger:   log.WithComponent("watchdog"),
	}
}

// Start runs the probe loop. This is a blocking call that runs until ctx is
// cancelled.
func (w *Watchdog) Start(ctx context.Context) error {
	w.logger.Info("watchdog started", "interval", w.interval)
	defer w.logger.Info("watchdog stopped")

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			for _, s := range w.sessions.LiveSessions() {
				if !s.Phase().Live() {
					continue
				}
				// Each session is probed on its own goroutine so one hung
				// plugin cannot delay the others' probes.
				go w.probe(ctx, s)
			}
		}
	}
}

// probe sends one ping and applies the consecutive-miss policy: the first
// unanswered ping is a strike, the second kills the process. Any pong resets
// the count (Ping records it on the session).
func (w *Watchdog) probe(ctx context.Context, s *Session) {
	rtt, err := s.Ping(ctx)
	if err == nil {
		w.logger.Debug("pong", "plugin", s.Plugin(), "session_id", s.ID(), "rtt", rtt)
		return
	}
	if errors.Is(err, ErrSessionTerminated) || errors.Is(err, context.Canceled) {
		// Nothing left to probe, or the engine is shutting down.
		return
	}

	misses := s.recordMiss()
	metrics.WatchdogMiss(s.Plugin())
	w.logger.Warn("ping unanswered",
		"plugin", s.Plugin(), "session_id", s.ID(), "misses", misses, "error", err)
	if w.OnMiss != nil {
		w.OnMiss(s.Plugin(), s.ID(), misses)
	}

	if misses >= missedPingLimit {
		w.logger.Error("plugin unresponsive, killing process",
			"plugin", s.Plugin(), "session_id", s.ID(), "misses", misses)
		metrics.WatchdogKill(s.Plugin())
		s.Kill(ReasonUnresponsive)
		if w.OnKill != nil {
			w.OnKill(s.Plugin(), s.ID())
		}
	}
}
