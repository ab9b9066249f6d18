// Package manager owns the engine side of the plugin protocol: it maps
// function names to plugins, spawns and reuses sessions, journals every
// execute turn, enforces per-plugin rate limits, and tracks which session
// currently holds the interactive passthrough channel.
package manager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/mattjoyce/tether/internal/config"
	"github.com/mattjoyce/tether/internal/events"
	"github.com/mattjoyce/tether/internal/history"
	"github.com/mattjoyce/tether/internal/log"
	"github.com/mattjoyce/tether/internal/metrics"
	"github.com/mattjoyce/tether/internal/plugin"
	"github.com/mattjoyce/tether/internal/protocol"
	"github.com/mattjoyce/tether/internal/session"
	"github.com/mattjoyce/tether/internal/state"
)

var (
	// ErrUnknownFunction means no discovered plugin advertises the function.
	ErrUnknownFunction = errors.New("no plugin provides this function")
	// ErrPluginDisabled means config disables the plugin that owns the function.
	ErrPluginDisabled = errors.New("plugin is disabled")
	// ErrNoPassthrough means no session is currently waiting for input.
	ErrNoPassthrough = errors.New("no passthrough session is active")
	// ErrNoSession means the plugin has no live session to act on.
	ErrNoSession = errors.New("no session for plugin")
	// ErrShuttingDown rejects work arriving after Shutdown began.
	ErrShuttingDown = errors.New("engine is shutting down")
)

// ExecuteRequest is one function call routed through the manager.
type ExecuteRequest struct {
	Function  string
	Arguments map[string]any
	Context   []protocol.ContextMessage
	// OnStream, when set, receives stream chunks as they arrive.
	OnStream func(data string)
}

// ExecuteResponse pairs the journal entry with the plugin's result.
type ExecuteResponse struct {
	ExecutionID string
	Plugin      string
	Function    string
	Result      *session.ExecuteResult
}

// Manager routes execute and input turns to plugin sessions.
type Manager struct {
	cfg     *config.Config
	version string
	hist    *history.Store
	snaps   *state.Store
	hub     *events.Hub
	logger  *slog.Logger
	spawn   SpawnFunc

	mu          sync.Mutex
	registry    *plugin.Registry
	sessions    map[string]PluginSession
	limiters    map[string]*rate.Limiter
	spawnLocks  map[string]*sync.Mutex
	currentExec map[string]string
	passthrough string
	closed      bool
}

// New builds a manager over an initial registry. The registry is replaced
// wholesale when the plugin watcher reports changes.
func New(cfg *config.Config, reg *plugin.Registry, hist *history.Store, snaps *state.Store, hub *events.Hub, engineVersion string) *Manager {
	return &Manager{
		cfg:         cfg,
		version:     engineVersion,
		hist:        hist,
		snaps:       snaps,
		hub:         hub,
		logger:      log.WithComponent("manager"),
		spawn:       func(p session.Params) (PluginSession, error) { return session.Spawn(p) },
		registry:    reg,
		sessions:    make(map[string]PluginSession),
		limiters:    make(map[string]*rate.Limiter),
		spawnLocks:  make(map[string]*sync.Mutex),
		currentExec: make(map[string]string),
	}
}

// Execute resolves the function to a plugin, obtains a session (spawning one
// if necessary), and runs the turn. Every accepted turn is journaled; rate
// limited turns are rejected before they reach a session.
func (m *Manager) Execute(ctx context.Context, req ExecuteRequest) (*ExecuteResponse, error) {
	if req.Function == "" {
		return nil, fmt.Errorf("function is empty")
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrShuttingDown
	}
	plug, ok := m.registry.Resolve(req.Function)
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownFunction, req.Function)
	}
	if pc, ok := m.cfg.Plugins[plug.Name]; ok && !pc.IsEnabled() {
		return nil, fmt.Errorf("%w: %q", ErrPluginDisabled, plug.Name)
	}

	if lim := m.limiter(plug.Name); lim != nil && !lim.Allow() {
		metrics.ExecuteRateLimited(plug.Name)
		m.logger.Warn("execute rate limited", "plugin", plug.Name, "function", req.Function)
		return nil, &protocol.RPCError{
			Code:    protocol.CodeRateLimited,
			Message: fmt.Sprintf("plugin %q is rate limited", plug.Name),
		}
	}

	s, err := m.sessionFor(ctx, plug)
	if err != nil {
		return nil, err
	}

	execID, err := m.hist.Begin(ctx, history.BeginRequest{
		Plugin:    plug.Name,
		Function:  req.Function,
		Arguments: marshalArgs(req.Arguments),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to journal execution: %w", err)
	}
	m.setCurrentExec(plug.Name, execID)
	defer m.clearCurrentExec(plug.Name, execID)

	m.hub.Publish(events.TypeExecuteStarted, plug.Name, map[string]string{
		"execution_id": execID,
		"function":     req.Function,
	})

	params := protocol.ExecuteParams{
		Function:  req.Function,
		Arguments: req.Arguments,
		Context:   req.Context,
		SystemInfo: &protocol.SystemInfo{
			OS:            runtime.GOOS,
			Arch:          runtime.GOARCH,
			EngineVersion: m.version,
		},
	}

	result, err := s.Execute(ctx, params, m.streamObserver(plug.Name, execID, req.OnStream))
	if err != nil {
		m.finishFailed(plug.Name, execID, err)
		return nil, err
	}

	m.finishCompleted(plug.Name, execID, result)
	return &ExecuteResponse{
		ExecutionID: execID,
		Plugin:      plug.Name,
		Function:    req.Function,
		Result:      result,
	}, nil
}

// SendInput forwards a user message to the session that holds the
// passthrough channel. The turn is journaled under the function name "input".
func (m *Manager) SendInput(ctx context.Context, content string, onStream func(data string)) (*ExecuteResponse, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrShuttingDown
	}
	target := m.passthrough
	s := m.sessions[target]
	m.mu.Unlock()

	if target == "" || s == nil {
		return nil, ErrNoPassthrough
	}

	execID, err := m.hist.Begin(ctx, history.BeginRequest{
		Plugin:    target,
		Function:  "input",
		Arguments: marshalArgs(map[string]any{"content": content}),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to journal execution: %w", err)
	}
	m.setCurrentExec(target, execID)
	defer m.clearCurrentExec(target, execID)

	m.hub.Publish(events.TypeExecuteStarted, target, map[string]string{
		"execution_id": execID,
		"function":     "input",
	})

	result, err := s.SendInput(ctx, content, m.streamObserver(target, execID, onStream))
	if err != nil {
		m.finishFailed(target, execID, err)
		return nil, err
	}

	m.finishCompleted(target, execID, result)
	return &ExecuteResponse{
		ExecutionID: execID,
		Plugin:      target,
		Function:    "input",
		Result:      result,
	}, nil
}

// streamObserver journals and broadcasts stream chunks before handing them
// to the caller. Journal writes use a background context so chunks are not
// lost when the request context expires mid-turn.
func (m *Manager) streamObserver(pluginName, execID string, onStream func(data string)) func(data string) {
	return func(data string) {
		if err := m.hist.AppendEvent(context.Background(), execID, history.EventStream, data); err != nil {
			m.logger.Error("failed to journal stream chunk", "plugin", pluginName, "execution_id", execID, "error", err)
		}
		m.hub.Publish(events.TypeExecuteStream, pluginName, map[string]string{
			"execution_id": execID,
			"data":         data,
		})
		if onStream != nil {
			onStream(data)
		}
	}
}

// finishCompleted journals a turn that reached its complete notification and
// moves the passthrough claim to match the plugin's keep_session flag.
func (m *Manager) finishCompleted(pluginName, execID string, result *session.ExecuteResult) {
	bg := context.Background()
	if err := m.hist.AppendEvent(bg, execID, history.EventComplete, result.Data); err != nil {
		m.logger.Error("failed to journal completion", "plugin", pluginName, "execution_id", execID, "error", err)
	}

	status := history.StatusOK
	if !result.Success {
		status = history.StatusError
	}
	response := result.Accumulated
	if err := m.hist.Finish(bg, execID, history.FinishRequest{
		Status:      status,
		Response:    &response,
		KeepSession: result.KeepSession,
	}); err != nil {
		m.logger.Error("failed to finish journal entry", "plugin", pluginName, "execution_id", execID, "error", err)
	}

	m.hub.Publish(events.TypeExecuteFinished, pluginName, map[string]any{
		"execution_id": execID,
		"status":       string(status),
		"keep_session": result.KeepSession,
	})

	if result.KeepSession {
		m.claimPassthrough(pluginName)
	} else {
		m.releasePassthrough(pluginName)
	}
}

// finishFailed journals a turn that ended without a complete notification:
// an error notification, a deadline miss, or a dead session.
func (m *Manager) finishFailed(pluginName, execID string, cause error) {
	bg := context.Background()
	var rpcErr *protocol.RPCError
	if errors.As(cause, &rpcErr) {
		if err := m.hist.AppendEvent(bg, execID, history.EventError, rpcErr.Message); err != nil {
			m.logger.Error("failed to journal error event", "plugin", pluginName, "execution_id", execID, "error", err)
		}
	}

	status := history.StatusError
	if errors.Is(cause, context.DeadlineExceeded) {
		status = history.StatusTimeout
	}
	msg := cause.Error()
	if err := m.hist.Finish(bg, execID, history.FinishRequest{Status: status, Error: &msg}); err != nil {
		m.logger.Error("failed to finish journal entry", "plugin", pluginName, "execution_id", execID, "error", err)
	}

	m.hub.Publish(events.TypeExecuteFinished, pluginName, map[string]any{
		"execution_id": execID,
		"status":       string(status),
		"error":        msg,
	})
}

// sessionFor returns a live session for the plugin, spawning and initializing
// one when none exists. Spawns are serialized per plugin so concurrent
// executes cannot race two processes for the same plugin.
func (m *Manager) sessionFor(ctx context.Context, plug *plugin.Plugin) (PluginSession, error) {
	lock := m.spawnLock(plug.Name)
	lock.Lock()
	defer lock.Unlock()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrShuttingDown
	}
	if s, ok := m.sessions[plug.Name]; ok && s.Phase().Live() {
		m.mu.Unlock()
		return s, nil
	}
	m.mu.Unlock()

	m.logger.Info("spawning plugin session", "plugin", plug.Name)
	s, err := m.spawn(session.Params{
		Plugin:        plug.Name,
		Command:       []string{plug.Executable},
		Dir:           plug.Path,
		EngineVersion: m.version,
		Protocol:      m.cfg.Protocol,
		OnLog:         m.logObserver(plug.Name),
	})
	if err != nil {
		m.markFailed(plug.Name, err)
		return nil, fmt.Errorf("failed to spawn plugin %q: %w", plug.Name, err)
	}

	info, err := s.Initialize(ctx)
	if err != nil {
		m.markFailed(plug.Name, err)
		return nil, err
	}
	if catalog, err := json.Marshal(info); err == nil {
		if err := m.snaps.RecordCatalog(context.Background(), plug.Name, catalog); err != nil {
			m.logger.Warn("failed to record plugin catalog", "plugin", plug.Name, "error", err)
		}
	}

	m.mu.Lock()
	m.sessions[plug.Name] = s
	m.mu.Unlock()

	m.hub.Publish(events.TypeSessionState, plug.Name, map[string]string{
		"session_id": s.ID(),
		"phase":      session.PhaseReady.String(),
	})
	go m.watchSession(plug.Name, s)
	return s, nil
}

// watchSession prunes the session map when a session dies, for any reason:
// clean shutdown, process exit, watchdog kill, or deadline miss.
func (m *Manager) watchSession(pluginName string, s PluginSession) {
	<-s.Done()
	reason := s.TerminateReason()

	m.mu.Lock()
	if m.sessions[pluginName] == s {
		delete(m.sessions, pluginName)
	}
	if m.passthrough == pluginName {
		m.passthrough = ""
	}
	closed := m.closed
	m.mu.Unlock()

	m.hub.Publish(events.TypeSessionState, pluginName, map[string]string{
		"session_id": s.ID(),
		"phase":      session.PhaseTerminated.String(),
		"reason":     string(reason),
	})

	if closed || reason == session.ReasonShutdown {
		return
	}
	msg := fmt.Sprintf("session terminated: %s", reason)
	if err := m.snaps.SetStatus(context.Background(), pluginName, state.StatusError, &msg); err != nil {
		m.logger.Warn("failed to record session failure", "plugin", pluginName, "error", err)
	}
}

func (m *Manager) markFailed(pluginName string, cause error) {
	msg := cause.Error()
	if err := m.snaps.SetStatus(context.Background(), pluginName, state.StatusError, &msg); err != nil {
		m.logger.Warn("failed to record plugin failure", "plugin", pluginName, "error", err)
	}
}

// logObserver journals plugin log notifications against whichever execution
// is currently in flight for the plugin. Logs between turns are dropped from
// the journal; the session logger still records them.
func (m *Manager) logObserver(pluginName string) func(level, message string) {
	return func(level, message string) {
		m.mu.Lock()
		execID := m.currentExec[pluginName]
		m.mu.Unlock()
		if execID == "" {
			return
		}
		payload := fmt.Sprintf("%s: %s", level, message)
		if err := m.hist.AppendEvent(context.Background(), execID, history.EventLog, payload); err != nil {
			m.logger.Error("failed to journal plugin log", "plugin", pluginName, "execution_id", execID, "error", err)
		}
	}
}

// StartPersistent spawns sessions for every enabled plugin marked persistent
// in its manifest or in engine config. Failures are logged, not fatal: a
// broken persistent plugin must not keep the engine from starting.
func (m *Manager) StartPersistent(ctx context.Context) {
	m.mu.Lock()
	plugins := make([]*plugin.Plugin, 0)
	for _, p := range m.registry.All() {
		plugins = append(plugins, p)
	}
	m.mu.Unlock()
	sort.Slice(plugins, func(i, j int) bool { return plugins[i].Name < plugins[j].Name })

	for _, p := range plugins {
		if !m.isPersistent(p) || !m.isEnabled(p.Name) {
			continue
		}
		if _, err := m.sessionFor(ctx, p); err != nil {
			m.logger.Error("failed to start persistent plugin", "plugin", p.Name, "error", err)
		}
	}
}

// HandleChange reacts to a plugin watcher report: broadcast the change, tear
// down sessions made stale by it, update snapshots, and refresh the registry.
func (m *Manager) HandleChange(ctx context.Context, ch plugin.Change) {
	m.logger.Info("plugin change", "type", string(ch.Type), "plugin", ch.Plugin)

	switch ch.Type {
	case plugin.ChangeDiscovered:
		m.hub.Publish(events.TypePluginDiscovered, ch.Plugin, ch.Print)
	case plugin.ChangeUpdated:
		m.hub.Publish(events.TypePluginUpdated, ch.Plugin, ch.Print)
	case plugin.ChangeRemoved:
		m.hub.Publish(events.TypePluginRemoved, ch.Plugin, nil)
	}

	if ch.Type == plugin.ChangeUpdated || ch.Type == plugin.ChangeRemoved {
		m.mu.Lock()
		s := m.sessions[ch.Plugin]
		m.mu.Unlock()
		if s != nil {
			sctx, cancel := context.WithTimeout(ctx, m.cfg.Protocol.ShutdownGrace+time.Second)
			if err := s.Shutdown(sctx); err != nil {
				m.logger.Warn("failed to stop stale session", "plugin", ch.Plugin, "error", err)
			}
			cancel()
		}
	}

	switch ch.Type {
	case plugin.ChangeRemoved:
		if err := m.snaps.Delete(ctx, ch.Plugin); err != nil {
			m.logger.Warn("failed to drop plugin snapshot", "plugin", ch.Plugin, "error", err)
		}
	default:
		if err := m.snaps.RecordFingerprint(ctx, ch.Plugin, ch.Print.ManifestHash, ch.Print.ExecutableHash); err != nil {
			m.logger.Warn("failed to record plugin fingerprint", "plugin", ch.Plugin, "error", err)
		}
	}

	if err := m.Rediscover(); err != nil {
		m.logger.Error("plugin re-discovery failed", "error", err)
	}
}

// Rediscover rescans the plugins directory and swaps in the fresh registry.
func (m *Manager) Rediscover() error {
	reg, err := plugin.Discover(m.cfg.PluginsDir, m.discoveryLogger())
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.registry = reg
	m.mu.Unlock()
	return nil
}

// ShutdownSession gracefully stops the session of one plugin.
func (m *Manager) ShutdownSession(ctx context.Context, pluginName string) error {
	m.mu.Lock()
	s := m.sessions[pluginName]
	m.mu.Unlock()
	if s == nil {
		return fmt.Errorf("%w: %q", ErrNoSession, pluginName)
	}
	return s.Shutdown(ctx)
}

// Shutdown stops accepting work and gracefully stops every session in
// parallel, bounded by ctx. Sessions that refuse to stop are killed.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	sessions := make([]PluginSession, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.passthrough = ""
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func(ps PluginSession) {
			defer wg.Done()
			if err := ps.Shutdown(ctx); err != nil {
				m.logger.Warn("graceful session shutdown failed", "plugin", ps.Plugin(), "error", err)
				ps.Kill(session.ReasonShutdown)
			}
		}(s)
	}
	wg.Wait()
	m.logger.Info("all plugin sessions stopped")
}

// LiveSessions reports sessions the watchdog should probe.
func (m *Manager) LiveSessions() []*session.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*session.Session, 0, len(m.sessions))
	for _, ps := range m.sessions {
		if s, ok := ps.(*session.Session); ok && s.Phase().Live() {
			out = append(out, s)
		}
	}
	return out
}

// Sessions reports a point-in-time snapshot of every tracked session,
// ordered by plugin name.
func (m *Manager) Sessions() []session.Snapshot {
	m.mu.Lock()
	tracked := make([]PluginSession, 0, len(m.sessions))
	for _, s := range m.sessions {
		tracked = append(tracked, s)
	}
	m.mu.Unlock()

	out := make([]session.Snapshot, 0, len(tracked))
	for _, s := range tracked {
		out = append(out, s.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Plugin < out[j].Plugin })
	return out
}

// PluginStatus merges the registry view of a plugin with its persisted
// snapshot and live session, for listings.
type PluginStatus struct {
	Name         string            `json:"name"`
	Version      string            `json:"version,omitempty"`
	Description  string            `json:"description,omitempty"`
	Functions    []string          `json:"functions"`
	Declarations plugin.Functions  `json:"declarations,omitempty"`
	Persistent   bool              `json:"persistent"`
	Passthrough  bool              `json:"passthrough"`
	Enabled      bool              `json:"enabled"`
	Status       string            `json:"status"`
	LastError    *string           `json:"last_error,omitempty"`
	Session      *session.Snapshot `json:"session,omitempty"`
}

// Plugins lists every discovered plugin, ordered by name.
func (m *Manager) Plugins(ctx context.Context) ([]PluginStatus, error) {
	snaps, err := m.snaps.All(ctx)
	if err != nil {
		return nil, err
	}
	byName := make(map[string]*state.Snapshot, len(snaps))
	for i := range snaps {
		byName[snaps[i].Plugin] = &snaps[i]
	}

	m.mu.Lock()
	plugins := make([]*plugin.Plugin, 0)
	for _, p := range m.registry.All() {
		plugins = append(plugins, p)
	}
	live := make(map[string]PluginSession, len(m.sessions))
	for name, s := range m.sessions {
		live[name] = s
	}
	m.mu.Unlock()
	sort.Slice(plugins, func(i, j int) bool { return plugins[i].Name < plugins[j].Name })

	out := make([]PluginStatus, 0, len(plugins))
	for _, p := range plugins {
		ps := PluginStatus{
			Name:         p.Name,
			Version:      p.Version,
			Description:  p.Description,
			Functions:    p.FunctionNames(),
			Declarations: p.Functions,
			Persistent:   m.isPersistent(p),
			Passthrough:  p.Passthrough,
			Enabled:      m.isEnabled(p.Name),
			Status:       state.StatusUnknown,
		}
		if snap, ok := byName[p.Name]; ok {
			ps.Status = snap.Status
			ps.LastError = snap.LastError
		}
		if s, ok := live[p.Name]; ok {
			snapshot := s.Snapshot()
			ps.Session = &snapshot
		}
		out = append(out, ps)
	}
	return out, nil
}

// Passthrough reports which plugin currently holds the input channel.
func (m *Manager) Passthrough() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.passthrough
}

func (m *Manager) claimPassthrough(pluginName string) {
	m.mu.Lock()
	prev := m.passthrough
	m.passthrough = pluginName
	m.mu.Unlock()
	if prev != "" && prev != pluginName {
		m.logger.Warn("passthrough target replaced", "previous", prev, "current", pluginName)
	}
}

// releasePassthrough clears the claim only if pluginName still holds it.
func (m *Manager) releasePassthrough(pluginName string) {
	m.mu.Lock()
	if m.passthrough == pluginName {
		m.passthrough = ""
	}
	m.mu.Unlock()
}

// limiter returns the plugin's rate limiter, or nil when unlimited.
// Per-plugin config overrides the engine-wide default.
func (m *Manager) limiter(pluginName string) *rate.Limiter {
	m.mu.Lock()
	defer m.mu.Unlock()
	if lim, ok := m.limiters[pluginName]; ok {
		return lim
	}

	ratePerSec := m.cfg.Limits.ExecuteRate
	burst := m.cfg.Limits.ExecuteBurst
	if pc, ok := m.cfg.Plugins[pluginName]; ok {
		if pc.ExecuteRate != 0 {
			ratePerSec = pc.ExecuteRate
		}
		if pc.ExecuteBurst != 0 {
			burst = pc.ExecuteBurst
		}
	}

	var lim *rate.Limiter
	if ratePerSec > 0 {
		if burst < 1 {
			burst = 1
		}
		lim = rate.NewLimiter(rate.Limit(ratePerSec), burst)
	}
	m.limiters[pluginName] = lim
	return lim
}

func (m *Manager) spawnLock(pluginName string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.spawnLocks[pluginName]
	if !ok {
		lock = &sync.Mutex{}
		m.spawnLocks[pluginName] = lock
	}
	return lock
}

func (m *Manager) isPersistent(p *plugin.Plugin) bool {
	if pc, ok := m.cfg.Plugins[p.Name]; ok && pc.Persistent != nil {
		return *pc.Persistent
	}
	return p.Persistent
}

func (m *Manager) isEnabled(pluginName string) bool {
	if pc, ok := m.cfg.Plugins[pluginName]; ok {
		return pc.IsEnabled()
	}
	return true
}

func (m *Manager) discoveryLogger() func(level, msg string, args ...any) {
	return func(level, msg string, args ...any) {
		l, err := log.ParseLevel(level)
		if err != nil {
			l = slog.LevelInfo
		}
		m.logger.Log(context.Background(), l, msg, args...)
	}
}

func (m *Manager) setCurrentExec(pluginName, execID string) {
	m.mu.Lock()
	m.currentExec[pluginName] = execID
	m.mu.Unlock()
}

// clearCurrentExec drops the marker only if execID still owns it.
func (m *Manager) clearCurrentExec(pluginName, execID string) {
	m.mu.Lock()
	if m.currentExec[pluginName] == execID {
		delete(m.currentExec, pluginName)
	}
	m.mu.Unlock()
}

func marshalArgs(args map[string]any) json.RawMessage {
	if len(args) == 0 {
		return nil
	}
	b, err := json.Marshal(args)
	if err != nil {
		return nil
	}
	return b
}
