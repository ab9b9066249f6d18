package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/tether/internal/history"
	"github.com/mattjoyce/tether/internal/manager"
	"github.com/mattjoyce/tether/internal/protocol"
	"github.com/mattjoyce/tether/internal/session"
)

// handleHealthz handles GET /healthz (no auth).
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	plugins, err := s.engine.Plugins(r.Context())
	if err != nil {
		s.logger.Error("failed to list plugins for healthz", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list plugins")
		return
	}

	resp := HealthzResponse{
		Status:        "ok",
		Version:       s.version,
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		PluginsLoaded: len(plugins),
		SessionsLive:  len(s.engine.Sessions()),
		Passthrough:   s.engine.Passthrough(),
	}
	respondJSON(w, http.StatusOK, resp)
}

// handlePlugins handles GET /v1/plugins.
func (s *Server) handlePlugins(w http.ResponseWriter, r *http.Request) {
	plugins, err := s.engine.Plugins(r.Context())
	if err != nil {
		s.logger.Error("failed to list plugins", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list plugins")
		return
	}
	respondJSON(w, http.StatusOK, PluginsResponse{Plugins: plugins})
}

// handleSessions handles GET /v1/sessions.
func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, SessionsResponse{
		Sessions:    s.engine.Sessions(),
		Passthrough: s.engine.Passthrough(),
	})
}

// handleSessionShutdown handles POST /v1/sessions/{plugin}/shutdown.
func (s *Server) handleSessionShutdown(w http.ResponseWriter, r *http.Request) {
	pluginName := chi.URLParam(r, "plugin")

	if err := s.engine.ShutdownSession(r.Context(), pluginName); err != nil {
		if errors.Is(err, manager.ErrNoSession) {
			s.writeError(w, http.StatusNotFound, "no live session for plugin")
			return
		}
		s.logger.Error("session shutdown failed", "plugin", pluginName, "error", err)
		s.writeError(w, http.StatusInternalServerError, "session shutdown failed")
		return
	}

	s.logger.Info("session shutdown via API", "plugin", pluginName)
	respondJSON(w, http.StatusOK, StatusResponse{Status: "ok"})
}

// handleExecute handles POST /v1/execute. The call is synchronous: the
// response carries the turn's outcome, so the HTTP client waits out the
// execute deadline in the worst case.
func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req ExecuteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Function == "" {
		s.writeError(w, http.StatusBadRequest, "function is required")
		return
	}

	resp, err := s.engine.Execute(r.Context(), manager.ExecuteRequest{
		Function:  req.Function,
		Arguments: req.Arguments,
		Context:   req.Context,
	})
	if err != nil {
		s.writeEngineError(w, err)
		return
	}

	s.logger.Info("execute via API",
		"execution_id", resp.ExecutionID,
		"plugin", resp.Plugin,
		"function", resp.Function,
	)
	respondJSON(w, http.StatusOK, executeResponseFrom(resp))
}

// handleInput handles POST /v1/input. It only succeeds while a session holds
// the passthrough channel.
func (s *Server) handleInput(w http.ResponseWriter, r *http.Request) {
	var req InputRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Content == "" {
		s.writeError(w, http.StatusBadRequest, "content is required")
		return
	}

	resp, err := s.engine.SendInput(r.Context(), req.Content, nil)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}

	s.logger.Info("input via API", "execution_id", resp.ExecutionID, "plugin", resp.Plugin)
	respondJSON(w, http.StatusOK, executeResponseFrom(resp))
}

// handleExecutions handles GET /v1/executions.
func (s *Server) handleExecutions(w http.ResponseWriter, r *http.Request) {
	f := history.Filter{
		Plugin: r.URL.Query().Get("plugin"),
		Status: history.Status(r.URL.Query().Get("status")),
		Limit:  50,
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		f.Limit = n
	}

	execs, err := s.journal.List(r.Context(), f)
	if err != nil {
		s.logger.Error("failed to list executions", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list executions")
		return
	}
	respondJSON(w, http.StatusOK, ExecutionsResponse{Executions: execs})
}

// handleExecution handles GET /v1/executions/{executionID}.
func (s *Server) handleExecution(w http.ResponseWriter, r *http.Request) {
	executionID := chi.URLParam(r, "executionID")

	rec, err := s.journal.Get(r.Context(), executionID)
	if err != nil {
		if errors.Is(err, history.ErrExecutionNotFound) {
			s.writeError(w, http.StatusNotFound, "execution not found")
			return
		}
		s.logger.Error("failed to load execution", "execution_id", executionID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to load execution")
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

// handleOpenAPI handles GET /openapi.json (no auth).
func (s *Server) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	plugins, err := s.engine.Plugins(r.Context())
	if err != nil {
		s.logger.Error("failed to list plugins for openapi", "error", err)
		plugins = nil
	}
	respondJSON(w, http.StatusOK, buildOpenAPIDoc(s.version, plugins))
}

// executeResponseFrom flattens the manager's result for the wire.
func executeResponseFrom(resp *manager.ExecuteResponse) ExecuteResponse {
	return ExecuteResponse{
		ExecutionID: resp.ExecutionID,
		Plugin:      resp.Plugin,
		Function:    resp.Function,
		Success:     resp.Result.Success,
		Data:        resp.Result.Data,
		Response:    resp.Result.Accumulated,
		KeepSession: resp.Result.KeepSession,
		ElapsedMS:   resp.Result.Elapsed.Milliseconds(),
	}
}

// writeEngineError maps engine failures onto HTTP status codes. Plugin-side
// failures surface as 502 since the engine itself behaved.
func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	var rpcErr *protocol.RPCError
	switch {
	case errors.Is(err, manager.ErrUnknownFunction):
		s.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, manager.ErrPluginDisabled):
		s.writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, manager.ErrNoPassthrough):
		s.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, manager.ErrShuttingDown):
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, session.ErrNotReady):
		s.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		s.writeError(w, http.StatusGatewayTimeout, err.Error())
	case errors.As(err, &rpcErr):
		if rpcErr.Code == protocol.CodeRateLimited {
			s.writeError(w, http.StatusTooManyRequests, rpcErr.Message)
			return
		}
		s.writeError(w, http.StatusBadGateway, rpcErr.Message)
	case errors.Is(err, session.ErrSessionTerminated):
		s.writeError(w, http.StatusBadGateway, err.Error())
	default:
		s.logger.Error("execute failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// respondJSON is a helper to write JSON responses
func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response
func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
