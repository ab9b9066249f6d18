package api

import (
	"github.com/mattjoyce/tether/internal/history"
	"github.com/mattjoyce/tether/internal/manager"
	"github.com/mattjoyce/tether/internal/protocol"
	"github.com/mattjoyce/tether/internal/session"
)

// ExecuteRequest is the JSON body for POST /v1/execute.
type ExecuteRequest struct {
	Function  string                    `json:"function"`
	Arguments map[string]any            `json:"arguments,omitempty"`
	Context   []protocol.ContextMessage `json:"context,omitempty"`
}

// InputRequest is the JSON body for POST /v1/input.
type InputRequest struct {
	Content string `json:"content"`
}

// ExecuteResponse is returned by POST /v1/execute and POST /v1/input.
// Data is the payload of the plugin's complete notification; Response is the
// concatenation of every stream chunk of the turn.
type ExecuteResponse struct {
	ExecutionID string `json:"execution_id"`
	Plugin      string `json:"plugin"`
	Function    string `json:"function"`
	Success     bool   `json:"success"`
	Data        string `json:"data,omitempty"`
	Response    string `json:"response,omitempty"`
	KeepSession bool   `json:"keep_session"`
	ElapsedMS   int64  `json:"elapsed_ms"`
}

// PluginsResponse is returned by GET /v1/plugins.
type PluginsResponse struct {
	Plugins []manager.PluginStatus `json:"plugins"`
}

// SessionsResponse is returned by GET /v1/sessions.
type SessionsResponse struct {
	Sessions    []session.Snapshot `json:"sessions"`
	Passthrough string             `json:"passthrough,omitempty"`
}

// ExecutionsResponse is returned by GET /v1/executions.
type ExecutionsResponse struct {
	Executions []history.Execution `json:"executions"`
}

// StatusResponse acknowledges state-changing requests with no richer body.
type StatusResponse struct {
	Status string `json:"status"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	PluginsLoaded int    `json:"plugins_loaded"`
	SessionsLive  int    `json:"sessions_live"`
	Passthrough   string `json:"passthrough,omitempty"`
}

// ErrorResponse is returned on errors.
type ErrorResponse struct {
	Error string `json:"error"`
}
