package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Host→plugin request methods.
const (
	MethodInitialize = "initialize"
	MethodPing       = "ping"
	MethodExecute    = "execute"
	MethodInput      = "input"
	MethodShutdown   = "shutdown"
)

// Plugin→host notification methods.
const (
	NotifyStream   = "stream"
	NotifyComplete = "complete"
	NotifyError    = "error"
	NotifyLog      = "log"
)

// Per-method reply deadlines. A miss on any of them is fatal to the session,
// not merely to the call. initialize shares the execute deadline.
const (
	PingDeadline       = 1 * time.Second
	InputAckDeadline   = 2 * time.Second
	ExecuteDeadline    = 30 * time.Second
	InitializeDeadline = ExecuteDeadline
)

// DeadlineFor returns the default reply deadline for a request method.
func DeadlineFor(method string) time.Duration {
	switch method {
	case MethodPing:
		return PingDeadline
	case MethodInput:
		return InputAckDeadline
	case MethodInitialize:
		return InitializeDeadline
	default:
		return ExecuteDeadline
	}
}

// InitializeParams announces the engine to a freshly spawned plugin.
type InitializeParams struct {
	ProtocolVersion string `json:"protocol_version"`
	EngineVersion   string `json:"engine_version"`
}

// CommandInfo names one command a plugin offers.
type CommandInfo struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// InitializeResult is the plugin's self-description, including its command
// catalog; the engine snapshots it per plugin.
type InitializeResult struct {
	Name            string        `json:"name"`
	Version         string        `json:"version,omitempty"`
	Description     string        `json:"description,omitempty"`
	ProtocolVersion string        `json:"protocol_version"`
	Commands        []CommandInfo `json:"commands,omitempty"`
}

// PingParams carries the probe timestamp in Unix milliseconds.
type PingParams struct {
	Timestamp int64 `json:"timestamp"`
}

// PongResult echoes the probe timestamp. The echo is what identifies a
// response as a pong.
type PongResult struct {
	Timestamp int64 `json:"timestamp"`
}

// ContextMessage is one turn of accumulated conversation context.
type ContextMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// SystemInfo describes the engine host to the plugin.
type SystemInfo struct {
	OS            string `json:"os"`
	Arch          string `json:"arch"`
	EngineVersion string `json:"engine_version"`
}

// ExecuteParams invokes a named command with free-form arguments.
type ExecuteParams struct {
	Function   string           `json:"function"`
	Arguments  map[string]any   `json:"arguments"`
	Context    []ContextMessage `json:"context"`
	SystemInfo *SystemInfo      `json:"system_info,omitempty"`
}

// InputParams forwards a user utterance to a plugin holding a passthrough
// session.
type InputParams struct {
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`
}

// AckResult is the immediate reply to input; the substantive answer follows
// as stream/complete notifications.
type AckResult struct {
	Acknowledged bool `json:"acknowledged"`
}

// StreamParams is an incremental output chunk for an in-flight execution.
type StreamParams struct {
	RequestID uint64 `json:"request_id"`
	Data      string `json:"data"`
}

// CompleteParams terminates an execution. KeepSession requests passthrough:
// the engine routes the next utterance back to this plugin via input.
type CompleteParams struct {
	RequestID   uint64 `json:"request_id"`
	Success     bool   `json:"success"`
	Data        string `json:"data,omitempty"`
	KeepSession bool   `json:"keep_session"`
}

// ErrorParams terminates an execution with a failure report.
type ErrorParams struct {
	RequestID uint64 `json:"request_id"`
	Code      int    `json:"code"`
	Message   string `json:"message"`
}

// LogParams relays a plugin log line to the engine's logger.
type LogParams struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}

// UnmarshalParams decodes params into dst, treating absent params as an empty
// object so methods with optional params decode to zero values.
func UnmarshalParams(raw json.RawMessage, dst any) error {
	if len(raw) == 0 {
		raw = []byte("{}")
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("decode params: %w", err)
	}
	return nil
}

// UnmarshalResult decodes a response result into dst.
func UnmarshalResult(raw json.RawMessage, dst any) error {
	if len(raw) == 0 {
		return fmt.Errorf("response has no result")
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("decode result: %w", err)
	}
	return nil
}

// IsPong reports whether result looks like a pong (echoed timestamp). The
// watchdog uses this to recognize liveness replies without consulting the
// request table.
func IsPong(raw json.RawMessage) bool {
	if len(raw) == 0 {
		return false
	}
	var probe struct {
		Timestamp *int64 `json:"timestamp"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return false
	}
	return probe.Timestamp != nil
}
