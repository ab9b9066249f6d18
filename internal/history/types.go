package history

import (
	"encoding/json"
	"errors"
	"time"
)

type Status string

const (
	StatusRunning Status = "running"
	StatusOK      Status = "ok"
	StatusError   Status = "error"
	StatusTimeout Status = "timeout"
)

type EventKind string

const (
	EventStream   EventKind = "stream"
	EventLog      EventKind = "log"
	EventComplete EventKind = "complete"
	EventError    EventKind = "error"
)

// Execution is one journaled execute turn. CLI, API, and passthrough input
// turns all land here.
type Execution struct {
	ID          string          `json:"id"`
	Plugin      string          `json:"plugin"`
	Function    string          `json:"function"`
	Arguments   json.RawMessage `json:"arguments,omitempty"`
	Status      Status          `json:"status"`
	Response    *string         `json:"response,omitempty"`
	Error       *string         `json:"error,omitempty"`
	KeepSession bool            `json:"keep_session"`
	StartedAt   time.Time       `json:"started_at"`
	FinishedAt  *time.Time      `json:"finished_at,omitempty"`
	DurationMS  *int64          `json:"duration_ms,omitempty"`
}

// Event is one notification observed during an execution, in arrival order.
type Event struct {
	ExecutionID string    `json:"execution_id"`
	Seq         int       `json:"seq"`
	Kind        EventKind `json:"kind"`
	Payload     string    `json:"payload,omitempty"`
	At          time.Time `json:"at"`
}

// Record bundles an execution with its ordered event trail.
type Record struct {
	Execution Execution `json:"execution"`
	Events    []Event   `json:"events"`
}

// BeginRequest carries the fields journaled when an execute turn starts.
type BeginRequest struct {
	Plugin    string
	Function  string
	Arguments json.RawMessage
}

// FinishRequest carries the terminal outcome of an execute turn.
type FinishRequest struct {
	Status      Status
	Response    *string
	Error       *string
	KeepSession bool
}

// Filter narrows List and Export output. Zero values mean "any".
type Filter struct {
	Plugin string
	Status Status
	Limit  int
}

var ErrExecutionNotFound = errors.New("execution not found")
