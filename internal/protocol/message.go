package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Version is the JSON-RPC version tag carried by every message.
const Version = "2.0"

// ProtocolVersion is the plugin protocol revision announced in initialize.
const ProtocolVersion = "2.0"

// JSON-RPC error codes, plus the protocol's own range below -32000.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603

	// CodePluginError carries a failure reported by a command handler.
	CodePluginError = -1
	// CodeTimeout marks a call that outlived its deadline.
	CodeTimeout = -2
	// CodeRateLimited rejects an execute before any frame is sent.
	CodeRateLimited = -3
)

// Message is the JSON-RPC 2.0 envelope. Exactly one shape is valid per
// message: method+id (request), method without id (notification), or
// id+result / id+error (response). Ids are engine-assigned, monotonic per
// session, starting at 1, so a nil ID means "absent" unambiguously.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *uint64         `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// Kind classifies a decoded message by the field combination it carries.
type Kind int

const (
	KindInvalid Kind = iota
	KindRequest
	KindNotification
	KindResponse
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindNotification:
		return "notification"
	case KindResponse:
		return "response"
	default:
		return "invalid"
	}
}

// Kind reports which JSON-RPC shape the message has. A message with both a
// method and an id is a request expecting a response; a method without an id
// is a one-way notification; an id with a result or error is a response.
func (m *Message) Kind() Kind {
	switch {
	case m.Method != "" && m.ID != nil:
		return KindRequest
	case m.Method != "":
		return KindNotification
	case m.ID != nil && (m.Result != nil || m.Error != nil):
		return KindResponse
	default:
		return KindInvalid
	}
}

// RPCError is the JSON-RPC error object. It satisfies error so remote
// failures can travel through ordinary error returns.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// NewRequest builds a request message with the given id.
func NewRequest(id uint64, method string, params any) (*Message, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, fmt.Errorf("encode %s params: %w", method, err)
	}
	return &Message{JSONRPC: Version, ID: &id, Method: method, Params: raw}, nil
}

// NewNotification builds a one-way message carrying no id.
func NewNotification(method string, params any) (*Message, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, fmt.Errorf("encode %s params: %w", method, err)
	}
	return &Message{JSONRPC: Version, Method: method, Params: raw}, nil
}

// NewResponse builds a success response for the given request id.
func NewResponse(id uint64, result any) (*Message, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	return &Message{JSONRPC: Version, ID: &id, Result: raw}, nil
}

// NewErrorResponse builds an error response for the given request id.
func NewErrorResponse(id uint64, code int, message string) *Message {
	return &Message{
		JSONRPC: Version,
		ID:      &id,
		Error:   &RPCError{Code: code, Message: message},
	}
}

func marshalParams(params any) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	return json.Marshal(params)
}

// DecodeMessage parses one frame payload into a Message and validates the
// envelope. Callers branch on Kind; payload decoding of params/result stays
// with the method-specific types in methods.go.
func DecodeMessage(payload []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, fmt.Errorf("parse message: %w", err)
	}
	if msg.JSONRPC != Version {
		return nil, fmt.Errorf("unsupported jsonrpc version %q", msg.JSONRPC)
	}
	if msg.Kind() == KindInvalid {
		return nil, fmt.Errorf("message is neither request, notification, nor response")
	}
	return &msg, nil
}

// EncodeMessage marshals a message and wraps it in a frame.
func EncodeMessage(msg *Message, max uint32) ([]byte, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	return EncodeFrame(payload, max)
}

// NowMillis is the timestamp format pings and inputs carry on the wire.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}
