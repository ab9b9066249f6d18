// Package plugin implements the subprocess side of the engine protocol. A
// plugin registers command handlers, then hands control to Run, which reads
// length-prefixed JSON-RPC frames from stdin and writes replies and
// notifications to stdout. The read loop never blocks on a handler: pings are
// answered inline while handlers run on worker goroutines, so a slow command
// cannot starve the engine's liveness probes.
//
// Log output must go to stderr; stdout carries protocol frames only.
package plugin

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/mattjoyce/tether/internal/protocol"
)

// Info is the plugin's self-description, echoed back to the engine in the
// initialize response.
type Info struct {
	Name        string
	Version     string
	Description string
}

// ContextMessage is one prior turn of conversation context passed along with
// an execute call.
type ContextMessage struct {
	Role    string
	Content string
}

// HandlerFunc runs one command. The returned string becomes the data field of
// the complete notification; a non-nil error becomes an error notification
// with code -1 instead.
type HandlerFunc func(c *Call) (string, error)

// InputFunc handles one passthrough utterance after the dispatcher has
// acknowledged it.
type InputFunc func(c *Call, content string) (string, error)

// Call is the per-request view a handler works against. EmitStream and
// SetKeepSession are scoped to this request only.
type Call struct {
	// Function is the command name the engine invoked. For input turns it is
	// the literal "input".
	Function  string
	Arguments map[string]any
	Context   []ContextMessage

	requestID   uint64
	emit        func(data string)
	logf        func(level, message string)
	keepSession bool
	keepMu      sync.Mutex
}

// NewTestCall builds a detached Call for exercising a handler directly in
// tests. Emitted chunks go to sink; log lines are dropped.
func NewTestCall(function string, args map[string]any, sink func(chunk string)) *Call {
	return &Call{Function: function, Arguments: args, emit: sink}
}

// EmitStream sends one incremental output chunk for this request. Chunks
// arrive at the engine in emission order.
func (c *Call) EmitStream(data string) {
	if c.emit != nil {
		c.emit(data)
	}
}

// SetKeepSession marks whether the plugin holds the session after this turn.
// When true, the engine routes the user's next utterance back here via input
// instead of matching it against the command catalog.
func (c *Call) SetKeepSession(keep bool) {
	c.keepMu.Lock()
	c.keepSession = keep
	c.keepMu.Unlock()
}

// KeepSession reports the flag the turn's complete notification will carry.
func (c *Call) KeepSession() bool {
	c.keepMu.Lock()
	defer c.keepMu.Unlock()
	return c.keepSession
}

// Log relays a log line to the engine's logger.
func (c *Call) Log(level, message string) {
	if c.logf != nil {
		c.logf(level, message)
	}
}

// Dispatcher is the plugin-side protocol loop.
type Dispatcher struct {
	info       Info
	handlers   map[string]HandlerFunc
	catalog    []protocol.CommandInfo
	inputFn    InputFunc
	maxMessage uint32

	reader  *protocol.FrameReader
	out     io.Writer
	writeMu sync.Mutex

	mu          sync.Mutex
	started     bool
	passthrough bool
}

// New builds a dispatcher over the process's stdin and stdout.
func New(info Info) *Dispatcher {
	return newDispatcher(info, os.Stdin, os.Stdout)
}

func newDispatcher(info Info, r io.Reader, w io.Writer) *Dispatcher {
	return &Dispatcher{
		info:       info,
		handlers:   make(map[string]HandlerFunc),
		maxMessage: protocol.DefaultMaxMessageSize,
		reader:     protocol.NewFrameReader(r, protocol.DefaultMaxMessageSize),
		out:        w,
	}
}

// Register adds a command handler. Registration is only valid before Run;
// the handler table is immutable once the read loop starts.
func (d *Dispatcher) Register(name string, h HandlerFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		panic("plugin: Register called after Run")
	}
	d.handlers[name] = h
	d.catalog = append(d.catalog, protocol.CommandInfo{Name: name})
}

// OnInput sets the handler for passthrough input turns. A plugin that never
// calls SetKeepSession(true) does not need one.
func (d *Dispatcher) OnInput(h InputFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		panic("plugin: OnInput called after Run")
	}
	d.inputFn = h
}

// Log sends a log notification to the engine.
func (d *Dispatcher) Log(level, message string) {
	d.sendNotification(protocol.NotifyLog, protocol.LogParams{Level: level, Message: message})
}

// Run reads frames until the engine sends shutdown or closes stdin. It
// returns nil on a clean shutdown and the framing error otherwise.
func (d *Dispatcher) Run() error {
	d.mu.Lock()
	d.started = true
	d.mu.Unlock()

	for {
		payload, err := d.reader.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				// Engine went away; treat like shutdown.
				return nil
			}
			return err
		}

		msg, err := protocol.DecodeMessage(payload)
		if err != nil {
			d.Log("error", fmt.Sprintf("dropping undecodable frame: %v", err))
			continue
		}

		if msg.Method == protocol.MethodShutdown {
			// No reply; the engine is already waiting on process exit.
			return nil
		}

		switch msg.Kind() {
		case protocol.KindRequest:
			d.handleRequest(msg)
		default:
			// The engine sends no other notifications and expects no
			// responses from us outside the request flow.
			d.Log("warn", fmt.Sprintf("ignoring unexpected %s message", msg.Kind()))
		}
	}
}

// handleRequest runs on the read loop. Anything that can take real time is
// pushed onto a worker goroutine so ping stays answerable.
func (d *Dispatcher) handleRequest(msg *protocol.Message) {
	id := *msg.ID
	switch msg.Method {
	case protocol.MethodPing:
		var pp protocol.PingParams
		if err := protocol.UnmarshalParams(msg.Params, &pp); err != nil {
			d.sendErrorResponse(id, protocol.CodeInvalidParams, err.Error())
			return
		}
		d.respond(id, protocol.PongResult{Timestamp: pp.Timestamp})

	case protocol.MethodInitialize:
		d.handleInitialize(id, msg.Params)

	case protocol.MethodExecute:
		var ep protocol.ExecuteParams
		if err := protocol.UnmarshalParams(msg.Params, &ep); err != nil {
			d.sendErrorResponse(id, protocol.CodeInvalidParams, err.Error())
			return
		}
		h, ok := d.handlers[ep.Function]
		if !ok {
			d.sendErrorResponse(id, protocol.CodeMethodNotFound, "unknown function: "+ep.Function)
			return
		}
		call := d.newCall(ep.Function, id)
		call.Arguments = ep.Arguments
		call.Context = convertContext(ep.Context)
		go d.runTurn(call, func() (string, error) { return h(call) })

	case protocol.MethodInput:
		var ip protocol.InputParams
		if err := protocol.UnmarshalParams(msg.Params, &ip); err != nil {
			d.sendErrorResponse(id, protocol.CodeInvalidParams, err.Error())
			return
		}
		// Acknowledge before doing any work; the engine's 2s ack deadline
		// covers receipt, not completion.
		d.respond(id, protocol.AckResult{Acknowledged: true})

		d.mu.Lock()
		active := d.passthrough
		h := d.inputFn
		d.mu.Unlock()
		if !active || h == nil {
			d.sendErrorNotification(id, protocol.CodePluginError, "no passthrough handler is active")
			return
		}
		call := d.newCall("input", id)
		go d.runTurn(call, func() (string, error) { return h(call, ip.Content) })

	default:
		d.sendErrorResponse(id, protocol.CodeMethodNotFound, "unknown method: "+msg.Method)
	}
}

func (d *Dispatcher) handleInitialize(id uint64, params json.RawMessage) {
	var ip protocol.InitializeParams
	if err := protocol.UnmarshalParams(params, &ip); err != nil {
		d.sendErrorResponse(id, protocol.CodeInvalidParams, err.Error())
		return
	}
	if ip.ProtocolVersion != protocol.ProtocolVersion {
		d.sendErrorResponse(id, protocol.CodeInvalidParams,
			fmt.Sprintf("unsupported protocol version %q", ip.ProtocolVersion))
		return
	}
	d.respond(id, protocol.InitializeResult{
		Name:            d.info.Name,
		Version:         d.info.Version,
		Description:     d.info.Description,
		ProtocolVersion: protocol.ProtocolVersion,
		Commands:        d.catalog,
	})
}

// runTurn executes one handler on its own goroutine and guarantees exactly
// one terminal notification for the request. A panicking handler becomes an
// error notification; the read loop is unaffected.
func (d *Dispatcher) runTurn(call *Call, fn func() (string, error)) {
	defer func() {
		if r := recover(); r != nil {
			d.setPassthrough(false)
			d.sendErrorNotification(call.requestID, protocol.CodePluginError, fmt.Sprintf("handler panic: %v", r))
		}
	}()

	result, err := fn()
	if err != nil {
		d.setPassthrough(false)
		d.sendErrorNotification(call.requestID, protocol.CodePluginError, err.Error())
		return
	}

	keep := call.KeepSession()
	d.setPassthrough(keep)
	d.sendNotification(protocol.NotifyComplete, protocol.CompleteParams{
		RequestID:   call.requestID,
		Success:     true,
		Data:        result,
		KeepSession: keep,
	})
}

// newCall wires a Call's sinks to this dispatcher's outbound stream.
func (d *Dispatcher) newCall(function string, requestID uint64) *Call {
	return &Call{
		Function:  function,
		requestID: requestID,
		emit: func(data string) {
			d.sendNotification(protocol.NotifyStream, protocol.StreamParams{
				RequestID: requestID,
				Data:      data,
			})
		},
		logf: d.Log,
	}
}

func (d *Dispatcher) setPassthrough(active bool) {
	d.mu.Lock()
	d.passthrough = active
	d.mu.Unlock()
}

func (d *Dispatcher) respond(id uint64, result any) {
	msg, err := protocol.NewResponse(id, result)
	if err != nil {
		d.sendErrorResponse(id, protocol.CodeInternalError, err.Error())
		return
	}
	d.send(msg)
}

func (d *Dispatcher) sendErrorResponse(id uint64, code int, message string) {
	d.send(protocol.NewErrorResponse(id, code, message))
}

func (d *Dispatcher) sendErrorNotification(requestID uint64, code int, message string) {
	d.sendNotification(protocol.NotifyError, protocol.ErrorParams{
		RequestID: requestID,
		Code:      code,
		Message:   message,
	})
}

func (d *Dispatcher) sendNotification(method string, params any) {
	msg, err := protocol.NewNotification(method, params)
	if err != nil {
		fmt.Fprintf(os.Stderr, "plugin: encode %s notification: %v\n", method, err)
		return
	}
	d.send(msg)
}

// send serializes writes so concurrent workers and the read loop cannot
// interleave two frames' bytes.
func (d *Dispatcher) send(msg *protocol.Message) {
	frame, err := protocol.EncodeMessage(msg, d.maxMessage)
	if err != nil {
		fmt.Fprintf(os.Stderr, "plugin: encode frame: %v\n", err)
		return
	}
	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	if _, err := d.out.Write(frame); err != nil {
		fmt.Fprintf(os.Stderr, "plugin: write frame: %v\n", err)
	}
}

func convertContext(in []protocol.ContextMessage) []ContextMessage {
	if len(in) == 0 {
		return nil
	}
	out := make([]ContextMessage, len(in))
	for i, m := range in {
		out[i] = ContextMessage{Role: m.Role, Content: m.Content}
	}
	return out
}
