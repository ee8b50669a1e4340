package acp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/HainanZhao/clawless/pkg/logger"
)

// Connection errors.
var (
	ErrConnClosed = errors.New("acp: connection closed")
)

// Handler receives agent-initiated traffic: session/update notifications and
// the requests the agent makes back to the bridge. Implementations must not
// block; the read loop dispatches synchronously so a blocked handler stalls
// the whole stream.
type Handler interface {
	// SessionUpdate is called for every session/update notification.
	SessionUpdate(params SessionUpdateParams)
	// RequestPermission decides the outcome of a permission request.
	RequestPermission(params RequestPermissionParams) RequestPermissionResult
}

// Conn is a JSON-RPC 2.0 connection over NDJSON streams. It is the only
// component that touches the child's stdio; everything above works with
// typed messages.
type Conn struct {
	stdin  io.Writer
	reader *bufio.Scanner

	nextID  atomic.Int64
	writeMu sync.Mutex

	pending   map[int64]chan *Response
	pendingMu sync.Mutex

	handler Handler

	closed atomic.Bool
	done   chan struct{}

	log zerolog.Logger
}

// NewConn wraps the given streams. The read loop starts immediately.
func NewConn(stdin io.Writer, stdout io.Reader, handler Handler) *Conn {
	scanner := bufio.NewScanner(stdout)
	// Large buffer for big streamed frames.
	scanner.Buffer(make([]byte, 1024*1024), 10*1024*1024)

	c := &Conn{
		stdin:   stdin,
		reader:  scanner,
		pending: make(map[int64]chan *Response),
		handler: handler,
		done:    make(chan struct{}),
		log:     logger.Component("acp"),
	}
	go c.readLoop()
	return c
}

// Done is closed when the read loop ends (EOF, broken pipe, or Close).
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Close marks the connection closed and fails all pending calls. It does not
// close the underlying streams; the process supervisor owns those.
func (c *Conn) Close() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	c.failPending()
}

func (c *Conn) failPending() {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}

// readLoop reads NDJSON frames off the agent's stdout and dispatches them.
func (c *Conn) readLoop() {
	defer func() {
		c.closed.Store(true)
		c.failPending()
		close(c.done)
	}()

	for c.reader.Scan() {
		line := c.reader.Bytes()
		if len(line) == 0 {
			continue
		}

		var f frame
		if err := json.Unmarshal(line, &f); err != nil {
			preview := string(line)
			if len(preview) > 200 {
				preview = preview[:200]
			}
			c.log.Warn().Err(err).Str("line", preview).Msg("skipping malformed frame")
			continue
		}

		switch {
		case f.ID != nil && f.Method != "":
			// Request from the agent; answered inline on the read loop so the
			// reply lands before we block on the next line.
			c.handleIncomingRequest(f)
		case f.Method != "":
			c.handleNotification(f)
		case f.ID != nil:
			c.handleResponse(f)
		default:
			c.log.Warn().Msg("frame with neither id nor method, skipping")
		}
	}

	if err := c.reader.Err(); err != nil {
		c.log.Warn().Err(err).Msg("stream read ended with error")
	}
}

func (c *Conn) handleResponse(f frame) {
	c.pendingMu.Lock()
	ch, ok := c.pending[*f.ID]
	if ok {
		delete(c.pending, *f.ID)
	}
	c.pendingMu.Unlock()

	if !ok {
		c.log.Warn().Int64("id", *f.ID).Msg("response with no pending call")
		return
	}
	ch <- &Response{JSONRPC: f.JSONRPC, ID: f.ID, Result: f.Result, Error: f.Error}
}

func (c *Conn) handleNotification(f frame) {
	if f.Method != MethodSessionUpdate {
		c.log.Debug().Str("method", f.Method).Msg("ignoring notification")
		return
	}
	var params SessionUpdateParams
	if err := json.Unmarshal(f.Params, &params); err != nil {
		c.log.Warn().Err(err).Msg("malformed session/update params")
		return
	}
	c.handler.SessionUpdate(params)
}

func (c *Conn) handleIncomingRequest(f frame) {
	switch f.Method {
	case MethodRequestPermission:
		var params RequestPermissionParams
		if err := json.Unmarshal(f.Params, &params); err != nil {
			c.respondError(*f.ID, -32602, "invalid params: "+err.Error())
			return
		}
		c.respondResult(*f.ID, c.handler.RequestPermission(params))
	case MethodReadTextFile, MethodWriteTextFile:
		// No filesystem exposure; always the empty object.
		c.respondResult(*f.ID, struct{}{})
	default:
		c.respondError(*f.ID, -32601, "method not found: "+f.Method)
	}
}

func (c *Conn) respondResult(id int64, result any) {
	raw, err := json.Marshal(result)
	if err != nil {
		c.log.Error().Err(err).Msg("marshal response result")
		return
	}
	if err := c.writeFrame(Response{JSONRPC: "2.0", ID: &id, Result: raw}); err != nil {
		c.log.Error().Err(err).Msg("write response")
	}
}

func (c *Conn) respondError(id int64, code int, message string) {
	if err := c.writeFrame(Response{JSONRPC: "2.0", ID: &id, Error: &Error{Code: code, Message: message}}); err != nil {
		c.log.Error().Err(err).Msg("write error response")
	}
}

// writeFrame appends one NDJSON line to the agent's stdin.
func (c *Conn) writeFrame(obj any) error {
	data, err := json.Marshal(obj)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err = c.stdin.Write(append(data, '\n'))
	return err
}

// Call sends a request and waits for the correlated response.
func (c *Conn) Call(ctx context.Context, method string, params, result any) error {
	if c.closed.Load() {
		return ErrConnClosed
	}

	id := c.nextID.Add(1)
	respCh := make(chan *Response, 1)
	c.pendingMu.Lock()
	c.pending[id] = respCh
	c.pendingMu.Unlock()

	req := Request{JSONRPC: "2.0", ID: &id, Method: method, Params: params}
	if err := c.writeFrame(req); err != nil {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
		return fmt.Errorf("send %s: %w", method, err)
	}

	select {
	case resp, ok := <-respCh:
		if !ok {
			return ErrConnClosed
		}
		if resp.Error != nil {
			return fmt.Errorf("%s: %w", method, resp.Error)
		}
		if result != nil && len(resp.Result) > 0 {
			if err := json.Unmarshal(resp.Result, result); err != nil {
				return fmt.Errorf("parse %s result: %w", method, err)
			}
		}
		return nil
	case <-ctx.Done():
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
		return ctx.Err()
	case <-c.done:
		return ErrConnClosed
	}
}

// Notify sends a notification (no response expected).
func (c *Conn) Notify(method string, params any) error {
	if c.closed.Load() {
		return ErrConnClosed
	}
	return c.writeFrame(Request{JSONRPC: "2.0", Method: method, Params: params})
}

// Initialize performs the ACP handshake with empty client capabilities.
func (c *Conn) Initialize(ctx context.Context) (*InitializeResult, error) {
	params := InitializeParams{
		ProtocolVersion:    ProtocolVersion,
		ClientCapabilities: ClientCapabilities{},
	}
	var result InitializeResult
	if err := c.Call(ctx, MethodInitialize, params, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// NewSession creates an agent session. mcpServers must be an array on the
// wire, never null.
func (c *Conn) NewSession(ctx context.Context, cwd string, mcpServers []MCPServer) (*NewSessionResult, error) {
	if mcpServers == nil {
		mcpServers = []MCPServer{}
	}
	var result NewSessionResult
	if err := c.Call(ctx, MethodSessionNew, NewSessionParams{Cwd: cwd, MCPServers: mcpServers}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Prompt sends a text prompt and waits for the turn to finish. Streamed
// content arrives via Handler.SessionUpdate while this call is in flight.
func (c *Conn) Prompt(ctx context.Context, sessionID, text string) (*PromptResult, error) {
	params := PromptParams{
		SessionID: sessionID,
		Prompt:    []ContentBlock{{Type: "text", Text: text}},
	}
	var result PromptResult
	if err := c.Call(ctx, MethodSessionPrompt, params, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Cancel asks the agent to stop the active turn. Cancellation is a
// notification; the prompt settles through its own stopReason.
func (c *Conn) Cancel(sessionID string) error {
	return c.Notify(MethodSessionCancel, CancelParams{SessionID: sessionID})
}
