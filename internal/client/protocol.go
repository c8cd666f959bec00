// Package client is the Go counterpart of the browser transport: a JSON-RPC
// protocol handler over the bridge WebSocket, a reconnecting connection
// manager and typed wrappers for the lifecycle tools.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/gaspardpetit/lifecycle-bridge/internal/jsonrpc"
	"github.com/gaspardpetit/lifecycle-bridge/internal/logx"
)

var (
	// ErrConnectionReset is returned to callers whose request was pending
	// when the connection dropped or was closed.
	ErrConnectionReset = errors.New("client: connection reset")
	// ErrNotConnected is returned when there is no open connection.
	ErrNotConnected = errors.New("client: not connected")
)

// Sender writes one encoded message to the transport.
type Sender func(ctx context.Context, data []byte) error

// ToolResponse is the unwrapped form of an MCP tool result.
type ToolResponse struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

type response struct {
	result json.RawMessage
	err    error
}

// Protocol correlates requests with responses. It is safe for concurrent use.
type Protocol struct {
	send   Sender
	info   mcp.Implementation
	nextID atomic.Int64

	mu       sync.Mutex
	pending  map[int64]chan response
	onNotify func(*jsonrpc.Message)
	server   *mcp.InitializeResult
}

// NewProtocol returns a handler that writes through send.
func NewProtocol(send Sender, info mcp.Implementation) *Protocol {
	return &Protocol{send: send, info: info, pending: map[int64]chan response{}}
}

// OnNotification registers fn for messages that carry a method, such as
// database/switched. fn runs on the reader goroutine.
func (p *Protocol) OnNotification(fn func(*jsonrpc.Message)) {
	p.mu.Lock()
	p.onNotify = fn
	p.mu.Unlock()
}

// Initialize performs the MCP handshake. Calling it again after a
// reconnect starts a new session.
func (p *Protocol) Initialize(ctx context.Context) (*mcp.InitializeResult, error) {
	raw, err := p.SendRequest(ctx, jsonrpc.MethodInitialize, mcp.InitializeParams{
		ProtocolVersion: mcp.LATEST_PROTOCOL_VERSION,
		Capabilities:    mcp.ClientCapabilities{},
		ClientInfo:      p.info,
	})
	if err != nil {
		return nil, fmt.Errorf("initialize: %w", err)
	}
	var res mcp.InitializeResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("initialize: decode result: %w", err)
	}
	if err := p.Notify(ctx, jsonrpc.MethodInitialized, nil); err != nil {
		return nil, fmt.Errorf("initialized: %w", err)
	}
	p.mu.Lock()
	p.server = &res
	p.mu.Unlock()
	return &res, nil
}

// ServerInfo returns the result of the last successful Initialize.
func (p *Protocol) ServerInfo() *mcp.InitializeResult {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.server
}

// SendRequest sends method with params and waits for the matching response.
// A JSON-RPC error reply is returned as *jsonrpc.Error.
func (p *Protocol) SendRequest(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := p.nextID.Add(1)
	msg, err := jsonrpc.NewRequest(jsonrpc.IntID(id), method, params)
	if err != nil {
		return nil, err
	}
	data, err := msg.Encode()
	if err != nil {
		return nil, err
	}
	ch := make(chan response, 1)
	p.mu.Lock()
	p.pending[id] = ch
	p.mu.Unlock()

	if err := p.send(ctx, data); err != nil {
		p.forget(id)
		return nil, err
	}
	select {
	case r := <-ch:
		return r.result, r.err
	case <-ctx.Done():
		p.forget(id)
		return nil, ctx.Err()
	}
}

// Notify sends a method call without an id.
func (p *Protocol) Notify(ctx context.Context, method string, params any) error {
	msg, err := jsonrpc.NewNotification(method, params)
	if err != nil {
		return err
	}
	data, err := msg.Encode()
	if err != nil {
		return err
	}
	return p.send(ctx, data)
}

// SendRequestWithResponse sends a request whose result is an MCP tool
// envelope and unwraps content[0].text. JSON text becomes Data (or Error
// when it reports success false); any other text is treated as an error.
func (p *Protocol) SendRequestWithResponse(ctx context.Context, method string, params any) (ToolResponse, error) {
	raw, err := p.SendRequest(ctx, method, params)
	if err != nil {
		return ToolResponse{}, err
	}
	return UnwrapToolResult(raw), nil
}

// CallTool invokes a tool by name.
func (p *Protocol) CallTool(ctx context.Context, name string, args any) (ToolResponse, error) {
	var raw json.RawMessage
	if args != nil {
		b, err := json.Marshal(args)
		if err != nil {
			return ToolResponse{}, err
		}
		raw = b
	}
	return p.SendRequestWithResponse(ctx, jsonrpc.MethodToolsCall, jsonrpc.ToolCallParams{Name: name, Arguments: raw})
}

// UnwrapToolResult converts a tools/call result into a ToolResponse.
func UnwrapToolResult(raw json.RawMessage) ToolResponse {
	var res jsonrpc.ToolResult
	if err := json.Unmarshal(raw, &res); err != nil || len(res.Content) == 0 {
		return ToolResponse{Success: err == nil && !res.IsError, Data: raw}
	}
	text := res.Content[0].Text
	if !json.Valid([]byte(text)) {
		return ToolResponse{Success: false, Error: text}
	}
	out := ToolResponse{Success: !res.IsError, Data: json.RawMessage(text)}
	var status struct {
		Success *bool  `json:"success"`
		Error   string `json:"error"`
	}
	if json.Unmarshal([]byte(text), &status) == nil {
		if status.Success != nil && !*status.Success {
			out.Success = false
		}
		if !out.Success {
			out.Error = status.Error
		}
	}
	if !out.Success && out.Error == "" {
		out.Error = text
	}
	return out
}

// HandleMessage dispatches one inbound frame. Malformed frames and
// responses to unknown ids are logged and dropped.
func (p *Protocol) HandleMessage(data []byte) {
	msg, err := jsonrpc.Parse(data)
	if err != nil {
		logx.Log.Debug().Err(err).Msg("ignoring malformed message")
		return
	}
	if msg.Method != "" {
		p.mu.Lock()
		fn := p.onNotify
		p.mu.Unlock()
		if fn != nil {
			fn(msg)
		}
		return
	}
	if !msg.HasID() {
		if msg.Error != nil {
			logx.Log.Warn().Int("code", msg.Error.Code).Str("message", msg.Error.Message).Msg("bridge error")
			p.mu.Lock()
			fn := p.onNotify
			p.mu.Unlock()
			if fn != nil {
				fn(msg)
			}
		}
		return
	}
	var id int64
	if err := json.Unmarshal(msg.ID, &id); err != nil {
		logx.Log.Debug().RawJSON("id", msg.ID).Msg("ignoring response with foreign id")
		return
	}
	p.mu.Lock()
	ch, ok := p.pending[id]
	delete(p.pending, id)
	p.mu.Unlock()
	if !ok {
		logx.Log.Debug().Int64("id", id).Msg("ignoring response to unknown request")
		return
	}
	switch {
	case msg.Error != nil:
		ch <- response{err: msg.Error}
	case msg.Result == nil:
		ch <- response{err: errors.New("client: response without result or error")}
	default:
		ch <- response{result: msg.Result}
	}
}

// Reset fails every pending request with ErrConnectionReset.
func (p *Protocol) Reset() {
	p.mu.Lock()
	pending := p.pending
	p.pending = map[int64]chan response{}
	p.server = nil
	p.mu.Unlock()
	for _, ch := range pending {
		ch <- response{err: ErrConnectionReset}
	}
}

// Pending returns the number of requests awaiting a response.
func (p *Protocol) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

func (p *Protocol) forget(id int64) {
	p.mu.Lock()
	delete(p.pending, id)
	p.mu.Unlock()
}
