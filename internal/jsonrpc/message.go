// Package jsonrpc models the JSON-RPC 2.0 messages exchanged between browser
// clients, the bridge and the stdio MCP server.
package jsonrpc

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
)

// Version is the only JSON-RPC version accepted on either side of the bridge.
const Version = mcp.JSONRPC_VERSION

// Standard and bridge specific error codes.
const (
	CodeParseError     = mcp.PARSE_ERROR
	CodeInvalidRequest = mcp.INVALID_REQUEST
	CodeInternalError  = mcp.INTERNAL_ERROR
	CodeServerError    = -32000
)

// Error is a JSON-RPC error object. It doubles as a Go error.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// NewError builds an Error with an optional data payload.
func NewError(code int, msg string, data any) *Error {
	e := &Error{Code: code, Message: msg}
	if data != nil {
		if b, err := json.Marshal(data); err == nil {
			e.Data = b
		}
	}
	return e
}

// Message is the union of request, response and notification. Fields that are
// not relevant to a variant are left empty and omitted on the wire.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// ErrNotObject is returned by Parse for valid JSON that is not an object,
// which includes batch arrays.
var ErrNotObject = errors.New("jsonrpc: message is not an object")

// Parse decodes a single JSON-RPC message.
func Parse(data []byte) (*Message, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		if json.Valid(trimmed) {
			return nil, ErrNotObject
		}
		return nil, fmt.Errorf("jsonrpc: invalid json")
	}
	var m Message
	if err := json.Unmarshal(trimmed, &m); err != nil {
		return nil, fmt.Errorf("jsonrpc: %w", err)
	}
	return &m, nil
}

// HasID reports whether the message carries a non-null id.
func (m *Message) HasID() bool {
	return len(m.ID) > 0 && !bytes.Equal(bytes.TrimSpace(m.ID), []byte("null"))
}

// IDKey returns a canonical string form of the id suitable as a map key.
// Numeric ids keep their literal form, so 5 and "5" stay distinct.
func (m *Message) IDKey() string {
	return IDKey(m.ID)
}

// IDKey canonicalises a raw id.
func IDKey(id json.RawMessage) string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, id); err != nil {
		return string(bytes.TrimSpace(id))
	}
	return buf.String()
}

// IsRequest reports a method call that expects a response.
func (m *Message) IsRequest() bool { return m.Method != "" && m.HasID() }

// IsNotification reports a method call without an id.
func (m *Message) IsNotification() bool { return m.Method != "" && !m.HasID() }

// IsResponse reports a result or error reply.
func (m *Message) IsResponse() bool {
	return m.Method == "" && (m.HasID() || m.Result != nil || m.Error != nil)
}

// Encode marshals the message, forcing the version field.
func (m Message) Encode() ([]byte, error) {
	m.JSONRPC = Version
	return json.Marshal(m)
}

// NewRequest builds a request with the given raw id.
func NewRequest(id json.RawMessage, method string, params any) (Message, error) {
	raw, err := marshalOptional(params)
	if err != nil {
		return Message{}, err
	}
	return Message{JSONRPC: Version, ID: id, Method: method, Params: raw}, nil
}

// NewNotification builds a method call without an id.
func NewNotification(method string, params any) (Message, error) {
	raw, err := marshalOptional(params)
	if err != nil {
		return Message{}, err
	}
	return Message{JSONRPC: Version, Method: method, Params: raw}, nil
}

// NewResult builds a successful response.
func NewResult(id json.RawMessage, result any) (Message, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return Message{}, err
	}
	return Message{JSONRPC: Version, ID: normaliseID(id), Result: raw}, nil
}

// NewErrorResponse builds an error response. A missing id is sent as null,
// as required for parse errors.
func NewErrorResponse(id json.RawMessage, code int, msg string) Message {
	return Message{JSONRPC: Version, ID: normaliseID(id), Error: &Error{Code: code, Message: msg}}
}

// IntID renders an integer id.
func IntID(n int64) json.RawMessage {
	return json.RawMessage(fmt.Sprintf("%d", n))
}

// StringID renders a string id.
func StringID(s string) json.RawMessage {
	b, _ := json.Marshal(s)
	return b
}

func normaliseID(id json.RawMessage) json.RawMessage {
	if len(bytes.TrimSpace(id)) == 0 {
		return json.RawMessage("null")
	}
	return id
}

func marshalOptional(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(v)
}
