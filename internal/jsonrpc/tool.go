package jsonrpc

import (
	"encoding/json"

	"github.com/mark3labs/mcp-go/mcp"
)

// MCP methods the bridge and client speak themselves.
const (
	MethodInitialize  = string(mcp.MethodInitialize)
	MethodInitialized = "notifications/initialized"
	MethodToolsCall   = string(mcp.MethodToolsCall)
	MethodToolsList   = string(mcp.MethodToolsList)
)

// ToolCallParams is the params object of a tools/call request.
type ToolCallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// Content is one entry of a tool result.
type Content struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// ToolResult is the MCP tools/call result envelope. IsError is always
// serialised so clients can branch on it without a presence check.
type ToolResult struct {
	Content []Content `json:"content"`
	IsError bool      `json:"isError"`
}

// TextResult wraps plain text.
func TextResult(text string, isError bool) ToolResult {
	return ToolResult{Content: []Content{{Type: "text", Text: text}}, IsError: isError}
}

// JSONResult wraps the JSON encoding of v as text.
func JSONResult(v any, isError bool) ToolResult {
	b, err := json.Marshal(v)
	if err != nil {
		return TextResult(err.Error(), true)
	}
	return TextResult(string(b), isError)
}

// ParseToolCall extracts tools/call params. ok is false for any other method
// or when the params object has no tool name.
func ParseToolCall(m *Message) (ToolCallParams, bool) {
	if m.Method != MethodToolsCall || len(m.Params) == 0 {
		return ToolCallParams{}, false
	}
	var p ToolCallParams
	if err := json.Unmarshal(m.Params, &p); err != nil || p.Name == "" {
		return ToolCallParams{}, false
	}
	return p, true
}
