package jsonrpc

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestParseClassifiesVariants(t *testing.T) {
	tests := []struct {
		name         string
		in           string
		request      bool
		notification bool
		response     bool
	}{
		{"request", `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`, true, false, false},
		{"string id request", `{"jsonrpc":"2.0","id":"a","method":"ping","params":{}}`, true, false, false},
		{"notification", `{"jsonrpc":"2.0","method":"notifications/initialized"}`, false, true, false},
		{"null id notification", `{"jsonrpc":"2.0","id":null,"method":"x"}`, false, true, false},
		{"result", `{"jsonrpc":"2.0","id":3,"result":{}}`, false, false, true},
		{"error", `{"jsonrpc":"2.0","id":3,"error":{"code":-1,"message":"no"}}`, false, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := Parse([]byte(tt.in))
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			if m.IsRequest() != tt.request || m.IsNotification() != tt.notification || m.IsResponse() != tt.response {
				t.Fatalf("classification = %v/%v/%v", m.IsRequest(), m.IsNotification(), m.IsResponse())
			}
		})
	}
}

func TestParseRejectsGarbage(t *testing.T) {
	if _, err := Parse([]byte(`{"jsonrpc":`)); err == nil {
		t.Fatalf("expected error for truncated object")
	}
	if _, err := Parse([]byte(`[{"jsonrpc":"2.0"}]`)); !errors.Is(err, ErrNotObject) {
		t.Fatalf("expected ErrNotObject for batch, got %v", err)
	}
}

func TestIDKeyKeepsTypes(t *testing.T) {
	if IDKey(json.RawMessage(`5`)) == IDKey(json.RawMessage(`"5"`)) {
		t.Fatalf("numeric and string ids must not collide")
	}
	if IDKey(json.RawMessage(` 7 `)) != "7" {
		t.Fatalf("expected whitespace to be dropped")
	}
}

func TestErrorResponseUsesNullID(t *testing.T) {
	b, err := NewErrorResponse(nil, CodeParseError, "Parse error").Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	want := `{"jsonrpc":"2.0","id":null,"error":{"code":-32700,"message":"Parse error"}}`
	if string(b) != want {
		t.Fatalf("got %s want %s", b, want)
	}
}

func TestToolResultEncoding(t *testing.T) {
	msg, err := NewResult(IntID(1), JSONResult(map[string]any{"database": nil}, false))
	if err != nil {
		t.Fatalf("result: %v", err)
	}
	b, _ := msg.Encode()
	want := `{"jsonrpc":"2.0","id":1,"result":{"content":[{"type":"text","text":"{\"database\":null}"}],"isError":false}}`
	if string(b) != want {
		t.Fatalf("got %s want %s", b, want)
	}
}

func TestParseToolCall(t *testing.T) {
	m, _ := Parse([]byte(`{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"chat/get_threads","arguments":{"limit":3}}}`))
	p, ok := ParseToolCall(m)
	if !ok || p.Name != "chat/get_threads" || string(p.Arguments) != `{"limit":3}` {
		t.Fatalf("unexpected params %+v ok=%v", p, ok)
	}
	m, _ = Parse([]byte(`{"jsonrpc":"2.0","id":2,"method":"tools/list","params":{"name":"x"}}`))
	if _, ok := ParseToolCall(m); ok {
		t.Fatalf("tools/list must not parse as a tool call")
	}
}
