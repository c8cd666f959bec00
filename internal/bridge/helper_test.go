package bridge

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

const serverEnv = "BRIDGE_TEST_SERVER"

// TestMain lets the test binary double as the stdio MCP server.
func TestMain(m *testing.M) {
	if mode := os.Getenv(serverEnv); mode != "" {
		runServer(mode)
		os.Exit(0)
	}
	os.Exit(m.Run())
}

// runServer picks its behaviour from the mode and, so that a switch can
// land on a misbehaving server, from the database file name.
func runServer(mode string) {
	base := filepath.Base(os.Getenv("LIFECYCLE_DB"))
	switch {
	case strings.HasPrefix(base, "badinit"):
		mode = "badinit"
	case strings.HasPrefix(base, "silent"):
		mode = "silent"
	case strings.HasPrefix(base, "crashinit"):
		os.Exit(4)
	}
	if mode == "mcp" {
		serveMCP()
		return
	}
	serveRaw(mode)
}

func serveMCP() {
	s := server.NewMCPServer("mock-lifecycle", "1.0.0", server.WithToolCapabilities(false))
	s.AddTool(mcp.NewTool("whoami", mcp.WithDescription("report the server process identity")),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			b, _ := json.Marshal(map[string]any{"pid": os.Getpid(), "database": os.Getenv("LIFECYCLE_DB")})
			return mcp.NewToolResultText(string(b)), nil
		})
	s.AddTool(mcp.NewTool("crash", mcp.WithDescription("exit without answering")),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			os.Exit(3)
			return nil, nil
		})
	_ = server.ServeStdio(s)
}

type rawRequest struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
	Params struct {
		Name      string `json:"name"`
		Arguments struct {
			Tag string `json:"tag"`
		} `json:"arguments"`
	} `json:"params"`
}

// serveRaw is a line protocol server with knobs the real SDK does not
// expose: unsolicited ids, hung calls and failing handshakes. Tool results
// carry "pid|database|initialized|initialize id|tag".
func serveRaw(mode string) {
	sc := bufio.NewScanner(os.Stdin)
	sc.Buffer(make([]byte, 1<<20), 1<<20)
	initialized := false
	initID := ""
	write := func(v any) {
		b, _ := json.Marshal(v)
		fmt.Println(string(b))
	}
	for sc.Scan() {
		var req rawRequest
		if json.Unmarshal(sc.Bytes(), &req) != nil {
			continue
		}
		if mode == "silent" {
			continue
		}
		switch req.Method {
		case "initialize":
			initID = string(req.ID)
			if mode == "badinit" {
				write(map[string]any{"jsonrpc": "2.0", "id": req.ID, "error": map[string]any{"code": -32603, "message": "database is locked"}})
				continue
			}
			write(map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": map[string]any{
				"protocolVersion": mcp.LATEST_PROTOCOL_VERSION,
				"capabilities":    map[string]any{},
				"serverInfo":      map[string]any{"name": "raw-lifecycle", "version": "0"},
			}})
		case "notifications/initialized":
			initialized = true
		case "tools/call":
			switch req.Params.Name {
			case "hang":
				continue
			case "stray":
				write(map[string]any{"jsonrpc": "2.0", "id": 424242, "result": map[string]any{"stray": true}})
			}
			text := fmt.Sprintf("%d|%s|%t|%s|%s", os.Getpid(), os.Getenv("LIFECYCLE_DB"), initialized, initID, req.Params.Arguments.Tag)
			write(map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": map[string]any{
				"content": []map[string]any{{"type": "text", "text": text}},
			}})
		}
	}
}
