// Package tools maps tools/call names that the bridge answers itself to a
// handler kind. Anything not in the table is forwarded to the MCP server.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/gaspardpetit/lifecycle-bridge/internal/chatstore"
	"github.com/gaspardpetit/lifecycle-bridge/internal/picker"
	"github.com/gaspardpetit/lifecycle-bridge/internal/vault"
)

// Kind identifies how a local tool is served.
type Kind int

const (
	// KindForward is not a local tool.
	KindForward Kind = iota
	// KindSwitch runs the database hot-swap.
	KindSwitch
	// KindCurrent reports the active database.
	KindCurrent
	// KindChat runs a chat store operation.
	KindChat
	// KindPick runs the native file picker.
	KindPick
	// KindVault runs a master password operation.
	KindVault
)

func (k Kind) String() string {
	switch k {
	case KindForward:
		return "forward"
	case KindSwitch:
		return "switch"
	case KindCurrent:
		return "current"
	case KindChat:
		return "chat"
	case KindPick:
		return "pick"
	case KindVault:
		return "vault"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Tool names handled by the bridge directly.
const (
	DatabaseSwitch  = "database/switch"
	DatabaseCurrent = "database/current"
	DatabasePick    = "database/pick"
	ChatPrefix      = "chat/"
)

// ErrUnknownTool is returned for a chat/ name with no registered operation.
var ErrUnknownTool = errors.New("unknown operation")

// Handler runs a local tool against the database active when the call arrived.
type Handler func(ctx context.Context, database string, args json.RawMessage) (any, error)

// Route is one dispatch table entry. Handler is nil for kinds the bridge
// serves from its own state (switch, current).
type Route struct {
	Name    string
	Kind    Kind
	Handler Handler
}

// Table is the resolved dispatch table.
type Table struct {
	routes map[string]Route
}

// NewTable builds the table. pickerArgv is the file chooser command line.
func NewTable(pickerArgv []string) *Table {
	t := &Table{routes: map[string]Route{}}
	t.add(Route{Name: DatabaseSwitch, Kind: KindSwitch})
	t.add(Route{Name: DatabaseCurrent, Kind: KindCurrent})
	argv := append([]string(nil), pickerArgv...)
	t.add(Route{Name: DatabasePick, Kind: KindPick, Handler: func(ctx context.Context, _ string, _ json.RawMessage) (any, error) {
		return picker.Pick(ctx, argv)
	}})
	for _, name := range chatstore.Names() {
		op, _ := chatstore.Lookup(name)
		t.add(Route{Name: ChatPrefix + name, Kind: KindChat, Handler: func(ctx context.Context, db string, args json.RawMessage) (any, error) {
			return chatstore.Run(ctx, db, op, args)
		}})
	}
	for _, name := range vault.Names() {
		op, _ := vault.Lookup(name)
		t.add(Route{Name: name, Kind: KindVault, Handler: func(ctx context.Context, db string, args json.RawMessage) (any, error) {
			return vault.Run(ctx, db, op, args)
		}})
	}
	return t
}

func (t *Table) add(r Route) { t.routes[r.Name] = r }

// Lookup resolves name. Unregistered chat/ names resolve to a KindChat
// route whose handler reports ErrUnknownTool. ok is false for forwarded tools.
func (t *Table) Lookup(name string) (Route, bool) {
	if r, ok := t.routes[name]; ok {
		return r, true
	}
	if strings.HasPrefix(name, ChatPrefix) {
		return Route{Name: name, Kind: KindChat, Handler: func(context.Context, string, json.RawMessage) (any, error) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
		}}, true
	}
	return Route{Name: name, Kind: KindForward}, false
}

// Names lists every registered local tool.
func (t *Table) Names() []string {
	names := make([]string, 0, len(t.routes))
	for n := range t.routes {
		names = append(names, n)
	}
	return names
}
