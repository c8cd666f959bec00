package tools

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	"github.com/gaspardpetit/lifecycle-bridge/internal/chatstore"
)

func TestLookup(t *testing.T) {
	tbl := NewTable([]string{"true"})
	cases := []struct {
		name  string
		kind  Kind
		local bool
	}{
		{"database/switch", KindSwitch, true},
		{"database/current", KindCurrent, true},
		{"database/pick", KindPick, true},
		{"chat/create_thread", KindChat, true},
		{"chat/not_a_thing", KindChat, true},
		{"verify_master_password", KindVault, true},
		{"validate_backup_code", KindVault, true},
		{"query_requirements", KindForward, false},
		{"database/other", KindForward, false},
	}
	for _, c := range cases {
		r, ok := tbl.Lookup(c.name)
		if ok != c.local || r.Kind != c.kind {
			t.Fatalf("%s: got %v/%v want %v/%v", c.name, r.Kind, ok, c.kind, c.local)
		}
	}
	if got := len(tbl.Names()); got != 3+13+5 {
		t.Fatalf("unexpected route count %d", got)
	}
}

func TestChatHandlers(t *testing.T) {
	tbl := NewTable(nil)
	ctx := context.Background()

	r, _ := tbl.Lookup("chat/get_threads")
	if _, err := r.Handler(ctx, "", nil); !errors.Is(err, chatstore.ErrNoDatabase) {
		t.Fatalf("expected ErrNoDatabase, got %v", err)
	}

	r, _ = tbl.Lookup("chat/not_a_thing")
	if _, err := r.Handler(ctx, filepath.Join(t.TempDir(), "x.db"), nil); !errors.Is(err, ErrUnknownTool) {
		t.Fatalf("expected ErrUnknownTool, got %v", err)
	}

	db := filepath.Join(t.TempDir(), "chat.db")
	r, _ = tbl.Lookup("chat/create_thread")
	if _, err := r.Handler(ctx, db, json.RawMessage(`{"title":"t"}`)); err != nil {
		t.Fatalf("create_thread: %v", err)
	}
	r, _ = tbl.Lookup("chat/get_threads")
	out, err := r.Handler(ctx, db, nil)
	if err != nil {
		t.Fatalf("get_threads: %v", err)
	}
	threads := out.(map[string]any)["threads"].([]chatstore.Thread)
	if len(threads) != 1 || threads[0].Title != "t" {
		t.Fatalf("unexpected threads %+v", threads)
	}
}

func TestKindString(t *testing.T) {
	if KindVault.String() != "vault" || Kind(42).String() != "kind(42)" {
		t.Fatalf("unexpected names")
	}
}
