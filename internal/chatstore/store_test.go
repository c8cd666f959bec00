package chatstore

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "lifecycle.db")
	s, err := Open(context.Background(), path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	n := 0
	s.now = func() time.Time {
		n++
		return base.Add(time.Duration(n) * time.Second)
	}
	t.Cleanup(func() { s.Close() })
	return s, path
}

func TestOpenWithoutDatabase(t *testing.T) {
	if _, err := Open(context.Background(), ""); !errors.Is(err, ErrNoDatabase) {
		t.Fatalf("expected ErrNoDatabase, got %v", err)
	}
}

func TestThreadLifecycle(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	a, err := s.CreateThread(ctx, "first")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	b, err := s.CreateThread(ctx, "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if b.Title != "New conversation" {
		t.Fatalf("default title %q", b.Title)
	}
	if cur, _ := s.CurrentThreadID(ctx); cur != b.ID {
		t.Fatalf("current %q want %q", cur, b.ID)
	}

	if _, err := s.AddMessage(ctx, a.ID, "user", "hello requirements"); err != nil {
		t.Fatalf("add: %v", err)
	}
	threads, err := s.Threads(ctx)
	if err != nil {
		t.Fatalf("threads: %v", err)
	}
	if len(threads) != 2 || threads[0].ID != a.ID || threads[0].MessageCount != 1 {
		t.Fatalf("unexpected order: %+v", threads)
	}

	if _, err := s.SwitchThread(ctx, a.ID); err != nil {
		t.Fatalf("switch: %v", err)
	}
	m, err := s.AddMessage(ctx, "", "assistant", "noted")
	if err != nil {
		t.Fatalf("add to current: %v", err)
	}
	if m.ThreadID != a.ID {
		t.Fatalf("message went to %q", m.ThreadID)
	}

	renamed, err := s.RenameThread(ctx, a.ID, "renamed")
	if err != nil || renamed.Title != "renamed" {
		t.Fatalf("rename: %+v %v", renamed, err)
	}

	if err := s.DeleteThread(ctx, a.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if cur, _ := s.CurrentThreadID(ctx); cur != "" {
		t.Fatalf("current should be cleared, got %q", cur)
	}
	if msgs, _ := s.Messages(ctx, a.ID); len(msgs) != 0 {
		t.Fatalf("messages survived delete: %d", len(msgs))
	}
	if err := s.DeleteThread(ctx, a.ID); !errors.Is(err, ErrThreadNotFound) {
		t.Fatalf("expected ErrThreadNotFound, got %v", err)
	}
}

func TestAddMessageWithoutThread(t *testing.T) {
	s, _ := newTestStore(t)
	if _, err := s.AddMessage(context.Background(), "", "user", "hi"); err == nil {
		t.Fatalf("expected error without current thread")
	}
	if _, err := s.AddMessage(context.Background(), "missing", "user", "hi"); !errors.Is(err, ErrThreadNotFound) {
		t.Fatalf("expected ErrThreadNotFound, got %v", err)
	}
}

func TestSearchEscapesWildcards(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	th, _ := s.CreateThread(ctx, "search")
	s.AddMessage(ctx, th.ID, "user", "coverage is 100% done")
	s.AddMessage(ctx, th.ID, "user", "coverage is 1000 lines")

	hits, err := s.Search(ctx, "100%", 0)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) != 1 || hits[0].ThreadTitle != "search" {
		t.Fatalf("unexpected hits: %+v", hits)
	}
	if _, err := s.Search(ctx, "", 0); err == nil {
		t.Fatalf("expected error for empty query")
	}
}

func TestAPIKey(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	if k, err := s.APIKey(ctx, ""); err != nil || k != "" {
		t.Fatalf("empty key: %q %v", k, err)
	}
	if err := s.SetAPIKey(ctx, "", "sk-1"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := s.SetAPIKey(ctx, "", "sk-2"); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	if k, _ := s.APIKey(ctx, ""); k != "sk-2" {
		t.Fatalf("key %q", k)
	}
	if err := s.ClearAPIKey(ctx, ""); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if k, _ := s.APIKey(ctx, ""); k != "" {
		t.Fatalf("key not cleared: %q", k)
	}
}

func TestStats(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	th, _ := s.CreateThread(ctx, "x")
	s.AddMessage(ctx, th.ID, "user", "a")
	s.AddMessage(ctx, th.ID, "user", "b")
	st, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if st.Threads != 1 || st.Messages != 2 || st.SizeBytes <= 0 {
		t.Fatalf("unexpected stats: %+v", st)
	}
}

func TestRunOperations(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ops.db")

	op, ok := Lookup("create_thread")
	if !ok {
		t.Fatalf("create_thread not registered")
	}
	out, err := Run(ctx, path, op, json.RawMessage(`{"title":"ops"}`))
	if err != nil {
		t.Fatalf("create_thread: %v", err)
	}
	thread := out.(map[string]any)["thread"].(Thread)

	op, _ = Lookup("add_message")
	if _, err := Run(ctx, path, op, json.RawMessage(`{"role":"user","content":"persisted across handles"}`)); err != nil {
		t.Fatalf("add_message: %v", err)
	}

	op, _ = Lookup("export_thread")
	out, err = Run(ctx, path, op, json.RawMessage(`{"thread_id":"`+thread.ID+`"}`))
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	md := out.(map[string]any)["content"].(string)
	if !strings.HasPrefix(md, "# ops\n") || !strings.Contains(md, "persisted across handles") {
		t.Fatalf("unexpected markdown: %q", md)
	}

	out, err = Run(ctx, path, op, json.RawMessage(`{"thread_id":"`+thread.ID+`","format":"json"}`))
	if err != nil {
		t.Fatalf("export json: %v", err)
	}
	var doc struct {
		Messages []Message `json:"messages"`
	}
	if err := json.Unmarshal([]byte(out.(map[string]any)["content"].(string)), &doc); err != nil || len(doc.Messages) != 1 {
		t.Fatalf("json export: %v %+v", err, doc)
	}

	if _, err := Run(ctx, path, op, json.RawMessage(`{"thread_id":"`+thread.ID+`","format":"pdf"}`)); err == nil {
		t.Fatalf("expected unsupported format error")
	}
	op, _ = Lookup("switch_thread")
	if _, err := Run(ctx, path, op, json.RawMessage(`{}`)); err == nil {
		t.Fatalf("expected thread_id required")
	}
	if _, err := Run(ctx, path, op, json.RawMessage(`{bad`)); err == nil {
		t.Fatalf("expected invalid arguments error")
	}
}

func TestNames(t *testing.T) {
	names := Names()
	if len(names) != 13 {
		t.Fatalf("expected 13 operations, got %d: %v", len(names), names)
	}
	if _, ok := Lookup("drop_everything"); ok {
		t.Fatalf("unexpected operation")
	}
}
