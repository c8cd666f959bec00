// Package chatstore keeps chat threads, messages and the assistant API key
// inside the active lifecycle database. Every operation opens its own
// handle and closes it before returning.
package chatstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// openDB is a package-level var to allow test injection.
var openDB = sql.Open

// ErrNoDatabase is returned when no database is active.
var ErrNoDatabase = errors.New("no database selected; use database/switch first")

// ErrThreadNotFound is returned for an unknown thread id.
var ErrThreadNotFound = errors.New("thread not found")

const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

const defaultProvider = "default"

// Thread is a chat conversation.
type Thread struct {
	ID           string `json:"id"`
	Title        string `json:"title"`
	CreatedAt    string `json:"created_at"`
	UpdatedAt    string `json:"updated_at"`
	MessageCount int    `json:"message_count"`
}

// Message is one chat turn.
type Message struct {
	ID        string `json:"id"`
	ThreadID  string `json:"thread_id"`
	Role      string `json:"role"`
	Content   string `json:"content"`
	CreatedAt string `json:"created_at"`
}

// SearchHit is a message matched by SearchConversations.
type SearchHit struct {
	Message
	ThreadTitle string `json:"thread_title"`
}

// Stats summarises chat storage.
type Stats struct {
	Threads   int   `json:"threads"`
	Messages  int   `json:"messages"`
	SizeBytes int64 `json:"database_size_bytes"`
}

// Store is an open chat store.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens path and ensures the chat tables exist.
func Open(ctx context.Context, path string) (*Store, error) {
	if path == "" {
		return nil, ErrNoDatabase
	}
	db, err := openDB("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("chatstore: open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	pragmas := []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			db.Close()
			return nil, fmt.Errorf("chatstore: pragma %q: %w", p, err)
		}
	}
	s := &Store{db: db, now: time.Now}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("chatstore: migration: %w", err)
	}
	return s, nil
}

// Close closes the underlying handle.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate(ctx context.Context) error {
	schema := `
		CREATE TABLE IF NOT EXISTS chat_threads (
			id         TEXT PRIMARY KEY,
			title      TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS chat_messages (
			id         TEXT PRIMARY KEY,
			thread_id  TEXT NOT NULL,
			role       TEXT NOT NULL,
			content    TEXT NOT NULL,
			created_at TEXT NOT NULL,
			FOREIGN KEY (thread_id) REFERENCES chat_threads(id) ON DELETE CASCADE
		);

		CREATE INDEX IF NOT EXISTS idx_chat_messages_thread ON chat_messages(thread_id, created_at);

		CREATE TABLE IF NOT EXISTS chat_settings (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);
	`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

func (s *Store) stamp() string { return s.now().UTC().Format(timeLayout) }

// CreateThread inserts a thread and makes it current.
func (s *Store) CreateThread(ctx context.Context, title string) (Thread, error) {
	if title == "" {
		title = "New conversation"
	}
	ts := s.stamp()
	t := Thread{ID: uuid.NewString(), Title: title, CreatedAt: ts, UpdatedAt: ts}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Thread{}, err
	}
	defer tx.Rollback() //nolint:errcheck
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO chat_threads (id, title, created_at, updated_at) VALUES (?, ?, ?, ?)`,
		t.ID, t.Title, t.CreatedAt, t.UpdatedAt); err != nil {
		return Thread{}, fmt.Errorf("chatstore: create thread: %w", err)
	}
	if err := setSetting(ctx, tx, "current_thread", t.ID); err != nil {
		return Thread{}, err
	}
	return t, tx.Commit()
}

// Threads lists threads, most recently updated first.
func (s *Store) Threads(ctx context.Context) ([]Thread, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT t.id, t.title, t.created_at, t.updated_at,
		       (SELECT COUNT(*) FROM chat_messages m WHERE m.thread_id = t.id)
		FROM chat_threads t
		ORDER BY t.updated_at DESC, t.rowid DESC`)
	if err != nil {
		return nil, fmt.Errorf("chatstore: list threads: %w", err)
	}
	defer rows.Close()
	threads := []Thread{}
	for rows.Next() {
		var t Thread
		if err := rows.Scan(&t.ID, &t.Title, &t.CreatedAt, &t.UpdatedAt, &t.MessageCount); err != nil {
			return nil, err
		}
		threads = append(threads, t)
	}
	return threads, rows.Err()
}

// Thread returns one thread.
func (s *Store) Thread(ctx context.Context, id string) (Thread, error) {
	var t Thread
	err := s.db.QueryRowContext(ctx, `
		SELECT t.id, t.title, t.created_at, t.updated_at,
		       (SELECT COUNT(*) FROM chat_messages m WHERE m.thread_id = t.id)
		FROM chat_threads t WHERE t.id = ?`, id).
		Scan(&t.ID, &t.Title, &t.CreatedAt, &t.UpdatedAt, &t.MessageCount)
	if errors.Is(err, sql.ErrNoRows) {
		return Thread{}, fmt.Errorf("%w: %s", ErrThreadNotFound, id)
	}
	return t, err
}

// CurrentThreadID returns the current thread id, or "" when none.
func (s *Store) CurrentThreadID(ctx context.Context) (string, error) {
	return s.setting(ctx, "current_thread")
}

// SwitchThread makes id the current thread.
func (s *Store) SwitchThread(ctx context.Context, id string) (Thread, error) {
	t, err := s.Thread(ctx, id)
	if err != nil {
		return Thread{}, err
	}
	return t, setSetting(ctx, s.db, "current_thread", id)
}

// Messages returns the messages of a thread in insertion order.
func (s *Store) Messages(ctx context.Context, threadID string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, thread_id, role, content, created_at
		FROM chat_messages WHERE thread_id = ?
		ORDER BY created_at, rowid`, threadID)
	if err != nil {
		return nil, fmt.Errorf("chatstore: list messages: %w", err)
	}
	defer rows.Close()
	msgs := []Message{}
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ThreadID, &m.Role, &m.Content, &m.CreatedAt); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// AddMessage appends a message to threadID, or to the current thread when
// threadID is empty.
func (s *Store) AddMessage(ctx context.Context, threadID, role, content string) (Message, error) {
	if threadID == "" {
		cur, err := s.CurrentThreadID(ctx)
		if err != nil {
			return Message{}, err
		}
		if cur == "" {
			return Message{}, errors.New("no current thread; create_thread first")
		}
		threadID = cur
	}
	if role == "" {
		role = "user"
	}
	if _, err := s.Thread(ctx, threadID); err != nil {
		return Message{}, err
	}
	m := Message{ID: uuid.NewString(), ThreadID: threadID, Role: role, Content: content, CreatedAt: s.stamp()}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Message{}, err
	}
	defer tx.Rollback() //nolint:errcheck
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO chat_messages (id, thread_id, role, content, created_at) VALUES (?, ?, ?, ?, ?)`,
		m.ID, m.ThreadID, m.Role, m.Content, m.CreatedAt); err != nil {
		return Message{}, fmt.Errorf("chatstore: add message: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE chat_threads SET updated_at = ? WHERE id = ?`, m.CreatedAt, threadID); err != nil {
		return Message{}, err
	}
	return m, tx.Commit()
}

// RenameThread updates a thread title.
func (s *Store) RenameThread(ctx context.Context, id, title string) (Thread, error) {
	if title == "" {
		return Thread{}, errors.New("title is required")
	}
	res, err := s.db.ExecContext(ctx, `UPDATE chat_threads SET title = ?, updated_at = ? WHERE id = ?`, title, s.stamp(), id)
	if err != nil {
		return Thread{}, fmt.Errorf("chatstore: rename thread: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return Thread{}, fmt.Errorf("%w: %s", ErrThreadNotFound, id)
	}
	return s.Thread(ctx, id)
}

// DeleteThread removes a thread and its messages. The current thread
// pointer is cleared when it referenced id.
func (s *Store) DeleteThread(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck
	if _, err := tx.ExecContext(ctx, `DELETE FROM chat_messages WHERE thread_id = ?`, id); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM chat_threads WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("chatstore: delete thread: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrThreadNotFound, id)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM chat_settings WHERE key = 'current_thread' AND value = ?`, id); err != nil {
		return err
	}
	return tx.Commit()
}

// Search returns messages whose content contains query, newest first.
func (s *Store) Search(ctx context.Context, query string, limit int) ([]SearchHit, error) {
	if query == "" {
		return nil, errors.New("query is required")
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.id, m.thread_id, m.role, m.content, m.created_at, t.title
		FROM chat_messages m JOIN chat_threads t ON t.id = m.thread_id
		WHERE m.content LIKE ? ESCAPE '\'
		ORDER BY m.created_at DESC, m.rowid DESC
		LIMIT ?`, "%"+escapeLike(query)+"%", limit)
	if err != nil {
		return nil, fmt.Errorf("chatstore: search: %w", err)
	}
	defer rows.Close()
	hits := []SearchHit{}
	for rows.Next() {
		var h SearchHit
		if err := rows.Scan(&h.ID, &h.ThreadID, &h.Role, &h.Content, &h.CreatedAt, &h.ThreadTitle); err != nil {
			return nil, err
		}
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

// Stats reports counts and the database file size.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chat_threads`).Scan(&st.Threads); err != nil {
		return Stats{}, err
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chat_messages`).Scan(&st.Messages); err != nil {
		return Stats{}, err
	}
	var pages, size int64
	if err := s.db.QueryRowContext(ctx, `PRAGMA page_count`).Scan(&pages); err != nil {
		return Stats{}, err
	}
	if err := s.db.QueryRowContext(ctx, `PRAGMA page_size`).Scan(&size); err != nil {
		return Stats{}, err
	}
	st.SizeBytes = pages * size
	return st, nil
}

// SetAPIKey stores the API key for provider.
func (s *Store) SetAPIKey(ctx context.Context, provider, key string) error {
	if key == "" {
		return errors.New("api_key is required")
	}
	return setSetting(ctx, s.db, apiKeyName(provider), key)
}

// APIKey returns the stored key for provider, or "" when none.
func (s *Store) APIKey(ctx context.Context, provider string) (string, error) {
	return s.setting(ctx, apiKeyName(provider))
}

// ClearAPIKey removes the stored key for provider.
func (s *Store) ClearAPIKey(ctx context.Context, provider string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM chat_settings WHERE key = ?`, apiKeyName(provider))
	return err
}

func apiKeyName(provider string) string {
	if provider == "" {
		provider = defaultProvider
	}
	return "api_key:" + provider
}

func (s *Store) setting(ctx context.Context, key string) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM chat_settings WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return v, err
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func setSetting(ctx context.Context, db execer, key, value string) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO chat_settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("chatstore: set %s: %w", key, err)
	}
	return nil
}

func escapeLike(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '%', '_', '\\':
			out = append(out, '\\')
		}
		out = append(out, s[i])
	}
	return string(out)
}
