// Package serverstate persists the bridge's active database so a restarted
// bridge can relaunch the MCP server against the same file.
package serverstate

import (
	"sync/atomic"
	"time"
)

// State is the persisted part of the bridge. All fields are written together
// so readers always observe a consistent snapshot.
type State struct {
	Database   string    `json:"database"`
	SwitchedAt time.Time `json:"switched_at"`
}

// Store defines how the state is persisted. Implementations may keep it in
// memory or in an external service such as Redis.
type Store interface {
	Load() State
	Store(State)
}

// memoryStore implements Store using an atomic.Value. It is the default
// strategy and is safe for concurrent use within a single process.
type memoryStore struct {
	v atomic.Value
}

// NewMemoryStore returns an empty memory-backed Store.
func NewMemoryStore() *memoryStore {
	ms := &memoryStore{}
	ms.v.Store(State{})
	return ms
}

func (m *memoryStore) Load() State {
	if st, ok := m.v.Load().(State); ok {
		return st
	}
	return State{}
}

func (m *memoryStore) Store(s State) {
	m.v.Store(s)
}
