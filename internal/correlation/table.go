// Package correlation maps in-flight request ids to the connection that must
// receive the eventual response.
package correlation

import (
	"cmp"
	"encoding/json"
	"slices"
	"strconv"
	"time"
)

// Entry is one outstanding request.
type Entry[O comparable] struct {
	WireID    int64
	ClientID  json.RawMessage
	Owner     O
	CreatedAt time.Time
}

// Table allocates bridge-side ids for forwarded requests. Clients choose their
// own ids and two clients may pick the same one, so the id written to the
// server is a fresh integer and the client id is restored on the way back.
//
// A Table is owned by a single goroutine and is not locked.
type Table[O comparable] struct {
	next    int64
	entries map[string]Entry[O]
	now     func() time.Time
}

// New returns an empty table.
func New[O comparable]() *Table[O] {
	return &Table[O]{entries: map[string]Entry[O]{}, now: time.Now}
}

// Record stores an entry and returns the id to put on the wire.
func (t *Table[O]) Record(clientID json.RawMessage, owner O) json.RawMessage {
	t.next++
	id := t.next
	t.entries[strconv.FormatInt(id, 10)] = Entry[O]{WireID: id, ClientID: clientID, Owner: owner, CreatedAt: t.now()}
	return json.RawMessage(strconv.FormatInt(id, 10))
}

// Resolve removes and returns the entry for a wire id key. ok is false for
// ids the table never issued, which the caller broadcasts instead.
func (t *Table[O]) Resolve(key string) (Entry[O], bool) {
	e, ok := t.entries[key]
	if ok {
		delete(t.entries, key)
	}
	return e, ok
}

// Issued reports whether key is a wire id this table handed out, live or
// not. Responses to issued ids that no longer resolve belong to a client
// that went away and must not reach anyone else.
func (t *Table[O]) Issued(key string) bool {
	id, err := strconv.ParseInt(key, 10, 64)
	return err == nil && id > 0 && id <= t.next
}

// PurgeOwner drops every entry owned by owner and returns how many went.
func (t *Table[O]) PurgeOwner(owner O) int {
	n := 0
	for k, e := range t.entries {
		if e.Owner == owner {
			delete(t.entries, k)
			n++
		}
	}
	return n
}

// Drain removes and returns every entry, oldest first.
func (t *Table[O]) Drain() []Entry[O] {
	out := make([]Entry[O], 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, e)
	}
	t.entries = map[string]Entry[O]{}
	slices.SortFunc(out, func(a, b Entry[O]) int { return cmp.Compare(a.WireID, b.WireID) })
	return out
}

// Len reports the number of outstanding entries.
func (t *Table[O]) Len() int { return len(t.entries) }

// Oldest returns the creation time of the oldest entry.
func (t *Table[O]) Oldest() (time.Time, bool) {
	var oldest time.Time
	for _, e := range t.entries {
		if oldest.IsZero() || e.CreatedAt.Before(oldest) {
			oldest = e.CreatedAt
		}
	}
	return oldest, !oldest.IsZero()
}
