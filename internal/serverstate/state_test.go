package serverstate

import (
	"testing"
	"time"
)

func TestMemoryStoreRoundTrip(t *testing.T) {
	ms := NewMemoryStore()
	if got := ms.Load(); got.Database != "" {
		t.Fatalf("initial database = %q; want empty", got.Database)
	}
	now := time.Now().UTC()
	ms.Store(State{Database: "/data/project.db", SwitchedAt: now})
	if got := ms.Load(); got.Database != "/data/project.db" || !got.SwitchedAt.Equal(now) {
		t.Fatalf("state = %#v", got)
	}
}
