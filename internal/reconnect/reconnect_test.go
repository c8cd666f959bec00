package reconnect

import (
	"testing"
	"time"
)

func TestBackoffDelay(t *testing.T) {
	b := Backoff{Base: 100 * time.Millisecond, Max: time.Second}
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{-1, 100 * time.Millisecond},
		{0, 100 * time.Millisecond},
		{1, 200 * time.Millisecond},
		{2, 400 * time.Millisecond},
		{3, 800 * time.Millisecond},
		{4, time.Second},
		{50, time.Second},
	}
	for _, c := range cases {
		if got := b.Delay(c.attempt); got != c.want {
			t.Fatalf("attempt %d: got %v want %v", c.attempt, got, c.want)
		}
	}
}

func TestDefaultDelay(t *testing.T) {
	if d := (Backoff{}).Delay(0); d != DefaultBase {
		t.Fatalf("first delay %v", d)
	}
	if d := (Backoff{}).Delay(1000); d != DefaultMax {
		t.Fatalf("capped delay %v", d)
	}
}
