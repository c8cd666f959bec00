package reconnect

import "time"

// Default backoff bounds used by the client connection manager.
const (
	DefaultBase = time.Second
	DefaultMax  = 30 * time.Second
)

// Backoff is a capped exponential schedule: Base, 2*Base, 4*Base, ... up to Max.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// Delay returns the backoff duration for the given zero-based attempt. The
// zero Backoff uses DefaultBase and DefaultMax.
func (b Backoff) Delay(attempt int) time.Duration {
	base, limit := b.Base, b.Max
	if base <= 0 {
		base = DefaultBase
	}
	if limit <= 0 {
		limit = DefaultMax
	}
	if attempt < 0 {
		attempt = 0
	}
	d := base
	for i := 0; i < attempt; i++ {
		if d >= limit/2 {
			return limit
		}
		d *= 2
	}
	if d > limit {
		return limit
	}
	return d
}
