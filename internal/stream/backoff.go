package stream

import "time"

const (
	defaultBackoffBase = 2 * time.Second
	defaultBackoffCap  = 60 * time.Second
)

// Backoff produces the reconnect delay sequence: base, 2*base, 4*base, ...
// capped at Cap. The sequence restarts from base after a successful connect.
type Backoff struct {
	Base time.Duration
	Cap  time.Duration
}

// Next returns the delay before reconnect attempt n (1-based). Attempts at or
// below zero are treated as the first attempt.
func (b Backoff) Next(attempt int) time.Duration {
	base := b.Base
	if base <= 0 {
		base = defaultBackoffBase
	}
	ceiling := b.Cap
	if ceiling <= 0 {
		ceiling = defaultBackoffCap
	}
	if attempt < 1 {
		attempt = 1
	}

	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= ceiling {
			return ceiling
		}
	}
	if d > ceiling {
		return ceiling
	}
	return d
}
