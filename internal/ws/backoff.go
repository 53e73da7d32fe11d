package ws

import (
	"math/rand/v2"
	"time"
)

// Backoff doubles a reconnect delay from Base up to Max. With Jitter set,
// each delay is shortened by a random fraction of up to Jitter so a room's
// members do not all redial a restarted server in the same instant.
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64 // 0..1

	attempt int
}

func NewBackoff(base, max time.Duration) *Backoff {
	return &Backoff{Base: base, Max: max}
}

func (b *Backoff) Next() time.Duration {
	d := b.Max
	// Past 62 doublings the shift overflows.
	if b.attempt < 62 {
		if s := b.Base << b.attempt; s > 0 && s < b.Max {
			d = s
		}
	}
	b.attempt++
	if b.Jitter > 0 {
		d -= time.Duration(rand.Float64() * b.Jitter * float64(d))
	}
	return d
}

func (b *Backoff) Reset() {
	b.attempt = 0
}
