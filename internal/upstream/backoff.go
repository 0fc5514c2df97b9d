package upstream

import (
	"math/rand"
	"time"
)

// Backoff computes retry delays: base * multiplier^attempt, capped at Max,
// with +-20% jitter so synchronized retries fan out.
type Backoff struct {
	Base       time.Duration
	Multiplier float64
	Max        time.Duration
}

// DefaultBackoff matches the provider's expected retry cadence
func DefaultBackoff() Backoff {
	return Backoff{
		Base:       500 * time.Millisecond,
		Multiplier: 2.0,
		Max:        30 * time.Second,
	}
}

// Delay returns the delay before retry number attempt (0-based)
func (b Backoff) Delay(attempt int) time.Duration {
	d := float64(b.Base)
	for i := 0; i < attempt; i++ {
		d *= b.Multiplier
		if time.Duration(d) >= b.Max {
			d = float64(b.Max)
			break
		}
	}

	// +-20% jitter
	jitter := 0.8 + 0.4*rand.Float64()
	d *= jitter

	if time.Duration(d) > b.Max {
		return b.Max
	}
	return time.Duration(d)
}
