package hub

import (
	"math/rand/v2"
	"time"
)

// Backoff defaults.
const (
	DefaultInitialDelay = time.Second
	DefaultMaxDelay     = 30 * time.Second
	DefaultMultiplier   = 1.5
	DefaultJitter       = 0.2
	DefaultMaxAttempts  = 20
)

// Backoff controls upstream reconnection.
type Backoff struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64

	// Jitter spreads each delay by +/- this fraction.
	Jitter float64

	// MaxAttempts bounds consecutive failed connection attempts. Zero
	// retries forever.
	MaxAttempts int
}

func (b Backoff) withDefaults() Backoff {
	if b.InitialDelay <= 0 {
		b.InitialDelay = DefaultInitialDelay
	}
	if b.MaxDelay < b.InitialDelay {
		b.MaxDelay = max(DefaultMaxDelay, b.InitialDelay)
	}
	if b.Multiplier < 1 {
		b.Multiplier = DefaultMultiplier
	}
	if b.Jitter < 0 || b.Jitter >= 1 {
		b.Jitter = DefaultJitter
	}
	return b
}

// next grows delay by the multiplier, capped at MaxDelay.
func (b Backoff) next(delay time.Duration) time.Duration {
	d := time.Duration(float64(delay) * b.Multiplier)
	if d > b.MaxDelay {
		d = b.MaxDelay
	}
	return d
}

// jittered applies +/- Jitter to delay.
func (b Backoff) jittered(delay time.Duration) time.Duration {
	if b.Jitter == 0 {
		return delay
	}
	f := 1 + b.Jitter*(2*rand.Float64()-1) //nolint:gosec // timing jitter
	return time.Duration(float64(delay) * f)
}
