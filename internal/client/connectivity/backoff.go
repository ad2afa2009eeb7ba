package connectivity

import (
	"math"
	"math/rand/v2"
	"time"
)

// Backoff computes reconnection delays: Base × Multiplier^(n-1) plus a
// jitter in [0, Base/2), clamped to Max.
type Backoff struct {
	Base        time.Duration
	Max         time.Duration
	Multiplier  float64
	MaxAttempts int
	// Jitter returns a value in [0, 1). Defaults to math/rand.
	Jitter func() float64
}

// NewBackoff returns the default policy: 1s base, 30s ceiling, factor 1.5,
// 15 attempts.
func NewBackoff() Backoff {
	return Backoff{
		Base:        time.Second,
		Max:         30 * time.Second,
		Multiplier:  1.5,
		MaxAttempts: 15,
	}
}

// Delay returns the wait after the n-th consecutive failure (n >= 1) and
// whether another attempt is allowed.
func (b Backoff) Delay(n int) (time.Duration, bool) {
	if b.MaxAttempts > 0 && n >= b.MaxAttempts {
		return 0, false
	}
	if n < 1 {
		n = 1
	}

	mult := b.Multiplier
	if mult < 1 {
		mult = 1
	}
	jitter := b.Jitter
	if jitter == nil {
		jitter = rand.Float64 //nolint:gosec // jitter is not security sensitive
	}

	d := float64(b.Base)*math.Pow(mult, float64(n-1)) + jitter()*float64(b.Base)/2
	if b.Max > 0 && d > float64(b.Max) {
		d = float64(b.Max)
	}
	return time.Duration(d), true
}
