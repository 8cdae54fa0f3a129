package connection

import (
	"math/rand/v2"
	"time"
)

// Jitter bounds applied to the nominal delay.
const (
	jitterLow  = 0.8
	jitterHigh = 1.2
)

// Backoff computes reconnect delays: min(Base·2^failures, Max), then
// scaled by a uniform factor in [0.8, 1.2).
type Backoff struct {
	Base time.Duration
	Max  time.Duration
	// Rand returns a value in [0, 1). Nil uses math/rand/v2.
	Rand func() float64
}

// Nominal returns the un-jittered delay. It is non-decreasing in failures
// and never exceeds Max.
func (b Backoff) Nominal(failures int) time.Duration {
	if failures < 0 {
		failures = 0
	}
	if b.Base <= 0 {
		return 0
	}
	if failures >= 62 || b.Base > b.Max>>failures {
		return b.Max
	}
	return b.Base << failures
}

// Delay returns the jittered delay for the given failure count.
func (b Backoff) Delay(failures int) time.Duration {
	r := b.Rand
	if r == nil {
		r = rand.Float64
	}
	factor := jitterLow + (jitterHigh-jitterLow)*r()
	return time.Duration(float64(b.Nominal(failures)) * factor)
}
