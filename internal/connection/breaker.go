package connection

import "time"

// Breaker counts consecutive failures of one device. At max failures it
// opens for cooldown; while open, failures are not counted and no dial is
// attempted.
//
// A Breaker is owned by one Conn actor and is not safe for concurrent use.
type Breaker struct {
	max       int
	cooldown  time.Duration
	now       func() time.Time
	failures  int
	openUntil time.Time
}

// NewBreaker creates a closed breaker.
func NewBreaker(maxFailures int, cooldown time.Duration) *Breaker {
	if maxFailures < 1 {
		maxFailures = 1
	}
	return &Breaker{max: maxFailures, cooldown: cooldown, now: time.Now}
}

// IsOpen reports whether the breaker has opened and not yet been reset.
func (b *Breaker) IsOpen() bool {
	return !b.openUntil.IsZero()
}

// Allow reports whether a connection attempt may be made. An open breaker
// whose cooldown has elapsed is reset first.
func (b *Breaker) Allow() bool {
	if !b.IsOpen() {
		return true
	}
	if !b.now().Before(b.openUntil) {
		b.Reset()
		return true
	}
	return false
}

// RecordFailure counts one failure and reports whether it opened the
// breaker. It does nothing while the breaker is open.
func (b *Breaker) RecordFailure() bool {
	if b.IsOpen() {
		return false
	}
	b.failures++
	if b.failures >= b.max {
		b.openUntil = b.now().Add(b.cooldown)
		return true
	}
	return false
}

// RecordSuccess closes the breaker and clears the count.
func (b *Breaker) RecordSuccess() {
	b.Reset()
}

// Reset closes the breaker and clears the count.
func (b *Breaker) Reset() {
	b.failures = 0
	b.openUntil = time.Time{}
}

// Failures returns the consecutive failure count.
func (b *Breaker) Failures() int {
	return b.failures
}

// OpenUntil returns when the cooldown ends; zero while closed.
func (b *Breaker) OpenUntil() time.Time {
	return b.openUntil
}

// Remaining returns the time left in the cooldown.
func (b *Breaker) Remaining() time.Duration {
	if !b.IsOpen() {
		return 0
	}
	return max(b.openUntil.Sub(b.now()), 0)
}
