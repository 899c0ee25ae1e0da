package connector

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// LinearBackOff waits attempt*Base before each retry and stops after MaxAttempts.
// It is not safe for concurrent use, like the other backoff.BackOff implementations.
type LinearBackOff struct {
	Base        time.Duration
	MaxAttempts int

	attempt int
}

var _ backoff.BackOff = (*LinearBackOff)(nil)

// NewLinearBackOff creates a linear schedule
func NewLinearBackOff(base time.Duration, maxAttempts int) *LinearBackOff {
	return &LinearBackOff{Base: base, MaxAttempts: maxAttempts}
}

// NextBackOff returns the delay before the next attempt, or backoff.Stop once the budget is spent.
func (b *LinearBackOff) NextBackOff() time.Duration {
	if b.attempt >= b.MaxAttempts {
		return backoff.Stop
	}
	b.attempt++
	return time.Duration(b.attempt) * b.Base
}

func (b *LinearBackOff) Reset() {
	b.attempt = 0
}

// Attempt is the 1-based number of the attempt the last delay was issued for.
func (b *LinearBackOff) Attempt() int {
	return b.attempt
}
