package worker

import (
	"math/rand"
	"time"
)

// RetryBackoff returns the delay before the next attempt of a document that
// has already failed retryCount times: the base doubled per failure, capped.
// The delay lands in the item's scheduled_for column, so it holds even when
// a different worker picks the retry up.
func RetryBackoff(base, cap time.Duration, retryCount int) time.Duration {
	if base <= 0 {
		return 0
	}
	d := base
	for i := 0; i < retryCount; i++ {
		d *= 2
		if cap > 0 && d >= cap {
			return cap
		}
	}
	if cap > 0 && d > cap {
		return cap
	}
	return d
}

// pollBackoff paces empty claim attempts: exponential growth with jitter,
// reset on any successful claim. Jitter keeps a fleet of idle workers from
// hammering the queue in lockstep.
type pollBackoff struct {
	initial time.Duration
	max     time.Duration
	current time.Duration
}

func newPollBackoff(initial, max time.Duration) *pollBackoff {
	if initial <= 0 {
		initial = 500 * time.Millisecond
	}
	if max < initial {
		max = initial
	}
	return &pollBackoff{initial: initial, max: max, current: initial}
}

// Next returns the delay before the next claim attempt and widens the window.
func (b *pollBackoff) Next() time.Duration {
	d := b.current
	b.current *= 2
	if b.current > b.max {
		b.current = b.max
	}
	half := d / 2
	return half + time.Duration(rand.Int63n(int64(half)+1))
}

// Reset narrows the window back to the initial delay.
func (b *pollBackoff) Reset() {
	b.current = b.initial
}
