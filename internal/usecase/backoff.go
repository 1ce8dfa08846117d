package usecase

import "time"

// backoff tracks consecutive rate-limit hits for one batch loop. It doubles
// the delay on every hit up to a cap, honors a provider-suggested delay when
// it is longer, and reports exhaustion once the consecutive-hit limit is
// reached so the batch can halt instead of burning its wall-clock budget.
type backoff struct {
	base        time.Duration
	cap         time.Duration
	limit       int
	delay       time.Duration
	consecutive int
}

func newBackoff(base, cap time.Duration, limit int) *backoff {
	if base <= 0 {
		base = time.Second
	}
	if cap < base {
		cap = base
	}
	if limit <= 0 {
		limit = 1
	}
	return &backoff{base: base, cap: cap, limit: limit}
}

// Hit registers one rate-limit response or refused reservation.
func (b *backoff) Hit(suggested time.Duration) {
	b.consecutive++
	if b.delay == 0 {
		b.delay = b.base
	} else {
		b.delay *= 2
	}
	if b.delay > b.cap {
		b.delay = b.cap
	}
	if suggested > b.delay {
		b.delay = suggested
		if b.delay > b.cap {
			b.delay = b.cap
		}
	}
}

// Reset clears the state after a successful call.
func (b *backoff) Reset() {
	b.consecutive = 0
	b.delay = 0
}

// Delay is the wait before the next attempt.
func (b *backoff) Delay() time.Duration {
	return b.delay
}

// Exhausted reports whether the batch should stop retrying.
func (b *backoff) Exhausted() bool {
	return b.consecutive >= b.limit
}
