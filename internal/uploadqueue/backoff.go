package uploadqueue

import "time"

// Backoff doubles the delay after every failed attempt, capped at Max.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
}

// Delay is the wait before the next automatic try after `attempt` failures.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt <= 0 || b.Initial <= 0 {
		return 0
	}
	d := b.Initial
	for i := 1; i < attempt; i++ {
		d *= 2
		if b.Max > 0 && d >= b.Max {
			return b.Max
		}
	}
	if b.Max > 0 && d > b.Max {
		return b.Max
	}
	return d
}
