package job

import (
	"math/rand/v2"
	"time"
)

// BackoffPolicy returns the delay before the attempt following attempt n (1-based).
type BackoffPolicy interface {
	Delay(attempt int) time.Duration
}

// ExponentialJitter doubles the delay per attempt up to Max and picks a random
// point in the upper half of that window.
type ExponentialJitter struct {
	Initial time.Duration
	Max     time.Duration
	// Int64N overrides the random source; nil uses math/rand/v2.
	Int64N func(n int64) int64
}

// Delay implements BackoffPolicy.
func (b ExponentialJitter) Delay(attempt int) time.Duration {
	ceiling := b.Ceiling(attempt)
	if ceiling <= 0 {
		return 0
	}
	half := int64(ceiling / 2)
	if half == 0 {
		return ceiling
	}
	randN := b.Int64N
	if randN == nil {
		randN = rand.Int64N
	}
	return time.Duration(half + randN(half+1))
}

// Ceiling is the un-jittered delay for attempt n.
func (b ExponentialJitter) Ceiling(attempt int) time.Duration {
	if b.Initial <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	limit := b.Max
	if limit < b.Initial {
		limit = b.Initial
	}

	d := b.Initial
	for i := 1; i < attempt; i++ {
		if d >= limit/2 {
			return limit
		}
		d *= 2
	}
	return min(d, limit)
}

// ConstantBackoff waits the same duration between every attempt.
type ConstantBackoff time.Duration

// Delay implements BackoffPolicy.
func (c ConstantBackoff) Delay(int) time.Duration { return time.Duration(c) }

// NoBackoff retries immediately.
type NoBackoff struct{}

// Delay implements BackoffPolicy.
func (NoBackoff) Delay(int) time.Duration { return 0 }
