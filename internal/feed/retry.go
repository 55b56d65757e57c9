package feed

import (
	"math"
	"math/rand"
	"time"
)

// Retryer decides how long to wait before the next reconnect attempt.
type Retryer interface {
	// NextDelay returns the delay before attempt (0-based) and whether to
	// try at all.
	NextDelay(attempt int) (time.Duration, bool)
}

// ExponentialBackoff grows the delay by Multiplier up to MaxDelay.
type ExponentialBackoff struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	// MaxRetries of 0 retries forever.
	MaxRetries int
	// JitterFactor in [0,1] spreads reconnects of many dashboards.
	JitterFactor float64
}

// NewExponentialBackoff returns a jittered doubling backoff. Zero bounds
// fall back to 2s and one minute.
func NewExponentialBackoff(initial, max time.Duration) *ExponentialBackoff {
	if initial <= 0 {
		initial = 2 * time.Second
	}
	if max <= 0 {
		max = time.Minute
	}
	return &ExponentialBackoff{
		InitialDelay: initial,
		MaxDelay:     max,
		Multiplier:   2.0,
		JitterFactor: 0.2,
	}
}

func (r *ExponentialBackoff) NextDelay(attempt int) (time.Duration, bool) {
	if r.MaxRetries > 0 && attempt >= r.MaxRetries {
		return 0, false
	}

	delay := float64(r.InitialDelay) * math.Pow(r.Multiplier, float64(attempt))
	if r.MaxDelay > 0 && delay > float64(r.MaxDelay) {
		delay = float64(r.MaxDelay)
	}

	if r.JitterFactor > 0 {
		//nolint:gosec // jitter only
		delay += delay * r.JitterFactor * (2*rand.Float64() - 1)
		if delay < 0 {
			delay = float64(r.InitialDelay)
		}
	}
	return time.Duration(delay), true
}

// FixedDelay waits the same Delay between attempts.
type FixedDelay struct {
	Delay      time.Duration
	MaxRetries int
}

func (r FixedDelay) NextDelay(attempt int) (time.Duration, bool) {
	if r.MaxRetries > 0 && attempt >= r.MaxRetries {
		return 0, false
	}
	return r.Delay, true
}
