package ratelimit

import (
	"math"
	"math/rand"
	"time"
)

// Backoff describes one computed retry delay.
type Backoff struct {
	BaseSeconds   float64
	JitterSeconds float64
}

// TotalDelay returns the full delay including jitter.
func (b Backoff) TotalDelay() time.Duration {
	return time.Duration((b.BaseSeconds + b.JitterSeconds) * float64(time.Second))
}

// ComputeBackoff returns the delay before retry attempt n (1-based). The base
// is the upstream Retry-After when present, otherwise 2^(n-1) seconds capped
// at capSeconds. Jitter is uniform in [0, base*jitterFraction) so concurrent
// callers do not retry in lockstep.
func ComputeBackoff(attempt int, retryAfterSeconds *int64, capSeconds int, jitterFraction float64, randFloat func() float64) Backoff {
	if attempt < 1 {
		attempt = 1
	}
	if randFloat == nil {
		randFloat = rand.Float64
	}

	var base float64
	if retryAfterSeconds != nil && *retryAfterSeconds > 0 {
		base = float64(*retryAfterSeconds)
	} else {
		base = math.Pow(2, float64(attempt-1))
	}
	if capSeconds > 0 && base > float64(capSeconds) {
		base = float64(capSeconds)
	}

	var jitter float64
	if jitterFraction > 0 {
		jitter = randFloat() * base * jitterFraction
	}
	return Backoff{BaseSeconds: base, JitterSeconds: jitter}
}
