package registry

import (
	"math/rand/v2"
	"time"
)

// Delay returns the backoff before retrying after the given completed
// attempt count (attempt >= 1). The exponential component is capped at
// Max before jitter is added, so repeated failures cannot grow unbounded.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	delay := float64(p.Initial.Std())
	for i := 1; i < attempt; i++ {
		delay *= p.Multiplier
		if delay >= float64(p.Max.Std()) {
			delay = float64(p.Max.Std())
			break
		}
	}

	d := min(time.Duration(delay), p.Max.Std())

	if p.Jitter > 0 {
		d += rand.N(p.Jitter.Std())
	}

	return d
}
