package scheduler

import (
	"errors"
	"math/rand/v2"
	"time"
)

// backoffDelay returns the wait before attempt n+1 after n failures:
// base * 2^(n-1), capped at RetryMaxDelay, then +/- jitter. An explicit
// RetryAfter hint replaces the exponential part.
func backoffDelay(cfg Config, failures int, err error) time.Duration {
	maxD := cfg.RetryMaxDelay

	var d time.Duration
	var ra RetryAfterError
	if err != nil && errors.As(err, &ra) {
		d = ra.RetryAfter()
		if d < 0 {
			d = 0
		}
		if d > maxD {
			d = maxD
		}
	} else {
		d = cfg.RetryBase
		for i := 1; i < failures; i++ {
			d *= 2
			if d > maxD {
				d = maxD
				break
			}
		}
	}

	if j := cfg.RetryJitter; j > 0 && d > 0 {
		r := (rand.Float64()*2 - 1) * j
		d = time.Duration(float64(d) * (1 + r))
		if d < 0 {
			d = 0
		}
	}
	if d > maxD {
		d = maxD
	}
	return d
}
