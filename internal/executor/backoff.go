package executor

import (
	"math/rand"
	"time"
)

// backoffDelay returns the wait before retry number retry (1-based):
// base doubled per retry, capped at maxD, with +/- jitter applied.
func backoffDelay(cfg Config, retry int, rng *rand.Rand) time.Duration {
	base := cfg.RetryBase
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	maxD := cfg.RetryMaxDelay
	if maxD <= 0 {
		maxD = 15 * time.Second
	}
	j := cfg.RetryJitter
	if j < 0 {
		j = 0
	}

	d := base
	for i := 1; i < retry; i++ {
		d *= 2
		if d > maxD {
			d = maxD
			break
		}
	}
	if j > 0 && rng != nil {
		r := (rng.Float64()*2 - 1) * j
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
