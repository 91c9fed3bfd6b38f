package store

import (
	"time"

	"github.com/recapio/recap/internal/clock"
)

// Backoff schedule for retriable job failures.
const (
	backoffBase       = 30 * time.Second
	backoffMultiplier = 4
	backoffCap        = 480 * time.Second
	backoffJitter     = 0.2
)

// BackoffDelay returns the delay before retry number attempt (1-based: the
// delay applied after the attempt-th failure). The base delay grows
// 30s, 120s, 480s and stays capped there; jitter spreads it ±20% so a burst
// of same-shaped failures does not retry in lockstep.
func BackoffDelay(attempt int, rnd clock.Rand) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := backoffBase
	for i := 1; i < attempt; i++ {
		d *= backoffMultiplier
		if d >= backoffCap {
			d = backoffCap
			break
		}
	}
	factor := 1 - backoffJitter + 2*backoffJitter*rnd.Float64()
	return time.Duration(float64(d) * factor)
}
