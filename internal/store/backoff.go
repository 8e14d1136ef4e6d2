package store

import (
	"math"
	"math/rand/v2"
	"time"
)

// DefaultBackoff implements the default backoff formula: base^attempt
// + jitter, base=2 seconds, with a bounded random jitter.
// Grounded on internal/cron/retry.go's backoffWithJitter, generalized
// from "exponential with a cap" to the exact base^attempt law the job
// store's Error operation needs.
func DefaultBackoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	base := math.Pow(2, float64(attempt))
	jitter := rand.Float64() * base * 0.25 // up to +25%
	return time.Duration((base + jitter) * float64(time.Second))
}
