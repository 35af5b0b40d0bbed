// Package backoff computes retry delays for the dispatcher, extracted
// from the teacher's pkg/worker/retry.go RetryConfig/retryWithBackoff
// shape into a standalone policy whose formula follows the exact
// numbers this engine's retry contract requires rather than the
// teacher's fixed doubling-with-ceiling.
package backoff

import (
	"math"
	"math/rand"
	"time"

	"github.com/durableflow/engine/pkg/core"
)

// Delay computes the backoff before the given retry attempt (1-indexed:
// retryCount is the count *after* incrementing for this attempt).
//
// Shorthand `retries: N` resolves to DefaultBackoffPolicy (factor 2,
// minDelay 1s, unbounded maxDelay, no jitter):
//
//	delay = min(factor^(retryCount-1) * minDelay, maxDelay)
//
// maxDelay of 0 means unbounded. jitter=true draws uniformly from
// [0.75*base, 1.25*base].
func Delay(policy core.BackoffPolicy, retryCount int) time.Duration {
	factor := policy.Factor
	if factor <= 0 {
		factor = 2
	}
	minDelay := policy.MinDelay
	if minDelay <= 0 {
		minDelay = time.Second
	}

	exponent := retryCount - 1
	if exponent < 0 {
		exponent = 0
	}

	base := float64(minDelay) * math.Pow(factor, float64(exponent))
	if policy.MaxDelay > 0 && base > float64(policy.MaxDelay) {
		base = float64(policy.MaxDelay)
	}

	if policy.Jitter {
		low := base * 0.75
		high := base * 1.25
		base = low + rand.Float64()*(high-low)
	}

	if base < 0 {
		base = 0
	}
	return time.Duration(base)
}
