// retry.go - Shared retry logic with exponential backoff.
// SPDX-FileCopyrightText: © 2026 The Katzenpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package retry provides exponential backoff with jitter, used to space
// out retransmissions of unacknowledged fragments.
package retry

import (
	"math"
	"time"

	"github.com/katzenpost/hpqc/rand"
)

// DefaultJitter is the default jitter factor (0.0 to 1.0).
const DefaultJitter = 0.2

// Delay calculates the delay for a given retry attempt using exponential
// backoff with jitter.  The jitter is applied before the cap, so the result
// never exceeds maxDelay.
func Delay(baseDelay, maxDelay time.Duration, jitter float64, attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := float64(baseDelay) * math.Pow(2, float64(attempt))

	if jitter > 0 {
		r := rand.NewMath()
		jitterFactor := 1 - jitter + r.Float64()*2*jitter
		delay *= jitterFactor
	}

	if delay > float64(maxDelay) {
		delay = float64(maxDelay)
	}

	return time.Duration(delay)
}
