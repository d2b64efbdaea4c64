// Package backoff provides the retry delay strategy shared by the polling
// loop, record settlement, and the publisher helper.
package backoff

import (
	"math/rand"
	"time"
)

// Strategy computes the delay before a retry. Attempt counts from 1.
type Strategy interface {
	Backoff(attempt int) time.Duration
}

// Exponential doubles the base delay per attempt with symmetric jitter:
// base * 2^(attempt-1) * (1 +/- Jitter), capped at Max.
type Exponential struct {
	// Base is the delay for the first attempt.
	Base time.Duration

	// Max caps the computed delay. Zero means uncapped.
	Max time.Duration

	// Jitter is the fraction of symmetric randomization, e.g. 0.1 for +/-10%.
	Jitter float64
}

// Default matches the engine defaults: 1s base, 30s cap, +/-10% jitter.
func Default() Exponential {
	return Exponential{Base: time.Second, Max: 30 * time.Second, Jitter: 0.1}
}

func (e Exponential) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	d := float64(e.Base)
	for i := 1; i < attempt; i++ {
		d *= 2
		if e.Max > 0 && d > float64(e.Max) {
			break
		}
	}

	if e.Jitter > 0 {
		d *= 1 + e.Jitter*(rand.Float64()*2-1)
	}

	if e.Max > 0 && d > float64(e.Max) {
		d = float64(e.Max)
	}

	return time.Duration(int64(d/float64(time.Millisecond))) * time.Millisecond
}
