// Package backoff computes jittered exponential retry delays.
package backoff

import (
	"math/rand/v2"
	"time"
)

// maxShift bounds the exponent so the multiplier stays well inside int64.
const maxShift = 30

// Jitter returns a value in [0, 1).
type Jitter func() float64

// Profile pairs the fixed base delay with the per-slot growth unit.
type Profile struct {
	Base time.Duration `mapstructure:"base"`
	Slot time.Duration `mapstructure:"slot"`
}

// Delay returns the wait before the next attempt after failures consecutive failures.
func (p Profile) Delay(failures int, jitter Jitter) time.Duration {
	return Delay(failures, p.Base, p.Slot, jitter)
}

// Delay computes base + (2^failures - 1) * slot * r where r is drawn from the
// upper half of the jitter range, [0.5, 1.0). A nil jitter uses math/rand/v2.
// Non-positive failure counts collapse to base.
func Delay(failures int, base, slot time.Duration, jitter Jitter) time.Duration {
	if failures <= 0 {
		return base
	}
	if failures > maxShift {
		failures = maxShift
	}
	if jitter == nil {
		jitter = rand.Float64
	}
	r := 0.5 + jitter()/2
	spread := float64(int64(1)<<failures-1) * float64(slot) * r
	return base + time.Duration(spread)
}
