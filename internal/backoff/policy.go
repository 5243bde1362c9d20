// Package backoff computes retry delays and runs classified retry loops.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Policy defines an exponential backoff schedule.
type Policy struct {
	// Initial is the delay before the first retry.
	Initial time.Duration
	// Max caps any single delay. Zero means uncapped.
	Max time.Duration
	// Factor multiplies the delay after each retry.
	Factor float64
	// Jitter adds up to this fraction of the delay at random (0.0 to 1.0).
	Jitter float64
}

// ProviderPolicy is the schedule used for provider calls: backoffMs before the
// first retry, doubling each time, without jitter.
func ProviderPolicy(backoffMs int) Policy {
	if backoffMs < 0 {
		backoffMs = 0
	}
	return Policy{
		Initial: time.Duration(backoffMs) * time.Millisecond,
		Max:     30 * time.Second,
		Factor:  2,
	}
}

// DefaultPolicy returns 100ms initial, 30s max, factor 2, 10% jitter.
func DefaultPolicy() Policy {
	return Policy{
		Initial: 100 * time.Millisecond,
		Max:     30 * time.Second,
		Factor:  2,
		Jitter:  0.1,
	}
}

// Delay returns the delay before retry number retry (1-indexed).
func (p Policy) Delay(retry int) time.Duration {
	return p.delay(retry, rand.Float64()) // #nosec G404 -- jitter does not require cryptographic randomness
}

// delay computes initial * factor^(retry-1) plus jitter * random, clamped to Max.
func (p Policy) delay(retry int, random float64) time.Duration {
	exp := math.Max(float64(retry-1), 0)
	factor := p.Factor
	if factor <= 0 {
		factor = 1
	}
	base := float64(p.Initial) * math.Pow(factor, exp)
	total := base + base*p.Jitter*random
	if p.Max > 0 {
		total = math.Min(float64(p.Max), total)
	}
	return time.Duration(math.Round(total))
}
