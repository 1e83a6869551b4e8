// Package backoff computes exponential retry delays with multiplicative
// jitter. The random value is injectable so callers and tests can get
// deterministic delays.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Policy defines exponential backoff parameters. Delays grow as
// InitialMs * Factor^(attempt-1), scaled by a jitter multiplier drawn from
// [JitterLow, JitterHigh), and clamp at MaxMs.
type Policy struct {
	InitialMs  float64
	MaxMs      float64
	Factor     float64
	JitterLow  float64
	JitterHigh float64
}

// LLMPolicy matches the retry cadence used against LLM providers:
// 2s initial, doubling, 60s cap, jitter multiplier 0.8–1.2.
func LLMPolicy() Policy {
	return Policy{InitialMs: 2000, MaxMs: 60000, Factor: 2, JitterLow: 0.8, JitterHigh: 1.2}
}

// ReconnectPolicy suits long-lived connection retry loops: 1s initial,
// 30s cap, mild jitter.
func ReconnectPolicy() Policy {
	return Policy{InitialMs: 1000, MaxMs: 30000, Factor: 2, JitterLow: 0.9, JitterHigh: 1.1}
}

// Compute returns the delay for the given attempt (attempts start at 1)
// using a shared random source.
func Compute(p Policy, attempt int) time.Duration {
	return ComputeWithRand(p, attempt, rand.Float64()) // #nosec G404 -- jitter does not require cryptographic randomness
}

// ComputeWithRand returns the delay for the given attempt using the provided
// random value in [0, 1). Exposed for deterministic tests.
func ComputeWithRand(p Policy, attempt int, randomValue float64) time.Duration {
	exp := math.Max(float64(attempt-1), 0)
	base := p.InitialMs * math.Pow(p.Factor, exp)

	jitter := 1.0
	if p.JitterHigh > p.JitterLow {
		jitter = p.JitterLow + (p.JitterHigh-p.JitterLow)*randomValue
	}

	total := math.Min(p.MaxMs, base*jitter)
	return time.Duration(math.Round(total)) * time.Millisecond
}
