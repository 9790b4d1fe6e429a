package session

import (
	"math"
	"math/rand"
	"time"
)

// BackoffConfig spaces reconnect attempts.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// FixedBackoff retries at a constant delay.
func FixedBackoff(delay time.Duration) BackoffConfig {
	return BackoffConfig{InitialDelay: delay, Multiplier: 1.0, MaxDelay: delay}
}

// Delay is the wait before reconnect attempt (1-based). It grows by
// Multiplier from InitialDelay up to MaxDelay. With Jitter and an rng the
// result is scaled into [0.5, 1.5).
func (b BackoffConfig) Delay(attempt int, rng *rand.Rand) time.Duration {
	if b.InitialDelay <= 0 {
		return 0
	}
	growth := math.Max(b.Multiplier, 1)
	d := time.Duration(float64(b.InitialDelay) * math.Pow(growth, float64(max(attempt, 1)-1)))
	if b.MaxDelay > 0 {
		d = min(d, b.MaxDelay)
	}
	if !b.Jitter || rng == nil {
		return d
	}
	return time.Duration(float64(d) * (0.5 + rng.Float64()))
}
