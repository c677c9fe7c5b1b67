package session

import (
	"context"
	"math/rand"
	"time"
)

// NextBackoffDelay returns the wait before reconnect attempt N (1-based).
// Growth is geometric from InitialDelay, capped by MaxDelay; with Jitter the
// result is scaled into [0.5, 1.5) of the nominal value.
func NextBackoffDelay(cfg BackoffConfig, attempt int, rng *rand.Rand) time.Duration {
	if cfg.InitialDelay <= 0 {
		return 0
	}
	if attempt <= 1 {
		return cfg.InitialDelay
	}
	growth := cfg.Multiplier
	if growth < 1 {
		growth = 1
	}
	nominal := float64(cfg.InitialDelay)
	ceiling := float64(cfg.MaxDelay)
	for i := 1; i < attempt; i++ {
		nominal *= growth
		if ceiling > 0 && nominal >= ceiling {
			nominal = ceiling
			break
		}
	}
	if !cfg.Jitter {
		return time.Duration(nominal)
	}
	scale := 0.5
	if rng != nil {
		scale += rng.Float64()
	}
	return time.Duration(nominal * scale)
}

// SleepBackoff blocks for the attempt's delay. A canceled ctx wins.
func SleepBackoff(ctx context.Context, cfg BackoffConfig, attempt int, rng *rand.Rand) error {
	wait := NextBackoffDelay(cfg, attempt, rng)
	if wait <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
