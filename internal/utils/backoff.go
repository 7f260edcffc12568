package utils

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// BackoffConfig describes an exponential backoff schedule with optional
// jitter. The zero value is not usable; use DefaultBackoff or fill every
// field.
type BackoffConfig struct {
	Initial    time.Duration
	Multiplier float64
	Jitter     float64 // fraction of the delay, e.g. 0.2 for +/-20%
	Max        time.Duration
}

// DefaultBackoff matches the request retry policy: base 1s, cap 60s,
// multiplier 2.
func DefaultBackoff() BackoffConfig {
	return BackoffConfig{
		Initial:    time.Second,
		Multiplier: 2,
		Jitter:     0,
		Max:        60 * time.Second,
	}
}

// NextDelay returns the delay before retry number attempt (0-based).
func (c BackoffConfig) NextDelay(attempt int) time.Duration {
	return c.nextDelay(attempt, rand.Float64())
}

func (c BackoffConfig) nextDelay(attempt int, rng float64) time.Duration {
	delay := float64(c.Initial) * math.Pow(c.Multiplier, float64(attempt))
	if c.Jitter > 0 {
		// rng in [0,1) maps to [-jitter, +jitter]
		delay *= 1 + c.Jitter*(2*rng-1)
	}
	if max := float64(c.Max); c.Max > 0 && delay > max {
		delay = max
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

// Retry runs op up to maxAttempts times, sleeping per the schedule between
// attempts. retryable decides whether an error is worth another attempt;
// a nil predicate retries everything. The context aborts waiting.
func Retry(ctx context.Context, cfg BackoffConfig, maxAttempts int, retryable func(error) bool, op func() error) error {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	var err error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			if !sleepCtx(ctx, cfg.NextDelay(attempt-1)) {
				return ctx.Err()
			}
		}
		if err = op(); err == nil {
			return nil
		}
		if retryable != nil && !retryable(err) {
			return err
		}
	}
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
