package harvest

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// RetryConfig defines how transient adapter failures are retried.
type RetryConfig struct {
	MaxAttempts   int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	Multiplier    float64
	JitterPercent float64
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:   3,
		BaseDelay:     1 * time.Second,
		MaxDelay:      30 * time.Second,
		Multiplier:    2.0,
		JitterPercent: 0.1,
	}
}

func (c RetryConfig) attempts() int {
	if c.MaxAttempts < 1 {
		return 1
	}
	return c.MaxAttempts
}

// delay returns the backoff before the given retry (attempt >= 1):
// BaseDelay * Multiplier^(attempt-1), jittered and capped at MaxDelay.
func (c RetryConfig) delay(attempt int) time.Duration {
	mult := c.Multiplier
	if mult <= 0 {
		mult = 2
	}
	d := float64(c.BaseDelay) * math.Pow(mult, float64(attempt-1))
	d += d * c.JitterPercent * (rand.Float64()*2 - 1)
	if c.MaxDelay > 0 && d > float64(c.MaxDelay) {
		d = float64(c.MaxDelay)
	}
	if d < 0 {
		d = float64(c.BaseDelay)
	}
	return time.Duration(d)
}

// retry runs fn until it succeeds, returns an error for which retryable is
// false, or the attempts run out. It reports the number of attempts made.
func retry(ctx context.Context, cfg RetryConfig, retryable func(error) bool, fn func() error) (int, error) {
	var err error
	n := cfg.attempts()
	for attempt := 0; attempt < n; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(cfg.delay(attempt))
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return attempt, ctx.Err()
			}
		}
		err = fn()
		if err == nil || !retryable(err) {
			return attempt + 1, err
		}
	}
	return n, err
}
