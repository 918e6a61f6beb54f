package retry

import (
	"context"
	"math"
	"time"
)

// Config holds the configuration for retry logic
type Config struct {
	MaxRetries      int
	BaseDelay       time.Duration
	MaxDelay        time.Duration
	BackoffMultiple float64
}

// DefaultConfig returns the retry configuration used for model server calls
func DefaultConfig() Config {
	return Config{
		MaxRetries:      2,
		BaseDelay:       200 * time.Millisecond,
		MaxDelay:        5 * time.Second,
		BackoffMultiple: 2.0,
	}
}

// Options configures retry behavior
type Options struct {
	Config Config
	// Retryable decides whether an error is worth another attempt. Nil means never retry.
	Retryable func(err error) bool
	// OnRetry is called before sleeping ahead of the next attempt
	OnRetry func(attempt int, delay time.Duration, err error)
}

func (c Config) delay(attempt int) time.Duration {
	d := time.Duration(float64(c.BaseDelay) * math.Pow(c.BackoffMultiple, float64(attempt)))
	if c.MaxDelay > 0 && d > c.MaxDelay {
		d = c.MaxDelay
	}
	return d
}

// Do runs fn until it succeeds, returns a non-retryable error, or the attempts run out.
// The last error is returned unchanged.
func Do[T any](ctx context.Context, opts Options, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error

	for attempt := 0; attempt <= opts.Config.MaxRetries; attempt++ {
		if attempt > 0 {
			d := opts.Config.delay(attempt - 1)
			if opts.OnRetry != nil {
				opts.OnRetry(attempt, d, lastErr)
			}
			timer := time.NewTimer(d)
			select {
			case <-ctx.Done():
				timer.Stop()
				return zero, ctx.Err()
			case <-timer.C:
			}
		}

		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if opts.Retryable == nil || !opts.Retryable(err) || ctx.Err() != nil {
			return zero, err
		}
	}

	return zero, lastErr
}
