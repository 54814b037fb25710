package retry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Forever as MaxRetries keeps retrying until fn succeeds, a non-retryable
// error is returned or the context is cancelled.
const Forever = -1

// Config holds retry configuration
type Config struct {
	MaxRetries     int           // Maximum number of retry attempts, Forever for no cap
	InitialBackoff time.Duration // Initial backoff duration
	MaxBackoff     time.Duration // Maximum backoff duration
	Multiplier     float64       // Backoff multiplier (exponential), 1 for a fixed interval

	// Retryable decides whether an error is worth another attempt.
	// Nil retries every error.
	Retryable func(error) bool

	// OnRetry is called before sleeping, with the 1-based attempt that failed.
	OnRetry func(attempt int, err error, wait time.Duration)
}

// DefaultConfig returns sensible defaults for retries
func DefaultConfig() Config {
	return Config{
		MaxRetries:     3,
		InitialBackoff: 1 * time.Second,
		MaxBackoff:     30 * time.Second,
		Multiplier:     2.0,
	}
}

// Fixed returns a config that retries forever at a constant interval.
func Fixed(interval time.Duration) Config {
	return Config{
		MaxRetries:     Forever,
		InitialBackoff: interval,
		MaxBackoff:     interval,
		Multiplier:     1,
	}
}

// ErrPermanent wraps errors that Do gave up on without retrying.
var ErrPermanent = errors.New("permanent error")

// Do executes fn with backoff retries. It returns the number of attempts made.
func Do(ctx context.Context, config Config, fn func() error) (int, error) {
	var lastErr error
	backoff := config.InitialBackoff
	multiplier := config.Multiplier
	if multiplier <= 0 {
		multiplier = 1
	}

	attempt := 0
	for {
		select {
		case <-ctx.Done():
			return attempt, fmt.Errorf("retry cancelled: %w", ctx.Err())
		default:
		}

		attempt++
		err := fn()
		if err == nil {
			return attempt, nil
		}
		lastErr = err

		if config.Retryable != nil && !config.Retryable(err) {
			return attempt, fmt.Errorf("%w: %w", ErrPermanent, err)
		}

		// attempt-1 retries have already been made
		if config.MaxRetries != Forever && attempt > config.MaxRetries {
			break
		}

		if config.OnRetry != nil {
			config.OnRetry(attempt, err, backoff)
		}

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return attempt, fmt.Errorf("retry cancelled: %w", ctx.Err())
		case <-timer.C:
		}

		backoff = time.Duration(float64(backoff) * multiplier)
		if config.MaxBackoff > 0 && backoff > config.MaxBackoff {
			backoff = config.MaxBackoff
		}
	}

	return attempt, fmt.Errorf("max retries (%d) exceeded: %w", config.MaxRetries, lastErr)
}

// IsRetryable checks if an error is retryable
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	// Network errors and temporary failures are retryable
	errStr := strings.ToLower(err.Error())

	retryableErrors := []string{
		"connection refused",
		"connection reset",
		"timeout",
		"temporary failure",
		"503",
		"502",
		"504",
		"eof",
		"broken pipe",
	}

	for _, retryable := range retryableErrors {
		if strings.Contains(errStr, retryable) {
			return true
		}
	}

	return false
}
