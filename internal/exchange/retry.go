package exchange

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// RetryConfig configures retry behavior for REST operations
type RetryConfig struct {
	MaxRetries     int           // Maximum number of retry attempts
	InitialBackoff time.Duration // Initial backoff duration
	MaxBackoff     time.Duration // Maximum backoff duration
	BackoffFactor  float64       // Multiplier for exponential backoff
}

// DefaultRetryConfig returns default retry configuration
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:     3,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
		BackoffFactor:  2.0,
	}
}

// IsRetryable checks if an error is retryable
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	errStr := strings.ToLower(err.Error())

	// Network errors
	if strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "temporary failure") ||
		strings.Contains(errStr, "eof") ||
		strings.Contains(errStr, "502") ||
		strings.Contains(errStr, "503") ||
		strings.Contains(errStr, "504") {
		return true
	}

	// Exchange-specific transient errors
	if strings.Contains(errStr, "-1001") || // internal error
		strings.Contains(errStr, "-1021") { // timestamp outside recvWindow
		return true
	}

	return false
}

// IsRateLimited checks for exchange throttling responses. These sleep for
// the next interval slot but do not consume the retry budget.
func IsRateLimited(err error) bool {
	if err == nil {
		return false
	}
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "429") ||
		strings.Contains(errStr, "418") ||
		strings.Contains(errStr, "-1003") || // too many requests
		strings.Contains(errStr, "too many requests") ||
		strings.Contains(errStr, "rate limit")
}

// rateLimitPause is how long a throttled call waits before re-issuing when
// the server gives no Retry-After.
const rateLimitPause = 2 * time.Second

// maxRateLimitPauses bounds throttle sleeps per operation so a
// persistently-throttled call still terminates.
const maxRateLimitPauses = 5

// RetryableOperation represents an operation that can be retried
type RetryableOperation func() error

// WithRetry executes an operation with exponential backoff retry.
// Rate-limited responses pause and re-issue without counting against
// MaxRetries.
func WithRetry(ctx context.Context, config RetryConfig, operation RetryableOperation) error {
	var lastErr error
	backoff := config.InitialBackoff
	rateLimitPauses := 0

	for attempt := 0; attempt <= config.MaxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return fmt.Errorf("operation cancelled: %w", ctx.Err())
		default:
		}

		err := operation()
		if err == nil {
			if attempt > 0 {
				log.Info().
					Int("attempt", attempt+1).
					Msg("Operation succeeded after retry")
			}
			return nil
		}
		lastErr = err

		if IsRateLimited(err) && rateLimitPauses < maxRateLimitPauses {
			rateLimitPauses++
			log.Warn().
				Err(err).
				Int("pause", rateLimitPauses).
				Dur("sleep", rateLimitPause).
				Msg("Exchange throttled request, pausing")
			select {
			case <-ctx.Done():
				return fmt.Errorf("operation cancelled during throttle pause: %w", ctx.Err())
			case <-time.After(rateLimitPause):
			}
			attempt-- // throttling does not consume the retry budget
			continue
		}

		if !IsRetryable(err) {
			log.Debug().Err(err).Msg("Error is not retryable, aborting")
			return err
		}

		if attempt == config.MaxRetries {
			break
		}

		log.Warn().
			Err(err).
			Int("attempt", attempt+1).
			Int("max_attempts", config.MaxRetries+1).
			Dur("backoff", backoff).
			Msg("Operation failed, retrying with backoff")

		select {
		case <-ctx.Done():
			return fmt.Errorf("operation cancelled during backoff: %w", ctx.Err())
		case <-time.After(backoff):
		}

		backoff = time.Duration(float64(backoff) * config.BackoffFactor)
		if backoff > config.MaxBackoff {
			backoff = config.MaxBackoff
		}
	}

	return fmt.Errorf("operation failed after %d attempts: %w", config.MaxRetries+1, lastErr)
}
