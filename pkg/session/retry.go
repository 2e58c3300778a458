package session

import (
	"context"
	"fmt"
	"math/rand"
	"time"
)

// RetryConfig holds the configuration for retrying failed origin requests.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts (including the initial request).
	MaxAttempts int

	// InitialBackoff is the initial backoff duration.
	InitialBackoff time.Duration

	// MaxBackoff is the maximum backoff duration.
	MaxBackoff time.Duration

	// BackoffMultiplier is the multiplier for exponential backoff.
	BackoffMultiplier float64
}

// DefaultRetryConfig returns the default configuration: a single attempt.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       1,
		InitialBackoff:    1 * time.Second,
		MaxBackoff:        30 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// withClassDefaults returns the backoff to use for errorClass. Rate limiting
// waits longer than server and network errors.
func (c RetryConfig) withClassDefaults(errorClass ErrorClass) RetryConfig {
	if errorClass == ErrorClassRateLimit {
		c.InitialBackoff = max(c.InitialBackoff, 5*time.Second)
		c.MaxBackoff = max(c.MaxBackoff, 60*time.Second)
	}
	if c.BackoffMultiplier < 1 {
		c.BackoffMultiplier = 1
	}
	return c
}

// attemptFunc performs one attempt and classifies its failure. A non-empty
// class with a nil error means the attempt produced a response that may be
// retried; the last such response is kept by the caller.
type attemptFunc func() (ErrorClass, error)

// retryWithBackoff executes fn with exponential backoff retry logic.
// It respects context cancellation and adds jitter to prevent thundering herd.
func retryWithBackoff(ctx context.Context, config RetryConfig, fn attemptFunc) error {
	if config.MaxAttempts < 1 {
		config.MaxAttempts = 1
	}

	var (
		lastErr    error
		errorClass ErrorClass
		backoff    time.Duration
	)
	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		errorClass, lastErr = fn()
		if errorClass == "" || !shouldRetry(errorClass) {
			if attempt > 1 && lastErr == nil {
				logger.Info().
					Int("attempt", attempt).
					Msg("Request succeeded after retry")
			}
			return lastErr
		}

		if attempt >= config.MaxAttempts {
			break
		}

		classConfig := config.withClassDefaults(errorClass)
		if backoff == 0 {
			backoff = classConfig.InitialBackoff
		}

		RetriesTotal.WithLabelValues(string(errorClass)).Inc()

		// Add jitter (±20% randomness)
		jitter := time.Duration(float64(backoff) * (0.8 + rand.Float64()*0.4))
		RetryBackoffSeconds.WithLabelValues(string(errorClass)).Observe(jitter.Seconds())

		logger.Debug().
			Str("error_class", string(errorClass)).
			Int("attempt", attempt).
			Dur("backoff", jitter).
			Msg("Retrying request after backoff")

		select {
		case <-ctx.Done():
			logger.Warn().
				Str("error_class", string(errorClass)).
				Int("attempt", attempt).
				Msg("Context cancelled during retry backoff")
			return fmt.Errorf("%w: %v", ErrContextCancelled, ctx.Err())
		case <-time.After(jitter):
		}

		backoff = time.Duration(float64(backoff) * classConfig.BackoffMultiplier)
		if backoff > classConfig.MaxBackoff {
			backoff = classConfig.MaxBackoff
		}
	}

	if config.MaxAttempts > 1 {
		RetryExhaustedTotal.WithLabelValues(string(errorClass)).Inc()
		logger.Warn().
			Str("error_class", string(errorClass)).
			Int("max_attempts", config.MaxAttempts).
			Msg("Retry attempts exhausted")
	}
	if lastErr == nil {
		// The last attempt produced a response; the caller returns it as is
		return nil
	}
	if config.MaxAttempts == 1 {
		return lastErr
	}
	return fmt.Errorf("%w after %d attempts: %w", ErrRetryExhausted, config.MaxAttempts, lastErr)
}
