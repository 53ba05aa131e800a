package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net"
	"strings"
	"syscall"
	"time"
)

// RetryConfig defines how collaborator calls are retried.
type RetryConfig struct {
	MaxRetries      int           // Retries after the first attempt
	InitialDelay    time.Duration // Delay before the first retry
	MaxDelay        time.Duration // Cap on any single delay
	BackoffFactor   float64       // Exponential backoff multiplier
	JitterPercent   float64       // Jitter as a fraction of the delay (0-1)
	RetryableErrors []string      // Error substrings worth retrying
}

// DefaultRetryConfig returns the retry policy for collaborator calls.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:    2,
		InitialDelay:  500 * time.Millisecond,
		MaxDelay:      10 * time.Second,
		BackoffFactor: 2.0,
		JitterPercent: 0.1,
		RetryableErrors: []string{
			"connection refused",
			"connection reset",
			"timeout",
			"temporary failure",
			"service unavailable",
			"too many requests",
			"rate limit",
			"overloaded",
		},
	}
}

// transient is implemented by errors that know whether a retry can help,
// such as a collaborator exiting with EX_TEMPFAIL.
type transient interface {
	Transient() bool
}

// RetryableExecutor executes functions with retry logic and exponential backoff.
// It is safe for concurrent use.
type RetryableExecutor struct {
	config RetryConfig
}

// NewRetryableExecutor creates a new retryable executor with the given configuration.
func NewRetryableExecutor(config RetryConfig) *RetryableExecutor {
	return &RetryableExecutor{config: config}
}

// Execute executes a function with retry logic.
func (re *RetryableExecutor) Execute(ctx context.Context, fn func() error) error {
	return re.ExecuteWithCallback(ctx, fn, nil)
}

// ExecuteWithCallback executes fn with retry logic, calling onRetry before
// each new attempt.
func (re *RetryableExecutor) ExecuteWithCallback(ctx context.Context, fn func() error, onRetry func(attempt int, err error)) error {
	var lastErr error

	for attempt := 0; attempt <= re.config.MaxRetries; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}

		if attempt == re.config.MaxRetries {
			break
		}
		if !re.isRetryableError(lastErr) {
			return lastErr
		}

		if onRetry != nil {
			onRetry(attempt+1, lastErr)
		}

		timer := time.NewTimer(re.calculateDelay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	if re.config.MaxRetries == 0 {
		return lastErr
	}
	return fmt.Errorf("max retries (%d) exceeded, last error: %w", re.config.MaxRetries, lastErr)
}

// isRetryableError determines if an error should be retried. Context errors
// never are.
func (re *RetryableExecutor) isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var tr transient
	if errors.As(err, &tr) {
		return tr.Transient()
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ETIMEDOUT) {
		return true
	}

	errorStr := strings.ToLower(err.Error())
	for _, pattern := range re.config.RetryableErrors {
		if strings.Contains(errorStr, strings.ToLower(pattern)) {
			return true
		}
	}
	return false
}

// calculateDelay calculates the delay for the next retry attempt with exponential backoff and jitter.
func (re *RetryableExecutor) calculateDelay(attempt int) time.Duration {
	delay := float64(re.config.InitialDelay) * math.Pow(re.config.BackoffFactor, float64(attempt))

	if delay > float64(re.config.MaxDelay) {
		delay = float64(re.config.MaxDelay)
	}

	// Jitter spreads concurrent runs hitting the same collaborator.
	if re.config.JitterPercent > 0 {
		jitter := delay * re.config.JitterPercent * (rand.Float64()*2 - 1)
		delay += jitter
	}

	if delay < 0 {
		delay = float64(re.config.InitialDelay)
	}

	return time.Duration(delay)
}
