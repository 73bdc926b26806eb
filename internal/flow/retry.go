package flow

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/carepath/carepath/pkg/schema"
)

// RetryPolicy governs re-invocation of a node's Execute phase.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int
	// Delay is the base delay before the first retry.
	Delay time.Duration
	// Backoff is one of "constant", "linear", or "exponential".
	Backoff string
	// MaxDelay caps the computed delay. Zero means no cap.
	MaxDelay time.Duration
}

// IsRetryableError classifies whether an Execute error should be retried.
// Retryable by default: network errors, timeouts, context.DeadlineExceeded.
// Non-retryable: context.Canceled and typed CarepathErrors whose code marks
// a configuration bug or run-level termination.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	// Deadline exceeded on the attempt is retryable (the run-level deadline
	// is checked separately by the executor).
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	// Context cancelled is NOT retryable: the run is shutting down.
	if errors.Is(err, context.Canceled) {
		return false
	}

	// CarepathError checks its own code.
	var cpErr *schema.CarepathError
	if errors.As(err, &cpErr) {
		return cpErr.IsRetryable()
	}

	// Network errors are retryable.
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	// String heuristics for common retryable patterns.
	msg := strings.ToLower(err.Error())
	retryablePatterns := []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"eof",
		"temporary failure",
		"i/o timeout",
		"service unavailable",
		"bad gateway",
		"gateway timeout",
		"internal server error",
		"too many requests",
	}
	for _, p := range retryablePatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}

	// Default: retryable. The policy caps attempts either way.
	return true
}

// ComputeBackoff calculates the delay before the next retry attempt.
// attempt is zero-based: the delay before the first retry uses attempt 0.
func ComputeBackoff(policy *RetryPolicy, attempt int) time.Duration {
	if policy == nil || policy.Delay <= 0 {
		return 0
	}

	var delay time.Duration
	switch policy.Backoff {
	case "exponential":
		// 2^attempt * base
		multiplier := time.Duration(1)
		for i := 0; i < attempt; i++ {
			multiplier *= 2
		}
		delay = policy.Delay * multiplier
	case "linear":
		delay = policy.Delay * time.Duration(attempt+1)
	default: // "constant" or empty
		delay = policy.Delay
	}

	if policy.MaxDelay > 0 && delay > policy.MaxDelay {
		delay = policy.MaxDelay
	}

	return delay
}

// WaitForBackoff sleeps for the computed backoff duration or returns early
// if the context is cancelled during the wait.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	select {
	case <-time.After(delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
