package engine

import (
	"context"
	"errors"
	"time"

	"github.com/rendis/flowcore/pkg/schema"
)

// IsRetryableError classifies whether a node failure may be re-attempted.
// FlowErrors decide by code; context cancellation never retries; a node
// deadline does. Anything else is retried and left to the policy limit.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var fe *schema.FlowError
	if errors.As(err, &fe) {
		return fe.IsRetryable()
	}
	return true
}

// ComputeBackoff returns the delay before retry number attempt (zero-based).
// Backoff is one of none, constant, linear or exponential; delays accept
// the same forms as node timeouts and are capped by max_delay.
func ComputeBackoff(policy *schema.RetryPolicy, attempt int) time.Duration {
	if policy == nil || policy.Delay == "" || policy.Backoff == "none" {
		return 0
	}
	base, err := schema.ParseDuration(policy.Delay)
	if err != nil || base <= 0 {
		return 0
	}

	var delay time.Duration
	switch policy.Backoff {
	case "exponential":
		delay = base
		for i := 0; i < attempt && delay < time.Hour; i++ {
			delay *= 2
		}
	case "linear":
		delay = base * time.Duration(attempt+1)
	default:
		delay = base
	}

	if policy.MaxDelay != "" {
		if maxDelay, err := schema.ParseDuration(policy.MaxDelay); err == nil && delay > maxDelay {
			delay = maxDelay
		}
	}
	return delay
}

// WaitForBackoff sleeps for delay or returns early with ctx.Err().
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// maxAttempts returns the total number of attempts a node gets.
func maxAttempts(policy *schema.RetryPolicy) int {
	if policy == nil || policy.Max <= 0 {
		return 1
	}
	return policy.Max + 1
}
