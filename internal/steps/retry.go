package steps

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/rendis/flowpilot/pkg/schema"
)

// isRetryable classifies an api_call attempt error.
// Retryable: transport errors, per-attempt timeouts and 5xx responses.
// Not retryable: cancellation, 4xx responses, an open circuit.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	if fe, ok := schema.AsFlowError(err); ok {
		if fe.Code == schema.ErrCodeCircuitOpen {
			return false
		}
		if status, ok := fe.Details["status_code"].(int); ok {
			return status >= 500 || status == 429
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	// Unclassified transport failures: let the policy bound the attempts.
	return true
}

// parseRetryPolicy reads config.retry. A missing block means a single attempt.
func parseRetryPolicy(raw any) *schema.RetryPolicy {
	m, ok := raw.(map[string]any)
	if !ok {
		return &schema.RetryPolicy{MaxAttempts: 1}
	}
	p := &schema.RetryPolicy{
		MaxAttempts: intParam(m, "max_attempts", 1),
		Backoff:     stringParam(m, "backoff", "none"),
		Delay:       stringParam(m, "delay", ""),
		MaxDelay:    stringParam(m, "max_delay", ""),
	}
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	return p
}

// computeBackoff returns the delay before retry number attempt+1.
// Supports none, constant, linear, and exponential backoff with optional max_delay cap.
func computeBackoff(policy *schema.RetryPolicy, attempt int) time.Duration {
	if policy == nil || policy.Delay == "" || policy.Backoff == "none" {
		return 0
	}

	base, err := time.ParseDuration(policy.Delay)
	if err != nil {
		return 0
	}

	var delay time.Duration
	switch policy.Backoff {
	case "exponential":
		delay = base << min(attempt, 30)
	case "linear":
		delay = base * time.Duration(attempt+1)
	default: // constant
		delay = base
	}

	if policy.MaxDelay != "" {
		maxDelay, parseErr := time.ParseDuration(policy.MaxDelay)
		if parseErr == nil && delay > maxDelay {
			delay = maxDelay
		}
	}
	return delay
}

// waitForBackoff sleeps for delay or returns early if ctx is cancelled.
func waitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
