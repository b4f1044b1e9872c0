package retry

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"time"

	"github.com/cadenzahq/cadenza/pkg/schema"
)

// minDelay floors every computed backoff so a misconfigured policy cannot
// produce a hot retry loop.
const minDelay = 100 * time.Millisecond

// IsRetryable classifies an error against the policy's pattern lists.
// Non-retryable patterns win over retryable ones, and an error that matches
// neither list is treated as non-retryable. Ambiguous failures fail fast
// instead of burning the retry budget.
func IsRetryable(policy *schema.RetryPolicy, err error) bool {
	if err == nil || policy == nil {
		return false
	}

	// Context cancellation means the execution is being torn down.
	if errors.Is(err, context.Canceled) {
		return false
	}

	var engErr *schema.EngineError
	if errors.As(err, &engErr) {
		switch engErr.Code {
		case schema.ErrCodeValidation, schema.ErrCodeNonRetryable, schema.ErrCodeCancelled:
			return false
		}
	}

	msg := strings.ToLower(err.Error())
	for _, p := range policy.NonRetryablePatterns {
		if p != "" && strings.Contains(msg, strings.ToLower(p)) {
			return false
		}
	}
	for _, p := range policy.RetryablePatterns {
		if p != "" && strings.Contains(msg, strings.ToLower(p)) {
			return true
		}
	}
	return false
}

// ComputeBackoff calculates the delay before retry attempt retryCount.
// retryCount is zero-based: the delay before the first retry uses retryCount 0.
func ComputeBackoff(policy *schema.RetryPolicy, retryCount int) time.Duration {
	if policy == nil {
		return minDelay
	}
	base := time.Duration(policy.BaseDelayMs) * time.Millisecond

	var delay time.Duration
	switch policy.Strategy {
	case schema.RetryStrategyLinear:
		delay = base * time.Duration(retryCount+1)
	case schema.RetryStrategyExponential:
		multiplier := policy.BackoffMultiplier
		if multiplier <= 0 {
			multiplier = 2
		}
		f := float64(base)
		for i := 0; i < retryCount; i++ {
			f *= multiplier
		}
		delay = time.Duration(f)
	default: // fixed
		delay = base
	}

	if policy.MaxDelayMs > 0 {
		maxDelay := time.Duration(policy.MaxDelayMs) * time.Millisecond
		if delay > maxDelay {
			delay = maxDelay
		}
	}

	if policy.Jitter {
		// Uniform noise in ±10% of the computed delay.
		noise := (rand.Float64()*2 - 1) * 0.1 * float64(delay)
		delay += time.Duration(noise)
	}

	if delay < minDelay {
		delay = minDelay
	}
	return delay
}
