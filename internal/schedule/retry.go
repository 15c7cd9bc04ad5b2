package schedule

import (
	"context"
	"time"

	"atelier/internal/logging"
)

// RetryPolicy configures the resilient call wrapper.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration

	// SafetyMargin is added on top of an explicit "retry in N seconds"
	// hint from the backend.
	SafetyMargin time.Duration
}

// DefaultRetryPolicy returns the defaults used for generation calls.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:   3,
		BaseDelay:    time.Second,
		SafetyMargin: time.Second,
	}
}

// Call runs fn with classification-driven retry. Every attempt, including
// retries, re-enters the scheduler queue so retries never bypass global
// pacing. A non-retryable error short-circuits immediately; exhausted
// retries propagate the last error unchanged so the original cause stays
// inspectable.
func Call[T any](ctx context.Context, s *Scheduler, policy RetryPolicy, label string, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error

	for attempt := 0; attempt <= policy.MaxRetries; attempt++ {
		out, err := Do(ctx, s, label, fn)
		if err == nil {
			return out, nil
		}
		lastErr = err

		if !Retryable(err) || attempt == policy.MaxRetries {
			metricFailures.WithLabelValues(label).Inc()
			return zero, err
		}

		wait := policy.BaseDelay << uint(attempt)
		if hint, ok := RetryDelayHint(err); ok {
			wait = hint + policy.SafetyMargin
		}
		metricRetries.WithLabelValues(label).Inc()
		logging.Scheduler().Warnw("retrying after transient error",
			"label", label,
			"attempt", attempt+1,
			"max_retries", policy.MaxRetries,
			"wait", wait,
			"error", err)

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(wait):
		}
	}

	return zero, lastErr
}
