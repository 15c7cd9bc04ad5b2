package schedule

import (
	"context"
	"errors"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// StatusCoder is implemented by provider errors that carry an HTTP-equivalent
// status code.
type StatusCoder interface {
	StatusCode() int
}

// Retryable classifies an error as a transient rate-limit or overload
// condition. Classification checks the status code when the error exposes
// one, then falls back to scanning the message for the markers the
// backends actually emit.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var sc StatusCoder
	if errors.As(err, &sc) {
		switch sc.StatusCode() {
		case 429, 503:
			return true
		case 500, 502, 504:
			return true
		default:
			return false
		}
	}
	return containsAny(err.Error(),
		"429", "503",
		"rate limit", "rate-limit",
		"quota", "resource_exhausted", "resource exhausted",
		"overloaded", "unavailable", "too many requests",
	)
}

func containsAny(s string, substrs ...string) bool {
	lower := strings.ToLower(s)
	for _, sub := range substrs {
		if strings.Contains(lower, sub) {
			return true
		}
	}
	return false
}

// retryHintPattern matches the "retry in N seconds" shapes backends embed in
// rate-limit messages, including the structured `"retryDelay": "12s"` detail
// of Google API errors.
var retryHintPattern = regexp.MustCompile(`(?i)(?:retry\s+in\s+|retry\s+after\s+|"retryDelay"\s*:\s*")(\d+(?:\.\d+)?)\s*s`)

// RetryDelayHint extracts an explicit suggested retry delay from the error
// message. The second return is false when no hint is present.
func RetryDelayHint(err error) (time.Duration, bool) {
	if err == nil {
		return 0, false
	}
	m := retryHintPattern.FindStringSubmatch(err.Error())
	if m == nil {
		return 0, false
	}
	secs, perr := strconv.ParseFloat(m[1], 64)
	if perr != nil || secs < 0 {
		return 0, false
	}
	return time.Duration(secs * float64(time.Second)), true
}
