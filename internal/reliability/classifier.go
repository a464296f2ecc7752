package reliability

import (
	"context"
	"time"
)

// IsRetryableHTTPStatus classifies retryable HTTP status codes.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// IsFatalRealtimeError reports whether an upstream realtime error leaves the
// session unusable. Request-level errors (bad payloads, an empty buffer
// commit) are not fatal.
func IsFatalRealtimeError(errType, code string) bool {
	switch code {
	case "session_expired", "invalid_api_key", "insufficient_quota", "model_not_found", "session_closed":
		return true
	}
	switch errType {
	case "authentication_error", "permission_error":
		return true
	default:
		return false
	}
}

// ExponentialBackoff computes a deterministic capped backoff duration.
func ExponentialBackoff(attempt int, base, cap time.Duration) time.Duration {
	if attempt <= 0 {
		return base
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	return d
}

// Retry runs fn up to attempts times, sleeping with ExponentialBackoff between
// tries while retryable(err) holds. It returns the last error.
func Retry(ctx context.Context, attempts int, base, cap time.Duration, retryable func(error) bool, fn func(attempt int) error) error {
	if attempts <= 0 {
		attempts = 1
	}
	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if err = fn(attempt); err == nil {
			return nil
		}
		if attempt == attempts-1 || retryable == nil || !retryable(err) {
			return err
		}
		timer := time.NewTimer(ExponentialBackoff(attempt, base, cap))
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
	return err
}
