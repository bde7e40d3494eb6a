package queue

import (
	"math"
	"time"
)

// RetryPolicy computes the backoff between job attempts.
type RetryPolicy struct {
	// Limit is the default number of retries after the first attempt.
	Limit int
	// InitialDelay is the default delay before the first retry.
	InitialDelay time.Duration
	// MaxDelay caps the backoff.
	MaxDelay time.Duration
}

// DefaultRetryPolicy retries 3 times with 2s, 4s, 8s (max 5m).
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Limit:        3,
		InitialDelay: 2 * time.Second,
		MaxDelay:     5 * time.Minute,
	}
}

// GetDelay calculates delay: base * 2^attempt, capped at MaxDelay.
// A zero base falls back to InitialDelay.
func (p RetryPolicy) GetDelay(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = p.InitialDelay
	}
	delay := float64(base) * math.Pow(2, float64(attempt))
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(delay)
}

// ShouldRetry reports whether a job that just failed gets another attempt.
func (p RetryPolicy) ShouldRetry(job *Job) bool {
	return !job.FinalAttempt()
}
