package infra

import (
	"time"
)

const (
	// Standard backoff constants
	baseDelay   = 1 * time.Second
	maxDelay    = 30 * time.Second
	maxAttempts = 5
)

// BackoffPolicy describes exponential reconnect delays with a ceiling and an
// attempt budget.
type BackoffPolicy struct {
	Base        time.Duration
	Max         time.Duration
	MaxAttempts int // consecutive failed attempts before giving up; <= 0 means unlimited
}

// DefaultBackoffPolicy returns 1s doubling to 30s, five attempts.
func DefaultBackoffPolicy() BackoffPolicy {
	return BackoffPolicy{
		Base:        baseDelay,
		Max:         maxDelay,
		MaxAttempts: maxAttempts,
	}
}

// Delay returns the wait before the given 1-based attempt:
// min(Base * 2^(attempt-1), Max). Attempts below 1 return Base.
func (p BackoffPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		return p.Base
	}

	// 2^30 * 1ns is already past any sane Max, and larger shifts overflow.
	if attempt > 31 {
		return p.Max
	}

	backoff := p.Base * time.Duration(1<<(attempt-1))
	if backoff > p.Max || backoff <= 0 {
		return p.Max
	}

	return backoff
}

// Exhausted reports whether attempts has used up the budget.
func (p BackoffPolicy) Exhausted(attempts int) bool {
	return p.MaxAttempts > 0 && attempts >= p.MaxAttempts
}
