package api

import (
	"fmt"
	"math"
	"time"
)

// RetryStrategy selects how the delay between attempts grows.
type RetryStrategy string

const (
	RetryFixed       RetryStrategy = "fixed"
	RetryExponential RetryStrategy = "exponential"
)

const (
	// DefaultMaxDelay caps exponential delays when MaxDelay is unset.
	DefaultMaxDelay = 300

	// MaxIntervalSeconds is the largest delay a Postgres interval can hold.
	MaxIntervalSeconds = 2147483647

	maxExponentialLimit = 50
)

// RetryPolicy decides whether and when a failed task is attempted again.
// Delays are in seconds. Limit is the maximum number of attempts, counting
// the first one.
type RetryPolicy struct {
	Strategy  RetryStrategy
	Limit     int
	BaseDelay int
	MaxDelay  int
}

// Validate rejects policies a Store cannot represent.
func (p RetryPolicy) Validate() error {
	switch p.Strategy {
	case RetryFixed, RetryExponential:
	default:
		return NewValidationError("", "invalid retry strategy %q, must be 'fixed' or 'exponential'", p.Strategy)
	}
	if p.Limit < 0 {
		return NewValidationError("", "limit must be greater than or equal to 0")
	}
	if p.BaseDelay <= 0 {
		return NewValidationError("", "baseDelay must be greater than 0")
	}
	if p.BaseDelay > MaxIntervalSeconds {
		return NewValidationError("", "baseDelay must not exceed %d seconds", MaxIntervalSeconds)
	}
	if p.Strategy == RetryFixed {
		if p.MaxDelay != 0 {
			return NewValidationError("", "maxDelay is only valid for exponential strategy")
		}
		return nil
	}
	if p.Limit > maxExponentialLimit {
		return NewValidationError("", "for exponential strategy, limit must not exceed %d", maxExponentialLimit)
	}
	if p.MaxDelay != 0 {
		if p.MaxDelay < p.BaseDelay {
			return NewValidationError("", "maxDelay must be greater than or equal to baseDelay")
		}
		if p.MaxDelay > MaxIntervalSeconds {
			return NewValidationError("", "maxDelay must not exceed %d seconds", MaxIntervalSeconds)
		}
	}
	return nil
}

// Exhausted reports whether no attempt remains after the given number of
// attempts has been made.
func (p RetryPolicy) Exhausted(attempts int) bool {
	return attempts >= p.Limit
}

// Delay returns the wait in seconds before the attempt that follows the
// given (1-based) failed attempt.
func (p RetryPolicy) Delay(attempt int) int {
	if attempt < 1 {
		attempt = 1
	}
	if p.Strategy == RetryFixed {
		return p.BaseDelay
	}
	maxDelay := p.MaxDelay
	if maxDelay == 0 {
		maxDelay = DefaultMaxDelay
	}
	d := float64(p.BaseDelay) * math.Pow(2, float64(attempt-1))
	if d > float64(maxDelay) {
		return maxDelay
	}
	return int(d)
}

// DelayDuration is Delay as a time.Duration.
func (p RetryPolicy) DelayDuration(attempt int) time.Duration {
	return time.Duration(p.Delay(attempt)) * time.Second
}

func (p RetryPolicy) String() string {
	return fmt.Sprintf("%s(limit=%d, base=%ds, max=%ds)", p.Strategy, p.Limit, p.BaseDelay, p.MaxDelay)
}
