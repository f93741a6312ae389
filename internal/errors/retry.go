package errors

import (
	"math"
	"math/rand"
	"time"
)

// RetryPolicy decides whether a failure is retried on the same service and how
// long to wait between attempts.
type RetryPolicy struct {
	MaxRetries int           // retries per service before falling back (default: 3)
	BaseDelay  time.Duration // base for exponential backoff (default: 1s)
	MaxDelay   time.Duration // cap on the computed backoff (default: 30s)
	MaxJitter  time.Duration // random extra delay to spread retry storms (default: 3s)
}

// DefaultRetryPolicy returns the standard policy: 3 retries, 1s doubling
// backoff capped at 30s, up to 3s of jitter.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 3,
		BaseDelay:  1 * time.Second,
		MaxDelay:   30 * time.Second,
		MaxJitter:  3 * time.Second,
	}
}

// normalized fills zero fields with defaults so a partially configured policy
// still behaves sensibly.
func (p RetryPolicy) normalized() RetryPolicy {
	def := DefaultRetryPolicy()
	if p.MaxRetries <= 0 {
		p.MaxRetries = def.MaxRetries
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = def.BaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = def.MaxDelay
	}
	if p.MaxJitter < 0 {
		p.MaxJitter = 0
	}
	return p
}

// Classify maps a failure to its retry class.
func (p RetryPolicy) Classify(err error) Class {
	return Classify(err)
}

// ShouldRetry reports whether the attempt should be retried on the same
// service. attempt is zero-based: attempt 0 is the first call.
func (p RetryPolicy) ShouldRetry(err error, attempt int) bool {
	if err == nil {
		return false
	}
	if attempt >= p.normalized().MaxRetries {
		return false
	}
	return Classify(err) == ClassRetryable
}

// NextDelay computes the backoff before the given zero-based attempt is
// retried: base * 2^attempt, capped, plus random jitter.
//
//	attempt 0 -> 1s (+jitter)
//	attempt 1 -> 2s (+jitter)
//	attempt 2 -> 4s (+jitter)
func (p RetryPolicy) NextDelay(attempt int) time.Duration {
	np := p.normalized()
	if attempt < 0 {
		attempt = 0
	}

	multiplier := math.Pow(2, float64(attempt))
	delay := time.Duration(float64(np.BaseDelay) * multiplier)
	if delay > np.MaxDelay || delay <= 0 {
		delay = np.MaxDelay
	}

	if np.MaxJitter > 0 {
		delay += time.Duration(rand.Int63n(int64(np.MaxJitter)))
	}
	return delay
}
