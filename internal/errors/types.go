package errors

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
)

// Class is the retry classification of a failure.
type Class int

const (
	// ClassRetryable covers rate limits, timeouts, and transient server errors.
	ClassRetryable Class = iota
	// ClassFatal covers auth failures, malformed requests, and quota exhaustion.
	ClassFatal
)

func (c Class) String() string {
	if c == ClassRetryable {
		return "retryable"
	}
	return "fatal"
}

// TransientError marks an error as safe to retry on the same service.
type TransientError struct {
	Err     error
	Message string
}

func (e *TransientError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("transient error: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError marks an error that must not be retried on the same service.
type PermanentError struct {
	Err     error
	Message string
}

func (e *PermanentError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("permanent error: %v", e.Err)
}

func (e *PermanentError) Unwrap() error { return e.Err }

// QuotaExceededError signals that a reservation could not be granted. It is an
// ordinary return value used to advance routing to the next tier, never a
// reason to retry the same service.
type QuotaExceededError struct {
	Service  string
	Used     float64
	Reserved float64
	Limit    float64
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("quota exceeded for %s: used=%.2f reserved=%.2f limit=%.2f",
		e.Service, e.Used, e.Reserved, e.Limit)
}

// NoServiceAvailableError signals that routing found no viable service. It is
// the exhaustion terminal state for one task's fallback chain.
type NoServiceAvailableError struct {
	Excluded []string
}

func (e *NoServiceAvailableError) Error() string {
	if len(e.Excluded) == 0 {
		return "no service available"
	}
	return fmt.Sprintf("no service available (excluded: %s)", strings.Join(e.Excluded, ", "))
}

// AllPlatformsExhaustedError is the terminal failure after every tier was tried.
// The message enumerates every service attempted so callers can diagnose
// without re-deriving executor state.
type AllPlatformsExhaustedError struct {
	LastErr error
	Tried   []string
}

func (e *AllPlatformsExhaustedError) Error() string {
	last := "none"
	if e.LastErr != nil {
		last = e.LastErr.Error()
	}
	return fmt.Sprintf("All platforms failed. Last error: %s. Tried: %s",
		last, strings.Join(e.Tried, ", "))
}

func (e *AllPlatformsExhaustedError) Unwrap() error { return e.LastErr }

// ContextNotFoundError signals a missing handoff context. A dependent task
// cannot proceed without its predecessor's context, so this is always fatal.
type ContextNotFoundError struct {
	ID string
}

func (e *ContextNotFoundError) Error() string {
	return fmt.Sprintf("handoff context not found: %s", e.ID)
}

// transienter lets external adapter errors carry their own retryability flag
// without this package importing the adapter contract.
type transienter interface {
	Transient() bool
}

// IsTransient reports whether an error is safe to retry on the same service.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var transientErr *TransientError
	if errors.As(err, &transientErr) {
		return true
	}
	var permanentErr *PermanentError
	if errors.As(err, &permanentErr) {
		return false
	}
	var quotaErr *QuotaExceededError
	if errors.As(err, &quotaErr) {
		// Fail fast: exhausted quota means fallback, not retry.
		return false
	}

	var flagged transienter
	if errors.As(err, &flagged) {
		return flagged.Transient()
	}

	if isNetworkError(err) || isSyscallError(err) {
		return true
	}

	return matchesTransientPattern(err)
}

// IsQuotaExceeded reports whether err is a quota exhaustion signal.
func IsQuotaExceeded(err error) bool {
	var quotaErr *QuotaExceededError
	return errors.As(err, &quotaErr)
}

// IsNoServiceAvailable reports whether routing ran out of viable services.
func IsNoServiceAvailable(err error) bool {
	var noSvc *NoServiceAvailableError
	return errors.As(err, &noSvc)
}

// IsAllPlatformsExhausted reports whether a task ran out of fallback targets.
func IsAllPlatformsExhausted(err error) bool {
	var exhausted *AllPlatformsExhaustedError
	return errors.As(err, &exhausted)
}

// IsContextNotFound reports whether err is a missing-handoff signal.
func IsContextNotFound(err error) bool {
	var notFound *ContextNotFoundError
	return errors.As(err, &notFound)
}

// Classify maps an adapter failure to a retry class. Unknown errors default to
// fatal to avoid infinite retries against a broken service.
func Classify(err error) Class {
	if IsTransient(err) {
		return ClassRetryable
	}
	return ClassFatal
}

// matchesTransientPattern sniffs plain adapter errors for rate-limit, timeout,
// and 5xx markers. Adapters are external and not all of them wrap errors in
// our types.
func matchesTransientPattern(err error) bool {
	lowerErr := strings.ToLower(err.Error())
	patterns := []string{
		"429", "rate limit",
		"500", "internal server error",
		"502", "bad gateway",
		"503", "service unavailable",
		"504", "gateway timeout",
		"timeout", "deadline exceeded",
		"connection refused", "connection reset", "broken pipe",
	}
	for _, pattern := range patterns {
		if strings.Contains(lowerErr, pattern) {
			return true
		}
	}
	return false
}

func isNetworkError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.Temporary()
	}
	return false
}

func isSyscallError(err error) bool {
	var syscallErr syscall.Errno
	if errors.As(err, &syscallErr) {
		switch syscallErr {
		case syscall.ECONNREFUSED, syscall.ECONNRESET, syscall.EPIPE,
			syscall.ETIMEDOUT, syscall.ENETUNREACH, syscall.EHOSTUNREACH:
			return true
		}
	}
	return false
}

// NewTransientError wraps err as retryable with a caller-facing message.
func NewTransientError(err error, message string) *TransientError {
	return &TransientError{Err: err, Message: message}
}

// NewPermanentError wraps err as non-retryable with a caller-facing message.
func NewPermanentError(err error, message string) *PermanentError {
	return &PermanentError{Err: err, Message: message}
}
