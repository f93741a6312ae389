package errors

import (
	"testing"
	"time"
)

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	cb := NewCircuitBreaker("gemini", CircuitBreakerConfig{FailureThreshold: 3})

	for i := 0; i < 2; i++ {
		cb.RecordFailure()
	}
	if cb.State() != StateClosed {
		t.Fatalf("expected closed below threshold, got %v", cb.State())
	}
	if !cb.Allow() {
		t.Fatalf("closed breaker must allow")
	}

	cb.RecordFailure()
	if cb.State() != StateOpen {
		t.Fatalf("expected open at threshold, got %v", cb.State())
	}
	if cb.Allow() {
		t.Fatalf("open breaker must block")
	}
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	cb := NewCircuitBreaker("gemini", CircuitBreakerConfig{FailureThreshold: 2})

	cb.RecordFailure()
	cb.RecordSuccess()
	cb.RecordFailure()
	if cb.State() != StateClosed {
		t.Fatalf("non-consecutive failures must not open the breaker")
	}
}

func TestBreakerHalfOpenProbeAndRecovery(t *testing.T) {
	now := time.Now()
	cb := NewCircuitBreaker("gemini", CircuitBreakerConfig{
		FailureThreshold: 1,
		SuccessThreshold: 2,
		Timeout:          30 * time.Second,
	})
	cb.now = func() time.Time { return now }

	cb.RecordFailure()
	if cb.Allow() {
		t.Fatalf("expected open breaker to block before timeout")
	}

	now = now.Add(31 * time.Second)
	if !cb.Allow() {
		t.Fatalf("expected probe allowed after timeout")
	}
	if cb.State() != StateHalfOpen {
		t.Fatalf("expected half-open, got %v", cb.State())
	}

	cb.RecordSuccess()
	if cb.State() != StateHalfOpen {
		t.Fatalf("one success should not yet close, got %v", cb.State())
	}
	cb.RecordSuccess()
	if cb.State() != StateClosed {
		t.Fatalf("expected closed after success threshold, got %v", cb.State())
	}
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	now := time.Now()
	cb := NewCircuitBreaker("gemini", CircuitBreakerConfig{FailureThreshold: 1, Timeout: time.Second})
	cb.now = func() time.Time { return now }

	cb.RecordFailure()
	now = now.Add(2 * time.Second)
	if !cb.Allow() {
		t.Fatalf("expected probe allowed")
	}
	cb.RecordFailure()
	if cb.State() != StateOpen {
		t.Fatalf("expected reopen on half-open failure, got %v", cb.State())
	}
}

func TestBreakerStateChangeCallback(t *testing.T) {
	var transitions []string
	cb := NewCircuitBreaker("gemini", CircuitBreakerConfig{
		FailureThreshold: 1,
		OnStateChange: func(from, to CircuitState, name string) {
			transitions = append(transitions, from.String()+"->"+to.String())
		},
	})

	cb.RecordFailure()
	if len(transitions) != 1 || transitions[0] != "closed->open" {
		t.Fatalf("unexpected transitions: %v", transitions)
	}
}
