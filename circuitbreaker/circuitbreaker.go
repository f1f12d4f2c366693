package circuitbreaker

import (
	"errors"
	"sync"
	"time"
)

var ErrCircuitOpen = errors.New("circuit breaker is open")

// Breaker is the contract the payment client drives: gate on IsOpen, report
// every outcome. Implementations must be safe for concurrent use.
type Breaker interface {
	IsOpen() bool
	RecordFailure()
	RecordSuccess()
}

// CircuitBreaker counts consecutive failures against a single remote
// dependency. All failures count identically: it protects against a
// systemically unavailable dependency, not against individual bad requests.
type CircuitBreaker struct {
	failureThreshold int
	resetTimeout     time.Duration

	mu           sync.Mutex
	failureCount int
	open         bool
	openUntil    time.Time
}

func NewCircuitBreaker(failureThreshold int, resetTimeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		failureThreshold: failureThreshold,
		resetTimeout:     resetTimeout,
	}
}

// IsOpen reports whether calls should fail fast. Once openUntil has elapsed
// the breaker closes itself and resets the failure count; the next call goes
// through as the trial.
func (cb *CircuitBreaker) IsOpen() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if !cb.open {
		return false
	}
	if time.Now().Before(cb.openUntil) {
		return true
	}

	cb.open = false
	cb.failureCount = 0
	return false
}

func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failureCount++
	if cb.failureCount >= cb.failureThreshold {
		cb.open = true
		cb.openUntil = time.Now().Add(cb.resetTimeout)
	}
}

func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failureCount = 0
	cb.open = false
}

// FailureCount returns the current consecutive-failure count.
func (cb *CircuitBreaker) FailureCount() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failureCount
}
