// Package guard provides a circuit breaker for store round-trips.
package guard

import (
	"sync/atomic"
	"time"
)

// CircuitState represents breaker state.
type CircuitState int32

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

// CircuitOptions configures breaker thresholds.
type CircuitOptions struct {
	FailureThreshold int64         `yaml:"failureThreshold"`
	OpenDuration     time.Duration `yaml:"openDuration"`
	HalfOpenMaxCalls int64         `yaml:"halfOpenMaxCalls"`
}

// CircuitBreaker tracks store failures and sheds calls while open.
type CircuitBreaker struct {
	state            atomic.Int32
	openUntil        atomic.Int64
	failures         atomic.Int64
	halfOpenInFlight atomic.Int64
	opts             CircuitOptions
	now              func() time.Time
}

// NewCircuitBreaker constructs a breaker with defaults.
func NewCircuitBreaker(opts CircuitOptions) *CircuitBreaker {
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = 10
	}
	if opts.OpenDuration <= 0 {
		opts.OpenDuration = 500 * time.Millisecond
	}
	if opts.HalfOpenMaxCalls <= 0 {
		opts.HalfOpenMaxCalls = 5
	}
	cb := &CircuitBreaker{opts: opts, now: time.Now}
	cb.state.Store(int32(CircuitClosed))
	return cb
}

// Allow reports whether the call should proceed.
func (cb *CircuitBreaker) Allow() bool {
	if cb == nil {
		return true
	}
	switch CircuitState(cb.state.Load()) {
	case CircuitClosed:
		return true
	case CircuitOpen:
		if cb.now().UnixNano() >= cb.openUntil.Load() {
			cb.state.Store(int32(CircuitHalfOpen))
			cb.halfOpenInFlight.Store(0)
			return true
		}
		return false
	case CircuitHalfOpen:
		inFlight := cb.halfOpenInFlight.Add(1)
		if inFlight <= cb.opts.HalfOpenMaxCalls {
			return true
		}
		cb.halfOpenInFlight.Add(-1)
		return false
	default:
		return true
	}
}

// OnSuccess records a successful call.
func (cb *CircuitBreaker) OnSuccess() {
	if cb == nil {
		return
	}
	state := CircuitState(cb.state.Load())
	if state == CircuitHalfOpen {
		cb.halfOpenInFlight.Add(-1)
		cb.failures.Store(0)
		cb.state.Store(int32(CircuitClosed))
		return
	}
	if state == CircuitClosed {
		cb.failures.Store(0)
	}
}

// OnFailure records a failure and updates state.
func (cb *CircuitBreaker) OnFailure() {
	if cb == nil {
		return
	}
	state := CircuitState(cb.state.Load())
	if state == CircuitHalfOpen {
		cb.halfOpenInFlight.Add(-1)
		cb.failures.Store(cb.opts.FailureThreshold)
		cb.openUntil.Store(cb.now().Add(cb.opts.OpenDuration).UnixNano())
		cb.state.Store(int32(CircuitOpen))
		return
	}
	failures := cb.failures.Add(1)
	if failures >= cb.opts.FailureThreshold {
		cb.openUntil.Store(cb.now().Add(cb.opts.OpenDuration).UnixNano())
		cb.state.Store(int32(CircuitOpen))
	}
}

// State returns the current breaker state.
func (cb *CircuitBreaker) State() CircuitState {
	if cb == nil {
		return CircuitClosed
	}
	return CircuitState(cb.state.Load())
}
