package entitlement

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// CircuitBreakerState represents the current state of the circuit breaker.
type CircuitBreakerState string

const (
	StateClosed   CircuitBreakerState = "closed"
	StateOpen     CircuitBreakerState = "open"
	StateHalfOpen CircuitBreakerState = "half_open"
)

// ErrCircuitOpen is returned without calling storage while the breaker is open
var ErrCircuitOpen = fmt.Errorf("%w: circuit breaker is open", ErrStorageUnavailable)

// CircuitBreaker defines the interface for a circuit breaker.
type CircuitBreaker interface {
	// Execute executes the given function within the circuit breaker.
	Execute(ctx context.Context, fn func() error) error
	// State returns the current state of the circuit breaker.
	State() CircuitBreakerState
}

// DefaultCircuitBreaker opens after a run of consecutive infrastructure
// failures and lets a trial call through once resetTimeout has passed.
// Domain outcomes (unknown user, duplicate email, bad input) never count as failures.
type DefaultCircuitBreaker struct {
	mu sync.RWMutex

	state               CircuitBreakerState
	failureThreshold    int
	resetTimeout        time.Duration
	consecutiveFailures int
	lastFailureTime     time.Time
	trialing            bool
	now                 func() time.Time

	onStateChange func(state CircuitBreakerState)
}

// NewDefaultCircuitBreaker creates a new default circuit breaker.
func NewDefaultCircuitBreaker(failureThreshold int, resetTimeout time.Duration,
	onStateChange func(state CircuitBreakerState)) *DefaultCircuitBreaker {
	if failureThreshold <= 0 {
		failureThreshold = 5
	}
	if resetTimeout <= 0 {
		resetTimeout = 30 * time.Second
	}
	return &DefaultCircuitBreaker{
		state:            StateClosed,
		failureThreshold: failureThreshold,
		resetTimeout:     resetTimeout,
		now:              time.Now,
		onStateChange:    onStateChange,
	}
}

func (cb *DefaultCircuitBreaker) State() CircuitBreakerState {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.currentState()
}

func (cb *DefaultCircuitBreaker) currentState() CircuitBreakerState {
	if cb.state == StateOpen && cb.now().Sub(cb.lastFailureTime) >= cb.resetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

func (cb *DefaultCircuitBreaker) Execute(_ context.Context, fn func() error) error {
	trial, err := cb.admit()
	if err != nil {
		return err
	}
	if trial {
		defer cb.endTrial()
	}

	err = fn()
	if err != nil && countsAsFailure(err) {
		cb.failure()
		return err
	}

	cb.success()
	return err
}

// admit decides whether a call may run. In half-open state only one call,
// the trial, is let through until it reports back.
func (cb *DefaultCircuitBreaker) admit() (trial bool, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.currentState() {
	case StateOpen:
		return false, ErrCircuitOpen
	case StateHalfOpen:
		if cb.trialing {
			return false, ErrCircuitOpen
		}
		cb.trialing = true
		return true, nil
	default:
		return false, nil
	}
}

func (cb *DefaultCircuitBreaker) endTrial() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.trialing = false
}

// countsAsFailure separates infrastructure failures from domain answers
func countsAsFailure(err error) bool {
	switch {
	case errors.Is(err, ErrUserNotFound),
		errors.Is(err, ErrDuplicateEmail),
		errors.Is(err, ErrValidation),
		errors.Is(err, context.Canceled):
		return false
	default:
		return true
	}
}

func (cb *DefaultCircuitBreaker) success() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state != StateClosed {
		cb.changeState(StateClosed)
	}
	cb.consecutiveFailures = 0
}

func (cb *DefaultCircuitBreaker) failure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	// A failed trial reopens immediately.
	halfOpen := cb.currentState() == StateHalfOpen

	cb.consecutiveFailures++
	cb.lastFailureTime = cb.now()

	if halfOpen || (cb.state == StateClosed && cb.consecutiveFailures >= cb.failureThreshold) {
		cb.state = StateClosed // force a transition notification on reopen
		cb.changeState(StateOpen)
	}
}

func (cb *DefaultCircuitBreaker) changeState(newState CircuitBreakerState) {
	if cb.state != newState {
		cb.state = newState
		if cb.onStateChange != nil {
			cb.onStateChange(newState)
		}
	}
}

// CircuitBreakerStorage wraps a Storage implementation with circuit breaker protection.
type CircuitBreakerStorage struct {
	storage Storage
	cb      CircuitBreaker
}

var _ Storage = (*CircuitBreakerStorage)(nil)

// NewCircuitBreakerStorage creates a new storage wrapper with circuit breaker.
func NewCircuitBreakerStorage(storage Storage, cb CircuitBreaker) *CircuitBreakerStorage {
	return &CircuitBreakerStorage{
		storage: storage,
		cb:      cb,
	}
}

func (s *CircuitBreakerStorage) CreateUser(ctx context.Context, user *User) error {
	return s.cb.Execute(ctx, func() error {
		return s.storage.CreateUser(ctx, user)
	})
}

func (s *CircuitBreakerStorage) GetUser(ctx context.Context, email string) (*User, error) {
	var user *User
	err := s.cb.Execute(ctx, func() error {
		var e error
		user, e = s.storage.GetUser(ctx, email)
		return e
	})
	return user, err
}

func (s *CircuitBreakerStorage) GetUserByCustomerRef(ctx context.Context, customerRef string) (*User, error) {
	var user *User
	err := s.cb.Execute(ctx, func() error {
		var e error
		user, e = s.storage.GetUserByCustomerRef(ctx, customerRef)
		return e
	})
	return user, err
}

func (s *CircuitBreakerStorage) UpdateEntitlement(ctx context.Context, email string, fn Mutation) (*User, error) {
	var user *User
	err := s.cb.Execute(ctx, func() error {
		var e error
		user, e = s.storage.UpdateEntitlement(ctx, email, fn)
		return e
	})
	return user, err
}
