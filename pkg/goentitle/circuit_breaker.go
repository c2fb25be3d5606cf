package goentitle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// CircuitBreakerState is the position of a StoreBreaker.
type CircuitBreakerState string

const (
	StateClosed   CircuitBreakerState = "closed"
	StateOpen     CircuitBreakerState = "open"
	StateHalfOpen CircuitBreakerState = "half_open"
)

// ErrCircuitOpen is returned while the store is considered down. It is always
// joined with ErrStorageUnavailable, so the coordinator answers 500 and the
// processor redelivers later.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitBreaker guards calls into a Storage.
type CircuitBreaker interface {
	// Execute runs fn unless the breaker is rejecting calls.
	Execute(ctx context.Context, fn func() error) error
	// State returns the current state of the breaker.
	State() CircuitBreakerState
}

// StoreBreaker stops a failing store from being hammered by webhook
// redeliveries. Only failures a redelivery might fix are counted: transient
// store errors. Permanent data errors, not-found reads and caller
// cancellation say nothing about the store's health and reset the count.
//
// After ResetTimeout an open breaker lets exactly one call through. Its
// result closes the breaker or restarts the open window; other calls made
// while it runs are rejected.
type StoreBreaker struct {
	mu sync.Mutex

	cooldown time.Duration
	limit    int
	now      func() time.Time
	notify   func(CircuitBreakerState)

	state    CircuitBreakerState
	failures int
	openedAt time.Time
	trialing bool
}

// NewStoreBreaker builds a closed breaker from config. onStateChange, if set,
// is called with the mutex held on every transition.
func NewStoreBreaker(config CircuitBreakerConfig, clock func() time.Time,
	onStateChange func(CircuitBreakerState)) *StoreBreaker {
	if clock == nil {
		clock = time.Now
	}
	limit := config.FailureThreshold
	if limit <= 0 {
		limit = defaultFailureThreshold
	}
	cooldown := config.ResetTimeout
	if cooldown <= 0 {
		cooldown = defaultResetTimeout
	}
	return &StoreBreaker{
		cooldown: cooldown,
		limit:    limit,
		now:      clock,
		notify:   onStateChange,
		state:    StateClosed,
	}
}

func (b *StoreBreaker) State() CircuitBreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.cooledDown() {
		return StateHalfOpen
	}
	return b.state
}

func (b *StoreBreaker) Execute(_ context.Context, fn func() error) error {
	trial, err := b.admit()
	if err != nil {
		return err
	}

	err = fn()
	b.record(trial, err != nil && storeFailure(err))
	return err
}

// admit decides whether a call may reach the store and whether it is the
// half-open trial call.
func (b *StoreBreaker) admit() (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return false, nil
	case StateOpen:
		if !b.cooledDown() {
			wait := b.openedAt.Add(b.cooldown).Sub(b.now())
			return false, fmt.Errorf("%w: %w (retry in %s)", ErrStorageUnavailable, ErrCircuitOpen, wait.Round(time.Millisecond))
		}
		b.transition(StateHalfOpen)
	}

	if b.trialing {
		return false, fmt.Errorf("%w: %w (trial call in flight)", ErrStorageUnavailable, ErrCircuitOpen)
	}
	b.trialing = true
	return true, nil
}

func (b *StoreBreaker) record(trial, failed bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if trial {
		b.trialing = false
	} else if b.state != StateClosed {
		// a call admitted before the breaker opened does not decide its state
		return
	}
	if !failed {
		b.failures = 0
		b.transition(StateClosed)
		return
	}

	b.failures++
	if trial || b.failures >= b.limit {
		b.openedAt = b.now()
		b.transition(StateOpen)
	}
}

func (b *StoreBreaker) cooledDown() bool {
	return !b.now().Before(b.openedAt.Add(b.cooldown))
}

func (b *StoreBreaker) transition(to CircuitBreakerState) {
	if b.state == to {
		return
	}
	b.state = to
	if b.notify != nil {
		b.notify(to)
	}
}

// storeFailure reports whether err says the store itself is unhealthy.
func storeFailure(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, ErrEntitlementNotFound) {
		return false
	}
	return IsTransient(err)
}

var _ CircuitBreaker = (*StoreBreaker)(nil)
