package goentitle

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestStoreBreaker(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	var transitions []CircuitBreakerState
	cb := NewStoreBreaker(CircuitBreakerConfig{FailureThreshold: 3, ResetTimeout: time.Minute}, clock.now,
		func(state CircuitBreakerState) { transitions = append(transitions, state) })

	ctx := context.Background()
	fail := func() error { return errors.New("dial tcp: connection refused") }
	ok := func() error { return nil }

	assert.Equal(t, StateClosed, cb.State())
	for i := 0; i < 2; i++ {
		assert.Error(t, cb.Execute(ctx, fail))
		assert.Equal(t, StateClosed, cb.State())
	}
	assert.Error(t, cb.Execute(ctx, fail))
	assert.Equal(t, StateOpen, cb.State())

	calls := 0
	err := cb.Execute(ctx, func() error { calls++; return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.ErrorIs(t, err, ErrStorageUnavailable)
	assert.Zero(t, calls)

	clock.advance(time.Minute)
	assert.Equal(t, StateHalfOpen, cb.State())
	require.NoError(t, cb.Execute(ctx, ok))
	assert.Equal(t, StateClosed, cb.State())

	for i := 0; i < 3; i++ {
		_ = cb.Execute(ctx, fail)
	}
	clock.advance(time.Minute)
	err = cb.Execute(ctx, fail)
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, StateOpen, cb.State())

	// the failed trial call restarted the window
	clock.advance(30 * time.Second)
	assert.ErrorIs(t, cb.Execute(ctx, ok), ErrCircuitOpen)

	assert.Equal(t, []CircuitBreakerState{
		StateOpen, StateHalfOpen, StateClosed,
		StateOpen, StateHalfOpen, StateOpen,
	}, transitions)
}

func TestStoreBreaker_SingleTrialCall(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	cb := NewStoreBreaker(CircuitBreakerConfig{FailureThreshold: 1, ResetTimeout: time.Second}, clock.now, nil)
	ctx := context.Background()

	_ = cb.Execute(ctx, func() error { return ErrTransientStore })
	clock.advance(time.Second)

	var concurrent error
	err := cb.Execute(ctx, func() error {
		concurrent = cb.Execute(ctx, func() error { return nil })
		return nil
	})
	require.NoError(t, err)
	assert.ErrorIs(t, concurrent, ErrCircuitOpen)
	assert.Equal(t, StateClosed, cb.State())
}

func TestStoreBreaker_IgnoresEventErrors(t *testing.T) {
	cb := NewStoreBreaker(CircuitBreakerConfig{FailureThreshold: 1, ResetTimeout: time.Hour}, nil, nil)
	ctx := context.Background()

	for _, err := range []error{
		Permanent("negative amount", ErrInvalidAmount),
		ErrEntitlementNotFound,
		context.Canceled,
	} {
		got := cb.Execute(ctx, func() error { return err })
		assert.ErrorIs(t, got, err)
		assert.Equal(t, StateClosed, cb.State())
	}
}

func TestNewStoreBreaker_Defaults(t *testing.T) {
	cb := NewStoreBreaker(CircuitBreakerConfig{}, nil, nil)
	assert.Equal(t, defaultFailureThreshold, cb.limit)
	assert.Equal(t, defaultResetTimeout, cb.cooldown)
}
