package utils

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errDown = errors.New("directory down")

type fakeClock struct{ t time.Time }

func (f *fakeClock) now() time.Time          { return f.t }
func (f *fakeClock) advance(d time.Duration) { f.t = f.t.Add(d) }

func TestCircuitBreakerOpensAfterMaxFailures(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	cb := NewCircuitBreaker(2, time.Minute, WithClock(clock.now))

	assert.ErrorIs(t, cb.Call(func() error { return errDown }), errDown)
	assert.Equal(t, StateClosed, cb.GetState())
	assert.ErrorIs(t, cb.Call(func() error { return errDown }), errDown)
	assert.Equal(t, StateOpen, cb.GetState())

	called := false
	err := cb.Call(func() error { called = true; return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)
}

func TestCircuitBreakerHalfOpenRecovery(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	cb := NewCircuitBreaker(1, time.Minute, WithClock(clock.now))

	require.ErrorIs(t, cb.Call(func() error { return errDown }), errDown)
	require.Equal(t, StateOpen, cb.GetState())

	// a failed probe reopens the circuit
	clock.advance(2 * time.Minute)
	assert.ErrorIs(t, cb.Call(func() error { return errDown }), errDown)
	assert.Equal(t, StateOpen, cb.GetState())

	clock.advance(2 * time.Minute)
	assert.NoError(t, cb.Call(func() error { return nil }))
	assert.Equal(t, StateClosed, cb.GetState())
}

func TestCircuitBreakerSuccessfulErrors(t *testing.T) {
	errMiss := errors.New("not found")
	cb := NewCircuitBreaker(1, time.Minute, WithSuccessfulErrors(func(err error) bool {
		return errors.Is(err, errMiss)
	}))

	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, cb.Call(func() error { return errMiss }), errMiss)
	}
	assert.Equal(t, StateClosed, cb.GetState())
	assert.True(t, cb.IsSuccessful(nil))
	assert.False(t, cb.IsSuccessful(errDown))

	_ = cb.Call(func() error { return errDown })
	assert.Equal(t, StateOpen, cb.GetState())
	cb.Reset()
	assert.Equal(t, StateClosed, cb.GetState())
}
