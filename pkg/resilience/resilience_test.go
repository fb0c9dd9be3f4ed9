package resilience

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errDial = errors.New("dial tcp: connection refused")

func TestCircuitBreakerOpensAfterConsecutiveDialFailures(t *testing.T) {
	clock := clockwork.NewFakeClock()
	cb := NewCircuitBreaker(CircuitBreakerConfig{Name: "tunnelclient:m1", MaxFailures: 3, ResetTimeout: 30 * time.Second, Clock: clock})

	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, cb.Execute(func() error { return errDial }), errDial)
	}
	assert.Equal(t, CircuitOpen, cb.State())

	err := cb.Execute(func() error {
		t.Fatal("open breaker must not run the dial")
		return nil
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tunnelclient:m1")
}

func TestCircuitBreakerHalfOpenProbeCloses(t *testing.T) {
	clock := clockwork.NewFakeClock()
	cb := NewCircuitBreaker(CircuitBreakerConfig{Name: "tunnelclient:m1", MaxFailures: 1, ResetTimeout: 30 * time.Second, Clock: clock})

	require.Error(t, cb.Execute(func() error { return errDial }))
	assert.Equal(t, CircuitOpen, cb.State())

	clock.Advance(30 * time.Second)
	assert.Equal(t, CircuitHalfOpen, cb.State())

	require.NoError(t, cb.Execute(func() error { return nil }))
	assert.Equal(t, CircuitClosed, cb.State())
}

func TestCircuitBreakerHalfOpenProbeFailureReopens(t *testing.T) {
	clock := clockwork.NewFakeClock()
	cb := NewCircuitBreaker(CircuitBreakerConfig{Name: "tunnelclient:m1", MaxFailures: 1, ResetTimeout: 30 * time.Second, Clock: clock})

	require.Error(t, cb.Execute(func() error { return errDial }))
	clock.Advance(30 * time.Second)

	require.Error(t, cb.Execute(func() error { return errDial }))
	assert.Equal(t, CircuitOpen, cb.State())
}

func TestCircuitBreakerSuccessResetsFailureCount(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{Name: "tunnelclient:m1", MaxFailures: 2})

	require.Error(t, cb.Execute(func() error { return errDial }))
	require.NoError(t, cb.Execute(func() error { return nil }))
	require.Error(t, cb.Execute(func() error { return errDial }))
	assert.Equal(t, CircuitClosed, cb.State(), "non-consecutive failures must not trip the breaker")
}

func TestIsBusy(t *testing.T) {
	assert.True(t, IsBusy(fmt.Errorf("database is locked (5) (SQLITE_BUSY)")))
	assert.True(t, IsBusy(fmt.Errorf("relaystore: buffer message: %w", errors.New("SQLITE_BUSY"))))
	assert.False(t, IsBusy(errors.New("UNIQUE constraint failed: users.username")))
	assert.False(t, IsBusy(nil))
}

func TestBusyRetryRecoversFromTransientLock(t *testing.T) {
	p := BusyRetry()
	p.Delay = 0

	calls := 0
	err := p.Do(context.Background(), func() error {
		calls++
		if calls < 3 {
			return errors.New("database is locked (5) (SQLITE_BUSY)")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestBusyRetryStopsOnNonRetriableError(t *testing.T) {
	p := BusyRetry()
	p.Delay = 0

	calls := 0
	wantErr := errors.New("UNIQUE constraint failed: machines.machine_id")
	err := p.Do(context.Background(), func() error {
		calls++
		return wantErr
	})
	assert.ErrorIs(t, err, wantErr)
	assert.Equal(t, 1, calls, "a constraint violation is not worth retrying")
}

func TestBusyRetryExhaustsAttempts(t *testing.T) {
	p := BusyRetry()
	p.Delay = 0

	calls := 0
	err := p.Do(context.Background(), func() error {
		calls++
		return errors.New("database is locked")
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryPolicyHonoursContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := RetryPolicy{MaxAttempts: 5, Delay: time.Hour, Retriable: func(error) bool { return true }}
	err := p.Do(ctx, func() error { return errors.New("database is locked") })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRateLimiterBurstThenRefill(t *testing.T) {
	clock := clockwork.NewFakeClock()
	rl := newRateLimiter(10, 2, clock)

	assert.True(t, rl.Allow())
	assert.True(t, rl.Allow())
	assert.False(t, rl.Allow(), "burst exhausted")

	clock.Advance(100 * time.Millisecond)
	assert.True(t, rl.Allow(), "one token refilled at 10/s")
	assert.False(t, rl.Allow())
}

func TestRateLimiterNeverExceedsBurst(t *testing.T) {
	clock := clockwork.NewFakeClock()
	rl := newRateLimiter(10, 2, clock)

	clock.Advance(time.Hour)
	assert.True(t, rl.Allow())
	assert.True(t, rl.Allow())
	assert.False(t, rl.Allow())
}

func TestBulkheadCapsInFlightStreams(t *testing.T) {
	b := NewBulkhead(2)

	require.True(t, b.TryAcquire())
	require.True(t, b.TryAcquire())
	assert.False(t, b.TryAcquire(), "third concurrent stream rejected")
	assert.Equal(t, 2, b.InFlight())

	b.Release()
	assert.True(t, b.TryAcquire())
}
