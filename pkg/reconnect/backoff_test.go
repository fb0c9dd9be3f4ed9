package reconnect

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

func TestDelayScheduleDoublesUntilCap(t *testing.T) {
	p := DefaultPolicy()
	expected := []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second,
		8 * time.Second, 16 * time.Second, 32 * time.Second,
		60 * time.Second, 60 * time.Second,
	}
	for i, want := range expected {
		require.Equal(t, want, p.Delay(uint32(i)), "attempt %d", i)
	}
}

func TestDelayMonotonicNonDecreasingAndBounded(t *testing.T) {
	p := DefaultPolicy()
	var prev time.Duration
	for i := uint32(0); i < 50; i++ {
		d := p.Delay(i)
		require.GreaterOrEqual(t, d, prev)
		require.LessOrEqual(t, d, p.Max)
		prev = d
	}
}

func TestShouldRetryUnbounded(t *testing.T) {
	p := DefaultPolicy()
	require.True(t, p.ShouldRetry(0))
	require.True(t, p.ShouldRetry(1000))
}

func TestShouldRetryBounded(t *testing.T) {
	p := DefaultPolicy()
	p.MaxAttempts = 3
	require.True(t, p.ShouldRetry(0))
	require.True(t, p.ShouldRetry(2))
	require.False(t, p.ShouldRetry(3))
}

func TestRunSucceedsAfterRetriesWithFakeClock(t *testing.T) {
	clock := clockwork.NewFakeClock()
	p := DefaultPolicy()
	p.Clock = clock

	attempts := 0
	done := make(chan error, 1)

	go func() {
		done <- Run(context.Background(), p, nil, func(ctx context.Context) error {
			attempts++
			if attempts < 3 {
				return errors.New("not yet")
			}
			return nil
		})
	}()

	// Advance the fake clock past the first two backoff delays (1s, 2s).
	clock.BlockUntil(1)
	clock.Advance(time.Second)
	clock.BlockUntil(1)
	clock.Advance(2 * time.Second)

	err := <-done
	require.NoError(t, err)
	require.Equal(t, 3, attempts)
}

func TestRunStopsOnContextCancel(t *testing.T) {
	clock := clockwork.NewFakeClock()
	p := DefaultPolicy()
	p.Clock = clock

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Run(ctx, p, nil, func(ctx context.Context) error {
			return errors.New("always fails")
		})
	}()

	clock.BlockUntil(1)
	cancel()

	err := <-done
	require.ErrorIs(t, err, context.Canceled)
}
