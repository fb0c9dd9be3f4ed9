// Package reconnect implements the daemon's bounded exponential backoff
// reconnect policy.
package reconnect

import (
	"context"
	"math"
	"time"

	"github.com/jonboulle/clockwork"
)

// Policy is the exponential backoff reconnect policy: delay(attempt) =
// min(initial * multiplier^attempt, max). attempt is 0-indexed.
type Policy struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	// MaxAttempts caps the number of retries; zero means unbounded.
	MaxAttempts uint32

	Clock clockwork.Clock
}

// DefaultPolicy returns initial=1s, multiplier=2, max=60s, attempts=unbounded.
func DefaultPolicy() Policy {
	return Policy{
		Initial:    time.Second,
		Max:        60 * time.Second,
		Multiplier: 2,
		Clock:      clockwork.NewRealClock(),
	}
}

// Delay returns the delay before the given 0-indexed attempt.
func (p Policy) Delay(attempt uint32) time.Duration {
	base := float64(p.Initial)
	d := base * math.Pow(p.Multiplier, float64(attempt))
	maxF := float64(p.Max)
	if d > maxF {
		d = maxF
	}
	return time.Duration(d)
}

// ShouldRetry reports whether another attempt should be made after the
// given 0-indexed attempt count has already failed.
func (p Policy) ShouldRetry(attempt uint32) bool {
	if p.MaxAttempts == 0 {
		return true
	}
	return attempt < p.MaxAttempts
}

// clock returns the configured clock, defaulting to the real clock so a
// zero-value Policy is still usable.
func (p Policy) clock() clockwork.Clock {
	if p.Clock != nil {
		return p.Clock
	}
	return clockwork.NewRealClock()
}

// Run calls connect repeatedly, backing off between failures, until
// connect succeeds (nil error), ctx is cancelled, or the attempt budget is
// exhausted. onAttempt, if non-nil, is invoked before each attempt with
// its 0-indexed number — callers use it to log or to test without waiting
// for real delays by supplying a clockwork.FakeClock and advancing it from
// a separate goroutine.
func Run(ctx context.Context, p Policy, onAttempt func(attempt uint32), connect func(ctx context.Context) error) error {
	clock := p.clock()
	var attempt uint32
	for {
		if onAttempt != nil {
			onAttempt(attempt)
		}
		err := connect(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !p.ShouldRetry(attempt) {
			return err
		}

		delay := p.Delay(attempt)
		timer := clock.NewTimer(delay)
		select {
		case <-timer.Chan():
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
		attempt++
	}
}
