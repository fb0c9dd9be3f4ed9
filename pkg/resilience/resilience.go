// Package resilience holds the fault-absorbing primitives the tunnel
// fabric leans on: a circuit breaker around the daemon's relay dials
// (pkg/tunnelclient), a busy-retry policy for contended embedded-store
// writes (pkg/relaystore, pkg/daemonstore), and the rate limit and
// concurrency bulkhead guarding the relay's forward path (pkg/relay).
// Conditions these absorb are recoverable by definition and never
// surface as classified errors.
package resilience

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// CircuitState is the breaker's position: closed (calls flow), open
// (calls rejected), or half-open (one probe call allowed through).
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig configures a CircuitBreaker.
type CircuitBreakerConfig struct {
	// Name identifies the breaker in logs and state-change callbacks.
	Name string
	// MaxFailures is how many consecutive failures trip the breaker open.
	MaxFailures int
	// ResetTimeout is how long the breaker stays open before admitting a
	// single half-open probe.
	ResetTimeout time.Duration
	// OnStateChange, if set, is invoked on every transition.
	OnStateChange func(name string, from, to CircuitState)

	Clock clockwork.Clock
}

// CircuitBreaker fails fast during a sustained outage of its protected
// dependency instead of hammering it on every attempt. The daemon wraps
// each relay dial in one so a relay that is down for minutes costs one
// rejected call per backoff tick, not a full dial timeout.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig

	mu          sync.Mutex
	state       CircuitState
	consecutive int
	openedAt    time.Time
	probeInFlight bool
}

// NewCircuitBreaker constructs a closed breaker. Zero MaxFailures and
// ResetTimeout default to 5 failures and 30s.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return &CircuitBreaker{cfg: cfg, state: CircuitClosed}
}

// Execute runs fn unless the breaker is open. While open, calls fail
// immediately with an error naming the breaker; after ResetTimeout one
// probe call is admitted, and its outcome decides whether the breaker
// closes again or re-opens.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if err := cb.admit(); err != nil {
		return err
	}
	err := fn()
	cb.settle(err)
	return err
}

// State reports the breaker's current position, accounting for an open
// breaker whose reset timeout has lapsed.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == CircuitOpen && cb.cfg.Clock.Since(cb.openedAt) >= cb.cfg.ResetTimeout {
		cb.moveTo(CircuitHalfOpen)
	}
	return cb.state
}

func (cb *CircuitBreaker) admit() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitOpen && cb.cfg.Clock.Since(cb.openedAt) >= cb.cfg.ResetTimeout {
		cb.moveTo(CircuitHalfOpen)
	}

	switch cb.state {
	case CircuitClosed:
		return nil
	case CircuitOpen:
		return fmt.Errorf("resilience: circuit %s is open", cb.cfg.Name)
	default: // CircuitHalfOpen
		if cb.probeInFlight {
			return fmt.Errorf("resilience: circuit %s is half-open, probe already in flight", cb.cfg.Name)
		}
		cb.probeInFlight = true
		return nil
	}
}

func (cb *CircuitBreaker) settle(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err == nil {
		cb.consecutive = 0
		if cb.state == CircuitHalfOpen {
			cb.moveTo(CircuitClosed)
		}
		return
	}

	cb.consecutive++
	if cb.state == CircuitHalfOpen || cb.consecutive >= cb.cfg.MaxFailures {
		cb.openedAt = cb.cfg.Clock.Now()
		cb.moveTo(CircuitOpen)
	}
}

func (cb *CircuitBreaker) moveTo(to CircuitState) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	cb.probeInFlight = false
	if cb.cfg.OnStateChange != nil {
		go cb.cfg.OnStateChange(cb.cfg.Name, from, to)
	}
}

// RetryPolicy retries a closure a bounded number of times with a fixed
// delay, for conditions where the second attempt usually wins (a store
// write that lost a SQLITE_BUSY race). Non-retriable errors return
// immediately.
type RetryPolicy struct {
	MaxAttempts int
	Delay       time.Duration
	Retriable   func(error) bool

	Clock clockwork.Clock
}

// BusyRetry is the standard policy the embedded stores wrap their
// contended writes in: three attempts, 25ms apart, retrying only the
// driver's busy/locked condition.
func BusyRetry() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, Delay: 25 * time.Millisecond, Retriable: IsBusy}
}

// IsBusy reports whether err is sqlite's SQLITE_BUSY/locked condition,
// the one store-level error that is always worth a short retry.
func IsBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

// Do runs fn until it succeeds, returns a non-retriable error, exhausts
// MaxAttempts, or ctx is cancelled.
func (p RetryPolicy) Do(ctx context.Context, fn func() error) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	clock := p.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if p.Retriable != nil && !p.Retriable(err) {
			return err
		}
		if attempt == attempts-1 {
			break
		}
		timer := clock.NewTimer(p.Delay)
		select {
		case <-timer.Chan():
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
	return err
}

// RateLimiter is a token bucket: Allow consumes one token if available.
// The relay's router takes one per forwarded call so a misbehaving
// client degrades into Unavailable instead of saturating every tunnel.
type RateLimiter struct {
	ratePerSec float64
	burst      float64
	clock      clockwork.Clock

	mu       sync.Mutex
	tokens   float64
	lastFill time.Time
}

// NewRateLimiter builds a limiter refilling ratePerSec tokens per second
// up to burst, starting full.
func NewRateLimiter(ratePerSec float64, burst int) *RateLimiter {
	return newRateLimiter(ratePerSec, burst, clockwork.NewRealClock())
}

func newRateLimiter(ratePerSec float64, burst int, clock clockwork.Clock) *RateLimiter {
	return &RateLimiter{
		ratePerSec: ratePerSec,
		burst:      float64(burst),
		clock:      clock,
		tokens:     float64(burst),
		lastFill:   clock.Now(),
	}
}

// Allow consumes one token, reporting false when the bucket is empty.
func (rl *RateLimiter) Allow() bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.clock.Now()
	rl.tokens += now.Sub(rl.lastFill).Seconds() * rl.ratePerSec
	if rl.tokens > rl.burst {
		rl.tokens = rl.burst
	}
	rl.lastFill = now

	if rl.tokens < 1 {
		return false
	}
	rl.tokens--
	return true
}

// Bulkhead caps how many of one kind of operation may be in flight at
// once: the relay holds a slot per live forwarded response stream so a
// flood of streaming calls exhausts the bulkhead, not the process.
type Bulkhead struct {
	slots chan struct{}
}

// NewBulkhead builds a bulkhead admitting at most maxInFlight holders.
func NewBulkhead(maxInFlight int) *Bulkhead {
	return &Bulkhead{slots: make(chan struct{}, maxInFlight)}
}

// TryAcquire claims a slot without waiting, reporting false when the
// bulkhead is full.
func (b *Bulkhead) TryAcquire() bool {
	select {
	case b.slots <- struct{}{}:
		return true
	default:
		return false
	}
}

// Release frees a slot claimed by TryAcquire.
func (b *Bulkhead) Release() {
	select {
	case <-b.slots:
	default:
	}
}

// InFlight reports the number of currently held slots.
func (b *Bulkhead) InFlight() int {
	return len(b.slots)
}
