// Package breaker wraps calls to flaky upstream dependencies with a
// circuit breaker so a degraded provider cannot exhaust request handlers.
package breaker

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// State identifies the breaker's position in its lifecycle.
type State int

const (
	// StateClosed passes calls through while counting consecutive failures.
	StateClosed State = iota
	// StateOpen rejects calls immediately until the reset timeout elapses.
	StateOpen
	// StateHalfOpen lets probe calls through to test whether the
	// dependency has recovered.
	StateHalfOpen
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// OpenError is returned when the breaker rejects a call without
// attempting it because the circuit is open.
type OpenError struct {
	Name       string
	RetryAfter time.Duration
}

// Error implements error.
func (e *OpenError) Error() string {
	return fmt.Sprintf("breaker %q is open, retry after %s", e.Name, e.RetryAfter)
}

// TimeoutError is returned when a call exceeds the configured per-call
// timeout. The underlying call is abandoned, not cancelled; its eventual
// result is discarded.
type TimeoutError struct {
	Name    string
	Timeout time.Duration
}

// Error implements error.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("breaker %q call timed out after %s", e.Name, e.Timeout)
}

// Config tunes a single breaker. Zero values fall back to defaults.
type Config struct {
	// FailureThreshold is the consecutive-failure count that opens the
	// circuit. Defaults to 5.
	FailureThreshold int
	// ResetTimeout is how long the circuit stays open before moving to
	// half-open. Defaults to 30s.
	ResetTimeout time.Duration
	// SuccessThreshold is the consecutive-success count in half-open
	// that closes the circuit. Defaults to 2.
	SuccessThreshold int
	// Timeout bounds each individual call. Zero disables the bound.
	Timeout time.Duration

	// OnOpen, OnClose and OnHalfOpen fire on state changes. Optional.
	OnOpen     func(name string)
	OnClose    func(name string)
	OnHalfOpen func(name string)
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = 30 * time.Second
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = 2
	}
	return c
}

// Stats is a point-in-time snapshot of a breaker's counters.
type Stats struct {
	Name                 string    `json:"name"`
	State                string    `json:"state"`
	ConsecutiveFailures  int       `json:"consecutiveFailures"`
	ConsecutiveSuccesses int       `json:"consecutiveSuccesses"`
	TotalCalls           uint64    `json:"totalCalls"`
	TotalFailures        uint64    `json:"totalFailures"`
	TotalRejections      uint64    `json:"totalRejections"`
	TotalTimeouts        uint64    `json:"totalTimeouts"`
	OpenedAt             time.Time `json:"openedAt"`
}

// Breaker guards calls to a single named dependency. All methods are
// safe for concurrent use.
type Breaker struct {
	name    string
	cfg     Config
	metrics *metrics
	now     func() time.Time

	mu         sync.Mutex
	state      State
	failures   int
	successes  int
	openedAt   time.Time
	calls      uint64
	failed     uint64
	rejections uint64
	timeouts   uint64
}

// New builds a breaker with the given name and config.
func New(name string, cfg Config) *Breaker {
	return newBreaker(name, cfg, nil)
}

func newBreaker(name string, cfg Config, m *metrics) *Breaker {
	b := &Breaker{
		name:    name,
		cfg:     cfg.withDefaults(),
		metrics: m,
		now:     time.Now,
	}
	b.metrics.setState(name, StateClosed)
	return b
}

// Name returns the breaker's registry name.
func (b *Breaker) Name() string { return b.name }

// State returns the current state, accounting for an elapsed reset timeout.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentStateLocked()
}

func (b *Breaker) currentStateLocked() State {
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cfg.ResetTimeout {
		b.transitionLocked(StateHalfOpen)
	}
	return b.state
}

// Execute runs fn through the breaker. It returns *OpenError when the
// circuit is open and *TimeoutError when fn outruns the configured
// timeout; otherwise it returns fn's own error.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	b.mu.Lock()
	state := b.currentStateLocked()
	if state == StateOpen {
		b.rejections++
		retryAfter := b.cfg.ResetTimeout - b.now().Sub(b.openedAt)
		b.mu.Unlock()
		b.metrics.rejection(b.name)
		return &OpenError{Name: b.name, RetryAfter: retryAfter}
	}
	b.calls++
	b.mu.Unlock()

	err := b.invoke(ctx, fn)
	if err != nil {
		b.recordFailure(err)
		return err
	}
	b.recordSuccess()
	return nil
}

// invoke runs fn, racing it against the per-call timeout. A timed-out
// call keeps running in its goroutine; only its result is abandoned.
func (b *Breaker) invoke(ctx context.Context, fn func(ctx context.Context) error) error {
	if b.cfg.Timeout <= 0 {
		return fn(ctx)
	}

	done := make(chan error, 1)
	go func() {
		done <- fn(ctx)
	}()

	timer := time.NewTimer(b.cfg.Timeout)
	defer timer.Stop()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		b.mu.Lock()
		b.timeouts++
		b.mu.Unlock()
		b.metrics.timeout(b.name)
		return &TimeoutError{Name: b.name, Timeout: b.cfg.Timeout}
	}
}

func (b *Breaker) recordFailure(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failed++
	b.metrics.failure(b.name)
	switch b.state {
	case StateHalfOpen:
		// A half-open probe failing sends the circuit straight back open.
		b.transitionLocked(StateOpen)
	case StateClosed:
		b.failures++
		b.successes = 0
		if b.failures >= b.cfg.FailureThreshold {
			b.transitionLocked(StateOpen)
		}
	}
}

func (b *Breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.metrics.success(b.name)
	switch b.state {
	case StateHalfOpen:
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			b.transitionLocked(StateClosed)
		}
	case StateClosed:
		b.failures = 0
	}
}

func (b *Breaker) transitionLocked(next State) {
	if b.state == next {
		return
	}
	b.state = next
	b.metrics.setState(b.name, next)
	switch next {
	case StateOpen:
		b.openedAt = b.now()
		b.failures = 0
		b.successes = 0
		if b.cfg.OnOpen != nil {
			b.cfg.OnOpen(b.name)
		}
	case StateHalfOpen:
		b.successes = 0
		if b.cfg.OnHalfOpen != nil {
			b.cfg.OnHalfOpen(b.name)
		}
	case StateClosed:
		b.failures = 0
		b.successes = 0
		b.openedAt = time.Time{}
		if b.cfg.OnClose != nil {
			b.cfg.OnClose(b.name)
		}
	}
}

// Reset forces the breaker back to closed and zeroes its windows.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transitionLocked(StateClosed)
	b.failures = 0
	b.successes = 0
}

// Stats snapshots the breaker's counters.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	state := b.currentStateLocked()
	return Stats{
		Name:                 b.name,
		State:                state.String(),
		ConsecutiveFailures:  b.failures,
		ConsecutiveSuccesses: b.successes,
		TotalCalls:           b.calls,
		TotalFailures:        b.failed,
		TotalRejections:      b.rejections,
		TotalTimeouts:        b.timeouts,
		OpenedAt:             b.openedAt,
	}
}
