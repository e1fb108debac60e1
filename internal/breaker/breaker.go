// Package breaker implements a named-singleton circuit breaker registry.
//
// The state machine is lifted directly from the inline closed/open/half-open
// logic that used to live next to a single notifier
// (notifications.ProtectedNotifier in the prior generation of this service),
// generalized so every external call site — publish adapters, notification
// adapters, module-cache loaders — can share one named breaker instead of
// reimplementing the same counters.
package breaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/pipelinehq/workfabric/internal/observability"
)

// ErrOpen is returned by Execute when the breaker is tripped and is not
// accepting trial calls yet.
var ErrOpen = errors.New("circuit breaker open")

type state int

const (
	stateClosed state = iota
	stateOpen
	stateHalfOpen
)

// Config tunes one breaker's thresholds.
type Config struct {
	// FailureThreshold is the number of consecutive failures in closed state
	// that trips the breaker open. While half-open, any single failure
	// reopens it regardless of this threshold.
	FailureThreshold int
	// ResetTimeout is how long the breaker stays open before allowing a
	// half-open trial call.
	ResetTimeout time.Duration
	// HalfOpenMaxAttempts is the number of consecutive successes required,
	// while half-open, to close the breaker again.
	HalfOpenMaxAttempts int
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = 30 * time.Second
	}
	if c.HalfOpenMaxAttempts <= 0 {
		c.HalfOpenMaxAttempts = 1
	}
	return c
}

// Breaker is one named circuit breaker instance. Safe for concurrent use.
type Breaker struct {
	name string
	cfg  Config
	prom *observability.Prom

	mu                  sync.Mutex
	st                  state
	consecutiveFailures int
	consecutiveSuccess  int
	openedAt            time.Time
	halfOpenInFlight    int
}

func newBreaker(name string, cfg Config, prom ...*observability.Prom) *Breaker {
	b := &Breaker{name: name, cfg: cfg.withDefaults(), st: stateClosed}
	if len(prom) > 0 {
		b.prom = prom[0]
	}
	b.reportState()
	return b
}

// reportState pushes the breaker's current state to the gauge. Callers must
// hold b.mu, except at construction where no other goroutine can see b yet.
func (b *Breaker) reportState() {
	var v float64
	switch b.st {
	case stateHalfOpen:
		v = 1
	case stateOpen:
		v = 2
	}
	b.prom.SetBreakerState(b.name, v)
}

// Name returns the breaker's registry key.
func (b *Breaker) Name() string { return b.name }

// State reports the breaker's current externally-observable state.
type State string

const (
	Closed   State = "closed"
	Open     State = "open"
	HalfOpen State = "half_open"
)

// Snapshot returns the breaker's current state for metrics/inspection.
func (b *Breaker) Snapshot() (State, int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stateLocked(), b.consecutiveFailures
}

func (b *Breaker) stateLocked() State {
	switch b.st {
	case stateOpen:
		return Open
	case stateHalfOpen:
		return HalfOpen
	default:
		return Closed
	}
}

// allow reports whether a call may proceed right now, transitioning
// open->half-open if the reset timeout has elapsed.
func (b *Breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.st {
	case stateClosed:
		return true
	case stateOpen:
		if time.Since(b.openedAt) >= b.cfg.ResetTimeout {
			b.st = stateHalfOpen
			b.halfOpenInFlight = 0
			b.consecutiveSuccess = 0
			b.reportState()
			return true
		}
		return false
	case stateHalfOpen:
		if b.halfOpenInFlight >= b.cfg.HalfOpenMaxAttempts {
			return false
		}
		b.halfOpenInFlight++
		return true
	default:
		return true
	}
}

func (b *Breaker) succeed() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.st == stateHalfOpen && b.halfOpenInFlight > 0 {
		b.halfOpenInFlight--
	}

	b.consecutiveFailures = 0

	if b.st == stateHalfOpen {
		b.consecutiveSuccess++
		if b.consecutiveSuccess >= b.cfg.HalfOpenMaxAttempts {
			b.st = stateClosed
			b.consecutiveSuccess = 0
			b.reportState()
		}
		return
	}

	b.st = stateClosed
}

func (b *Breaker) fail() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.st == stateHalfOpen && b.halfOpenInFlight > 0 {
		b.halfOpenInFlight--
	}

	b.consecutiveSuccess = 0
	b.consecutiveFailures++

	if b.st == stateHalfOpen {
		b.st = stateOpen
		b.openedAt = time.Now()
		b.reportState()
		return
	}

	if b.consecutiveFailures >= b.cfg.FailureThreshold {
		b.st = stateOpen
		b.openedAt = time.Now()
		b.reportState()
	}
}

// Execute runs fn under the breaker's fail-fast gate. An error from fn that
// wraps context.Canceled is not counted as a failure; every other error,
// including context.DeadlineExceeded, counts toward tripping the breaker.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if !b.allow() {
		return ErrOpen
	}

	err := fn(ctx)

	if err != nil && errors.Is(err, context.Canceled) {
		// aborted, not failed: undo the half-open slot without touching counters
		b.mu.Lock()
		if b.st == stateHalfOpen && b.halfOpenInFlight > 0 {
			b.halfOpenInFlight--
		}
		b.mu.Unlock()
		return err
	}

	if err != nil {
		b.fail()
		return err
	}

	b.succeed()
	return nil
}

// Registry is a process-lifetime, named collection of breakers. Unlike a
// TTL-evicting cache, entries are never expired: an evicted breaker in the
// prior generation of this code orphaned the connection it was guarding, so
// this registry intentionally has no eviction policy (see DESIGN.md).
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*Breaker
	prom     *observability.Prom
}

// NewRegistry constructs an empty breaker registry. prom is optional
// (variadic so existing zero-argument call sites keep compiling); when
// supplied, every breaker created through this registry reports its state
// transitions to workfabric_breaker_state.
func NewRegistry(prom ...*observability.Prom) *Registry {
	r := &Registry{breakers: make(map[string]*Breaker)}
	if len(prom) > 0 {
		r.prom = prom[0]
	}
	return r
}

// Get returns the named breaker, creating it with cfg on first use. cfg is
// ignored on subsequent calls for the same name.
func (r *Registry) Get(name string, cfg Config) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[name]; ok {
		return b
	}

	b := newBreaker(name, cfg, r.prom)
	r.breakers[name] = b
	return b
}

// Snapshot returns a name->state map for metrics export.
func (r *Registry) Snapshot() map[string]State {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]State, len(r.breakers))
	for name, b := range r.breakers {
		st, _ := b.Snapshot()
		out[name] = st
	}
	return out
}
