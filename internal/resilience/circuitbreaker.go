// Package resilience keeps flaky resolver backends from stalling playback.
//
// A [CircuitBreaker] stops calling a backend that keeps failing and lets a
// few probe calls through after a cool-down. A [FallbackGroup] walks a list
// of backends in order, each behind its own breaker, so an extraction
// service that times out is skipped instead of costing every enqueue its
// full deadline.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned without calling the backend while a breaker
// rejects calls.
var ErrCircuitOpen = errors.New("resilience: circuit open")

// State is a breaker's mode.
type State int

const (
	StateClosed   State = iota // every call passes
	StateOpen                  // calls are rejected until the cool-down ends
	StateHalfOpen              // a bounded number of probes pass
)

var stateNames = [...]string{StateClosed: "closed", StateOpen: "open", StateHalfOpen: "half-open"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// CircuitBreakerConfig tunes a [CircuitBreaker]. Zero values take defaults.
type CircuitBreakerConfig struct {
	// Name labels log lines.
	Name string

	// MaxFailures consecutive failures open the breaker. Default: 5.
	MaxFailures int

	// ResetTimeout is the cool-down before probing. Default: 30s.
	ResetTimeout time.Duration

	// HalfOpenMax successful probes close the breaker; at most that many
	// are in flight at once. Default: 3.
	HalfOpenMax int

	// IsFailure decides which errors count. Errors it rejects pass through
	// without touching the breaker, so "no such track" does not make a
	// backend look unhealthy. Default: every non-nil error.
	IsFailure func(error) bool
}

// CircuitBreaker is safe for concurrent use.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig
	now func() time.Time

	mu        sync.Mutex
	state     State
	streak    int // consecutive failures while closed
	openUntil time.Time
	inflight  int // half-open probes running
	passed    int // half-open probes that succeeded
}

// NewCircuitBreaker returns a closed breaker.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 3
	}
	if cfg.IsFailure == nil {
		cfg.IsFailure = func(err error) bool { return err != nil }
	}
	return &CircuitBreaker{cfg: cfg, now: time.Now}
}

// Name returns the configured label.
func (cb *CircuitBreaker) Name() string { return cb.cfg.Name }

// Execute runs fn if the breaker admits the call.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	probe, ok := cb.admit()
	if !ok {
		return ErrCircuitOpen
	}
	err := fn()
	cb.settle(probe, err)
	return err
}

func (cb *CircuitBreaker) admit() (probe, ok bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen {
		if cb.now().Before(cb.openUntil) {
			return false, false
		}
		cb.state, cb.inflight, cb.passed = StateHalfOpen, 0, 0
		slog.Info("resilience: probing backend", "name", cb.cfg.Name)
	}
	if cb.state == StateHalfOpen {
		if cb.inflight+cb.passed >= cb.cfg.HalfOpenMax {
			return false, false
		}
		cb.inflight++
		return true, true
	}
	return false, true
}

func (cb *CircuitBreaker) settle(probe bool, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	failed := err != nil && cb.cfg.IsFailure(err)
	if probe {
		cb.inflight--
		if cb.state != StateHalfOpen {
			return
		}
		switch {
		case failed:
			cb.trip("probe failed")
		case err == nil:
			cb.passed++
			if cb.passed >= cb.cfg.HalfOpenMax {
				cb.state, cb.streak = StateClosed, 0
				slog.Info("resilience: backend recovered", "name", cb.cfg.Name)
			}
		}
		return
	}

	switch {
	case failed:
		cb.streak++
		if cb.state == StateClosed && cb.streak >= cb.cfg.MaxFailures {
			cb.trip("too many failures")
		}
	case err == nil:
		cb.streak = 0
	}
}

func (cb *CircuitBreaker) trip(why string) {
	cb.state = StateOpen
	cb.openUntil = cb.now().Add(cb.cfg.ResetTimeout)
	slog.Warn("resilience: breaker open", "name", cb.cfg.Name, "reason", why, "until", cb.openUntil)
}

// State returns the current mode. An open breaker whose cool-down has ended
// reports [StateHalfOpen] before the next call moves it there.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen && !cb.now().Before(cb.openUntil) {
		return StateHalfOpen
	}
	return cb.state
}

// Reset closes the breaker.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state, cb.streak, cb.inflight, cb.passed = StateClosed, 0, 0, 0
}
