package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllFailed is returned when no member of a [FallbackGroup] produced a
// result.
var ErrAllFailed = errors.New("resilience: all backends failed")

// ErrSkipped may be returned by a call to pass over a member without
// charging its breaker, for example a backend that does not handle the
// given input.
var ErrSkipped = errors.New("resilience: skipped")

// FallbackConfig configures the breaker created for every member.
type FallbackConfig struct {
	CircuitBreaker CircuitBreakerConfig
}

type member[T any] struct {
	name    string
	value   T
	breaker *CircuitBreaker
}

// FallbackGroup holds backends of one type, tried in registration order.
// Members must be added before the group is shared.
type FallbackGroup[T any] struct {
	members []member[T]
	cfg     FallbackConfig
}

// NewFallbackGroup creates an empty group.
func NewFallbackGroup[T any](cfg FallbackConfig) *FallbackGroup[T] {
	return &FallbackGroup[T]{cfg: cfg}
}

// Add appends a member with its own breaker.
func (fg *FallbackGroup[T]) Add(name string, value T) {
	cb := fg.cfg.CircuitBreaker
	cb.Name = name
	isFailure := cb.IsFailure
	cb.IsFailure = func(err error) bool {
		if errors.Is(err, ErrSkipped) {
			return false
		}
		if isFailure != nil {
			return isFailure(err)
		}
		return true
	}
	fg.members = append(fg.members, member[T]{name: name, value: value, breaker: NewCircuitBreaker(cb)})
}

// Len returns the number of members.
func (fg *FallbackGroup[T]) Len() int { return len(fg.members) }

// States returns each member's breaker state keyed by member name.
func (fg *FallbackGroup[T]) States() map[string]State {
	out := make(map[string]State, len(fg.members))
	for _, m := range fg.members {
		out[m.name] = m.breaker.State()
	}
	return out
}

// Execute calls fn on each member until one returns a nil error. Members
// with an open breaker are passed over. It stops early once ctx ends. The
// returned error wraps [ErrAllFailed] and the last member error, so
// errors.Is matches either.
func Execute[T, R any](ctx context.Context, fg *FallbackGroup[T], fn func(name string, v T) (R, error)) (R, error) {
	var (
		zero    R
		lastErr error
	)
	for i := range fg.members {
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		m := &fg.members[i]
		var out R
		err := m.breaker.Execute(func() error {
			var err error
			out, err = fn(m.name, m.value)
			return err
		})
		if err == nil {
			return out, nil
		}
		switch {
		case errors.Is(err, ErrSkipped):
			continue
		case errors.Is(err, ErrCircuitOpen):
			slog.Debug("resilience: backend bypassed, breaker open", "backend", m.name)
		default:
			slog.Warn("resilience: backend failed", "backend", m.name, "err", err)
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = ErrSkipped
	}
	return zero, fmt.Errorf("%w: %w", ErrAllFailed, lastErr)
}
