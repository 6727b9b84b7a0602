package resolve

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/cadenza/internal/observe"
	"github.com/MrWong99/cadenza/internal/resilience"
)

// Chain tries backends in order. A backend that does not accept the
// reference is passed over; one whose breaker is open is bypassed. An
// unresolvable answer does not count against a backend's breaker.
type Chain struct {
	group   *resilience.FallbackGroup[Backend]
	metrics *observe.Metrics
}

var _ Resolver = (*Chain)(nil)

// NewChain builds a chain over backends, each behind a breaker configured
// by cb.
func NewChain(cb resilience.CircuitBreakerConfig, metrics *observe.Metrics, backends ...Backend) *Chain {
	cb.IsFailure = func(err error) bool {
		return !errors.Is(err, ErrUnresolvable) && !errors.Is(err, context.Canceled)
	}
	g := resilience.NewFallbackGroup[Backend](resilience.FallbackConfig{CircuitBreaker: cb})
	for _, b := range backends {
		g.Add(b.Name(), b)
	}
	return &Chain{group: g, metrics: metrics}
}

// Breakers reports each backend's breaker state.
func (c *Chain) Breakers() map[string]resilience.State { return c.group.States() }

// Resolve implements [Resolver].
func (c *Chain) Resolve(ctx context.Context, ref Reference) (Source, error) {
	src, err := resilience.Execute(ctx, c.group, func(name string, b Backend) (Source, error) {
		if !b.Accepts(ref) {
			return Source{}, resilience.ErrSkipped
		}
		start := time.Now()
		src, err := b.Resolve(ctx, ref)
		if err == nil {
			err = src.Validate()
		}
		if c.metrics != nil {
			status := "ok"
			if err != nil {
				status = "error"
			}
			c.metrics.RecordResolve(ctx, name, status, time.Since(start).Seconds())
		}
		return src, err
	})
	if err == nil {
		return src, nil
	}
	if errors.Is(err, resilience.ErrSkipped) {
		return Source{}, fmt.Errorf("%w: no backend accepts %q", ErrUnresolvable, ref.Raw)
	}
	return Source{}, err
}
