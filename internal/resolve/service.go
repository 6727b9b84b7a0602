package resolve

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/MrWong99/cadenza/internal/observe"
)

// DefaultTimeout bounds a single resolution.
const DefaultTimeout = 10 * time.Second

// Service is the resolver used by sessions. It is safe for concurrent use.
type Service struct {
	next    Resolver
	timeout time.Duration
	metrics *observe.Metrics
	group   singleflight.Group
}

var _ Resolver = (*Service)(nil)

// Option configures a [Service].
type Option func(*Service)

// WithTimeout overrides [DefaultTimeout].
func WithTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithMetrics records resolution latency on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// NewService wraps next.
func NewService(next Resolver, opts ...Option) *Service {
	s := &Service{next: next, timeout: DefaultTimeout}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Resolve resolves ref within the configured timeout, or ctx's earlier
// deadline. Concurrent calls for the same normalized reference share one
// backend call. The error is always [ErrTimeout], [ErrUnresolvable] or
// ctx.Err() on cancellation.
func (s *Service) Resolve(ctx context.Context, ref Reference) (Source, error) {
	if ref.Raw == "" {
		return Source{}, fmt.Errorf("%w: empty reference", ErrUnresolvable)
	}
	start := time.Now()
	key := ref.Normalized()

	ch := s.group.DoChan(key, func() (any, error) {
		// Detached from the first caller's cancellation so a leaving caller
		// does not fail the others; the deadline still applies.
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
		defer cancel()
		src, err := s.next.Resolve(rctx, ref)
		if err == nil {
			err = src.Validate()
		}
		if err != nil {
			return Source{}, classify(rctx, err)
		}
		return src, nil
	})

	var (
		src Source
		err error
	)
	select {
	case r := <-ch:
		src, _ = r.Val.(Source)
		err = r.Err
	case <-ctx.Done():
		err = ctx.Err()
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %v", ErrTimeout, err)
		}
	}

	status := "ok"
	switch {
	case errors.Is(err, ErrTimeout):
		status = "timeout"
	case err != nil:
		status = "error"
	}
	if s.metrics != nil {
		s.metrics.RecordResolve(ctx, "service", status, time.Since(start).Seconds())
	}
	if err != nil {
		slog.Debug("resolve: failed", "ref", key, "err", err)
		return Source{}, err
	}
	return src, nil
}

// classify maps a backend error onto the resolver taxonomy.
func classify(ctx context.Context, err error) error {
	switch {
	case errors.Is(err, ErrTimeout):
		return err
	case errors.Is(err, context.DeadlineExceeded), errors.Is(ctx.Err(), context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	case errors.Is(err, ErrUnresolvable), errors.Is(err, context.Canceled):
		return err
	default:
		return fmt.Errorf("%w: %v", ErrUnresolvable, err)
	}
}
