// Package governor accounts process-wide memory for the playback pipeline
// against a fixed ceiling.
//
// Every buffer the decoder retains and every segment the cache commits is
// covered by a [Reservation]. The sum of outstanding reservations never
// exceeds the ceiling: admission is a compare-and-swap on a single atomic
// counter. Callers that cannot wait use [Governor.TryReserve]; the decoder
// uses [Governor.Reserve], which asks the registered [Reclaimer] (the segment
// cache) to evict before waiting for capacity to be released.
package governor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/cadenza/internal/observe"
)

var (
	// ErrDenied is returned by [Governor.TryReserve] when the claim does not
	// fit under the ceiling right now.
	ErrDenied = errors.New("governor: reservation denied")

	// ErrResourceExhausted is returned when a blocking reservation could not
	// be satisfied before the pressure timeout, or can never fit.
	ErrResourceExhausted = errors.New("governor: resource exhausted")
)

// DefaultPressureTimeout bounds how long [Governor.Reserve] waits for
// capacity after eviction failed to free enough.
const DefaultPressureTimeout = 10 * time.Second

// Reclaimer frees committed memory on request. Reclaim is asked to free at
// least n bytes and returns how many it actually released. It is called
// without any governor lock held.
type Reclaimer interface {
	Reclaim(n int64) int64
}

// Governor enforces a memory ceiling. It is safe for concurrent use.
type Governor struct {
	ceiling         int64
	pressureTimeout time.Duration
	metrics         *observe.Metrics

	used atomic.Int64

	reclaimer atomic.Pointer[reclaimerBox]

	waitMu sync.Mutex
	waitCh chan struct{}
}

type reclaimerBox struct{ r Reclaimer }

// Option configures a [Governor].
type Option func(*Governor)

// WithPressureTimeout overrides [DefaultPressureTimeout].
func WithPressureTimeout(d time.Duration) Option {
	return func(g *Governor) {
		if d > 0 {
			g.pressureTimeout = d
		}
	}
}

// WithMetrics records reservation activity on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(g *Governor) { g.metrics = m }
}

// New creates a Governor with the given ceiling in bytes.
func New(ceiling int64, opts ...Option) *Governor {
	g := &Governor{
		ceiling:         ceiling,
		pressureTimeout: DefaultPressureTimeout,
		waitCh:          make(chan struct{}),
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// SetReclaimer installs the eviction callback used by blocking reservations.
func (g *Governor) SetReclaimer(r Reclaimer) {
	g.reclaimer.Store(&reclaimerBox{r: r})
}

// Ceiling returns the configured ceiling in bytes.
func (g *Governor) Ceiling() int64 { return g.ceiling }

// Used returns the bytes currently reserved or committed.
func (g *Governor) Used() int64 { return g.used.Load() }

// Available returns the bytes that can still be reserved.
func (g *Governor) Available() int64 { return g.ceiling - g.used.Load() }

// Pressure returns the used fraction of the ceiling in [0, 1].
func (g *Governor) Pressure() float64 {
	if g.ceiling <= 0 {
		return 1
	}
	return float64(g.used.Load()) / float64(g.ceiling)
}

// TryReserve claims n bytes without blocking.
func (g *Governor) TryReserve(n int64) (*Reservation, error) {
	if err := g.check(n); err != nil {
		return nil, err
	}
	if !g.tryAdd(n) {
		g.recordDenial()
		return nil, fmt.Errorf("%w: %d bytes (used %d of %d)", ErrDenied, n, g.Used(), g.ceiling)
	}
	return &Reservation{g: g, size: n}, nil
}

// Reserve claims n bytes, evicting through the [Reclaimer] and then waiting
// for releases when the ceiling is reached. It fails with
// [ErrResourceExhausted] when nothing frees enough capacity within the
// pressure timeout, or with ctx.Err() on cancellation.
func (g *Governor) Reserve(ctx context.Context, n int64) (*Reservation, error) {
	if err := g.acquire(ctx, n); err != nil {
		return nil, err
	}
	return &Reservation{g: g, size: n}, nil
}

func (g *Governor) check(n int64) error {
	if n < 0 {
		return fmt.Errorf("governor: negative reservation %d", n)
	}
	if n > g.ceiling {
		return fmt.Errorf("%w: %d bytes exceeds ceiling %d", ErrResourceExhausted, n, g.ceiling)
	}
	return nil
}

func (g *Governor) acquire(ctx context.Context, n int64) error {
	if err := g.check(n); err != nil {
		return err
	}
	if g.tryAdd(n) {
		return nil
	}
	g.recordDenial()

	timer := time.NewTimer(g.pressureTimeout)
	defer timer.Stop()

	for {
		// Grab the wait channel before retrying so a release between the
		// attempt and the select is not lost.
		wait := g.waitChan()
		if g.tryAdd(n) {
			return nil
		}
		if box := g.reclaimer.Load(); box != nil && box.r != nil {
			if short := n - g.Available(); short > 0 {
				box.r.Reclaim(short)
			}
			if g.tryAdd(n) {
				return nil
			}
		}
		select {
		case <-wait:
		case <-timer.C:
			if g.metrics != nil {
				g.metrics.ResourceExhausted.Add(context.Background(), 1)
			}
			return fmt.Errorf("%w: %d bytes after %v (used %d of %d)",
				ErrResourceExhausted, n, g.pressureTimeout, g.Used(), g.ceiling)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (g *Governor) tryAdd(n int64) bool {
	for {
		cur := g.used.Load()
		if cur+n > g.ceiling {
			return false
		}
		if g.used.CompareAndSwap(cur, cur+n) {
			if g.metrics != nil {
				g.metrics.ReservedBytes.Add(context.Background(), n)
			}
			return true
		}
	}
}

func (g *Governor) sub(n int64) {
	if n == 0 {
		return
	}
	g.used.Add(-n)
	if g.metrics != nil {
		g.metrics.ReservedBytes.Add(context.Background(), -n)
	}
	g.broadcast()
}

func (g *Governor) waitChan() chan struct{} {
	g.waitMu.Lock()
	defer g.waitMu.Unlock()
	return g.waitCh
}

func (g *Governor) broadcast() {
	g.waitMu.Lock()
	close(g.waitCh)
	g.waitCh = make(chan struct{})
	g.waitMu.Unlock()
}

func (g *Governor) recordDenial() {
	if g.metrics != nil {
		g.metrics.ReservationDenials.Add(context.Background(), 1)
	}
}
