// Package mock provides a configurable [resolve.Resolver] for tests.
//
// Results are looked up by the reference's raw text; a missing entry
// returns ResolveError, or [resolve.ErrUnresolvable] when that is nil.
// Delays honour context cancellation, which makes the mock suitable for
// deadline tests. It is safe for concurrent use.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/cadenza/internal/resolve"
)

var _ resolve.Backend = (*Resolver)(nil)

// Resolver is a mock [resolve.Backend].
type Resolver struct {
	mu sync.Mutex

	// BackendName is returned by Name; "mock" when empty.
	BackendName string

	// Results maps Reference.Raw to the source returned for it.
	Results map[string]resolve.Source

	// Errors maps Reference.Raw to an error returned for it.
	Errors map[string]error

	// Delays maps Reference.Raw to a delay applied before answering.
	Delays map[string]time.Duration

	// ResolveError is returned for references with no result.
	ResolveError error

	// Reject makes Accepts return false.
	Reject bool

	// CallCountResolve counts Resolve calls.
	CallCountResolve int

	// Calls records the raw reference of every call in order.
	Calls []string
}

// Name implements [resolve.Backend].
func (r *Resolver) Name() string {
	if r.BackendName == "" {
		return "mock"
	}
	return r.BackendName
}

// Accepts implements [resolve.Backend].
func (r *Resolver) Accepts(resolve.Reference) bool { return !r.Reject }

// Resolve implements [resolve.Resolver].
func (r *Resolver) Resolve(ctx context.Context, ref resolve.Reference) (resolve.Source, error) {
	r.mu.Lock()
	r.CallCountResolve++
	r.Calls = append(r.Calls, ref.Raw)
	delay := r.Delays[ref.Raw]
	src, ok := r.Results[ref.Raw]
	err := r.Errors[ref.Raw]
	fallback := r.ResolveError
	r.mu.Unlock()

	if delay > 0 {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return resolve.Source{}, ctx.Err()
		}
	}
	if err != nil {
		return resolve.Source{}, err
	}
	if !ok {
		if fallback != nil {
			return resolve.Source{}, fallback
		}
		return resolve.Source{}, resolve.ErrUnresolvable
	}
	return src, nil
}

// Set registers src for raw.
func (r *Resolver) Set(raw string, src resolve.Source) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Results == nil {
		r.Results = make(map[string]resolve.Source)
	}
	r.Results[raw] = src
}

// SetDelay makes calls for raw wait d first.
func (r *Resolver) SetDelay(raw string, d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Delays == nil {
		r.Delays = make(map[string]time.Duration)
	}
	r.Delays[raw] = d
}

// CallsFor returns how many times raw was resolved.
func (r *Resolver) CallsFor(raw string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.Calls {
		if c == raw {
			n++
		}
	}
	return n
}
