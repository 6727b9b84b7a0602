package governor

import (
	"context"
	"sync"
)

// State is the lifecycle stage of a [Reservation].
type State int

const (
	// Pending is a provisional claim held by a producer.
	Pending State = iota

	// Committed claims back a committed cache entry.
	Committed

	// Released claims have been returned to the governor.
	Released
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Committed:
		return "committed"
	case Released:
		return "released"
	default:
		return "unknown"
	}
}

// Reservation is a claim of bytes against a [Governor]. It must be released
// exactly once on every path; [Reservation.Release] is idempotent so a
// deferred release after a commit handoff is safe.
//
// A Reservation is safe for concurrent use.
type Reservation struct {
	g *Governor

	mu    sync.Mutex
	size  int64
	state State
}

// Size returns the bytes currently claimed.
func (r *Reservation) Size() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}

// State returns the reservation's lifecycle stage.
func (r *Reservation) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Extend grows the claim by n bytes with the blocking semantics of
// [Governor.Reserve].
func (r *Reservation) Extend(ctx context.Context, n int64) error {
	if n <= 0 {
		return nil
	}
	if err := r.g.acquire(ctx, n); err != nil {
		return err
	}
	r.mu.Lock()
	if r.state == Released {
		r.mu.Unlock()
		r.g.sub(n)
		return ErrDenied
	}
	r.size += n
	r.mu.Unlock()
	return nil
}

// Shrink returns up to n bytes of the claim to the governor.
func (r *Reservation) Shrink(n int64) {
	r.mu.Lock()
	if n > r.size {
		n = r.size
	}
	if n <= 0 || r.state == Released {
		r.mu.Unlock()
		return
	}
	r.size -= n
	r.mu.Unlock()
	r.g.sub(n)
}

// Commit marks the claim as backing a committed cache entry. The bytes stay
// counted until Release.
func (r *Reservation) Commit() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == Pending {
		r.state = Committed
	}
}

// Release returns all claimed bytes. Subsequent calls are no-ops.
func (r *Reservation) Release() {
	r.mu.Lock()
	if r.state == Released {
		r.mu.Unlock()
		return
	}
	n := r.size
	r.size = 0
	r.state = Released
	r.mu.Unlock()
	r.g.sub(n)
}
