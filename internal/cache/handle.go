package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/MrWong99/cadenza/internal/governor"
)

// Handle is a pinned reference to one committed segment. While any handle
// to a segment is open the segment is never evicted. Release must be called
// exactly once when the holder is done; further calls are no-ops.
type Handle struct {
	c *Cache
	e *entry

	mu       sync.Mutex
	pcm      []byte
	res      *governor.Reservation
	released bool
}

func newHandle(c *Cache, e *entry) *Handle {
	return &Handle{c: c, e: e}
}

// Key returns the segment's key.
func (h *Handle) Key() Key { return h.e.key }

// Size returns the encoded size of the segment.
func (h *Handle) Size() int { return len(h.e.blob) }

// PCM decodes the segment and returns its plaintext frames. The plaintext
// is held under a governor reservation until Release, which wipes it; the
// caller must not retain the slice past Release.
//
// A segment that fails its integrity check is evicted and
// [ErrIntegrityMismatch] is returned to this caller only.
func (h *Handle) PCM(ctx context.Context) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return nil, errors.New("cache: handle released")
	}
	if h.pcm != nil {
		return h.pcm, nil
	}

	estimate := int64(h.e.rawLen)
	if estimate == 0 {
		estimate = int64(len(h.e.blob))
	}
	res, err := h.c.gov.Reserve(ctx, estimate)
	if err != nil {
		return nil, fmt.Errorf("cache: decode %s: %w", h.e.key, err)
	}

	pcm, err := h.c.codec.Decode(h.e.blob)
	if err != nil {
		res.Release()
		h.c.invalidate(h.e)
		return nil, fmt.Errorf("cache: decode %s: %w", h.e.key, err)
	}
	switch n := int64(len(pcm)); {
	case n > estimate:
		if err := res.Extend(ctx, n-estimate); err != nil {
			clear(pcm)
			res.Release()
			return nil, fmt.Errorf("cache: decode %s: %w", h.e.key, err)
		}
	case n < estimate:
		res.Shrink(estimate - n)
	}
	h.pcm = pcm
	h.res = res
	return pcm, nil
}

// Release wipes any decoded plaintext, returns its reservation and unpins
// the segment.
func (h *Handle) Release() {
	h.mu.Lock()
	if h.released {
		h.mu.Unlock()
		return
	}
	h.released = true
	if h.pcm != nil {
		clear(h.pcm)
		h.pcm = nil
	}
	res := h.res
	h.res = nil
	h.mu.Unlock()

	if res != nil {
		res.Release()
	}
	h.c.unpin(h.e)
}
