package cache

import (
	"context"
	"errors"
	"io"
	"math"
	"sync"
	"time"

	"github.com/MrWong99/cadenza/internal/governor"
)

// EmitFunc hands the plaintext of the index-th segment of a track to the
// cache. It takes ownership of pcm and res on every path, and blocks while
// the production is more than the configured lookahead ahead of its
// slowest reader. A non-nil error means the production must stop.
type EmitFunc func(ctx context.Context, index int, pcm []byte, res *governor.Reservation) error

// FillFunc produces a track's segments from the first one, calling emit
// once per segment in index order. Returning nil marks the end of the
// track; any other error ends the production and is reported to readers
// that reach the first segment it did not produce.
type FillFunc func(ctx context.Context, emit EmitFunc) error

// errRestart tells a reader its flight can no longer serve its position.
var errRestart = errors.New("cache: restart production")

type flightShard struct {
	mu      sync.Mutex
	flights map[TrackKey]*flight
	// ends records the segment count of tracks produced to completion.
	ends map[TrackKey]int
}

func (c *Cache) flightShardFor(t TrackKey) *flightShard {
	return c.flights[uint64(t)&uint64(len(c.flights)-1)]
}

// flight is one production of a track's segments, shared by every reader
// that attaches to it. Lock order: flightShard.mu, then flight.mu, then
// shard.mu.
type flight struct {
	c          *Cache
	track      TrackKey
	start      int
	registered bool
	ctx        context.Context
	cancel     context.CancelFunc
	// lastEmit is touched only by the fill goroutine.
	lastEmit time.Time

	mu        sync.Mutex
	next      int
	seen      int
	held      map[int]*Handle
	readers   map[*Reader]int
	changed   chan struct{}
	done      bool
	cancelled bool
	err       error
}

func (c *Cache) newFlight(track TrackKey, start int, registered bool) *flight {
	ctx, cancel := context.WithCancel(c.ctx)
	return &flight{
		c:          c,
		track:      track,
		start:      start,
		registered: registered,
		ctx:        ctx,
		cancel:     cancel,
		next:       start,
		held:       make(map[int]*Handle),
		readers:    make(map[*Reader]int),
		changed:    make(chan struct{}),
	}
}

func (f *flight) broadcastLocked() {
	close(f.changed)
	f.changed = make(chan struct{})
}

func (f *flight) minPosLocked() int {
	lo := math.MaxInt
	for _, p := range f.readers {
		lo = min(lo, p)
	}
	return lo
}

func (f *flight) canServeLocked(pos int) bool {
	if f.done || f.cancelled || pos < f.start {
		return false
	}
	return pos >= f.next || f.held[pos] != nil
}

// releasePassedLocked drops holds on segments every reader has moved past.
func (f *flight) releasePassedLocked() {
	lo := f.minPosLocked()
	for i, h := range f.held {
		if i < lo {
			h.Release()
			delete(f.held, i)
		}
	}
}

func (f *flight) run(fill FillFunc) {
	if f.c.metrics != nil {
		f.c.metrics.Decodes.Add(f.ctx, 1)
	}
	f.lastEmit = time.Now()
	err := fill(f.ctx, f.emit)
	f.finish(err)
}

func (f *flight) emit(ctx context.Context, index int, pcm []byte, res *governor.Reservation) error {
	if f.c.metrics != nil {
		f.c.metrics.SegmentDuration.Record(ctx, time.Since(f.lastEmit).Seconds())
	}
	defer func() { f.lastEmit = time.Now() }()

	f.mu.Lock()
	if index < f.start {
		f.seen = max(f.seen, index+1)
		f.mu.Unlock()
		clear(pcm)
		res.Release()
		return nil
	}
	for !f.cancelled && index-f.minPosLocked() >= f.c.lookahead {
		ch := f.changed
		f.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			clear(pcm)
			res.Release()
			return ctx.Err()
		}
		f.mu.Lock()
	}
	if f.cancelled {
		f.mu.Unlock()
		clear(pcm)
		res.Release()
		return context.Canceled
	}
	f.mu.Unlock()

	h, err := f.c.Commit(ctx, f.track.Segment(index), pcm, res)
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.next = index + 1
	f.seen = max(f.seen, index+1)
	if !f.cancelled && f.minPosLocked() <= index {
		f.held[index] = h
	} else {
		h.Release()
	}
	f.broadcastLocked()
	return nil
}

func (f *flight) finish(err error) {
	fs := f.c.flightShardFor(f.track)
	fs.mu.Lock()
	f.mu.Lock()
	f.done = true
	if !f.cancelled {
		f.err = err
		if err == nil {
			fs.ends[f.track] = f.seen
		}
	}
	if f.registered && fs.flights[f.track] == f {
		delete(fs.flights, f.track)
	}
	f.broadcastLocked()
	f.mu.Unlock()
	fs.mu.Unlock()
	f.cancel()
}

// await blocks until pos can be served. It returns a pinned handle when the
// flight holds the segment, (nil, nil) when the caller should look the
// segment up again, or errRestart when this flight cannot produce pos.
func (f *flight) await(ctx context.Context, pos int) (*Handle, error) {
	f.mu.Lock()
	for {
		if h := f.held[pos]; h != nil {
			f.mu.Unlock()
			if nh, ok := f.c.repin(h.e); ok {
				return nh, nil
			}
			return nil, errRestart
		}
		switch {
		case pos < f.next:
			f.mu.Unlock()
			return nil, errRestart
		case f.done && f.err != nil:
			err := f.err
			f.mu.Unlock()
			return nil, err
		case f.done && pos >= f.seen:
			f.mu.Unlock()
			return nil, io.EOF
		case f.done || f.cancelled:
			f.mu.Unlock()
			return nil, errRestart
		}
		ch := f.changed
		f.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		f.mu.Lock()
	}
}

// ─── Reader ──────────────────────────────────────────────────────────────────

// Reader yields a track's segments in order. It is used by one goroutine.
type Reader struct {
	c     *Cache
	track TrackKey
	fill  FillFunc
	pos   int
	f     *flight
}

// Open returns a reader over track starting at segment from. Segments come
// from the cache when committed; otherwise the reader joins the track's
// running production, or starts one with fill. At most one registered
// production per track runs at a time, so concurrent readers of the same
// track trigger a single fill. Close must be called when done.
func (c *Cache) Open(track TrackKey, from int, fill FillFunc) *Reader {
	return &Reader{c: c, track: track, fill: fill, pos: from}
}

// Position returns the index of the next segment Next will return.
func (r *Reader) Position() int { return r.pos }

// Next returns the next segment, or io.EOF once the track is exhausted.
// A production error is returned once every segment produced before it has
// been read.
func (r *Reader) Next(ctx context.Context) (*Handle, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		h, err := r.c.Lookup(ctx, r.track.Segment(r.pos))
		if err == nil {
			r.advance()
			return h, nil
		}
		if !errors.Is(err, ErrMiss) {
			return nil, err
		}

		if r.f == nil {
			if err := r.attach(); err != nil {
				return nil, err
			}
		}
		h, err = r.f.await(ctx, r.pos)
		switch {
		case errors.Is(err, errRestart):
			r.detach()
		case err != nil:
			return nil, err
		case h != nil:
			r.advance()
			return h, nil
		}
	}
}

func (r *Reader) attach() error {
	fs := r.c.flightShardFor(r.track)
	fs.mu.Lock()
	if end, ok := fs.ends[r.track]; ok && r.pos >= end {
		fs.mu.Unlock()
		return io.EOF
	}

	if f := fs.flights[r.track]; f != nil {
		f.mu.Lock()
		if f.canServeLocked(r.pos) {
			f.readers[r] = r.pos
			f.mu.Unlock()
			fs.mu.Unlock()
			r.f = f
			return nil
		}
		f.mu.Unlock()
	}

	_, busy := fs.flights[r.track]
	f := r.c.newFlight(r.track, r.pos, !busy)
	if !busy {
		fs.flights[r.track] = f
	}
	f.readers[r] = r.pos
	fs.mu.Unlock()

	r.f = f
	go f.run(r.fill)
	return nil
}

func (r *Reader) advance() {
	r.pos++
	if r.f == nil {
		return
	}
	f := r.f
	f.mu.Lock()
	f.readers[r] = r.pos
	f.releasePassedLocked()
	f.broadcastLocked()
	f.mu.Unlock()
}

func (r *Reader) detach() {
	f := r.f
	if f == nil {
		return
	}
	r.f = nil

	fs := r.c.flightShardFor(r.track)
	fs.mu.Lock()
	f.mu.Lock()
	delete(f.readers, r)
	if len(f.readers) == 0 && !f.done {
		f.cancelled = true
		if f.registered && fs.flights[r.track] == f {
			delete(fs.flights, r.track)
		}
	}
	f.releasePassedLocked()
	f.broadcastLocked()
	cancelled := f.cancelled
	f.mu.Unlock()
	fs.mu.Unlock()

	if cancelled {
		f.cancel()
	}
}

// Close detaches the reader. A production left without readers is
// cancelled and its held segments are unpinned.
func (r *Reader) Close() error {
	r.detach()
	return nil
}
