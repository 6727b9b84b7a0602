// Package cache is the content-addressed segment store shared by every
// playback session.
//
// Segments are runs of normalized PCM frames. They are encoded through a
// [Codec] (optionally compressed, encrypted with a per-segment random IV,
// tagged with an integrity digest) before they are held in memory or spilled
// to a [Store]; plaintext exists only inside a pinned [Handle] for as long as
// its holder keeps it.
//
// Committed bytes are accounted by the [governor.Governor]. When a
// reservation cannot be satisfied the governor calls [Cache.Reclaim], which
// evicts least-recently-used entries that carry no pin. A pinned entry is
// never evicted; when an eviction races with a pin, the pin wins.
//
// Entries live in lock-striped shards so concurrent lookups for different
// keys never contend on a global lock. Production of a track's segments is
// single-flight per [TrackKey]; see [Cache.Open].
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/MrWong99/cadenza/internal/governor"
	"github.com/MrWong99/cadenza/internal/observe"
)

var (
	// ErrMiss is returned by [Cache.Lookup] when no segment is committed
	// under the key, in memory or in the spill store.
	ErrMiss = errors.New("cache: miss")

	// ErrIOFailure wraps spill store failures other than absence.
	ErrIOFailure = errors.New("cache: io failure")

	// ErrIntegrityMismatch is returned when a stored blob fails its
	// integrity check or cannot be decrypted. The entry is evicted.
	ErrIntegrityMismatch = errors.New("cache: integrity mismatch")
)

const (
	defaultShards    = 32
	defaultLookahead = 2
)

// Cache holds committed segments. All methods are safe for concurrent use.
type Cache struct {
	gov       *governor.Governor
	codec     *Codec
	spill     Store
	metrics   *observe.Metrics
	lookahead int
	onEvict   func(Key)

	shards  []*shard
	flights []*flightShard

	clock atomic.Uint64
	bytes atomic.Int64

	// evictMu serializes reclaim scans; lookups and commits never take it.
	evictMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
}

type shard struct {
	mu      sync.Mutex
	entries map[Key]*entry
}

// entry is one committed segment. pins and lastUsed are guarded by the
// owning shard's mutex; blob and res are immutable after install.
type entry struct {
	key      Key
	blob     []byte
	rawLen   int
	res      *governor.Reservation
	pins     int
	lastUsed uint64
	spilled  bool
}

// Option configures a [Cache].
type Option func(*Cache)

// WithSpill makes evicted segments spill to s instead of being dropped.
// Lookups that miss in memory consult s.
func WithSpill(s Store) Option {
	return func(c *Cache) { c.spill = s }
}

// WithShards sets the number of lock stripes. n is rounded up to a power
// of two.
func WithShards(n int) Option {
	return func(c *Cache) {
		p := 1
		for p < n {
			p <<= 1
		}
		c.shards = make([]*shard, p)
		c.flights = make([]*flightShard, p)
	}
}

// WithLookahead bounds how many segments a production may run ahead of its
// slowest reader.
func WithLookahead(n int) Option {
	return func(c *Cache) {
		if n > 0 {
			c.lookahead = n
		}
	}
}

// WithMetrics records cache activity on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Cache) { c.metrics = m }
}

// WithEvictHook calls fn with the key of every segment removed from memory.
// It runs without cache locks held.
func WithEvictHook(fn func(Key)) Option {
	return func(c *Cache) { c.onEvict = fn }
}

// New creates a Cache whose committed bytes are accounted by gov, and
// registers the cache as gov's reclaimer.
func New(gov *governor.Governor, codec *Codec, opts ...Option) *Cache {
	c := &Cache{
		gov:       gov,
		codec:     codec,
		lookahead: defaultLookahead,
	}
	WithShards(defaultShards)(c)
	for _, o := range opts {
		o(c)
	}
	for i := range c.shards {
		c.shards[i] = &shard{entries: make(map[Key]*entry)}
		c.flights[i] = &flightShard{flights: make(map[TrackKey]*flight), ends: make(map[TrackKey]int)}
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	gov.SetReclaimer(c)
	return c
}

func (c *Cache) shardFor(k Key) *shard {
	return c.shards[uint64(k)&uint64(len(c.shards)-1)]
}

func (c *Cache) touch() uint64 { return c.clock.Add(1) }

// Lookup returns a pinned handle to the segment committed under key. A
// segment found only in the spill store is loaded back into memory under a
// governor reservation. Absence everywhere is [ErrMiss].
func (c *Cache) Lookup(ctx context.Context, key Key) (*Handle, error) {
	s := c.shardFor(key)
	s.mu.Lock()
	if e, ok := s.entries[key]; ok {
		e.pins++
		e.lastUsed = c.touch()
		s.mu.Unlock()
		c.recordLookup(ctx, "hit")
		return newHandle(c, e), nil
	}
	s.mu.Unlock()

	if c.spill == nil {
		c.recordLookup(ctx, "miss")
		return nil, ErrMiss
	}
	blob, err := c.spill.Get(key)
	if errors.Is(err, ErrNotFound) {
		c.recordLookup(ctx, "miss")
		return nil, ErrMiss
	}
	if err != nil {
		return nil, fmt.Errorf("cache: read spilled %s: %w: %v", key, ErrIOFailure, err)
	}
	res, err := c.gov.Reserve(ctx, int64(len(blob)))
	if err != nil {
		return nil, fmt.Errorf("cache: load spilled %s: %w", key, err)
	}
	res.Commit()
	c.recordLookup(ctx, "spill")
	return c.install(key, blob, 0, res, true), nil
}

// Commit encodes plaintext and installs it under key. It takes ownership of
// plaintext, which is wiped, and of res, which is resized to the encoded
// size and committed. When another committer already installed key, the
// first committer wins: res is released and the returned handle refers to
// the existing segment.
func (c *Cache) Commit(ctx context.Context, key Key, plaintext []byte, res *governor.Reservation) (*Handle, error) {
	rawLen := len(plaintext)
	blob, err := c.codec.Encode(plaintext)
	clear(plaintext)
	if err != nil {
		res.Release()
		return nil, fmt.Errorf("cache: encode %s: %w: %v", key, ErrIOFailure, err)
	}

	size := int64(len(blob))
	switch cur := res.Size(); {
	case size > cur:
		if err := res.Extend(ctx, size-cur); err != nil {
			res.Release()
			return nil, fmt.Errorf("cache: commit %s: %w", key, err)
		}
	case size < cur:
		res.Shrink(cur - size)
	}
	res.Commit()
	return c.install(key, blob, rawLen, res, false), nil
}

// install inserts a committed blob, or pins the existing entry and releases
// res when key is already present.
func (c *Cache) install(key Key, blob []byte, rawLen int, res *governor.Reservation, spilled bool) *Handle {
	s := c.shardFor(key)
	s.mu.Lock()
	if e, ok := s.entries[key]; ok {
		e.pins++
		e.lastUsed = c.touch()
		s.mu.Unlock()
		res.Release()
		return newHandle(c, e)
	}
	e := &entry{
		key:      key,
		blob:     blob,
		rawLen:   rawLen,
		res:      res,
		pins:     1,
		lastUsed: c.touch(),
		spilled:  spilled,
	}
	s.entries[key] = e
	s.mu.Unlock()

	c.bytes.Add(int64(len(blob)))
	if c.metrics != nil {
		c.metrics.CacheBytes.Add(context.Background(), int64(len(blob)))
	}
	return newHandle(c, e)
}

// repin adds a pin to e if it is still the live entry for its key.
func (c *Cache) repin(e *entry) (*Handle, bool) {
	s := c.shardFor(e.key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.entries[e.key] != e {
		return nil, false
	}
	e.pins++
	e.lastUsed = c.touch()
	return newHandle(c, e), true
}

func (c *Cache) unpin(e *entry) {
	s := c.shardFor(e.key)
	s.mu.Lock()
	if e.pins > 0 {
		e.pins--
	}
	s.mu.Unlock()
}

type candidate struct {
	e        *entry
	lastUsed uint64
}

// Reclaim evicts unpinned segments, least recently used first, until at
// least n bytes were freed or no candidate remains. It returns the bytes
// freed. Reclaim implements [governor.Reclaimer].
func (c *Cache) Reclaim(n int64) int64 {
	c.evictMu.Lock()
	defer c.evictMu.Unlock()

	var cands []candidate
	for _, s := range c.shards {
		s.mu.Lock()
		for _, e := range s.entries {
			if e.pins == 0 {
				cands = append(cands, candidate{e: e, lastUsed: e.lastUsed})
			}
		}
		s.mu.Unlock()
	}
	sort.Slice(cands, func(i, j int) bool { return cands[i].lastUsed < cands[j].lastUsed })

	var freed int64
	for _, cd := range cands {
		if freed >= n {
			break
		}
		freed += c.evict(cd.e, "pressure")
	}
	return freed
}

// evict removes e unless it was pinned or replaced since it was chosen.
// The spill write happens before removal so a concurrent lookup that misses
// in memory finds the spilled copy.
func (c *Cache) evict(e *entry, reason string) int64 {
	if c.spill != nil && !e.spilled {
		if err := c.spill.Put(e.key, e.blob); err != nil {
			slog.Warn("cache: spill failed", "key", e.key.String(), "err", err)
		} else {
			e.spilled = true
		}
	}

	s := c.shardFor(e.key)
	s.mu.Lock()
	if s.entries[e.key] != e || e.pins > 0 {
		s.mu.Unlock()
		return 0
	}
	delete(s.entries, e.key)
	s.mu.Unlock()

	return c.drop(e, reason)
}

// invalidate removes e regardless of pins and deletes its spilled copy.
// Used when the stored bytes turned out to be corrupt.
func (c *Cache) invalidate(e *entry) {
	s := c.shardFor(e.key)
	s.mu.Lock()
	live := s.entries[e.key] == e
	if live {
		delete(s.entries, e.key)
	}
	s.mu.Unlock()

	if c.spill != nil {
		if err := c.spill.Delete(e.key); err != nil {
			slog.Warn("cache: delete corrupt spill", "key", e.key.String(), "err", err)
		}
	}
	if live {
		c.drop(e, "integrity")
	}
}

func (c *Cache) drop(e *entry, reason string) int64 {
	size := e.res.Size()
	e.res.Release()
	c.bytes.Add(-int64(len(e.blob)))
	if c.metrics != nil {
		ctx := context.Background()
		c.metrics.CacheBytes.Add(ctx, -int64(len(e.blob)))
		c.metrics.RecordEviction(ctx, reason)
	}
	if c.onEvict != nil {
		c.onEvict(e.key)
	}
	return size
}

// Stats is a point-in-time view of the cache.
type Stats struct {
	Entries int
	Pinned  int
	Bytes   int64
	Flights int

	// Reclaimable is the governor budget held by unpinned entries, which
	// pressure eviction could free.
	Reclaimable int64
}

// Stats returns current counts. Shards are visited one at a time, so the
// result is not an atomic snapshot.
func (c *Cache) Stats() Stats {
	var st Stats
	for _, s := range c.shards {
		s.mu.Lock()
		st.Entries += len(s.entries)
		for _, e := range s.entries {
			if e.pins > 0 {
				st.Pinned++
			} else if e.res != nil {
				st.Reclaimable += e.res.Size()
			}
		}
		s.mu.Unlock()
	}
	for _, fs := range c.flights {
		fs.mu.Lock()
		st.Flights += len(fs.flights)
		fs.mu.Unlock()
	}
	st.Bytes = c.bytes.Load()
	return st
}

// Close cancels every in-flight production. Committed entries stay
// readable.
func (c *Cache) Close() error {
	c.cancel()
	return nil
}

func (c *Cache) recordLookup(ctx context.Context, result string) {
	if c.metrics != nil {
		c.metrics.RecordCacheLookup(ctx, result)
	}
}
