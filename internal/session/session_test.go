package session

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/cadenza/internal/cache"
	"github.com/MrWong99/cadenza/internal/decode"
	"github.com/MrWong99/cadenza/internal/governor"
	"github.com/MrWong99/cadenza/internal/resolve"
	"github.com/MrWong99/cadenza/internal/resolve/mock"
	"github.com/MrWong99/cadenza/internal/workpool"
	"github.com/MrWong99/cadenza/pkg/audio"
	audiomock "github.com/MrWong99/cadenza/pkg/audio/mock"
)

var layout = audio.NewLayout(20 * time.Millisecond)

// ─── fakes ───────────────────────────────────────────────────────────────────

// toneTrack describes the frames a fake source decodes to. Every byte of a
// frame equals marker, which identifies the track on the transport.
type toneTrack struct {
	frames int
	marker byte
	err    error

	// gate, when set, must yield a value for every frame from gateAfter on.
	gate      chan struct{}
	gateAfter int
}

type toneDecoder struct {
	mu     sync.Mutex
	tracks map[string]toneTrack
	opens  map[string]int
}

func (d *toneDecoder) Open(_ context.Context, src resolve.Source) (decode.Stream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.tracks[src.URL]
	if !ok {
		return nil, decode.ErrTransportFetchFailed
	}
	d.opens[src.URL]++
	return &toneStream{t: t, fb: layout.FrameBytes()}, nil
}

func (d *toneDecoder) Opens(url string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.opens[url]
}

type toneStream struct {
	t  toneTrack
	fb int
	n  int
}

func (s *toneStream) Next(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.n >= s.t.frames {
		if s.t.err != nil {
			return nil, s.t.err
		}
		return nil, io.EOF
	}
	if s.t.gate != nil && s.n >= s.t.gateAfter {
		select {
		case <-s.t.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	s.n++
	return bytes.Repeat([]byte{s.t.marker}, s.fb), nil
}

func (s *toneStream) Close() error { return nil }

// neverTicker never fires; tests drive the dispatcher through tick.
type neverTicker struct{}

func (neverTicker) C() <-chan time.Time { return nil }
func (neverTicker) Stop()               {}

func manualTicks(time.Duration) Ticker { return neverTicker{} }

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) add(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) notices(kind EventKind) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, ev := range r.events {
		if ev.Kind == kind {
			out = append(out, ev.String())
		}
	}
	return out
}

// statesOf returns the states entered while raw was the current track.
func (r *recorder) statesOf(raw string) []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []State
	for _, ev := range r.events {
		if ev.Kind == EventStateChanged && ev.Entry.Ref.Raw == raw {
			out = append(out, ev.To)
		}
	}
	return out
}

// ─── harness ─────────────────────────────────────────────────────────────────

type harness struct {
	t        *testing.T
	gov      *governor.Governor
	cache    *cache.Cache
	dec      *toneDecoder
	resolver *mock.Resolver
	producer *decode.Producer
	pool     *workpool.Pool
	cfg      Config
}

type harnessOption func(*harnessConfig)

type harnessConfig struct {
	ceiling   int64
	fps       int
	cacheOpts []cache.Option
	pool      bool
}

func withCeiling(n int64) harnessOption { return func(c *harnessConfig) { c.ceiling = n } }
func withFPS(n int) harnessOption       { return func(c *harnessConfig) { c.fps = n } }
func withPool() harnessOption           { return func(c *harnessConfig) { c.pool = true } }
func withCacheOpts(o ...cache.Option) harnessOption {
	return func(c *harnessConfig) { c.cacheOpts = append(c.cacheOpts, o...) }
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	hc := harnessConfig{ceiling: 64 << 20, fps: 50}
	for _, o := range opts {
		o(&hc)
	}
	codec, err := cache.NewSegmentCodec(bytes.Repeat([]byte{9}, 32), false)
	if err != nil {
		t.Fatal(err)
	}
	gov := governor.New(hc.ceiling, governor.WithPressureTimeout(2*time.Second))
	c := cache.New(gov, codec, hc.cacheOpts...)
	t.Cleanup(func() { _ = c.Close() })

	dec := &toneDecoder{tracks: make(map[string]toneTrack), opens: make(map[string]int)}
	h := &harness{
		t:        t,
		gov:      gov,
		cache:    c,
		dec:      dec,
		resolver: &mock.Resolver{},
		producer: decode.NewProducer(dec, gov, layout, hc.fps),
		cfg: Config{
			Layout:         layout,
			ResolveTimeout: time.Second,
			Lookahead:      2,
			IdleTimeout:    -1,
		},
	}
	if hc.pool {
		pool := workpool.New(workpool.Config{ResolveWorkers: 2, DecodeWorkers: 4})
		t.Cleanup(func() { _ = pool.Close() })
		h.pool = pool
	}
	return h
}

// track registers a reference that resolves and decodes to t.
func (h *harness) track(raw string, t toneTrack) {
	url := "https://media.test/" + raw + ".pcm"
	h.resolver.Set(raw, resolve.Source{URL: url, Codec: resolve.CodecPCM})
	h.dec.mu.Lock()
	h.dec.tracks[url] = t
	h.dec.mu.Unlock()
}

func (h *harness) pipeline() Pipeline {
	return Pipeline{Resolver: h.resolver, Producer: h.producer, Cache: h.cache, Pool: h.pool}
}

func (h *harness) session(id string, opts ...Option) (*Session, *audiomock.Connection, *recorder) {
	h.t.Helper()
	conn := &audiomock.Connection{}
	rec := &recorder{}
	opts = append([]Option{WithTicker(manualTicks), WithNotifier(rec.add)}, opts...)
	s := New(id, conn, h.pipeline(), h.cfg, opts...)
	h.t.Cleanup(func() {
		_ = s.Stop()
		<-s.Done()
	})
	return s, conn, rec
}

func (h *harness) enqueue(s *Session, raws ...string) {
	h.t.Helper()
	for _, raw := range raws {
		if _, err := s.Enqueue(resolve.NewReference(raw), "user-1"); err != nil {
			h.t.Fatalf("Enqueue(%q): %v", raw, err)
		}
	}
}

// playUntil drives the dispatcher until cond holds.
func playUntil(t *testing.T, s *Session, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not reached; state %s, stats %+v", s.State(), s.Stats())
		}
		s.tick()
		time.Sleep(50 * time.Microsecond)
	}
}

func eventually(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func inState(s *Session, want State) func() bool {
	return func() bool { return s.State() == want }
}

// started holds once the current track has frames ready. A track that fits
// in one segment moves from Playing to Draining as soon as it is pushed, so
// both count.
func started(s *Session) func() bool {
	return func() bool {
		st := s.State()
		return st == Playing || st == Draining
	}
}

func markers(frames []audio.AudioFrame) []byte {
	out := make([]byte, len(frames))
	for i, f := range frames {
		out[i] = f.Data[0]
	}
	return out
}

// ─── scenarios ───────────────────────────────────────────────────────────────

func TestScenario_TrackPlaysOutThenIdle(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.cfg.Lookahead = 8
	h.track("A", toneTrack{frames: 250, marker: 1}) // 5 s
	s, conn, rec := h.session("ch-1")

	h.enqueue(s, "A")
	eventually(t, inState(s, Draining), "Draining")
	playUntil(t, s, inState(s, Idle))

	audible := conn.AudibleFrames()
	if len(audible) != 250 {
		t.Fatalf("audible frames = %d, want 250", len(audible))
	}
	for i, f := range audible {
		if want := time.Duration(i) * 20 * time.Millisecond; f.Timestamp != want {
			t.Fatalf("frame %d timestamp = %v, want %v", i, f.Timestamp, want)
		}
		if len(f.Data) != layout.FrameBytes() || f.Data[0] != 1 {
			t.Fatalf("frame %d has wrong payload", i)
		}
	}
	want := []State{Resolving, Buffering, Playing, Draining}
	eventually(t, func() bool { return len(rec.statesOf("A")) >= len(want) }, "state events")
	if got := rec.statesOf("A"); !equalStates(got, want) {
		t.Errorf("states = %v, want %v", got, want)
	}
	if got := rec.notices(EventTrackFinished); len(got) != 1 {
		t.Errorf("finished notices = %v", got)
	}
}

func TestScenario_ResolveTimeoutSkips(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.cfg.ResolveTimeout = 30 * time.Millisecond
	h.track("B", toneTrack{frames: 10, marker: 2})
	h.resolver.SetDelay("B", time.Second)
	h.track("A", toneTrack{frames: 10, marker: 1})
	s, conn, rec := h.session("ch-1")

	h.enqueue(s, "B", "A")
	eventually(t, func() bool { return len(rec.notices(EventTrackSkipped)) == 1 }, "skip notice")
	if got := rec.notices(EventTrackSkipped)[0]; got != "skipped: Timeout" {
		t.Errorf("notice = %q, want %q", got, "skipped: Timeout")
	}
	if n := h.resolver.CallsFor("B"); n != 2 {
		t.Errorf("resolve attempts for B = %d, want 2", n)
	}
	for _, st := range rec.statesOf("B") {
		if st == Buffering || st == Playing {
			t.Errorf("B entered %s", st)
		}
	}

	eventually(t, started(s), "A playing")
	playUntil(t, s, inState(s, Idle))
	if got := markers(conn.AudibleFrames()); !bytes.Equal(got, bytes.Repeat([]byte{1}, 10)) {
		t.Errorf("markers = %v, want ten frames of A", got)
	}
}

func TestScenario_SharedTrackDecodedOnce(t *testing.T) {
	t.Parallel()

	h := newHarness(t, withPool(), withFPS(10))
	h.track("A", toneTrack{frames: 50, marker: 7})
	s1, conn1, _ := h.session("ch-1")
	s2, conn2, _ := h.session("ch-2")

	h.enqueue(s1, "A")
	h.enqueue(s2, "A")

	deadline := time.Now().Add(10 * time.Second)
	for s1.State() != Idle || s2.State() != Idle {
		if time.Now().After(deadline) {
			t.Fatalf("sessions stuck in %s and %s", s1.State(), s2.State())
		}
		s1.tick()
		s2.tick()
		time.Sleep(50 * time.Microsecond)
	}

	if n := h.dec.Opens("https://media.test/A.pcm"); n != 1 {
		t.Errorf("decodes = %d, want 1", n)
	}
	for i, conn := range []*audiomock.Connection{conn1, conn2} {
		if n := len(conn.AudibleFrames()); n != 50 {
			t.Errorf("session %d played %d frames, want 50", i+1, n)
		}
	}
}

func TestScenario_CeilingOfTwoSegments(t *testing.T) {
	t.Parallel()

	const frames = 25
	plain := frames * layout.FrameBytes()
	codec, _ := cache.NewSegmentCodec(bytes.Repeat([]byte{9}, 32), false)
	blob, _ := codec.Encode(make([]byte, plain))

	var (
		mu      sync.Mutex
		evicted []cache.Key
	)
	h := newHarness(t,
		withFPS(frames),
		withCeiling(int64(2*len(blob)+plain)),
		withCacheOpts(cache.WithEvictHook(func(k cache.Key) {
			mu.Lock()
			evicted = append(evicted, k)
			mu.Unlock()
		})),
	)
	h.cfg.Lookahead = 1
	h.cfg.MaxLookahead = 1
	raws := []string{"t1", "t2", "t3", "t4", "t5"}
	for i, raw := range raws {
		h.track(raw, toneTrack{frames: frames, marker: byte(i + 1)})
	}
	s, conn, rec := h.session("ch-1")

	maxEntries := 0
	for _, raw := range raws {
		h.enqueue(s, raw)
		playUntil(t, s, func() bool {
			maxEntries = max(maxEntries, h.cache.Stats().Entries)
			if h.gov.Used() > h.gov.Ceiling() {
				t.Fatalf("used %d over ceiling %d", h.gov.Used(), h.gov.Ceiling())
			}
			return s.State() == Idle
		})
	}

	if maxEntries > 2 {
		t.Errorf("cache held %d segments, want at most 2", maxEntries)
	}
	if got := rec.notices(EventTrackSkipped); len(got) != 0 {
		t.Errorf("skipped = %v, want none", got)
	}
	if n := len(conn.AudibleFrames()); n != 5*frames {
		t.Errorf("played %d frames, want %d", n, 5*frames)
	}

	params := h.producer.Params()
	mu.Lock()
	defer mu.Unlock()
	if len(evicted) != 3 {
		t.Fatalf("evicted %d segments, want 3", len(evicted))
	}
	for i, raw := range raws[:3] {
		want := cache.NewTrackKey(resolve.NewReference(raw).Normalized(), params).Segment(0)
		if evicted[i] != want {
			t.Errorf("eviction %d = %s, want %s (%s)", i, evicted[i], want, raw)
		}
	}
}

func TestScenario_PauseResumeGap(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.track("A", toneTrack{frames: 50, marker: 1})
	conn := &audiomock.Connection{}

	var (
		mu    sync.Mutex
		times []time.Time
	)
	reached := make(chan struct{})
	conn.OnSend(func(f audio.AudioFrame) {
		if f.Silence {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		times = append(times, time.Now())
		if len(times) == 10 {
			close(reached)
		}
	})

	// Real 20 ms ticker.
	s := New("ch-1", conn, h.pipeline(), h.cfg)
	t.Cleanup(func() { _ = s.Stop(); <-s.Done() })
	h.enqueue(s, "A")

	select {
	case <-reached:
	case <-time.After(5 * time.Second):
		t.Fatal("playback never reached frame 10")
	}
	if err := s.Pause(); err != nil {
		t.Fatal(err)
	}
	mu.Lock()
	before := len(times)
	lastBefore := times[before-1]
	mu.Unlock()

	time.Sleep(2 * time.Second)
	mu.Lock()
	if len(times) != before {
		t.Errorf("%d frames sent while paused", len(times)-before)
	}
	mu.Unlock()

	if err := s.Resume(); err != nil {
		t.Fatal(err)
	}
	eventually(t, inState(s, Idle), "Idle")

	mu.Lock()
	defer mu.Unlock()
	if len(times) != 50 {
		t.Errorf("frames = %d, want 50", len(times))
	}
	gap := times[before].Sub(lastBefore)
	if gap < 2*time.Second || gap > 2500*time.Millisecond {
		t.Errorf("gap = %v, want about 2s", gap)
	}
}

// ─── properties ──────────────────────────────────────────────────────────────

func TestQueue_FIFO(t *testing.T) {
	t.Parallel()

	h := newHarness(t, withFPS(4))
	for i, raw := range []string{"t1", "t2", "t3", "t4"} {
		h.track(raw, toneTrack{frames: 6, marker: byte(i + 1)})
	}
	s, conn, _ := h.session("ch-1")
	h.enqueue(s, "t1", "t2", "t3", "t4")
	playUntil(t, s, func() bool { return len(conn.AudibleFrames()) == 24 && s.State() == Idle })

	var want []byte
	for m := byte(1); m <= 4; m++ {
		want = append(want, bytes.Repeat([]byte{m}, 6)...)
	}
	if got := markers(conn.AudibleFrames()); !bytes.Equal(got, want) {
		t.Errorf("play order = %v, want %v", got, want)
	}
}

func TestSkip_NoFramesAfterReturn(t *testing.T) {
	t.Parallel()

	h := newHarness(t, withFPS(5))
	gate := make(chan struct{}, 1000)
	for range 20 {
		gate <- struct{}{}
	}
	h.track("long", toneTrack{frames: 1000, marker: 1, gate: gate, gateAfter: 0})
	h.track("next", toneTrack{frames: 10, marker: 2})
	s, conn, rec := h.session("ch-1")

	h.enqueue(s, "long")
	eventually(t, inState(s, Playing), "Playing")
	for range 8 {
		s.tick()
	}
	if err := s.Skip(); err != nil {
		t.Fatal(err)
	}
	sentAtSkip := len(conn.Frames())
	if s.State() != Idle {
		t.Errorf("state after skip = %s, want idle", s.State())
	}

	eventually(t, func() bool { return h.cache.Stats().Flights == 0 }, "production cancelled")
	eventually(t, func() bool { return h.gov.Used() == h.cache.Stats().Bytes }, "reservations released")
	if st := h.cache.Stats(); st.Pinned != 0 {
		t.Errorf("pinned segments after skip = %d", st.Pinned)
	}

	h.enqueue(s, "next")
	eventually(t, started(s), "next playing")
	playUntil(t, s, inState(s, Idle))
	after := conn.Frames()[sentAtSkip:]
	if len(after) == 0 {
		t.Fatal("next track sent nothing")
	}
	for i, f := range after {
		if !f.Silence && f.Data[0] != 2 {
			t.Fatalf("frame %d after skip belongs to the skipped track", i)
		}
	}
	if got := rec.notices(EventTrackSkipped); len(got) != 1 || got[0] != "skipped: "+ReasonRequested {
		t.Errorf("notices = %v", got)
	}
}

func TestDecodeError_PrefixPlaysThenSkip(t *testing.T) {
	t.Parallel()

	h := newHarness(t, withFPS(4))
	h.track("bad", toneTrack{frames: 10, marker: 1, err: decode.ErrCorrupt})
	h.track("good", toneTrack{frames: 4, marker: 2})
	s, conn, rec := h.session("ch-1")

	h.enqueue(s, "bad", "good")
	eventually(t, started(s), "track started")
	playUntil(t, s, func() bool { return len(conn.AudibleFrames()) == 14 && s.State() == Idle })

	want := append(bytes.Repeat([]byte{1}, 10), bytes.Repeat([]byte{2}, 4)...)
	if got := markers(conn.AudibleFrames()); !bytes.Equal(got, want) {
		t.Errorf("markers = %v, want %v", got, want)
	}
	if got := rec.notices(EventTrackSkipped); len(got) != 1 || got[0] != "skipped: Corrupt" {
		t.Errorf("notices = %v, want [skipped: Corrupt]", got)
	}
}

func TestUnresolvable_SkippedWithoutRetry(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	s, _, rec := h.session("ch-1")
	h.enqueue(s, "nothing")
	eventually(t, inState(s, Idle), "Idle")
	eventually(t, func() bool { return len(rec.notices(EventTrackSkipped)) == 1 }, "notice")
	if got := rec.notices(EventTrackSkipped)[0]; got != "skipped: Unresolvable" {
		t.Errorf("notice = %q", got)
	}
	if n := h.resolver.CallsFor("nothing"); n != 1 {
		t.Errorf("attempts = %d, want 1", n)
	}
}

func TestUnderrun_SilenceAndLookahead(t *testing.T) {
	t.Parallel()

	h := newHarness(t, withFPS(2))
	gate := make(chan struct{}, 100)
	h.track("slow", toneTrack{frames: 8, marker: 1, gate: gate, gateAfter: 2})
	s, conn, _ := h.session("ch-1")

	h.enqueue(s, "slow")
	eventually(t, inState(s, Playing), "Playing")
	for range 5 {
		s.tick()
	}
	st := s.Stats()
	if st.Underruns == 0 || st.FramesSilence == 0 {
		t.Fatalf("stats = %+v, want underruns", st)
	}
	if st.Lookahead != h.cfg.Lookahead+1 {
		t.Errorf("lookahead = %d, want %d after one underrun episode", st.Lookahead, h.cfg.Lookahead+1)
	}
	for _, f := range conn.Frames()[2:] {
		if !f.Silence {
			t.Fatal("audible frame sent while starved")
		}
	}

	for range 6 {
		gate <- struct{}{}
	}
	playUntil(t, s, inState(s, Idle))
	if n := len(conn.AudibleFrames()); n != 8 {
		t.Errorf("audible = %d, want 8", n)
	}
}

func TestUnderrun_StuckReportedOncePerStall(t *testing.T) {
	t.Parallel()

	h := newHarness(t, withFPS(2))
	h.cfg.StuckThreshold = 60 * time.Millisecond // three 20ms frames
	gate := make(chan struct{}, 100)
	h.track("slow", toneTrack{frames: 6, marker: 1, gate: gate, gateAfter: 2})
	s, _, rec := h.session("ch-1")

	h.enqueue(s, "slow")
	eventually(t, inState(s, Playing), "Playing")
	for range 2 + 2 {
		s.tick()
	}
	if st := s.Stats(); st.Stuck != 0 {
		t.Fatalf("stuck after two silent frames: %+v", st)
	}
	for range 6 {
		s.tick()
	}
	if st := s.Stats(); st.Stuck != 1 {
		t.Fatalf("Stuck = %d after a long stall, want 1", st.Stuck)
	}
	eventually(t, func() bool { return len(rec.notices(EventTrackStuck)) == 1 }, "stuck notice")
	if got := rec.notices(EventTrackStuck)[0]; got != "stuck: slow (no audio for 60ms)" {
		t.Errorf("notice = %q", got)
	}

	for range 4 {
		gate <- struct{}{}
	}
	eventually(t, func() bool { return s.Stats().Buffered == 2 }, "remaining segments buffered")
	playUntil(t, s, inState(s, Idle))
	if st := s.Stats(); st.Stuck != 1 {
		t.Errorf("Stuck = %d after recovery, want 1", st.Stuck)
	}
}

func TestUnderrun_StuckDisabled(t *testing.T) {
	t.Parallel()

	h := newHarness(t, withFPS(2))
	h.cfg.StuckThreshold = -1
	gate := make(chan struct{}, 100)
	h.track("slow", toneTrack{frames: 4, marker: 1, gate: gate, gateAfter: 2})
	s, _, _ := h.session("ch-1")

	h.enqueue(s, "slow")
	eventually(t, inState(s, Playing), "Playing")
	for range 50 {
		s.tick()
	}
	if st := s.Stats(); st.Stuck != 0 || st.Underruns == 0 {
		t.Errorf("stats = %+v, want underruns and no stuck report", st)
	}
	for range 2 {
		gate <- struct{}{}
	}
	playUntil(t, s, inState(s, Idle))
}

func TestBackpressure_DropsWithoutRetry(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.track("A", toneTrack{frames: 30, marker: 1})
	s, conn, _ := h.session("ch-1")

	var dropped int
	conn.RejectFunc = func(n int, f audio.AudioFrame) error {
		if !f.Silence && n%3 == 0 {
			dropped++
			return audio.ErrBackpressure
		}
		return nil
	}
	h.enqueue(s, "A")
	eventually(t, started(s), "track started")
	playUntil(t, s, inState(s, Idle))

	if dropped == 0 {
		t.Fatal("no frame was rejected")
	}
	if got := len(conn.AudibleFrames()) + dropped; got != 30 {
		t.Errorf("accepted + dropped = %d, want 30", got)
	}
	if s.Stats().FramesDropped != int64(dropped) {
		t.Errorf("FramesDropped = %d, want %d", s.Stats().FramesDropped, dropped)
	}
}

func TestPause_BeforeReadyStartsPaused(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.track("A", toneTrack{frames: 5, marker: 1})
	h.resolver.SetDelay("A", 50*time.Millisecond)
	s, conn, _ := h.session("ch-1")

	h.enqueue(s, "A")
	if err := s.Pause(); err != nil {
		t.Fatal(err)
	}
	eventually(t, inState(s, Paused), "Paused")
	for range 10 {
		s.tick()
	}
	if n := len(conn.Frames()); n != 0 {
		t.Errorf("%d frames sent while paused", n)
	}
	if err := s.Resume(); err != nil {
		t.Fatal(err)
	}
	playUntil(t, s, inState(s, Idle))
	if n := len(conn.AudibleFrames()); n != 5 {
		t.Errorf("audible = %d, want 5", n)
	}
}

func TestControl_IdleErrors(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	s, _, _ := h.session("ch-1")
	for name, op := range map[string]func() error{
		"skip":   s.Skip,
		"pause":  s.Pause,
		"resume": s.Resume,
	} {
		if err := op(); !errors.Is(err, ErrNotPlaying) {
			t.Errorf("%s on idle: err = %v, want ErrNotPlaying", name, err)
		}
	}
	if _, err := s.Remove(0); !errors.Is(err, ErrInvalidIndex) {
		t.Errorf("Remove on empty queue: err = %v", err)
	}
}

func TestMoveAndRemove(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	gate := make(chan struct{})
	for _, raw := range []string{"cur", "a", "b", "c"} {
		h.track(raw, toneTrack{frames: 100, marker: 1, gate: gate})
	}
	s, _, _ := h.session("ch-1")
	h.enqueue(s, "cur", "a", "b", "c")

	if err := s.Move(0, 2); !errors.Is(err, ErrInvalidIndex) {
		t.Errorf("Move(0,2) err = %v, want ErrInvalidIndex", err)
	}
	if err := s.Move(3, 0); !errors.Is(err, ErrInvalidIndex) {
		t.Errorf("Move(3,0) err = %v, want ErrInvalidIndex", err)
	}
	if err := s.Move(1, 9); !errors.Is(err, ErrInvalidIndex) {
		t.Errorf("Move(1,9) err = %v, want ErrInvalidIndex", err)
	}
	if err := s.Move(3, 1); err != nil {
		t.Fatal(err)
	}
	if got := queueRaws(t, s); !equalStrings(got, []string{"cur", "c", "a", "b"}) {
		t.Errorf("queue = %v", got)
	}

	e, err := s.Remove(2)
	if err != nil || e.Ref.Raw != "a" {
		t.Fatalf("Remove(2) = %v, %v", e.Ref.Raw, err)
	}
	if got := queueRaws(t, s); !equalStrings(got, []string{"cur", "c", "b"}) {
		t.Errorf("queue = %v", got)
	}

	// Removing the head behaves like skip.
	if _, err := s.Remove(0); err != nil {
		t.Fatal(err)
	}
	if got := queueRaws(t, s); len(got) == 0 || got[0] != "c" {
		t.Errorf("queue after removing head = %v", got)
	}
}

func TestStop_IsAbsorbing(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.track("A", toneTrack{frames: 500, marker: 1})
	s, conn, rec := h.session("ch-1")
	h.enqueue(s, "A", "A")
	eventually(t, inState(s, Playing), "Playing")

	if err := s.Stop(); err != nil {
		t.Fatal(err)
	}
	<-s.Done()

	if err := s.Stop(); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("second Stop: err = %v", err)
	}
	if _, err := s.Enqueue(resolve.NewReference("A"), "u"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Enqueue: err = %v", err)
	}
	for name, op := range map[string]func() error{"skip": s.Skip, "pause": s.Pause, "resume": s.Resume} {
		if err := op(); !errors.Is(err, ErrSessionNotFound) {
			t.Errorf("%s: err = %v", name, err)
		}
	}
	if _, err := s.Queue(); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Queue: err = %v", err)
	}
	if err := s.Move(1, 2); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Move: err = %v", err)
	}
	if s.State() != Terminating {
		t.Errorf("state = %s", s.State())
	}
	if conn.CallCountDisconnect != 1 {
		t.Errorf("Disconnect calls = %d, want 1", conn.CallCountDisconnect)
	}
	if h.gov.Used() != h.cache.Stats().Bytes {
		t.Errorf("used %d, committed %d: reservations leaked", h.gov.Used(), h.cache.Stats().Bytes)
	}
	if got := rec.notices(EventTerminated); len(got) != 1 || got[0] != "stopped: stopped" {
		t.Errorf("terminated notices = %v", got)
	}
}

func TestDisconnect_Terminates(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	s, conn, _ := h.session("ch-1")
	conn.Drop()
	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("session did not terminate after drop")
	}
}

func TestIdleTimeout(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.cfg.IdleTimeout = 30 * time.Millisecond
	s, _, rec := h.session("ch-1")
	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("idle session was not destroyed")
	}
	if got := rec.notices(EventTerminated); len(got) != 1 || got[0] != "stopped: idle" {
		t.Errorf("notices = %v", got)
	}
}

func TestEnqueue_DuringDrainingResumesPlaying(t *testing.T) {
	t.Parallel()

	h := newHarness(t, withFPS(50))
	h.track("A", toneTrack{frames: 20, marker: 1})
	h.track("B", toneTrack{frames: 3, marker: 2})
	s, conn, _ := h.session("ch-1")

	h.enqueue(s, "A")
	eventually(t, inState(s, Draining), "Draining")
	h.enqueue(s, "B")
	if s.State() != Playing {
		t.Errorf("state = %s after enqueue while draining, want playing", s.State())
	}
	playUntil(t, s, func() bool { return len(conn.AudibleFrames()) == 23 && s.State() == Idle })
}

// ─── helpers ─────────────────────────────────────────────────────────────────

func queueRaws(t *testing.T, s *Session) []string {
	t.Helper()
	q, err := s.Queue()
	if err != nil {
		t.Fatal(err)
	}
	out := make([]string, len(q))
	for i, e := range q {
		out[i] = e.Ref.Raw
	}
	return out
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func equalStates(a, b []State) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
