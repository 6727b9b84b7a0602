// Package session runs one playback session per voice channel.
//
// A [Session] owns an ordered queue of [Entry] values and a state machine
// (see [State]). The head of the queue is the current track: it is resolved,
// read segment by segment from the shared [cache.Cache] (which starts or
// joins the track's single production) and buffered up to the session's
// lookahead. A dispatcher goroutine releases one frame per tick to the
// voice transport.
//
// All queue and state mutation happens under the session's own mutex; no
// lock is ever held across two sessions. Work for the current track carries
// a generation number so that nothing produced for a skipped track can
// reach the buffer once the skip returned.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/cadenza/internal/cache"
	"github.com/MrWong99/cadenza/internal/decode"
	"github.com/MrWong99/cadenza/internal/observe"
	"github.com/MrWong99/cadenza/internal/resolve"
	"github.com/MrWong99/cadenza/internal/workpool"
	"github.com/MrWong99/cadenza/pkg/audio"
)

var (
	// ErrSessionNotFound is returned for operations on a channel without a
	// live session, and by every operation on a terminated session.
	ErrSessionNotFound = errors.New("session: not found")

	// ErrInvalidIndex is returned by Move and Remove for an index outside
	// the queue, or for a move that would displace the current track.
	ErrInvalidIndex = errors.New("session: invalid queue index")

	// ErrNotPlaying is returned by Skip, Pause and Resume on an idle session.
	ErrNotPlaying = errors.New("session: nothing playing")
)

// State is a session's playback state.
type State int32

const (
	// Idle: empty queue, dispatcher parked.
	Idle State = iota
	// Resolving: the head of the queue awaits its source.
	Resolving
	// Buffering: the first segment of the head is being produced.
	Buffering
	// Playing: the dispatcher drains buffered frames.
	Playing
	// Paused: the dispatcher is parked; buffered frames are kept.
	Paused
	// Draining: the last queued track finished producing and its buffered
	// frames are being played out.
	Draining
	// Terminating: teardown. Absorbing.
	Terminating
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Resolving:
		return "resolving"
	case Buffering:
		return "buffering"
	case Playing:
		return "playing"
	case Paused:
		return "paused"
	case Draining:
		return "draining"
	case Terminating:
		return "terminating"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// active reports whether a current track exists in state s.
func (s State) active() bool {
	return s != Idle && s != Terminating
}

// Entry is one queued track request.
type Entry struct {
	ID          uuid.UUID
	Ref         resolve.Reference
	RequesterID string
	EnqueuedAt  time.Time
}

// Config tunes a session. Zero fields take the defaults.
type Config struct {
	// Layout sets the frame duration; the dispatcher ticks once per frame.
	Layout audio.Layout

	// ResolveTimeout is the deadline of one resolve attempt. A timed out
	// resolve is attempted once more before the entry is skipped.
	ResolveTimeout time.Duration

	// Lookahead is the number of decoded segments kept buffered ahead of
	// the dispatcher.
	Lookahead int

	// MaxLookahead caps the lookahead after underrun escalation.
	MaxLookahead int

	// IdleTimeout terminates a session that stayed idle this long. Negative
	// disables the timeout.
	IdleTimeout time.Duration

	// StuckThreshold is how long a playing track may go without audio
	// before [EventTrackStuck] is emitted. Negative disables the event.
	StuckThreshold time.Duration
}

const (
	defaultLookahead    = 2
	defaultMaxLookahead = 8
	defaultIdleTimeout  = 5 * time.Minute
	defaultStuck        = 10 * time.Second
)

func (c Config) withDefaults() Config {
	if c.Layout.FrameDuration <= 0 {
		c.Layout = audio.NewLayout(0)
	}
	if c.ResolveTimeout <= 0 {
		c.ResolveTimeout = resolve.DefaultTimeout
	}
	if c.Lookahead <= 0 {
		c.Lookahead = defaultLookahead
	}
	if c.MaxLookahead < c.Lookahead {
		c.MaxLookahead = max(c.Lookahead, defaultMaxLookahead)
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = defaultIdleTimeout
	}
	if c.StuckThreshold == 0 {
		c.StuckThreshold = defaultStuck
	}
	return c
}

// Pipeline is the shared machinery every session draws from. Pool and
// Metrics are optional.
type Pipeline struct {
	Resolver resolve.Resolver
	Producer *decode.Producer
	Cache    *cache.Cache
	Pool     *workpool.Pool
	Metrics  *observe.Metrics
}

// Option configures a [Session].
type Option func(*Session)

// WithNotifier delivers session events to fn. fn runs on a dedicated
// goroutine, one event at a time, in order.
func WithNotifier(fn func(Event)) Option {
	return func(s *Session) { s.notify = fn }
}

// WithTicker replaces the wall-clock ticker that paces the dispatcher.
func WithTicker(fn func(time.Duration) Ticker) Option {
	return func(s *Session) { s.newTicker = fn }
}

// WithReconnector lets the session survive transport drops: a dropped
// connection is handed to rc, and the session only terminates once rc
// gives up. rc must have produced the connection given to [New].
func WithReconnector(rc *Reconnector) Option {
	return func(s *Session) { s.rc = rc }
}

// Session is a per-channel playback session. All methods are safe for
// concurrent use.
type Session struct {
	channelID string
	cfg       Config
	p         Pipeline
	notify    func(Event)
	newTicker func(time.Duration) Ticker
	rc        *Reconnector
	silence   []byte

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	done   chan struct{}
	events chan Event

	mu           sync.Mutex
	state        State
	resumeTo     State
	pauseOnStart bool
	queue        []Entry
	gen          uint64
	trackCancel  context.CancelFunc
	buf          []*buffered
	produced     bool
	trackErr     error
	pos          int64
	starved      bool
	stalled      int // consecutive silent ticks of the current track
	stuckAfter   int // stalled ticks that make a track stuck; 0 never
	lookahead    int
	room         chan struct{}
	conn         audio.Connection
	idleTimer    *time.Timer
	stats        Stats
}

// New creates a session in [Idle] that plays to conn, and starts its
// dispatcher. The session owns conn and disconnects it on termination.
func New(channelID string, conn audio.Connection, p Pipeline, cfg Config, opts ...Option) *Session {
	cfg = cfg.withDefaults()
	s := &Session{
		channelID:  channelID,
		cfg:        cfg,
		p:          p,
		newTicker:  newTimeTicker,
		silence:    cfg.Layout.Silence(),
		done:       make(chan struct{}),
		events:     make(chan Event, 128),
		state:      Idle,
		lookahead:  cfg.Lookahead,
		room:       make(chan struct{}),
		stuckAfter: max(cfg.Layout.FramesFor(cfg.StuckThreshold), 0),
		conn:       conn,
	}
	for _, o := range opts {
		o(s)
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	conn.OnDisconnect(s.handleDrop)
	if s.rc != nil {
		s.rc.setHooks(s.swapConn, func() { s.terminate("disconnected") })
		s.rc.Monitor(s.ctx)
	}
	if p.Metrics != nil {
		p.Metrics.ActiveSessions.Add(context.Background(), 1)
	}

	s.mu.Lock()
	s.armIdleTimerLocked()
	s.mu.Unlock()

	s.wg.Add(2)
	go s.dispatch()
	go s.deliver()
	slog.Info("session: created", "channel_id", channelID, "frame", cfg.Layout.FrameDuration)
	return s
}

// ChannelID returns the voice channel the session plays to.
func (s *Session) ChannelID() string { return s.channelID }

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Done is closed once a terminated session finished its teardown: every
// goroutine exited, every buffered segment was released and the transport
// was disconnected.
func (s *Session) Done() <-chan struct{} { return s.done }

// Enqueue appends ref to the queue and returns its position; position 0 is
// the current track. An idle session starts resolving it immediately.
func (s *Session) Enqueue(ref resolve.Reference, requesterID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Terminating {
		return 0, ErrSessionNotFound
	}
	s.queue = append(s.queue, Entry{
		ID:          uuid.New(),
		Ref:         ref,
		RequesterID: requesterID,
		EnqueuedAt:  time.Now(),
	})
	pos := len(s.queue) - 1

	switch {
	case s.state == Idle:
		s.startLocked()
	case s.state == Draining:
		s.setStateLocked(Playing)
	case s.state == Paused && s.resumeTo == Draining:
		s.resumeTo = Playing
	}
	return pos, nil
}

// Skip abandons the current track and starts the next entry. No frame of
// the skipped track is sent after Skip returns.
func (s *Session) Skip() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.state == Terminating:
		return ErrSessionNotFound
	case !s.state.active():
		return ErrNotPlaying
	}
	s.emitLocked(Event{Kind: EventTrackSkipped, Entry: s.queue[0], Reason: ReasonRequested})
	s.recordSkip(ReasonRequested)
	s.endTrackLocked()
	return nil
}

// Pause parks the dispatcher and keeps buffered frames. Pausing a track
// that is still resolving or buffering takes effect once it is ready.
func (s *Session) Pause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case Terminating:
		return ErrSessionNotFound
	case Idle:
		return ErrNotPlaying
	case Playing, Draining:
		s.resumeTo = s.state
		s.setStateLocked(Paused)
	case Resolving, Buffering:
		s.pauseOnStart = true
	}
	return nil
}

// Resume restarts the dispatcher after [Session.Pause].
func (s *Session) Resume() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case Terminating:
		return ErrSessionNotFound
	case Idle:
		return ErrNotPlaying
	case Paused:
		s.setStateLocked(s.resumeTo)
		if s.produced && len(s.buf) == 0 {
			s.finishTrackLocked()
		}
	default:
		s.pauseOnStart = false
	}
	return nil
}

// Stop terminates the session. It does not wait for in-flight work; see
// [Session.Done].
func (s *Session) Stop() error {
	if !s.terminate("stopped") {
		return ErrSessionNotFound
	}
	return nil
}

// Queue returns a copy of the queue; index 0 is the current track.
func (s *Session) Queue() ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Terminating {
		return nil, ErrSessionNotFound
	}
	return slices.Clone(s.queue), nil
}

// Move moves the entry at from to position to. The current track cannot be
// moved, and nothing can be moved in front of it.
func (s *Session) Move(from, to int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Terminating {
		return ErrSessionNotFound
	}
	n := len(s.queue)
	if from < 0 || from >= n || to < 0 || to >= n {
		return fmt.Errorf("%w: move %d to %d in queue of %d", ErrInvalidIndex, from, to, n)
	}
	if s.state.active() && (from == 0 || to == 0) {
		return fmt.Errorf("%w: index 0 is the current track", ErrInvalidIndex)
	}
	if from == to {
		return nil
	}
	e := s.queue[from]
	s.queue = slices.Delete(s.queue, from, from+1)
	s.queue = slices.Insert(s.queue, to, e)
	return nil
}

// Remove deletes the entry at index and returns it. Removing the current
// track behaves like [Session.Skip].
func (s *Session) Remove(index int) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Terminating {
		return Entry{}, ErrSessionNotFound
	}
	if index < 0 || index >= len(s.queue) {
		return Entry{}, fmt.Errorf("%w: remove %d from queue of %d", ErrInvalidIndex, index, len(s.queue))
	}
	e := s.queue[index]
	if index == 0 && s.state.active() {
		s.emitLocked(Event{Kind: EventTrackSkipped, Entry: e, Reason: ReasonRemoved})
		s.recordSkip(ReasonRemoved)
		s.endTrackLocked()
		return e, nil
	}
	s.queue = slices.Delete(s.queue, index, index+1)
	if len(s.queue) == 1 && s.produced {
		switch {
		case s.state == Playing:
			s.setStateLocked(Draining)
		case s.state == Paused && s.resumeTo == Playing:
			s.resumeTo = Draining
		}
	}
	return e, nil
}

// Stats is a snapshot of a session.
type Stats struct {
	State     State
	Queued    int
	Lookahead int
	Buffered  int

	// Frame counters since the session started.
	FramesSent    int64
	FramesSilence int64
	FramesDropped int64
	Underruns     int64
	Stuck         int64
}

// Stats returns a snapshot of the session.
func (s *Session) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats
	st.State = s.state
	st.Queued = len(s.queue)
	st.Lookahead = s.lookahead
	st.Buffered = len(s.buf)
	return st
}

// ─── internals (s.mu held where the name ends in Locked) ─────────────────────

func (s *Session) setStateLocked(to State) {
	from := s.state
	if from == to {
		return
	}
	s.state = to
	ev := Event{Kind: EventStateChanged, From: from, To: to}
	if len(s.queue) > 0 {
		ev.Entry = s.queue[0]
	}
	s.emitLocked(ev)
}

// startLocked begins the head of the queue.
func (s *Session) startLocked() {
	s.stopIdleTimerLocked()
	s.gen++
	s.produced, s.trackErr, s.pos, s.starved, s.stalled = false, nil, 0, false, 0
	s.lookahead = s.cfg.Lookahead
	ctx, cancel := context.WithCancel(s.ctx)
	s.trackCancel = cancel
	s.setStateLocked(Resolving)

	gen, e := s.gen, s.queue[0]
	s.wg.Add(1)
	go s.play(ctx, gen, e)
}

// endTrackLocked abandons or completes the current track and moves on.
func (s *Session) endTrackLocked() {
	s.gen++
	if s.trackCancel != nil {
		s.trackCancel()
		s.trackCancel = nil
	}
	s.releaseBufferLocked()
	s.pauseOnStart = false
	if len(s.queue) > 0 {
		s.queue = slices.Delete(s.queue, 0, 1)
	}
	if len(s.queue) > 0 {
		s.startLocked()
		return
	}
	s.setStateLocked(Idle)
	s.armIdleTimerLocked()
}

// finishTrackLocked ends a track whose production finished and whose
// buffer ran dry.
func (s *Session) finishTrackLocked() {
	e := s.queue[0]
	if s.trackErr != nil {
		reason := Reason(s.trackErr)
		slog.Warn("session: track skipped", "channel_id", s.channelID, "ref", e.Ref.String(), "reason", reason, "err", s.trackErr)
		s.emitLocked(Event{Kind: EventTrackSkipped, Entry: e, Reason: reason, Err: s.trackErr})
		s.recordSkip(reason)
	} else {
		s.emitLocked(Event{Kind: EventTrackFinished, Entry: e})
		if s.p.Metrics != nil {
			s.p.Metrics.TracksPlayed.Add(context.Background(), 1)
		}
	}
	s.endTrackLocked()
}

func (s *Session) releaseBufferLocked() {
	for _, b := range s.buf {
		b.h.Release()
	}
	clear(s.buf)
	s.buf = s.buf[:0]
	s.signalRoomLocked()
}

func (s *Session) signalRoomLocked() {
	close(s.room)
	s.room = make(chan struct{})
}

func (s *Session) armIdleTimerLocked() {
	if s.cfg.IdleTimeout < 0 {
		return
	}
	s.stopIdleTimerLocked()
	gen := s.gen
	s.idleTimer = time.AfterFunc(s.cfg.IdleTimeout, func() { s.idleExpired(gen) })
}

func (s *Session) stopIdleTimerLocked() {
	if s.idleTimer != nil {
		s.idleTimer.Stop()
		s.idleTimer = nil
	}
}

func (s *Session) idleExpired(gen uint64) {
	s.mu.Lock()
	expired := s.state == Idle && s.gen == gen
	s.mu.Unlock()
	if expired {
		slog.Info("session: idle timeout", "channel_id", s.channelID, "after", s.cfg.IdleTimeout)
		s.terminate("idle")
	}
}

func (s *Session) recordSkip(reason string) {
	if s.p.Metrics != nil {
		s.p.Metrics.RecordSkip(context.Background(), reason)
	}
}

// terminate moves the session to Terminating. It reports false when the
// session was already terminating.
func (s *Session) terminate(reason string) bool {
	s.mu.Lock()
	if s.state == Terminating {
		s.mu.Unlock()
		return false
	}
	s.setStateLocked(Terminating)
	s.gen++
	if s.trackCancel != nil {
		s.trackCancel()
		s.trackCancel = nil
	}
	s.releaseBufferLocked()
	s.queue = nil
	s.stopIdleTimerLocked()
	s.emitLocked(Event{Kind: EventTerminated, Reason: reason})
	conn := s.conn
	s.mu.Unlock()

	s.cancel()
	if s.p.Metrics != nil {
		s.p.Metrics.ActiveSessions.Add(context.Background(), -1)
	}
	slog.Info("session: terminating", "channel_id", s.channelID, "reason", reason)

	go func() {
		s.wg.Wait()
		var err error
		if s.rc != nil {
			err = s.rc.Stop()
		} else {
			err = conn.Disconnect()
		}
		if err != nil {
			slog.Warn("session: disconnect failed", "channel_id", s.channelID, "err", err)
		}
		close(s.done)
	}()
	return true
}

// handleDrop runs when the platform dropped the connection.
func (s *Session) handleDrop() {
	if s.rc != nil {
		slog.Warn("session: transport dropped, reconnecting", "channel_id", s.channelID)
		s.rc.NotifyDisconnect()
		return
	}
	s.terminate("disconnected")
}

// swapConn installs a reconnected transport.
func (s *Session) swapConn(conn audio.Connection) {
	conn.OnDisconnect(s.handleDrop)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Terminating {
		return
	}
	s.conn = conn
}

// do runs fn on lane of the worker pool, or inline without a pool.
func (s *Session) do(ctx context.Context, lane workpool.Lane, fn func(context.Context) error) error {
	if s.p.Pool == nil {
		return fn(ctx)
	}
	return s.p.Pool.Do(ctx, lane, fn)
}
