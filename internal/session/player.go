package session

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/MrWong99/cadenza/internal/cache"
	"github.com/MrWong99/cadenza/internal/observe"
	"github.com/MrWong99/cadenza/internal/resolve"
	"github.com/MrWong99/cadenza/internal/workpool"
)

// errStale means the track a goroutine works for is no longer current.
var errStale = errors.New("session: stale track")

// buffered is one decoded segment waiting in the dispatcher buffer. The
// handle keeps the segment pinned in the cache until it is played out.
type buffered struct {
	h   *cache.Handle
	pcm []byte
	off int
}

// play resolves e and feeds its segments into the buffer until the track
// ends, fails, or gen stops being current.
func (s *Session) play(ctx context.Context, gen uint64, e Entry) {
	defer s.wg.Done()

	ctx, end := observe.TrackSpan(ctx, s.channelID, e.Ref.String())
	var outcome error
	defer func() { end(outcome) }()
	done := func(err error) {
		outcome = err
		s.trackDone(gen, err)
	}

	src, err := s.resolve(ctx, e.Ref)
	if err != nil {
		if ctx.Err() == nil {
			done(err)
		}
		return
	}
	if !s.resolved(gen) {
		return
	}

	track := cache.NewTrackKey(e.Ref.Normalized(), s.p.Producer.Params())
	r := s.p.Cache.Open(track, 0, s.fill(src))
	defer r.Close()

	for {
		if err := s.waitRoom(ctx, gen); err != nil {
			return
		}
		h, err := r.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, io.EOF) {
				err = nil
			}
			done(err)
			return
		}
		pcm, err := h.PCM(ctx)
		if err != nil {
			h.Release()
			if ctx.Err() == nil {
				done(err)
			}
			return
		}
		if !s.push(gen, h, pcm) {
			h.Release()
			return
		}
	}
}

// resolve runs on the resolve lane and retries a timed out attempt once.
func (s *Session) resolve(ctx context.Context, ref resolve.Reference) (resolve.Source, error) {
	var src resolve.Source
	attempt := func() error {
		actx, cancel := context.WithTimeout(ctx, s.cfg.ResolveTimeout)
		defer cancel()
		err := s.do(actx, workpool.Resolve, func(ctx context.Context) error {
			var err error
			src, err = s.p.Resolver.Resolve(ctx, ref)
			return err
		})
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			err = fmt.Errorf("%w: %v", resolve.ErrTimeout, err)
		}
		return err
	}

	err := attempt()
	if errors.Is(err, resolve.ErrTimeout) && ctx.Err() == nil {
		observe.Log(ctx).Info("session: resolve timed out, retrying")
		err = attempt()
	}
	return src, err
}

// fill starts a production of src on the decode lane.
func (s *Session) fill(src resolve.Source) cache.FillFunc {
	produce := s.p.Producer.Fill(src)
	return func(ctx context.Context, emit cache.EmitFunc) error {
		return s.do(ctx, workpool.Decode, func(ctx context.Context) error {
			return produce(ctx, emit)
		})
	}
}

// resolved moves a current track from Resolving to Buffering.
func (s *Session) resolved(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen || s.state != Resolving {
		return false
	}
	s.setStateLocked(Buffering)
	return true
}

// waitRoom blocks while the buffer holds a full lookahead.
func (s *Session) waitRoom(ctx context.Context, gen uint64) error {
	for {
		s.mu.Lock()
		if s.gen != gen {
			s.mu.Unlock()
			return errStale
		}
		if len(s.buf) < s.lookahead {
			s.mu.Unlock()
			return nil
		}
		room := s.room
		s.mu.Unlock()

		select {
		case <-room:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// push appends a decoded segment to the buffer. It reports false, leaving
// the handle to the caller, when gen is no longer current.
func (s *Session) push(gen uint64, h *cache.Handle, pcm []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen {
		return false
	}
	s.buf = append(s.buf, &buffered{h: h, pcm: pcm})
	if s.state == Buffering {
		s.emitLocked(Event{Kind: EventTrackStarted, Entry: s.queue[0]})
		if s.pauseOnStart {
			s.pauseOnStart = false
			s.resumeTo = Playing
			s.setStateLocked(Paused)
		} else {
			s.setStateLocked(Playing)
		}
	}
	return true
}

// trackDone records the end of the current track's production. err is nil
// at a clean end of track.
func (s *Session) trackDone(gen uint64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen {
		return
	}
	s.produced = true
	s.trackErr = err

	if len(s.buf) == 0 {
		switch s.state {
		case Resolving, Buffering, Playing, Draining:
			s.finishTrackLocked()
			return
		}
	}
	if len(s.queue) == 1 {
		switch {
		case s.state == Playing:
			s.setStateLocked(Draining)
		case s.state == Paused && s.resumeTo == Playing:
			s.resumeTo = Draining
		}
	}
}
