package session

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/MrWong99/cadenza/pkg/audio"
)

// Ticker paces the dispatcher.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type timeTicker struct{ t *time.Ticker }

func newTimeTicker(d time.Duration) Ticker { return timeTicker{t: time.NewTicker(d)} }

func (t timeTicker) C() <-chan time.Time { return t.t.C }
func (t timeTicker) Stop()               { t.t.Stop() }

// dispatch runs the frame clock until the session terminates. A late tick
// is never made up for: time.Ticker drops ticks a slow receiver missed.
func (s *Session) dispatch() {
	defer s.wg.Done()
	t := s.newTicker(s.cfg.Layout.FrameDuration)
	defer t.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-t.C():
			s.tick()
		}
	}
}

// tick releases at most one frame to the transport. It never blocks.
func (s *Session) tick() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Playing && s.state != Draining {
		return
	}

	if len(s.buf) == 0 {
		if s.produced {
			s.finishTrackLocked()
			return
		}
		s.underrunLocked()
		return
	}

	b := s.buf[0]
	fb := s.cfg.Layout.FrameBytes()
	s.starved, s.stalled = false, 0
	s.sendLocked(b.pcm[b.off:b.off+fb], false)
	s.pos++
	b.off += fb

	if len(b.pcm)-b.off < fb {
		b.h.Release()
		s.buf[0] = nil
		s.buf = s.buf[1:]
		s.signalRoomLocked()
	}
	if len(s.buf) == 0 && s.produced {
		s.finishTrackLocked()
	}
}

// underrunLocked pads the tick with silence and widens the lookahead once
// per underrun episode.
func (s *Session) underrunLocked() {
	s.sendLocked(s.silence, true)
	s.stats.Underruns++
	if s.p.Metrics != nil {
		s.p.Metrics.Underruns.Add(context.Background(), 1)
	}
	s.stalled++
	if s.stalled == s.stuckAfter {
		s.stats.Stuck++
		stalled := time.Duration(s.stalled) * s.cfg.Layout.FrameDuration
		slog.Warn("session: track stuck", "channel_id", s.channelID, "ref", s.queue[0].Ref.String(), "stalled", stalled)
		s.emitLocked(Event{Kind: EventTrackStuck, Entry: s.queue[0], Stalled: stalled})
	}
	if s.starved {
		return
	}
	s.starved = true
	if s.lookahead < s.cfg.MaxLookahead {
		s.lookahead++
		s.signalRoomLocked()
		slog.Debug("session: underrun, lookahead raised", "channel_id", s.channelID, "lookahead", s.lookahead)
	}
}

// sendLocked hands one frame to the transport. A rejected frame is dropped;
// the position still advances so pacing is never traded for completeness.
func (s *Session) sendLocked(data []byte, silence bool) {
	err := s.conn.Send(audio.AudioFrame{
		Data:       data,
		SampleRate: audio.SampleRate,
		Channels:   audio.Channels,
		Timestamp:  time.Duration(s.pos) * s.cfg.Layout.FrameDuration,
		Silence:    silence,
	})
	if err != nil {
		s.stats.FramesDropped++
		if s.p.Metrics != nil {
			s.p.Metrics.FramesDropped.Add(context.Background(), 1)
		}
		if !errors.Is(err, audio.ErrBackpressure) && !errors.Is(err, audio.ErrClosed) {
			slog.Debug("session: send failed", "channel_id", s.channelID, "err", err)
		}
		return
	}
	if silence {
		s.stats.FramesSilence++
	} else {
		s.stats.FramesSent++
	}
	if s.p.Metrics != nil {
		s.p.Metrics.RecordFrame(context.Background(), silence)
	}
}
