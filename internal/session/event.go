package session

import (
	"errors"
	"log/slog"
	"time"

	"github.com/MrWong99/cadenza/internal/cache"
	"github.com/MrWong99/cadenza/internal/decode"
	"github.com/MrWong99/cadenza/internal/governor"
	"github.com/MrWong99/cadenza/internal/resolve"
)

// EventKind classifies an [Event].
type EventKind int

const (
	// EventStateChanged reports a state transition in From and To.
	EventStateChanged EventKind = iota
	// EventTrackStarted reports that the first frames of Entry are ready.
	EventTrackStarted
	// EventTrackFinished reports that Entry played to the end.
	EventTrackFinished
	// EventTrackSkipped reports that Entry was skipped for Reason.
	EventTrackSkipped
	// EventTerminated reports the start of teardown for Reason.
	EventTerminated
	// EventTrackStuck reports that Entry produced no audio for Stalled. It
	// fires once per stall; playback continues when frames arrive.
	EventTrackStuck
)

// Skip reasons that do not come from an error.
const (
	ReasonRequested = "Requested"
	ReasonRemoved   = "Removed"
)

// Event is a notification about a session.
type Event struct {
	Kind      EventKind
	ChannelID string
	Entry     Entry
	From, To  State
	Reason    string
	Err       error
	Stalled   time.Duration
	At        time.Time
}

// String renders the event as a user-facing notice, e.g.
// "skipped: Timeout".
func (e Event) String() string {
	switch e.Kind {
	case EventStateChanged:
		return e.From.String() + " -> " + e.To.String()
	case EventTrackStarted:
		return "playing: " + e.Entry.Ref.String()
	case EventTrackFinished:
		return "finished: " + e.Entry.Ref.String()
	case EventTrackSkipped:
		return "skipped: " + e.Reason
	case EventTerminated:
		return "stopped: " + e.Reason
	case EventTrackStuck:
		return "stuck: " + e.Entry.Ref.String() + " (no audio for " + e.Stalled.String() + ")"
	default:
		return "event"
	}
}

// Reason names the error class that ended a track.
func Reason(err error) string {
	switch {
	case errors.Is(err, resolve.ErrTimeout):
		return "Timeout"
	case errors.Is(err, resolve.ErrUnresolvable):
		return "Unresolvable"
	case errors.Is(err, decode.ErrCorrupt):
		return "Corrupt"
	case errors.Is(err, decode.ErrUnsupported):
		return "Unsupported"
	case errors.Is(err, decode.ErrTransportFetchFailed):
		return "TransportFetchFailed"
	case errors.Is(err, cache.ErrIntegrityMismatch):
		return "IntegrityMismatch"
	case errors.Is(err, cache.ErrIOFailure):
		return "IoFailure"
	case errors.Is(err, governor.ErrResourceExhausted):
		return "ResourceExhausted"
	default:
		return "Error"
	}
}

// emitLocked queues ev for delivery. Delivery never blocks the caller; when
// the notifier falls far behind, events are dropped.
func (s *Session) emitLocked(ev Event) {
	if s.notify == nil {
		return
	}
	ev.ChannelID = s.channelID
	ev.At = time.Now()
	select {
	case s.events <- ev:
	default:
		slog.Warn("session: event dropped", "channel_id", s.channelID, "event", ev.String())
	}
}

// deliver hands queued events to the notifier until teardown, then flushes
// what is left.
func (s *Session) deliver() {
	defer s.wg.Done()
	for {
		select {
		case ev := <-s.events:
			s.notify(ev)
		case <-s.ctx.Done():
			for {
				select {
				case ev := <-s.events:
					s.notify(ev)
				default:
					return
				}
			}
		}
	}
}
