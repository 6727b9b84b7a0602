package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/MrWong99/cadenza/internal/config"
	"github.com/MrWong99/cadenza/internal/resolve"
	"github.com/MrWong99/cadenza/internal/session"
	"github.com/MrWong99/cadenza/pkg/audio"
)

// ErrEmptyReference is returned by [SessionManager.Enqueue] for a blank
// track reference.
var ErrEmptyReference = errors.New("app: empty track reference")

// SessionManager joins voice channels and routes control operations to the
// session of each channel. Every channel has at most one live session.
// All exported methods are safe for concurrent use.
type SessionManager struct {
	platform audio.Platform
	pipeline session.Pipeline
	reg      *session.Registry

	mu        sync.Mutex
	cfg       session.Config
	reconnect config.ReconnectConfig

	// joins collapses concurrent joins of one channel into a single voice
	// connection. Joins of different channels do not wait on each other.
	joins singleflight.Group
}

// SessionManagerConfig holds all dependencies for a [SessionManager].
type SessionManagerConfig struct {
	Platform  audio.Platform
	Pipeline  session.Pipeline
	Session   session.Config
	Reconnect config.ReconnectConfig
}

// NewSessionManager creates a [SessionManager].
func NewSessionManager(cfg SessionManagerConfig) *SessionManager {
	return &SessionManager{
		platform:  cfg.Platform,
		pipeline:  cfg.Pipeline,
		reg:       session.NewRegistry(),
		cfg:       cfg.Session,
		reconnect: cfg.Reconnect,
	}
}

// SetConfig changes the settings of sessions created from now on.
func (sm *SessionManager) SetConfig(cfg session.Config, rc config.ReconnectConfig) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.cfg = cfg
	sm.reconnect = rc
}

// Join connects to channelID and starts a session there. If the channel
// already has a live session, Join returns it unchanged. notify, if non-nil,
// receives the session's events. Callers that join a channel while another
// join of it is connecting share that join's result, and their notify is
// not installed.
func (sm *SessionManager) Join(ctx context.Context, channelID string, notify func(session.Event)) (*session.Session, error) {
	v, err, _ := sm.joins.Do(channelID, func() (any, error) {
		return sm.join(ctx, channelID, notify)
	})
	if err != nil {
		return nil, err
	}
	return v.(*session.Session), nil
}

func (sm *SessionManager) join(ctx context.Context, channelID string, notify func(session.Event)) (*session.Session, error) {
	if s, err := sm.reg.Get(channelID); err == nil {
		return s, nil
	}

	sm.mu.Lock()
	cfg, rcCfg := sm.cfg, sm.reconnect
	sm.mu.Unlock()

	rc := session.NewReconnector(session.ReconnectorConfig{
		Platform:   sm.platform,
		ChannelID:  channelID,
		MaxRetries: rcCfg.MaxRetries,
		Backoff:    rcCfg.Backoff,
		MaxBackoff: rcCfg.MaxBackoff,
	})
	conn, err := rc.Connect(ctx)
	if err != nil {
		return nil, fmt.Errorf("app: join %s: %w", channelID, err)
	}

	opts := []session.Option{session.WithReconnector(rc)}
	if notify != nil {
		opts = append(opts, session.WithNotifier(notify))
	}
	s := session.New(channelID, conn, sm.pipeline, cfg, opts...)
	if cur, ok := sm.reg.Add(s); !ok {
		_ = s.Stop()
		return cur, nil
	}
	slog.Info("app: joined voice channel", "channel_id", channelID)
	return s, nil
}

// Leave stops the session of channelID.
func (sm *SessionManager) Leave(channelID string) error {
	return sm.with(channelID, (*session.Session).Stop)
}

// Enqueue appends raw to the queue of channelID and returns its position.
func (sm *SessionManager) Enqueue(channelID, raw, requesterID string) (int, error) {
	ref := resolve.NewReference(raw)
	if ref.Raw == "" {
		return 0, ErrEmptyReference
	}
	s, err := sm.reg.Get(channelID)
	if err != nil {
		return 0, err
	}
	return s.Enqueue(ref, requesterID)
}

// Skip ends the current track of channelID.
func (sm *SessionManager) Skip(channelID string) error {
	return sm.with(channelID, (*session.Session).Skip)
}

// Pause pauses playback in channelID.
func (sm *SessionManager) Pause(channelID string) error {
	return sm.with(channelID, (*session.Session).Pause)
}

// Resume resumes playback in channelID.
func (sm *SessionManager) Resume(channelID string) error {
	return sm.with(channelID, (*session.Session).Resume)
}

// Stop terminates the session of channelID.
func (sm *SessionManager) Stop(channelID string) error {
	return sm.Leave(channelID)
}

// QueueList returns the pending entries of channelID, next track first.
func (sm *SessionManager) QueueList(channelID string) ([]session.Entry, error) {
	s, err := sm.reg.Get(channelID)
	if err != nil {
		return nil, err
	}
	return s.Queue()
}

// Move moves the queue entry at from to position to.
func (sm *SessionManager) Move(channelID string, from, to int) error {
	return sm.with(channelID, func(s *session.Session) error { return s.Move(from, to) })
}

// Remove deletes the queue entry at index and returns it.
func (sm *SessionManager) Remove(channelID string, index int) (session.Entry, error) {
	s, err := sm.reg.Get(channelID)
	if err != nil {
		return session.Entry{}, err
	}
	return s.Remove(index)
}

// Stats returns a snapshot of the session of channelID.
func (sm *SessionManager) Stats(channelID string) (session.Stats, error) {
	s, err := sm.reg.Get(channelID)
	if err != nil {
		return session.Stats{}, err
	}
	return s.Stats(), nil
}

// Active returns the live sessions.
func (sm *SessionManager) Active() []*session.Session {
	return sm.reg.Sessions()
}

// Len returns the number of live sessions.
func (sm *SessionManager) Len() int {
	return sm.reg.Len()
}

// StopAll terminates every session and waits for their teardown.
func (sm *SessionManager) StopAll() {
	sm.reg.StopAll()
}

func (sm *SessionManager) with(channelID string, fn func(*session.Session) error) error {
	s, err := sm.reg.Get(channelID)
	if err != nil {
		return err
	}
	return fn(s)
}
