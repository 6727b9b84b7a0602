package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/cadenza/pkg/audio"
)

// retryPolicy bounds the attempts made after one drop and spaces them with
// a doubling delay.
type retryPolicy struct {
	attempts int
	first    time.Duration
	ceiling  time.Duration
}

// delay returns the wait after the n-th failed attempt, n starting at 1.
func (p retryPolicy) delay(n int) time.Duration {
	d := p.first
	for i := 1; i < n && d < p.ceiling; i++ {
		d *= 2
	}
	return min(d, p.ceiling)
}

var defaultRetryPolicy = retryPolicy{attempts: 5, first: time.Second, ceiling: 30 * time.Second}

// ReconnectorConfig configures a [Reconnector]. Zero fields take defaults.
type ReconnectorConfig struct {
	Platform  audio.Platform
	ChannelID string

	// MaxRetries bounds the attempts per drop. Default: 5.
	MaxRetries int
	// Backoff is the wait after the first failed attempt. It doubles up to
	// MaxBackoff. Defaults: 1s and 30s.
	Backoff    time.Duration
	MaxBackoff time.Duration
}

// Reconnector owns a session's voice connection and rejoins the channel
// when the platform drops it.
//
// A session that holds a reconnector ([WithReconnector]) reports drops via
// NotifyDisconnect, receives the replacement transport through its swap
// hook and terminates once the retries for a drop are spent.
type Reconnector struct {
	platform  audio.Platform
	channelID string
	policy    retryPolicy

	drops    chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
	started  sync.Once

	mu       sync.Mutex
	conn     audio.Connection
	onSwap   func(audio.Connection)
	onGiveUp func()
}

// NewReconnector returns a Reconnector for cfg.ChannelID. Nothing is
// joined until Connect.
func NewReconnector(cfg ReconnectorConfig) *Reconnector {
	p := defaultRetryPolicy
	if cfg.MaxRetries > 0 {
		p.attempts = cfg.MaxRetries
	}
	if cfg.Backoff > 0 {
		p.first = cfg.Backoff
	}
	if cfg.MaxBackoff > 0 {
		p.ceiling = cfg.MaxBackoff
	}
	return &Reconnector{
		platform:  cfg.Platform,
		channelID: cfg.ChannelID,
		policy:    p,
		drops:     make(chan struct{}, 1),
		stop:      make(chan struct{}),
	}
}

// Connect performs the initial join.
func (r *Reconnector) Connect(ctx context.Context) (audio.Connection, error) {
	conn, err := r.platform.Connect(ctx, r.channelID)
	if err != nil {
		return nil, fmt.Errorf("session: join %s: %w", r.channelID, err)
	}
	r.mu.Lock()
	r.conn = conn
	r.mu.Unlock()
	return conn, nil
}

// Connection returns the live connection, nil before Connect or after Stop.
func (r *Reconnector) Connection() audio.Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conn
}

func (r *Reconnector) setHooks(onSwap func(audio.Connection), onGiveUp func()) {
	r.mu.Lock()
	r.onSwap, r.onGiveUp = onSwap, onGiveUp
	r.mu.Unlock()
}

// Monitor starts handling drops until ctx ends or Stop. Only the first
// call has an effect.
func (r *Reconnector) Monitor(ctx context.Context) {
	r.started.Do(func() { go r.watch(ctx) })
}

// NotifyDisconnect reports a drop. Drops reported while one is pending
// collapse into it.
func (r *Reconnector) NotifyDisconnect() {
	select {
	case r.drops <- struct{}{}:
	default:
	}
}

// Stop ends monitoring and disconnects. Idempotent.
func (r *Reconnector) Stop() error {
	r.stopOnce.Do(func() { close(r.stop) })
	r.mu.Lock()
	conn := r.conn
	r.conn = nil
	r.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Disconnect()
}

func (r *Reconnector) watch(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		case <-r.drops:
		}
		conn, ok := r.rejoin(ctx)
		r.mu.Lock()
		onSwap, onGiveUp := r.onSwap, r.onGiveUp
		r.mu.Unlock()
		if !ok {
			if onGiveUp != nil && !r.stopped(ctx) {
				onGiveUp()
			}
			return
		}
		if onSwap != nil {
			onSwap(conn)
		}
	}
}

func (r *Reconnector) stopped(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	case <-r.stop:
		return true
	default:
		return false
	}
}

// rejoin tries the platform up to policy.attempts times. On success the new
// connection replaces and disconnects the old one.
func (r *Reconnector) rejoin(ctx context.Context) (audio.Connection, bool) {
	log := slog.With("channel_id", r.channelID)
	for n := 1; n <= r.policy.attempts; n++ {
		if r.stopped(ctx) {
			return nil, false
		}
		conn, err := r.platform.Connect(ctx, r.channelID)
		if err == nil {
			r.mu.Lock()
			if r.stopped(ctx) {
				r.mu.Unlock()
				_ = conn.Disconnect()
				return nil, false
			}
			old := r.conn
			r.conn = conn
			r.mu.Unlock()
			if old != nil {
				_ = old.Disconnect()
			}
			log.Info("session: voice rejoined", "attempt", n)
			return conn, true
		}

		log.Warn("session: voice rejoin failed", "attempt", n, "of", r.policy.attempts, "err", err)
		if n == r.policy.attempts {
			break
		}
		t := time.NewTimer(r.policy.delay(n))
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, false
		case <-r.stop:
			t.Stop()
			return nil, false
		case <-t.C:
		}
	}
	log.Error("session: voice connection lost", "attempts", r.policy.attempts)
	return nil, false
}
