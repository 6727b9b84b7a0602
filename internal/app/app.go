// Package app wires all cadenza subsystems into a running application.
//
// The App struct owns the full lifecycle: New builds the governor, segment
// cache, worker pool, resolver and decoder chain, Run serves the health and
// metrics endpoints until the context ends, and Shutdown tears everything
// down in order.
//
// For testing, inject doubles via functional options (WithResolver,
// WithDecoder, ...). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/cadenza/internal/cache"
	"github.com/MrWong99/cadenza/internal/config"
	"github.com/MrWong99/cadenza/internal/decode"
	"github.com/MrWong99/cadenza/internal/governor"
	"github.com/MrWong99/cadenza/internal/health"
	"github.com/MrWong99/cadenza/internal/observe"
	"github.com/MrWong99/cadenza/internal/resilience"
	"github.com/MrWong99/cadenza/internal/resolve"
	"github.com/MrWong99/cadenza/internal/session"
	"github.com/MrWong99/cadenza/internal/workpool"
	"github.com/MrWong99/cadenza/pkg/audio"
)

// App owns all subsystem lifetimes.
type App struct {
	cfg      *config.Config
	platform audio.Platform
	registry *config.Registry
	metrics  *observe.Metrics
	logLevel *slog.LevelVar
	gateway  func() bool

	// Subsystems, initialised in New and torn down in Shutdown.
	gov      *governor.Governor
	spill    cache.Store
	cache    *cache.Cache
	pool     *workpool.Pool
	chain    *resolve.Chain
	resolver resolve.Resolver
	decoder  decode.Decoder
	producer *decode.Producer
	sessions *SessionManager
	health   *health.Handler

	listener net.Listener

	// closers are called in order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithRegistry replaces [config.DefaultRegistry].
func WithRegistry(r *config.Registry) Option {
	return func(a *App) { a.registry = r }
}

// WithMetrics replaces [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithResolver injects a resolver instead of building the configured chain.
func WithResolver(r resolve.Resolver) Option {
	return func(a *App) { a.resolver = r }
}

// WithDecoder injects a decoder instead of building the configured mux.
func WithDecoder(d decode.Decoder) Option {
	return func(a *App) { a.decoder = d }
}

// WithSpill injects a spill store instead of the configured disk store.
func WithSpill(s cache.Store) Option {
	return func(a *App) { a.spill = s }
}

// WithLogLevel lets configuration reloads change the level of the process
// logger.
func WithLogLevel(lv *slog.LevelVar) Option {
	return func(a *App) { a.logLevel = lv }
}

// WithGatewayCheck adds a readiness check on the chat gateway.
func WithGatewayCheck(connected func() bool) Option {
	return func(a *App) { a.gateway = connected }
}

// WithListener serves HTTP on l instead of listening on
// server.listen_addr.
func WithListener(l net.Listener) Option {
	return func(a *App) { a.listener = l }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. platform joins voice
// channels; it comes from main.go.
func New(ctx context.Context, cfg *config.Config, platform audio.Platform, opts ...Option) (*App, error) {
	a := &App{
		cfg:      cfg,
		platform: platform,
	}
	for _, o := range opts {
		o(a)
	}
	if a.registry == nil {
		a.registry = config.DefaultRegistry()
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Memory governor ───────────────────────────────────────────────
	a.gov = governor.New(int64(cfg.Governor.Ceiling),
		governor.WithPressureTimeout(cfg.Governor.PressureTimeout),
		governor.WithMetrics(a.metrics),
	)

	// ── 2. Segment cache ─────────────────────────────────────────────────
	if err := a.initCache(); err != nil {
		return nil, fmt.Errorf("app: init cache: %w", err)
	}

	// ── 3. Worker pool ───────────────────────────────────────────────────
	a.pool = workpool.New(workpool.Config{
		ResolveWorkers: cfg.Workers.Resolve,
		DecodeWorkers:  cfg.Workers.Decode,
		QueueDepth:     cfg.Workers.QueueDepth,
	})
	a.closers = append(a.closers, a.pool.Close)

	// ── 4. Resolver ──────────────────────────────────────────────────────
	if err := a.initResolver(); err != nil {
		return nil, fmt.Errorf("app: init resolver: %w", err)
	}

	// ── 5. Decoder + producer ────────────────────────────────────────────
	layout := audio.NewLayout(cfg.Session.FrameDuration)
	if a.decoder == nil {
		mux, err := a.registry.BuildDecoder(cfg.Decode.Decoders, config.DecoderDeps{
			Fetcher: decode.NewHTTPFetcher(cfg.Decode.FetchTimeout),
			Options: decode.Options{Layout: layout, Gain: cfg.Decode.Gain},
		})
		if err != nil {
			return nil, fmt.Errorf("app: init decoder: %w", err)
		}
		a.decoder = mux
	}
	a.producer = decode.NewProducer(a.decoder, a.gov, layout, cfg.Decode.FramesPerSegment)

	// ── 6. Sessions ──────────────────────────────────────────────────────
	a.sessions = NewSessionManager(SessionManagerConfig{
		Platform: platform,
		Pipeline: session.Pipeline{
			Resolver: a.resolver,
			Producer: a.producer,
			Cache:    a.cache,
			Pool:     a.pool,
			Metrics:  a.metrics,
		},
		Session:   sessionConfig(cfg),
		Reconnect: cfg.Session.Reconnect,
	})

	// ── 7. Health ────────────────────────────────────────────────────────
	checkers := []health.Checker{health.GovernorChecker(a.gov, int64(a.producer.SegmentBytes()), a.reclaimable)}
	if a.chain != nil {
		checkers = append(checkers, health.ResolverChecker(a.chain.Breakers))
	}
	if a.gateway != nil {
		checkers = append(checkers, health.GatewayChecker(a.gateway))
	}
	a.health = health.New(checkers...)

	slog.Info("app: initialised",
		"ceiling", cfg.Governor.Ceiling.String(),
		"segment", config.ByteSize(a.producer.SegmentBytes()).String(),
		"spill", cfg.Cache.SpillDir,
	)
	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

func (a *App) initCache() error {
	key, err := cacheKey(a.cfg.Cache.Key)
	if err != nil {
		return err
	}
	codec, err := cache.NewSegmentCodec(key, a.cfg.Cache.Compress)
	clear(key)
	if err != nil {
		return err
	}

	if a.spill == nil && a.cfg.Cache.SpillDir != "" {
		ds, err := cache.NewDiskStore(a.cfg.Cache.SpillDir, int64(a.cfg.Cache.SpillCapacity))
		if err != nil {
			return err
		}
		a.spill = ds
	}

	opts := []cache.Option{cache.WithMetrics(a.metrics)}
	if a.spill != nil {
		opts = append(opts, cache.WithSpill(a.spill))
	}
	if a.cfg.Cache.Shards > 0 {
		opts = append(opts, cache.WithShards(a.cfg.Cache.Shards))
	}
	if a.cfg.Cache.Lookahead > 0 {
		opts = append(opts, cache.WithLookahead(a.cfg.Cache.Lookahead))
	}
	a.cache = cache.New(a.gov, codec, opts...)
	a.closers = append(a.closers, a.cache.Close)
	return nil
}

// cacheKey decodes the configured key, or draws a random per-process one.
func cacheKey(hexKey string) ([]byte, error) {
	if hexKey != "" {
		return hex.DecodeString(hexKey)
	}
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("random cache key: %w", err)
	}
	return key, nil
}

func (a *App) initResolver() error {
	if a.resolver != nil {
		return nil
	}
	backends, err := a.registry.BuildResolvers(a.cfg.Resolve.Backends)
	if err != nil {
		return err
	}
	a.chain = resolve.NewChain(resilience.CircuitBreakerConfig{
		MaxFailures:  a.cfg.Resolve.Breaker.MaxFailures,
		ResetTimeout: a.cfg.Resolve.Breaker.ResetTimeout,
	}, a.metrics, backends...)
	a.resolver = resolve.NewService(a.chain,
		resolve.WithTimeout(a.cfg.Resolve.Timeout),
		resolve.WithMetrics(a.metrics),
	)
	return nil
}

// sessionConfig maps the session section onto [session.Config].
func sessionConfig(cfg *config.Config) session.Config {
	return session.Config{
		Layout:         audio.NewLayout(cfg.Session.FrameDuration),
		ResolveTimeout: cfg.Resolve.Timeout,
		Lookahead:      cfg.Session.Lookahead,
		MaxLookahead:   cfg.Session.MaxLookahead,
		IdleTimeout:    cfg.Session.IdleTimeout,
		StuckThreshold: cfg.Session.StuckThreshold,
	}
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Sessions returns the session manager.
func (a *App) Sessions() *SessionManager { return a.sessions }

// Governor returns the memory governor.
func (a *App) Governor() *governor.Governor { return a.gov }

// Cache returns the segment cache.
func (a *App) Cache() *cache.Cache { return a.cache }

func (a *App) reclaimable() int64 { return a.cache.Stats().Reclaimable }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves /healthz, /readyz and /metrics until ctx is cancelled. Without
// a listen address it only blocks on ctx.
func (a *App) Run(ctx context.Context) error {
	if a.listener == nil && a.cfg.Server.ListenAddr == "" {
		<-ctx.Done()
		return nil
	}

	mux := http.NewServeMux()
	a.health.Register(mux)
	mux.Handle("GET /metrics", observe.MetricsHandler())
	srv := &http.Server{
		Handler:           observe.Middleware(a.metrics)(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	l := a.listener
	if l == nil {
		var err error
		if l, err = net.Listen("tcp", a.cfg.Server.ListenAddr); err != nil {
			return fmt.Errorf("app: listen %s: %w", a.cfg.Server.ListenAddr, err)
		}
	}
	slog.Info("app: serving", "addr", l.Addr().String())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = srv.ServeTLS(l, tls.CertFile, tls.KeyFile)
		} else {
			err = srv.Serve(l)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// Reload applies the hot-reloadable part of a configuration change.
func (a *App) Reload(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.LogLevelChanged && a.logLevel != nil {
		a.logLevel.Set(ParseLevel(d.NewLogLevel))
		slog.Info("app: log level changed", "level", d.NewLogLevel)
	}
	if d.SessionChanged {
		a.sessions.SetConfig(sessionConfig(new), new.Session.Reconnect)
		slog.Info("app: session settings changed; new sessions use them")
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("app: configuration changes need a restart", "sections", d.RestartRequired)
	}
}

// ParseLevel maps a config log level to its slog level.
func ParseLevel(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops every session, then runs the closers in order. It respects
// the context deadline: if ctx expires first, the remaining closers are
// skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("app: shutting down", "sessions", a.sessions.Len(), "closers", len(a.closers))

		done := make(chan struct{})
		go func() {
			a.sessions.StopAll()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			slog.Warn("app: shutdown deadline exceeded while stopping sessions")
			shutdownErr = ctx.Err()
			return
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("app: shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("app: closer error", "index", i, "err", err)
			}
		}
		slog.Info("app: shutdown complete")
	})
	return shutdownErr
}
