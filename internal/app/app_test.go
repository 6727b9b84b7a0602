package app_test

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/cadenza/internal/app"
	"github.com/MrWong99/cadenza/internal/cache"
	"github.com/MrWong99/cadenza/internal/config"
	"github.com/MrWong99/cadenza/internal/decode"
	"github.com/MrWong99/cadenza/internal/resolve"
	resolvemock "github.com/MrWong99/cadenza/internal/resolve/mock"
	"github.com/MrWong99/cadenza/pkg/audio"
	audiomock "github.com/MrWong99/cadenza/pkg/audio/mock"
)

// testConfig returns a validated default config for tests.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := &config.Config{}
	cfg.Cache.Key = hex.EncodeToString(bytes.Repeat([]byte{7}, 32))
	cfg.Session.IdleTimeout = -1
	config.ApplyDefaults(cfg)
	if err := config.Validate(cfg); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	return cfg
}

// memFetcher serves fixed bodies keyed by URL.
type memFetcher struct {
	mu     sync.Mutex
	bodies map[string][]byte
}

func (f *memFetcher) Fetch(_ context.Context, url string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.bodies[url]
	if !ok {
		return nil, decode.ErrTransportFetchFailed
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

// tone returns d of canonical PCM filled with a non-zero sample.
func tone(d time.Duration) []byte {
	l := audio.NewLayout(20 * time.Millisecond)
	n := l.FramesFor(d) * l.FrameBytes()
	return bytes.Repeat([]byte{0x10, 0x02}, n/2)
}

type fixture struct {
	app      *app.App
	platform *audiomock.Platform
	resolver *resolvemock.Resolver
	fetch    *memFetcher
}

func newFixture(t *testing.T, opts ...app.Option) *fixture {
	t.Helper()
	return newFixtureOn(t, &audiomock.Platform{}, opts...)
}

// newFixtureOn builds an App on platform. fixture.platform is set only when
// platform is the recording mock.
func newFixtureOn(t *testing.T, platform audio.Platform, opts ...app.Option) *fixture {
	t.Helper()
	cfg := testConfig(t)
	f := &fixture{
		resolver: &resolvemock.Resolver{},
		fetch:    &memFetcher{bodies: make(map[string][]byte)},
	}
	f.platform, _ = platform.(*audiomock.Platform)
	dec := decode.NewPCM(f.fetch, decode.Options{Layout: audio.NewLayout(cfg.Session.FrameDuration)})
	opts = append([]app.Option{
		app.WithResolver(f.resolver),
		app.WithDecoder(dec),
		app.WithSpill(cache.NewMemoryStore(1 << 20)),
	}, opts...)

	a, err := app.New(context.Background(), cfg, platform, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	f.app = a
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Shutdown(ctx)
	})
	return f
}

func (f *fixture) track(raw string, pcm []byte) {
	url := "https://media.test/" + raw + ".pcm"
	f.resolver.Set(raw, resolve.Source{URL: url, Codec: resolve.CodecPCM})
	f.fetch.mu.Lock()
	f.fetch.bodies[url] = pcm
	f.fetch.mu.Unlock()
}

func eventually(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", msg)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// ─── New ─────────────────────────────────────────────────────────────────────

func TestNew_WithMocks(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	if f.app.Sessions() == nil {
		t.Fatal("Sessions() is nil")
	}
	if got := f.app.Governor().Ceiling(); got != int64(config.DefaultCeiling) {
		t.Errorf("Ceiling = %d, want %d", got, config.DefaultCeiling)
	}
	if got := f.app.Cache().Stats().Entries; got != 0 {
		t.Errorf("Entries = %d, want 0", got)
	}
}

func TestNew_BuildsConfiguredBackends(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Cache.Key = ""
	cfg.Cache.SpillDir = t.TempDir()
	a, err := app.New(context.Background(), cfg, &audiomock.Platform{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := a.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
}

func TestNew_UnknownBackend(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Resolve.Backends = []config.BackendEntry{{Name: "nope"}}
	_, err := app.New(context.Background(), cfg, &audiomock.Platform{})
	if !errors.Is(err, config.ErrBackendNotRegistered) {
		t.Fatalf("err = %v, want ErrBackendNotRegistered", err)
	}
}

func TestNew_BadCacheKey(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Cache.Key = "not-hex"
	if _, err := app.New(context.Background(), cfg, &audiomock.Platform{}); err == nil {
		t.Fatal("expected error for a malformed cache key")
	}
}

// ─── Playback ────────────────────────────────────────────────────────────────

func TestApp_PlaysEnqueuedTrack(t *testing.T) {
	t.Parallel()

	conn := &audiomock.Connection{}
	f := newFixture(t)
	f.platform.ConnectResult = conn
	f.track("song", tone(200*time.Millisecond))

	sm := f.app.Sessions()
	if _, err := sm.Join(context.Background(), "vc-1", nil); err != nil {
		t.Fatalf("Join: %v", err)
	}
	pos, err := sm.Enqueue("vc-1", "song", "user-1")
	if err != nil || pos != 0 {
		t.Fatalf("Enqueue = %d, %v; want 0, nil", pos, err)
	}
	eventually(t, 5*time.Second, func() bool { return len(conn.AudibleFrames()) == 10 }, "10 audible frames")
}

// ─── Run ─────────────────────────────────────────────────────────────────────

func TestRun_ServesHealthAndMetrics(t *testing.T) {
	t.Parallel()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	f := newFixture(t, app.WithListener(l), app.WithGatewayCheck(func() bool { return true }))

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- f.app.Run(ctx) }()

	base := "http://" + l.Addr().String()
	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		var resp *http.Response
		eventually(t, 2*time.Second, func() bool {
			resp, err = http.Get(base + path)
			return err == nil
		}, path)
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("GET %s = %d, want 200", path, resp.StatusCode)
		}
	}

	cancel()
	select {
	case err := <-errc:
		if err != nil {
			t.Errorf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRun_NoListenAddrBlocksUntilCancel(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := f.app.Run(ctx); err != nil {
		t.Errorf("Run: %v", err)
	}
}

// ─── Reload ──────────────────────────────────────────────────────────────────

func TestReload_ChangesLogLevel(t *testing.T) {
	t.Parallel()

	var lv slog.LevelVar
	f := newFixture(t, app.WithLogLevel(&lv))

	old := testConfig(t)
	next := testConfig(t)
	next.Server.LogLevel = config.LogDebug
	f.app.Reload(old, next)

	if lv.Level() != slog.LevelDebug {
		t.Errorf("level = %v, want debug", lv.Level())
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()

	tests := map[config.LogLevel]slog.Level{
		config.LogDebug: slog.LevelDebug,
		config.LogInfo:  slog.LevelInfo,
		config.LogWarn:  slog.LevelWarn,
		config.LogError: slog.LevelError,
		"":              slog.LevelInfo,
	}
	for in, want := range tests {
		if got := app.ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

func TestShutdown_StopsSessions(t *testing.T) {
	t.Parallel()

	conn := &audiomock.Connection{}
	f := newFixture(t)
	f.platform.ConnectResult = conn
	s, err := f.app.Sessions().Join(context.Background(), "vc-1", nil)
	if err != nil {
		t.Fatalf("Join: %v", err)
	}

	if err := f.app.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	select {
	case <-s.Done():
	default:
		t.Error("session still running after Shutdown")
	}
	eventually(t, time.Second, func() bool { return f.app.Sessions().Len() == 0 }, "registry to empty")
	if conn.CallCountDisconnect != 1 {
		t.Errorf("Disconnect calls = %d, want 1", conn.CallCountDisconnect)
	}
}

func TestShutdown_Idempotent(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	for i := range 2 {
		if err := f.app.Shutdown(context.Background()); err != nil {
			t.Errorf("Shutdown #%d: %v", i+1, err)
		}
	}
}

func TestShutdown_ExpiredContext(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := f.app.Shutdown(ctx)
	if err != nil && !strings.Contains(err.Error(), "context canceled") {
		t.Errorf("Shutdown = %v, want nil or context canceled", err)
	}
}
