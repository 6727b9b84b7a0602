package app_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/cadenza/internal/app"
	"github.com/MrWong99/cadenza/internal/session"
	"github.com/MrWong99/cadenza/pkg/audio"
	audiomock "github.com/MrWong99/cadenza/pkg/audio/mock"
)

// ─── Join / Leave ────────────────────────────────────────────────────────────

func TestSessionManager_JoinLeave(t *testing.T) {
	t.Parallel()

	conn := &audiomock.Connection{}
	f := newFixture(t)
	f.platform.ConnectResult = conn
	sm := f.app.Sessions()

	s, err := sm.Join(context.Background(), "vc-1", nil)
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	if s.ChannelID() != "vc-1" {
		t.Errorf("ChannelID = %q, want vc-1", s.ChannelID())
	}
	if s.State() != session.Idle {
		t.Errorf("State = %v, want idle", s.State())
	}
	if len(f.platform.ConnectCalls) != 1 || f.platform.ConnectCalls[0] != "vc-1" {
		t.Errorf("ConnectCalls = %v, want [vc-1]", f.platform.ConnectCalls)
	}

	if err := sm.Leave("vc-1"); err != nil {
		t.Fatalf("Leave: %v", err)
	}
	<-s.Done()
	if conn.CallCountDisconnect != 1 {
		t.Errorf("Disconnect calls = %d, want 1", conn.CallCountDisconnect)
	}
	if err := sm.Leave("vc-1"); !errors.Is(err, session.ErrSessionNotFound) {
		t.Errorf("second Leave = %v, want ErrSessionNotFound", err)
	}
}

func TestSessionManager_JoinReturnsLiveSession(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	sm := f.app.Sessions()

	first, err := sm.Join(context.Background(), "vc-1", nil)
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	second, err := sm.Join(context.Background(), "vc-1", nil)
	if err != nil {
		t.Fatalf("second Join: %v", err)
	}
	if first != second {
		t.Error("second Join created a new session")
	}
	if n := len(f.platform.ConnectCalls); n != 1 {
		t.Errorf("ConnectCalls = %d, want 1", n)
	}
}

func TestSessionManager_ConcurrentJoinsConnectOnce(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	sm := f.app.Sessions()

	var wg sync.WaitGroup
	for range 8 {
		wg.Go(func() {
			if _, err := sm.Join(context.Background(), "vc-1", nil); err != nil {
				t.Errorf("Join: %v", err)
			}
		})
	}
	wg.Wait()
	if n := len(f.platform.ConnectCalls); n != 1 {
		t.Errorf("ConnectCalls = %d, want 1", n)
	}
	if sm.Len() != 1 {
		t.Errorf("Len = %d, want 1", sm.Len())
	}
}

// gatedPlatform blocks Connect for one channel until release is closed.
type gatedPlatform struct {
	slow    string
	entered chan struct{}
	release chan struct{}
}

func (p *gatedPlatform) Connect(ctx context.Context, channelID string) (audio.Connection, error) {
	if channelID == p.slow {
		close(p.entered)
		select {
		case <-p.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return &audiomock.Connection{}, nil
}

func TestSessionManager_SlowJoinDoesNotBlockOtherChannels(t *testing.T) {
	t.Parallel()

	p := &gatedPlatform{slow: "vc-slow", entered: make(chan struct{}), release: make(chan struct{})}
	f := newFixtureOn(t, p)
	sm := f.app.Sessions()

	slowDone := make(chan error, 1)
	go func() {
		_, err := sm.Join(context.Background(), "vc-slow", nil)
		slowDone <- err
	}()
	<-p.entered

	fastDone := make(chan error, 1)
	go func() {
		_, err := sm.Join(context.Background(), "vc-fast", nil)
		fastDone <- err
	}()
	select {
	case err := <-fastDone:
		if err != nil {
			t.Fatalf("Join vc-fast: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Join of vc-fast waited for the connect of vc-slow")
	}

	close(p.release)
	if err := <-slowDone; err != nil {
		t.Fatalf("Join vc-slow: %v", err)
	}
	if sm.Len() != 2 {
		t.Errorf("Len = %d, want 2", sm.Len())
	}
}

func TestSessionManager_JoinConnectError(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.platform.ConnectError = errors.New("no permission")

	if _, err := f.app.Sessions().Join(context.Background(), "vc-1", nil); err == nil {
		t.Fatal("expected error from Join")
	}
	if f.app.Sessions().Len() != 0 {
		t.Error("failed join left a session behind")
	}
}

func TestSessionManager_IndependentChannels(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	sm := f.app.Sessions()
	for _, id := range []string{"vc-1", "vc-2"} {
		if _, err := sm.Join(context.Background(), id, nil); err != nil {
			t.Fatalf("Join %s: %v", id, err)
		}
	}
	if err := sm.Stop("vc-1"); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if _, err := sm.Stats("vc-2"); err != nil {
		t.Errorf("Stats vc-2 after stopping vc-1: %v", err)
	}
	if len(sm.Active()) == 0 {
		t.Error("Active is empty")
	}
}

// ─── Control ─────────────────────────────────────────────────────────────────

func TestSessionManager_MissingSession(t *testing.T) {
	t.Parallel()

	sm := newFixture(t).app.Sessions()
	checks := map[string]error{
		"skip":   sm.Skip("nope"),
		"pause":  sm.Pause("nope"),
		"resume": sm.Resume("nope"),
		"stop":   sm.Stop("nope"),
		"move":   sm.Move("nope", 0, 1),
	}
	_, checks["enqueue"] = sm.Enqueue("nope", "song", "u")
	_, checks["queue"] = sm.QueueList("nope")
	_, checks["remove"] = sm.Remove("nope", 0)
	_, checks["stats"] = sm.Stats("nope")

	for op, err := range checks {
		if !errors.Is(err, session.ErrSessionNotFound) {
			t.Errorf("%s = %v, want ErrSessionNotFound", op, err)
		}
	}
}

func TestSessionManager_EnqueueEmptyReference(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	sm := f.app.Sessions()
	if _, err := sm.Join(context.Background(), "vc-1", nil); err != nil {
		t.Fatalf("Join: %v", err)
	}
	if _, err := sm.Enqueue("vc-1", "   ", "u"); !errors.Is(err, app.ErrEmptyReference) {
		t.Errorf("Enqueue blank = %v, want ErrEmptyReference", err)
	}
}

func TestSessionManager_QueueOps(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	sm := f.app.Sessions()
	// A long first track keeps the queue stable while it is edited.
	f.track("a", tone(10*time.Second))
	for _, raw := range []string{"b", "c", "d"} {
		f.track(raw, tone(100*time.Millisecond))
	}

	if _, err := sm.Join(context.Background(), "vc-1", nil); err != nil {
		t.Fatalf("Join: %v", err)
	}
	for i, raw := range []string{"a", "b", "c", "d"} {
		pos, err := sm.Enqueue("vc-1", raw, "u")
		if err != nil || pos != i {
			t.Fatalf("Enqueue %s = %d, %v; want %d", raw, pos, err, i)
		}
	}

	if err := sm.Move("vc-1", 3, 1); err != nil {
		t.Fatalf("Move: %v", err)
	}
	removed, err := sm.Remove("vc-1", 2)
	if err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if removed.Ref.Raw != "b" {
		t.Errorf("removed %q, want b", removed.Ref.Raw)
	}

	q, err := sm.QueueList("vc-1")
	if err != nil {
		t.Fatalf("QueueList: %v", err)
	}
	var got []string
	for _, e := range q {
		got = append(got, e.Ref.Raw)
	}
	want := []string{"a", "d", "c"}
	if len(got) != len(want) {
		t.Fatalf("queue = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("queue = %v, want %v", got, want)
		}
	}
	if _, err := sm.Remove("vc-1", 9); !errors.Is(err, session.ErrInvalidIndex) {
		t.Errorf("Remove out of range = %v, want ErrInvalidIndex", err)
	}
}

func TestSessionManager_PauseResumeSkip(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	sm := f.app.Sessions()
	f.track("a", tone(10*time.Second))

	if _, err := sm.Join(context.Background(), "vc-1", nil); err != nil {
		t.Fatalf("Join: %v", err)
	}
	if err := sm.Skip("vc-1"); !errors.Is(err, session.ErrNotPlaying) {
		t.Errorf("Skip while idle = %v, want ErrNotPlaying", err)
	}
	if _, err := sm.Enqueue("vc-1", "a", "u"); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := sm.Pause("vc-1"); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	eventually(t, 2*time.Second, func() bool {
		st, _ := sm.Stats("vc-1")
		return st.State == session.Paused
	}, "paused")
	if err := sm.Resume("vc-1"); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if err := sm.Skip("vc-1"); err != nil {
		t.Fatalf("Skip: %v", err)
	}
	eventually(t, 2*time.Second, func() bool {
		st, _ := sm.Stats("vc-1")
		return st.State == session.Idle
	}, "idle after skip")
}

func TestSessionManager_NotifierReceivesEvents(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	sm := f.app.Sessions()

	var mu sync.Mutex
	var events []string
	notify := func(ev session.Event) {
		mu.Lock()
		events = append(events, ev.String())
		mu.Unlock()
	}
	if _, err := sm.Join(context.Background(), "vc-1", notify); err != nil {
		t.Fatalf("Join: %v", err)
	}
	if _, err := sm.Enqueue("vc-1", "missing", "u"); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	eventually(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, e := range events {
			if e == "skipped: Unresolvable" {
				return true
			}
		}
		return false
	}, "skipped: Unresolvable")
}
