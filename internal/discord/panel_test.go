package discord

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/cadenza/internal/discord/mock"
	"github.com/MrWong99/cadenza/internal/resolve"
	"github.com/MrWong99/cadenza/internal/session"
)

// stubSource implements PanelSource for testing.
type stubSource struct {
	mu    sync.Mutex
	stats session.Stats
	queue []session.Entry
	done  chan struct{}
}

func newStubSource(state session.State, raws ...string) *stubSource {
	s := &stubSource{stats: session.Stats{State: state, Lookahead: 2}, done: make(chan struct{})}
	for _, raw := range raws {
		s.queue = append(s.queue, session.Entry{Ref: resolve.NewReference(raw), RequesterID: "u1"})
	}
	return s
}

func (s *stubSource) ChannelID() string     { return "vc-1" }
func (s *stubSource) Done() <-chan struct{} { return s.done }

func (s *stubSource) Stats() session.Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

func (s *stubSource) Queue() ([]session.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]session.Entry(nil), s.queue...), nil
}

func TestBuildEmbed_Playing(t *testing.T) {
	t.Parallel()

	src := newStubSource(session.Playing, "song-a", "song-b", "song-c")
	q, _ := src.Queue()
	embed := buildEmbed("vc-1", src.Stats(), q)

	if embed.Color != embedColorGreen {
		t.Errorf("Color = %#x, want green", embed.Color)
	}
	values := map[string]string{}
	for _, f := range embed.Fields {
		values[f.Name] = f.Value
	}
	if values["Now playing"] != "song-a (<@u1>)" {
		t.Errorf("Now playing = %q", values["Now playing"])
	}
	if values["Queued"] != "2" {
		t.Errorf("Queued = %q, want 2", values["Queued"])
	}
	if !strings.Contains(values["Up next"], "`1` song-b") {
		t.Errorf("Up next = %q", values["Up next"])
	}
	if values["State"] != "playing" {
		t.Errorf("State = %q, want playing", values["State"])
	}
}

func TestBuildEmbed_IdleAndPaused(t *testing.T) {
	t.Parallel()

	idle := buildEmbed("vc-1", session.Stats{State: session.Idle}, nil)
	for _, f := range idle.Fields {
		if f.Name == "Now playing" && f.Value != "Nothing" {
			t.Errorf("idle Now playing = %q, want Nothing", f.Value)
		}
		if f.Name == "Up next" {
			t.Error("idle embed has an Up next field")
		}
	}

	paused := buildEmbed("vc-1", session.Stats{State: session.Paused}, nil)
	if paused.Color != embedColorYellow {
		t.Errorf("paused Color = %#x, want yellow", paused.Color)
	}
}

func TestFormatUpNext_Truncates(t *testing.T) {
	t.Parallel()

	var q []session.Entry
	for range upNextLimit + 3 {
		q = append(q, session.Entry{Ref: resolve.NewReference("x")})
	}
	got := formatUpNext(q)
	if !strings.HasSuffix(got, "…and 3 more") {
		t.Errorf("formatUpNext = %q", got)
	}
}

func TestPanel_PostsEditsAndFinalises(t *testing.T) {
	t.Parallel()

	resp := &mock.Responder{}
	src := newStubSource(session.Playing, "song-a")
	p := NewPanel(PanelConfig{Responder: resp, ChannelID: "text-1", Interval: 10 * time.Millisecond, Source: src})
	p.Start()

	deadline := time.Now().Add(2 * time.Second)
	for resp.EmbedCount() < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("embeds = %d, want at least 3", resp.EmbedCount())
		}
		time.Sleep(5 * time.Millisecond)
	}

	close(src.done)
	deadline = time.Now().Add(2 * time.Second)
	for {
		if last := resp.LastEmbed(); last != nil && last.Description == "Session ended." {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("panel was not finalised after the session ended")
		}
		time.Sleep(5 * time.Millisecond)
	}
	p.Stop() // idempotent
}

func TestPanel_StopBeforePostIsQuiet(t *testing.T) {
	t.Parallel()

	resp := &mock.Responder{}
	p := NewPanel(PanelConfig{Responder: resp, ChannelID: "text-1", Source: newStubSource(session.Idle)})
	p.Stop()
	if n := resp.EmbedCount(); n != 0 {
		t.Errorf("embeds = %d, want 0", n)
	}
}

func TestFormatDuration(t *testing.T) {
	t.Parallel()

	tests := map[time.Duration]string{
		5 * time.Second:                       "5s",
		3*time.Minute + 2*time.Second:         "3m 2s",
		time.Hour + time.Minute + time.Second: "1h 1m 1s",
	}
	for d, want := range tests {
		if got := formatDuration(d); got != want {
			t.Errorf("formatDuration(%v) = %q, want %q", d, got, want)
		}
	}
}
