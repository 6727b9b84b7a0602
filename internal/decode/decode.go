// Package decode turns resolved sources into lazy streams of canonical PCM
// frames and groups them into cache segments.
//
// Every [Stream] yields frames of exactly [audio.Layout.FrameBytes] bytes
// in the canonical 48 kHz stereo s16le format; a trailing partial frame is
// dropped. Backends are chosen by codec through a [Mux]: raw PCM and WAV
// are parsed in-process, everything else is piped through ffmpeg.
package decode

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/MrWong99/cadenza/internal/resolve"
)

var (
	// ErrCorrupt is returned when the input turned out to be malformed.
	// Frames returned before it remain valid.
	ErrCorrupt = errors.New("decode: corrupt input")

	// ErrUnsupported is returned for codecs or sample formats no backend
	// handles.
	ErrUnsupported = errors.New("decode: unsupported")

	// ErrTransportFetchFailed is returned when the media could not be
	// fetched, including stale URLs and connections dropped mid-stream.
	ErrTransportFetchFailed = errors.New("decode: fetch failed")
)

// Decoder opens sources.
type Decoder interface {
	Open(ctx context.Context, src resolve.Source) (Stream, error)
}

// Stream is a lazy, finite sequence of canonical frames. Next returns a
// newly allocated frame owned by the caller, or io.EOF at the end. Streams
// are bound to the context passed to Open and are not safe for concurrent
// use.
type Stream interface {
	Next(ctx context.Context) ([]byte, error)
	Close() error
}

// ─── Mux ─────────────────────────────────────────────────────────────────────

// Mux dispatches to a backend by codec.
type Mux struct {
	backends map[string]Decoder
	fallback Decoder
}

var _ Decoder = (*Mux)(nil)

// NewMux creates an empty Mux.
func NewMux() *Mux {
	return &Mux{backends: make(map[string]Decoder)}
}

// Handle routes the given codecs to d.
func (m *Mux) Handle(d Decoder, codecs ...string) {
	for _, c := range codecs {
		m.backends[c] = d
	}
}

// Fallback routes every codec without a dedicated backend to d.
func (m *Mux) Fallback(d Decoder) { m.fallback = d }

// Open implements [Decoder].
func (m *Mux) Open(ctx context.Context, src resolve.Source) (Stream, error) {
	d, ok := m.backends[src.Codec]
	if !ok {
		d = m.fallback
	}
	if d == nil {
		return nil, fmt.Errorf("%w: codec %q", ErrUnsupported, src.Codec)
	}
	return d.Open(ctx, src)
}

// ─── Fetching ────────────────────────────────────────────────────────────────

// Fetcher opens the byte stream behind a source URL.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (io.ReadCloser, error)
}

// HTTPFetcher fetches over HTTP. Any failure to obtain a 2xx response is
// [ErrTransportFetchFailed].
type HTTPFetcher struct {
	Client *http.Client
}

// NewHTTPFetcher returns a fetcher whose connect phase is bounded by
// timeout; bodies stream without a deadline.
func NewHTTPFetcher(timeout time.Duration) *HTTPFetcher {
	return &HTTPFetcher{Client: &http.Client{
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			ResponseHeaderTimeout: timeout,
			IdleConnTimeout:       90 * time.Second,
			MaxIdleConnsPerHost:   4,
		},
	}}
}

// Fetch implements [Fetcher].
func (f *HTTPFetcher) Fetch(ctx context.Context, url string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransportFetchFailed, err)
	}
	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransportFetchFailed, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("%w: %s: %s", ErrTransportFetchFailed, url, resp.Status)
	}
	return resp.Body, nil
}
