// Package resolve turns user-supplied track references into playable
// stream descriptors.
//
// A [Reference] is either a URL or a free-text search query. Backends
// implement [Backend]; a [Chain] tries them in order behind per-backend
// circuit breakers, and a [Service] adds the caller deadline, de-duplicates
// concurrent resolutions of the same reference and maps every failure onto
// [ErrTimeout] or [ErrUnresolvable]. Resolvers never retry; retry policy
// belongs to the session scheduler.
package resolve

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"
	"time"
)

var (
	// ErrTimeout is returned when resolution did not finish before the
	// deadline.
	ErrTimeout = errors.New("resolve: timeout")

	// ErrUnresolvable is returned when no backend produced a usable source:
	// nothing matched, or the answer was malformed.
	ErrUnresolvable = errors.New("resolve: unresolvable")
)

// Resolver produces a [Source] for a [Reference].
type Resolver interface {
	Resolve(ctx context.Context, ref Reference) (Source, error)
}

// Backend is one extraction strategy.
type Backend interface {
	Resolver

	// Name identifies the backend in logs, metrics and configuration.
	Name() string

	// Accepts reports whether the backend handles ref at all. A backend
	// that does not accept a reference is passed over without a call.
	Accepts(ref Reference) bool
}

// searchPrefix marks normalized free-text queries.
const searchPrefix = "search:"

// Reference is a track reference as typed by a user.
type Reference struct {
	Raw string
}

// NewReference trims raw and wraps it.
func NewReference(raw string) Reference {
	return Reference{Raw: strings.TrimSpace(raw)}
}

// trackingParams are query parameters that never change which media a URL
// points at.
var trackingParams = map[string]bool{"si": true, "feature": true, "fbclid": true, "gclid": true}

// URL returns the parsed reference if it is an absolute http(s) URL.
func (r Reference) URL() (*url.URL, bool) {
	raw := strings.TrimSpace(r.Raw)
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return nil, false
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		return u, true
	default:
		return nil, false
	}
}

// IsQuery reports whether the reference is free text rather than a URL.
func (r Reference) IsQuery() bool {
	_, ok := r.URL()
	return !ok
}

// Query returns the search text of a free-text reference.
func (r Reference) Query() string {
	return strings.Join(strings.Fields(r.Raw), " ")
}

// Normalized returns a canonical form used for de-duplication and cache
// keys: URLs get a lower-case scheme and host, no fragment and no tracking
// parameters; queries are whitespace-collapsed, lower-cased and prefixed
// with "search:".
func (r Reference) Normalized() string {
	u, ok := r.URL()
	if !ok {
		return searchPrefix + strings.ToLower(r.Query())
	}
	n := *u
	n.Scheme = strings.ToLower(n.Scheme)
	n.Host = strings.ToLower(n.Host)
	n.Fragment = ""
	n.RawFragment = ""
	q := n.Query()
	for k := range q {
		if trackingParams[k] || strings.HasPrefix(k, "utm_") {
			q.Del(k)
		}
	}
	n.RawQuery = q.Encode()
	return n.String()
}

// String returns the raw reference.
func (r Reference) String() string { return r.Raw }

// Source is a resolved, playable stream descriptor.
type Source struct {
	// URL is the direct media location fetched by the decoder.
	URL string

	// Codec names the container or sample format, see [KnownCodec].
	Codec string

	// Title is a display name.
	Title string

	// Duration is zero when unknown.
	Duration time.Duration

	// SampleRate and Channels describe raw PCM sources; zero means the
	// decoder's canonical format.
	SampleRate int
	Channels   int

	// Live marks endless streams.
	Live bool
}

// Codecs understood by the decoder.
const (
	CodecPCM  = "pcm"
	CodecWAV  = "wav"
	CodecMP3  = "mp3"
	CodecOGG  = "ogg"
	CodecOpus = "opus"
	CodecWebM = "webm"
	CodecFLAC = "flac"
	CodecM4A  = "m4a"
	CodecAAC  = "aac"
)

var knownCodecs = map[string]bool{
	CodecPCM: true, CodecWAV: true, CodecMP3: true, CodecOGG: true, CodecOpus: true,
	CodecWebM: true, CodecFLAC: true, CodecM4A: true, CodecAAC: true,
}

// KnownCodec reports whether c is a codec the decoder can handle.
func KnownCodec(c string) bool { return knownCodecs[c] }

// CodecFromPath guesses the codec from a URL path's extension.
func CodecFromPath(p string) (string, bool) {
	ext := strings.TrimPrefix(strings.ToLower(path.Ext(p)), ".")
	switch ext {
	case "oga":
		ext = CodecOGG
	case "mp4":
		ext = CodecM4A
	case "raw", "s16le":
		ext = CodecPCM
	}
	return ext, knownCodecs[ext]
}

// Validate checks a backend answer. Malformed answers are
// [ErrUnresolvable].
func (s Source) Validate() error {
	if s.URL == "" {
		return fmt.Errorf("%w: empty stream url", ErrUnresolvable)
	}
	u, err := url.Parse(s.URL)
	if err != nil {
		return fmt.Errorf("%w: stream url: %v", ErrUnresolvable, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: stream url scheme %q", ErrUnresolvable, u.Scheme)
	}
	if !KnownCodec(s.Codec) {
		return fmt.Errorf("%w: unknown codec %q", ErrUnresolvable, s.Codec)
	}
	if s.SampleRate < 0 || s.Channels < 0 || s.Channels > 8 {
		return fmt.Errorf("%w: bad pcm layout %d Hz / %d ch", ErrUnresolvable, s.SampleRate, s.Channels)
	}
	return nil
}
