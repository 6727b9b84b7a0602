package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/MrWong99/cadenza/internal/decode"
	"github.com/MrWong99/cadenza/internal/resolve"
)

// ErrBackendNotRegistered is returned by Create* methods when no factory has
// been registered under the requested backend name.
var ErrBackendNotRegistered = errors.New("config: backend not registered")

// DecoderDeps carries the shared dependencies handed to decoder factories.
type DecoderDeps struct {
	Fetcher decode.Fetcher
	Options decode.Options
}

// ResolverFactory builds a resolver backend from its configuration entry.
type ResolverFactory func(BackendEntry) (resolve.Backend, error)

// DecoderFactory builds a decoder from its configuration entry.
type DecoderFactory func(BackendEntry, DecoderDeps) (decode.Decoder, error)

// Registry maps backend names to their constructor functions. It is safe
// for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	resolver map[string]ResolverFactory
	decoder  map[string]DecoderFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		resolver: make(map[string]ResolverFactory),
		decoder:  make(map[string]DecoderFactory),
	}
}

// DefaultRegistry returns a registry holding the built-in backends.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.RegisterResolver("direct", func(BackendEntry) (resolve.Backend, error) {
		return resolve.Direct{}, nil
	})
	r.RegisterResolver("ytdlp", func(e BackendEntry) (resolve.Backend, error) {
		var opts []resolve.YTDLPOption
		if f, ok := stringOption(e, "format"); ok {
			opts = append(opts, resolve.WithFormat(f))
		}
		if p, ok := stringOption(e, "proxy"); ok {
			opts = append(opts, resolve.WithProxy(p))
		}
		return resolve.NewYTDLP(opts...), nil
	})
	r.RegisterResolver("httpapi", func(e BackendEntry) (resolve.Backend, error) {
		if e.BaseURL == "" {
			return nil, errors.New("config: httpapi requires base_url")
		}
		opts := []resolve.HTTPAPIOption{}
		if e.APIKey != "" {
			opts = append(opts, resolve.WithAPIKey(e.APIKey))
		}
		if rps, ok := floatOption(e, "rate_limit"); ok {
			burst, _ := floatOption(e, "burst")
			opts = append(opts, resolve.WithRateLimit(rps, int(burst)))
		}
		return resolve.NewHTTPAPI(e.BaseURL, opts...), nil
	})

	r.RegisterDecoder("pcm", func(_ BackendEntry, d DecoderDeps) (decode.Decoder, error) {
		return decode.NewPCM(d.Fetcher, d.Options), nil
	})
	r.RegisterDecoder("wav", func(_ BackendEntry, d DecoderDeps) (decode.Decoder, error) {
		return decode.NewWAV(d.Fetcher, d.Options), nil
	})
	r.RegisterDecoder("ffmpeg", func(e BackendEntry, d DecoderDeps) (decode.Decoder, error) {
		return decode.NewFFmpeg(e.Path, d.Options), nil
	})
	return r
}

// RegisterResolver registers a resolver backend factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterResolver(name string, factory ResolverFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resolver[name] = factory
}

// RegisterDecoder registers a decoder factory under name.
func (r *Registry) RegisterDecoder(name string, factory DecoderFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.decoder[name] = factory
}

// CreateResolver instantiates the backend registered under entry.Name.
// Returns [ErrBackendNotRegistered] if no factory has been registered for
// that name.
func (r *Registry) CreateResolver(entry BackendEntry) (resolve.Backend, error) {
	r.mu.RLock()
	factory, ok := r.resolver[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: resolve/%q", ErrBackendNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateDecoder instantiates the decoder registered under entry.Name.
func (r *Registry) CreateDecoder(entry BackendEntry, deps DecoderDeps) (decode.Decoder, error) {
	r.mu.RLock()
	factory, ok := r.decoder[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: decode/%q", ErrBackendNotRegistered, entry.Name)
	}
	return factory(entry, deps)
}

// BuildDecoder assembles a [decode.Mux] from the configured decoders. A
// decoder without codecs becomes the fallback.
func (r *Registry) BuildDecoder(entries []BackendEntry, deps DecoderDeps) (*decode.Mux, error) {
	mux := decode.NewMux()
	for _, e := range entries {
		d, err := r.CreateDecoder(e, deps)
		if err != nil {
			return nil, err
		}
		if len(e.Codecs) == 0 {
			mux.Fallback(d)
			continue
		}
		mux.Handle(d, e.Codecs...)
	}
	return mux, nil
}

// BuildResolvers instantiates the configured resolver backends in order.
func (r *Registry) BuildResolvers(entries []BackendEntry) ([]resolve.Backend, error) {
	out := make([]resolve.Backend, 0, len(entries))
	for _, e := range entries {
		b, err := r.CreateResolver(e)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

func stringOption(e BackendEntry, key string) (string, bool) {
	v, ok := e.Options[key].(string)
	return v, ok && v != ""
}

func floatOption(e BackendEntry, key string) (float64, bool) {
	switch v := e.Options[key].(type) {
	case int:
		return float64(v), true
	case float64:
		return v, true
	}
	return 0, false
}
