package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"slices"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/MrWong99/cadenza/internal/decode"
	"github.com/MrWong99/cadenza/internal/resolve"
)

// Defaults applied by [ApplyDefaults].
const (
	DefaultCeiling          = ByteSize(256 << 20)
	DefaultPressureTimeout  = 5 * time.Second
	DefaultSpillCapacity    = ByteSize(1 << 30)
	DefaultFetchTimeout     = 15 * time.Second
	DefaultFramesPerSegment = 250
	DefaultFrameDuration    = 20 * time.Millisecond
)

// ValidBackendNames lists the built-in backend names per kind. Unknown names
// only produce a warning, so third-party factories can be registered.
var ValidBackendNames = map[string][]string{
	"resolve": {"direct", "httpapi", "ytdlp"},
	"decode":  {"pcm", "wav", "ffmpeg"},
}

// Load reads the YAML configuration file at path, applies environment
// overrides and defaults, and returns the validated [Config].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies environment
// overrides and defaults, and validates the result. An empty document
// yields the defaults.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config: environment: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills every zero field that has a default.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Governor.Ceiling == 0 {
		cfg.Governor.Ceiling = DefaultCeiling
	}
	if cfg.Governor.PressureTimeout == 0 {
		cfg.Governor.PressureTimeout = DefaultPressureTimeout
	}
	if cfg.Cache.SpillDir != "" && cfg.Cache.SpillCapacity == 0 {
		cfg.Cache.SpillCapacity = DefaultSpillCapacity
	}
	if cfg.Resolve.Timeout == 0 {
		cfg.Resolve.Timeout = resolve.DefaultTimeout
	}
	if len(cfg.Resolve.Backends) == 0 {
		cfg.Resolve.Backends = []BackendEntry{{Name: "direct"}}
	}
	if len(cfg.Decode.Decoders) == 0 {
		cfg.Decode.Decoders = []BackendEntry{
			{Name: "pcm", Codecs: []string{resolve.CodecPCM}},
			{Name: "wav", Codecs: []string{resolve.CodecWAV}},
			{Name: "ffmpeg"},
		}
	}
	if cfg.Decode.FetchTimeout == 0 {
		cfg.Decode.FetchTimeout = DefaultFetchTimeout
	}
	if cfg.Decode.FramesPerSegment == 0 {
		cfg.Decode.FramesPerSegment = DefaultFramesPerSegment
	}
	if cfg.Session.FrameDuration == 0 {
		cfg.Session.FrameDuration = DefaultFrameDuration
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.ListenAddr != "" {
		if _, _, err := net.SplitHostPort(cfg.Server.ListenAddr); err != nil {
			errs = append(errs, fmt.Errorf("server.listen_addr %q: %w", cfg.Server.ListenAddr, err))
		}
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Discord
	if cfg.Discord.Token == "" {
		slog.Warn("discord.token is empty; set CADENZA_DISCORD_TOKEN before connecting")
	}

	// Governor
	if cfg.Governor.Ceiling < 0 {
		errs = append(errs, fmt.Errorf("governor.ceiling %d is negative", cfg.Governor.Ceiling))
	}
	if cfg.Governor.PressureTimeout < 0 {
		errs = append(errs, fmt.Errorf("governor.pressure_timeout %s is negative", cfg.Governor.PressureTimeout))
	}

	// Cache
	if cfg.Cache.Key != "" {
		key, err := hex.DecodeString(cfg.Cache.Key)
		switch {
		case err != nil:
			errs = append(errs, fmt.Errorf("cache.key is not hex: %w", err))
		case len(key) != 32:
			errs = append(errs, fmt.Errorf("cache.key must be 32 bytes, got %d", len(key)))
		}
	} else if cfg.Cache.SpillDir != "" {
		slog.Warn("cache.spill_dir without cache.key; spilled segments are lost on restart")
	}
	if cfg.Cache.Shards < 0 || cfg.Cache.Lookahead < 0 {
		errs = append(errs, errors.New("cache.shards and cache.lookahead must not be negative"))
	}

	// Resolve
	if cfg.Resolve.Timeout < 0 {
		errs = append(errs, fmt.Errorf("resolve.timeout %s is negative", cfg.Resolve.Timeout))
	}
	for i, b := range cfg.Resolve.Backends {
		prefix := fmt.Sprintf("resolve.backends[%d]", i)
		if b.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
			continue
		}
		validateBackendName("resolve", b.Name)
		if b.Name == "httpapi" && b.BaseURL == "" {
			errs = append(errs, fmt.Errorf("%s.base_url is required for httpapi", prefix))
		}
	}

	// Decode
	fallbacks := 0
	claimed := make(map[string]int)
	for i, d := range cfg.Decode.Decoders {
		prefix := fmt.Sprintf("decode.decoders[%d]", i)
		if d.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
			continue
		}
		validateBackendName("decode", d.Name)
		if len(d.Codecs) == 0 {
			fallbacks++
		}
		for _, c := range d.Codecs {
			if !resolve.KnownCodec(c) {
				errs = append(errs, fmt.Errorf("%s.codecs: unknown codec %q", prefix, c))
			}
			if prev, ok := claimed[c]; ok {
				errs = append(errs, fmt.Errorf("%s.codecs: %q already handled by decode.decoders[%d]", prefix, c, prev))
			}
			claimed[c] = i
		}
	}
	if fallbacks > 1 {
		errs = append(errs, fmt.Errorf("decode.decoders: %d decoders without codecs; at most one may be the fallback", fallbacks))
	}
	if cfg.Decode.FramesPerSegment < 0 {
		errs = append(errs, fmt.Errorf("decode.frames_per_segment %d is negative", cfg.Decode.FramesPerSegment))
	}
	if cfg.Decode.Gain < 0 || cfg.Decode.Gain > decode.MaxGain {
		errs = append(errs, fmt.Errorf("decode.gain %.2f is out of range [0, %.0f]", cfg.Decode.Gain, decode.MaxGain))
	}

	// Session
	if d := cfg.Session.FrameDuration; d != 0 && (d < 10*time.Millisecond || d > 60*time.Millisecond) {
		errs = append(errs, fmt.Errorf("session.frame_duration %s is out of range [10ms, 60ms]", d))
	}
	if cfg.Session.Lookahead < 0 {
		errs = append(errs, fmt.Errorf("session.lookahead %d is negative", cfg.Session.Lookahead))
	}
	if cfg.Session.MaxLookahead != 0 && cfg.Session.MaxLookahead < cfg.Session.Lookahead {
		errs = append(errs, fmt.Errorf("session.max_lookahead %d is below session.lookahead %d", cfg.Session.MaxLookahead, cfg.Session.Lookahead))
	}

	// Segment memory sanity: the lookahead of one session must fit.
	segment := int64(cfg.Decode.FramesPerSegment) * int64(cfg.Session.FrameDuration/time.Millisecond) * 192
	if need := segment * int64(max(cfg.Session.Lookahead, 2)+1); cfg.Governor.Ceiling > 0 && need > int64(cfg.Governor.Ceiling) {
		errs = append(errs, fmt.Errorf("governor.ceiling %s cannot hold the lookahead of a single session (%s)", cfg.Governor.Ceiling, ByteSize(need)))
	}

	// Workers
	if cfg.Workers.Resolve < 0 || cfg.Workers.Decode < 0 || cfg.Workers.QueueDepth < 0 {
		errs = append(errs, errors.New("workers: sizes must not be negative"))
	}

	return errors.Join(errs...)
}

// validateBackendName logs a warning if name is not a built-in backend of
// the given kind.
func validateBackendName(kind, name string) {
	known, ok := ValidBackendNames[kind]
	if !ok || slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown backend name, may be a typo or third-party backend",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
