// Package config provides the configuration schema, loader, and backend
// registry for the cadenza audio server.
package config

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// ByteSize is a byte count that accepts human-readable sizes such as
// "256 MiB" or "1.5GB" as well as plain integers.
type ByteSize int64

// UnmarshalText parses a human-readable size. It also serves environment
// overrides.
func (b *ByteSize) UnmarshalText(text []byte) error {
	n, err := humanize.ParseBytes(string(text))
	if err != nil {
		return fmt.Errorf("config: byte size %q: %w", text, err)
	}
	*b = ByteSize(n)
	return nil
}

// UnmarshalYAML implements [yaml.Unmarshaler].
func (b *ByteSize) UnmarshalYAML(node *yaml.Node) error {
	return b.UnmarshalText([]byte(node.Value))
}

// String formats the size with IEC units.
func (b ByteSize) String() string { return humanize.IBytes(uint64(max(b, 0))) }

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Discord  DiscordConfig  `yaml:"discord"`
	Governor GovernorConfig `yaml:"governor"`
	Cache    CacheConfig    `yaml:"cache"`
	Resolve  ResolveConfig  `yaml:"resolve"`
	Decode   DecodeConfig   `yaml:"decode"`
	Session  SessionConfig  `yaml:"session"`
	Workers  WorkersConfig  `yaml:"workers"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the address of the health and metrics endpoints
	// (e.g., ":8080"). Empty disables the HTTP server.
	ListenAddr string `yaml:"listen_addr" env:"CADENZA_LISTEN_ADDR"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level" env:"CADENZA_LOG_LEVEL"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// DiscordConfig configures the chat platform.
type DiscordConfig struct {
	// Token is the bot token. Usually supplied as CADENZA_DISCORD_TOKEN.
	Token string `yaml:"token" env:"CADENZA_DISCORD_TOKEN"`

	// GuildID scopes slash command registration to one guild.
	GuildID string `yaml:"guild_id" env:"CADENZA_DISCORD_GUILD_ID"`

	// DJRoleID, when set, restricts queue mutation to members with the role.
	DJRoleID string `yaml:"dj_role_id"`
}

// GovernorConfig bounds decoded and cached audio memory.
type GovernorConfig struct {
	// Ceiling is the total byte budget. Default: 256 MiB.
	Ceiling ByteSize `yaml:"ceiling" env:"CADENZA_MEMORY_CEILING"`

	// PressureTimeout bounds how long a reservation waits for memory before
	// failing with ResourceExhausted. Default: 5s.
	PressureTimeout time.Duration `yaml:"pressure_timeout"`
}

// CacheConfig configures the segment cache.
type CacheConfig struct {
	// Key is the hex-encoded 32-byte segment encryption key. When empty a
	// random per-process key is used, which makes spilled segments
	// unreadable after a restart.
	Key string `yaml:"key" env:"CADENZA_CACHE_KEY"`

	// Compress enables the compression layer under the cipher.
	Compress bool `yaml:"compress"`

	// SpillDir enables the on-disk spill store when set.
	SpillDir string `yaml:"spill_dir" env:"CADENZA_CACHE_SPILL_DIR"`

	// SpillCapacity bounds the spill store. Default: 1 GiB.
	SpillCapacity ByteSize `yaml:"spill_capacity"`

	// Shards is the number of lock stripes. Rounded up to a power of two.
	Shards int `yaml:"shards"`

	// Lookahead is how many segments a production may run ahead of its
	// slowest reader.
	Lookahead int `yaml:"lookahead"`
}

// ResolveConfig configures reference resolution.
type ResolveConfig struct {
	// Timeout is the deadline of one resolve attempt. Default: 10s.
	Timeout time.Duration `yaml:"timeout"`

	// Backends are tried in order; see [Registry]. Default: direct.
	Backends []BackendEntry `yaml:"backends"`

	// Breaker configures the circuit breaker wrapped around each backend.
	Breaker BreakerConfig `yaml:"breaker"`
}

// BreakerConfig tunes per-backend circuit breakers.
type BreakerConfig struct {
	MaxFailures  int           `yaml:"max_failures"`
	ResetTimeout time.Duration `yaml:"reset_timeout"`
}

// BackendEntry is the configuration block shared by resolver backends and
// decoders. Name selects the factory in the [Registry].
type BackendEntry struct {
	// Name selects the registered implementation (e.g., "ytdlp", "ffmpeg").
	Name string `yaml:"name"`

	// BaseURL is the endpoint of HTTP-based backends.
	BaseURL string `yaml:"base_url"`

	// APIKey authenticates against HTTP-based backends.
	APIKey string `yaml:"api_key"`

	// Path overrides the executable of process-based backends.
	Path string `yaml:"path"`

	// Codecs lists the codecs a decoder handles. A decoder without codecs
	// handles every codec no other decoder claims.
	Codecs []string `yaml:"codecs"`

	// Options holds backend-specific values not covered above.
	Options map[string]any `yaml:"options"`
}

// DecodeConfig configures decoding.
type DecodeConfig struct {
	// Decoders map codecs to decoding backends. Default: pcm and wav
	// in-process, ffmpeg for everything else.
	Decoders []BackendEntry `yaml:"decoders"`

	// FetchTimeout bounds connection setup of media fetches. Default: 15s.
	FetchTimeout time.Duration `yaml:"fetch_timeout"`

	// FramesPerSegment groups frames into cache segments. Default: 250 (5s).
	FramesPerSegment int `yaml:"frames_per_segment"`

	// Gain is the volume multiplier applied while decoding, at most 5.
	// Zero means unity.
	Gain float64 `yaml:"gain"`
}

// SessionConfig tunes playback sessions.
type SessionConfig struct {
	// FrameDuration is the dispatcher tick. Default: 20ms.
	FrameDuration time.Duration `yaml:"frame_duration"`

	// Lookahead is the initial number of buffered segments. Default: 2.
	Lookahead int `yaml:"lookahead"`

	// MaxLookahead caps lookahead escalation after underruns. Default: 8.
	MaxLookahead int `yaml:"max_lookahead"`

	// IdleTimeout destroys sessions idle this long. Default: 5m; negative
	// disables.
	IdleTimeout time.Duration `yaml:"idle_timeout"`

	// StuckThreshold is how long a track may starve before listeners are
	// told it is stuck. Default: 10s; negative disables.
	StuckThreshold time.Duration `yaml:"stuck_threshold"`

	// Reconnect controls recovery from dropped voice connections.
	Reconnect ReconnectConfig `yaml:"reconnect"`
}

// ReconnectConfig controls voice reconnection.
type ReconnectConfig struct {
	MaxRetries int           `yaml:"max_retries"`
	Backoff    time.Duration `yaml:"backoff"`
	MaxBackoff time.Duration `yaml:"max_backoff"`
}

// WorkersConfig sizes the worker pool lanes.
type WorkersConfig struct {
	Resolve    int `yaml:"resolve"`
	Decode     int `yaml:"decode"`
	QueueDepth int `yaml:"queue_depth"`
}
