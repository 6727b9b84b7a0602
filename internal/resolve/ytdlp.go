package resolve

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lrstanley/go-ytdlp"
)

// ytdlpPrint is the per-entry output template: stream url, audio codec,
// extension, duration in seconds, live flag and title.
const ytdlpPrint = "%(url)s\t%(acodec)s\t%(ext)s\t%(duration)s\t%(is_live)s\t%(title)s"

// YTDLP resolves page URLs and search queries with the yt-dlp binary.
type YTDLP struct {
	format string
	proxy  string
	run    func(ctx context.Context, args ...string) (string, error)
}

var _ Backend = (*YTDLP)(nil)

// YTDLPOption configures [YTDLP].
type YTDLPOption func(*YTDLP)

// WithFormat overrides the yt-dlp format selector.
func WithFormat(f string) YTDLPOption {
	return func(y *YTDLP) { y.format = f }
}

// WithProxy routes yt-dlp through proxy.
func WithProxy(proxy string) YTDLPOption {
	return func(y *YTDLP) { y.proxy = proxy }
}

// NewYTDLP creates the backend. The yt-dlp executable must be on PATH.
func NewYTDLP(opts ...YTDLPOption) *YTDLP {
	y := &YTDLP{format: "bestaudio[acodec=opus]/bestaudio/best"}
	for _, o := range opts {
		o(y)
	}
	y.run = y.exec
	return y
}

// Name implements [Backend].
func (y *YTDLP) Name() string { return "ytdlp" }

// Accepts implements [Backend]. yt-dlp handles any page URL and searches
// YouTube for free text.
func (y *YTDLP) Accepts(Reference) bool { return true }

// Resolve implements [Backend].
func (y *YTDLP) Resolve(ctx context.Context, ref Reference) (Source, error) {
	target := ref.Raw
	if ref.IsQuery() {
		target = "ytsearch1:" + ref.Query()
	}
	out, err := y.run(ctx, "-f", y.format, "--no-playlist", "--skip-download", target)
	if err != nil {
		if ctx.Err() != nil {
			return Source{}, fmt.Errorf("%w: yt-dlp: %v", ErrTimeout, ctx.Err())
		}
		return Source{}, fmt.Errorf("resolve: yt-dlp: %w", err)
	}
	return parseYTDLP(out)
}

func (y *YTDLP) exec(ctx context.Context, args ...string) (string, error) {
	cmd := ytdlp.New().
		Quiet().
		NoWarnings().
		IgnoreConfig().
		Print(ytdlpPrint)
	if y.proxy != "" {
		cmd.Proxy(y.proxy)
	}
	res, err := cmd.Run(ctx, args...)
	if err != nil {
		if res != nil && res.Stderr != "" {
			return "", fmt.Errorf("%w: %s", err, strings.TrimSpace(res.Stderr))
		}
		return "", err
	}
	return res.Stdout, nil
}

// parseYTDLP reads the first complete line printed with [ytdlpPrint].
func parseYTDLP(out string) (Source, error) {
	for line := range strings.SplitSeq(strings.TrimSpace(out), "\n") {
		f := strings.SplitN(line, "\t", 6)
		if len(f) < 6 || f[0] == "" || f[0] == "NA" {
			continue
		}
		src := Source{
			URL:   f[0],
			Codec: ytdlpCodec(f[1], f[2]),
			Live:  f[4] == "True",
			Title: f[5],
		}
		if secs, err := strconv.ParseFloat(f[3], 64); err == nil {
			src.Duration = time.Duration(secs * float64(time.Second))
		}
		return src, nil
	}
	return Source{}, fmt.Errorf("%w: yt-dlp printed no stream", ErrUnresolvable)
}

// ytdlpCodec maps yt-dlp's acodec and ext fields onto decoder codecs.
func ytdlpCodec(acodec, ext string) string {
	a := strings.ToLower(acodec)
	switch {
	case a == "opus":
		if ext == "webm" {
			return CodecWebM
		}
		return CodecOpus
	case strings.HasPrefix(a, "mp4a"):
		return CodecM4A
	case a == "mp3":
		return CodecMP3
	case a == "vorbis":
		return CodecOGG
	case a == "flac":
		return CodecFLAC
	}
	if c, ok := CodecFromPath("x." + ext); ok {
		return c
	}
	return ext
}
