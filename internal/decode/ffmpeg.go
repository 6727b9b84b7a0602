package decode

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"github.com/MrWong99/cadenza/internal/resolve"
	"github.com/MrWong99/cadenza/pkg/audio"
)

// FFmpeg decodes any container ffmpeg understands by running it as a
// subprocess that writes canonical s16le to stdout. ffmpeg fetches the
// source URL itself.
type FFmpeg struct {
	bin  string
	opts Options
}

var _ Decoder = (*FFmpeg)(nil)

// NewFFmpeg creates the backend; bin defaults to "ffmpeg" on PATH.
func NewFFmpeg(bin string, opts Options) *FFmpeg {
	if bin == "" {
		bin = "ffmpeg"
	}
	return &FFmpeg{bin: bin, opts: opts}
}

func (f *FFmpeg) args(url string) []string {
	return []string{
		"-nostdin",
		"-hide_banner",
		"-loglevel", "error",
		"-reconnect", "1",
		"-reconnect_streamed", "1",
		"-reconnect_delay_max", "5",
		"-i", url,
		"-vn",
		"-f", "s16le",
		"-acodec", "pcm_s16le",
		"-ar", strconv.Itoa(audio.SampleRate),
		"-ac", strconv.Itoa(audio.Channels),
		"pipe:1",
	}
}

// Open implements [Decoder]. The process is killed when ctx ends.
func (f *FFmpeg) Open(ctx context.Context, src resolve.Source) (Stream, error) {
	cmd := exec.CommandContext(ctx, f.bin, f.args(src.URL)...)
	stderr := &tailBuffer{max: 2048}
	cmd.Stderr = stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("decode: ffmpeg stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: start ffmpeg: %v", ErrUnsupported, err)
	}

	p := &ffmpegProc{cmd: cmd, stderr: stderr}
	s := newFrameStream(stdout, p, audio.Canonical, f.opts.Layout, f.opts.gain())
	s.finish = func() error { return p.wait(ctx) }
	return s, nil
}

type ffmpegProc struct {
	cmd    *exec.Cmd
	stderr *tailBuffer

	once sync.Once
	err  error
}

// wait reaps the process at end of output. A failure before any audio was
// produced means the input could not be fetched; a failure afterwards is
// corrupt input.
func (p *ffmpegProc) wait(ctx context.Context) error {
	p.once.Do(func() { p.err = p.cmd.Wait() })
	if p.err == nil || ctx.Err() != nil {
		return nil
	}
	msg := p.stderr.String()
	if looksLikeFetchFailure(msg) {
		return fmt.Errorf("%w: ffmpeg: %s", ErrTransportFetchFailed, msg)
	}
	return fmt.Errorf("%w: ffmpeg: %v: %s", ErrCorrupt, p.err, msg)
}

// Close kills a still running process and reaps it.
func (p *ffmpegProc) Close() error {
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
	p.once.Do(func() { p.err = p.cmd.Wait() })
	return nil
}

func looksLikeFetchFailure(stderr string) bool {
	s := strings.ToLower(stderr)
	for _, marker := range []string{"server returned 4", "server returned 5", "connection refused", "could not resolve host", "connection timed out", "no such file"} {
		if strings.Contains(s, marker) {
			return true
		}
	}
	return false
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf bytes.Buffer
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf.Write(p)
	if over := t.buf.Len() - t.max; over > 0 {
		t.buf.Next(over)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.TrimSpace(t.buf.String())
}

var _ io.Writer = (*tailBuffer)(nil)
