package decode

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/MrWong99/cadenza/pkg/audio"
)

// readChunk is the size of a single read from the underlying source.
const readChunk = 16 * 1024

// frameStream converts a source-format PCM reader into canonical frames.
type frameStream struct {
	r          io.Reader
	closer     io.Closer
	conv       *audio.FormatConverter
	frameBytes int

	// finish runs once at end of input and may turn a clean EOF into an
	// error, for example a non-zero ffmpeg exit.
	finish func() error

	chunk []byte
	buf   []byte
	eof   bool
	err   error
}

func newFrameStream(r io.Reader, closer io.Closer, src audio.Format, layout audio.Layout, gain float64) *frameStream {
	conv := audio.NewFormatConverter(src, audio.Canonical)
	conv.Gain = gain
	return &frameStream{
		r:          r,
		closer:     closer,
		conv:       conv,
		frameBytes: layout.FrameBytes(),
		chunk:      make([]byte, readChunk),
	}
}

// Next implements [Stream].
func (s *frameStream) Next(ctx context.Context) ([]byte, error) {
	for len(s.buf) < s.frameBytes {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if s.eof {
			if s.err != nil {
				return nil, s.err
			}
			return nil, io.EOF
		}
		n, err := s.r.Read(s.chunk)
		if n > 0 {
			s.buf = append(s.buf, s.conv.Convert(s.chunk[:n])...)
		}
		switch {
		case err == io.EOF:
			s.eof = true
			if s.finish != nil {
				s.err = s.finish()
			}
		case err != nil:
			s.eof = true
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			s.err = err
			if !errors.Is(err, ErrCorrupt) {
				s.err = fmt.Errorf("%w: read: %v", ErrTransportFetchFailed, err)
			}
		}
	}

	frame := make([]byte, s.frameBytes)
	copy(frame, s.buf)
	rest := copy(s.buf, s.buf[s.frameBytes:])
	s.buf = s.buf[:rest]
	return frame, nil
}

// Close implements [Stream].
func (s *frameStream) Close() error {
	clear(s.buf)
	s.buf = nil
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}
