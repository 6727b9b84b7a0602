package decode

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/MrWong99/cadenza/internal/resolve"
	"github.com/MrWong99/cadenza/pkg/audio"
)

const (
	wavFormatPCM        = 1
	wavFormatExtensible = 0xFFFE
	// wavStreamingSize marks a data chunk of unknown length.
	wavStreamingSize = 0xFFFFFFFF
)

// WAV decodes RIFF/WAVE files carrying 16-bit integer PCM.
type WAV struct {
	fetch Fetcher
	opts  Options
}

var _ Decoder = (*WAV)(nil)

// NewWAV creates a WAV backend.
func NewWAV(fetch Fetcher, opts Options) *WAV {
	return &WAV{fetch: fetch, opts: opts}
}

// Open implements [Decoder]. The header is read before Open returns.
func (w *WAV) Open(ctx context.Context, src resolve.Source) (Stream, error) {
	body, err := w.fetch.Fetch(ctx, src.URL)
	if err != nil {
		return nil, err
	}
	format, data, err := parseWAV(body)
	if err != nil {
		_ = body.Close()
		return nil, err
	}
	return newFrameStream(data, body, format, w.opts.Layout, w.opts.gain()), nil
}

// parseWAV reads chunks up to the start of the sample data and returns the
// sample format with a reader limited to the data chunk.
func parseWAV(r io.Reader) (audio.Format, io.Reader, error) {
	var riff [12]byte
	if _, err := io.ReadFull(r, riff[:]); err != nil {
		return audio.Format{}, nil, fmt.Errorf("%w: wav header: %v", ErrCorrupt, err)
	}
	if string(riff[0:4]) != "RIFF" || string(riff[8:12]) != "WAVE" {
		return audio.Format{}, nil, fmt.Errorf("%w: not a RIFF/WAVE stream", ErrCorrupt)
	}

	var (
		format audio.Format
		hasFmt bool
		hdr    [8]byte
	)
	for {
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			return audio.Format{}, nil, fmt.Errorf("%w: wav chunk header: %v", ErrCorrupt, err)
		}
		id := string(hdr[0:4])
		size := binary.LittleEndian.Uint32(hdr[4:8])

		switch id {
		case "fmt ":
			if size < 16 || size > 1024 {
				return audio.Format{}, nil, fmt.Errorf("%w: fmt chunk size %d", ErrCorrupt, size)
			}
			body := make([]byte, size+size&1)
			if _, err := io.ReadFull(r, body); err != nil {
				return audio.Format{}, nil, fmt.Errorf("%w: fmt chunk: %v", ErrCorrupt, err)
			}
			tag := binary.LittleEndian.Uint16(body[0:2])
			bits := binary.LittleEndian.Uint16(body[14:16])
			if tag != wavFormatPCM && tag != wavFormatExtensible {
				return audio.Format{}, nil, fmt.Errorf("%w: wav format tag %#x", ErrUnsupported, tag)
			}
			if bits != 16 {
				return audio.Format{}, nil, fmt.Errorf("%w: %d-bit wav", ErrUnsupported, bits)
			}
			format = audio.Format{
				Channels:   int(binary.LittleEndian.Uint16(body[2:4])),
				SampleRate: int(binary.LittleEndian.Uint32(body[4:8])),
			}
			if !format.Valid() {
				return audio.Format{}, nil, fmt.Errorf("%w: wav layout %s", ErrCorrupt, format)
			}
			hasFmt = true

		case "data":
			if !hasFmt {
				return audio.Format{}, nil, fmt.Errorf("%w: data chunk before fmt", ErrCorrupt)
			}
			if size == 0 || size == wavStreamingSize {
				return format, r, nil
			}
			return format, &sizedReader{r: r, left: int64(size)}, nil

		default:
			if _, err := io.CopyN(io.Discard, r, int64(size)+int64(size&1)); err != nil {
				return audio.Format{}, nil, fmt.Errorf("%w: skip %q chunk: %v", ErrCorrupt, id, err)
			}
		}
	}
}

// sizedReader reads exactly left bytes; input ending early is corrupt.
type sizedReader struct {
	r    io.Reader
	left int64
}

func (s *sizedReader) Read(p []byte) (int, error) {
	if s.left <= 0 {
		return 0, io.EOF
	}
	if int64(len(p)) > s.left {
		p = p[:s.left]
	}
	n, err := s.r.Read(p)
	s.left -= int64(n)
	if err == io.EOF && s.left > 0 {
		return n, fmt.Errorf("%w: wav data ends %d bytes short", ErrCorrupt, s.left)
	}
	return n, err
}
