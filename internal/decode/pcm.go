package decode

import (
	"context"
	"fmt"

	"github.com/MrWong99/cadenza/internal/resolve"
	"github.com/MrWong99/cadenza/pkg/audio"
)

// Options shared by the in-process backends.
type Options struct {
	Layout audio.Layout
	Gain   float64
}

func (o Options) gain() float64 {
	if o.Gain <= 0 {
		return 1
	}
	return min(o.Gain, MaxGain)
}

// MaxGain caps the volume multiplier.
const MaxGain = 5.0

// PCM decodes raw s16le sources whose layout is given by the source
// descriptor; a zero rate or channel count means canonical.
type PCM struct {
	fetch Fetcher
	opts  Options
}

var _ Decoder = (*PCM)(nil)

// NewPCM creates a raw PCM backend.
func NewPCM(fetch Fetcher, opts Options) *PCM {
	return &PCM{fetch: fetch, opts: opts}
}

// Open implements [Decoder].
func (p *PCM) Open(ctx context.Context, src resolve.Source) (Stream, error) {
	format := audio.Canonical
	if src.SampleRate > 0 {
		format.SampleRate = src.SampleRate
	}
	if src.Channels > 0 {
		format.Channels = src.Channels
	}
	if !format.Valid() {
		return nil, fmt.Errorf("%w: pcm layout %s", ErrUnsupported, format)
	}
	body, err := p.fetch.Fetch(ctx, src.URL)
	if err != nil {
		return nil, err
	}
	return newFrameStream(body, body, format, p.opts.Layout, p.opts.gain()), nil
}
