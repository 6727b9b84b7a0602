package decode

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/MrWong99/cadenza/internal/cache"
	"github.com/MrWong99/cadenza/internal/governor"
	"github.com/MrWong99/cadenza/internal/resolve"
	"github.com/MrWong99/cadenza/pkg/audio"
)

// DefaultFramesPerSegment groups five seconds of 20 ms frames.
const DefaultFramesPerSegment = 250

// Producer decodes a source into cache segments. Before a frame is
// buffered its bytes are reserved with the governor; when the ceiling is
// reached the reservation blocks (after asking the cache to evict) and so
// slows the decoder down instead of failing it.
type Producer struct {
	dec              Decoder
	gov              *governor.Governor
	layout           audio.Layout
	framesPerSegment int
}

// NewProducer creates a Producer. framesPerSegment <= 0 selects
// [DefaultFramesPerSegment].
func NewProducer(dec Decoder, gov *governor.Governor, layout audio.Layout, framesPerSegment int) *Producer {
	if framesPerSegment <= 0 {
		framesPerSegment = DefaultFramesPerSegment
	}
	return &Producer{dec: dec, gov: gov, layout: layout, framesPerSegment: framesPerSegment}
}

// SegmentBytes is the plaintext size of a full segment.
func (p *Producer) SegmentBytes() int {
	return p.framesPerSegment * p.layout.FrameBytes()
}

// Params describes the normalization applied, for use in cache keys.
func (p *Producer) Params() string {
	return fmt.Sprintf("s16le/%d/%d/%s/%d", audio.SampleRate, audio.Channels, p.layout.FrameDuration, p.framesPerSegment)
}

// Produce decodes src from the start and emits every segment in order.
// A short final segment is emitted as-is. When the stream fails, the
// frames decoded before the failure are emitted first and the error is
// returned afterwards. Every reservation is released on every path.
func (p *Producer) Produce(ctx context.Context, src resolve.Source, emit cache.EmitFunc) error {
	stream, err := p.dec.Open(ctx, src)
	if err != nil {
		return err
	}
	defer stream.Close()

	var (
		index   int
		res     *governor.Reservation
		segment []byte
	)
	drop := func() {
		clear(segment)
		segment = nil
		if res != nil {
			res.Release()
			res = nil
		}
	}
	flush := func() error {
		if len(segment) == 0 {
			return nil
		}
		err := emit(ctx, index, segment, res)
		segment, res = nil, nil
		index++
		return err
	}

	frameBytes := int64(p.layout.FrameBytes())
	for {
		frame, err := stream.Next(ctx)
		if errors.Is(err, io.EOF) {
			return flush()
		}
		if err != nil {
			if ctx.Err() != nil {
				drop()
				return ctx.Err()
			}
			slog.Debug("decode: stream ended with error", "url", src.URL, "segment", index, "err", err)
			if ferr := flush(); ferr != nil {
				return ferr
			}
			return err
		}

		if res == nil {
			if res, err = p.gov.Reserve(ctx, frameBytes); err != nil {
				res = nil
				clear(frame)
				drop()
				return err
			}
			segment = make([]byte, 0, frameBytes)
		} else if err := res.Extend(ctx, frameBytes); err != nil {
			clear(frame)
			drop()
			return err
		}
		segment = append(segment, frame...)
		clear(frame)

		if len(segment) >= p.SegmentBytes() {
			if err := flush(); err != nil {
				return err
			}
		}
	}
}

// Fill adapts Produce to a cache production.
func (p *Producer) Fill(src resolve.Source) cache.FillFunc {
	return func(ctx context.Context, emit cache.EmitFunc) error {
		return p.Produce(ctx, src, emit)
	}
}
