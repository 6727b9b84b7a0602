package audio

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"sync"
)

// Format describes the sample rate and channel count of a PCM stream.
type Format struct {
	SampleRate int
	Channels   int
}

// Canonical is the pipeline's output format.
var Canonical = Format{SampleRate: SampleRate, Channels: Channels}

// String returns e.g. "48000Hz stereo".
func (f Format) String() string {
	ch := "mono"
	switch {
	case f.Channels == 2:
		ch = "stereo"
	case f.Channels > 2:
		ch = fmt.Sprintf("%dch", f.Channels)
	}
	return fmt.Sprintf("%dHz %s", f.SampleRate, ch)
}

// Valid reports whether f can be converted to [Canonical].
func (f Format) Valid() bool {
	return f.SampleRate > 0 && f.Channels > 0 && f.Channels <= 8
}

// FormatConverter converts chunks of s16le PCM from a source format to a
// target format. Chunks may have any length that is a whole number of
// interleaved sample frames; a trailing partial sample frame is carried
// into the next call.
//
// Create one per stream; not safe for concurrent use.
type FormatConverter struct {
	Source Format
	Target Format
	Gain   float64

	carry    []byte
	rem      int64
	warnOnce sync.Once
}

// NewFormatConverter returns a converter from src to dst with unity gain.
func NewFormatConverter(src, dst Format) *FormatConverter {
	return &FormatConverter{Source: src, Target: dst, Gain: 1}
}

// Convert converts one chunk. The returned slice is newly allocated unless
// the formats match and gain is unity.
func (c *FormatConverter) Convert(pcm []byte) []byte {
	frameWidth := c.Source.Channels * BytesPerSample
	if len(c.carry) > 0 {
		pcm = append(c.carry, pcm...)
		c.carry = nil
	}
	if tail := len(pcm) % frameWidth; tail != 0 {
		c.carry = append([]byte(nil), pcm[len(pcm)-tail:]...)
		pcm = pcm[:len(pcm)-tail]
	}
	if len(pcm) == 0 {
		return nil
	}

	unity := c.Gain == 0 || c.Gain == 1
	if c.Source == c.Target && unity {
		return pcm
	}
	if c.Source != c.Target {
		c.warnOnce.Do(func() {
			slog.Debug("audio: converting stream", "from", c.Source.String(), "to", c.Target.String())
		})
	}

	samples := BytesToSamples(pcm)
	if c.Source.SampleRate != c.Target.SampleRate {
		samples = c.resample(samples)
	}
	if c.Source.Channels != c.Target.Channels {
		samples = Remix(samples, c.Source.Channels, c.Target.Channels)
	}
	if !unity {
		ApplyGain(samples, c.Gain)
	}
	return SamplesToBytes(samples)
}

// resample converts the sample rate of one chunk, carrying the fractional
// output frame count so that chunked conversion keeps the exact total length.
func (c *FormatConverter) resample(samples []int16) []int16 {
	ch := c.Source.Channels
	srcFrames := int64(len(samples) / ch)
	num := srcFrames*int64(c.Target.SampleRate) + c.rem
	dstFrames := num / int64(c.Source.SampleRate)
	c.rem = num % int64(c.Source.SampleRate)
	return resampleFrames(samples, ch, int(dstFrames))
}

// Resample converts interleaved samples with the given channel count from
// srcRate to dstRate using linear interpolation.
func Resample(samples []int16, channels, srcRate, dstRate int) []int16 {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || channels <= 0 {
		return samples
	}
	srcFrames := len(samples) / channels
	dst := int(int64(srcFrames) * int64(dstRate) / int64(srcRate))
	return resampleFrames(samples, channels, dst)
}

func resampleFrames(samples []int16, channels, dstFrames int) []int16 {
	srcFrames := len(samples) / channels
	if srcFrames == 0 || dstFrames <= 0 {
		return nil
	}
	out := make([]int16, dstFrames*channels)
	ratio := float64(srcFrames) / float64(dstFrames)
	for i := range dstFrames {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := pos - float64(idx)
		next := idx + 1
		if next >= srcFrames {
			next = srcFrames - 1
		}
		for c := range channels {
			s0 := float64(samples[idx*channels+c])
			s1 := float64(samples[next*channels+c])
			out[i*channels+c] = int16(s0*(1-frac) + s1*frac)
		}
	}
	return out
}

// Remix maps interleaved samples from one channel count to another. Mono is
// duplicated to every output channel. Downmixing to mono averages all
// channels. Downmixing to stereo averages even channels into left and odd
// channels into right.
func Remix(samples []int16, from, to int) []int16 {
	if from == to || from <= 0 || to <= 0 {
		return samples
	}
	frames := len(samples) / from
	out := make([]int16, frames*to)
	for f := range frames {
		in := samples[f*from : f*from+from]
		dst := out[f*to : f*to+to]
		switch {
		case from == 1:
			for c := range dst {
				dst[c] = in[0]
			}
		case to == 1:
			dst[0] = average(in, 0, 1)
		case to == 2:
			dst[0] = average(in, 0, 2)
			dst[1] = average(in, 1, 2)
		default:
			for c := range dst {
				dst[c] = in[c%from]
			}
		}
	}
	return out
}

func average(in []int16, start, step int) int16 {
	var sum, n int32
	for i := start; i < len(in); i += step {
		sum += int32(in[i])
		n++
	}
	if n == 0 {
		return 0
	}
	return clamp16(float64(sum / n))
}

// ApplyGain scales samples in place, clamping to the int16 range.
func ApplyGain(samples []int16, gain float64) {
	for i, s := range samples {
		samples[i] = clamp16(float64(s) * gain)
	}
}

func clamp16(v float64) int16 {
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}

// BytesToSamples decodes little-endian int16 samples. A trailing odd byte is
// ignored.
func BytesToSamples(b []byte) []int16 {
	out := make([]int16, len(b)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return out
}

// SamplesToBytes encodes int16 samples as little-endian bytes.
func SamplesToBytes(s []int16) []byte {
	out := make([]byte, len(s)*2)
	for i, v := range s {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(v))
	}
	return out
}
