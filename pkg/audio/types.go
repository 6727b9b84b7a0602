package audio

import "time"

// Canonical output format. Every decoder normalizes to this layout before
// frames enter the cache or reach a transport.
const (
	// SampleRate is the canonical sample rate in Hz.
	SampleRate = 48000

	// Channels is the canonical channel count (interleaved stereo).
	Channels = 2

	// BytesPerSample is the width of one signed 16-bit little-endian sample.
	BytesPerSample = 2

	// DefaultFrameDuration is the default playback tick.
	DefaultFrameDuration = 20 * time.Millisecond
)

// AudioFrame is one tick's worth of canonical PCM handed to a [Transport].
type AudioFrame struct {
	// Data holds interleaved s16le PCM. For silence frames it may be nil.
	Data []byte

	// SampleRate in Hz. Always [SampleRate] for frames produced by the pipeline.
	SampleRate int

	// Channels is the interleaved channel count.
	Channels int

	// Timestamp is the playback position of this frame relative to track start.
	Timestamp time.Duration

	// Silence marks a padding frame emitted on buffer underrun.
	Silence bool
}

// Layout describes frame sizing derived from a frame duration.
type Layout struct {
	FrameDuration time.Duration
}

// NewLayout returns the canonical layout for the given frame duration. A zero
// duration selects [DefaultFrameDuration].
func NewLayout(d time.Duration) Layout {
	if d <= 0 {
		d = DefaultFrameDuration
	}
	return Layout{FrameDuration: d}
}

// SamplesPerFrame returns the number of samples per channel in one frame.
func (l Layout) SamplesPerFrame() int {
	return int(int64(SampleRate) * int64(l.FrameDuration) / int64(time.Second))
}

// FrameBytes returns the byte length of one canonical frame.
func (l Layout) FrameBytes() int {
	return l.SamplesPerFrame() * Channels * BytesPerSample
}

// FramesFor returns how many whole frames cover d.
func (l Layout) FramesFor(d time.Duration) int {
	return int(d / l.FrameDuration)
}

// Silence returns a zero-filled frame of the layout's size.
func (l Layout) Silence() []byte {
	return make([]byte, l.FrameBytes())
}
