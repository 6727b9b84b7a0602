package discord

import (
	"fmt"

	"github.com/MrWong99/cadenza/pkg/audio"
	"layeh.com/gopus"
)

// maxOpusPacket bounds a single encoded packet.
const maxOpusPacket = 4000

// silencePacket is the three-byte Opus frame Discord treats as silence.
var silencePacket = []byte{0xF8, 0xFF, 0xFE}

// opusEncoder wraps a gopus encoder at the canonical format. Not safe for
// concurrent use.
type opusEncoder struct {
	enc *gopus.Encoder
}

func newOpusEncoder() (*opusEncoder, error) {
	enc, err := gopus.NewEncoder(audio.SampleRate, audio.Channels, gopus.Audio)
	if err != nil {
		return nil, fmt.Errorf("discord: create opus encoder: %w", err)
	}
	return &opusEncoder{enc: enc}, nil
}

// encode encodes one canonical s16le frame. The Opus frame size follows the
// PCM length, so any supported frame duration (10, 20, 40 or 60 ms) works.
func (e *opusEncoder) encode(pcm []byte) ([]byte, error) {
	samples := audio.BytesToSamples(pcm)
	frameSize := len(samples) / audio.Channels
	packet, err := e.enc.Encode(samples, frameSize, maxOpusPacket)
	if err != nil {
		return nil, fmt.Errorf("discord: opus encode: %w", err)
	}
	return packet, nil
}
