package cache

import (
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// TrackKey identifies the normalized audio of one track: a digest over the
// normalized track reference and the decoder's normalization parameters.
type TrackKey uint64

// NewTrackKey digests a normalized reference together with a description of
// the decoder parameters. Both inputs must be stable across restarts for
// spilled segments to be found again.
func NewTrackKey(normalizedRef, params string) TrackKey {
	d := xxhash.New()
	_, _ = d.WriteString(normalizedRef)
	_, _ = d.Write([]byte{0})
	_, _ = d.WriteString(params)
	return TrackKey(d.Sum64())
}

// Segment returns the key of the index-th segment of the track.
func (t TrackKey) Segment(index int) Key {
	var buf [16]byte
	binary.BigEndian.PutUint64(buf[:8], uint64(t))
	binary.BigEndian.PutUint64(buf[8:], uint64(index))
	return Key(xxhash.Sum64(buf[:]))
}

// String renders the key as 16 hex digits.
func (t TrackKey) String() string { return fmt.Sprintf("%016x", uint64(t)) }

// Key addresses one committed segment.
type Key uint64

// String renders the key as 16 hex digits; spilled files are named after it.
func (k Key) String() string { return fmt.Sprintf("%016x", uint64(k)) }
