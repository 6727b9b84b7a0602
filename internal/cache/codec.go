package cache

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/klauspost/compress/zstd"
)

// Layer is one reversible stage of segment storage encoding.
type Layer interface {
	Encode(in []byte) ([]byte, error)
	Decode(in []byte) ([]byte, error)
}

// Codec stacks layers. Encode applies them in order, Decode in reverse.
// A Codec is safe for concurrent use when its layers are.
type Codec struct {
	layers []Layer
}

// NewCodec stacks the given layers.
func NewCodec(layers ...Layer) *Codec {
	return &Codec{layers: layers}
}

// NewSegmentCodec builds the standard segment stack: optional zstd
// compression, AES-CBC with a random IV, then an xxhash integrity tag. The
// output layout is [IV][ciphertext][tag].
func NewSegmentCodec(key []byte, compress bool) (*Codec, error) {
	var layers []Layer
	if compress {
		z, err := NewCompression()
		if err != nil {
			return nil, err
		}
		layers = append(layers, z)
	}
	c, err := NewCipher(key)
	if err != nil {
		return nil, err
	}
	layers = append(layers, c, Integrity{})
	return NewCodec(layers...), nil
}

// Encode runs raw bytes through every layer.
func (c *Codec) Encode(raw []byte) ([]byte, error) {
	out := raw
	for _, l := range c.layers {
		var err error
		if out, err = l.Encode(out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Decode reverses [Codec.Encode].
func (c *Codec) Decode(blob []byte) ([]byte, error) {
	out := blob
	for i := len(c.layers) - 1; i >= 0; i-- {
		var err error
		if out, err = c.layers[i].Decode(out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// ─── Compression ─────────────────────────────────────────────────────────────

// Compression is a zstd layer.
type Compression struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

// NewCompression creates a zstd layer tuned for speed.
func NewCompression() (*Compression, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return nil, fmt.Errorf("cache: zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("cache: zstd decoder: %w", err)
	}
	return &Compression{enc: enc, dec: dec}, nil
}

// Encode implements [Layer].
func (z *Compression) Encode(in []byte) ([]byte, error) {
	return z.enc.EncodeAll(in, make([]byte, 0, len(in)/2)), nil
}

// Decode implements [Layer].
func (z *Compression) Decode(in []byte) ([]byte, error) {
	out, err := z.dec.DecodeAll(in, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: zstd: %v", ErrIntegrityMismatch, err)
	}
	return out, nil
}

// ─── Cipher ──────────────────────────────────────────────────────────────────

// Cipher is an AES-CBC layer with a fresh random IV per segment and PKCS#7
// padding. The IV is prepended to the ciphertext.
type Cipher struct {
	block cipher.Block
}

// NewCipher creates a cipher layer. key must be 16, 24 or 32 bytes.
func NewCipher(key []byte) (*Cipher, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("cache: cipher: %w", err)
	}
	return &Cipher{block: block}, nil
}

// Encode implements [Layer].
func (c *Cipher) Encode(in []byte) ([]byte, error) {
	bs := c.block.BlockSize()
	pad := bs - len(in)%bs
	out := make([]byte, bs+len(in)+pad)
	iv := out[:bs]
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("cache: iv: %w", err)
	}
	body := out[bs:]
	copy(body, in)
	for i := len(in); i < len(body); i++ {
		body[i] = byte(pad)
	}
	cipher.NewCBCEncrypter(c.block, iv).CryptBlocks(body, body)
	return out, nil
}

// Decode implements [Layer].
func (c *Cipher) Decode(in []byte) ([]byte, error) {
	bs := c.block.BlockSize()
	if len(in) < 2*bs || len(in)%bs != 0 {
		return nil, fmt.Errorf("%w: ciphertext length %d", ErrIntegrityMismatch, len(in))
	}
	body := make([]byte, len(in)-bs)
	cipher.NewCBCDecrypter(c.block, in[:bs]).CryptBlocks(body, in[bs:])
	pad := int(body[len(body)-1])
	if pad == 0 || pad > bs || !bytes.Equal(body[len(body)-pad:], bytes.Repeat([]byte{byte(pad)}, pad)) {
		return nil, fmt.Errorf("%w: bad padding", ErrIntegrityMismatch)
	}
	return body[:len(body)-pad], nil
}

// ─── Integrity ───────────────────────────────────────────────────────────────

// tagSize is the length of the integrity tag appended by [Integrity].
const tagSize = 8

// Integrity appends an xxhash digest of its input and verifies it on
// decode. It detects corruption, not tampering.
type Integrity struct{}

// Encode implements [Layer].
func (Integrity) Encode(in []byte) ([]byte, error) {
	out := make([]byte, len(in)+tagSize)
	copy(out, in)
	binary.BigEndian.PutUint64(out[len(in):], xxhash.Sum64(in))
	return out, nil
}

// Decode implements [Layer].
func (Integrity) Decode(in []byte) ([]byte, error) {
	if len(in) < tagSize {
		return nil, fmt.Errorf("%w: blob shorter than tag", ErrIntegrityMismatch)
	}
	body := in[:len(in)-tagSize]
	if binary.BigEndian.Uint64(in[len(body):]) != xxhash.Sum64(body) {
		return nil, ErrIntegrityMismatch
	}
	return body, nil
}
