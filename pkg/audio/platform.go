// Package audio defines the canonical PCM frame format and the transport
// contract between the playback pipeline and a voice platform.
//
// The two primary abstractions are:
//
//   - [Platform] joins a voice channel and returns a [Connection].
//   - [Connection] is an active voice session that accepts paced frames through
//     the non-blocking [Transport.Send] and reports when the platform drops it.
//
// Platform adapters (audio/discord) and test doubles (audio/mock) implement
// these interfaces. The pipeline owns pacing; the transport owns wire encoding
// and delivery.
package audio

import (
	"context"
	"errors"
)

// ErrBackpressure is returned by [Transport.Send] when the transport cannot
// accept a frame right now. It is transient: the caller drops the frame and
// moves on to the next tick.
var ErrBackpressure = errors.New("audio: transport backpressure")

// ErrClosed is returned by [Transport.Send] after the connection is gone.
var ErrClosed = errors.New("audio: transport closed")

// Transport accepts one frame at a time.
//
// Send must never block. It returns nil when the frame was accepted,
// [ErrBackpressure] when the frame was not accepted within the current
// tick, or [ErrClosed] after disconnect. Implementations must not retain
// frame.Data after Send returns.
type Transport interface {
	Send(frame AudioFrame) error
}

// Connection is an active voice-channel session.
//
// Implementations must be safe for concurrent use.
type Connection interface {
	Transport

	// OnDisconnect registers cb to run once when the platform drops the
	// connection without a local Disconnect call. Only one callback may be
	// registered; later calls replace it. cb runs on an internal goroutine.
	OnDisconnect(cb func())

	// Disconnect leaves the channel. Safe to call more than once.
	Disconnect() error
}

// Platform joins voice channels.
//
// Implementations must be safe for concurrent use.
type Platform interface {
	// Connect joins channelID and returns an active [Connection]. ctx bounds
	// the join attempt only.
	Connect(ctx context.Context, channelID string) (Connection, error)
}
