// Package mock provides in-memory implementations of [audio.Platform] and
// [audio.Connection] for unit tests.
//
// All mocks are safe for concurrent use. They record every call so tests can
// assert on call counts and sent frames, and expose exported fields to
// control return values.
//
// Typical usage:
//
//	conn := &mock.Connection{}
//	platform := &mock.Platform{ConnectResult: conn}
//	got, _ := platform.Connect(ctx, "channel-42")
//	_ = got.Send(frame)
//	frames := conn.Frames()
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/cadenza/pkg/audio"
)

var (
	_ audio.Connection = (*Connection)(nil)
	_ audio.Platform   = (*Platform)(nil)
)

// ─── Connection ───────────────────────────────────────────────────────────────

// Connection is a mock [audio.Connection] that records every accepted frame.
type Connection struct {
	mu sync.Mutex

	// SendError, when set, is returned by Send for every frame.
	SendError error

	// RejectFunc, when set, is consulted per frame; a non-nil return rejects
	// the frame with that error.
	RejectFunc func(n int, frame audio.AudioFrame) error

	// DisconnectError is returned by Disconnect.
	DisconnectError error

	// CallCountSend counts Send calls, accepted or not.
	CallCountSend int

	// CallCountDisconnect counts Disconnect calls.
	CallCountDisconnect int

	frames       []audio.AudioFrame
	disconnectCb func()
	onSend       func(audio.AudioFrame)
}

// Send implements [audio.Transport]. Accepted frames are deep-copied.
func (c *Connection) Send(frame audio.AudioFrame) error {
	c.mu.Lock()
	n := c.CallCountSend
	c.CallCountSend++
	err := c.SendError
	if err == nil && c.RejectFunc != nil {
		err = c.RejectFunc(n, frame)
	}
	if err != nil {
		c.mu.Unlock()
		return err
	}
	cp := frame
	if frame.Data != nil {
		cp.Data = append([]byte(nil), frame.Data...)
	}
	c.frames = append(c.frames, cp)
	hook := c.onSend
	c.mu.Unlock()
	if hook != nil {
		hook(cp)
	}
	return nil
}

// OnSend registers fn to run after each accepted frame.
func (c *Connection) OnSend(fn func(audio.AudioFrame)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onSend = fn
}

// Frames returns a copy of every accepted frame in send order.
func (c *Connection) Frames() []audio.AudioFrame {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]audio.AudioFrame, len(c.frames))
	copy(out, c.frames)
	return out
}

// AudibleFrames returns accepted frames that are not silence padding.
func (c *Connection) AudibleFrames() []audio.AudioFrame {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []audio.AudioFrame
	for _, f := range c.frames {
		if !f.Silence {
			out = append(out, f)
		}
	}
	return out
}

// OnDisconnect implements [audio.Connection].
func (c *Connection) OnDisconnect(cb func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnectCb = cb
}

// Disconnect implements [audio.Connection]. Returns DisconnectError.
func (c *Connection) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CallCountDisconnect++
	return c.DisconnectError
}

// Drop simulates the platform dropping the connection by invoking the
// registered disconnect callback synchronously.
func (c *Connection) Drop() {
	c.mu.Lock()
	cb := c.disconnectCb
	c.mu.Unlock()
	if cb != nil {
		cb()
	}
}

// ─── Platform ─────────────────────────────────────────────────────────────────

// Platform is a mock [audio.Platform].
type Platform struct {
	mu sync.Mutex

	// ConnectResult is returned by Connect. When nil a fresh Connection is
	// created per call.
	ConnectResult audio.Connection

	// ConnectError is returned by Connect when set.
	ConnectError error

	// ConnectCalls records the channel ID of every Connect call.
	ConnectCalls []string
}

// Connect implements [audio.Platform].
func (p *Platform) Connect(_ context.Context, channelID string) (audio.Connection, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ConnectCalls = append(p.ConnectCalls, channelID)
	if p.ConnectError != nil {
		return nil, p.ConnectError
	}
	if p.ConnectResult != nil {
		return p.ConnectResult, nil
	}
	return &Connection{}, nil
}
