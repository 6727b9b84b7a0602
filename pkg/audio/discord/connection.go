package discord

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/MrWong99/cadenza/pkg/audio"
	"github.com/bwmarrin/discordgo"
)

var _ audio.Connection = (*Connection)(nil)

// quietFrames consecutive silence frames clear the speaking flag. Discord
// expects a short run of silence before speaking stops.
const quietFrames = 5

// Connection wraps a discordgo.VoiceConnection as an [audio.Connection].
// Send encodes each canonical PCM frame to Opus and offers the packet to
// the voice connection's send queue without blocking.
//
// Connection is safe for concurrent use.
type Connection struct {
	vc      *discordgo.VoiceConnection
	session *discordgo.Session
	guildID string
	selfID  string

	encMu sync.Mutex
	enc   *opusEncoder

	// speaking is the flag Send wants; announced is what the gateway was
	// last told. announce reconciles the two under spkMu.
	speaking  atomic.Bool
	quiet     atomic.Int32
	spkMu     sync.Mutex
	announced bool
	notify    func(speaking bool)

	cbMu         sync.Mutex
	disconnectCb func()

	done      chan struct{}
	closeOnce sync.Once
	remote    atomic.Bool

	removeHandler func()

	// disconnectVC tears down the voice connection. Defaults to
	// vc.Disconnect; overridden in tests.
	disconnectVC func() error
}

func newConnection(vc *discordgo.VoiceConnection, session *discordgo.Session, guildID string) (*Connection, error) {
	enc, err := newOpusEncoder()
	if err != nil {
		return nil, err
	}
	c := &Connection{
		vc:           vc,
		session:      session,
		guildID:      guildID,
		enc:          enc,
		done:         make(chan struct{}),
		disconnectVC: vc.Disconnect,
	}
	c.notify = c.setSpeaking
	if session.State != nil && session.State.User != nil {
		c.selfID = session.State.User.ID
	}
	c.removeHandler = session.AddHandler(c.handleVoiceStateUpdate)
	return c, nil
}

// Send implements [audio.Transport]. Silence frames become Opus silence
// packets. When the voice connection's send queue is full the frame is
// rejected with [audio.ErrBackpressure].
func (c *Connection) Send(frame audio.AudioFrame) error {
	select {
	case <-c.done:
		return audio.ErrClosed
	default:
	}

	var packet []byte
	if frame.Silence || len(frame.Data) == 0 {
		packet = silencePacket
	} else {
		c.encMu.Lock()
		p, err := c.enc.encode(frame.Data)
		c.encMu.Unlock()
		if err != nil {
			return err
		}
		packet = p
	}

	if frame.Silence || len(frame.Data) == 0 {
		if c.quiet.Add(1) == quietFrames && c.speaking.CompareAndSwap(true, false) {
			go c.announce()
		}
	} else {
		c.quiet.Store(0)
		if c.speaking.CompareAndSwap(false, true) {
			go c.announce()
		}
	}

	select {
	case c.vc.OpusSend <- packet:
		return nil
	default:
		return audio.ErrBackpressure
	}
}

// OnDisconnect implements [audio.Connection].
func (c *Connection) OnDisconnect(cb func()) {
	c.cbMu.Lock()
	defer c.cbMu.Unlock()
	c.disconnectCb = cb
}

// Disconnect leaves the voice channel. Safe to call more than once.
func (c *Connection) Disconnect() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		if c.removeHandler != nil {
			c.removeHandler()
		}
		if c.disconnectVC != nil {
			err = c.disconnectVC()
		}
	})
	if err != nil {
		return fmt.Errorf("discord: disconnect: %w", err)
	}
	return nil
}

// handleVoiceStateUpdate watches for the bot's own voice state leaving the
// channel (kick, move or gateway drop) and reports it as a disconnect.
func (c *Connection) handleVoiceStateUpdate(_ *discordgo.Session, vsu *discordgo.VoiceStateUpdate) {
	if vsu.GuildID != c.guildID || c.selfID == "" || vsu.UserID != c.selfID {
		return
	}
	if vsu.ChannelID == c.vc.ChannelID {
		return
	}
	if c.remote.Swap(true) {
		return
	}
	slog.Info("discord: voice connection dropped by platform",
		"guild_id", c.guildID,
		"channel_id", c.vc.ChannelID,
		"new_channel_id", vsu.ChannelID,
	)
	c.fireDisconnect()
}

func (c *Connection) fireDisconnect() {
	c.cbMu.Lock()
	cb := c.disconnectCb
	c.cbMu.Unlock()
	if cb != nil {
		go cb()
	}
}

// announce tells the gateway the current speaking flag if it changed since
// the last announcement.
func (c *Connection) announce() {
	c.spkMu.Lock()
	defer c.spkMu.Unlock()
	want := c.speaking.Load()
	if want == c.announced {
		return
	}
	c.announced = want
	c.notify(want)
}

func (c *Connection) setSpeaking(b bool) {
	if err := c.vc.Speaking(b); err != nil {
		slog.Warn("discord: speaking notification error", "speaking", b, "err", err)
	}
}
