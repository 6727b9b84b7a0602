// Package discord provides an [audio.Platform] backed by Discord voice
// channels through bwmarrin/discordgo. Canonical PCM frames from the
// playback pipeline are encoded to Opus with gopus and queued on the voice
// connection's send channel.
//
// The platform needs an open *discordgo.Session (owned by the bot layer) and
// a guild ID.
package discord

import (
	"context"
	"fmt"

	"github.com/MrWong99/cadenza/pkg/audio"
	"github.com/bwmarrin/discordgo"
)

var _ audio.Platform = (*Platform)(nil)

// Platform implements [audio.Platform] for one guild.
type Platform struct {
	session *discordgo.Session
	guildID string
}

// New creates a Discord Platform for the given session and guild.
func New(session *discordgo.Session, guildID string) *Platform {
	return &Platform{session: session, guildID: guildID}
}

// Connect joins channelID. The bot joins self-deafened since playback never
// reads participant audio.
func (p *Platform) Connect(ctx context.Context, channelID string) (audio.Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	vc, err := p.session.ChannelVoiceJoin(p.guildID, channelID, false, true)
	if err != nil {
		return nil, fmt.Errorf("discord: join voice channel %q: %w", channelID, err)
	}
	conn, err := newConnection(vc, p.session, p.guildID)
	if err != nil {
		_ = vc.Disconnect()
		return nil, fmt.Errorf("discord: create connection: %w", err)
	}
	return conn, nil
}
