// Package discord is cadenza's chat front end: the gateway session, the
// slash command and button router, DJ role checks and the now-playing
// panel. Voice transport lives in pkg/audio/discord.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/cadenza/internal/config"
	"github.com/MrWong99/cadenza/pkg/audio"
	discordaudio "github.com/MrWong99/cadenza/pkg/audio/discord"
)

// Bot is one gateway connection scoped to a single guild.
type Bot struct {
	s        *discordgo.Session
	guildID  string
	platform *discordaudio.Platform
	router   *CommandRouter
	perms    *PermissionChecker

	mu         sync.Mutex
	registered []*discordgo.ApplicationCommand
	closeOnce  sync.Once
	closeErr   error
}

// New opens the gateway with the guild and voice-state intents and starts
// routing interactions.
func New(_ context.Context, cfg config.DiscordConfig) (*Bot, error) {
	s, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("discord: new session: %w", err)
	}
	// Voice states feed VoiceChannelOf and the voice handshake.
	s.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildVoiceStates
	if err := s.Open(); err != nil {
		return nil, fmt.Errorf("discord: open gateway: %w", err)
	}

	b := &Bot{
		s:        s,
		guildID:  cfg.GuildID,
		platform: discordaudio.New(s, cfg.GuildID),
		router:   NewCommandRouter(),
		perms:    NewPermissionChecker(cfg.DJRoleID),
	}
	s.AddHandler(func(s *discordgo.Session, i *discordgo.InteractionCreate) {
		b.router.Handle(s, i)
	})
	return b, nil
}

// Platform returns the voice platform backed by this gateway.
func (b *Bot) Platform() audio.Platform { return b.platform }

// GuildID returns the guild the bot serves.
func (b *Bot) GuildID() string { return b.guildID }

// Router returns the interaction router.
func (b *Bot) Router() *CommandRouter { return b.router }

// Permissions returns the DJ role checker.
func (b *Bot) Permissions() *PermissionChecker { return b.perms }

// Connected reports whether the gateway has delivered its ready event.
func (b *Bot) Connected() bool {
	return b.s.DataReady
}

// VoiceChannelOf looks userID up in the gateway's voice state cache.
func (b *Bot) VoiceChannelOf(userID string) (string, bool) {
	vs, err := b.s.State.VoiceState(b.guildID, userID)
	if err != nil || vs.ChannelID == "" {
		return "", false
	}
	return vs.ChannelID, true
}

// Run uploads the router's commands to the guild, then blocks until ctx
// ends.
func (b *Bot) Run(ctx context.Context) error {
	if defs := b.router.ApplicationCommands(); len(defs) > 0 {
		cmds, err := b.s.ApplicationCommandBulkOverwrite(b.s.State.User.ID, b.guildID, defs)
		if err != nil {
			return fmt.Errorf("discord: upload commands: %w", err)
		}
		b.mu.Lock()
		b.registered = cmds
		b.mu.Unlock()
		slog.Info("discord: commands uploaded", "guild_id", b.guildID, "count", len(cmds))
	}
	<-ctx.Done()
	return nil
}

// Close removes the uploaded commands and closes the gateway. Repeated
// calls return the first result.
func (b *Bot) Close() error {
	b.closeOnce.Do(func() {
		b.mu.Lock()
		cmds := b.registered
		b.registered = nil
		b.mu.Unlock()

		for _, c := range cmds {
			if err := b.s.ApplicationCommandDelete(b.s.State.User.ID, b.guildID, c.ID); err != nil {
				slog.Warn("discord: cannot remove command", "name", c.Name, "err", err)
			}
		}
		if err := b.s.Close(); err != nil {
			b.closeErr = fmt.Errorf("discord: close gateway: %w", err)
		}
		slog.Info("discord: gateway closed")
	})
	return b.closeErr
}
