// Package commands implements the cadenza slash commands.
package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/cadenza/internal/app"
	"github.com/MrWong99/cadenza/internal/discord"
	"github.com/MrWong99/cadenza/internal/session"
)

// Controller is the session control surface the commands drive.
// *app.SessionManager implements it.
type Controller interface {
	Join(ctx context.Context, channelID string, notify func(session.Event)) (*session.Session, error)
	Enqueue(channelID, raw, requesterID string) (int, error)
	Skip(channelID string) error
	Pause(channelID string) error
	Resume(channelID string) error
	Stop(channelID string) error
	QueueList(channelID string) ([]session.Entry, error)
	Move(channelID string, from, to int) error
	Remove(channelID string, index int) (session.Entry, error)
}

var _ Controller = (*app.SessionManager)(nil)

// Button custom_id prefixes; the voice channel ID follows the prefix.
const (
	buttonPause  = "music:pause:"
	buttonResume = "music:resume:"
	buttonSkip   = "music:skip:"
)

const defaultJoinTimeout = 30 * time.Second

// MusicCommands holds the dependencies of the playback commands.
type MusicCommands struct {
	ctl    Controller
	perms  *discord.PermissionChecker
	locate func(userID string) (string, bool)

	joinTimeout   time.Duration
	panelInterval time.Duration

	mu     sync.Mutex
	panels map[string]*discord.Panel // voice channel ID → live panel
}

// MusicConfig configures [MusicCommands].
type MusicConfig struct {
	Controller  Controller
	Permissions *discord.PermissionChecker

	// VoiceChannelOf finds the voice channel a user sits in.
	VoiceChannelOf func(userID string) (string, bool)

	// JoinTimeout bounds the voice connection handshake. Default 30s.
	JoinTimeout time.Duration

	// PanelInterval is the now-playing panel refresh period. Zero uses the
	// panel default; negative disables panels.
	PanelInterval time.Duration
}

// NewMusicCommands creates MusicCommands and registers them with router.
func NewMusicCommands(router *discord.CommandRouter, cfg MusicConfig) *MusicCommands {
	mc := &MusicCommands{
		ctl:           cfg.Controller,
		perms:         cfg.Permissions,
		locate:        cfg.VoiceChannelOf,
		joinTimeout:   cfg.JoinTimeout,
		panelInterval: cfg.PanelInterval,
		panels:        make(map[string]*discord.Panel),
	}
	if mc.perms == nil {
		mc.perms = discord.NewPermissionChecker("")
	}
	if mc.joinTimeout <= 0 {
		mc.joinTimeout = defaultJoinTimeout
	}
	if router != nil {
		mc.Register(router)
	}
	return mc
}

// Register adds every playback command and button to router.
func (mc *MusicCommands) Register(router *discord.CommandRouter) {
	for _, def := range mc.Definitions() {
		router.RegisterCommand(def.Name, def, mc.handlerFor(def.Name))
	}
	queue := queueDefinition()
	router.RegisterCommand("queue/list", queue, mc.handleQueueList)
	router.RegisterCommand("queue/move", queue, mc.handleQueueMove)
	router.RegisterCommand("queue/remove", queue, mc.handleQueueRemove)

	router.RegisterComponentPrefix(buttonPause, mc.handleButton)
	router.RegisterComponentPrefix(buttonResume, mc.handleButton)
	router.RegisterComponentPrefix(buttonSkip, mc.handleButton)
}

func (mc *MusicCommands) handlerFor(name string) discord.HandlerFunc {
	switch name {
	case "join":
		return mc.handleJoin
	case "play":
		return mc.handlePlay
	case "skip":
		return mc.handleSkip
	case "pause":
		return mc.handlePause
	case "resume":
		return mc.handleResume
	default:
		return mc.handleStop
	}
}

// Definitions returns the top-level commands except /queue.
func (mc *MusicCommands) Definitions() []*discordgo.ApplicationCommand {
	return []*discordgo.ApplicationCommand{
		{Name: "join", Description: "Join your voice channel"},
		{
			Name:        "play",
			Description: "Queue a track in your voice channel",
			Options: []*discordgo.ApplicationCommandOption{{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        "track",
				Description: "URL or search query",
				Required:    true,
			}},
		},
		{Name: "skip", Description: "Skip the current track"},
		{Name: "pause", Description: "Pause playback"},
		{Name: "resume", Description: "Resume playback"},
		{Name: "stop", Description: "Stop playback and leave the channel"},
	}
}

func queueDefinition() *discordgo.ApplicationCommand {
	position := func(name, desc string) *discordgo.ApplicationCommandOption {
		return &discordgo.ApplicationCommandOption{
			Type:        discordgo.ApplicationCommandOptionInteger,
			Name:        name,
			Description: desc,
			Required:    true,
		}
	}
	return &discordgo.ApplicationCommand{
		Name:        "queue",
		Description: "Inspect or edit the queue",
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "list",
				Description: "Show the queue",
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "move",
				Description: "Move a queued track",
				Options: []*discordgo.ApplicationCommandOption{
					position("from", "Current position"),
					position("to", "New position"),
				},
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "remove",
				Description: "Remove a queued track",
				Options:     []*discordgo.ApplicationCommandOption{position("position", "Position to remove")},
			},
		},
	}
}

// ─── Handlers ────────────────────────────────────────────────────────────────

func (mc *MusicCommands) handleJoin(r discord.Responder, i *discordgo.InteractionCreate) {
	vc, ok := mc.voiceChannel(r, i)
	if !ok {
		return
	}
	discord.DeferReply(r, i)
	if _, err := mc.join(r, i, vc); err != nil {
		discord.FollowUp(r, i, fmt.Sprintf("Failed to join <#%s>: %v", vc, err))
		return
	}
	discord.FollowUpComponents(r, i, fmt.Sprintf("Joined <#%s>.", vc), controls(vc))
}

// controls returns the pause, resume and skip buttons for vc.
func controls(vc string) []discordgo.MessageComponent {
	return []discordgo.MessageComponent{discordgo.ActionsRow{Components: []discordgo.MessageComponent{
		discordgo.Button{Label: "Pause", Style: discordgo.SecondaryButton, CustomID: buttonPause + vc},
		discordgo.Button{Label: "Resume", Style: discordgo.SecondaryButton, CustomID: buttonResume + vc},
		discordgo.Button{Label: "Skip", Style: discordgo.PrimaryButton, CustomID: buttonSkip + vc},
	}}}
}

func (mc *MusicCommands) handlePlay(r discord.Responder, i *discordgo.InteractionCreate) {
	vc, ok := mc.voiceChannel(r, i)
	if !ok {
		return
	}
	raw := stringOption(i.ApplicationCommandData().Options, "track")
	if strings.TrimSpace(raw) == "" {
		discord.RespondEphemeral(r, i, "Give me a URL or a search query.")
		return
	}

	discord.DeferReply(r, i)
	pos, err := mc.ctl.Enqueue(vc, raw, userID(i))
	if errors.Is(err, session.ErrSessionNotFound) {
		if _, err = mc.join(r, i, vc); err == nil {
			pos, err = mc.ctl.Enqueue(vc, raw, userID(i))
		}
	}
	if err != nil {
		discord.FollowUp(r, i, describe(err))
		return
	}
	if pos == 0 {
		discord.FollowUp(r, i, fmt.Sprintf("Playing %s", raw))
		return
	}
	discord.FollowUp(r, i, fmt.Sprintf("Queued %s at position %d.", raw, pos))
}

func (mc *MusicCommands) handleSkip(r discord.Responder, i *discordgo.InteractionCreate) {
	mc.simple(r, i, mc.ctl.Skip, "Skipped.")
}

func (mc *MusicCommands) handlePause(r discord.Responder, i *discordgo.InteractionCreate) {
	mc.simple(r, i, mc.ctl.Pause, "Paused.")
}

func (mc *MusicCommands) handleResume(r discord.Responder, i *discordgo.InteractionCreate) {
	mc.simple(r, i, mc.ctl.Resume, "Resumed.")
}

func (mc *MusicCommands) handleStop(r discord.Responder, i *discordgo.InteractionCreate) {
	mc.simple(r, i, mc.ctl.Stop, "Stopped.")
}

func (mc *MusicCommands) handleQueueList(r discord.Responder, i *discordgo.InteractionCreate) {
	vc, ok := mc.voiceChannel(r, i)
	if !ok {
		return
	}
	q, err := mc.ctl.QueueList(vc)
	if err != nil {
		discord.RespondEphemeral(r, i, describe(err))
		return
	}
	discord.RespondEphemeral(r, i, formatQueue(q))
}

func (mc *MusicCommands) handleQueueMove(r discord.Responder, i *discordgo.InteractionCreate) {
	if !mc.requireDJ(r, i) {
		return
	}
	vc, ok := mc.voiceChannel(r, i)
	if !ok {
		return
	}
	opts := subOptions(i)
	from, to := intOption(opts, "from"), intOption(opts, "to")
	if err := mc.ctl.Move(vc, from, to); err != nil {
		discord.RespondEphemeral(r, i, describe(err))
		return
	}
	discord.Respond(r, i, fmt.Sprintf("Moved track %d to position %d.", from, to))
}

// handleQueueRemove lets DJs remove any entry and listeners their own.
func (mc *MusicCommands) handleQueueRemove(r discord.Responder, i *discordgo.InteractionCreate) {
	vc, ok := mc.voiceChannel(r, i)
	if !ok {
		return
	}
	pos := intOption(subOptions(i), "position")
	if !mc.perms.IsDJ(i) {
		q, err := mc.ctl.QueueList(vc)
		if err != nil {
			discord.RespondEphemeral(r, i, describe(err))
			return
		}
		if pos < 0 || pos >= len(q) || !mc.perms.CanRemove(i, q[pos].RequesterID) {
			discord.RespondEphemeral(r, i, "You can only remove tracks you queued unless you are a DJ.")
			return
		}
	}
	e, err := mc.ctl.Remove(vc, pos)
	if err != nil {
		discord.RespondEphemeral(r, i, describe(err))
		return
	}
	discord.Respond(r, i, fmt.Sprintf("Removed %s.", e.Ref))
}

// handleButton serves the now-playing buttons. The custom_id carries the
// voice channel, so the presser need not sit in it.
func (mc *MusicCommands) handleButton(r discord.Responder, i *discordgo.InteractionCreate) {
	if !mc.requireDJ(r, i) {
		return
	}
	id := i.MessageComponentData().CustomID
	var (
		err  error
		done string
	)
	switch {
	case strings.HasPrefix(id, buttonPause):
		err, done = mc.ctl.Pause(strings.TrimPrefix(id, buttonPause)), "Paused."
	case strings.HasPrefix(id, buttonResume):
		err, done = mc.ctl.Resume(strings.TrimPrefix(id, buttonResume)), "Resumed."
	default:
		err, done = mc.ctl.Skip(strings.TrimPrefix(id, buttonSkip)), "Skipped."
	}
	if err != nil {
		discord.RespondEphemeral(r, i, describe(err))
		return
	}
	discord.RespondEphemeral(r, i, done)
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// join starts or reuses the session of vc. Notices go to the text channel
// the interaction came from.
func (mc *MusicCommands) join(r discord.Responder, i *discordgo.InteractionCreate, vc string) (*session.Session, error) {
	ctx, cancel := context.WithTimeout(context.Background(), mc.joinTimeout)
	defer cancel()

	textChannel := i.ChannelID
	s, err := mc.ctl.Join(ctx, vc, func(ev session.Event) {
		if msg, ok := notice(ev); ok && textChannel != "" {
			discord.Notify(r, textChannel, msg)
		}
	})
	if err != nil {
		return nil, err
	}
	mc.startPanel(r, textChannel, s)
	return s, nil
}

func (mc *MusicCommands) startPanel(r discord.Responder, textChannel string, s *session.Session) {
	if mc.panelInterval < 0 || textChannel == "" {
		return
	}
	mc.mu.Lock()
	defer mc.mu.Unlock()
	if _, ok := mc.panels[s.ChannelID()]; ok {
		return
	}
	p := discord.NewPanel(discord.PanelConfig{
		Responder: r,
		ChannelID: textChannel,
		Interval:  mc.panelInterval,
		Source:    s,
	})
	mc.panels[s.ChannelID()] = p
	p.Start()

	go func() {
		<-s.Done()
		mc.mu.Lock()
		if mc.panels[s.ChannelID()] == p {
			delete(mc.panels, s.ChannelID())
		}
		mc.mu.Unlock()
	}()
}

// notice renders the events worth posting to the text channel. User
// initiated skips and stops are already answered by the command reply.
func notice(ev session.Event) (string, bool) {
	switch ev.Kind {
	case session.EventTrackStarted:
		return ev.String(), true
	case session.EventTrackSkipped:
		if ev.Reason == session.ReasonRequested || ev.Reason == session.ReasonRemoved {
			return "", false
		}
		slog.Info("discord: track skipped", "channel_id", ev.ChannelID, "reason", ev.Reason, "track", ev.Entry.Ref.String())
		return ev.String(), true
	case session.EventTrackStuck:
		return ev.String(), true
	case session.EventTerminated:
		return ev.String(), ev.Reason != "stopped"
	}
	return "", false
}

// simple runs a control operation on the caller's voice channel.
func (mc *MusicCommands) simple(r discord.Responder, i *discordgo.InteractionCreate, op func(string) error, done string) {
	vc, ok := mc.voiceChannel(r, i)
	if !ok {
		return
	}
	if err := op(vc); err != nil {
		discord.RespondEphemeral(r, i, describe(err))
		return
	}
	discord.Respond(r, i, done)
}

func (mc *MusicCommands) voiceChannel(r discord.Responder, i *discordgo.InteractionCreate) (string, bool) {
	if mc.locate != nil {
		if vc, ok := mc.locate(userID(i)); ok {
			return vc, true
		}
	}
	discord.RespondEphemeral(r, i, "You must be in a voice channel.")
	return "", false
}

func (mc *MusicCommands) requireDJ(r discord.Responder, i *discordgo.InteractionCreate) bool {
	if mc.perms.IsDJ(i) {
		return true
	}
	discord.RespondEphemeral(r, i, "You need the DJ role for that.")
	return false
}

// describe turns control errors into user-facing text.
func describe(err error) string {
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		return "I'm not in your voice channel. Use /join first."
	case errors.Is(err, session.ErrNotPlaying):
		return "Nothing is playing."
	case errors.Is(err, session.ErrInvalidIndex):
		return "There is no queue entry at that position."
	case errors.Is(err, app.ErrEmptyReference):
		return "Give me a URL or a search query."
	default:
		return fmt.Sprintf("Error: %v", err)
	}
}

func formatQueue(q []session.Entry) string {
	if len(q) == 0 {
		return "The queue is empty."
	}
	var b strings.Builder
	for idx, e := range q {
		label := fmt.Sprintf("`%d`", idx)
		if idx == 0 {
			label = "▶"
		}
		fmt.Fprintf(&b, "%s %s", label, e.Ref)
		if e.RequesterID != "" {
			fmt.Fprintf(&b, " (<@%s>)", e.RequesterID)
		}
		b.WriteByte('\n')
	}
	return strings.TrimSuffix(b.String(), "\n")
}

// userID extracts the user ID from an interaction, handling both guild
// (Member) and DM (User) contexts.
func userID(i *discordgo.InteractionCreate) string {
	if i.Member != nil && i.Member.User != nil {
		return i.Member.User.ID
	}
	if i.User != nil {
		return i.User.ID
	}
	return ""
}

func subOptions(i *discordgo.InteractionCreate) []*discordgo.ApplicationCommandInteractionDataOption {
	opts := i.ApplicationCommandData().Options
	if len(opts) > 0 && opts[0].Type == discordgo.ApplicationCommandOptionSubCommand {
		return opts[0].Options
	}
	return opts
}

func stringOption(opts []*discordgo.ApplicationCommandInteractionDataOption, name string) string {
	for _, o := range opts {
		if o.Name == name {
			return o.StringValue()
		}
	}
	return ""
}

func intOption(opts []*discordgo.ApplicationCommandInteractionDataOption, name string) int {
	for _, o := range opts {
		if o.Name == name {
			return int(o.IntValue())
		}
	}
	return -1
}
