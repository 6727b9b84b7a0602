package discord

import (
	"cmp"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/bwmarrin/discordgo"
)

// HandlerFunc handles one interaction. r is the session the interaction
// arrived on.
type HandlerFunc func(r Responder, i *discordgo.InteractionCreate)

type prefixRoute struct {
	prefix  string
	handler HandlerFunc
}

// CommandRouter dispatches slash commands and button presses.
//
// Commands are keyed "name" or "name/subcommand". Buttons match their
// custom_id exactly first, then by the longest registered prefix, so a
// button can carry its target channel as in "music:skip:<channel>".
type CommandRouter struct {
	mu       sync.RWMutex
	defs     map[string]*discordgo.ApplicationCommand // top-level name
	commands map[string]HandlerFunc
	buttons  map[string]HandlerFunc
	prefixes []prefixRoute // longest first
}

// NewCommandRouter returns an empty router.
func NewCommandRouter() *CommandRouter {
	return &CommandRouter{
		defs:     make(map[string]*discordgo.ApplicationCommand),
		commands: make(map[string]HandlerFunc),
		buttons:  make(map[string]HandlerFunc),
	}
}

// RegisterCommand routes key to handler. def is the definition uploaded on
// [Bot.Run]; subcommands of one command pass the same def.
func (r *CommandRouter) RegisterCommand(key string, def *discordgo.ApplicationCommand, handler HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commands[key] = handler
	if def != nil {
		r.defs[def.Name] = def
	}
}

// RegisterComponent routes the button with exactly customID to handler.
func (r *CommandRouter) RegisterComponent(customID string, handler HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buttons[customID] = handler
}

// RegisterComponentPrefix routes every button whose custom_id starts with
// prefix to handler.
func (r *CommandRouter) RegisterComponentPrefix(prefix string, handler HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prefixes = append(r.prefixes, prefixRoute{prefix, handler})
	slices.SortStableFunc(r.prefixes, func(a, b prefixRoute) int {
		return cmp.Compare(len(b.prefix), len(a.prefix))
	})
}

// ApplicationCommands returns one definition per top-level command, sorted
// by name.
func (r *CommandRouter) ApplicationCommands() []*discordgo.ApplicationCommand {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]*discordgo.ApplicationCommand, 0, len(r.defs))
	for _, d := range r.defs {
		defs = append(defs, d)
	}
	slices.SortFunc(defs, func(a, b *discordgo.ApplicationCommand) int {
		return strings.Compare(a.Name, b.Name)
	})
	return defs
}

// Handle dispatches i. Unknown commands and buttons get an ephemeral reply.
func (r *CommandRouter) Handle(resp Responder, i *discordgo.InteractionCreate) {
	switch i.Type {
	case discordgo.InteractionApplicationCommand:
		key := commandKey(i.ApplicationCommandData())
		if h := r.command(key); h != nil {
			h(resp, i)
			return
		}
		slog.Warn("discord: unknown command", "key", key)
		RespondEphemeral(resp, i, "Unknown command.")
	case discordgo.InteractionMessageComponent:
		id := i.MessageComponentData().CustomID
		if h := r.button(id); h != nil {
			h(resp, i)
			return
		}
		slog.Warn("discord: unknown component", "custom_id", id)
		RespondEphemeral(resp, i, "Unknown component.")
	default:
		slog.Debug("discord: ignoring interaction", "type", i.Type)
	}
}

func (r *CommandRouter) command(key string) HandlerFunc {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.commands[key]
}

func (r *CommandRouter) button(customID string) HandlerFunc {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if h, ok := r.buttons[customID]; ok {
		return h
	}
	for _, p := range r.prefixes {
		if strings.HasPrefix(customID, p.prefix) {
			return p.handler
		}
	}
	return nil
}

func commandKey(data discordgo.ApplicationCommandInteractionData) string {
	if len(data.Options) > 0 && data.Options[0].Type == discordgo.ApplicationCommandOptionSubCommand {
		return data.Name + "/" + data.Options[0].Name
	}
	return data.Name
}
