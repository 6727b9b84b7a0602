package discord

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/dustin/go-humanize"

	"github.com/MrWong99/cadenza/internal/session"
)

// PanelSource is the session a [Panel] renders. *session.Session
// implements it.
type PanelSource interface {
	ChannelID() string
	Stats() session.Stats
	Queue() ([]session.Entry, error)
	Done() <-chan struct{}
}

const (
	embedColorGreen  = 0x2ECC71
	embedColorYellow = 0xF1C40F
	embedColorRed    = 0xE74C3C

	defaultPanelInterval = 10 * time.Second

	// upNextLimit caps the queue preview.
	upNextLimit = 5
)

// Panel keeps a "now playing" embed in a text channel up to date. The embed
// is posted on Start, edited every interval, and finalised when the session
// ends or Stop is called.
type Panel struct {
	mu        sync.Mutex
	resp      Responder
	channelID string
	messageID string
	interval  time.Duration
	src       PanelSource
	started   time.Time
	done      chan struct{}
	stopOnce  sync.Once
}

// PanelConfig holds dependencies for creating a Panel.
type PanelConfig struct {
	Responder Responder
	ChannelID string        // text channel the embed lives in
	Interval  time.Duration // default 10s
	Source    PanelSource
}

// NewPanel creates a Panel.
func NewPanel(cfg PanelConfig) *Panel {
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultPanelInterval
	}
	return &Panel{
		resp:      cfg.Responder,
		channelID: cfg.ChannelID,
		interval:  interval,
		src:       cfg.Source,
		started:   time.Now(),
		done:      make(chan struct{}),
	}
}

// Start runs the update loop in a background goroutine.
func (p *Panel) Start() {
	go p.loop()
}

// Stop halts the update loop and marks the embed as ended.
func (p *Panel) Stop() {
	p.stopOnce.Do(func() {
		close(p.done)
		p.publish(buildEndedEmbed(p.src.ChannelID(), p.src.Stats(), time.Since(p.started)), false)
	})
}

func (p *Panel) loop() {
	p.update()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.done:
			return
		case <-p.src.Done():
			p.Stop()
			return
		case <-ticker.C:
			p.update()
		}
	}
}

func (p *Panel) update() {
	q, err := p.src.Queue()
	if err != nil {
		// The session ended between ticks; the loop finalises on Done.
		return
	}
	p.publish(buildEmbed(p.src.ChannelID(), p.src.Stats(), q), true)
}

// publish posts embed, or edits the existing message. Only a live update
// may create the message.
func (p *Panel) publish(embed *discordgo.MessageEmbed, create bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.messageID == "" {
		if !create {
			return
		}
		msg, err := p.resp.ChannelMessageSendEmbed(p.channelID, embed)
		if err != nil {
			slog.Warn("discord: failed to post panel", "channel_id", p.channelID, "err", err)
			return
		}
		p.messageID = msg.ID
		return
	}
	if _, err := p.resp.ChannelMessageEditEmbed(p.channelID, p.messageID, embed); err != nil {
		slog.Warn("discord: failed to edit panel", "message_id", p.messageID, "err", err)
	}
}

// buildEmbed renders the live panel for the voice channel voiceID.
func buildEmbed(voiceID string, st session.Stats, q []session.Entry) *discordgo.MessageEmbed {
	color := embedColorGreen
	if st.State == session.Paused {
		color = embedColorYellow
	}

	now := "Nothing"
	if st.State != session.Idle && len(q) > 0 {
		now = formatEntry(q[0])
		q = q[1:]
	}

	fields := []*discordgo.MessageEmbedField{
		{Name: "Channel", Value: fmt.Sprintf("<#%s>", voiceID), Inline: true},
		{Name: "State", Value: st.State.String(), Inline: true},
		{Name: "Queued", Value: humanize.Comma(int64(len(q))), Inline: true},
		{Name: "Now playing", Value: now},
	}
	if len(q) > 0 {
		fields = append(fields, &discordgo.MessageEmbedField{Name: "Up next", Value: formatUpNext(q)})
	}
	fields = append(fields,
		&discordgo.MessageEmbedField{Name: "Buffered", Value: fmt.Sprintf("%d / %d segments", st.Buffered, st.Lookahead), Inline: true},
		&discordgo.MessageEmbedField{Name: "Underruns", Value: humanize.Comma(st.Underruns), Inline: true},
		&discordgo.MessageEmbedField{Name: "Dropped frames", Value: humanize.Comma(st.FramesDropped), Inline: true},
	)

	return &discordgo.MessageEmbed{
		Title:     "Now Playing",
		Color:     color,
		Fields:    fields,
		Footer:    &discordgo.MessageEmbedFooter{Text: "Live"},
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}

// buildEndedEmbed renders the final panel.
func buildEndedEmbed(voiceID string, st session.Stats, uptime time.Duration) *discordgo.MessageEmbed {
	return &discordgo.MessageEmbed{
		Title:       "Now Playing",
		Description: "Session ended.",
		Color:       embedColorRed,
		Fields: []*discordgo.MessageEmbedField{
			{Name: "Channel", Value: fmt.Sprintf("<#%s>", voiceID), Inline: true},
			{Name: "Uptime", Value: formatDuration(uptime), Inline: true},
			{Name: "Frames sent", Value: humanize.Comma(st.FramesSent), Inline: true},
			{Name: "Underruns", Value: humanize.Comma(st.Underruns), Inline: true},
		},
		Footer:    &discordgo.MessageEmbedFooter{Text: "Session ended"},
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}

func formatEntry(e session.Entry) string {
	if e.RequesterID == "" {
		return e.Ref.Raw
	}
	return fmt.Sprintf("%s (<@%s>)", e.Ref.Raw, e.RequesterID)
}

func formatUpNext(q []session.Entry) string {
	var b strings.Builder
	for i, e := range q {
		if i == upNextLimit {
			fmt.Fprintf(&b, "…and %s more", humanize.Comma(int64(len(q)-upNextLimit)))
			break
		}
		fmt.Fprintf(&b, "`%d` %s\n", i+1, formatEntry(e))
	}
	return strings.TrimSuffix(b.String(), "\n")
}

// formatDuration formats a duration as "Xh Ym Zs".
func formatDuration(d time.Duration) string {
	d = d.Truncate(time.Second)
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60

	if h > 0 {
		return fmt.Sprintf("%dh %dm %ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm %ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
