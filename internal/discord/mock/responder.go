// Package mock provides test doubles for Discord interaction testing.
package mock

import (
	"fmt"
	"sync"

	"github.com/bwmarrin/discordgo"
)

// Responder records interaction responses and channel posts for test
// assertions. It implements discord.Responder and is safe for concurrent
// use.
type Responder struct {
	mu sync.Mutex

	// Responses records all InteractionRespond calls.
	Responses []*discordgo.InteractionResponse

	// FollowUps records all FollowupMessageCreate calls.
	FollowUps []*discordgo.WebhookParams

	// Messages records the content of every ChannelMessageSend call.
	Messages []string

	// Embeds records every embed sent or edited, in order.
	Embeds []*discordgo.MessageEmbed

	// Err, when non-nil, is returned by every call.
	Err error

	nextID int
}

// InteractionRespond records the response and returns the configured error.
func (m *Responder) InteractionRespond(_ *discordgo.Interaction, resp *discordgo.InteractionResponse, _ ...discordgo.RequestOption) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Responses = append(m.Responses, resp)
	return m.Err
}

// FollowupMessageCreate records the follow-up and returns a stub message.
func (m *Responder) FollowupMessageCreate(_ *discordgo.Interaction, _ bool, params *discordgo.WebhookParams, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.FollowUps = append(m.FollowUps, params)
	return m.message()
}

// ChannelMessageSend records content.
func (m *Responder) ChannelMessageSend(_ string, content string, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Messages = append(m.Messages, content)
	return m.message()
}

// ChannelMessageSendEmbed records embed.
func (m *Responder) ChannelMessageSendEmbed(_ string, embed *discordgo.MessageEmbed, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Embeds = append(m.Embeds, embed)
	return m.message()
}

// ChannelMessageEditEmbed records embed.
func (m *Responder) ChannelMessageEditEmbed(_, messageID string, embed *discordgo.MessageEmbed, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Embeds = append(m.Embeds, embed)
	if m.Err != nil {
		return nil, m.Err
	}
	return &discordgo.Message{ID: messageID}, nil
}

func (m *Responder) message() (*discordgo.Message, error) {
	if m.Err != nil {
		return nil, m.Err
	}
	m.nextID++
	return &discordgo.Message{ID: fmt.Sprintf("mock-%d", m.nextID)}, nil
}

// LastResponse returns the most recently recorded response, or nil.
func (m *Responder) LastResponse() *discordgo.InteractionResponse {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Responses) == 0 {
		return nil
	}
	return m.Responses[len(m.Responses)-1]
}

// LastFollowUp returns the most recently recorded follow-up, or nil.
func (m *Responder) LastFollowUp() *discordgo.WebhookParams {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.FollowUps) == 0 {
		return nil
	}
	return m.FollowUps[len(m.FollowUps)-1]
}

// SentMessages returns a copy of the channel messages posted so far.
func (m *Responder) SentMessages() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.Messages...)
}

// EmbedCount returns how many embeds were sent or edited.
func (m *Responder) EmbedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Embeds)
}

// LastEmbed returns the most recent embed, or nil.
func (m *Responder) LastEmbed() *discordgo.MessageEmbed {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Embeds) == 0 {
		return nil
	}
	return m.Embeds[len(m.Embeds)-1]
}

// Reset clears all recorded interactions and errors.
func (m *Responder) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Responses = nil
	m.FollowUps = nil
	m.Messages = nil
	m.Embeds = nil
	m.Err = nil
}
