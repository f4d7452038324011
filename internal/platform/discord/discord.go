// Package discord adapts the Discord gateway to the platform port.
package discord

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/bwmarrin/discordgo"

	"github.com/Alishahryar1/free-claude-code/internal/platform"
)

// Config holds the adapter settings.
type Config struct {
	Token string
	// AllowFrom lists permitted user ids or usernames; empty allows everyone.
	AllowFrom []string
}

// Platform is the Discord adapter. Chat ids are Discord channel ids.
type Platform struct {
	session   *discordgo.Session
	allowed   map[string]bool
	botUserID string
	handler   func(platform.IncomingMessage)
}

// New creates the adapter.
func New(cfg Config) (*Platform, error) {
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	allowed := make(map[string]bool, len(cfg.AllowFrom))
	for _, id := range cfg.AllowFrom {
		allowed[id] = true
	}
	return &Platform{session: session, allowed: allowed}, nil
}

func (p *Platform) Name() string { return "discord" }

func (p *Platform) OnMessage(fn func(platform.IncomingMessage)) { p.handler = fn }

// Start opens the gateway connection.
func (p *Platform) Start(_ context.Context) error {
	p.session.AddHandler(p.handleMessage)
	if err := p.session.Open(); err != nil {
		return fmt.Errorf("open discord session: %w", err)
	}

	user, err := p.session.User("@me")
	if err != nil {
		p.session.Close()
		return fmt.Errorf("fetch discord bot identity: %w", err)
	}
	p.botUserID = user.ID
	slog.Info("discord bot connected", "username", user.Username, "id", user.ID)
	return nil
}

func (p *Platform) Stop() error {
	return p.session.Close()
}

func (p *Platform) handleMessage(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if p.handler == nil || m.Author == nil || m.Author.ID == p.botUserID || m.Author.Bot {
		return
	}
	if len(p.allowed) > 0 && !p.allowed[m.Author.ID] && !p.allowed[m.Author.Username] {
		slog.Debug("discord message from disallowed sender dropped", "channel_id", m.ChannelID)
		return
	}

	incoming := platform.IncomingMessage{
		Platform:  p.Name(),
		ChatID:    m.ChannelID,
		MessageID: m.ID,
		Text:      m.Content,
		Sender:    m.Author.Username,
	}
	if m.MessageReference != nil {
		incoming.ReplyToID = m.MessageReference.MessageID
	}
	go p.handler(incoming)
}

func (p *Platform) SendMessage(_ context.Context, chatID, text string, opts platform.SendOptions) (string, error) {
	send := &discordgo.MessageSend{Content: text}
	if opts.ReplyTo != "" {
		send.Reference = &discordgo.MessageReference{
			MessageID: opts.ReplyTo,
			ChannelID: chatID,
		}
	}
	msg, err := p.session.ChannelMessageSendComplex(chatID, send)
	if err != nil {
		return "", fmt.Errorf("discord send: %w", err)
	}
	return msg.ID, nil
}

func (p *Platform) EditMessage(_ context.Context, chatID, messageID, text, _ string) error {
	if _, err := p.session.ChannelMessageEdit(chatID, messageID, text); err != nil {
		return fmt.Errorf("discord edit: %w", err)
	}
	return nil
}

func (p *Platform) DeleteMessage(_ context.Context, chatID, messageID string) error {
	return p.session.ChannelMessageDelete(chatID, messageID)
}

// DeleteMessages bulk-deletes; Discord rejects bulk deletion of messages
// older than two weeks, so failures fall back to one-by-one.
func (p *Platform) DeleteMessages(ctx context.Context, chatID string, messageIDs []string) error {
	if len(messageIDs) == 0 {
		return nil
	}
	if err := p.session.ChannelMessagesBulkDelete(chatID, messageIDs); err == nil {
		return nil
	}
	var firstErr error
	for _, id := range messageIDs {
		if err := p.DeleteMessage(ctx, chatID, id); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
