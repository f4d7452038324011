// Package telegram adapts the Telegram Bot API (long polling) to the
// platform port.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/Alishahryar1/free-claude-code/internal/platform"
)

// Config holds the adapter settings.
type Config struct {
	Token string
	// AllowFrom lists permitted user ids or usernames; empty allows everyone.
	AllowFrom []string
}

// Platform is the Telegram adapter.
type Platform struct {
	bot     *telego.Bot
	cfg     Config
	allowed map[string]bool
	handler func(platform.IncomingMessage)

	pollCancel context.CancelFunc
	pollDone   chan struct{}
}

// New creates the adapter.
func New(cfg Config) (*Platform, error) {
	bot, err := telego.NewBot(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	allowed := make(map[string]bool, len(cfg.AllowFrom))
	for _, id := range cfg.AllowFrom {
		allowed[id] = true
	}
	return &Platform{bot: bot, cfg: cfg, allowed: allowed}, nil
}

func (p *Platform) Name() string { return "telegram" }

func (p *Platform) OnMessage(fn func(platform.IncomingMessage)) { p.handler = fn }

// Start begins long polling for updates.
func (p *Platform) Start(ctx context.Context) error {
	pollCtx, cancel := context.WithCancel(ctx)
	p.pollCancel = cancel
	p.pollDone = make(chan struct{})

	updates, err := p.bot.UpdatesViaLongPolling(pollCtx, &telego.GetUpdatesParams{
		Timeout:        30,
		AllowedUpdates: []string{"message"},
	})
	if err != nil {
		cancel()
		return fmt.Errorf("start long polling: %w", err)
	}

	slog.Info("telegram bot connected", "username", p.bot.Username())

	go func() {
		defer close(p.pollDone)
		for {
			select {
			case <-pollCtx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					slog.Info("telegram updates channel closed")
					return
				}
				if update.Message != nil {
					p.dispatch(update.Message)
				}
			}
		}
	}()
	return nil
}

// Stop cancels polling and waits for the poll goroutine so Telegram releases
// the getUpdates lock.
func (p *Platform) Stop() error {
	if p.pollCancel != nil {
		p.pollCancel()
	}
	if p.pollDone != nil {
		select {
		case <-p.pollDone:
		case <-time.After(10 * time.Second):
			slog.Warn("telegram polling goroutine did not exit within timeout")
		}
	}
	return nil
}

func (p *Platform) dispatch(msg *telego.Message) {
	if p.handler == nil || msg.Text == "" {
		return
	}
	if !p.senderAllowed(msg.From) {
		slog.Debug("telegram message from disallowed sender dropped",
			"chat_id", msg.Chat.ID)
		return
	}

	incoming := platform.IncomingMessage{
		Platform:  p.Name(),
		ChatID:    strconv.FormatInt(msg.Chat.ID, 10),
		MessageID: strconv.Itoa(msg.MessageID),
		Text:      msg.Text,
		ThreadID:  msg.MessageThreadID,
	}
	if msg.From != nil {
		incoming.Sender = msg.From.Username
	}
	if msg.ReplyToMessage != nil {
		incoming.ReplyToID = strconv.Itoa(msg.ReplyToMessage.MessageID)
	}
	go p.handler(incoming)
}

func (p *Platform) senderAllowed(user *telego.User) bool {
	if len(p.allowed) == 0 {
		return true
	}
	if user == nil {
		return false
	}
	return p.allowed[strconv.FormatInt(user.ID, 10)] || p.allowed[user.Username]
}

func (p *Platform) SendMessage(ctx context.Context, chatID, text string, opts platform.SendOptions) (string, error) {
	id, err := parseChatID(chatID)
	if err != nil {
		return "", err
	}

	params := tu.Message(tu.ID(id), text)
	if opts.ParseMode != "" {
		params.ParseMode = opts.ParseMode
	}
	if opts.ThreadID > 0 {
		params.MessageThreadID = opts.ThreadID
	}
	if opts.ReplyTo != "" {
		if replyID, err := strconv.Atoi(opts.ReplyTo); err == nil {
			params.ReplyParameters = &telego.ReplyParameters{MessageID: replyID}
		}
	}

	sent, err := p.bot.SendMessage(ctx, params)
	if err != nil {
		return "", fmt.Errorf("telegram send: %w", err)
	}
	return strconv.Itoa(sent.MessageID), nil
}

func (p *Platform) EditMessage(ctx context.Context, chatID, messageID, text, parseMode string) error {
	id, err := parseChatID(chatID)
	if err != nil {
		return err
	}
	msgID, err := strconv.Atoi(messageID)
	if err != nil {
		return fmt.Errorf("telegram edit: bad message id %q", messageID)
	}

	_, err = p.bot.EditMessageText(ctx, &telego.EditMessageTextParams{
		ChatID:    tu.ID(id),
		MessageID: msgID,
		Text:      text,
		ParseMode: parseMode,
	})
	if err != nil {
		return fmt.Errorf("telegram edit: %w", err)
	}
	return nil
}

func (p *Platform) DeleteMessage(ctx context.Context, chatID, messageID string) error {
	id, err := parseChatID(chatID)
	if err != nil {
		return err
	}
	msgID, err := strconv.Atoi(messageID)
	if err != nil {
		return fmt.Errorf("telegram delete: bad message id %q", messageID)
	}
	return p.bot.DeleteMessage(ctx, &telego.DeleteMessageParams{
		ChatID:    tu.ID(id),
		MessageID: msgID,
	})
}

// DeleteMessages uses the bulk deleteMessages call; non-numeric ids are
// skipped.
func (p *Platform) DeleteMessages(ctx context.Context, chatID string, messageIDs []string) error {
	id, err := parseChatID(chatID)
	if err != nil {
		return err
	}
	ids := make([]int, 0, len(messageIDs))
	for _, raw := range messageIDs {
		if msgID, err := strconv.Atoi(raw); err == nil {
			ids = append(ids, msgID)
		}
	}
	if len(ids) == 0 {
		return nil
	}
	return p.bot.DeleteMessages(ctx, &telego.DeleteMessagesParams{
		ChatID:     tu.ID(id),
		MessageIDs: ids,
	})
}

func parseChatID(chatID string) (int64, error) {
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("bad telegram chat id %q", chatID)
	}
	return id, nil
}
