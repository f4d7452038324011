// Package platform defines the chat-platform port and the rate-limited
// outgoing queue shared by all adapters.
package platform

import "context"

// IncomingMessage is a normalized inbound chat message.
type IncomingMessage struct {
	Platform  string
	ChatID    string
	MessageID string
	Text      string
	ReplyToID string
	ThreadID  int
	Sender    string

	// StatusMessageID carries a pre-sent status message (e.g. posted while
	// transcribing a voice note) that the handler should reuse.
	StatusMessageID string
}

// IsReply reports whether the message replies to another message.
func (m IncomingMessage) IsReply() bool { return m.ReplyToID != "" }

// SendOptions control an outgoing send.
type SendOptions struct {
	ReplyTo   string
	ThreadID  int
	ParseMode string
}

// ChatPlatform is implemented by each messaging adapter.
type ChatPlatform interface {
	Name() string
	Start(ctx context.Context) error
	Stop() error
	OnMessage(fn func(IncomingMessage))

	SendMessage(ctx context.Context, chatID, text string, opts SendOptions) (string, error)
	EditMessage(ctx context.Context, chatID, messageID, text, parseMode string) error
	DeleteMessage(ctx context.Context, chatID, messageID string) error
	// DeleteMessages deletes a batch; adapters without a bulk API loop.
	DeleteMessages(ctx context.Context, chatID string, messageIDs []string) error
}
