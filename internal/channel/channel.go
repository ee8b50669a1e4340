// Package channel defines the chat platform adapter contract and its
// implementations (Telegram, Slack, console).
package channel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/HainanZhao/clawless/internal/config"
)

// ErrNotModified is returned by EditMessage when the platform reports the
// message already has that content. Callers treat it as success.
var ErrNotModified = errors.New("channel: message not modified")

// InboundMessage is one user message received from the platform.
type InboundMessage struct {
	ChatID     string
	SenderID   string
	SenderName string
	Text       string
	Timestamp  time.Time
}

// MessageHandler consumes inbound messages.
type MessageHandler func(ctx context.Context, msg InboundMessage)

// Adapter is a chat platform backend. Message ids are opaque strings the
// adapter can later edit or delete by.
type Adapter interface {
	// Name returns the platform identifier (telegram, slack, console).
	Name() string

	// Start begins receiving messages. It blocks until ctx is cancelled.
	Start(ctx context.Context) error

	// OnMessage registers the inbound handler. Must be called before Start.
	OnMessage(handler MessageHandler)

	// SendMessage posts a new message and returns its id.
	SendMessage(ctx context.Context, chatID, text string) (string, error)

	// EditMessage replaces the content of an existing message.
	EditMessage(ctx context.Context, chatID, messageID, text string) error

	// DeleteMessage removes a message. Best effort.
	DeleteMessage(ctx context.Context, chatID, messageID string) error

	// MaxMessageLength is the platform's hard per-message limit.
	MaxMessageLength() int
}

// New builds the adapter selected by the config.
func New(cfg *config.Config) (Adapter, error) {
	switch cfg.Channels.Platform {
	case "telegram":
		return NewTelegram(cfg.Channels.Telegram)
	case "slack":
		return NewSlack(cfg.Channels.Slack)
	case "console", "":
		return NewConsole(), nil
	default:
		return nil, fmt.Errorf("channel: unknown platform %q", cfg.Channels.Platform)
	}
}
