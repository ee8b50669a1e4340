package channel

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"github.com/HainanZhao/clawless/internal/config"
	"github.com/HainanZhao/clawless/pkg/logger"
)

// telegramMaxLength is Telegram's hard limit on message text.
const telegramMaxLength = 4096

// Telegram is the Telegram Bot API adapter using long polling.
type Telegram struct {
	bot     *tgbotapi.BotAPI
	handler MessageHandler
	log     zerolog.Logger
}

// NewTelegram authenticates against the Bot API.
func NewTelegram(cfg config.TelegramConfig) (*Telegram, error) {
	bot, err := tgbotapi.NewBotAPI(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("telegram: authenticate: %w", err)
	}
	t := &Telegram{bot: bot, log: logger.Component("telegram")}
	t.log.Info().Str("bot", bot.Self.UserName).Msg("telegram bot authorized")
	return t, nil
}

func (t *Telegram) Name() string { return "telegram" }

func (t *Telegram) MaxMessageLength() int { return telegramMaxLength }

func (t *Telegram) OnMessage(handler MessageHandler) { t.handler = handler }

// Start long-polls for updates until ctx is cancelled.
func (t *Telegram) Start(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := t.bot.GetUpdatesChan(u)

	for {
		select {
		case <-ctx.Done():
			t.bot.StopReceivingUpdates()
			return ctx.Err()
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			if update.Message == nil || update.Message.Text == "" {
				continue
			}
			if t.handler == nil {
				continue
			}
			msg := InboundMessage{
				ChatID:     strconv.FormatInt(update.Message.Chat.ID, 10),
				SenderID:   strconv.FormatInt(update.Message.From.ID, 10),
				SenderName: update.Message.From.UserName,
				Text:       update.Message.Text,
				Timestamp:  time.Unix(int64(update.Message.Date), 0),
			}
			t.handler(ctx, msg)
		}
	}
}

func (t *Telegram) SendMessage(_ context.Context, chatID, text string) (string, error) {
	id, err := parseChatID(chatID)
	if err != nil {
		return "", err
	}
	sent, err := t.bot.Send(tgbotapi.NewMessage(id, text))
	if err != nil {
		return "", fmt.Errorf("telegram: send: %w", err)
	}
	return strconv.Itoa(sent.MessageID), nil
}

func (t *Telegram) EditMessage(_ context.Context, chatID, messageID, text string) error {
	id, err := parseChatID(chatID)
	if err != nil {
		return err
	}
	msgID, err := strconv.Atoi(messageID)
	if err != nil {
		return fmt.Errorf("telegram: bad message id %q: %w", messageID, err)
	}
	_, err = t.bot.Send(tgbotapi.NewEditMessageText(id, msgID, text))
	if err != nil {
		if strings.Contains(err.Error(), "message is not modified") {
			return ErrNotModified
		}
		return fmt.Errorf("telegram: edit: %w", err)
	}
	return nil
}

func (t *Telegram) DeleteMessage(_ context.Context, chatID, messageID string) error {
	id, err := parseChatID(chatID)
	if err != nil {
		return err
	}
	msgID, err := strconv.Atoi(messageID)
	if err != nil {
		return fmt.Errorf("telegram: bad message id %q: %w", messageID, err)
	}
	if _, err := t.bot.Request(tgbotapi.NewDeleteMessage(id, msgID)); err != nil {
		return fmt.Errorf("telegram: delete: %w", err)
	}
	return nil
}

func parseChatID(chatID string) (int64, error) {
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("telegram: bad chat id %q: %w", chatID, err)
	}
	return id, nil
}
