package channel

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/HainanZhao/clawless/internal/config"
	"github.com/HainanZhao/clawless/pkg/logger"
)

// slackMaxLength keeps edits well under Slack's block limits; long replies
// are chunked above this layer anyway.
const slackMaxLength = 4000

// Slack is the Slack adapter using Socket Mode events.
type Slack struct {
	api     *slack.Client
	sock    *socketmode.Client
	botID   string
	handler MessageHandler
	log     zerolog.Logger
}

// NewSlack authenticates with the bot and app tokens.
func NewSlack(cfg config.SlackConfig) (*Slack, error) {
	if cfg.AppToken == "" {
		return nil, fmt.Errorf("slack: app_token is required for socket mode")
	}
	api := slack.New(cfg.BotToken, slack.OptionAppLevelToken(cfg.AppToken))

	auth, err := api.AuthTest()
	if err != nil {
		return nil, fmt.Errorf("slack: auth test: %w", err)
	}

	s := &Slack{
		api:   api,
		sock:  socketmode.New(api),
		botID: auth.UserID,
		log:   logger.Component("slack"),
	}
	s.log.Info().Str("bot", auth.User).Str("team", auth.Team).Msg("slack bot authorized")
	return s, nil
}

func (s *Slack) Name() string { return "slack" }

func (s *Slack) MaxMessageLength() int { return slackMaxLength }

func (s *Slack) OnMessage(handler MessageHandler) { s.handler = handler }

// Start runs the socket mode event loop until ctx is cancelled.
func (s *Slack) Start(ctx context.Context) error {
	go func() {
		if err := s.sock.RunContext(ctx); err != nil && ctx.Err() == nil {
			s.log.Error().Err(err).Msg("socket mode loop ended")
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-s.sock.Events:
			if !ok {
				return nil
			}
			s.handleEvent(ctx, evt)
		}
	}
}

func (s *Slack) handleEvent(ctx context.Context, evt socketmode.Event) {
	switch evt.Type {
	case socketmode.EventTypeEventsAPI:
		apiEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
		if !ok {
			return
		}
		if evt.Request != nil {
			s.sock.Ack(*evt.Request)
		}
		msgEvent, ok := apiEvent.InnerEvent.Data.(*slackevents.MessageEvent)
		if !ok {
			return
		}
		// Skip bot echoes, edits and joins; only plain user messages.
		if msgEvent.SubType != "" || msgEvent.BotID != "" || msgEvent.User == s.botID {
			return
		}
		if s.handler == nil || msgEvent.Text == "" {
			return
		}
		s.handler(ctx, InboundMessage{
			ChatID:    msgEvent.Channel,
			SenderID:  msgEvent.User,
			Text:      msgEvent.Text,
			Timestamp: parseSlackTS(msgEvent.TimeStamp),
		})
	case socketmode.EventTypeConnectionError:
		s.log.Warn().Msg("socket mode connection error, will reconnect")
	}
}

func (s *Slack) SendMessage(ctx context.Context, chatID, text string) (string, error) {
	_, ts, err := s.api.PostMessageContext(ctx, chatID, slack.MsgOptionText(text, false))
	if err != nil {
		return "", fmt.Errorf("slack: post: %w", err)
	}
	return ts, nil
}

func (s *Slack) EditMessage(ctx context.Context, chatID, messageID, text string) error {
	_, _, _, err := s.api.UpdateMessageContext(ctx, chatID, messageID, slack.MsgOptionText(text, false))
	if err != nil {
		if strings.Contains(err.Error(), "no_changes") {
			return ErrNotModified
		}
		return fmt.Errorf("slack: update: %w", err)
	}
	return nil
}

func (s *Slack) DeleteMessage(ctx context.Context, chatID, messageID string) error {
	if _, _, err := s.api.DeleteMessageContext(ctx, chatID, messageID); err != nil {
		return fmt.Errorf("slack: delete: %w", err)
	}
	return nil
}

// parseSlackTS converts a Slack "seconds.micros" timestamp.
func parseSlackTS(ts string) time.Time {
	parts := strings.SplitN(ts, ".", 2)
	secs, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return time.Now()
	}
	return time.Unix(secs, 0)
}
