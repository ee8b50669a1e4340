package bridge

import (
	"context"
	"strings"

	"github.com/HainanZhao/clawless/internal/channel"
	"github.com/HainanZhao/clawless/internal/queue"
)

// User-visible control messages.
const (
	msgUnauthorized   = "🚫 Unauthorized. This chat is not allowed to talk to the agent."
	msgAbortRequested = "⏹️ Abort requested, waiting for the agent to stop..."
	msgAbortDone      = "⏹️ Agent action stopped."
	msgNothingToAbort = "ℹ️ No active agent action to abort."
)

// onInbound is the adapter callback for every inbound chat message.
func (b *Bridge) onInbound(ctx context.Context, msg channel.InboundMessage) {
	if len(b.whitelist) > 0 {
		if _, ok := b.whitelist[msg.ChatID]; !ok {
			b.log.Warn().Str("chat_id", msg.ChatID).Str("sender", msg.SenderID).Msg("rejected message from unauthorized chat")
			_ = b.SendToChat(ctx, msg.ChatID, msgUnauthorized)
			return
		}
	}

	b.bindChat(msg.ChatID)

	if isAbortCommand(msg.Text) {
		b.handleAbort(ctx, msg.ChatID)
		return
	}

	id := b.queue.Enqueue(queue.Message{
		ChatID: msg.ChatID,
		Text:   msg.Text,
		Source: queue.SourceChat,
	})
	b.log.Debug().Int64("id", id).Str("chat_id", msg.ChatID).Msg("message enqueued")
}

// handleAbort cancels the in-flight prompt, if any.
func (b *Bridge) handleAbort(ctx context.Context, chatID string) {
	if !b.rt.Busy() {
		_ = b.SendToChat(ctx, chatID, msgNothingToAbort)
		return
	}

	_ = b.SendToChat(ctx, chatID, msgAbortRequested)
	if err := b.rt.RequestManualAbort(); err != nil {
		b.log.Warn().Err(err).Msg("abort request failed")
	}
	// The pipeline sends the "stopped" confirmation once the prompt settles.
}

// isAbortCommand matches the abort command set: abort / cancel / stop,
// optionally slash-prefixed or preceded by "please", case and trailing
// punctuation insensitive.
func isAbortCommand(text string) bool {
	t := strings.ToLower(strings.TrimSpace(text))
	t = strings.TrimRight(t, ".!?")
	t = strings.TrimSpace(strings.TrimPrefix(t, "please"))
	t = strings.TrimPrefix(t, "/")
	switch t {
	case "abort", "cancel", "stop":
		return true
	}
	return false
}
