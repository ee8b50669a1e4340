// Package livemsg maintains one live-updated chat message per running
// prompt: streamed text appears in place, throttled to the platform's edit
// tolerance, then the final answer replaces it, chunked to fit.
package livemsg

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/HainanZhao/clawless/internal/channel"
	"github.com/HainanZhao/clawless/internal/config"
	"github.com/HainanZhao/clawless/pkg/logger"
)

// ellipsis marks a truncated live preview.
const ellipsis = "…"

// Manager creates live messages on one adapter.
type Manager struct {
	adapter channel.Adapter
	cfg     config.StreamConfig
	log     zerolog.Logger
}

// NewManager builds a manager with the given stream settings.
func NewManager(adapter channel.Adapter, cfg config.StreamConfig) *Manager {
	return &Manager{
		adapter: adapter,
		cfg:     cfg,
		log:     logger.Component("livemsg"),
	}
}

// Start begins a live message for one prompt in the given chat. Nothing is
// posted until the first Append.
func (m *Manager) Start(ctx context.Context, chatID string) *Live {
	return &Live{
		m:      m,
		ctx:    ctx,
		chatID: chatID,
	}
}

// Live is the in-flight live message. Append may be called from the stream
// callback goroutine; Finalize from the drain goroutine.
type Live struct {
	m      *Manager
	ctx    context.Context
	chatID string

	mu        sync.Mutex
	buf       strings.Builder
	messageID string
	starting  bool
	dirty     bool
	timer     *time.Timer
	finalized bool
}

// Append adds streamed text and schedules a visible update.
func (l *Live) Append(text string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.finalized {
		return
	}
	l.buf.WriteString(text)
	l.dirty = true

	if l.messageID == "" {
		// Single-flight: exactly one initial send no matter how chunks race.
		if !l.starting {
			l.starting = true
			go l.start()
		}
		return
	}
	l.armLocked()
}

// start posts the initial live message with whatever has accumulated.
func (l *Live) start() {
	l.mu.Lock()
	preview := l.renderLocked()
	l.mu.Unlock()

	id, err := l.m.adapter.SendMessage(l.ctx, l.chatID, preview)

	l.mu.Lock()
	defer l.mu.Unlock()
	l.starting = false
	if err != nil {
		l.m.log.Warn().Err(err).Str("chat_id", l.chatID).Msg("live message send failed")
		return
	}
	l.messageID = id
	l.dirty = false
	// Chunks that arrived during the send go out on the next tick.
	if l.buf.Len() > 0 {
		l.dirty = true
		l.armLocked()
	}
}

// armLocked schedules a trailing-edge edit. Caller holds l.mu.
func (l *Live) armLocked() {
	if l.timer != nil || l.finalized {
		return
	}
	l.timer = time.AfterFunc(l.m.cfg.UpdateInterval(), l.flush)
}

// flush pushes the accumulated preview if it changed since the last push.
func (l *Live) flush() {
	l.mu.Lock()
	l.timer = nil
	if l.finalized || !l.dirty || l.messageID == "" {
		l.mu.Unlock()
		return
	}
	l.dirty = false
	preview := l.renderLocked()
	chatID, messageID := l.chatID, l.messageID
	l.mu.Unlock()

	err := l.m.adapter.EditMessage(l.ctx, chatID, messageID, preview)
	if err != nil && !errors.Is(err, channel.ErrNotModified) {
		l.m.log.Warn().Err(err).Str("chat_id", chatID).Msg("live message edit failed")
	}

	l.mu.Lock()
	if l.dirty && !l.finalized {
		l.armLocked()
	}
	l.mu.Unlock()
}

// renderLocked returns the preview, truncated with an ellipsis when the
// accumulated text exceeds the response limit. Caller holds l.mu.
func (l *Live) renderLocked() string {
	text := l.buf.String()
	max := l.m.cfg.MaxResponseLength
	if max <= 0 {
		return text
	}
	runes := []rune(text)
	if len(runes) <= max {
		return text
	}
	return string(runes[:max-1]) + ellipsis
}

// Finalize replaces the live preview with the final text, chunked to the
// platform limit: the live message becomes the first chunk and the rest go
// out as fresh messages. An empty final text deletes the preview.
func (l *Live) Finalize(ctx context.Context, full string) error {
	l.mu.Lock()
	l.finalized = true
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
	messageID := l.messageID
	chatID := l.chatID
	l.mu.Unlock()

	max := l.m.cfg.MaxMessageLength
	if limit := l.m.adapter.MaxMessageLength(); max <= 0 || max > limit {
		max = limit
	}

	if strings.TrimSpace(full) == "" {
		if messageID != "" {
			if err := l.m.adapter.DeleteMessage(ctx, chatID, messageID); err != nil {
				l.m.log.Debug().Err(err).Msg("empty finalize delete failed")
			}
		}
		return nil
	}

	chunks := SplitMessage(full, max)

	rest := chunks
	if messageID != "" {
		err := l.m.adapter.EditMessage(ctx, chatID, messageID, chunks[0])
		switch {
		case err == nil, errors.Is(err, channel.ErrNotModified):
			rest = chunks[1:]
		default:
			// The preview is stale and unfixable; remove it and resend.
			l.m.log.Warn().Err(err).Str("chat_id", chatID).Msg("final edit failed, replacing live message")
			if derr := l.m.adapter.DeleteMessage(ctx, chatID, messageID); derr != nil {
				l.m.log.Debug().Err(derr).Msg("live message cleanup delete failed")
			}
		}
	}

	for _, chunk := range rest {
		if _, err := l.m.adapter.SendMessage(ctx, chatID, chunk); err != nil {
			return err
		}
	}
	return nil
}

// Discard deletes the live message, for prompts that end with nothing to
// show (aborts, errors reported elsewhere).
func (l *Live) Discard(ctx context.Context) {
	l.mu.Lock()
	l.finalized = true
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
	messageID := l.messageID
	l.mu.Unlock()

	if messageID == "" {
		return
	}
	if err := l.m.adapter.DeleteMessage(ctx, l.chatID, messageID); err != nil {
		l.m.log.Debug().Err(err).Msg("discard delete failed")
	}
}

// SplitMessage splits text into chunks of at most max runes, preferring
// paragraph breaks, then line breaks, then word boundaries.
func SplitMessage(text string, max int) []string {
	if max <= 0 {
		return []string{text}
	}
	var chunks []string
	runes := []rune(text)
	for len(runes) > max {
		cut := splitPoint(runes, max)
		chunks = append(chunks, strings.TrimRight(string(runes[:cut]), "\n "))
		for cut < len(runes) && (runes[cut] == '\n' || runes[cut] == ' ') {
			cut++
		}
		runes = runes[cut:]
	}
	if len(runes) > 0 {
		chunks = append(chunks, string(runes))
	}
	return chunks
}

// splitPoint returns the cut position in runes. LastIndex yields byte
// offsets, so they are converted back to rune counts before slicing.
func splitPoint(runes []rune, max int) int {
	window := string(runes[:max])
	for _, sep := range []string{"\n\n", "\n", " "} {
		if i := strings.LastIndex(window, sep); i > 0 {
			return utf8.RuneCountInString(window[:i])
		}
	}
	return max
}
