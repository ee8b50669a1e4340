package bridge

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/HainanZhao/clawless/internal/agent"
	"github.com/HainanZhao/clawless/internal/hybrid"
	"github.com/HainanZhao/clawless/internal/livemsg"
	"github.com/HainanZhao/clawless/internal/queue"
	"github.com/HainanZhao/clawless/internal/runtime"
	"github.com/HainanZhao/clawless/internal/schedule"
)

// asyncStartDelay schedules the spawned background task just far enough in
// the future to satisfy create-time validation.
const asyncStartDelay = 2 * time.Second

// segmentState tracks the live message and visible text of the current
// output segment. A long pause between chunks closes the segment, so one
// prompt can produce several separate chat messages.
type segmentState struct {
	mu        sync.Mutex
	live      *livemsg.Live
	text      strings.Builder
	lastChunk time.Time
}

// processMessage runs one queued message through the agent. It is called
// from the single queue drain goroutine, so prompts never overlap.
func (b *Bridge) processMessage(ctx context.Context, msg queue.Message) {
	log := b.log.With().Int64("msg_id", msg.ID).Str("source", msg.Source).Logger()
	log.Info().Str("chat_id", msg.ChatID).Bool("silent", msg.Silent).Msg("processing prompt")

	prompt := msg.Text
	var detector *hybrid.Detector
	if !msg.SkipModeDetection {
		prompt = hybrid.WrapPrompt(msg.Text)
		detector = hybrid.NewDetector()
	}

	seg := &segmentState{}
	gap := b.cfg.Stream.GapThreshold()

	onChunk := func(chunk string) {
		if msg.Silent {
			return
		}

		visible := chunk
		if detector != nil {
			var mode hybrid.Mode
			mode, visible = detector.Feed(chunk)
			if mode == hybrid.ModeAsync || visible == "" {
				return
			}
		}

		seg.mu.Lock()
		defer seg.mu.Unlock()

		// A long pause with visible text already on screen closes the
		// current message; the new text starts a fresh one.
		if seg.live != nil && gap > 0 && !seg.lastChunk.IsZero() &&
			time.Since(seg.lastChunk) > gap && seg.text.Len() > 0 {
			final := seg.text.String()
			live := seg.live
			seg.live = nil
			seg.text.Reset()
			go func() {
				if err := live.Finalize(ctx, final); err != nil {
					log.Info().Err(err).Msg("gap finalization failed")
				}
			}()
		}
		seg.lastChunk = time.Now()

		if seg.live == nil {
			seg.live = b.live.Start(ctx, msg.ChatID)
		}
		seg.text.WriteString(visible)
		seg.live.Append(visible)
	}

	result, err := b.rt.RunPrompt(ctx, prompt, onChunk)

	seg.mu.Lock()
	live := seg.live
	segText := seg.text.String()
	seg.mu.Unlock()

	if err != nil {
		if live != nil {
			live.Discard(ctx)
		}
		if msg.Silent {
			log.Warn().Err(err).Msg("silent prompt failed")
			return
		}
		switch {
		case errors.Is(err, runtime.ErrAborted):
			_ = b.SendToChat(ctx, msg.ChatID, msgAbortDone)
		case errors.Is(err, runtime.ErrCancelled):
			log.Info().Msg("prompt cancelled by agent")
		default:
			_ = b.SendToChat(ctx, msg.ChatID, "❌ Error: "+err.Error())
		}
		return
	}

	if msg.Silent {
		log.Debug().Msg("silent prompt completed")
		return
	}

	mode, text := hybrid.ModeQuick, result
	if detector != nil {
		mode, text = detector.Finish(result)
	}

	if mode == hybrid.ModeAsync {
		if live != nil {
			live.Discard(ctx)
		}
		b.spawnAsyncTask(ctx, msg, text)
		return
	}

	switch {
	case live != nil:
		if err := live.Finalize(ctx, segText); err != nil {
			log.Info().Err(err).Msg("finalize failed")
		}
	case text != "":
		_ = b.SendToChat(ctx, msg.ChatID, text)
	}

	b.remember(ctx, msg.ChatID, msg.Text+"\n\n"+text)
}

// remember persists a completed exchange for keyword recall. Best effort;
// a missing or failing store never disturbs the conversation.
func (b *Bridge) remember(ctx context.Context, chatID, content string) {
	if b.store == nil || strings.TrimSpace(content) == "" {
		return
	}
	if err := b.store.Save(ctx, chatID, content); err != nil {
		b.log.Debug().Err(err).Msg("recall store save failed")
	}
}

// spawnAsyncTask registers a near-immediate one-shot schedule for a task the
// agent classified as background work, and confirms it to the chat.
func (b *Bridge) spawnAsyncTask(ctx context.Context, msg queue.Message, task string) {
	if task == "" {
		task = msg.Text
	}
	jobRef := schedule.NewJobRef()
	runAt := time.Now().Add(asyncStartDelay)

	created, err := b.sched.Create(schedule.Schedule{
		Message:     msg.Text,
		Description: task,
		Kind:        schedule.KindOneTime,
		RunAt:       &runAt,
		Type:        schedule.TypeAsyncConversation,
		Metadata: schedule.Metadata{
			ChatID:          msg.ChatID,
			OriginalRequest: msg.Text,
			JobRef:          jobRef,
		},
		Active: true,
	})
	if err != nil {
		b.log.Error().Err(err).Msg("failed to schedule background task")
		_ = b.SendToChat(ctx, msg.ChatID, "❌ Error: could not schedule the background task: "+err.Error())
		return
	}

	b.log.Info().Str("schedule_id", created.ID).Str("job_ref", jobRef).Msg("background task scheduled")
	_ = b.SendToChat(ctx, msg.ChatID, hybrid.ConfirmationMessage(task, jobRef))
}

// runScheduled executes one due schedule in a fresh one-shot agent run, so
// background work never contends with the live session.
func (b *Bridge) runScheduled(ctx context.Context, s schedule.Schedule) {
	log := b.log.With().Str("schedule_id", s.ID).Str("type", s.Type).Logger()
	log.Info().Msg("running scheduled job")

	chatID := s.Metadata.ChatID
	if chatID == "" {
		chatID = b.BoundChatID()
	}

	result, err := agent.RunOneShot(ctx, b.profile, b.cfg.Agent, b.cfg.Runtime.WorkDir, s.Message)
	if err != nil {
		log.Error().Err(err).Msg("scheduled job failed")
		if chatID != "" {
			_ = b.SendToChat(ctx, chatID, "❌ Error: scheduled task failed: "+err.Error())
		}
		return
	}

	if chatID == "" {
		log.Warn().Msg("scheduled job finished but no chat is bound; result dropped")
		return
	}

	b.remember(ctx, chatID, s.Message+"\n\n"+result)

	if s.Type == schedule.TypeAsyncConversation {
		original := s.Metadata.OriginalRequest
		if original == "" {
			original = s.Message
		}
		_ = b.SendToChat(ctx, chatID, hybrid.ResultMessage(original, result))

		// Let the live conversation know the delegated work finished.
		b.queue.Enqueue(queue.Message{
			ChatID:            chatID,
			Text:              hybrid.ContextInjection(original, result),
			Source:            queue.SourceSchedule,
			SkipModeDetection: true,
			Silent:            true,
		})
		return
	}

	_ = b.SendToChat(ctx, chatID, result)
}
