// Package bridge is the orchestrator: it wires the agent runtime, the
// message queue, the live-message pipeline, the scheduler, the HTTP
// gateway, and the chat platform adapter into one long-lived process.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/HainanZhao/clawless/internal/agent"
	"github.com/HainanZhao/clawless/internal/channel"
	"github.com/HainanZhao/clawless/internal/config"
	"github.com/HainanZhao/clawless/internal/gateway"
	"github.com/HainanZhao/clawless/internal/livemsg"
	"github.com/HainanZhao/clawless/internal/memory"
	"github.com/HainanZhao/clawless/internal/queue"
	"github.com/HainanZhao/clawless/internal/runtime"
	"github.com/HainanZhao/clawless/internal/schedule"
	"github.com/HainanZhao/clawless/pkg/logger"
)

// heartbeatInterval spaces the periodic liveness log line.
const heartbeatInterval = 5 * time.Minute

// Bridge owns the process-wide singletons.
type Bridge struct {
	cfg     *config.Config
	profile *agent.Profile
	rt      *runtime.Runtime
	adapter channel.Adapter
	queue   *queue.Queue
	live    *livemsg.Manager
	sched   *schedule.Scheduler
	server  *gateway.Server
	notes   *memory.Notes
	store   *memory.Store

	boundMu   sync.RWMutex
	boundChat string

	whitelist map[string]struct{}

	log zerolog.Logger
}

// New wires all components. Nothing starts until Run.
func New(cfg *config.Config) (*Bridge, error) {
	profile, err := agent.Resolve(cfg.Agent)
	if err != nil {
		return nil, err
	}

	adapter, err := channel.New(cfg)
	if err != nil {
		return nil, err
	}

	b := &Bridge{
		cfg:     cfg,
		profile: profile,
		rt:      runtime.New(cfg, profile),
		adapter: adapter,
		queue:   queue.New(),
		live:    livemsg.NewManager(adapter, cfg.Stream),
		log:     logger.Component("bridge"),
	}

	b.whitelist = make(map[string]struct{})
	for _, id := range cfg.Channels.ActiveWhitelist() {
		b.whitelist[id] = struct{}{}
	}

	b.sched = schedule.New(cfg.Scheduler.Path, cfg.Scheduler.Location(), b.runScheduled)

	store, err := memory.OpenStore(cfg.Memory.StorePath)
	if err != nil {
		b.log.Warn().Err(err).Msg("recall store unavailable, continuing without it")
	} else {
		b.store = store
	}

	b.server = gateway.NewServer(cfg.Callback, b, b.sched, b.store)
	return b, nil
}

// Run starts everything and blocks until ctx is cancelled, then shuts the
// components down in reverse order.
func (b *Bridge) Run(ctx context.Context) error {
	if err := b.profile.Validate(ctx); err != nil {
		return err
	}
	if err := os.MkdirAll(b.cfg.Home, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	notes, err := memory.OpenNotes(b.cfg.Memory.NotesPath)
	if err != nil {
		return err
	}
	b.notes = notes

	b.loadBoundChat()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if b.cfg.Memory.WatchNotes {
		go func() {
			if err := b.notes.Watch(runCtx); err != nil && runCtx.Err() == nil {
				b.log.Warn().Err(err).Msg("notes watcher stopped")
			}
		}()
	}

	if err := b.server.Start(); err != nil {
		return err
	}
	if err := b.sched.Start(runCtx); err != nil {
		return err
	}
	b.rt.SchedulePrewarm(runCtx)

	go b.heartbeat(runCtx)

	drainDone := make(chan struct{})
	go func() {
		defer close(drainDone)
		b.queue.Drain(runCtx, b.processMessage)
	}()

	b.adapter.OnMessage(b.onInbound)
	b.log.Info().
		Str("agent", b.profile.Name).
		Str("platform", b.adapter.Name()).
		Msg("bridge running")

	err = b.adapter.Start(runCtx)
	if err != nil && runCtx.Err() == nil {
		b.log.Error().Err(err).Msg("adapter stopped")
	}

	// Shutdown: stop producers first, then the runtime.
	cancel()
	<-drainDone
	b.queue.Close()
	b.sched.Stop()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	if err := b.server.Stop(stopCtx); err != nil {
		b.log.Warn().Err(err).Msg("http server shutdown")
	}

	b.rt.Shutdown()
	if b.store != nil {
		b.store.Close()
	}
	b.log.Info().Msg("bridge stopped")
	return nil
}

// heartbeat logs a periodic liveness line with queue depth.
func (b *Bridge) heartbeat(ctx context.Context) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.log.Info().
				Int("queue", b.queue.Len()).
				Bool("prompt_running", b.rt.Busy()).
				Str("bound_chat", b.BoundChatID()).
				Msg("heartbeat")
		}
	}
}

// SendToChat implements gateway.Sender: platform-limit chunked delivery.
func (b *Bridge) SendToChat(ctx context.Context, chatID, text string) error {
	for _, chunk := range livemsg.SplitMessage(text, b.adapter.MaxMessageLength()) {
		if _, err := b.adapter.SendMessage(ctx, chatID, chunk); err != nil {
			return err
		}
	}
	return nil
}

// BoundChatID implements gateway.Sender.
func (b *Bridge) BoundChatID() string {
	b.boundMu.RLock()
	defer b.boundMu.RUnlock()
	return b.boundChat
}

// boundChatRecord is the persisted shape of the bound chat.
type boundChatRecord struct {
	ChatID    string    `json:"chatId"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// bindChat records the most recent inbound chat as the default target for
// proactive messages, in memory and on disk.
func (b *Bridge) bindChat(chatID string) {
	b.boundMu.Lock()
	changed := b.boundChat != chatID
	b.boundChat = chatID
	b.boundMu.Unlock()
	if !changed {
		return
	}

	record := boundChatRecord{ChatID: chatID, UpdatedAt: time.Now()}
	data, err := json.MarshalIndent(record, "", "  ")
	if err == nil {
		err = os.WriteFile(b.cfg.BoundChatPath(), data, 0o600)
	}
	if err != nil {
		b.log.Warn().Err(err).Msg("failed to persist bound chat")
		return
	}
	b.log.Info().Str("chat_id", chatID).Msg("bound chat updated")
}

func (b *Bridge) loadBoundChat() {
	data, err := os.ReadFile(b.cfg.BoundChatPath())
	if err != nil {
		return
	}
	var record boundChatRecord
	if err := json.Unmarshal(data, &record); err != nil {
		b.log.Warn().Err(err).Msg("ignoring corrupt bound chat record")
		return
	}
	b.boundMu.Lock()
	b.boundChat = record.ChatID
	b.boundMu.Unlock()
	b.log.Info().Str("chat_id", record.ChatID).Msg("restored bound chat")
}
