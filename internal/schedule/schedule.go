// Package schedule runs persisted cron and one-shot jobs that feed prompts
// back into the bridge.
package schedule

import (
	"fmt"
	"math/rand"
	"strconv"
	"time"

	"github.com/robfig/cron/v3"
)

// Schedule kinds.
const (
	KindRecurring = "recurring"
	KindOneTime   = "oneTime"
)

// Schedule types.
const (
	// TypeStandard runs the message as a plain scheduled prompt.
	TypeStandard = "standard"
	// TypeAsyncConversation is a background task spawned from a live chat;
	// its result is delivered back to metadata.chatId.
	TypeAsyncConversation = "async_conversation"
)

// Metadata carries optional per-schedule context.
type Metadata struct {
	ChatID string `json:"chatId,omitempty"`
	// OriginalRequest is the user's request that spawned an async task.
	OriginalRequest string `json:"originalRequest,omitempty"`
	// JobRef is the short reference shown to the user for async tasks.
	JobRef string `json:"jobRef,omitempty"`
}

// Schedule is one persisted job.
type Schedule struct {
	ID          string `json:"id"`
	Message     string `json:"message"`
	Description string `json:"description,omitempty"`
	// Kind is recurring or oneTime.
	Kind           string     `json:"kind"`
	CronExpression string     `json:"cronExpression,omitempty"`
	RunAt          *time.Time `json:"runAt,omitempty"`
	// Type is standard or async_conversation.
	Type     string   `json:"type"`
	Metadata Metadata `json:"metadata,omitempty"`

	CreatedAt time.Time  `json:"createdAt"`
	LastRun   *time.Time `json:"lastRun,omitempty"`
	Active    bool       `json:"active"`
}

// Validate checks the schedule is runnable. Create-time validation also
// requires a future runAt; reload accepts past times (they are dropped,
// not rejected).
func (s Schedule) Validate() error {
	if s.Message == "" {
		return fmt.Errorf("schedule: message is required")
	}
	switch s.Type {
	case TypeStandard, TypeAsyncConversation:
	default:
		return fmt.Errorf("schedule: unknown type %q", s.Type)
	}
	switch s.Kind {
	case KindRecurring:
		if _, err := cron.ParseStandard(s.CronExpression); err != nil {
			return fmt.Errorf("schedule: bad cron expression %q: %w", s.CronExpression, err)
		}
	case KindOneTime:
		if s.RunAt == nil {
			return fmt.Errorf("schedule: oneTime requires runAt")
		}
	default:
		return fmt.Errorf("schedule: unknown kind %q", s.Kind)
	}
	return nil
}

const idAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

func randBase36(n int) string {
	out := make([]byte, n)
	for i := range out {
		out[i] = idAlphabet[rand.Intn(len(idAlphabet))]
	}
	return string(out)
}

// NewID returns a fresh schedule id: schedule_<unix-ms>_<rand base36>.
func NewID() string {
	return "schedule_" + strconv.FormatInt(time.Now().UnixMilli(), 10) + "_" + randBase36(6)
}

// NewJobRef returns a short reference for async background tasks.
func NewJobRef() string {
	return "job_" + randBase36(4)
}
