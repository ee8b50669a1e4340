// Package queue provides the FIFO inbound-message queue. Everything the
// bridge processes (chat messages, callbacks, scheduled prompts) flows
// through one queue drained by a single goroutine, so the agent only ever
// sees one prompt at a time.
package queue

import (
	"context"
	"sync"
	"time"

	"github.com/HainanZhao/clawless/pkg/logger"
)

// Sources a message can arrive from.
const (
	SourceChat     = "chat"
	SourceCallback = "callback"
	SourceSchedule = "schedule"
)

// Message is one unit of inbound work.
type Message struct {
	// ID is assigned on enqueue, strictly increasing.
	ID       int64
	ChatID   string
	Text     string
	Source   string
	Enqueued time.Time
	// SkipModeDetection bypasses hybrid mode detection for this message
	// (context re-injections and scheduler-origin prompts).
	SkipModeDetection bool
	// Silent suppresses all chat output for this message; the prompt runs
	// purely to update the agent's conversation state.
	Silent bool
}

// Queue is an unbounded FIFO with a single consumer.
type Queue struct {
	mu     sync.Mutex
	items  []Message
	nextID int64
	signal chan struct{}
	closed bool
}

// New returns an empty queue.
func New() *Queue {
	return &Queue{signal: make(chan struct{}, 1)}
}

// Enqueue appends a message and returns its assigned id.
func (q *Queue) Enqueue(msg Message) int64 {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return 0
	}
	q.nextID++
	msg.ID = q.nextID
	if msg.Enqueued.IsZero() {
		msg.Enqueued = time.Now()
	}
	q.items = append(q.items, msg)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return msg.ID
}

// Len returns the number of queued messages not yet handed to the consumer.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// pop removes the head, or returns false when empty.
func (q *Queue) pop() (Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return Message{}, false
	}
	msg := q.items[0]
	q.items = q.items[1:]
	return msg, true
}

// Drain processes messages in order until ctx ends. It must be called from
// exactly one goroutine; handle runs synchronously, so a slow handler
// back-pressures the queue rather than overlapping prompts.
func (q *Queue) Drain(ctx context.Context, handle func(context.Context, Message)) {
	log := logger.Component("queue")
	for {
		msg, ok := q.pop()
		if !ok {
			select {
			case <-q.signal:
				continue
			case <-ctx.Done():
				return
			}
		}

		if n := q.Len(); n > 0 {
			log.Debug().Int64("id", msg.ID).Int("backlog", n).Msg("processing message")
		}
		handle(ctx, msg)

		if ctx.Err() != nil {
			return
		}
	}
}

// Close stops accepting new messages. Queued messages still drain.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
}
