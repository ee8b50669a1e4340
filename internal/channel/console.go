package channel

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"sync"
	"time"
)

// Console is a terminal-backed adapter for local development. Each stdin
// line is an inbound message on the "console" chat; outbound messages and
// their edits print to stdout.
type Console struct {
	in  io.Reader
	out io.Writer

	mu      sync.Mutex
	nextID  int
	handler MessageHandler
}

// NewConsole builds a console adapter on the process stdio.
func NewConsole() *Console {
	return &Console{in: os.Stdin, out: os.Stdout}
}

func (c *Console) Name() string { return "console" }

func (c *Console) MaxMessageLength() int { return 100_000 }

func (c *Console) OnMessage(handler MessageHandler) { c.handler = handler }

// Start reads stdin lines until EOF or ctx cancellation.
func (c *Console) Start(ctx context.Context) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(c.in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if line == "" || c.handler == nil {
				continue
			}
			c.handler(ctx, InboundMessage{
				ChatID:     "console",
				SenderID:   "console",
				SenderName: "console",
				Text:       line,
				Timestamp:  time.Now(),
			})
		}
	}
}

func (c *Console) SendMessage(_ context.Context, chatID, text string) (string, error) {
	c.mu.Lock()
	c.nextID++
	id := strconv.Itoa(c.nextID)
	fmt.Fprintf(c.out, "[%s #%s] %s\n", chatID, id, text)
	c.mu.Unlock()
	return id, nil
}

func (c *Console) EditMessage(_ context.Context, chatID, messageID, text string) error {
	c.mu.Lock()
	fmt.Fprintf(c.out, "[%s #%s edited] %s\n", chatID, messageID, text)
	c.mu.Unlock()
	return nil
}

func (c *Console) DeleteMessage(_ context.Context, chatID, messageID string) error {
	c.mu.Lock()
	fmt.Fprintf(c.out, "[%s #%s deleted]\n", chatID, messageID)
	c.mu.Unlock()
	return nil
}
