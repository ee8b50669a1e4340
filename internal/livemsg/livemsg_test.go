package livemsg

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HainanZhao/clawless/internal/channel"
	"github.com/HainanZhao/clawless/internal/config"
)

type fakeAdapter struct {
	mu      sync.Mutex
	nextID  int
	sends   []string
	edits   []string
	deletes []string

	editErr error
	maxLen  int
}

func (f *fakeAdapter) Name() string { return "fake" }

func (f *fakeAdapter) Start(context.Context) error { return nil }

func (f *fakeAdapter) OnMessage(channel.MessageHandler) {}

func (f *fakeAdapter) MaxMessageLength() int {
	if f.maxLen > 0 {
		return f.maxLen
	}
	return 100_000
}

func (f *fakeAdapter) SendMessage(_ context.Context, _, text string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.sends = append(f.sends, text)
	return strconv.Itoa(f.nextID), nil
}

func (f *fakeAdapter) EditMessage(_ context.Context, _, _, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.editErr != nil {
		return f.editErr
	}
	f.edits = append(f.edits, text)
	return nil
}

func (f *fakeAdapter) DeleteMessage(_ context.Context, _, messageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes = append(f.deletes, messageID)
	return nil
}

func (f *fakeAdapter) sendCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sends)
}

func (f *fakeAdapter) editCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.edits)
}

func streamCfg() config.StreamConfig {
	return config.StreamConfig{
		UpdateIntervalMs:  20,
		MaxResponseLength: 4000,
		MaxMessageLength:  4000,
	}
}

func TestFirstAppendPostsExactlyOnce(t *testing.T) {
	adapter := &fakeAdapter{}
	live := NewManager(adapter, streamCfg()).Start(context.Background(), "chat")

	for i := 0; i < 10; i++ {
		live.Append("x")
	}

	require.Eventually(t, func() bool { return adapter.sendCount() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, adapter.sendCount())
}

func TestDebouncedEditCarriesAccumulatedText(t *testing.T) {
	adapter := &fakeAdapter{}
	live := NewManager(adapter, streamCfg()).Start(context.Background(), "chat")

	live.Append("part one ")
	require.Eventually(t, func() bool { return adapter.sendCount() == 1 }, time.Second, 5*time.Millisecond)

	live.Append("part two")
	require.Eventually(t, func() bool { return adapter.editCount() >= 1 }, time.Second, 5*time.Millisecond)

	adapter.mu.Lock()
	defer adapter.mu.Unlock()
	assert.Equal(t, "part one part two", adapter.edits[len(adapter.edits)-1])
}

func TestPreviewTruncatedWithEllipsis(t *testing.T) {
	cfg := streamCfg()
	cfg.MaxResponseLength = 10
	adapter := &fakeAdapter{}
	live := NewManager(adapter, cfg).Start(context.Background(), "chat")

	live.Append(strings.Repeat("a", 50))
	require.Eventually(t, func() bool { return adapter.sendCount() == 1 }, time.Second, 5*time.Millisecond)

	adapter.mu.Lock()
	defer adapter.mu.Unlock()
	preview := adapter.sends[0]
	assert.Equal(t, 10, len([]rune(preview)))
	assert.True(t, strings.HasSuffix(preview, ellipsis))
}

func TestFinalizeEditsFirstChunkThenSendsRest(t *testing.T) {
	cfg := streamCfg()
	cfg.MaxMessageLength = 20
	adapter := &fakeAdapter{}
	live := NewManager(adapter, cfg).Start(context.Background(), "chat")

	live.Append("streaming...")
	require.Eventually(t, func() bool { return adapter.sendCount() == 1 }, time.Second, 5*time.Millisecond)

	full := "first paragraph\n\nsecond paragraph"
	require.NoError(t, live.Finalize(context.Background(), full))

	adapter.mu.Lock()
	defer adapter.mu.Unlock()
	require.NotEmpty(t, adapter.edits)
	assert.Equal(t, "first paragraph", adapter.edits[len(adapter.edits)-1])
	assert.Equal(t, "second paragraph", adapter.sends[len(adapter.sends)-1])
}

func TestFinalizeWithoutStreamSendsFresh(t *testing.T) {
	adapter := &fakeAdapter{}
	live := NewManager(adapter, streamCfg()).Start(context.Background(), "chat")

	require.NoError(t, live.Finalize(context.Background(), "direct answer"))

	adapter.mu.Lock()
	defer adapter.mu.Unlock()
	require.Len(t, adapter.sends, 1)
	assert.Equal(t, "direct answer", adapter.sends[0])
	assert.Empty(t, adapter.edits)
}

func TestFinalizeEditFailureDeletesAndResends(t *testing.T) {
	adapter := &fakeAdapter{}
	live := NewManager(adapter, streamCfg()).Start(context.Background(), "chat")

	live.Append("preview")
	require.Eventually(t, func() bool { return adapter.sendCount() == 1 }, time.Second, 5*time.Millisecond)

	adapter.mu.Lock()
	adapter.editErr = errors.New("message too old")
	adapter.mu.Unlock()

	require.NoError(t, live.Finalize(context.Background(), "final text"))

	adapter.mu.Lock()
	defer adapter.mu.Unlock()
	assert.Equal(t, []string{"1"}, adapter.deletes)
	assert.Equal(t, "final text", adapter.sends[len(adapter.sends)-1])
}

func TestFinalizeNotModifiedIsSuccess(t *testing.T) {
	adapter := &fakeAdapter{}
	live := NewManager(adapter, streamCfg()).Start(context.Background(), "chat")

	live.Append("same text")
	require.Eventually(t, func() bool { return adapter.sendCount() == 1 }, time.Second, 5*time.Millisecond)

	adapter.mu.Lock()
	adapter.editErr = channel.ErrNotModified
	adapter.mu.Unlock()

	require.NoError(t, live.Finalize(context.Background(), "same text"))

	adapter.mu.Lock()
	defer adapter.mu.Unlock()
	assert.Empty(t, adapter.deletes)
	assert.Equal(t, 1, len(adapter.sends)) // no resend
}

func TestFinalizeEmptyDeletesPreview(t *testing.T) {
	adapter := &fakeAdapter{}
	live := NewManager(adapter, streamCfg()).Start(context.Background(), "chat")

	live.Append("partial")
	require.Eventually(t, func() bool { return adapter.sendCount() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, live.Finalize(context.Background(), "   "))

	adapter.mu.Lock()
	defer adapter.mu.Unlock()
	assert.Equal(t, []string{"1"}, adapter.deletes)
}

func TestDiscardDeletesPreview(t *testing.T) {
	adapter := &fakeAdapter{}
	live := NewManager(adapter, streamCfg()).Start(context.Background(), "chat")

	live.Append("doomed")
	require.Eventually(t, func() bool { return adapter.sendCount() == 1 }, time.Second, 5*time.Millisecond)

	live.Discard(context.Background())

	adapter.mu.Lock()
	defer adapter.mu.Unlock()
	assert.Equal(t, []string{"1"}, adapter.deletes)

	// Appends after discard are ignored.
	live.Append("more")
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, len(adapter.sends))
}

func TestSplitMessageShortPassthrough(t *testing.T) {
	assert.Equal(t, []string{"short"}, SplitMessage("short", 100))
}

func TestSplitMessagePrefersParagraphs(t *testing.T) {
	text := "alpha alpha\n\nbeta beta\n\ngamma gamma"
	chunks := SplitMessage(text, 25)
	require.Len(t, chunks, 2)
	assert.Equal(t, "alpha alpha\n\nbeta beta", chunks[0])
	assert.Equal(t, "gamma gamma", chunks[1])
}

func TestSplitMessageFallsBackToWords(t *testing.T) {
	text := "one two three four five six"
	chunks := SplitMessage(text, 10)
	for _, chunk := range chunks {
		assert.LessOrEqual(t, len([]rune(chunk)), 10)
		assert.NotEmpty(t, chunk)
	}
	assert.Equal(t, strings.Join(chunks, " "), text)
}

func TestSplitMessageHardCut(t *testing.T) {
	text := strings.Repeat("a", 25)
	chunks := SplitMessage(text, 10)
	require.Len(t, chunks, 3)
	assert.Equal(t, 10, len(chunks[0]))
	assert.Equal(t, 10, len(chunks[1]))
	assert.Equal(t, 5, len(chunks[2]))
}

func TestSplitMessageMultibyteWordBoundary(t *testing.T) {
	text := strings.Repeat("日", 9) + " " + strings.Repeat("日", 10)
	chunks := SplitMessage(text, 10)
	require.Len(t, chunks, 2)
	assert.Equal(t, strings.Repeat("日", 9), chunks[0])
	assert.Equal(t, strings.Repeat("日", 10), chunks[1])
	for _, chunk := range chunks {
		assert.LessOrEqual(t, utf8.RuneCountInString(chunk), 10)
	}
}

func TestSplitMessageMultibyteHardCut(t *testing.T) {
	text := strings.Repeat("é", 25)
	chunks := SplitMessage(text, 10)
	require.Len(t, chunks, 3)
	assert.Equal(t, text, strings.Join(chunks, ""))
	for _, chunk := range chunks {
		assert.LessOrEqual(t, utf8.RuneCountInString(chunk), 10)
	}
}
