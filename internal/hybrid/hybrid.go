// Package hybrid implements the QUICK/ASYNC conversation mode: each user
// message is wrapped in instructions that make the agent label its reply,
// and the detector classifies the reply online as it streams.
package hybrid

import (
	"fmt"
	"strings"
)

// Mode classifies one agent reply.
type Mode int

const (
	// ModeUnknown means the prefix has not been decided yet.
	ModeUnknown Mode = iota
	// ModeQuick replies are streamed to the chat immediately.
	ModeQuick
	// ModeAsync replies describe a background task to schedule.
	ModeAsync
)

func (m Mode) String() string {
	switch m {
	case ModeQuick:
		return "quick"
	case ModeAsync:
		return "async"
	default:
		return "unknown"
	}
}

// Mode markers the agent is instructed to emit.
const (
	QuickMarker = "[MODE: QUICK]"
	AsyncMarker = "[MODE: ASYNC]"
)

// WrapPrompt embeds the user's message in the hybrid-mode instructions.
func WrapPrompt(userMessage string) string {
	return fmt.Sprintf(`You are operating in hybrid response mode. Decide how to handle the user's message:

- If you can answer immediately (questions, short lookups, conversation), start your response with exactly "%s " followed by your answer.
- If the request needs substantial work (searching a codebase, editing files, long analysis), start your response with exactly "%s " followed by a one-sentence description of the background task you would run. Do not perform the task now.

Always begin with one of the two markers. Nothing may precede the marker.

User message:
%s`, QuickMarker, AsyncMarker, userMessage)
}

// Detector classifies a streamed reply. While the mode is unknown it
// buffers chunks; once decided, quick text flows through and async text is
// withheld until completion.
type Detector struct {
	mode Mode
	buf  strings.Builder
}

// NewDetector returns a detector in the unknown state.
func NewDetector() *Detector {
	return &Detector{}
}

// Mode returns the current classification.
func (d *Detector) Mode() Mode { return d.mode }

// Feed consumes one streamed chunk. The returned text is what should be
// shown live right now: empty while undecided or in async mode, the
// stripped remainder once quick mode is detected.
func (d *Detector) Feed(chunk string) (Mode, string) {
	switch d.mode {
	case ModeQuick:
		return ModeQuick, chunk
	case ModeAsync:
		d.buf.WriteString(chunk)
		return ModeAsync, ""
	}

	d.buf.WriteString(chunk)
	trimmed := strings.TrimLeft(d.buf.String(), " \t\r\n")

	switch {
	case strings.HasPrefix(trimmed, QuickMarker):
		d.mode = ModeQuick
		return ModeQuick, strings.TrimLeft(trimmed[len(QuickMarker):], " \t\r\n")
	case strings.HasPrefix(trimmed, AsyncMarker):
		d.mode = ModeAsync
		return ModeAsync, ""
	case couldBeMarkerPrefix(trimmed):
		// Not enough bytes yet to rule a marker in or out.
		return ModeUnknown, ""
	default:
		// The reply does not open with a marker; fall back to quick and
		// release everything buffered so far.
		d.mode = ModeQuick
		return ModeQuick, d.buf.String()
	}
}

// Finish resolves the mode at prompt completion and returns the stripped
// reply: the answer text for quick, the task description for async. A reply
// that never matched either marker defaults to quick.
func (d *Detector) Finish(full string) (Mode, string) {
	trimmed := strings.TrimSpace(full)
	switch {
	case strings.HasPrefix(trimmed, QuickMarker):
		d.mode = ModeQuick
		return ModeQuick, strings.TrimSpace(trimmed[len(QuickMarker):])
	case strings.HasPrefix(trimmed, AsyncMarker):
		d.mode = ModeAsync
		return ModeAsync, strings.TrimSpace(trimmed[len(AsyncMarker):])
	default:
		d.mode = ModeQuick
		return ModeQuick, trimmed
	}
}

// couldBeMarkerPrefix reports whether text is still a possible prefix of
// either marker.
func couldBeMarkerPrefix(text string) bool {
	if len(text) >= len(QuickMarker) {
		return false
	}
	return strings.HasPrefix(QuickMarker, text) || strings.HasPrefix(AsyncMarker, text)
}

// ConfirmationMessage is the single chat message acknowledging an async
// task.
func ConfirmationMessage(task, jobRef string) string {
	return fmt.Sprintf("%s %s (Reference: %s)", AsyncMarker, task, jobRef)
}

// ResultMessage formats a completed background task for the chat.
func ResultMessage(originalRequest, result string) string {
	return fmt.Sprintf("📢 Background task completed.\n\nOriginal Request: %q\n\nResult:\n%s", originalRequest, result)
}

// ContextInjection is the silent follow-up sent to the live session so the
// ongoing conversation knows the background work finished.
func ContextInjection(originalRequest, result string) string {
	return fmt.Sprintf("(A background task you delegated has completed. Original request: %q. Result:\n%s\nNo reply is needed; this is context for the ongoing conversation.)", originalRequest, result)
}
