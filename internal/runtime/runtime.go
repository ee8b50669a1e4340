// Package runtime owns the long-lived ACP agent: spawning it, keeping one
// warm session, running prompts with streaming callbacks, and recovering
// from crashes and hangs.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/HainanZhao/clawless/internal/acp"
	"github.com/HainanZhao/clawless/internal/agent"
	"github.com/HainanZhao/clawless/internal/config"
	"github.com/HainanZhao/clawless/pkg/logger"
)

// NoResponseText is returned when a prompt settles cleanly with no streamed
// content.
const NoResponseText = "No response received."

// Sentinel errors for the distinct ways a prompt can end early.
var (
	// ErrAborted means the user asked for the stop.
	ErrAborted = errors.New("runtime: prompt aborted by user")
	// ErrCancelled means the agent stopped the turn without a user abort.
	ErrCancelled = errors.New("runtime: prompt cancelled")
	// ErrNoOutput means the agent produced nothing for the inactivity window.
	ErrNoOutput = errors.New("runtime: agent produced no output within the inactivity window")
	// ErrClosed means the runtime has been shut down.
	ErrClosed = errors.New("runtime: closed")
)

// Runtime drives one agent process over ACP. One prompt runs at a time;
// callers queue above this layer.
type Runtime struct {
	cfg     *config.Config
	profile *agent.Profile

	mu       sync.Mutex
	sess     *session
	initDone chan struct{} // non-nil while an init is in flight
	initErr  error
	closed   bool

	promptMu sync.Mutex // serializes prompts

	activeMu    sync.Mutex
	active      *collector
	manualAbort bool

	log zerolog.Logger
}

type session struct {
	proc *process
	conn *acp.Conn
	id   string
}

// collector accumulates streamed text for the in-flight prompt. Every
// session update (and stderr line) counts as liveness.
type collector struct {
	sessionID string
	mu        sync.Mutex
	text      strings.Builder
	onChunk   func(string)
	activity  chan struct{}
	// mirror receives a copy of every chunk when stream_stdout is set.
	mirror io.Writer
}

func (c *collector) touch() {
	select {
	case c.activity <- struct{}{}:
	default:
	}
}

func (c *collector) append(text string) {
	c.mu.Lock()
	c.text.WriteString(text)
	c.mu.Unlock()
	if c.mirror != nil {
		fmt.Fprint(c.mirror, text)
	}
	if c.onChunk != nil {
		c.onChunk(text)
	}
}

func (c *collector) result() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.text.String()
}

// New builds a runtime for the configured agent. No process is spawned
// until EnsureSession or the first prompt.
func New(cfg *config.Config, profile *agent.Profile) *Runtime {
	return &Runtime{
		cfg:     cfg,
		profile: profile,
		log:     logger.Component("runtime"),
	}
}

// SessionUpdate implements acp.Handler. Updates for anything but the
// session the active prompt runs against are dropped; a replaced session
// must not leak text into the next prompt's buffer.
func (r *Runtime) SessionUpdate(params acp.SessionUpdateParams) {
	r.activeMu.Lock()
	c := r.active
	r.activeMu.Unlock()
	if c == nil {
		return
	}
	if params.SessionID != c.sessionID {
		r.log.Debug().Str("session_id", params.SessionID).Msg("dropping update for stale session")
		return
	}
	c.touch()
	if params.Update.SessionUpdate == acp.UpdateAgentMessageChunk &&
		params.Update.Content != nil && params.Update.Content.Type == "text" {
		c.append(params.Update.Content.Text)
	}
}

// RequestPermission implements acp.Handler, answering per the configured
// strategy without user interaction.
func (r *Runtime) RequestPermission(params acp.RequestPermissionParams) acp.RequestPermissionResult {
	r.activeMu.Lock()
	if r.active != nil {
		r.active.touch()
	}
	r.activeMu.Unlock()

	strategy := r.cfg.Runtime.PermissionStrategy
	var wanted []string
	switch strategy {
	case "reject":
		wanted = []string{"reject_once", "reject_always"}
	case "allow_always":
		wanted = []string{"allow_always", "allow_once"}
	default:
		wanted = []string{"allow_once", "allow_always"}
	}

	for _, kind := range wanted {
		for _, opt := range params.Options {
			if opt.Kind == kind {
				r.log.Debug().Str("option", opt.OptionID).Str("strategy", strategy).Msg("answering permission request")
				return acp.RequestPermissionResult{
					Outcome: acp.PermissionOutcome{Outcome: "selected", OptionID: opt.OptionID},
				}
			}
		}
	}
	if len(params.Options) > 0 {
		return acp.RequestPermissionResult{
			Outcome: acp.PermissionOutcome{Outcome: "selected", OptionID: params.Options[0].OptionID},
		}
	}
	return acp.RequestPermissionResult{Outcome: acp.PermissionOutcome{Outcome: "cancelled"}}
}

// EnsureSession returns the warm session, creating it if needed. Concurrent
// callers share one initialization.
func (r *Runtime) EnsureSession(ctx context.Context) (*session, error) {
	for {
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return nil, ErrClosed
		}
		if r.sess != nil {
			s := r.sess
			r.mu.Unlock()
			return s, nil
		}
		if done := r.initDone; done != nil {
			r.mu.Unlock()
			select {
			case <-done:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			// Share the in-flight init's outcome rather than spawning a
			// second agent on failure.
			r.mu.Lock()
			s, err := r.sess, r.initErr
			r.mu.Unlock()
			if s != nil {
				return s, nil
			}
			if err != nil {
				return nil, err
			}
			continue
		}
		done := make(chan struct{})
		r.initDone = done
		r.mu.Unlock()

		s, err := r.initSession(ctx)

		r.mu.Lock()
		r.initDone = nil
		r.initErr = err
		if err == nil {
			r.sess = s
		}
		r.mu.Unlock()
		close(done)

		return s, err
	}
}

// initSession spawns the agent, performs the ACP handshake, and creates a
// session.
func (r *Runtime) initSession(ctx context.Context) (*session, error) {
	args := r.profile.ACPArgs(r.cfg.Agent)
	proc, err := spawn(r.profile.Command, args, r.cfg.Runtime.WorkDir, r.cfg.Runtime.StderrTailMaxChars, r.onStderrActivity)
	if err != nil {
		return nil, err
	}

	conn := acp.NewConn(proc.stdin, proc.stdout, r)

	fail := func(err error) error {
		conn.Close()
		proc.terminate(r.cfg.Runtime.KillGrace())
		if tail := proc.stderrTail(); tail != "" {
			return fmt.Errorf("%w (stderr: %s)", err, tail)
		}
		return err
	}

	initCtx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()

	info, err := conn.Initialize(initCtx)
	if err != nil {
		return nil, fail(fmt.Errorf("initialize: %w", err))
	}

	created, err := conn.NewSession(initCtx, r.cfg.Runtime.WorkDir, agent.WireMCPServers(r.cfg.Agent.MCPServers))
	if err != nil {
		return nil, fail(fmt.Errorf("session/new: %w", err))
	}

	s := &session{proc: proc, conn: conn, id: created.SessionID}
	go r.watchSession(s)

	r.log.Info().
		Str("agent", info.AgentInfo.Name).
		Str("version", info.AgentInfo.Version).
		Str("session_id", created.SessionID).
		Msg("agent session ready")
	return s, nil
}

// watchSession clears the cached session when its stream dies so the next
// prompt respawns.
func (r *Runtime) watchSession(s *session) {
	<-s.conn.Done()

	r.mu.Lock()
	crashed := r.sess == s && !r.closed
	if crashed {
		r.sess = nil
	}
	r.mu.Unlock()

	if crashed {
		evt := r.log.Warn()
		if err := waitBriefly(s.proc); err != nil {
			evt = evt.AnErr("exit", err)
		}
		if tail := s.proc.stderrTail(); tail != "" {
			evt = evt.Str("stderr_tail", tail)
		}
		evt.Msg("agent stream ended, session dropped")
		s.proc.terminate(r.cfg.Runtime.KillGrace())
	}
}

func waitBriefly(p *process) error {
	select {
	case <-p.exited:
		return p.waitErr()
	case <-time.After(2 * time.Second):
		return nil
	}
}

// onStderrActivity counts stderr output as liveness for the watchdog.
func (r *Runtime) onStderrActivity() {
	r.activeMu.Lock()
	c := r.active
	r.activeMu.Unlock()
	if c != nil {
		c.touch()
	}
}

// SchedulePrewarm starts the session in the background with bounded
// retries, so the first user prompt does not pay the spawn cost.
func (r *Runtime) SchedulePrewarm(ctx context.Context) {
	go func() {
		retries := 0
		for {
			if ctx.Err() != nil {
				return
			}
			_, err := r.EnsureSession(ctx)
			if err == nil {
				return
			}
			if errors.Is(err, ErrClosed) {
				return
			}
			retries++
			if retries >= r.cfg.Runtime.PrewarmMaxRetries {
				r.log.Error().Err(err).Int("attempts", retries).Msg("prewarm exhausted, will spawn on first prompt")
				return
			}
			r.log.Warn().Err(err).Int("attempt", retries).Msg("prewarm failed, retrying")
			select {
			case <-time.After(r.cfg.Runtime.PrewarmRetry()):
			case <-ctx.Done():
				return
			}
		}
	}()
}

// RunPrompt sends one prompt and streams text chunks through onChunk while
// the turn runs. It returns the full accumulated text. Prompts are strictly
// serialized.
func (r *Runtime) RunPrompt(ctx context.Context, text string, onChunk func(string)) (string, error) {
	r.promptMu.Lock()
	defer r.promptMu.Unlock()

	s, err := r.EnsureSession(ctx)
	if err != nil {
		return "", err
	}

	c := &collector{sessionID: s.id, onChunk: onChunk, activity: make(chan struct{}, 1)}
	if r.cfg.Runtime.StreamStdout {
		c.mirror = os.Stdout
	}
	r.activeMu.Lock()
	r.active = c
	r.manualAbort = false
	r.activeMu.Unlock()
	defer func() {
		r.activeMu.Lock()
		r.active = nil
		r.activeMu.Unlock()
	}()

	promptCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	settled := make(chan struct{})
	defer close(settled)

	// Deadlines cancel the turn over ACP so the agent settles the prompt
	// with a cancelled stopReason and the session stays warm. Only an agent
	// that ignores the cancel for the grace period gets its call failed.
	var stopMu sync.Mutex
	var stopCause string
	requestStop := func(cause string) {
		stopMu.Lock()
		if stopCause != "" {
			stopMu.Unlock()
			return
		}
		stopCause = cause
		stopMu.Unlock()

		r.log.Warn().Str("cause", cause).Msg("prompt deadline reached, cancelling turn")
		if err := s.conn.Cancel(s.id); err != nil {
			cancel()
			return
		}
		go func() {
			select {
			case <-settled:
			case <-time.After(r.cfg.Runtime.KillGrace()):
				cancel()
			}
		}()
	}

	// Inactivity watchdog. Any session update or stderr line resets it.
	watchdogDone := make(chan struct{})
	defer close(watchdogDone)
	go func() {
		overall := time.NewTimer(r.cfg.Runtime.PromptTimeout())
		defer overall.Stop()
		idle := time.NewTimer(r.cfg.Runtime.NoOutputTimeout())
		defer idle.Stop()
		for {
			select {
			case <-c.activity:
				if !idle.Stop() {
					<-idle.C
				}
				idle.Reset(r.cfg.Runtime.NoOutputTimeout())
			case <-idle.C:
				requestStop(stopNoOutput)
				return
			case <-overall.C:
				requestStop(stopDeadline)
				return
			case <-watchdogDone:
				return
			}
		}
	}()

	result, err := s.conn.Prompt(promptCtx, s.id, text)
	collected := c.result()

	stopMu.Lock()
	cause := stopCause
	stopMu.Unlock()

	if err != nil {
		// The call only fails outright when the agent never answered the
		// cancel, or the stream died.
		switch cause {
		case stopNoOutput:
			r.restart(s)
			return collected, fmt.Errorf("%w: %s", ErrNoOutput, describeProc(s.proc))
		case stopDeadline:
			r.restart(s)
			return collected, fmt.Errorf("prompt timed out after %s: %s", r.cfg.Runtime.PromptTimeout(), describeProc(s.proc))
		}
		if errors.Is(err, acp.ErrConnClosed) {
			return collected, fmt.Errorf("agent exited during prompt: %s", describeProc(s.proc))
		}
		var acpErr *acp.Error
		if errors.As(err, &acpErr) && acpErr.Message == "Internal error" {
			return collected, fmt.Errorf("agent internal error (often a misconfigured MCP server; check agent logs): %w", err)
		}
		return collected, err
	}

	switch result.StopReason {
	case acp.StopReasonCancelled:
		switch cause {
		case stopNoOutput:
			return collected, fmt.Errorf("%w: %s", ErrNoOutput, describeProc(s.proc))
		case stopDeadline:
			return collected, fmt.Errorf("prompt timed out after %s: %s", r.cfg.Runtime.PromptTimeout(), describeProc(s.proc))
		}
		r.activeMu.Lock()
		aborted := r.manualAbort
		r.activeMu.Unlock()
		if aborted {
			return collected, ErrAborted
		}
		// A cancelled turn that already streamed text still carries the
		// answer; only an empty cancellation is an error.
		if strings.TrimSpace(collected) != "" {
			return collected, nil
		}
		return collected, ErrCancelled
	default:
		if strings.TrimSpace(collected) == "" {
			return NoResponseText, nil
		}
		return collected, nil
	}
}

// Causes a deadline can cancel a turn for.
const (
	stopNoOutput = "no_output"
	stopDeadline = "deadline"
)

func describeProc(p *process) string {
	if tail := p.stderrTail(); tail != "" {
		return "stderr tail: " + tail
	}
	return "no stderr output"
}

// restart tears the current session down so the next prompt spawns fresh.
func (r *Runtime) restart(s *session) {
	r.mu.Lock()
	if r.sess == s {
		r.sess = nil
	}
	r.mu.Unlock()

	s.conn.Close()
	s.proc.terminate(r.cfg.Runtime.KillGrace())
	r.log.Warn().Msg("agent session torn down for restart")
}

// CancelActivePrompt asks the agent to stop the current turn. The in-flight
// prompt settles through its stopReason.
func (r *Runtime) CancelActivePrompt() error {
	r.mu.Lock()
	s := r.sess
	r.mu.Unlock()
	if s == nil {
		return nil
	}
	return s.conn.Cancel(s.id)
}

// RequestManualAbort records a user-initiated stop and cancels the turn.
// The latch lets the settling prompt distinguish abort from other
// cancellations.
func (r *Runtime) RequestManualAbort() error {
	r.activeMu.Lock()
	hasActive := r.active != nil
	if hasActive {
		r.manualAbort = true
	}
	r.activeMu.Unlock()
	if !hasActive {
		return nil
	}
	return r.CancelActivePrompt()
}

// Busy reports whether a prompt is currently in flight.
func (r *Runtime) Busy() bool {
	r.activeMu.Lock()
	defer r.activeMu.Unlock()
	return r.active != nil
}

// Shutdown terminates the agent gracefully. The runtime is unusable after.
func (r *Runtime) Shutdown() {
	r.mu.Lock()
	r.closed = true
	s := r.sess
	r.sess = nil
	r.mu.Unlock()

	if s != nil {
		s.conn.Close()
		s.proc.terminate(r.cfg.Runtime.KillGrace())
	}
}
