package runtime

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HainanZhao/clawless/internal/acp"
	"github.com/HainanZhao/clawless/internal/config"
)

func testConfig() *config.Config {
	return &config.Config{
		Runtime: config.RuntimeConfig{
			PromptTimeoutMs:    5_000,
			NoOutputTimeoutMs:  2_000,
			KillGraceMs:        100,
			PermissionStrategy: "allow_once",
			StderrTailMaxChars: 4_000,
			WorkDir:            "/tmp",
		},
	}
}

// scriptedAgent answers JSON-RPC frames on pipes, playing the agent role
// without a real child process.
type scriptedAgent struct {
	t      *testing.T
	in     *bufio.Scanner
	out    *io.PipeWriter
	outMu  sync.Mutex
	cancel chan string // receives sessionId of session/cancel notifications
}

func newScriptedRuntime(t *testing.T, cfg *config.Config) (*Runtime, *scriptedAgent) {
	t.Helper()
	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()

	r := New(cfg, nil)
	conn := acp.NewConn(stdinW, stdoutR, r)
	proc := &process{exited: make(chan struct{}), tailMax: cfg.Runtime.StderrTailMaxChars}
	r.sess = &session{proc: proc, conn: conn, id: "sess-test"}

	t.Cleanup(func() {
		conn.Close()
		stdoutW.Close()
		stdinR.Close()
	})
	return r, &scriptedAgent{
		t:      t,
		in:     bufio.NewScanner(stdinR),
		out:    stdoutW,
		cancel: make(chan string, 1),
	}
}

func (a *scriptedAgent) send(obj any) {
	data, err := json.Marshal(obj)
	require.NoError(a.t, err)
	a.outMu.Lock()
	defer a.outMu.Unlock()
	_, err = a.out.Write(append(data, '\n'))
	require.NoError(a.t, err)
}

func (a *scriptedAgent) sendChunk(sessionID, text string) {
	a.send(map[string]any{
		"jsonrpc": "2.0",
		"method":  acp.MethodSessionUpdate,
		"params": acp.SessionUpdateParams{
			SessionID: sessionID,
			Update: acp.SessionUpdate{
				SessionUpdate: acp.UpdateAgentMessageChunk,
				Content:       &acp.ContentBlock{Type: "text", Text: text},
			},
		},
	})
}

// waitPrompt blocks until a session/prompt request arrives, consuming and
// signalling cancel notifications along the way.
func (a *scriptedAgent) waitPrompt() (id int64, sessionID string) {
	for a.in.Scan() {
		var f struct {
			ID     *int64          `json:"id"`
			Method string          `json:"method"`
			Params json.RawMessage `json:"params"`
		}
		require.NoError(a.t, json.Unmarshal(a.in.Bytes(), &f))
		switch f.Method {
		case acp.MethodSessionPrompt:
			var params acp.PromptParams
			require.NoError(a.t, json.Unmarshal(f.Params, &params))
			return *f.ID, params.SessionID
		case acp.MethodSessionCancel:
			var params acp.CancelParams
			require.NoError(a.t, json.Unmarshal(f.Params, &params))
			a.cancel <- params.SessionID
		}
	}
	a.t.Fatal("agent stream closed before session/prompt")
	return 0, ""
}

func (a *scriptedAgent) settle(id int64, stopReason string) {
	result, err := json.Marshal(acp.PromptResult{StopReason: stopReason})
	require.NoError(a.t, err)
	a.send(acp.Response{JSONRPC: "2.0", ID: &id, Result: result})
}

func TestRunPromptStreamsAndCollects(t *testing.T) {
	r, agent := newScriptedRuntime(t, testConfig())

	go func() {
		id, sid := agent.waitPrompt()
		agent.sendChunk(sid, "Hello, ")
		agent.sendChunk(sid, "world.")
		time.Sleep(20 * time.Millisecond)
		agent.settle(id, acp.StopReasonEndTurn)
	}()

	var mu sync.Mutex
	var chunks []string
	got, err := r.RunPrompt(context.Background(), "greet me", func(text string) {
		mu.Lock()
		chunks = append(chunks, text)
		mu.Unlock()
	})
	require.NoError(t, err)
	assert.Equal(t, "Hello, world.", got)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"Hello, ", "world."}, chunks)
}

func TestRunPromptNoResponse(t *testing.T) {
	r, agent := newScriptedRuntime(t, testConfig())

	go func() {
		id, _ := agent.waitPrompt()
		agent.settle(id, acp.StopReasonEndTurn)
	}()

	got, err := r.RunPrompt(context.Background(), "anything", nil)
	require.NoError(t, err)
	assert.Equal(t, NoResponseText, got)
}

func TestRunPromptManualAbort(t *testing.T) {
	r, agent := newScriptedRuntime(t, testConfig())

	promptID := make(chan int64, 1)
	go func() {
		id, sid := agent.waitPrompt()
		agent.sendChunk(sid, "working on it")
		promptID <- id
	}()

	errs := make(chan error, 1)
	go func() {
		_, err := r.RunPrompt(context.Background(), "long task", nil)
		errs <- err
	}()

	id := <-promptID
	require.Eventually(t, r.Busy, time.Second, 10*time.Millisecond)

	// The cancel notification reaches the agent, which settles cancelled.
	// Listen before aborting: the pipe write blocks until read.
	go func() {
		for agent.in.Scan() {
			var f struct {
				Method string          `json:"method"`
				Params json.RawMessage `json:"params"`
			}
			if json.Unmarshal(agent.in.Bytes(), &f) == nil && f.Method == acp.MethodSessionCancel {
				agent.settle(id, acp.StopReasonCancelled)
				return
			}
		}
	}()
	require.NoError(t, r.RequestManualAbort())

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, ErrAborted)
	case <-time.After(2 * time.Second):
		t.Fatal("prompt did not settle after abort")
	}
}

func TestRunPromptCancelledWithPartialOutputResolves(t *testing.T) {
	r, agent := newScriptedRuntime(t, testConfig())

	go func() {
		id, sid := agent.waitPrompt()
		agent.sendChunk(sid, "partial answer")
		time.Sleep(20 * time.Millisecond)
		agent.settle(id, acp.StopReasonCancelled)
	}()

	got, err := r.RunPrompt(context.Background(), "task", nil)
	require.NoError(t, err)
	assert.Equal(t, "partial answer", got)
}

func TestSessionUpdateDropsOtherSessions(t *testing.T) {
	r, agent := newScriptedRuntime(t, testConfig())

	go func() {
		id, sid := agent.waitPrompt()
		agent.sendChunk("some-other-session", "stale ")
		agent.sendChunk(sid, "current")
		time.Sleep(20 * time.Millisecond)
		agent.settle(id, acp.StopReasonEndTurn)
	}()

	got, err := r.RunPrompt(context.Background(), "task", nil)
	require.NoError(t, err)
	assert.Equal(t, "current", got)
}

func TestRunPromptNoOutputCancelsTurnKeepsSession(t *testing.T) {
	cfg := testConfig()
	cfg.Runtime.NoOutputTimeoutMs = 100
	cfg.Runtime.KillGraceMs = 2_000
	r, agent := newScriptedRuntime(t, cfg)

	go func() {
		id, _ := agent.waitPrompt()
		// The watchdog cancels over ACP; settle the turn in response.
		for agent.in.Scan() {
			var f struct {
				Method string `json:"method"`
			}
			if json.Unmarshal(agent.in.Bytes(), &f) == nil && f.Method == acp.MethodSessionCancel {
				agent.settle(id, acp.StopReasonCancelled)
				return
			}
		}
	}()

	_, err := r.RunPrompt(context.Background(), "task", nil)
	assert.ErrorIs(t, err, ErrNoOutput)

	r.mu.Lock()
	kept := r.sess != nil
	r.mu.Unlock()
	assert.True(t, kept, "session should stay warm after a timed-out turn")
}

func TestRunPromptCancelledWithoutAbort(t *testing.T) {
	r, agent := newScriptedRuntime(t, testConfig())

	go func() {
		id, _ := agent.waitPrompt()
		agent.settle(id, acp.StopReasonCancelled)
	}()

	_, err := r.RunPrompt(context.Background(), "task", nil)
	assert.ErrorIs(t, err, ErrCancelled)
	assert.NotErrorIs(t, err, ErrAborted)
}

func TestRunPromptInternalErrorHint(t *testing.T) {
	r, agent := newScriptedRuntime(t, testConfig())

	go func() {
		id, _ := agent.waitPrompt()
		agent.send(acp.Response{
			JSONRPC: "2.0", ID: &id,
			Error: &acp.Error{Code: -32603, Message: "Internal error"},
		})
	}()

	_, err := r.RunPrompt(context.Background(), "task", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MCP server")
}

func TestPermissionStrategies(t *testing.T) {
	options := []acp.PermissionOption{
		{OptionID: "o-reject", Kind: "reject_once"},
		{OptionID: "o-once", Kind: "allow_once"},
		{OptionID: "o-always", Kind: "allow_always"},
	}

	cases := []struct {
		strategy string
		want     string
	}{
		{"allow_once", "o-once"},
		{"allow_always", "o-always"},
		{"reject", "o-reject"},
		{"", "o-once"},
	}
	for _, tc := range cases {
		t.Run(tc.strategy, func(t *testing.T) {
			cfg := testConfig()
			cfg.Runtime.PermissionStrategy = tc.strategy
			r := New(cfg, nil)
			result := r.RequestPermission(acp.RequestPermissionParams{Options: options})
			assert.Equal(t, "selected", result.Outcome.Outcome)
			assert.Equal(t, tc.want, result.Outcome.OptionID)
		})
	}
}

func TestPermissionNoOptions(t *testing.T) {
	r := New(testConfig(), nil)
	result := r.RequestPermission(acp.RequestPermissionParams{})
	assert.Equal(t, "cancelled", result.Outcome.Outcome)
}

func TestPermissionFallbackFirstOption(t *testing.T) {
	r := New(testConfig(), nil)
	result := r.RequestPermission(acp.RequestPermissionParams{
		Options: []acp.PermissionOption{{OptionID: "only", Kind: "exotic"}},
	})
	assert.Equal(t, "only", result.Outcome.OptionID)
}

func TestSessionUpdateIgnoredWithoutActivePrompt(t *testing.T) {
	r := New(testConfig(), nil)
	// Must not panic with no collector registered.
	r.SessionUpdate(acp.SessionUpdateParams{
		SessionID: "s",
		Update:    acp.SessionUpdate{SessionUpdate: acp.UpdateAgentMessageChunk, Content: &acp.ContentBlock{Type: "text", Text: "x"}},
	})
}

func TestManualAbortWithoutActivePrompt(t *testing.T) {
	r := New(testConfig(), nil)
	assert.NoError(t, r.RequestManualAbort())
	assert.False(t, r.Busy())
}

func TestEnsureSessionWaiterSharesFailure(t *testing.T) {
	r := New(testConfig(), nil)

	done := make(chan struct{})
	r.mu.Lock()
	r.initDone = done
	r.mu.Unlock()

	errs := make(chan error, 1)
	go func() {
		_, err := r.EnsureSession(context.Background())
		errs <- err
	}()

	time.Sleep(20 * time.Millisecond)
	spawnErr := errors.New("agent spawn failed")
	r.mu.Lock()
	r.initDone = nil
	r.initErr = spawnErr
	r.mu.Unlock()
	close(done)

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, spawnErr)
	case <-time.After(time.Second):
		t.Fatal("waiter did not observe the failed init")
	}
}

func TestCollectorMirrorsChunks(t *testing.T) {
	var buf bytes.Buffer
	c := &collector{mirror: &buf}
	c.append("line one ")
	c.append("line two")
	assert.Equal(t, "line one line two", buf.String())
	assert.Equal(t, "line one line two", c.result())
}
