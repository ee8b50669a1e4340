package runtime

import (
	"bufio"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/HainanZhao/clawless/pkg/logger"
)

// process wraps one spawned agent with its stdio pipes, a bounded stderr
// tail for diagnostics, and graceful termination.
type process struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser

	tailMax int
	tailMu  sync.Mutex
	tail    string

	// onStderr fires on every stderr line; stderr counts as liveness.
	onStderr func()

	exited chan struct{}
	waitMu sync.Mutex
	werr   error

	log zerolog.Logger
}

// spawn starts the agent in ACP stdio mode.
func spawn(command string, args []string, workDir string, tailMax int, onStderr func()) (*process, error) {
	cmd := exec.Command(command, args...)
	cmd.Dir = workDir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", command, err)
	}

	p := &process{
		cmd:      cmd,
		stdin:    stdin,
		stdout:   stdout,
		tailMax:  tailMax,
		onStderr: onStderr,
		exited:   make(chan struct{}),
		log:      logger.Component("runtime"),
	}

	go p.drainStderr(stderr, command)
	go func() {
		err := cmd.Wait()
		p.waitMu.Lock()
		p.werr = err
		p.waitMu.Unlock()
		close(p.exited)
	}()

	p.log.Info().Str("command", command).Strs("args", args).Int("pid", cmd.Process.Pid).Msg("agent started")
	return p, nil
}

// drainStderr mirrors stderr lines into the log and keeps a bounded tail.
func (p *process) drainStderr(stderr io.Reader, tag string) {
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		p.appendTail(line)
		p.log.Info().Str("agent", tag).Msg(line)
		if p.onStderr != nil {
			p.onStderr()
		}
	}
}

func (p *process) appendTail(line string) {
	p.tailMu.Lock()
	defer p.tailMu.Unlock()
	if p.tail != "" {
		p.tail += "\n"
	}
	p.tail += line
	if len(p.tail) > p.tailMax {
		p.tail = p.tail[len(p.tail)-p.tailMax:]
	}
}

// stderrTail returns the retained trailing stderr output.
func (p *process) stderrTail() string {
	p.tailMu.Lock()
	defer p.tailMu.Unlock()
	return p.tail
}

// alive reports whether the process has not yet exited.
func (p *process) alive() bool {
	select {
	case <-p.exited:
		return false
	default:
		return true
	}
}

// waitErr returns the exit error once the process has exited.
func (p *process) waitErr() error {
	p.waitMu.Lock()
	defer p.waitMu.Unlock()
	return p.werr
}

// terminate asks the agent to exit with SIGTERM and escalates to SIGKILL
// after the grace period.
func (p *process) terminate(grace time.Duration) {
	if !p.alive() {
		return
	}

	p.stdin.Close()
	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		p.log.Debug().Err(err).Msg("SIGTERM failed, killing")
		_ = p.cmd.Process.Kill()
		return
	}

	select {
	case <-p.exited:
		p.log.Info().Int("pid", p.cmd.Process.Pid).Msg("agent exited after SIGTERM")
	case <-time.After(grace):
		p.log.Warn().Int("pid", p.cmd.Process.Pid).Msg("agent ignored SIGTERM, sending SIGKILL")
		_ = p.cmd.Process.Kill()
		<-p.exited
	}
}
