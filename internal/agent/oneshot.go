package agent

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/HainanZhao/clawless/internal/acp"
	"github.com/HainanZhao/clawless/internal/config"
	"github.com/HainanZhao/clawless/pkg/logger"
)

// RunOneShot runs the agent once with a single prompt and returns its stdout.
// Scheduled jobs and the CLI's ask command use this path; interactive chat
// drives the agent over ACP instead.
func RunOneShot(ctx context.Context, p *Profile, cfg config.AgentConfig, workDir, prompt string) (string, error) {
	log := logger.Component("agent")

	args := p.OneShotArgs(cfg, prompt)
	cmd := exec.CommandContext(ctx, p.Command, args...)
	cmd.Dir = workDir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	log.Debug().Str("agent", p.Name).Int("prompt_len", len(prompt)).Msg("running one-shot prompt")

	if err := cmd.Run(); err != nil {
		tail := strings.TrimSpace(stderr.String())
		if len(tail) > 500 {
			tail = tail[len(tail)-500:]
		}
		if tail != "" {
			return "", fmt.Errorf("agent %s exited: %w: %s", p.Name, err, tail)
		}
		return "", fmt.Errorf("agent %s exited: %w", p.Name, err)
	}
	return strings.TrimSpace(stdout.String()), nil
}

// WireMCPServers converts configured MCP servers to their wire form for
// session/new passthrough.
func WireMCPServers(servers []config.MCPServerConfig) []acp.MCPServer {
	out := make([]acp.MCPServer, 0, len(servers))
	for _, s := range servers {
		ws := acp.MCPServer{Name: s.Name}
		if s.Command != "" {
			ws.Command = s.Command
			ws.Args = s.Args
			for name, value := range s.Env {
				ws.Env = append(ws.Env, acp.EnvVar{Name: name, Value: value})
			}
		} else {
			ws.Type = s.Type
			ws.URL = s.URL
			for name, value := range s.Headers {
				ws.Headers = append(ws.Headers, acp.EnvVar{Name: name, Value: value})
			}
		}
		out = append(out, ws)
	}
	return out
}
