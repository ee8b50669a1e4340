// Package agent describes the CLI coding agents the bridge can drive and
// how to invoke them, both in ACP mode and in one-shot prompt mode.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/HainanZhao/clawless/internal/config"
)

// Profile describes one supported agent binary.
type Profile struct {
	// Name is the profile key (gemini, opencode, claude).
	Name string
	// Command is the executable. Overridable via config.
	Command string
	// DisplayName is used in user-facing status messages.
	DisplayName string

	acpArgs func(cfg config.AgentConfig) []string
	oneShot func(cfg config.AgentConfig, prompt string) []string
}

// builtin profiles, keyed by name.
var builtins = map[string]*Profile{
	"gemini": {
		Name:        "gemini",
		Command:     "gemini",
		DisplayName: "Gemini CLI",
		acpArgs: func(cfg config.AgentConfig) []string {
			args := []string{"--experimental-acp"}
			if cfg.Model != "" {
				args = append(args, "-m", cfg.Model)
			}
			if cfg.ApprovalMode != "" {
				args = append(args, "--approval-mode", cfg.ApprovalMode)
			}
			for _, dir := range cfg.IncludeDirectories {
				args = append(args, "--include-directories", dir)
			}
			return args
		},
		oneShot: func(cfg config.AgentConfig, prompt string) []string {
			args := []string{}
			if cfg.Model != "" {
				args = append(args, "-m", cfg.Model)
			}
			return append(args, "-p", prompt)
		},
	},
	"opencode": {
		Name:        "opencode",
		Command:     "opencode",
		DisplayName: "OpenCode",
		acpArgs: func(cfg config.AgentConfig) []string {
			args := []string{"acp"}
			if cfg.Model != "" {
				args = append(args, "--model", cfg.Model)
			}
			if len(cfg.MCPServers) > 0 {
				if blob, err := json.Marshal(mcpServersJSON(cfg.MCPServers)); err == nil {
					args = append(args, "--mcp-servers", string(blob))
				}
			}
			return args
		},
		oneShot: func(cfg config.AgentConfig, prompt string) []string {
			args := []string{"run"}
			if cfg.Model != "" {
				args = append(args, "--model", cfg.Model)
			}
			return append(args, prompt)
		},
	},
	"claude": {
		Name:        "claude",
		Command:     "claude-code-acp",
		DisplayName: "Claude Code",
		acpArgs: func(cfg config.AgentConfig) []string {
			args := []string{}
			if cfg.PermissionMode != "" {
				args = append(args, "--permission-mode", cfg.PermissionMode)
			}
			return args
		},
		oneShot: func(cfg config.AgentConfig, prompt string) []string {
			args := []string{}
			if cfg.Model != "" {
				args = append(args, "--model", cfg.Model)
			}
			if cfg.PermissionMode != "" {
				args = append(args, "--permission-mode", cfg.PermissionMode)
			}
			return append(args, "-p", prompt)
		},
	},
}

// Resolve maps the agent config to a concrete profile. An unknown name with
// an explicit command yields a generic profile that assumes gemini-style
// flags.
func Resolve(cfg config.AgentConfig) (*Profile, error) {
	if p, ok := builtins[cfg.Name]; ok {
		resolved := *p
		if cfg.Command != "" {
			resolved.Command = cfg.Command
		}
		return &resolved, nil
	}
	if cfg.Command != "" {
		generic := *builtins["gemini"]
		generic.Name = cfg.Name
		generic.Command = cfg.Command
		generic.DisplayName = cfg.Name
		return &generic, nil
	}
	return nil, fmt.Errorf("agent: unknown profile %q (known: %s)", cfg.Name, strings.Join(knownProfiles(), ", "))
}

func knownProfiles() []string {
	return []string{"gemini", "opencode", "claude"}
}

// ACPArgs returns the argv (after the command) that starts the agent in
// ACP stdio mode.
func (p *Profile) ACPArgs(cfg config.AgentConfig) []string {
	return p.acpArgs(cfg)
}

// OneShotArgs returns the argv for a single non-interactive prompt run.
func (p *Profile) OneShotArgs(cfg config.AgentConfig, prompt string) []string {
	return p.oneShot(cfg, prompt)
}

// Validate checks that the agent binary exists and responds to --version.
// Failure here is fatal at startup; a missing agent cannot serve anything.
func (p *Profile) Validate(ctx context.Context) error {
	path, err := exec.LookPath(p.Command)
	if err != nil {
		return fmt.Errorf("agent %s: executable %q not found in PATH: %w", p.Name, p.Command, err)
	}

	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, path, "--version")
	if out, err := cmd.CombinedOutput(); err != nil {
		tail := strings.TrimSpace(string(out))
		if len(tail) > 200 {
			tail = tail[len(tail)-200:]
		}
		return fmt.Errorf("agent %s: %q --version failed: %w (%s)", p.Name, p.Command, err, tail)
	}
	return nil
}

// mcpServersJSON converts config MCP servers into the generic shape agents
// accept on the command line.
func mcpServersJSON(servers []config.MCPServerConfig) map[string]any {
	out := make(map[string]any, len(servers))
	for _, s := range servers {
		entry := map[string]any{}
		if s.Command != "" {
			entry["command"] = s.Command
			if len(s.Args) > 0 {
				entry["args"] = s.Args
			}
			if len(s.Env) > 0 {
				entry["env"] = s.Env
			}
		} else if s.URL != "" {
			entry["type"] = s.Type
			entry["url"] = s.URL
			if len(s.Headers) > 0 {
				entry["headers"] = s.Headers
			}
		}
		out[s.Name] = entry
	}
	return out
}
