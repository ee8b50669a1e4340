package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HainanZhao/clawless/internal/config"
)

func TestResolveBuiltin(t *testing.T) {
	p, err := Resolve(config.AgentConfig{Name: "gemini"})
	require.NoError(t, err)
	assert.Equal(t, "gemini", p.Command)

	p, err = Resolve(config.AgentConfig{Name: "claude"})
	require.NoError(t, err)
	assert.Equal(t, "claude-code-acp", p.Command)
}

func TestResolveCommandOverride(t *testing.T) {
	p, err := Resolve(config.AgentConfig{Name: "gemini", Command: "/opt/bin/gemini-nightly"})
	require.NoError(t, err)
	assert.Equal(t, "/opt/bin/gemini-nightly", p.Command)

	// The builtin table must not be mutated by the override.
	orig, err := Resolve(config.AgentConfig{Name: "gemini"})
	require.NoError(t, err)
	assert.Equal(t, "gemini", orig.Command)
}

func TestResolveGenericFromCommand(t *testing.T) {
	p, err := Resolve(config.AgentConfig{Name: "homegrown", Command: "my-agent"})
	require.NoError(t, err)
	assert.Equal(t, "homegrown", p.Name)
	assert.Equal(t, "my-agent", p.Command)
}

func TestResolveUnknown(t *testing.T) {
	_, err := Resolve(config.AgentConfig{Name: "minitel"})
	assert.Error(t, err)
}

func TestGeminiACPArgs(t *testing.T) {
	p, err := Resolve(config.AgentConfig{Name: "gemini"})
	require.NoError(t, err)

	args := p.ACPArgs(config.AgentConfig{
		Name:               "gemini",
		Model:              "gemini-2.5-pro",
		ApprovalMode:       "yolo",
		IncludeDirectories: []string{"/srv/project"},
	})
	assert.Equal(t, []string{
		"--experimental-acp",
		"-m", "gemini-2.5-pro",
		"--approval-mode", "yolo",
		"--include-directories", "/srv/project",
	}, args)
}

func TestOpencodeACPArgs(t *testing.T) {
	p, err := Resolve(config.AgentConfig{Name: "opencode"})
	require.NoError(t, err)

	cfg := config.AgentConfig{
		Name: "opencode",
		MCPServers: []config.MCPServerConfig{
			{Name: "search", Command: "search-mcp", Args: []string{"--stdio"}},
		},
	}
	args := p.ACPArgs(cfg)
	require.GreaterOrEqual(t, len(args), 3)
	assert.Equal(t, "acp", args[0])
	assert.Equal(t, "--mcp-servers", args[1])
	assert.Contains(t, args[2], `"search"`)
	assert.Contains(t, args[2], `"search-mcp"`)
}

func TestOneShotArgs(t *testing.T) {
	p, err := Resolve(config.AgentConfig{Name: "gemini"})
	require.NoError(t, err)

	args := p.OneShotArgs(config.AgentConfig{Name: "gemini"}, "what time is it")
	assert.Equal(t, []string{"-p", "what time is it"}, args)
}

func TestWireMCPServers(t *testing.T) {
	wire := WireMCPServers([]config.MCPServerConfig{
		{Name: "tools", Command: "tools-mcp", Env: map[string]string{"KEY": "v"}},
		{Name: "remote", Type: "http", URL: "https://mcp.example.com"},
	})
	require.Len(t, wire, 2)
	assert.Equal(t, "tools-mcp", wire[0].Command)
	require.Len(t, wire[0].Env, 1)
	assert.Equal(t, "KEY", wire[0].Env[0].Name)
	assert.Equal(t, "http", wire[1].Type)
	assert.Equal(t, "https://mcp.example.com", wire[1].URL)
}
