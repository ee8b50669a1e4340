package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "gemini", cfg.Agent.Name)
	assert.Equal(t, 20*time.Minute, cfg.Runtime.PromptTimeout())
	assert.Equal(t, 5*time.Minute, cfg.Runtime.NoOutputTimeout())
	assert.Equal(t, 10*time.Second, cfg.Runtime.KillGrace())
	assert.Equal(t, 10, cfg.Runtime.PrewarmMaxRetries)
	assert.Equal(t, 4000, cfg.Runtime.StderrTailMaxChars)
	assert.Equal(t, 5*time.Second, cfg.Stream.UpdateInterval())
	assert.Equal(t, "localhost:8788", cfg.Callback.Addr())
	assert.Equal(t, int64(65536), cfg.Callback.MaxBodyBytes)
	assert.NotEmpty(t, cfg.Home)
	assert.Equal(t, filepath.Join(cfg.Home, "schedules.json"), cfg.Scheduler.Path)
	assert.Equal(t, filepath.Join(cfg.Home, "callback-chat-state.json"), cfg.BoundChatPath())
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
agent:
  name: opencode
  model: some-model
runtime:
  prompt_timeout_ms: 60000
callback:
  port: 9000
channels:
  platform: console
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "opencode", cfg.Agent.Name)
	assert.Equal(t, "some-model", cfg.Agent.Model)
	assert.Equal(t, time.Minute, cfg.Runtime.PromptTimeout())
	assert.Equal(t, 9000, cfg.Callback.Port)
	require.NoError(t, cfg.Validate())
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("ACP_TIMEOUT_MS", "120000")
	t.Setenv("CALLBACK_AUTH_TOKEN", "secret")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 2*time.Minute, cfg.Runtime.PromptTimeout())
	assert.Equal(t, "secret", cfg.Callback.AuthToken)
}

func TestValidate(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	cfg.Channels.Platform = "telegram"
	cfg.Channels.Telegram.Token = ""
	assert.Error(t, cfg.Validate())

	cfg.Channels.Telegram.Token = "123:abc"
	assert.NoError(t, cfg.Validate())

	cfg.Agent.Name = ""
	cfg.Agent.Command = ""
	assert.ErrorIs(t, cfg.Validate(), ErrMissingAgent)

	cfg.Agent.Name = "gemini"
	cfg.Callback.Port = -1
	assert.Error(t, cfg.Validate())

	cfg.Callback.Port = 8788
	cfg.Channels.Platform = "minitel"
	assert.Error(t, cfg.Validate())
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	got, err := ExpandPath("~/x/y")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "x", "y"), got)

	got, err = ExpandPath("/abs/path")
	require.NoError(t, err)
	assert.Equal(t, "/abs/path", got)

	got, err = ExpandPath("")
	require.NoError(t, err)
	assert.Equal(t, "", got)
}
