// Package config loads and validates bridge configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/HainanZhao/clawless/pkg/logger"
)

// Config is the root configuration for the bridge.
type Config struct {
	Home      string          `mapstructure:"home"`
	Agent     AgentConfig     `mapstructure:"agent"`
	Runtime   RuntimeConfig   `mapstructure:"runtime"`
	Stream    StreamConfig    `mapstructure:"stream"`
	Callback  CallbackConfig  `mapstructure:"callback"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Channels  ChannelsConfig  `mapstructure:"channels"`
	Memory    MemoryConfig    `mapstructure:"memory"`
	Log       logger.Config   `mapstructure:"log"`
}

// AgentConfig selects and parameterizes the CLI coding agent.
type AgentConfig struct {
	// Name selects a builtin profile: gemini, opencode, claude.
	Name string `mapstructure:"name"`
	// Command overrides the profile's executable path.
	Command string `mapstructure:"command"`
	Model   string `mapstructure:"model"`
	// ApprovalMode is passed to agents that support it (e.g. gemini --approval-mode).
	ApprovalMode string `mapstructure:"approval_mode"`
	// PermissionMode is passed to claude-style agents (--permission-mode).
	PermissionMode     string            `mapstructure:"permission_mode"`
	IncludeDirectories []string          `mapstructure:"include_directories"`
	MCPServers         []MCPServerConfig `mapstructure:"mcp_servers"`
}

// MCPServerConfig describes one MCP server passed through to the agent.
// Either Command (stdio form) or URL (http/sse form) is set.
type MCPServerConfig struct {
	Name    string            `mapstructure:"name"`
	Command string            `mapstructure:"command"`
	Args    []string          `mapstructure:"args"`
	Env     map[string]string `mapstructure:"env"`
	Type    string            `mapstructure:"type"` // http or sse
	URL     string            `mapstructure:"url"`
	Headers map[string]string `mapstructure:"headers"`
}

// RuntimeConfig controls the ACP runtime.
type RuntimeConfig struct {
	PromptTimeoutMs    int    `mapstructure:"prompt_timeout_ms"`
	NoOutputTimeoutMs  int    `mapstructure:"no_output_timeout_ms"`
	KillGraceMs        int    `mapstructure:"kill_grace_ms"`
	PrewarmRetryMs     int    `mapstructure:"prewarm_retry_ms"`
	PrewarmMaxRetries  int    `mapstructure:"prewarm_max_retries"`
	PermissionStrategy string `mapstructure:"permission_strategy"`
	StreamStdout       bool   `mapstructure:"stream_stdout"`
	StderrTailMaxChars int    `mapstructure:"stderr_tail_max_chars"`
	WorkDir            string `mapstructure:"work_dir"`
}

// PromptTimeout returns the overall prompt deadline.
func (c RuntimeConfig) PromptTimeout() time.Duration {
	return time.Duration(c.PromptTimeoutMs) * time.Millisecond
}

// NoOutputTimeout returns the inactivity deadline.
func (c RuntimeConfig) NoOutputTimeout() time.Duration {
	return time.Duration(c.NoOutputTimeoutMs) * time.Millisecond
}

// KillGrace returns the SIGTERM-to-SIGKILL grace period.
func (c RuntimeConfig) KillGrace() time.Duration {
	return time.Duration(c.KillGraceMs) * time.Millisecond
}

// PrewarmRetry returns the delay between prewarm attempts.
func (c RuntimeConfig) PrewarmRetry() time.Duration {
	return time.Duration(c.PrewarmRetryMs) * time.Millisecond
}

// StreamConfig controls live-message streaming to the chat platform.
type StreamConfig struct {
	UpdateIntervalMs  int `mapstructure:"update_interval_ms"`
	MaxResponseLength int `mapstructure:"max_response_length"`
	MaxMessageLength  int `mapstructure:"max_message_length"`
	GapThresholdMs    int `mapstructure:"gap_threshold_ms"`
}

// UpdateInterval returns the live-message debounce window.
func (c StreamConfig) UpdateInterval() time.Duration {
	return time.Duration(c.UpdateIntervalMs) * time.Millisecond
}

// GapThreshold returns the inter-chunk gap that splits messages.
func (c StreamConfig) GapThreshold() time.Duration {
	return time.Duration(c.GapThresholdMs) * time.Millisecond
}

// CallbackConfig controls the HTTP callback/schedule API listener.
type CallbackConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	AuthToken    string `mapstructure:"auth_token"`
	MaxBodyBytes int64  `mapstructure:"max_body_bytes"`
}

// Addr returns the listen address.
func (c CallbackConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// SchedulerConfig controls the persisted scheduler.
type SchedulerConfig struct {
	Timezone string `mapstructure:"timezone"`
	Path     string `mapstructure:"path"`
}

// Location resolves the configured timezone, falling back to local time.
func (c SchedulerConfig) Location() *time.Location {
	if c.Timezone == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

// ChannelsConfig configures the chat platform adapters.
type ChannelsConfig struct {
	Platform string         `mapstructure:"platform"` // telegram, slack, console
	Telegram TelegramConfig `mapstructure:"telegram"`
	Slack    SlackConfig    `mapstructure:"slack"`
}

// TelegramConfig configures the Telegram adapter.
type TelegramConfig struct {
	Token string `mapstructure:"token"`
	// Whitelist restricts which chat ids may use the bridge. Empty allows all.
	Whitelist []string `mapstructure:"whitelist"`
}

// SlackConfig configures the Slack adapter.
type SlackConfig struct {
	BotToken  string   `mapstructure:"bot_token"`
	AppToken  string   `mapstructure:"app_token"`
	Whitelist []string `mapstructure:"whitelist"`
}

// Whitelist returns the active platform's chat whitelist.
func (c ChannelsConfig) ActiveWhitelist() []string {
	switch c.Platform {
	case "slack":
		return c.Slack.Whitelist
	default:
		return c.Telegram.Whitelist
	}
}

// MemoryConfig configures the notes file and semantic-recall store.
type MemoryConfig struct {
	NotesPath string `mapstructure:"notes_path"`
	StorePath string `mapstructure:"store_path"`
	// WatchNotes enables the fsnotify watcher on the notes file.
	WatchNotes bool `mapstructure:"watch_notes"`
}

// ErrMissingAgent is returned when no agent is configured.
var ErrMissingAgent = errors.New("config: agent.name is required")

// envBindings maps viper keys to the documented environment variable names.
var envBindings = map[string]string{
	"agent.name":                   "CLAWLESS_AGENT",
	"agent.model":                  "CLAWLESS_MODEL",
	"runtime.prompt_timeout_ms":    "ACP_TIMEOUT_MS",
	"runtime.no_output_timeout_ms": "ACP_NO_OUTPUT_TIMEOUT_MS",
	"runtime.kill_grace_ms":        "ACP_KILL_GRACE_MS",
	"runtime.prewarm_retry_ms":     "ACP_PREWARM_RETRY_MS",
	"runtime.prewarm_max_retries":  "ACP_PREWARM_MAX_RETRIES",
	"runtime.permission_strategy":  "ACP_PERMISSION_STRATEGY",
	"runtime.stream_stdout":        "ACP_STREAM_STDOUT",
	"runtime.stderr_tail_max_chars": "ACP_STDERR_TAIL_MAX_CHARS",
	"stream.update_interval_ms":    "STREAM_UPDATE_INTERVAL_MS",
	"stream.max_response_length":   "MAX_RESPONSE_LENGTH",
	"stream.gap_threshold_ms":      "MESSAGE_GAP_THRESHOLD_MS",
	"callback.host":                "CALLBACK_HOST",
	"callback.port":                "CALLBACK_PORT",
	"callback.auth_token":          "CALLBACK_AUTH_TOKEN",
	"callback.max_body_bytes":      "CALLBACK_MAX_BODY_BYTES",
	"channels.telegram.token":      "TELEGRAM_BOT_TOKEN",
	"channels.slack.bot_token":     "SLACK_BOT_TOKEN",
	"channels.slack.app_token":     "SLACK_APP_TOKEN",
	"home":                         "CLAWLESS_HOME",
	"scheduler.path":               "CLAWLESS_SCHEDULES_PATH",
}

// Load reads configuration from the given path (optional) plus environment.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("CLAWLESS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", env, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if _, statErr := os.Stat(path); statErr == nil {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
			// A missing file is fine; defaults and env apply.
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := applyPathDefaults(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the parts of the config that are fatal at startup.
func (c *Config) Validate() error {
	if c.Agent.Name == "" && c.Agent.Command == "" {
		return ErrMissingAgent
	}
	if c.Callback.Port <= 0 || c.Callback.Port > 65535 {
		return fmt.Errorf("config: invalid callback port %d", c.Callback.Port)
	}
	switch c.Channels.Platform {
	case "telegram":
		if c.Channels.Telegram.Token == "" {
			return errors.New("config: channels.telegram.token is required for the telegram platform")
		}
	case "slack":
		if c.Channels.Slack.BotToken == "" {
			return errors.New("config: channels.slack.bot_token is required for the slack platform")
		}
	case "console", "":
	default:
		return fmt.Errorf("config: unknown platform %q", c.Channels.Platform)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("agent.name", "gemini")
	v.SetDefault("runtime.prompt_timeout_ms", 1_200_000)
	v.SetDefault("runtime.no_output_timeout_ms", 300_000)
	v.SetDefault("runtime.kill_grace_ms", 10_000)
	v.SetDefault("runtime.prewarm_retry_ms", 15_000)
	v.SetDefault("runtime.prewarm_max_retries", 10)
	v.SetDefault("runtime.permission_strategy", "allow_once")
	v.SetDefault("runtime.stream_stdout", false)
	v.SetDefault("runtime.stderr_tail_max_chars", 4_000)
	v.SetDefault("stream.update_interval_ms", 5_000)
	v.SetDefault("stream.max_response_length", 4_000)
	v.SetDefault("stream.max_message_length", 4_000)
	v.SetDefault("stream.gap_threshold_ms", 30_000)
	v.SetDefault("callback.host", "localhost")
	v.SetDefault("callback.port", 8788)
	v.SetDefault("callback.max_body_bytes", 65_536)
	v.SetDefault("scheduler.timezone", "")
	v.SetDefault("channels.platform", "telegram")
	v.SetDefault("memory.watch_notes", true)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
}
