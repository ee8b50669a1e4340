package cli

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/term"

	"github.com/HainanZhao/clawless/internal/config"
)

// configField is one key the interactive editor walks through.
type configField struct {
	Key    string
	Prompt string
	Secret bool
}

// editableFields in the order they are prompted.
var editableFields = []configField{
	{Key: "agent.name", Prompt: "Agent profile (gemini, opencode, claude)"},
	{Key: "agent.model", Prompt: "Model override (empty for agent default)"},
	{Key: "channels.platform", Prompt: "Chat platform (telegram, slack, console)"},
	{Key: "channels.telegram.token", Prompt: "Telegram bot token", Secret: true},
	{Key: "channels.slack.bot_token", Prompt: "Slack bot token", Secret: true},
	{Key: "channels.slack.app_token", Prompt: "Slack app-level token", Secret: true},
	{Key: "callback.port", Prompt: "Callback API port"},
	{Key: "callback.auth_token", Prompt: "Callback auth token (empty disables auth)", Secret: true},
}

// NewConfigCmd creates the config command.
func NewConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Edit the configuration interactively",
		Long: `Walk through the main configuration keys and write the result back
to the config file. Secrets are read with terminal echo disabled and
never printed. Press Enter to keep the current value of any key.`,
		RunE: runConfigEdit,
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration (secrets masked)",
		RunE:  runConfigShow,
	})

	return cmd
}

func configFilePath() (string, error) {
	if globalFlags.ConfigPath != "" {
		return globalFlags.ConfigPath, nil
	}
	return config.DefaultConfigPath()
}

func runConfigEdit(cmd *cobra.Command, args []string) error {
	path, err := configFilePath()
	if err != nil {
		return err
	}

	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		if _, statErr := os.Stat(path); statErr == nil {
			return fmt.Errorf("read config %s: %w", path, err)
		}
	}

	fmt.Printf("Editing %s (Enter keeps the current value)\n\n", path)

	reader := bufio.NewReader(os.Stdin)
	for _, field := range editableFields {
		current := v.GetString(field.Key)

		label := field.Prompt
		switch {
		case field.Secret && current != "":
			label += " [set]"
		case current != "":
			label += fmt.Sprintf(" [%s]", current)
		}
		fmt.Printf("%s: ", label)

		var value string
		if field.Secret {
			raw, err := term.ReadPassword(int(syscall.Stdin))
			fmt.Println()
			if err != nil {
				return fmt.Errorf("read %s: %w", field.Key, err)
			}
			value = strings.TrimSpace(string(raw))
		} else {
			line, err := reader.ReadString('\n')
			if err != nil {
				return fmt.Errorf("read %s: %w", field.Key, err)
			}
			value = strings.TrimSpace(line)
		}

		if value != "" {
			v.Set(field.Key, value)
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	fmt.Printf("\nSaved %s\n", path)
	return nil
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	mask := func(s string) string {
		if s == "" {
			return "(unset)"
		}
		return "********"
	}

	fmt.Printf("home:               %s\n", cfg.Home)
	fmt.Printf("agent.name:         %s\n", cfg.Agent.Name)
	fmt.Printf("agent.model:        %s\n", cfg.Agent.Model)
	fmt.Printf("channels.platform:  %s\n", cfg.Channels.Platform)
	fmt.Printf("telegram.token:     %s\n", mask(cfg.Channels.Telegram.Token))
	fmt.Printf("slack.bot_token:    %s\n", mask(cfg.Channels.Slack.BotToken))
	fmt.Printf("slack.app_token:    %s\n", mask(cfg.Channels.Slack.AppToken))
	fmt.Printf("callback.addr:      %s\n", cfg.Callback.Addr())
	fmt.Printf("callback.auth:      %s\n", mask(cfg.Callback.AuthToken))
	fmt.Printf("scheduler.path:     %s\n", cfg.Scheduler.Path)
	fmt.Printf("memory.notes_path:  %s\n", cfg.Memory.NotesPath)
	return nil
}
