package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/HainanZhao/clawless/internal/bridge"
	"github.com/HainanZhao/clawless/pkg/logger"
)

// NewServeCmd creates the serve command.
func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the chat bridge daemon",
		Long: `Run the chat bridge daemon.

The daemon connects to the configured chat platform, keeps a warm agent
session over ACP, runs scheduled background tasks, and serves the HTTP
callback API (default: localhost:8788).`,
		Example: `  # Run with the default configuration
  clawless serve

  # Run against a specific config file with debug logging
  clawless serve -c ./clawless.yaml --verbose`,
		RunE: runServe,
	}

	cmd.Flags().IntP("port", "p", 0, "callback API port (overrides config)")
	cmd.Flags().String("agent", "", "agent profile (overrides config)")

	return cmd
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if port, _ := cmd.Flags().GetInt("port"); port > 0 {
		cfg.Callback.Port = port
	}
	if agent, _ := cmd.Flags().GetString("agent"); agent != "" {
		cfg.Agent.Name = agent
	}

	if err := cfg.Validate(); err != nil {
		return err
	}

	b, err := bridge.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to build bridge: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log := logger.Component("cli")
	log.Info().
		Str("platform", cfg.Channels.Platform).
		Str("callback", cfg.Callback.Addr()).
		Msg("starting bridge")

	return b.Run(ctx)
}
