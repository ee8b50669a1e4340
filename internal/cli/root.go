// Package cli implements the clawless command tree.
package cli

import (
	"github.com/spf13/cobra"

	"github.com/HainanZhao/clawless/internal/config"
	"github.com/HainanZhao/clawless/pkg/logger"
)

// GlobalFlags are shared by every subcommand.
type GlobalFlags struct {
	ConfigPath string
	Verbose    bool
	Quiet      bool
}

var globalFlags GlobalFlags

// loadConfig resolves the config path and loads configuration plus logging
// for commands that need them.
func loadConfig() (*config.Config, error) {
	path := globalFlags.ConfigPath
	if path == "" {
		var err error
		path, err = config.DefaultConfigPath()
		if err != nil {
			return nil, err
		}
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	logCfg := cfg.Log
	if globalFlags.Verbose {
		logCfg.Level = "debug"
	}
	if globalFlags.Quiet {
		logCfg.Level = "error"
	}
	if err := logger.Init(logCfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// NewRootCmd creates the root command.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "clawless",
		Short: "Clawless - chat bridge for CLI coding agents",
		Long: `Clawless bridges chat platforms (Telegram, Slack) to a local CLI
coding agent over the Agent Client Protocol. It streams agent output
into live-updated chat messages, runs background tasks on a schedule,
and exposes an HTTP callback API for external integrations.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&globalFlags.ConfigPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&globalFlags.Verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().BoolVarP(&globalFlags.Quiet, "quiet", "q", false, "quiet mode")

	rootCmd.AddCommand(NewVersionCmd())
	rootCmd.AddCommand(NewServeCmd())
	rootCmd.AddCommand(NewConfigCmd())
	rootCmd.AddCommand(NewAskCmd())
	rootCmd.AddCommand(NewScheduleCmd())

	return rootCmd
}
