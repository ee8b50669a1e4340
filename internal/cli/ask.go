package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/HainanZhao/clawless/internal/agent"
)

// NewAskCmd creates the ask command: a single one-shot prompt without the
// bridge, useful for checking the agent wiring.
func NewAskCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ask <prompt>",
		Short: "Run a single prompt against the configured agent",
		Args:  cobra.MinimumNArgs(1),
		Example: `  clawless ask "what does internal/runtime do?"
  clawless ask --agent claude "summarize TODOs in this repo"`,
		RunE: runAsk,
	}

	cmd.Flags().String("agent", "", "agent profile (overrides config)")

	return cmd
}

func runAsk(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if name, _ := cmd.Flags().GetString("agent"); name != "" {
		cfg.Agent.Name = name
	}

	profile, err := agent.Resolve(cfg.Agent)
	if err != nil {
		return err
	}
	if err := profile.Validate(cmd.Context()); err != nil {
		return err
	}

	result, err := agent.RunOneShot(cmd.Context(), profile, cfg.Agent, cfg.Runtime.WorkDir, strings.Join(args, " "))
	if err != nil {
		return err
	}

	fmt.Println(result)
	return nil
}
