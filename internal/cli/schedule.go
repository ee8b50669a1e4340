package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/HainanZhao/clawless/internal/schedule"
)

// NewScheduleCmd creates the schedule command, which talks to a running
// daemon over the callback API.
func NewScheduleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Manage scheduled tasks",
		Long:  `List, create, and delete scheduled tasks on a running daemon.`,
	}

	cmd.AddCommand(newScheduleListCmd())
	cmd.AddCommand(newScheduleAddCmd())
	cmd.AddCommand(newScheduleRemoveCmd())

	return cmd
}

// apiFlags are shared by the schedule subcommands.
type apiFlags struct {
	url   string
	token string
}

func (f *apiFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.url, "url", "http://localhost:8788", "daemon callback API URL")
	cmd.Flags().StringVar(&f.token, "token", "", "callback auth token")
}

func (f *apiFlags) do(method, path string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, f.url+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if f.token != "" {
		req.Header.Set("x-callback-token", f.token)
	}

	client := &http.Client{Timeout: 30 * time.Second}
	return client.Do(req)
}

func apiError(resp *http.Response) error {
	data, _ := io.ReadAll(resp.Body)
	var body struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(data, &body) == nil && body.Error != "" {
		return fmt.Errorf("daemon returned %d: %s", resp.StatusCode, body.Error)
	}
	return fmt.Errorf("daemon returned %d", resp.StatusCode)
}

func newScheduleListCmd() *cobra.Command {
	var (
		flags      apiFlags
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List scheduled tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := flags.do(http.MethodGet, "/api/schedule", nil)
			if err != nil {
				return fmt.Errorf("is the daemon running? %w", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return apiError(resp)
			}

			var body struct {
				Schedules []schedule.Schedule `json:"schedules"`
			}
			if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
				return err
			}

			if jsonOutput {
				data, _ := json.MarshalIndent(body.Schedules, "", "  ")
				fmt.Println(string(data))
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tKIND\tWHEN\tACTIVE\tLAST RUN\tMESSAGE")
			for _, s := range body.Schedules {
				when := s.CronExpression
				if s.Kind == schedule.KindOneTime && s.RunAt != nil {
					when = s.RunAt.Format(time.RFC3339)
				}
				lastRun := "-"
				if s.LastRun != nil {
					lastRun = s.LastRun.Format(time.RFC3339)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%v\t%s\t%s\n", s.ID, s.Kind, when, s.Active, lastRun, s.Message)
			}
			return w.Flush()
		},
	}

	flags.register(cmd)
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")

	return cmd
}

func newScheduleAddCmd() *cobra.Command {
	var (
		flags       apiFlags
		cronExpr    string
		runAt       string
		description string
		chatID      string
	)

	cmd := &cobra.Command{
		Use:   "add <message>",
		Short: "Create a scheduled task",
		Args:  cobra.ExactArgs(1),
		Example: `  clawless schedule add "post the daily summary" --cron "0 9 * * *"
  clawless schedule add "remind me about the release" --at 2026-09-01T10:00:00Z`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if (cronExpr == "") == (runAt == "") {
				return fmt.Errorf("exactly one of --cron or --at is required")
			}

			payload := map[string]any{
				"message":     args[0],
				"description": description,
			}
			if cronExpr != "" {
				payload["cronExpression"] = cronExpr
			} else {
				payload["oneTime"] = true
				payload["runAt"] = runAt
			}
			if chatID != "" {
				payload["metadata"] = map[string]string{"chatId": chatID}
			}

			resp, err := flags.do(http.MethodPost, "/api/schedule", payload)
			if err != nil {
				return fmt.Errorf("is the daemon running? %w", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusCreated {
				return apiError(resp)
			}

			var body struct {
				Schedule schedule.Schedule `json:"schedule"`
			}
			if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
				return err
			}
			fmt.Printf("Created %s\n", body.Schedule.ID)
			return nil
		},
	}

	flags.register(cmd)
	cmd.Flags().StringVar(&cronExpr, "cron", "", "cron expression for a recurring task")
	cmd.Flags().StringVar(&runAt, "at", "", "RFC3339 time for a one-shot task")
	cmd.Flags().StringVar(&description, "description", "", "human-readable description")
	cmd.Flags().StringVar(&chatID, "chat", "", "target chat id (defaults to the bound chat)")

	return cmd
}

func newScheduleRemoveCmd() *cobra.Command {
	var flags apiFlags

	cmd := &cobra.Command{
		Use:   "remove <id>",
		Short: "Delete a scheduled task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := flags.do(http.MethodDelete, "/api/schedule/"+args[0], nil)
			if err != nil {
				return fmt.Errorf("is the daemon running? %w", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return apiError(resp)
			}
			fmt.Printf("Deleted %s\n", args[0])
			return nil
		},
	}

	flags.register(cmd)

	return cmd
}
