package cmd

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
)

// logCmd represents the log command
var logCmd = &cobra.Command{
	Use:   "log",
	Short: "Inspect and replay execution logs",
	Long:  `Fetch execution log entries and replay finished deliveries.`,
}

// logGetCmd represents the log get command
var logGetCmd = &cobra.Command{
	Use:   "get [execution-id]",
	Short: "Get an execution log entry",
	Long: `Fetch one execution log entry with its per-step breakdown.

Example:
  gatectl --org org_123 log get 6f2c...`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := callAPI(http.MethodGet, "/v1/logs/"+args[0], nil)
		if err != nil {
			return fmt.Errorf("failed to get execution: %w", err)
		}

		if outputJSON {
			printOutput(resp)
			return nil
		}
		exec, _ := resp["execution"].(map[string]any)
		fmt.Printf("Execution %s:\n", args[0])
		fmt.Printf("  Status: %v\n", exec["status"])
		fmt.Printf("  Integration: %v\n", exec["integrationId"])
		fmt.Printf("  Event: %v\n", exec["eventId"])
		fmt.Printf("  Attempts: %v\n", exec["attempts"])
		if steps, ok := exec["steps"].([]any); ok {
			fmt.Println("  Steps:")
			for _, s := range steps {
				step, _ := s.(map[string]any)
				fmt.Printf("    %-20v %v (%vms)\n", step["name"], step["status"], step["durationMs"])
			}
		}
		return nil
	},
}

// logReplayCmd represents the log replay command
var logReplayCmd = &cobra.Command{
	Use:   "replay [execution-id]",
	Short: "Replay a finished delivery",
	Long: `Re-enqueue the original event of a finished execution against the
same integration. A prior replay of the same execution is rejected unless
--force is given.

Example:
  gatectl --org org_123 log replay 6f2c... --force`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force")

		resp, err := callAPI(http.MethodPost, "/v1/logs/"+args[0]+"/replay", map[string]any{
			"force": force,
		})
		if err != nil {
			return fmt.Errorf("failed to replay: %w", err)
		}

		if outputJSON {
			printOutput(resp)
		} else {
			fmt.Printf("Replay enqueued: event %s (replay of %s)\n", resp.str("eventId"), resp.str("replayOf"))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(logCmd)
	logCmd.AddCommand(logGetCmd)
	logCmd.AddCommand(logReplayCmd)

	logReplayCmd.Flags().Bool("force", false, "replay even if this execution was replayed before")
}
