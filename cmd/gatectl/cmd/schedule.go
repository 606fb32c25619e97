package cmd

import (
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

// scheduleCmd represents the schedule command
var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Manage pending scheduled deliveries",
	Long:  `Cancel and reschedule deliveries that have not fired yet.`,
}

// scheduleCancelCmd represents the schedule cancel command
var scheduleCancelCmd = &cobra.Command{
	Use:   "cancel [pending-id]",
	Short: "Cancel a pending delivery",
	Long: `Cancel a scheduled delivery before it fires. Only pending and
overdue deliveries can be cancelled.

Example:
  gatectl --org org_123 schedule cancel 6f2c...`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := callAPI(http.MethodPost, "/v1/schedules/"+args[0]+"/cancel", nil); err != nil {
			return fmt.Errorf("failed to cancel: %w", err)
		}
		fmt.Printf("Cancelled %s\n", args[0])
		return nil
	},
}

// scheduleEditCmd represents the schedule edit command
var scheduleEditCmd = &cobra.Command{
	Use:   "edit [pending-id]",
	Short: "Reschedule a pending delivery",
	Long: `Move a scheduled delivery to a new fire time (RFC3339).

Example:
  gatectl --org org_123 schedule edit 6f2c... --at 2026-09-01T09:00:00Z`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		atStr, _ := cmd.Flags().GetString("at")
		at, err := time.Parse(time.RFC3339, atStr)
		if err != nil {
			return fmt.Errorf("invalid --at timestamp (expected RFC3339): %w", err)
		}

		if _, err := callAPI(http.MethodPatch, "/v1/schedules/"+args[0], map[string]any{
			"scheduledFor": at,
		}); err != nil {
			return fmt.Errorf("failed to reschedule: %w", err)
		}
		fmt.Printf("Rescheduled %s for %s\n", args[0], at.Format(time.RFC3339))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(scheduleCmd)
	scheduleCmd.AddCommand(scheduleCancelCmd)
	scheduleCmd.AddCommand(scheduleEditCmd)

	scheduleEditCmd.Flags().String("at", "", "new fire time (RFC3339 format)")
	scheduleEditCmd.MarkFlagRequired("at")
}
