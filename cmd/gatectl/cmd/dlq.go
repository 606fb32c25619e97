package cmd

import (
	"fmt"
	"net/http"
	"net/url"

	"github.com/spf13/cobra"
)

// dlqCmd represents the dlq command
var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Manage the dead letter queue",
	Long:  `List, retry, abandon, and delete parked deliveries.`,
}

// dlqListCmd represents the dlq list command
var dlqListCmd = &cobra.Command{
	Use:   "list",
	Short: "List DLQ entries",
	Long: `List the org's dead letter entries, optionally filtered.

Example:
  gatectl --org org_123 dlq list --status pending --integration-id int_9`,
	RunE: func(cmd *cobra.Command, args []string) error {
		integrationID, _ := cmd.Flags().GetString("integration-id")
		status, _ := cmd.Flags().GetString("status")

		q := url.Values{}
		if integrationID != "" {
			q.Set("integrationId", integrationID)
		}
		if status != "" {
			q.Set("status", status)
		}
		path := "/v1/dlq"
		if len(q) > 0 {
			path += "?" + q.Encode()
		}

		resp, err := callAPI(http.MethodGet, path, nil)
		if err != nil {
			return fmt.Errorf("failed to list DLQ: %w", err)
		}

		if outputJSON {
			printOutput(resp)
			return nil
		}
		entries, _ := resp["entries"].([]any)
		fmt.Println("Dead letter entries:")
		if len(entries) == 0 {
			fmt.Println("  No entries found")
			return nil
		}
		for i, raw := range entries {
			e, _ := raw.(map[string]any)
			fmt.Printf("\n  Entry %d:\n", i+1)
			fmt.Printf("    ID: %v\n", e["id"])
			fmt.Printf("    Event ID: %v\n", e["eventId"])
			fmt.Printf("    Integration: %v\n", e["integrationId"])
			fmt.Printf("    Status: %v\n", e["status"])
			fmt.Printf("    Attempts: %v\n", e["attempts"])
			if msg, ok := e["errorMessage"].(string); ok && msg != "" {
				fmt.Printf("    Error: %s\n", msg)
			}
		}
		return nil
	},
}

// dlqRetryCmd represents the dlq retry command
var dlqRetryCmd = &cobra.Command{
	Use:   "retry [entry-id...]",
	Short: "Re-enqueue DLQ entries",
	Long: `Re-enqueue one or more parked deliveries with a fresh attempt budget.
With multiple IDs a bulk retry is issued and per-entry failures are reported.

Example:
  gatectl --org org_123 dlq retry evt_1:int_9 evt_2:int_9`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 1 {
			if _, err := callAPI(http.MethodPost, "/v1/dlq/"+args[0]+"/retry", nil); err != nil {
				return fmt.Errorf("failed to retry: %w", err)
			}
			fmt.Printf("Re-enqueued %s\n", args[0])
			return nil
		}
		return bulk("retry", args, "")
	},
}

// dlqAbandonCmd represents the dlq abandon command
var dlqAbandonCmd = &cobra.Command{
	Use:   "abandon [entry-id...]",
	Short: "Abandon DLQ entries",
	Long: `Mark one or more parked deliveries as abandoned. Abandoning an
already-abandoned entry is a no-op.

Example:
  gatectl --org org_123 dlq abandon evt_1:int_9 --notes "target decommissioned"`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		notes, _ := cmd.Flags().GetString("notes")
		if len(args) == 1 {
			if _, err := callAPI(http.MethodPost, "/v1/dlq/"+args[0]+"/abandon", map[string]any{"notes": notes}); err != nil {
				return fmt.Errorf("failed to abandon: %w", err)
			}
			fmt.Printf("Abandoned %s\n", args[0])
			return nil
		}
		return bulk("abandon", args, notes)
	},
}

// dlqDeleteCmd represents the dlq delete command
var dlqDeleteCmd = &cobra.Command{
	Use:   "delete [entry-id...]",
	Short: "Delete DLQ entries",
	Long: `Permanently remove one or more entries from the dead letter queue.

Example:
  gatectl --org org_123 dlq delete evt_1:int_9`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 1 {
			if _, err := callAPI(http.MethodDelete, "/v1/dlq/"+args[0], nil); err != nil {
				return fmt.Errorf("failed to delete: %w", err)
			}
			fmt.Printf("Deleted %s\n", args[0])
			return nil
		}
		return bulk("delete", args, "")
	},
}

func bulk(op string, ids []string, notes string) error {
	body := map[string]any{"ids": ids}
	if notes != "" {
		body["notes"] = notes
	}
	resp, err := callAPI(http.MethodPost, "/v1/dlq/bulk/"+op, body)
	if err != nil {
		return fmt.Errorf("bulk %s failed: %w", op, err)
	}

	if outputJSON {
		printOutput(resp)
		return nil
	}
	result, _ := resp["result"].(map[string]any)
	succeeded, _ := result["succeeded"].([]any)
	failed, _ := result["failed"].(map[string]any)
	fmt.Printf("Bulk %s: %d succeeded, %d failed\n", op, len(succeeded), len(failed))
	for id, reason := range failed {
		fmt.Printf("  %s: %v\n", id, reason)
	}
	return nil
}

func init() {
	rootCmd.AddCommand(dlqCmd)
	dlqCmd.AddCommand(dlqListCmd)
	dlqCmd.AddCommand(dlqRetryCmd)
	dlqCmd.AddCommand(dlqAbandonCmd)
	dlqCmd.AddCommand(dlqDeleteCmd)

	dlqListCmd.Flags().String("integration-id", "", "filter by integration ID")
	dlqListCmd.Flags().String("status", "", "filter by status (pending, retrying, resolved, abandoned, failed)")
	dlqAbandonCmd.Flags().String("notes", "", "operator notes recorded on the entry")
}
