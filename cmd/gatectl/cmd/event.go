package cmd

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
)

// eventCmd represents the event command
var eventCmd = &cobra.Command{
	Use:   "event",
	Short: "Push events into the gateway",
	Long:  `Push events that fan out to the org's active integrations.`,
}

// pushCmd represents the push command
var pushCmd = &cobra.Command{
	Use:   "push [event-type] [payload-json]",
	Short: "Push an event",
	Long: `Push an event with a JSON payload. The event is routed to every
active integration registered for its type.

Example:
  gatectl --org org_123 event push invoice.created '{"id":"inv_789","total":4200}'`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		payload, err := parseJSONArg(args[1])
		if err != nil {
			return fmt.Errorf("invalid payload JSON: %w", err)
		}

		resp, err := callAPI(http.MethodPost, "/v1/events", map[string]any{
			"eventType": args[0],
			"payload":   payload,
		})
		if err != nil {
			return fmt.Errorf("failed to push event: %w", err)
		}

		if outputJSON {
			printOutput(resp)
		} else {
			fmt.Printf("Pushed event: %s\n", resp.str("eventId"))
			fmt.Printf("  Routed to %v integration(s)\n", resp["routed"])
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(eventCmd)
	eventCmd.AddCommand(pushCmd)
}
