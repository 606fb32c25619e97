package cmd

import (
	"fmt"
	"net/http"
	"os"

	"github.com/spf13/cobra"
)

// testCmd represents the test command
var testCmd = &cobra.Command{
	Use:   "test",
	Short: "Dry-run scripts and connections",
	Long: `Exercise transform scripts, schedule scripts, and target
connectivity without touching live deliveries.`,
}

// testTransformCmd represents the test transform command
var testTransformCmd = &cobra.Command{
	Use:   "transform [payload-json]",
	Short: "Dry-run a transform script",
	Long: `Run a transform against a sample payload and print the result.
The script is read from --script-file or --script.

Example:
  gatectl --org org_123 test transform '{"id":1}' --script 'return {wrapped = payload}'`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		payload, err := parseJSONArg(args[0])
		if err != nil {
			return fmt.Errorf("invalid payload JSON: %w", err)
		}
		script, err := scriptFromFlags(cmd)
		if err != nil {
			return err
		}
		eventType, _ := cmd.Flags().GetString("event-type")

		resp, err := callAPI(http.MethodPost, "/v1/test/transform", map[string]any{
			"transform": map[string]any{"mode": "SCRIPT", "script": script},
			"payload":   payload,
			"eventType": eventType,
		})
		if err != nil {
			return fmt.Errorf("transform test request failed: %w", err)
		}

		if outputJSON {
			printOutput(resp)
			return nil
		}
		if !resp.succeeded() {
			fmt.Printf("Transform failed [%s]: %s\n", resp.str("code"), resp.str("error"))
			return nil
		}
		fmt.Println("Transform result:")
		printOutputIndented(resp["result"])
		return nil
	},
}

// testScheduleCmd represents the test schedule command
var testScheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Dry-run a schedule script",
	Long: `Run a schedule script and preview when it would fire. Recurring
schedules preview their first occurrences.

Example:
  gatectl --org org_123 test schedule --mode DELAYED --script 'return context.nowMs + 3600000'`,
	RunE: func(cmd *cobra.Command, args []string) error {
		mode, _ := cmd.Flags().GetString("mode")
		payloadStr, _ := cmd.Flags().GetString("payload")
		script, err := scriptFromFlags(cmd)
		if err != nil {
			return err
		}

		body := map[string]any{"mode": mode, "script": script}
		if payloadStr != "" {
			payload, err := parseJSONArg(payloadStr)
			if err != nil {
				return fmt.Errorf("invalid payload JSON: %w", err)
			}
			body["payload"] = payload
		}

		resp, err := callAPI(http.MethodPost, "/v1/test/schedule", body)
		if err != nil {
			return fmt.Errorf("schedule test request failed: %w", err)
		}

		if outputJSON {
			printOutput(resp)
			return nil
		}
		if !resp.succeeded() {
			fmt.Printf("Schedule invalid [%s]: %s\n", resp.str("code"), resp.str("error"))
			return nil
		}
		fmt.Println("Schedule preview:")
		printOutputIndented(resp["preview"])
		return nil
	},
}

// testConnectionCmd represents the test connection command
var testConnectionCmd = &cobra.Command{
	Use:   "connection",
	Short: "Probe a delivery target",
	Long: `Send a probe request to an integration's target or a raw URL and
report reachability.

Example:
  gatectl --org org_123 test connection --integration-id int_9
  gatectl --org org_123 test connection --url https://api.example.com/hook`,
	RunE: func(cmd *cobra.Command, args []string) error {
		integrationID, _ := cmd.Flags().GetString("integration-id")
		rawURL, _ := cmd.Flags().GetString("url")
		method, _ := cmd.Flags().GetString("method")
		if integrationID == "" && rawURL == "" {
			return fmt.Errorf("either --integration-id or --url is required")
		}

		resp, err := callAPI(http.MethodPost, "/v1/test/connection", map[string]any{
			"integrationId": integrationID,
			"url":           rawURL,
			"method":        method,
		})
		if err != nil {
			return fmt.Errorf("connection test request failed: %w", err)
		}

		if outputJSON {
			printOutput(resp)
			return nil
		}
		if !resp.succeeded() {
			fmt.Printf("Connection failed [%s]: %s\n", resp.str("code"), resp.str("error"))
			return nil
		}
		fmt.Printf("Connection OK: HTTP %v in %vms\n", resp["statusCode"], resp["durationMs"])
		return nil
	},
}

func scriptFromFlags(cmd *cobra.Command) (string, error) {
	if file, _ := cmd.Flags().GetString("script-file"); file != "" {
		b, err := os.ReadFile(file)
		if err != nil {
			return "", fmt.Errorf("failed to read script file: %w", err)
		}
		return string(b), nil
	}
	script, _ := cmd.Flags().GetString("script")
	if script == "" {
		return "", fmt.Errorf("either --script or --script-file is required")
	}
	return script, nil
}

func printOutputIndented(v any) {
	saved := outputJSON
	outputJSON = true
	printOutput(v)
	outputJSON = saved
}

func init() {
	rootCmd.AddCommand(testCmd)
	testCmd.AddCommand(testTransformCmd)
	testCmd.AddCommand(testScheduleCmd)
	testCmd.AddCommand(testConnectionCmd)

	testTransformCmd.Flags().String("script", "", "inline Lua transform script")
	testTransformCmd.Flags().String("script-file", "", "path to a Lua transform script")
	testTransformCmd.Flags().String("event-type", "", "event type exposed to the script context")

	testScheduleCmd.Flags().String("mode", "DELAYED", "schedule mode (DELAYED or RECURRING)")
	testScheduleCmd.Flags().String("script", "", "inline Lua schedule script")
	testScheduleCmd.Flags().String("script-file", "", "path to a Lua schedule script")
	testScheduleCmd.Flags().String("payload", "", "sample payload JSON exposed to the script")

	testConnectionCmd.Flags().String("integration-id", "", "probe this integration's target")
	testConnectionCmd.Flags().String("url", "", "probe a raw URL instead")
	testConnectionCmd.Flags().String("method", "", "HTTP method for the probe (default GET)")
}
