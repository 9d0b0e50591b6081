package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/spf13/cobra"
)

var (
	actionPlan    string
	actionReview  string
	actionControl string
	actionMessage string
	actionSummary string
)

var actionCmd = &cobra.Command{
	Use:   "action [mission-id]",
	Short: "Apply a human control action to a mission",
	Long: `Apply a human control action to a mission:

  openjules action <id> --plan approve|reject
  openjules action <id> --review approve|reject [--summary "..."]
  openjules action <id> --control pause|resume
  openjules action <id> --control input --message "use TypeScript"`,
	Args: cobra.ExactArgs(1),
	RunE: runAction,
}

func init() {
	actionCmd.Flags().StringVar(&actionPlan, "plan", "", "plan action: approve or reject")
	actionCmd.Flags().StringVar(&actionReview, "review", "", "review action: approve or reject")
	actionCmd.Flags().StringVar(&actionControl, "control", "", "control action: pause, resume or input")
	actionCmd.Flags().StringVar(&actionMessage, "message", "", "message for input or reject actions")
	actionCmd.Flags().StringVar(&actionSummary, "summary", "", "result summary for review approval")
	rootCmd.AddCommand(actionCmd)
}

func runAction(cmd *cobra.Command, args []string) error {
	payload := map[string]string{}
	if actionPlan != "" {
		payload["planAction"] = actionPlan
	}
	if actionReview != "" {
		payload["reviewAction"] = actionReview
	}
	if actionControl != "" {
		payload["controlAction"] = actionControl
	}
	if actionMessage != "" {
		payload["message"] = actionMessage
	}
	if actionSummary != "" {
		payload["summary"] = actionSummary
	}
	if len(payload) == 0 {
		return fmt.Errorf("one of --plan, --review or --control is required")
	}

	body, _ := json.Marshal(payload)
	resp, err := http.Post(serverURL+"/api/missions/"+args[0]+"/actions", "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("connecting to server: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server error (%d): %s", resp.StatusCode, string(raw))
	}

	var m missionView
	if err := json.NewDecoder(resp.Body).Decode(&m); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}
	fmt.Printf("Mission:  %s\n", m.ID)
	fmt.Printf("Status:   %s\n", m.Status)
	return nil
}
