package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status [mission-id]",
	Short: "Show a mission's status and steps",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

var logsFollow bool

var logsCmd = &cobra.Command{
	Use:   "logs [mission-id]",
	Short: "Print a mission's event stream",
	Args:  cobra.ExactArgs(1),
	RunE:  runLogs,
}

func init() {
	logsCmd.Flags().BoolVarP(&logsFollow, "follow", "f", false, "keep polling for new entries")
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(logsCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	m, err := fetchMission(args[0])
	if err != nil {
		return err
	}
	fmt.Printf("Mission:  %s\n", m.ID)
	fmt.Printf("Goal:     %s\n", m.Goal)
	fmt.Printf("Status:   %s\n", m.Status)
	if m.FailReason != "" {
		fmt.Printf("Failure:  %s\n", m.FailReason)
	}
	if m.ResultSummary != "" {
		fmt.Printf("Result:   %s\n", m.ResultSummary)
	}

	resp, err := http.Get(serverURL + "/api/missions/" + args[0] + "/steps")
	if err != nil {
		return fmt.Errorf("connecting to server: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server error (%d): %s", resp.StatusCode, string(raw))
	}
	var steps []struct {
		OrderIndex  int    `json:"order_index"`
		Description string `json:"description"`
		Status      string `json:"status"`
		Summary     string `json:"result_summary,omitempty"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&steps); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}
	if len(steps) > 0 {
		fmt.Println("Steps:")
		for _, s := range steps {
			line := fmt.Sprintf("  %2d. [%s] %s", s.OrderIndex+1, s.Status, s.Description)
			if s.Summary != "" {
				line += " (" + s.Summary + ")"
			}
			fmt.Println(line)
		}
	}
	return nil
}

func runLogs(cmd *cobra.Command, args []string) error {
	var after int64
	for {
		resp, err := http.Get(fmt.Sprintf("%s/api/missions/%s/logs?after=%d", serverURL, args[0], after))
		if err != nil {
			return fmt.Errorf("connecting to server: %w", err)
		}
		if resp.StatusCode != http.StatusOK {
			raw, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			return fmt.Errorf("server error (%d): %s", resp.StatusCode, string(raw))
		}
		var logs []struct {
			ID        int64  `json:"id"`
			Type      string `json:"type"`
			Content   string `json:"content"`
			Timestamp string `json:"timestamp"`
		}
		err = json.NewDecoder(resp.Body).Decode(&logs)
		resp.Body.Close()
		if err != nil {
			return fmt.Errorf("parsing response: %w", err)
		}
		for _, l := range logs {
			fmt.Printf("%s  %-14s %s\n", l.Timestamp, l.Type, l.Content)
			after = l.ID
		}
		if !logsFollow {
			return nil
		}
		time.Sleep(2 * time.Second)
	}
}
