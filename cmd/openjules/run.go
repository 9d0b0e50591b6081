package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

var (
	runProject string
	runRepo    string
	runBranch  string
	runFollow  bool
)

var runCmd = &cobra.Command{
	Use:   "run [goal]",
	Short: "Submit a mission and optionally follow its progress",
	Args:  cobra.ExactArgs(1),
	RunE:  runRun,
}

func init() {
	runCmd.Flags().StringVar(&runProject, "project", "default", "project the mission belongs to")
	runCmd.Flags().StringVar(&runRepo, "repo", "", "git URL of the source repository")
	runCmd.Flags().StringVar(&runBranch, "branch", "", "branch to check out")
	runCmd.Flags().BoolVarP(&runFollow, "follow", "f", true, "poll and print status changes")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	body, _ := json.Marshal(map[string]string{
		"project_id": runProject,
		"goal":       args[0],
		"repo":       runRepo,
		"branch":     runBranch,
	})
	resp, err := http.Post(serverURL+"/api/jobs", "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("connecting to server: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		raw, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server error (%d): %s", resp.StatusCode, string(raw))
	}

	var created struct {
		JobID     string `json:"job_id"`
		MissionID string `json:"mission_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}
	fmt.Printf("Mission:  %s\n", created.MissionID)
	fmt.Printf("Job:      %s\n", created.JobID)

	if !runFollow {
		return nil
	}

	last := ""
	for {
		m, err := fetchMission(created.MissionID)
		if err != nil {
			return err
		}
		if m.Status != last {
			fmt.Printf("Status:   %s\n", m.Status)
			last = m.Status
		}
		switch m.Status {
		case "WAITING_PLAN_APPROVAL":
			fmt.Printf("Plan awaiting approval. Run:\n  openjules action %s --plan approve\n", created.MissionID)
			return nil
		case "WAITING_REVIEW":
			fmt.Printf("Changes awaiting review. Run:\n  openjules action %s --review approve\n", created.MissionID)
			return nil
		case "COMPLETED":
			fmt.Printf("Result:   %s\n", m.ResultSummary)
			return nil
		case "FAILED":
			return fmt.Errorf("mission failed: %s", m.FailReason)
		}
		time.Sleep(2 * time.Second)
	}
}

type missionView struct {
	ID            string `json:"id"`
	Goal          string `json:"goal"`
	Status        string `json:"status"`
	PlanReasoning string `json:"plan_reasoning,omitempty"`
	FailReason    string `json:"fail_reason,omitempty"`
	ResultSummary string `json:"result_summary,omitempty"`
}

func fetchMission(id string) (*missionView, error) {
	resp, err := http.Get(serverURL + "/api/missions/" + id)
	if err != nil {
		return nil, fmt.Errorf("connecting to server: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("server error (%d): %s", resp.StatusCode, string(raw))
	}
	var m missionView
	if err := json.NewDecoder(resp.Body).Decode(&m); err != nil {
		return nil, fmt.Errorf("parsing response: %w", err)
	}
	return &m, nil
}
