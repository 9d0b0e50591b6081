// OpenJules is an autonomous software-engineering agent: give it a goal and
// an optional repository, and it plans, executes and validates shell actions
// inside a per-mission container sandbox, gated by human approval.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version   = "dev"
	serverURL string
)

var rootCmd = &cobra.Command{
	Use:   "openjules",
	Short: "OpenJules - autonomous coding missions in a sandbox",
	Long: `OpenJules runs autonomous coding missions inside per-mission Docker
sandboxes, with human gates for plan approval and final review.

  openjules serve                                Start the server and job runner
  openjules run "add a healthcheck" --project p  Submit a mission and follow it
  openjules status <mission-id>                  Show mission and step state
  openjules logs <mission-id>                    Print the mission event stream
  openjules action <mission-id> --plan approve   Apply a human control action`,
	Version: version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", envOr("OPENJULES_SERVER", "http://localhost:7080"), "OpenJules server URL")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
