// bastion is the unified binary for the bastion backup orchestrator,
// providing both the central hub and the remote agent in a single image.
//
// Available commands:
//   - hub:    Start the hub: scheduler, worker, deferred queues, agent endpoints
//   - agent:  Start an agent that executes runs for (or offline from) a hub
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:           "bastion",
	Short:         "bastion - self-hosted backup orchestrator",
	SilenceUsage:  true,
	SilenceErrors: true,
	Long: `bastion is a self-hosted backup orchestrator in a hub/agent topology.

This unified binary provides:
  hub     Start the central hub (scheduler, worker, agent endpoints)
  agent   Start an agent that executes backup runs for a hub

Examples:
  # Start the hub
  bastion hub --config /etc/bastion/hub.yaml

  # Enroll and start an agent
  bastion agent --hub-url https://hub.example.com --data-dir /var/lib/bastion-agent \
      --enroll-token <token> --name db-host`,
}

func init() {
	rootCmd.AddCommand(newHubCommand())
	rootCmd.AddCommand(newAgentCommand())
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "bastion: %v\n", err)
		os.Exit(1)
	}
}
