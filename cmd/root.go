package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version is set at build time.
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:   "agentbus",
	Short: "agentbus — Agent Collaboration Bus",
	Long:  "agentbus routes messages between agent sandboxes: reliable priority queues over Redis, pub/sub fan-out, and live WebSocket sessions.",
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.Version = Version
}
