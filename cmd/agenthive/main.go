// Command agenthive runs agent worlds from a YAML configuration: execute
// tasks, save and restore world snapshots, inspect saved state.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:           "agenthive",
		Short:         "Run constellations of cooperating LLM agents",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "agenthive.yaml", "path to the world configuration")

	cmd.AddCommand(
		newRunCmd(&configPath),
		newResumeCmd(&configPath),
		newInspectCmd(),
	)
	return cmd
}
