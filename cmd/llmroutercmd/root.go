// Package llmroutercmd is the router's Cobra command tree (run, version,
// validate-config), mirroring cmd/commands.go's use of Cobra for caddy's
// own run/validate subcommands.
package llmroutercmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "llmrouter",
	Short: "Reverse-proxy router for a fleet of LLM inference workers",
	Long: `llmrouter dispatches OpenAI-compatible inference requests across a fleet
of backend workers using a configurable load-balancing policy, and can
coordinate disaggregated prefill/decode worker pools.

	llmrouter run --config llmrouter.yaml

validates and runs with the given configuration in the foreground.`,
}

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(validateConfigCmd)
}

// Execute runs the command tree; main() is the only caller.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
