// toolexec is a multi-tenant tool execution engine.
package main

import (
	"fmt"
	"os"

	"github.com/jkaninda/toolexec/internal/sandbox"
	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "toolexec",
	Short: "toolexec runs registered tools in sandboxes on behalf of tenants.",
	Long: `toolexec admits tool execution requests, queues them by priority and runs
them on a worker pool inside sandboxes, with retries, timeouts, cancellation
and a persisted execution log.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file (default ~/.toolexec/config.yaml)")
	rootCmd.AddCommand(serveCmd, runCmd, toolsCmd, executionsCmd, versionCmd)
}

func main() {
	// Strict sandboxes re-exec this binary to confine their commands.
	sandbox.Init()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
