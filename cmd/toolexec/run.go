package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/toolexec/internal/config"
	"github.com/jkaninda/toolexec/internal/execution"
)

var (
	runInput    string
	runVersion  string
	runTenant   string
	runUser     string
	runTimeout  time.Duration
	runPriority string
)

var runCmd = &cobra.Command{
	Use:   "run <tool>",
	Short: "Execute a tool once and print its result",
	Example: `  toolexec run util/echo --input '{"x":1}'
  toolexec run ops/backup --version 1.2.0 --timeout 2m --priority high`,
	Args: cobra.ExactArgs(1),
	RunE: runTool,
}

func init() {
	runCmd.Flags().StringVar(&runInput, "input", "{}", "tool input as JSON")
	runCmd.Flags().StringVar(&runVersion, "version", "", "tool version (default latest)")
	runCmd.Flags().StringVar(&runTenant, "tenant", "cli", "tenant to run as")
	runCmd.Flags().StringVar(&runUser, "user", os.Getenv("USER"), "user to run as")
	runCmd.Flags().DurationVar(&runTimeout, "timeout", 0, "execution timeout (default from tool or config)")
	runCmd.Flags().StringVar(&runPriority, "priority", "", "low, normal, high or critical")
}

func runTool(cmd *cobra.Command, args []string) error {
	if !json.Valid([]byte(runInput)) {
		return fmt.Errorf("--input is not valid JSON")
	}
	priority, err := config.ParsePriority(runPriority)
	if err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "warn"
	}
	logger := newLogger(cfg.Log, os.Stderr, "text")

	rt, err := initRuntime(cfg, logger)
	if err != nil {
		return err
	}
	defer rt.Cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	res, execErr := rt.Executor.Execute(ctx, execution.Request{
		ToolID:  args[0],
		Version: runVersion,
		Input:   json.RawMessage(runInput),
		Caller:  execution.Caller{TenantID: runTenant, UserID: runUser},
		Options: execution.Options{Timeout: runTimeout, Priority: priority},
	})
	if res != nil {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if err := enc.Encode(res); err != nil {
			return err
		}
	}
	return execErr
}
