package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/toolexec/internal/execution"
	"github.com/jkaninda/toolexec/internal/storage"
)

var (
	execTenant string
	execTool   string
	execStatus string
	execLimit  int
	execJSON   bool
)

var executionsCmd = &cobra.Command{
	Use:   "executions [id]",
	Short: "Query the execution log",
	Long: `Without an argument, lists persisted executions, newest first.
With an execution id, prints the record and its attempt history.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runExecutions,
}

func init() {
	executionsCmd.Flags().StringVar(&execTenant, "tenant", "", "filter by tenant")
	executionsCmd.Flags().StringVar(&execTool, "tool", "", "filter by tool id")
	executionsCmd.Flags().StringVar(&execStatus, "status", "", "filter by status")
	executionsCmd.Flags().IntVar(&execLimit, "limit", 50, "maximum records listed")
	executionsCmd.Flags().BoolVar(&execJSON, "json", false, "print JSON")
}

func runExecutions(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := storage.Open(cfg.StorageConfig(), newLogger(cfg.Log, cmd.ErrOrStderr(), "text"))
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	if len(args) == 1 {
		id, err := execution.ParseID(args[0])
		if err != nil {
			return fmt.Errorf("invalid execution id %q: %w", args[0], err)
		}
		rec, err := store.GetExecution(ctx, id)
		if err != nil {
			return err
		}
		attempts, err := store.ListAttempts(ctx, id)
		if err != nil {
			return err
		}
		return printJSON(out, struct {
			Execution *execution.Record    `json:"execution"`
			History   []*execution.Attempt `json:"history"`
		}{rec, attempts})
	}

	f := execution.Filter{TenantID: execTenant, ToolID: execTool, Limit: execLimit}
	if execStatus != "" {
		if f.Status, err = execution.ParseStatus(execStatus); err != nil {
			return err
		}
	}
	recs, err := store.ListExecutions(ctx, f)
	if err != nil {
		return err
	}
	if execJSON {
		return printJSON(out, recs)
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTOOL\tTENANT\tSTATUS\tATTEMPTS\tSUBMITTED\tDURATION")
	for _, r := range recs {
		fmt.Fprintf(tw, "%s\t%s@%s\t%s\t%s\t%d\t%s\t%s\n",
			r.ID, r.ToolID, r.ToolVersion, r.Caller.TenantID, r.Status, r.Attempts,
			r.SubmittedAt.Format(time.RFC3339), duration(r))
	}
	return tw.Flush()
}

func duration(r *execution.Record) string {
	if r.StartedAt == nil || r.EndedAt == nil {
		return "-"
	}
	return r.EndedAt.Sub(*r.StartedAt).Round(time.Millisecond).String()
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
