package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/jkaninda/toolexec/internal/registry"
)

var toolsJSON bool

var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "List the tools found in the configured tools directory",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		tools := registry.NewMemory()
		if cfg.Tools.Dir != "" {
			if _, err := tools.LoadDir(cfg.Tools.Dir, newLogger(cfg.Log, cmd.ErrOrStderr(), "text")); err != nil {
				return err
			}
		}
		descs, err := tools.List(cmd.Context())
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if toolsJSON {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(descs)
		}
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tVERSION\tKIND\tSANDBOX\tDESCRIPTION")
		for _, d := range descs {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", d.ID, d.Version, d.Kind, d.Level, d.Description)
		}
		return tw.Flush()
	},
}

func init() {
	toolsCmd.Flags().BoolVar(&toolsJSON, "json", false, "print descriptors as JSON")
}
