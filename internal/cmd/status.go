package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// NewStatusCommand creates the `taskdaemon status` command (§6 CLI tree),
// grounded on internal/cmd/observe_project.go's project-summary rendering.
func NewStatusCommand() *cobra.Command {
	var projectDir string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print the daemon's current status snapshot",
		Long:  "Reads and pretty-prints the status file written by a running daemon (§4.9).",
		RunE: func(c *cobra.Command, args []string) error {
			path := projectDir + "/.auto-claude/daemon_status.json"
			data, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("read status file: %w", err)
			}

			var pretty map[string]interface{}
			if err := json.Unmarshal(data, &pretty); err != nil {
				return fmt.Errorf("parse status file: %w", err)
			}

			out, err := json.MarshalIndent(pretty, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(c.OutOrStdout(), string(out))
			return nil
		},
	}

	cmd.Flags().StringVar(&projectDir, "project-dir", "", "project root (required)")
	_ = cmd.MarkFlagRequired("project-dir")
	return cmd
}
