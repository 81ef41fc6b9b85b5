package cmd

import (
	"fmt"

	"github.com/akfldk1028/taskdaemon/internal/planstore"
	"github.com/spf13/cobra"
)

// NewPlanCommand creates the `taskdaemon plan` command group, grounded on
// internal/cmd/validate.go's schema-validation reporting style.
func NewPlanCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Plan file operations",
	}
	cmd.AddCommand(newPlanValidateCommand())
	return cmd
}

func newPlanValidateCommand() *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Schema-validate a plan file",
		Long:  "Validates an implementation_plan.json against §6.2's required-field and consistency invariants.",
		RunE: func(c *cobra.Command, args []string) error {
			plan, err := planstore.Read(file)
			if err != nil {
				return fmt.Errorf("invalid: %w", err)
			}
			fmt.Fprintf(c.OutOrStdout(), "%s: valid (status=%s, xstateState=%s, kind=%s)\n",
				plan.SpecID, plan.Status, plan.XStateState, plan.Kind)
			return nil
		},
	}

	cmd.Flags().StringVar(&file, "file", "", "path to implementation_plan.json (required)")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}
