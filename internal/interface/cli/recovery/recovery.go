// Package recovery holds the only two commands allowed while an operation
// is paused or interrupted.
package recovery

import (
	"github.com/spf13/cobra"

	"github.com/YoshitsuguKoike/lattice/internal/interface/cli/common"
)

// NewContinueCommand creates the continue command
func NewContinueCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "continue",
		Short: "Resume a paused operation",
		Long: `Resume the operation paused on a conflict once the conflict is resolved and
staged. Refs are checked against the journal first; if anything moved the
operation stays paused. An interrupted operation whose steps all completed is
verified and committed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			c, err := common.Open(ctx)
			if err != nil {
				return err
			}
			res, err := c.Executor.Continue(ctx)
			_, err = common.Report(cmd.OutOrStdout(), res, err)
			return err
		},
	}
}

// NewAbortCommand creates the abort command
func NewAbortCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "abort",
		Short: "Roll back a paused or interrupted operation",
		Long: `Stop the in-flight operation and restore every ref it touched to the value
it held before the operation started. Refs moved by someone else are left
alone and reported; the operation stays paused until they are fixed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			c, err := common.Open(ctx)
			if err != nil {
				return err
			}
			res, err := c.Executor.Abort(ctx)
			_, err = common.Report(cmd.OutOrStdout(), res, err)
			return err
		},
	}
}
