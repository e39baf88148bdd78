package restack

import (
	"github.com/spf13/cobra"

	"github.com/YoshitsuguKoike/lattice/internal/application/service"
	"github.com/YoshitsuguKoike/lattice/internal/domain/model/ref"
	"github.com/YoshitsuguKoike/lattice/internal/interface/cli/common"
)

// NewCommand creates the restack command
func NewCommand() *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "restack [branch]",
		Short: "Rebase stacked branches onto their parents",
		Long: `Rebase every tracked branch whose recorded base is no longer its parent's
tip, parents first. With a branch, only that branch and its descendants are
restacked. A conflict pauses the operation; resolve it and run
'lattice continue', or 'lattice abort' to restore every ref.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			var root ref.BranchName
			if len(args) == 1 {
				b, err := ref.NewBranchName(args[0])
				if err != nil {
					return err
				}
				root = b
			}

			c, err := common.Open(ctx)
			if err != nil {
				return err
			}
			rc, err := common.Ready(ctx, c, service.Mutating, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			p, err := service.PlanRestack(rc, root)
			if err != nil {
				return err
			}
			if dryRun {
				common.PrintPlan(cmd.OutOrStdout(), p)
				return nil
			}
			_, err = common.Execute(ctx, c, rc, p, cmd.OutOrStdout())
			return err
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Print the plan without applying it")
	return cmd
}
