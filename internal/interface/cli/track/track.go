package track

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/YoshitsuguKoike/lattice/internal/application/service"
	"github.com/YoshitsuguKoike/lattice/internal/domain/model/plan"
	"github.com/YoshitsuguKoike/lattice/internal/domain/model/ref"
	"github.com/YoshitsuguKoike/lattice/internal/interface/cli/common"
)

// NewCommand creates the track command
func NewCommand() *cobra.Command {
	var parentName string
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "track <branch>",
		Short: "Start tracking a branch in the stack",
		Long: `Record lattice metadata for an existing branch. The parent defaults to
the trunk; the recorded base is the merge base of the branch and its parent.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			branch, err := ref.NewBranchName(args[0])
			if err != nil {
				return err
			}
			var parent ref.BranchName
			if parentName != "" {
				if parent, err = ref.NewBranchName(parentName); err != nil {
					return fmt.Errorf("--parent: %w", err)
				}
			}

			c, err := common.Open(ctx)
			if err != nil {
				return err
			}
			rc, err := common.Ready(ctx, c, service.Mutating, cmd.ErrOrStderr())
			if err != nil {
				return err
			}

			snap := rc.Snapshot()
			onto := parent
			if onto.IsZero() {
				onto = snap.Trunk
			}
			var base ref.Oid
			if tip, parentTip := snap.Tip(branch), snap.Tip(onto); !tip.IsZero() && !parentTip.IsZero() {
				if base, err = c.Repo.MergeBase(ctx, parentTip, tip); err != nil {
					return fmt.Errorf("%w: %s and %s: %v", service.ErrNoBase, branch, onto, err)
				}
			}

			p, err := service.PlanTrack(rc, service.TrackParams{Branch: branch, Parent: parent, Base: base})
			if err != nil {
				return err
			}
			return run(cmd, c, rc, p, dryRun)
		},
	}
	cmd.Flags().StringVar(&parentName, "parent", "", "Parent branch (default: trunk)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Print the plan without applying it")
	return cmd
}

// NewUntrackCommand creates the untrack command
func NewUntrackCommand() *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "untrack <branch>",
		Short: "Stop tracking a branch",
		Long:  "Remove lattice metadata for a branch without children. The branch itself is kept.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			branch, err := ref.NewBranchName(args[0])
			if err != nil {
				return err
			}
			c, err := common.Open(ctx)
			if err != nil {
				return err
			}
			rc, err := common.Ready(ctx, c, service.Mutating, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			p, err := service.PlanUntrack(rc, branch)
			if err != nil {
				return err
			}
			return run(cmd, c, rc, p, dryRun)
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Print the plan without applying it")
	return cmd
}

func run(cmd *cobra.Command, c *common.Container, rc *service.ReadyContext, p *plan.Plan, dryRun bool) error {
	if dryRun {
		common.PrintPlan(cmd.OutOrStdout(), p)
		return nil
	}
	_, err := common.Execute(cmd.Context(), c, rc, p, cmd.OutOrStdout())
	return err
}
