package doctor

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/YoshitsuguKoike/lattice/internal/application/engine"
	"github.com/YoshitsuguKoike/lattice/internal/application/service"
	"github.com/YoshitsuguKoike/lattice/internal/interface/cli/common"
)

// NewCommand creates the doctor command
func NewCommand() *cobra.Command {
	var apply []string

	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Diagnose the stack and apply selected fixes",
		Long: `Scan the repository and list every problem with the fixes on offer. Nothing
is changed unless a fix is selected by id with --apply. Selected fixes run
as one operation with the same guarantees as any other command.`,
		Example: `  lattice doctor
  lattice doctor --apply reparent-to-trunk:feature-x --apply untrack-missing-branch:old`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDoctor(cmd.Context(), cmd.OutOrStdout(), cmd.ErrOrStderr(), apply)
		},
	}
	cmd.Flags().StringArrayVar(&apply, "apply", nil, "Fix id to apply (repeatable)")
	return cmd
}

func runDoctor(ctx context.Context, out, errOut io.Writer, apply []string) error {
	c, err := common.Open(ctx)
	if err != nil {
		return err
	}
	snap, err := common.Scan(ctx, c)
	if err != nil {
		return err
	}

	if len(snap.Issues) == 0 {
		common.Success.Fprintln(out, "✓ No problems found")
		return nil
	}
	common.Heading.Fprintf(out, "%d problem(s) found\n", len(snap.Issues))
	common.PrintIssues(out, snap.Issues)

	rc, bundle := service.Gate(snap, service.Repair)
	if bundle != nil {
		fmt.Fprintln(out)
		common.PrintBundle(errOut, bundle)
		return bundle.Err()
	}

	fixes, err := c.Doctor.Propose(ctx, rc)
	if err != nil {
		return err
	}
	if len(fixes) == 0 {
		fmt.Fprintln(out, "\nNo automatic fix is available for these problems.")
		return nil
	}

	if len(apply) == 0 {
		fmt.Fprintln(out)
		common.Heading.Fprintln(out, "Available fixes")
		for _, f := range fixes {
			fmt.Fprintf(out, "  %s\n", f.ID)
			common.Faint.Fprintf(out, "      %s\n", f.Description)
		}
		fmt.Fprintln(out, "\nApply a fix with 'lattice doctor --apply <id>'.")
		return nil
	}

	p, chosen, err := service.PlanFixes(rc, apply)
	if err != nil {
		return err
	}
	res, err := common.Execute(ctx, c, rc, p, out)
	if err != nil {
		return err
	}
	if res.Outcome != engine.OutcomeCommitted {
		return nil
	}
	ids := make([]string, len(chosen))
	for i, f := range chosen {
		ids[i] = f.ID
	}
	return c.Doctor.RecordApplied(ctx, res.OpID, ids)
}
