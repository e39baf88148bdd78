package submit

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/YoshitsuguKoike/lattice/internal/app"
	"github.com/YoshitsuguKoike/lattice/internal/application/engine"
	"github.com/YoshitsuguKoike/lattice/internal/application/service"
	"github.com/YoshitsuguKoike/lattice/internal/domain/model/metadata"
	"github.com/YoshitsuguKoike/lattice/internal/domain/model/plan"
	"github.com/YoshitsuguKoike/lattice/internal/domain/model/ref"
	"github.com/YoshitsuguKoike/lattice/internal/domain/repository"
	"github.com/YoshitsuguKoike/lattice/internal/interface/cli/common"
)

type options struct {
	title  string
	body   string
	draft  bool
	dryRun bool
}

// NewCommand creates the submit command
func NewCommand() *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:   "submit <branch>",
		Short: "Push a branch and open or update its review",
		Long: `Push a tracked branch with a lease on the last known remote tip, then open a
review against its parent (or retarget the existing one). The review number
is cached in the branch metadata afterwards. A failed remote step never
rolls back local state.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			branch, err := ref.NewBranchName(args[0])
			if err != nil {
				return err
			}
			return runSubmit(cmd.Context(), cmd.OutOrStdout(), cmd.ErrOrStderr(), branch, opts)
		},
	}
	cmd.Flags().StringVar(&opts.title, "title", "", "Review title (default: branch name)")
	cmd.Flags().StringVar(&opts.body, "body", "", "Review description")
	cmd.Flags().BoolVar(&opts.draft, "draft", false, "Open the review as a draft")
	cmd.Flags().BoolVar(&opts.dryRun, "dry-run", false, "Print the plan without applying it")
	return cmd
}

func runSubmit(ctx context.Context, out, errOut io.Writer, branch ref.BranchName, opts *options) error {
	c, err := common.Open(ctx)
	if err != nil {
		return err
	}
	rc, err := common.Ready(ctx, c, service.Review, errOut)
	if err != nil {
		return err
	}

	remote := c.Config.Remote()
	lease, err := remoteTip(ctx, c, remote, branch)
	if err != nil {
		return err
	}
	p, err := service.PlanSubmit(rc, service.SubmitParams{
		Branch: branch,
		Remote: remote,
		Lease:  lease,
		Title:  opts.title,
		Body:   opts.body,
		Draft:  opts.draft,
	})
	if err != nil {
		return err
	}
	if opts.dryRun {
		common.PrintPlan(out, p)
		return nil
	}

	res, err := common.Execute(ctx, c, rc, p, out)
	if err != nil {
		return err
	}
	review := reviewOf(res)
	if review == nil {
		return nil
	}
	return cacheReview(ctx, c, out, errOut, branch, metadata.ReviewLink{
		Forge:     c.Forge.Name(),
		Number:    review.Number,
		URL:       review.URL,
		State:     review.State,
		CheckedAt: time.Now().UTC(),
	})
}

// remoteTip is the remote-tracking value of branch, zero when never fetched
func remoteTip(ctx context.Context, c *common.Container, remote string, branch ref.BranchName) (ref.Oid, error) {
	name, err := ref.NewRefName(fmt.Sprintf("refs/remotes/%s/%s", remote, branch))
	if err != nil {
		return ref.ZeroOid, err
	}
	return c.Repo.ResolveRef(ctx, name)
}

func reviewOf(res *engine.Result) *repository.Review {
	for _, r := range res.Remote {
		switch r.Step.(type) {
		case plan.CreateReview, plan.UpdateReview:
			if r.Err == nil {
				return r.Review
			}
		}
	}
	return nil
}

// cacheReview records the review link in a second, local-only operation
func cacheReview(ctx context.Context, c *common.Container, out, errOut io.Writer, branch ref.BranchName, link metadata.ReviewLink) error {
	rc, err := common.Ready(ctx, c, service.Mutating, errOut)
	if err != nil {
		return err
	}
	if m := rc.Snapshot().Metadata(branch); m != nil && m.Cached.Review != nil {
		if cached := m.Cached.Review; cached.Number == link.Number && cached.URL == link.URL && cached.State == link.State {
			return nil
		}
	}
	p, err := service.PlanCacheReview(rc, branch, link)
	if err != nil {
		return err
	}
	if _, err := c.Executor.Execute(ctx, rc, p); err != nil {
		app.GetLogger().Warn("Review #%d was not cached for %s: %v", link.Number, branch, err)
		return err
	}
	fmt.Fprintf(out, "Review #%d linked to %s\n", link.Number, branch)
	return nil
}
