package engine

import (
	"context"
	"errors"

	"github.com/YoshitsuguKoike/lattice/internal/app"
	"github.com/YoshitsuguKoike/lattice/internal/domain/execution"
	"github.com/YoshitsuguKoike/lattice/internal/domain/model/plan"
	"github.com/YoshitsuguKoike/lattice/internal/domain/repository"
)

var errNoForge = errors.New("plan has remote steps but no forge is available")

// RemoteResult is the outcome of one remote-phase step
type RemoteResult struct {
	Step   plan.Step
	Review *repository.Review
	Err    error
}

// runRemote runs remote steps in order after the local phase committed.
// The first failure stops the phase; nothing local is rolled back.
func (e *Executor) runRemote(ctx context.Context, res *Result, steps []plan.Step) (*Result, error) {
	for _, step := range steps {
		review, err := e.remoteStep(ctx, step)
		res.Remote = append(res.Remote, RemoteResult{Step: step, Review: review, Err: err})
		if err != nil {
			app.GetLogger().Error("Remote step failed %s=%s step=%q: %v", app.MetricOpRemoteFailed, res.OpID, step.Describe(), err)
			return res, execution.RemoteStepFailed(step.Describe(), err)
		}
	}
	return res, nil
}

func (e *Executor) remoteStep(ctx context.Context, step plan.Step) (*repository.Review, error) {
	if e.forge == nil {
		return nil, errNoForge
	}
	switch s := step.(type) {
	case plan.PushBranch:
		return nil, e.forge.Push(ctx, s.RemoteName, s.Branch, s.Lease, s.Force)
	case plan.FetchRemote:
		return nil, e.forge.Fetch(ctx, s.RemoteName)
	case plan.CreateReview:
		return e.forge.CreateReview(ctx, repository.ReviewRequest{
			Head:  s.Branch,
			Base:  s.Base,
			Title: s.Title,
			Body:  s.Body,
			Draft: s.Draft,
		})
	case plan.UpdateReview:
		return e.forge.UpdateReview(ctx, s.Number, s.Base)
	case plan.MergeReview:
		return e.forge.MergeReview(ctx, s.Number, s.Method)
	}
	return nil, errors.New("step " + string(step.Kind()) + " is not a remote step")
}
