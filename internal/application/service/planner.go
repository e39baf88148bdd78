package service

import (
	"errors"
	"fmt"

	"github.com/YoshitsuguKoike/lattice/internal/domain/model/metadata"
	"github.com/YoshitsuguKoike/lattice/internal/domain/model/plan"
	"github.com/YoshitsuguKoike/lattice/internal/domain/model/ref"
)

// Planner errors are user mistakes, reported before anything is locked
var (
	ErrNotTracked     = errors.New("branch is not tracked")
	ErrAlreadyTracked = errors.New("branch is already tracked")
	ErrNoSuchBranch   = errors.New("branch does not exist")
	ErrIsTrunk        = errors.New("the trunk cannot be tracked")
	ErrHasChildren    = errors.New("branch has tracked children")
	ErrFrozen         = errors.New("branch is frozen")
	ErrNoBase         = errors.New("no common ancestor with parent")
)

// The planners below are pure: they read only the gated snapshot and their
// parameters. Anything that needs git (merge-base, remote refs) is resolved
// by the caller and passed in.

// TrackParams describes a branch to start tracking
type TrackParams struct {
	Branch ref.BranchName
	// Parent defaults to the trunk
	Parent ref.BranchName
	// Base is the merge base of Branch and Parent
	Base ref.Oid
}

// PlanTrack creates metadata for an untracked branch
func PlanTrack(rc *ReadyContext, p TrackParams) (*plan.Plan, error) {
	snap := rc.Snapshot()
	if p.Branch.Equals(snap.Trunk) {
		return nil, ErrIsTrunk
	}
	if snap.Tip(p.Branch).IsZero() {
		return nil, fmt.Errorf("%w: %s", ErrNoSuchBranch, p.Branch)
	}
	if snap.IsTracked(p.Branch) {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyTracked, p.Branch)
	}
	parent := p.Parent
	if parent.IsZero() {
		parent = snap.Trunk
	}
	parentIsTrunk := parent.Equals(snap.Trunk)
	if !parentIsTrunk && snap.Metadata(parent) == nil {
		return nil, fmt.Errorf("parent %s: %w", parent, ErrNotTracked)
	}
	if p.Base.IsZero() {
		return nil, fmt.Errorf("%w: %s and %s", ErrNoBase, p.Branch, parent)
	}

	m := metadata.New(p.Branch, parent, parentIsTrunk, p.Base)
	return plan.New("track", plan.WriteMetadataCas{Branch: p.Branch, ExpectedOld: ref.ZeroOid, Content: m})
}

// PlanUntrack removes a leaf branch's metadata. The branch itself is kept.
func PlanUntrack(rc *ReadyContext, branch ref.BranchName) (*plan.Plan, error) {
	snap := rc.Snapshot()
	t, ok := snap.Tracked[branch]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotTracked, branch)
	}
	if children := snap.Children(branch); len(children) > 0 {
		return nil, fmt.Errorf("%w: %s has %v", ErrHasChildren, branch, children)
	}
	return plan.New("untrack", plan.DeleteRefCas{Ref: branch.MetadataRef(), ExpectedOld: t.MetadataOid})
}

// PlanRestack rebases every branch under root whose recorded base is not
// its parent's tip, parents before children. A zero root means the trunk.
// Each rebase is followed by a RecordBase step; a rebased parent forces its
// children to be rebased as well.
func PlanRestack(rc *ReadyContext, root ref.BranchName) (*plan.Plan, error) {
	snap := rc.Snapshot()
	if root.IsZero() {
		root = snap.Trunk
	}
	if !root.Equals(snap.Trunk) && snap.Metadata(root) == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotTracked, root)
	}

	var steps []plan.Step
	moved := map[ref.BranchName]bool{}
	queue := snap.Children(root)
	if !root.Equals(snap.Trunk) {
		queue = []ref.BranchName{root}
	}
	for len(queue) > 0 {
		b := queue[0]
		queue = queue[1:]
		queue = append(queue, snap.Children(b)...)

		t := snap.Tracked[b]
		s := t.Metadata.Structural
		parentTip := snap.Tip(s.Parent)
		if !moved[s.Parent] && s.Base.Equals(parentTip) {
			continue
		}
		if s.Freeze.Frozen {
			return nil, fmt.Errorf("%w: %s needs restacking onto %s", ErrFrozen, b, s.Parent)
		}
		moved[b] = true
		steps = append(steps,
			plan.RunGit{
				Args:        []string{"rebase", "--onto", s.Parent.String(), s.Base.String(), b.String()},
				Effects:     []plan.Expectation{{Ref: b.Ref(), Expected: t.Tip}},
				Description: fmt.Sprintf("rebase %s onto %s", b, s.Parent),
			},
			plan.RecordBase{Branch: b, Parent: s.Parent, ExpectedOld: t.MetadataOid},
		)
	}
	return plan.New("restack", steps...)
}

// SubmitParams describes a branch to publish for review
type SubmitParams struct {
	Branch ref.BranchName
	Remote string
	// Lease is the remote's last known tip of Branch (zero: never pushed)
	Lease ref.Oid
	Title string
	Body  string
	Draft bool
}

// PlanSubmit pushes a tracked branch and opens or retargets its review.
// The plan is remote only; the review number is cached afterwards by
// PlanCacheReview.
func PlanSubmit(rc *ReadyContext, p SubmitParams) (*plan.Plan, error) {
	snap := rc.Snapshot()
	m := snap.Metadata(p.Branch)
	if m == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotTracked, p.Branch)
	}
	base := m.Structural.Parent

	steps := []plan.Step{
		plan.PushBranch{Branch: p.Branch, RemoteName: p.Remote, Lease: p.Lease, Force: true},
	}
	if r := m.Cached.Review; r != nil && r.Number > 0 {
		steps = append(steps, plan.UpdateReview{Branch: p.Branch, Number: r.Number, Base: base})
	} else {
		title := p.Title
		if title == "" {
			title = p.Branch.String()
		}
		steps = append(steps, plan.CreateReview{Branch: p.Branch, Base: base, Title: title, Body: p.Body, Draft: p.Draft})
	}
	return plan.New("submit", steps...)
}

// PlanCacheReview stores a review link in a branch's cached metadata
func PlanCacheReview(rc *ReadyContext, branch ref.BranchName, link metadata.ReviewLink) (*plan.Plan, error) {
	snap := rc.Snapshot()
	t, ok := snap.Tracked[branch]
	if !ok || t.Metadata == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotTracked, branch)
	}
	m := t.Metadata.Clone()
	m.Cached.Review = &link
	return plan.New("cache-review", plan.WriteMetadataCas{Branch: branch, ExpectedOld: t.MetadataOid, Content: m})
}
