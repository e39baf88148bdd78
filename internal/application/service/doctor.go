package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/YoshitsuguKoike/lattice/internal/domain/model/event"
	"github.com/YoshitsuguKoike/lattice/internal/domain/model/plan"
	"github.com/YoshitsuguKoike/lattice/internal/domain/model/ref"
	"github.com/YoshitsuguKoike/lattice/internal/domain/repository"
)

// Fix kinds offered by doctor
const (
	FixUntrackMissingBranch   = "untrack-missing-branch"
	FixUntrackCorruptMetadata = "untrack-corrupt-metadata"
	FixReparentToTrunk        = "reparent-to-trunk"
	FixRepairTrunkFlag        = "repair-trunk-flag"
)

var (
	ErrNoFixSelected = errors.New("no fix selected")
	ErrUnknownFix    = errors.New("unknown fix")
)

// Fix is one offered repair. It is never applied unless selected by ID.
type Fix struct {
	ID          string
	Branch      ref.BranchName
	IssueIDs    []string
	Description string
	Steps       []plan.Step
}

// Doctor turns snapshot issues into explicit, selectable fixes
type Doctor struct {
	ledger repository.Ledger
}

// NewDoctor creates a doctor that records proposals in ledger
func NewDoctor(ledger repository.Ledger) *Doctor {
	return &Doctor{ledger: ledger}
}

// Propose lists the fixes for the snapshot's issues and records the proposal
func (d *Doctor) Propose(ctx context.Context, rc *ReadyContext) ([]Fix, error) {
	fixes := ProposeFixes(rc)
	if len(fixes) == 0 {
		return nil, nil
	}
	var issueIDs, fixIDs []string
	for _, f := range fixes {
		fixIDs = append(fixIDs, f.ID)
		issueIDs = append(issueIDs, f.IssueIDs...)
	}
	if _, err := d.ledger.Append(ctx, event.DoctorProposed(issueIDs, fixIDs)); err != nil {
		return nil, fmt.Errorf("record doctor proposal: %w", err)
	}
	return fixes, nil
}

// RecordApplied records fixes applied by the operation opID
func (d *Doctor) RecordApplied(ctx context.Context, opID string, fixIDs []string) error {
	if _, err := d.ledger.Append(ctx, event.DoctorApplied(opID, fixIDs)); err != nil {
		return fmt.Errorf("record doctor fixes: %w", err)
	}
	return nil
}

// ProposeFixes derives at most one fix per branch, preferring untracking
// over reparenting over flag repair
func ProposeFixes(rc *ReadyContext) []Fix {
	snap := rc.Snapshot()

	byBranch := make(map[ref.BranchName][]Issue)
	for _, is := range snap.Issues {
		if !is.Branch.IsZero() {
			byBranch[is.Branch] = append(byBranch[is.Branch], is)
		}
	}

	var fixes []Fix
	for _, b := range sortedBranches(byBranch) {
		if f, ok := fixFor(snap, b, byBranch[b]); ok {
			fixes = append(fixes, f)
		}
	}
	return fixes
}

func fixFor(snap *Snapshot, b ref.BranchName, issues []Issue) (Fix, bool) {
	t, tracked := snap.Tracked[b]
	if !tracked {
		return Fix{}, false
	}
	ids := func(kinds ...IssueKind) []string {
		var out []string
		for _, is := range issues {
			for _, k := range kinds {
				if is.Kind == k {
					out = append(out, is.ID)
				}
			}
		}
		return out
	}

	if found := ids(IssueMetadataParse); len(found) > 0 {
		return Fix{
			ID:          FixUntrackCorruptMetadata + ":" + b.String(),
			Branch:      b,
			IssueIDs:    found,
			Description: fmt.Sprintf("stop tracking %s (its metadata cannot be read)", b),
			Steps:       []plan.Step{plan.DeleteRefCas{Ref: b.MetadataRef(), ExpectedOld: t.MetadataOid}},
		}, true
	}
	if found := ids(IssueMissingBranch); len(found) > 0 {
		return Fix{
			ID:          FixUntrackMissingBranch + ":" + b.String(),
			Branch:      b,
			IssueIDs:    found,
			Description: fmt.Sprintf("stop tracking %s (the branch was deleted)", b),
			Steps:       []plan.Step{plan.DeleteRefCas{Ref: b.MetadataRef(), ExpectedOld: t.MetadataOid}},
		}, true
	}
	if t.Metadata == nil {
		return Fix{}, false
	}
	if found := ids(IssueMissingParent, IssueParentCycle); len(found) > 0 {
		m := t.Metadata.Clone()
		m.Structural.Parent = snap.Trunk
		m.Structural.ParentIsTrunk = true
		return Fix{
			ID:          FixReparentToTrunk + ":" + b.String(),
			Branch:      b,
			IssueIDs:    append(found, ids(IssueTrunkMismatch)...),
			Description: fmt.Sprintf("make %s a child of %s", b, snap.Trunk),
			Steps:       []plan.Step{plan.WriteMetadataCas{Branch: b, ExpectedOld: t.MetadataOid, Content: m}},
		}, true
	}
	if found := ids(IssueTrunkMismatch); len(found) > 0 {
		m := t.Metadata.Clone()
		m.Structural.ParentIsTrunk = m.Structural.Parent.Equals(snap.Trunk)
		return Fix{
			ID:          FixRepairTrunkFlag + ":" + b.String(),
			Branch:      b,
			IssueIDs:    found,
			Description: fmt.Sprintf("set parent_is_trunk=%v on %s", m.Structural.ParentIsTrunk, b),
			Steps:       []plan.Step{plan.WriteMetadataCas{Branch: b, ExpectedOld: t.MetadataOid, Content: m}},
		}, true
	}
	return Fix{}, false
}

// PlanFixes builds the repair plan for the selected fix ids. Selection is
// explicit; nothing is chosen on the caller's behalf.
func PlanFixes(rc *ReadyContext, selected []string) (*plan.Plan, []Fix, error) {
	if len(selected) == 0 {
		return nil, nil, ErrNoFixSelected
	}
	available := make(map[string]Fix)
	for _, f := range ProposeFixes(rc) {
		available[f.ID] = f
	}

	var (
		chosen []Fix
		steps  []plan.Step
		seen   = make(map[string]bool)
	)
	for _, id := range selected {
		if seen[id] {
			continue
		}
		seen[id] = true
		f, ok := available[id]
		if !ok {
			ids := make([]string, 0, len(available))
			for k := range available {
				ids = append(ids, k)
			}
			sort.Strings(ids)
			return nil, nil, fmt.Errorf("%w %q (available: %s)", ErrUnknownFix, id, strings.Join(ids, ", "))
		}
		chosen = append(chosen, f)
		steps = append(steps, f.Steps...)
	}
	p, err := plan.New("doctor", steps...)
	if err != nil {
		return nil, nil, fmt.Errorf("build repair plan: %w", err)
	}
	return p, chosen, nil
}

func sortedBranches(m map[ref.BranchName][]Issue) []ref.BranchName {
	out := make([]ref.BranchName, 0, len(m))
	for b := range m {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}
