package service

import (
	"context"
	"fmt"
	"sort"

	"github.com/YoshitsuguKoike/lattice/internal/domain/model/ref"
	"github.com/YoshitsuguKoike/lattice/internal/domain/repository"
)

// structuralCheck validates the parent graph of the tracked branches
type structuralCheck struct {
	repo           repository.Repository
	trunk          ref.BranchName
	verifyAncestry bool
}

// run returns one issue per problem. It never fails: git errors during the
// ancestry check become issue evidence.
func (c structuralCheck) run(ctx context.Context, tracked map[ref.BranchName]*Tracked) []Issue {
	var issues []Issue

	names := make([]ref.BranchName, 0, len(tracked))
	for name := range tracked {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return names[i].String() < names[j].String() })

	for _, name := range names {
		t := tracked[name]
		if t.Metadata == nil {
			msg := fmt.Sprintf("metadata for %s cannot be parsed", name)
			var evidence []string
			if t.ParseErr != nil {
				evidence = append(evidence, t.ParseErr.Error())
			}
			evidence = append(evidence, "ref "+name.MetadataRef().String()+" -> "+t.MetadataOid.String())
			issues = append(issues, branchIssue(IssueMetadataParse, name, msg, evidence, CapMetadataReadable))
			continue
		}
		if t.Tip.IsZero() {
			issues = append(issues, branchIssue(IssueMissingBranch, name,
				fmt.Sprintf("%s is tracked but its branch no longer exists", name),
				[]string{"missing ref " + name.Ref().String()}, CapGraphValid))
			continue
		}

		s := t.Metadata.Structural
		parentIsTrunk := s.Parent.Equals(c.trunk)
		if s.ParentIsTrunk != parentIsTrunk {
			issues = append(issues, branchIssue(IssueTrunkMismatch, name,
				fmt.Sprintf("%s records parent_is_trunk=%v but its parent is %s and trunk is %s", name, s.ParentIsTrunk, s.Parent, c.trunk),
				nil, CapGraphValid))
		}
		if !parentIsTrunk {
			if _, ok := tracked[s.Parent]; !ok {
				issues = append(issues, branchIssue(IssueMissingParent, name,
					fmt.Sprintf("parent %s of %s is not tracked", s.Parent, name),
					[]string{"missing ref " + s.Parent.MetadataRef().String()}, CapGraphValid))
			}
		}

		if c.verifyAncestry && !s.Base.IsZero() {
			ok, err := c.repo.IsAncestor(ctx, s.Base, t.Tip)
			if err != nil || !ok {
				evidence := []string{"base " + s.Base.String(), "tip " + t.Tip.String()}
				if err != nil {
					evidence = append(evidence, err.Error())
				}
				issues = append(issues, branchIssue(IssueBaseUnreachable, name,
					fmt.Sprintf("base %s of %s is not an ancestor of its tip", s.Base.Short(), name),
					evidence, CapGraphValid))
			}
		}
	}

	for _, cycle := range findCycles(tracked) {
		members := make([]string, len(cycle))
		for i, b := range cycle {
			members[i] = b.String()
		}
		issues = append(issues, branchIssue(IssueParentCycle, cycle[0],
			fmt.Sprintf("parent cycle through %s", cycle[0]), members, CapGraphValid))
	}
	return issues
}

// findCycles returns every parent cycle among tracked branches. Each cycle
// is rotated so its lexicographically smallest member comes first.
func findCycles(tracked map[ref.BranchName]*Tracked) [][]ref.BranchName {
	parent := make(map[ref.BranchName]ref.BranchName, len(tracked))
	for name, t := range tracked {
		if t.Metadata != nil {
			parent[name] = t.Metadata.Structural.Parent
		}
	}

	const (
		unvisited = iota
		inStack
		done
	)
	state := make(map[ref.BranchName]int, len(parent))
	var cycles [][]ref.BranchName

	names := make([]ref.BranchName, 0, len(parent))
	for name := range parent {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return names[i].String() < names[j].String() })

	for _, start := range names {
		if state[start] != unvisited {
			continue
		}
		var path []ref.BranchName
		cur := start
		for {
			if state[cur] == inStack {
				idx := 0
				for i, b := range path {
					if b.Equals(cur) {
						idx = i
						break
					}
				}
				cycles = append(cycles, rotateSmallestFirst(path[idx:]))
				break
			}
			if state[cur] == done {
				break
			}
			next, ok := parent[cur]
			if !ok {
				break
			}
			state[cur] = inStack
			path = append(path, cur)
			cur = next
		}
		for _, b := range path {
			state[b] = done
		}
	}
	return cycles
}

func rotateSmallestFirst(cycle []ref.BranchName) []ref.BranchName {
	min := 0
	for i, b := range cycle {
		if b.String() < cycle[min].String() {
			min = i
		}
	}
	out := make([]ref.BranchName, 0, len(cycle))
	out = append(out, cycle[min:]...)
	return append(out, cycle[:min]...)
}
