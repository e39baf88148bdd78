package repository

import (
	"testing"

	"github.com/YoshitsuguKoike/lattice/internal/domain/model/ref"
)

func TestOccupiedElsewhere(t *testing.T) {
	feat := ref.MustBranchName("feat")
	worktrees := []Worktree{
		{Path: "/repo", Branch: ref.MustBranchName("main")},
		{Path: "/repo-feat", Branch: feat},
		{Path: "/repo-detached"},
		{Path: "/bare", Bare: true},
	}

	wt, ok := OccupiedElsewhere(worktrees, feat, "/repo")
	if !ok || wt.Path != "/repo-feat" {
		t.Errorf("expected /repo-feat to occupy feat, got %+v %v", wt, ok)
	}

	if _, ok := OccupiedElsewhere(worktrees, feat, "/repo-feat"); ok {
		t.Error("the current worktree never counts as elsewhere")
	}
	if _, ok := OccupiedElsewhere(worktrees, ref.MustBranchName("other"), "/repo"); ok {
		t.Error("unchecked-out branch reported as occupied")
	}
}

func TestGitResultSuccess(t *testing.T) {
	if !(GitResult{}).Success() || (GitResult{ExitCode: 1}).Success() {
		t.Error("Success() should track exit code")
	}
}
