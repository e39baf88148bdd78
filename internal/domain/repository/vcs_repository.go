package repository

import (
	"context"

	"github.com/YoshitsuguKoike/lattice/internal/domain/model/ref"
)

// ExternalOp names a multi-step git operation that can be left in progress
type ExternalOp string

const (
	OpNone         ExternalOp = ""
	OpRebase       ExternalOp = "rebase"
	OpMerge        ExternalOp = "merge"
	OpCherryPick   ExternalOp = "cherry-pick"
	OpRevert       ExternalOp = "revert"
	OpBisect       ExternalOp = "bisect"
	OpApplyMailbox ExternalOp = "am"
)

// Worktree is one checkout of the repository
type Worktree struct {
	Path   string
	Branch ref.BranchName // zero when HEAD is detached
	Head   ref.Oid
	Bare   bool
}

// Commit is the subset of a commit object the engine reads
type Commit struct {
	Oid     ref.Oid
	Parents []ref.Oid
	Message string
}

// GitResult is the structured outcome of a subcommand
type GitResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Success reports a zero exit status
func (r GitResult) Success() bool { return r.ExitCode == 0 }

// Repository is the version-control collaborator. The scanner and the
// executor depend only on this interface.
type Repository interface {
	// CommonDir is the storage directory shared by all worktrees
	CommonDir() string

	// WorktreeRoot is the absolute path of the current worktree ("" when bare)
	WorktreeRoot() string

	// ResolveRef returns the Oid a ref points at, or ZeroOid when absent
	ResolveRef(ctx context.Context, name ref.RefName) (ref.Oid, error)

	// ListRefs returns every ref under prefix
	ListRefs(ctx context.Context, prefix string) (map[ref.RefName]ref.Oid, error)

	// UpdateRefCas points name at newOid only if it currently holds
	// expectedOld (ZeroOid: must not exist). Mismatch is a CasFailed error.
	UpdateRefCas(ctx context.Context, name ref.RefName, newOid, expectedOld ref.Oid, reason string) error

	// DeleteRefCas deletes name only if it currently holds expectedOld
	DeleteRefCas(ctx context.Context, name ref.RefName, expectedOld ref.Oid) error

	// WriteBlob stores content and returns its Oid
	WriteBlob(ctx context.Context, content []byte) (ref.Oid, error)

	// ReadBlob returns the content of a blob
	ReadBlob(ctx context.Context, oid ref.Oid) ([]byte, error)

	// CreateCommit creates an empty-tree commit carrying message
	CreateCommit(ctx context.Context, message string, parents []ref.Oid) (ref.Oid, error)

	// ReadCommit reads a commit's parents and message
	ReadCommit(ctx context.Context, oid ref.Oid) (*Commit, error)

	// Worktrees lists every worktree of the repository
	Worktrees(ctx context.Context) ([]Worktree, error)

	// InProgressOperation reports an unfinished rebase/merge/... in the current worktree
	InProgressOperation(ctx context.Context) (ExternalOp, error)

	// ContinueOperation resumes an in-progress operation after the user resolved it
	ContinueOperation(ctx context.Context, op ExternalOp) (GitResult, error)

	// AbortOperation abandons an in-progress operation
	AbortOperation(ctx context.Context, op ExternalOp) error

	// IsAncestor reports whether ancestor is reachable from descendant
	IsAncestor(ctx context.Context, ancestor, descendant ref.Oid) (bool, error)

	// MergeBase returns the best common ancestor of a and b
	MergeBase(ctx context.Context, a, b ref.Oid) (ref.Oid, error)

	// Run executes an arbitrary subcommand in the current worktree. A
	// non-zero exit is reported in the result, not as an error.
	Run(ctx context.Context, args ...string) (GitResult, error)
}

// OccupiedElsewhere returns the worktree (other than current) that has
// branch checked out
func OccupiedElsewhere(worktrees []Worktree, branch ref.BranchName, current string) (Worktree, bool) {
	for _, wt := range worktrees {
		if wt.Bare || wt.Branch.IsZero() {
			continue
		}
		if wt.Branch.Equals(branch) && wt.Path != current {
			return wt, true
		}
	}
	return Worktree{}, false
}
