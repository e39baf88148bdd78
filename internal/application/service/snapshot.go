package service

import (
	"sort"
	"time"

	"github.com/YoshitsuguKoike/lattice/internal/domain/model/metadata"
	"github.com/YoshitsuguKoike/lattice/internal/domain/model/opstate"
	"github.com/YoshitsuguKoike/lattice/internal/domain/model/ref"
	"github.com/YoshitsuguKoike/lattice/internal/domain/repository"
)

// IssueKind classifies a health problem found by a scan
type IssueKind string

const (
	IssueMetadataParse        IssueKind = "metadata-parse-error"
	IssueMissingBranch        IssueKind = "missing-branch"
	IssueMissingParent        IssueKind = "missing-parent"
	IssueParentCycle          IssueKind = "parent-cycle"
	IssueBaseUnreachable      IssueKind = "base-unreachable"
	IssueTrunkMismatch        IssueKind = "trunk-mismatch"
	IssueTrunkMissing         IssueKind = "trunk-missing"
	IssueExternalOperation    IssueKind = "external-operation"
	IssueOperationPaused      IssueKind = "operation-paused"
	IssueOperationInterrupted IssueKind = "operation-interrupted"
	IssueOperationRunning     IssueKind = "operation-running"
	IssueOpStateCorrupt       IssueKind = "op-state-corrupt"
	IssueOrphanedJournal      IssueKind = "orphaned-journal"
)

// Issue is a non-fatal problem attached to a snapshot. ID is stable across
// scans of the same state so a fix can be selected by it.
type Issue struct {
	ID       string
	Kind     IssueKind
	Branch   ref.BranchName
	Message  string
	Evidence []string
	// Blocks lists the capabilities this issue removes
	Blocks []Capability
}

// Blocking reports whether the issue removes any capability
func (i Issue) Blocking() bool { return len(i.Blocks) > 0 }

func newIssue(kind IssueKind, subject, message string, evidence []string, blocks ...Capability) Issue {
	id := string(kind)
	if subject != "" {
		id += ":" + subject
	}
	return Issue{ID: id, Kind: kind, Message: message, Evidence: evidence, Blocks: blocks}
}

func branchIssue(kind IssueKind, b ref.BranchName, message string, evidence []string, blocks ...Capability) Issue {
	i := newIssue(kind, b.String(), message, evidence, blocks...)
	i.Branch = b
	return i
}

// Tracked is one branch with lattice metadata
type Tracked struct {
	Name ref.BranchName
	// Tip is zero when the branch ref is gone
	Tip         ref.Oid
	MetadataOid ref.Oid
	// Metadata is nil when the blob failed to parse
	Metadata *metadata.Metadata
	ParseErr error
}

// Snapshot is an immutable view of the repository produced by one scan
type Snapshot struct {
	Trunk    ref.BranchName
	TrunkTip ref.Oid

	// Branches holds every local branch tip
	Branches map[ref.BranchName]ref.Oid
	// Tracked holds every branch with a metadata ref, parsed or not
	Tracked map[ref.BranchName]*Tracked

	OpState     *opstate.OpState
	Interrupted bool
	LockHolder  *repository.LockInfo
	ExternalOp  repository.ExternalOp
	Orphaned    []string

	Worktree string

	// FingerprintRefs is the state the fingerprint covers
	FingerprintRefs map[ref.RefName]ref.Oid
	Fingerprint     string
	ConfigVersion   string

	Issues       []Issue
	Capabilities CapabilitySet
	ScannedAt    time.Time
}

// TrackedNames returns tracked branches sorted by name
func (s *Snapshot) TrackedNames() []ref.BranchName {
	out := make([]ref.BranchName, 0, len(s.Tracked))
	for name := range s.Tracked {
		out = append(out, name)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// Metadata returns the parsed metadata of a branch, nil if untracked or unreadable
func (s *Snapshot) Metadata(b ref.BranchName) *metadata.Metadata {
	if t, ok := s.Tracked[b]; ok {
		return t.Metadata
	}
	return nil
}

// IsTracked reports whether b has a metadata ref
func (s *Snapshot) IsTracked(b ref.BranchName) bool {
	_, ok := s.Tracked[b]
	return ok
}

// Tip returns the current tip of a local branch (zero when absent)
func (s *Snapshot) Tip(b ref.BranchName) ref.Oid {
	return s.Branches[b]
}

// Children returns the tracked branches whose parent is b, sorted
func (s *Snapshot) Children(b ref.BranchName) []ref.BranchName {
	var out []ref.BranchName
	for _, name := range s.TrackedNames() {
		if m := s.Tracked[name].Metadata; m != nil && m.Structural.Parent.Equals(b) {
			out = append(out, name)
		}
	}
	return out
}

// Issue returns the issue with id
func (s *Snapshot) Issue(id string) (Issue, bool) {
	for _, i := range s.Issues {
		if i.ID == id {
			return i, true
		}
	}
	return Issue{}, false
}

// BlockingIssues returns the issues that remove a capability
func (s *Snapshot) BlockingIssues() []Issue {
	var out []Issue
	for _, i := range s.Issues {
		if i.Blocking() {
			out = append(out, i)
		}
	}
	return out
}

// StructuralIssueIDs returns the ids of graph problems, sorted
func (s *Snapshot) StructuralIssueIDs() []string {
	var out []string
	for _, i := range s.Issues {
		if isStructural(i.Kind) {
			out = append(out, i.ID)
		}
	}
	sort.Strings(out)
	return out
}

func isStructural(k IssueKind) bool {
	switch k {
	case IssueMetadataParse, IssueMissingBranch, IssueMissingParent, IssueParentCycle,
		IssueBaseUnreachable, IssueTrunkMismatch, IssueTrunkMissing:
		return true
	}
	return false
}
