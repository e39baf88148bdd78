package service

import (
	"fmt"
	"sort"
	"strings"

	"github.com/YoshitsuguKoike/lattice/internal/domain/execution"
)

// Capability is something the repository currently allows
type Capability string

const (
	CapRepoReadable        Capability = "repo-readable"
	CapWorktree            Capability = "worktree"
	CapTrunkResolved       Capability = "trunk-resolved"
	CapMetadataReadable    Capability = "metadata-readable"
	CapGraphValid          Capability = "graph-valid"
	CapNoOperationInFlight Capability = "no-operation-in-flight"
	CapOperationPresent    Capability = "operation-present"
	CapNoExternalOperation Capability = "no-external-operation"
	CapRemoteConfigured    Capability = "remote-configured"
	CapForgeConfigured     Capability = "forge-configured"
)

// CapabilitySet is an unordered set of capabilities
type CapabilitySet map[Capability]bool

// NewCapabilitySet builds a set from caps
func NewCapabilitySet(caps ...Capability) CapabilitySet {
	s := make(CapabilitySet, len(caps))
	for _, c := range caps {
		s[c] = true
	}
	return s
}

// Has reports membership
func (s CapabilitySet) Has(c Capability) bool { return s[c] }

// Sorted returns the members in a stable order
func (s CapabilitySet) Sorted() []Capability {
	out := make([]Capability, 0, len(s))
	for c, ok := range s {
		if ok {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// RequirementSet is the static set of capabilities a command needs
type RequirementSet struct {
	Name string
	Caps []Capability
}

var (
	// ReadOnly commands only need a readable repository
	ReadOnly = RequirementSet{Name: "read-only", Caps: []Capability{CapRepoReadable}}

	// Mutating commands need a healthy stack and nothing in flight
	Mutating = RequirementSet{Name: "mutating", Caps: []Capability{
		CapRepoReadable, CapWorktree, CapTrunkResolved, CapMetadataReadable,
		CapGraphValid, CapNoOperationInFlight, CapNoExternalOperation,
	}}

	// Repair is Mutating without graph health, which the repair restores
	Repair = RequirementSet{Name: "repair", Caps: []Capability{
		CapRepoReadable, CapWorktree, CapTrunkResolved,
		CapNoOperationInFlight, CapNoExternalOperation,
	}}

	// Recovery commands need an operation to recover
	Recovery = RequirementSet{Name: "recovery", Caps: []Capability{
		CapRepoReadable, CapWorktree, CapOperationPresent,
	}}

	// Remote commands additionally need a remote
	Remote = RequirementSet{Name: "remote", Caps: append(append([]Capability(nil), Mutating.Caps...), CapRemoteConfigured)}

	// Review commands additionally need a forge
	Review = RequirementSet{Name: "review", Caps: append(append([]Capability(nil), Remote.Caps...), CapForgeConfigured)}
)

// ReadyContext is a snapshot that passed the gate for a requirement set.
// It can only be obtained from Gate, so planners never see ungated state.
type ReadyContext struct {
	snapshot     *Snapshot
	requirements RequirementSet
}

// Snapshot returns the validated snapshot
func (rc *ReadyContext) Snapshot() *Snapshot { return rc.snapshot }

// Requirements returns the set the snapshot was validated against
func (rc *ReadyContext) Requirements() RequirementSet { return rc.requirements }

// RepairBundle explains why a command cannot run
type RepairBundle struct {
	Requirements RequirementSet
	Missing      []Capability
	Issues       []Issue
}

// Err converts the bundle into a GATE_BLOCKED error
func (b *RepairBundle) Err() error {
	missing := make([]string, len(b.Missing))
	for i, c := range b.Missing {
		missing[i] = string(c)
	}
	ids := make([]string, len(b.Issues))
	for i, is := range b.Issues {
		ids[i] = is.ID
	}
	msg := fmt.Sprintf("cannot run %s command: missing %s", b.Requirements.Name, strings.Join(missing, ", "))
	return execution.NewError(execution.CodeGateBlocked, msg, map[string]interface{}{
		"issues": strings.Join(ids, ","),
	})
}

// Gate checks a snapshot's capabilities against a requirement set. Exactly
// one of the results is non-nil.
func Gate(snap *Snapshot, req RequirementSet) (*ReadyContext, *RepairBundle) {
	var missing []Capability
	for _, c := range req.Caps {
		if !snap.Capabilities.Has(c) {
			missing = append(missing, c)
		}
	}
	if len(missing) == 0 {
		return &ReadyContext{snapshot: snap, requirements: req}, nil
	}

	lacking := NewCapabilitySet(missing...)
	bundle := &RepairBundle{Requirements: req, Missing: missing}
	for _, is := range snap.Issues {
		for _, c := range is.Blocks {
			if lacking.Has(c) {
				bundle.Issues = append(bundle.Issues, is)
				break
			}
		}
	}
	return nil, bundle
}
