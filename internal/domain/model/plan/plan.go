package plan

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"lukechampine.com/blake3"

	"github.com/YoshitsuguKoike/lattice/internal/domain/model/ref"
)

// SchemaVersion is bumped whenever the serialized step format changes.
// A paused operation can only be resumed by a build with the same version.
const SchemaVersion = 1

var (
	ErrEmptyCommand = errors.New("plan command cannot be empty")
	ErrRemoteOrder  = errors.New("remote steps must follow all local steps")
	ErrDuplicateRef = errors.New("ref touched by more than one CAS step")
)

// Plan is an immutable, ordered list of steps built for one command
type Plan struct {
	command string
	steps   []Step
}

// New validates and freezes a plan. Steps are copied.
func New(command string, steps ...Step) (*Plan, error) {
	if command == "" {
		return nil, ErrEmptyCommand
	}

	seenRemote := false
	casRefs := make(map[ref.RefName]int)
	for i, s := range steps {
		if s == nil {
			return nil, fmt.Errorf("step %d is nil", i)
		}
		if s.Remote() {
			seenRemote = true
			continue
		}
		if seenRemote {
			return nil, fmt.Errorf("%w: step %d (%s)", ErrRemoteOrder, i, s.Kind())
		}
		if s.Kind() == KindRunGit || s.Kind() == KindCheckpoint {
			continue
		}
		for _, t := range s.Touches() {
			if prev, ok := casRefs[t.Ref]; ok {
				return nil, fmt.Errorf("%w: %s at steps %d and %d", ErrDuplicateRef, t.Ref, prev, i)
			}
			casRefs[t.Ref] = i
		}
	}

	return &Plan{
		command: command,
		steps:   append([]Step(nil), steps...),
	}, nil
}

// Command returns the name of the command that built the plan
func (p *Plan) Command() string { return p.command }

// Len returns the number of steps
func (p *Plan) Len() int { return len(p.steps) }

// IsEmpty reports whether the plan has nothing to do
func (p *Plan) IsEmpty() bool { return len(p.steps) == 0 }

// SchemaVersion returns the step format version
func (p *Plan) SchemaVersion() int { return SchemaVersion }

// Steps returns a copy of all steps in order
func (p *Plan) Steps() []Step { return append([]Step(nil), p.steps...) }

// LocalSteps returns the steps executed under the repository lock
func (p *Plan) LocalSteps() []Step {
	var out []Step
	for _, s := range p.steps {
		if !s.Remote() {
			out = append(out, s)
		}
	}
	return out
}

// RemoteSteps returns the deferred remote-phase steps
func (p *Plan) RemoteSteps() []Step {
	var out []Step
	for _, s := range p.steps {
		if s.Remote() {
			out = append(out, s)
		}
	}
	return out
}

// Expectations returns every touched ref with the value it must hold before
// the plan's first write to it, in step order
func (p *Plan) Expectations() []Expectation {
	seen := make(map[ref.RefName]bool)
	var out []Expectation
	for _, s := range p.steps {
		for _, t := range s.Touches() {
			if seen[t.Ref] {
				continue
			}
			seen[t.Ref] = true
			out = append(out, t)
		}
	}
	return out
}

// TouchedRefs returns the sorted set of refs the plan mutates
func (p *Plan) TouchedRefs() []ref.RefName {
	set := make(map[ref.RefName]struct{})
	for _, s := range p.steps {
		for _, t := range s.Touches() {
			set[t.Ref] = struct{}{}
		}
	}
	out := make([]ref.RefName, 0, len(set))
	for r := range set {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// TouchedBranches returns the branches whose refs/heads/ ref the plan
// mutates. Metadata-only plans return nothing and skip occupancy checks.
func (p *Plan) TouchedBranches() []ref.BranchName {
	var out []ref.BranchName
	for _, r := range p.TouchedRefs() {
		if b, ok := r.Branch(); ok {
			out = append(out, b)
		}
	}
	return out
}

// Digest returns a stable blake3 hash of the plan's command and steps
func (p *Plan) Digest() (string, error) {
	steps, err := EncodeSteps(p.steps)
	if err != nil {
		return "", err
	}
	payload, err := json.Marshal(struct {
		SchemaVersion int               `json:"schema_version"`
		Command       string            `json:"command"`
		Steps         []json.RawMessage `json:"steps"`
	}{SchemaVersion, p.command, steps})
	if err != nil {
		return "", fmt.Errorf("marshal plan: %w", err)
	}
	sum := blake3.Sum256(payload)
	return hex.EncodeToString(sum[:]), nil
}
