package plan

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/YoshitsuguKoike/lattice/internal/domain/model/metadata"
	"github.com/YoshitsuguKoike/lattice/internal/domain/model/ref"
)

// StepKind identifies a step variant on the wire and in the journal
type StepKind string

const (
	KindUpdateRefCas     StepKind = "update_ref_cas"
	KindDeleteRefCas     StepKind = "delete_ref_cas"
	KindWriteMetadataCas StepKind = "write_metadata_cas"
	KindRunGit           StepKind = "run_git"
	KindRecordBase       StepKind = "record_base"
	KindCheckpoint       StepKind = "checkpoint"

	// Remote phase; executed only after the local phase commits
	KindPushBranch   StepKind = "push_branch"
	KindFetchRemote  StepKind = "fetch_remote"
	KindCreateReview StepKind = "create_review"
	KindUpdateReview StepKind = "update_review"
	KindMergeReview  StepKind = "merge_review"
)

// Expectation is a ref a step touches together with the value it must hold
// before the step runs. A zero Expected means the ref must not exist.
type Expectation struct {
	Ref      ref.RefName `json:"ref"`
	Expected ref.Oid     `json:"expected"`
}

// Step is one typed mutation in a Plan
type Step interface {
	Kind() StepKind
	// Touches lists the refs the step mutates and their required prior values
	Touches() []Expectation
	// Remote reports whether the step belongs to the deferred remote phase
	Remote() bool
	// Describe returns a one-line human summary
	Describe() string
}

// UpdateRefCas moves (or creates, when ExpectedOld is zero) a ref
type UpdateRefCas struct {
	Ref         ref.RefName `json:"ref"`
	ExpectedOld ref.Oid     `json:"expected_old"`
	New         ref.Oid     `json:"new"`
}

func (s UpdateRefCas) Kind() StepKind { return KindUpdateRefCas }
func (s UpdateRefCas) Remote() bool   { return false }
func (s UpdateRefCas) Touches() []Expectation {
	return []Expectation{{Ref: s.Ref, Expected: s.ExpectedOld}}
}
func (s UpdateRefCas) Describe() string {
	return fmt.Sprintf("update %s %s -> %s", s.Ref, s.ExpectedOld.Short(), s.New.Short())
}

// DeleteRefCas removes a ref that must currently hold ExpectedOld
type DeleteRefCas struct {
	Ref         ref.RefName `json:"ref"`
	ExpectedOld ref.Oid     `json:"expected_old"`
}

func (s DeleteRefCas) Kind() StepKind { return KindDeleteRefCas }
func (s DeleteRefCas) Remote() bool   { return false }
func (s DeleteRefCas) Touches() []Expectation {
	return []Expectation{{Ref: s.Ref, Expected: s.ExpectedOld}}
}
func (s DeleteRefCas) Describe() string {
	return fmt.Sprintf("delete %s (was %s)", s.Ref, s.ExpectedOld.Short())
}

// WriteMetadataCas stores new metadata for Branch. ExpectedOld is the
// current Oid of the metadata ref (zero when the branch is untracked).
type WriteMetadataCas struct {
	Branch      ref.BranchName     `json:"branch"`
	ExpectedOld ref.Oid            `json:"expected_old"`
	Content     *metadata.Metadata `json:"content"`
}

func (s WriteMetadataCas) Kind() StepKind { return KindWriteMetadataCas }
func (s WriteMetadataCas) Remote() bool   { return false }
func (s WriteMetadataCas) Touches() []Expectation {
	return []Expectation{{Ref: s.Branch.MetadataRef(), Expected: s.ExpectedOld}}
}
func (s WriteMetadataCas) Describe() string {
	return fmt.Sprintf("write metadata for %s (was %s)", s.Branch, s.ExpectedOld.Short())
}

// RunGit runs an arbitrary git subcommand whose ref effects are declared up
// front. The resulting values are only known after it runs. A RunGit step may
// pause when the subcommand stops on a conflict.
type RunGit struct {
	Args        []string      `json:"args"`
	Effects     []Expectation `json:"effects"`
	Description string        `json:"description,omitempty"`
}

func (s RunGit) Kind() StepKind         { return KindRunGit }
func (s RunGit) Remote() bool           { return false }
func (s RunGit) Touches() []Expectation { return append([]Expectation(nil), s.Effects...) }
func (s RunGit) Describe() string {
	if s.Description != "" {
		return s.Description
	}
	return fmt.Sprintf("git %v", s.Args)
}

// RecordBase sets Branch's recorded base to the tip Parent has when the step
// runs. It follows a RunGit rebase whose result is only known afterwards.
// ExpectedOld is the metadata ref value before the operation.
type RecordBase struct {
	Branch      ref.BranchName `json:"branch"`
	Parent      ref.BranchName `json:"parent"`
	ExpectedOld ref.Oid        `json:"expected_old"`
}

func (s RecordBase) Kind() StepKind { return KindRecordBase }
func (s RecordBase) Remote() bool   { return false }
func (s RecordBase) Touches() []Expectation {
	return []Expectation{{Ref: s.Branch.MetadataRef(), Expected: s.ExpectedOld}}
}
func (s RecordBase) Describe() string {
	return fmt.Sprintf("record %s tip as base of %s", s.Parent, s.Branch)
}

// Checkpoint is a labelled marker recorded in the journal
type Checkpoint struct {
	Label string `json:"label"`
}

func (s Checkpoint) Kind() StepKind         { return KindCheckpoint }
func (s Checkpoint) Remote() bool           { return false }
func (s Checkpoint) Touches() []Expectation { return nil }
func (s Checkpoint) Describe() string       { return "checkpoint " + s.Label }

// PushBranch pushes Branch to RemoteName with a lease on the remote's last known value
type PushBranch struct {
	Branch     ref.BranchName `json:"branch"`
	RemoteName string         `json:"remote"`
	Lease      ref.Oid        `json:"lease"`
	Force      bool           `json:"force"`
}

func (s PushBranch) Kind() StepKind         { return KindPushBranch }
func (s PushBranch) Remote() bool           { return true }
func (s PushBranch) Touches() []Expectation { return nil }
func (s PushBranch) Describe() string       { return fmt.Sprintf("push %s to %s", s.Branch, s.RemoteName) }

// FetchRemote refreshes remote-tracking refs
type FetchRemote struct {
	RemoteName string `json:"remote"`
}

func (s FetchRemote) Kind() StepKind         { return KindFetchRemote }
func (s FetchRemote) Remote() bool           { return true }
func (s FetchRemote) Touches() []Expectation { return nil }
func (s FetchRemote) Describe() string       { return "fetch " + s.RemoteName }

// CreateReview opens a review for Branch against Base
type CreateReview struct {
	Branch ref.BranchName `json:"branch"`
	Base   ref.BranchName `json:"base"`
	Title  string         `json:"title"`
	Body   string         `json:"body,omitempty"`
	Draft  bool           `json:"draft"`
}

func (s CreateReview) Kind() StepKind         { return KindCreateReview }
func (s CreateReview) Remote() bool           { return true }
func (s CreateReview) Touches() []Expectation { return nil }
func (s CreateReview) Describe() string {
	return fmt.Sprintf("create review %s -> %s", s.Branch, s.Base)
}

// UpdateReview retargets an existing review
type UpdateReview struct {
	Branch ref.BranchName `json:"branch"`
	Number int            `json:"number"`
	Base   ref.BranchName `json:"base"`
}

func (s UpdateReview) Kind() StepKind         { return KindUpdateReview }
func (s UpdateReview) Remote() bool           { return true }
func (s UpdateReview) Touches() []Expectation { return nil }
func (s UpdateReview) Describe() string {
	return fmt.Sprintf("update review #%d base -> %s", s.Number, s.Base)
}

// MergeReview merges an existing review
type MergeReview struct {
	Branch ref.BranchName `json:"branch"`
	Number int            `json:"number"`
	Method string         `json:"method"`
}

func (s MergeReview) Kind() StepKind         { return KindMergeReview }
func (s MergeReview) Remote() bool           { return true }
func (s MergeReview) Touches() []Expectation { return nil }
func (s MergeReview) Describe() string       { return fmt.Sprintf("merge review #%d (%s)", s.Number, s.Method) }

type envelope struct {
	Kind StepKind        `json:"kind"`
	Step json.RawMessage `json:"step"`
}

// EncodeStep serializes a step with its kind tag
func EncodeStep(s Step) (json.RawMessage, error) {
	body, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("marshal %s step: %w", s.Kind(), err)
	}
	return json.Marshal(envelope{Kind: s.Kind(), Step: body})
}

// DecodeStep parses a tagged step; unknown kinds and fields are rejected
func DecodeStep(raw json.RawMessage) (Step, error) {
	var env envelope
	if err := strictUnmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode step envelope: %w", err)
	}

	var (
		step Step
		err  error
	)
	switch env.Kind {
	case KindUpdateRefCas:
		step, err = decodeAs[UpdateRefCas](env.Step)
	case KindDeleteRefCas:
		step, err = decodeAs[DeleteRefCas](env.Step)
	case KindWriteMetadataCas:
		step, err = decodeAs[WriteMetadataCas](env.Step)
	case KindRunGit:
		step, err = decodeAs[RunGit](env.Step)
	case KindRecordBase:
		step, err = decodeAs[RecordBase](env.Step)
	case KindCheckpoint:
		step, err = decodeAs[Checkpoint](env.Step)
	case KindPushBranch:
		step, err = decodeAs[PushBranch](env.Step)
	case KindFetchRemote:
		step, err = decodeAs[FetchRemote](env.Step)
	case KindCreateReview:
		step, err = decodeAs[CreateReview](env.Step)
	case KindUpdateReview:
		step, err = decodeAs[UpdateReview](env.Step)
	case KindMergeReview:
		step, err = decodeAs[MergeReview](env.Step)
	default:
		return nil, fmt.Errorf("unknown step kind %q", env.Kind)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s step: %w", env.Kind, err)
	}
	return step, nil
}

// EncodeSteps serializes an ordered step list
func EncodeSteps(steps []Step) ([]json.RawMessage, error) {
	out := make([]json.RawMessage, 0, len(steps))
	for _, s := range steps {
		raw, err := EncodeStep(s)
		if err != nil {
			return nil, err
		}
		out = append(out, raw)
	}
	return out, nil
}

// DecodeSteps parses an ordered step list
func DecodeSteps(raws []json.RawMessage) ([]Step, error) {
	out := make([]Step, 0, len(raws))
	for i, raw := range raws {
		s, err := DecodeStep(raw)
		if err != nil {
			return nil, fmt.Errorf("step %d: %w", i, err)
		}
		out = append(out, s)
	}
	return out, nil
}

func decodeAs[T Step](raw json.RawMessage) (Step, error) {
	var v T
	if err := strictUnmarshal(raw, &v); err != nil {
		return nil, err
	}
	return v, nil
}

func strictUnmarshal(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
