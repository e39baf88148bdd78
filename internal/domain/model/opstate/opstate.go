package opstate

import (
	"errors"
	"fmt"
	"time"

	"github.com/YoshitsuguKoike/lattice/internal/domain/model/plan"
	"github.com/YoshitsuguKoike/lattice/internal/domain/model/ref"
)

// Phase of an in-flight operation. No marker at all means no operation.
type Phase string

const (
	PhaseExecuting Phase = "executing"
	PhasePaused    Phase = "paused"
)

// ReasonKind explains why a paused operation is waiting on the user
type ReasonKind string

const (
	ReasonConflict           ReasonKind = "conflict"
	ReasonRollbackIncomplete ReasonKind = "rollback_incomplete"
)

var ErrInvalidState = errors.New("invalid op-state")

// RefFailure names a ref that could not be restored during rollback
type RefFailure struct {
	Ref      ref.RefName `json:"ref"`
	Expected ref.Oid     `json:"expected"`
	Actual   ref.Oid     `json:"actual"`
	Restore  ref.Oid     `json:"restore"`
	Error    string      `json:"error,omitempty"`
}

// AwaitingReason is set only while Paused
type AwaitingReason struct {
	Kind ReasonKind `json:"kind"`
	// Operation is the external operation that stopped (e.g. "rebase")
	Operation string       `json:"operation,omitempty"`
	Message   string       `json:"message,omitempty"`
	Failures  []RefFailure `json:"failures,omitempty"`
}

// OpState is the single marker recording that an operation is in flight
type OpState struct {
	OpID              string             `json:"op_id"`
	Command           string             `json:"command"`
	Phase             Phase              `json:"phase"`
	PlanDigest        string             `json:"plan_digest"`
	PlanSchemaVersion int                `json:"plan_schema_version"`
	Touched           []plan.Expectation `json:"touched_refs"`
	Awaiting          *AwaitingReason    `json:"awaiting_reason,omitempty"`
	Worktree          string             `json:"worktree"`
	PID               int                `json:"pid"`
	Hostname          string             `json:"hostname,omitempty"`
	StartedAt         time.Time          `json:"started_at"`
	UpdatedAt         time.Time          `json:"updated_at"`

	// KnownIssues are structural issue ids present before the operation
	// started. Post-verification only fails on new ones.
	KnownIssues []string `json:"known_issues,omitempty"`
}

// New creates an Executing marker for a plan about to run
func New(opID string, p *plan.Plan, digest, worktree string, now time.Time) *OpState {
	return &OpState{
		OpID:              opID,
		Command:           p.Command(),
		Phase:             PhaseExecuting,
		PlanDigest:        digest,
		PlanSchemaVersion: p.SchemaVersion(),
		Touched:           p.Expectations(),
		Worktree:          worktree,
		StartedAt:         now,
		UpdatedAt:         now,
	}
}

// IsPaused reports whether the operation is waiting for continue/abort
func (s *OpState) IsPaused() bool { return s.Phase == PhasePaused }

// Pause moves the marker to Paused with a reason
func (s *OpState) Pause(reason AwaitingReason, now time.Time) {
	s.Phase = PhasePaused
	s.Awaiting = &reason
	s.UpdatedAt = now
}

// Resume moves a paused marker back to Executing
func (s *OpState) Resume(now time.Time) error {
	if s.Phase != PhasePaused {
		return fmt.Errorf("%w: cannot resume from phase %q", ErrInvalidState, s.Phase)
	}
	s.Phase = PhaseExecuting
	s.Awaiting = nil
	s.UpdatedAt = now
	return nil
}

// Validate checks phase/reason consistency
func (s *OpState) Validate() error {
	if s.OpID == "" {
		return fmt.Errorf("%w: op_id is empty", ErrInvalidState)
	}
	switch s.Phase {
	case PhaseExecuting:
		if s.Awaiting != nil {
			return fmt.Errorf("%w: executing marker has an awaiting reason", ErrInvalidState)
		}
	case PhasePaused:
		if s.Awaiting == nil {
			return fmt.Errorf("%w: paused marker has no awaiting reason", ErrInvalidState)
		}
	default:
		return fmt.Errorf("%w: unknown phase %q", ErrInvalidState, s.Phase)
	}
	return nil
}
