package opstate

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/YoshitsuguKoike/lattice/internal/domain/model/plan"
	"github.com/YoshitsuguKoike/lattice/internal/domain/model/ref"
)

// EntryKind tags a journal entry
type EntryKind string

const (
	EntryRefUpdated      EntryKind = "ref_updated"
	EntryRefDeleted      EntryKind = "ref_deleted"
	EntryMetadataWritten EntryKind = "metadata_written"
	EntryMetadataDeleted EntryKind = "metadata_deleted"
	EntryGitStarted      EntryKind = "git_started"
	EntryGitRan          EntryKind = "git_ran"
	EntryCheckpoint      EntryKind = "checkpoint"
	EntryConflictPaused  EntryKind = "conflict_paused"
	EntryStepsComplete   EntryKind = "steps_complete"

	// EntryStepFailed marks the entry named by FailedSeq as never applied
	EntryStepFailed EntryKind = "step_failed"
)

// Effect is an observed ref transition
type Effect struct {
	Ref ref.RefName `json:"ref"`
	Old ref.Oid     `json:"old"`
	New ref.Oid     `json:"new"`
}

// Entry is one line of an operation's journal, written before the step it
// records is considered durable
type Entry struct {
	Seq       int       `json:"seq"`
	Kind      EntryKind `json:"kind"`
	Timestamp time.Time `json:"timestamp"`

	Ref    ref.RefName    `json:"ref,omitempty"`
	Branch ref.BranchName `json:"branch,omitempty"`
	Old    ref.Oid        `json:"old,omitempty"`
	New    ref.Oid        `json:"new,omitempty"`

	// PriorContent is the metadata blob replaced or deleted by this step
	PriorContent []byte `json:"prior_content,omitempty"`

	Args    []string `json:"args,omitempty"`
	Effects []Effect `json:"effects,omitempty"`

	Label string `json:"label,omitempty"`

	// GitStarted, ConflictPaused
	PausedStep json.RawMessage   `json:"paused_step,omitempty"`
	PreEffects []Effect          `json:"pre_effects,omitempty"`
	Remaining  []json.RawMessage `json:"remaining,omitempty"`
	Reason     string            `json:"reason,omitempty"`

	// StepFailed
	FailedSeq int `json:"failed_seq,omitempty"`
}

// Reversal is the inverse CAS for one recorded ref change: Ref currently
// holds Current (what the operation wrote) and must be put back to Restore.
// A zero Restore means the ref did not exist and is deleted.
type Reversal struct {
	Ref            ref.RefName
	Current        ref.Oid
	Restore        ref.Oid
	RestoreContent []byte
}

// Reversals returns the inverse operations for this entry, last effect first
func (e Entry) Reversals() []Reversal {
	switch e.Kind {
	case EntryRefUpdated:
		return []Reversal{{Ref: e.Ref, Current: e.New, Restore: e.Old}}
	case EntryRefDeleted:
		return []Reversal{{Ref: e.Ref, Current: ref.ZeroOid, Restore: e.Old}}
	case EntryMetadataWritten:
		return []Reversal{{Ref: e.Ref, Current: e.New, Restore: e.Old, RestoreContent: e.PriorContent}}
	case EntryMetadataDeleted:
		return []Reversal{{Ref: e.Ref, Current: ref.ZeroOid, Restore: e.Old, RestoreContent: e.PriorContent}}
	case EntryGitRan:
		out := make([]Reversal, 0, len(e.Effects))
		for i := len(e.Effects) - 1; i >= 0; i-- {
			eff := e.Effects[i]
			if eff.Old.Equals(eff.New) {
				continue
			}
			out = append(out, Reversal{Ref: eff.Ref, Current: eff.New, Restore: eff.Old})
		}
		return out
	default:
		return nil
	}
}

// RemainingSteps decodes the continuation embedded in a ConflictPaused entry.
// The paused step itself is not included.
func (e Entry) RemainingSteps() ([]plan.Step, error) {
	if e.Kind != EntryConflictPaused {
		return nil, fmt.Errorf("%w: entry %d is %s, not %s", ErrInvalidState, e.Seq, e.Kind, EntryConflictPaused)
	}
	return plan.DecodeSteps(e.Remaining)
}

// Paused decodes the step that stopped on a conflict
func (e Entry) Paused() (plan.Step, error) {
	if e.Kind != EntryConflictPaused {
		return nil, fmt.Errorf("%w: entry %d is not a pause", ErrInvalidState, e.Seq)
	}
	return plan.DecodeStep(e.PausedStep)
}

// Journal is the ordered list of entries for one operation
type Journal []Entry

// Unfinished returns a GitStarted entry that was never followed by GitRan or
// ConflictPaused, meaning the process died while the command ran
func (j Journal) Unfinished() (Entry, bool) {
	if len(j) == 0 || j[len(j)-1].Kind != EntryGitStarted {
		return Entry{}, false
	}
	return j[len(j)-1], true
}

// LastPause returns the most recent ConflictPaused entry
func (j Journal) LastPause() (Entry, bool) {
	for i := len(j) - 1; i >= 0; i-- {
		if j[i].Kind == EntryConflictPaused {
			return j[i], true
		}
	}
	return Entry{}, false
}

// Complete reports whether every local step was applied
func (j Journal) Complete() bool {
	return len(j) > 0 && j[len(j)-1].Kind == EntryStepsComplete
}

// Reversals returns the inverse operations for the whole journal in exact
// reverse of the recorded order. Entries cancelled by a StepFailed entry
// are skipped.
func (j Journal) Reversals() []Reversal {
	failed := make(map[int]bool)
	for _, e := range j {
		if e.Kind == EntryStepFailed {
			failed[e.FailedSeq] = true
		}
	}
	var out []Reversal
	for i := len(j) - 1; i >= 0; i-- {
		if failed[j[i].Seq] {
			continue
		}
		out = append(out, j[i].Reversals()...)
	}
	return out
}

// NextSeq returns the sequence number for the next appended entry
func (j Journal) NextSeq() int {
	if len(j) == 0 {
		return 1
	}
	return j[len(j)-1].Seq + 1
}
