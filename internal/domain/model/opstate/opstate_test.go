package opstate

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/YoshitsuguKoike/lattice/internal/domain/model/plan"
	"github.com/YoshitsuguKoike/lattice/internal/domain/model/ref"
)

var (
	o1 = ref.MustOid("1111111111111111111111111111111111111111")
	o2 = ref.MustOid("2222222222222222222222222222222222222222")
	o3 = ref.MustOid("3333333333333333333333333333333333333333")
)

func TestPhaseTransitions(t *testing.T) {
	p, err := plan.New("track", plan.UpdateRefCas{Ref: ref.MustRefName("refs/heads/a"), ExpectedOld: o1, New: o2})
	if err != nil {
		t.Fatalf("plan.New: %v", err)
	}
	now := time.Now()
	s := New("op1", p, "digest", "/wt", now)

	if err := s.Validate(); err != nil {
		t.Fatalf("fresh marker invalid: %v", err)
	}
	if len(s.Touched) != 1 || !s.Touched[0].Expected.Equals(o1) {
		t.Errorf("touched refs not captured: %+v", s.Touched)
	}

	if err := s.Resume(now); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Resume from executing should fail, got %v", err)
	}

	s.Pause(AwaitingReason{Kind: ReasonConflict, Operation: "rebase"}, now)
	if !s.IsPaused() || s.Validate() != nil {
		t.Errorf("paused marker invalid: %+v", s)
	}

	if err := s.Resume(now); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if s.Awaiting != nil || s.Phase != PhaseExecuting {
		t.Errorf("resume did not clear reason: %+v", s)
	}
}

func TestValidateRejectsInconsistentMarkers(t *testing.T) {
	bad := []OpState{
		{Phase: PhaseExecuting},
		{OpID: "x", Phase: PhasePaused},
		{OpID: "x", Phase: PhaseExecuting, Awaiting: &AwaitingReason{Kind: ReasonConflict}},
		{OpID: "x", Phase: "committed"},
	}
	for i, s := range bad {
		if err := s.Validate(); !errors.Is(err, ErrInvalidState) {
			t.Errorf("case %d: expected ErrInvalidState, got %v", i, err)
		}
	}
}

func TestJournalReversalsAreExactReverse(t *testing.T) {
	a := ref.MustRefName("refs/heads/a")
	b := ref.MustRefName("refs/heads/b")
	m := ref.MustRefName("refs/branch-metadata/a")

	j := Journal{
		{Seq: 1, Kind: EntryRefUpdated, Ref: a, Old: o1, New: o2},
		{Seq: 2, Kind: EntryCheckpoint, Label: "mid"},
		{Seq: 3, Kind: EntryMetadataWritten, Ref: m, Old: ref.ZeroOid, New: o3},
		{Seq: 4, Kind: EntryGitRan, Effects: []Effect{
			{Ref: a, Old: o2, New: o3},
			{Ref: b, Old: o1, New: o1},
		}},
		{Seq: 5, Kind: EntryStepsComplete},
	}

	rev := j.Reversals()
	if len(rev) != 3 {
		t.Fatalf("expected 3 reversals, got %+v", rev)
	}
	if !rev[0].Ref.Equals(a) || !rev[0].Current.Equals(o3) || !rev[0].Restore.Equals(o2) {
		t.Errorf("first reversal should undo the git effect: %+v", rev[0])
	}
	if !rev[1].Ref.Equals(m) || !rev[1].Restore.IsZero() {
		t.Errorf("second reversal should delete created metadata: %+v", rev[1])
	}
	if !rev[2].Ref.Equals(a) || !rev[2].Restore.Equals(o1) {
		t.Errorf("third reversal should restore the original tip: %+v", rev[2])
	}
	if !j.Complete() || j.NextSeq() != 6 {
		t.Errorf("Complete()=%v NextSeq()=%d", j.Complete(), j.NextSeq())
	}
}

func TestJournalReversalsSkipFailedSteps(t *testing.T) {
	a := ref.MustRefName("refs/heads/a")
	b := ref.MustRefName("refs/heads/b")

	j := Journal{
		{Seq: 1, Kind: EntryRefUpdated, Ref: b, Old: o1, New: o2},
		{Seq: 2, Kind: EntryRefUpdated, Ref: a, Old: o1, New: o3},
		{Seq: 3, Kind: EntryStepFailed, FailedSeq: 2},
	}

	rev := j.Reversals()
	if len(rev) != 1 {
		t.Fatalf("expected only the applied update to be reversed, got %+v", rev)
	}
	if !rev[0].Ref.Equals(b) || !rev[0].Current.Equals(o2) || !rev[0].Restore.Equals(o1) {
		t.Errorf("unexpected reversal: %+v", rev[0])
	}
}

func TestConflictPausedCarriesContinuation(t *testing.T) {
	child := ref.MustBranchName("child")
	paused := plan.RunGit{Args: []string{"rebase", "a", "b"}}
	rest := []plan.Step{
		plan.RunGit{Args: []string{"rebase", "b", "child"}, Effects: []plan.Expectation{{Ref: child.Ref(), Expected: o1}}},
		plan.Checkpoint{Label: "done"},
	}

	pausedRaw, err := plan.EncodeStep(paused)
	if err != nil {
		t.Fatalf("EncodeStep: %v", err)
	}
	restRaw, err := plan.EncodeSteps(rest)
	if err != nil {
		t.Fatalf("EncodeSteps: %v", err)
	}
	entry := Entry{Seq: 1, Kind: EntryConflictPaused, PausedStep: pausedRaw, Remaining: restRaw, Reason: "conflict"}

	data, err := json.Marshal(entry)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var back Entry
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	steps, err := back.RemainingSteps()
	if err != nil {
		t.Fatalf("RemainingSteps: %v", err)
	}
	if len(steps) != 2 || steps[1].Kind() != plan.KindCheckpoint {
		t.Errorf("unexpected remaining steps: %+v", steps)
	}
	if len(back.Reversals()) != 0 {
		t.Error("a pause entry must not produce reversals")
	}

	j := Journal{{Seq: 1, Kind: EntryRefUpdated}, back}
	last, ok := j.LastPause()
	if !ok || last.Seq != 1 || last.Kind != EntryConflictPaused {
		t.Errorf("LastPause() = %+v, %v", last, ok)
	}
}
