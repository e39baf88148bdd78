package engine_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YoshitsuguKoike/lattice/internal/application/engine"
	"github.com/YoshitsuguKoike/lattice/internal/application/service"
	"github.com/YoshitsuguKoike/lattice/internal/domain/execution"
	"github.com/YoshitsuguKoike/lattice/internal/domain/model/event"
	"github.com/YoshitsuguKoike/lattice/internal/domain/model/opstate"
	"github.com/YoshitsuguKoike/lattice/internal/domain/model/plan"
	"github.com/YoshitsuguKoike/lattice/internal/domain/model/ref"
	"github.com/YoshitsuguKoike/lattice/internal/domain/repository"
	"github.com/YoshitsuguKoike/lattice/internal/testutil"
)

func TestConflictPausesAndContinueCommits(t *testing.T) {
	w, tips, rc, p := restackFixture(t)
	w.Repo.ConflictOn("b")
	exec := newExecutor(w)
	ctx := context.Background()

	res, err := exec.Execute(ctx, rc, p)
	require.NoError(t, err)
	require.Equal(t, engine.OutcomePaused, res.Outcome)
	require.NotNil(t, res.Awaiting)
	assert.Equal(t, opstate.ReasonConflict, res.Awaiting.Kind)
	assert.Equal(t, "rebase", res.Awaiting.Operation)
	assert.Contains(t, res.Awaiting.Message, "CONFLICT")
	assert.Equal(t, 3, res.Remaining, "record b, rebase c, record c")

	journal, err := w.Journals.Load(ctx, res.OpID)
	require.NoError(t, err)
	last, ok := journal.LastPause()
	require.True(t, ok)
	assert.Equal(t, journal[len(journal)-1].Seq, last.Seq)
	assert.Equal(t, tips["c"], w.Repo.Branch("c"), "c is untouched while paused")

	snap := w.Scan(t)
	require.NotNil(t, snap.OpState)
	assert.True(t, snap.OpState.IsPaused())
	_, found := snap.Issue("operation-paused:" + res.OpID)
	assert.True(t, found)
	_, bundle := service.Gate(snap, service.Recovery)
	assert.Nil(t, bundle, "recovery commands stay available while paused")

	// still unresolved
	_, err = exec.Continue(ctx)
	require.Error(t, err)
	assert.Equal(t, execution.CodeConflictUnresolved, execution.CodeOf(err))
	marker, err := w.States.Load(ctx)
	require.NoError(t, err)
	require.NotNil(t, marker)
	assert.True(t, marker.IsPaused())

	w.Repo.Resolve()
	res, err = exec.Continue(ctx)
	require.NoError(t, err)
	assert.Equal(t, engine.OutcomeCommitted, res.Outcome)
	requireRestacked(t, w)
	requireNoOperation(t, w, res.OpID)

	evs := events(t, w)
	assert.Equal(t, 1, countEvents(evs, event.TypeIntentRecorded))
	assert.Equal(t, 1, countEvents(evs, event.TypeCommitted))
	assert.Equal(t, 0, countEvents(evs, event.TypeAborted))
}

func TestNestedConflicts(t *testing.T) {
	w, _, rc, p := restackFixture(t)
	w.Repo.ConflictOn("b")
	w.Repo.ConflictOn("c")
	exec := newExecutor(w)
	ctx := context.Background()

	res, err := exec.Execute(ctx, rc, p)
	require.NoError(t, err)
	require.Equal(t, engine.OutcomePaused, res.Outcome)
	opID := res.OpID

	w.Repo.Resolve()
	res, err = exec.Continue(ctx)
	require.NoError(t, err)
	require.Equal(t, engine.OutcomePaused, res.Outcome, "c conflicts next")
	assert.Equal(t, opID, res.OpID, "the same operation pauses again")
	assert.Equal(t, 1, res.Remaining)

	w.Repo.Resolve()
	res, err = exec.Continue(ctx)
	require.NoError(t, err)
	assert.Equal(t, engine.OutcomeCommitted, res.Outcome)
	requireRestacked(t, w)

	evs := events(t, w)
	assert.Equal(t, 1, countEvents(evs, event.TypeCommitted))
	assert.Equal(t, opID, evs[0].OpID)
}

func TestContinueAfterResolvedStepWasJournaled(t *testing.T) {
	w, _, rc, p := restackFixture(t)
	w.Repo.ConflictOn("b")
	exec := newExecutor(w)
	ctx := context.Background()

	res, err := exec.Execute(ctx, rc, p)
	require.NoError(t, err)
	require.Equal(t, engine.OutcomePaused, res.Outcome)
	opID := res.OpID

	// an earlier continue finished the rebase and journaled it, then died
	// before saving the resumed marker
	w.Repo.Resolve()
	_, err = w.Repo.ContinueOperation(ctx, repository.OpRebase)
	require.NoError(t, err)
	journal, err := w.Journals.Load(ctx, opID)
	require.NoError(t, err)
	pause, ok := journal.LastPause()
	require.True(t, ok)
	var effects []opstate.Effect
	for _, pre := range pause.PreEffects {
		effects = append(effects, opstate.Effect{Ref: pre.Ref, Old: pre.Old, New: w.Repo.Ref(pre.Ref)})
	}
	require.NoError(t, w.Journals.Append(ctx, opID, opstate.Entry{
		Seq:       journal.NextSeq(),
		Kind:      opstate.EntryGitRan,
		Timestamp: time.Now().UTC(),
		Args:      pause.Args,
		Effects:   effects,
	}))
	marker, err := w.States.Load(ctx)
	require.NoError(t, err)
	require.True(t, marker.IsPaused())

	before := rebaseCalls(w)
	res, err = exec.Continue(ctx)
	require.NoError(t, err)
	assert.Equal(t, engine.OutcomeCommitted, res.Outcome)
	assert.Equal(t, opID, res.OpID)
	assert.Equal(t, before+1, rebaseCalls(w), "only c is rebased; b is not continued twice")
	requireRestacked(t, w)
	requireNoOperation(t, w, opID)
	assert.Equal(t, 1, countEvents(events(t, w), event.TypeCommitted))
}

func TestContinueRefusesDriftedRefs(t *testing.T) {
	w, _, rc, p := restackFixture(t)
	w.Repo.ConflictOn("b")
	exec := newExecutor(w)
	ctx := context.Background()

	res, err := exec.Execute(ctx, rc, p)
	require.NoError(t, err)
	require.Equal(t, engine.OutcomePaused, res.Outcome)

	w.Repo.Resolve()
	drifted := w.Advance(t, "c")
	before := rebaseCalls(w)

	_, err = exec.Continue(ctx)
	require.Error(t, err)
	assert.True(t, execution.IsCasFailed(err), "got %v", err)
	f, ok := execution.AsCasFailure(err)
	require.True(t, ok)
	assert.Equal(t, "refs/heads/c", f.Ref)
	assert.Equal(t, drifted.String(), f.Actual)

	assert.Equal(t, before, rebaseCalls(w), "nothing runs when the remaining steps no longer apply")
	marker, err := w.States.Load(ctx)
	require.NoError(t, err)
	require.NotNil(t, marker)
	assert.True(t, marker.IsPaused(), "the operation stays paused")
	assert.Equal(t, drifted, w.Repo.Branch("c"))
}

func TestAbortWithDriftedRefIsIncomplete(t *testing.T) {
	w, tips, rc, p := restackFixture(t)
	w.Repo.ConflictOn("b")
	exec := newExecutor(w)
	ctx := context.Background()

	a := ref.MustBranchName("a")
	metaA := w.Repo.Ref(a.MetadataRef())

	res, err := exec.Execute(ctx, rc, p)
	require.NoError(t, err)
	require.Equal(t, engine.OutcomePaused, res.Outcome)

	rebasedA := w.Repo.Branch("a")
	require.NotEqual(t, tips["a"], rebasedA)
	require.NotEqual(t, metaA, w.Repo.Ref(a.MetadataRef()))

	// someone moves a while the operation is paused
	w.Advance(t, "a")

	res, err = exec.Abort(ctx)
	require.Error(t, err)
	assert.True(t, execution.IsRollbackIncomplete(err), "got %v", err)
	assert.Contains(t, err.Error(), "refs/heads/a")
	assert.NotContains(t, err.Error(), "refs/branch-metadata/a")

	require.NotNil(t, res)
	assert.Equal(t, engine.OutcomePaused, res.Outcome)
	require.NotNil(t, res.Awaiting)
	assert.Equal(t, opstate.ReasonRollbackIncomplete, res.Awaiting.Kind)
	require.Len(t, res.Awaiting.Failures, 1)
	assert.Equal(t, a.Ref(), res.Awaiting.Failures[0].Ref)
	assert.Equal(t, rebasedA, res.Awaiting.Failures[0].Expected)

	assert.Equal(t, metaA, w.Repo.Ref(a.MetadataRef()), "refs that could be restored were restored")
	assert.Equal(t, tips["b"], w.Repo.Branch("b"))
	assert.Zero(t, countEvents(events(t, w), event.TypeAborted), "an incomplete rollback is not an outcome")

	// continue cannot resume a half rolled back operation
	_, err = exec.Continue(ctx)
	require.Error(t, err)
	assert.Equal(t, execution.CodeNotPaused, execution.CodeOf(err))

	// once the user puts a back, abort finishes the job
	w.Repo.SetBranch("a", rebasedA)
	res, err = exec.Abort(ctx)
	require.NoError(t, err)
	assert.Equal(t, engine.OutcomeAborted, res.Outcome)
	assert.Equal(t, tips["a"], w.Repo.Branch("a"))
	requireNoOperation(t, w, res.OpID)
}

func TestAbortRestoresEveryRef(t *testing.T) {
	w, tips, rc, p := restackFixture(t)
	w.Repo.ConflictOn("b")
	exec := newExecutor(w)
	ctx := context.Background()

	metaA := w.Repo.Ref(ref.MustBranchName("a").MetadataRef())
	res, err := exec.Execute(ctx, rc, p)
	require.NoError(t, err)
	require.Equal(t, engine.OutcomePaused, res.Outcome)

	res, err = exec.Abort(ctx)
	require.NoError(t, err)
	assert.Equal(t, engine.OutcomeAborted, res.Outcome)
	require.NotNil(t, res.Event)
	assert.Contains(t, res.Event.Reason, "aborted by user")

	for _, b := range []string{"a", "b", "c"} {
		assert.Equal(t, tips[b], w.Repo.Branch(b), "%s restored", b)
	}
	assert.Equal(t, metaA, w.Repo.Ref(ref.MustBranchName("a").MetadataRef()))

	calls := w.Repo.Calls()
	assert.Contains(t, calls, []string{"rebase", "--abort"})
	requireNoOperation(t, w, res.OpID)
	assert.Equal(t, 1, countEvents(events(t, w), event.TypeAborted))

	_, bundle := service.Gate(w.Scan(t), service.Mutating)
	assert.Nil(t, bundle, "the repository is usable again")
}

func TestContinueWithNothingInFlight(t *testing.T) {
	w := testutil.NewWorkspace(t)
	w.Trunk(t)
	exec := newExecutor(w)

	_, err := exec.Continue(context.Background())
	assert.True(t, execution.IsNoOperation(err), "got %v", err)
	_, err = exec.Abort(context.Background())
	assert.True(t, execution.IsNoOperation(err), "got %v", err)
}

// startOperation writes a marker and journal as an executor that died
// part way would have left them
func startOperation(t *testing.T, w *testutil.Workspace, p *plan.Plan, worktree string, entries ...opstate.Entry) *opstate.OpState {
	t.Helper()
	ctx := context.Background()
	digest, err := p.Digest()
	require.NoError(t, err)

	m := opstate.New("01TESTOPERATION", p, digest, worktree, time.Now().UTC())
	require.NoError(t, w.States.Create(ctx, m))
	require.NoError(t, w.Journals.Create(ctx, m.OpID))
	for i, e := range entries {
		e.Seq = i + 1
		e.Timestamp = time.Now().UTC()
		require.NoError(t, w.Journals.Append(ctx, m.OpID, e))
	}
	return m
}

func TestRecoveryFromAnotherWorktree(t *testing.T) {
	w := testutil.NewWorkspace(t)
	tips := w.Stack(t, "a")
	a := ref.MustBranchName("a")
	p, err := plan.New("nudge", plan.UpdateRefCas{Ref: a.Ref(), ExpectedOld: tips["a"], New: tips["main"]})
	require.NoError(t, err)
	startOperation(t, w, p, "/some/other/worktree")

	_, err = newExecutor(w).Continue(context.Background())
	assert.True(t, execution.IsWrongWorktree(err), "got %v", err)
	_, err = newExecutor(w).Abort(context.Background())
	assert.True(t, execution.IsWrongWorktree(err), "got %v", err)
}

func TestInterruptedOperationMustBeAborted(t *testing.T) {
	w := testutil.NewWorkspace(t)
	tips := w.Stack(t, "a")
	a := ref.MustBranchName("a")
	moved := w.Repo.Commit("moved", tips["a"])
	p, err := plan.New("nudge", plan.UpdateRefCas{Ref: a.Ref(), ExpectedOld: tips["a"], New: moved})
	require.NoError(t, err)

	// the process died right after the ref update
	m := startOperation(t, w, p, w.Repo.WorktreeRoot(),
		opstate.Entry{Kind: opstate.EntryRefUpdated, Ref: a.Ref(), Old: tips["a"], New: moved})
	w.Repo.SetBranch("a", moved)

	snap := w.Scan(t)
	assert.True(t, snap.Interrupted)
	_, found := snap.Issue("operation-interrupted:" + m.OpID)
	assert.True(t, found)

	exec := newExecutor(w)
	_, err = exec.Continue(context.Background())
	require.Error(t, err)
	assert.Equal(t, execution.CodeNotPaused, execution.CodeOf(err))

	res, err := exec.Abort(context.Background())
	require.NoError(t, err)
	assert.Equal(t, engine.OutcomeAborted, res.Outcome)
	assert.Equal(t, tips["a"], w.Repo.Branch("a"))
	requireNoOperation(t, w, m.OpID)
}

func TestInterruptedBeforeMutationAbortsCleanly(t *testing.T) {
	w := testutil.NewWorkspace(t)
	tips := w.Stack(t, "a")
	a := ref.MustBranchName("a")
	moved := w.Repo.Commit("moved", tips["a"])
	p, err := plan.New("nudge", plan.UpdateRefCas{Ref: a.Ref(), ExpectedOld: tips["a"], New: moved})
	require.NoError(t, err)

	// journaled, but the ref update itself never happened
	startOperation(t, w, p, w.Repo.WorktreeRoot(),
		opstate.Entry{Kind: opstate.EntryRefUpdated, Ref: a.Ref(), Old: tips["a"], New: moved})

	res, err := newExecutor(w).Abort(context.Background())
	require.NoError(t, err)
	assert.Equal(t, engine.OutcomeAborted, res.Outcome)
	assert.Equal(t, tips["a"], w.Repo.Branch("a"))
}

func TestContinueFinishesCompletedJournal(t *testing.T) {
	w := testutil.NewWorkspace(t)
	tips := w.Stack(t, "a")
	a := ref.MustBranchName("a")
	moved := w.Repo.Commit("moved", tips["a"])
	p, err := plan.New("nudge", plan.UpdateRefCas{Ref: a.Ref(), ExpectedOld: tips["a"], New: moved})
	require.NoError(t, err)

	// every step ran; only verification and the commit were lost
	m := startOperation(t, w, p, w.Repo.WorktreeRoot(),
		opstate.Entry{Kind: opstate.EntryRefUpdated, Ref: a.Ref(), Old: tips["a"], New: moved},
		opstate.Entry{Kind: opstate.EntryStepsComplete})
	w.Repo.SetBranch("a", moved)

	res, err := newExecutor(w).Continue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, engine.OutcomeCommitted, res.Outcome)
	assert.Equal(t, m.OpID, res.OpID)
	assert.Equal(t, moved, w.Repo.Branch("a"))
	requireNoOperation(t, w, m.OpID)
}

func TestContinueAfterRecordedOutcomeIsIdempotent(t *testing.T) {
	w := testutil.NewWorkspace(t)
	tips := w.Stack(t, "a")
	a := ref.MustBranchName("a")
	moved := w.Repo.Commit("moved", tips["a"])
	p, err := plan.New("nudge", plan.UpdateRefCas{Ref: a.Ref(), ExpectedOld: tips["a"], New: moved})
	require.NoError(t, err)
	m := startOperation(t, w, p, w.Repo.WorktreeRoot())

	// the commit reached the ledger but the marker was never removed
	snap := w.Scan(t)
	_, err = w.Ledger.Append(context.Background(), event.Committed(m.OpID, m.Command, m.PlanDigest,
		snap.Fingerprint, snap.ConfigVersion, snap.FingerprintRefs))
	require.NoError(t, err)

	res, err := newExecutor(w).Continue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, engine.OutcomeCommitted, res.Outcome)
	require.NotNil(t, res.Event)
	assert.Equal(t, m.OpID, res.Event.OpID)
	requireNoOperation(t, w, m.OpID)
	assert.Equal(t, 1, countEvents(events(t, w), event.TypeCommitted), "nothing is recorded twice")
}

func TestContinueRejectsForeignSchema(t *testing.T) {
	w := testutil.NewWorkspace(t)
	tips := w.Stack(t, "a")
	a := ref.MustBranchName("a")
	p, err := plan.New("nudge", plan.UpdateRefCas{Ref: a.Ref(), ExpectedOld: tips["a"], New: tips["main"]})
	require.NoError(t, err)

	m := startOperation(t, w, p, w.Repo.WorktreeRoot())
	m.PlanSchemaVersion = plan.SchemaVersion + 1
	m.Pause(opstate.AwaitingReason{Kind: opstate.ReasonConflict, Operation: "rebase"}, time.Now())
	require.NoError(t, w.States.Save(context.Background(), m))

	_, err = newExecutor(w).Continue(context.Background())
	assert.True(t, execution.IsSchemaVersionMismatch(err), "got %v", err)
}
