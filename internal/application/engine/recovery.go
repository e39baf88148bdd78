package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/YoshitsuguKoike/lattice/internal/app"
	"github.com/YoshitsuguKoike/lattice/internal/domain/execution"
	"github.com/YoshitsuguKoike/lattice/internal/domain/model/event"
	"github.com/YoshitsuguKoike/lattice/internal/domain/model/opstate"
	"github.com/YoshitsuguKoike/lattice/internal/domain/model/plan"
	"github.com/YoshitsuguKoike/lattice/internal/domain/repository"
	"github.com/YoshitsuguKoike/lattice/internal/infra/fs/txn"
)

// Continue resumes a paused operation: it finishes the external operation
// the user resolved, then feeds the journal's remaining steps back into the
// same apply loop. It may pause again.
func (e *Executor) Continue(ctx context.Context) (*Result, error) {
	held, err := e.locker.Acquire(ctx, "continue")
	if err != nil {
		return nil, err
	}
	defer held.Release()

	op, done, err := e.load(ctx)
	if err != nil || done != nil {
		return done, err
	}
	m := op.marker

	if m.PlanSchemaVersion != plan.SchemaVersion {
		return nil, execution.SchemaVersionMismatch(m.PlanSchemaVersion, plan.SchemaVersion)
	}
	if !m.IsPaused() {
		// the process died after the last step; only verification is left
		if op.journal.Complete() {
			return e.finish(ctx, op)
		}
		return nil, execution.NotPaused(m.OpID, string(m.Phase))
	}
	if m.Awaiting.Kind == opstate.ReasonRollbackIncomplete {
		return nil, execution.NotPaused(m.OpID, string(m.Awaiting.Kind))
	}

	pause, resolved, err := resumePoint(op.journal)
	if err != nil {
		return nil, fmt.Errorf("journal of %s: %w", m.OpID, err)
	}
	paused, err := pause.Paused()
	if err != nil {
		return nil, err
	}
	remaining, err := pause.RemainingSteps()
	if err != nil {
		return nil, err
	}

	// Reality must still match what the remaining steps expect
	if err := e.precheck(ctx, remaining); err != nil {
		app.GetLogger().Warn("Resume refused %s=%s: %v", app.MetricOpCasFailed, m.OpID, err)
		return nil, err
	}

	if !resolved {
		if err := e.completeExternal(ctx); err != nil {
			return nil, err
		}
		effects, err := e.observe(ctx, pause.PreEffects)
		if err != nil {
			return nil, err
		}
		var args []string
		if g, ok := paused.(plan.RunGit); ok {
			args = g.Args
		}
		if err := e.record(ctx, op, opstate.Entry{Kind: opstate.EntryGitRan, Args: args, Effects: effects}); err != nil {
			return nil, err
		}
	}

	if err := m.Resume(e.now()); err != nil {
		return nil, err
	}
	if err := e.states.Save(ctx, m); err != nil {
		return nil, fmt.Errorf("save resumed op-state: %w", err)
	}
	app.GetLogger().Info("Operation resumed %s=%s remaining=%d", app.MetricOpResume, m.OpID, len(remaining))

	return e.run(ctx, op, remaining)
}

// resumePoint finds the pause Continue resumes from. A GitRan directly after
// the pause means an earlier continue already finished the paused step and
// stopped before the marker was saved; resolved is true in that case.
func resumePoint(j opstate.Journal) (pause opstate.Entry, resolved bool, err error) {
	n := len(j)
	switch {
	case n > 0 && j[n-1].Kind == opstate.EntryConflictPaused:
		return j[n-1], false, nil
	case n > 1 && j[n-1].Kind == opstate.EntryGitRan && j[n-2].Kind == opstate.EntryConflictPaused:
		return j[n-2], true, nil
	}
	return opstate.Entry{}, false, fmt.Errorf("%w: no conflict pause to resume from", opstate.ErrInvalidState)
}

// completeExternal finishes the in-progress operation the user resolved. An
// operation the user already completed by hand is fine.
func (e *Executor) completeExternal(ctx context.Context) error {
	ext, err := e.repo.InProgressOperation(ctx)
	if err != nil {
		return fmt.Errorf("detect in-progress operation: %w", err)
	}
	if ext == repository.OpNone {
		return nil
	}
	res, err := e.repo.ContinueOperation(ctx, ext)
	if err != nil {
		return fmt.Errorf("continue %s: %w", ext, err)
	}
	if res.Success() {
		return nil
	}
	detail := errors.New(conflictSummary(res))
	if still, _ := e.repo.InProgressOperation(ctx); still != repository.OpNone {
		return execution.ConflictUnresolved(string(ext), detail)
	}
	return execution.Wrap(execution.CodeGit, string(ext)+" --continue failed", detail)
}

// Abort abandons the in-flight operation: any external operation is aborted
// and the whole journal is rolled back.
func (e *Executor) Abort(ctx context.Context) (*Result, error) {
	held, err := e.locker.Acquire(ctx, "abort")
	if err != nil {
		return nil, err
	}
	defer held.Release()

	op, done, err := e.load(ctx)
	if err != nil || done != nil {
		return done, err
	}

	ext, err := e.repo.InProgressOperation(ctx)
	if err != nil {
		return nil, fmt.Errorf("detect in-progress operation: %w", err)
	}
	if ext != repository.OpNone {
		if err := e.repo.AbortOperation(ctx, ext); err != nil {
			return nil, fmt.Errorf("abort %s: %w", ext, err)
		}
	}

	revs, err := e.reversals(ctx, op)
	if err != nil {
		return nil, err
	}
	reason := "aborted by user"
	if op.marker.Awaiting != nil && op.marker.Awaiting.Message != "" {
		reason += ": " + op.marker.Awaiting.Message
	}
	var evidence []string
	for _, entry := range op.journal {
		evidence = append(evidence, fmt.Sprintf("%d %s %s", entry.Seq, entry.Kind, entryTarget(entry)))
	}
	return e.settle(ctx, op, reason, evidence, e.rollback(ctx, revs))
}

// load reads the marker and journal under the lock. When the ledger already
// records an outcome for the marker's operation, the leftover marker is
// cleared and that outcome is returned as done.
func (e *Executor) load(ctx context.Context) (*operation, *Result, error) {
	m, err := e.states.Load(ctx)
	if err != nil {
		return nil, nil, err
	}
	if m == nil {
		return nil, nil, execution.ErrNoOperation
	}
	if filepath.Clean(m.Worktree) != filepath.Clean(e.repo.WorktreeRoot()) {
		return nil, nil, execution.WrongWorktree(m.Worktree, e.repo.WorktreeRoot())
	}

	journal, err := e.journals.Load(ctx, m.OpID)
	if err != nil && !errors.Is(err, txn.ErrJournalNotFound) {
		return nil, nil, err
	}
	op := &operation{marker: m, journal: journal}

	outcome, err := e.ledger.Outcome(ctx, m.OpID)
	if err != nil {
		return nil, nil, fmt.Errorf("read outcome of %s: %w", m.OpID, err)
	}
	if outcome == nil {
		return op, nil, nil
	}

	app.GetLogger().Info("Operation %s already %s; clearing its marker", m.OpID, outcome.Type)
	e.clear(ctx, op)
	res := op.result(OutcomeAborted)
	if outcome.Type == event.TypeCommitted {
		res.Outcome = OutcomeCommitted
	}
	res.Event = outcome
	return nil, res, nil
}

func entryTarget(entry opstate.Entry) string {
	switch {
	case !entry.Ref.IsZero():
		return entry.Ref.String()
	case len(entry.Args) > 0:
		return "git " + strings.Join(entry.Args, " ")
	case entry.Label != "":
		return entry.Label
	}
	return ""
}
