package engine

import (
	"context"
	"fmt"

	"github.com/YoshitsuguKoike/lattice/internal/app"
	"github.com/YoshitsuguKoike/lattice/internal/domain/execution"
	"github.com/YoshitsuguKoike/lattice/internal/domain/model/event"
	"github.com/YoshitsuguKoike/lattice/internal/domain/model/opstate"
)

// reversals returns the inverse CAS operations for op: first whatever a git
// command left behind without a GitRan entry, then the journal in exact
// reverse order
func (e *Executor) reversals(ctx context.Context, op *operation) ([]opstate.Reversal, error) {
	var out []opstate.Reversal
	if n := len(op.journal); n > 0 {
		last := op.journal[n-1]
		if last.Kind == opstate.EntryGitStarted || last.Kind == opstate.EntryConflictPaused {
			for i := len(last.PreEffects) - 1; i >= 0; i-- {
				p := last.PreEffects[i]
				cur, err := e.repo.ResolveRef(ctx, p.Ref)
				if err != nil {
					return nil, fmt.Errorf("resolve %s: %w", p.Ref, err)
				}
				if !cur.Equals(p.Old) {
					out = append(out, opstate.Reversal{Ref: p.Ref, Current: cur, Restore: p.Old})
				}
			}
		}
	}
	return append(out, op.journal.Reversals()...), nil
}

// rollback applies every reversal with CAS against the value the operation
// wrote. A failed reversal is reported and the rest are still attempted.
// A ref already holding its restore value counts as restored; this covers
// an entry journaled just before a crash prevented its mutation.
func (e *Executor) rollback(ctx context.Context, revs []opstate.Reversal) []opstate.RefFailure {
	log := app.GetLogger()
	var failures []opstate.RefFailure
	for _, r := range revs {
		cur, err := e.repo.ResolveRef(ctx, r.Ref)
		if err != nil {
			failures = append(failures, opstate.RefFailure{Ref: r.Ref, Expected: r.Current, Restore: r.Restore, Error: err.Error()})
			continue
		}
		if cur.Equals(r.Restore) {
			continue
		}
		if !cur.Equals(r.Current) {
			log.Warn("Cannot restore %s: expected %s, found %s", r.Ref, r.Current.Short(), cur.Short())
			failures = append(failures, opstate.RefFailure{Ref: r.Ref, Expected: r.Current, Actual: cur, Restore: r.Restore})
			continue
		}

		if err := e.restore(ctx, r); err != nil {
			log.Warn("Cannot restore %s: %v", r.Ref, err)
			f := opstate.RefFailure{Ref: r.Ref, Expected: r.Current, Actual: cur, Restore: r.Restore, Error: err.Error()}
			if cf, ok := execution.AsCasFailure(err); ok {
				f.Error = "changed to " + cf.Actual
			}
			failures = append(failures, f)
		}
	}
	return failures
}

func (e *Executor) restore(ctx context.Context, r opstate.Reversal) error {
	if r.Restore.IsZero() {
		return e.repo.DeleteRefCas(ctx, r.Ref, r.Current)
	}
	target := r.Restore
	if r.RestoreContent != nil {
		oid, err := e.repo.WriteBlob(ctx, r.RestoreContent)
		if err != nil {
			return fmt.Errorf("rewrite prior content: %w", err)
		}
		target = oid
	}
	return e.repo.UpdateRefCas(ctx, r.Ref, target, r.Current, "lattice rollback")
}

// fail rolls op back after cause and records the outcome
func (e *Executor) fail(ctx context.Context, op *operation, cause error, evidence []string) (*Result, error) {
	revs, err := e.reversals(ctx, op)
	if err != nil {
		return nil, fmt.Errorf("%v (rollback not attempted: %w)", cause, err)
	}
	res, err := e.settle(ctx, op, cause.Error(), evidence, e.rollback(ctx, revs))
	if err != nil {
		return res, err
	}
	return res, cause
}

// settle finishes a rollback: Aborted plus marker removal when every ref was
// restored, otherwise a RollbackIncomplete pause naming the refs left behind
func (e *Executor) settle(ctx context.Context, op *operation, reason string, evidence []string, failures []opstate.RefFailure) (*Result, error) {
	log := app.GetLogger()
	if len(failures) > 0 {
		refs := make([]string, len(failures))
		for i, f := range failures {
			refs[i] = f.Ref.String()
		}
		op.marker.Pause(opstate.AwaitingReason{
			Kind:     opstate.ReasonRollbackIncomplete,
			Message:  reason,
			Failures: failures,
		}, e.now())
		if err := e.states.Save(ctx, op.marker); err != nil {
			return nil, fmt.Errorf("save op-state after incomplete rollback: %w", err)
		}
		log.Error("Rollback incomplete %s=%s refs=%v", app.MetricOpRollbackFailed, op.marker.OpID, refs)

		res := op.result(OutcomePaused)
		res.Awaiting = op.marker.Awaiting
		rb := execution.RollbackIncomplete(refs)
		rb.Err = fmt.Errorf("%s", reason)
		return res, rb
	}

	ev, err := e.ledger.Append(ctx, event.Aborted(op.marker.OpID, op.marker.Command, reason, evidence))
	if err != nil {
		return nil, fmt.Errorf("record abort: %w", err)
	}
	e.clear(ctx, op)
	log.Info("Operation rolled back %s=%s", app.MetricOpRollbackSuccess, op.marker.OpID)

	res := op.result(OutcomeAborted)
	res.Event = &ev
	return res, nil
}

// clear removes the marker, then the journal. It runs only after the
// outcome is durable in the ledger, so a failure here is recoverable by
// continue or abort and is logged rather than returned.
func (e *Executor) clear(ctx context.Context, op *operation) {
	log := app.GetLogger()
	if err := e.states.Remove(ctx); err != nil {
		log.Warn("Could not remove op-state of %s: %v", op.marker.OpID, err)
		return
	}
	if err := e.journals.Remove(ctx, op.marker.OpID); err != nil {
		log.Warn("Could not remove journal of %s: %v", op.marker.OpID, err)
	}
}
