package engine

import (
	"context"
	"fmt"
	"sort"

	"github.com/YoshitsuguKoike/lattice/internal/app"
	"github.com/YoshitsuguKoike/lattice/internal/domain/execution"
	"github.com/YoshitsuguKoike/lattice/internal/domain/model/event"
	"github.com/YoshitsuguKoike/lattice/internal/domain/model/opstate"
	"github.com/YoshitsuguKoike/lattice/internal/domain/model/ref"
)

// finish verifies a fully applied operation and commits it, or rolls it
// back when verification fails
func (e *Executor) finish(ctx context.Context, op *operation) (*Result, error) {
	snap, err := e.scanner.ScanLocked(ctx)
	if err != nil {
		return e.fail(ctx, op, fmt.Errorf("post-operation scan: %w", err), nil)
	}

	problems, err := e.postconditions(ctx, op.journal)
	if err != nil {
		return e.fail(ctx, op, err, nil)
	}
	known := make(map[string]bool, len(op.marker.KnownIssues))
	for _, id := range op.marker.KnownIssues {
		known[id] = true
	}
	for _, id := range snap.StructuralIssueIDs() {
		if known[id] {
			continue
		}
		is, _ := snap.Issue(id)
		problems = append(problems, is.Message)
	}

	if len(problems) > 0 {
		app.GetLogger().Warn("Verification failed %s=%s problems=%d", app.MetricOpVerifyFailed, op.marker.OpID, len(problems))
		return e.fail(ctx, op, execution.VerificationFailed(problems), problems)
	}

	committed := event.Committed(op.marker.OpID, op.marker.Command, op.marker.PlanDigest,
		snap.Fingerprint, snap.ConfigVersion, snap.FingerprintRefs)
	ev, err := e.ledger.Append(ctx, committed)
	if err != nil {
		app.GetLogger().Error("Commit not recorded %s=%s: %v", app.MetricOpCommitFailed, op.marker.OpID, err)
		return nil, fmt.Errorf("record commit of %s (run 'lattice continue' to retry): %w", op.marker.OpID, err)
	}
	e.clear(ctx, op)
	app.GetLogger().Info("Operation committed %s=%s command=%s", app.MetricOpCommitSuccess, op.marker.OpID, op.marker.Command)

	res := op.result(OutcomeCommitted)
	res.Event = &ev
	return res, nil
}

// postconditions checks that every ref the journal wrote still holds the
// last value written to it
func (e *Executor) postconditions(ctx context.Context, j opstate.Journal) ([]string, error) {
	final := make(map[ref.RefName]ref.Oid)
	for _, entry := range j {
		switch entry.Kind {
		case opstate.EntryRefUpdated, opstate.EntryMetadataWritten:
			final[entry.Ref] = entry.New
		case opstate.EntryRefDeleted, opstate.EntryMetadataDeleted:
			final[entry.Ref] = ref.ZeroOid
		case opstate.EntryGitRan:
			for _, eff := range entry.Effects {
				final[eff.Ref] = eff.New
			}
		}
	}

	names := make([]ref.RefName, 0, len(final))
	for name := range final {
		names = append(names, name)
	}
	sort.Slice(names, func(i, k int) bool { return names[i].String() < names[k].String() })

	var problems []string
	for _, name := range names {
		cur, err := e.repo.ResolveRef(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", name, err)
		}
		if want := final[name]; !cur.Equals(want) {
			problems = append(problems, fmt.Sprintf("%s is %s, expected %s", name, display(cur), display(want)))
		}
	}
	return problems, nil
}

func display(o ref.Oid) string {
	if o.IsZero() {
		return "absent"
	}
	return o.Short()
}
