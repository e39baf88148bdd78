package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/YoshitsuguKoike/lattice/internal/app"
	"github.com/YoshitsuguKoike/lattice/internal/domain/execution"
	"github.com/YoshitsuguKoike/lattice/internal/domain/model/metadata"
	"github.com/YoshitsuguKoike/lattice/internal/domain/model/opstate"
	"github.com/YoshitsuguKoike/lattice/internal/domain/model/plan"
	"github.com/YoshitsuguKoike/lattice/internal/domain/model/ref"
	"github.com/YoshitsuguKoike/lattice/internal/domain/repository"
)

// operation is the in-memory view of one in-flight operation
type operation struct {
	marker  *opstate.OpState
	journal opstate.Journal
}

func (op *operation) result(outcome Outcome) *Result {
	return &Result{OpID: op.marker.OpID, Command: op.marker.Command, Outcome: outcome}
}

// record durably appends entry before the caller performs its mutation
func (e *Executor) record(ctx context.Context, op *operation, entry opstate.Entry) error {
	entry.Seq = op.journal.NextSeq()
	entry.Timestamp = e.now()
	if err := e.journals.Append(ctx, op.marker.OpID, entry); err != nil {
		return fmt.Errorf("journal %s: %w", entry.Kind, err)
	}
	op.journal = append(op.journal, entry)
	return nil
}

func (e *Executor) reason(op *operation) string {
	return fmt.Sprintf("lattice %s (%s)", op.marker.Command, op.marker.OpID)
}

// run applies the local prefix of steps, then verifies and commits, then
// runs the remote suffix. A pause stops the loop and embeds every step
// after the paused one in the journal.
func (e *Executor) run(ctx context.Context, op *operation, steps []plan.Step) (*Result, error) {
	split := len(steps)
	for i, s := range steps {
		if s.Remote() {
			split = i
			break
		}
	}

	for i, s := range steps[:split] {
		paused, err := e.apply(ctx, op, s, steps[i+1:])
		if err != nil {
			app.GetLogger().Warn("Step %d (%s) failed for %s: %v", i, s.Describe(), op.marker.OpID, err)
			return e.fail(ctx, op, err, []string{err.Error()})
		}
		if paused != nil {
			return paused, nil
		}
	}
	if err := e.record(ctx, op, opstate.Entry{Kind: opstate.EntryStepsComplete}); err != nil {
		return e.fail(ctx, op, err, []string{err.Error()})
	}

	res, err := e.finish(ctx, op)
	if err != nil || res.Outcome != OutcomeCommitted {
		return res, err
	}
	return e.runRemote(ctx, res, steps[split:])
}

// apply performs one local step. It returns a non-nil Result when the step
// paused on a conflict.
func (e *Executor) apply(ctx context.Context, op *operation, step plan.Step, rest []plan.Step) (*Result, error) {
	switch s := step.(type) {
	case plan.UpdateRefCas:
		if err := e.record(ctx, op, opstate.Entry{Kind: opstate.EntryRefUpdated, Ref: s.Ref, Old: s.ExpectedOld, New: s.New}); err != nil {
			return nil, err
		}
		return nil, e.applied(ctx, op, e.repo.UpdateRefCas(ctx, s.Ref, s.New, s.ExpectedOld, e.reason(op)))

	case plan.DeleteRefCas:
		entry := opstate.Entry{Kind: opstate.EntryRefDeleted, Ref: s.Ref, Old: s.ExpectedOld}
		if branch, ok := s.Ref.MetadataBranch(); ok {
			prior, err := e.repo.ReadBlob(ctx, s.ExpectedOld)
			if err != nil {
				return nil, fmt.Errorf("read metadata of %s: %w", branch, err)
			}
			entry.Kind = opstate.EntryMetadataDeleted
			entry.Branch = branch
			entry.PriorContent = prior
		}
		if err := e.record(ctx, op, entry); err != nil {
			return nil, err
		}
		return nil, e.applied(ctx, op, e.repo.DeleteRefCas(ctx, s.Ref, s.ExpectedOld))

	case plan.WriteMetadataCas:
		return nil, e.writeMetadata(ctx, op, s.Branch, s.ExpectedOld, s.Content)

	case plan.RecordBase:
		return nil, e.recordBase(ctx, op, s)

	case plan.RunGit:
		return e.runGit(ctx, op, s, rest)

	case plan.Checkpoint:
		return nil, e.record(ctx, op, opstate.Entry{Kind: opstate.EntryCheckpoint, Label: s.Label})
	}
	return nil, fmt.Errorf("step %s cannot run in the local phase", step.Kind())
}

func (e *Executor) writeMetadata(ctx context.Context, op *operation, branch ref.BranchName, expectedOld ref.Oid, m *metadata.Metadata) error {
	content, err := m.Encode()
	if err != nil {
		return fmt.Errorf("encode metadata of %s: %w", branch, err)
	}
	newOid, err := e.repo.WriteBlob(ctx, content)
	if err != nil {
		return fmt.Errorf("write metadata of %s: %w", branch, err)
	}
	var prior []byte
	if !expectedOld.IsZero() {
		if prior, err = e.repo.ReadBlob(ctx, expectedOld); err != nil {
			return fmt.Errorf("read metadata of %s: %w", branch, err)
		}
	}

	name := branch.MetadataRef()
	entry := opstate.Entry{
		Kind:         opstate.EntryMetadataWritten,
		Ref:          name,
		Branch:       branch,
		Old:          expectedOld,
		New:          newOid,
		PriorContent: prior,
	}
	if err := e.record(ctx, op, entry); err != nil {
		return err
	}
	return e.applied(ctx, op, e.repo.UpdateRefCas(ctx, name, newOid, expectedOld, e.reason(op)))
}

// applied inspects the result of the mutation journaled by the last entry.
// A CAS failure means the ref was never written, so the entry is cancelled
// and rollback leaves that ref to whoever moved it.
func (e *Executor) applied(ctx context.Context, op *operation, err error) error {
	if err == nil || !execution.IsCasFailed(err) || len(op.journal) == 0 {
		return err
	}
	last := op.journal[len(op.journal)-1]
	if rerr := e.record(ctx, op, opstate.Entry{Kind: opstate.EntryStepFailed, FailedSeq: last.Seq, Ref: last.Ref, Reason: err.Error()}); rerr != nil {
		app.GetLogger().Warn("Could not journal failed step %d of %s: %v", last.Seq, op.marker.OpID, rerr)
	}
	return err
}

func (e *Executor) recordBase(ctx context.Context, op *operation, s plan.RecordBase) error {
	if s.ExpectedOld.IsZero() {
		return fmt.Errorf("record base: %s is not tracked", s.Branch)
	}
	tip, err := e.repo.ResolveRef(ctx, s.Parent.Ref())
	if err != nil {
		return fmt.Errorf("resolve %s: %w", s.Parent, err)
	}
	if tip.IsZero() {
		return fmt.Errorf("record base: parent %s does not exist", s.Parent)
	}
	data, err := e.repo.ReadBlob(ctx, s.ExpectedOld)
	if err != nil {
		return fmt.Errorf("read metadata of %s: %w", s.Branch, err)
	}
	m, err := metadata.Parse(data)
	if err != nil {
		return fmt.Errorf("metadata of %s: %w", s.Branch, err)
	}
	m.Structural.Base = tip
	return e.writeMetadata(ctx, op, s.Branch, s.ExpectedOld, m)
}

// runGit checks the declared effects, journals GitStarted, runs the command
// and journals what it changed. A failure that leaves an operation in
// progress is a conflict and pauses.
func (e *Executor) runGit(ctx context.Context, op *operation, s plan.RunGit, rest []plan.Step) (*Result, error) {
	pre := make([]opstate.Effect, 0, len(s.Effects))
	for _, x := range s.Effects {
		cur, err := e.repo.ResolveRef(ctx, x.Ref)
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", x.Ref, err)
		}
		if !cur.Equals(x.Expected) {
			return nil, execution.CasFailed(x.Ref.String(), x.Expected.String(), cur.String())
		}
		pre = append(pre, opstate.Effect{Ref: x.Ref, Old: cur, New: cur})
	}
	if err := e.record(ctx, op, opstate.Entry{Kind: opstate.EntryGitStarted, Args: s.Args, PreEffects: pre}); err != nil {
		return nil, err
	}

	res, err := e.repo.Run(ctx, s.Args...)
	if err != nil {
		return nil, fmt.Errorf("git %s: %w", strings.Join(s.Args, " "), err)
	}

	if !res.Success() {
		ext, err := e.repo.InProgressOperation(ctx)
		if err != nil {
			return nil, fmt.Errorf("detect in-progress operation: %w", err)
		}
		if ext != repository.OpNone {
			return e.pause(ctx, op, s, pre, rest, ext, res)
		}
	}

	effects, err := e.observe(ctx, pre)
	if err != nil {
		return nil, err
	}
	if err := e.record(ctx, op, opstate.Entry{Kind: opstate.EntryGitRan, Args: s.Args, Effects: effects}); err != nil {
		return nil, err
	}
	if !res.Success() {
		return nil, execution.NewError(execution.CodeGit, "git "+strings.Join(s.Args, " ")+" failed", map[string]interface{}{
			"exit":   res.ExitCode,
			"stderr": firstLine(res.Stderr),
		})
	}
	return nil, nil
}

// observe pairs each pre-effect with the ref's current value
func (e *Executor) observe(ctx context.Context, pre []opstate.Effect) ([]opstate.Effect, error) {
	out := make([]opstate.Effect, 0, len(pre))
	for _, p := range pre {
		cur, err := e.repo.ResolveRef(ctx, p.Ref)
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", p.Ref, err)
		}
		out = append(out, opstate.Effect{Ref: p.Ref, Old: p.Old, New: cur})
	}
	return out, nil
}

func (e *Executor) pause(ctx context.Context, op *operation, s plan.RunGit, pre []opstate.Effect, rest []plan.Step, ext repository.ExternalOp, res repository.GitResult) (*Result, error) {
	pausedRaw, err := plan.EncodeStep(s)
	if err != nil {
		return nil, err
	}
	restRaw, err := plan.EncodeSteps(rest)
	if err != nil {
		return nil, err
	}
	summary := conflictSummary(res)
	entry := opstate.Entry{
		Kind:       opstate.EntryConflictPaused,
		Args:       s.Args,
		PausedStep: pausedRaw,
		PreEffects: pre,
		Remaining:  restRaw,
		Reason:     summary,
	}
	if err := e.record(ctx, op, entry); err != nil {
		return nil, err
	}

	op.marker.Pause(opstate.AwaitingReason{Kind: opstate.ReasonConflict, Operation: string(ext), Message: summary}, e.now())
	if err := e.states.Save(ctx, op.marker); err != nil {
		return nil, fmt.Errorf("save paused op-state: %w", err)
	}

	app.GetLogger().Info("Operation paused %s=%s step=%q remaining=%d", app.MetricOpPauseConflict, op.marker.OpID, s.Describe(), len(rest))
	out := op.result(OutcomePaused)
	out.Awaiting = op.marker.Awaiting
	out.Remaining = len(rest)
	return out, nil
}

func conflictSummary(res repository.GitResult) string {
	for _, stream := range []string{res.Stdout, res.Stderr} {
		for _, line := range strings.Split(stream, "\n") {
			if strings.HasPrefix(line, "CONFLICT") {
				return strings.TrimSpace(line)
			}
		}
	}
	if line := firstLine(res.Stderr); line != "" {
		return line
	}
	return "stopped with conflicts"
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
