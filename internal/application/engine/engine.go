// Package engine applies plans to the repository with compare-and-swap ref
// updates, a write-ahead journal, conflict pausing and rollback.
package engine

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/YoshitsuguKoike/lattice/internal/app"
	"github.com/YoshitsuguKoike/lattice/internal/application/service"
	"github.com/YoshitsuguKoike/lattice/internal/domain/execution"
	"github.com/YoshitsuguKoike/lattice/internal/domain/model/event"
	"github.com/YoshitsuguKoike/lattice/internal/domain/model/opstate"
	"github.com/YoshitsuguKoike/lattice/internal/domain/model/plan"
	"github.com/YoshitsuguKoike/lattice/internal/domain/repository"
)

// Outcome is how an Execute, Continue or Abort call ended
type Outcome string

const (
	OutcomeNothingToDo Outcome = "nothing_to_do"
	OutcomeCommitted   Outcome = "committed"
	OutcomePaused      Outcome = "paused"
	OutcomeAborted     Outcome = "aborted"
)

// Result describes a finished call. Err-returning calls may still return a
// Result, e.g. a commit followed by a failed remote step.
type Result struct {
	OpID    string
	Command string
	Outcome Outcome

	// Awaiting is set when Outcome is Paused
	Awaiting *opstate.AwaitingReason
	// Remaining counts the local steps left after the paused one
	Remaining int

	// Event is the Committed or Aborted ledger entry
	Event *event.Event

	Remote []RemoteResult
}

// Deps are the collaborators of an Executor
type Deps struct {
	Repo     repository.Repository
	Locker   repository.Locker
	States   repository.OpStateStore
	Journals repository.JournalStore
	Ledger   repository.Ledger
	Scanner  *service.Scanner
	// Forge is only needed for plans with remote steps
	Forge repository.Forge
}

// Executor runs plans. All local mutation happens under the repository lock.
type Executor struct {
	repo     repository.Repository
	locker   repository.Locker
	states   repository.OpStateStore
	journals repository.JournalStore
	ledger   repository.Ledger
	scanner  *service.Scanner
	forge    repository.Forge

	now     func() time.Time
	newOpID func() string
}

// New creates an executor
func New(d Deps) *Executor {
	return &Executor{
		repo:     d.Repo,
		locker:   d.Locker,
		states:   d.States,
		journals: d.Journals,
		ledger:   d.Ledger,
		scanner:  d.Scanner,
		forge:    d.Forge,
		now:      func() time.Time { return time.Now().UTC() },
		newOpID:  app.NewOpID,
	}
}

// Execute applies p, which must have been built from rc.
//
//  1. lock, re-gate and re-check occupancy under the lock
//  2. precheck every CAS precondition; drift fails before any write
//  3. IntentRecorded, then the op-state marker, then an empty journal
//  4. apply local steps, journaling each before its mutation
//  5. verify, then commit or roll back
//  6. run remote steps after the commit
func (e *Executor) Execute(ctx context.Context, rc *service.ReadyContext, p *plan.Plan) (*Result, error) {
	if p.IsEmpty() {
		return &Result{Command: p.Command(), Outcome: OutcomeNothingToDo}, nil
	}
	log := app.GetLogger()

	// Pre-lock occupancy check gives an early answer; the one under the lock is binding
	if err := e.checkOccupancy(ctx, p); err != nil {
		return nil, err
	}

	held, err := e.locker.Acquire(ctx, p.Command())
	if err != nil {
		return nil, err
	}
	defer held.Release()

	snap, err := e.scanner.ScanLocked(ctx)
	if err != nil {
		return nil, err
	}
	if snap.OpState != nil {
		m := snap.OpState
		return nil, execution.OperationInFlight(m.OpID, m.Command, string(m.Phase))
	}
	if _, bundle := service.Gate(snap, rc.Requirements()); bundle != nil {
		return nil, bundle.Err()
	}
	if err := e.checkOccupancy(ctx, p); err != nil {
		return nil, err
	}

	local := p.LocalSteps()
	if len(local) == 0 {
		res := &Result{Command: p.Command(), Outcome: OutcomeCommitted}
		return e.runRemote(ctx, res, p.RemoteSteps())
	}

	if err := e.precheck(ctx, local); err != nil {
		log.Warn("Precheck failed %s=%s: %v", app.MetricOpCasFailed, p.Command(), err)
		return nil, err
	}

	op, err := e.begin(ctx, p, snap)
	if err != nil {
		return nil, err
	}

	return e.run(ctx, op, p.Steps())
}

// begin records intent and creates the marker and journal
func (e *Executor) begin(ctx context.Context, p *plan.Plan, snap *service.Snapshot) (*operation, error) {
	digest, err := p.Digest()
	if err != nil {
		return nil, fmt.Errorf("digest plan: %w", err)
	}
	opID := e.newOpID()

	if _, err := e.ledger.Append(ctx, event.IntentRecorded(opID, p.Command(), digest, p.Expectations())); err != nil {
		return nil, fmt.Errorf("record intent: %w", err)
	}

	marker := opstate.New(opID, p, digest, e.repo.WorktreeRoot(), e.now())
	marker.PID = os.Getpid()
	marker.Hostname, _ = os.Hostname()
	marker.KnownIssues = snap.StructuralIssueIDs()
	if err := e.states.Create(ctx, marker); err != nil {
		return nil, fmt.Errorf("create op-state: %w", err)
	}
	if err := e.journals.Create(ctx, opID); err != nil {
		return nil, fmt.Errorf("create journal: %w", err)
	}

	app.GetLogger().Info("Operation started %s=%s command=%s steps=%d", app.MetricOpIntent, opID, p.Command(), p.Len())
	return &operation{marker: marker}, nil
}

// checkOccupancy fails when a branch the plan touches is checked out in
// another worktree. Metadata-only plans touch no branches.
func (e *Executor) checkOccupancy(ctx context.Context, p *plan.Plan) error {
	branches := p.TouchedBranches()
	if len(branches) == 0 {
		return nil
	}
	wts, err := e.repo.Worktrees(ctx)
	if err != nil {
		return fmt.Errorf("list worktrees: %w", err)
	}
	for _, b := range branches {
		if wt, ok := repository.OccupiedElsewhere(wts, b, e.repo.WorktreeRoot()); ok {
			return execution.OccupancyViolation(b.String(), wt.Path)
		}
	}
	return nil
}
