package common

import (
	"context"
	"io"

	"github.com/YoshitsuguKoike/lattice/internal/app"
	"github.com/YoshitsuguKoike/lattice/internal/application/engine"
	"github.com/YoshitsuguKoike/lattice/internal/application/service"
	"github.com/YoshitsuguKoike/lattice/internal/domain/model/plan"
)

// Ready scans the repository, records any divergence and gates the
// snapshot for req. A refusal is printed to w.
func Ready(ctx context.Context, c *Container, req service.RequirementSet, w io.Writer) (*service.ReadyContext, error) {
	snap, err := Scan(ctx, c)
	if err != nil {
		return nil, err
	}
	rc, bundle := service.Gate(snap, req)
	if bundle != nil {
		PrintBundle(w, bundle)
		return nil, bundle.Err()
	}
	return rc, nil
}

// Scan takes a snapshot and compares it with the last committed state.
// Divergence is never checked while an operation is in flight.
func Scan(ctx context.Context, c *Container) (*service.Snapshot, error) {
	snap, err := c.Scanner.Scan(ctx)
	if err != nil {
		return nil, err
	}
	if snap.OpState == nil && snap.Capabilities.Has(service.CapRepoReadable) {
		if _, err := c.Divergence.Observe(ctx, snap); err != nil {
			app.GetLogger().Warn("Divergence check skipped: %v", err)
		}
	}
	return snap, nil
}

// Execute runs p and reports the outcome to w
func Execute(ctx context.Context, c *Container, rc *service.ReadyContext, p *plan.Plan, w io.Writer) (*engine.Result, error) {
	res, err := c.Executor.Execute(ctx, rc, p)
	return Report(w, res, err)
}

// Report prints a result. A paused operation becomes an ExitPaused error.
func Report(w io.Writer, res *engine.Result, err error) (*engine.Result, error) {
	PrintResult(w, res)
	if err != nil {
		return res, err
	}
	if res != nil && res.Outcome == engine.OutcomePaused {
		return res, Paused()
	}
	return res, nil
}
