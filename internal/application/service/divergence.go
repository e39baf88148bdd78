package service

import (
	"context"
	"fmt"

	"github.com/YoshitsuguKoike/lattice/internal/app"
	"github.com/YoshitsuguKoike/lattice/internal/domain/model/event"
	"github.com/YoshitsuguKoike/lattice/internal/domain/repository"
)

// DivergenceDetector compares a snapshot against the last committed state
type DivergenceDetector struct {
	ledger repository.Ledger
}

// NewDivergenceDetector creates a detector over ledger
func NewDivergenceDetector(ledger repository.Ledger) *DivergenceDetector {
	return &DivergenceDetector{ledger: ledger}
}

// Observe records a DivergenceObserved event when the snapshot's fingerprint
// differs from the newest Committed one. The same divergence is recorded once.
// It returns the appended event, or nil when nothing was recorded.
//
// Divergence is informational; it never blocks a command.
func (d *DivergenceDetector) Observe(ctx context.Context, snap *Snapshot) (*event.Event, error) {
	committed, err := d.ledger.LastCommitted(ctx)
	if err != nil {
		return nil, fmt.Errorf("read last commit: %w", err)
	}
	if committed == nil || committed.Fingerprint == snap.Fingerprint {
		return nil, nil
	}

	latest, err := d.ledger.Latest(ctx)
	if err != nil {
		return nil, fmt.Errorf("read latest event: %w", err)
	}
	if latest != nil && latest.Type == event.TypeDivergenceObserved && latest.Fingerprint == snap.Fingerprint {
		return nil, nil
	}

	prior := committed.Refs
	if latest != nil && latest.Type == event.TypeDivergenceObserved {
		// changes are reported relative to the last observed state
		prior = latest.Refs
	}
	changes := event.Diff(prior, snap.FingerprintRefs)
	e, err := d.ledger.Append(ctx, event.DivergenceObserved(committed.Fingerprint, snap.Fingerprint, snap.FingerprintRefs, changes))
	if err != nil {
		return nil, fmt.Errorf("record divergence: %w", err)
	}
	app.GetLogger().Info("Repository changed outside lattice %s=%d", app.MetricLedgerDivergence, len(changes))
	return &e, nil
}
