package repository

import (
	"context"

	"github.com/YoshitsuguKoike/lattice/internal/domain/model/event"
)

// Ledger is the append-only event history of a repository
type Ledger interface {
	// Append durably records e, assigning its id and timestamp
	Append(ctx context.Context, e event.Event) (event.Event, error)

	// List returns up to limit events, newest first (limit <= 0: all)
	List(ctx context.Context, limit int) ([]event.Event, error)

	// Latest returns the newest event, or nil for an empty ledger
	Latest(ctx context.Context) (*event.Event, error)

	// LastCommitted returns the newest Committed event, or nil
	LastCommitted(ctx context.Context) (*event.Event, error)

	// Outcome returns the Committed or Aborted event for opID, or nil
	Outcome(ctx context.Context, opID string) (*event.Event, error)
}
