package repository

import (
	"context"

	"github.com/YoshitsuguKoike/lattice/internal/domain/model/opstate"
)

// OpStateStore persists the single op-state marker of a repository
type OpStateStore interface {
	// Load returns the current marker, or nil when no operation is in flight
	Load(ctx context.Context) (*opstate.OpState, error)

	// Create writes a new marker and fails if one already exists
	Create(ctx context.Context, state *opstate.OpState) error

	// Save replaces the existing marker
	Save(ctx context.Context, state *opstate.OpState) error

	// Remove deletes the marker
	Remove(ctx context.Context) error
}
