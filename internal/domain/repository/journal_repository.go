package repository

import (
	"context"

	"github.com/YoshitsuguKoike/lattice/internal/domain/model/opstate"
)

// JournalStore persists one write-ahead journal per operation
type JournalStore interface {
	// Create starts an empty journal for opID
	Create(ctx context.Context, opID string) error

	// Append durably adds an entry; it returns only after the entry is synced
	Append(ctx context.Context, opID string, entry opstate.Entry) error

	// Load reads every entry in recorded order
	Load(ctx context.Context, opID string) (opstate.Journal, error)

	// Remove deletes the journal of a finished operation
	Remove(ctx context.Context, opID string) error

	// List returns the op ids that have a journal
	List(ctx context.Context) ([]string, error)
}
