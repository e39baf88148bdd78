package repository

import (
	"context"

	"github.com/YoshitsuguKoike/lattice/internal/domain/model/ref"
)

// Review is a remote code review as reported by a forge
type Review struct {
	Number int
	URL    string
	State  string
	Head   string
	Base   string
}

// ReviewRequest describes a review to open
type ReviewRequest struct {
	Head  ref.BranchName
	Base  ref.BranchName
	Title string
	Body  string
	Draft bool
}

// Forge is the remote provider used by remote-phase plan steps
type Forge interface {
	// Name identifies the provider ("github", "none")
	Name() string

	// Push updates remote's copy of branch, leasing on its last known value
	Push(ctx context.Context, remote string, branch ref.BranchName, lease ref.Oid, force bool) error

	// Fetch refreshes remote-tracking refs
	Fetch(ctx context.Context, remote string) error

	// CreateReview opens a review
	CreateReview(ctx context.Context, req ReviewRequest) (*Review, error)

	// UpdateReview changes the base of an existing review
	UpdateReview(ctx context.Context, number int, base ref.BranchName) (*Review, error)

	// MergeReview merges an existing review
	MergeReview(ctx context.Context, number int, method string) (*Review, error)
}
