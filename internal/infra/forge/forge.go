// Package forge holds the closed set of remote providers behind
// repository.Forge. Providers are chosen once from configuration.
package forge

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/YoshitsuguKoike/lattice/internal/app"
	"github.com/YoshitsuguKoike/lattice/internal/app/config"
	"github.com/YoshitsuguKoike/lattice/internal/domain/model/ref"
	"github.com/YoshitsuguKoike/lattice/internal/domain/repository"
)

// ErrNoForge is returned by review operations when no forge is configured
var ErrNoForge = errors.New("no forge configured; set forge: github in config.yaml")

// New selects the provider named by cfg
func New(cfg config.Config, repo repository.Repository, tokens *TokenSource) (repository.Forge, error) {
	git := &gitTransport{repo: repo}
	switch cfg.Forge() {
	case config.ForgeNone, "":
		return &None{gitTransport: git}, nil
	case config.ForgeGitHub:
		owner, name, _ := strings.Cut(cfg.GitHubRepo(), "/")
		return NewGitHub(git, tokens, cfg.GitHubAPIURL(), owner, name), nil
	}
	return nil, fmt.Errorf("unknown forge %q", cfg.Forge())
}

// gitTransport pushes and fetches with the git CLI through the Repository
type gitTransport struct {
	repo repository.Repository
}

// Push uses --force-with-lease against the last known remote value so a
// concurrent push by someone else is never overwritten
func (g *gitTransport) Push(ctx context.Context, remote string, branch ref.BranchName, lease ref.Oid, force bool) error {
	refspec := branch.Ref().String() + ":" + branch.Ref().String()
	args := []string{"push", "--porcelain"}
	if force {
		args = append(args, "--force-with-lease="+branch.Ref().String()+":"+lease.String())
	}
	args = append(args, remote, refspec)

	res, err := g.repo.Run(ctx, args...)
	if err != nil {
		return fmt.Errorf("push %s: %w", branch, err)
	}
	if !res.Success() {
		return fmt.Errorf("push %s to %s: %s", branch, remote, strings.TrimSpace(res.Stderr))
	}
	app.GetLogger().Info("Pushed %s to %s", branch, remote)
	return nil
}

func (g *gitTransport) Fetch(ctx context.Context, remote string) error {
	res, err := g.repo.Run(ctx, "fetch", "--prune", remote)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", remote, err)
	}
	if !res.Success() {
		return fmt.Errorf("fetch %s: %s", remote, strings.TrimSpace(res.Stderr))
	}
	return nil
}

// None supports push and fetch but no reviews
type None struct {
	*gitTransport
}

var _ repository.Forge = (*None)(nil)

func (n *None) Name() string { return config.ForgeNone }

func (n *None) CreateReview(ctx context.Context, req repository.ReviewRequest) (*repository.Review, error) {
	return nil, ErrNoForge
}

func (n *None) UpdateReview(ctx context.Context, number int, base ref.BranchName) (*repository.Review, error) {
	return nil, ErrNoForge
}

func (n *None) MergeReview(ctx context.Context, number int, method string) (*repository.Review, error) {
	return nil, ErrNoForge
}
