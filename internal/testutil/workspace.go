package testutil

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/YoshitsuguKoike/lattice/internal/app"
	"github.com/YoshitsuguKoike/lattice/internal/app/config"
	"github.com/YoshitsuguKoike/lattice/internal/application/service"
	"github.com/YoshitsuguKoike/lattice/internal/domain/model/metadata"
	"github.com/YoshitsuguKoike/lattice/internal/domain/model/ref"
	"github.com/YoshitsuguKoike/lattice/internal/infra/fs/txn"
	"github.com/YoshitsuguKoike/lattice/internal/infra/ledger"
	"github.com/YoshitsuguKoike/lattice/internal/infra/lock"
)

// Workspace wires an in-memory repository to real stores for engine and
// service tests. Journals and the marker live on a MemMapFs; the lock is a
// real file lock under a temp dir.
type Workspace struct {
	Paths    app.Paths
	Fs       afero.Fs
	Repo     *FakeRepository
	States   *txn.OpStateStore
	Journals *txn.JournalStore
	Locker   *lock.FileLocker
	Ledger   *ledger.Ledger
	Forge    *FakeForge
	Config   *config.AppConfig
	Scanner  *service.Scanner
}

// NewWorkspace creates an empty workspace with trunk "main" and forge github
func NewWorkspace(t *testing.T) *Workspace {
	t.Helper()
	return NewWorkspaceWithConfig(t, TestConfig("main", true))
}

// TestConfig returns a configuration suitable for tests
func TestConfig(trunk string, verifyAncestry bool) *config.AppConfig {
	return config.NewAppConfig(trunk, "origin", config.ForgeGitHub, "https://api.github.test", "acme/widgets",
		200*time.Millisecond, verifyAncestry, "error", "cfg-test", "default", nil)
}

// NewWorkspaceWithConfig creates an empty workspace using cfg
func NewWorkspaceWithConfig(t *testing.T, cfg *config.AppConfig) *Workspace {
	t.Helper()
	root := filepath.Join(t.TempDir(), "repo")
	paths := app.ResolvePaths(filepath.Join(root, ".git"))

	afs := afero.NewMemMapFs()
	repo := NewFakeRepository(paths.CommonDir, root)
	states := txn.NewOpStateStore(afs, paths.OpState)
	journals := txn.NewJournalStore(afs, paths.OpsDir)
	locker := lock.NewRepositoryLocker(paths, cfg.LockTimeout())

	return &Workspace{
		Paths:    paths,
		Fs:       afs,
		Repo:     repo,
		States:   states,
		Journals: journals,
		Locker:   locker,
		Ledger:   ledger.New(repo),
		Forge:    NewFakeForge(),
		Config:   cfg,
		Scanner:  service.NewScanner(repo, txn.NewScanner(journals, states), locker, cfg),
	}
}

// Trunk creates the trunk branch with one commit and returns its tip
func (w *Workspace) Trunk(t *testing.T) ref.Oid {
	t.Helper()
	tip := w.Repo.Commit("initial")
	w.Repo.SetBranch(w.Config.Trunk(), tip)
	return tip
}

// Stack creates a trunk and a linear stack of tracked branches, each one
// commit on top of its parent, and returns the branch tips by name
func (w *Workspace) Stack(t *testing.T, names ...string) map[string]ref.Oid {
	t.Helper()
	tips := map[string]ref.Oid{w.Config.Trunk(): w.Trunk(t)}

	parent := w.Config.Trunk()
	for _, name := range names {
		base := tips[parent]
		tip := w.Repo.Commit("work on "+name, base)
		w.Repo.SetBranch(name, tip)
		w.Repo.PutMetadata(metadata.New(ref.MustBranchName(name), ref.MustBranchName(parent), parent == w.Config.Trunk(), base))
		tips[name] = tip
		parent = name
	}
	return tips
}

// Advance adds a commit to branch and returns the new tip
func (w *Workspace) Advance(t *testing.T, branch string) ref.Oid {
	t.Helper()
	tip := w.Repo.Commit("advance "+branch, w.Repo.Branch(branch))
	w.Repo.SetBranch(branch, tip)
	return tip
}

// Scan takes a snapshot without holding the lock
func (w *Workspace) Scan(t *testing.T) *service.Snapshot {
	t.Helper()
	snap, err := w.Scanner.Scan(context.Background())
	require.NoError(t, err)
	return snap
}

// Ready scans and requires the snapshot to pass the gate for req
func (w *Workspace) Ready(t *testing.T, req service.RequirementSet) *service.ReadyContext {
	t.Helper()
	rc, bundle := service.Gate(w.Scan(t), req)
	if bundle != nil {
		require.NoError(t, bundle.Err(), "snapshot did not pass the %s gate", req.Name)
	}
	return rc
}
