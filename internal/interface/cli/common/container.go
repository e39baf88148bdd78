package common

import (
	"context"
	"fmt"

	"github.com/spf13/afero"

	"github.com/YoshitsuguKoike/lattice/internal/app"
	"github.com/YoshitsuguKoike/lattice/internal/app/config"
	"github.com/YoshitsuguKoike/lattice/internal/application/engine"
	"github.com/YoshitsuguKoike/lattice/internal/application/service"
	"github.com/YoshitsuguKoike/lattice/internal/domain/repository"
	infraConfig "github.com/YoshitsuguKoike/lattice/internal/infra/config"
	"github.com/YoshitsuguKoike/lattice/internal/infra/forge"
	"github.com/YoshitsuguKoike/lattice/internal/infra/fs/txn"
	"github.com/YoshitsuguKoike/lattice/internal/infra/git"
	"github.com/YoshitsuguKoike/lattice/internal/infra/ledger"
	"github.com/YoshitsuguKoike/lattice/internal/infra/lock"
)

// Container holds every collaborator a command needs, wired for one repository
type Container struct {
	Paths  app.Paths
	Fs     afero.Fs
	Config *config.AppConfig

	Repo     *git.Repository
	States   *txn.OpStateStore
	Journals *txn.JournalStore
	Locker   *lock.FileLocker
	Ledger   *ledger.Ledger
	Forge    repository.Forge

	Scanner    *service.Scanner
	Executor   *engine.Executor
	Divergence *service.DivergenceDetector
	Doctor     *service.Doctor
}

// Options adjust container construction from global flags
type Options struct {
	Dir string
	// LogLevel overrides the configured level when set
	LogLevel string
}

// InitializeContainer opens the repository containing opts.Dir, loads the
// layered configuration and wires the stores, lock, ledger and forge
func InitializeContainer(ctx context.Context, opts Options) (*Container, error) {
	dir := opts.Dir
	if dir == "" {
		dir = "."
	}
	repo, err := git.Open(ctx, dir, git.DefaultTimeout)
	if err != nil {
		return nil, err
	}

	afs := afero.NewOsFs()
	paths := app.ResolvePaths(repo.CommonDir())
	cfg, err := infraConfig.LoadSettings(afs, paths.UserConfig, paths.RepoConfig)
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}

	level := cfg.LogLevel()
	if opts.LogLevel != "" {
		level = opts.LogLevel
	}
	app.InitLogger(level)
	app.GetLogger().Debug("Configuration loaded from %s (version %s)", cfg.ConfigSource(), cfg.Version())

	states := txn.NewOpStateStore(afs, paths.OpState)
	journals := txn.NewJournalStore(afs, paths.OpsDir)
	locker := lock.NewRepositoryLocker(paths, cfg.LockTimeout())
	events := ledger.New(repo)

	tokens := forge.NewTokenSource(afs, paths.UserHome, lock.NewCredentialLocker(paths, cfg.LockTimeout()))
	fg, err := forge.New(cfg, repo, tokens)
	if err != nil {
		return nil, err
	}

	scanner := service.NewScanner(repo, txn.NewScanner(journals, states), locker, cfg)
	return &Container{
		Paths:    paths,
		Fs:       afs,
		Config:   cfg,
		Repo:     repo,
		States:   states,
		Journals: journals,
		Locker:   locker,
		Ledger:   events,
		Forge:    fg,
		Scanner:  scanner,
		Executor: engine.New(engine.Deps{
			Repo:     repo,
			Locker:   locker,
			States:   states,
			Journals: journals,
			Ledger:   events,
			Scanner:  scanner,
			Forge:    fg,
		}),
		Divergence: service.NewDivergenceDetector(events),
		Doctor:     service.NewDoctor(events),
	}, nil
}
