package service

import (
	"context"
	"fmt"
	"time"

	"github.com/YoshitsuguKoike/lattice/internal/app"
	"github.com/YoshitsuguKoike/lattice/internal/app/config"
	"github.com/YoshitsuguKoike/lattice/internal/domain/model/metadata"
	"github.com/YoshitsuguKoike/lattice/internal/domain/model/opstate"
	"github.com/YoshitsuguKoike/lattice/internal/domain/model/ref"
	"github.com/YoshitsuguKoike/lattice/internal/domain/repository"
	"github.com/YoshitsuguKoike/lattice/internal/infra/fs/txn"
)

// Metric keys logged by the scanner
const (
	MetricScanTracked = "scan.tracked"
	MetricScanIssues  = "scan.issues"
	MetricScanMs      = "scan.duration_ms"
)

// Scanner builds snapshots. It never mutates the repository.
type Scanner struct {
	repo   repository.Repository
	txn    *txn.Scanner
	locker repository.Locker
	cfg    config.Config
	now    func() time.Time
}

// NewScanner creates a scanner
func NewScanner(repo repository.Repository, txnScanner *txn.Scanner, locker repository.Locker, cfg config.Config) *Scanner {
	return &Scanner{
		repo:   repo,
		txn:    txnScanner,
		locker: locker,
		cfg:    cfg,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Scan reads the repository without holding the lock. An executing marker
// is reported as running when another process holds the lock and as
// interrupted otherwise.
func (s *Scanner) Scan(ctx context.Context) (*Snapshot, error) {
	held, info, err := s.locker.Probe(ctx)
	if err != nil {
		return nil, fmt.Errorf("probe repository lock: %w", err)
	}
	return s.scan(ctx, held, info)
}

// ScanLocked is Scan for a caller that holds the repository lock. An
// executing marker seen here belongs to a process that died.
func (s *Scanner) ScanLocked(ctx context.Context) (*Snapshot, error) {
	return s.scan(ctx, false, nil)
}

func (s *Scanner) scan(ctx context.Context, lockHeld bool, holder *repository.LockInfo) (*Snapshot, error) {
	start := s.now()
	snap := &Snapshot{
		Branches:   make(map[ref.BranchName]ref.Oid),
		Tracked:    make(map[ref.BranchName]*Tracked),
		LockHolder: holder,
		Worktree:   s.repo.WorktreeRoot(),
	}

	trunk, err := ref.NewBranchName(s.cfg.Trunk())
	if err != nil {
		return nil, fmt.Errorf("configured trunk: %w", err)
	}
	snap.Trunk = trunk

	heads, err := s.repo.ListRefs(ctx, ref.HeadsPrefix)
	if err != nil {
		return nil, fmt.Errorf("list branches: %w", err)
	}
	for name, oid := range heads {
		if b, ok := name.Branch(); ok {
			snap.Branches[b] = oid
		}
	}
	snap.TrunkTip = snap.Branches[trunk]

	if err := s.readMetadata(ctx, snap); err != nil {
		return nil, err
	}

	if snap.TrunkTip.IsZero() {
		snap.Issues = append(snap.Issues, newIssue(IssueTrunkMissing, trunk.String(),
			fmt.Sprintf("trunk branch %s does not exist", trunk),
			[]string{"missing ref " + trunk.Ref().String()}, CapTrunkResolved))
	}

	check := structuralCheck{repo: s.repo, trunk: trunk, verifyAncestry: s.cfg.VerifyAncestry()}
	snap.Issues = append(snap.Issues, check.run(ctx, snap.Tracked)...)

	if err := s.readOperationState(ctx, snap, lockHeld); err != nil {
		return nil, err
	}

	snap.ConfigVersion = s.cfg.Version()
	snap.FingerprintRefs = fingerprintRefs(trunk, snap.TrunkTip, snap.Tracked)
	snap.Fingerprint = Fingerprint(snap.FingerprintRefs, snap.ConfigVersion)
	snap.Capabilities = s.capabilities(ctx, snap)
	snap.ScannedAt = s.now()

	log := app.GetLogger()
	log.Debug("Scan %s=%d %s=%d %s=%d", MetricScanTracked, len(snap.Tracked), MetricScanIssues, len(snap.Issues),
		MetricScanMs, snap.ScannedAt.Sub(start).Milliseconds())
	return snap, nil
}

func (s *Scanner) readMetadata(ctx context.Context, snap *Snapshot) error {
	metas, err := s.repo.ListRefs(ctx, ref.MetadataPrefix)
	if err != nil {
		return fmt.Errorf("list metadata: %w", err)
	}
	for name, oid := range metas {
		branch, ok := name.MetadataBranch()
		if !ok {
			continue
		}
		t := &Tracked{Name: branch, Tip: snap.Branches[branch], MetadataOid: oid}
		snap.Tracked[branch] = t

		data, err := s.repo.ReadBlob(ctx, oid)
		if err != nil {
			t.ParseErr = fmt.Errorf("%w: read blob %s: %v", metadata.ErrParse, oid.Short(), err)
			continue
		}
		m, err := metadata.Parse(data)
		if err != nil {
			t.ParseErr = err
			continue
		}
		if !m.Branch.Equals(branch) {
			t.ParseErr = fmt.Errorf("%w: record names branch %s", metadata.ErrParse, m.Branch)
			continue
		}
		t.Metadata = m
	}
	return nil
}

func (s *Scanner) readOperationState(ctx context.Context, snap *Snapshot, lockHeld bool) error {
	result, err := s.txn.Scan(ctx)
	if err != nil {
		return fmt.Errorf("scan operation state: %w", err)
	}
	snap.OpState = result.Marker
	snap.Orphaned = result.Orphaned

	if result.MarkerError != nil {
		snap.Issues = append(snap.Issues, newIssue(IssueOpStateCorrupt, "",
			"the operation marker cannot be read; inspect and remove it by hand",
			[]string{result.MarkerError.Error()}, CapNoOperationInFlight))
	}

	if m := snap.OpState; m != nil {
		evidence := []string{"op " + m.OpID, "command " + m.Command, "worktree " + m.Worktree}
		switch {
		case m.IsPaused():
			msg := fmt.Sprintf("%s is paused; run 'lattice continue' or 'lattice abort'", m.Command)
			if m.Awaiting != nil && m.Awaiting.Kind == opstate.ReasonRollbackIncomplete {
				msg = fmt.Sprintf("%s could not be rolled back completely; run 'lattice abort' after fixing the refs", m.Command)
			}
			snap.Issues = append(snap.Issues, newIssue(IssueOperationPaused, m.OpID, msg, evidence, CapNoOperationInFlight))
		case lockHeld:
			snap.Issues = append(snap.Issues, newIssue(IssueOperationRunning, m.OpID,
				fmt.Sprintf("%s is running in another process", m.Command), evidence, CapNoOperationInFlight))
		default:
			snap.Interrupted = true
			snap.Issues = append(snap.Issues, newIssue(IssueOperationInterrupted, m.OpID,
				fmt.Sprintf("%s was interrupted; run 'lattice abort'", m.Command), evidence, CapNoOperationInFlight))
		}
	}

	for _, id := range snap.Orphaned {
		snap.Issues = append(snap.Issues, newIssue(IssueOrphanedJournal, id,
			fmt.Sprintf("journal %s has no operation marker", id), nil))
	}

	op, err := s.repo.InProgressOperation(ctx)
	if err != nil {
		return fmt.Errorf("detect in-progress operation: %w", err)
	}
	snap.ExternalOp = op
	if op != repository.OpNone {
		var blocks []Capability
		if snap.OpState == nil || !snap.OpState.IsPaused() {
			blocks = []Capability{CapNoExternalOperation}
		}
		snap.Issues = append(snap.Issues, newIssue(IssueExternalOperation, string(op),
			fmt.Sprintf("a %s is in progress in this worktree", op), nil, blocks...))
	}
	return nil
}

func (s *Scanner) capabilities(ctx context.Context, snap *Snapshot) CapabilitySet {
	caps := NewCapabilitySet(CapRepoReadable, CapTrunkResolved, CapMetadataReadable, CapGraphValid, CapNoOperationInFlight)
	if snap.Worktree != "" {
		caps[CapWorktree] = true
	}
	if snap.ExternalOp == repository.OpNone {
		caps[CapNoExternalOperation] = true
	}
	if snap.OpState != nil && !hasIssueKind(snap.Issues, IssueOperationRunning) {
		caps[CapOperationPresent] = true
	}
	if s.remoteConfigured(ctx) {
		caps[CapRemoteConfigured] = true
	}
	if s.cfg.Forge() != config.ForgeNone {
		caps[CapForgeConfigured] = true
	}
	for _, is := range snap.Issues {
		for _, c := range is.Blocks {
			delete(caps, c)
		}
	}
	return caps
}

func (s *Scanner) remoteConfigured(ctx context.Context) bool {
	if s.cfg.Remote() == "" {
		return false
	}
	res, err := s.repo.Run(ctx, "remote", "get-url", s.cfg.Remote())
	return err == nil && res.Success()
}

func hasIssueKind(issues []Issue, kind IssueKind) bool {
	for _, is := range issues {
		if is.Kind == kind {
			return true
		}
	}
	return false
}
