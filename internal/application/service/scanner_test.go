package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/YoshitsuguKoike/lattice/internal/app/config"
	"github.com/YoshitsuguKoike/lattice/internal/application/service"
	"github.com/YoshitsuguKoike/lattice/internal/domain/model/metadata"
	"github.com/YoshitsuguKoike/lattice/internal/domain/model/opstate"
	"github.com/YoshitsuguKoike/lattice/internal/domain/model/plan"
	"github.com/YoshitsuguKoike/lattice/internal/domain/model/ref"
	"github.com/YoshitsuguKoike/lattice/internal/domain/repository"
	"github.com/YoshitsuguKoike/lattice/internal/testutil"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func issueIDs(snap *service.Snapshot) []string {
	out := make([]string, len(snap.Issues))
	for i, is := range snap.Issues {
		out[i] = is.ID
	}
	return out
}

// track records metadata for an existing or missing branch
func track(w *testutil.Workspace, branch, parent string, parentIsTrunk bool, base ref.Oid) {
	w.Repo.PutMetadata(metadata.New(ref.MustBranchName(branch), ref.MustBranchName(parent), parentIsTrunk, base))
}

func TestScanHealthyStack(t *testing.T) {
	w := testutil.NewWorkspace(t)
	tips := w.Stack(t, "a", "b")

	snap := w.Scan(t)
	assert.Empty(t, snap.Issues)
	assert.Equal(t, ref.MustBranchName("main"), snap.Trunk)
	assert.Equal(t, tips["main"], snap.TrunkTip)
	assert.Equal(t, []ref.BranchName{ref.MustBranchName("a"), ref.MustBranchName("b")}, snap.TrackedNames())
	assert.Equal(t, []ref.BranchName{ref.MustBranchName("b")}, snap.Children(ref.MustBranchName("a")))
	assert.Equal(t, "cfg-test", snap.ConfigVersion)
	assert.Len(t, snap.FingerprintRefs, 5, "trunk plus branch and metadata ref per tracked branch")

	for _, c := range service.Review.Caps {
		assert.True(t, snap.Capabilities.Has(c), "missing %s", c)
	}
	assert.False(t, snap.Capabilities.Has(service.CapOperationPresent))
}

func TestScanReportsGraphProblems(t *testing.T) {
	w := testutil.NewWorkspace(t)
	tips := w.Stack(t, "a")
	mainTip := tips["main"]

	for _, b := range []string{"x", "y", "orphan", "flag", "stray"} {
		w.Repo.SetBranch(b, w.Repo.Commit(b, mainTip))
	}
	track(w, "x", "y", false, mainTip)
	track(w, "y", "x", false, mainTip)
	track(w, "orphan", "nobody", false, mainTip)
	track(w, "flag", "main", false, mainTip)
	track(w, "gone", "main", true, mainTip)
	track(w, "stray", "main", true, w.Repo.Commit("unrelated"))
	w.Repo.PutRawMetadata("bad", []byte(`{"kind":`))

	snap := w.Scan(t)
	ids := issueIDs(snap)
	for _, want := range []string{
		"parent-cycle:x",
		"missing-parent:orphan",
		"trunk-mismatch:flag",
		"missing-branch:gone",
		"base-unreachable:stray",
		"metadata-parse-error:bad",
	} {
		assert.Contains(t, ids, want)
	}
	assert.NotContains(t, ids, "parent-cycle:y", "a cycle is reported once")

	cycle, _ := snap.Issue("parent-cycle:x")
	assert.Equal(t, []string{"x", "y"}, cycle.Evidence)

	assert.False(t, snap.Capabilities.Has(service.CapGraphValid))
	assert.False(t, snap.Capabilities.Has(service.CapMetadataReadable))
	assert.True(t, snap.Capabilities.Has(service.CapTrunkResolved))
	assert.Len(t, snap.StructuralIssueIDs(), 6)

	bad := snap.Tracked[ref.MustBranchName("bad")]
	require.NotNil(t, bad)
	assert.Nil(t, bad.Metadata)
	assert.ErrorIs(t, bad.ParseErr, metadata.ErrParse)
}

func TestScanRejectsMetadataNamingAnotherBranch(t *testing.T) {
	w := testutil.NewWorkspace(t)
	tips := w.Stack(t, "a")
	w.Repo.SetBranch("b", w.Repo.Commit("b", tips["main"]))

	data, err := metadata.New(ref.MustBranchName("a"), ref.MustBranchName("main"), true, tips["main"]).Encode()
	require.NoError(t, err)
	w.Repo.PutRawMetadata("b", data)

	snap := w.Scan(t)
	_, found := snap.Issue("metadata-parse-error:b")
	assert.True(t, found)
}

func TestScanSkipsAncestryWhenDisabled(t *testing.T) {
	w := testutil.NewWorkspaceWithConfig(t, testutil.TestConfig("main", false))
	tips := w.Stack(t, "a")
	w.Repo.SetBranch("stray", w.Repo.Commit("stray", tips["main"]))
	track(w, "stray", "main", true, w.Repo.Commit("unrelated"))

	assert.Empty(t, w.Scan(t).Issues)
}

func TestScanMissingTrunk(t *testing.T) {
	w := testutil.NewWorkspace(t)

	snap := w.Scan(t)
	_, found := snap.Issue("trunk-missing:main")
	assert.True(t, found)
	assert.False(t, snap.Capabilities.Has(service.CapTrunkResolved))
	assert.True(t, snap.Capabilities.Has(service.CapRepoReadable))
}

func TestScanExternalOperation(t *testing.T) {
	w := testutil.NewWorkspace(t)
	w.Stack(t, "a")
	w.Repo.SetInProgress(repository.OpRebase)

	snap := w.Scan(t)
	is, found := snap.Issue("external-operation:rebase")
	require.True(t, found)
	assert.True(t, is.Blocking())
	assert.Equal(t, repository.OpRebase, snap.ExternalOp)
	assert.False(t, snap.Capabilities.Has(service.CapNoExternalOperation))
}

func newMarker(t *testing.T, w *testutil.Workspace) *opstate.OpState {
	t.Helper()
	a := ref.MustBranchName("a")
	p, err := plan.New("track", plan.DeleteRefCas{Ref: a.MetadataRef(), ExpectedOld: w.Repo.Ref(a.MetadataRef())})
	require.NoError(t, err)
	m := opstate.New("01SCANTEST", p, "digest", w.Repo.WorktreeRoot(), time.Now().UTC())
	require.NoError(t, w.States.Create(context.Background(), m))
	require.NoError(t, w.Journals.Create(context.Background(), m.OpID))
	return m
}

func TestScanOperationStates(t *testing.T) {
	t.Run("interrupted", func(t *testing.T) {
		w := testutil.NewWorkspace(t)
		w.Stack(t, "a")
		m := newMarker(t, w)

		snap := w.Scan(t)
		assert.True(t, snap.Interrupted)
		_, found := snap.Issue("operation-interrupted:" + m.OpID)
		assert.True(t, found)
		assert.False(t, snap.Capabilities.Has(service.CapNoOperationInFlight))
		assert.True(t, snap.Capabilities.Has(service.CapOperationPresent))
		assert.Empty(t, snap.Orphaned)
	})

	t.Run("running", func(t *testing.T) {
		w := testutil.NewWorkspace(t)
		w.Stack(t, "a")
		m := newMarker(t, w)

		held, err := w.Locker.Acquire(context.Background(), "track")
		require.NoError(t, err)
		defer held.Release()

		snap := w.Scan(t)
		assert.False(t, snap.Interrupted)
		_, found := snap.Issue("operation-running:" + m.OpID)
		assert.True(t, found)
		assert.False(t, snap.Capabilities.Has(service.CapOperationPresent), "a running operation cannot be recovered")
		require.NotNil(t, snap.LockHolder)
		assert.Equal(t, "track", snap.LockHolder.Command)
	})

	t.Run("paused with rebase in progress", func(t *testing.T) {
		w := testutil.NewWorkspace(t)
		w.Stack(t, "a")
		m := newMarker(t, w)
		m.Pause(opstate.AwaitingReason{Kind: opstate.ReasonConflict, Operation: "rebase"}, time.Now())
		require.NoError(t, w.States.Save(context.Background(), m))
		w.Repo.SetInProgress(repository.OpRebase)

		snap := w.Scan(t)
		_, found := snap.Issue("operation-paused:" + m.OpID)
		assert.True(t, found)
		ext, found := snap.Issue("external-operation:rebase")
		require.True(t, found)
		assert.False(t, ext.Blocking(), "the rebase belongs to the paused operation")

		_, bundle := service.Gate(snap, service.Recovery)
		assert.Nil(t, bundle)
	})

	t.Run("corrupt marker", func(t *testing.T) {
		w := testutil.NewWorkspace(t)
		w.Stack(t, "a")
		require.NoError(t, afero.WriteFile(w.Fs, w.Paths.OpState, []byte("{oops"), 0o644))

		snap := w.Scan(t)
		_, found := snap.Issue("op-state-corrupt")
		assert.True(t, found)
		assert.Nil(t, snap.OpState)
		assert.False(t, snap.Capabilities.Has(service.CapNoOperationInFlight))
	})

	t.Run("orphaned journal", func(t *testing.T) {
		w := testutil.NewWorkspace(t)
		w.Stack(t, "a")
		require.NoError(t, w.Journals.Create(context.Background(), "01ORPHAN"))

		snap := w.Scan(t)
		is, found := snap.Issue("orphaned-journal:01ORPHAN")
		require.True(t, found)
		assert.False(t, is.Blocking())
		_, bundle := service.Gate(snap, service.Mutating)
		assert.Nil(t, bundle, "orphans are reported, not blocking")
	})
}

func TestScanRemoteAndForgeCapabilities(t *testing.T) {
	cfg := config.NewAppConfig("main", "origin", config.ForgeNone, "", "",
		200*time.Millisecond, true, "error", "cfg-test", "default", nil)
	w := testutil.NewWorkspaceWithConfig(t, cfg)
	w.Stack(t, "a")
	w.Repo.RunHook = func(args []string) repository.GitResult {
		if len(args) > 0 && args[0] == "remote" {
			return repository.GitResult{ExitCode: 2, Stderr: "error: No such remote 'origin'"}
		}
		return repository.GitResult{}
	}

	snap := w.Scan(t)
	assert.False(t, snap.Capabilities.Has(service.CapRemoteConfigured))
	assert.False(t, snap.Capabilities.Has(service.CapForgeConfigured))

	_, bundle := service.Gate(snap, service.Review)
	require.NotNil(t, bundle)
	assert.ElementsMatch(t, []service.Capability{service.CapRemoteConfigured, service.CapForgeConfigured}, bundle.Missing)
	_, bundle = service.Gate(snap, service.Mutating)
	assert.Nil(t, bundle)
}
