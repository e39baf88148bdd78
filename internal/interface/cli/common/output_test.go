package common

import (
	"bytes"
	"errors"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YoshitsuguKoike/lattice/internal/application/engine"
	"github.com/YoshitsuguKoike/lattice/internal/application/service"
	"github.com/YoshitsuguKoike/lattice/internal/domain/model/opstate"
	"github.com/YoshitsuguKoike/lattice/internal/domain/model/plan"
	"github.com/YoshitsuguKoike/lattice/internal/domain/model/ref"
	"github.com/YoshitsuguKoike/lattice/internal/domain/repository"
	"github.com/YoshitsuguKoike/lattice/internal/testutil"
)

func init() {
	color.NoColor = true
}

func TestPrintPlan(t *testing.T) {
	a := ref.MustBranchName("a")
	p, err := plan.New("submit",
		plan.PushBranch{Branch: a, RemoteName: "origin", Force: true},
		plan.CreateReview{Branch: a, Base: ref.MustBranchName("main"), Title: "a"},
	)
	require.NoError(t, err)

	var out bytes.Buffer
	PrintPlan(&out, p)
	assert.Contains(t, out.String(), "Plan for submit (2 steps)")
	assert.Contains(t, out.String(), "push a to origin [remote]")

	empty, err := plan.New("restack")
	require.NoError(t, err)
	out.Reset()
	PrintPlan(&out, empty)
	assert.Equal(t, "Nothing to do.\n", out.String())
}

func TestPrintResultPaused(t *testing.T) {
	var out bytes.Buffer
	PrintResult(&out, &engine.Result{
		OpID:      "01PAUSED",
		Command:   "restack",
		Outcome:   engine.OutcomePaused,
		Remaining: 2,
		Awaiting:  &opstate.AwaitingReason{Kind: opstate.ReasonConflict, Operation: "rebase", Message: "CONFLICT (content): a.txt"},
	})
	s := out.String()
	assert.Contains(t, s, "restack paused (01PAUSED)")
	assert.Contains(t, s, "CONFLICT (content): a.txt")
	assert.Contains(t, s, "lattice continue")
	assert.Contains(t, s, "2 step(s) remain")
}

func TestPrintResultRollbackIncomplete(t *testing.T) {
	var out bytes.Buffer
	PrintAwaiting(&out, "01STUCK", "restack", &opstate.AwaitingReason{
		Kind: opstate.ReasonRollbackIncomplete,
		Failures: []opstate.RefFailure{{
			Ref:      ref.MustRefName("refs/heads/a"),
			Expected: ref.MustOid("1111111111111111111111111111111111111111"),
			Actual:   ref.MustOid("2222222222222222222222222222222222222222"),
			Restore:  ref.MustOid("3333333333333333333333333333333333333333"),
		}},
	})
	assert.Contains(t, out.String(), "refs/heads/a: expected 1111111111, found 2222222222, restore to 3333333333")
}

func TestPrintResultRemote(t *testing.T) {
	a := ref.MustBranchName("a")
	var out bytes.Buffer
	PrintResult(&out, &engine.Result{
		Command: "submit",
		Outcome: engine.OutcomeCommitted,
		Remote: []engine.RemoteResult{
			{Step: plan.PushBranch{Branch: a, RemoteName: "origin"}},
			{Step: plan.CreateReview{Branch: a, Base: ref.MustBranchName("main")}, Err: errors.New("422 validation failed")},
		},
	})
	s := out.String()
	assert.NotContains(t, s, "committed", "a remote-only plan has no local commit to report")
	assert.Contains(t, s, "✓ push a to origin")
	assert.Contains(t, s, "✗")
	assert.Contains(t, s, "422 validation failed")

	out.Reset()
	PrintResult(&out, &engine.Result{
		Command: "submit",
		Outcome: engine.OutcomeCommitted,
		Remote:  []engine.RemoteResult{{Step: plan.UpdateReview{Branch: a, Number: 3}, Review: &repository.Review{Number: 3, URL: "https://forge.test/pull/3"}}},
	})
	assert.Contains(t, out.String(), "https://forge.test/pull/3")
}

func TestPrintBundleSuggestsDoctor(t *testing.T) {
	w := testutil.NewWorkspace(t)
	w.Stack(t, "a")
	w.Repo.PutRawMetadata("bad", []byte("nope"))

	_, bundle := service.Gate(w.Scan(t), service.Mutating)
	require.NotNil(t, bundle)

	var out bytes.Buffer
	PrintBundle(&out, bundle)
	s := out.String()
	assert.Contains(t, s, "Cannot run a mutating command: missing metadata-readable")
	assert.Contains(t, s, "metadata-parse-error:bad")
	assert.Contains(t, s, "lattice doctor")
}

func TestReportPausedResult(t *testing.T) {
	var out bytes.Buffer
	_, err := Report(&out, &engine.Result{Command: "restack", Outcome: engine.OutcomePaused}, nil)
	assert.Equal(t, ExitPaused, ExitCode(err))

	_, err = Report(&out, &engine.Result{Command: "track", Outcome: engine.OutcomeCommitted, OpID: "01X"}, nil)
	assert.NoError(t, err)
	assert.Contains(t, out.String(), "✓ track committed (01X)")
}
