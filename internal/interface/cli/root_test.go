package cli_test

import (
	"bytes"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/YoshitsuguKoike/lattice/internal/interface/cli"
	"github.com/YoshitsuguKoike/lattice/internal/interface/cli/common"
	"github.com/YoshitsuguKoike/lattice/internal/interface/cli/status"
)

func TestMain(m *testing.M) {
	color.NoColor = true
	goleak.VerifyTestMain(m)
}

func TestRootRegistersCommands(t *testing.T) {
	root := cli.NewRoot()
	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	for _, want := range []string{"status", "track", "untrack", "restack", "submit", "continue", "abort", "doctor", "log", "version"} {
		assert.Contains(t, names, want)
	}
	assert.NotNil(t, root.PersistentFlags().Lookup("log-level"))
	assert.NotNil(t, root.PersistentFlags().Lookup("dir"))
}

func TestPrintError(t *testing.T) {
	var buf bytes.Buffer
	cli.PrintError(&buf, common.Paused())
	assert.Empty(t, buf.String(), "paused commands print nothing more")

	cli.PrintError(&buf, assert.AnError)
	assert.Equal(t, "error: "+assert.AnError.Error()+"\n", buf.String())
}

// sandbox is a real repository with main and one feature branch. User-level
// lattice configuration is isolated to a temp dir.
type sandbox struct {
	t   *testing.T
	dir string
}

func newSandbox(t *testing.T) *sandbox {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	t.Setenv("LATTICE_CONFIG_HOME", t.TempDir())
	for _, k := range []string{"LATTICE_TRUNK", "LATTICE_FORGE", "LATTICE_REMOTE", "LATTICE_LOG_LEVEL"} {
		t.Setenv(k, "")
	}
	t.Setenv("GIT_AUTHOR_NAME", "test")
	t.Setenv("GIT_AUTHOR_EMAIL", "test@example.com")
	t.Setenv("GIT_COMMITTER_NAME", "test")
	t.Setenv("GIT_COMMITTER_EMAIL", "test@example.com")
	t.Setenv("GIT_CONFIG_NOSYSTEM", "1")

	s := &sandbox{t: t, dir: t.TempDir()}
	s.git("init", "-q", "-b", "main")
	s.commit("base.txt", "base\n")
	s.git("checkout", "-q", "-b", "feature")
	s.commit("feature.txt", "feature\n")
	s.git("checkout", "-q", "main")
	return s
}

func (s *sandbox) git(args ...string) string {
	s.t.Helper()
	cmd := exec.Command("git", append([]string{"-c", "commit.gpgsign=false"}, args...)...)
	cmd.Dir = s.dir
	out, err := cmd.CombinedOutput()
	require.NoError(s.t, err, "git %v: %s", args, out)
	return strings.TrimSpace(string(out))
}

func (s *sandbox) commit(file, content string) {
	s.t.Helper()
	require.NoError(s.t, os.WriteFile(filepath.Join(s.dir, file), []byte(content), 0o644))
	s.git("add", file)
	s.git("commit", "-q", "-m", "add "+file)
}

// lattice runs the root command and returns its stdout
func (s *sandbox) lattice(args ...string) (string, error) {
	s.t.Helper()
	root := cli.NewRoot()
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(append([]string{"--dir", s.dir, "--log-level", "error"}, args...))
	err := root.Execute()
	return out.String(), err
}

func (s *sandbox) status() status.StatusOutput {
	s.t.Helper()
	out, err := s.lattice("status", "--json")
	require.NoError(s.t, err)
	var st status.StatusOutput
	require.NoError(s.t, json.Unmarshal([]byte(out), &st))
	return st
}

func TestTrackRestackUntrack(t *testing.T) {
	s := newSandbox(t)

	out, err := s.lattice("track", "feature")
	require.NoError(t, err)
	assert.Contains(t, out, "track committed")

	st := s.status()
	require.Len(t, st.Branches, 1)
	assert.Equal(t, "feature", st.Branches[0].Name)
	assert.Equal(t, "main", st.Branches[0].Parent)
	assert.False(t, st.Branches[0].NeedsRestack)

	_, err = s.lattice("track", "feature")
	assert.Error(t, err, "tracking twice is refused")
	assert.Equal(t, common.ExitFailure, cli.ExitCode(err))

	s.commit("main.txt", "more\n")
	assert.True(t, s.status().Branches[0].NeedsRestack)

	out, err = s.lattice("restack", "--dry-run")
	require.NoError(t, err)
	assert.Contains(t, out, "rebase feature onto main")

	out, err = s.lattice("restack")
	require.NoError(t, err)
	assert.Contains(t, out, "restack committed")
	assert.False(t, s.status().Branches[0].NeedsRestack)
	assert.Equal(t, s.git("rev-parse", "main"), s.git("merge-base", "main", "feature"))

	out, err = s.lattice("log", "--json")
	require.NoError(t, err)
	assert.Contains(t, out, `"type":"committed"`)
	assert.Contains(t, out, `"command":"restack"`)

	_, err = s.lattice("untrack", "feature")
	require.NoError(t, err)
	assert.Empty(t, s.status().Branches)
}

func TestRecoveryWithNothingInFlight(t *testing.T) {
	s := newSandbox(t)

	_, err := s.lattice("continue")
	require.Error(t, err)
	assert.Equal(t, common.ExitFailure, cli.ExitCode(err))

	out, err := s.lattice("doctor")
	require.NoError(t, err)
	assert.Contains(t, out, "No problems found")
}

func TestConflictPausesUntilAbort(t *testing.T) {
	s := newSandbox(t)
	s.git("checkout", "-q", "feature")
	s.commit("base.txt", "feature side\n")
	s.git("checkout", "-q", "main")
	_, err := s.lattice("track", "feature")
	require.NoError(t, err)
	featureTip := s.git("rev-parse", "feature")

	s.commit("base.txt", "main side\n")
	out, err := s.lattice("restack")
	require.Error(t, err)
	assert.Equal(t, common.ExitPaused, cli.ExitCode(err))
	assert.Contains(t, out, "restack paused")

	_, err = s.lattice("track", "main")
	assert.Equal(t, common.ExitGateBlocked, cli.ExitCode(err), "mutating commands are refused while paused")

	st := s.status()
	require.NotNil(t, st.Operation)
	assert.Equal(t, "paused", st.Operation.Phase)

	out, err = s.lattice("abort")
	require.NoError(t, err)
	assert.Contains(t, out, "restack aborted")
	assert.Equal(t, featureTip, s.git("rev-parse", "feature"))
	assert.Nil(t, s.status().Operation)
}
