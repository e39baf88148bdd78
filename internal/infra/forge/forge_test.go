package forge

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/YoshitsuguKoike/lattice/internal/domain/model/ref"
	"github.com/YoshitsuguKoike/lattice/internal/domain/repository"
	"github.com/YoshitsuguKoike/lattice/internal/infra/lock"
	"github.com/YoshitsuguKoike/lattice/internal/testutil"
)

func TestMain(m *testing.M) {
	RetryDelay = time.Millisecond
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"))
}

func newTokens(t *testing.T, token string) *TokenSource {
	t.Helper()
	for _, k := range tokenEnv {
		t.Setenv(k, "")
	}
	home := t.TempDir()
	afs := afero.NewOsFs()
	if token != "" {
		require.NoError(t, afero.WriteFile(afs, filepath.Join(home, TokenFile), []byte(token+"\n"), 0o600))
	}
	locker := lock.NewFileLocker(filepath.Join(home, "credentials.lock"), filepath.Join(home, "credentials.lock.info"), time.Second)
	return NewTokenSource(afs, home, locker)
}

func newGitHub(t *testing.T, handler http.HandlerFunc, token string) *GitHub {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	repo := testutil.NewFakeRepository("/repo/.git", "/repo")
	return NewGitHub(&gitTransport{repo: repo}, newTokens(t, token), srv.URL+"/", "acme", "widgets").
		WithHTTPClient(srv.Client())
}

func TestCreateReview(t *testing.T) {
	var got map[string]interface{}
	gh := newGitHub(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/repos/acme/widgets/pulls", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"number":7,"html_url":"https://github.com/acme/widgets/pull/7","state":"open","head":{"ref":"feature"},"base":{"ref":"main"}}`))
	}, "secret")

	review, err := gh.CreateReview(context.Background(), repository.ReviewRequest{
		Head:  ref.MustBranchName("feature"),
		Base:  ref.MustBranchName("main"),
		Title: "Add feature",
		Draft: true,
	})
	require.NoError(t, err)
	assert.Equal(t, 7, review.Number)
	assert.Equal(t, "open", review.State)
	assert.Equal(t, "feature", got["head"])
	assert.Equal(t, true, got["draft"])
}

func TestRetriesServerErrors(t *testing.T) {
	var calls int32
	gh := newGitHub(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"number":3,"state":"open","base":{"ref":"trunk"}}`))
	}, "secret")

	review, err := gh.UpdateReview(context.Background(), 3, ref.MustBranchName("trunk"))
	require.NoError(t, err)
	assert.Equal(t, "trunk", review.Base)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestClientErrorsAreNotRetried(t *testing.T) {
	var calls int32
	gh := newGitHub(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"message":"A pull request already exists"}`))
	}, "secret")

	_, err := gh.CreateReview(context.Background(), repository.ReviewRequest{
		Head: ref.MustBranchName("feature"), Base: ref.MustBranchName("main"),
	})
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr), "got %v", err)
	assert.Equal(t, http.StatusUnprocessableEntity, apiErr.Status)
	assert.Contains(t, apiErr.Message, "already exists")
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestUnauthorizedRefreshesToken(t *testing.T) {
	var calls int32
	var gh *GitHub
	gh = newGitHub(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			assert.Equal(t, "Bearer old", r.Header.Get("Authorization"))
			// another process rotates the token
			require.NoError(t, afero.WriteFile(gh.tokens.fs, gh.tokens.path, []byte("new"), 0o600))
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		assert.Equal(t, "Bearer new", r.Header.Get("Authorization"))
		w.Write([]byte(`{"merged":true}`))
	}, "old")

	// merge then re-read the pull request
	_, err := gh.MergeReview(context.Background(), 9, "squash")
	require.NoError(t, err)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestTokenSource(t *testing.T) {
	ctx := context.Background()

	missing := newTokens(t, "")
	_, err := missing.Token(ctx)
	assert.ErrorContains(t, err, "no GitHub token")

	fromFile := newTokens(t, "filetoken")
	tok, err := fromFile.Token(ctx)
	require.NoError(t, err)
	assert.Equal(t, "filetoken", tok)

	t.Setenv("GITHUB_TOKEN", "envtoken")
	tok, err = fromFile.Refresh(ctx)
	require.NoError(t, err)
	assert.Equal(t, "envtoken", tok, "environment wins over the token file")
}

func TestNonePushesButHasNoReviews(t *testing.T) {
	repo := testutil.NewFakeRepository("/repo/.git", "/repo")
	var pushed []string
	repo.RunHook = func(args []string) repository.GitResult {
		pushed = args
		return repository.GitResult{}
	}
	n := &None{gitTransport: &gitTransport{repo: repo}}
	lease := ref.MustOid("1111111111111111111111111111111111111111")

	require.NoError(t, n.Push(context.Background(), "origin", ref.MustBranchName("feature"), lease, true))
	assert.Equal(t, []string{
		"push", "--porcelain",
		"--force-with-lease=refs/heads/feature:1111111111111111111111111111111111111111",
		"origin", "refs/heads/feature:refs/heads/feature",
	}, pushed)

	_, err := n.CreateReview(context.Background(), repository.ReviewRequest{})
	assert.ErrorIs(t, err, ErrNoForge)
}

func TestPushFailureCarriesStderr(t *testing.T) {
	repo := testutil.NewFakeRepository("/repo/.git", "/repo")
	repo.RunHook = func(args []string) repository.GitResult {
		return repository.GitResult{ExitCode: 1, Stderr: " ! [rejected] feature (stale info)\n"}
	}
	err := (&gitTransport{repo: repo}).Push(context.Background(), "origin", ref.MustBranchName("feature"), ref.ZeroOid, false)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "stale info"))
}
