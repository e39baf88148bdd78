package forge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/YoshitsuguKoike/lattice/internal/app"
	"github.com/YoshitsuguKoike/lattice/internal/app/config"
	"github.com/YoshitsuguKoike/lattice/internal/domain/model/ref"
	"github.com/YoshitsuguKoike/lattice/internal/domain/repository"
)

const (
	DefaultHTTPTimeout = 30 * time.Second
	MaxRetries         = 3

	maxResponseSize = 10 * 1024 * 1024
)

// RetryDelay is the first backoff interval
var RetryDelay = 500 * time.Millisecond

// APIError is a non-2xx GitHub response
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("GitHub API error (status %d): %s", e.Status, e.Message)
}

// retryable reports rate limiting and transient server errors
func (e *APIError) retryable() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= 500
}

// GitHub creates and updates pull requests through the REST API
type GitHub struct {
	*gitTransport
	tokens     *TokenSource
	baseURL    string
	owner      string
	repo       string
	httpClient *http.Client
}

var _ repository.Forge = (*GitHub)(nil)

// NewGitHub creates a GitHub forge for owner/repo
func NewGitHub(git *gitTransport, tokens *TokenSource, baseURL, owner, repo string) *GitHub {
	return &GitHub{
		gitTransport: git,
		tokens:       tokens,
		baseURL:      strings.TrimRight(baseURL, "/"),
		owner:        owner,
		repo:         repo,
		httpClient:   &http.Client{Timeout: DefaultHTTPTimeout},
	}
}

// WithHTTPClient swaps the HTTP client (tests, proxies)
func (g *GitHub) WithHTTPClient(c *http.Client) *GitHub {
	g.httpClient = c
	return g
}

func (g *GitHub) Name() string { return config.ForgeGitHub }

type pullRequest struct {
	Number  int    `json:"number"`
	HTMLURL string `json:"html_url"`
	State   string `json:"state"`
	Merged  bool   `json:"merged"`
	Head    struct {
		Ref string `json:"ref"`
	} `json:"head"`
	Base struct {
		Ref string `json:"ref"`
	} `json:"base"`
}

func (p pullRequest) review() *repository.Review {
	state := p.State
	if p.Merged {
		state = "merged"
	}
	return &repository.Review{Number: p.Number, URL: p.HTMLURL, State: state, Head: p.Head.Ref, Base: p.Base.Ref}
}

func (g *GitHub) pullsURL(suffix string) string {
	return g.baseURL + "/repos/" + g.owner + "/" + g.repo + "/pulls" + suffix
}

func (g *GitHub) CreateReview(ctx context.Context, req repository.ReviewRequest) (*repository.Review, error) {
	body := map[string]interface{}{
		"title": req.Title,
		"head":  req.Head.String(),
		"base":  req.Base.String(),
		"body":  req.Body,
		"draft": req.Draft,
	}
	var pr pullRequest
	if err := g.do(ctx, http.MethodPost, g.pullsURL(""), body, &pr); err != nil {
		return nil, fmt.Errorf("create pull request for %s: %w", req.Head, err)
	}
	return pr.review(), nil
}

func (g *GitHub) UpdateReview(ctx context.Context, number int, base ref.BranchName) (*repository.Review, error) {
	var pr pullRequest
	if err := g.do(ctx, http.MethodPatch, g.pullsURL("/"+strconv.Itoa(number)), map[string]string{"base": base.String()}, &pr); err != nil {
		return nil, fmt.Errorf("update pull request #%d: %w", number, err)
	}
	return pr.review(), nil
}

func (g *GitHub) MergeReview(ctx context.Context, number int, method string) (*repository.Review, error) {
	if method == "" {
		method = "merge"
	}
	var res struct {
		Merged  bool   `json:"merged"`
		Message string `json:"message"`
	}
	if err := g.do(ctx, http.MethodPut, g.pullsURL("/"+strconv.Itoa(number)+"/merge"), map[string]string{"merge_method": method}, &res); err != nil {
		return nil, fmt.Errorf("merge pull request #%d: %w", number, err)
	}
	if !res.Merged {
		return nil, fmt.Errorf("merge pull request #%d: %s", number, res.Message)
	}
	var pr pullRequest
	if err := g.do(ctx, http.MethodGet, g.pullsURL("/"+strconv.Itoa(number)), nil, &pr); err != nil {
		return nil, fmt.Errorf("read pull request #%d: %w", number, err)
	}
	return pr.review(), nil
}

// do performs an authenticated request, retrying rate limits and 5xx with
// exponential backoff. A 401 refreshes the token once.
func (g *GitHub) do(ctx context.Context, method, url string, body, out interface{}) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
	}

	token, err := g.tokens.Token(ctx)
	if err != nil {
		return err
	}
	refreshed := false

	attempt := 0
	op := func() error {
		attempt++
		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, reader)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("failed to create request: %w", err))
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/vnd.github+json")
		req.Header.Set("X-GitHub-Api-Version", "2022-11-28")

		resp, err := g.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("request failed (attempt %d): %w", attempt, err)
		}
		data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
		_ = resp.Body.Close()
		if err != nil {
			return fmt.Errorf("failed to read response (attempt %d): %w", attempt, err)
		}

		if resp.StatusCode == http.StatusUnauthorized && !refreshed {
			refreshed = true
			if token, err = g.tokens.Refresh(ctx); err != nil {
				return backoff.Permanent(err)
			}
			return &APIError{Status: resp.StatusCode, Message: "unauthorized; retrying with refreshed token"}
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			apiErr := &APIError{Status: resp.StatusCode, Message: apiMessage(data)}
			rateLimited := resp.StatusCode == http.StatusForbidden && resp.Header.Get("X-RateLimit-Remaining") == "0"
			if !apiErr.retryable() && !rateLimited {
				return backoff.Permanent(apiErr)
			}
			app.GetLogger().Debug("GitHub %s %s: status %d, retrying", method, url, resp.StatusCode)
			return apiErr
		}
		if out != nil && len(data) > 0 {
			if err := json.Unmarshal(data, out); err != nil {
				return backoff.Permanent(fmt.Errorf("failed to parse response: %w", err))
			}
		}
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = RetryDelay
	return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, MaxRetries), ctx))
}

func apiMessage(data []byte) string {
	var e struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(data, &e) == nil && e.Message != "" {
		return e.Message
	}
	return strings.TrimSpace(string(data))
}
