package testutil

import (
	"context"
	"fmt"
	"sync"

	"github.com/YoshitsuguKoike/lattice/internal/domain/model/ref"
	"github.com/YoshitsuguKoike/lattice/internal/domain/repository"
)

// FakeForge records remote calls and serves reviews from memory
type FakeForge struct {
	mu      sync.Mutex
	next    int
	reviews map[int]*repository.Review
	calls   []string

	// Fail makes the named method ("push", "fetch", "create", "update", "merge") return the error
	Fail map[string]error
}

var _ repository.Forge = (*FakeForge)(nil)

func NewFakeForge() *FakeForge {
	return &FakeForge{next: 1, reviews: make(map[int]*repository.Review), Fail: make(map[string]error)}
}

// Calls lists the remote calls in order, e.g. "push origin feature"
func (f *FakeForge) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// Review returns a stored review
func (f *FakeForge) Review(number int) *repository.Review {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.reviews[number]; ok {
		c := *r
		return &c
	}
	return nil
}

func (f *FakeForge) record(method, call string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	return f.Fail[method]
}

func (f *FakeForge) Name() string { return "fake" }

func (f *FakeForge) Push(ctx context.Context, remote string, branch ref.BranchName, lease ref.Oid, force bool) error {
	return f.record("push", fmt.Sprintf("push %s %s", remote, branch))
}

func (f *FakeForge) Fetch(ctx context.Context, remote string) error {
	return f.record("fetch", "fetch "+remote)
}

func (f *FakeForge) CreateReview(ctx context.Context, req repository.ReviewRequest) (*repository.Review, error) {
	if err := f.record("create", fmt.Sprintf("create %s -> %s", req.Head, req.Base)); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	r := &repository.Review{
		Number: f.next,
		URL:    fmt.Sprintf("https://forge.test/reviews/%d", f.next),
		State:  "open",
		Head:   req.Head.String(),
		Base:   req.Base.String(),
	}
	f.reviews[r.Number] = r
	f.next++
	c := *r
	return &c, nil
}

func (f *FakeForge) UpdateReview(ctx context.Context, number int, base ref.BranchName) (*repository.Review, error) {
	if err := f.record("update", fmt.Sprintf("update #%d -> %s", number, base)); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.reviews[number]
	if !ok {
		return nil, fmt.Errorf("review #%d not found", number)
	}
	r.Base = base.String()
	c := *r
	return &c, nil
}

func (f *FakeForge) MergeReview(ctx context.Context, number int, method string) (*repository.Review, error) {
	if err := f.record("merge", fmt.Sprintf("merge #%d %s", number, method)); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.reviews[number]
	if !ok {
		return nil, fmt.Errorf("review #%d not found", number)
	}
	r.State = "merged"
	c := *r
	return &c, nil
}
