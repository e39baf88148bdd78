package testutil

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/YoshitsuguKoike/lattice/internal/domain/execution"
	"github.com/YoshitsuguKoike/lattice/internal/domain/model/metadata"
	"github.com/YoshitsuguKoike/lattice/internal/domain/model/ref"
	"github.com/YoshitsuguKoike/lattice/internal/domain/repository"
)

type fakeCommit struct {
	parents []ref.Oid
	message string
}

type pendingRebase struct {
	branch  ref.BranchName
	newBase ref.Oid
}

// FakeRepository is an in-memory repository.Repository. Objects are
// content-addressed so rewriting the same blob yields the same Oid.
//
// Rebases of the form `rebase --onto <newbase> <upstream> <branch>` are
// simulated: the branch gets a fresh commit on top of newbase. Branches listed
// with ConflictOn stop with a conflict until Resolve is called.
type FakeRepository struct {
	mu sync.Mutex

	commonDir string
	root      string

	refs    map[ref.RefName]ref.Oid
	blobs   map[ref.Oid][]byte
	commits map[ref.Oid]fakeCommit
	seq     int

	worktrees []repository.Worktree

	inProgress repository.ExternalOp
	pending    *pendingRebase
	conflicts  map[ref.BranchName]bool
	unresolved bool

	calls [][]string

	// RunHook handles subcommands the fake does not simulate
	RunHook func(args []string) repository.GitResult

	// BeforeCas runs before every CAS write, outside the fake's lock, so
	// tests can simulate an external writer racing the engine
	BeforeCas func(name ref.RefName)

	// FailCas forces the CAS on a ref to fail as if it had moved
	FailCas map[ref.RefName]bool
}

var _ repository.Repository = (*FakeRepository)(nil)

// NewFakeRepository creates an empty repository whose current worktree is root
func NewFakeRepository(commonDir, root string) *FakeRepository {
	return &FakeRepository{
		commonDir: commonDir,
		root:      root,
		refs:      make(map[ref.RefName]ref.Oid),
		blobs:     make(map[ref.Oid][]byte),
		commits:   make(map[ref.Oid]fakeCommit),
		conflicts: make(map[ref.BranchName]bool),
		FailCas:   make(map[ref.RefName]bool),
		worktrees: []repository.Worktree{{Path: root}},
	}
}

func hashOid(kind string, parts ...string) ref.Oid {
	h := sha1.New()
	h.Write([]byte(kind))
	for _, p := range parts {
		h.Write([]byte{0})
		h.Write([]byte(p))
	}
	return ref.MustOid(hex.EncodeToString(h.Sum(nil)))
}

// Commit creates a commit object and returns its Oid
func (f *FakeRepository) Commit(message string, parents ...ref.Oid) ref.Oid {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.commitLocked(message, parents)
}

func (f *FakeRepository) commitLocked(message string, parents []ref.Oid) ref.Oid {
	f.seq++
	parts := []string{message, fmt.Sprint(f.seq)}
	for _, p := range parents {
		parts = append(parts, p.String())
	}
	oid := hashOid("commit", parts...)
	f.commits[oid] = fakeCommit{parents: append([]ref.Oid(nil), parents...), message: message}
	return oid
}

// SetRef points name at oid, or deletes it when oid is zero, bypassing CAS
func (f *FakeRepository) SetRef(name ref.RefName, oid ref.Oid) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if oid.IsZero() {
		delete(f.refs, name)
		return
	}
	f.refs[name] = oid
}

// SetBranch points a branch at oid
func (f *FakeRepository) SetBranch(branch string, oid ref.Oid) {
	f.SetRef(ref.MustBranchName(branch).Ref(), oid)
}

// Ref returns the current value of name
func (f *FakeRepository) Ref(name ref.RefName) ref.Oid {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refs[name]
}

// Branch returns the tip of a branch
func (f *FakeRepository) Branch(branch string) ref.Oid {
	return f.Ref(ref.MustBranchName(branch).Ref())
}

// PutMetadata stores m as a blob and points its metadata ref at it
func (f *FakeRepository) PutMetadata(m *metadata.Metadata) ref.Oid {
	data, err := m.Encode()
	if err != nil {
		panic(err)
	}
	oid, _ := f.WriteBlob(context.Background(), data)
	f.SetRef(m.Branch.MetadataRef(), oid)
	return oid
}

// PutRawMetadata points a branch's metadata ref at arbitrary content
func (f *FakeRepository) PutRawMetadata(branch string, content []byte) ref.Oid {
	oid, _ := f.WriteBlob(context.Background(), content)
	f.SetRef(ref.MustBranchName(branch).MetadataRef(), oid)
	return oid
}

// Metadata reads back the parsed metadata of a branch, nil when untracked
func (f *FakeRepository) Metadata(branch string) *metadata.Metadata {
	oid := f.Ref(ref.MustBranchName(branch).MetadataRef())
	if oid.IsZero() {
		return nil
	}
	data, err := f.ReadBlob(context.Background(), oid)
	if err != nil {
		return nil
	}
	m, err := metadata.Parse(data)
	if err != nil {
		return nil
	}
	return m
}

// AddWorktree registers another checkout of branch
func (f *FakeRepository) AddWorktree(path, branch string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	wt := repository.Worktree{Path: path}
	if branch != "" {
		wt.Branch = ref.MustBranchName(branch)
		wt.Head = f.refs[wt.Branch.Ref()]
	}
	f.worktrees = append(f.worktrees, wt)
}

// CheckOut sets the branch of the current worktree
func (f *FakeRepository) CheckOut(branch string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.worktrees {
		if f.worktrees[i].Path == f.root {
			f.worktrees[i].Branch = ref.MustBranchName(branch)
		}
	}
}

// ConflictOn makes the next rebase of branch stop with a conflict
func (f *FakeRepository) ConflictOn(branch string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.conflicts[ref.MustBranchName(branch)] = true
}

// Resolve marks the current conflict as resolved by the user
func (f *FakeRepository) Resolve() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unresolved = false
}

// SetInProgress simulates an external operation started outside lattice
func (f *FakeRepository) SetInProgress(op repository.ExternalOp) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inProgress = op
}

// Calls returns every subcommand passed to Run
func (f *FakeRepository) Calls() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]string, len(f.calls))
	copy(out, f.calls)
	return out
}

func (f *FakeRepository) CommonDir() string    { return f.commonDir }
func (f *FakeRepository) WorktreeRoot() string { return f.root }

func (f *FakeRepository) ResolveRef(ctx context.Context, name ref.RefName) (ref.Oid, error) {
	return f.Ref(name), nil
}

func (f *FakeRepository) ListRefs(ctx context.Context, prefix string) (map[ref.RefName]ref.Oid, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[ref.RefName]ref.Oid)
	for name, oid := range f.refs {
		if strings.HasPrefix(name.String(), prefix) {
			out[name] = oid
		}
	}
	return out, nil
}

func (f *FakeRepository) UpdateRefCas(ctx context.Context, name ref.RefName, newOid, expectedOld ref.Oid, reason string) error {
	if f.BeforeCas != nil {
		f.BeforeCas(name)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	actual := f.refs[name]
	if !actual.Equals(expectedOld) || f.FailCas[name] {
		return execution.CasFailed(name.String(), expectedOld.String(), actual.String())
	}
	f.refs[name] = newOid
	return nil
}

func (f *FakeRepository) DeleteRefCas(ctx context.Context, name ref.RefName, expectedOld ref.Oid) error {
	if f.BeforeCas != nil {
		f.BeforeCas(name)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	actual := f.refs[name]
	if !actual.Equals(expectedOld) || f.FailCas[name] {
		return execution.CasFailed(name.String(), expectedOld.String(), actual.String())
	}
	delete(f.refs, name)
	return nil
}

func (f *FakeRepository) WriteBlob(ctx context.Context, content []byte) (ref.Oid, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	oid := hashOid("blob", string(content))
	f.blobs[oid] = append([]byte(nil), content...)
	return oid, nil
}

func (f *FakeRepository) ReadBlob(ctx context.Context, oid ref.Oid) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.blobs[oid]
	if !ok {
		return nil, execution.NewError(execution.CodeGit, "no such blob", map[string]interface{}{"oid": oid.String()})
	}
	return append([]byte(nil), data...), nil
}

func (f *FakeRepository) CreateCommit(ctx context.Context, message string, parents []ref.Oid) (ref.Oid, error) {
	return f.Commit(message, parents...), nil
}

func (f *FakeRepository) ReadCommit(ctx context.Context, oid ref.Oid) (*repository.Commit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.commits[oid]
	if !ok {
		return nil, execution.NewError(execution.CodeGit, "no such commit", map[string]interface{}{"oid": oid.String()})
	}
	return &repository.Commit{Oid: oid, Parents: append([]ref.Oid(nil), c.parents...), Message: c.message}, nil
}

func (f *FakeRepository) Worktrees(ctx context.Context) ([]repository.Worktree, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]repository.Worktree(nil), f.worktrees...), nil
}

func (f *FakeRepository) InProgressOperation(ctx context.Context) (repository.ExternalOp, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inProgress, nil
}

func (f *FakeRepository) ContinueOperation(ctx context.Context, op repository.ExternalOp) (repository.GitResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, []string{string(op), "--continue"})
	if f.inProgress == repository.OpNone {
		return repository.GitResult{ExitCode: 128, Stderr: "fatal: no " + string(op) + " in progress"}, nil
	}
	if f.unresolved {
		return repository.GitResult{ExitCode: 1, Stderr: "error: you must resolve all conflicts first"}, nil
	}
	if f.pending != nil {
		f.finishRebaseLocked(*f.pending)
	}
	f.pending = nil
	f.inProgress = repository.OpNone
	return repository.GitResult{}, nil
}

func (f *FakeRepository) AbortOperation(ctx context.Context, op repository.ExternalOp) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, []string{string(op), "--abort"})
	f.pending = nil
	f.unresolved = false
	f.inProgress = repository.OpNone
	return nil
}

func (f *FakeRepository) ancestorsLocked(oid ref.Oid) map[ref.Oid]bool {
	seen := map[ref.Oid]bool{}
	queue := []ref.Oid{oid}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur.IsZero() || seen[cur] {
			continue
		}
		seen[cur] = true
		queue = append(queue, f.commits[cur].parents...)
	}
	return seen
}

func (f *FakeRepository) IsAncestor(ctx context.Context, ancestor, descendant ref.Oid) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ancestorsLocked(descendant)[ancestor], nil
}

func (f *FakeRepository) MergeBase(ctx context.Context, a, b ref.Oid) (ref.Oid, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ofA := f.ancestorsLocked(a)
	seen := map[ref.Oid]bool{}
	queue := []ref.Oid{b}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur.IsZero() || seen[cur] {
			continue
		}
		if ofA[cur] {
			return cur, nil
		}
		seen[cur] = true
		queue = append(queue, f.commits[cur].parents...)
	}
	return ref.ZeroOid, execution.NewError(execution.CodeGit, "no merge base", nil)
}

func (f *FakeRepository) Run(ctx context.Context, args ...string) (repository.GitResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, append([]string(nil), args...))
	if len(args) == 5 && args[0] == "rebase" && args[1] == "--onto" {
		defer f.mu.Unlock()
		return f.rebaseLocked(args[2], args[4])
	}
	hook := f.RunHook
	f.mu.Unlock()

	if hook != nil {
		return hook(args), nil
	}
	return repository.GitResult{}, nil
}

func (f *FakeRepository) resolveLocked(rev string) (ref.Oid, bool) {
	if oid, err := ref.NewOid(rev); err == nil {
		_, ok := f.commits[oid]
		return oid, ok
	}
	if b, err := ref.NewBranchName(rev); err == nil {
		oid, ok := f.refs[b.Ref()]
		return oid, ok
	}
	return ref.ZeroOid, false
}

func (f *FakeRepository) rebaseLocked(onto, branch string) (repository.GitResult, error) {
	if f.inProgress != repository.OpNone {
		return repository.GitResult{ExitCode: 128, Stderr: "fatal: a rebase is already in progress"}, nil
	}
	newBase, ok := f.resolveLocked(onto)
	if !ok {
		return repository.GitResult{ExitCode: 128, Stderr: "fatal: invalid upstream " + onto}, nil
	}
	b, err := ref.NewBranchName(branch)
	if err != nil {
		return repository.GitResult{ExitCode: 128, Stderr: "fatal: invalid branch " + branch}, nil
	}
	p := pendingRebase{branch: b, newBase: newBase}
	if f.conflicts[b] {
		delete(f.conflicts, b)
		f.inProgress = repository.OpRebase
		f.pending = &p
		f.unresolved = true
		return repository.GitResult{ExitCode: 1, Stdout: "CONFLICT (content): Merge conflict in a.txt\n"}, nil
	}
	f.finishRebaseLocked(p)
	return repository.GitResult{}, nil
}

func (f *FakeRepository) finishRebaseLocked(p pendingRebase) {
	oid := f.commitLocked("rebased "+p.branch.String(), []ref.Oid{p.newBase})
	f.refs[p.branch.Ref()] = oid
}

// RefNames returns every ref name, sorted
func (f *FakeRepository) RefNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for name := range f.refs {
		out = append(out, name.String())
	}
	sort.Strings(out)
	return out
}
