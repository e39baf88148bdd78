package git

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/YoshitsuguKoike/lattice/internal/domain/execution"
	"github.com/YoshitsuguKoike/lattice/internal/domain/model/ref"
	"github.com/YoshitsuguKoike/lattice/internal/domain/repository"
)

// ledgerIdentity signs event-ledger commits so they do not depend on user config
var ledgerIdentity = []string{
	"GIT_AUTHOR_NAME=lattice",
	"GIT_AUTHOR_EMAIL=lattice@localhost",
	"GIT_COMMITTER_NAME=lattice",
	"GIT_COMMITTER_EMAIL=lattice@localhost",
}

// Repository implements repository.Repository with the git CLI
type Repository struct {
	git       *client
	commonDir string
	gitDir    string
	root      string

	emptyTreeOnce sync.Once
	emptyTree     ref.Oid
	emptyTreeErr  error
}

var _ repository.Repository = (*Repository)(nil)

// Open locates the repository containing dir
func Open(ctx context.Context, dir string, timeout time.Duration) (*Repository, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", dir, err)
	}
	c := newClient(abs, timeout)

	out, err := c.output(ctx, "rev-parse", "--path-format=absolute", "--git-common-dir", "--git-dir")
	if err != nil {
		return nil, execution.NotARepository(abs, err)
	}
	lines := strings.Split(out, "\n")
	if len(lines) != 2 {
		return nil, execution.NotARepository(abs, fmt.Errorf("unexpected rev-parse output %q", out))
	}

	r := &Repository{
		git:       c,
		commonDir: absolute(abs, lines[0]),
		gitDir:    absolute(abs, lines[1]),
	}
	if top, err := c.output(ctx, "rev-parse", "--show-toplevel"); err == nil {
		r.root = filepath.Clean(top)
		r.git.dir = r.root
	}
	return r, nil
}

func absolute(base, p string) string {
	if filepath.IsAbs(p) {
		return filepath.Clean(p)
	}
	return filepath.Join(base, p)
}

func (r *Repository) CommonDir() string    { return r.commonDir }
func (r *Repository) WorktreeRoot() string { return r.root }

// ResolveRef returns ZeroOid for a missing ref
func (r *Repository) ResolveRef(ctx context.Context, name ref.RefName) (ref.Oid, error) {
	res, err := r.git.exec(ctx, nil, nil, "rev-parse", "--verify", "--quiet", name.String())
	if err != nil {
		return ref.ZeroOid, execution.Wrap(execution.CodeGit, "resolve "+name.String(), err)
	}
	if !res.Success() {
		return ref.ZeroOid, nil
	}
	return ref.NewOid(strings.TrimSpace(res.Stdout))
}

// ListRefs returns every ref under prefix. Names git accepts but lattice
// cannot represent are skipped.
func (r *Repository) ListRefs(ctx context.Context, prefix string) (map[ref.RefName]ref.Oid, error) {
	out, err := r.git.output(ctx, "for-each-ref", "--format=%(objectname) %(refname)", prefix)
	if err != nil {
		return nil, err
	}
	refs := make(map[ref.RefName]ref.Oid)
	for _, line := range strings.Split(out, "\n") {
		if line == "" {
			continue
		}
		oidStr, nameStr, ok := strings.Cut(line, " ")
		if !ok {
			continue
		}
		name, err := ref.NewRefName(nameStr)
		if err != nil {
			continue
		}
		oid, err := ref.NewOid(oidStr)
		if err != nil {
			return nil, fmt.Errorf("for-each-ref %s: %w", nameStr, err)
		}
		refs[name] = oid
	}
	return refs, nil
}

// UpdateRefCas uses update-ref's old-value check, which git applies under the ref lock
func (r *Repository) UpdateRefCas(ctx context.Context, name ref.RefName, newOid, expectedOld ref.Oid, reason string) error {
	if reason == "" {
		reason = "lattice"
	}
	res, err := r.git.exec(ctx, nil, nil, "update-ref", "-m", reason, name.String(), newOid.String(), expectedOld.String())
	if err != nil {
		return execution.Wrap(execution.CodeGit, "update-ref "+name.String(), err)
	}
	if res.Success() {
		return nil
	}
	return r.casError(ctx, name, expectedOld, res)
}

// DeleteRefCas deletes name only if it holds expectedOld
func (r *Repository) DeleteRefCas(ctx context.Context, name ref.RefName, expectedOld ref.Oid) error {
	if expectedOld.IsZero() {
		actual, err := r.ResolveRef(ctx, name)
		if err != nil {
			return err
		}
		if !actual.IsZero() {
			return execution.CasFailed(name.String(), "", actual.String())
		}
		return nil
	}
	res, err := r.git.exec(ctx, nil, nil, "update-ref", "-d", name.String(), expectedOld.String())
	if err != nil {
		return execution.Wrap(execution.CodeGit, "delete-ref "+name.String(), err)
	}
	if res.Success() {
		return nil
	}
	return r.casError(ctx, name, expectedOld, res)
}

// casError reports a CasFailed when the ref moved, otherwise the git failure
func (r *Repository) casError(ctx context.Context, name ref.RefName, expected ref.Oid, res repository.GitResult) error {
	actual, err := r.ResolveRef(ctx, name)
	if err == nil && !actual.Equals(expected) {
		return execution.CasFailed(name.String(), expected.String(), actual.String())
	}
	return execution.NewError(execution.CodeGit, "update-ref failed: "+strings.TrimSpace(res.Stderr),
		map[string]interface{}{"ref": name.String(), "exit": res.ExitCode})
}

func (r *Repository) WriteBlob(ctx context.Context, content []byte) (ref.Oid, error) {
	out, err := r.git.outputWith(ctx, bytes.NewReader(content), nil, "hash-object", "-w", "--stdin")
	if err != nil {
		return ref.ZeroOid, err
	}
	return ref.NewOid(out)
}

func (r *Repository) ReadBlob(ctx context.Context, oid ref.Oid) ([]byte, error) {
	res, err := r.git.exec(ctx, nil, nil, "cat-file", "blob", oid.String())
	if err != nil {
		return nil, execution.Wrap(execution.CodeGit, "cat-file", err)
	}
	if !res.Success() {
		return nil, execution.NewError(execution.CodeGit, "cat-file failed: "+strings.TrimSpace(res.Stderr),
			map[string]interface{}{"oid": oid.String()})
	}
	return []byte(res.Stdout), nil
}

func (r *Repository) emptyTreeOid(ctx context.Context) (ref.Oid, error) {
	r.emptyTreeOnce.Do(func() {
		out, err := r.git.outputWith(ctx, bytes.NewReader(nil), nil, "hash-object", "-t", "tree", "-w", "--stdin")
		if err != nil {
			r.emptyTreeErr = err
			return
		}
		r.emptyTree, r.emptyTreeErr = ref.NewOid(out)
	})
	return r.emptyTree, r.emptyTreeErr
}

// CreateCommit writes an empty-tree commit whose message carries the payload
func (r *Repository) CreateCommit(ctx context.Context, message string, parents []ref.Oid) (ref.Oid, error) {
	tree, err := r.emptyTreeOid(ctx)
	if err != nil {
		return ref.ZeroOid, err
	}
	args := []string{"commit-tree", tree.String()}
	for _, p := range parents {
		args = append(args, "-p", p.String())
	}
	out, err := r.git.outputWith(ctx, strings.NewReader(message), ledgerIdentity, args...)
	if err != nil {
		return ref.ZeroOid, err
	}
	return ref.NewOid(out)
}

// ReadCommit parses the raw commit object
func (r *Repository) ReadCommit(ctx context.Context, oid ref.Oid) (*repository.Commit, error) {
	res, err := r.git.exec(ctx, nil, nil, "cat-file", "commit", oid.String())
	if err != nil {
		return nil, execution.Wrap(execution.CodeGit, "cat-file", err)
	}
	if !res.Success() {
		return nil, execution.NewError(execution.CodeGit, "cat-file failed: "+strings.TrimSpace(res.Stderr),
			map[string]interface{}{"oid": oid.String()})
	}
	return parseCommit(oid, res.Stdout)
}

func parseCommit(oid ref.Oid, raw string) (*repository.Commit, error) {
	header, message, _ := strings.Cut(raw, "\n\n")
	c := &repository.Commit{Oid: oid, Message: message}
	for _, line := range strings.Split(header, "\n") {
		if p, ok := strings.CutPrefix(line, "parent "); ok {
			parent, err := ref.NewOid(p)
			if err != nil {
				return nil, fmt.Errorf("commit %s: %w", oid.Short(), err)
			}
			c.Parents = append(c.Parents, parent)
		}
	}
	return c, nil
}

// Worktrees parses `git worktree list --porcelain`
func (r *Repository) Worktrees(ctx context.Context) ([]repository.Worktree, error) {
	out, err := r.git.output(ctx, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, err
	}
	return parseWorktrees(out), nil
}

func parseWorktrees(out string) []repository.Worktree {
	var (
		list []repository.Worktree
		cur  *repository.Worktree
	)
	flush := func() {
		if cur != nil {
			list = append(list, *cur)
			cur = nil
		}
	}
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			flush()
		case strings.HasPrefix(line, "worktree "):
			flush()
			cur = &repository.Worktree{Path: filepath.Clean(strings.TrimPrefix(line, "worktree "))}
		case cur == nil:
			continue
		case strings.HasPrefix(line, "HEAD "):
			cur.Head, _ = ref.NewOid(strings.TrimPrefix(line, "HEAD "))
		case strings.HasPrefix(line, "branch "):
			if name, err := ref.NewRefName(strings.TrimPrefix(line, "branch ")); err == nil {
				cur.Branch, _ = name.Branch()
			}
		case line == "bare":
			cur.Bare = true
		}
	}
	flush()
	return list
}

// InProgressOperation inspects the current worktree's git dir
func (r *Repository) InProgressOperation(ctx context.Context) (repository.ExternalOp, error) {
	return detectOperation(r.gitDir), nil
}

func detectOperation(gitDir string) repository.ExternalOp {
	exists := func(name string) bool {
		_, err := os.Stat(filepath.Join(gitDir, name))
		return err == nil
	}
	switch {
	case exists("rebase-merge"):
		return repository.OpRebase
	case exists("rebase-apply/applying"):
		return repository.OpApplyMailbox
	case exists("rebase-apply"):
		return repository.OpRebase
	case exists("MERGE_HEAD"):
		return repository.OpMerge
	case exists("CHERRY_PICK_HEAD"):
		return repository.OpCherryPick
	case exists("REVERT_HEAD"):
		return repository.OpRevert
	case exists("BISECT_LOG"):
		return repository.OpBisect
	}
	return repository.OpNone
}

// ContinueOperation resumes op after the user resolved conflicts
func (r *Repository) ContinueOperation(ctx context.Context, op repository.ExternalOp) (repository.GitResult, error) {
	switch op {
	case repository.OpRebase, repository.OpCherryPick, repository.OpRevert:
		return r.git.exec(ctx, nil, nil, string(op), "--continue")
	case repository.OpApplyMailbox:
		return r.git.exec(ctx, nil, nil, "am", "--continue")
	case repository.OpMerge:
		return r.git.exec(ctx, nil, nil, "commit", "--no-edit")
	case repository.OpNone:
		return repository.GitResult{}, nil
	}
	return repository.GitResult{}, fmt.Errorf("cannot continue %s", op)
}

// AbortOperation abandons op
func (r *Repository) AbortOperation(ctx context.Context, op repository.ExternalOp) error {
	var args []string
	switch op {
	case repository.OpNone:
		return nil
	case repository.OpBisect:
		args = []string{"bisect", "reset"}
	case repository.OpApplyMailbox:
		args = []string{"am", "--abort"}
	default:
		args = []string{string(op), "--abort"}
	}
	_, err := r.git.output(ctx, args...)
	return err
}

func (r *Repository) IsAncestor(ctx context.Context, ancestor, descendant ref.Oid) (bool, error) {
	res, err := r.git.exec(ctx, nil, nil, "merge-base", "--is-ancestor", ancestor.String(), descendant.String())
	if err != nil {
		return false, execution.Wrap(execution.CodeGit, "merge-base", err)
	}
	switch res.ExitCode {
	case 0:
		return true, nil
	case 1:
		return false, nil
	}
	return false, execution.NewError(execution.CodeGit, "merge-base --is-ancestor failed: "+strings.TrimSpace(res.Stderr), nil)
}

func (r *Repository) MergeBase(ctx context.Context, a, b ref.Oid) (ref.Oid, error) {
	out, err := r.git.output(ctx, "merge-base", a.String(), b.String())
	if err != nil {
		return ref.ZeroOid, err
	}
	return ref.NewOid(out)
}

// Run executes an arbitrary subcommand in the worktree
func (r *Repository) Run(ctx context.Context, args ...string) (repository.GitResult, error) {
	if len(args) == 0 {
		return repository.GitResult{}, fmt.Errorf("git: no subcommand")
	}
	return r.git.exec(ctx, nil, nil, args...)
}
