package git

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/YoshitsuguKoike/lattice/internal/app"
	"github.com/YoshitsuguKoike/lattice/internal/domain/execution"
	"github.com/YoshitsuguKoike/lattice/internal/domain/repository"
)

// DefaultTimeout bounds every git invocation
const DefaultTimeout = 2 * time.Minute

// baseEnv keeps git non-interactive and its output parseable
var baseEnv = []string{
	"LC_ALL=C",
	"GIT_TERMINAL_PROMPT=0",
	"GIT_EDITOR=true",
	"GIT_SEQUENCE_EDITOR=true",
}

// client runs git subcommands in one directory
type client struct {
	dir     string
	timeout time.Duration
	env     []string
}

func newClient(dir string, timeout time.Duration) *client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &client{dir: dir, timeout: timeout, env: append(os.Environ(), baseEnv...)}
}

// exec runs git and returns the structured result. err is non-nil only when
// git could not be started or timed out.
func (c *client) exec(ctx context.Context, stdin io.Reader, extraEnv []string, args ...string) (repository.GitResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = c.dir
	cmd.Env = append(append([]string(nil), c.env...), extraEnv...)
	cmd.Stdin = stdin

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := repository.GitResult{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return res, fmt.Errorf("git %s: timeout after %v", args[0], c.timeout)
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			app.GetLogger().Debug("git %s exited %d: %s", strings.Join(args, " "), res.ExitCode, strings.TrimSpace(res.Stderr))
			return res, nil
		}
		return res, fmt.Errorf("git %s: %w", args[0], err)
	}
	return res, nil
}

// output runs git and returns trimmed stdout; non-zero exit is an error
func (c *client) output(ctx context.Context, args ...string) (string, error) {
	return c.outputWith(ctx, nil, nil, args...)
}

func (c *client) outputWith(ctx context.Context, stdin io.Reader, env []string, args ...string) (string, error) {
	res, err := c.exec(ctx, stdin, env, args...)
	if err != nil {
		return "", execution.Wrap(execution.CodeGit, "git "+args[0], err)
	}
	if !res.Success() {
		return "", execution.NewError(execution.CodeGit, fmt.Sprintf("git %s failed: %s", args[0], strings.TrimSpace(res.Stderr)),
			map[string]interface{}{"exit": res.ExitCode})
	}
	return strings.TrimRight(res.Stdout, "\n"), nil
}
