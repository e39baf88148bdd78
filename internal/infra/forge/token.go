package forge

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/afero"

	"github.com/YoshitsuguKoike/lattice/internal/domain/repository"
)

// Token environment variables, most specific first
var tokenEnv = []string{"LATTICE_GITHUB_TOKEN", "GITHUB_TOKEN"}

// TokenFile is the per-user token store under the lattice config home
const TokenFile = "github-token"

// TokenSource hands out the forge credential. Reading the token file is
// serialized across processes with the credential lock, so a process never
// observes a half-written rotation by another.
type TokenSource struct {
	mu     sync.Mutex
	fs     afero.Fs
	path   string
	locker repository.Locker
	token  string
}

// NewTokenSource reads tokens from the environment, then from <userHome>/github-token
func NewTokenSource(afs afero.Fs, userHome string, locker repository.Locker) *TokenSource {
	return &TokenSource{fs: afs, path: filepath.Join(userHome, TokenFile), locker: locker}
}

// Token returns the cached token, loading it on first use
func (s *TokenSource) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.token != "" {
		return s.token, nil
	}
	return s.refreshLocked(ctx)
}

// Refresh drops the cached token and loads it again (after a 401)
func (s *TokenSource) Refresh(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = ""
	return s.refreshLocked(ctx)
}

func (s *TokenSource) refreshLocked(ctx context.Context) (string, error) {
	for _, k := range tokenEnv {
		if v := strings.TrimSpace(os.Getenv(k)); v != "" {
			s.token = v
			return v, nil
		}
	}

	lock, err := s.locker.Acquire(ctx, "credential refresh")
	if err != nil {
		return "", fmt.Errorf("credential lock: %w", err)
	}
	defer lock.Release()

	data, err := afero.ReadFile(s.fs, s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("no GitHub token: set %s or write %s", tokenEnv[0], s.path)
		}
		return "", fmt.Errorf("read token: %w", err)
	}
	token := strings.TrimSpace(string(data))
	if token == "" {
		return "", fmt.Errorf("token file %s is empty", s.path)
	}
	s.token = token
	return token, nil
}
