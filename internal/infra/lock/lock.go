package lock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gofrs/flock"
	"github.com/spf13/afero"

	"github.com/YoshitsuguKoike/lattice/internal/app"
	"github.com/YoshitsuguKoike/lattice/internal/domain/execution"
	"github.com/YoshitsuguKoike/lattice/internal/domain/repository"
	latticefs "github.com/YoshitsuguKoike/lattice/internal/infra/fs"
)

const (
	// DefaultTimeout bounds how long Acquire waits for another process
	DefaultTimeout = 10 * time.Second

	initialPollInterval = 25 * time.Millisecond
	maxPollInterval     = 500 * time.Millisecond
)

var errBusy = errors.New("lock held by another process")

// FileLocker is an exclusive advisory lock on a file, polled with
// exponential backoff up to a bounded timeout. The repository lock lives in
// the git common dir so every worktree contends on the same file.
type FileLocker struct {
	path     string
	infoPath string
	timeout  time.Duration
	osfs     afero.Fs
}

var _ repository.Locker = (*FileLocker)(nil)

// NewFileLocker creates a locker for path. A holder description is written
// to infoPath while the lock is held. timeout 0 means fail fast.
func NewFileLocker(path, infoPath string, timeout time.Duration) *FileLocker {
	return &FileLocker{
		path:     path,
		infoPath: infoPath,
		timeout:  timeout,
		osfs:     afero.NewOsFs(),
	}
}

// NewRepositoryLocker returns the lock guarding all ref-mutating work
func NewRepositoryLocker(paths app.Paths, timeout time.Duration) *FileLocker {
	return NewFileLocker(paths.Lock, paths.LockInfo, timeout)
}

// NewCredentialLocker returns the narrower lock held while refreshing a token
func NewCredentialLocker(paths app.Paths, timeout time.Duration) *FileLocker {
	return NewFileLocker(paths.CredentialsLock, paths.CredentialsLock+".info", timeout)
}

// Acquire blocks until the lock is held. It fails with LockContention when
// the timeout elapses and returns ctx.Err() when ctx ends first.
func (l *FileLocker) Acquire(ctx context.Context, command string) (repository.Lock, error) {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}

	fl := flock.New(l.path)
	start := time.Now()

	var lockErr error
	try := func() error {
		ok, err := fl.TryLock()
		if err != nil {
			lockErr = fmt.Errorf("lock %s: %w", l.path, err)
			return backoff.Permanent(lockErr)
		}
		if !ok {
			return errBusy
		}
		return nil
	}

	var err error
	if l.timeout <= 0 {
		err = try()
	} else {
		bo := backoff.NewExponentialBackOff()
		bo.InitialInterval = initialPollInterval
		bo.MaxInterval = maxPollInterval
		bo.MaxElapsedTime = l.timeout
		err = backoff.Retry(try, backoff.WithContext(bo, ctx))
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if lockErr != nil {
			return nil, lockErr
		}
		holder := describe(l.readInfo())
		app.GetLogger().Warn("Lock contention %s=%s holder=%q", app.MetricLockContention, l.path, holder)
		return nil, execution.LockContention(holder, err)
	}

	info := repository.LockInfo{
		PID:        os.Getpid(),
		Command:    command,
		AcquiredAt: time.Now().UTC(),
	}
	info.Hostname, _ = os.Hostname()
	if data, err := json.Marshal(info); err == nil {
		if err := latticefs.WriteFileSync(l.osfs, l.infoPath, data, 0o644); err != nil {
			app.GetLogger().Warn("Could not record lock holder: %v", err)
		}
	}

	app.GetLogger().Debug("Lock acquired %s=%d path=%s", app.MetricLockAcquireWaitMs, time.Since(start).Milliseconds(), l.path)
	return &heldLock{flock: fl, infoPath: l.infoPath, osfs: l.osfs}, nil
}

// Probe reports whether another process holds the lock right now
func (l *FileLocker) Probe(ctx context.Context) (bool, *repository.LockInfo, error) {
	if _, err := os.Stat(l.path); os.IsNotExist(err) {
		return false, nil, nil
	}
	fl := flock.New(l.path)
	ok, err := fl.TryLock()
	if err != nil {
		return false, nil, fmt.Errorf("probe lock %s: %w", l.path, err)
	}
	if ok {
		// Nobody holds it. A leftover info file belongs to a dead process.
		if info := l.readInfo(); info != nil && !processRunning(info.PID) {
			app.GetLogger().Debug("Removing stale lock info of pid %d", info.PID)
			_ = latticefs.RemoveSync(l.osfs, l.infoPath)
		}
		return false, nil, fl.Unlock()
	}
	return true, l.readInfo(), nil
}

func (l *FileLocker) readInfo() *repository.LockInfo {
	data, err := afero.ReadFile(l.osfs, l.infoPath)
	if err != nil {
		return nil
	}
	var info repository.LockInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil
	}
	return &info
}

type heldLock struct {
	mu       sync.Mutex
	flock    *flock.Flock
	infoPath string
	osfs     afero.Fs
	released bool
}

// Release removes the holder info and unlocks. Safe to call multiple times.
func (h *heldLock) Release() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return nil
	}
	h.released = true
	if err := latticefs.RemoveSync(h.osfs, h.infoPath); err != nil {
		app.GetLogger().Warn("Could not remove lock info: %v", err)
	}
	if err := h.flock.Unlock(); err != nil {
		return fmt.Errorf("unlock %s: %w", h.flock.Path(), err)
	}
	return nil
}

func describe(info *repository.LockInfo) string {
	if info == nil {
		return "unknown"
	}
	s := fmt.Sprintf("pid %d on %s since %s", info.PID, info.Hostname, info.AcquiredAt.Format(time.RFC3339))
	if info.Command != "" {
		s += " (" + info.Command + ")"
	}
	return s
}
