package lock

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/YoshitsuguKoike/lattice/internal/domain/execution"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newLocker(t *testing.T, dir string, timeout time.Duration) *FileLocker {
	t.Helper()
	return NewFileLocker(filepath.Join(dir, "lattice", "lock"), filepath.Join(dir, "lattice", "lock.info"), timeout)
}

func TestAcquireWritesHolderInfo(t *testing.T) {
	dir := t.TempDir()
	l := newLocker(t, dir, time.Second)

	held, err := l.Acquire(context.Background(), "track")
	require.NoError(t, err)

	info := l.readInfo()
	require.NotNil(t, info)
	assert.Equal(t, os.Getpid(), info.PID)
	assert.Equal(t, "track", info.Command)

	require.NoError(t, held.Release())
	require.NoError(t, held.Release())
	assert.Nil(t, l.readInfo())
}

func TestSecondAcquirerFailsFastWithContention(t *testing.T) {
	dir := t.TempDir()
	first := newLocker(t, dir, time.Second)
	second := newLocker(t, dir, 0)

	held, err := first.Acquire(context.Background(), "restack")
	require.NoError(t, err)
	defer held.Release()

	_, err = second.Acquire(context.Background(), "track")
	require.Error(t, err)
	assert.True(t, execution.IsLockContention(err), "got %v", err)
	assert.Contains(t, err.Error(), "restack")
}

func TestAcquireTimesOut(t *testing.T) {
	dir := t.TempDir()
	held, err := newLocker(t, dir, time.Second).Acquire(context.Background(), "a")
	require.NoError(t, err)
	defer held.Release()

	start := time.Now()
	_, err = newLocker(t, dir, 150*time.Millisecond).Acquire(context.Background(), "b")
	assert.True(t, execution.IsLockContention(err), "got %v", err)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestAcquireHonoursContext(t *testing.T) {
	dir := t.TempDir()
	held, err := newLocker(t, dir, time.Second).Acquire(context.Background(), "a")
	require.NoError(t, err)
	defer held.Release()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = newLocker(t, dir, 5*time.Second).Acquire(ctx, "b")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestBlockedAcquirerProceedsAfterRelease(t *testing.T) {
	dir := t.TempDir()
	held, err := newLocker(t, dir, time.Second).Acquire(context.Background(), "first")
	require.NoError(t, err)

	var (
		wg     sync.WaitGroup
		second error
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		h, err := newLocker(t, dir, 5*time.Second).Acquire(context.Background(), "second")
		second = err
		if err == nil {
			_ = h.Release()
		}
	}()

	time.Sleep(100 * time.Millisecond)
	require.NoError(t, held.Release())
	wg.Wait()
	assert.NoError(t, second)
}

func TestProbe(t *testing.T) {
	dir := t.TempDir()
	l := newLocker(t, dir, time.Second)

	held, info, err := l.Probe(context.Background())
	require.NoError(t, err)
	assert.False(t, held)
	assert.Nil(t, info)

	h, err := l.Acquire(context.Background(), "submit")
	require.NoError(t, err)

	held, info, err = newLocker(t, dir, 0).Probe(context.Background())
	require.NoError(t, err)
	assert.True(t, held)
	require.NotNil(t, info)
	assert.Equal(t, "submit", info.Command)

	require.NoError(t, h.Release())
	held, _, err = l.Probe(context.Background())
	require.NoError(t, err)
	assert.False(t, held)
}

func TestProbeRemovesStaleInfo(t *testing.T) {
	dir := t.TempDir()
	l := newLocker(t, dir, time.Second)
	require.NoError(t, os.MkdirAll(filepath.Dir(l.path), 0o755))
	require.NoError(t, os.WriteFile(l.path, nil, 0o644))
	require.NoError(t, os.WriteFile(l.infoPath, []byte(`{"pid":999999999,"hostname":"h"}`), 0o644))

	held, _, err := l.Probe(context.Background())
	require.NoError(t, err)
	assert.False(t, held)
	_, err = os.Stat(l.infoPath)
	assert.True(t, os.IsNotExist(err))
}
