package fs

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/afero"
)

// ErrExists is returned by CreateFileSync when the target already exists
var ErrExists = errors.New("file already exists")

// FsyncFile syncs file contents to disk
func FsyncFile(f afero.File) error {
	if f == nil {
		return fmt.Errorf("FsyncFile: file is nil")
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("FsyncFile: failed to sync file %s: %w", f.Name(), err)
	}
	return nil
}

// FsyncDir syncs directory metadata to disk.
// Required after create, rename and remove so the directory entry survives a crash.
func FsyncDir(afs afero.Fs, dirPath string) error {
	if dirPath == "" {
		return fmt.Errorf("FsyncDir: directory path is empty")
	}
	dir, err := afs.Open(dirPath)
	if err != nil {
		return fmt.Errorf("FsyncDir: failed to open directory %s: %w", dirPath, err)
	}
	defer dir.Close()

	if err := dir.Sync(); err != nil {
		return fmt.Errorf("FsyncDir: failed to sync directory %s: %w", dirPath, err)
	}
	return nil
}

// WriteFileSync atomically replaces path with data: temp file in the same
// directory, fsync(file), rename, fsync(parent dir).
func WriteFileSync(afs afero.Fs, path string, data []byte, perm os.FileMode) error {
	if path == "" {
		return fmt.Errorf("write file sync: path is empty")
	}
	dir := filepath.Dir(path)
	if err := afs.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("write file sync %s: failed to create parent dir: %w", path, err)
	}
	if perm == 0 {
		perm = 0o644
	}

	tempFile := filepath.Join(dir, fmt.Sprintf(".tmp.%s.%d", filepath.Base(path), os.Getpid()))
	f, err := afs.OpenFile(tempFile, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return fmt.Errorf("write file sync %s: failed to create temp file: %w", path, err)
	}
	defer func() {
		f.Close()
		afs.Remove(tempFile)
	}()

	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("write file sync %s: failed to write data: %w", path, err)
	}
	if err := FsyncFile(f); err != nil {
		return fmt.Errorf("write file sync %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("write file sync %s: failed to close file: %w", path, err)
	}

	if err := afs.Rename(tempFile, path); err != nil {
		return fmt.Errorf("write file sync %s: rename: %w", path, err)
	}
	if err := FsyncDir(afs, dir); err != nil {
		return fmt.Errorf("write file sync %s: rename succeeded but parent sync failed: %w", path, err)
	}
	return nil
}

// CreateFileSync is WriteFileSync that refuses to replace an existing file.
// Callers must hold the lock that serializes writers of path.
func CreateFileSync(afs afero.Fs, path string, data []byte, perm os.FileMode) error {
	exists, err := afero.Exists(afs, path)
	if err != nil {
		return fmt.Errorf("create file sync %s: %w", path, err)
	}
	if exists {
		return fmt.Errorf("create file sync %s: %w", path, ErrExists)
	}
	return WriteFileSync(afs, path, data, perm)
}

// AppendSync appends data to path (creating it if needed) and syncs it.
// The parent directory is synced when the file is new.
func AppendSync(afs afero.Fs, path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := afs.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("append sync %s: failed to create parent dir: %w", path, err)
	}
	existed, err := afero.Exists(afs, path)
	if err != nil {
		return fmt.Errorf("append sync %s: %w", path, err)
	}

	f, err := afs.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("append sync %s: open: %w", path, err)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("append sync %s: write: %w", path, err)
	}
	if err := FsyncFile(f); err != nil {
		return fmt.Errorf("append sync %s: %w", path, err)
	}
	if !existed {
		if err := FsyncDir(afs, dir); err != nil {
			return fmt.Errorf("append sync %s: %w", path, err)
		}
	}
	return nil
}

// RemoveSync removes path and syncs its directory. A missing file is not an error.
func RemoveSync(afs afero.Fs, path string) error {
	if err := afs.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("remove sync %s: %w", path, err)
	}
	return FsyncDir(afs, filepath.Dir(path))
}
