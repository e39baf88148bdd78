package txn

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/afero"

	"github.com/YoshitsuguKoike/lattice/internal/app"
	"github.com/YoshitsuguKoike/lattice/internal/domain/model/opstate"
	"github.com/YoshitsuguKoike/lattice/internal/domain/repository"
	latticefs "github.com/YoshitsuguKoike/lattice/internal/infra/fs"
)

const journalExt = ".jsonl"

// JournalStore keeps one append-only NDJSON file per operation under dir
type JournalStore struct {
	fs  afero.Fs
	dir string
}

var _ repository.JournalStore = (*JournalStore)(nil)

// NewJournalStore creates a store rooted at dir (e.g. <common>/lattice/ops)
func NewJournalStore(afs afero.Fs, dir string) *JournalStore {
	return &JournalStore{fs: afs, dir: dir}
}

func (s *JournalStore) path(opID string) string {
	return filepath.Join(s.dir, opID+journalExt)
}

// Create starts an empty journal; an existing journal for opID is an error
func (s *JournalStore) Create(ctx context.Context, opID string) error {
	if err := latticefs.CreateFileSync(s.fs, s.path(opID), nil, 0o644); err != nil {
		return &StoreError{OpID: opID, Operation: "create", Err: err}
	}
	return nil
}

// Append writes one checksummed line and fsyncs before returning
func (s *JournalStore) Append(ctx context.Context, opID string, entry opstate.Entry) error {
	line, err := encodeRecord(entry)
	if err != nil {
		return &StoreError{OpID: opID, Operation: "append", Err: err}
	}
	exists, err := afero.Exists(s.fs, s.path(opID))
	if err != nil {
		return &StoreError{OpID: opID, Operation: "append", Err: err}
	}
	if !exists {
		return &StoreError{OpID: opID, Operation: "append", Err: ErrJournalNotFound}
	}
	if err := latticefs.AppendSync(s.fs, s.path(opID), line); err != nil {
		return &StoreError{OpID: opID, Operation: "append", Err: err}
	}
	app.GetLogger().Debug("Journal append %s=%s seq=%d kind=%s", MetricJournalAppend, opID, entry.Seq, entry.Kind)
	return nil
}

// Load reads every entry in recorded order. A damaged final line is a write
// that never completed and is dropped; damage anywhere else is ErrCorrupt.
func (s *JournalStore) Load(ctx context.Context, opID string) (opstate.Journal, error) {
	data, err := afero.ReadFile(s.fs, s.path(opID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &StoreError{OpID: opID, Operation: "load", Err: ErrJournalNotFound}
		}
		return nil, &StoreError{OpID: opID, Operation: "load", Err: err}
	}

	lines := bytes.Split(data, []byte("\n"))
	var journal opstate.Journal
	for i, line := range lines {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		entry, err := decodeRecord(line)
		if err != nil {
			if isLastNonEmpty(lines, i) {
				app.GetLogger().Warn("Dropping torn journal tail %s=%s line=%d: %v", MetricJournalTornTail, opID, i+1, err)
				break
			}
			return nil, &StoreError{OpID: opID, Operation: "load", Err: err}
		}
		journal = append(journal, entry)
	}
	return journal, nil
}

// Remove deletes a journal; a missing journal is not an error
func (s *JournalStore) Remove(ctx context.Context, opID string) error {
	if err := latticefs.RemoveSync(s.fs, s.path(opID)); err != nil {
		return &StoreError{OpID: opID, Operation: "remove", Err: err}
	}
	app.GetLogger().Debug("Journal removed %s=%s", MetricJournalRemoved, opID)
	return nil
}

// List returns the op ids that have a journal, oldest first
func (s *JournalStore) List(ctx context.Context) ([]string, error) {
	entries, err := afero.ReadDir(s.fs, s.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, &StoreError{Operation: "list journals", Err: err}
	}
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, journalExt) {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, journalExt))
	}
	sort.Strings(ids)
	return ids, nil
}

func isLastNonEmpty(lines [][]byte, i int) bool {
	for _, l := range lines[i+1:] {
		if len(bytes.TrimSpace(l)) > 0 {
			return false
		}
	}
	return true
}
