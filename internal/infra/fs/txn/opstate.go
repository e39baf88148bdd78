package txn

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/afero"

	"github.com/YoshitsuguKoike/lattice/internal/app"
	"github.com/YoshitsuguKoike/lattice/internal/domain/model/opstate"
	"github.com/YoshitsuguKoike/lattice/internal/domain/repository"
	latticefs "github.com/YoshitsuguKoike/lattice/internal/infra/fs"
)

var (
	// ErrMarkerExists is returned when creating a marker while one is present
	ErrMarkerExists = errors.New("op-state marker already exists")

	// ErrMarkerCorrupt is returned when the marker cannot be decoded
	ErrMarkerCorrupt = errors.New("op-state marker corrupt")
)

// OpStateStore keeps the single op-state marker as one JSON file
type OpStateStore struct {
	fs   afero.Fs
	path string
}

var _ repository.OpStateStore = (*OpStateStore)(nil)

// NewOpStateStore creates a store for the marker at path
func NewOpStateStore(afs afero.Fs, path string) *OpStateStore {
	return &OpStateStore{fs: afs, path: path}
}

// Load returns the marker, or nil when no operation is in flight
func (s *OpStateStore) Load(ctx context.Context) (*opstate.OpState, error) {
	data, err := afero.ReadFile(s.fs, s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, &StoreError{Operation: "load", Err: err}
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var st opstate.OpState
	if err := dec.Decode(&st); err != nil {
		return nil, &StoreError{Operation: "load", Err: fmt.Errorf("%w: decode %s: %v", ErrMarkerCorrupt, s.path, err)}
	}
	if err := st.Validate(); err != nil {
		return nil, &StoreError{Operation: "load", Err: fmt.Errorf("%w: %v", ErrMarkerCorrupt, err)}
	}
	return &st, nil
}

// Create writes a new marker. The caller holds the repository lock, which
// makes the existence check and the write one step.
func (s *OpStateStore) Create(ctx context.Context, st *opstate.OpState) error {
	data, err := encodeMarker(st)
	if err != nil {
		return &StoreError{Operation: "create", Err: err}
	}
	if err := latticefs.CreateFileSync(s.fs, s.path, data, 0o644); err != nil {
		if errors.Is(err, latticefs.ErrExists) {
			return &StoreError{Operation: "create", Err: ErrMarkerExists}
		}
		return &StoreError{Operation: "create", Err: err}
	}
	app.GetLogger().Info("Op-state created %s=%s command=%s", MetricOpStateCreated, st.OpID, st.Command)
	return nil
}

// Save replaces the marker
func (s *OpStateStore) Save(ctx context.Context, st *opstate.OpState) error {
	data, err := encodeMarker(st)
	if err != nil {
		return &StoreError{Operation: "save", Err: err}
	}
	if err := latticefs.WriteFileSync(s.fs, s.path, data, 0o644); err != nil {
		return &StoreError{Operation: "save", Err: err}
	}
	app.GetLogger().Debug("Op-state saved %s=%s phase=%s", MetricOpStateSaved, st.OpID, st.Phase)
	return nil
}

// Remove deletes the marker; a missing marker is not an error
func (s *OpStateStore) Remove(ctx context.Context) error {
	if err := latticefs.RemoveSync(s.fs, s.path); err != nil {
		return &StoreError{Operation: "remove", Err: err}
	}
	app.GetLogger().Debug("Op-state removed %s=%s", MetricOpStateRemoved, s.path)
	return nil
}

func encodeMarker(st *opstate.OpState) ([]byte, error) {
	if err := st.Validate(); err != nil {
		return nil, err
	}
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal op-state: %w", err)
	}
	return append(data, '\n'), nil
}
