package txn

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YoshitsuguKoike/lattice/internal/domain/model/opstate"
	"github.com/YoshitsuguKoike/lattice/internal/domain/model/plan"
	"github.com/YoshitsuguKoike/lattice/internal/domain/model/ref"
)

const markerPath = "/repo/.git/lattice/op-state.json"

func newMarker(t *testing.T, opID string) *opstate.OpState {
	t.Helper()
	p, err := plan.New("track", plan.UpdateRefCas{Ref: ref.MustRefName("refs/heads/feat"), ExpectedOld: oldOid, New: newOid})
	require.NoError(t, err)
	return opstate.New(opID, p, "digest", "/repo", time.Unix(1700000000, 0).UTC())
}

func TestOpStateLifecycle(t *testing.T) {
	ctx := context.Background()
	store := NewOpStateStore(afero.NewMemMapFs(), markerPath)

	st, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Nil(t, st)

	marker := newMarker(t, "op1")
	require.NoError(t, store.Create(ctx, marker))

	err = store.Create(ctx, newMarker(t, "op2"))
	assert.True(t, errors.Is(err, ErrMarkerExists), "second marker must be refused, got %v", err)

	marker.Pause(opstate.AwaitingReason{Kind: opstate.ReasonConflict, Operation: "rebase"}, time.Now().UTC())
	require.NoError(t, store.Save(ctx, marker))

	loaded, err := store.Load(ctx)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, "op1", loaded.OpID)
	assert.True(t, loaded.IsPaused())
	assert.Equal(t, opstate.ReasonConflict, loaded.Awaiting.Kind)
	require.Len(t, loaded.Touched, 1)
	assert.True(t, loaded.Touched[0].Expected.Equals(oldOid))

	require.NoError(t, store.Remove(ctx))
	st, err = store.Load(ctx)
	require.NoError(t, err)
	assert.Nil(t, st)
}

func TestOpStateRejectsInvalidMarkers(t *testing.T) {
	ctx := context.Background()
	afs := afero.NewMemMapFs()
	store := NewOpStateStore(afs, markerPath)

	bad := newMarker(t, "op1")
	bad.Phase = opstate.PhasePaused
	assert.Error(t, store.Save(ctx, bad))

	require.NoError(t, afero.WriteFile(afs, markerPath, []byte(`{"op_id":"x","phase":"executing","extra":true}`), 0o644))
	_, err := store.Load(ctx)
	assert.ErrorIs(t, err, ErrMarkerCorrupt)
}

func TestScannerClassifiesJournals(t *testing.T) {
	ctx := context.Background()
	afs := afero.NewMemMapFs()
	journals := NewJournalStore(afs, opsDir)
	states := NewOpStateStore(afs, markerPath)
	scanner := NewScanner(journals, states)

	res, err := scanner.Scan(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.TotalFound)
	assert.Nil(t, res.Marker)

	require.NoError(t, journals.Create(ctx, "01OLD"))
	require.NoError(t, journals.Create(ctx, "01CUR"))
	require.NoError(t, states.Create(ctx, newMarker(t, "01CUR")))

	res, err = scanner.Scan(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.TotalFound)
	assert.Equal(t, "01CUR", res.Active)
	assert.Equal(t, []string{"01OLD"}, res.Orphaned)
	assert.False(t, res.MissingJournal)

	require.NoError(t, journals.Remove(ctx, "01CUR"))
	res, err = scanner.Scan(ctx)
	require.NoError(t, err)
	assert.True(t, res.MissingJournal)

	require.NoError(t, afero.WriteFile(afs, markerPath, []byte("{not json"), 0o644))
	res, err = scanner.Scan(ctx)
	require.NoError(t, err, "a corrupt marker is reported, not fatal")
	assert.ErrorIs(t, res.MarkerError, ErrMarkerCorrupt)
	assert.Nil(t, res.Marker)
	assert.Empty(t, res.Orphaned)
}
