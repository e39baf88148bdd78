package txn

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YoshitsuguKoike/lattice/internal/domain/model/opstate"
	"github.com/YoshitsuguKoike/lattice/internal/domain/model/ref"
)

const opsDir = "/repo/.git/lattice/ops"

var (
	oldOid = ref.MustOid("1111111111111111111111111111111111111111")
	newOid = ref.MustOid("2222222222222222222222222222222222222222")
)

func entry(seq int, kind opstate.EntryKind) opstate.Entry {
	return opstate.Entry{
		Seq:       seq,
		Kind:      kind,
		Timestamp: time.Unix(1700000000, 0).UTC(),
		Ref:       ref.MustRefName("refs/heads/feat"),
		Old:       oldOid,
		New:       newOid,
	}
}

func TestJournalAppendAndLoad(t *testing.T) {
	ctx := context.Background()
	store := NewJournalStore(afero.NewMemMapFs(), opsDir)

	require.NoError(t, store.Create(ctx, "op1"))
	require.NoError(t, store.Append(ctx, "op1", entry(1, opstate.EntryRefUpdated)))
	require.NoError(t, store.Append(ctx, "op1", entry(2, opstate.EntryStepsComplete)))

	j, err := store.Load(ctx, "op1")
	require.NoError(t, err)
	require.Len(t, j, 2)
	assert.Equal(t, opstate.EntryRefUpdated, j[0].Kind)
	assert.True(t, j[0].New.Equals(newOid))
	assert.True(t, j.Complete())
}

func TestJournalCreateTwiceFails(t *testing.T) {
	ctx := context.Background()
	store := NewJournalStore(afero.NewMemMapFs(), opsDir)

	require.NoError(t, store.Create(ctx, "op1"))
	assert.Error(t, store.Create(ctx, "op1"))
}

func TestJournalAppendWithoutCreate(t *testing.T) {
	store := NewJournalStore(afero.NewMemMapFs(), opsDir)
	err := store.Append(context.Background(), "ghost", entry(1, opstate.EntryCheckpoint))
	assert.True(t, errors.Is(err, ErrJournalNotFound))
}

func TestJournalLoadDropsTornTail(t *testing.T) {
	ctx := context.Background()
	afs := afero.NewMemMapFs()
	store := NewJournalStore(afs, opsDir)

	require.NoError(t, store.Create(ctx, "op1"))
	require.NoError(t, store.Append(ctx, "op1", entry(1, opstate.EntryRefUpdated)))

	f, err := afs.OpenFile(store.path("op1"), os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	_, err = f.Write([]byte(`{"sum":"abc","entry":{"seq":2,"ki`))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	j, err := store.Load(ctx, "op1")
	require.NoError(t, err)
	assert.Len(t, j, 1)
}

func TestJournalLoadRejectsCorruptMiddle(t *testing.T) {
	ctx := context.Background()
	afs := afero.NewMemMapFs()
	store := NewJournalStore(afs, opsDir)

	good, err := encodeRecord(entry(2, opstate.EntryCheckpoint))
	require.NoError(t, err)
	tampered, err := encodeRecord(entry(1, opstate.EntryRefUpdated))
	require.NoError(t, err)
	// flip one hex digit of the stored checksum
	if tampered[8] == 'a' {
		tampered[8] = 'b'
	} else {
		tampered[8] = 'a'
	}

	require.NoError(t, afero.WriteFile(afs, store.path("op1"), append(tampered, good...), 0o644))

	_, err = store.Load(ctx, "op1")
	assert.True(t, errors.Is(err, ErrCorrupt), "got %v", err)
}

func TestJournalListAndRemove(t *testing.T) {
	ctx := context.Background()
	afs := afero.NewMemMapFs()
	store := NewJournalStore(afs, opsDir)

	ids, err := store.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)

	require.NoError(t, store.Create(ctx, "01B"))
	require.NoError(t, store.Create(ctx, "01A"))
	require.NoError(t, afero.WriteFile(afs, opsDir+"/.tmp.01C.jsonl.99", nil, 0o644))

	ids, err = store.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"01A", "01B"}, ids)

	require.NoError(t, store.Remove(ctx, "01A"))
	require.NoError(t, store.Remove(ctx, "01A"))
	_, err = store.Load(ctx, "01A")
	assert.True(t, errors.Is(err, ErrJournalNotFound))
}
