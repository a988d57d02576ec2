package state

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tari-project/dan-consensus-core/internal/storage"
	"github.com/tari-project/dan-consensus-core/internal/types"
)

func newTestStore(t *testing.T) *PendingSubstateStore {
	t.Helper()
	durable, err := storage.Open(filepath.Join(t.TempDir(), "substates.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { durable.Close() })
	return NewPendingSubstateStore(durable, nil)
}

func TestLockManyGrantsCompatibleReads(t *testing.T) {
	s := newTestStore(t)
	vsid := types.VersionedSubstateID{ID: "acct-1", Version: 1}
	blockA := types.Hash32{0x01}
	blockB := types.Hash32{0x02}

	require.NoError(t, s.LockMany(blockA, types.ZeroHash, []types.LockIntent{{VersionedSubstateID: vsid, Kind: types.LockRead}}))
	require.NoError(t, s.LockMany(blockB, types.ZeroHash, []types.LockIntent{{VersionedSubstateID: vsid, Kind: types.LockRead}}))
}

func TestLockManyRejectsWriteConflict(t *testing.T) {
	s := newTestStore(t)
	vsid := types.VersionedSubstateID{ID: "acct-1", Version: 1}
	blockA := types.Hash32{0x01}
	blockB := types.Hash32{0x02}

	require.NoError(t, s.LockMany(blockA, types.ZeroHash, []types.LockIntent{{VersionedSubstateID: vsid, Kind: types.LockWrite}}))
	err := s.LockMany(blockB, types.ZeroHash, []types.LockIntent{{VersionedSubstateID: vsid, Kind: types.LockWrite}})
	assert.ErrorIs(t, err, ErrLockConflict)
}

func TestLockManyIsAllOrNothing(t *testing.T) {
	s := newTestStore(t)
	free := types.VersionedSubstateID{ID: "acct-free", Version: 1}
	held := types.VersionedSubstateID{ID: "acct-held", Version: 1}
	blockA := types.Hash32{0x01}
	blockB := types.Hash32{0x02}

	require.NoError(t, s.LockMany(blockA, types.ZeroHash, []types.LockIntent{{VersionedSubstateID: held, Kind: types.LockWrite}}))

	err := s.LockMany(blockB, types.ZeroHash, []types.LockIntent{
		{VersionedSubstateID: free, Kind: types.LockWrite},
		{VersionedSubstateID: held, Kind: types.LockWrite},
	})
	assert.ErrorIs(t, err, ErrLockConflict)

	// the free lock must not have been partially granted to blockB
	err = s.LockMany(types.Hash32{0x03}, types.ZeroHash, []types.LockIntent{{VersionedSubstateID: free, Kind: types.LockWrite}})
	assert.NoError(t, err, "a lock conflict must not leave partial grants behind")
}

func TestFinalizeWritesThroughToDurableStore(t *testing.T) {
	s := newTestStore(t)
	blockID := types.Hash32{0x01}
	sub := &types.Substate{SubstateID: "acct-1", Version: 1, Value: []byte("v1")}

	s.PutUp(blockID, types.ZeroHash, sub)
	got, err := s.GetLatest(blockID, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), got.Value)

	require.NoError(t, s.Finalize(blockID))

	persisted, err := s.durable.GetLatestSubstate("acct-1")
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), persisted.Value)

	// the overlay is gone; reads now resolve straight from durable storage
	_, stillOverlayed := s.overlays[blockID]
	assert.False(t, stillOverlayed)
}

func TestDiscardReleasesLocksWithoutPersisting(t *testing.T) {
	s := newTestStore(t)
	blockID := types.Hash32{0x01}
	vsid := types.VersionedSubstateID{ID: "acct-1", Version: 1}
	require.NoError(t, s.LockMany(blockID, types.ZeroHash, []types.LockIntent{{VersionedSubstateID: vsid, Kind: types.LockWrite}}))
	s.PutUp(blockID, types.ZeroHash, &types.Substate{SubstateID: "acct-1", Version: 1, Value: []byte("v1")})

	s.Discard(blockID)

	_, err := s.durable.GetLatestSubstate("acct-1")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	// the lock is released: a new block can take it
	err = s.LockMany(types.Hash32{0x02}, types.ZeroHash, []types.LockIntent{{VersionedSubstateID: vsid, Kind: types.LockWrite}})
	assert.NoError(t, err)
}

func TestGetLatestResolvesThroughParentOverlay(t *testing.T) {
	s := newTestStore(t)
	parent := types.Hash32{0x01}
	child := types.Hash32{0x02}

	s.PutUp(parent, types.ZeroHash, &types.Substate{SubstateID: "acct-1", Version: 1, Value: []byte("from-parent")})
	// child has no write of its own for acct-1, but its overlay chains to parent
	s.overlayFor(child, parent)

	got, err := s.GetLatest(child, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, []byte("from-parent"), got.Value)
}
