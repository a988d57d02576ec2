package storage

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tari-project/dan-consensus-core/internal/types"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "store.db")
	s, err := Open(path, nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPutAndGetBlock(t *testing.T) {
	s := openTestStore(t)
	genesis := types.NewGenesisBlock(1, 0)

	require.NoError(t, s.PutBlock(genesis))

	got, err := s.GetBlock(genesis.ID)
	require.NoError(t, err)
	assert.Equal(t, genesis.ID, got.ID)
	assert.True(t, got.IsGenesis())

	fromIndex, err := s.GetGenesisForEpoch(1, 0)
	require.NoError(t, err)
	assert.Equal(t, genesis.ID, fromIndex.ID)
}

func TestGetBlockNotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.GetBlock(types.Hash32{0xFF})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetBlocksByParent(t *testing.T) {
	s := openTestStore(t)
	genesis := types.NewGenesisBlock(1, 0)
	require.NoError(t, s.PutBlock(genesis))

	child := &types.Block{Parent: genesis.ID, Height: 1, Epoch: 1, ShardGroup: 0}
	child.SetID()
	require.NoError(t, s.PutBlock(child))

	children, err := s.GetBlocksByParent(genesis.ID)
	require.NoError(t, err)
	require.Len(t, children, 1)
	assert.Equal(t, child.ID, children[0].ID)
}

func TestSaveVoteDetectsEquivocation(t *testing.T) {
	s := openTestStore(t)
	v := &types.Vote{BlockID: types.Hash32{0x01}, Sender: "replica-a", Decision: types.QuorumAccept}

	existed, err := s.SaveVote(v)
	require.NoError(t, err)
	assert.False(t, existed)

	existed, err = s.SaveVote(v)
	require.NoError(t, err)
	assert.True(t, existed, "a second vote from the same sender on the same block must be flagged")

	count, err := s.CountVotesForBlock(v.BlockID, types.QuorumAccept)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestCursorRoundTrip(t *testing.T) {
	s := openTestStore(t)

	_, err := s.GetHighQC()
	assert.ErrorIs(t, err, ErrNotFound)

	qc := &types.QuorumCertificate{BlockID: types.Hash32{0x02}, BlockHeight: 3}
	require.NoError(t, s.UpdateHighQC(types.HighQC{QC: qc}))

	got, err := s.GetHighQC()
	require.NoError(t, err)
	assert.Equal(t, qc.BlockHeight, got.QC.BlockHeight)
}

func TestAdvanceLeafBlockNeverRegresses(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.AdvanceLeafBlock(types.LeafBlock{BlockID: types.Hash32{0x01}, Height: 5}))
	require.NoError(t, s.AdvanceLeafBlock(types.LeafBlock{BlockID: types.Hash32{0x02}, Height: 3}))

	leaf, err := s.GetLeafBlock()
	require.NoError(t, err)
	assert.Equal(t, types.Hash32{0x01}, leaf.BlockID, "a lower-height candidate must not overwrite a higher leaf")
	assert.Equal(t, uint64(5), leaf.Height)

	require.NoError(t, s.AdvanceLeafBlock(types.LeafBlock{BlockID: types.Hash32{0x03}, Height: 6}))
	leaf, err = s.GetLeafBlock()
	require.NoError(t, err)
	assert.Equal(t, types.Hash32{0x03}, leaf.BlockID)
	assert.Equal(t, uint64(6), leaf.Height)
}

func TestLastVotedCursorRoundTrip(t *testing.T) {
	s := openTestStore(t)

	_, err := s.GetLastVoted()
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.UpdateLastVoted(types.LastVoted{BlockID: types.Hash32{0x07}, Height: 4}))

	got, err := s.GetLastVoted()
	require.NoError(t, err)
	assert.Equal(t, uint64(4), got.Height)
	assert.Equal(t, types.Hash32{0x07}, got.BlockID)
}

func TestSubstateLatestVersionTracking(t *testing.T) {
	s := openTestStore(t)

	v1 := &types.Substate{SubstateID: "acct-1", Version: 1, Value: []byte("v1")}
	v2 := &types.Substate{SubstateID: "acct-1", Version: 2, Value: []byte("v2")}
	require.NoError(t, s.PutSubstate(v1))
	require.NoError(t, s.PutSubstate(v2))

	latest, err := s.GetLatestSubstate("acct-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), latest.Version)

	old, err := s.GetSubstateVersion("acct-1", 1)
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), old.Value)
}

func TestTransactionPoolUpsertAndRemove(t *testing.T) {
	s := openTestStore(t)
	txID := types.Hash32{0x03}
	tr := &types.TransactionRecord{Transaction: types.TransactionAtom{ID: txID}, Stage: types.StageNew}

	require.NoError(t, s.UpsertTransaction(tr))
	got, err := s.GetTransaction(txID)
	require.NoError(t, err)
	assert.Equal(t, types.StageNew, got.Stage)

	require.NoError(t, s.RemoveTransaction(txID))
	_, err = s.GetTransaction(txID)
	assert.ErrorIs(t, err, ErrNotFound)
}
