package mempool

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tari-project/dan-consensus-core/internal/types"
)

func TestAdmitRejectsDuplicate(t *testing.T) {
	p := NewPool(10, nil)
	atom := types.TransactionAtom{ID: types.Hash32{0x01}}
	require.NoError(t, p.Admit(atom, true))
	assert.ErrorIs(t, p.Admit(atom, true), ErrTransactionExists)
}

func TestAdmitRejectsOverCapacity(t *testing.T) {
	p := NewPool(1, nil)
	require.NoError(t, p.Admit(types.TransactionAtom{ID: types.Hash32{0x01}}, true))
	err := p.Admit(types.TransactionAtom{ID: types.Hash32{0x02}}, true)
	assert.ErrorIs(t, err, ErrPoolCapacityFull)
}

func TestPendingUpdateLifecycle(t *testing.T) {
	p := NewPool(10, nil)
	id := types.Hash32{0x01}
	blockID := types.Hash32{0xAA}
	require.NoError(t, p.Admit(types.TransactionAtom{ID: id}, true))

	require.NoError(t, p.ProposePendingUpdate(id, types.PendingUpdate{BlockID: blockID, NewStage: types.StagePrepared}))
	require.NoError(t, p.ApplyPendingUpdate(id, blockID))

	rec, err := p.Get(id)
	require.NoError(t, err)
	assert.Equal(t, types.StagePrepared, rec.Stage)
	assert.Empty(t, rec.PendingUpdates)
}

func TestProposePendingUpdateRejectsInvalidTransition(t *testing.T) {
	p := NewPool(10, nil)
	id := types.Hash32{0x01}
	require.NoError(t, p.Admit(types.TransactionAtom{ID: id}, true))

	err := p.ProposePendingUpdate(id, types.PendingUpdate{BlockID: types.Hash32{0xAA}, NewStage: types.StageCommitted})
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestAbortIsSticky(t *testing.T) {
	p := NewPool(10, nil)
	id := types.Hash32{0x01}
	blockA := types.Hash32{0xAA}
	blockB := types.Hash32{0xBB}
	require.NoError(t, p.Admit(types.TransactionAtom{ID: id}, true))

	require.NoError(t, p.ProposePendingUpdate(id, types.PendingUpdate{BlockID: blockA, NewStage: types.StageAborted}))
	require.NoError(t, p.ApplyPendingUpdate(id, blockA))

	err := p.ProposePendingUpdate(id, types.PendingUpdate{BlockID: blockB, NewStage: types.StagePrepared})
	assert.ErrorIs(t, err, ErrStickyAbort)
}

func TestDropBranchRemovesOnlyThatBlocksUpdates(t *testing.T) {
	p := NewPool(10, nil)
	id := types.Hash32{0x01}
	blockA := types.Hash32{0xAA}
	blockB := types.Hash32{0xBB}
	require.NoError(t, p.Admit(types.TransactionAtom{ID: id}, true))
	require.NoError(t, p.ProposePendingUpdate(id, types.PendingUpdate{BlockID: blockA, NewStage: types.StagePrepared}))
	require.NoError(t, p.ProposePendingUpdate(id, types.PendingUpdate{BlockID: blockB, NewStage: types.StagePrepared}))

	p.DropBranch(blockA)

	rec, err := p.Get(id)
	require.NoError(t, err)
	require.Len(t, rec.PendingUpdates, 1)
	assert.Equal(t, blockB, rec.PendingUpdates[0].BlockID)
}

func TestReadyForProposalSkipsTerminalStages(t *testing.T) {
	p := NewPool(10, nil)
	newTx := types.Hash32{0x01}
	committedTx := types.Hash32{0x02}
	require.NoError(t, p.Admit(types.TransactionAtom{ID: newTx}, true))
	require.NoError(t, p.Admit(types.TransactionAtom{ID: committedTx}, true))

	p.records[committedTx].Stage = types.StageCommitted

	ready := p.ReadyForProposal(10)
	require.Len(t, ready, 1)
	assert.Equal(t, newTx, ready[0].Transaction.ID)
}

func TestReadyToResolveOnlyReturnsLocalPreparedWithCompleteEvidence(t *testing.T) {
	p := NewPool(10, nil)
	incomplete := types.Hash32{0x01}
	complete := types.Hash32{0x02}
	wrongStage := types.Hash32{0x03}
	require.NoError(t, p.Admit(types.TransactionAtom{ID: incomplete}, false))
	require.NoError(t, p.Admit(types.TransactionAtom{ID: complete}, false))
	require.NoError(t, p.Admit(types.TransactionAtom{ID: wrongStage}, false))

	p.records[incomplete].Stage = types.StageLocalPrepared
	p.records[complete].Stage = types.StageLocalPrepared
	p.records[wrongStage].Stage = types.StagePrepared

	commit := types.DecisionCommit
	require.NoError(t, p.MergeEvidence(complete, 1, types.ShardEvidence{Decision: &commit}))
	require.NoError(t, p.MergeEvidence(wrongStage, 1, types.ShardEvidence{Decision: &commit}))

	ready := p.ReadyToResolve(10)
	require.Len(t, ready, 1)
	assert.Equal(t, complete, ready[0].Transaction.ID)
}

func TestMergeEvidenceIsMonotonic(t *testing.T) {
	p := NewPool(10, nil)
	id := types.Hash32{0x01}
	require.NoError(t, p.Admit(types.TransactionAtom{ID: id}, false))

	commit := types.DecisionCommit
	require.NoError(t, p.MergeEvidence(id, 1, types.ShardEvidence{QCIDs: []types.QCID{{0x01}}, Decision: &commit}))
	require.NoError(t, p.MergeEvidence(id, 1, types.ShardEvidence{QCIDs: []types.QCID{{0x02}}}))

	rec, err := p.Get(id)
	require.NoError(t, err)
	assert.True(t, rec.Transaction.Evidence.AllShardsComplete())
	assert.Len(t, rec.Transaction.Evidence[1].QCIDs, 2)
}
