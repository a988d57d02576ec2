package consensus

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tari-project/dan-consensus-core/internal/crypto"
	"github.com/tari-project/dan-consensus-core/internal/mempool"
	"github.com/tari-project/dan-consensus-core/internal/storage"
	"github.com/tari-project/dan-consensus-core/internal/types"
)

func proposerTestStore(t *testing.T) *storage.Store {
	t.Helper()
	st, err := storage.Open(filepath.Join(t.TempDir(), "proposer.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func seedGenesisHighQC(t *testing.T, st *storage.Store) *types.Block {
	t.Helper()
	genesis := types.NewGenesisBlock(1, 0)
	require.NoError(t, st.PutBlock(genesis))

	qc := &types.QuorumCertificate{BlockID: genesis.ID, BlockHeight: 0, Epoch: 1, Decision: types.QuorumAccept}
	qc.SetID()
	require.NoError(t, st.PutQC(qc))
	require.NoError(t, st.UpdateHighQC(types.HighQC{QC: qc}))
	return genesis
}

func TestProposeBuildsBlockOnTopOfHighQC(t *testing.T) {
	st := proposerTestStore(t)
	genesis := seedGenesisHighQC(t, st)

	key, err := crypto.GenerateECDSAKeyPair()
	require.NoError(t, err)
	pool := mempool.NewPool(0, nil)

	p := NewProposer("leader", key, st, pool, nil)
	block, err := p.Propose(ProposeOpts{Epoch: 1, ShardGroup: 0})
	require.NoError(t, err)

	assert.Equal(t, genesis.ID, block.Parent)
	assert.Equal(t, uint64(1), block.Height)
	assert.NotEmpty(t, block.Signature)
	assert.True(t, block.VerifyID())
}

func TestProposeIncludesReadyTransactionsAsPrepareCommands(t *testing.T) {
	st := proposerTestStore(t)
	seedGenesisHighQC(t, st)

	key, err := crypto.GenerateECDSAKeyPair()
	require.NoError(t, err)
	pool := mempool.NewPool(0, nil)
	txID := types.TransactionID{7}
	require.NoError(t, pool.Admit(types.TransactionAtom{ID: txID}, true))

	p := NewProposer("leader", key, st, pool, nil)
	block, err := p.Propose(ProposeOpts{Epoch: 1, ShardGroup: 0})
	require.NoError(t, err)

	require.Len(t, block.Commands, 1)
	assert.Equal(t, types.CommandPrepare, block.Commands[0].Kind)
	assert.Equal(t, txID, block.Commands[0].Atom.ID)
}

func TestProposeDummyBlockCarriesNoCommands(t *testing.T) {
	st := proposerTestStore(t)
	seedGenesisHighQC(t, st)

	key, err := crypto.GenerateECDSAKeyPair()
	require.NoError(t, err)
	pool := mempool.NewPool(0, nil)
	require.NoError(t, pool.Admit(types.TransactionAtom{ID: types.TransactionID{1}}, true))

	p := NewProposer("leader", key, st, pool, nil)
	block, err := p.Propose(ProposeOpts{Epoch: 1, ShardGroup: 0, IsDummy: true})
	require.NoError(t, err)

	assert.True(t, block.IsDummy)
	assert.Empty(t, block.Commands)
}

func TestProposeFailsWhenHighQCBlockUnknown(t *testing.T) {
	st := proposerTestStore(t)
	missing := types.BlockID{0xAB}
	qc := &types.QuorumCertificate{BlockID: missing, BlockHeight: 3, Epoch: 1}
	qc.SetID()
	require.NoError(t, st.PutQC(qc))
	require.NoError(t, st.UpdateHighQC(types.HighQC{QC: qc}))

	key, err := crypto.GenerateECDSAKeyPair()
	require.NoError(t, err)
	p := NewProposer("leader", key, st, mempool.NewPool(0, nil), nil)

	_, err = p.Propose(ProposeOpts{Epoch: 1, ShardGroup: 0})
	kind, ok := ClassifyOf(err)
	require.True(t, ok)
	assert.Equal(t, KindMissingDependency, kind)
}

// advanceToLocalPrepared drives id straight to StageLocalPrepared through
// two legal pending-update cycles, mirroring what a real Prepare then
// LocalPrepared command would have done.
func advanceToLocalPrepared(t *testing.T, pool *mempool.Pool, id types.TransactionID) {
	t.Helper()
	prepareBlock := types.BlockID{0x01, byte(id[0])}
	require.NoError(t, pool.ProposePendingUpdate(id, types.PendingUpdate{
		BlockID: prepareBlock, NewStage: types.StagePrepared, NewDecision: types.DecisionCommit,
	}))
	require.NoError(t, pool.ApplyPendingUpdate(id, prepareBlock))

	localBlock := types.BlockID{0x02, byte(id[0])}
	require.NoError(t, pool.ProposePendingUpdate(id, types.PendingUpdate{
		BlockID: localBlock, NewStage: types.StageLocalPrepared, NewDecision: types.DecisionCommit,
	}))
	require.NoError(t, pool.ApplyPendingUpdate(id, localBlock))
}

func TestProposeResolvesLocalPreparedWithCompleteEvidence(t *testing.T) {
	st := proposerTestStore(t)
	seedGenesisHighQC(t, st)

	key, err := crypto.GenerateECDSAKeyPair()
	require.NoError(t, err)
	pool := mempool.NewPool(0, nil)

	allPrepared := types.TransactionID{8}
	require.NoError(t, pool.Admit(types.TransactionAtom{ID: allPrepared}, false))
	advanceToLocalPrepared(t, pool, allPrepared)
	commit := types.DecisionCommit
	require.NoError(t, pool.MergeEvidence(allPrepared, 0, types.ShardEvidence{Decision: &commit}))

	somePrepared := types.TransactionID{9}
	require.NoError(t, pool.Admit(types.TransactionAtom{ID: somePrepared}, false))
	advanceToLocalPrepared(t, pool, somePrepared)
	abort := types.DecisionAbort
	require.NoError(t, pool.MergeEvidence(somePrepared, 0, types.ShardEvidence{Decision: &commit}))
	require.NoError(t, pool.MergeEvidence(somePrepared, 1, types.ShardEvidence{Decision: &abort}))

	incomplete := types.TransactionID{10}
	require.NoError(t, pool.Admit(types.TransactionAtom{ID: incomplete}, false))
	advanceToLocalPrepared(t, pool, incomplete)

	p := NewProposer("leader", key, st, pool, nil)
	block, err := p.Propose(ProposeOpts{Epoch: 1, ShardGroup: 0})
	require.NoError(t, err)

	byID := make(map[types.TransactionID]types.Command)
	for _, cmd := range block.Commands {
		byID[cmd.Atom.ID] = cmd
	}
	require.Contains(t, byID, allPrepared)
	assert.Equal(t, types.CommandAllPrepared, byID[allPrepared].Kind)
	assert.Equal(t, types.DecisionCommit, byID[allPrepared].Atom.Decision)

	require.Contains(t, byID, somePrepared)
	assert.Equal(t, types.CommandSomePrepared, byID[somePrepared].Kind)
	assert.Equal(t, types.DecisionAbort, byID[somePrepared].Atom.Decision)

	assert.NotContains(t, byID, incomplete)
}

func TestProposeInjectsQueuedForeignProposalsWithIncreasingIndex(t *testing.T) {
	st := proposerTestStore(t)
	seedGenesisHighQC(t, st)

	key, err := crypto.GenerateECDSAKeyPair()
	require.NoError(t, err)
	p := NewProposer("leader", key, st, mempool.NewPool(0, nil), nil)

	foreignBlock := types.BlockID{3}
	p.QueueForeignProposal(2, foreignBlock)

	block, err := p.Propose(ProposeOpts{Epoch: 1, ShardGroup: 0})
	require.NoError(t, err)

	require.Len(t, block.Commands, 1)
	assert.Equal(t, types.CommandForeignProposal, block.Commands[0].Kind)
	assert.Equal(t, uint64(1), block.Commands[0].ForeignProposal.Index)
	assert.Equal(t, uint64(1), block.ForeignIndexes[2])

	p.QueueForeignProposal(2, types.BlockID{4})
	next, err := p.Propose(ProposeOpts{Epoch: 1, ShardGroup: 0})
	require.NoError(t, err)
	require.Len(t, next.Commands, 1)
	assert.Equal(t, uint64(2), next.Commands[0].ForeignProposal.Index)
}
