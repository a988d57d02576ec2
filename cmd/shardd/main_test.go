package main

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tari-project/dan-consensus-core/internal/config"
	"github.com/tari-project/dan-consensus-core/internal/p2p"
	"github.com/tari-project/dan-consensus-core/internal/storage"
	"github.com/tari-project/dan-consensus-core/internal/types"
)

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "shard.db")
	s, err := storage.Open(path, nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestEnsureGenesisCreatesOnFirstCall(t *testing.T) {
	store := openTestStore(t)

	genesis, err := ensureGenesis(store, types.Epoch(1), types.ShardGroup(0))
	require.NoError(t, err)
	assert.True(t, genesis.IsGenesis())
	assert.Equal(t, types.Epoch(1), genesis.Epoch)
	assert.Equal(t, types.ShardGroup(0), genesis.ShardGroup)

	leaf, err := store.GetLeafBlock()
	require.NoError(t, err)
	assert.Equal(t, genesis.ID, leaf.BlockID)

	highQC, err := store.GetHighQC()
	require.NoError(t, err)
	assert.Equal(t, genesis.ID, highQC.QC.BlockID)
}

func TestEnsureGenesisIsIdempotent(t *testing.T) {
	store := openTestStore(t)

	first, err := ensureGenesis(store, types.Epoch(1), types.ShardGroup(0))
	require.NoError(t, err)

	second, err := ensureGenesis(store, types.Epoch(1), types.ShardGroup(0))
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
}

func TestBuildCommitteesGroupsByShardGroup(t *testing.T) {
	cfg := &config.Config{
		Validators: []config.Validator{
			{NodeID: "node-a", ShardGroup: 0},
			{NodeID: "node-b", ShardGroup: 0},
			{NodeID: "node-c", ShardGroup: 1},
		},
		NumCommittees: 2,
	}

	committees := buildCommittees(cfg)
	require.Len(t, committees, 2)

	byGroup := make(map[types.ShardGroup]types.CommitteeInfo)
	for _, c := range committees {
		byGroup[c.ThisShardGroup] = c
	}

	assert.ElementsMatch(t, []types.NodeID{"node-a", "node-b"}, byGroup[0].Members)
	assert.Equal(t, uint32(2), byGroup[0].CommitteeSize)
	assert.ElementsMatch(t, []types.NodeID{"node-c"}, byGroup[1].Members)
	assert.Equal(t, uint32(2), byGroup[1].NumCommittees)
}

func newLoopbackTransport(t *testing.T) *p2p.Transport {
	t.Helper()
	tr, err := p2p.NewTransport([]string{"/ip4/127.0.0.1/tcp/0"}, nil)
	require.NoError(t, err)
	require.NoError(t, tr.Start())
	t.Cleanup(func() { _ = tr.Stop() })
	return tr
}

func TestRegisterPeersSkipsSelfAndEmptyAddrs(t *testing.T) {
	tr := newLoopbackTransport(t)
	validators := []config.Validator{
		{NodeID: "self"},
		{NodeID: "no-addr"},
	}

	err := registerPeers(tr, types.NodeID("self"), validators)
	require.NoError(t, err)
}

func TestRegisterPeersRejectsUnparseableAddr(t *testing.T) {
	tr := newLoopbackTransport(t)
	validators := []config.Validator{
		{NodeID: "peer-a", PeerAddr: "not-a-multiaddr"},
	}

	err := registerPeers(tr, types.NodeID("self"), validators)
	assert.Error(t, err)
}

func TestRegisterPeersRegistersValidPeer(t *testing.T) {
	tr := newLoopbackTransport(t)
	remote := newLoopbackTransport(t)

	validators := []config.Validator{
		{NodeID: "peer-a", PeerAddr: remoteAddrString(t, remote)},
	}

	err := registerPeers(tr, types.NodeID("self"), validators)
	require.NoError(t, err)
}

func remoteAddrString(t *testing.T, tr *p2p.Transport) string {
	t.Helper()
	addrs := tr.Addrs()
	require.NotEmpty(t, addrs)
	return addrs[0] + "/p2p/" + tr.LibP2PID().String()
}
