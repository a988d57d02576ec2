package consensus

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tari-project/dan-consensus-core/internal/crypto"
	"github.com/tari-project/dan-consensus-core/internal/epochmgr"
	"github.com/tari-project/dan-consensus-core/internal/mempool"
	"github.com/tari-project/dan-consensus-core/internal/network"
	"github.com/tari-project/dan-consensus-core/internal/p2p"
	"github.com/tari-project/dan-consensus-core/internal/state"
	"github.com/tari-project/dan-consensus-core/internal/storage"
	"github.com/tari-project/dan-consensus-core/internal/types"
	"github.com/tari-project/dan-consensus-core/internal/wire"
)

// fakeTransport is an in-memory Transport double: Send/Broadcast just
// record what they were asked to do, and tests feed inbound envelopes
// straight into the engine's handlers rather than through Inbound().
type fakeTransport struct {
	mu         sync.Mutex
	inbound    chan p2p.InboundEnvelope
	sent       []sentEnvelope
	broadcasts []broadcastCall
}

type sentEnvelope struct {
	to  types.NodeID
	env wire.Envelope
}

type broadcastCall struct {
	members []types.NodeID
	env     wire.Envelope
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{inbound: make(chan p2p.InboundEnvelope, 16)}
}

func (f *fakeTransport) Send(_ context.Context, nodeID types.NodeID, env wire.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentEnvelope{to: nodeID, env: env})
	return nil
}

func (f *fakeTransport) Broadcast(_ context.Context, members []types.NodeID, env wire.Envelope) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broadcasts = append(f.broadcasts, broadcastCall{members: append([]types.NodeID(nil), members...), env: env})
}

func (f *fakeTransport) Inbound() <-chan p2p.InboundEnvelope { return f.inbound }

func (f *fakeTransport) sentTo(to types.NodeID, mt wire.MessageType) []sentEnvelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []sentEnvelope
	for _, s := range f.sent {
		if s.to == to && s.env.Type == mt {
			out = append(out, s)
		}
	}
	return out
}

// engineFixture wires a full single-replica stack (store, pool, pending
// overlay, committee, pacemaker, proposer, vote collector, commit rule,
// syncer/responder) around a fakeTransport, for exercising Engine's
// unexported handlers directly and deterministically.
type engineFixture struct {
	self      types.NodeID
	peer      types.NodeID
	keys      map[types.NodeID]*ecdsa.PrivateKey
	store     *storage.Store
	pool      *mempool.Pool
	pending   *state.PendingSubstateStore
	foreign   *ForeignProposalProcessor
	committee types.CommitteeInfo
	genesis   *types.Block
	genesisQC *types.QuorumCertificate
	epochs    *epochmgr.StaticManager
	pacemaker *Pacemaker
	proposer  *Proposer
	votes     *VoteCollector
	validator *ProposalValidator
	commit    *CommitRule
	transport *fakeTransport
	engine    *Engine

	mu      sync.Mutex
	events  []BlockCommittedEvent
}

func (f *engineFixture) recordCommit(ev BlockCommittedEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
}

func (f *engineFixture) committedEvents() []BlockCommittedEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]BlockCommittedEvent(nil), f.events...)
}

// newEngineFixture builds a committee of n members and designates the
// member that is NOT the leader at view 1 as this fixture's own replica
// (self), so single-member callers get the only member and two-member
// callers get a deterministic peer to receive proposals from.
func newEngineFixture(t *testing.T, n int) *engineFixture {
	t.Helper()
	st, err := storage.Open(filepath.Join(t.TempDir(), "engine.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	members := make([]types.NodeID, n)
	keys := make(map[types.NodeID]*ecdsa.PrivateKey, n)
	for i := 0; i < n; i++ {
		key, err := crypto.GenerateECDSAKeyPair()
		require.NoError(t, err)
		pubBytes, err := crypto.SerializePublicKeyToBytes(&key.PublicKey)
		require.NoError(t, err)
		id := types.NodeID(hex.EncodeToString(pubBytes))
		members[i] = id
		keys[id] = key
	}
	committee := types.CommitteeInfo{NumCommittees: 1, CommitteeSize: uint32(n), ThisShardGroup: 0, Members: members}

	self := members[0]
	peer := types.NodeID("")
	if n > 1 {
		leaderAtHeightOne := LeaderForView(committee, 0, 1)
		self = members[0]
		if self == leaderAtHeightOne {
			self = members[1]
		}
		for _, m := range members {
			if m != self {
				peer = m
				break
			}
		}
	}

	genesis := types.NewGenesisBlock(1, 0)
	require.NoError(t, st.PutBlock(genesis))
	genesisQC := types.GenesisQC(genesis)
	require.NoError(t, st.PutQC(genesisQC))
	require.NoError(t, st.UpdateHighQC(types.HighQC{QC: genesisQC}))
	require.NoError(t, st.UpdateLeafBlock(types.LeafBlock{BlockID: genesis.ID, Height: 0}))

	epochs := epochmgr.NewStaticManager(1, 0, nil)
	epochs.LoadEpoch(1, []types.CommitteeInfo{committee})

	pool := mempool.NewPool(0, nil)
	pending := state.NewPendingSubstateStore(st, nil)
	foreign := NewForeignProposalProcessor(pool, nil)
	committeeFor := func(epoch types.Epoch) (types.CommitteeInfo, error) { return epochs.CommitteeFor(epoch, 0) }

	pm := NewPacemaker(clock.NewMock(), time.Second, nil)
	pm.Reset(1, 0, committee, 1)

	proposer := NewProposer(self, keys[self], st, pool, nil)
	votes := NewVoteCollector(st, committeeFor, nil)
	validator := NewProposalValidator(self, keys[self], st, pending, pool, &stubExecutor{}, &stubTransactionSource{}, committeeFor, foreign, nil)

	f := &engineFixture{
		self: self, peer: peer, keys: keys, store: st, pool: pool, pending: pending,
		foreign: foreign, committee: committee, genesis: genesis, genesisQC: genesisQC,
		epochs: epochs, pacemaker: pm, proposer: proposer, votes: votes, validator: validator,
	}
	f.commit = NewCommitRule(st, pending, pool, pm, f.recordCommit, nil)
	f.transport = newFakeTransport()

	f.engine = NewEngine(EngineParams{
		Self:       self,
		ShardGroup: 0,
		Epochs:     epochs,
		Transport:  f.transport,
		Store:      st,
		Validator:  validator,
		Votes:      votes,
		Foreign:    foreign,
		Proposer:   proposer,
		Pacemaker:  pm,
		CommitRule: f.commit,
		Syncer:     network.NewSyncer(self, f.transport, st, nil),
		Responder:  network.NewResponder(self, f.transport, st, nil),
	})
	return f
}

func TestEngineSingleMemberCommitteeProposesVotesAndCommits(t *testing.T) {
	f := newEngineFixture(t, 1)
	ctx := context.Background()

	// The three-chain rule (spec.md §4.4) needs chains of QCs: round 1 only
	// extends HighQC, round 2 commits genesis and locks block 1, round 3
	// commits block 1 and locks block 2.
	f.engine.tryPropose(ctx)
	f.engine.tryPropose(ctx)
	f.engine.tryPropose(ctx)

	events := f.committedEvents()
	require.Len(t, events, 2)
	assert.Equal(t, f.genesis.ID, events[0].BlockID)

	locked, err := f.store.GetLockedBlock()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), locked.Height)

	lastExecuted, err := f.store.GetLastExecuted()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), lastExecuted.Height)

	highQC, err := f.store.GetHighQC()
	require.NoError(t, err)
	assert.Equal(t, uint64(3), highQC.QC.BlockHeight)

	leaf, err := f.store.GetLeafBlock()
	require.NoError(t, err)
	assert.Equal(t, uint64(3), leaf.Height, "accepting each proposal should advance the leaf cursor past genesis")
}

func TestEngineTryProposeSkipsWhenNotLeaderForCurrentView(t *testing.T) {
	f := newEngineFixture(t, 2)
	ctx := context.Background()
	// newEngineFixture already picked self as the non-leader at view 1,
	// and pacemaker.Reset left the pacemaker at view 1.
	f.engine.tryPropose(ctx)

	f.transport.mu.Lock()
	broadcastCount := len(f.transport.broadcasts)
	f.transport.mu.Unlock()
	assert.Zero(t, broadcastCount)

	highQC, err := f.store.GetHighQC()
	require.NoError(t, err)
	assert.Equal(t, f.genesis.ID, highQC.QC.BlockID)
}

// signBlock finalizes block's id and signature using signingKey, mirroring
// buildBlock in validator_test.go.
func signBlock(t *testing.T, signingKey *ecdsa.PrivateKey, block *types.Block) {
	t.Helper()
	types.SortCommands(block.Commands)
	block.SetID()
	sig, err := crypto.SignDigest(signingKey, block.ID[:])
	require.NoError(t, err)
	block.Signature = sig
}

func TestEngineHandleProposalFromPeerValidatesAndCastsVote(t *testing.T) {
	f := newEngineFixture(t, 2)
	ctx := context.Background()

	block := &types.Block{
		Parent:         f.genesis.ID,
		Justify:        f.genesisQC,
		Height:         1,
		Epoch:          1,
		ShardGroup:     0,
		ProposedBy:     f.peer,
		ForeignIndexes: map[types.ShardGroup]uint64{},
		Timestamp:      1,
	}
	signBlock(t, f.keys[f.peer], block)

	payload, err := wire.EncodePayload(wire.ProposalPayload{Block: *block})
	require.NoError(t, err)
	env := wire.NewEnvelope(wire.MsgProposal, f.peer, payload)

	f.engine.handleProposal(ctx, env)

	stored, err := f.store.GetBlock(block.ID)
	require.NoError(t, err)
	assert.Equal(t, block.Height, stored.Height)

	count, err := f.store.CountVotesForBlock(block.ID, types.QuorumAccept)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestEngineHandleVoteFormsQuorumCertificateAtThreshold(t *testing.T) {
	f := newEngineFixture(t, 2)
	ctx := context.Background()
	_ = ctx

	block := &types.Block{
		Parent:         f.genesis.ID,
		Justify:        f.genesisQC,
		Height:         1,
		Epoch:          1,
		ShardGroup:     0,
		ProposedBy:     f.peer,
		ForeignIndexes: map[types.ShardGroup]uint64{},
		Timestamp:      1,
	}
	signBlock(t, f.keys[f.peer], block)
	require.NoError(t, f.store.PutBlock(block))

	voteA := types.Vote{Epoch: 1, BlockID: block.ID, BlockHeight: block.Height, Decision: types.QuorumAccept, Sender: f.self}
	voteB := types.Vote{Epoch: 1, BlockID: block.ID, BlockHeight: block.Height, Decision: types.QuorumAccept, Sender: f.peer}

	f.engine.processVote(voteA)
	highQC, err := f.store.GetHighQC()
	require.NoError(t, err)
	assert.Equal(t, f.genesis.ID, highQC.QC.BlockID, "quorum threshold 2 must not form on a single vote")

	f.engine.processVote(voteB)
	highQC, err = f.store.GetHighQC()
	require.NoError(t, err)
	assert.Equal(t, block.ID, highQC.QC.BlockID)
}

func TestEngineHandleForeignProposalMergesEvidenceAndQueuesAcknowledgement(t *testing.T) {
	f := newEngineFixture(t, 1)
	ctx := context.Background()

	txID := types.TransactionID{7}
	require.NoError(t, f.pool.Admit(types.TransactionAtom{ID: txID}, false))

	commit := types.DecisionCommit
	foreignBlock := &types.Block{
		Height:     1,
		Epoch:      1,
		ShardGroup: 1,
		Commands: []types.Command{
			{Kind: types.CommandAccept, Atom: types.TransactionAtom{ID: txID, Decision: commit}},
		},
		ForeignIndexes: map[types.ShardGroup]uint64{},
	}
	foreignBlock.SetID()

	payload, err := wire.EncodePayload(wire.ForeignProposalPayload{Block: *foreignBlock})
	require.NoError(t, err)
	env := wire.NewEnvelope(wire.MsgForeignProposal, types.NodeID("remote"), payload)

	f.engine.handleForeignProposal(ctx, env)

	rec, err := f.pool.Get(txID)
	require.NoError(t, err)
	require.Contains(t, rec.Transaction.Evidence, types.ShardGroup(1))
	require.NotNil(t, rec.Transaction.Evidence[1].Decision)
	assert.Equal(t, types.DecisionCommit, *rec.Transaction.Evidence[1].Decision)

	next, err := f.proposer.Propose(ProposeOpts{Epoch: 1, ShardGroup: 0})
	require.NoError(t, err)
	var found bool
	for _, cmd := range next.Commands {
		if cmd.Kind == types.CommandForeignProposal && cmd.ForeignProposal.ShardGroup == 1 {
			found = true
			assert.Equal(t, uint64(1), cmd.ForeignProposal.Index)
		}
	}
	assert.True(t, found, "expected a ForeignProposal command acknowledging shard 1's block")
}

func TestEngineHandleNewViewBeatsWhenSelfIsNamedLeader(t *testing.T) {
	f := newEngineFixture(t, 2)
	ctx := context.Background()

	var selfView types.View
	for v := types.View(1); v < 50; v++ {
		if LeaderForView(f.committee, 0, v) == f.self {
			selfView = v
			break
		}
	}
	require.NotZero(t, selfView, "expected to find a view where self leads in a 2-member committee")

	payload, err := wire.EncodePayload(wire.NewViewPayload{Epoch: 1, View: selfView, HighQC: *f.genesisQC})
	require.NoError(t, err)
	env := wire.NewEnvelope(wire.MsgNewView, f.peer, payload)

	f.engine.handleNewView(ctx, env)

	select {
	case <-f.pacemaker.Beats():
	default:
		t.Fatal("expected a pending beat after a NewView naming self as leader")
	}
}

func TestEngineHandleTimeoutRelaysNewViewToNextLeader(t *testing.T) {
	f := newEngineFixture(t, 2)
	ctx := context.Background()

	f.engine.handleTimeout(ctx)

	nextLeader := f.pacemaker.LeaderFor(f.pacemaker.CurrentView())
	if nextLeader == f.self {
		select {
		case <-f.pacemaker.Beats():
		default:
			t.Fatal("expected a pending beat when the timeout names self as next leader")
		}
		return
	}

	sent := f.transport.sentTo(nextLeader, wire.MsgNewView)
	require.Len(t, sent, 1)
	var decoded wire.NewViewPayload
	require.NoError(t, wire.DecodePayload(sent[0].env.Payload, &decoded))
	assert.Equal(t, f.pacemaker.CurrentView(), decoded.View)
}

func TestEngineDispatchRoutesSyncRequestAndResponse(t *testing.T) {
	f := newEngineFixture(t, 2)
	ctx := context.Background()

	reqPayload, err := wire.EncodePayload(wire.SyncRequestPayload{FromBlockID: f.genesis.ID})
	require.NoError(t, err)
	reqEnv := wire.NewEnvelope(wire.MsgSyncRequest, f.peer, reqPayload)
	f.engine.dispatch(ctx, p2p.InboundEnvelope{From: f.peer, Envelope: reqEnv})

	sent := f.transport.sentTo(f.peer, wire.MsgSyncResponse)
	require.Len(t, sent, 1)

	var resp wire.SyncResponsePayload
	require.NoError(t, wire.DecodePayload(sent[0].env.Payload, &resp))
	assert.True(t, resp.Final, "no blocks beyond genesis exist yet, responder should answer with an empty final response")
}
