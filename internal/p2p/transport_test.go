package p2p

import (
	"context"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tari-project/dan-consensus-core/internal/types"
	"github.com/tari-project/dan-consensus-core/internal/wire"
)

func newLoopbackTransport(t *testing.T) *Transport {
	t.Helper()
	tr, err := NewTransport([]string{"/ip4/127.0.0.1/tcp/0"}, nil)
	require.NoError(t, err)
	require.NoError(t, tr.Start())
	t.Cleanup(func() { _ = tr.Stop() })
	return tr
}

func TestStartTwiceFails(t *testing.T) {
	tr := newLoopbackTransport(t)
	assert.ErrorIs(t, tr.Start(), ErrTransportAlreadyRunning)
}

func TestStopWithoutStartFails(t *testing.T) {
	tr, err := NewTransport([]string{"/ip4/127.0.0.1/tcp/0"}, nil)
	require.NoError(t, err)
	assert.ErrorIs(t, tr.Stop(), ErrTransportNotRunning)
}

func TestSendToUnknownPeerFails(t *testing.T) {
	tr := newLoopbackTransport(t)
	env := wire.NewEnvelope(wire.MsgVote, "self", nil)
	err := tr.Send(context.Background(), types.NodeID("ghost"), env)
	assert.ErrorIs(t, err, ErrUnknownPeer)
}

func TestSendAndReceiveRoundTrips(t *testing.T) {
	a := newLoopbackTransport(t)
	b := newLoopbackTransport(t)

	bAddrs := b.host.Addrs()
	require.NotEmpty(t, bAddrs)
	require.NoError(t, a.RegisterPeer("b", peer.AddrInfo{ID: b.LibP2PID(), Addrs: bAddrs}))

	vote := types.Vote{Epoch: 1, BlockHeight: 2, Sender: "a"}
	payload, err := wire.EncodePayload(wire.VotePayload{Vote: vote})
	require.NoError(t, err)
	env := wire.NewEnvelope(wire.MsgVote, "a", payload)

	require.NoError(t, a.Send(context.Background(), "b", env))

	select {
	case got := <-b.Inbound():
		assert.Equal(t, wire.MsgVote, got.Envelope.Type)
		var decoded wire.VotePayload
		require.NoError(t, wire.DecodePayload(got.Envelope.Payload, &decoded))
		assert.Equal(t, vote.BlockHeight, decoded.Vote.BlockHeight)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for inbound envelope")
	}
}

func TestBroadcastSkipsUnreachablePeersWithoutFailing(t *testing.T) {
	tr := newLoopbackTransport(t)
	env := wire.NewEnvelope(wire.MsgNewView, "self", nil)
	assert.NotPanics(t, func() {
		tr.Broadcast(context.Background(), []types.NodeID{"ghost-1", "ghost-2"}, env)
	})
}
