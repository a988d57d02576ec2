// Package p2p is the committee transport: a libp2p host carrying
// consensus envelopes (internal/wire) between committee members over one
// stream-oriented protocol. It replaces the teacher's raw-TCP
// NetworkManager/Server pair (internal/p2p/{manager,server}.go) with a
// libp2p host, keeping the same start/stop lifecycle and per-peer
// liveness tracking shape.
package p2p

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	libp2ppeer "github.com/libp2p/go-libp2p/core/peer"
	"go.uber.org/zap"

	"github.com/tari-project/dan-consensus-core/internal/types"
	"github.com/tari-project/dan-consensus-core/internal/wire"
)

// ProtocolID identifies the consensus stream protocol on the libp2p host.
const ProtocolID = "/dan-consensus-core/1.0.0"

var (
	ErrTransportAlreadyRunning = errors.New("p2p: transport already running")
	ErrTransportNotRunning     = errors.New("p2p: transport not running")
	ErrUnknownPeer             = errors.New("p2p: unknown committee member")
)

// Transport is the committee-facing send/receive surface core's message
// router (internal/consensus) reads from and writes to. One Transport
// exists per replica.
type Transport struct {
	host   host.Host
	logger *zap.Logger

	mu      sync.RWMutex
	peers   map[types.NodeID]*Peer
	running bool

	inbound chan InboundEnvelope
}

// InboundEnvelope pairs a received envelope with the NodeID it arrived
// from (resolved from the stream's remote libp2p identity), for the
// router to dispatch on.
type InboundEnvelope struct {
	From types.NodeID
	Envelope wire.Envelope
}

// NewTransport builds a libp2p host listening on listenAddrs (multiaddr
// strings, e.g. "/ip4/0.0.0.0/tcp/7600") and registers the consensus
// stream handler.
func NewTransport(listenAddrs []string, logger *zap.Logger) (*Transport, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts := []libp2p.Option{}
	if len(listenAddrs) > 0 {
		opts = append(opts, libp2p.ListenAddrStrings(listenAddrs...))
	}
	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("p2p: create libp2p host: %w", err)
	}

	t := &Transport{
		host:    h,
		logger:  logger.Named("p2p"),
		peers:   make(map[types.NodeID]*Peer),
		inbound: make(chan InboundEnvelope, 256),
	}
	h.SetStreamHandler(ProtocolID, t.handleStream)
	return t, nil
}

// LibP2PID returns this replica's own transport identity, for sharing
// with peers out of band (committee configuration).
func (t *Transport) LibP2PID() libp2ppeer.ID { return t.host.ID() }

// Addrs returns the multiaddrs this host is reachable on.
func (t *Transport) Addrs() []string {
	out := make([]string, 0, len(t.host.Addrs()))
	for _, addr := range t.host.Addrs() {
		out = append(out, addr.String())
	}
	return out
}

// RegisterPeer maps a committee member's NodeID to its libp2p identity and
// address, so Send can later resolve where to dial.
func (t *Transport) RegisterPeer(nodeID types.NodeID, addrInfo libp2ppeer.AddrInfo) error {
	peer, err := NewPeer(nodeID, addrInfo.ID)
	if err != nil {
		return err
	}
	t.host.Peerstore().AddAddrs(addrInfo.ID, addrInfo.Addrs, network.Permanent.TTL())

	t.mu.Lock()
	defer t.mu.Unlock()
	t.peers[nodeID] = peer
	return nil
}

// Start marks the transport ready to serve inbound streams. The libp2p
// host is already listening once NewTransport returns; Start exists to
// mirror the lifecycle the rest of the codebase uses (explicit
// start/stop rather than construction-implies-running).
func (t *Transport) Start() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		return ErrTransportAlreadyRunning
	}
	t.running = true
	t.logger.Info("transport started", zap.String("peer_id", t.host.ID().String()))
	return nil
}

// Stop closes the libp2p host and the inbound channel. No further
// envelopes will be delivered after Stop returns.
func (t *Transport) Stop() error {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return ErrTransportNotRunning
	}
	t.running = false
	t.mu.Unlock()

	close(t.inbound)
	return t.host.Close()
}

// Inbound is the channel the message router drains envelopes from.
func (t *Transport) Inbound() <-chan InboundEnvelope { return t.inbound }

// Send opens a fresh stream to nodeID and writes one framed envelope.
// Consensus envelopes are small and infrequent enough that a stream per
// message, closed immediately after, is simpler than pooling long-lived
// streams per peer.
func (t *Transport) Send(ctx context.Context, nodeID types.NodeID, env wire.Envelope) error {
	t.mu.RLock()
	peer, ok := t.peers[nodeID]
	t.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, nodeID)
	}

	stream, err := t.host.NewStream(ctx, peer.LibP2PID(), ProtocolID)
	if err != nil {
		return fmt.Errorf("p2p: open stream to %s: %w", nodeID, err)
	}
	defer stream.Close()

	if err := wire.WriteFrame(stream, env); err != nil {
		return fmt.Errorf("p2p: send to %s: %w", nodeID, err)
	}
	peer.Touch()
	return nil
}

// Broadcast sends env to every node in members (the caller leaves out any
// node it does not want to reach), logging (not failing) individual send errors — a single
// unreachable committee member must never block the others.
func (t *Transport) Broadcast(ctx context.Context, members []types.NodeID, env wire.Envelope) {
	for _, member := range members {
		if err := t.Send(ctx, member, env); err != nil {
			t.logger.Warn("broadcast send failed", zap.String("peer", string(member)), zap.Error(err))
		}
	}
}

// handleStream reads exactly one envelope per stream, matching Send's
// one-stream-per-message convention, and closes it afterward.
func (t *Transport) handleStream(s network.Stream) {
	defer s.Close()

	env, err := wire.ReadFrame(s)
	if err != nil {
		t.logger.Warn("failed to read inbound frame", zap.Error(err))
		return
	}

	from := t.resolveSender(s.Conn().RemotePeer())
	select {
	case t.inbound <- InboundEnvelope{From: from, Envelope: env}:
	default:
		t.logger.Warn("inbound queue full, dropping envelope", zap.String("from", string(from)), zap.String("type", env.Type.String()))
	}
}

func (t *Transport) resolveSender(id libp2ppeer.ID) types.NodeID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for nodeID, peer := range t.peers {
		if peer.LibP2PID() == id {
			peer.Touch()
			return nodeID
		}
	}
	return types.NodeID(id.String())
}
