package p2p

import (
	"errors"
	"sync"
	"time"

	libp2ppeer "github.com/libp2p/go-libp2p/core/peer"

	"github.com/tari-project/dan-consensus-core/internal/types"
)

var ErrEmptyPeerID = errors.New("p2p: libp2p peer id cannot be empty")

// Peer is what the transport tracks about one committee member: the
// mapping from its consensus NodeID to its libp2p identity, and enough
// liveness state to drop it from outbound fan-out if it goes quiet.
type Peer struct {
	nodeID   types.NodeID
	libp2pID libp2ppeer.ID

	mu           sync.RWMutex
	lastActivity time.Time
}

// NewPeer builds a Peer entry for a committee member.
func NewPeer(nodeID types.NodeID, libp2pID libp2ppeer.ID) (*Peer, error) {
	if libp2pID == "" {
		return nil, ErrEmptyPeerID
	}
	return &Peer{nodeID: nodeID, libp2pID: libp2pID, lastActivity: time.Now()}, nil
}

// NodeID returns the consensus-level identity of the peer.
func (p *Peer) NodeID() types.NodeID { return p.nodeID }

// LibP2PID returns the peer's transport-level identity, used to open streams.
func (p *Peer) LibP2PID() libp2ppeer.ID { return p.libp2pID }

// Touch records activity from this peer, used for liveness checks.
func (p *Peer) Touch() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastActivity = time.Now()
}

// LastActivity returns the last time Touch was called.
func (p *Peer) LastActivity() time.Time {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastActivity
}

// IsStale reports whether the peer has been silent longer than maxAge.
func (p *Peer) IsStale(maxAge time.Duration) bool {
	return time.Since(p.LastActivity()) > maxAge
}
