// Package epochmgr is the epoch manager seam core consumes (spec.md §3
// "Epoch manager"): current_epoch, committee_for, validator_by_public_key,
// local_committee_info, and a subscription stream of epoch changes. It has
// no teacher analog — the teacher repo never modeled epochs or committee
// membership — so its shape is new, grounded on the teacher's own
// round-robin validator-set idiom (internal/consensus/pos.go's POS) for the
// membership/lookup side and its channel-based manager lifecycle
// (internal/p2p/manager.go) for the subscription side.
package epochmgr

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/tari-project/dan-consensus-core/internal/types"
)

var (
	ErrUnknownEpoch       = errors.New("epochmgr: unknown epoch")
	ErrUnknownShardGroup  = errors.New("epochmgr: unknown shard group for epoch")
	ErrUnknownValidator   = errors.New("epochmgr: public key is not a committee member for epoch")
)

// ValidatorInfo is what the epoch manager knows about one committee member.
type ValidatorInfo struct {
	NodeID    types.NodeID
	PublicKey []byte
	ShardGroup types.ShardGroup
}

// EpochChanged is published on every subscriber's channel when the manager
// advances past an epoch boundary (spec.md §3: "On EpochChanged, the core
// finalizes the outgoing epoch with an end-of-epoch block and initializes
// new cursors for the incoming epoch").
type EpochChanged struct {
	Previous types.Epoch
	Current  types.Epoch
}

// Manager is the narrow interface core depends on. Dynamic dispatch is
// deliberately confined to this and the execution runtime (spec.md §9).
type Manager interface {
	CurrentEpoch() types.Epoch
	CommitteeFor(epoch types.Epoch, shardGroup types.ShardGroup) (types.CommitteeInfo, error)
	ValidatorByPublicKey(epoch types.Epoch, publicKey []byte) (ValidatorInfo, error)
	LocalCommitteeInfo(epoch types.Epoch) (types.CommitteeInfo, error)
	Subscribe() (<-chan EpochChanged, func())
}

type epochSnapshot struct {
	committees map[types.ShardGroup]types.CommitteeInfo
	byPubKey   map[string]ValidatorInfo
}

// StaticManager is a fixed, operator-configured committee table: one
// snapshot per epoch, loaded up front. It never reconfigures within an
// epoch (spec.md §1 Non-goals: "dynamic reconfiguration within an epoch"),
// but AdvanceEpoch lets the host process (the part of the system that actually
// watches epoch boundaries, e.g. a base-layer client) move the table
// forward and notify subscribers.
type StaticManager struct {
	mu            sync.RWMutex
	current       types.Epoch
	localShard    types.ShardGroup
	snapshots     map[types.Epoch]epochSnapshot
	subscribers   map[int]chan EpochChanged
	nextSubID     int
	logger        *zap.Logger
}

// NewStaticManager creates a manager starting at startEpoch, watching
// localShard as this replica's own shard group.
func NewStaticManager(startEpoch types.Epoch, localShard types.ShardGroup, logger *zap.Logger) *StaticManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StaticManager{
		current:     startEpoch,
		localShard:  localShard,
		snapshots:   make(map[types.Epoch]epochSnapshot),
		subscribers: make(map[int]chan EpochChanged),
		logger:      logger.Named("epochmgr"),
	}
}

// LoadEpoch registers the committee membership for epoch, one CommitteeInfo
// per shard group. It is safe to call before or after that epoch becomes
// current.
func (m *StaticManager) LoadEpoch(epoch types.Epoch, committees []types.CommitteeInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := epochSnapshot{
		committees: make(map[types.ShardGroup]types.CommitteeInfo, len(committees)),
		byPubKey:   make(map[string]ValidatorInfo),
	}
	for _, ci := range committees {
		snap.committees[ci.ThisShardGroup] = ci
	}
	m.snapshots[epoch] = snap
}

// RegisterValidator associates a public key with a committee member so
// ValidatorByPublicKey can resolve it. The node must already appear in a
// committee loaded for epoch via LoadEpoch.
func (m *StaticManager) RegisterValidator(epoch types.Epoch, sg types.ShardGroup, id types.NodeID, publicKey []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap, ok := m.snapshots[epoch]
	if !ok {
		return
	}
	snap.byPubKey[string(publicKey)] = ValidatorInfo{NodeID: id, PublicKey: publicKey, ShardGroup: sg}
}

// CurrentEpoch implements Manager.
func (m *StaticManager) CurrentEpoch() types.Epoch {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// CommitteeFor implements Manager.
func (m *StaticManager) CommitteeFor(epoch types.Epoch, shardGroup types.ShardGroup) (types.CommitteeInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	snap, ok := m.snapshots[epoch]
	if !ok {
		return types.CommitteeInfo{}, fmt.Errorf("%w: %d", ErrUnknownEpoch, epoch)
	}
	ci, ok := snap.committees[shardGroup]
	if !ok {
		return types.CommitteeInfo{}, fmt.Errorf("%w: epoch %d shard group %d", ErrUnknownShardGroup, epoch, shardGroup)
	}
	return ci, nil
}

// ValidatorByPublicKey implements Manager.
func (m *StaticManager) ValidatorByPublicKey(epoch types.Epoch, publicKey []byte) (ValidatorInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	snap, ok := m.snapshots[epoch]
	if !ok {
		return ValidatorInfo{}, fmt.Errorf("%w: %d", ErrUnknownEpoch, epoch)
	}
	info, ok := snap.byPubKey[string(publicKey)]
	if !ok {
		return ValidatorInfo{}, fmt.Errorf("%w: epoch %d", ErrUnknownValidator, epoch)
	}
	return info, nil
}

// LocalCommitteeInfo implements Manager, resolving against the shard group
// this replica was constructed to watch.
func (m *StaticManager) LocalCommitteeInfo(epoch types.Epoch) (types.CommitteeInfo, error) {
	return m.CommitteeFor(epoch, m.localShard)
}

// Subscribe implements Manager. The returned channel (buffered to 4)
// receives an EpochChanged for each subsequent AdvanceEpoch call that
// finds room in it; AdvanceEpoch drops the notification when the channel
// is full. The cancel function unsubscribes and closes the channel.
func (m *StaticManager) Subscribe() (<-chan EpochChanged, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextSubID
	m.nextSubID++
	ch := make(chan EpochChanged, 4)
	m.subscribers[id] = ch

	cancel := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if existing, ok := m.subscribers[id]; ok {
			delete(m.subscribers, id)
			close(existing)
		}
	}
	return ch, cancel
}

// AdvanceEpoch moves current forward to next and notifies every subscriber.
// It does not block on slow subscribers: a full channel drops the
// notification rather than stalling the caller, since a missed
// EpochChanged is recoverable by polling CurrentEpoch.
func (m *StaticManager) AdvanceEpoch(next types.Epoch) {
	m.mu.Lock()
	prev := m.current
	m.current = next
	event := EpochChanged{Previous: prev, Current: next}
	subs := make([]chan EpochChanged, 0, len(m.subscribers))
	for _, ch := range m.subscribers {
		subs = append(subs, ch)
	}
	m.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- event:
		default:
			m.logger.Warn("epoch subscriber channel full, dropping notification",
				zap.Uint64("previous_epoch", uint64(prev)), zap.Uint64("current_epoch", uint64(next)))
		}
	}
}

var _ Manager = (*StaticManager)(nil)
