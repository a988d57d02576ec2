// Package state holds the substate lock table and per-block pending
// overlay that sit in front of the durable substate store (spec.md §3,
// §4.4 "Locking and the pending overlay"). It is the in-memory
// counterpart to internal/storage.Store: substates only become durable
// once the block that produced them commits.
package state

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/tari-project/dan-consensus-core/internal/storage"
	"github.com/tari-project/dan-consensus-core/internal/types"
)

var (
	ErrLockConflict     = errors.New("state: lock conflict")
	ErrSubstateNotFound = errors.New("state: substate not found")
	ErrUnknownOverlay   = errors.New("state: no pending overlay for block")
)

// heldLock records which block currently holds a lock on a versioned
// substate id, so a later conflicting request can be rejected and
// attributed.
type heldLock struct {
	blockID types.BlockID
	kind    types.LockKind
}

// blockOverlay is the set of writes and locks a single, not-yet-committed
// block has proposed.
type blockOverlay struct {
	parent types.BlockID
	locks  []types.LockIntent
	writes map[types.SubstateID]*types.Substate
}

// PendingSubstateStore is the lock table plus per-block write overlay
// every replica keeps while blocks are proposed but not yet committed.
// Reads resolve against the overlay chain first, then fall through to the
// durable store; locks held by a live overlay block other transactions
// proposed substates must respect until that block commits or is
// discarded (spec.md §4.4 "Lock compatibility").
type PendingSubstateStore struct {
	mu       sync.Mutex
	durable  *storage.Store
	overlays map[types.BlockID]*blockOverlay
	locks    map[types.VersionedSubstateID][]heldLock
	logger   *zap.Logger
}

// NewPendingSubstateStore constructs a lock table backed by durable.
func NewPendingSubstateStore(durable *storage.Store, logger *zap.Logger) *PendingSubstateStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PendingSubstateStore{
		durable:  durable,
		overlays: make(map[types.BlockID]*blockOverlay),
		locks:    make(map[types.VersionedSubstateID][]heldLock),
		logger:   logger.Named("substate_store"),
	}
}

// LockMany attempts to grant every lock in intents to blockID atomically:
// either all succeed, or none are granted and ErrLockConflict is returned.
// Read locks are mutually compatible; any other combination on the same
// versioned substate id conflicts (spec.md §3 "Lock compatibility").
func (p *PendingSubstateStore) LockMany(blockID, parent types.BlockID, intents []types.LockIntent) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, intent := range intents {
		for _, held := range p.locks[intent.VersionedSubstateID] {
			if held.blockID == blockID {
				continue
			}
			if !held.kind.Compatible(intent.Kind) {
				p.logger.Debug("lock conflict",
					zap.String("block_id", blockID.String()),
					zap.String("holder", held.blockID.String()),
					zap.String("substate_id", string(intent.VersionedSubstateID.ID)),
				)
				return fmt.Errorf("%w: substate %s version %d held by block %s",
					ErrLockConflict, intent.VersionedSubstateID.ID, intent.VersionedSubstateID.Version, held.blockID)
			}
		}
	}

	overlay := p.overlays[blockID]
	if overlay == nil {
		overlay = &blockOverlay{parent: parent, writes: make(map[types.SubstateID]*types.Substate)}
		p.overlays[blockID] = overlay
	}
	overlay.locks = append(overlay.locks, intents...)
	for _, intent := range intents {
		p.locks[intent.VersionedSubstateID] = append(p.locks[intent.VersionedSubstateID], heldLock{blockID: blockID, kind: intent.Kind})
	}
	return nil
}

// PutUp records a newly created substate in blockID's overlay.
func (p *PendingSubstateStore) PutUp(blockID, parent types.BlockID, sub *types.Substate) {
	p.mu.Lock()
	defer p.mu.Unlock()
	overlay := p.overlayFor(blockID, parent)
	sub.IsDown = false
	overlay.writes[sub.SubstateID] = sub
}

// PutDown records a substate destruction in blockID's overlay.
func (p *PendingSubstateStore) PutDown(blockID, parent types.BlockID, sub *types.Substate) {
	p.mu.Lock()
	defer p.mu.Unlock()
	overlay := p.overlayFor(blockID, parent)
	sub.IsDown = true
	overlay.writes[sub.SubstateID] = sub
}

func (p *PendingSubstateStore) overlayFor(blockID, parent types.BlockID) *blockOverlay {
	overlay := p.overlays[blockID]
	if overlay == nil {
		overlay = &blockOverlay{parent: parent, writes: make(map[types.SubstateID]*types.Substate)}
		p.overlays[blockID] = overlay
	}
	return overlay
}

// GetLatest resolves id against blockID's overlay chain (blockID, its
// parent's overlay, and so on) before falling through to the durable
// store.
func (p *PendingSubstateStore) GetLatest(blockID types.BlockID, id types.SubstateID) (*types.Substate, error) {
	p.mu.Lock()
	cur := blockID
	for {
		overlay, ok := p.overlays[cur]
		if !ok {
			break
		}
		if sub, ok := overlay.writes[id]; ok {
			p.mu.Unlock()
			return sub, nil
		}
		cur = overlay.parent
	}
	p.mu.Unlock()

	sub, err := p.durable.GetLatestSubstate(id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrSubstateNotFound, id)
		}
		return nil, err
	}
	return sub, nil
}

// Finalize applies blockID's overlay writes to the durable store and
// drops the overlay (and its locks). Called once blockID commits
// (spec.md §4.5 "Commit applies pool and substate writes atomically").
func (p *PendingSubstateStore) Finalize(blockID types.BlockID) error {
	p.mu.Lock()
	overlay, ok := p.overlays[blockID]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownOverlay, blockID)
	}
	writes := make([]*types.Substate, 0, len(overlay.writes))
	for _, sub := range overlay.writes {
		writes = append(writes, sub)
	}
	p.releaseLocked(blockID, overlay)
	p.mu.Unlock()

	for _, sub := range writes {
		if err := p.durable.PutSubstate(sub); err != nil {
			return fmt.Errorf("state: finalize block %s: %w", blockID, err)
		}
	}
	return nil
}

// Discard drops blockID's overlay and releases its locks without
// persisting anything, used when a sibling branch is abandoned
// (spec.md §4.5).
func (p *PendingSubstateStore) Discard(blockID types.BlockID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	overlay, ok := p.overlays[blockID]
	if !ok {
		return
	}
	p.releaseLocked(blockID, overlay)
}

// releaseLocked removes blockID's overlay and every lock it holds. Caller
// must hold p.mu.
func (p *PendingSubstateStore) releaseLocked(blockID types.BlockID, overlay *blockOverlay) {
	for _, intent := range overlay.locks {
		held := p.locks[intent.VersionedSubstateID]
		out := held[:0]
		for _, h := range held {
			if h.blockID != blockID {
				out = append(out, h)
			}
		}
		if len(out) == 0 {
			delete(p.locks, intent.VersionedSubstateID)
		} else {
			p.locks[intent.VersionedSubstateID] = out
		}
	}
	delete(p.overlays, blockID)
}
