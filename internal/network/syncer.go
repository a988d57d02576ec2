// Package network is the catch-up sync path: when a replica's leaf block
// is behind a peer's, it asks that peer to stream everything after its
// last known block id (spec.md §6 SyncRequest/SyncResponse). It adapts
// the teacher's internal/network Syncer — a height-diff GetStatus/
// GetBlocks exchange over raw TCP/protobuf — to block-id-addressed
// requests carried over internal/wire envelopes and internal/p2p's
// libp2p transport.
package network

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tari-project/dan-consensus-core/internal/p2p"
	"github.com/tari-project/dan-consensus-core/internal/storage"
	"github.com/tari-project/dan-consensus-core/internal/types"
	"github.com/tari-project/dan-consensus-core/internal/wire"
)

var (
	ErrSyncTimeout   = errors.New("network: sync request timed out")
	ErrSyncInFlight  = errors.New("network: a sync request with this correlation id is already pending")
	ErrNoSyncAddress = errors.New("network: no peer available to sync from")
)

// DefaultSyncTimeout bounds how long a single sync exchange waits for its
// next envelope before giving up on that peer.
const DefaultSyncTimeout = 10 * time.Second

// Sender is the subset of Transport the syncer needs, satisfied by
// *p2p.Transport. Narrowed to an interface so tests can fake it.
type Sender interface {
	Send(ctx context.Context, nodeID types.NodeID, env wire.Envelope) error
}

// Syncer drives catch-up sync with a single peer at a time and applies
// the resulting stream to the local store.
type Syncer struct {
	self      types.NodeID
	transport Sender
	store     *storage.Store
	logger    *zap.Logger

	mu      sync.Mutex
	waiters map[uuid.UUID]chan wire.SyncResponsePayload
}

// NewSyncer builds a Syncer that sends from self and applies results to
// store.
func NewSyncer(self types.NodeID, transport Sender, store *storage.Store, logger *zap.Logger) *Syncer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Syncer{
		self:      self,
		transport: transport,
		store:     store,
		logger:    logger.Named("network"),
		waiters:   make(map[uuid.UUID]chan wire.SyncResponsePayload),
	}
}

// Deliver routes an inbound SyncResponse envelope to the pending request
// it answers, if any. The engine's dispatch loop calls this for every
// MsgSyncResponse it receives; envelopes with no matching waiter (a late
// or duplicate response) are dropped.
func (s *Syncer) Deliver(env wire.Envelope) {
	if env.Type != wire.MsgSyncResponse {
		return
	}
	var payload wire.SyncResponsePayload
	if err := wire.DecodePayload(env.Payload, &payload); err != nil {
		s.logger.Warn("failed to decode sync response", zap.Error(err))
		return
	}

	s.mu.Lock()
	ch, ok := s.waiters[env.CorrelationID]
	s.mu.Unlock()
	if !ok {
		s.logger.Debug("dropping unmatched sync response", zap.String("correlation_id", env.CorrelationID.String()))
		return
	}

	select {
	case ch <- payload:
	default:
		s.logger.Warn("sync response waiter channel full, dropping", zap.String("correlation_id", env.CorrelationID.String()))
	}
}

// SyncWithPeer requests everything after fromBlockID from peer, optionally
// bounded by upToEpoch, and applies each block/QC/substate/transaction it
// receives to the store in order. It returns once the responder signals
// Final or timeout elapses waiting for the next envelope.
func (s *Syncer) SyncWithPeer(ctx context.Context, peer types.NodeID, fromBlockID types.BlockID, upToEpoch *types.Epoch) (blocksApplied int, err error) {
	payload := wire.SyncRequestPayload{FromBlockID: fromBlockID, UpToEpoch: upToEpoch}
	data, err := wire.EncodePayload(payload)
	if err != nil {
		return 0, fmt.Errorf("network: encode sync request: %w", err)
	}
	env := wire.NewEnvelope(wire.MsgSyncRequest, s.self, data)

	ch := make(chan wire.SyncResponsePayload, 8)
	s.mu.Lock()
	if _, exists := s.waiters[env.CorrelationID]; exists {
		s.mu.Unlock()
		return 0, ErrSyncInFlight
	}
	s.waiters[env.CorrelationID] = ch
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.waiters, env.CorrelationID)
		s.mu.Unlock()
	}()

	if err := s.transport.Send(ctx, peer, env); err != nil {
		return 0, fmt.Errorf("network: send sync request to %s: %w", peer, err)
	}

	for {
		select {
		case resp := <-ch:
			if err := s.applyResponse(resp); err != nil {
				return blocksApplied, fmt.Errorf("network: apply sync response: %w", err)
			}
			blocksApplied++
			if resp.Final {
				return blocksApplied, nil
			}
		case <-time.After(DefaultSyncTimeout):
			return blocksApplied, ErrSyncTimeout
		case <-ctx.Done():
			return blocksApplied, ctx.Err()
		}
	}
}

// applyResponse persists one SyncResponsePayload's block, advances the
// leaf-block cursor to it, and persists its QCs and substates, so a
// replica that catches up over several SyncWithPeer calls resumes each one
// from where the last left off rather than replaying from genesis. A
// Final-only sentinel (zero-value block) carries nothing to apply.
func (s *Syncer) applyResponse(resp wire.SyncResponsePayload) error {
	if resp.Block.ID.IsZero() && resp.Final && len(resp.QCs) == 0 {
		return nil
	}
	block := resp.Block
	if err := s.store.PutBlock(&block); err != nil {
		return fmt.Errorf("put block %s: %w", block.ID, err)
	}
	if err := s.store.AdvanceLeafBlock(types.LeafBlock{BlockID: block.ID, Height: block.Height}); err != nil {
		return fmt.Errorf("advance leaf block %s: %w", block.ID, err)
	}
	for i := range resp.QCs {
		if err := s.store.PutQC(&resp.QCs[i]); err != nil {
			return fmt.Errorf("put qc for block %s: %w", block.ID, err)
		}
	}
	for i := range resp.SubstateUpdates {
		if err := s.store.PutSubstate(&resp.SubstateUpdates[i]); err != nil {
			return fmt.Errorf("put substate %s: %w", resp.SubstateUpdates[i].SubstateID, err)
		}
	}
	s.logger.Info("applied synced block", zap.Uint64("height", block.Height), zap.String("block_id", block.ID.String()))
	return nil
}

// Responder answers SyncRequests from the local store, streaming one
// SyncResponse envelope per block on the path from the request's
// FromBlockID (exclusive) to the local leaf, oldest first, the newest one
// Final-marked.
type Responder struct {
	self      types.NodeID
	transport Sender
	store     *storage.Store
	logger    *zap.Logger
}

// NewResponder builds a Responder serving catch-up requests out of store.
func NewResponder(self types.NodeID, transport Sender, store *storage.Store, logger *zap.Logger) *Responder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Responder{self: self, transport: transport, store: store, logger: logger.Named("network")}
}

// Handle answers one inbound SyncRequest envelope, sent from requester.
func (r *Responder) Handle(ctx context.Context, requester types.NodeID, env wire.Envelope) error {
	var req wire.SyncRequestPayload
	if err := wire.DecodePayload(env.Payload, &req); err != nil {
		return fmt.Errorf("network: decode sync request: %w", err)
	}

	chain, err := r.chainAfter(req.FromBlockID, req.UpToEpoch)
	if err != nil {
		return fmt.Errorf("network: walk chain after %s: %w", req.FromBlockID, err)
	}

	if len(chain) == 0 {
		return r.send(ctx, requester, env.CorrelationID, wire.SyncResponsePayload{Final: true})
	}

	for i, block := range chain {
		resp := wire.SyncResponsePayload{Block: *block, Final: i == len(chain)-1}
		if qc, err := r.store.GetQCByBlock(block.ID); err == nil {
			resp.QCs = append(resp.QCs, *qc)
		} else if !errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("network: load qc for %s: %w", block.ID, err)
		}
		if err := r.send(ctx, requester, env.CorrelationID, resp); err != nil {
			return err
		}
	}
	return nil
}

func (r *Responder) send(ctx context.Context, to types.NodeID, correlationID uuid.UUID, payload wire.SyncResponsePayload) error {
	data, err := wire.EncodePayload(payload)
	if err != nil {
		return fmt.Errorf("network: encode sync response: %w", err)
	}
	env := wire.Envelope{Type: wire.MsgSyncResponse, SenderID: r.self, CorrelationID: correlationID, Payload: data}
	return r.transport.Send(ctx, to, env)
}

// chainAfter walks the single-child path from fromBlockID to the tip,
// stopping at upToEpoch if set. Ambiguity (more than one child) is
// resolved by following the first child the parent index returns — full
// fork resolution is the requester's concern once it has the blocks, not
// the responder's.
func (r *Responder) chainAfter(fromBlockID types.BlockID, upToEpoch *types.Epoch) ([]*types.Block, error) {
	var out []*types.Block
	current := fromBlockID
	for {
		children, err := r.store.GetBlocksByParent(current)
		if err != nil {
			return nil, err
		}
		if len(children) == 0 {
			return out, nil
		}
		next := children[0]
		if upToEpoch != nil && next.Epoch > *upToEpoch {
			return out, nil
		}
		out = append(out, next)
		current = next.ID
	}
}

var _ Sender = (*p2p.Transport)(nil)
