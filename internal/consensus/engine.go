package consensus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/tari-project/dan-consensus-core/internal/epochmgr"
	"github.com/tari-project/dan-consensus-core/internal/metrics"
	"github.com/tari-project/dan-consensus-core/internal/network"
	"github.com/tari-project/dan-consensus-core/internal/p2p"
	"github.com/tari-project/dan-consensus-core/internal/storage"
	"github.com/tari-project/dan-consensus-core/internal/types"
	"github.com/tari-project/dan-consensus-core/internal/wire"
)

var (
	ErrEngineAlreadyRunning = errors.New("consensus: engine already running")
	ErrEngineNotRunning     = errors.New("consensus: engine not running")
)

// DefaultTimeoutPollInterval bounds how often the event loop asks the
// pacemaker whether the current view has expired (spec.md §4.7). It is
// independent of the pacemaker's own mockable clock: polling only decides
// when to ask, never what the deadline is.
const DefaultTimeoutPollInterval = 200 * time.Millisecond

// Transport is the inbound/outbound surface the router needs, satisfied by
// *p2p.Transport. Narrowed to an interface so tests can fake it.
type Transport interface {
	Send(ctx context.Context, nodeID types.NodeID, env wire.Envelope) error
	Broadcast(ctx context.Context, members []types.NodeID, env wire.Envelope)
	Inbound() <-chan p2p.InboundEnvelope
}

// EngineParams bundles Engine's dependencies. Every field but Metrics,
// TimeoutPollInterval and Logger is required.
type EngineParams struct {
	Self       types.NodeID
	ShardGroup types.ShardGroup
	Epochs     epochmgr.Manager

	Transport  Transport
	Store      *storage.Store
	Validator  *ProposalValidator
	Votes      *VoteCollector
	Foreign    *ForeignProposalProcessor
	Proposer   *Proposer
	Pacemaker  *Pacemaker
	CommitRule *CommitRule
	Syncer     *network.Syncer
	Responder  *network.Responder

	// Metrics is optional; a nil value disables instrumentation.
	Metrics *metrics.Metrics

	TimeoutPollInterval time.Duration
	Logger              *zap.Logger
}

// Engine is the per-shard replica's single-threaded cooperative event loop
// (spec.md §2 System Overview, §5): it demultiplexes inbound wire envelopes
// and pacemaker beats and feeds each to exactly one of the validator, vote
// collector, foreign-proposal processor, syncer/responder or commit rule at
// a time, never concurrently, processing one event to completion before
// the next is read (spec.md §5). It adapts the teacher's ConsensusEngine
// run-loop shape (internal/consensus/consensus_engine.go's
// startEngineLoop/processIncomingBlocks split) into a single select loop,
// since every component here already serializes its own state under its
// own lock and the spec requires strict one-at-a-time event processing
// rather than two goroutines racing to mutate the same pool and store.
type Engine struct {
	self       types.NodeID
	shardGroup types.ShardGroup
	epochs     epochmgr.Manager

	transport  Transport
	store      *storage.Store
	validator  *ProposalValidator
	votes      *VoteCollector
	foreign    *ForeignProposalProcessor
	proposer   *Proposer
	pacemaker  *Pacemaker
	commitRule *CommitRule
	syncer     *network.Syncer
	responder  *network.Responder
	metrics    *metrics.Metrics

	timeoutPoll time.Duration
	logger      *zap.Logger

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	running   atomic.Bool
	startOnce sync.Once
	stopOnce  sync.Once
}

// NewEngine builds an Engine from params.
func NewEngine(params EngineParams) *Engine {
	logger := params.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	poll := params.TimeoutPollInterval
	if poll <= 0 {
		poll = DefaultTimeoutPollInterval
	}
	return &Engine{
		self:        params.Self,
		shardGroup:  params.ShardGroup,
		epochs:      params.Epochs,
		transport:   params.Transport,
		store:       params.Store,
		validator:   params.Validator,
		votes:       params.Votes,
		foreign:     params.Foreign,
		proposer:    params.Proposer,
		pacemaker:   params.Pacemaker,
		commitRule:  params.CommitRule,
		syncer:      params.Syncer,
		responder:   params.Responder,
		metrics:     params.Metrics,
		timeoutPoll: poll,
		logger:      logger.Named("engine"),
	}
}

// Start launches the event loop in a background goroutine. ctx bounds the
// engine's whole lifetime; Stop cancels a derived context early.
func (e *Engine) Start(ctx context.Context) error {
	var err error
	e.startOnce.Do(func() {
		if e.running.Load() {
			err = ErrEngineAlreadyRunning
			return
		}
		e.running.Store(true)
		e.ctx, e.cancel = context.WithCancel(ctx)
		e.wg.Add(1)
		go e.run()
		e.logger.Info("engine started",
			zap.String("self", string(e.self)),
			zap.Uint32("shard_group", uint32(e.shardGroup)))
	})
	return err
}

// Stop cancels the event loop and waits for it to exit.
func (e *Engine) Stop() error {
	var err error
	e.stopOnce.Do(func() {
		if !e.running.Load() {
			err = ErrEngineNotRunning
			return
		}
		e.cancel()
		e.wg.Wait()
		e.running.Store(false)
		e.logger.Info("engine stopped")
	})
	return err
}

// run is the event loop. Every branch runs a handler to completion before
// the next select, so no two events are ever processed concurrently.
func (e *Engine) run() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.timeoutPoll)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case inbound, ok := <-e.transport.Inbound():
			if !ok {
				return
			}
			e.dispatch(e.ctx, inbound)
		case <-e.pacemaker.Beats():
			e.tryPropose(e.ctx)
		case <-ticker.C:
			if e.pacemaker.IsExpired() {
				e.handleTimeout(e.ctx)
			}
		}
	}
}

// dispatch routes one inbound envelope to its handler (spec.md §6).
func (e *Engine) dispatch(ctx context.Context, inbound p2p.InboundEnvelope) {
	env := inbound.Envelope
	switch env.Type {
	case wire.MsgProposal:
		e.handleProposal(ctx, env)
	case wire.MsgVote:
		e.handleVote(ctx, env)
	case wire.MsgForeignProposal:
		e.handleForeignProposal(ctx, env)
	case wire.MsgNewView:
		e.handleNewView(ctx, env)
	case wire.MsgSyncRequest:
		if err := e.responder.Handle(ctx, inbound.From, env); err != nil {
			e.logger.Warn("sync request handling failed", zap.String("from", string(inbound.From)), zap.Error(err))
		}
	case wire.MsgSyncResponse:
		e.syncer.Deliver(env)
	default:
		e.logger.Warn("dropping envelope of unknown type",
			zap.String("from", string(inbound.From)), zap.Uint8("type", uint8(env.Type)))
	}
}

// handleProposal decodes and accepts an inbound block proposal.
func (e *Engine) handleProposal(ctx context.Context, env wire.Envelope) {
	var payload wire.ProposalPayload
	if err := wire.DecodePayload(env.Payload, &payload); err != nil {
		e.logger.Warn("failed to decode proposal", zap.Error(err))
		return
	}
	e.acceptProposal(ctx, &payload.Block)
}

// acceptProposal validates block, persists it, advances the leaf-block
// cursor to it, observes the QC carried in its justify, drains any votes
// buffered for it, and sends this replica's own vote on to the next
// leader. Shared by handleProposal (a block received over the wire) and
// tryPropose (a leader's own freshly built block), so both run through
// identical validation and bookkeeping rather than a leader trusting its
// own output unchecked.
func (e *Engine) acceptProposal(ctx context.Context, block *types.Block) {
	vote, err := e.validator.Validate(ctx, block)
	if err != nil {
		e.handleClassifiedError("validate proposal", err, zap.String("block_id", block.ID.String()))
		return
	}
	if err := e.store.PutBlock(block); err != nil {
		e.logger.Error("failed to persist validated block", zap.String("block_id", block.ID.String()), zap.Error(err))
		return
	}
	if err := e.store.AdvanceLeafBlock(types.LeafBlock{BlockID: block.ID, Height: block.Height}); err != nil {
		e.logger.Error("failed to advance leaf block", zap.String("block_id", block.ID.String()), zap.Error(err))
		return
	}

	if block.Justify != nil {
		e.observeQC(block.Justify)
	}

	committee, err := e.epochs.CommitteeFor(block.Epoch, block.ShardGroup)
	if err != nil {
		e.logger.Error("failed to resolve committee to drain buffered votes", zap.Error(err))
	} else if qc, err := e.votes.DrainBuffered(block.ID, committee); err != nil {
		e.logger.Error("failed to drain buffered votes", zap.Error(err))
	} else if qc != nil {
		e.observeQC(qc)
	}

	e.sendVote(ctx, block, vote)
}

// sendVote routes vote to the leader of the next view (spec.md §4.3: a
// block's vote is aggregated by the leader that will propose on top of
// it), feeding it back into this replica's own collector directly when it
// is itself that leader rather than round-tripping through the transport.
func (e *Engine) sendVote(ctx context.Context, block *types.Block, vote *types.Vote) {
	if vote == nil {
		return
	}
	committee, err := e.epochs.CommitteeFor(block.Epoch, block.ShardGroup)
	if err != nil {
		e.logger.Error("failed to resolve committee to route vote", zap.Error(err))
		return
	}
	nextLeader := LeaderForView(committee, block.ShardGroup, types.View(block.Height+1))
	if nextLeader == e.self {
		e.processVote(*vote)
		return
	}

	payload, err := wire.EncodePayload(wire.VotePayload{Vote: *vote})
	if err != nil {
		e.logger.Error("failed to encode vote", zap.Error(err))
		return
	}
	env := wire.NewEnvelope(wire.MsgVote, e.self, payload)
	if err := e.transport.Send(ctx, nextLeader, env); err != nil {
		e.logger.Warn("failed to send vote to next leader",
			zap.String("next_leader", string(nextLeader)), zap.Error(err))
	}
}

// handleVote decodes an inbound vote and admits it to the collector.
func (e *Engine) handleVote(ctx context.Context, env wire.Envelope) {
	var payload wire.VotePayload
	if err := wire.DecodePayload(env.Payload, &payload); err != nil {
		e.logger.Warn("failed to decode vote", zap.Error(err))
		return
	}
	e.processVote(payload.Vote)
}

// processVote admits vote to the collector and, if it forms a quorum
// certificate, feeds the QC into the high-qc/commit path.
func (e *Engine) processVote(vote types.Vote) {
	isKnown := func(id types.BlockID) bool {
		_, err := e.store.GetBlock(id)
		return err == nil
	}
	qc, err := e.votes.AddVote(vote, isKnown)
	if err != nil {
		e.handleClassifiedError("add vote", err,
			zap.String("block_id", vote.BlockID.String()), zap.String("sender", string(vote.Sender)))
		return
	}
	if qc != nil {
		e.observeQC(qc)
	}
}

// observeQC raises HighQC if qc is the greatest this replica has seen,
// advances the pacemaker's view off it, and runs the commit rule (spec.md
// §4.3, §4.4, §4.7). A pacemaker view advance immediately re-beats the
// proposer, pipelining the next proposal onto the new high QC without
// waiting for the poll ticker.
func (e *Engine) observeQC(qc *types.QuorumCertificate) {
	current, err := e.store.GetHighQC()
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		e.logger.Error("failed to load high qc", zap.Error(err))
		return
	}
	if current == nil || qc.GreaterThan(current.QC) {
		if err := e.store.UpdateHighQC(types.HighQC{QC: qc}); err != nil {
			e.logger.Error("failed to update high qc", zap.Error(err))
			return
		}
		if e.metrics != nil {
			e.metrics.QuorumCertificatesFormed.Inc()
		}
	}

	if e.pacemaker.OnHighQC(types.View(qc.BlockHeight)) {
		e.pacemaker.Beat()
	}
	if e.metrics != nil {
		e.metrics.CurrentView.Set(float64(e.pacemaker.CurrentView()))
	}

	if err := e.commitRule.OnNewQC(qc); err != nil {
		e.handleClassifiedError("commit rule", err, zap.String("qc_block_id", qc.BlockID.String()))
	}
}

// handleForeignProposal folds a foreign shard's block into the local pool's
// evidence and queues it for acknowledgement in this replica's next
// proposal (spec.md §4.5).
func (e *Engine) handleForeignProposal(ctx context.Context, env wire.Envelope) {
	var payload wire.ForeignProposalPayload
	if err := wire.DecodePayload(env.Payload, &payload); err != nil {
		e.logger.Warn("failed to decode foreign proposal", zap.Error(err))
		return
	}
	block := payload.Block
	if err := e.foreign.ApplyForeignBlock(&block); err != nil {
		e.handleClassifiedError("apply foreign block", err, zap.String("block_id", block.ID.String()))
		return
	}
	e.proposer.QueueForeignProposal(block.ShardGroup, block.ID)
}

// handleNewView observes the HighQC a timed-out peer reports and, if this
// replica is the leader the signal named, beats the proposer (spec.md
// §4.7).
func (e *Engine) handleNewView(ctx context.Context, env wire.Envelope) {
	var payload wire.NewViewPayload
	if err := wire.DecodePayload(env.Payload, &payload); err != nil {
		e.logger.Warn("failed to decode new view", zap.Error(err))
		return
	}
	e.observeQC(&payload.HighQC)

	committee, err := e.epochs.LocalCommitteeInfo(payload.Epoch)
	if err != nil {
		e.logger.Error("failed to resolve local committee for new view", zap.Error(err))
		return
	}
	if LeaderForView(committee, e.shardGroup, payload.View) == e.self {
		e.pacemaker.Beat()
	}
}

// handleTimeout fires when the poll ticker observes the pacemaker's view
// has expired: it advances the view and relays the resulting NewView
// signal to the next leader (spec.md §4.7).
func (e *Engine) handleTimeout(ctx context.Context) {
	highQC, err := e.store.GetHighQC()
	if err != nil {
		e.logger.Error("failed to load high qc for timeout", zap.Error(err))
		return
	}
	signal := e.pacemaker.OnTimeout(*highQC.QC)
	if e.metrics != nil {
		e.metrics.ViewChanges.Inc()
		e.metrics.CurrentView.Set(float64(signal.View))
	}

	if signal.NextLeader == e.self {
		e.pacemaker.Beat()
		return
	}

	payload, err := wire.EncodePayload(wire.NewViewPayload{Epoch: signal.Epoch, View: signal.View, HighQC: signal.HighQC})
	if err != nil {
		e.logger.Error("failed to encode new view", zap.Error(err))
		return
	}
	env := wire.NewEnvelope(wire.MsgNewView, e.self, payload)
	if err := e.transport.Send(ctx, signal.NextLeader, env); err != nil {
		e.logger.Warn("failed to send new view", zap.String("next_leader", string(signal.NextLeader)), zap.Error(err))
	}
}

// tryPropose builds and broadcasts a new block if this replica is the
// leader of the pacemaker's current view (spec.md §4.1, §4.7), then runs
// it through the same acceptance path any other replica's copy of this
// proposal will take.
func (e *Engine) tryPropose(ctx context.Context) {
	epoch := e.epochs.CurrentEpoch()
	committee, err := e.epochs.LocalCommitteeInfo(epoch)
	if err != nil {
		e.logger.Error("failed to resolve local committee to propose", zap.Error(err))
		return
	}
	view := e.pacemaker.CurrentView()
	if LeaderForView(committee, e.shardGroup, view) != e.self {
		return
	}

	block, err := e.proposer.Propose(ProposeOpts{Epoch: epoch, ShardGroup: e.shardGroup})
	if err != nil {
		e.handleClassifiedError("propose block", err)
		return
	}

	payload, err := wire.EncodePayload(wire.ProposalPayload{Block: *block})
	if err != nil {
		e.logger.Error("failed to encode proposal", zap.Error(err))
		return
	}
	env := wire.NewEnvelope(wire.MsgProposal, e.self, payload)
	e.transport.Broadcast(ctx, otherMembers(committee, e.self), env)

	e.acceptProposal(ctx, block)
}

// otherMembers returns committee's members excluding self.
func otherMembers(committee types.CommitteeInfo, self types.NodeID) []types.NodeID {
	out := make([]types.NodeID, 0, len(committee.Members))
	for _, m := range committee.Members {
		if m != self {
			out = append(out, m)
		}
	}
	return out
}

// handleClassifiedError logs err at a severity matching its taxonomy kind
// (spec.md §7) and, for a SafetyViolation, cancels the event loop — the
// only classification that halts the shard rather than logging and moving
// on to the next event.
func (e *Engine) handleClassifiedError(msg string, err error, fields ...zap.Field) {
	kind, ok := ClassifyOf(err)
	if !ok {
		e.logger.Error(msg, append(fields, zap.Error(err))...)
		return
	}
	fields = append(fields, zap.String("kind", kind.String()), zap.Error(err))
	if IsFatal(err) {
		e.logger.Error(msg+": safety violation, halting engine", fields...)
		e.cancel()
		return
	}
	e.logger.Warn(msg, fields...)
}

var _ Transport = (*p2p.Transport)(nil)
