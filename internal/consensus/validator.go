package consensus

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/tari-project/dan-consensus-core/internal/crypto"
	"github.com/tari-project/dan-consensus-core/internal/execution"
	"github.com/tari-project/dan-consensus-core/internal/mempool"
	"github.com/tari-project/dan-consensus-core/internal/metrics"
	"github.com/tari-project/dan-consensus-core/internal/state"
	"github.com/tari-project/dan-consensus-core/internal/storage"
	"github.com/tari-project/dan-consensus-core/internal/types"
)

var (
	ErrBadSignature       = errors.New("consensus: block signature does not verify")
	ErrWrongLeader        = errors.New("consensus: proposer is not the leader for this height")
	ErrParentUnknown      = errors.New("consensus: parent block is not in store")
	ErrJustifyMismatch    = errors.New("consensus: justify does not certify the parent block")
	ErrBadBlockID         = errors.New("consensus: block id does not match its contents")
	ErrBadHeight          = errors.New("consensus: height is not parent height + 1")
	ErrUnsafeProposal     = errors.New("consensus: justify height does not exceed locked block height")
	ErrCommandIllegal     = errors.New("consensus: command does not match the transaction's pool stage")
	ErrUnknownTransaction = errors.New("consensus: referenced transaction is not tracked")
	ErrAlreadyVotedHeight = errors.New("consensus: already voted at height")
)

// TransactionSource resolves the full client-submitted transaction body
// for a command's declared id, so the validator can re-execute it. The
// pool only ever carries the narrow TransactionAtom projection (spec.md
// §3); the RPC boundary that originally admitted the transaction is what
// retains its program and required inputs.
type TransactionSource interface {
	Transaction(id types.TransactionID) (execution.Transaction, error)
}

// ProposalValidator checks an incoming Block for safety and legality and
// produces the signed vote to send to the next leader (spec.md §4.2).
type ProposalValidator struct {
	self       types.NodeID
	signingKey *ecdsa.PrivateKey
	store      *storage.Store
	pending    *state.PendingSubstateStore
	pool       *mempool.Pool
	executor   execution.Executor
	txSource   TransactionSource
	committee  func(epoch types.Epoch) (types.CommitteeInfo, error)
	foreign    *ForeignProposalProcessor
	logger     *zap.Logger
	metrics    *metrics.Metrics
}

// SetMetrics attaches an optional metrics sink after construction, so
// EngineParams.Metrics-style optional instrumentation doesn't have to
// thread through NewProposalValidator's already-long parameter list. A
// nil receiver-unset validator simply never counts lock conflicts.
func (v *ProposalValidator) SetMetrics(m *metrics.Metrics) { v.metrics = m }

// NewProposalValidator builds a ProposalValidator that signs its own
// outgoing votes with signingKey.
func NewProposalValidator(
	self types.NodeID,
	signingKey *ecdsa.PrivateKey,
	store *storage.Store,
	pending *state.PendingSubstateStore,
	pool *mempool.Pool,
	executor execution.Executor,
	txSource TransactionSource,
	committeeFor func(epoch types.Epoch) (types.CommitteeInfo, error),
	foreign *ForeignProposalProcessor,
	logger *zap.Logger,
) *ProposalValidator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProposalValidator{
		self:       self,
		signingKey: signingKey,
		store:      store,
		pending:    pending,
		pool:       pool,
		executor:   executor,
		txSource:   txSource,
		committee:  committeeFor,
		foreign:    foreign,
		logger:     logger.Named("validator"),
	}
}

// Validate runs every spec.md §4.2 check against block in order. On
// ProposalInvalid or MissingDependency it returns a classified error and
// no vote — the caller must not vote. One of those checks is the
// last-voted-height cursor: if this replica already voted at block.Height
// for a different block id, the proposal is rejected outright, since a
// leader equivocating between two blocks at the same height must not be
// able to collect two conflicting votes from the same replica (spec.md
// §8 scenario 5). On success, including the case where re-execution
// demanded an Abort, it returns the signed vote to send to the next
// leader (Accept or Reject respectively) and advances the last-voted
// cursor to block. Acceptance also forks the substate overlay from
// block's parent, re-executes its Prepare commands, locks their declared
// inputs/outputs, and enqueues the resulting pending updates.
func (v *ProposalValidator) Validate(ctx context.Context, block *types.Block) (*types.Vote, error) {
	committee, err := v.committee(block.Epoch)
	if err != nil {
		return nil, Classify(fmt.Errorf("resolve committee for epoch %d: %w", block.Epoch, err), KindTransientIO)
	}

	pubKey, err := decodeNodePublicKey(block.ProposedBy)
	if err != nil {
		return nil, Classify(fmt.Errorf("%w: %v", ErrBadSignature, err), KindProposalInvalid)
	}
	if !crypto.VerifyDigest(pubKey, block.ID[:], block.Signature) {
		return nil, Classify(ErrBadSignature, KindProposalInvalid)
	}

	leader := LeaderForView(committee, block.ShardGroup, types.View(block.Height))
	if leader != block.ProposedBy {
		return nil, Classify(fmt.Errorf("%w: want %s got %s", ErrWrongLeader, leader, block.ProposedBy), KindProposalInvalid)
	}

	parent, err := v.store.GetBlock(block.Parent)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, Classify(fmt.Errorf("%w: %s", ErrParentUnknown, block.Parent), KindMissingDependency)
		}
		return nil, Classify(err, KindTransientIO)
	}
	if block.Justify == nil || block.Justify.BlockID != parent.ID {
		return nil, Classify(ErrJustifyMismatch, KindProposalInvalid)
	}

	if !block.VerifyID() {
		return nil, Classify(ErrBadBlockID, KindProposalInvalid)
	}
	if block.Height != parent.Height+1 {
		return nil, Classify(fmt.Errorf("%w: block %d parent %d", ErrBadHeight, block.Height, parent.Height), KindProposalInvalid)
	}

	locked, err := v.store.GetLockedBlock()
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, Classify(err, KindTransientIO)
	}
	if locked != nil && block.Justify.BlockHeight <= locked.Height {
		return nil, Classify(ErrUnsafeProposal, KindUnsafe)
	}

	lastVoted, err := v.store.GetLastVoted()
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, Classify(err, KindTransientIO)
	}
	if lastVoted != nil && lastVoted.Height == block.Height && lastVoted.BlockID != block.ID {
		return nil, Classify(fmt.Errorf("%w: %d", ErrAlreadyVotedHeight, block.Height), KindProposalInvalid)
	}

	rejected, err := v.processCommands(ctx, block)
	if err != nil {
		return nil, err
	}

	for _, cmd := range block.Commands {
		if cmd.Kind == types.CommandForeignProposal {
			v.foreign.AdvanceIndex(cmd.ForeignProposal)
		}
	}

	decision := types.QuorumAccept
	if rejected {
		decision = types.QuorumReject
	}
	vote, err := v.signVote(block, decision)
	if err != nil {
		return nil, fmt.Errorf("consensus: sign vote: %w", err)
	}
	if err := v.store.UpdateLastVoted(types.LastVoted{BlockID: block.ID, Height: block.Height}); err != nil {
		return nil, Classify(fmt.Errorf("persist last voted height: %w", err), KindTransientIO)
	}

	v.logger.Info("validated proposal",
		zap.String("block_id", block.ID.String()),
		zap.Uint64("height", block.Height),
		zap.Uint8("decision", uint8(vote.Decision)))
	return vote, nil
}

func (v *ProposalValidator) signVote(block *types.Block, decision types.QuorumDecision) (*types.Vote, error) {
	vote := &types.Vote{
		Epoch:       block.Epoch,
		BlockID:     block.ID,
		BlockHeight: block.Height,
		Decision:    decision,
		Sender:      v.self,
	}
	sig, err := crypto.SignDigest(v.signingKey, vote.SigningBytes())
	if err != nil {
		return nil, err
	}
	vote.Signature = sig
	return vote, nil
}

// processCommands checks every command's legality against the pool
// (spec.md §4.2 "each command's legality") and, for commands that advance
// a transaction's stage, enqueues the resulting pending update keyed by
// block. Prepare and Accept commands re-execute the transaction first
// (spec.md §4.2's "re-executes each Prepare command ... to check
// determinism"; Accept gets the same treatment since it is the only
// command that ever resolves a local-only transaction's outcome —
// spec.md §4.4's "same effect as AllPrepared/SomePrepared in one step"
// means no earlier command already executed it). LocalPrepared,
// AllPrepared and SomePrepared only flip the pool stage: AllPrepared's
// and Accept's resulting_outputs/resolved_inputs/fee are already sitting
// on the TransactionRecord from the Prepare stage that ran earlier (or,
// for Accept, are attached directly here), so the Commit Rule reads them
// off the record rather than off this pending update. It reports
// rejected=true if any Prepare/Accept command's transaction aborted,
// which turns the replica's vote into a Reject without invalidating the
// proposal itself (spec.md §4.6 "lock conflicts ... surface as execution
// rejections, not proposal rejections").
func (v *ProposalValidator) processCommands(ctx context.Context, block *types.Block) (rejected bool, err error) {
	for _, cmd := range block.Commands {
		switch cmd.Kind {
		case types.CommandForeignProposal:
			if err := v.foreign.CheckIndex(cmd.ForeignProposal); err != nil {
				return false, err
			}
			continue
		case types.CommandEpochEvent:
			continue
		}

		rec, err := v.pool.Get(cmd.Atom.ID)
		if err != nil {
			return false, Classify(fmt.Errorf("%w: %s", ErrUnknownTransaction, cmd.Atom.ID), KindMissingDependency)
		}
		required, ok := requiredStageFor(cmd.Kind)
		if !ok || rec.Stage != required {
			return false, Classify(fmt.Errorf("%w: %s expected stage %s for %s, has %s",
				ErrCommandIllegal, cmd.Kind, required, cmd.Atom.ID, rec.Stage), KindProposalInvalid)
		}

		switch cmd.Kind {
		case types.CommandPrepare, types.CommandAccept:
			didAbort, err := v.executeAndLock(ctx, block, cmd)
			if err != nil {
				return false, err
			}
			if didAbort {
				rejected = true
			}
		case types.CommandLocalPrepared:
			if err := v.pool.ProposePendingUpdate(cmd.Atom.ID, types.PendingUpdate{
				BlockID: block.ID, NewStage: types.StageLocalPrepared, NewDecision: rec.Decision,
			}); err != nil {
				return false, Classify(fmt.Errorf("enqueue local-prepared update for %s: %w", cmd.Atom.ID, err), KindTransientIO)
			}
		case types.CommandAllPrepared:
			if err := v.pool.ProposePendingUpdate(cmd.Atom.ID, types.PendingUpdate{
				BlockID: block.ID, NewStage: types.StageCommitted, NewDecision: types.DecisionCommit,
			}); err != nil {
				return false, Classify(fmt.Errorf("enqueue all-prepared update for %s: %w", cmd.Atom.ID, err), KindTransientIO)
			}
		case types.CommandSomePrepared:
			abortFee := rec.Transaction.TransactionFee * abortFeeNumerator / abortFeeDenominator
			if err := v.pool.ProposePendingUpdate(cmd.Atom.ID, types.PendingUpdate{
				BlockID: block.ID, NewStage: types.StageAborted, NewDecision: types.DecisionAbort,
				AbortReason: types.AbortReasonForeignShardAbort, AbortFee: abortFee,
			}); err != nil {
				return false, Classify(fmt.Errorf("enqueue some-prepared update for %s: %w", cmd.Atom.ID, err), KindTransientIO)
			}
		}
	}
	return rejected, nil
}

// requiredStageFor returns the pool stage a transaction must already sit
// at for cmd.Kind to legally advance it (spec.md §4.5's FSM edges, read in
// reverse). CommandAccept is the local-only short-circuit from New
// straight to a final decision (spec.md §4.4 "same effect as
// AllPrepared/SomePrepared in one step").
func requiredStageFor(kind types.CommandKind) (types.TransactionStage, bool) {
	switch kind {
	case types.CommandPrepare:
		return types.StageNew, true
	case types.CommandLocalPrepared:
		return types.StagePrepared, true
	case types.CommandAllPrepared, types.CommandSomePrepared:
		return types.StageLocalPrepared, true
	case types.CommandAccept:
		return types.StageNew, true
	default:
		return 0, false
	}
}

// executeAndLock re-executes a Prepare or Accept command's transaction
// against a substate overlay forked from block's parent and locks its
// declared inputs/outputs. A Prepare's successful pending update targets
// StagePrepared since a later LocalPrepared/AllPrepared command still has
// to run it to completion; an Accept's targets StageCommitted directly,
// since spec.md §4.4 defines Accept as a one-step short-circuit to the
// final decision for local-only transactions. Either kind's failure
// (missing input, lock conflict, or the execution itself aborting)
// enqueues a pending update straight to the terminal StageAborted, since
// abort is sticky and reachable from any non-terminal stage (spec.md
// §4.5).
func (v *ProposalValidator) executeAndLock(ctx context.Context, block *types.Block, cmd types.Command) (aborted bool, err error) {
	tx, err := v.txSource.Transaction(cmd.Atom.ID)
	if err != nil {
		return false, Classify(fmt.Errorf("%w: %s: %v", ErrUnknownTransaction, cmd.Atom.ID, err), KindMissingDependency)
	}

	resolved, abortReason, err := v.resolveInputs(block.Parent, tx)
	if err != nil {
		return false, Classify(err, KindTransientIO)
	}
	if abortReason != types.AbortReasonNone {
		if err := v.enqueueAbort(block.ID, cmd.Atom.ID, abortReason); err != nil {
			return false, Classify(err, KindTransientIO)
		}
		return true, nil
	}

	executed, err := v.executor.Execute(ctx, tx, block.Epoch, resolved)
	if err != nil {
		return false, Classify(fmt.Errorf("execute %s: %w", cmd.Atom.ID, err), KindTransientIO)
	}

	intents := lockIntentsFor(tx, executed)
	if err := v.pending.LockMany(block.ID, block.Parent, intents); err != nil {
		if v.metrics != nil && errors.Is(err, state.ErrLockConflict) {
			v.metrics.SubstateLockConflicts.Inc()
		}
		if err := v.enqueueAbort(block.ID, cmd.Atom.ID, types.AbortReasonFailedToLockInputs); err != nil {
			return false, Classify(err, KindTransientIO)
		}
		return true, nil
	}

	if executed.Decision == types.DecisionAbort {
		if err := v.enqueueAbort(block.ID, cmd.Atom.ID, executed.AbortReason); err != nil {
			return false, Classify(err, KindTransientIO)
		}
		return true, nil
	}

	newStage := types.StagePrepared
	if cmd.Kind == types.CommandAccept {
		newStage = types.StageCommitted
	}
	if err := v.pool.ProposePendingUpdate(cmd.Atom.ID, types.PendingUpdate{
		BlockID:          block.ID,
		NewStage:         newStage,
		NewDecision:      types.DecisionCommit,
		Locks:            intents,
		ResolvedInputs:   executedResolvedInputs(executed),
		ResultingOutputs: executedResultingOutputs(executed),
		Fee:              executed.Fee,
	}); err != nil {
		return false, Classify(fmt.Errorf("enqueue pending update for %s: %w", cmd.Atom.ID, err), KindTransientIO)
	}
	return false, nil
}

func (v *ProposalValidator) enqueueAbort(blockID types.BlockID, txID types.TransactionID, reason types.AbortReason) error {
	return v.pool.ProposePendingUpdate(txID, types.PendingUpdate{
		BlockID:     blockID,
		NewStage:    types.StageAborted,
		NewDecision: types.DecisionAbort,
		AbortReason: reason,
	})
}

// resolveInputs fetches the current version of every declared, non-output
// input from the overlay forked at parent. A missing input surfaces as an
// abort reason rather than a hard error: the transaction asked for a
// version that never materialized, which is a property of the
// transaction, not of this replica's state.
func (v *ProposalValidator) resolveInputs(parent types.BlockID, tx execution.Transaction) ([]*types.Substate, types.AbortReason, error) {
	resolved := make([]*types.Substate, 0, len(tx.RequiredInputs))
	for _, intent := range tx.RequiredInputs {
		if intent.Kind == types.LockOutput {
			continue
		}
		sub, err := v.pending.GetLatest(parent, intent.VersionedSubstateID.ID)
		if err != nil {
			if errors.Is(err, state.ErrSubstateNotFound) {
				return nil, types.AbortReasonFailedToLockInputs, nil
			}
			return nil, types.AbortReasonNone, err
		}
		resolved = append(resolved, sub)
	}
	return resolved, types.AbortReasonNone, nil
}

func lockIntentsFor(tx execution.Transaction, executed *execution.ExecutedTransaction) []types.LockIntent {
	intents := append([]types.LockIntent(nil), tx.RequiredInputs...)
	for _, out := range executed.ResultingOutputs {
		intents = append(intents, types.LockIntent{
			VersionedSubstateID: types.VersionedSubstateID{ID: out.SubstateID, Version: out.Version},
			Kind:                types.LockOutput,
		})
	}
	return intents
}

func executedResolvedInputs(executed *execution.ExecutedTransaction) []types.ResolvedInput {
	out := make([]types.ResolvedInput, len(executed.ResolvedInputs))
	for i, id := range executed.ResolvedInputs {
		out[i] = types.ResolvedInput{VersionedSubstateID: id}
	}
	return out
}

func executedResultingOutputs(executed *execution.ExecutedTransaction) []types.ResultingOutput {
	out := make([]types.ResultingOutput, len(executed.ResultingOutputs))
	for i, sub := range executed.ResultingOutputs {
		out[i] = types.ResultingOutput{SubstateID: sub.SubstateID, Version: sub.Version, Value: sub.Value}
	}
	return out
}

// abortFeeNumerator/abortFeeDenominator fix the fraction of a transaction's
// already-charged TransactionFee that a SomePrepared abort still collects
// (SPEC_FULL.md "abort-fee accounting" — a smaller fee than a full commit,
// to discourage frivolous aborts without charging the full amount for work
// that did not finalize).
const (
	abortFeeNumerator   = 1
	abortFeeDenominator = 10
)

func decodeNodePublicKey(id types.NodeID) (*ecdsa.PublicKey, error) {
	raw, err := hex.DecodeString(string(id))
	if err != nil {
		return nil, fmt.Errorf("decode node id: %w", err)
	}
	return crypto.DeserializePublicKeyFromBytes(raw)
}
