package consensus

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/tari-project/dan-consensus-core/internal/mempool"
	"github.com/tari-project/dan-consensus-core/internal/state"
	"github.com/tari-project/dan-consensus-core/internal/storage"
	"github.com/tari-project/dan-consensus-core/internal/types"
)

// ErrMissingCommittedTransaction marks the fatal case spec.md §4.4 carves
// out: a block on the commit path names a transaction the pool no longer
// has a record for, or no pending update from that exact block. Either
// means this replica's local state has diverged from what it already
// voted to accept, which is a safety violation, not a retryable fault.
var ErrMissingCommittedTransaction = errors.New("consensus: committed command references an untracked or stale transaction")

// BlockCommittedEvent reports a block that has just executed, and which of
// its transactions reached a terminal outcome in the process, so the
// router can relay the news to RPC subscribers and metrics (spec.md §4.4
// "emit a BlockCommitted event").
type BlockCommittedEvent struct {
	BlockID      types.BlockID
	Height       uint64
	ShardGroup   types.ShardGroup
	Transactions []types.TransactionID
}

// CommitRule runs the chained-HotStuff three-chain commit check on every
// newly formed or observed quorum certificate and, when it fires, applies
// the commands of every block it commits to the pool and substate store
// (spec.md §4.4). A replica's event loop is single-threaded (spec.md §5:
// "processes one event to completion before taking the next"), so the
// several store mutations one commit performs never interleave with
// another commit or proposal step; that sequencing is what stands in for
// a literal multi-call write transaction here, since internal/storage
// exposes no primitive spanning more than one bolt transaction.
type CommitRule struct {
	store     *storage.Store
	pending   *state.PendingSubstateStore
	pool      *mempool.Pool
	pacemaker *Pacemaker
	onCommit  func(BlockCommittedEvent)
	logger    *zap.Logger
}

// NewCommitRule builds a CommitRule over store/pending/pool, resetting
// pacemaker's timeout backoff on every committed block that finalizes at
// least one transaction and invoking onCommit (if non-nil) once per
// committed block.
func NewCommitRule(store *storage.Store, pending *state.PendingSubstateStore, pool *mempool.Pool, pacemaker *Pacemaker, onCommit func(BlockCommittedEvent), logger *zap.Logger) *CommitRule {
	if logger == nil {
		logger = zap.NewNop()
	}
	if onCommit == nil {
		onCommit = func(BlockCommittedEvent) {}
	}
	return &CommitRule{
		store:     store,
		pending:   pending,
		pool:      pool,
		pacemaker: pacemaker,
		onCommit:  onCommit,
		logger:    logger.Named("commit_rule"),
	}
}

// OnNewQC evaluates the three-chain rule for the block qc certifies
// (spec.md §4.4): walking justify pointers from B3 = qc's block back
// through B2 and B1, a run of three consecutive heights commits B1 (and
// every block between it and LastExecuted, if this replica had fallen
// behind) and advances LockedBlock to B2.
func (cr *CommitRule) OnNewQC(qc *types.QuorumCertificate) error {
	b3, err := cr.store.GetBlock(qc.BlockID)
	if err != nil {
		return Classify(fmt.Errorf("load b3 %s: %w", qc.BlockID, err), KindTransientIO)
	}
	if b3.Justify == nil {
		return nil
	}
	b2, err := cr.store.GetBlock(b3.Justify.BlockID)
	if err != nil {
		return Classify(fmt.Errorf("load b2 %s: %w", b3.Justify.BlockID, err), KindTransientIO)
	}
	if b2.Justify == nil {
		return nil
	}
	b1, err := cr.store.GetBlock(b2.Justify.BlockID)
	if err != nil {
		return Classify(fmt.Errorf("load b1 %s: %w", b2.Justify.BlockID, err), KindTransientIO)
	}

	if b3.Height == b2.Height+1 && b2.Height == b1.Height+1 {
		if err := cr.commitThrough(b1); err != nil {
			return err
		}
	}
	return cr.advanceLockedBlock(b2)
}

// advanceLockedBlock raises LockedBlock to b2 if b2 is taller than what is
// currently locked. Called whenever a three-chain is found, independent of
// whether anything new actually committed (a replica catching back up may
// re-observe a QC whose chain it already executed).
func (cr *CommitRule) advanceLockedBlock(b2 *types.Block) error {
	locked, err := cr.store.GetLockedBlock()
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return Classify(fmt.Errorf("load locked block: %w", err), KindTransientIO)
	}
	if locked != nil && b2.Height <= locked.Height {
		return nil
	}
	if err := cr.store.UpdateLockedBlock(types.LockedBlock{BlockID: b2.ID, Height: b2.Height}); err != nil {
		return Classify(fmt.Errorf("update locked block: %w", err), KindTransientIO)
	}
	return nil
}

// commitThrough executes every block from LastExecuted's child up to and
// including b1, in order, advancing LastExecuted one block at a time.
// A no-op if b1 is already at or behind LastExecuted.
func (cr *CommitRule) commitThrough(b1 *types.Block) error {
	lastExecuted, err := cr.store.GetLastExecuted()
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return Classify(fmt.Errorf("load last executed: %w", err), KindTransientIO)
	}
	if lastExecuted != nil && b1.Height <= lastExecuted.Height {
		return nil
	}
	var from types.BlockID
	haveFrom := lastExecuted != nil
	if haveFrom {
		from = lastExecuted.BlockID
	}

	chain, err := cr.collectChain(from, b1.ID, haveFrom)
	if err != nil {
		return Classify(fmt.Errorf("collect commit chain to %s: %w", b1.ID, err), KindSafetyViolation)
	}

	for _, block := range chain {
		txIDs, err := cr.applyBlock(block)
		if err != nil {
			return err
		}
		if err := cr.store.UpdateLastExecuted(types.LastExecuted{BlockID: block.ID, Height: block.Height}); err != nil {
			return Classify(fmt.Errorf("advance last executed to %s: %w", block.ID, err), KindTransientIO)
		}
		if err := cr.pending.Finalize(block.ID); err != nil && !errors.Is(err, state.ErrUnknownOverlay) {
			return Classify(fmt.Errorf("finalize substate overlay for %s: %w", block.ID, err), KindTransientIO)
		}
		if len(txIDs) > 0 {
			cr.pacemaker.OnCommit()
		}
		cr.onCommit(BlockCommittedEvent{BlockID: block.ID, Height: block.Height, ShardGroup: block.ShardGroup, Transactions: txIDs})
		cr.logger.Info("committed block",
			zap.String("block_id", block.ID.String()),
			zap.Uint64("height", block.Height),
			zap.Int("transactions", len(txIDs)))
	}
	return nil
}

// collectChain walks backward from to via Parent pointers until it reaches
// from, then returns the blocks in forward (oldest-first) order, from
// exclusive. When haveFrom is false (no block has executed yet on this
// replica), the walk runs all the way back to and including genesis
// instead of looking for a specific from id. Hitting genesis while
// haveFrom is true without having reached from means this replica's chain
// does not actually connect LastExecuted to the commit target, which
// should never happen for a locally-produced commit path.
func (cr *CommitRule) collectChain(from, to types.BlockID, haveFrom bool) ([]*types.Block, error) {
	var chain []*types.Block
	cur := to
	for {
		if haveFrom && cur == from {
			break
		}
		block, err := cr.store.GetBlock(cur)
		if err != nil {
			return nil, fmt.Errorf("load block %s: %w", cur, err)
		}
		chain = append(chain, block)
		if block.IsGenesis() {
			if haveFrom && block.ID != from {
				return nil, fmt.Errorf("chain to %s does not reach last-executed block %s", to, from)
			}
			break
		}
		cur = block.Parent
	}
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}

// applyBlock applies every command in block to the pool and, for commands
// that finalize a transaction, to the substate store, returning the ids of
// transactions that reached a terminal stage in this block. Dummy blocks
// carry no commands and execute as a no-op (spec.md §4.1, §9).
func (cr *CommitRule) applyBlock(block *types.Block) ([]types.TransactionID, error) {
	if block.IsDummy {
		return nil, nil
	}

	var committed []types.TransactionID
	for _, cmd := range block.Commands {
		switch cmd.Kind {
		case types.CommandForeignProposal, types.CommandEpochEvent:
			continue
		}

		if _, err := cr.pool.Get(cmd.Atom.ID); err != nil {
			return nil, Classify(fmt.Errorf("%w: %s in block %s: %v", ErrMissingCommittedTransaction, cmd.Atom.ID, block.ID, err), KindSafetyViolation)
		}
		if err := cr.pool.ApplyPendingUpdate(cmd.Atom.ID, block.ID); err != nil {
			return nil, Classify(fmt.Errorf("%w: %s in block %s: %v", ErrMissingCommittedTransaction, cmd.Atom.ID, block.ID, err), KindSafetyViolation)
		}

		switch cmd.Kind {
		case types.CommandPrepare:
			// Only the pool stage advances here; substate effects and fee
			// accounting wait for the command that actually finalizes the
			// transaction's outcome (spec.md §4.4).
			continue
		case types.CommandLocalPrepared:
			if err := cr.mergeLocalEvidence(block, cmd.Atom.ID); err != nil {
				return nil, err
			}
			continue
		case types.CommandAllPrepared, types.CommandAccept:
			if err := cr.applyCommitEffects(block, cmd.Atom.ID); err != nil {
				return nil, err
			}
		case types.CommandSomePrepared:
			if err := cr.persistRecord(cmd.Atom.ID); err != nil {
				return nil, err
			}
		default:
			continue
		}
		committed = append(committed, cmd.Atom.ID)
	}
	return committed, nil
}

// mergeLocalEvidence folds this shard's own decision into txID's evidence
// map once its LocalPrepared command has actually committed here, the same
// point at which a foreign shard's decision would already have folded in
// had its block arrived first (spec.md §4.5 "Foreign evidence
// integration"). It is the local-shard counterpart to
// ForeignProposalProcessor.ApplyForeignBlock, which only ever folds in
// other shards' decisions.
func (cr *CommitRule) mergeLocalEvidence(block *types.Block, txID types.TransactionID) error {
	rec, err := cr.pool.Get(txID)
	if err != nil {
		return Classify(fmt.Errorf("%w: %s: %v", ErrMissingCommittedTransaction, txID, err), KindSafetyViolation)
	}
	decision := rec.Decision
	if err := cr.pool.MergeEvidence(txID, block.ShardGroup, types.ShardEvidence{Decision: &decision}); err != nil {
		return Classify(fmt.Errorf("merge local evidence for %s: %w", txID, err), KindTransientIO)
	}
	return nil
}

// applyCommitEffects writes txID's resulting outputs as UP substates and
// its resolved inputs as DOWN substates into block's overlay, then
// persists the now-terminal record. ResolvedInputs/ResultingOutputs/Fee
// were attached to the record by an earlier Prepare command (or, for
// Accept, by ApplyPendingUpdate just above, since Accept carries them
// directly) — this method only ever reads them off the record, never off
// the AllPrepared/SomePrepared pending update itself, which carries no
// such fields (spec.md §4.4, processCommands in validator.go).
func (cr *CommitRule) applyCommitEffects(block *types.Block, txID types.TransactionID) error {
	rec, err := cr.pool.Get(txID)
	if err != nil {
		return Classify(fmt.Errorf("%w: %s: %v", ErrMissingCommittedTransaction, txID, err), KindSafetyViolation)
	}

	// DOWN writes land first so a substate that is both consumed and
	// recreated in the same transaction (a balance update: the old version
	// goes down, a new version with the updated value comes up) ends the
	// block with the UP write as its latest state in the overlay, not a
	// tombstone — PutUp/PutDown key the overlay by SubstateID alone, so
	// whichever call runs last wins for a given id (internal/state
	// "single write overlay per block").
	for _, in := range rec.ResolvedInputs {
		destroyedBy := txID
		cr.pending.PutDown(block.ID, block.Parent, &types.Substate{
			SubstateID:     in.VersionedSubstateID.ID,
			Version:        in.VersionedSubstateID.Version,
			CreatedByBlock: block.ID,
			DestroyedBy:    &destroyedBy,
		})
	}
	for _, out := range rec.ResultingOutputs {
		cr.pending.PutUp(block.ID, block.Parent, &types.Substate{
			SubstateID:     out.SubstateID,
			Version:        out.Version,
			Value:          out.Value,
			CreatedByTx:    txID,
			CreatedByBlock: block.ID,
		})
	}

	return cr.persistRecord(txID)
}

// persistRecord writes the pool's current view of txID to the durable
// store, so a restarted replica can recover a committed or aborted
// transaction's outcome without replaying the whole chain.
func (cr *CommitRule) persistRecord(txID types.TransactionID) error {
	rec, err := cr.pool.Get(txID)
	if err != nil {
		return Classify(fmt.Errorf("%w: %s: %v", ErrMissingCommittedTransaction, txID, err), KindSafetyViolation)
	}
	if err := cr.store.UpsertTransaction(rec); err != nil {
		return Classify(fmt.Errorf("persist record for %s: %w", txID, err), KindTransientIO)
	}
	return nil
}
