package consensus

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/tari-project/dan-consensus-core/internal/mempool"
	"github.com/tari-project/dan-consensus-core/internal/types"
)

// ErrForeignIndexRegression is returned when a foreign proposal's index
// for a remote shard group does not strictly exceed the last one this
// replica accepted from that shard (spec.md §5 supplemented feature,
// original_source's on_receive_foreign_proposal.rs).
var ErrForeignIndexRegression = errors.New("consensus: foreign proposal index did not advance")

// ForeignProposalProcessor consumes blocks produced by other shard
// groups' committees, folding their evidence into this shard's pool
// (spec.md §4.5 "Foreign evidence integration").
type ForeignProposalProcessor struct {
	mu        sync.Mutex
	pool      *mempool.Pool
	lastIndex map[types.ShardGroup]uint64
	logger    *zap.Logger
}

// NewForeignProposalProcessor builds a processor folding evidence into
// pool.
func NewForeignProposalProcessor(pool *mempool.Pool, logger *zap.Logger) *ForeignProposalProcessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ForeignProposalProcessor{
		pool:      pool,
		lastIndex: make(map[types.ShardGroup]uint64),
		logger:    logger.Named("foreign_proposal"),
	}
}

// CheckIndex validates that ref's index strictly exceeds the last index
// accepted from ref.ShardGroup, without yet committing the advance (spec.md
// §5: "validated monotonic per remote shard group on receipt"). Call
// AdvanceIndex once the containing block is accepted.
func (fp *ForeignProposalProcessor) CheckIndex(ref types.ForeignProposalRef) error {
	fp.mu.Lock()
	defer fp.mu.Unlock()
	if last, ok := fp.lastIndex[ref.ShardGroup]; ok && ref.Index <= last {
		return Classify(fmt.Errorf("%w: shard %d index %d <= last %d", ErrForeignIndexRegression, ref.ShardGroup, ref.Index, last), KindProposalInvalid)
	}
	return nil
}

// AdvanceIndex records ref as the latest accepted foreign proposal from
// its shard group.
func (fp *ForeignProposalProcessor) AdvanceIndex(ref types.ForeignProposalRef) {
	fp.mu.Lock()
	defer fp.mu.Unlock()
	fp.lastIndex[ref.ShardGroup] = ref.Index
}

// ApplyForeignBlock folds every transaction-bearing command in block into
// this shard's pool evidence, attributing the decision to block's shard
// group (spec.md §4.5). Commands for transactions this shard does not
// track are skipped — they belong to shards not involved in the foreign
// block's transactions.
func (fp *ForeignProposalProcessor) ApplyForeignBlock(block *types.Block) error {
	for _, cmd := range block.Commands {
		if cmd.Kind != types.CommandLocalPrepared && cmd.Kind != types.CommandAllPrepared &&
			cmd.Kind != types.CommandSomePrepared && cmd.Kind != types.CommandAccept {
			continue
		}
		atom := cmd.Atom
		if _, err := fp.pool.Get(atom.ID); err != nil {
			continue
		}

		decision := atom.Decision
		evidence := types.ShardEvidence{Decision: &decision}
		if block.Justify != nil {
			evidence.QCIDs = []types.QCID{block.Justify.ID}
		}
		if err := fp.pool.MergeEvidence(atom.ID, block.ShardGroup, evidence); err != nil {
			return Classify(fmt.Errorf("merge foreign evidence for %s: %w", atom.ID, err), KindTransientIO)
		}
		fp.logger.Debug("folded foreign evidence",
			zap.String("tx_id", atom.ID.String()),
			zap.Uint32("foreign_shard", uint32(block.ShardGroup)),
			zap.String("decision", decision.String()))
	}
	return nil
}

// ResolveLocalStage computes the command a transaction whose evidence is
// now all-shards-complete should advance to: AllPrepared if every shard
// committed, SomePrepared otherwise (spec.md §4.5).
func ResolveLocalStage(evidence types.Evidence) (types.TransactionStage, types.Decision) {
	if evidence.AllShardsCommitted() {
		return types.StageAllPrepared, types.DecisionCommit
	}
	return types.StageSomePrepared, types.DecisionAbort
}
