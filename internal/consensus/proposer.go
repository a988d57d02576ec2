package consensus

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tari-project/dan-consensus-core/internal/crypto"
	"github.com/tari-project/dan-consensus-core/internal/mempool"
	"github.com/tari-project/dan-consensus-core/internal/storage"
	"github.com/tari-project/dan-consensus-core/internal/types"
)

// DefaultMaxCommands bounds how many transaction-stage commands one block
// may carry (spec.md §4.1 "select up to MaxCommands transactions").
const DefaultMaxCommands = 100

// DefaultMaxCommandsPerStage caps how many commands of a single pool stage
// a proposal may include, so one busy stage cannot starve the others
// within the overall MaxCommands budget (spec.md §5 supplemented feature,
// original_source's transaction_manager/manager.rs).
const DefaultMaxCommandsPerStage = 40

var ErrHighQCBlockUnknown = errors.New("consensus: high qc references an unknown block")

// PendingForeignProposal is a foreign block this replica has observed but
// not yet acknowledged in one of its own proposals.
type PendingForeignProposal struct {
	ShardGroup types.ShardGroup
	BlockID    types.BlockID
}

// Proposer assembles and signs blocks when this replica is leader and the
// pacemaker beats (spec.md §4.1).
type Proposer struct {
	self       types.NodeID
	signingKey *ecdsa.PrivateKey
	store      *storage.Store
	pool       *mempool.Pool
	logger     *zap.Logger

	mu             sync.Mutex
	foreignIndexes map[types.ShardGroup]uint64
	pendingForeign []PendingForeignProposal
}

// NewProposer builds a Proposer for self, signing blocks with signingKey.
func NewProposer(self types.NodeID, signingKey *ecdsa.PrivateKey, store *storage.Store, pool *mempool.Pool, logger *zap.Logger) *Proposer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Proposer{
		self:           self,
		signingKey:     signingKey,
		store:          store,
		pool:           pool,
		logger:         logger.Named("proposer"),
		foreignIndexes: make(map[types.ShardGroup]uint64),
	}
}

// QueueForeignProposal records a foreign block as pending acknowledgement
// in this replica's next proposal (spec.md §4.1 "inject ForeignProposal
// references for foreign blocks seen since the last local proposal").
func (p *Proposer) QueueForeignProposal(sg types.ShardGroup, blockID types.BlockID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pendingForeign = append(p.pendingForeign, PendingForeignProposal{ShardGroup: sg, BlockID: blockID})
}

// ProposeOpts parameterizes one call to Propose.
type ProposeOpts struct {
	Epoch       types.Epoch
	ShardGroup  types.ShardGroup
	MaxCommands int
	IsDummy     bool // true when the pacemaker signaled a timeout view
}

// Propose assembles, signs and returns the next block for (epoch,
// shard_group), built on top of the replica's current high QC. When
// opts.IsDummy is set, it produces an empty block at parent.height+1
// carrying no commands, preserving leader rotation without changing state
// (spec.md §4.1 "dummy block").
func (p *Proposer) Propose(opts ProposeOpts) (*types.Block, error) {
	highQC, err := p.store.GetHighQC()
	if err != nil {
		return nil, Classify(fmt.Errorf("load high qc: %w", err), KindTransientIO)
	}
	parent, err := p.store.GetBlock(highQC.QC.BlockID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, Classify(fmt.Errorf("%w: %s", ErrHighQCBlockUnknown, highQC.QC.BlockID), KindMissingDependency)
		}
		return nil, Classify(fmt.Errorf("load high qc block: %w", err), KindTransientIO)
	}

	block := &types.Block{
		Parent:     parent.ID,
		Justify:    highQC.QC,
		Height:     parent.Height + 1,
		Epoch:      opts.Epoch,
		ShardGroup: opts.ShardGroup,
		ProposedBy: p.self,
		Timestamp:  time.Now().Unix(),
		IsDummy:    opts.IsDummy,
	}

	if opts.IsDummy {
		block.ForeignIndexes = map[types.ShardGroup]uint64{}
	} else {
		maxCommands := opts.MaxCommands
		if maxCommands <= 0 {
			maxCommands = DefaultMaxCommands
		}
		block.Commands = p.assembleCommands(maxCommands)
		block.ForeignIndexes = p.drainForeignIndexes(&block.Commands)
	}

	types.SortCommands(block.Commands)
	block.SetID()

	sig, err := crypto.SignDigest(p.signingKey, block.ID[:])
	if err != nil {
		return nil, fmt.Errorf("consensus: sign block: %w", err)
	}
	block.Signature = sig

	p.logger.Info("proposed block",
		zap.Uint64("height", block.Height),
		zap.String("block_id", block.ID.String()),
		zap.Int("commands", len(block.Commands)),
		zap.Bool("dummy", block.IsDummy))
	return block, nil
}

// assembleCommands pulls ready transactions from the pool, grouped by
// stage with a per-stage cap, until maxCommands total is reached. Once New
// and Prepared are drained it also resolves any LocalPrepared transaction
// whose cross-shard evidence has become complete, emitting the
// AllPrepared/SomePrepared command ResolveLocalStage computes for it
// (spec.md §4.5) — otherwise those transactions would sit at
// StageLocalPrepared forever, since no other path ever proposes that
// advance.
func (p *Proposer) assembleCommands(maxCommands int) []types.Command {
	byStage := make(map[types.TransactionStage][]*types.TransactionRecord)
	for _, rec := range p.pool.ReadyForProposal(maxCommands * 2) {
		byStage[rec.Stage] = append(byStage[rec.Stage], rec)
	}

	var commands []types.Command
	for _, stage := range []types.TransactionStage{types.StageNew, types.StagePrepared} {
		recs := byStage[stage]
		if len(recs) > DefaultMaxCommandsPerStage {
			recs = recs[:DefaultMaxCommandsPerStage]
		}
		for _, rec := range recs {
			if len(commands) >= maxCommands {
				return commands
			}
			kind, ok := rec.Stage.NextCommandKind()
			if !ok {
				continue
			}
			commands = append(commands, types.Command{Kind: kind, Atom: rec.Transaction})
		}
	}

	if len(commands) < maxCommands {
		commands = append(commands, p.resolvedCommands(maxCommands-len(commands))...)
	}
	return commands
}

// resolvedCommands emits up to maxCommands AllPrepared/SomePrepared
// commands for transactions ReadyToResolve surfaces.
func (p *Proposer) resolvedCommands(maxCommands int) []types.Command {
	if maxCommands <= 0 {
		return nil
	}
	var commands []types.Command
	for _, rec := range p.pool.ReadyToResolve(DefaultMaxCommandsPerStage) {
		if len(commands) >= maxCommands {
			break
		}
		stage, decision := ResolveLocalStage(rec.Transaction.Evidence)
		kind := types.CommandAllPrepared
		if stage == types.StageSomePrepared {
			kind = types.CommandSomePrepared
		}
		atom := rec.Transaction
		atom.Decision = decision
		commands = append(commands, types.Command{Kind: kind, Atom: atom})
	}
	return commands
}

// drainForeignIndexes appends one ForeignProposal command per pending
// foreign block, assigning each a strictly increasing per-shard index, and
// returns the resulting foreign_indexes map for the block header (spec.md
// §4.1 "preserving a monotone per-foreign-shard index").
func (p *Proposer) drainForeignIndexes(commands *[]types.Command) map[types.ShardGroup]uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make(map[types.ShardGroup]uint64, len(p.foreignIndexes))
	for sg, idx := range p.foreignIndexes {
		out[sg] = idx
	}

	for _, pending := range p.pendingForeign {
		next := p.foreignIndexes[pending.ShardGroup] + 1
		p.foreignIndexes[pending.ShardGroup] = next
		out[pending.ShardGroup] = next
		*commands = append(*commands, types.Command{
			Kind:            types.CommandForeignProposal,
			ForeignProposal: types.ForeignProposalRef{ShardGroup: pending.ShardGroup, BlockID: pending.BlockID, Index: next},
		})
	}
	p.pendingForeign = nil
	return out
}
