// Package mempool is the transaction pool: the per-transaction state
// machine (spec.md §3, §4.5 "Pool FSM"), its pending updates keyed by the
// proposing block, and the priority ordering the proposer draws from when
// filling a block.
package mempool

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/tari-project/dan-consensus-core/internal/types"
)

var (
	ErrPoolInit          = errors.New("mempool: initialization error")
	ErrTransactionExists = errors.New("mempool: transaction already exists")
	ErrTransactionNotFound = errors.New("mempool: transaction not found")
	ErrPoolCapacityFull  = errors.New("mempool: capacity is full")
	ErrInvalidTransition = errors.New("mempool: invalid stage transition")
	ErrStickyAbort       = errors.New("mempool: transaction already aborted")
)

const defaultMaxPendingTransactions = 10000

// Pool holds every transaction this shard knows about, indexed by id, at
// whatever stage the FSM in spec.md §4.5 has advanced it to.
type Pool struct {
	mu       sync.RWMutex
	records  map[types.TransactionID]*types.TransactionRecord
	order    []types.TransactionID // priority order: oldest New/Prepared first
	capacity int
	logger   *zap.Logger
}

// NewPool creates a Pool with the given capacity (<=0 uses the default).
func NewPool(capacity int, logger *zap.Logger) *Pool {
	if capacity <= 0 {
		capacity = defaultMaxPendingTransactions
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		records:  make(map[types.TransactionID]*types.TransactionRecord),
		capacity: capacity,
		logger:   logger.Named("mempool"),
	}
}

// Admit adds a brand-new transaction to the pool at StageNew. It rejects
// duplicates and enforces capacity.
func (p *Pool) Admit(atom types.TransactionAtom, isLocalOnly bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.records[atom.ID]; exists {
		return fmt.Errorf("%w: %s", ErrTransactionExists, atom.ID)
	}
	if len(p.records) >= p.capacity {
		return fmt.Errorf("%w: %d/%d", ErrPoolCapacityFull, len(p.records), p.capacity)
	}

	rec := &types.TransactionRecord{
		Transaction: atom,
		Stage:       types.StageNew,
		IsLocalOnly: isLocalOnly,
	}
	p.records[atom.ID] = rec
	p.order = append(p.order, atom.ID)
	p.logger.Debug("admitted transaction", zap.String("tx_id", atom.ID.String()))
	return nil
}

// Get returns a copy of the record for id.
func (p *Pool) Get(id types.TransactionID) (*types.TransactionRecord, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	rec, ok := p.records[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTransactionNotFound, id)
	}
	clone := *rec
	return &clone, nil
}

// ReadyForProposal returns, in priority order, up to maxCount transactions
// whose next command the proposer should try to include — those sitting
// at StageNew or StagePrepared with no pending update yet attached for
// the block being built (spec.md §4.1 "Proposal construction").
func (p *Pool) ReadyForProposal(maxCount int) []*types.TransactionRecord {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]*types.TransactionRecord, 0, maxCount)
	for _, id := range p.order {
		rec, ok := p.records[id]
		if !ok || rec.Stage.IsTerminal() {
			continue
		}
		if _, hasNext := rec.Stage.NextCommandKind(); !hasNext {
			continue
		}
		clone := *rec
		out = append(out, &clone)
		if len(out) >= maxCount {
			break
		}
	}
	return out
}

// ReadyToResolve returns, in priority order, up to maxCount transactions
// sitting at StageLocalPrepared whose cross-shard evidence has become
// complete (spec.md §4.5 "Foreign evidence integration") — candidates for
// the AllPrepared/SomePrepared command a proposer can now emit for them.
func (p *Pool) ReadyToResolve(maxCount int) []*types.TransactionRecord {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]*types.TransactionRecord, 0, maxCount)
	for _, id := range p.order {
		rec, ok := p.records[id]
		if !ok || rec.Stage != types.StageLocalPrepared {
			continue
		}
		if !rec.Transaction.Evidence.AllShardsComplete() {
			continue
		}
		clone := *rec
		out = append(out, &clone)
		if len(out) >= maxCount {
			break
		}
	}
	return out
}

// ProposePendingUpdate attaches a tentative stage transition to
// transaction id, tagged by the block that proposed it. It does not
// become authoritative until ApplyPendingUpdate is called for that block
// (spec.md §4.5 "PendingUpdate"). A transaction already at a terminal
// stage with Decision == Abort never accepts a new pending update
// (sticky abort).
func (p *Pool) ProposePendingUpdate(id types.TransactionID, update types.PendingUpdate) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	rec, ok := p.records[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTransactionNotFound, id)
	}
	if rec.Stage == types.StageAborted {
		return fmt.Errorf("%w: %s", ErrStickyAbort, id)
	}
	if !isValidTransition(rec.Stage, update.NewStage) {
		return fmt.Errorf("%w: %s -> %s for %s", ErrInvalidTransition, rec.Stage, update.NewStage, id)
	}
	rec.PendingUpdates = append(rec.PendingUpdates, update)
	return nil
}

// isValidTransition reports whether moving from `from` to `to` follows the
// pool FSM's DAG (spec.md §4.5): New -> Prepared -> LocalPrepared ->
// {AllPrepared, SomePrepared} -> {Committed, Aborted}. Abort is reachable
// from any non-terminal stage. New -> Committed is also direct: it is the
// CommandAccept short-circuit for local-only transactions (spec.md §4.4
// "same effect as AllPrepared/SomePrepared in one step").
func isValidTransition(from, to types.TransactionStage) bool {
	if to == types.StageAborted {
		return !from.IsTerminal()
	}
	switch from {
	case types.StageNew:
		return to == types.StagePrepared || to == types.StageCommitted
	case types.StagePrepared:
		return to == types.StageLocalPrepared
	case types.StageLocalPrepared:
		// CommandAllPrepared/CommandSomePrepared resolve the global decision
		// and land the record on its terminal stage directly — the
		// AllPrepared/SomePrepared pool stages below are reachable only as
		// defensive targets, never actually proposed as NewStage today.
		return to == types.StageAllPrepared || to == types.StageSomePrepared || to == types.StageCommitted
	case types.StageAllPrepared, types.StageSomePrepared:
		return to == types.StageCommitted
	default:
		return false
	}
}

// ApplyPendingUpdate makes blockID's pending update for id authoritative:
// the record's stage and decision advance, and the update's abort reason,
// resolved inputs, resulting outputs and fees (where set) are copied onto
// it; the update's locks are not kept on the record. Every other pending
// update attached to id is dropped (only one branch can win).
func (p *Pool) ApplyPendingUpdate(id types.TransactionID, blockID types.BlockID) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	rec, ok := p.records[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTransactionNotFound, id)
	}
	update, found := rec.PendingForBlock(blockID)
	if !found {
		return fmt.Errorf("mempool: no pending update from block %s for tx %s", blockID, id)
	}
	rec.Stage = update.NewStage
	rec.Decision = update.NewDecision
	if update.AbortReason != "" {
		rec.AbortReason = update.AbortReason
	}
	if update.ResolvedInputs != nil {
		rec.ResolvedInputs = update.ResolvedInputs
	}
	if update.ResultingOutputs != nil {
		rec.ResultingOutputs = update.ResultingOutputs
	}
	if update.Fee != 0 {
		rec.Transaction.TransactionFee = update.Fee
	}
	if update.AbortFee != 0 {
		rec.Transaction.AbortFee = update.AbortFee
	}
	rec.PendingUpdates = nil
	return nil
}

// DropBranch discards every pending update tagged by blockID across the
// whole pool, used when blockID's branch is abandoned (spec.md §4.5).
func (p *Pool) DropBranch(blockID types.BlockID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, rec := range p.records {
		rec.DropPendingForBlock(blockID)
	}
}

// MergeEvidence folds foreign evidence into id's transaction atom
// (spec.md §4.3 "Evidence collection"), monotonically.
func (p *Pool) MergeEvidence(id types.TransactionID, sg types.ShardGroup, ev types.ShardEvidence) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, ok := p.records[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTransactionNotFound, id)
	}
	if rec.Transaction.Evidence == nil {
		rec.Transaction.Evidence = types.Evidence{}
	}
	rec.Transaction.Evidence.Merge(sg, ev)
	return nil
}

// Remove deletes id from the pool (after it reaches a terminal stage and
// its outcome has been delivered to callers).
func (p *Pool) Remove(id types.TransactionID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.records, id)
	for i, existing := range p.order {
		if existing == id {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
}

// Size returns the number of transactions currently tracked.
func (p *Pool) Size() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.records)
}

// StageCounts returns a snapshot count of transactions per stage, mainly
// for metrics export.
func (p *Pool) StageCounts() map[types.TransactionStage]int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	counts := make(map[types.TransactionStage]int)
	for _, rec := range p.records {
		counts[rec.Stage]++
	}
	return counts
}

// ids returns a sorted snapshot of every tracked transaction id, used by
// tests and diagnostics.
func (p *Pool) ids() []types.TransactionID {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]types.TransactionID, 0, len(p.records))
	for id := range p.records {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}
