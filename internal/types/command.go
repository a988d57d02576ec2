package types

import "fmt"

// Decision is the binary outcome a transaction or vote carries.
type Decision uint8

const (
	DecisionCommit Decision = iota
	DecisionAbort
)

func (d Decision) String() string {
	if d == DecisionCommit {
		return "Commit"
	}
	return "Abort"
}

// AbortReason records why a transaction was aborted, for diagnostics and
// RPC status reporting (spec.md §7 "RPC surfaces report ... Rejected{reason}").
type AbortReason string

const (
	AbortReasonNone               AbortReason = ""
	AbortReasonExecutionRejected  AbortReason = "execution_rejected"
	AbortReasonFailedToLockInputs AbortReason = "failed_to_lock_inputs"
	AbortReasonForeignShardAbort  AbortReason = "foreign_shard_abort"
)

// ShardEvidence is one shard group's contribution to a transaction's
// cross-shard evidence map: the QCs it has observed plus its decision, if
// any (spec.md §3 "Evidence").
type ShardEvidence struct {
	QCIDs    []QCID
	Decision *Decision // nil until the shard has decided
}

// Clone returns a deep copy so evidence merges never alias caller state.
func (e ShardEvidence) Clone() ShardEvidence {
	out := ShardEvidence{QCIDs: append([]QCID(nil), e.QCIDs...)}
	if e.Decision != nil {
		d := *e.Decision
		out.Decision = &d
	}
	return out
}

// Evidence maps each shard group involved in a transaction to its
// ShardEvidence. Evidence only grows along a commit path (spec.md §8
// "Evidence monotonicity").
type Evidence map[ShardGroup]ShardEvidence

// Clone deep-copies the evidence map.
func (e Evidence) Clone() Evidence {
	out := make(Evidence, len(e))
	for sg, se := range e {
		out[sg] = se.Clone()
	}
	return out
}

// AllShardsComplete reports whether every involved shard has recorded a
// non-nil decision (spec.md §3).
func (e Evidence) AllShardsComplete() bool {
	if len(e) == 0 {
		return false
	}
	for _, se := range e {
		if se.Decision == nil {
			return false
		}
	}
	return true
}

// AllShardsCommitted reports whether evidence is complete and every shard
// decided Commit.
func (e Evidence) AllShardsCommitted() bool {
	if !e.AllShardsComplete() {
		return false
	}
	for _, se := range e {
		if *se.Decision != DecisionCommit {
			return false
		}
	}
	return true
}

// Merge folds another shard's evidence into e, taking the union of QC ids
// and overwriting Decision only when the incoming one is set. Merge never
// removes a previously recorded decision — that would violate evidence
// monotonicity.
func (e Evidence) Merge(sg ShardGroup, incoming ShardEvidence) {
	cur := e[sg]
	seen := make(map[QCID]struct{}, len(cur.QCIDs))
	for _, id := range cur.QCIDs {
		seen[id] = struct{}{}
	}
	for _, id := range incoming.QCIDs {
		if _, ok := seen[id]; !ok {
			cur.QCIDs = append(cur.QCIDs, id)
			seen[id] = struct{}{}
		}
	}
	if incoming.Decision != nil {
		d := *incoming.Decision
		cur.Decision = &d
	}
	e[sg] = cur
}

// TransactionAtom is the per-transaction payload carried inside commands
// (spec.md §3).
type TransactionAtom struct {
	ID             TransactionID
	Decision       Decision
	Evidence       Evidence
	TransactionFee uint64
	LeaderFee      uint64
	AbortFee       uint64
	AbortReason    AbortReason
}

// CommandKind tags the variant held by a Command. Commands are a sum type,
// not an inheritance hierarchy (spec.md §9 "Polymorphism").
type CommandKind uint8

const (
	CommandPrepare CommandKind = iota
	CommandLocalPrepared
	CommandAllPrepared
	CommandSomePrepared
	CommandAccept
	CommandForeignProposal
	CommandEpochEvent
)

// stagePriority fixes the canonical within-block ordering required by
// spec.md §3: "lexicographic by (stage-priority, transaction_id)".
func (k CommandKind) stagePriority() int {
	switch k {
	case CommandPrepare:
		return 0
	case CommandLocalPrepared:
		return 1
	case CommandAllPrepared:
		return 2
	case CommandSomePrepared:
		return 2 // AllPrepared and SomePrepared are mutually exclusive per tx, same priority tier
	case CommandAccept:
		return 3
	case CommandForeignProposal:
		return 4
	case CommandEpochEvent:
		return 5
	default:
		return 99
	}
}

func (k CommandKind) String() string {
	switch k {
	case CommandPrepare:
		return "Prepare"
	case CommandLocalPrepared:
		return "LocalPrepared"
	case CommandAllPrepared:
		return "AllPrepared"
	case CommandSomePrepared:
		return "SomePrepared"
	case CommandAccept:
		return "Accept"
	case CommandForeignProposal:
		return "ForeignProposal"
	case CommandEpochEvent:
		return "EpochEvent"
	default:
		return fmt.Sprintf("CommandKind(%d)", uint8(k))
	}
}

// EpochEventKind enumerates the meta-events carried by CommandEpochEvent.
type EpochEventKind uint8

const (
	EpochEventEnd EpochEventKind = iota
	EpochEventStart
)

// ForeignProposalRef points at a block from another shard group whose
// commands this block is acknowledging, by (shard group, block id) plus
// the monotone per-foreign-shard index the producer assigned it (spec.md
// §3 "foreign_indexes").
type ForeignProposalRef struct {
	ShardGroup ShardGroup
	BlockID    BlockID
	Index      uint64
}

// Command is an ordered element of a block. Exactly one of the payload
// fields is meaningful, selected by Kind.
type Command struct {
	Kind            CommandKind
	Atom            TransactionAtom     // Prepare, LocalPrepared, AllPrepared, SomePrepared, Accept
	ForeignProposal ForeignProposalRef  // ForeignProposal
	EpochEvent      EpochEventKind      // EpochEvent
}

// SortKey returns the (stage-priority, transaction_id) tuple used for
// canonical command ordering within a block.
func (c Command) sortKey() (int, TransactionID) {
	return c.Kind.stagePriority(), c.Atom.ID
}

// SortCommands orders commands canonically in place (spec.md §3).
func SortCommands(cmds []Command) {
	less := func(i, j int) bool {
		pi, ti := cmds[i].sortKey()
		pj, tj := cmds[j].sortKey()
		if pi != pj {
			return pi < pj
		}
		return lessHash(ti, tj)
	}
	insertionSortCommands(cmds, less)
}

func lessHash(a, b Hash32) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

// insertionSortCommands keeps the sort dependency-free and stable; block
// command counts are bounded by MaxCommands so O(n^2) is not a concern.
func insertionSortCommands(cmds []Command, less func(i, j int) bool) {
	for i := 1; i < len(cmds); i++ {
		for j := i; j > 0 && less(j, j-1); j-- {
			cmds[j], cmds[j-1] = cmds[j-1], cmds[j]
		}
	}
}

// Encode writes the command's canonical representation.
func (c Command) Encode(e *CanonicalEncoder) {
	e.PutUint64(uint64(c.Kind))
	switch c.Kind {
	case CommandForeignProposal:
		e.PutUint64(uint64(c.ForeignProposal.ShardGroup))
		e.PutHash(c.ForeignProposal.BlockID)
		e.PutUint64(c.ForeignProposal.Index)
	case CommandEpochEvent:
		e.PutUint64(uint64(c.EpochEvent))
	default:
		a := c.Atom
		e.PutHash(a.ID)
		e.PutUint64(uint64(a.Decision))
		e.PutUint64(a.TransactionFee)
		e.PutUint64(a.LeaderFee)
		e.PutUint64(a.AbortFee)
		e.PutString(string(a.AbortReason))
		sgs := make([]ShardGroup, 0, len(a.Evidence))
		for sg := range a.Evidence {
			sgs = append(sgs, sg)
		}
		sortShardGroups(sgs)
		e.PutUint64(uint64(len(sgs)))
		for _, sg := range sgs {
			se := a.Evidence[sg]
			e.PutUint64(uint64(sg))
			qcBytes := make([][]byte, len(se.QCIDs))
			for i, id := range se.QCIDs {
				b := id
				qcBytes[i] = b[:]
			}
			e.PutSortedBytesSet(qcBytes)
			if se.Decision != nil {
				e.PutUint64(1)
				e.PutUint64(uint64(*se.Decision))
			} else {
				e.PutUint64(0)
			}
		}
	}
}

func sortShardGroups(sgs []ShardGroup) {
	for i := 1; i < len(sgs); i++ {
		for j := i; j > 0 && sgs[j] < sgs[j-1]; j-- {
			sgs[j], sgs[j-1] = sgs[j-1], sgs[j]
		}
	}
}
