package types

// Cursors are the block-tree pointers every replica maintains (spec.md §3,
// §9 "Global cursors are modeled as single-row keyed rows in the store, not
// in-memory singletons"). The store persists each as a single row; the
// consensus core treats them as opaque values it reads and
// compare-and-updates inside a write transaction.

// HighQC is the QC with the greatest (height, block_id) this replica has
// observed.
type HighQC struct {
	QC *QuorumCertificate
}

// LockedBlock is the two-chain tip that must never be orphaned.
type LockedBlock struct {
	BlockID BlockID
	Height  uint64
}

// LastExecuted is the last block whose commands were applied to the
// substate store.
type LastExecuted struct {
	BlockID BlockID
	Height  uint64
}

// LeafBlock is the tip of this replica's active branch.
type LeafBlock struct {
	BlockID BlockID
	Height  uint64
}

// LastVoted is the height and block this replica last cast a vote for. It
// is the cursor that lets a replica refuse to vote twice at the same
// height for two different blocks, the safety property a leader
// equivocating between B and B' at the same height would otherwise defeat
// (spec.md §8 scenario 5).
type LastVoted struct {
	BlockID BlockID
	Height  uint64
}
