package types

// QuorumDecision is the decision a QC binds a block to. A QC's decision is
// independent from the transactions' own Decision field — it expresses
// whether the committee accepted or rejected the *block*.
type QuorumDecision uint8

const (
	QuorumAccept QuorumDecision = iota
	QuorumReject
)

// ValidatorSignature is one committee member's signature over a
// (block_id, decision) pair, plus the leaf hash of their position in the
// validator set's Merkle tree used to prove committee membership without
// shipping the whole validator set (spec.md §3 "leaf_hashes").
type ValidatorSignature struct {
	Signer    NodeID
	LeafHash  Hash32
	Signature []byte
}

// QuorumCertificate aggregates >= quorum_threshold votes for a block at a
// single decision (spec.md §3).
type QuorumCertificate struct {
	ID          QCID
	BlockID     BlockID
	BlockHeight uint64
	Epoch       Epoch
	ShardGroup  ShardGroup
	Signatures  []ValidatorSignature // canonical order: ascending Signer
	Decision    QuorumDecision
}

func (qc *QuorumCertificate) encode() *CanonicalEncoder {
	e := NewCanonicalEncoder()
	e.PutHash(qc.BlockID)
	e.PutUint64(qc.BlockHeight)
	e.PutUint64(uint64(qc.Epoch))
	e.PutUint64(uint64(qc.ShardGroup))
	e.PutUint64(uint64(qc.Decision))
	sigs := make([]ValidatorSignature, len(qc.Signatures))
	copy(sigs, qc.Signatures)
	sortSignatures(sigs)
	e.PutUint64(uint64(len(sigs)))
	for _, s := range sigs {
		e.PutString(string(s.Signer))
		e.PutHash(s.LeafHash)
		e.PutBytes(s.Signature)
	}
	return e
}

func sortSignatures(sigs []ValidatorSignature) {
	for i := 1; i < len(sigs); i++ {
		for j := i; j > 0 && sigs[j].Signer < sigs[j-1].Signer; j-- {
			sigs[j], sigs[j-1] = sigs[j-1], sigs[j]
		}
	}
}

// ComputeID derives the QC's deterministic id over its canonical encoding.
func (qc *QuorumCertificate) ComputeID() QCID { return qc.encode().Hash() }

// SetID recomputes and assigns the QC's id.
func (qc *QuorumCertificate) SetID() { qc.ID = qc.ComputeID() }

// GreaterThan orders two QCs by (block height, block id) as spec.md §4.3
// requires for HighQC comparison: "if greater (by view/height, tiebreak
// block_id)".
func (qc *QuorumCertificate) GreaterThan(other *QuorumCertificate) bool {
	if other == nil {
		return true
	}
	if qc.BlockHeight != other.BlockHeight {
		return qc.BlockHeight > other.BlockHeight
	}
	return lessHash(other.BlockID, qc.BlockID)
}

// GenesisQC constructs the deterministic QC justifying a genesis block, so
// the chain always has a well-formed HighQC to start from.
func GenesisQC(genesis *Block) *QuorumCertificate {
	qc := &QuorumCertificate{
		BlockID:     genesis.ID,
		BlockHeight: genesis.Height,
		Epoch:       genesis.Epoch,
		ShardGroup:  genesis.ShardGroup,
		Signatures:  nil,
		Decision:    QuorumAccept,
	}
	qc.SetID()
	return qc
}
