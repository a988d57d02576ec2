package types

// Vote is a single committee member's ballot on a block (spec.md §3).
// A Vote binds (block_id, decision) — the newer vote-collector design per
// spec.md §9's Open Questions, not the older vote-receiver scheme.
type Vote struct {
	Epoch          Epoch
	BlockID        BlockID
	BlockHeight    uint64
	Decision       QuorumDecision
	Sender         NodeID
	SenderLeafHash Hash32
	Signature      []byte
}

func (v *Vote) encode() *CanonicalEncoder {
	e := NewCanonicalEncoder()
	e.PutUint64(uint64(v.Epoch))
	e.PutHash(v.BlockID)
	e.PutUint64(v.BlockHeight)
	e.PutUint64(uint64(v.Decision))
	e.PutString(string(v.Sender))
	e.PutHash(v.SenderLeafHash)
	return e
}

// SigningBytes returns the bytes a validator signs to produce a vote's
// signature (and that verification re-derives).
func (v *Vote) SigningBytes() []byte { return v.encode().Bytes() }

// CommitteeInfo describes the local committee's membership shape for an
// epoch (spec.md §3).
type CommitteeInfo struct {
	NumCommittees   uint32
	CommitteeSize   uint32
	ThisShardGroup  ShardGroup
	Members         []NodeID // canonical order: as returned by the epoch manager
}

// QuorumThreshold is ⌈2N/3⌉+1, the number of matching-decision votes needed
// to form a QC (spec.md §3).
func (ci CommitteeInfo) QuorumThreshold() int {
	n := int(ci.CommitteeSize)
	return (2*n)/3 + 1
}

// LivenessThreshold is ⌊N/3⌋+1, the number of votes needed for an f+1
// liveness prod (e.g. to justify a view-change broadcast).
func (ci CommitteeInfo) LivenessThreshold() int {
	n := int(ci.CommitteeSize)
	return n/3 + 1
}

// IsMember reports whether id is a recognized committee member.
func (ci CommitteeInfo) IsMember(id NodeID) bool {
	for _, m := range ci.Members {
		if m == id {
			return true
		}
	}
	return false
}
