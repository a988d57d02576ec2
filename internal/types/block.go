package types

import "fmt"

// Block is a node in the per-shard HotStuff chain (spec.md §3).
type Block struct {
	ID             BlockID
	Parent         BlockID
	Justify        *QuorumCertificate // QC on some ancestor; nil only for genesis
	Height         uint64
	Epoch          Epoch
	ShardGroup     ShardGroup
	ProposedBy     NodeID
	Commands       []Command
	ForeignIndexes map[ShardGroup]uint64
	Timestamp      int64
	Signature      []byte

	// IsDummy marks an empty block inserted to preserve leader rotation
	// under a pacemaker timeout (spec.md §4.1, §9 "Dummy-block insertion").
	// Dummy blocks carry no commands and are never executed.
	IsDummy bool
}

// IsGenesis reports whether b is a zero-height block.
func (b *Block) IsGenesis() bool { return b.Height == 0 }

// encode writes the block's canonical representation, excluding ID and
// Signature, matching spec.md §6: "Block id is the hash of this canonical
// encoding excluding the id and signature fields."
func (b *Block) encode() *CanonicalEncoder {
	e := NewCanonicalEncoder()
	e.PutHash(b.Parent)
	if b.Justify != nil {
		e.PutUint64(1)
		e.PutHash(b.Justify.ID)
	} else {
		e.PutUint64(0)
	}
	e.PutUint64(b.Height)
	e.PutUint64(uint64(b.Epoch))
	e.PutUint64(uint64(b.ShardGroup))
	e.PutString(string(b.ProposedBy))
	e.PutUint64(uint64(len(b.Commands)))
	for _, c := range b.Commands {
		c.Encode(e)
	}
	sgs := make([]ShardGroup, 0, len(b.ForeignIndexes))
	for sg := range b.ForeignIndexes {
		sgs = append(sgs, sg)
	}
	sortShardGroups(sgs)
	e.PutUint64(uint64(len(sgs)))
	for _, sg := range sgs {
		e.PutUint64(uint64(sg))
		e.PutUint64(b.ForeignIndexes[sg])
	}
	e.PutInt64(b.Timestamp)
	if b.IsDummy {
		e.PutUint64(1)
	} else {
		e.PutUint64(0)
	}
	return e
}

// ComputeID derives the block's content hash per the canonical encoding.
func (b *Block) ComputeID() BlockID {
	return b.encode().Hash()
}

// SetID recomputes and assigns the block's id.
func (b *Block) SetID() {
	b.ID = b.ComputeID()
}

// VerifyID reports whether the block's stored ID matches its content.
func (b *Block) VerifyID() bool {
	return b.ID == b.ComputeID()
}

func (b *Block) String() string {
	return fmt.Sprintf("Block{height=%d shard=%d id=%s parent=%s}", b.Height, b.ShardGroup, b.ID, b.Parent)
}

// NewGenesisBlock constructs the deterministic zero-height block for
// (epoch, shardGroup). Genesis blocks carry no justify and no commands, and
// are deterministic per (epoch, shard_group) as required by spec.md §3.
func NewGenesisBlock(epoch Epoch, sg ShardGroup) *Block {
	b := &Block{
		Parent:         ZeroHash,
		Justify:        nil,
		Height:         0,
		Epoch:          epoch,
		ShardGroup:     sg,
		ProposedBy:     "",
		Commands:       nil,
		ForeignIndexes: map[ShardGroup]uint64{},
		Timestamp:      0,
	}
	b.SetID()
	return b
}
