// Package types defines the wire- and store-level data model shared by every
// consensus subsystem: blocks, quorum certificates, commands, transaction
// atoms, evidence, substates and the block-tree cursors. Types here carry ids,
// never pointers, so the store is always the resolver (see DESIGN.md).
package types

import (
	"encoding/hex"
	"fmt"
)

// Hash32 is a blake3-256 digest used for block, QC and substate identity.
type Hash32 [32]byte

// ZeroHash is the all-zero digest used as the parent hash of genesis blocks.
var ZeroHash Hash32

func (h Hash32) String() string {
	return hex.EncodeToString(h[:])
}

// IsZero reports whether h is the zero hash.
func (h Hash32) IsZero() bool {
	return h == ZeroHash
}

// MarshalJSON encodes h as a hex string, so stored records read like the
// hashes logged alongside them.
func (h Hash32) MarshalJSON() ([]byte, error) {
	return []byte(`"` + h.String() + `"`), nil
}

// UnmarshalJSON decodes a hex string produced by MarshalJSON.
func (h *Hash32) UnmarshalJSON(data []byte) error {
	if len(data) < 2 || data[0] != '"' || data[len(data)-1] != '"' {
		return fmt.Errorf("hash json decode: expected a quoted hex string")
	}
	decoded, err := HashFromHex(string(data[1 : len(data)-1]))
	if err != nil {
		return err
	}
	*h = decoded
	return nil
}

func HashFromHex(s string) (Hash32, error) {
	var h Hash32
	b, err := hex.DecodeString(s)
	if err != nil {
		return h, fmt.Errorf("hash hex decode: %w", err)
	}
	if len(b) != len(h) {
		return h, fmt.Errorf("hash hex decode: expected %d bytes, got %d", len(h), len(b))
	}
	copy(h[:], b)
	return h, nil
}

// BlockID identifies a block: the blake3 hash over its canonical encoding,
// excluding the id and signature fields (spec.md §6 "Persisted layout").
type BlockID = Hash32

// QCID identifies a quorum certificate: the blake3 hash over its canonical
// encoding excluding the id and signatures fields.
type QCID = Hash32

// TransactionID identifies a transaction; supplied by the execution layer's
// caller, carried opaquely by the consensus core.
type TransactionID = Hash32

// Epoch is a monotone non-negative integer tagging a membership snapshot.
type Epoch uint64

// ShardGroup is a contiguous range of a 256-bit keyspace, identified here by
// its index into the committee partition (the 256-bit bounds themselves are
// owned by the epoch manager, an external collaborator per spec.md §6).
type ShardGroup uint32

// View is the pacemaker's monotone round counter.
type View uint64

// NodeID identifies a committee member by its public key bytes, hex-encoded
// for use as map keys and log fields.
type NodeID string
