package types

import (
	"bytes"
	"encoding/binary"
	"sort"

	"lukechampine.com/blake3"
)

// CanonicalEncoder builds the deterministic structured encoding required by
// spec.md §6: fixed integer width, sorted maps, length-prefixed variable
// arrays. No third-party library in the retrieved pack offers Tari's
// tari_bor canonical encoding, so this is a small hand-rolled encoder in
// the style of the teacher's internal/core/utils.go (encodeInt64,
// SortByteSlices) — see DESIGN.md for the standard-library justification.
type CanonicalEncoder struct {
	buf bytes.Buffer
}

func NewCanonicalEncoder() *CanonicalEncoder {
	return &CanonicalEncoder{}
}

func (e *CanonicalEncoder) Bytes() []byte { return e.buf.Bytes() }

// PutUint64 writes a fixed-width big-endian uint64.
func (e *CanonicalEncoder) PutUint64(v uint64) *CanonicalEncoder {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	e.buf.Write(b[:])
	return e
}

// PutInt64 writes a fixed-width big-endian int64.
func (e *CanonicalEncoder) PutInt64(v int64) *CanonicalEncoder {
	return e.PutUint64(uint64(v))
}

// PutBytes writes a length-prefixed byte slice.
func (e *CanonicalEncoder) PutBytes(b []byte) *CanonicalEncoder {
	e.PutUint64(uint64(len(b)))
	e.buf.Write(b)
	return e
}

// PutString writes a length-prefixed UTF-8 string.
func (e *CanonicalEncoder) PutString(s string) *CanonicalEncoder {
	return e.PutBytes([]byte(s))
}

// PutHash writes a fixed-width 32-byte digest.
func (e *CanonicalEncoder) PutHash(h Hash32) *CanonicalEncoder {
	e.buf.Write(h[:])
	return e
}

// PutSortedBytesSet writes a set of byte slices in lexicographic order so
// the encoding does not depend on insertion order, matching the teacher's
// SortByteSlices canonicalization rule.
func (e *CanonicalEncoder) PutSortedBytesSet(items [][]byte) *CanonicalEncoder {
	cp := make([][]byte, len(items))
	copy(cp, items)
	sort.Slice(cp, func(i, j int) bool { return bytes.Compare(cp[i], cp[j]) < 0 })
	e.PutUint64(uint64(len(cp)))
	for _, it := range cp {
		e.PutBytes(it)
	}
	return e
}

// Hash returns the blake3-256 digest of the accumulated encoding.
func (e *CanonicalEncoder) Hash() Hash32 {
	return blake3.Sum256(e.buf.Bytes())
}
