// Package wire is the consensus message envelope and framing (spec.md §6
// "Inbound consensus messages": wire-framed, length-prefixed, canonically
// encoded). It adapts the teacher's internal/p2p/message.go Message/
// MessageType/gob-payload pattern to the six message kinds core actually
// exchanges with its committee.
package wire

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"

	"github.com/tari-project/dan-consensus-core/internal/types"
)

var (
	ErrMessageSerialization   = errors.New("wire: failed to serialize message")
	ErrMessageDeserialization = errors.New("wire: failed to deserialize message")
	ErrPayloadDecoding        = errors.New("wire: failed to decode payload")
	ErrFrameTooLarge          = errors.New("wire: frame exceeds maximum size")
	ErrUnknownMessageType     = errors.New("wire: unknown message type")
)

// MaxFrameSize bounds a single length-prefixed frame so a malformed or
// hostile peer cannot force an unbounded read buffer allocation.
const MaxFrameSize = 16 << 20 // 16 MiB

// MessageType tags the payload carried by an Envelope (spec.md §6).
type MessageType byte

const (
	MsgProposal MessageType = iota
	MsgVote
	MsgForeignProposal
	MsgNewView
	MsgSyncRequest
	MsgSyncResponse
)

func (mt MessageType) String() string {
	switch mt {
	case MsgProposal:
		return "PROPOSAL"
	case MsgVote:
		return "VOTE"
	case MsgForeignProposal:
		return "FOREIGN_PROPOSAL"
	case MsgNewView:
		return "NEW_VIEW"
	case MsgSyncRequest:
		return "SYNC_REQUEST"
	case MsgSyncResponse:
		return "SYNC_RESPONSE"
	default:
		return fmt.Sprintf("UNKNOWN_MSG_TYPE(%d)", byte(mt))
	}
}

// Envelope is the fundamental unit exchanged between committee members.
// CorrelationID ties a SyncResponse back to the SyncRequest that prompted
// it; unsolicited messages (Proposal, Vote, ForeignProposal, NewView) carry
// a freshly generated one only for tracing.
type Envelope struct {
	Type          MessageType
	SenderID      types.NodeID
	CorrelationID uuid.UUID
	Payload       []byte
}

// NewEnvelope builds an Envelope wrapping payload, already gob-encoded via
// EncodePayload.
func NewEnvelope(msgType MessageType, sender types.NodeID, payload []byte) Envelope {
	return Envelope{Type: msgType, SenderID: sender, CorrelationID: uuid.New(), Payload: payload}
}

// --- Payloads ---

// ProposalPayload carries a local-committee block proposal.
type ProposalPayload struct {
	Block types.Block
}

// VotePayload carries a single committee member's ballot.
type VotePayload struct {
	Vote types.Vote
}

// ForeignProposalPayload carries a block produced by another shard group's
// committee, relayed so the local side can reference it by ForeignProposalRef.
type ForeignProposalPayload struct {
	Block types.Block
}

// NewViewPayload is sent to the next leader on a pacemaker timeout.
type NewViewPayload struct {
	Epoch  types.Epoch
	View   types.View
	HighQC types.QuorumCertificate
}

// SyncRequestPayload asks a peer for everything after FromBlockID, optionally
// bounded by UpToEpoch.
type SyncRequestPayload struct {
	FromBlockID types.BlockID
	UpToEpoch   *types.Epoch
}

// SyncResponsePayload streams the blocks, QCs, substate updates and
// transactions a SyncRequest asked for: one block per envelope, all
// sharing the request's CorrelationID. Final marks the last envelope in
// the stream, since a single response payload carries only one block and
// the requester otherwise has no way to know when the responder's chain
// has run out.
type SyncResponsePayload struct {
	Block           types.Block
	QCs             []types.QuorumCertificate
	SubstateUpdates []types.Substate
	Transactions    []types.TransactionAtom
	Final           bool
}

func init() {
	gob.Register(ProposalPayload{})
	gob.Register(VotePayload{})
	gob.Register(ForeignProposalPayload{})
	gob.Register(NewViewPayload{})
	gob.Register(SyncRequestPayload{})
	gob.Register(SyncResponsePayload{})
}

// EncodePayload gob-encodes any of the payload structs above for inclusion
// in an Envelope.
func EncodePayload(payload interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(payload); err != nil {
		return nil, fmt.Errorf("%w: %T: %v", ErrMessageSerialization, payload, err)
	}
	return buf.Bytes(), nil
}

// DecodePayload gob-decodes data into target, which must be a pointer to
// one of the payload structs above.
func DecodePayload(data []byte, target interface{}) error {
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(target); err != nil {
		return fmt.Errorf("%w: into %T: %v", ErrPayloadDecoding, target, err)
	}
	return nil
}

// EncodeEnvelope gob-encodes the whole envelope for framing.
func EncodeEnvelope(env Envelope) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMessageSerialization, err)
	}
	return buf.Bytes(), nil
}

// DecodeEnvelope gob-decodes a whole envelope read off the wire.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMessageDeserialization, err)
	}
	return env, nil
}

// WriteFrame writes a length-prefixed envelope to w: a big-endian uint32
// byte count followed by the gob-encoded envelope (spec.md §6 "wire-framed,
// length-prefixed").
func WriteFrame(w io.Writer, env Envelope) error {
	data, err := EncodeEnvelope(env)
	if err != nil {
		return err
	}
	if len(data) > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(data))
	}
	var lenPrefix [4]byte
	binary.BigEndian.PutUint32(lenPrefix[:], uint32(len(data)))
	if _, err := w.Write(lenPrefix[:]); err != nil {
		return fmt.Errorf("wire: write frame length: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("wire: write frame body: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed envelope from r.
func ReadFrame(r io.Reader) (Envelope, error) {
	var lenPrefix [4]byte
	if _, err := io.ReadFull(r, lenPrefix[:]); err != nil {
		return Envelope{}, fmt.Errorf("wire: read frame length: %w", err)
	}
	size := binary.BigEndian.Uint32(lenPrefix[:])
	if size > MaxFrameSize {
		return Envelope{}, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, size)
	}
	buf := make([]byte, size)
	if _, err := io.ReadFull(r, buf); err != nil {
		return Envelope{}, fmt.Errorf("wire: read frame body: %w", err)
	}
	return DecodeEnvelope(buf)
}
