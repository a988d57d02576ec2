// Package execution is the runtime consensus calls out to when a
// transaction reaches the stage where its effects must be computed
// (spec.md §3, §4.2 "Execution runtime"). Core only ever sees the
// Executor interface: it treats the runtime as deterministic given its
// inputs and assumes nothing else about how it works.
package execution

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/tari-project/dan-consensus-core/internal/types"
)

var (
	ErrMissingInput      = errors.New("execution: required input not resolved")
	ErrOutputAlreadyUp   = errors.New("execution: output already exists")
	ErrUnknownOpcode     = errors.New("execution: unknown instruction opcode")
	ErrInvalidInstruction = errors.New("execution: invalid instruction arguments")
)

// Opcode selects the effect an Instruction has on substates, mirroring the
// host-function catalogue a contract runtime exposes to compiled code
// (set/get storage, transfer value, emit an event, log a message).
type Opcode uint8

const (
	OpSetStorage Opcode = iota
	OpTransfer
	OpEmitEvent
	OpLogMessage
)

func (op Opcode) String() string {
	switch op {
	case OpSetStorage:
		return "SetStorage"
	case OpTransfer:
		return "Transfer"
	case OpEmitEvent:
		return "EmitEvent"
	case OpLogMessage:
		return "LogMessage"
	default:
		return fmt.Sprintf("Opcode(%d)", uint8(op))
	}
}

// Instruction is one step of a transaction's program, addressed against
// the substates it was built to read or write.
type Instruction struct {
	Op       Opcode
	Target   types.SubstateID // substate the instruction writes (SetStorage, Transfer destination)
	Source   types.SubstateID // substate the instruction reads from (Transfer source)
	Value    []byte           // SetStorage value, or the transferred amount (big-endian uint64)
	Topic    string           // EmitEvent topic
	Message  string           // LogMessage / EmitEvent payload
}

// Transaction is the client-submitted payload execution consumes: the
// program to run plus the versioned substates it declared it would touch.
// It is distinct from types.TransactionAtom, which is the narrow
// consensus-relevant projection the pool and block pipeline carry —
// Transaction never leaves this package and the shard's RPC boundary.
type Transaction struct {
	ID           types.TransactionID
	Instructions []Instruction
	RequiredInputs []types.LockIntent
	FeeLimit     uint64
	SignerPublicKey []byte
}

// Event is a log entry a contract emitted during execution, surfaced to
// clients subscribing to transaction outcomes.
type Event struct {
	Topic string
	Data  []byte
}

// ExecutedTransaction is the runtime's verdict: the decision, the inputs it
// actually resolved, the outputs it produced, the fee charged and whatever
// it logged or emitted along the way (spec.md §4.2).
type ExecutedTransaction struct {
	TransactionID    types.TransactionID
	Decision         types.Decision
	AbortReason      types.AbortReason
	ResolvedInputs   []types.VersionedSubstateID
	ResultingOutputs []*types.Substate
	Fee              uint64
	Logs             []string
	Events           []Event
}

// Executor runs a transaction against a resolved view of its declared
// inputs and returns its effects. Implementations must be deterministic:
// the same transaction, epoch and resolved inputs always produce the same
// ExecutedTransaction.
type Executor interface {
	Execute(ctx context.Context, tx Transaction, epoch types.Epoch, resolved []*types.Substate) (*ExecutedTransaction, error)
}

// NativeExecutor runs a transaction's instructions directly, in order,
// against an in-memory working set seeded from its resolved inputs. There
// is no sandboxing beyond gas metering: instructions only ever touch
// substates the transaction declared as inputs, which LockMany has already
// established exclusive or shared access to before execution runs.
type NativeExecutor struct {
	baseFee uint64
	logger  *zap.Logger
}

// NewNativeExecutor builds a NativeExecutor that charges baseFee gas before
// running any instruction, regardless of what the instruction does.
func NewNativeExecutor(baseFee uint64, logger *zap.Logger) *NativeExecutor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NativeExecutor{baseFee: baseFee, logger: logger.Named("execution")}
}

// Execute implements Executor. A transaction that runs out of gas or hits
// an instruction it cannot satisfy aborts with the offending reason rather
// than returning an error — execution failure is a valid, deterministic
// outcome the pool must still record.
func (n *NativeExecutor) Execute(ctx context.Context, tx Transaction, epoch types.Epoch, resolved []*types.Substate) (*ExecutedTransaction, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	byID := make(map[types.SubstateID]*types.Substate, len(resolved))
	for _, sub := range resolved {
		byID[sub.SubstateID] = sub
	}
	for _, intent := range tx.RequiredInputs {
		if _, ok := byID[intent.VersionedSubstateID.ID]; !ok && intent.Kind != types.LockOutput {
			return n.abort(tx, types.AbortReasonFailedToLockInputs,
				fmt.Sprintf("%s: %s", ErrMissingInput, intent.VersionedSubstateID.ID)), nil
		}
	}

	tank := NewGasTank(tx.FeeLimit)
	if err := tank.Consume(n.baseFee); err != nil {
		return n.abort(tx, types.AbortReasonExecutionRejected, err.Error()), nil
	}

	outputs := make(map[types.SubstateID]*types.Substate)
	var logs []string
	var events []Event

	for _, instr := range tx.Instructions {
		if err := tank.Consume(gasCost(instr)); err != nil {
			return n.abort(tx, types.AbortReasonExecutionRejected, err.Error()), nil
		}
		switch instr.Op {
		case OpSetStorage:
			outputs[instr.Target] = &types.Substate{
				SubstateID:  instr.Target,
				Value:       append([]byte(nil), instr.Value...),
				CreatedByTx: tx.ID,
			}
		case OpTransfer:
			src, ok := byID[instr.Source]
			if !ok {
				return n.abort(tx, types.AbortReasonFailedToLockInputs,
					fmt.Sprintf("%s: transfer source %s", ErrMissingInput, instr.Source)), nil
			}
			amount, err := decodeUint64(instr.Value)
			if err != nil {
				return n.abort(tx, types.AbortReasonExecutionRejected, err.Error()), nil
			}
			balance, err := decodeUint64(src.Value)
			if err != nil {
				return n.abort(tx, types.AbortReasonExecutionRejected, err.Error()), nil
			}
			if balance < amount {
				return n.abort(tx, types.AbortReasonExecutionRejected, "transfer: insufficient balance"), nil
			}
			outputs[instr.Source] = &types.Substate{
				SubstateID:  instr.Source,
				Value:       encodeUint64(balance - amount),
				CreatedByTx: tx.ID,
			}
			destBalance := uint64(0)
			if dest, ok := outputs[instr.Target]; ok {
				destBalance, _ = decodeUint64(dest.Value)
			} else if dest, ok := byID[instr.Target]; ok {
				destBalance, _ = decodeUint64(dest.Value)
			}
			outputs[instr.Target] = &types.Substate{
				SubstateID:  instr.Target,
				Value:       encodeUint64(destBalance + amount),
				CreatedByTx: tx.ID,
			}
		case OpEmitEvent:
			events = append(events, Event{Topic: instr.Topic, Data: []byte(instr.Message)})
		case OpLogMessage:
			logs = append(logs, instr.Message)
		default:
			return n.abort(tx, types.AbortReasonExecutionRejected,
				fmt.Sprintf("%s: %s", ErrUnknownOpcode, instr.Op)), nil
		}
	}

	resultingOutputs := make([]*types.Substate, 0, len(outputs))
	for _, sub := range outputs {
		resultingOutputs = append(resultingOutputs, sub)
	}
	resolvedInputs := make([]types.VersionedSubstateID, len(tx.RequiredInputs))
	for i, intent := range tx.RequiredInputs {
		resolvedInputs[i] = intent.VersionedSubstateID
	}

	n.logger.Debug("executed transaction",
		zap.String("tx_id", tx.ID.String()),
		zap.Uint64("gas_consumed", tank.Consumed()),
		zap.Int("outputs", len(resultingOutputs)),
	)

	return &ExecutedTransaction{
		TransactionID:    tx.ID,
		Decision:         types.DecisionCommit,
		ResolvedInputs:   resolvedInputs,
		ResultingOutputs: resultingOutputs,
		Fee:              tank.Consumed(),
		Logs:             logs,
		Events:           events,
	}, nil
}

func (n *NativeExecutor) abort(tx Transaction, reason types.AbortReason, detail string) *ExecutedTransaction {
	n.logger.Debug("aborted transaction",
		zap.String("tx_id", tx.ID.String()),
		zap.String("reason", string(reason)),
		zap.String("detail", detail),
	)
	return &ExecutedTransaction{
		TransactionID: tx.ID,
		Decision:      types.DecisionAbort,
		AbortReason:   reason,
		Logs:          []string{detail},
	}
}

// gasCost charges a flat per-instruction cost plus a byte-proportional
// component for anything that touches the state trie or the event log.
func gasCost(instr Instruction) uint64 {
	const baseInstrCost = 10
	switch instr.Op {
	case OpSetStorage:
		return baseInstrCost + uint64(len(instr.Value))
	case OpTransfer:
		return baseInstrCost + 20
	case OpEmitEvent:
		return baseInstrCost + uint64(len(instr.Topic)+len(instr.Message))
	case OpLogMessage:
		return baseInstrCost + uint64(len(instr.Message))
	default:
		return baseInstrCost
	}
}

func encodeUint64(v uint64) []byte {
	out := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		out[i] = byte(v)
		v >>= 8
	}
	return out
}

func decodeUint64(b []byte) (uint64, error) {
	if len(b) != 8 {
		return 0, fmt.Errorf("%w: expected an 8-byte uint64, got %d bytes", ErrInvalidInstruction, len(b))
	}
	var v uint64
	for _, c := range b {
		v = v<<8 | uint64(c)
	}
	return v, nil
}
