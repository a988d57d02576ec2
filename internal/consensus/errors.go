// Package consensus is the per-shard replica's single-threaded
// cooperative state machine (spec.md §2 System Overview): the message
// router, proposal producer, proposal validator, vote collector, commit
// rule, transaction pool FSM glue, foreign-proposal processor and
// pacemaker that together drive chained-HotStuff agreement over one
// shard's block tree. It adapts the teacher's ConsensusEngine run-loop
// shape (internal/consensus/consensus_engine.go) to this component split.
package consensus

import (
	"errors"
	"fmt"
)

// Kind classifies a consensus-layer error for the event loop's
// propagation policy (spec.md §7): most kinds are logged and the loop
// continues, SafetyViolation halts the shard.
type Kind uint8

const (
	KindProposalInvalid Kind = iota
	KindUnsafe
	KindMissingDependency
	KindExecutionRejected
	KindSafetyViolation
	KindTransientIO
)

func (k Kind) String() string {
	switch k {
	case KindProposalInvalid:
		return "ProposalInvalid"
	case KindUnsafe:
		return "Unsafe"
	case KindMissingDependency:
		return "MissingDependency"
	case KindExecutionRejected:
		return "ExecutionRejected"
	case KindSafetyViolation:
		return "SafetyViolation"
	case KindTransientIO:
		return "TransientIO"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// Classified wraps an error with the taxonomy kind spec.md §7 names, so
// the event loop can switch on Kind() without string matching against
// error messages.
type Classified struct {
	kind Kind
	err  error
}

// Classify wraps err under kind. Classify(nil, kind) returns nil — it is
// always safe to wrap a possibly-nil error at a call site.
func Classify(err error, kind Kind) error {
	if err == nil {
		return nil
	}
	return &Classified{kind: kind, err: err}
}

func (c *Classified) Error() string { return fmt.Sprintf("%s: %v", c.kind, c.err) }
func (c *Classified) Unwrap() error { return c.err }
func (c *Classified) Kind() Kind    { return c.kind }

// ClassifyOf extracts the Kind of err if it (or something it wraps) is a
// *Classified, with ok reporting whether one was found.
func ClassifyOf(err error) (Kind, bool) {
	var c *Classified
	if errors.As(err, &c) {
		return c.kind, true
	}
	return 0, false
}

// IsFatal reports whether err's classification requires halting the
// shard (spec.md §7 "SafetyViolation ... Fatal; shard halts").
func IsFatal(err error) bool {
	kind, ok := ClassifyOf(err)
	return ok && kind == KindSafetyViolation
}
