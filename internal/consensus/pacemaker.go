package consensus

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/tari-project/dan-consensus-core/internal/types"
)

// MaxConsecutiveTimeoutBackoff caps the exponential view-deadline backoff
// (spec.md §4.7 "base_timeout × 2^k") so a long partition does not grow
// the deadline without bound.
const MaxConsecutiveTimeoutBackoff = 6

// NewViewSignal is what OnTimeout hands the router to send to the next
// leader (spec.md §4.7 "construct NewView message with HighQC, send to
// next leader").
type NewViewSignal struct {
	Epoch      types.Epoch
	View       types.View
	HighQC     types.QuorumCertificate
	NextLeader types.NodeID
}

// Pacemaker owns view timing and leader rotation for one shard-group
// replica (spec.md §4.7). It is driven by a mockable clock
// (benbjohnson/clock) so tests can advance time deterministically instead
// of sleeping.
type Pacemaker struct {
	mu sync.Mutex

	clock       clock.Clock
	baseTimeout time.Duration
	logger      *zap.Logger

	epoch      types.Epoch
	shardGroup types.ShardGroup
	committee  types.CommitteeInfo

	currentView         types.View
	currentHighQCView   types.View
	viewDeadline        time.Time
	consecutiveTimeouts uint32

	beatCh chan struct{}
}

// NewPacemaker builds a Pacemaker ticking against clk with baseTimeout as
// the undilated view length. Pass clock.New() in production and
// clock.NewMock() in tests.
func NewPacemaker(clk clock.Clock, baseTimeout time.Duration, logger *zap.Logger) *Pacemaker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pacemaker{
		clock:       clk,
		baseTimeout: baseTimeout,
		logger:      logger.Named("pacemaker"),
		beatCh:      make(chan struct{}, 1),
	}
}

// Reset (re)initializes the pacemaker for a committee, starting at
// startView with a fresh deadline and no accumulated timeouts. Called on
// startup and on every epoch change.
func (p *Pacemaker) Reset(epoch types.Epoch, sg types.ShardGroup, committee types.CommitteeInfo, startView types.View) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.epoch = epoch
	p.shardGroup = sg
	p.committee = committee
	p.currentView = startView
	p.currentHighQCView = 0
	p.consecutiveTimeouts = 0
	p.viewDeadline = p.clock.Now().Add(p.baseTimeout)
}

// CurrentView returns the view this replica is currently in.
func (p *Pacemaker) CurrentView() types.View {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.currentView
}

// Deadline returns the wall-clock time the current view expires at.
func (p *Pacemaker) Deadline() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.viewDeadline
}

// Beat signals the proposal producer that it should attempt to propose
// (spec.md §4.1 "when the pacemaker beats"). Non-blocking: a beat already
// pending is not duplicated.
func (p *Pacemaker) Beat() {
	select {
	case p.beatCh <- struct{}{}:
	default:
	}
}

// Beats is the channel the proposal producer drains.
func (p *Pacemaker) Beats() <-chan struct{} { return p.beatCh }

// OnHighQC advances the current view if qcView is greater than what this
// replica has seen, and resets the deadline with exponential backoff
// based on the current consecutive-timeout count (spec.md §4.7).
func (p *Pacemaker) OnHighQC(qcView types.View) (advanced bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if qcView < p.currentHighQCView {
		return false
	}
	p.currentHighQCView = qcView
	next := qcView + 1
	if next <= p.currentView {
		return false
	}
	p.currentView = next
	p.viewDeadline = p.clock.Now().Add(p.backoffLocked())
	return true
}

// OnTimeout fires when the view deadline elapses without progress. It
// increments the consecutive-timeout counter, advances the view, and
// returns the NewView signal to send to the next leader.
func (p *Pacemaker) OnTimeout(highQC types.QuorumCertificate) NewViewSignal {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.consecutiveTimeouts < MaxConsecutiveTimeoutBackoff {
		p.consecutiveTimeouts++
	}
	p.currentView++
	p.viewDeadline = p.clock.Now().Add(p.backoffLocked())
	next := p.leaderLocked(p.currentView)
	p.logger.Warn("view timeout",
		zap.Uint64("new_view", uint64(p.currentView)),
		zap.Uint32("consecutive_timeouts", p.consecutiveTimeouts),
		zap.String("next_leader", string(next)))
	return NewViewSignal{Epoch: p.epoch, View: p.currentView, HighQC: highQC, NextLeader: next}
}

// OnCommit resets the consecutive-timeout counter the first time a block
// commits in a view (spec.md §5 supplemented feature: the counter resets
// on commit, not merely on observing a higher QC).
func (p *Pacemaker) OnCommit() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.consecutiveTimeouts = 0
}

// IsExpired reports whether the current view's deadline has passed.
func (p *Pacemaker) IsExpired() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.clock.Now().Before(p.viewDeadline)
}

func (p *Pacemaker) backoffLocked() time.Duration {
	shift := p.consecutiveTimeouts
	if shift > MaxConsecutiveTimeoutBackoff {
		shift = MaxConsecutiveTimeoutBackoff
	}
	return p.baseTimeout * time.Duration(uint64(1)<<shift)
}

// LeaderFor returns the deterministic leader for view under the current
// committee (spec.md §4.7 "leader(view, shard_group) = committee[(hash
// (view, shard_group) mod N)]"). Round-robin fallback under repeated
// timeouts is folded into the same formula since hashing view already
// varies the selection on every view advance, including those caused by
// timeouts.
func (p *Pacemaker) LeaderFor(view types.View) types.NodeID {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.leaderLocked(view)
}

func (p *Pacemaker) leaderLocked(view types.View) types.NodeID {
	return LeaderForView(p.committee, p.shardGroup, view)
}

// LeaderForView computes spec.md §4.7's deterministic leader schedule:
// committee[hash(view, shard_group) mod N]. Shared by the Pacemaker (to
// pick who to send a NewView to) and the Proposal Validator (to check
// proposer eligibility), so both sides of the check use one hash path.
func LeaderForView(committee types.CommitteeInfo, sg types.ShardGroup, view types.View) types.NodeID {
	if len(committee.Members) == 0 {
		return ""
	}
	h := types.NewCanonicalEncoder().PutUint64(uint64(view)).PutUint64(uint64(sg)).Hash()
	idx := binary.BigEndian.Uint64(h[:8]) % uint64(len(committee.Members))
	return committee.Members[idx]
}
