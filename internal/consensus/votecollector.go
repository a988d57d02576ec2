package consensus

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/tari-project/dan-consensus-core/internal/storage"
	"github.com/tari-project/dan-consensus-core/internal/types"
)

var (
	ErrVoteNotCommitteeMember = errors.New("consensus: vote sender is not a committee member")
	ErrVoteAlreadyCast        = errors.New("consensus: sender already voted for this block")
	ErrQCAlreadyFormed        = errors.New("consensus: a quorum certificate already exists for this block")
)

// DefaultVoteBufferPerSender bounds how many out-of-order votes (for
// blocks this replica hasn't received a proposal for yet) one sender may
// have buffered at once (spec.md §5 "buffered up to a bounded limit per
// peer"; supplemented by original_source/vote_receiver.rs's per-sender
// buffering).
const DefaultVoteBufferPerSender = 16

// VoteCollector tallies votes per block and forms a QC once a decision
// reaches quorum (spec.md §4.3). Votes for a block this replica has not
// seen a proposal for yet are held in a bounded per-sender buffer and
// replayed once the block becomes known.
type VoteCollector struct {
	mu        sync.Mutex
	store     *storage.Store
	committee func(epoch types.Epoch) (types.CommitteeInfo, error)
	logger    *zap.Logger

	formedQC map[types.BlockID]struct{}
	buffered map[types.NodeID][]types.Vote // sender -> buffered votes, oldest first
}

// NewVoteCollector builds a collector persisting votes to store and
// resolving committee membership through committeeFor.
func NewVoteCollector(store *storage.Store, committeeFor func(epoch types.Epoch) (types.CommitteeInfo, error), logger *zap.Logger) *VoteCollector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &VoteCollector{
		store:     store,
		committee: committeeFor,
		logger:    logger.Named("vote_collector"),
		formedQC:  make(map[types.BlockID]struct{}),
		buffered:  make(map[types.NodeID][]types.Vote),
	}
}

// KnownBlock is implemented by whatever can tell the collector a block id
// is recognized locally, so out-of-order votes can be told apart from
// votes for blocks that will never arrive.
type KnownBlock func(id types.BlockID) bool

// AddVote records v and, once its (block_id, decision) reaches the
// committee's quorum threshold, returns the formed QC. A nil QC with a
// nil error means the vote was accepted but quorum has not formed yet.
// If isKnown(v.BlockID) is false, the vote is buffered instead of
// rejected (spec.md §5 "votes for block B may arrive before the proposal
// for B").
func (vc *VoteCollector) AddVote(v types.Vote, isKnown KnownBlock) (*types.QuorumCertificate, error) {
	committee, err := vc.committee(v.Epoch)
	if err != nil {
		return nil, Classify(fmt.Errorf("resolve committee for epoch %d: %w", v.Epoch, err), KindTransientIO)
	}
	if !committee.IsMember(v.Sender) {
		return nil, Classify(fmt.Errorf("%w: %s", ErrVoteNotCommitteeMember, v.Sender), KindProposalInvalid)
	}

	if !isKnown(v.BlockID) {
		vc.bufferVote(v)
		return nil, nil
	}

	return vc.admit(v, committee)
}

// DrainBuffered replays every vote buffered for blockID now that it has
// become known. Each sender's votes replay in arrival order; the order
// across senders is not defined.
func (vc *VoteCollector) DrainBuffered(blockID types.BlockID, committee types.CommitteeInfo) (*types.QuorumCertificate, error) {
	vc.mu.Lock()
	var matching []types.Vote
	for sender, votes := range vc.buffered {
		kept := votes[:0]
		for _, v := range votes {
			if v.BlockID == blockID {
				matching = append(matching, v)
			} else {
				kept = append(kept, v)
			}
		}
		vc.buffered[sender] = kept
	}
	vc.mu.Unlock()

	var lastQC *types.QuorumCertificate
	for _, v := range matching {
		qc, err := vc.admit(v, committee)
		if err != nil {
			vc.logger.Warn("dropping buffered vote on replay", zap.Error(err))
			continue
		}
		if qc != nil {
			lastQC = qc
		}
	}
	return lastQC, nil
}

func (vc *VoteCollector) bufferVote(v types.Vote) {
	vc.mu.Lock()
	defer vc.mu.Unlock()
	buf := vc.buffered[v.Sender]
	if len(buf) >= DefaultVoteBufferPerSender {
		buf = buf[1:]
	}
	vc.buffered[v.Sender] = append(buf, v)
}

func (vc *VoteCollector) admit(v types.Vote, committee types.CommitteeInfo) (*types.QuorumCertificate, error) {
	vc.mu.Lock()
	_, alreadyFormed := vc.formedQC[v.BlockID]
	vc.mu.Unlock()
	if alreadyFormed {
		return nil, nil
	}

	existed, err := vc.store.SaveVote(&v)
	if err != nil {
		return nil, Classify(fmt.Errorf("save vote: %w", err), KindTransientIO)
	}
	if existed {
		return nil, Classify(fmt.Errorf("%w: %s on %s", ErrVoteAlreadyCast, v.Sender, v.BlockID), KindProposalInvalid)
	}

	count, err := vc.store.CountVotesForBlock(v.BlockID, v.Decision)
	if err != nil {
		return nil, Classify(fmt.Errorf("count votes: %w", err), KindTransientIO)
	}
	if count < committee.QuorumThreshold() {
		return nil, nil
	}

	return vc.formQC(v, committee)
}

// formQC builds the quorum certificate for (block_id, decision) out of
// every stored vote agreeing with v. Caller has already confirmed the
// threshold is met.
func (vc *VoteCollector) formQC(v types.Vote, committee types.CommitteeInfo) (*types.QuorumCertificate, error) {
	vc.mu.Lock()
	if _, already := vc.formedQC[v.BlockID]; already {
		vc.mu.Unlock()
		return nil, nil
	}
	vc.mu.Unlock()

	votes, err := vc.store.VotesForBlock(v.BlockID)
	if err != nil {
		return nil, Classify(fmt.Errorf("load votes: %w", err), KindTransientIO)
	}

	sigs := make([]types.ValidatorSignature, 0, len(votes))
	for _, vote := range votes {
		if vote.Decision != v.Decision {
			continue
		}
		sigs = append(sigs, types.ValidatorSignature{
			Signer:    vote.Sender,
			LeafHash:  vote.SenderLeafHash,
			Signature: vote.Signature,
		})
	}

	qc := &types.QuorumCertificate{
		BlockID:     v.BlockID,
		BlockHeight: v.BlockHeight,
		Epoch:       v.Epoch,
		ShardGroup:  committee.ThisShardGroup,
		Signatures:  sigs,
		Decision:    v.Decision,
	}
	qc.SetID()

	if err := vc.store.PutQC(qc); err != nil {
		return nil, Classify(fmt.Errorf("persist qc: %w", err), KindTransientIO)
	}

	vc.mu.Lock()
	vc.formedQC[v.BlockID] = struct{}{}
	vc.mu.Unlock()

	vc.logger.Info("formed quorum certificate",
		zap.String("block_id", v.BlockID.String()),
		zap.Uint64("height", v.BlockHeight),
		zap.Int("signatures", len(sigs)))
	return qc, nil
}

