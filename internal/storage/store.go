// Package storage persists the block tree, quorum certificates, votes,
// cursor singletons, pool records and substates behind a single boltdb
// file, following the bucket-per-entity / JSON-value convention used by
// the object storage service this package is adapted from.
package storage

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/boltdb/bolt"
	"go.uber.org/zap"

	"github.com/tari-project/dan-consensus-core/internal/types"
)

var (
	ErrNotFound      = errors.New("storage: not found")
	ErrAlreadyExists = errors.New("storage: already exists")
)

var (
	bucketBlocks         = []byte("blocks")
	bucketBlocksByParent = []byte("blocks_by_parent")
	bucketGenesisIndex   = []byte("genesis_index")
	bucketQCs            = []byte("quorum_certificates")
	bucketQCByBlock      = []byte("qc_by_block")
	bucketVotes          = []byte("votes")
	bucketCursors        = []byte("cursors")
	bucketTxPool         = []byte("tx_pool")
	bucketSubstates      = []byte("substates")
	bucketSubstateLatest = []byte("substate_latest")
)

var allBuckets = [][]byte{
	bucketBlocks, bucketBlocksByParent, bucketGenesisIndex,
	bucketQCs, bucketQCByBlock, bucketVotes, bucketCursors,
	bucketTxPool, bucketSubstates, bucketSubstateLatest,
}

const (
	cursorKeyHighQC       = "high_qc"
	cursorKeyLockedBlock  = "locked_block"
	cursorKeyLastExecuted = "last_executed"
	cursorKeyLeafBlock    = "leaf_block"
	cursorKeyLastVoted    = "last_voted"
)

// Store is the replica's durable state: the block tree, QCs, votes,
// global cursors, the transaction pool, and substates. Every mutation runs
// inside a single boltdb write transaction, matching spec.md §9's
// requirement that cursor updates are atomic with the writes that justify
// them.
type Store struct {
	db     *bolt.DB
	logger *zap.Logger
}

// Open opens (creating if absent) the boltdb file at path and ensures all
// buckets exist.
func Open(path string, logger *zap.Logger) (*Store, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("storage: failed to open %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: failed to initialize buckets: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: db, logger: logger.Named("storage")}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func parentIndexKey(parent types.BlockID, height uint64, id types.BlockID) []byte {
	key := make([]byte, 0, len(parent)+8+len(id))
	key = append(key, parent[:]...)
	var h [8]byte
	binary.BigEndian.PutUint64(h[:], height)
	key = append(key, h[:]...)
	key = append(key, id[:]...)
	return key
}

func genesisIndexKey(epoch types.Epoch, sg types.ShardGroup) []byte {
	key := make([]byte, 12)
	binary.BigEndian.PutUint64(key[:8], uint64(epoch))
	binary.BigEndian.PutUint32(key[8:], uint32(sg))
	return key
}

func substateVersionKey(id types.SubstateID, version uint64) []byte {
	key := make([]byte, 0, len(id)+8)
	key = append(key, []byte(id)...)
	var v [8]byte
	binary.BigEndian.PutUint64(v[:], version)
	return append(key, v[:]...)
}

// PutBlock persists a block and indexes it by parent and, for genesis
// blocks, by (epoch, shard_group).
func (s *Store) PutBlock(b *types.Block) error {
	data, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("storage: marshal block: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketBlocks).Put(b.ID[:], data); err != nil {
			return err
		}
		if err := tx.Bucket(bucketBlocksByParent).Put(parentIndexKey(b.Parent, b.Height, b.ID), b.ID[:]); err != nil {
			return err
		}
		if b.IsGenesis() {
			if err := tx.Bucket(bucketGenesisIndex).Put(genesisIndexKey(b.Epoch, b.ShardGroup), b.ID[:]); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetBlock returns the block for id, or ErrNotFound.
func (s *Store) GetBlock(id types.BlockID) (*types.Block, error) {
	var b types.Block
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketBlocks).Get(id[:])
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &b)
	})
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// GetBlocksByParent returns every known child of parent, ordered by
// height then id (the index's natural key order).
func (s *Store) GetBlocksByParent(parent types.BlockID) ([]*types.Block, error) {
	var out []*types.Block
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketBlocksByParent).Cursor()
		prefix := parent[:]
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			var id types.BlockID
			copy(id[:], v)
			data := tx.Bucket(bucketBlocks).Get(id[:])
			if data == nil {
				continue
			}
			var b types.Block
			if err := json.Unmarshal(data, &b); err != nil {
				return err
			}
			out = append(out, &b)
		}
		return nil
	})
	return out, err
}

// GetGenesisForEpoch returns the deterministic genesis block for
// (epoch, shard_group), or ErrNotFound if it has not been stored yet.
func (s *Store) GetGenesisForEpoch(epoch types.Epoch, sg types.ShardGroup) (*types.Block, error) {
	var id types.BlockID
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketGenesisIndex).Get(genesisIndexKey(epoch, sg))
		if data == nil {
			return ErrNotFound
		}
		copy(id[:], data)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.GetBlock(id)
}

func hasPrefix(b, prefix []byte) bool {
	if len(b) < len(prefix) {
		return false
	}
	for i := range prefix {
		if b[i] != prefix[i] {
			return false
		}
	}
	return true
}

// PutQC persists a quorum certificate and indexes it by block id.
func (s *Store) PutQC(qc *types.QuorumCertificate) error {
	data, err := json.Marshal(qc)
	if err != nil {
		return fmt.Errorf("storage: marshal qc: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketQCs).Put(qc.ID[:], data); err != nil {
			return err
		}
		return tx.Bucket(bucketQCByBlock).Put(qc.BlockID[:], qc.ID[:])
	})
}

// GetQC returns the quorum certificate for id, or ErrNotFound.
func (s *Store) GetQC(id types.QCID) (*types.QuorumCertificate, error) {
	var qc types.QuorumCertificate
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketQCs).Get(id[:])
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &qc)
	})
	if err != nil {
		return nil, err
	}
	return &qc, nil
}

// GetQCByBlock returns the quorum certificate justifying blockID, or
// ErrNotFound if none has formed yet.
func (s *Store) GetQCByBlock(blockID types.BlockID) (*types.QuorumCertificate, error) {
	var id types.QCID
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketQCByBlock).Get(blockID[:])
		if data == nil {
			return ErrNotFound
		}
		copy(id[:], data)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.GetQC(id)
}

func voteKey(blockID types.BlockID, sender types.NodeID) []byte {
	return append(append([]byte{}, blockID[:]...), []byte(sender)...)
}

// SaveVote persists a vote, keyed by (block id, sender) so a replica's
// equivocating second vote on the same block is detectable rather than
// silently overwriting the first. existed reports whether this sender had
// already voted on this block.
func (s *Store) SaveVote(v *types.Vote) (existed bool, err error) {
	data, err := json.Marshal(v)
	if err != nil {
		return false, fmt.Errorf("storage: marshal vote: %w", err)
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketVotes)
		key := voteKey(v.BlockID, v.Sender)
		existed = b.Get(key) != nil
		return b.Put(key, data)
	})
	return existed, err
}

// CountVotesForBlock counts stored votes for blockID agreeing on decision.
func (s *Store) CountVotesForBlock(blockID types.BlockID, decision types.QuorumDecision) (int, error) {
	count := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketVotes).Cursor()
		prefix := blockID[:]
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			var vote types.Vote
			if err := json.Unmarshal(v, &vote); err != nil {
				return err
			}
			if vote.Decision == decision {
				count++
			}
		}
		return nil
	})
	return count, err
}

// VotesForBlock returns every stored vote for blockID.
func (s *Store) VotesForBlock(blockID types.BlockID) ([]*types.Vote, error) {
	var out []*types.Vote
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketVotes).Cursor()
		prefix := blockID[:]
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			var vote types.Vote
			if err := json.Unmarshal(v, &vote); err != nil {
				return err
			}
			out = append(out, &vote)
		}
		return nil
	})
	return out, err
}

func (s *Store) getCursor(key string, dest interface{}) error {
	return s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketCursors).Get([]byte(key))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, dest)
	})
}

func (s *Store) putCursor(key string, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("storage: marshal cursor %s: %w", key, err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCursors).Put([]byte(key), data)
	})
}

func (s *Store) GetHighQC() (*types.HighQC, error) {
	var v types.HighQC
	if err := s.getCursor(cursorKeyHighQC, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

func (s *Store) UpdateHighQC(v types.HighQC) error {
	return s.putCursor(cursorKeyHighQC, v)
}

func (s *Store) GetLockedBlock() (*types.LockedBlock, error) {
	var v types.LockedBlock
	if err := s.getCursor(cursorKeyLockedBlock, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

func (s *Store) UpdateLockedBlock(v types.LockedBlock) error {
	return s.putCursor(cursorKeyLockedBlock, v)
}

func (s *Store) GetLastExecuted() (*types.LastExecuted, error) {
	var v types.LastExecuted
	if err := s.getCursor(cursorKeyLastExecuted, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

func (s *Store) UpdateLastExecuted(v types.LastExecuted) error {
	return s.putCursor(cursorKeyLastExecuted, v)
}

func (s *Store) GetLeafBlock() (*types.LeafBlock, error) {
	var v types.LeafBlock
	if err := s.getCursor(cursorKeyLeafBlock, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

func (s *Store) UpdateLeafBlock(v types.LeafBlock) error {
	return s.putCursor(cursorKeyLeafBlock, v)
}

// AdvanceLeafBlock moves the leaf-block cursor to candidate if none is
// recorded yet or candidate sits strictly higher than the current one, so
// both the engine (accepting a freshly validated proposal) and the syncer
// (replaying a peer's history, oldest-first) can call it unconditionally
// without ever regressing a cursor the other has already moved further.
func (s *Store) AdvanceLeafBlock(candidate types.LeafBlock) error {
	current, err := s.GetLeafBlock()
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	if current != nil && current.Height >= candidate.Height {
		return nil
	}
	return s.UpdateLeafBlock(candidate)
}

func (s *Store) GetLastVoted() (*types.LastVoted, error) {
	var v types.LastVoted
	if err := s.getCursor(cursorKeyLastVoted, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

func (s *Store) UpdateLastVoted(v types.LastVoted) error {
	return s.putCursor(cursorKeyLastVoted, v)
}

// GetTransaction returns the pool record for id, or ErrNotFound.
func (s *Store) GetTransaction(id types.TransactionID) (*types.TransactionRecord, error) {
	var tr types.TransactionRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketTxPool).Get(id[:])
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &tr)
	})
	if err != nil {
		return nil, err
	}
	return &tr, nil
}

// UpsertTransaction persists tr, overwriting any prior record for the
// same transaction id.
func (s *Store) UpsertTransaction(tr *types.TransactionRecord) error {
	data, err := json.Marshal(tr)
	if err != nil {
		return fmt.Errorf("storage: marshal tx record: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTxPool).Put(tr.Transaction.ID[:], data)
	})
}

// RemoveTransaction deletes the pool record for id, if any.
func (s *Store) RemoveTransaction(id types.TransactionID) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTxPool).Delete(id[:])
	})
}

// PutSubstate persists a versioned substate record and, if it is newer
// than the currently recorded latest version, advances the latest-version
// index.
func (s *Store) PutSubstate(sub *types.Substate) error {
	data, err := json.Marshal(sub)
	if err != nil {
		return fmt.Errorf("storage: marshal substate: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSubstates)
		if err := b.Put(substateVersionKey(sub.SubstateID, sub.Version), data); err != nil {
			return err
		}
		latest := tx.Bucket(bucketSubstateLatest)
		cur := latest.Get([]byte(sub.SubstateID))
		if cur == nil || binary.BigEndian.Uint64(cur) < sub.Version {
			var v [8]byte
			binary.BigEndian.PutUint64(v[:], sub.Version)
			return latest.Put([]byte(sub.SubstateID), v[:])
		}
		return nil
	})
}

// GetSubstateVersion returns the specific version of id, or ErrNotFound.
func (s *Store) GetSubstateVersion(id types.SubstateID, version uint64) (*types.Substate, error) {
	var sub types.Substate
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketSubstates).Get(substateVersionKey(id, version))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &sub)
	})
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

// GetLatestSubstate returns the highest-versioned record for id, or
// ErrNotFound if id has never been written.
func (s *Store) GetLatestSubstate(id types.SubstateID) (*types.Substate, error) {
	var version uint64
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketSubstateLatest).Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}
		version = binary.BigEndian.Uint64(data)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.GetSubstateVersion(id, version)
}
