package mempool

import (
	"fmt"
	"sync"

	"github.com/tari-project/dan-consensus-core/internal/execution"
	"github.com/tari-project/dan-consensus-core/internal/types"
)

// TransactionBodyStore holds the full client-submitted transaction body
// (program and required inputs) behind the narrow TransactionAtom a Pool
// record carries, keyed by id. It is the shard-local half of the
// consensus.TransactionSource seam: the RPC surface that actually accepts
// client submissions is out of scope here (spec.md §6 "external
// collaborators"), but the validator still needs somewhere to resolve a
// proposed transaction's body back to for re-execution, so this mirrors
// the teacher's Mempool (internal/core/mempool.go) shape — a mutex-guarded
// map keyed by id — one level up the stack, over execution.Transaction
// instead of a wire-format pb.Transaction.
type TransactionBodyStore struct {
	mu     sync.RWMutex
	bodies map[types.TransactionID]execution.Transaction
}

// NewTransactionBodyStore creates an empty TransactionBodyStore.
func NewTransactionBodyStore() *TransactionBodyStore {
	return &TransactionBodyStore{bodies: make(map[types.TransactionID]execution.Transaction)}
}

// Put records tx's body, overwriting any earlier submission under the same
// id (a resubmission is assumed identical; nothing re-validates that here).
func (s *TransactionBodyStore) Put(tx execution.Transaction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bodies[tx.ID] = tx
}

// Transaction implements consensus.TransactionSource.
func (s *TransactionBodyStore) Transaction(id types.TransactionID) (execution.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tx, ok := s.bodies[id]
	if !ok {
		return execution.Transaction{}, fmt.Errorf("mempool: no transaction body recorded for %s", id)
	}
	return tx, nil
}

// Remove discards id's body once its outcome is terminal and delivered.
func (s *TransactionBodyStore) Remove(id types.TransactionID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.bodies, id)
}
