package kv

import (
	"sync/atomic"

	deadlock "github.com/sasha-s/go-deadlock"
)

// txState is a transaction's lifecycle state (§3).
type txState uint8

const (
	txActive txState = iota
	txCommitted
	txAborted
)

// undoOp is one entry in a transaction's undo log: the inverse of a
// single mutation, replayed in reverse on abort (§4.4).
type undoOp struct {
	apply func()
}

// Tx is a transaction: an id, a lifecycle state, the locks it holds, an
// undo log, and the set of indexes it has mutated (§3).
type Tx struct {
	id    uint32
	state txState
	mu    deadlock.Mutex

	locks map[string]LockMode // resource -> held mode, for ReleaseAll

	undo []undoOp

	writers map[*schemaEntry]struct{} // indexes this tx is registered as an active writer on

	victimRequested atomic.Bool
	autocommit      bool
}

func newTx(id uint32, autocommit bool) *Tx {
	return &Tx{
		id:         id,
		state:      txActive,
		locks:      make(map[string]LockMode),
		writers:    make(map[*schemaEntry]struct{}),
		autocommit: autocommit,
	}
}

// ID returns the transaction's identifier, used for deadlock-victim
// tie-breaking (lowest id) and logging.
func (tx *Tx) ID() uint32 { return tx.id }

func (tx *Tx) recordLock(resource string, mode LockMode) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	tx.locks[resource] = mode
}

func (tx *Tx) pushUndo(fn func()) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	tx.undo = append(tx.undo, undoOp{apply: fn})
}

func (tx *Tx) markWriter(e *schemaEntry) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	tx.writers[e] = struct{}{}
}

func (tx *Tx) writtenSchemas() []*schemaEntry {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	out := make([]*schemaEntry, 0, len(tx.writers))
	for e := range tx.writers {
		out = append(out, e)
	}
	return out
}

// TxManager issues transaction identifiers and drives commit/abort
// (§4.4). Isolation is read-committed: readers never observe
// uncommitted writes of other transactions, but a reader's own prior
// writes in the same transaction are visible to it, since writes mutate
// the Multimap directly under lock rather than through a private
// workspace.
type TxManager struct {
	nextID uint32
	locks  *LockManager
	log    *engineLogger
}

// NewTxManager creates a transaction manager bound to a lock manager.
func NewTxManager(locks *LockManager, log *engineLogger) *TxManager {
	return &TxManager{locks: locks, log: log}
}

// Begin starts a new, empty, active transaction.
func (tm *TxManager) Begin() *Tx {
	id := uint32(atomic.AddUint32(&tm.nextID, 1))
	tx := newTx(id, false)
	tm.locks.RegisterTx(tx)
	if tm.log != nil {
		tm.log.txBegin(id)
	}
	return tx
}

// beginAutocommit starts an implicit single-operation transaction.
func (tm *TxManager) beginAutocommit() *Tx {
	id := uint32(atomic.AddUint32(&tm.nextID, 1))
	tx := newTx(id, true)
	tm.locks.RegisterTx(tx)
	return tx
}

// Commit finalizes tx. If tx was chosen as a deadlock victim while
// performing other work (rather than while blocked acquiring a lock),
// that is only discovered here: the transaction is rolled back and
// TransactionAborted is returned instead of a clean commit.
func (tm *TxManager) Commit(tx *Tx) error {
	tx.mu.Lock()
	if tx.state != txActive {
		tx.mu.Unlock()
		return newErr(TransactionClosed, nil)
	}
	victim := tx.victimRequested.Load()
	tx.mu.Unlock()

	if victim {
		tm.rollback(tx)
		if tm.log != nil {
			tm.log.txAborted(tx.id, "deadlock victim discovered at commit")
		}
		return newErr(TransactionAborted, nil)
	}

	tx.mu.Lock()
	tx.state = txCommitted
	tx.undo = nil
	tx.mu.Unlock()

	tm.endWriters(tx)
	tm.locks.ReleaseAll(tx)
	tm.locks.UnregisterTx(tx.id)
	if tm.log != nil {
		tm.log.txCommitted(tx.id)
	}
	return nil
}

// Abort rolls tx back: its undo log is replayed in reverse, locks are
// released, and it is marked aborted.
func (tm *TxManager) Abort(tx *Tx) error {
	tx.mu.Lock()
	if tx.state != txActive {
		tx.mu.Unlock()
		return newErr(TransactionClosed, nil)
	}
	tx.mu.Unlock()
	tm.rollback(tx)
	return nil
}

// AbortVictim rolls tx back exactly like Abort, but is safe to call
// from a deadlock-detection path where tx may already be in the
// process of terminating: it is a no-op if tx is no longer active
// (§4.3 — "its transaction is fully rolled back before return", which
// must happen whether the losing operation was insert/update/delete or
// a blocked GetNext, not only at an explicit AbortTransaction call).
func (tm *TxManager) AbortVictim(tx *Tx) {
	tx.mu.Lock()
	if tx.state != txActive {
		tx.mu.Unlock()
		return
	}
	tx.mu.Unlock()
	tm.rollback(tx)
}

func (tm *TxManager) rollback(tx *Tx) {
	tx.mu.Lock()
	undo := tx.undo
	tx.undo = nil
	tx.state = txAborted
	tx.mu.Unlock()

	for i := len(undo) - 1; i >= 0; i-- {
		undo[i].apply()
	}

	tm.endWriters(tx)
	tm.locks.ReleaseAll(tx)
	tm.locks.UnregisterTx(tx.id)
	if tm.log != nil {
		tm.log.txAborted(tx.id, "abort")
	}
}

func (tm *TxManager) endWriters(tx *Tx) {
	for _, e := range tx.writtenSchemas() {
		e.endWrite(tx)
	}
}

// finishAutocommit commits tx if err == nil, else aborts it, and
// returns whichever of err or the finish error takes precedence (the
// original operation error, unless finishing itself hits a deadlock).
func (tm *TxManager) finishAutocommit(tx *Tx, opErr error) error {
	if opErr != nil {
		tm.Abort(tx)
		return opErr
	}
	if err := tm.Commit(tx); err != nil {
		return err
	}
	return nil
}
