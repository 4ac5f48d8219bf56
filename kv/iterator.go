package kv

import "bytes"

// Iterator is a cursor over the matches of a GetRecords query (§4.7): a
// lower/upper encoded bound pair and a live Multimap cursor, plus the
// per-row read lock discipline described in §4.3 — a read lock on the
// current row is held only while the iterator is positioned on it, and
// is released the moment the iterator advances past it or is closed.
type Iterator struct {
	handle *Handle
	tx     *Tx
	txm    *TxManager
	id     uint32

	minKey, maxKey Key // decoded bounds, for attribute-wise post-filtering
	upperBound     []byte
	cur            *Cursor

	lockedResource string
	haveLock       bool

	ownsTx bool
	failed bool
	closed bool
	done   bool
}

// newIterator opens an iterator over [lowerBound, upperBound] against
// handle's data, under tx. minKey/maxKey are the original (possibly
// wildcarded) query keys, needed because the encoded byte range is only
// a superset of the true rectangular match set when a wildcard
// precedes a bound attribute (§4.7) — Next() post-filters candidates
// against them attribute by attribute. The caller must register the
// iterator with the handle before returning it to an Engine client.
// ownsTx marks an iterator that opened its own autocommit transaction,
// which Close must then finish (commit, or abort if iteration failed).
func newIterator(handle *Handle, tx *Tx, txm *TxManager, ownsTx bool, minKey, maxKey Key, lowerBound, upperBound []byte) *Iterator {
	return &Iterator{
		handle:     handle,
		tx:         tx,
		txm:        txm,
		ownsTx:     ownsTx,
		minKey:     minKey,
		maxKey:     maxKey,
		upperBound: upperBound,
		cur:        handle.entry.data.CursorAtLeast(lowerBound),
	}
}

// Next returns the next matching record, or NotFound once the range is
// exhausted (§4.7: GetNext uses NotFound to signal exhaustion, the same
// code a point lookup uses for "no such record"). It releases the read
// lock held on the previous row, if any, before taking the next one.
//
// The cursor's raw read of a candidate row is only ever a snapshot: the
// row is not protected against concurrent mutation or deletion until
// this iterator's own Shared lock on it is granted (§4.3's cursor-
// lifetime guarantee — "while a cursor is positioned on a record, no
// other transaction may modify or delete that record until the cursor
// advances or closes"). So Next() acquires the lock on a candidate
// row's key *before* trusting its payload, then re-reads the row under
// that lock: if the row was mutated while the lock was being waited on,
// the re-read returns the current payload; if it was deleted (e.g. an
// inserting transaction aborted while this call was blocked), the
// re-read reports it gone and Next() moves on to the next candidate
// instead of returning a row that no longer exists.
func (it *Iterator) Next() (Record, error) {
	if it.closed {
		return Record{}, newErr(IteratorClosed, nil)
	}
	if it.done {
		return Record{}, newErr(NotFound, nil)
	}

	it.releaseCurrentLock()

	for {
		e, ok := it.cur.Next()
		if !ok || bytes.Compare(e.key, it.upperBound) > 0 {
			it.done = true
			return Record{}, newErr(NotFound, nil)
		}

		key := it.handle.entry.codec.Decode(it.handle.entry.schema, e.key)
		if !withinRange(key, it.minKey, it.maxKey) {
			continue
		}

		resource := resourceKey(it.handle.name, e.key)
		if err := it.handle.entry.locks.Acquire(it.tx, resource, Shared); err != nil {
			it.done = true
			it.failed = true
			if CodeOf(err) == Deadlock {
				it.txm.AbortVictim(it.tx)
			}
			return Record{}, err
		}
		it.lockedResource = resource
		it.haveLock = true

		payload, stillPresent := it.handle.entry.data.GetBySeq(e.key, e.seq)
		if !stillPresent {
			it.releaseCurrentLock()
			continue
		}

		return Record{Key: key, Payload: append(Payload(nil), payload...)}, nil
	}
}

// withinRange reports whether key satisfies the rectangular predicate:
// for each position i where minKey[i] or maxKey[i] is present, key[i]
// must fall within that side's bound (wildcard sides are unbounded).
func withinRange(key, minKey, maxKey Key) bool {
	for i := range key {
		if minKey[i].Present && compareAttr(key[i], minKey[i]) < 0 {
			return false
		}
		if maxKey[i].Present && compareAttr(key[i], maxKey[i]) > 0 {
			return false
		}
	}
	return true
}

func (it *Iterator) releaseCurrentLock() {
	if it.haveLock {
		// Only a Shared lock is dropped here; if tx holds the row
		// Exclusive (its own write), that lock stays until commit/abort.
		it.tx.mu.Lock()
		mode, held := it.tx.locks[it.lockedResource]
		it.tx.mu.Unlock()
		if held && mode == Shared {
			it.handle.entry.locks.ReleaseOne(it.tx, it.lockedResource)
		}
		it.haveLock = false
	}
}

// Close releases the iterator's current row lock (if any) and marks it
// closed; it is idempotent and safe to call multiple times (§4.7). If
// the iterator opened its own autocommit transaction (GetRecords was
// called with tx == nil), Close also finishes that transaction:
// committing on a clean exhaustion, aborting if iteration failed.
func (it *Iterator) Close() error {
	if it.closed {
		return nil
	}
	it.releaseCurrentLock()
	it.closed = true
	it.handle.unregisterIterator(it.id)
	if it.ownsTx {
		if it.failed {
			it.txm.AbortVictim(it.tx)
			return nil
		}
		return it.txm.Commit(it.tx)
	}
	return nil
}
