package kv

// Engine is the sole external entry point (§4.8, the Operation Layer):
// it owns the schema registry, the transaction manager, and the lock
// manager, and exposes the contest interface's operations as methods
// returning a public *Error classified by ErrorCode.
type Engine struct {
	registry *Registry
	locks    *LockManager
	txm      *TxManager
	codec    *Codec
	log      *engineLogger
}

// New builds an Engine ready to create and open indexes.
func New(opts ...Option) *Engine {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	log := newEngineLogger(cfg.logger)
	codec := NewCodec(cfg.boundCacheSize)
	locks := NewLockManager(log)
	registry := NewRegistry(codec, locks, log)
	txm := NewTxManager(locks, log)
	return &Engine{registry: registry, locks: locks, txm: txm, codec: codec, log: log}
}

// BeginTransaction starts a new explicit transaction.
func (e *Engine) BeginTransaction() *Tx {
	return e.txm.Begin()
}

// CommitTransaction commits tx. If tx was chosen as a deadlock victim
// while it wasn't blocked on a lock, this is where that is discovered;
// the transaction is rolled back and TransactionAborted is returned.
func (e *Engine) CommitTransaction(tx *Tx) error {
	return e.txm.Commit(tx)
}

// AbortTransaction rolls tx back, undoing every mutation it made.
func (e *Engine) AbortTransaction(tx *Tx) error {
	return e.txm.Abort(tx)
}

// CreateIndex registers a new named index with the given attribute
// type vector. It does not return a Handle; callers must OpenIndex
// separately, matching the contest interface's split of creation from
// opening (§4.5).
func (e *Engine) CreateIndex(name string, types []AttributeType) error {
	_, err := e.registry.Create(name, types)
	return err
}

// OpenIndex returns a Handle bound to the named index, or UnknownIndex
// if it does not exist.
func (e *Engine) OpenIndex(name string) (*Handle, error) {
	entry, ok := e.registry.Find(name)
	if !ok {
		return nil, newErr(UnknownIndex, nil)
	}
	return newHandle(name, entry), nil
}

// CloseIndex closes handle; see Handle.Close for idempotency semantics.
func (e *Engine) CloseIndex(handle *Handle) error {
	return handle.Close()
}

// DeleteIndex removes the named index, failing with OpenTransactions if
// any transaction has written to it and not yet committed or aborted.
func (e *Engine) DeleteIndex(name string) error {
	return e.registry.Remove(name)
}

// InsertRecord inserts record into the index handle refers to, under
// tx. If tx is nil, the insert runs as its own autocommit transaction.
func (e *Engine) InsertRecord(tx *Tx, handle *Handle, record Record) error {
	if tx == nil {
		return e.withAutocommit(func(t *Tx) error {
			return handle.insert(t, record)
		})
	}
	if err := e.checkActive(tx); err != nil {
		return err
	}
	return e.finishOnDeadlock(tx, handle.insert(tx, record))
}

// UpdateRecord rewrites the payload of the record(s) matching record's
// (key[, payload]) predicate, per flags (§4.8, §9). If tx is nil, the
// update runs as its own autocommit transaction.
func (e *Engine) UpdateRecord(tx *Tx, handle *Handle, record Record, newPayload Payload, flags ModFlag) error {
	if tx == nil {
		return e.withAutocommit(func(t *Tx) error {
			return handle.update(t, record, newPayload, flags)
		})
	}
	if err := e.checkActive(tx); err != nil {
		return err
	}
	return e.finishOnDeadlock(tx, handle.update(tx, record, newPayload, flags))
}

// DeleteRecord removes the record(s) matching record's (key[, payload])
// predicate, per flags. If tx is nil, the delete runs as its own
// autocommit transaction.
func (e *Engine) DeleteRecord(tx *Tx, handle *Handle, record Record, flags ModFlag) error {
	if tx == nil {
		return e.withAutocommit(func(t *Tx) error {
			return handle.delete(t, record, flags)
		})
	}
	if err := e.checkActive(tx); err != nil {
		return err
	}
	return e.finishOnDeadlock(tx, handle.delete(tx, record, flags))
}

// GetRecords opens an iterator over every record whose key falls within
// [lowerBound, upperBound] (inclusive), where either bound may carry
// wildcard attributes for a partial-match scan (§4.7). If tx is nil,
// the scan runs under its own autocommit transaction, which
// CloseIterator finishes: it commits it, or aborts it if iteration
// failed. Callers that pass an explicit tx commit or abort it
// themselves.
func (e *Engine) GetRecords(tx *Tx, handle *Handle, lowerBound, upperBound Key) (*Iterator, error) {
	if handle.closed.Load() {
		return nil, newErr(UnknownIndex, nil)
	}
	ownsTx := tx == nil
	if !ownsTx {
		if err := e.checkActive(tx); err != nil {
			return nil, err
		}
	} else {
		tx = e.txm.beginAutocommit()
	}

	lo, err := e.codec.EncodeBound(handle.entry.schema, lowerBound, false)
	if err != nil {
		if ownsTx {
			e.txm.Abort(tx)
		}
		return nil, err
	}
	hi, err := e.codec.EncodeBound(handle.entry.schema, upperBound, true)
	if err != nil {
		if ownsTx {
			e.txm.Abort(tx)
		}
		return nil, err
	}

	it := newIterator(handle, tx, e.txm, ownsTx, lowerBound, upperBound, lo, hi)
	id, err := handle.registerIterator(it)
	if err != nil {
		if ownsTx {
			e.txm.Abort(tx)
		}
		return nil, err
	}
	it.id = id
	return it, nil
}

// GetNext advances it and returns the next matching record, or
// NotFound once the range is exhausted.
func (e *Engine) GetNext(it *Iterator) (Record, error) {
	return it.Next()
}

// CloseIterator closes it, releasing any row lock it currently holds.
func (e *Engine) CloseIterator(it *Iterator) error {
	return it.Close()
}

// finishOnDeadlock rolls tx back immediately if err is a Deadlock
// failure, so an explicitly-managed transaction is already fully
// unwound by the time the losing operation returns (§4.3), rather than
// waiting on the caller to notice and call AbortTransaction itself.
func (e *Engine) finishOnDeadlock(tx *Tx, err error) error {
	if CodeOf(err) == Deadlock {
		e.txm.AbortVictim(tx)
	}
	return err
}

func (e *Engine) checkActive(tx *Tx) error {
	tx.mu.Lock()
	victim := tx.victimRequested.Load()
	state := tx.state
	tx.mu.Unlock()

	if victim {
		e.txm.AbortVictim(tx)
		return newErr(Deadlock, nil)
	}
	if state != txActive {
		return newErr(TransactionClosed, nil)
	}
	return nil
}

// withAutocommit runs fn under a fresh autocommit transaction, committing
// it on success and aborting it on failure (§3: every operation the
// caller doesn't explicitly bracket with Begin/Commit runs in its own
// implicit transaction).
func (e *Engine) withAutocommit(fn func(*Tx) error) error {
	tx := e.txm.beginAutocommit()
	err := fn(tx)
	return e.txm.finishAutocommit(tx, err)
}
