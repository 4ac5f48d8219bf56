package kv

import (
	"bytes"
	"sync/atomic"

	"github.com/RoaringBitmap/roaring/v2"
	deadlock "github.com/sasha-s/go-deadlock"
)

// Handle is a per-opener reference to an index (§4.6). Its live
// iterators are kept in a map keyed by a per-handle iterator id, with a
// Roaring set of the live ids: each iterator unregisters its id when it
// closes, and closing the handle calls Close on every iterator still
// registered.
type Handle struct {
	entry  *schemaEntry
	name   string
	closed atomic.Bool

	mu         deadlock.Mutex
	iterators  map[uint32]*Iterator
	liveIDs    *roaring.Bitmap
	nextIterID uint32
}

func newHandle(name string, entry *schemaEntry) *Handle {
	h := &Handle{
		entry:     entry,
		name:      name,
		iterators: make(map[uint32]*Iterator),
		liveIDs:   roaring.New(),
	}
	entry.addHandle(h)
	return h
}

// Name returns the index name this handle refers to.
func (h *Handle) Name() string { return h.name }

// Closed reports whether Close has already run.
func (h *Handle) Closed() bool { return h.closed.Load() }

// Schema returns the index's immutable schema.
func (h *Handle) Schema() *Schema { return h.entry.schema }

// Close closes every iterator still open on this handle, then marks the
// handle itself closed. Idempotent: the first caller does the work,
// later callers observe it already closed (§4.6).
func (h *Handle) Close() error {
	if !h.closed.CompareAndSwap(false, true) {
		return newErr(UnknownIndex, nil)
	}
	h.mu.Lock()
	open := make([]*Iterator, 0, len(h.iterators))
	for _, it := range h.iterators {
		open = append(open, it)
	}
	h.mu.Unlock()

	for _, it := range open {
		it.Close()
	}
	h.entry.removeHandle(h)
	return nil
}

// registerIterator assigns a fresh id to it and records it as live.
func (h *Handle) registerIterator(it *Iterator) (uint32, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed.Load() {
		return 0, newErr(UnknownIndex, nil)
	}
	h.nextIterID++
	id := h.nextIterID
	h.iterators[id] = it
	h.liveIDs.Add(id)
	return id, nil
}

// unregisterIterator drops id from the live set; a no-op if id is
// already gone (idempotent close).
func (h *Handle) unregisterIterator(id uint32) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.iterators, id)
	h.liveIDs.Remove(id)
}

// iteratorLive reports whether id still names a live iterator on this
// (open) handle.
func (h *Handle) iteratorLive(id uint32) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.closed.Load() && h.liveIDs.Contains(id)
}

// compatible reports whether key matches this handle's schema.
func (h *Handle) compatible(key Key) bool { return h.entry.schema.Compatible(key) }

// insert inserts record under tx, registering tx as an active writer on
// first mutation and pushing an undo entry that removes exactly this
// inserted duplicate on abort (§4.6).
func (h *Handle) insert(tx *Tx, record Record) error {
	if h.closed.Load() {
		return newErr(UnknownIndex, nil)
	}
	if h.entry.isReadOnly() {
		return newErr(UnknownIndex, nil)
	}
	if !h.compatible(record.Key) {
		return newErr(IncompatibleKey, nil)
	}
	encoded, err := h.entry.codec.Encode(h.entry.schema, record.Key)
	if err != nil {
		return err
	}
	if len(record.Payload) > MaxPayloadLength {
		return wrapf(GenericFailure, nil, "payload exceeds %d bytes", MaxPayloadLength)
	}

	if err := h.lockExclusive(tx, encoded); err != nil {
		return err
	}
	h.entry.beginWrite(tx)

	payload := record.Payload.Clone()
	seq := h.entry.data.Insert(encoded, payload)
	tx.pushUndo(func() {
		h.entry.data.DeleteBySeq(encoded, seq)
	})
	return nil
}

// update applies UpdateRecord semantics (§4.8 bulk-modification flags)
// to record's match group within this index.
func (h *Handle) update(tx *Tx, record Record, newPayload Payload, flags ModFlag) error {
	if h.closed.Load() {
		return newErr(UnknownIndex, nil)
	}
	if h.entry.isReadOnly() {
		return newErr(UnknownIndex, nil)
	}
	if !h.compatible(record.Key) {
		return newErr(IncompatibleKey, nil)
	}
	encoded, err := h.entry.codec.Encode(h.entry.schema, record.Key)
	if err != nil {
		return err
	}
	if len(newPayload) > MaxPayloadLength {
		return wrapf(GenericFailure, nil, "payload exceeds %d bytes", MaxPayloadLength)
	}
	if err := h.lockExclusive(tx, encoded); err != nil {
		return err
	}

	matched := false
	matchAny := flags.has(MatchDuplicates)
	ignorePayload := flags.has(IgnorePayload)
	newPayloadCopy := newPayload.Clone()

	cur := h.entry.data.CursorAtLeast(encoded)
	for {
		e, ok := cur.Next()
		if !ok || !bytes.Equal(e.key, encoded) {
			break
		}
		if !ignorePayload && !bytes.Equal(e.payload, []byte(record.Payload)) {
			if matched && !matchAny {
				break
			}
			continue
		}
		oldPayload := append([]byte(nil), e.payload...)
		seq := e.seq
		cur.PutCurrent(newPayloadCopy)
		h.entry.beginWrite(tx)
		tx.pushUndo(func() {
			h.entry.data.SetPayloadBySeq(encoded, seq, oldPayload)
		})
		matched = true
		if !matchAny {
			break
		}
	}
	if !matched {
		return newErr(NotFound, nil)
	}
	return nil
}

// delete applies DeleteRecord semantics (§4.8) to record's match group
// within this index.
func (h *Handle) delete(tx *Tx, record Record, flags ModFlag) error {
	if h.closed.Load() {
		return newErr(UnknownIndex, nil)
	}
	if h.entry.isReadOnly() {
		return newErr(UnknownIndex, nil)
	}
	if !h.compatible(record.Key) {
		return newErr(IncompatibleKey, nil)
	}
	encoded, err := h.entry.codec.Encode(h.entry.schema, record.Key)
	if err != nil {
		return err
	}
	if err := h.lockExclusive(tx, encoded); err != nil {
		return err
	}

	matched := false
	matchAny := flags.has(MatchDuplicates)
	ignorePayload := flags.has(IgnorePayload)

	cur := h.entry.data.CursorAtLeast(encoded)
	for {
		e, ok := cur.Next()
		if !ok || !bytes.Equal(e.key, encoded) {
			break
		}
		if !ignorePayload && !bytes.Equal(e.payload, []byte(record.Payload)) {
			if matched && !matchAny {
				break
			}
			continue
		}
		oldPayload := append([]byte(nil), e.payload...)
		seq := e.seq
		cur.DeleteCurrent()
		h.entry.beginWrite(tx)
		tx.pushUndo(func() {
			h.entry.data.InsertAt(encoded, seq, oldPayload)
		})
		matched = true
		if !matchAny {
			break
		}
	}
	if !matched {
		return newErr(NotFound, nil)
	}
	return nil
}

func (h *Handle) lockExclusive(tx *Tx, encoded []byte) error {
	resource := resourceKey(h.name, encoded)
	return h.entry.locks.Acquire(tx, resource, Exclusive)
}
