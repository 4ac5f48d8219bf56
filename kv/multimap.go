package kv

import (
	"bytes"
	"sync/atomic"

	"github.com/google/btree"
	deadlock "github.com/sasha-s/go-deadlock"
)

// btreeDegree is the node fan-out of the backing google/btree. It is not
// tuned per-index; the engine's working set is expected to fit in
// memory regardless of degree, so a mid-sized degree keeps comparisons
// per node small without excessive tree depth.
const btreeDegree = 32

// mapEntry is one stored (encoded key, payload) pair. seq disambiguates
// duplicate encoded keys: entries compare equal-key-first, then by seq,
// so iteration order among full duplicates is insertion order and is
// stable within one cursor's lifetime, per the Ordered Multimap contract.
type mapEntry struct {
	key     []byte
	seq     uint64
	payload []byte
}

func lessEntry(a, b mapEntry) bool {
	if c := bytes.Compare(a.key, b.key); c != 0 {
		return c < 0
	}
	return a.seq < b.seq
}

// Multimap is the per-index sorted multimap from encoded keys to
// payload blocks (§4.2). Logical correctness of concurrent access comes
// from the Lock Manager (lock.go), which serializes conflicting readers
// and writers per encoded key before they touch a Multimap; the
// mutex here only protects the underlying Go B-tree from concurrent
// structural mutation, the same role BDB's internal page latches play
// beneath its transactional locking.
type Multimap struct {
	mu   deadlock.RWMutex
	tree *btree.BTreeG[mapEntry]
	seq  uint64
}

// NewMultimap creates an empty ordered multimap.
func NewMultimap() *Multimap {
	return &Multimap{tree: btree.NewG(btreeDegree, lessEntry)}
}

// Insert appends payload under key, among any existing equal-key
// duplicates, in stable insertion order. It returns the sequence number
// assigned to the new entry, which callers can use with DeleteBySeq/
// SetPayloadBySeq to address this exact duplicate later (for undo).
func (m *Multimap) Insert(key []byte, payload []byte) uint64 {
	seq := atomic.AddUint64(&m.seq, 1)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tree.ReplaceOrInsert(mapEntry{key: key, seq: seq, payload: payload})
	return seq
}

// InsertAt re-inserts an entry at a specific (key, seq), used to undo a
// delete by restoring the exact entry that was removed.
func (m *Multimap) InsertAt(key []byte, seq uint64, payload []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tree.ReplaceOrInsert(mapEntry{key: key, seq: seq, payload: payload})
}

// DeleteBySeq removes the exact entry (key, seq), used to undo an
// insert. Ordinary deletes go through Cursor.DeleteCurrent.
func (m *Multimap) DeleteBySeq(key []byte, seq uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.tree.Delete(mapEntry{key: key, seq: seq})
	return ok
}

// SetPayloadBySeq replaces the payload of the exact entry (key, seq),
// used to undo an update. Ordinary updates go through Cursor.PutCurrent.
func (m *Multimap) SetPayloadBySeq(key []byte, seq uint64, payload []byte) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tree.Get(mapEntry{key: key, seq: seq}); !ok {
		return false
	}
	m.tree.ReplaceOrInsert(mapEntry{key: key, seq: seq, payload: payload})
	return true
}

// GetBySeq returns the payload currently stored at the exact entry
// (key, seq), or ok == false if that entry is no longer present (for
// instance because the transaction that inserted it has since aborted
// and undone it). Callers that observed (key, seq) via a cursor but
// have not yet locked it must re-fetch through GetBySeq once they hold
// the lock, rather than trust the cursor's snapshot, since the entry
// may have changed or vanished in between.
func (m *Multimap) GetBySeq(key []byte, seq uint64) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.tree.Get(mapEntry{key: key, seq: seq})
	if !ok {
		return nil, false
	}
	return e.payload, true
}

// Len returns the number of stored entries.
func (m *Multimap) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tree.Len()
}

// CursorAtLeast returns a forward cursor positioned before the least
// entry whose encoded key >= lowerBound; the first Next() call yields
// that entry.
func (m *Multimap) CursorAtLeast(lowerBound []byte) *Cursor {
	return &Cursor{mm: m, lowerBound: lowerBound}
}

// Cursor is a positioned forward iterator over a Multimap (§4.2).
type Cursor struct {
	mm         *Multimap
	lowerBound []byte
	pivot      *mapEntry
	skipPivot  bool
	exhausted  bool
}

// Next advances the cursor and returns the entry it lands on, or
// ok == false if the multimap is exhausted.
func (c *Cursor) Next() (mapEntry, bool) {
	if c.exhausted {
		return mapEntry{}, false
	}
	c.mm.mu.RLock()
	defer c.mm.mu.RUnlock()

	var searchPivot mapEntry
	skip := c.skipPivot
	if c.pivot == nil {
		searchPivot = mapEntry{key: c.lowerBound}
	} else {
		searchPivot = *c.pivot
	}

	var found mapEntry
	ok := false
	c.mm.tree.AscendGreaterOrEqual(searchPivot, func(e mapEntry) bool {
		// Skip the entry the cursor is on only if it is still present; if
		// it has been removed, the first entry seen is its successor.
		if skip && !lessEntry(searchPivot, e) {
			return true
		}
		found = e
		ok = true
		return false
	})
	if !ok {
		c.exhausted = true
		return mapEntry{}, false
	}
	c.pivot = &found
	c.skipPivot = true
	return found, true
}

// PutCurrent replaces the payload of the entry the cursor is positioned
// on. The cursor must have returned at least one entry from Next.
func (c *Cursor) PutCurrent(payload []byte) bool {
	if c.pivot == nil {
		return false
	}
	c.mm.mu.Lock()
	defer c.mm.mu.Unlock()
	updated := *c.pivot
	updated.payload = payload
	c.mm.tree.ReplaceOrInsert(updated)
	c.pivot = &updated
	return true
}

// DeleteCurrent removes the entry the cursor is positioned on. The
// cursor is left positioned such that the next Next() call returns the
// entry that followed the deleted one.
func (c *Cursor) DeleteCurrent() bool {
	if c.pivot == nil {
		return false
	}
	c.mm.mu.Lock()
	defer c.mm.mu.Unlock()
	c.mm.tree.Delete(*c.pivot)
	// The pivot entry is gone, so the next AscendGreaterOrEqual(pivot)
	// call already lands on its successor: no skip needed.
	c.skipPivot = false
	return true
}
