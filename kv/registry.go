package kv

import (
	"github.com/RoaringBitmap/roaring/v2"
	deadlock "github.com/sasha-s/go-deadlock"
)

// schemaEntry is the registry's live record for one named index: its
// immutable Schema, its backing Multimap, and the mutable sets the
// lifecycle invariants in §3 are built on (live handles, active
// write-transactions, read-only flag).
type schemaEntry struct {
	schema  *Schema
	data    *Multimap
	codec   *Codec
	locks   *LockManager
	mu      deadlock.Mutex
	handles map[*Handle]struct{}
	writers *roaring.Bitmap // active write-transaction ids (§4.5's begin-write/end-write protocol)
	readOnly bool
}

func newSchemaEntry(schema *Schema, codec *Codec, locks *LockManager) *schemaEntry {
	return &schemaEntry{
		schema:  schema,
		data:    NewMultimap(),
		codec:   codec,
		locks:   locks,
		handles: make(map[*Handle]struct{}),
		writers: roaring.New(),
	}
}

// beginWrite registers tx as an active writer on this index, for the
// duration between its first write and commit/abort (§4.5).
func (e *schemaEntry) beginWrite(tx *Tx) {
	e.mu.Lock()
	e.writers.Add(tx.id)
	e.mu.Unlock()
	tx.markWriter(e)
}

// endWrite unregisters tx as an active writer, called at commit/abort.
func (e *schemaEntry) endWrite(tx *Tx) {
	e.mu.Lock()
	e.writers.Remove(tx.id)
	e.mu.Unlock()
}

func (e *schemaEntry) hasOpenWriters() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return !e.writers.IsEmpty()
}

func (e *schemaEntry) addHandle(h *Handle) {
	e.mu.Lock()
	e.handles[h] = struct{}{}
	e.mu.Unlock()
}

func (e *schemaEntry) removeHandle(h *Handle) {
	e.mu.Lock()
	delete(e.handles, h)
	e.mu.Unlock()
}

func (e *schemaEntry) openHandles() []*Handle {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Handle, 0, len(e.handles))
	for h := range e.handles {
		out = append(out, h)
	}
	return out
}

func (e *schemaEntry) markReadOnly() {
	e.mu.Lock()
	e.readOnly = true
	e.mu.Unlock()
}

func (e *schemaEntry) isReadOnly() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.readOnly
}

// clearReadOnly reverts a markReadOnly call whose Remove ultimately
// failed (OpenTransactions), so the index stays mutable: §3's read-only
// invariant only holds for an index that actually got removed, not one
// where removal was merely attempted and refused.
func (e *schemaEntry) clearReadOnly() {
	e.mu.Lock()
	e.readOnly = false
	e.mu.Unlock()
}

// Registry is the process-wide name -> schema map (§4.5): a single
// mutex guards membership changes (create/delete); per-schema state
// (handles, writers, read-only flag) is guarded independently so a
// lookup never blocks on another index's mutation.
type Registry struct {
	mu      deadlock.RWMutex
	schemas map[string]*schemaEntry
	codec   *Codec
	locks   *LockManager
	log     *engineLogger
}

// NewRegistry creates an empty schema registry.
func NewRegistry(codec *Codec, locks *LockManager, log *engineLogger) *Registry {
	return &Registry{schemas: make(map[string]*schemaEntry), codec: codec, locks: locks, log: log}
}

// Create registers a brand-new index name with the given attribute-type
// vector, failing with IndexExists if the name is already taken.
func (r *Registry) Create(name string, types []AttributeType) (*schemaEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.schemas[name]; ok {
		return nil, newErr(IndexExists, nil)
	}
	schema, err := NewSchema(name, types)
	if err != nil {
		return nil, err
	}
	entry := newSchemaEntry(schema, r.codec, r.locks)
	r.schemas[name] = entry
	if r.log != nil {
		r.log.indexCreated(name, schema.KeySize)
	}
	return entry, nil
}

// Find returns the schema entry for name, if it exists.
func (r *Registry) Find(name string) (*schemaEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.schemas[name]
	return e, ok
}

// Remove marks name read-only and drops it from the registry, closing
// all its handles, provided no transaction has mutated it and not yet
// committed or aborted (§4.5). Returns UnknownIndex if name is absent
// and OpenTransactions if writers remain.
func (r *Registry) Remove(name string) error {
	r.mu.Lock()
	entry, ok := r.schemas[name]
	if !ok {
		r.mu.Unlock()
		return newErr(UnknownIndex, nil)
	}
	r.mu.Unlock()

	entry.markReadOnly()
	if entry.hasOpenWriters() {
		entry.clearReadOnly()
		return newErr(OpenTransactions, nil)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	// Re-check under the write lock: a writer could have begun between
	// the read-only check above and now.
	if entry.hasOpenWriters() {
		entry.clearReadOnly()
		return newErr(OpenTransactions, nil)
	}
	for _, h := range entry.openHandles() {
		h.Close()
	}
	delete(r.schemas, name)
	if r.log != nil {
		r.log.indexDeleted(name)
	}
	return nil
}
