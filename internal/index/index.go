// Package index implements the secondary, in-memory ordered index that maps
// user keys to their record-file locations. It is the structure that makes
// this engine's flat file population behave like a sorted store without a
// manifest-driven sorted-run cascade: every live key lives in exactly one
// B-tree entry, updated atomically whenever a flush or compaction changes
// which file holds it.
package index

import (
	"sync"

	"github.com/google/btree"

	"github.com/aalhour/rockyardkv/internal/recordfile"
)

const defaultDegree = 32

// Entry is one (user key -> locator) mapping held in the tree.
type Entry struct {
	Key     []byte
	Locator recordfile.Locator
}

func less(a, b Entry) bool {
	return string(a.Key) < string(b.Key)
}

// Edit is one mutation applied atomically by BulkReplace: either an insert
// (Tombstone false) or an erase (Tombstone true).
type Edit struct {
	Key       []byte
	Locator   recordfile.Locator
	Tombstone bool
}

// Index is the B-tree-backed secondary index.
type Index struct {
	mu   sync.RWMutex
	tree *btree.BTreeG[Entry]
}

// New returns an empty Index.
func New() *Index {
	return &Index{tree: btree.NewG(defaultDegree, less)}
}

// Get looks up the current locator for a user key.
func (idx *Index) Get(key []byte) (recordfile.Locator, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	e, ok := idx.tree.Get(Entry{Key: key})
	return e.Locator, ok
}

// Insert sets (or replaces) the locator for a user key.
func (idx *Index) Insert(key []byte, loc recordfile.Locator) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.tree.ReplaceOrInsert(Entry{Key: append([]byte(nil), key...), Locator: loc})
}

// Erase removes a user key from the index. No-op if absent.
func (idx *Index) Erase(key []byte) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.tree.Delete(Entry{Key: key})
}

// Len returns the number of live keys currently indexed.
func (idx *Index) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.tree.Len()
}

// BulkReplace applies a batch of inserts/erasures under a single write-lock
// acquisition, so no reader ever observes a half-applied compaction edit.
func (idx *Index) BulkReplace(edits []Edit) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	for _, e := range edits {
		if e.Tombstone {
			idx.tree.Delete(Entry{Key: e.Key})
			continue
		}
		idx.tree.ReplaceOrInsert(Entry{Key: append([]byte(nil), e.Key...), Locator: e.Locator})
	}
}

// Iterator walks entries in ascending key order starting at (or after) a
// given key. It is a snapshot: built under a read lock, then iterated
// lock-free, matching the "many readers" side of the RWMutex contract.
type Iterator struct {
	entries []Entry
	pos     int
}

// NewIterator returns an Iterator positioned before the first entry with
// key >= start (or the first entry overall if start is nil).
func (idx *Index) NewIterator(start []byte) *Iterator {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	it := &Iterator{pos: -1}
	visit := func(e Entry) bool {
		it.entries = append(it.entries, e)
		return true
	}
	if start == nil {
		idx.tree.Ascend(visit)
	} else {
		idx.tree.AscendGreaterOrEqual(Entry{Key: start}, visit)
	}
	return it
}

// Next advances to the next entry; returns false past the end.
func (it *Iterator) Next() bool {
	if it.pos+1 >= len(it.entries) {
		it.pos = len(it.entries)
		return false
	}
	it.pos++
	return true
}

// Valid reports whether the iterator is positioned at an entry.
func (it *Iterator) Valid() bool {
	return it.pos >= 0 && it.pos < len(it.entries)
}

// Key returns the current entry's key.
func (it *Iterator) Key() []byte {
	return it.entries[it.pos].Key
}

// Locator returns the current entry's record locator.
func (it *Iterator) Locator() recordfile.Locator {
	return it.entries[it.pos].Locator
}
