// iterator.go implements range scans. An Iterator merges the memtable
// iterators with an on-file source and resolves internal-key multiplicity
// down to user-visible entries: per user key only the newest record visible
// at the iterator's sequence is surfaced, and tombstones hide everything
// older without ever being emitted themselves.
//
// The on-file source depends on the read:
//   - current reads walk a frozen copy of the secondary index, reading each
//     entry's record through the file cache on demand;
//   - snapshot reads walk the pinned version's record files directly, since
//     the index holds only the newest record per key and a snapshot may
//     need an older one.
package db

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/aalhour/rockyardkv/internal/dbformat"
	"github.com/aalhour/rockyardkv/internal/filecache"
	"github.com/aalhour/rockyardkv/internal/index"
	"github.com/aalhour/rockyardkv/internal/iterator"
	"github.com/aalhour/rockyardkv/internal/memtable"
	"github.com/aalhour/rockyardkv/internal/recordfile"
	"github.com/aalhour/rockyardkv/internal/version"
)

type iterDirection int

const (
	dirForward iterDirection = iota
	dirReverse
)

// Iterator is a bidirectional cursor over user keys and values.
type Iterator struct {
	d     *DBImpl
	inner iterator.Iterator
	seq   dbformat.SequenceNumber
	ucmp  Comparator

	direction iterDirection
	valid     bool
	savedKey  []byte
	savedVal  []byte
	err       error

	lower  []byte
	upper  []byte
	prefix []byte
	usePfx bool

	fillCache bool

	mem     *memtable.MemTable
	imm     *memtable.MemTable
	version *version.Version
	closed  bool
}

// NewIterator returns an iterator positioned before the first entry. The
// caller must Close it to release the pinned memtables and version.
func (d *DBImpl) NewIterator(opts *ReadOptions) *Iterator {
	if opts == nil {
		opts = DefaultReadOptions()
	}
	if d.closed.Load() {
		return &Iterator{err: ErrDBClosed, ucmp: d.ucmp}
	}

	seq := dbformat.SequenceNumber(d.seq.Load())
	snapshotRead := false
	if opts.Snapshot != nil {
		seq = opts.Snapshot.sequence
		snapshotRead = true
	}

	d.mu.RLock()
	mem := d.mem
	imm := d.imm
	mem.Ref()
	if imm != nil {
		imm.Ref()
	}
	v := d.versions.Current()
	v.Ref()
	d.mu.RUnlock()

	it := &Iterator{
		d:         d,
		seq:       seq,
		ucmp:      d.ucmp,
		lower:     opts.IterateLowerBound,
		upper:     opts.IterateUpperBound,
		usePfx:    opts.PrefixSameAsStart,
		fillCache: opts.FillCache,
		mem:       mem,
		imm:       imm,
		version:   v,
	}
	if it.usePfx && opts.IterateLowerBound != nil {
		it.prefix = append([]byte(nil), opts.IterateLowerBound...)
	}

	children := []iterator.Iterator{mem.NewIterator()}
	if imm != nil {
		children = append(children, imm.NewIterator())
	}
	if snapshotRead {
		for _, f := range sortedFiles(v) {
			fi, err := newFileIter(d, f.FileNumber, it.fillCache)
			if err != nil {
				it.err = err
				continue
			}
			children = append(children, fi)
		}
	} else {
		children = append(children, newIndexSourceIter(d, it.fillCache))
	}

	it.inner = iterator.NewMergingIterator(children, d.icmp.Compare)
	return it
}

// Valid reports whether the iterator is positioned at an entry.
func (it *Iterator) Valid() bool { return it.valid }

// Key returns the current user key. Valid until the next positioning call.
func (it *Iterator) Key() []byte {
	if !it.valid {
		return nil
	}
	return it.savedKey
}

// Value returns the current value. Valid until the next positioning call.
func (it *Iterator) Value() []byte {
	if !it.valid {
		return nil
	}
	if it.direction == dirReverse {
		return it.savedVal
	}
	return it.inner.Value()
}

// Error returns the first error encountered during iteration.
func (it *Iterator) Error() error {
	if it.err != nil {
		return it.err
	}
	if it.inner != nil {
		return it.inner.Error()
	}
	return nil
}

// Close releases the iterator's pinned memtables and version. Safe to call
// more than once.
func (it *Iterator) Close() {
	if it.closed {
		return
	}
	it.closed = true
	it.valid = false
	if it.mem != nil {
		it.mem.Unref()
	}
	if it.imm != nil {
		it.imm.Unref()
	}
	if it.version != nil {
		it.version.Unref()
	}
}

// SeekToFirst positions the iterator at the smallest visible key.
func (it *Iterator) SeekToFirst() {
	if it.inner == nil {
		return
	}
	it.direction = dirForward
	if it.lower != nil {
		it.inner.Seek(dbformat.NewInternalKey(it.lower, it.seq, dbformat.ValueTypeForSeek))
	} else {
		it.inner.SeekToFirst()
	}
	it.findNextUserEntry(false, nil)
}

// SeekToLast positions the iterator at the largest visible key.
func (it *Iterator) SeekToLast() {
	if it.inner == nil {
		return
	}
	it.direction = dirReverse
	if it.upper != nil {
		// Position just before the first entry at or past the exclusive
		// upper bound, then walk backward.
		it.inner.Seek(dbformat.NewInternalKey(it.upper, dbformat.MaxSequenceNumber, dbformat.ValueTypeForSeek))
		if !it.inner.Valid() {
			it.inner.SeekToLast()
		}
		for it.inner.Valid() && it.ucmp(dbformat.ExtractUserKey(it.inner.Key()), it.upper) >= 0 {
			it.inner.Prev()
		}
	} else {
		it.inner.SeekToLast()
	}
	it.findPrevUserEntry()
}

// Seek positions the iterator at the first visible key >= target.
func (it *Iterator) Seek(target []byte) {
	if it.inner == nil {
		return
	}
	if it.lower != nil && it.ucmp(target, it.lower) < 0 {
		target = it.lower
	}
	if it.usePfx && it.prefix == nil && len(target) > 0 {
		// With no explicit bound configured, the prefix is the seek
		// target with its final (discriminating) byte dropped.
		it.prefix = append([]byte(nil), target[:len(target)-1]...)
	}
	it.direction = dirForward
	it.inner.Seek(dbformat.NewInternalKey(target, it.seq, dbformat.ValueTypeForSeek))
	it.findNextUserEntry(false, nil)
}

// SeekForPrev positions the iterator at the last visible key <= target.
func (it *Iterator) SeekForPrev(target []byte) {
	it.Seek(target)
	if it.valid {
		if it.ucmp(it.savedKey, target) > 0 {
			it.Prev()
		}
		return
	}
	if it.Error() == nil {
		// Everything is smaller than target; the last key qualifies.
		it.SeekToLast()
	}
}

// Next advances to the next visible user key.
func (it *Iterator) Next() {
	if !it.valid {
		return
	}
	if it.direction == dirReverse {
		// The inner iterator sits just before the current key's entries;
		// walk it forward onto them, then skip them all.
		it.direction = dirForward
		if !it.inner.Valid() {
			it.inner.SeekToFirst()
		} else {
			it.inner.Next()
		}
		it.findNextUserEntry(true, it.savedKey)
		return
	}

	skip := append([]byte(nil), it.savedKey...)
	it.inner.Next()
	it.findNextUserEntry(true, skip)
}

// Prev moves to the previous visible user key.
func (it *Iterator) Prev() {
	if !it.valid {
		return
	}
	if it.direction == dirForward {
		// Walk the inner iterator to just before the current key's
		// entries, then resolve backward.
		for {
			it.inner.Prev()
			if !it.inner.Valid() {
				it.valid = false
				it.direction = dirReverse
				it.savedVal = nil
				return
			}
			if it.ucmp(dbformat.ExtractUserKey(it.inner.Key()), it.savedKey) < 0 {
				break
			}
		}
		it.direction = dirReverse
	}
	it.findPrevUserEntry()
}

// findNextUserEntry scans forward for the newest visible record of the
// next emittable user key. When skipping, entries for skipKey (and keys
// hidden by tombstones found on the way) are passed over.
func (it *Iterator) findNextUserEntry(skipping bool, skipKey []byte) {
	skip := skipKey
	for it.inner.Valid() {
		ikey := it.inner.Key()
		if len(ikey) < 8 {
			it.inner.Next()
			continue
		}
		user := dbformat.ExtractUserKey(ikey)

		if it.upper != nil && it.ucmp(user, it.upper) >= 0 {
			break
		}
		if it.prefix != nil && !bytes.HasPrefix(user, it.prefix) {
			break
		}

		if dbformat.ExtractSequenceNumber(ikey) <= it.seq {
			switch dbformat.ExtractValueType(ikey) {
			case dbformat.TypeDeletion:
				skip = append(skip[:0:0], user...)
				skipping = true
			case dbformat.TypeValue:
				if !(skipping && it.ucmp(user, skip) <= 0) {
					it.valid = true
					it.savedKey = append(it.savedKey[:0], user...)
					return
				}
			}
		}
		it.inner.Next()
	}
	it.valid = false
	it.savedKey = it.savedKey[:0]
}

// findPrevUserEntry scans backward, accumulating the newest visible record
// of the current user key; it leaves the inner iterator positioned just
// before that key's entries.
func (it *Iterator) findPrevUserEntry() {
	valueType := dbformat.TypeDeletion
	it.savedKey = it.savedKey[:0]
	it.savedVal = nil

	for it.inner.Valid() {
		ikey := it.inner.Key()
		if len(ikey) >= 8 && dbformat.ExtractSequenceNumber(ikey) <= it.seq {
			user := dbformat.ExtractUserKey(ikey)
			if valueType != dbformat.TypeDeletion && it.ucmp(user, it.savedKey) < 0 {
				break
			}
			if it.lower != nil && it.ucmp(user, it.lower) < 0 {
				break
			}
			if it.prefix != nil && !bytes.HasPrefix(user, it.prefix) {
				break
			}
			valueType = dbformat.ExtractValueType(ikey)
			if valueType == dbformat.TypeDeletion {
				it.savedKey = it.savedKey[:0]
				it.savedVal = nil
			} else {
				it.savedKey = append(it.savedKey[:0], user...)
				it.savedVal = append(it.savedVal[:0], it.inner.Value()...)
			}
		}
		it.inner.Prev()
	}

	if valueType != dbformat.TypeValue {
		it.valid = false
		it.savedKey = it.savedKey[:0]
		it.savedVal = nil
		it.direction = dirForward
		return
	}
	it.valid = true
}

// ---------------------------------------------------------------------------
// On-file iterator sources
// ---------------------------------------------------------------------------

// indexSourceIter walks a frozen copy of the secondary index in user-key
// order, synthesizing an internal key per entry and reading values through
// the file cache on demand. The synthetic sequence of zero makes every
// entry sort after (i.e. older than) any memtable record for the same user
// key, which is exactly the index's contract: it holds the newest on-file
// record, superseded only by in-memory state.
type indexSourceIter struct {
	d         *DBImpl
	fillCache bool
	entries   []index.Entry
	pos       int
	key       []byte
	err       error
}

func newIndexSourceIter(d *DBImpl, fillCache bool) *indexSourceIter {
	src := &indexSourceIter{d: d, fillCache: fillCache, pos: -1}
	idxIt := d.idx.NewIterator(nil)
	for idxIt.Next() {
		src.entries = append(src.entries, index.Entry{Key: idxIt.Key(), Locator: idxIt.Locator()})
	}
	return src
}

func (s *indexSourceIter) Valid() bool {
	return s.pos >= 0 && s.pos < len(s.entries)
}

func (s *indexSourceIter) position() {
	if !s.Valid() {
		s.key = nil
		return
	}
	e := s.entries[s.pos]
	s.key = dbformat.NewInternalKey(e.Key, 0, dbformat.TypeValue)
}

func (s *indexSourceIter) SeekToFirst() {
	s.pos = 0
	s.position()
}

func (s *indexSourceIter) SeekToLast() {
	s.pos = len(s.entries) - 1
	s.position()
}

func (s *indexSourceIter) Seek(target []byte) {
	user := dbformat.ExtractUserKey(target)
	s.pos = sort.Search(len(s.entries), func(i int) bool {
		return s.d.ucmp(s.entries[i].Key, user) >= 0
	})
	s.position()
}

func (s *indexSourceIter) Next() {
	if s.pos < len(s.entries) {
		s.pos++
	}
	s.position()
}

func (s *indexSourceIter) Prev() {
	if s.pos >= 0 {
		s.pos--
	}
	s.position()
}

func (s *indexSourceIter) Key() []byte {
	return s.key
}

func (s *indexSourceIter) Value() []byte {
	if !s.Valid() {
		return nil
	}
	e := s.entries[s.pos]
	loc := e.Locator
	for attempt := 0; ; attempt++ {
		var saver getSaver
		err := s.d.fileCache.Get(filecache.ReadOptions{FillCache: s.fillCache}, loc.FileNumber, loc, &saver)
		if err == nil {
			return saver.value
		}
		// The frozen entry may name a file a compaction has since
		// replaced; the live index holds the rewritten locator.
		if attempt == 0 && errors.Is(err, os.ErrNotExist) {
			if newLoc, ok := s.d.idx.Get(e.Key); ok && newLoc != loc {
				loc = newLoc
				continue
			}
		}
		if s.err == nil {
			if saver.corrupt {
				s.err = fmt.Errorf("%w: key %q: %w", ErrCorruption, e.Key, err)
			} else {
				s.err = fmt.Errorf("%w: %w", ErrIOError, err)
			}
		}
		return nil
	}
}

func (s *indexSourceIter) Error() error { return s.err }

// fileIter walks one record file in internal-key order. The frame layout
// is collected in a single pass at construction (keys and locators only);
// values are read through the file cache when requested. Snapshot scans
// use one of these per live file.
type fileIter struct {
	d          *DBImpl
	fileNumber uint64
	fillCache  bool
	keys       [][]byte
	locs       []recordfile.Locator
	pos        int
	err        error
}

func newFileIter(d *DBImpl, fileNumber uint64, fillCache bool) (*fileIter, error) {
	fi := &fileIter{d: d, fileNumber: fileNumber, fillCache: fillCache, pos: -1}

	it, release, err := d.fileCache.NewIterator(fileNumber)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %w", ErrIOError, recordFileName(fileNumber), err)
	}
	defer release()
	for it.Next() {
		fi.keys = append(fi.keys, append([]byte(nil), it.Key()...))
		loc := it.Locator()
		loc.FileNumber = fileNumber
		fi.locs = append(fi.locs, loc)
	}
	if err := it.Err(); err != nil {
		return nil, fmt.Errorf("%w: scan %s: %w", ErrCorruption, recordFileName(fileNumber), err)
	}
	return fi, nil
}

func (fi *fileIter) Valid() bool {
	return fi.pos >= 0 && fi.pos < len(fi.keys)
}

func (fi *fileIter) SeekToFirst() { fi.pos = 0 }
func (fi *fileIter) SeekToLast()  { fi.pos = len(fi.keys) - 1 }

func (fi *fileIter) Seek(target []byte) {
	fi.pos = sort.Search(len(fi.keys), func(i int) bool {
		return fi.d.icmp.Compare(fi.keys[i], target) >= 0
	})
}

func (fi *fileIter) Next() {
	if fi.pos < len(fi.keys) {
		fi.pos++
	}
}

func (fi *fileIter) Prev() {
	if fi.pos >= 0 {
		fi.pos--
	}
}

func (fi *fileIter) Key() []byte {
	if !fi.Valid() {
		return nil
	}
	return fi.keys[fi.pos]
}

func (fi *fileIter) Value() []byte {
	if !fi.Valid() {
		return nil
	}
	var saver getSaver
	err := fi.d.fileCache.Get(filecache.ReadOptions{FillCache: fi.fillCache}, fi.fileNumber, fi.locs[fi.pos], &saver)
	if err != nil {
		if fi.err == nil {
			if saver.corrupt {
				fi.err = fmt.Errorf("%w: %w", ErrCorruption, err)
			} else {
				fi.err = fmt.Errorf("%w: %w", ErrIOError, err)
			}
		}
		return nil
	}
	return saver.value
}

func (fi *fileIter) Error() error { return fi.err }
