// Package version manages database versions over the flat file population.
//
// A Version represents the set of live record files at a point in time,
// plus which of them are currently flagged as merge candidates. Unlike a
// leveled engine, there's no per-level array: every file lives in one flat
// map keyed by file number, and density (not level) decides what compacts.
//
// A VersionSet manages all versions and the MANIFEST file, applying
// VersionEdits to produce new versions.
package version

import (
	"sync/atomic"

	"github.com/aalhour/rockyardkv/internal/manifest"
)

// Version is an immutable snapshot of the live file population. New
// versions are produced by applying a VersionEdit via Builder; this one is
// never mutated after NewVersion/Builder.SaveTo hands it off.
//
// Versions are reference counted. Call Unref when done; the version is
// unlinked from its VersionSet's list once the count reaches zero.
type Version struct {
	files           map[uint64]*manifest.FileMetaData
	mergeCandidates map[uint64]*manifest.FileMetaData

	refs int32

	vset          *VersionSet
	versionNumber uint64

	prev *Version
	next *Version
}

// NewVersion creates a new empty Version.
func NewVersion(vset *VersionSet, versionNumber uint64) *Version {
	return &Version{
		vset:            vset,
		versionNumber:   versionNumber,
		files:           make(map[uint64]*manifest.FileMetaData),
		mergeCandidates: make(map[uint64]*manifest.FileMetaData),
	}
}

// Ref increments the reference count.
func (v *Version) Ref() {
	atomic.AddInt32(&v.refs, 1)
}

// Unref decrements the reference count and unlinks the version once it
// reaches zero.
func (v *Version) Unref() {
	if atomic.AddInt32(&v.refs, -1) == 0 {
		// Must hold the VersionSet's list lock when modifying the linked
		// list to prevent races with other Unref() calls and
		// appendVersion(). A separate listMu avoids deadlock with the
		// main mu.
		if v.vset != nil {
			v.vset.listMu.Lock()
			defer v.vset.listMu.Unlock()
		}
		if v.prev != nil {
			v.prev.next = v.next
		}
		if v.next != nil {
			v.next.prev = v.prev
		}
		v.prev = nil
		v.next = nil
	}
}

// NumFiles returns the number of live files in this version.
func (v *Version) NumFiles() int {
	return len(v.files)
}

// Files returns every live file, in no particular order.
func (v *Version) Files() []*manifest.FileMetaData {
	out := make([]*manifest.FileMetaData, 0, len(v.files))
	for _, f := range v.files {
		out = append(out, f)
	}
	return out
}

// File looks up one file's metadata by file number.
func (v *Version) File(fileNumber uint64) (*manifest.FileMetaData, bool) {
	f, ok := v.files[fileNumber]
	return f, ok
}

// MergeCandidates returns every file currently flagged as a merge
// candidate, in no particular order.
func (v *Version) MergeCandidates() []*manifest.FileMetaData {
	out := make([]*manifest.FileMetaData, 0, len(v.mergeCandidates))
	for _, f := range v.mergeCandidates {
		out = append(out, f)
	}
	return out
}

// TotalBytes returns the total size of every live file.
func (v *Version) TotalBytes() uint64 {
	var size uint64
	for _, f := range v.files {
		size += f.FileSize
	}
	return size
}

// VersionNumber returns the version number, used for logging and for the
// oldest-file-number compaction tie-break.
func (v *Version) VersionNumber() uint64 {
	return v.versionNumber
}

// OverlappingFiles returns files whose [Smallest, Largest] internal-key
// range overlaps [begin, end]. A nil bound means unbounded on that side.
// Used by range scans to decide which files a read must fall through to
// once the secondary index has been consulted (e.g. during recovery
// rebuild, before the index is fully warm).
func (v *Version) OverlappingFiles(begin, end []byte) []*manifest.FileMetaData {
	var result []*manifest.FileMetaData
	for _, f := range v.files {
		if begin != nil && len(f.Largest) > 0 && compareInternalKey(f.Largest, begin) < 0 {
			continue
		}
		if end != nil && len(f.Smallest) > 0 && compareInternalKey(f.Smallest, end) > 0 {
			continue
		}
		result = append(result, f)
	}
	return result
}

// compareInternalKey compares two internal keys: user key ascending, then
// sequence number descending (higher sequence sorts first).
func compareInternalKey(a, b []byte) int {
	if len(a) < 8 || len(b) < 8 {
		return bytesCompare(a, b)
	}

	userKeyA := a[:len(a)-8]
	userKeyB := b[:len(b)-8]

	cmp := bytesCompare(userKeyA, userKeyB)
	if cmp != 0 {
		return cmp
	}

	trailerA := decodeFixed64(a[len(a)-8:])
	trailerB := decodeFixed64(b[len(b)-8:])

	if trailerA > trailerB {
		return -1
	} else if trailerA < trailerB {
		return 1
	}
	return 0
}

func bytesCompare(a, b []byte) int {
	minLen := min(len(b), len(a))
	for i := range minLen {
		if a[i] < b[i] {
			return -1
		}
		if a[i] > b[i] {
			return 1
		}
	}
	if len(a) < len(b) {
		return -1
	}
	if len(a) > len(b) {
		return 1
	}
	return 0
}

func decodeFixed64(b []byte) uint64 {
	return uint64(b[0]) | uint64(b[1])<<8 | uint64(b[2])<<16 | uint64(b[3])<<24 |
		uint64(b[4])<<32 | uint64(b[5])<<40 | uint64(b[6])<<48 | uint64(b[7])<<56
}
