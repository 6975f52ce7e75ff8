// Package manifest encodes and decodes VersionEdit records for the MANIFEST
// log that tracks the flat file population backing the secondary index.
//
// Tag numbers are written to disk and MUST NOT change once assigned. A tag
// with TagSafeIgnoreMask set can be skipped by a reader that doesn't
// recognize it, the same forward-compatibility trick RocksDB's
// leveled manifest used.
package manifest

// Tag identifies a field within a serialized VersionEdit.
type Tag uint32

const (
	TagComparator      Tag = 1
	TagLogNumber       Tag = 2
	TagNextFileNumber  Tag = 3
	TagLastSequence    Tag = 4
	TagDeletedFile     Tag = 5
	TagNewFile         Tag = 6
	TagCandidateAdded  Tag = 7
	TagCandidateRemove Tag = 8
	TagAliveDelta      Tag = 9

	// TagSafeIgnoreMask marks a field a future reader can skip if unknown.
	TagSafeIgnoreMask Tag = 1 << 13

	TagDBID Tag = TagSafeIgnoreMask | 1
)

// IsSafeToIgnore reports whether an unrecognized tag can be skipped.
func (t Tag) IsSafeToIgnore() bool {
	return t&TagSafeIgnoreMask != 0
}
