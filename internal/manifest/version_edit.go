// version_edit.go implements VersionEdit encoding and decoding for the flat
// file population: no levels, no column families. An edit adds files,
// removes files, adjusts each surviving file's merge-candidate membership,
// and carries per-file alive-record deltas for density bookkeeping.
//
// Reference (structure, not format): RocksDB's db/version_edit.{h,cc}.
package manifest

import (
	"errors"

	"github.com/aalhour/rockyardkv/internal/encoding"
)

// Errors returned during VersionEdit encoding/decoding.
var (
	ErrInvalidTag           = errors.New("manifest: invalid tag")
	ErrUnexpectedEndOfInput = errors.New("manifest: unexpected end of input")
	ErrUnknownRequiredTag   = errors.New("manifest: unknown required tag")
)

// SequenceNumber is a database write sequence number.
type SequenceNumber uint64

// MaxSequenceNumber is the largest valid sequence number.
const MaxSequenceNumber SequenceNumber = (1 << 56) - 1

// FileMetaData describes one record file in the flat population.
type FileMetaData struct {
	FileNumber uint64
	FileSize   uint64
	Smallest   []byte // smallest internal key in the file
	Largest    []byte // largest internal key in the file

	SmallestSeqno SequenceNumber
	LargestSeqno  SequenceNumber

	Alive uint64 // live (non-superseded, non-deleted) record count
	Total uint64 // total record count written to the file

	FileCreationTime uint64

	// BeingCompacted is runtime-only state: true while this file is a
	// member of an in-flight Compaction. Never persisted.
	BeingCompacted bool
}

// Density returns alive/total as a percentage in [0, 100]. A file with no
// records reports 100 (nothing to reclaim).
func (f *FileMetaData) Density() int {
	if f.Total == 0 {
		return 100
	}
	return int(f.Alive * 100 / f.Total)
}

// Clone returns a deep-enough copy safe to mutate independently (the
// Smallest/Largest byte slices are shared, since they're treated as
// immutable once a file is sealed).
func (f *FileMetaData) Clone() *FileMetaData {
	clone := *f
	return &clone
}

// VersionEdit represents one atomic change to the file population.
type VersionEdit struct {
	Comparator    string
	HasComparator bool

	LogNumber    uint64
	HasLogNumber bool

	NextFileNumber    uint64
	HasNextFileNumber bool

	LastSequence    SequenceNumber
	HasLastSequence bool

	AddedFiles   []*FileMetaData
	DeletedFiles []uint64

	// CandidatesAdded/CandidatesRemoved track membership in the
	// merge-candidate set (files whose density may warrant compaction).
	CandidatesAdded   []uint64
	CandidatesRemoved []uint64

	// AliveDelta carries, per existing file number, a change in live-record
	// count (negative on overwrite/delete of a record that file still
	// holds). Applied before Alive/Total are otherwise recomputed.
	AliveDelta map[uint64]int64
}

// NewVersionEdit returns an empty VersionEdit.
func NewVersionEdit() *VersionEdit {
	return &VersionEdit{AliveDelta: make(map[uint64]int64)}
}

// Clear resets the edit to its zero state.
func (ve *VersionEdit) Clear() {
	*ve = VersionEdit{AliveDelta: make(map[uint64]int64)}
}

func (ve *VersionEdit) SetComparatorName(name string) {
	ve.Comparator = name
	ve.HasComparator = true
}

func (ve *VersionEdit) SetLogNumber(num uint64) {
	ve.LogNumber = num
	ve.HasLogNumber = true
}

func (ve *VersionEdit) SetNextFileNumber(num uint64) {
	ve.NextFileNumber = num
	ve.HasNextFileNumber = true
}

func (ve *VersionEdit) SetLastSequence(seq SequenceNumber) {
	ve.LastSequence = seq
	ve.HasLastSequence = true
}

// AddFile registers a newly written record file.
func (ve *VersionEdit) AddFile(meta *FileMetaData) {
	ve.AddedFiles = append(ve.AddedFiles, meta)
}

// DeleteFile marks a file number for removal from the population.
func (ve *VersionEdit) DeleteFile(fileNumber uint64) {
	ve.DeletedFiles = append(ve.DeletedFiles, fileNumber)
}

// AddCandidate marks a file as a merge candidate.
func (ve *VersionEdit) AddCandidate(fileNumber uint64) {
	ve.CandidatesAdded = append(ve.CandidatesAdded, fileNumber)
}

// RemoveCandidate clears a file's merge-candidate membership.
func (ve *VersionEdit) RemoveCandidate(fileNumber uint64) {
	ve.CandidatesRemoved = append(ve.CandidatesRemoved, fileNumber)
}

// AddAliveDelta records a change in live-record count for an existing file.
func (ve *VersionEdit) AddAliveDelta(fileNumber uint64, delta int64) {
	if ve.AliveDelta == nil {
		ve.AliveDelta = make(map[uint64]int64)
	}
	ve.AliveDelta[fileNumber] += delta
}

// EncodeTo serializes the edit using tag-value framing, trimmed to the
// fields this engine needs.
func (ve *VersionEdit) EncodeTo() []byte {
	var dst []byte

	if ve.HasComparator {
		dst = encoding.AppendVarint32(dst, uint32(TagComparator))
		dst = encoding.AppendLengthPrefixedSlice(dst, []byte(ve.Comparator))
	}
	if ve.HasLogNumber {
		dst = encoding.AppendVarint32(dst, uint32(TagLogNumber))
		dst = encoding.AppendVarint64(dst, ve.LogNumber)
	}
	if ve.HasNextFileNumber {
		dst = encoding.AppendVarint32(dst, uint32(TagNextFileNumber))
		dst = encoding.AppendVarint64(dst, ve.NextFileNumber)
	}
	if ve.HasLastSequence {
		dst = encoding.AppendVarint32(dst, uint32(TagLastSequence))
		dst = encoding.AppendVarint64(dst, uint64(ve.LastSequence))
	}
	for _, fn := range ve.DeletedFiles {
		dst = encoding.AppendVarint32(dst, uint32(TagDeletedFile))
		dst = encoding.AppendVarint64(dst, fn)
	}
	for _, f := range ve.AddedFiles {
		dst = encoding.AppendVarint32(dst, uint32(TagNewFile))
		dst = encoding.AppendVarint64(dst, f.FileNumber)
		dst = encoding.AppendVarint64(dst, f.FileSize)
		dst = encoding.AppendLengthPrefixedSlice(dst, f.Smallest)
		dst = encoding.AppendLengthPrefixedSlice(dst, f.Largest)
		dst = encoding.AppendVarint64(dst, uint64(f.SmallestSeqno))
		dst = encoding.AppendVarint64(dst, uint64(f.LargestSeqno))
		dst = encoding.AppendVarint64(dst, f.Alive)
		dst = encoding.AppendVarint64(dst, f.Total)
		dst = encoding.AppendVarint64(dst, f.FileCreationTime)
	}
	for _, fn := range ve.CandidatesAdded {
		dst = encoding.AppendVarint32(dst, uint32(TagCandidateAdded))
		dst = encoding.AppendVarint64(dst, fn)
	}
	for _, fn := range ve.CandidatesRemoved {
		dst = encoding.AppendVarint32(dst, uint32(TagCandidateRemove))
		dst = encoding.AppendVarint64(dst, fn)
	}
	for fn, delta := range ve.AliveDelta {
		dst = encoding.AppendVarint32(dst, uint32(TagAliveDelta))
		dst = encoding.AppendVarint64(dst, fn)
		dst = encoding.AppendVarsignedint64(dst, delta)
	}

	return dst
}

// DecodeFrom parses an edit previously produced by EncodeTo.
func (ve *VersionEdit) DecodeFrom(data []byte) error {
	ve.Clear()

	for len(data) > 0 {
		tagVal, n, err := encoding.DecodeVarint32(data)
		if err != nil {
			return ErrUnexpectedEndOfInput
		}
		data = data[n:]
		tag := Tag(tagVal)

		switch tag {
		case TagComparator:
			val, n, err := encoding.DecodeLengthPrefixedSlice(data)
			if err != nil {
				return ErrUnexpectedEndOfInput
			}
			ve.Comparator = string(val)
			ve.HasComparator = true
			data = data[n:]

		case TagLogNumber:
			val, n, err := encoding.DecodeVarint64(data)
			if err != nil {
				return ErrUnexpectedEndOfInput
			}
			ve.LogNumber = val
			ve.HasLogNumber = true
			data = data[n:]

		case TagNextFileNumber:
			val, n, err := encoding.DecodeVarint64(data)
			if err != nil {
				return ErrUnexpectedEndOfInput
			}
			ve.NextFileNumber = val
			ve.HasNextFileNumber = true
			data = data[n:]

		case TagLastSequence:
			val, n, err := encoding.DecodeVarint64(data)
			if err != nil {
				return ErrUnexpectedEndOfInput
			}
			ve.LastSequence = SequenceNumber(val)
			ve.HasLastSequence = true
			data = data[n:]

		case TagDeletedFile:
			fn, n, err := encoding.DecodeVarint64(data)
			if err != nil {
				return ErrUnexpectedEndOfInput
			}
			data = data[n:]
			ve.DeleteFile(fn)

		case TagNewFile:
			meta := &FileMetaData{}
			var n int
			if meta.FileNumber, n, err = encoding.DecodeVarint64(data); err != nil {
				return ErrUnexpectedEndOfInput
			}
			data = data[n:]
			if meta.FileSize, n, err = encoding.DecodeVarint64(data); err != nil {
				return ErrUnexpectedEndOfInput
			}
			data = data[n:]
			if meta.Smallest, n, err = encoding.DecodeLengthPrefixedSlice(data); err != nil {
				return ErrUnexpectedEndOfInput
			}
			data = data[n:]
			if meta.Largest, n, err = encoding.DecodeLengthPrefixedSlice(data); err != nil {
				return ErrUnexpectedEndOfInput
			}
			data = data[n:]
			var seqno uint64
			if seqno, n, err = encoding.DecodeVarint64(data); err != nil {
				return ErrUnexpectedEndOfInput
			}
			meta.SmallestSeqno = SequenceNumber(seqno)
			data = data[n:]
			if seqno, n, err = encoding.DecodeVarint64(data); err != nil {
				return ErrUnexpectedEndOfInput
			}
			meta.LargestSeqno = SequenceNumber(seqno)
			data = data[n:]
			if meta.Alive, n, err = encoding.DecodeVarint64(data); err != nil {
				return ErrUnexpectedEndOfInput
			}
			data = data[n:]
			if meta.Total, n, err = encoding.DecodeVarint64(data); err != nil {
				return ErrUnexpectedEndOfInput
			}
			data = data[n:]
			if meta.FileCreationTime, n, err = encoding.DecodeVarint64(data); err != nil {
				return ErrUnexpectedEndOfInput
			}
			data = data[n:]
			ve.AddFile(meta)

		case TagCandidateAdded:
			fn, n, err := encoding.DecodeVarint64(data)
			if err != nil {
				return ErrUnexpectedEndOfInput
			}
			data = data[n:]
			ve.AddCandidate(fn)

		case TagCandidateRemove:
			fn, n, err := encoding.DecodeVarint64(data)
			if err != nil {
				return ErrUnexpectedEndOfInput
			}
			data = data[n:]
			ve.RemoveCandidate(fn)

		case TagAliveDelta:
			fn, n, err := encoding.DecodeVarint64(data)
			if err != nil {
				return ErrUnexpectedEndOfInput
			}
			data = data[n:]
			delta, n, err := encoding.DecodeVarsignedint64(data)
			if err != nil {
				return ErrUnexpectedEndOfInput
			}
			data = data[n:]
			ve.AddAliveDelta(fn, delta)

		default:
			if tag.IsSafeToIgnore() {
				_, n, err := encoding.DecodeLengthPrefixedSlice(data)
				if err != nil {
					return ErrUnexpectedEndOfInput
				}
				data = data[n:]
			} else {
				return ErrUnknownRequiredTag
			}
		}
	}

	return nil
}
