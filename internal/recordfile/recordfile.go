// Package recordfile implements the on-disk record file format: a flat
// sequence of framed, checksummed, optionally-compressed key/value records
// in internal-key order, closed by a footer carrying file-level summary
// stats and a bloom filter over the file's live user keys.
//
// There is no block index and no restart-point prefix compression: the
// secondary in-memory B-tree (internal/index) already answers "where is
// this key", so the file itself only needs to hold sequential frames plus
// enough of a footer to validate and to reconstruct a fresh B-tree on
// recovery.
//
// Record frame:
//
//	[xxh3 checksum:8][compression byte:1][key_len:varint][value_len:varint][key][compressed value]
//
// Footer (fixed 48 bytes, at the very end of the file):
//
//	[alive:8][total:8][smallest_len:4][largest_len:4][filter_offset:8][filter_size:8][magic:8]
//	followed immediately before the footer by the smallest/largest internal
//	keys and the serialized bloom filter block.
package recordfile

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/aalhour/rockyardkv/internal/checksum"
	"github.com/aalhour/rockyardkv/internal/compression"
	"github.com/aalhour/rockyardkv/internal/encoding"
	"github.com/aalhour/rockyardkv/internal/filter"
	"github.com/aalhour/rockyardkv/internal/vfs"
)

// Magic identifies a well-formed record file footer.
const Magic uint64 = 0x666c61746c736d31 // "flatlsm1"

// FooterSize is the fixed-size trailer (everything except the variable
// smallest/largest keys and filter block, which are addressed by offset).
const FooterSize = 8 + 8 + 4 + 4 + 8 + 8 + 8

// Errors surfaced by record file reads.
var (
	ErrCorruption  = errors.New("recordfile: corruption")
	ErrNotFound    = errors.New("recordfile: not found")
	ErrShortRecord = errors.New("recordfile: short record")
)

// Locator names one complete frame. For file-resident records Offset/Size
// address a frame inside the record file named by FileNumber. When NVM is
// set, Offset/Size address a frame in the byte-addressable NVM pool
// instead; FileNumber still names the record file holding the durable copy
// of the same record, which is what compaction bookkeeping keys on.
type Locator struct {
	FileNumber uint64
	Offset     uint64
	Size       uint64
	NVM        bool
}

// Footer is the parsed trailer of a record file.
type Footer struct {
	Alive        uint64
	Total        uint64
	Smallest     []byte
	Largest      []byte
	FilterOffset uint64
	FilterSize   uint64
}

// Builder writes a record file in internal-key order.
type Builder struct {
	w           vfs.WritableFile
	compression compression.Type
	filterBuild *filter.BloomFilterBuilder

	offset   uint64
	smallest []byte
	largest  []byte
	total    uint64
	alive    uint64
}

// NewBuilder creates a Builder that writes frames to w. A bitsPerKey of
// zero or less disables the bloom filter block entirely.
func NewBuilder(w vfs.WritableFile, compressionType compression.Type, bitsPerKey int) *Builder {
	b := &Builder{
		w:           w,
		compression: compressionType,
	}
	if bitsPerKey > 0 {
		b.filterBuild = filter.NewBloomFilterBuilder(bitsPerKey)
	}
	return b
}

// Add appends one record. Keys must be added in ascending internal-key
// order; deleted is true for tombstones, which still occupy a frame (the
// density calculation needs an accurate Total) but don't count as Alive.
func (b *Builder) Add(internalKey, value []byte, deleted bool) (Locator, error) {
	compressed, err := compression.Compress(b.compression, value)
	if err != nil {
		return Locator{}, fmt.Errorf("recordfile: compress: %w", err)
	}

	var body []byte
	body = append(body, byte(b.compression))
	body = encoding.AppendVarint32(body, uint32(len(internalKey)))
	body = encoding.AppendVarint32(body, uint32(len(compressed)))
	body = append(body, internalKey...)
	body = append(body, compressed...)

	sum := checksum.XXH3Checksum(body)
	frame := make([]byte, 8+len(body))
	binary.LittleEndian.PutUint64(frame[:8], uint64(sum))
	copy(frame[8:], body)

	n, err := b.w.Write(frame)
	if err != nil {
		return Locator{}, err
	}
	loc := Locator{Offset: b.offset, Size: uint64(n)}
	b.offset += uint64(n)

	if b.smallest == nil {
		b.smallest = append([]byte(nil), internalKey...)
	}
	b.largest = append([]byte(nil), internalKey...)
	b.total++
	// Every record's user key goes into the filter, tombstones included: a
	// reader probing an older snapshot needs to know a file holds *any*
	// record for the key, not just a live one.
	if b.filterBuild != nil {
		b.filterBuild.AddKey(stripTrailer(internalKey))
	}
	if !deleted {
		b.alive++
	}

	return loc, nil
}

// Finish writes the footer and returns the parsed summary.
func (b *Builder) Finish() (*Footer, error) {
	var filterBlock []byte
	if b.filterBuild != nil {
		filterBlock = b.filterBuild.Finish()
	}
	filterOffset := b.offset
	if _, err := b.w.Write(filterBlock); err != nil {
		return nil, err
	}
	b.offset += uint64(len(filterBlock))

	if _, err := b.w.Write(b.smallest); err != nil {
		return nil, err
	}
	b.offset += uint64(len(b.smallest))
	if _, err := b.w.Write(b.largest); err != nil {
		return nil, err
	}
	b.offset += uint64(len(b.largest))

	footer := make([]byte, FooterSize)
	binary.LittleEndian.PutUint64(footer[0:8], b.alive)
	binary.LittleEndian.PutUint64(footer[8:16], b.total)
	binary.LittleEndian.PutUint32(footer[16:20], uint32(len(b.smallest)))
	binary.LittleEndian.PutUint32(footer[20:24], uint32(len(b.largest)))
	binary.LittleEndian.PutUint64(footer[24:32], filterOffset)
	binary.LittleEndian.PutUint64(footer[32:40], uint64(len(filterBlock)))
	binary.LittleEndian.PutUint64(footer[40:48], Magic)

	if _, err := b.w.Write(footer); err != nil {
		return nil, err
	}

	return &Footer{
		Alive:        b.alive,
		Total:        b.total,
		Smallest:     b.smallest,
		Largest:      b.largest,
		FilterOffset: filterOffset,
		FilterSize:   uint64(len(filterBlock)),
	}, nil
}

// Size returns the number of bytes written so far, including the footer
// once Finish has run.
func (b *Builder) Size() uint64 {
	return b.offset + FooterSize
}

// NumEntries returns the number of records added so far.
func (b *Builder) NumEntries() uint64 {
	return b.total
}

// ReadFooter parses the trailer of a record file given random access to it
// and its total size.
func ReadFooter(f vfs.RandomAccessFile, fileSize int64) (*Footer, error) {
	if fileSize < FooterSize {
		return nil, ErrShortRecord
	}
	buf := make([]byte, FooterSize)
	if _, err := f.ReadAt(buf, fileSize-FooterSize); err != nil && err != io.EOF {
		return nil, err
	}

	magic := binary.LittleEndian.Uint64(buf[40:48])
	if magic != Magic {
		return nil, ErrCorruption
	}

	footer := &Footer{
		Alive:        binary.LittleEndian.Uint64(buf[0:8]),
		Total:        binary.LittleEndian.Uint64(buf[8:16]),
		FilterOffset: binary.LittleEndian.Uint64(buf[24:32]),
		FilterSize:   binary.LittleEndian.Uint64(buf[32:40]),
	}
	smallestLen := binary.LittleEndian.Uint32(buf[16:20])
	largestLen := binary.LittleEndian.Uint32(buf[20:24])

	keysSize := int64(smallestLen) + int64(largestLen)
	keysOffset := fileSize - FooterSize - keysSize
	keysBuf := make([]byte, keysSize)
	if _, err := f.ReadAt(keysBuf, keysOffset); err != nil && err != io.EOF {
		return nil, err
	}
	footer.Smallest = keysBuf[:smallestLen]
	footer.Largest = keysBuf[smallestLen:]

	return footer, nil
}

// ReadFilter loads the bloom filter block described by a Footer.
func ReadFilter(f vfs.RandomAccessFile, footer *Footer) (*filter.BloomFilterReader, error) {
	if footer.FilterSize == 0 {
		return nil, nil
	}
	buf := make([]byte, footer.FilterSize)
	if _, err := f.ReadAt(buf, int64(footer.FilterOffset)); err != nil && err != io.EOF {
		return nil, err
	}
	return filter.NewBloomFilterReader(buf), nil
}

// ReadRecord reads and validates one frame at the given locator, returning
// the internal key and the decompressed value.
func ReadRecord(f vfs.RandomAccessFile, loc Locator) (internalKey, value []byte, err error) {
	frame := make([]byte, loc.Size)
	if _, err := f.ReadAt(frame, int64(loc.Offset)); err != nil && err != io.EOF {
		return nil, nil, err
	}
	if len(frame) < 8+1+1+1 {
		return nil, nil, ErrShortRecord
	}

	wantSum := binary.LittleEndian.Uint64(frame[:8])
	body := frame[8:]
	gotSum := checksum.XXH3Checksum(body)
	if uint64(gotSum) != wantSum {
		return nil, nil, ErrCorruption
	}

	compType := compression.Type(body[0])
	rest := body[1:]
	keyLen, n, err := encoding.DecodeVarint32(rest)
	if err != nil {
		return nil, nil, ErrCorruption
	}
	rest = rest[n:]
	valLen, n, err := encoding.DecodeVarint32(rest)
	if err != nil {
		return nil, nil, ErrCorruption
	}
	rest = rest[n:]
	if len(rest) < int(keyLen)+int(valLen) {
		return nil, nil, ErrShortRecord
	}
	internalKey = rest[:keyLen]
	compressedValue := rest[keyLen : keyLen+valLen]

	value, err = compression.Decompress(compType, compressedValue)
	if err != nil {
		return nil, nil, fmt.Errorf("recordfile: decompress: %w", err)
	}
	return internalKey, value, nil
}

// Iterator walks every frame in a record file in on-disk (internal-key)
// order, used by recovery and compaction input merging.
type Iterator struct {
	f        vfs.RandomAccessFile
	fileSize int64
	offset   int64
	limit    int64

	key       []byte
	value     []byte
	err       error
	curOffset uint64
	curSize   uint64
}

// NewIterator returns an iterator over the record region of a file (i.e.
// everything before the filter block / footer).
func NewIterator(f vfs.RandomAccessFile, footer *Footer, fileSize int64) *Iterator {
	limit := fileSize - FooterSize - int64(len(footer.Smallest)) - int64(len(footer.Largest)) - int64(footer.FilterSize)
	return &Iterator{f: f, fileSize: fileSize, limit: limit}
}

// Next advances the iterator; returns false at end-of-records or on error
// (check Err()).
func (it *Iterator) Next() bool {
	if it.offset >= it.limit {
		return false
	}
	// Peek enough of the frame to learn its length: frames are variable-length,
	// so the size is re-derived by scanning the varints after the checksum,
	// mirroring ReadRecord's own parsing.
	head := make([]byte, 32)
	n, err := it.f.ReadAt(head, it.offset+8)
	if err != nil && err != io.EOF {
		it.err = err
		return false
	}
	head = head[:n]
	if len(head) < 2 {
		it.err = ErrShortRecord
		return false
	}
	rest := head[1:]
	keyLen, n1, err := encoding.DecodeVarint32(rest)
	if err != nil {
		it.err = ErrCorruption
		return false
	}
	rest = rest[n1:]
	valLen, n2, err := encoding.DecodeVarint32(rest)
	if err != nil {
		it.err = ErrCorruption
		return false
	}
	frameSize := int64(8+1+n1+n2) + int64(keyLen) + int64(valLen)

	key, value, err := ReadRecord(it.f, Locator{Offset: uint64(it.offset), Size: uint64(frameSize)})
	if err != nil {
		it.err = err
		return false
	}
	it.key, it.value = key, value
	it.curOffset, it.curSize = uint64(it.offset), uint64(frameSize)
	it.offset += frameSize
	return true
}

// Key returns the current frame's internal key.
func (it *Iterator) Key() []byte { return it.key }

// Value returns the current frame's decompressed value.
func (it *Iterator) Value() []byte { return it.value }

// Err returns any error encountered during iteration.
func (it *Iterator) Err() error { return it.err }

// Locator returns the Offset/Size of the frame the iterator is currently
// positioned at, with FileNumber left zero for the caller to fill in; used
// to rebuild the secondary index from on-disk data during recovery.
func (it *Iterator) Locator() Locator {
	return Locator{Offset: it.curOffset, Size: it.curSize}
}

func stripTrailer(internalKey []byte) []byte {
	if len(internalKey) < 8 {
		return internalKey
	}
	return internalKey[:len(internalKey)-8]
}
