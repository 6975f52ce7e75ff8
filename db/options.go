package db

import (
	"errors"

	"github.com/aalhour/rockyardkv/internal/batch"
	"github.com/aalhour/rockyardkv/internal/compression"
	"github.com/aalhour/rockyardkv/internal/dbformat"
	"github.com/aalhour/rockyardkv/internal/logging"
	"github.com/aalhour/rockyardkv/internal/vfs"
)

var (
	ErrDBClosed        = errors.New("db: database is closed")
	ErrNotFound        = errors.New("db: key not found")
	ErrDBExists        = errors.New("db: database already exists")
	ErrDBNotFound      = errors.New("db: database not found")
	ErrCorruption      = errors.New("db: corruption detected")
	ErrNotSupported    = errors.New("db: operation not supported")
	ErrInvalidOptions  = errors.New("db: invalid options")
	ErrIOError         = errors.New("db: i/o error")
	ErrBackgroundError = errors.New("db: unrecoverable background error")
)

// Comparator orders user keys. The zero value is not usable; use
// DefaultComparator for bytewise ordering.
type Comparator = dbformat.UserKeyComparer

// CompressionType selects the record-file value codec.
type CompressionType = compression.Type

// Compression codecs accepted by Options.Compression.
const (
	NoCompression     = compression.NoCompression
	SnappyCompression = compression.SnappyCompression
	ZlibCompression   = compression.ZlibCompression
	LZ4Compression    = compression.LZ4Compression
	ZstdCompression   = compression.ZstdCompression
)

// WriteBatch collects updates applied atomically by DB.Write.
type WriteBatch = batch.WriteBatch

// NewWriteBatch returns an empty write batch.
func NewWriteBatch() *WriteBatch {
	return batch.New()
}

// DefaultComparator returns the bytewise lexicographic comparator used
// unless Options.Comparator overrides it.
func DefaultComparator() Comparator {
	return dbformat.BytewiseCompare
}

// Options configures how a database is opened and how its background
// work behaves.
type Options struct {
	// CreateIfMissing creates the database if it does not already exist.
	CreateIfMissing bool

	// ErrorIfExists causes Open to fail if the database already exists.
	ErrorIfExists bool

	// FS is the filesystem abstraction to use. Defaults to the real OS
	// filesystem.
	FS vfs.FS

	// Comparator orders user keys. Defaults to bytewise ordering.
	Comparator Comparator

	// Logger receives diagnostic and fatal-error messages. Defaults to a
	// DefaultLogger writing to stderr at LevelWarn.
	Logger logging.Logger

	// WriteBufferSize bounds how large the active memtable grows before
	// it is frozen and scheduled for flush.
	WriteBufferSize int

	// MaxFileSize bounds the size of a single record file produced by
	// flush or compaction.
	MaxFileSize uint64

	// BlockSize is accepted for option-string compatibility with the
	// block-based engine this one replaced; the flat record-file format
	// has no block layer, so it has no effect here.
	BlockSize int

	// MaxOpenFiles is not read by the store: the file cache has no
	// open-file limit. It keeps at most one handle per record file and
	// closes it once no read holds it.
	MaxOpenFiles int

	// FilterBitsPerKey sets the bloom filter density used when building
	// new record files. Zero disables filters.
	FilterBitsPerKey int

	// ReuseLogs selects the recyclable WAL record format, whose records
	// carry the log number. Recovery does not append to the last WAL file;
	// it always rolls a new one.
	ReuseLogs bool

	// MergeThresholdPercent is the alive/total*100 cutoff below which a
	// record file becomes a merge candidate. Defaults to 50.
	MergeThresholdPercent int

	// MaxCompactionBytes bounds how many input bytes a single background
	// compaction selects at once.
	MaxCompactionBytes uint64

	// Compression selects the value-block compression codec used by new
	// record files.
	Compression compression.Type

	// CacheCapacity bounds the decoded-value LRU cache size, in bytes.
	CacheCapacity uint64

	// NVMPoolPath, when non-empty, routes small values into a
	// memory-mapped NVM pool file instead of the record-file/page-cache
	// path.
	NVMPoolPath string

	// NVMPoolSize is the byte size of the NVM pool file, created or
	// opened at NVMPoolPath.
	NVMPoolSize uint64

	// NVMInlineThreshold is the largest value size, in bytes, eligible
	// for NVM placement. Larger values are only ever read through their
	// record file. Defaults to DefaultNVMInlineThreshold when a pool is
	// configured.
	NVMInlineThreshold int
}

// DefaultNVMInlineThreshold is the value-size cutoff for NVM placement
// used when Options.NVMPoolPath is set without an explicit threshold.
const DefaultNVMInlineThreshold = 512

// DefaultOptions returns an Options populated with the defaults used
// throughout the test suite and documentation.
func DefaultOptions() Options {
	return Options{
		FS:                    vfs.Default(),
		Comparator:            DefaultComparator(),
		Logger:                logging.NewDefaultLogger(logging.LevelWarn),
		WriteBufferSize:       4 * 1024 * 1024,
		MaxFileSize:           64 * 1024 * 1024,
		MaxOpenFiles:          1000,
		FilterBitsPerKey:      10,
		MergeThresholdPercent: 50,
		MaxCompactionBytes:    64 * 1024 * 1024,
		Compression:           compression.NoCompression,
		CacheCapacity:         8 * 1024 * 1024,
	}
}

// WriteOptions controls the durability and atomicity of a single write.
type WriteOptions struct {
	// Sync forces the WAL to be fsynced before the write returns.
	Sync bool

	// DisableWAL skips the WAL entirely. Writes are only durable once
	// the memtable holding them is flushed; an unflushed DisableWAL
	// write is lost on crash. This matches upstream RocksDB semantics
	// exactly and is intentional, not a bug.
	DisableWAL bool
}

// DefaultWriteOptions returns the default write options: the WAL is
// written but not fsynced (Sync is false), and DisableWAL is false.
func DefaultWriteOptions() *WriteOptions {
	return &WriteOptions{}
}

// Snapshot pins a sequence number so reads taken against it never
// observe writes committed after it was created.
type Snapshot struct {
	sequence dbformat.SequenceNumber
}

// ReadOptions controls the consistency view and iteration bounds of a
// read or iterator.
type ReadOptions struct {
	// Snapshot, if non-nil, pins reads to the sequence number it
	// captured instead of the database's latest sequence.
	Snapshot *Snapshot

	// FillCache controls whether values read from record files are
	// inserted into the decoded-value cache.
	FillCache bool

	// VerifyChecksums forces checksum verification on every record read
	// from disk, at the cost of extra CPU.
	VerifyChecksums bool

	// IterateLowerBound, if set, is the inclusive lower bound an
	// iterator created with these options will never seek or iterate
	// before.
	IterateLowerBound []byte

	// IterateUpperBound, if set, is the exclusive upper bound an
	// iterator created with these options will never iterate past.
	IterateUpperBound []byte

	// PrefixSameAsStart restricts iteration to keys sharing the starting
	// byte prefix: IterateLowerBound when set, otherwise the first Seek
	// target with its final byte dropped. Any key outside the prefix is
	// treated as the end of iteration.
	PrefixSameAsStart bool
}

// DefaultReadOptions returns the default read options: no snapshot, no
// bounds, caching enabled, checksums not verified.
func DefaultReadOptions() *ReadOptions {
	return &ReadOptions{FillCache: true}
}

// FlushOptions controls an explicit Flush call.
type FlushOptions struct {
	// Wait blocks until the flush (and any synchronous WAL work it
	// requires) has completed. RockyardKV always flushes synchronously,
	// so this is accepted for option compatibility but has no effect.
	Wait bool
}

// DefaultFlushOptions returns the default flush options.
func DefaultFlushOptions() *FlushOptions {
	return &FlushOptions{Wait: true}
}

// CompactRangeOptions controls a manual CompactRange call.
type CompactRangeOptions struct{}

// WaitForCompactOptions controls WaitForCompact.
type WaitForCompactOptions struct {
	// FlushFirst flushes the active memtable before waiting for
	// background compactions to drain.
	FlushFirst bool
}
