// db.go holds the DB interface, the DBImpl core, and the point read/write
// paths.
//
// # Whitebox Testing Hooks
//
// This file contains sync points (requires -tags synctest) and kill points
// (requires -tags crashtest) for whitebox testing. In production builds,
// these compile to no-ops with zero overhead.
package db

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/aalhour/rockyardkv/internal/batch"
	"github.com/aalhour/rockyardkv/internal/dbformat"
	"github.com/aalhour/rockyardkv/internal/filecache"
	"github.com/aalhour/rockyardkv/internal/index"
	"github.com/aalhour/rockyardkv/internal/logging"
	"github.com/aalhour/rockyardkv/internal/manifest"
	"github.com/aalhour/rockyardkv/internal/memtable"
	"github.com/aalhour/rockyardkv/internal/nvmpool"
	"github.com/aalhour/rockyardkv/internal/testutil"
	"github.com/aalhour/rockyardkv/internal/version"
	"github.com/aalhour/rockyardkv/internal/vfs"
	"github.com/aalhour/rockyardkv/internal/wal"
)

// DB is the public interface to a database handle returned by Open.
type DB interface {
	// Put sets the value for the given key.
	Put(opts *WriteOptions, key, value []byte) error

	// Update sets the value for the given key. It is an alias for Put and
	// succeeds whether or not the key already exists.
	Update(opts *WriteOptions, key, value []byte) error

	// Delete removes the given key. Deleting an absent key is not an error.
	Delete(opts *WriteOptions, key []byte) error

	// Write applies a batch of updates atomically.
	Write(opts *WriteOptions, wb *batch.WriteBatch) error

	// Get retrieves the value for the given key.
	// Returns ErrNotFound if the key does not exist.
	Get(opts *ReadOptions, key []byte) ([]byte, error)

	// NewIterator returns an iterator over the database contents at the
	// read options' snapshot (or the current state if no snapshot is set).
	NewIterator(opts *ReadOptions) *Iterator

	// GetSnapshot captures the current sequence number. Reads made with
	// the snapshot set never observe later writes.
	GetSnapshot() *Snapshot

	// ReleaseSnapshot releases a snapshot. Releasing twice is a no-op.
	ReleaseSnapshot(snap *Snapshot)

	// Flush writes the active memtable out to a record file.
	Flush(opts *FlushOptions) error

	// CompactRange merges every record file overlapping [begin, end] into
	// a fresh file. A nil bound means unbounded on that side.
	CompactRange(opts *CompactRangeOptions, begin, end []byte) error

	// WaitForCompact blocks until no flush or compaction is in flight.
	WaitForCompact(opts *WaitForCompactOptions) error

	// GetProperty returns a named introspection property. Recognized
	// names: "stats", "sstables", "csv".
	GetProperty(name string) (string, bool)

	// GetLatestSequenceNumber returns the sequence number of the most
	// recent write.
	GetLatestSequenceNumber() uint64

	// Close shuts down background work and releases all resources.
	Close() error
}

// DBImpl is the concrete database implementation behind the DB interface.
type DBImpl struct {
	name   string
	opts   Options
	fs     vfs.FS
	logger logging.Logger

	// mu guards mem, imm, logFileNumber, the WAL writer, and version
	// acquisition. Readers take it shared; the write path and flush take
	// it exclusive for pointer switches only.
	mu      sync.RWMutex
	immCond *sync.Cond

	// writeMu serializes writers: one batch at a time assigns sequence
	// numbers, appends to the WAL, and inserts into the memtable.
	writeMu sync.Mutex

	// commitMu serializes index-visible state transitions: a flush or
	// compaction holds it from the moment it reads current index locators
	// until its BulkReplace has been applied, so two publishers never
	// interleave their locator updates.
	commitMu sync.Mutex

	mem *memtable.MemTable
	imm *memtable.MemTable

	walWriter     *wal.Writer
	walFile       vfs.WritableFile
	logFileNumber uint64

	versions  *version.VersionSet
	idx       *index.Index
	fileCache *filecache.Cache
	nvm       *nvmpool.Pool

	icmp *dbformat.InternalKeyComparator
	ucmp Comparator

	seq atomic.Uint64

	snapMu    sync.Mutex
	snapshots map[*Snapshot]struct{}

	bgErrMu sync.Mutex
	bgErr   error

	bgWork *backgroundWork

	dbLock io.Closer
	closed atomic.Bool
}

var _ DB = (*DBImpl)(nil)

// Open creates or reopens the database at name.
func Open(name string, opts Options) (DB, error) {
	if opts.FS == nil {
		opts.FS = vfs.Default()
	}
	if opts.Comparator == nil {
		opts.Comparator = DefaultComparator()
	}
	opts.Logger = logging.OrDefault(opts.Logger)
	if opts.WriteBufferSize <= 0 {
		opts.WriteBufferSize = DefaultOptions().WriteBufferSize
	}
	if opts.MaxFileSize == 0 {
		opts.MaxFileSize = DefaultOptions().MaxFileSize
	}
	if opts.MergeThresholdPercent <= 0 {
		opts.MergeThresholdPercent = DefaultOptions().MergeThresholdPercent
	}
	if opts.MaxCompactionBytes == 0 {
		opts.MaxCompactionBytes = DefaultOptions().MaxCompactionBytes
	}
	if opts.NVMPoolPath != "" && opts.NVMInlineThreshold <= 0 {
		opts.NVMInlineThreshold = DefaultNVMInlineThreshold
	}

	_ = testutil.SP(testutil.SPDBOpen)

	fs := opts.FS
	exists := fs.Exists(filepath.Join(name, currentFileName))
	if exists && opts.ErrorIfExists {
		return nil, fmt.Errorf("%w: %s", ErrDBExists, name)
	}
	if !exists && !opts.CreateIfMissing {
		return nil, fmt.Errorf("%w: %s", ErrDBNotFound, name)
	}
	if err := fs.MkdirAll(name, 0o755); err != nil {
		return nil, err
	}

	dbLock, err := fs.Lock(filepath.Join(name, lockFileName))
	if err != nil {
		return nil, fmt.Errorf("db: acquire lock: %w", err)
	}

	d := &DBImpl{
		name:      name,
		opts:      opts,
		fs:        fs,
		logger:    opts.Logger,
		ucmp:      opts.Comparator,
		icmp:      dbformat.NewInternalKeyComparator(dbformat.UserKeyComparer(opts.Comparator)),
		idx:       index.New(),
		snapshots: make(map[*Snapshot]struct{}),
		dbLock:    dbLock,
	}
	d.immCond = sync.NewCond(&d.mu)
	d.bgWork = newBackgroundWork(d)

	if dl, ok := opts.Logger.(*logging.DefaultLogger); ok {
		dl.SetFatalHandler(func(msg string) {
			d.SetBackgroundError(fmt.Errorf("%w: %s", logging.ErrFatal, msg))
		})
	}

	if opts.NVMPoolPath != "" {
		pool, err := nvmpool.CreatePool(opts.NVMPoolPath, opts.NVMPoolSize)
		if err != nil {
			_ = dbLock.Close()
			return nil, fmt.Errorf("db: create NVM pool: %w", err)
		}
		d.nvm = pool
	}

	d.fileCache = filecache.New(filecache.Options{
		Dir:             name,
		FS:              fs,
		CacheCapacity:   opts.CacheCapacity,
		NVMPool:         d.nvm,
		NVMInlineThresh: opts.NVMInlineThreshold,
		FileExt:         recordFileExt,
	})

	vsOpts := version.DefaultVersionSetOptions(name)
	vsOpts.FS = fs
	vsOpts.RecordFileExt = recordFileExt
	d.versions = version.NewVersionSet(vsOpts)

	if err := d.recover(!exists); err != nil {
		d.releaseResources()
		return nil, err
	}

	d.maybeScheduleCompaction()

	_ = testutil.SP(testutil.SPDBOpenComplete)
	return d, nil
}

// releaseResources tears down everything Open built, used on both the Open
// failure path and at the tail of Close.
func (d *DBImpl) releaseResources() {
	if d.walFile != nil {
		_ = d.walFile.Close()
		d.walFile = nil
		d.walWriter = nil
	}
	if d.versions != nil {
		_ = d.versions.Close()
	}
	if d.fileCache != nil {
		d.fileCache.Close()
	}
	if d.nvm != nil {
		_ = d.nvm.Close()
	}
	if d.dbLock != nil {
		_ = d.dbLock.Close()
		d.dbLock = nil
	}
}

// Close stops background work and releases all resources. The active
// memtable is not flushed: with the WAL enabled its contents are recovered
// on the next Open, and with the WAL disabled they are intentionally lost,
// matching the documented durability contract.
func (d *DBImpl) Close() error {
	if !d.closed.CompareAndSwap(false, true) {
		return nil
	}
	_ = testutil.SP(testutil.SPDBClose)

	d.bgWork.stop()

	d.mu.Lock()
	d.immCond.Broadcast()
	d.mu.Unlock()

	d.releaseResources()

	_ = testutil.SP(testutil.SPDBCloseComplete)
	return nil
}

// SetBackgroundError records an unrecoverable background failure. The first
// error wins; writes are rejected afterwards while reads keep working.
func (d *DBImpl) SetBackgroundError(err error) {
	if err == nil {
		return
	}
	d.bgErrMu.Lock()
	defer d.bgErrMu.Unlock()
	if d.bgErr == nil {
		d.bgErr = err
		d.logger.Errorf("[db] background error: %v", err)
	}
}

// GetBackgroundError returns the recorded background error, if any.
func (d *DBImpl) GetBackgroundError() error {
	d.bgErrMu.Lock()
	defer d.bgErrMu.Unlock()
	return d.bgErr
}

func (d *DBImpl) checkWritable() error {
	if d.closed.Load() {
		return ErrDBClosed
	}
	if err := d.GetBackgroundError(); err != nil {
		return fmt.Errorf("%w: %w", ErrBackgroundError, err)
	}
	return nil
}

// GetLatestSequenceNumber returns the sequence number of the newest write.
func (d *DBImpl) GetLatestSequenceNumber() uint64 {
	return d.seq.Load()
}

// Put sets the value for key.
func (d *DBImpl) Put(opts *WriteOptions, key, value []byte) error {
	wb := batch.GetFromPool()
	defer batch.ReturnToPool(wb)
	wb.Put(key, value)
	return d.Write(opts, wb)
}

// Update is semantically identical to Put: it never fails on an absent key.
func (d *DBImpl) Update(opts *WriteOptions, key, value []byte) error {
	return d.Put(opts, key, value)
}

// Delete removes key. Deleting an absent key succeeds.
func (d *DBImpl) Delete(opts *WriteOptions, key []byte) error {
	wb := batch.GetFromPool()
	defer batch.ReturnToPool(wb)
	wb.Delete(key)
	return d.Write(opts, wb)
}

// memtableInserter applies batch records to a memtable, assigning one
// sequence number per record starting at seq. Sequence advancement is
// driven by the records actually applied, never by the batch header count,
// so a malformed header cannot cause sequence reuse.
type memtableInserter struct {
	mem     *memtable.MemTable
	seq     dbformat.SequenceNumber
	applied uint64
}

func (h *memtableInserter) Put(key, value []byte) error {
	h.mem.Add(h.seq, dbformat.TypeValue, key, value)
	h.seq++
	h.applied++
	return nil
}

func (h *memtableInserter) Delete(key []byte) error {
	h.mem.Add(h.seq, dbformat.TypeDeletion, key, nil)
	h.seq++
	h.applied++
	return nil
}

func (h *memtableInserter) SingleDelete(key []byte) error {
	return h.Delete(key)
}

func (h *memtableInserter) Merge(key, value []byte) error {
	return fmt.Errorf("%w: merge records", ErrNotSupported)
}

func (h *memtableInserter) DeleteRange(startKey, endKey []byte) error {
	return fmt.Errorf("%w: range deletion records", ErrNotSupported)
}

func (h *memtableInserter) LogData(blob []byte) {}

func (h *memtableInserter) PutCF(cfID uint32, key, value []byte) error {
	return fmt.Errorf("%w: column family records", ErrNotSupported)
}

func (h *memtableInserter) DeleteCF(cfID uint32, key []byte) error {
	return fmt.Errorf("%w: column family records", ErrNotSupported)
}

func (h *memtableInserter) SingleDeleteCF(cfID uint32, key []byte) error {
	return fmt.Errorf("%w: column family records", ErrNotSupported)
}

func (h *memtableInserter) MergeCF(cfID uint32, key, value []byte) error {
	return fmt.Errorf("%w: column family records", ErrNotSupported)
}

func (h *memtableInserter) DeleteRangeCF(cfID uint32, startKey, endKey []byte) error {
	return fmt.Errorf("%w: column family records", ErrNotSupported)
}

// Write applies wb atomically: the batch is assigned a contiguous sequence
// range under the write lock, appended to the WAL (synced if requested),
// and only then inserted into the memtable.
func (d *DBImpl) Write(opts *WriteOptions, wb *batch.WriteBatch) error {
	if opts == nil {
		opts = DefaultWriteOptions()
	}
	if err := d.checkWritable(); err != nil {
		return err
	}
	if wb == nil || len(wb.Data()) <= batch.HeaderSize {
		return nil
	}

	_ = testutil.SP(testutil.SPDBWrite)

	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	// Re-check under the write lock: a background failure or Close may
	// have landed while we were queued behind another writer.
	if err := d.checkWritable(); err != nil {
		return err
	}

	if err := d.makeRoomForWrite(); err != nil {
		return err
	}

	startSeq := d.seq.Load() + 1
	wb.SetSequence(startSeq)

	if !opts.DisableWAL {
		_ = testutil.SP(testutil.SPDBWriteWAL)
		if _, err := d.walWriter.AddRecord(wb.Data()); err != nil {
			return fmt.Errorf("%w: wal append: %w", ErrIOError, err)
		}
		if opts.Sync {
			if err := d.walFile.Sync(); err != nil {
				return fmt.Errorf("%w: wal sync: %w", ErrIOError, err)
			}
		}
		_ = testutil.SP(testutil.SPDBWriteWALComplete)
	}

	d.mu.RLock()
	mem := d.mem
	d.mu.RUnlock()

	_ = testutil.SP(testutil.SPDBWriteMemtable)
	inserter := &memtableInserter{mem: mem, seq: dbformat.SequenceNumber(startSeq)}
	err := wb.Iterate(inserter)
	// Records applied before a failure keep their sequence numbers; the
	// counter must never move backwards even on a rejected batch. The
	// manifest's LastSequence is deliberately NOT advanced here: it tracks
	// flushed data only, so recovery never trusts sequences that were
	// never made durable.
	d.seq.Add(inserter.applied)
	if err != nil {
		return err
	}
	_ = testutil.SP(testutil.SPDBWriteMemtableComplete)

	_ = testutil.SP(testutil.SPDBWriteComplete)
	return nil
}

// makeRoomForWrite freezes the active memtable once it crosses the write
// buffer threshold and schedules a background flush. Writers stall here
// when the previous freeze has not been flushed yet (backpressure).
// Called with writeMu held.
func (d *DBImpl) makeRoomForWrite() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.mem.ApproximateMemoryUsage() < int64(d.opts.WriteBufferSize) {
		return nil
	}

	for d.imm != nil {
		if d.closed.Load() {
			return ErrDBClosed
		}
		if err := d.GetBackgroundError(); err != nil {
			return fmt.Errorf("%w: %w", ErrBackgroundError, err)
		}
		d.immCond.Wait()
	}

	if err := d.switchMemtableLocked(); err != nil {
		return err
	}
	d.bgWork.scheduleFlush()
	return nil
}

// switchMemtableLocked freezes the active memtable and rolls a new WAL.
// Called with d.mu held exclusively and no frozen memtable outstanding.
func (d *DBImpl) switchMemtableLocked() error {
	newLogNumber := d.versions.NextFileNumber()
	logPath := filepath.Join(d.name, logFileName(newLogNumber))
	logFile, err := d.fs.Create(logPath)
	if err != nil {
		return fmt.Errorf("%w: create wal: %w", ErrIOError, err)
	}

	if d.walFile != nil {
		_ = d.walFile.Close()
	}
	d.walFile = logFile
	d.walWriter = wal.NewWriter(logFile, newLogNumber, d.opts.ReuseLogs)
	d.logFileNumber = newLogNumber

	d.imm = d.mem
	d.imm.SetNextLogNumber(newLogNumber)
	d.mem = memtable.NewMemTable(memtable.Comparator(d.ucmp))
	return nil
}

// getSaver collects the outcome of a file cache probe.
type getSaver struct {
	value    []byte
	notFound bool
	corrupt  bool
}

func (s *getSaver) SaveValue(v []byte) { s.value = v }
func (s *getSaver) SaveNotFound()      { s.notFound = true }
func (s *getSaver) SaveCorrupt()       { s.corrupt = true }

// Get retrieves the value for key at the read options' snapshot.
//
// The probe order is memtable, frozen memtable, then the secondary index:
// an index hit yields the file location of the key's newest on-file record,
// which is read through the file cache. Reads with a snapshot set that miss
// both memtables instead fall back to scanning the pinned version's record
// files, since the index holds only the newest record per key.
func (d *DBImpl) Get(opts *ReadOptions, key []byte) ([]byte, error) {
	if d.closed.Load() {
		return nil, ErrDBClosed
	}
	if opts == nil {
		opts = DefaultReadOptions()
	}

	_ = testutil.SP(testutil.SPDBGet)

	snap := dbformat.SequenceNumber(d.seq.Load())
	snapshotRead := false
	if opts.Snapshot != nil {
		snap = opts.Snapshot.sequence
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

	defer func() {
		mem.Unref()
		if imm != nil {
			imm.Unref()
		}
		v.Unref()
	}()

	_ = testutil.SP(testutil.SPDBGetMemtable)
	if value, found, deleted := mem.Get(key, snap); found {
		if deleted {
			return nil, fmt.Errorf("%w: %q", ErrNotFound, key)
		}
		return value, nil
	}
	if imm != nil {
		if value, found, deleted := imm.Get(key, snap); found {
			if deleted {
				return nil, fmt.Errorf("%w: %q", ErrNotFound, key)
			}
			return value, nil
		}
	}

	_ = testutil.SP(testutil.SPDBGetSST)
	if snapshotRead {
		return d.getFromFilesAt(v, key, snap)
	}

	loc, ok := d.idx.Get(key)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, key)
	}

	for attempt := 0; ; attempt++ {
		var saver getSaver
		err := d.fileCache.Get(filecache.ReadOptions{
			VerifyChecksums: opts.VerifyChecksums,
			FillCache:       opts.FillCache,
		}, loc.FileNumber, loc, &saver)
		if err == nil {
			_ = testutil.SP(testutil.SPDBGetComplete)
			return saver.value, nil
		}
		// A locator read just before a compaction's index rewrite can name
		// a file deleted just after it; the rewrite has since installed
		// the replacement locator, so consult the index once more.
		if attempt == 0 && errors.Is(err, os.ErrNotExist) {
			newLoc, stillThere := d.idx.Get(key)
			if !stillThere {
				return nil, fmt.Errorf("%w: %q", ErrNotFound, key)
			}
			if newLoc != loc {
				loc = newLoc
				continue
			}
		}
		if saver.corrupt {
			return nil, fmt.Errorf("%w: key %q: %w", ErrCorruption, key, err)
		}
		return nil, fmt.Errorf("%w: %w", ErrIOError, err)
	}
}

// getFromFilesAt is the snapshot read slow path: it scans every record
// file in v that could hold a record for key visible at snap, and returns
// the value of the one with the highest sequence not above snap.
func (d *DBImpl) getFromFilesAt(v *version.Version, key []byte, snap dbformat.SequenceNumber) ([]byte, error) {
	var (
		bestSeq   dbformat.SequenceNumber
		bestType  dbformat.ValueType
		bestValue []byte
		found     bool
	)

	for _, f := range v.Files() {
		if f.SmallestSeqno > manifest.SequenceNumber(snap) {
			continue
		}
		if len(f.Smallest) >= 8 && d.ucmp(key, dbformat.ExtractUserKey(f.Smallest)) < 0 {
			continue
		}
		if len(f.Largest) >= 8 && d.ucmp(key, dbformat.ExtractUserKey(f.Largest)) > 0 {
			continue
		}
		if mayContain, err := d.fileCache.MayContain(f.FileNumber, key); err == nil && !mayContain {
			continue
		}

		it, release, err := d.fileCache.NewIterator(f.FileNumber)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrIOError, err)
		}
		for it.Next() {
			ik := it.Key()
			if len(ik) < 8 {
				continue
			}
			user := dbformat.ExtractUserKey(ik)
			cmp := d.ucmp(user, key)
			if cmp < 0 {
				continue
			}
			if cmp > 0 {
				break
			}
			rseq := dbformat.ExtractSequenceNumber(ik)
			if rseq > snap || (found && rseq < bestSeq) {
				continue
			}
			bestSeq = rseq
			bestType = dbformat.ExtractValueType(ik)
			bestValue = append([]byte(nil), it.Value()...)
			found = true
		}
		iterErr := it.Err()
		release()
		if iterErr != nil {
			return nil, fmt.Errorf("%w: file %06d: %w", ErrCorruption, f.FileNumber, iterErr)
		}
	}

	if !found || bestType == dbformat.TypeDeletion {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, key)
	}
	return bestValue, nil
}

// GetSnapshot captures the current sequence number.
func (d *DBImpl) GetSnapshot() *Snapshot {
	snap := &Snapshot{sequence: dbformat.SequenceNumber(d.seq.Load())}
	d.snapMu.Lock()
	d.snapshots[snap] = struct{}{}
	d.snapMu.Unlock()
	return snap
}

// ReleaseSnapshot releases snap. A second release of the same snapshot is
// a harmless no-op.
func (d *DBImpl) ReleaseSnapshot(snap *Snapshot) {
	if snap == nil {
		return
	}
	d.snapMu.Lock()
	delete(d.snapshots, snap)
	d.snapMu.Unlock()
}

// smallestSnapshotSequence returns the lowest sequence any live snapshot
// pins, or the current sequence when none are outstanding. Compaction may
// not drop records still visible at this sequence.
func (d *DBImpl) smallestSnapshotSequence() dbformat.SequenceNumber {
	smallest := dbformat.SequenceNumber(d.seq.Load())
	d.snapMu.Lock()
	for snap := range d.snapshots {
		if snap.sequence < smallest {
			smallest = snap.sequence
		}
	}
	d.snapMu.Unlock()
	return smallest
}

// GetProperty returns a named introspection property.
func (d *DBImpl) GetProperty(name string) (string, bool) {
	switch name {
	case "stats":
		v := d.versions.Current()
		v.Ref()
		defer v.Unref()
		var buf bytes.Buffer
		fmt.Fprintf(&buf, "files: %d\n", v.NumFiles())
		fmt.Fprintf(&buf, "total-bytes: %d\n", v.TotalBytes())
		fmt.Fprintf(&buf, "merge-candidates: %d\n", len(v.MergeCandidates()))
		fmt.Fprintf(&buf, "indexed-keys: %d\n", d.idx.Len())
		fmt.Fprintf(&buf, "last-sequence: %d\n", d.seq.Load())
		return buf.String(), true
	case "sstables":
		v := d.versions.Current()
		v.Ref()
		defer v.Unref()
		var buf bytes.Buffer
		for _, f := range sortedFiles(v) {
			fmt.Fprintf(&buf, "%06d: size=%d alive=%d total=%d density=%d%% [%q .. %q]\n",
				f.FileNumber, f.FileSize, f.Alive, f.Total, f.Density(),
				dbformat.ExtractUserKey(f.Smallest), dbformat.ExtractUserKey(f.Largest))
		}
		return buf.String(), true
	case "csv":
		v := d.versions.Current()
		v.Ref()
		defer v.Unref()
		var buf bytes.Buffer
		buf.WriteString("file_number,file_size,alive,total,density\n")
		for _, f := range sortedFiles(v) {
			fmt.Fprintf(&buf, "%d,%d,%d,%d,%d\n", f.FileNumber, f.FileSize, f.Alive, f.Total, f.Density())
		}
		return buf.String(), true
	default:
		return "", false
	}
}

// DestroyDB removes the database directory and every file it owns. The
// database must not be open.
func DestroyDB(name string, opts Options) error {
	fs := opts.FS
	if fs == nil {
		fs = vfs.Default()
	}
	if !fs.Exists(name) {
		return nil
	}
	lock, err := fs.Lock(filepath.Join(name, lockFileName))
	if err != nil {
		return fmt.Errorf("db: destroy: %w", err)
	}
	names, err := fs.ListDir(name)
	if err != nil {
		_ = lock.Close()
		return err
	}
	var firstErr error
	for _, fn := range names {
		if fn == lockFileName {
			continue
		}
		if err := fs.Remove(filepath.Join(name, fn)); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	_ = lock.Close()
	_ = fs.Remove(filepath.Join(name, lockFileName))
	if err := fs.RemoveAll(name); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
