// flush.go writes a frozen memtable out as a record file and publishes the
// result: a version edit adding the file, live-count deltas against the
// files whose records it supersedes, and a batch of secondary-index updates
// applied atomically with respect to readers.
package db

import (
	"fmt"
	"time"

	"github.com/aalhour/rockyardkv/internal/dbformat"
	"github.com/aalhour/rockyardkv/internal/index"
	"github.com/aalhour/rockyardkv/internal/manifest"
	"github.com/aalhour/rockyardkv/internal/memtable"
	"github.com/aalhour/rockyardkv/internal/recordfile"
	"github.com/aalhour/rockyardkv/internal/testutil"
)

// flushEntry records the newest state of one user key in a flushed file.
type flushEntry struct {
	userKey []byte
	typ     dbformat.ValueType
	loc     recordfile.Locator
}

// Flush freezes the active memtable and writes it out synchronously. An
// empty memtable is a no-op.
func (d *DBImpl) Flush(opts *FlushOptions) error {
	if err := d.checkWritable(); err != nil {
		return err
	}

	d.writeMu.Lock()
	d.mu.Lock()
	for d.imm != nil {
		if d.closed.Load() {
			d.mu.Unlock()
			d.writeMu.Unlock()
			return ErrDBClosed
		}
		if err := d.GetBackgroundError(); err != nil {
			d.mu.Unlock()
			d.writeMu.Unlock()
			return fmt.Errorf("%w: %w", ErrBackgroundError, err)
		}
		d.immCond.Wait()
	}
	if d.mem.Empty() {
		d.mu.Unlock()
		d.writeMu.Unlock()
		return nil
	}
	err := d.switchMemtableLocked()
	d.mu.Unlock()
	d.writeMu.Unlock()
	if err != nil {
		return err
	}

	return d.flushFrozenMemtable()
}

// flushFrozenMemtable flushes d.imm, if any. It is the single entry point
// for both foreground Flush and the background flusher, serialized so only
// one flush runs at a time.
func (d *DBImpl) flushFrozenMemtable() error {
	d.bgWork.flushMu.Lock()
	defer d.bgWork.flushMu.Unlock()

	_ = testutil.SP(testutil.SPDoFlushStart)

	d.mu.RLock()
	imm := d.imm
	d.mu.RUnlock()
	if imm == nil {
		return nil
	}

	if err := d.flushMemtable(imm, imm.NextLogNumber()); err != nil {
		return err
	}

	d.mu.Lock()
	if d.imm == imm {
		d.imm = nil
		imm.Unref()
	}
	d.immCond.Broadcast()
	d.mu.Unlock()

	_ = testutil.SP(testutil.SPDoFlushComplete)

	d.deleteObsoleteFiles()
	d.maybeScheduleCompaction()
	return nil
}

// backgroundFlushWithRetry is the background flusher body: a transient
// write failure is retried on a back-off, and only persistent failure is
// promoted to a background error. Writers waiting for room are then woken
// and fail with ErrBackgroundError; they do not stay blocked.
func (d *DBImpl) backgroundFlushWithRetry() {
	const maxAttempts = 3
	var err error
	for attempt := range maxAttempts {
		if d.closed.Load() {
			return
		}
		if err = d.flushFrozenMemtable(); err == nil {
			return
		}
		d.logger.Warnf("[flush] attempt %d failed: %v", attempt+1, err)
		time.Sleep(time.Duration(attempt+1) * 100 * time.Millisecond)
	}
	d.SetBackgroundError(fmt.Errorf("flush failed: %w", err))
	d.mu.Lock()
	d.immCond.Broadcast()
	d.mu.Unlock()
}

// flushMemtable writes mem to a new record file and publishes it with
// logNumber recorded as the oldest WAL still holding unflushed data.
func (d *DBImpl) flushMemtable(mem *memtable.MemTable, logNumber uint64) error {
	_ = testutil.SP(testutil.SPFlushStart)

	meta, entries, err := d.writeMemtableToFile(mem)
	if err != nil {
		return err
	}
	if meta == nil {
		return nil
	}

	_ = testutil.SP(testutil.SPFlushApplyVersionEdit)
	return d.publishFlush(meta, entries, logNumber)
}

// writeMemtableToFile writes mem's contents to a fresh record file in
// internal-key order. Within the file, only the newest record per user key
// counts as alive; older duplicates and tombstones occupy frames (density
// needs an accurate total) but are born dead. Returns nil metadata for an
// empty memtable.
func (d *DBImpl) writeMemtableToFile(mem *memtable.MemTable) (*manifest.FileMetaData, []flushEntry, error) {
	fileNum := d.versions.NextFileNumber()
	path := d.recordFilePath(fileNum)

	_ = testutil.SP(testutil.SPFlushWriteSST)
	file, err := d.fs.Create(path)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: create record file: %w", ErrIOError, err)
	}

	builder := recordfile.NewBuilder(file, d.opts.Compression, d.opts.FilterBitsPerKey)

	var (
		entries     []flushEntry
		prevUser    []byte
		haveUser    bool
		smallestSeq dbformat.SequenceNumber
		largestSeq  dbformat.SequenceNumber
		count       uint64
	)

	iter := mem.NewIterator()
	for iter.SeekToFirst(); iter.Valid(); iter.Next() {
		ikey := iter.Key()
		user := dbformat.ExtractUserKey(ikey)
		seq := dbformat.ExtractSequenceNumber(ikey)
		typ := dbformat.ExtractValueType(ikey)

		newest := !haveUser || d.ucmp(user, prevUser) != 0
		countsAlive := newest && typ == dbformat.TypeValue

		loc, err := builder.Add(ikey, iter.Value(), !countsAlive)
		if err != nil {
			_ = file.Close()
			_ = d.fs.Remove(path)
			return nil, nil, fmt.Errorf("%w: write record: %w", ErrIOError, err)
		}
		loc.FileNumber = fileNum

		if newest {
			// Small live values are mirrored into the NVM pool so point
			// reads serve them byte-addressably; the record file keeps
			// the durable copy either way.
			if countsAlive {
				if nvmLoc, ok := d.fileCache.PutNVM(fileNum, iter.Value()); ok {
					loc = nvmLoc
				}
			}
			entries = append(entries, flushEntry{
				userKey: append([]byte(nil), user...),
				typ:     typ,
				loc:     loc,
			})
		}

		if count == 0 || seq < smallestSeq {
			smallestSeq = seq
		}
		if seq > largestSeq {
			largestSeq = seq
		}
		count++
		prevUser = append(prevUser[:0], user...)
		haveUser = true
	}
	if err := iter.Error(); err != nil {
		_ = file.Close()
		_ = d.fs.Remove(path)
		return nil, nil, err
	}

	if count == 0 {
		_ = file.Close()
		_ = d.fs.Remove(path)
		return nil, nil, nil
	}

	footer, err := builder.Finish()
	if err != nil {
		_ = file.Close()
		_ = d.fs.Remove(path)
		return nil, nil, fmt.Errorf("%w: finish record file: %w", ErrIOError, err)
	}

	_ = testutil.SP(testutil.SPFlushSyncSST)
	if err := file.Sync(); err != nil {
		_ = file.Close()
		_ = d.fs.Remove(path)
		return nil, nil, fmt.Errorf("%w: sync record file: %w", ErrIOError, err)
	}
	if err := file.Close(); err != nil {
		return nil, nil, fmt.Errorf("%w: close record file: %w", ErrIOError, err)
	}

	_ = testutil.SP(testutil.SPFlushComplete)

	meta := &manifest.FileMetaData{
		FileNumber:    fileNum,
		FileSize:      builder.Size(),
		Smallest:      footer.Smallest,
		Largest:       footer.Largest,
		SmallestSeqno: manifest.SequenceNumber(smallestSeq),
		LargestSeqno:  manifest.SequenceNumber(largestSeq),
		Alive:         footer.Alive,
		Total:         footer.Total,
	}
	d.logger.Infof("[flush] wrote %s: %d records, %d alive, %d bytes",
		recordFileName(fileNum), meta.Total, meta.Alive, meta.FileSize)
	return meta, entries, nil
}

// publishFlush makes a flushed file visible: it logs the version edit
// (file addition, live-count deltas, candidate transitions) and rewrites
// the secondary index in one atomic batch. Runs under commitMu so a
// concurrent compaction can never interleave its own locator updates.
func (d *DBImpl) publishFlush(meta *manifest.FileMetaData, entries []flushEntry, logNumber uint64) error {
	d.commitMu.Lock()
	defer d.commitMu.Unlock()

	edit := manifest.NewVersionEdit()
	edit.AddFile(meta)
	edit.SetLogNumber(logNumber)
	edit.SetLastSequence(meta.LargestSeqno)

	// Every flushed key that supersedes an on-file record costs that file
	// one live record.
	deltas := make(map[uint64]int64)
	for _, e := range entries {
		if old, ok := d.idx.Get(e.userKey); ok && old.FileNumber != meta.FileNumber {
			deltas[old.FileNumber]--
		}
	}

	v := d.versions.Current()
	v.Ref()
	threshold := d.opts.MergeThresholdPercent
	for fn, delta := range deltas {
		edit.AddAliveDelta(fn, delta)
		if f, ok := v.File(fn); ok {
			newAlive := int64(f.Alive) + delta
			if newAlive < 0 {
				newAlive = 0
			}
			if f.Total > 0 && newAlive*100/int64(f.Total) < int64(threshold) {
				edit.AddCandidate(fn)
			}
		}
	}
	v.Unref()
	if meta.Density() < threshold {
		edit.AddCandidate(meta.FileNumber)
	}

	if err := d.versions.LogAndApply(edit); err != nil {
		return fmt.Errorf("apply flush edit: %w", err)
	}
	d.versions.SetLastSequence(uint64(meta.LargestSeqno))

	idxEdits := make([]index.Edit, 0, len(entries))
	for _, e := range entries {
		if e.typ == dbformat.TypeValue {
			idxEdits = append(idxEdits, index.Edit{Key: e.userKey, Locator: e.loc})
		} else {
			idxEdits = append(idxEdits, index.Edit{Key: e.userKey, Tombstone: true})
		}
	}
	d.idx.BulkReplace(idxEdits)
	return nil
}
