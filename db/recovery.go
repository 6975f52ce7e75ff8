// recovery.go rebuilds database state on Open: the version set from the
// manifest, the secondary index from the surviving record files, and the
// memtable from any write-ahead logs newer than the last flush. In-flight
// flush or compaction output orphaned by a crash is identified by its
// absence from the manifest and deleted.
package db

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sort"

	"github.com/aalhour/rockyardkv/internal/batch"
	"github.com/aalhour/rockyardkv/internal/dbformat"
	"github.com/aalhour/rockyardkv/internal/memtable"
	"github.com/aalhour/rockyardkv/internal/recordfile"
	"github.com/aalhour/rockyardkv/internal/testutil"
	"github.com/aalhour/rockyardkv/internal/version"
	"github.com/aalhour/rockyardkv/internal/wal"
)

// recover brings the database to a consistent, writable state.
func (d *DBImpl) recover(create bool) error {
	_ = testutil.SP(testutil.SPDBRecoverStart)

	if create {
		_ = testutil.SP(testutil.SPDBCreateStart)
		if err := d.versions.Create(); err != nil {
			return fmt.Errorf("create database: %w", err)
		}
		_ = testutil.SP(testutil.SPDBCreateComplete)
	} else {
		if err := d.versions.Recover(); err != nil {
			if errors.Is(err, version.ErrNoCurrentManifest) {
				return fmt.Errorf("%w: %s", ErrDBNotFound, d.name)
			}
			return fmt.Errorf("recover manifest: %w", err)
		}
	}

	d.seq.Store(d.versions.LastSequence())

	// Orphaned record files (written by a flush or compaction that never
	// reached LogAndApply) are unreachable and deleted before anything
	// else touches the directory.
	d.deleteOrphanedRecordFiles()

	if err := d.rebuildIndex(); err != nil {
		return err
	}

	replayed, maxSeq, err := d.replayLogs()
	if err != nil {
		return err
	}
	if maxSeq > d.seq.Load() {
		d.seq.Store(maxSeq)
	}

	// Writes need a live WAL before the first batch arrives.
	d.mu.Lock()
	err = d.newLogLocked()
	d.mu.Unlock()
	if err != nil {
		return err
	}

	// Replayed data is flushed straight to a record file so the manifest's
	// log number can advance past the consumed logs; keeping it in the
	// memtable instead would replay the same logs again on every open.
	if replayed != nil && !replayed.Empty() {
		if err := d.flushMemtable(replayed, d.logFileNumber); err != nil {
			return fmt.Errorf("flush recovered memtable: %w", err)
		}
		d.deleteObsoleteFiles()
	}

	d.mu.Lock()
	d.mem = memtable.NewMemTable(memtable.Comparator(d.ucmp))
	d.mu.Unlock()

	_ = testutil.SP(testutil.SPDBRecoverComplete)
	return nil
}

// newLogLocked rolls a fresh WAL file. Called with d.mu held.
func (d *DBImpl) newLogLocked() error {
	logNumber := d.versions.NextFileNumber()
	logFile, err := d.fs.Create(filepath.Join(d.name, logFileName(logNumber)))
	if err != nil {
		return fmt.Errorf("%w: create wal: %w", ErrIOError, err)
	}
	d.walFile = logFile
	d.walWriter = wal.NewWriter(logFile, logNumber, d.opts.ReuseLogs)
	d.logFileNumber = logNumber
	return nil
}

// deleteOrphanedRecordFiles removes record files on disk that the
// recovered manifest does not reference.
func (d *DBImpl) deleteOrphanedRecordFiles() {
	live := d.versions.LiveFileNumbers()
	names, err := d.fs.ListDir(d.name)
	if err != nil {
		return
	}
	for _, name := range names {
		kind, num := parseFileName(name)
		if kind != fileKindRecord {
			continue
		}
		if _, ok := live[num]; ok {
			continue
		}
		d.logger.Infof("[recovery] deleting orphaned record file %s", name)
		_ = d.fs.Remove(filepath.Join(d.name, name))
	}
}

// rebuildIndex reconstructs the secondary index from the current version's
// record files: for every user key, the locator of the record with the
// highest sequence, skipping keys whose newest record is a tombstone.
func (d *DBImpl) rebuildIndex() error {
	v := d.versions.Current()
	v.Ref()
	defer v.Unref()

	type keyState struct {
		seq dbformat.SequenceNumber
		typ dbformat.ValueType
		loc recordfile.Locator
	}
	newest := make(map[string]keyState)

	for _, f := range v.Files() {
		it, release, err := d.fileCache.NewIterator(f.FileNumber)
		if err != nil {
			return fmt.Errorf("%w: open %s: %w", ErrIOError, recordFileName(f.FileNumber), err)
		}
		for it.Next() {
			ikey := it.Key()
			if len(ikey) < 8 {
				release()
				return fmt.Errorf("%w: short internal key in %s", ErrCorruption, recordFileName(f.FileNumber))
			}
			user := string(dbformat.ExtractUserKey(ikey))
			seq := dbformat.ExtractSequenceNumber(ikey)
			if st, ok := newest[user]; ok && st.seq >= seq {
				continue
			}
			loc := it.Locator()
			loc.FileNumber = f.FileNumber
			newest[user] = keyState{
				seq: seq,
				typ: dbformat.ExtractValueType(ikey),
				loc: loc,
			}
		}
		iterErr := it.Err()
		release()
		if iterErr != nil {
			return fmt.Errorf("%w: scan %s: %w", ErrCorruption, recordFileName(f.FileNumber), iterErr)
		}
	}

	for user, st := range newest {
		if st.typ != dbformat.TypeValue {
			continue
		}
		d.idx.Insert([]byte(user), st.loc)
	}
	d.logger.Infof("[recovery] rebuilt index: %d live keys across %d files", d.idx.Len(), v.NumFiles())
	return nil
}

// replayLogs replays every WAL at or above the manifest's log number, in
// file-number order, into a fresh memtable. Returns the memtable (nil when
// no logs needed replay) and the highest sequence number applied.
func (d *DBImpl) replayLogs() (*memtable.MemTable, uint64, error) {
	_ = testutil.SP(testutil.SPDBRecoverWALStart)

	minLog := d.versions.LogNumber()
	names, err := d.fs.ListDir(d.name)
	if err != nil {
		return nil, 0, err
	}

	var logs []uint64
	for _, name := range names {
		kind, num := parseFileName(name)
		if kind == fileKindLog && num >= minLog {
			logs = append(logs, num)
		}
	}
	if len(logs) == 0 {
		return nil, 0, nil
	}
	sort.Slice(logs, func(i, j int) bool { return logs[i] < logs[j] })

	mem := memtable.NewMemTable(memtable.Comparator(d.ucmp))
	var maxSeq uint64

	for _, num := range logs {
		path := filepath.Join(d.name, logFileName(num))
		file, err := d.fs.Open(path)
		if err != nil {
			return nil, 0, fmt.Errorf("%w: open wal %06d: %w", ErrIOError, num, err)
		}

		reader := wal.NewReader(file, walCorruptionReporter{d.logger, num}, true, num)
		for {
			record, err := reader.ReadRecord()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				// A torn tail is the expected shape of a crash; everything
				// before it has already been applied.
				d.logger.Warnf("[recovery] wal %06d: stopping replay: %v", num, err)
				break
			}
			wb, err := batch.NewFromData(record)
			if err != nil {
				d.logger.Warnf("[recovery] wal %06d: bad batch: %v", num, err)
				continue
			}
			inserter := &memtableInserter{mem: mem, seq: dbformat.SequenceNumber(wb.Sequence())}
			if err := wb.Iterate(inserter); err != nil {
				_ = file.Close()
				return nil, 0, fmt.Errorf("%w: replay wal %06d: %w", ErrCorruption, num, err)
			}
			if end := wb.Sequence() + inserter.applied - 1; inserter.applied > 0 && end > maxSeq {
				maxSeq = end
			}
		}
		_ = file.Close()
	}

	_ = testutil.SP(testutil.SPDBRecoverWALComplete)
	if mem.Empty() {
		return nil, maxSeq, nil
	}
	return mem, maxSeq, nil
}

// walCorruptionReporter funnels WAL reader corruption reports into the
// database log.
type walCorruptionReporter struct {
	logger interface {
		Warnf(format string, args ...any)
	}
	logNumber uint64
}

func (r walCorruptionReporter) Corruption(bytes int, err error) {
	r.logger.Warnf("[recovery] wal %06d: dropping %d corrupt bytes: %v", r.logNumber, bytes, err)
}

func (r walCorruptionReporter) OldLogRecord(bytes int) {
	r.logger.Warnf("[recovery] wal %06d: skipping %d bytes from a recycled log", r.logNumber, bytes)
}
