// background.go runs the engine's background work: flushing frozen
// memtables and merging low-density record files. Compaction picks files
// whose live/total ratio fell below the configured threshold, merges them
// newest-record-wins into a fresh file, and republishes the secondary
// index so every surviving key points at its new location.
package db

import (
	"errors"
	"fmt"
	"sync"

	"github.com/aalhour/rockyardkv/internal/compaction"
	"github.com/aalhour/rockyardkv/internal/dbformat"
	"github.com/aalhour/rockyardkv/internal/index"
	"github.com/aalhour/rockyardkv/internal/iterator"
	"github.com/aalhour/rockyardkv/internal/manifest"
	"github.com/aalhour/rockyardkv/internal/recordfile"
	"github.com/aalhour/rockyardkv/internal/testutil"
	"github.com/aalhour/rockyardkv/internal/vfs"
)

// backgroundWork tracks the state of the background flusher and compactor.
type backgroundWork struct {
	d *DBImpl

	// picker decides which files are worth merging.
	picker *compaction.DensityCompactionPicker

	// flushMu serializes flush jobs: there is exactly one flusher.
	flushMu sync.Mutex

	// pickMu makes selecting a compaction's inputs and marking them
	// BeingCompacted one atomic step, so the background compactor and a
	// manual CompactRange never claim overlapping file sets.
	pickMu sync.Mutex

	mu             sync.Mutex
	cond           *sync.Cond
	flushPending   bool
	compactRunning bool
	closed         bool
	wg             sync.WaitGroup
}

func newBackgroundWork(d *DBImpl) *backgroundWork {
	picker := compaction.NewDensityCompactionPicker()
	picker.MergeThresholdPercent = d.opts.MergeThresholdPercent
	picker.MaxCompactionBytes = d.opts.MaxCompactionBytes
	picker.MaxOutputFileSize = d.opts.MaxFileSize

	b := &backgroundWork{d: d, picker: picker}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// scheduleFlush queues a background flush of the frozen memtable.
func (b *backgroundWork) scheduleFlush() {
	b.mu.Lock()
	if b.closed || b.flushPending {
		b.mu.Unlock()
		return
	}
	b.flushPending = true
	b.mu.Unlock()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		_ = testutil.SP(testutil.SPBGFlushStart)
		b.d.backgroundFlushWithRetry()
		_ = testutil.SP(testutil.SPBGFlushComplete)

		b.mu.Lock()
		b.flushPending = false
		b.cond.Broadcast()
		b.mu.Unlock()
	}()
}

// stop shuts the background machinery down and waits for in-flight work.
func (b *backgroundWork) stop() {
	b.mu.Lock()
	b.closed = true
	b.cond.Broadcast()
	b.mu.Unlock()
	b.wg.Wait()
}

// maybeScheduleCompaction starts the background compactor if any file is
// currently eligible and no compactor is already running.
func (d *DBImpl) maybeScheduleCompaction() {
	b := d.bgWork

	b.mu.Lock()
	if b.closed || b.compactRunning {
		b.mu.Unlock()
		return
	}

	v := d.versions.Current()
	v.Ref()
	needed := b.picker.NeedsCompaction(v)
	v.Unref()
	if !needed {
		b.mu.Unlock()
		return
	}
	b.compactRunning = true
	b.mu.Unlock()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		d.backgroundCompact()

		b.mu.Lock()
		b.compactRunning = false
		b.cond.Broadcast()
		b.mu.Unlock()
	}()
}

// backgroundCompact drains eligible compactions until none remain or the
// database shuts down.
func (d *DBImpl) backgroundCompact() {
	_ = testutil.SP(testutil.SPBGCompactionStart)
	for {
		if d.closed.Load() || d.GetBackgroundError() != nil {
			return
		}

		v := d.versions.Current()
		v.Ref()
		d.bgWork.pickMu.Lock()
		c := d.bgWork.picker.PickCompaction(v)
		if c != nil {
			c.MarkFilesBeingCompacted(true)
		}
		d.bgWork.pickMu.Unlock()
		v.Unref()
		_ = testutil.SP(testutil.SPBGCompactionPickComplete)
		if c == nil {
			return
		}

		_ = testutil.SP(testutil.SPBGCompactionExecute)
		if err := d.runCompaction(c); err != nil {
			if errors.Is(err, ErrDBClosed) {
				// Shutdown interrupted the merge; recovery deletes the
				// partial output on the next open.
				return
			}
			d.logger.Errorf("[compact] background compaction failed: %v", err)
			d.SetBackgroundError(fmt.Errorf("compaction failed: %w", err))
			return
		}
	}
}

// WaitForCompact blocks until no flush or compaction is in flight.
func (d *DBImpl) WaitForCompact(opts *WaitForCompactOptions) error {
	if opts != nil && opts.FlushFirst {
		if err := d.Flush(nil); err != nil {
			return err
		}
	}

	b := d.bgWork
	b.mu.Lock()
	for (b.flushPending || b.compactRunning) && !b.closed {
		b.cond.Wait()
	}
	b.mu.Unlock()
	return nil
}

// CompactRange forces a synchronous compaction over every record file
// whose key range overlaps [begin, end]. Nil bounds mean unbounded. The
// active memtable is flushed first so the merge covers all current data.
func (d *DBImpl) CompactRange(opts *CompactRangeOptions, begin, end []byte) error {
	if err := d.checkWritable(); err != nil {
		return err
	}
	if err := d.Flush(nil); err != nil {
		return err
	}

	var beginIKey, endIKey []byte
	if begin != nil {
		beginIKey = dbformat.NewInternalKey(begin, dbformat.MaxSequenceNumber, dbformat.ValueTypeForSeek)
	}
	if end != nil {
		endIKey = dbformat.NewInternalKey(end, 0, dbformat.TypeDeletion)
	}

	v := d.versions.Current()
	v.Ref()
	d.bgWork.pickMu.Lock()
	overlapping := v.OverlappingFiles(beginIKey, endIKey)
	var inputs []*manifest.FileMetaData
	for _, f := range overlapping {
		if !f.BeingCompacted {
			inputs = append(inputs, f)
		}
	}
	var c *compaction.Compaction
	if len(inputs) > 0 {
		c = compaction.NewCompaction(inputs, d.opts.MaxFileSize)
		c.Reason = compaction.CompactionReasonManual
		c.MarkFilesBeingCompacted(true)
	}
	d.bgWork.pickMu.Unlock()
	v.Unref()

	if c == nil {
		return nil
	}
	return d.runCompaction(c)
}

// compactionOutput is one record file produced by a compaction.
type compactionOutput struct {
	meta    *manifest.FileMetaData
	entries []flushEntry // newest kept record per user key in this output
}

// runCompaction merges c's input files into fresh output files and
// publishes the result atomically. Readers pinned to older versions keep
// seeing the input files until their references drain.
func (d *DBImpl) runCompaction(c *compaction.Compaction) (retErr error) {
	_ = testutil.SP(testutil.SPCompactionStart)

	// Inputs arrive already marked BeingCompacted by the caller (under
	// pickMu); clear the claim whichever way this ends.
	defer c.MarkFilesBeingCompacted(false)

	inputSet := make(map[uint64]struct{}, len(c.Inputs))
	for _, f := range c.Inputs {
		inputSet[f.FileNumber] = struct{}{}
	}

	// Records hidden behind a newer record at or below this sequence are
	// unreachable by every current and future reader, so the merge drops
	// them. Captured before merging: snapshots taken later see only newer
	// sequences and cannot need anything this pass discards.
	smallestSnapshot := d.smallestSnapshotSequence()

	// A tombstone may only be dropped when no file outside the merge set
	// could still hold an older record for its key; otherwise dropping it
	// would resurrect that record on a snapshot scan.
	d.mu.RLock()
	pinned := d.versions.Current()
	pinned.Ref()
	d.mu.RUnlock()
	defer pinned.Unref()

	var others []*manifest.FileMetaData
	for _, f := range pinned.Files() {
		if _, ok := inputSet[f.FileNumber]; !ok {
			others = append(others, f)
		}
	}
	keyShadowedElsewhere := func(userKey []byte) bool {
		for _, f := range others {
			if len(f.Smallest) >= 8 && d.ucmp(userKey, dbformat.ExtractUserKey(f.Smallest)) < 0 {
				continue
			}
			if len(f.Largest) >= 8 && d.ucmp(userKey, dbformat.ExtractUserKey(f.Largest)) > 0 {
				continue
			}
			return true
		}
		return false
	}

	_ = testutil.SP(testutil.SPCompactionOpenInputs)
	var children []iterator.Iterator
	var releases []func()
	defer func() {
		for _, release := range releases {
			release()
		}
	}()
	for _, f := range c.Inputs {
		it, release, err := d.fileCache.NewIterator(f.FileNumber)
		if err != nil {
			return fmt.Errorf("%w: open input %06d: %w", ErrIOError, f.FileNumber, err)
		}
		releases = append(releases, release)
		children = append(children, newCompactionFileIter(it))
	}
	merged := iterator.NewMergingIterator(children, d.icmp.Compare)

	_ = testutil.SP(testutil.SPCompactionProcessing)

	var (
		outputs []*compactionOutput
		cur     *compactionOutput
		builder *recordfile.Builder
		outFile vfs.WritableFile
	)

	openOutput := func() error {
		fileNum := d.versions.NextFileNumber()
		f, err := d.fs.Create(d.recordFilePath(fileNum))
		if err != nil {
			return fmt.Errorf("%w: create output: %w", ErrIOError, err)
		}
		builder = recordfile.NewBuilder(f, d.opts.Compression, d.opts.FilterBitsPerKey)
		cur = &compactionOutput{meta: &manifest.FileMetaData{FileNumber: fileNum}}
		outFile = f
		return nil
	}
	finishOutput := func() error {
		if cur == nil || builder.NumEntries() == 0 {
			if cur != nil {
				_ = outFile.Close()
				_ = d.fs.Remove(d.recordFilePath(cur.meta.FileNumber))
				cur = nil
			}
			return nil
		}
		_ = testutil.SP(testutil.SPCompactionFinishOutput)
		footer, err := builder.Finish()
		if err != nil {
			return fmt.Errorf("%w: finish output: %w", ErrIOError, err)
		}
		if err := outFile.Sync(); err != nil {
			return fmt.Errorf("%w: sync output: %w", ErrIOError, err)
		}
		if err := outFile.Close(); err != nil {
			return fmt.Errorf("%w: close output: %w", ErrIOError, err)
		}
		cur.meta.FileSize = builder.Size()
		cur.meta.Smallest = footer.Smallest
		cur.meta.Largest = footer.Largest
		cur.meta.Alive = footer.Alive
		cur.meta.Total = footer.Total
		outputs = append(outputs, cur)
		cur = nil
		return nil
	}
	// On any failure the partial outputs are unlinked; the previous
	// version stays current.
	defer func() {
		if retErr == nil {
			return
		}
		if cur != nil {
			_ = outFile.Close()
			_ = d.fs.Remove(d.recordFilePath(cur.meta.FileNumber))
		}
		for _, out := range outputs {
			_ = d.fs.Remove(d.recordFilePath(out.meta.FileNumber))
		}
	}()

	var (
		prevUser      []byte
		haveUser      bool
		lastSeqForKey dbformat.SequenceNumber
		dropped       uint64
	)

	for merged.SeekToFirst(); merged.Valid(); merged.Next() {
		if d.closed.Load() {
			return ErrDBClosed
		}

		ikey := merged.Key()
		if len(ikey) < 8 {
			return fmt.Errorf("%w: malformed internal key in compaction input", ErrCorruption)
		}
		user := dbformat.ExtractUserKey(ikey)
		seq := dbformat.ExtractSequenceNumber(ikey)
		typ := dbformat.ExtractValueType(ikey)

		newestOfKey := !haveUser || d.ucmp(user, prevUser) != 0
		if newestOfKey {
			lastSeqForKey = dbformat.MaxSequenceNumber
		}

		drop := false
		switch {
		case lastSeqForKey <= smallestSnapshot:
			// Hidden behind a newer record for the same key that every
			// current and future reader already sees.
			drop = true
		case typ == dbformat.TypeDeletion && seq <= smallestSnapshot && !keyShadowedElsewhere(user):
			// The tombstone has nothing left to suppress once its key
			// exists nowhere outside this merge.
			drop = true
		}
		lastSeqForKey = seq
		if drop {
			dropped++
		}

		if !drop {
			if cur == nil {
				if err := openOutput(); err != nil {
					return err
				}
			}
			// The newest record of a key is the live one only while the
			// index still points into the merge set for it; that check
			// happens at publish time. Here alive counts the structural
			// newest value record per key and publish corrects the rare
			// concurrent-flush case with a delta.
			countsAlive := newestOfKey && typ == dbformat.TypeValue
			loc, err := builder.Add(ikey, merged.Value(), !countsAlive)
			if err != nil {
				return fmt.Errorf("%w: write output record: %w", ErrIOError, err)
			}
			loc.FileNumber = cur.meta.FileNumber
			if newestOfKey {
				// Keep small surviving values byte-addressable across the
				// merge, the same routing the flush path applies.
				if countsAlive {
					if nvmLoc, ok := d.fileCache.PutNVM(cur.meta.FileNumber, merged.Value()); ok {
						loc = nvmLoc
					}
				}
				cur.entries = append(cur.entries, flushEntry{
					userKey: append([]byte(nil), user...),
					typ:     typ,
					loc:     loc,
				})
			}
			if cur.meta.Total == 0 || manifest.SequenceNumber(seq) < cur.meta.SmallestSeqno {
				cur.meta.SmallestSeqno = manifest.SequenceNumber(seq)
			}
			if manifest.SequenceNumber(seq) > cur.meta.LargestSeqno {
				cur.meta.LargestSeqno = manifest.SequenceNumber(seq)
			}
			cur.meta.Total++ // provisional; replaced by footer totals at finish

			if builder.Size() >= c.MaxOutputFileSize {
				if err := finishOutput(); err != nil {
					return err
				}
			}
		}

		prevUser = append(prevUser[:0], user...)
		haveUser = true
	}
	if err := merged.Error(); err != nil {
		return fmt.Errorf("%w: compaction input: %w", ErrCorruption, err)
	}
	if err := finishOutput(); err != nil {
		return err
	}

	_ = testutil.SP(testutil.SPCompactionComplete)
	return d.publishCompaction(c, outputs, inputSet, dropped)
}

// publishCompaction atomically installs a finished compaction: the version
// edit removes the inputs, adds the outputs, and the index is repointed in
// one BulkReplace. Runs under commitMu so flushes observe either the old
// or the new locator set, never a mixture.
func (d *DBImpl) publishCompaction(c *compaction.Compaction, outputs []*compactionOutput, inputSet map[uint64]struct{}, dropped uint64) error {
	d.commitMu.Lock()
	defer d.commitMu.Unlock()

	edit := c.Edit
	c.AddInputDeletions()

	var idxEdits []index.Edit
	for _, out := range outputs {
		edit.AddFile(out.meta)
		for _, e := range out.entries {
			if e.typ != dbformat.TypeValue {
				continue
			}
			// A concurrent flush may have superseded this key while the
			// merge ran; in that case its index entry no longer points
			// into the merge set and the output's copy is already dead.
			if old, ok := d.idx.Get(e.userKey); ok {
				if _, inInputs := inputSet[old.FileNumber]; inInputs {
					idxEdits = append(idxEdits, index.Edit{Key: e.userKey, Locator: e.loc})
					continue
				}
			}
			edit.AddAliveDelta(out.meta.FileNumber, -1)
		}
	}

	// An output is re-flagged for merging only when this pass actually
	// reclaimed records. A sparse output that reclaimed nothing (every
	// dead record pinned by a snapshot) would otherwise be re-picked in a
	// cycle that rewrites the same bytes forever; it becomes a candidate
	// again as soon as a future write or flush produces a new delta.
	if dropped > 0 {
		threshold := d.opts.MergeThresholdPercent
		for _, out := range outputs {
			alive := int64(out.meta.Alive)
			if delta, ok := edit.AliveDelta[out.meta.FileNumber]; ok {
				alive += delta
			}
			if out.meta.Total > 0 && alive*100/int64(out.meta.Total) < int64(threshold) {
				edit.AddCandidate(out.meta.FileNumber)
			}
		}
	}

	if err := d.versions.LogAndApply(edit); err != nil {
		return fmt.Errorf("apply compaction edit: %w", err)
	}
	d.idx.BulkReplace(idxEdits)

	d.logger.Infof("[compact] merged %d files into %d (%s)",
		c.NumInputFiles(), len(outputs), c.Reason)

	d.deleteObsoleteFiles()
	return nil
}

// compactionFileIter adapts a forward-only record file iterator to the
// merging iterator's interface. Compaction only ever scans forward from
// the start, so the backward operations are never exercised.
type compactionFileIter struct {
	it      *recordfile.Iterator
	valid   bool
	started bool
}

func newCompactionFileIter(it *recordfile.Iterator) *compactionFileIter {
	return &compactionFileIter{it: it}
}

func (c *compactionFileIter) Valid() bool   { return c.valid }
func (c *compactionFileIter) Key() []byte   { return c.it.Key() }
func (c *compactionFileIter) Value() []byte { return c.it.Value() }
func (c *compactionFileIter) Error() error  { return c.it.Err() }

func (c *compactionFileIter) SeekToFirst() {
	if c.started {
		c.valid = false
		return
	}
	c.started = true
	c.valid = c.it.Next()
}

func (c *compactionFileIter) Next() {
	c.valid = c.it.Next()
}

func (c *compactionFileIter) SeekToLast()        { c.valid = false }
func (c *compactionFileIter) Seek(target []byte) { c.valid = false }
func (c *compactionFileIter) Prev()              { c.valid = false }
