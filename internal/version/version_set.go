// version_set.go implements the VersionSet which manages all versions over
// the flat file population and the MANIFEST file.
//
// # Whitebox Testing Hooks
//
// This file contains whitebox testing hooks for crash testing (requires
// -tags crashtest). In production builds, these compile to no-ops with zero
// overhead.
package version

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/aalhour/rockyardkv/internal/manifest"
	"github.com/aalhour/rockyardkv/internal/recordfile"
	"github.com/aalhour/rockyardkv/internal/testutil"
	"github.com/aalhour/rockyardkv/internal/vfs"
	"github.com/aalhour/rockyardkv/internal/wal"
)

// Errors returned by VersionSet operations.
var (
	ErrNotFound           = errors.New("version: not found")
	ErrCorruption         = errors.New("version: corruption")
	ErrInvalidManifest    = errors.New("version: invalid manifest")
	ErrNoCurrentManifest  = errors.New("version: no current manifest")
	ErrManifestTooLarge   = errors.New("version: manifest too large")
	ErrComparatorMismatch = errors.New("version: comparator mismatch")
)

// VersionSetOptions configures the VersionSet.
type VersionSetOptions struct {
	// DBName is the database directory path.
	DBName string

	// FS is the filesystem to use.
	FS vfs.FS

	// MaxManifestFileSize is the maximum size of a MANIFEST file before rotation.
	MaxManifestFileSize uint64

	// ComparatorName is the name of the comparator used by the database.
	// Validated against the comparator stored in the MANIFEST.
	ComparatorName string

	// RecordFileExt is the file extension record files use on disk, used
	// when scanning the directory for orphans during recovery.
	RecordFileExt string
}

// DefaultVersionSetOptions returns default options.
func DefaultVersionSetOptions(dbname string) VersionSetOptions {
	return VersionSetOptions{
		DBName:              dbname,
		FS:                  vfs.Default(),
		MaxManifestFileSize: 1024 * 1024 * 1024, // 1GB
		ComparatorName:      "leveldb.BytewiseComparator",
		RecordFileExt:       ".rec",
	}
}

// VersionSet manages the set of versions and the MANIFEST file.
type VersionSet struct {
	mu sync.Mutex

	// listMu protects the version linked list (prev/next pointers). This
	// is separate from mu to avoid deadlock when Unref() is called while
	// mu is held (e.g., from LogAndApply).
	listMu sync.Mutex

	opts VersionSetOptions

	current       *Version
	dummyVersions Version

	nextFileNumber     uint64
	manifestFileNumber uint64
	lastSequence       uint64
	logNumber          uint64

	currentVersionNumber uint64

	manifestFile   vfs.WritableFile
	manifestWriter *wal.Writer
}

// NewVersionSet creates a new VersionSet.
func NewVersionSet(opts VersionSetOptions) *VersionSet {
	if opts.RecordFileExt == "" {
		opts.RecordFileExt = ".rec"
	}
	vs := &VersionSet{
		opts:           opts,
		nextFileNumber: 2, // 1 is reserved for MANIFEST
	}
	vs.dummyVersions.prev = &vs.dummyVersions
	vs.dummyVersions.next = &vs.dummyVersions
	return vs
}

// Current returns the current (newest) version. Callers that need to keep
// it beyond the current call should Ref() it.
func (vs *VersionSet) Current() *Version {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	return vs.current
}

// NextFileNumber allocates a new file number.
func (vs *VersionSet) NextFileNumber() uint64 {
	return atomic.AddUint64(&vs.nextFileNumber, 1) - 1
}

// NextVersionNumber allocates a new version number.
func (vs *VersionSet) NextVersionNumber() uint64 {
	return atomic.AddUint64(&vs.currentVersionNumber, 1)
}

// CurrentVersionNumber returns the current version number.
func (vs *VersionSet) CurrentVersionNumber() uint64 {
	return atomic.LoadUint64(&vs.currentVersionNumber)
}

// NumLiveVersions returns the number of live (referenced) versions.
func (vs *VersionSet) NumLiveVersions() int {
	vs.listMu.Lock()
	defer vs.listMu.Unlock()

	count := 0
	for v := vs.dummyVersions.next; v != &vs.dummyVersions; v = v.next {
		count++
	}
	return count
}

// ManifestFileNumber returns the current manifest file number.
func (vs *VersionSet) ManifestFileNumber() uint64 {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	return vs.manifestFileNumber
}

// LastSequence returns the last sequence number.
func (vs *VersionSet) LastSequence() uint64 {
	return atomic.LoadUint64(&vs.lastSequence)
}

// SetLastSequence sets the last sequence number.
func (vs *VersionSet) SetLastSequence(seq uint64) {
	atomic.StoreUint64(&vs.lastSequence, seq)
}

// LogNumber returns the current log file number.
func (vs *VersionSet) LogNumber() uint64 {
	return vs.logNumber
}

// Recover reads the MANIFEST file and rebuilds VersionSet state from it.
func (vs *VersionSet) Recover() error {
	vs.mu.Lock()
	defer vs.mu.Unlock()

	currentFile := filepath.Join(vs.opts.DBName, "CURRENT")
	data, err := os.ReadFile(currentFile)
	if err != nil {
		if os.IsNotExist(err) {
			return ErrNoCurrentManifest
		}
		return err
	}

	manifestName := strings.TrimSpace(string(data))
	if manifestName == "" || !strings.HasPrefix(manifestName, "MANIFEST-") {
		return ErrInvalidManifest
	}
	numStr := manifestName[len("MANIFEST-"):]
	manifestNum, err := strconv.ParseUint(numStr, 10, 64)
	if err != nil {
		return ErrInvalidManifest
	}

	manifestPath := filepath.Join(vs.opts.DBName, manifestName)
	manifestFile, err := vs.opts.FS.Open(manifestPath)
	if err != nil {
		return err
	}
	defer func() { _ = manifestFile.Close() }()

	manifestData, err := io.ReadAll(manifestFile)
	if err != nil {
		return err
	}

	// MANIFEST corruption is always fatal: unlike WAL replay, which may
	// tolerate a torn tail, recovery here always verifies checksums since
	// we'd otherwise be trusting metadata we can't fully validate.
	builder := NewBuilder(vs, nil)
	reader := wal.NewReader(bytes.NewReader(manifestData), nil, true, manifestNum)

	hasLogNumber := false
	hasNextFileNumber := false
	hasLastSequence := false
	maxFileNumSeen := manifestNum

	for {
		record, err := reader.ReadRecord()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("manifest read error: %w", err)
		}

		var edit manifest.VersionEdit
		if err := edit.DecodeFrom(record); err != nil {
			return fmt.Errorf("manifest decode error: %w", err)
		}

		if err := builder.Apply(&edit); err != nil {
			return err
		}

		for _, f := range edit.AddedFiles {
			if f.FileNumber > maxFileNumSeen {
				maxFileNumSeen = f.FileNumber
			}
		}
		if edit.HasLogNumber && edit.LogNumber > maxFileNumSeen {
			maxFileNumSeen = edit.LogNumber
		}

		if edit.HasComparator {
			expected := vs.opts.ComparatorName
			if expected == "" {
				expected = "leveldb.BytewiseComparator"
			}
			if !comparatorNamesMatch(edit.Comparator, expected) {
				return fmt.Errorf("%w: database uses %q, but opening with %q",
					ErrComparatorMismatch, edit.Comparator, expected)
			}
		}
		if edit.HasLogNumber {
			hasLogNumber = true
			vs.logNumber = edit.LogNumber
		}
		if edit.HasNextFileNumber {
			hasNextFileNumber = true
			atomic.StoreUint64(&vs.nextFileNumber, edit.NextFileNumber)
		}
		if edit.HasLastSequence {
			hasLastSequence = true
			atomic.StoreUint64(&vs.lastSequence, uint64(edit.LastSequence))
		}
	}

	if !hasLogNumber {
		return fmt.Errorf("manifest missing log number")
	}
	if !hasNextFileNumber {
		atomic.StoreUint64(&vs.nextFileNumber, maxFileNumSeen+1)
	}
	if !hasLastSequence {
		return fmt.Errorf("manifest missing last sequence")
	}

	if n := atomic.LoadUint64(&vs.nextFileNumber); n <= maxFileNumSeen {
		atomic.StoreUint64(&vs.nextFileNumber, maxFileNumSeen+1)
	}

	// An orphaned file (written but never referenced by the MANIFEST due
	// to a crash between write and LogAndApply) must not have its file
	// number reused.
	if maxOnDisk := vs.scanForMaxFileNumber(); maxOnDisk >= atomic.LoadUint64(&vs.nextFileNumber) {
		atomic.StoreUint64(&vs.nextFileNumber, maxOnDisk+1)
	}

	// Likewise an orphaned record file may hold sequence numbers beyond
	// MANIFEST's LastSequence; starting fresh writes below that would
	// collide with keys already on disk.
	if maxSeqOnDisk := vs.scanForMaxSequenceNumber(); maxSeqOnDisk > atomic.LoadUint64(&vs.lastSequence) {
		atomic.StoreUint64(&vs.lastSequence, maxSeqOnDisk)
	}

	vs.manifestFileNumber = manifestNum
	vs.current = builder.SaveTo(vs)
	vs.current.Ref()
	vs.appendVersion(vs.current)

	return nil
}

// scanForMaxFileNumber scans the database directory for every file
// (record file, log, MANIFEST) and returns the highest file number found.
func (vs *VersionSet) scanForMaxFileNumber() uint64 {
	entries, err := os.ReadDir(vs.opts.DBName)
	if err != nil {
		return 0
	}

	var maxNum uint64
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()

		var num uint64
		if strings.HasSuffix(name, vs.opts.RecordFileExt) || strings.HasSuffix(name, ".log") {
			numStr := strings.TrimSuffix(strings.TrimSuffix(name, vs.opts.RecordFileExt), ".log")
			if parsed, err := strconv.ParseUint(numStr, 10, 64); err == nil {
				num = parsed
			}
		} else if numStr, ok := strings.CutPrefix(name, "MANIFEST-"); ok {
			if parsed, err := strconv.ParseUint(numStr, 10, 64); err == nil {
				num = parsed
			}
		}
		if num > maxNum {
			maxNum = num
		}
	}
	return maxNum
}

// scanForMaxSequenceNumber scans every record file's footer-encoded
// largest internal key for the maximum sequence number on disk.
func (vs *VersionSet) scanForMaxSequenceNumber() uint64 {
	entries, err := os.ReadDir(vs.opts.DBName)
	if err != nil {
		return 0
	}

	var maxSeq uint64
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), vs.opts.RecordFileExt) {
			continue
		}

		path := filepath.Join(vs.opts.DBName, entry.Name())
		file, err := vs.opts.FS.OpenRandomAccess(path)
		if err != nil {
			continue
		}

		footer, err := recordfile.ReadFooter(file, file.Size())
		if err == nil && len(footer.Largest) >= 8 {
			key := footer.Largest
			trailer := uint64(key[len(key)-8]) |
				uint64(key[len(key)-7])<<8 |
				uint64(key[len(key)-6])<<16 |
				uint64(key[len(key)-5])<<24 |
				uint64(key[len(key)-4])<<32 |
				uint64(key[len(key)-3])<<40 |
				uint64(key[len(key)-2])<<48 |
				uint64(key[len(key)-1])<<56
			if seq := trailer >> 8; seq > maxSeq {
				maxSeq = seq
			}
		}

		_ = file.Close()
	}

	return maxSeq
}

// LogAndApply logs a VersionEdit to the MANIFEST and installs the version
// it produces as current.
func (vs *VersionSet) LogAndApply(edit *manifest.VersionEdit) error {
	vs.mu.Lock()
	defer vs.mu.Unlock()

	builder := NewBuilder(vs, vs.current)
	if err := builder.Apply(edit); err != nil {
		return err
	}
	newVersion := builder.SaveTo(vs)

	// Persist NextFileNumber with every edit so recovery never reuses a
	// file number handed out but not yet referenced by a prior edit.
	edit.HasNextFileNumber = true
	edit.NextFileNumber = atomic.LoadUint64(&vs.nextFileNumber)

	encoded := edit.EncodeTo()

	// MANIFEST must be synced before CURRENT is updated to avoid a crash
	// window where CURRENT points at a manifest missing its last record.
	newManifest := false
	if vs.manifestWriter == nil {
		manifestNum := vs.NextFileNumber()
		manifestPath := vs.manifestFilePath(manifestNum)

		file, err := vs.opts.FS.Create(manifestPath)
		if err != nil {
			return err
		}

		vs.manifestFile = file
		vs.manifestWriter = wal.NewWriter(file, manifestNum, false)
		vs.manifestFileNumber = manifestNum
		newManifest = true

		snapshotEdit := vs.writeSnapshot()
		if _, err := vs.manifestWriter.AddRecord(snapshotEdit.EncodeTo()); err != nil {
			return err
		}
	}

	testutil.MaybeKill(testutil.KPManifestWrite0)

	if _, err := vs.manifestWriter.AddRecord(encoded); err != nil {
		return err
	}

	testutil.MaybeKill(testutil.KPManifestSync0)

	if syncer, ok := vs.manifestFile.(interface{ Sync() error }); ok {
		if err := syncer.Sync(); err != nil {
			return err
		}
	}

	testutil.MaybeKill(testutil.KPManifestSync1)

	if newManifest {
		testutil.MaybeKill(testutil.KPCurrentWrite0)

		if err := vs.setCurrentFile(vs.manifestFileNumber); err != nil {
			return err
		}

		testutil.MaybeKill(testutil.KPCurrentWrite1)
	}

	vs.appendVersion(newVersion)
	newVersion.Ref()
	if vs.current != nil {
		vs.current.Unref()
	}
	vs.current = newVersion

	return nil
}

// SyncManifest ensures the MANIFEST file is synced to disk.
func (vs *VersionSet) SyncManifest() error {
	vs.mu.Lock()
	defer vs.mu.Unlock()

	if vs.manifestFile == nil {
		return nil
	}
	if syncer, ok := vs.manifestFile.(interface{ Sync() error }); ok {
		return syncer.Sync()
	}
	return nil
}

// writeSnapshot builds a VersionEdit describing the entire current state,
// written as the first record of a freshly rotated MANIFEST.
func (vs *VersionSet) writeSnapshot() *manifest.VersionEdit {
	edit := manifest.NewVersionEdit()
	edit.SetComparatorName("leveldb.BytewiseComparator")
	edit.SetLogNumber(vs.logNumber)
	edit.SetNextFileNumber(atomic.LoadUint64(&vs.nextFileNumber))
	edit.SetLastSequence(manifest.SequenceNumber(atomic.LoadUint64(&vs.lastSequence)))

	if vs.current != nil {
		for _, f := range vs.current.files {
			edit.AddFile(f)
		}
		for fn := range vs.current.mergeCandidates {
			edit.AddCandidate(fn)
		}
	}

	return edit
}

// setCurrentFile writes the CURRENT file pointing at the given manifest,
// using a temp-file-write-then-rename sequence synced at every step.
func (vs *VersionSet) setCurrentFile(manifestNum uint64) error {
	manifestName := fmt.Sprintf("MANIFEST-%06d", manifestNum)
	tempPath := filepath.Join(vs.opts.DBName, "CURRENT.tmp")
	currentPath := filepath.Join(vs.opts.DBName, "CURRENT")

	content := manifestName + "\n"
	tempFile, err := vs.opts.FS.Create(tempPath)
	if err != nil {
		return fmt.Errorf("create CURRENT.tmp: %w", err)
	}

	if _, err := tempFile.Write([]byte(content)); err != nil {
		_ = tempFile.Close()
		_ = vs.opts.FS.Remove(tempPath)
		return fmt.Errorf("write CURRENT.tmp: %w", err)
	}

	if err := tempFile.Sync(); err != nil {
		_ = tempFile.Close()
		_ = vs.opts.FS.Remove(tempPath)
		return fmt.Errorf("sync CURRENT.tmp: %w", err)
	}

	if err := tempFile.Close(); err != nil {
		_ = vs.opts.FS.Remove(tempPath)
		return fmt.Errorf("close CURRENT.tmp: %w", err)
	}

	if err := vs.opts.FS.Rename(tempPath, currentPath); err != nil {
		_ = vs.opts.FS.Remove(tempPath)
		return fmt.Errorf("rename CURRENT: %w", err)
	}

	testutil.MaybeKill(testutil.KPDirSync0)

	if err := vs.opts.FS.SyncDir(vs.opts.DBName); err != nil {
		return fmt.Errorf("sync dir after CURRENT rename: %w", err)
	}

	testutil.MaybeKill(testutil.KPDirSync1)

	return nil
}

func (vs *VersionSet) manifestFilePath(num uint64) string {
	return filepath.Join(vs.opts.DBName, fmt.Sprintf("MANIFEST-%06d", num))
}

func (vs *VersionSet) appendVersion(v *Version) {
	vs.listMu.Lock()
	defer vs.listMu.Unlock()
	v.prev = vs.dummyVersions.prev
	v.next = &vs.dummyVersions
	v.prev.next = v
	v.next.prev = v
}

// Create bootstraps a brand-new database: an empty initial version plus
// its first MANIFEST.
func (vs *VersionSet) Create() error {
	vs.mu.Lock()
	defer vs.mu.Unlock()

	vs.current = NewVersion(vs, vs.NextVersionNumber())
	vs.current.Ref()
	vs.appendVersion(vs.current)

	edit := manifest.NewVersionEdit()
	edit.SetComparatorName("leveldb.BytewiseComparator")
	edit.SetLogNumber(0)
	edit.SetNextFileNumber(atomic.LoadUint64(&vs.nextFileNumber))
	edit.SetLastSequence(0)

	return vs.logAndApplyLocked(edit)
}

// logAndApplyLocked is LogAndApply's body minus version-building, used
// only by Create where there's no prior edit to fold into a new version.
func (vs *VersionSet) logAndApplyLocked(edit *manifest.VersionEdit) error {
	encoded := edit.EncodeTo()

	if vs.manifestWriter == nil {
		manifestNum := vs.NextFileNumber()
		manifestPath := vs.manifestFilePath(manifestNum)

		file, err := vs.opts.FS.Create(manifestPath)
		if err != nil {
			return err
		}

		vs.manifestFile = file
		vs.manifestWriter = wal.NewWriter(file, manifestNum, false)
		vs.manifestFileNumber = manifestNum
	}

	testutil.MaybeKill(testutil.KPManifestWrite0)

	if _, err := vs.manifestWriter.AddRecord(encoded); err != nil {
		return err
	}

	testutil.MaybeKill(testutil.KPManifestSync0)

	if syncer, ok := vs.manifestFile.(interface{ Sync() error }); ok {
		if err := syncer.Sync(); err != nil {
			return err
		}
	}

	testutil.MaybeKill(testutil.KPManifestSync1)
	testutil.MaybeKill(testutil.KPCurrentWrite0)

	if err := vs.setCurrentFile(vs.manifestFileNumber); err != nil {
		return err
	}

	testutil.MaybeKill(testutil.KPCurrentWrite1)

	return nil
}

// Close closes the VersionSet and releases resources.
func (vs *VersionSet) Close() error {
	vs.mu.Lock()
	defer vs.mu.Unlock()

	if vs.manifestFile != nil {
		if err := vs.manifestFile.Close(); err != nil {
			return err
		}
		vs.manifestFile = nil
		vs.manifestWriter = nil
	}

	return nil
}

// LiveFileNumbers returns the union of file numbers referenced by every
// still-referenced version. Files outside this set are safe to delete.
func (vs *VersionSet) LiveFileNumbers() map[uint64]struct{} {
	vs.listMu.Lock()
	defer vs.listMu.Unlock()

	live := make(map[uint64]struct{})
	for v := vs.dummyVersions.next; v != &vs.dummyVersions; v = v.next {
		for fn := range v.files {
			live[fn] = struct{}{}
		}
	}
	return live
}

// NumFiles returns the number of live files in the current version.
func (vs *VersionSet) NumFiles() int {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	if vs.current == nil {
		return 0
	}
	return vs.current.NumFiles()
}

// TotalBytes returns the total size of every live file in the current
// version.
func (vs *VersionSet) TotalBytes() uint64 {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	if vs.current == nil {
		return 0
	}
	return vs.current.TotalBytes()
}

// comparatorNamesMatch checks if two comparator names are compatible.
func comparatorNamesMatch(diskName, optName string) bool {
	if diskName == optName {
		return true
	}
	bytewiseNames := map[string]bool{
		"leveldb.BytewiseComparator": true,
		"rocksdb.BytewiseComparator": true,
		"RocksDB.BytewiseComparator": true,
	}
	return bytewiseNames[diskName] && bytewiseNames[optName]
}
