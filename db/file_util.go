// file_util.go holds database file naming and garbage collection helpers.
package db

import (
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/aalhour/rockyardkv/internal/manifest"
	"github.com/aalhour/rockyardkv/internal/version"
)

const (
	recordFileExt   = ".sst"
	logFileExt      = ".log"
	currentFileName = "CURRENT"
	lockFileName    = "LOCK"
	manifestPrefix  = "MANIFEST-"
)

func recordFileName(number uint64) string {
	return fmt.Sprintf("%06d%s", number, recordFileExt)
}

func logFileName(number uint64) string {
	return fmt.Sprintf("%06d%s", number, logFileExt)
}

func (d *DBImpl) recordFilePath(number uint64) string {
	return filepath.Join(d.name, recordFileName(number))
}

// fileKind classifies a database directory entry.
type fileKind int

const (
	fileKindUnknown fileKind = iota
	fileKindRecord
	fileKindLog
	fileKindManifest
	fileKindCurrent
	fileKindLock
	fileKindTemp
)

// parseFileName classifies name and extracts its file number where the
// kind carries one.
func parseFileName(name string) (fileKind, uint64) {
	switch {
	case name == currentFileName:
		return fileKindCurrent, 0
	case name == lockFileName:
		return fileKindLock, 0
	case strings.HasSuffix(name, ".tmp"):
		return fileKindTemp, 0
	case strings.HasPrefix(name, manifestPrefix):
		if num, err := strconv.ParseUint(name[len(manifestPrefix):], 10, 64); err == nil {
			return fileKindManifest, num
		}
	case strings.HasSuffix(name, recordFileExt):
		if num, err := strconv.ParseUint(strings.TrimSuffix(name, recordFileExt), 10, 64); err == nil {
			return fileKindRecord, num
		}
	case strings.HasSuffix(name, logFileExt):
		if num, err := strconv.ParseUint(strings.TrimSuffix(name, logFileExt), 10, 64); err == nil {
			return fileKindLog, num
		}
	}
	return fileKindUnknown, 0
}

// deleteObsoleteFiles removes record files no live version references,
// WAL files older than the manifest's log number, and superseded manifest
// files. Safe to call concurrently with reads: a reader pins its version,
// which keeps the version's files in the live set.
func (d *DBImpl) deleteObsoleteFiles() {
	live := d.versions.LiveFileNumbers()
	logNumber := d.versions.LogNumber()
	manifestNumber := d.versions.ManifestFileNumber()

	d.mu.RLock()
	activeLog := d.logFileNumber
	d.mu.RUnlock()

	names, err := d.fs.ListDir(d.name)
	if err != nil {
		d.logger.Warnf("[db] list dir for gc: %v", err)
		return
	}

	for _, name := range names {
		kind, num := parseFileName(name)
		keep := true
		switch kind {
		case fileKindRecord:
			_, keep = live[num]
		case fileKindLog:
			keep = num >= logNumber || num == activeLog
		case fileKindManifest:
			keep = num >= manifestNumber
		case fileKindTemp:
			keep = false
		}
		if keep {
			continue
		}
		if kind == fileKindRecord {
			d.fileCache.Evict(num)
		}
		if err := d.fs.Remove(filepath.Join(d.name, name)); err != nil {
			d.logger.Warnf("[db] remove obsolete %s: %v", name, err)
		} else {
			d.logger.Debugf("[db] removed obsolete file %s", name)
		}
	}
}

// sortedFiles returns v's files ordered by file number, for stable
// property output.
func sortedFiles(v *version.Version) []*manifest.FileMetaData {
	files := v.Files()
	sort.Slice(files, func(i, j int) bool {
		return files[i].FileNumber < files[j].FileNumber
	})
	return files
}
