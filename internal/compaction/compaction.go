// Package compaction implements the compaction logic for RockyardKV.
//
// Unlike a leveled engine, there is no per-level cascade: every record
// file lives in one flat population, and a file becomes eligible for
// compaction purely by its live-record density (alive/total) falling
// below a threshold. A Compaction therefore names a flat set of input
// files rather than a (level, output level) pair.
//
// Reference (structure, not level semantics): RocksDB v10.7.5
//   - db/compaction/compaction.h
//   - db/compaction/compaction.cc
package compaction

import "github.com/aalhour/rockyardkv/internal/manifest"

// Compaction describes one planned merge: a flat set of input files that
// the executor will replace with zero or one output file, plus the
// VersionEdit that publishes the result.
type Compaction struct {
	// Inputs are the files selected by PickCompaction, in increasing
	// file-number order so the merge iterator list and the resulting
	// VersionEdit are deterministic.
	Inputs []*manifest.FileMetaData

	// MaxOutputFileSize bounds how large a single output record file may
	// grow before the executor rolls over to a new one.
	MaxOutputFileSize uint64

	// Edit accumulates the atomic version change this compaction
	// publishes: the new output file (if any), the removed inputs, and
	// the alive-count/candidate bookkeeping. The executor fills it in;
	// the caller applies it via VersionSet.LogAndApply.
	Edit *manifest.VersionEdit

	// Reason records why this compaction was picked, for logging.
	Reason CompactionReason
}

// CompactionReason indicates why a compaction was triggered.
type CompactionReason int

const (
	CompactionReasonUnknown CompactionReason = iota
	CompactionReasonDensity
	CompactionReasonManual
)

func (r CompactionReason) String() string {
	switch r {
	case CompactionReasonDensity:
		return "density"
	case CompactionReasonManual:
		return "manual"
	default:
		return "unknown"
	}
}

// NewCompaction builds a Compaction over the given input files.
func NewCompaction(inputs []*manifest.FileMetaData, maxOutputFileSize uint64) *Compaction {
	return &Compaction{
		Inputs:            inputs,
		MaxOutputFileSize: maxOutputFileSize,
		Edit:              manifest.NewVersionEdit(),
	}
}

// NumInputFiles returns the number of files being merged.
func (c *Compaction) NumInputFiles() int {
	return len(c.Inputs)
}

// InputBytes returns the total on-disk size of every input file.
func (c *Compaction) InputBytes() uint64 {
	var total uint64
	for _, f := range c.Inputs {
		total += f.FileSize
	}
	return total
}

// MarkFilesBeingCompacted flags (or clears) every input file's
// runtime-only BeingCompacted bit, so a concurrent PickCompaction call
// never selects an overlapping set while this one is in flight.
func (c *Compaction) MarkFilesBeingCompacted(beingCompacted bool) {
	for _, f := range c.Inputs {
		f.BeingCompacted = beingCompacted
	}
}

// AddInputDeletions records every input file's removal, and clears its
// merge-candidate membership, in the compaction's version edit. Call once
// the merge has completed and before LogAndApply.
func (c *Compaction) AddInputDeletions() {
	for _, f := range c.Inputs {
		c.Edit.DeleteFile(f.FileNumber)
		c.Edit.RemoveCandidate(f.FileNumber)
	}
}
