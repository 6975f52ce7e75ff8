package compaction

import (
	"sort"

	"github.com/aalhour/rockyardkv/internal/manifest"
	"github.com/aalhour/rockyardkv/internal/version"
)

// CompactionPicker decides whether compaction is needed and, if so, which
// files to merge.
type CompactionPicker interface {
	// NeedsCompaction reports whether v has at least one file eligible
	// for compaction.
	NeedsCompaction(v *version.Version) bool

	// PickCompaction selects a set of files to merge, or nil if none are
	// currently eligible (e.g. every eligible file is already
	// BeingCompacted by another in-flight Compaction).
	PickCompaction(v *version.Version) *Compaction
}

// DefaultMergeThresholdPercent is the density below which a file becomes a
// merge candidate.
const DefaultMergeThresholdPercent = 50

// DefaultMaxCompactionBytes bounds how many input bytes a single
// compaction will pick at once.
const DefaultMaxCompactionBytes = 64 * 1024 * 1024

// DefaultMaxOutputFileSize bounds a single compaction output file.
const DefaultMaxOutputFileSize = 64 * 1024 * 1024

// DensityCompactionPicker drives the flat, density-based design: a file
// becomes a merge candidate once its live-record density falls below
// MergeThresholdPercent, and PickCompaction greedily selects candidates
// lowest-density-first (then oldest-file-number-first on ties) until
// MaxCompactionBytes is reached.
//
// A file already claimed by an in-flight Compaction is marked
// BeingCompacted and skipped here, so concurrent compactions never select
// overlapping file sets.
type DensityCompactionPicker struct {
	// MergeThresholdPercent is the alive/total*100 cutoff below which a
	// file is eligible for compaction. Default 50.
	MergeThresholdPercent int

	// MaxCompactionBytes bounds the total input size a single
	// PickCompaction call will select.
	MaxCompactionBytes uint64

	// MaxOutputFileSize is carried onto every Compaction this picker
	// produces, bounding how large the executor lets one output file grow.
	MaxOutputFileSize uint64

	// MinFilesToCompact is the smallest candidate-set size worth
	// compacting. A single hyper-sparse file is still worth self-merging:
	// it reclaims dead space even alone. Default 1.
	MinFilesToCompact int
}

// NewDensityCompactionPicker returns a DensityCompactionPicker with
// default settings.
func NewDensityCompactionPicker() *DensityCompactionPicker {
	return &DensityCompactionPicker{
		MergeThresholdPercent: DefaultMergeThresholdPercent,
		MaxCompactionBytes:    DefaultMaxCompactionBytes,
		MaxOutputFileSize:     DefaultMaxOutputFileSize,
		MinFilesToCompact:     1,
	}
}

// eligible reports whether f is a merge candidate: below the density
// threshold and not already claimed by another in-flight compaction.
func (p *DensityCompactionPicker) eligible(f *manifest.FileMetaData) bool {
	return !f.BeingCompacted && f.Density() < p.threshold()
}

func (p *DensityCompactionPicker) threshold() int {
	if p.MergeThresholdPercent <= 0 {
		return DefaultMergeThresholdPercent
	}
	return p.MergeThresholdPercent
}

func (p *DensityCompactionPicker) maxBytes() uint64 {
	if p.MaxCompactionBytes == 0 {
		return DefaultMaxCompactionBytes
	}
	return p.MaxCompactionBytes
}

func (p *DensityCompactionPicker) maxOutputFileSize() uint64 {
	if p.MaxOutputFileSize == 0 {
		return DefaultMaxOutputFileSize
	}
	return p.MaxOutputFileSize
}

// NeedsCompaction reports whether v has any file not already being
// compacted whose density is below the threshold.
func (p *DensityCompactionPicker) NeedsCompaction(v *version.Version) bool {
	for _, f := range v.MergeCandidates() {
		if p.eligible(f) {
			return true
		}
	}
	return false
}

// PickCompaction selects a non-empty set of eligible files, lowest
// density first and then oldest file number first on ties, up to
// MaxCompactionBytes. Returns nil if nothing is currently eligible.
func (p *DensityCompactionPicker) PickCompaction(v *version.Version) *Compaction {
	candidates := v.MergeCandidates()
	eligible := make([]*manifest.FileMetaData, 0, len(candidates))
	for _, f := range candidates {
		if p.eligible(f) {
			eligible = append(eligible, f)
		}
	}
	if len(eligible) == 0 {
		return nil
	}

	sort.Slice(eligible, func(i, j int) bool {
		di, dj := eligible[i].Density(), eligible[j].Density()
		if di != dj {
			return di < dj
		}
		return eligible[i].FileNumber < eligible[j].FileNumber
	})

	var picked []*manifest.FileMetaData
	var budget uint64
	for _, f := range eligible {
		if len(picked) >= p.MinFilesToCompact && budget+f.FileSize > p.maxBytes() {
			break
		}
		picked = append(picked, f)
		budget += f.FileSize
	}
	if len(picked) == 0 || len(picked) < p.MinFilesToCompact {
		return nil
	}

	sort.Slice(picked, func(i, j int) bool {
		return picked[i].FileNumber < picked[j].FileNumber
	})

	c := NewCompaction(picked, p.maxOutputFileSize())
	c.Reason = CompactionReasonDensity
	return c
}
