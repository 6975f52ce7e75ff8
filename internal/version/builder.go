// builder.go implements Builder for applying VersionEdits to the flat file
// population without materializing an intermediate copy per edit.
package version

import (
	"fmt"

	"github.com/aalhour/rockyardkv/internal/manifest"
)

// Builder accumulates a sequence of edits against a base Version and
// produces the next Version.
//
// Usage:
//
//	builder := NewBuilder(vset, baseVersion)
//	builder.Apply(edit1)
//	builder.Apply(edit2)
//	newVersion := builder.SaveTo(vset)
type Builder struct {
	vset *VersionSet
	base *Version

	files           map[uint64]*manifest.FileMetaData
	deleted         map[uint64]struct{}
	mergeCandidates map[uint64]struct{}
}

// NewBuilder creates a Builder seeded from base (nil for a brand-new,
// empty database).
func NewBuilder(vset *VersionSet, base *Version) *Builder {
	b := &Builder{
		vset:            vset,
		base:            base,
		files:           make(map[uint64]*manifest.FileMetaData),
		deleted:         make(map[uint64]struct{}),
		mergeCandidates: make(map[uint64]struct{}),
	}
	if base != nil {
		for fn, f := range base.files {
			b.files[fn] = f
		}
		for fn := range base.mergeCandidates {
			b.mergeCandidates[fn] = struct{}{}
		}
	}
	return b
}

// Apply folds one VersionEdit's file-population changes into the builder.
func (b *Builder) Apply(edit *manifest.VersionEdit) error {
	for _, f := range edit.AddedFiles {
		clone := f.Clone()
		b.files[clone.FileNumber] = clone
		delete(b.deleted, clone.FileNumber)
	}

	for _, fn := range edit.DeletedFiles {
		if _, ok := b.files[fn]; !ok {
			// A compaction picked against an older version than the one
			// LogAndApply eventually lands on; the file may already be
			// gone.
			continue
		}
		delete(b.files, fn)
		delete(b.mergeCandidates, fn)
		b.deleted[fn] = struct{}{}
	}

	for fn, delta := range edit.AliveDelta {
		f, ok := b.files[fn]
		if !ok {
			continue
		}
		newAlive := int64(f.Alive) + delta
		if newAlive < 0 {
			return fmt.Errorf("version: alive delta would go negative for file %d", fn)
		}
		// Files inherited from base are shared with the still-live
		// predecessor version; clone before mutating so readers pinned
		// to that version never observe this edit's changes.
		clone := f.Clone()
		clone.Alive = uint64(newAlive)
		b.files[fn] = clone
	}

	for _, fn := range edit.CandidatesAdded {
		if _, ok := b.files[fn]; ok {
			b.mergeCandidates[fn] = struct{}{}
		}
	}
	for _, fn := range edit.CandidatesRemoved {
		delete(b.mergeCandidates, fn)
	}

	return nil
}

// SaveTo materializes the accumulated changes as a new Version.
func (b *Builder) SaveTo(vset *VersionSet) *Version {
	v := NewVersion(vset, vset.NextVersionNumber())
	for fn, f := range b.files {
		v.files[fn] = f
		if _, ok := b.mergeCandidates[fn]; ok {
			v.mergeCandidates[fn] = f
		}
	}
	return v
}
