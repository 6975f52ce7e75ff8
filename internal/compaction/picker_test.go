package compaction

import (
	"testing"

	"github.com/aalhour/rockyardkv/internal/manifest"
	"github.com/aalhour/rockyardkv/internal/version"
)

func newTestVersion(t *testing.T, files ...*manifest.FileMetaData) *version.Version {
	t.Helper()
	vs := version.NewVersionSet(version.DefaultVersionSetOptions(t.TempDir()))
	if err := vs.Create(); err != nil {
		t.Fatalf("Create: %v", err)
	}
	edit := manifest.NewVersionEdit()
	for _, f := range files {
		edit.AddFile(f)
		edit.AddCandidate(f.FileNumber)
	}
	if err := vs.LogAndApply(edit); err != nil {
		t.Fatalf("LogAndApply: %v", err)
	}
	return vs.Current()
}

func TestDensityPickerNeedsCompactionDense(t *testing.T) {
	v := newTestVersion(t, &manifest.FileMetaData{FileNumber: 2, FileSize: 100, Alive: 90, Total: 100})
	p := NewDensityCompactionPicker()
	if p.NeedsCompaction(v) {
		t.Error("dense file should not need compaction")
	}
}

func TestDensityPickerNeedsCompactionSparse(t *testing.T) {
	v := newTestVersion(t, &manifest.FileMetaData{FileNumber: 2, FileSize: 100, Alive: 10, Total: 100})
	p := NewDensityCompactionPicker()
	if !p.NeedsCompaction(v) {
		t.Error("sparse file should need compaction")
	}
}

func TestDensityPickerPicksLowestDensityFirst(t *testing.T) {
	v := newTestVersion(t,
		&manifest.FileMetaData{FileNumber: 2, FileSize: 100, Alive: 40, Total: 100},
		&manifest.FileMetaData{FileNumber: 3, FileSize: 100, Alive: 10, Total: 100},
		&manifest.FileMetaData{FileNumber: 4, FileSize: 100, Alive: 90, Total: 100},
	)
	p := NewDensityCompactionPicker()
	p.MinFilesToCompact = 1
	p.MaxCompactionBytes = 100 // only room for one file per pick

	c := p.PickCompaction(v)
	if c == nil {
		t.Fatal("expected a compaction")
	}
	if c.NumInputFiles() != 1 || c.Inputs[0].FileNumber != 3 {
		t.Errorf("expected to pick lowest-density file 3 alone, got %+v", c.Inputs)
	}
}

func TestDensityPickerSkipsBeingCompacted(t *testing.T) {
	v := newTestVersion(t,
		&manifest.FileMetaData{FileNumber: 2, FileSize: 100, Alive: 10, Total: 100, BeingCompacted: true},
	)
	p := NewDensityCompactionPicker()
	if p.NeedsCompaction(v) {
		t.Error("file already being compacted should not be picked again")
	}
	if c := p.PickCompaction(v); c != nil {
		t.Errorf("expected nil compaction, got %+v", c)
	}
}

func TestDensityPickerNilWhenNothingEligible(t *testing.T) {
	v := newTestVersion(t, &manifest.FileMetaData{FileNumber: 2, FileSize: 100, Alive: 100, Total: 100})
	p := NewDensityCompactionPicker()
	if c := p.PickCompaction(v); c != nil {
		t.Errorf("expected nil compaction for fully dense file, got %+v", c)
	}
}
