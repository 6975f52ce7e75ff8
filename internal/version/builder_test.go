package version

import (
	"testing"

	"github.com/aalhour/rockyardkv/internal/manifest"
)

func TestBuilderAddAndDelete(t *testing.T) {
	vs := NewVersionSet(DefaultVersionSetOptions(t.TempDir()))
	base := NewVersion(vs, 1)
	base.files[1] = &manifest.FileMetaData{FileNumber: 1, Alive: 10, Total: 10}
	base.files[2] = &manifest.FileMetaData{FileNumber: 2, Alive: 5, Total: 10}

	edit := manifest.NewVersionEdit()
	edit.DeleteFile(2)
	edit.AddFile(&manifest.FileMetaData{FileNumber: 3, Alive: 8, Total: 8})

	b := NewBuilder(vs, base)
	if err := b.Apply(edit); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	next := b.SaveTo(vs)

	if _, ok := next.File(2); ok {
		t.Errorf("file 2 should have been deleted")
	}
	if _, ok := next.File(1); !ok {
		t.Errorf("file 1 should survive untouched")
	}
	if f, ok := next.File(3); !ok || f.Alive != 8 {
		t.Errorf("file 3 should be added with alive=8, got %+v %v", f, ok)
	}
}

func TestBuilderAliveDeltaDoesNotMutateBase(t *testing.T) {
	vs := NewVersionSet(DefaultVersionSetOptions(t.TempDir()))
	base := NewVersion(vs, 1)
	base.files[1] = &manifest.FileMetaData{FileNumber: 1, Alive: 10, Total: 10}

	edit := manifest.NewVersionEdit()
	edit.AddAliveDelta(1, -3)

	b := NewBuilder(vs, base)
	if err := b.Apply(edit); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	next := b.SaveTo(vs)

	if f, _ := next.File(1); f.Alive != 7 {
		t.Errorf("next version Alive = %d, want 7", f.Alive)
	}
	if f, _ := base.File(1); f.Alive != 10 {
		t.Errorf("base version Alive mutated: got %d, want 10", f.Alive)
	}
}

func TestBuilderMergeCandidates(t *testing.T) {
	vs := NewVersionSet(DefaultVersionSetOptions(t.TempDir()))
	base := NewVersion(vs, 1)
	base.files[1] = &manifest.FileMetaData{FileNumber: 1, Alive: 1, Total: 10}

	edit := manifest.NewVersionEdit()
	edit.AddCandidate(1)

	b := NewBuilder(vs, base)
	if err := b.Apply(edit); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	next := b.SaveTo(vs)

	if len(next.MergeCandidates()) != 1 {
		t.Fatalf("MergeCandidates = %v, want one entry", next.MergeCandidates())
	}

	edit2 := manifest.NewVersionEdit()
	edit2.RemoveCandidate(1)
	b2 := NewBuilder(vs, next)
	if err := b2.Apply(edit2); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	next2 := b2.SaveTo(vs)
	if len(next2.MergeCandidates()) != 0 {
		t.Fatalf("MergeCandidates after removal = %v, want none", next2.MergeCandidates())
	}
}

func TestBuilderAliveDeltaNegativeErrors(t *testing.T) {
	vs := NewVersionSet(DefaultVersionSetOptions(t.TempDir()))
	base := NewVersion(vs, 1)
	base.files[1] = &manifest.FileMetaData{FileNumber: 1, Alive: 2, Total: 10}

	edit := manifest.NewVersionEdit()
	edit.AddAliveDelta(1, -5)

	b := NewBuilder(vs, base)
	if err := b.Apply(edit); err == nil {
		t.Errorf("expected error applying alive delta below zero")
	}
}
